// Package observer notifies registered listeners when a watched stream's
// state changes. Notification is synchronous, ordered after the durable
// commit, and fire-and-forget: a failing or panicking listener is logged and
// never fails the write that triggered it.
package observer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/courtside/stateledger/internal/state/types"
)

// Listener receives the snapshot that just became current for a watched
// stream.
type Listener func(ctx context.Context, snapshot *types.StateSnapshot)

type Registry struct {
	mu       sync.RWMutex
	nextID   int64
	watchers map[string]map[int64]Listener
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		watchers: make(map[string]map[int64]Listener),
		logger:   logger,
	}
}

// Watch registers a listener for one stream and returns its registration id.
func (r *Registry) Watch(key types.StreamKey, listener Listener) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID

	k := key.String()
	if r.watchers[k] == nil {
		r.watchers[k] = make(map[int64]Listener)
	}
	r.watchers[k][id] = listener
	return id
}

// Unwatch removes a registration. Unknown ids are ignored.
func (r *Registry) Unwatch(key types.StreamKey, id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key.String()
	delete(r.watchers[k], id)
	if len(r.watchers[k]) == 0 {
		delete(r.watchers, k)
	}
}

// Notify invokes every listener watching the snapshot's stream, in-line.
func (r *Registry) Notify(ctx context.Context, snapshot *types.StateSnapshot) {
	r.mu.RLock()
	registered := r.watchers[snapshot.Key().String()]
	listeners := make([]Listener, 0, len(registered))
	for _, l := range registered {
		listeners = append(listeners, l)
	}
	r.mu.RUnlock()

	for _, listener := range listeners {
		r.invoke(ctx, listener, snapshot)
	}
}

func (r *Registry) invoke(ctx context.Context, listener Listener, snapshot *types.StateSnapshot) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("state listener panicked",
				slog.String("stream", snapshot.Key().String()),
				slog.Int64("version", snapshot.Version),
				slog.Any("panic", rec),
			)
		}
	}()
	listener(ctx, snapshot)
}

// WatchCount returns the number of listeners on one stream.
func (r *Registry) WatchCount(key types.StreamKey) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.watchers[key.String()])
}
