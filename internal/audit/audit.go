// Package audit emits a structured operational audit trail for state writes:
// who changed which stream, how, and with what outcome. It complements the
// durable transition log; this trail is for operators, the transition log is
// the record.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/courtside/stateledger/internal/state/types"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event is one audited facade operation.
type Event struct {
	ID        string            `json:"id"`
	Operation string            `json:"operation"`
	Actor     string            `json:"actor"`
	StateType string            `json:"state_type"`
	EntityID  string            `json:"entity_id"`

	SnapshotID string `json:"snapshot_id,omitempty"`
	Version    int64  `json:"version,omitempty"`
	Reason     string `json:"reason,omitempty"`

	Outcome      Outcome   `json:"outcome"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Sink is a destination for audit events.
type Sink interface {
	Write(ctx context.Context, event *Event) error
	Close() error
}

// Config holds audit logger configuration.
type Config struct {
	Enabled    bool
	BufferSize int
}

// DefaultConfig returns default audit config.
func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		BufferSize: 1000,
	}
}

// Logger buffers audit events and writes them to sinks from a background
// worker. A full buffer drops the event with a warning rather than stalling
// the write path.
type Logger struct {
	sinks   []Sink
	sinksMu sync.RWMutex

	enabled bool
	buffer  chan *Event
	done    chan struct{}

	baseLogger *slog.Logger
}

func NewLogger(config Config, baseLogger *slog.Logger) *Logger {
	if baseLogger == nil {
		baseLogger = slog.Default()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}

	l := &Logger{
		enabled:    config.Enabled,
		buffer:     make(chan *Event, config.BufferSize),
		done:       make(chan struct{}),
		baseLogger: baseLogger,
	}

	go l.worker()
	return l
}

// AddSink adds an audit sink.
func (l *Logger) AddSink(sink Sink) {
	l.sinksMu.Lock()
	defer l.sinksMu.Unlock()
	l.sinks = append(l.sinks, sink)
}

// Record queues an audit event for one facade operation. err may be nil.
func (l *Logger) Record(operation, actor string, key types.StreamKey, snapshot *types.StateSnapshot, reason string, err error) {
	if !l.enabled {
		return
	}

	event := &Event{
		ID:        uuid.NewString(),
		Operation: operation,
		Actor:     actor,
		StateType: key.StateType.String(),
		EntityID:  key.EntityID,
		Reason:    reason,
		Outcome:   OutcomeSuccess,
		Timestamp: time.Now().UTC(),
	}
	if snapshot != nil {
		event.SnapshotID = snapshot.SnapshotID
		event.Version = snapshot.Version
	}
	if err != nil {
		event.Outcome = OutcomeFailure
		event.ErrorMessage = err.Error()
	}

	select {
	case l.buffer <- event:
	default:
		l.baseLogger.Warn("audit buffer full, dropping event",
			slog.String("operation", event.Operation),
			slog.String("stream", event.StateType+"/"+event.EntityID),
		)
	}
}

func (l *Logger) worker() {
	defer close(l.done)
	for event := range l.buffer {
		if err := l.writeToSinks(context.Background(), event); err != nil {
			l.baseLogger.Error("failed to write audit event",
				slog.String("event_id", event.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (l *Logger) writeToSinks(ctx context.Context, event *Event) error {
	l.sinksMu.RLock()
	sinks := l.sinks
	l.sinksMu.RUnlock()

	var lastErr error
	for _, sink := range sinks {
		if err := sink.Write(ctx, event); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Close drains the buffer and closes all sinks.
func (l *Logger) Close() error {
	close(l.buffer)
	<-l.done

	l.sinksMu.Lock()
	defer l.sinksMu.Unlock()
	for _, sink := range l.sinks {
		sink.Close()
	}
	return nil
}

// SlogSink writes audit events through a structured logger.
type SlogSink struct {
	logger *slog.Logger
}

func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger}
}

func (s *SlogSink) Write(ctx context.Context, event *Event) error {
	s.logger.Info("audit event",
		slog.String("event_id", event.ID),
		slog.String("operation", event.Operation),
		slog.String("outcome", string(event.Outcome)),
		slog.String("actor", event.Actor),
		slog.String("state_type", event.StateType),
		slog.String("entity_id", event.EntityID),
		slog.String("snapshot_id", event.SnapshotID),
		slog.Int64("version", event.Version),
	)
	return nil
}

func (s *SlogSink) Close() error {
	return nil
}
