// Package reaper runs the background expiry sweep: active snapshots past
// their expiry time are flipped to suspended, never deleted, so the audit
// trail survives. Flips go through the same per-stream lock as ordinary
// writes.
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/courtside/stateledger/internal/observability/metrics"
	"github.com/courtside/stateledger/internal/state/types"
)

var ErrServiceNotRunning = errors.New("reaper is not running")

// StateAccess is the slice of the state manager the reaper needs.
type StateAccess interface {
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*types.StateSnapshot, error)
	SuspendExpired(ctx context.Context, snapshot *types.StateSnapshot) error
}

// Config holds the reaper's configuration.
type Config struct {
	ScanInterval   time.Duration
	BatchSize      int
	ProcessorCount int
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ScanInterval:   30 * time.Second,
		BatchSize:      100,
		ProcessorCount: 2,
	}
}

// Service is the expiry reaper.
type Service struct {
	state  StateAccess
	config Config
	logger *slog.Logger

	stopCh chan struct{}
	workCh chan *types.StateSnapshot

	running bool
	mu      sync.RWMutex
	wg      sync.WaitGroup
}

// NewService creates a reaper over the given state access.
func NewService(state StateAccess, config Config) *Service {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ScanInterval <= 0 {
		config.ScanInterval = DefaultConfig().ScanInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.ProcessorCount <= 0 {
		config.ProcessorCount = DefaultConfig().ProcessorCount
	}

	return &Service{
		state:  state,
		config: config,
		logger: config.Logger,
		stopCh: make(chan struct{}),
		workCh: make(chan *types.StateSnapshot, config.BatchSize),
	}
}

// Start starts the sweep loop and processors.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("reaper is already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("starting expiry reaper",
		slog.Duration("scan_interval", s.config.ScanInterval),
		slog.Int("processor_count", s.config.ProcessorCount),
	)

	s.wg.Add(1)
	go s.runScanner(ctx)

	for i := 0; i < s.config.ProcessorCount; i++ {
		s.wg.Add(1)
		go s.runProcessor(ctx)
	}

	return nil
}

// Stop stops the reaper, waiting up to the context's deadline for in-flight
// work to drain.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("expiry reaper stopped")
	case <-ctx.Done():
		s.logger.Warn("expiry reaper stop timed out")
	}

	return nil
}

// IsRunning returns whether the reaper is running.
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Sweep runs one scan synchronously, suspending every expired snapshot it
// finds. Start's background loop calls this on each tick.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	suspended := 0

	expired, err := s.state.ListExpired(ctx, time.Now(), s.config.BatchSize)
	if err != nil {
		return 0, err
	}

	for _, snap := range expired {
		if err := s.state.SuspendExpired(ctx, snap); err != nil {
			s.logger.Error("failed to suspend expired snapshot",
				slog.String("snapshot_id", snap.SnapshotID),
				slog.String("stream", snap.Key().String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		suspended++
	}

	if s.config.Metrics != nil {
		s.config.Metrics.ObserveSweep(time.Since(start))
	}
	if suspended > 0 {
		s.logger.Info("expiry sweep completed",
			slog.Int("suspended", suspended),
			slog.Duration("elapsed", time.Since(start)),
		)
	}
	return suspended, nil
}

func (s *Service) runScanner(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

func (s *Service) scan(ctx context.Context) {
	start := time.Now()

	expired, err := s.state.ListExpired(ctx, time.Now(), s.config.BatchSize)
	if err != nil {
		s.logger.Error("failed to list expired snapshots", slog.String("error", err.Error()))
		return
	}

	for _, snap := range expired {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case s.workCh <- snap:
		}
	}

	if s.config.Metrics != nil {
		s.config.Metrics.ObserveSweep(time.Since(start))
	}
}

func (s *Service) runProcessor(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case snap := <-s.workCh:
			if err := s.state.SuspendExpired(ctx, snap); err != nil {
				s.logger.Error("failed to suspend expired snapshot",
					slog.String("snapshot_id", snap.SnapshotID),
					slog.String("stream", snap.Key().String()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
