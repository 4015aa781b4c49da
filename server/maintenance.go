package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vinkius-labs/mcp-fusion/bus"
)

// MaintenanceConfig configures the background journal pruner.
type MaintenanceConfig struct {
	// Store is the journal to prune. Required.
	Store bus.EventStore

	// Schedule is a five-field cron expression, evaluated in UTC.
	Schedule string

	// Retention is how long events are kept. Events recorded earlier
	// than now minus Retention are pruned. Must be positive.
	Retention time.Duration

	// Now provides the current time (for testing). Defaults to UTC now.
	Now func() time.Time

	// Logger receives prune logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// Maintenance prunes old journal events on a cron schedule.
type Maintenance struct {
	store     bus.EventStore
	schedule  cron.Schedule
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMaintenance creates a journal pruner.
func NewMaintenance(cfg MaintenanceConfig) (*Maintenance, error) {
	if cfg.Store == nil {
		return nil, errors.New("maintenance store is nil")
	}
	if cfg.Retention <= 0 {
		return nil, errors.New("maintenance retention must be positive")
	}
	schedule, err := parseCronExpressionUTC(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("maintenance schedule: %w", err)
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Maintenance{
		store:     cfg.Store,
		schedule:  schedule,
		retention: cfg.Retention,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}, nil
}

// Start begins background pruning at the configured schedule. Calling
// Start on a running pruner is a no-op.
func (m *Maintenance) Start() error {
	if m == nil {
		return errors.New("maintenance is nil")
	}

	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		for {
			now := m.now().UTC()
			timer := time.NewTimer(m.schedule.Next(now).Sub(now))
			select {
			case <-loopCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
				_ = m.RunOnce(loopCtx)
			}
		}
	}()

	return nil
}

// Stop halts background pruning and waits for an in-flight pass to end.
func (m *Maintenance) Stop(ctx context.Context) error {
	if m == nil {
		return nil
	}

	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce prunes immediately, regardless of schedule.
func (m *Maintenance) RunOnce(ctx context.Context) error {
	cutoff := m.now().UTC().Add(-m.retention)
	removed, err := m.store.PruneBefore(ctx, cutoff)
	if err != nil {
		m.logger.Error("journal prune failed", "error", err)
		return err
	}
	if removed > 0 {
		m.logger.Info("journal pruned", "removed", removed, "cutoff", cutoff.Format(time.RFC3339))
	}
	return nil
}
