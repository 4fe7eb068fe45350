package registry

import (
	"context"
	"time"

	"streamcast/internal/core/domain"

	"go.uber.org/zap"
)

// LivenessSupervisor periodically evicts connections that stopped
// heartbeating. Eviction takes the same ConnectionClosed path as an
// explicit leave, so downstream teardown is identical.
type LivenessSupervisor struct {
	registry *ConnectionRegistry

	sweepInterval time.Duration
	staleTimeout  time.Duration

	onEvict func(count int)
	logger  *zap.SugaredLogger
}

func NewLivenessSupervisor(registry *ConnectionRegistry, sweepInterval, staleTimeout time.Duration, logger *zap.SugaredLogger) *LivenessSupervisor {
	return &LivenessSupervisor{
		registry:      registry,
		sweepInterval: sweepInterval,
		staleTimeout:  staleTimeout,
		logger:        logger,
	}
}

// OnEvict registers a callback invoked with the eviction count after
// each sweep that removed at least one connection.
func (s *LivenessSupervisor) OnEvict(fn func(count int)) {
	s.onEvict = fn
}

// Run sweeps until the context is cancelled.
func (s *LivenessSupervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	s.logger.Infow("liveness supervisor started",
		"sweep_interval", s.sweepInterval,
		"stale_timeout", s.staleTimeout,
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("liveness supervisor stopped")
			return
		case now := <-ticker.C:
			s.Sweep(ctx, now)
		}
	}
}

// Sweep evicts every connection idle past the stale timeout and returns
// the eviction count.
func (s *LivenessSupervisor) Sweep(ctx context.Context, now time.Time) int {
	stale := s.registry.staleBefore(now.Add(-s.staleTimeout))

	evicted := 0
	for _, id := range stale {
		if s.registry.Unregister(ctx, id, domain.CloseStale) {
			evicted++
		}
	}

	if evicted > 0 {
		s.logger.Infow("evicted stale connections", "count", evicted)
		if s.onEvict != nil {
			s.onEvict(evicted)
		}
	}
	return evicted
}
