package worker

import (
	"context"
	"log/slog"
	"time"
)

const sweepEvery = 5 * time.Minute

// SessionStore is the session expiry surface consumed by Sweeper.
type SessionStore interface {
	CleanupExpired() int
	Count() int
}

// LimiterStore is the rate limiter eviction surface consumed by Sweeper.
type LimiterStore interface {
	EvictStale(maxIdle time.Duration) int
}

// SessionGauge reports the live session count; satisfied by a prometheus
// Gauge. A nil gauge disables reporting.
type SessionGauge interface {
	Set(float64)
}

// Sweeper periodically removes expired sessions and idle limiter counters.
type Sweeper struct {
	sessions SessionStore
	limiter  LimiterStore
	gauge    SessionGauge

	interval time.Duration
}

// NewSweeper creates a Sweeper over the given stores.
func NewSweeper(sessions SessionStore, limiter LimiterStore, gauge SessionGauge) *Sweeper {
	return &Sweeper{
		sessions: sessions,
		limiter:  limiter,
		gauge:    gauge,
		interval: sweepEvery,
	}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed := s.sessions.CleanupExpired()
			// Limiter counters idle past two sweep intervals carry no
			// in-window state worth keeping.
			evicted := s.limiter.EvictStale(2 * s.interval)
			if s.gauge != nil {
				s.gauge.Set(float64(s.sessions.Count()))
			}
			if removed > 0 || evicted > 0 {
				slog.LogAttrs(ctx, slog.LevelInfo, "sweep completed",
					slog.Int("sessions_removed", removed),
					slog.Int("counters_evicted", evicted),
				)
			}
		}
	}
}
