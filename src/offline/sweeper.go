package offline

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog"
)

// DefaultSweepCron runs the expiry sweep every five minutes.
const DefaultSweepCron = "*/5 * * * *"

// Sweeper purges expired entries on a cron schedule. Reads already skip
// expired entries; the sweep reclaims storage for users that never return.
type Sweeper struct {
	queue  *Queue
	expr   string
	logger zerolog.Logger
}

// NewSweeper validates expr and returns a sweeper for q.
func NewSweeper(q *Queue, expr string, logger zerolog.Logger) (*Sweeper, error) {
	if expr == "" {
		expr = DefaultSweepCron
	}
	if !gronx.IsValid(expr) {
		return nil, fmt.Errorf("invalid sweep cron expression: %q", expr)
	}
	return &Sweeper{
		queue:  q,
		expr:   expr,
		logger: logger.With().Str("component", "offline-sweeper").Logger(),
	}, nil
}

// Next returns the first tick strictly after t.
func (s *Sweeper) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.expr, t, false)
}

// Run sleeps until each tick and purges, until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info().Str("cron", s.expr).Msg("offline sweeper started")
	for {
		wait := 30 * time.Second
		next, err := s.Next(time.Now().UTC())
		if err != nil {
			s.logger.Error().Err(err).Str("cron", s.expr).Msg("next tick failed")
		} else {
			wait = max(time.Until(next), time.Second)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info().Msg("offline sweeper stopped")
			return
		case <-timer.C:
		}
		if err != nil {
			continue
		}

		if _, err := s.queue.PurgeExpired(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("offline purge failed")
		}
	}
}
