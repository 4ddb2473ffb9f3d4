package circulation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DefaultReclaimInterval is the sweep cadence used when none is configured.
const DefaultReclaimInterval = time.Minute

// ReclaimerConfig configures the expiry sweep.
type ReclaimerConfig struct {
	// Interval between sweeps. Defaults to DefaultReclaimInterval.
	Interval time.Duration

	// Logger for sweep activity. Defaults to a no-op logger.
	Logger zerolog.Logger
}

// Reclaimer periodically closes reservations whose expiry has passed,
// releasing the copies they held. Loans are never swept; they are reclaimed
// only through an explicit return.
type Reclaimer struct {
	manager  *Manager
	interval time.Duration
	logger   zerolog.Logger
}

// NewReclaimer creates a Reclaimer driving the given manager.
func NewReclaimer(manager *Manager, conf ReclaimerConfig) *Reclaimer {
	if conf.Interval <= 0 {
		conf.Interval = DefaultReclaimInterval
	}
	return &Reclaimer{
		manager:  manager,
		interval: conf.Interval,
		logger:   conf.Logger,
	}
}

// Run sweeps at the configured interval until ctx is cancelled. A failing
// sweep is logged and does not stop the loop.
func (r *Reclaimer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.SweepOnce(ctx); err != nil {
				r.logger.Error().Err(err).Msg("reclaim sweep failed")
			}
		}
	}
}

// SweepOnce reclaims every reservation that has expired by now and returns
// how many copies it released. Each record is reclaimed independently: a
// reservation closed concurrently by a user action is skipped as a no-op,
// and any other per-record failure is logged without aborting the sweep.
func (r *Reclaimer) SweepOnce(ctx context.Context) (int, error) {
	now := r.manager.now().UTC()
	expired, err := r.manager.store.ListExpiredReservations(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired reservations: %w", err)
	}

	reclaimed := 0
	for _, a := range expired {
		err := r.manager.CloseAllocation(ctx, a.ID, ReasonExpired)
		switch {
		case err == nil:
			reclaimed++
			r.logger.Info().
				Str("allocation_id", a.ID.String()).
				Str("edition_id", a.EditionID.String()).
				Time("expired_at", a.ExpiresAt).
				Msg("expired reservation reclaimed")
		case errors.Is(err, ErrAlreadyClosed), errors.Is(err, ErrAllocationNotFound):
			// Closed by a user action between selection and here.
		default:
			r.logger.Error().
				Err(err).
				Str("allocation_id", a.ID.String()).
				Msg("failed to reclaim expired reservation")
		}
	}
	return reclaimed, nil
}
