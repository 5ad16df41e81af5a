package finalizer

import (
	"context"
	"log"
	"time"

	"telecare/session-service/internal/store"
)

// Clock supplies the reference time for threshold checks; tests substitute a
// fixed one.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func SystemClock() Clock { return systemClock{} }

type Finalizer struct {
	store     store.SessionStore
	clock     Clock
	grace     time.Duration
	cutoff    time.Duration
	batchSize int
}

type Config struct {
	NoShowGrace time.Duration
	StaleCutoff time.Duration
	BatchSize   int
	Clock       Clock
}

func New(st store.SessionStore, cfg Config) *Finalizer {
	grace := cfg.NoShowGrace
	if grace <= 0 {
		grace = 20 * time.Minute
	}
	cutoff := cfg.StaleCutoff
	if cutoff <= 0 {
		cutoff = 60 * time.Minute
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 500
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock()
	}
	return &Finalizer{
		store:     st,
		clock:     clock,
		grace:     grace,
		cutoff:    cutoff,
		batchSize: batch,
	}
}

// Run executes both sweeps once. A sweep error is returned but the second
// sweep still runs; per-row failures are handled inside the store.
func (f *Finalizer) Run(ctx context.Context) error {
	now := f.clock.Now()

	noShows, noShowErr := f.store.SweepNoShows(ctx, now, f.grace, f.batchSize)
	if noShowErr != nil {
		log.Printf("no-show sweep error: %v", noShowErr)
	} else if noShows > 0 {
		log.Printf("no-show sweep finalized %d appointments", noShows)
	}

	stale, staleErr := f.store.SweepStaleSessions(ctx, now, f.cutoff, f.batchSize)
	if staleErr != nil {
		log.Printf("stale-session sweep error: %v", staleErr)
	} else if stale > 0 {
		log.Printf("stale-session sweep completed %d sessions", stale)
	}

	if noShowErr != nil {
		return noShowErr
	}
	return staleErr
}
