package frecency

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/launchkitd/launchkitd/internal/logger"
)

// DecaySweepSpec runs the prune sweep daily at 03:17 local time, an
// off-the-hour slot chosen to avoid colliding with other scheduled
// maintenance.
const DecaySweepSpec = "17 3 * * *"

// DefaultRetention is how stale an entry must be before the decay sweep
// considers dropping it.
const DefaultRetention = 180 * 24 * time.Hour

// DefaultCountFloor spares entries selected more than this many times
// even once they age past the retention window.
const DefaultCountFloor int64 = 2

// SweepConfig tunes the decay sweep. Zero values select the defaults; a
// negative CountFloor prunes on age alone.
type SweepConfig struct {
	Retention  time.Duration
	CountFloor int64
}

func (c SweepConfig) withDefaults() SweepConfig {
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.CountFloor == 0 {
		c.CountFloor = DefaultCountFloor
	}
	return c
}

// Scheduler runs the frecency pruning sweep on a cron schedule, bounding
// growth of the store without touching entries still in active use.
type Scheduler struct {
	cron  *cron.Cron
	store *Store
	cfg   SweepConfig
}

// NewScheduler wires store's Prune into a cron.Cron instance. Call Start
// to begin running it.
func NewScheduler(store *Store, cfg SweepConfig) *Scheduler {
	c := cron.New()
	s := &Scheduler{cron: c, store: store, cfg: cfg.withDefaults()}
	_, _ = c.AddFunc(DecaySweepSpec, s.runSweep)
	return s
}

// Start begins the cron scheduler in its own goroutine.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }

func (s *Scheduler) runSweep() {
	cutoff := time.Now().Add(-s.cfg.Retention)
	n, err := s.store.Prune(cutoff, s.cfg.CountFloor)
	if err != nil {
		logger.Session().Error().Err(err).Msg("frecency decay sweep failed")
		return
	}
	logger.Session().Info().Int("pruned", n).Msg("frecency decay sweep completed")
}
