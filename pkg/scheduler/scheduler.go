// Package scheduler drives the periodic fetch, persist and broadcast cycle.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hervehildenbrand/attack-radar/pkg/logging"
	"github.com/hervehildenbrand/attack-radar/pkg/metrics"
	"github.com/hervehildenbrand/attack-radar/pkg/models"
)

// DefaultInterval is the polling period of the upstream feed.
const DefaultInterval = 180 * time.Second

// Fetcher fetches one batch from the upstream feed.
type Fetcher interface {
	Fetch(ctx context.Context) (models.AttackBatch, error)
}

// Persister stores a batch.
type Persister interface {
	Persist(ctx context.Context, batch models.AttackBatch) error
}

// Broadcaster fans a batch out to live subscribers.
type Broadcaster interface {
	Broadcast(batch models.AttackBatch) int
}

// Config configures the scheduler.
type Config struct {
	Interval   time.Duration
	RunOnStart bool
}

// Scheduler runs one tick per interval. A tick that is still running when
// the next one is due causes that next tick to be skipped.
type Scheduler struct {
	fetcher     Fetcher
	persister   Persister
	broadcaster Broadcaster
	interval    time.Duration
	runOnStart  bool

	running atomic.Bool
	wg      sync.WaitGroup
	log     zerolog.Logger

	// Stats
	ticks       uint64
	skipped     uint64
	fetchErrors uint64
	persistErrs uint64
}

// New creates a scheduler.
func New(fetcher Fetcher, persister Persister, broadcaster Broadcaster, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Scheduler{
		fetcher:     fetcher,
		persister:   persister,
		broadcaster: broadcaster,
		interval:    cfg.Interval,
		runOnStart:  cfg.RunOnStart,
		log:         logging.Component("scheduler"),
	}
}

// Run ticks until ctx is cancelled, then waits for an in-flight tick to finish.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info().Dur("interval", s.interval).Bool("run_on_start", s.runOnStart).Msg("Scheduler started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if s.runOnStart {
		s.launch(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.log.Info().Msg("Scheduler stopped")
			return
		case <-ticker.C:
			s.launch(ctx)
		}
	}
}

func (s *Scheduler) launch(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Tick(ctx)
	}()
}

// Tick runs one fetch, persist and broadcast cycle. It returns false
// without doing anything if another tick is still running.
func (s *Scheduler) Tick(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		atomic.AddUint64(&s.skipped, 1)
		metrics.Ticks.WithLabelValues("skipped").Inc()
		s.log.Warn().Msg("Previous tick still running, skipping")
		return false
	}
	defer s.running.Store(false)

	atomic.AddUint64(&s.ticks, 1)
	start := time.Now()

	batch, err := s.fetcher.Fetch(ctx)
	if err != nil {
		// Nothing is persisted or broadcast; the next tick tries again
		atomic.AddUint64(&s.fetchErrors, 1)
		metrics.Ticks.WithLabelValues("fetch_error").Inc()
		s.log.Error().Err(err).Msg("Error fetching data from the feed")
		return true
	}

	// Persistence and broadcast are independent; neither waits on or
	// undoes the other.
	var persistErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		persistErr = s.persister.Persist(context.WithoutCancel(ctx), batch)
	}()

	delivered := s.broadcaster.Broadcast(batch)
	wg.Wait()

	if persistErr != nil {
		atomic.AddUint64(&s.persistErrs, 1)
		s.log.Error().Err(persistErr).Int("events", len(batch)).Msg("Failed to persist batch")
	}

	metrics.Ticks.WithLabelValues("ok").Inc()
	s.log.Info().
		Int("events", len(batch)).
		Int("delivered", delivered).
		Bool("persisted", persistErr == nil).
		Dur("took", time.Since(start)).
		Msg("Tick complete")
	return true
}

// Stats returns scheduler statistics.
func (s *Scheduler) Stats() map[string]interface{} {
	return map[string]interface{}{
		"ticks":          atomic.LoadUint64(&s.ticks),
		"skipped":        atomic.LoadUint64(&s.skipped),
		"fetch_errors":   atomic.LoadUint64(&s.fetchErrors),
		"persist_errors": atomic.LoadUint64(&s.persistErrs),
		"running":        s.running.Load(),
	}
}
