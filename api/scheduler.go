/*
scheduler.go - Periodic maintenance sweeps

PURPOSE:
  Runs the time-driven work the engine needs without a request to
  trigger it:
  - Materializes recurring series up to their horizon
  - Grants credit allocations that are due
  - Expires credit balances past their expiry
  - Flags loans that passed their due time

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Series are expanded by a small worker pool, one series per job
  - With a Locker set, each series is expanded under a redis lock so
    several instances can share a database without double work
  - Every job is idempotent; a missed or repeated tick is harmless

USAGE:
  s := NewScheduler(SchedulerDeps{...})
  s.Start()
  // ... later
  s.Stop()

SEE ALSO:
  - handlers.go: RunSweep endpoint (manual run)
  - booking/series.go: Expand
  - store/redislock: Locker
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/rehearsal-engine/billing"
	"github.com/warp/rehearsal-engine/booking"
	"github.com/warp/rehearsal-engine/equipment"
	"github.com/warp/rehearsal-engine/generic"
)

// Locker guards one unit of scheduled work across processes.
type Locker interface {
	TryLock(ctx context.Context, name string, fn func(ctx context.Context) error) (bool, error)
}

type SchedulerDeps struct {
	Bookings *booking.Service
	Credits  *billing.CreditService
	Loans    *equipment.Service
	Locker   Locker // optional
	Logger   *zerolog.Logger
	Interval time.Duration
	Workers  int
}

// Scheduler runs the maintenance sweeps on a ticker.
type Scheduler struct {
	bookings *booking.Service
	credits  *billing.CreditService
	loans    *equipment.Service
	locker   Locker
	log      zerolog.Logger
	interval time.Duration
	workers  int

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	runMu  sync.Mutex
}

func NewScheduler(d SchedulerDeps) *Scheduler {
	if d.Interval <= 0 {
		d.Interval = time.Minute
	}
	if d.Workers <= 0 {
		d.Workers = 1
	}
	l := zerolog.Nop()
	if d.Logger != nil {
		l = d.Logger.With().Str("component", "scheduler").Logger()
	}
	return &Scheduler{
		bookings: d.Bookings,
		credits:  d.Credits,
		loans:    d.Loans,
		locker:   d.Locker,
		log:      l,
		interval: d.Interval,
		workers:  d.Workers,
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		return
	}
	s.ticker = time.NewTicker(s.interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run()

	s.log.Info().Dur("interval", s.interval).Int("workers", s.workers).Msg("scheduler started")
}

// Stop stops the scheduler and waits for an in-flight sweep.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stop
		cancel()
	}()

	// Run immediately on start
	s.RunNow(ctx)

	for {
		select {
		case <-s.ticker.C:
			s.RunNow(ctx)
		case <-s.stop:
			return
		}
	}
}

// RunNow performs one full sweep and returns its totals. Job failures are
// logged and the remaining jobs still run.
func (s *Scheduler) RunNow(ctx context.Context) SweepDTO {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	var out SweepDTO
	start := time.Now()

	s.expandSeries(ctx, &out)

	if s.credits != nil {
		report, err := s.credits.ApplyDueAllocations(ctx)
		if err != nil {
			s.log.Error().Err(err).Msg("allocation sweep failed")
		}
		out.Allocations = report.Applied

		expired, err := s.credits.ExpireCredits(ctx)
		if err != nil {
			s.log.Error().Err(err).Msg("credit expiry sweep failed")
		}
		out.Expired = expired
	}

	if s.loans != nil {
		overdue, err := s.loans.SweepOverdue(ctx)
		if err != nil {
			s.log.Error().Err(err).Msg("overdue sweep failed")
		}
		out.Overdue = overdue
	}

	s.log.Info().
		Int("series", out.SeriesExpanded).
		Int("created", out.Created).
		Int("skipped", out.Skipped).
		Int("allocations", out.Allocations).
		Int("expired", out.Expired).
		Int("overdue", out.Overdue).
		Dur("took", time.Since(start)).
		Msg("sweep finished")
	return out
}

// =============================================================================
// SERIES EXPANSION
// =============================================================================

func (s *Scheduler) expandSeries(ctx context.Context, out *SweepDTO) {
	if s.bookings == nil {
		return
	}
	active, err := s.bookings.ActiveSeries(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list active series")
		return
	}

	jobs := make(chan generic.RecurringSeries)
	results := make(chan booking.ExpansionReport)

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rs := range jobs {
				report, ok := s.expandOne(ctx, rs)
				if ok {
					results <- report
				}
			}
		}()
	}
	go func() {
		defer close(jobs)
		for _, rs := range active {
			select {
			case jobs <- rs:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	for report := range results {
		out.SeriesExpanded++
		out.Created += len(report.Created)
		out.Skipped += len(report.Skipped)
	}
}

func (s *Scheduler) expandOne(ctx context.Context, rs generic.RecurringSeries) (booking.ExpansionReport, bool) {
	var report booking.ExpansionReport
	expand := func(ctx context.Context) error {
		var err error
		report, err = s.bookings.Expand(ctx, rs.ID)
		return err
	}

	if s.locker == nil {
		if err := expand(ctx); err != nil {
			s.log.Error().Err(err).Str("series_id", rs.ID).Msg("series expansion failed")
			return report, false
		}
		return report, true
	}

	ran, err := s.locker.TryLock(ctx, "series:"+rs.ID, expand)
	if err != nil {
		s.log.Error().Err(err).Str("series_id", rs.ID).Msg("series expansion failed")
		return report, false
	}
	if !ran {
		s.log.Debug().Str("series_id", rs.ID).Msg("series locked by another worker")
		return report, false
	}
	return report, true
}
