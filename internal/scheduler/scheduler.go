package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
)

// TickFunc is invoked on every trigger with the trigger time in the scheduler
// location.
type TickFunc func(ctx context.Context, at time.Time) error

// Scheduler binds cron expressions to tick functions. It is the single place
// where tick errors are logged.
type Scheduler struct {
	cron   *gocron.Scheduler
	loc    *time.Location
	now    func() time.Time
	logger zerolog.Logger

	mu    sync.Mutex
	ctx   context.Context
	jobs  map[string]*gocron.Job
	ticks map[string]TickFunc
}

// New constructs a Scheduler evaluating cron expressions in loc.
func New(loc *time.Location, logger zerolog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		cron:   gocron.NewScheduler(loc),
		loc:    loc,
		now:    time.Now,
		logger: logger.With().Str("component", "scheduler").Logger(),
		ctx:    context.Background(),
		jobs:   make(map[string]*gocron.Job),
		ticks:  make(map[string]TickFunc),
	}
}

// Register adds a named job on a five-field cron expression.
func (s *Scheduler) Register(name, expr string, tick TickFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.ticks[name]; exists {
		return fmt.Errorf("job %q already registered", name)
	}

	job, err := s.cron.Cron(expr).Tag(name).Do(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		_ = s.execute(ctx, name, tick)
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, expr, err)
	}
	s.jobs[name] = job
	s.ticks[name] = tick
	s.logger.Debug().Str("job", name).Str("cron", expr).Msg("job registered")
	return nil
}

// Run starts the triggers and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.StartAsync()
	for _, name := range s.Jobs() {
		if next, ok := s.NextRun(name); ok {
			s.logger.Info().Str("job", name).Time("next_run", next).Msg("job scheduled")
		}
	}

	<-ctx.Done()
	s.cron.Stop()
	s.logger.Info().Msg("scheduler stopped")
	return ctx.Err()
}

// RunNow executes a registered job synchronously and returns its error.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	tick, ok := s.ticks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return s.execute(ctx, name, tick)
}

// Jobs lists registered job names in order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.ticks))
	for name := range s.ticks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NextRun reports when a job fires next. It is only known once running.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	next := job.NextRun()
	return next, !next.IsZero()
}

func (s *Scheduler) execute(ctx context.Context, name string, tick TickFunc) error {
	at := s.now().In(s.loc)
	log := s.logger.With().Str("job", name).Time("at", at).Logger()
	log.Info().Msg("executing scheduled tick")

	start := time.Now()
	if err := tick(ctx, at); err != nil {
		log.Error().Err(err).Dur("took", time.Since(start)).Msg("tick completed with errors")
		return err
	}
	log.Debug().Dur("took", time.Since(start)).Msg("tick complete")
	return nil
}
