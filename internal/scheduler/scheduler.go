// Package scheduler drives the pipeline jobs on cron schedules in UTC. Each
// job runs at most once at a time: ticks arriving while the previous run is
// still in flight are dropped and counted, never queued.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"fxpipeline/internal/jobs"
	"fxpipeline/internal/metrics"
)

// Default schedules and misfire grace windows.
const (
	HourlySpec  = "0 * * * *"
	DailySpec   = "0 0 * * *"
	HourlyGrace = 60 * time.Second
	DailyGrace  = 300 * time.Second
)

type managed struct {
	job      jobs.Job
	schedule cron.Schedule
	grace    time.Duration
	inFlight atomic.Bool
}

// Scheduler owns the cron loop and the lifecycle of registered jobs.
type Scheduler struct {
	cron    *cron.Cron
	entries []*managed
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	now func() time.Time
}

// New creates a scheduler. Metrics may be nil.
func New(m *metrics.Metrics, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(time.UTC)),
		metrics: m,
		log:     log.With().Str("component", "scheduler").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Add registers a job on a standard five-field cron spec.
func (s *Scheduler) Add(job jobs.Job, spec string, grace time.Duration) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("parse schedule %q for %s: %w", spec, job.Name(), err)
	}
	m := &managed{job: job, schedule: schedule, grace: grace}
	s.entries = append(s.entries, m)
	s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.trigger(m, s.now().Truncate(time.Minute))
	}))
	return nil
}

// Start launches the cron loop. Jobs whose boundary was missed within the
// grace window (a late deploy or restart) run immediately with the nominal
// boundary time as their logical now.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	for _, m := range s.entries {
		if nominal, missed := misfired(m.schedule, m.grace, s.now()); missed {
			s.log.Warn().
				Str("job", m.job.Name()).
				Time("nominal", nominal).
				Msg("missed boundary within grace, running now")
			s.trigger(m, nominal)
		}
	}

	s.cron.Start()
	s.log.Info().Int("jobs", len(s.entries)).Msg("scheduler started")
}

// trigger runs one job unless its previous run is still in flight.
func (s *Scheduler) trigger(m *managed, nominal time.Time) {
	if !m.inFlight.CompareAndSwap(false, true) {
		s.log.Warn().Str("job", m.job.Name()).Time("nominal", nominal).Msg("tick dropped, run in flight")
		if s.metrics != nil {
			s.metrics.JobsDropped.WithLabelValues(m.job.Name()).Inc()
		}
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer m.inFlight.Store(false)
		defer func() {
			if r := recover(); r != nil {
				s.log.Error().Str("job", m.job.Name()).Interface("panic", r).Msg("job panicked")
			}
		}()
		// Errors are already logged and audited by the job itself.
		_ = m.job.Run(s.ctx, nominal)
	}()
}

// Stop halts new ticks and waits up to grace for in-flight runs, then cancels
// their context.
func (s *Scheduler) Stop(grace time.Duration) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info().Msg("scheduler drained")
	case <-time.After(grace):
		s.log.Warn().Dur("grace", grace).Msg("grace elapsed, cancelling in-flight jobs")
		s.cancel()
		<-done
	}
	s.cancel()
}

// misfired reports whether a schedule boundary fell inside (now-grace, now]
// and returns that boundary.
func misfired(schedule cron.Schedule, grace time.Duration, now time.Time) (time.Time, bool) {
	boundary := schedule.Next(now.Add(-grace - time.Second))
	if boundary.After(now) {
		return time.Time{}, false
	}
	return boundary, true
}
