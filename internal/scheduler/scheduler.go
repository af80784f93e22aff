// Package scheduler runs periodic jobs from a frequent cron tick. Each job decides
// for itself whether it is due, based only on its last success and minimum interval,
// so extra or missed ticks never double-run or lose work.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"subscription-service/internal/clock"
	"subscription-service/internal/config"
	"subscription-service/internal/lock"
	"subscription-service/internal/metrics"
	"subscription-service/internal/models"
)

// Job names
const (
	JobExpirySweep   = "expiry_sweep"
	JobHealthMonitor = "health_monitor"
	JobReminderScan  = "reminder_scan"
	JobDriftCheck    = "drift_check"
	JobDailySummary  = "daily_summary"
)

const defaultTickSchedule = "0 */1 * * * *"

// ErrUnknownJob is returned by RunNow for a name that was never registered
var ErrUnknownJob = errors.New("unknown job")

// JobFunc is one execution of a periodic job
type JobFunc func(ctx context.Context) error

// RunStore keeps the last-run bookkeeping of each job
type RunStore interface {
	Get(ctx context.Context, name string) (*models.JobRun, error)
	List(ctx context.Context) ([]models.JobRun, error)
	RecordSuccess(ctx context.Context, name string, at time.Time) error
	RecordFailure(ctx context.Context, name string, at time.Time, runErr error) error
}

type job struct {
	name     string
	interval time.Duration
	fn       JobFunc
}

// Scheduler triggers registered jobs on a cron tick
type Scheduler struct {
	runs   RunStore
	locker lock.Locker
	clock  clock.Clock
	config config.SchedulerConfig
	logger *logrus.Logger

	mu      sync.Mutex
	jobs    []job
	cron    *cron.Cron
	running bool
}

// NewScheduler creates a new job scheduler
func NewScheduler(runs RunStore, locker lock.Locker, clk clock.Clock, cfg config.SchedulerConfig, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		runs:   runs,
		locker: locker,
		clock:  clk,
		config: cfg,
		logger: logger,
	}
}

// Register adds a job that runs at most once per interval
func (s *Scheduler) Register(name string, interval time.Duration, fn JobFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job{name: name, interval: interval, fn: fn})
}

// Eligible reports whether a job with the given last success is due at now
func Eligible(now time.Time, lastSuccess *time.Time, interval time.Duration) bool {
	if lastSuccess == nil {
		return true
	}
	return now.Sub(*lastSuccess) >= interval
}

// Tick runs every due job once, in registration order, and returns the names of
// the jobs that ran. A failing job does not keep the others from running.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) ([]string, error) {
	var (
		ran  []string
		errs []error
	)
	for _, j := range s.snapshot() {
		executed, err := s.runIfDue(ctx, j, now, false)
		if executed {
			ran = append(ran, j.name)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", j.name, err))
		}
	}
	return ran, errors.Join(errs...)
}

// RunNow runs the named job immediately, regardless of its interval
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	for _, j := range s.snapshot() {
		if j.name == name {
			_, err := s.runIfDue(ctx, j, s.clock.Now(), true)
			return err
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownJob, name)
}

func (s *Scheduler) snapshot() []job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]job(nil), s.jobs...)
}

func (s *Scheduler) runIfDue(ctx context.Context, j job, now time.Time, force bool) (bool, error) {
	log := s.logger.WithField("job", j.name)

	if !force {
		due, err := s.due(ctx, j, now)
		if err != nil || !due {
			return false, err
		}
	}

	release, err := s.locker.Acquire(ctx, lock.JobKey(j.name))
	if err != nil {
		if errors.Is(err, lock.ErrLockTimeout) {
			metrics.JobRunsTotal.WithLabelValues(j.name, "locked").Inc()
			log.Debug("Job is running elsewhere, skipping")
			return false, nil
		}
		return false, err
	}
	defer release()

	// another replica may have finished the job while we waited for the lock
	if !force {
		due, err := s.due(ctx, j, now)
		if err != nil || !due {
			return false, err
		}
	}

	start := time.Now()
	runErr := j.fn(ctx)
	finished := s.clock.Now()

	if runErr != nil {
		metrics.JobRunsTotal.WithLabelValues(j.name, "failure").Inc()
		log.WithError(runErr).WithField("duration", time.Since(start).String()).Error("Scheduled job failed")
		if err := s.runs.RecordFailure(ctx, j.name, finished, runErr); err != nil {
			log.WithError(err).Error("Failed to record job failure")
		}
		return true, runErr
	}

	metrics.JobRunsTotal.WithLabelValues(j.name, "success").Inc()
	log.WithField("duration", time.Since(start).String()).Info("Scheduled job completed")
	if err := s.runs.RecordSuccess(ctx, j.name, now); err != nil {
		return true, err
	}
	return true, nil
}

func (s *Scheduler) due(ctx context.Context, j job, now time.Time) (bool, error) {
	run, err := s.runs.Get(ctx, j.name)
	if err != nil {
		return false, err
	}
	var last *time.Time
	if run != nil {
		last = run.LastSuccessAt
	}
	return Eligible(now, last, j.interval), nil
}

// Start begins ticking on the configured cron schedule
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if !s.config.Enabled {
		s.logger.Info("Job scheduler is disabled")
		return nil
	}

	schedule := s.config.TickSchedule
	if schedule == "" {
		schedule = defaultTickSchedule
	}
	// robfig/cron WithSeconds expects six fields
	if len(strings.Fields(schedule)) == 5 {
		schedule = "0 " + schedule
	}

	s.cron = cron.New(cron.WithSeconds())
	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		s.logger.WithError(err).Error("Failed to schedule job tick")
		return err
	}
	s.cron.Start()
	s.running = true

	s.logger.WithFields(logrus.Fields{
		"schedule": schedule,
		"jobs":     len(s.jobs),
	}).Info("Job scheduler started")
	return nil
}

func (s *Scheduler) tick() {
	if _, err := s.Tick(context.Background(), s.clock.Now()); err != nil {
		s.logger.WithError(err).Warn("Scheduler tick completed with errors")
	}
}

// Stop waits for a running tick to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running || s.cron == nil {
		s.mu.Unlock()
		return
	}
	ctx := s.cron.Stop()
	s.running = false
	s.mu.Unlock()

	// a running tick needs s.mu to list jobs
	<-ctx.Done()
	s.logger.Info("Job scheduler stopped")
}

// IsRunning returns whether the cron tick is active
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// GetStats returns the scheduler state and every job's last run
func (s *Scheduler) GetStats(ctx context.Context) map[string]interface{} {
	s.mu.Lock()
	stats := map[string]interface{}{
		"running":  s.running,
		"enabled":  s.config.Enabled,
		"schedule": s.config.TickSchedule,
	}
	if s.cron != nil && s.running {
		if entries := s.cron.Entries(); len(entries) > 0 {
			stats["next_tick"] = entries[0].Next.Format(time.RFC3339)
		}
	}
	jobs := append([]job(nil), s.jobs...)
	s.mu.Unlock()

	runs, err := s.runs.List(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to load job runs for stats")
	}
	byName := make(map[string]models.JobRun, len(runs))
	for _, r := range runs {
		byName[r.Name] = r
	}

	jobStats := make(map[string]interface{}, len(jobs))
	for _, j := range jobs {
		entry := map[string]interface{}{"interval": j.interval.String()}
		if r, ok := byName[j.name]; ok {
			entry["run_count"] = r.RunCount
			entry["last_success_at"] = r.LastSuccessAt
			entry["last_error"] = r.LastError
		}
		jobStats[j.name] = entry
	}
	stats["jobs"] = jobStats
	return stats
}
