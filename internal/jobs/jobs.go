package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"

	"coderoom/internal/metrics"
)

// Job names.
const (
	JobRateLimitCleanup    = "ratelimit-cleanup"
	JobActiveSessionsGauge = "active-sessions-gauge"
)

// Pruner drops idle per-caller state.
type Pruner interface {
	Cleanup(idle time.Duration) int
}

// ActiveCounter counts sessions in the active state.
type ActiveCounter interface {
	CountActive(ctx context.Context) (int, error)
}

type Config struct {
	CleanupInterval time.Duration
	LimiterIdle     time.Duration
	GaugeInterval   time.Duration
	// QueryTimeout bounds one repository count.
	QueryTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		CleanupInterval: time.Minute,
		LimiterIdle:     10 * time.Minute,
		GaugeInterval:   30 * time.Second,
		QueryTimeout:    5 * time.Second,
	}
}

// Scheduler runs periodic maintenance. A nil Pruner or ActiveCounter
// skips the matching job.
type Scheduler struct {
	scheduler gocron.Scheduler
	pruner    Pruner
	counter   ActiveCounter
	metrics   *metrics.Metrics
	cfg       Config
	logger    logrus.FieldLogger
}

func NewScheduler(pruner Pruner, counter ActiveCounter, m *metrics.Metrics, cfg Config, logger logrus.FieldLogger) (*Scheduler, error) {
	def := DefaultConfig()
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.LimiterIdle <= 0 {
		cfg.LimiterIdle = def.LimiterIdle
	}
	if cfg.GaugeInterval <= 0 {
		cfg.GaugeInterval = def.GaugeInterval
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = def.QueryTimeout
	}

	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create job scheduler: %w", err)
	}

	s := &Scheduler{
		scheduler: scheduler,
		pruner:    pruner,
		counter:   counter,
		metrics:   m,
		cfg:       cfg,
		logger:    logger.WithField("component", "jobs"),
	}

	if pruner != nil {
		if err := s.add(JobRateLimitCleanup, cfg.CleanupInterval, s.PruneRateLimiters); err != nil {
			return nil, err
		}
	}
	if counter != nil {
		if err := s.add(JobActiveSessionsGauge, cfg.GaugeInterval, func() { s.RefreshActiveSessions(context.Background()) }); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(name string, every time.Duration, task func()) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(task),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("failed to register job %s: %w", name, err)
	}
	return nil
}

func (s *Scheduler) Start() {
	s.scheduler.Start()
	s.logger.WithField("jobs", len(s.scheduler.Jobs())).Info("job scheduler started")
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() error {
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to stop job scheduler: %w", err)
	}
	s.logger.Info("job scheduler stopped")
	return nil
}

// JobNames lists the registered jobs.
func (s *Scheduler) JobNames() []string {
	jobs := s.scheduler.Jobs()
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.Name())
	}
	return names
}

// PruneRateLimiters drops limiters idle past the configured window.
func (s *Scheduler) PruneRateLimiters() {
	if removed := s.pruner.Cleanup(s.cfg.LimiterIdle); removed > 0 {
		s.logger.WithField("removed", removed).Debug("pruned idle rate limiters")
	}
}

// RefreshActiveSessions publishes the active session count.
func (s *Scheduler) RefreshActiveSessions(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	n, err := s.counter.CountActive(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("failed to count active sessions")
		return
	}
	s.metrics.SetActiveSessions(n)
}
