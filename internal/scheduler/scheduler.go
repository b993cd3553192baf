// Package scheduler triggers the periodic bonus runs on cron specs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mlm_service/internal/bonus"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultRunTimeout bounds a single scheduled run.
const DefaultRunTimeout = time.Hour

type Runner interface {
	RunDaily(ctx context.Context, date time.Time) (*bonus.Summary, error)
	RunMonthly(ctx context.Context, month time.Month, year int) (*bonus.Summary, error)
}

// Scheduler runs the previous day's daily bonuses and the previous month's
// monthly bonuses on their cron specs, in the business timezone.
type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	logger  *zap.Logger
	loc     *time.Location
	now     func() time.Time
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func WithRunTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

func New(runner Runner, loc *time.Location, logger *zap.Logger, opts ...Option) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	s := &Scheduler{
		runner:  runner,
		logger:  logger.Named("scheduler"),
		loc:     loc,
		now:     time.Now,
		timeout: DefaultRunTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	// Seconds field, optional
	s.cron = cron.New(
		cron.WithLocation(loc),
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(cronLogger{s.logger.Sugar()})),
	)
	return s
}

// Schedule registers the daily and monthly jobs. An empty spec disables
// that job.
func (s *Scheduler) Schedule(dailySpec, monthlySpec string) error {
	if dailySpec != "" {
		if _, err := s.cron.AddFunc(dailySpec, func() { s.bounded(s.RunPreviousDay) }); err != nil {
			return fmt.Errorf("invalid daily cron spec %q: %w", dailySpec, err)
		}
	}
	if monthlySpec != "" {
		if _, err := s.cron.AddFunc(monthlySpec, func() { s.bounded(s.RunPreviousMonth) }); err != nil {
			return fmt.Errorf("invalid monthly cron spec %q: %w", monthlySpec, err)
		}
	}
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.cron.Entries())), zap.String("timezone", s.loc.String()))
}

// Stop cancels in-flight runs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) bounded(job func(context.Context) error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	// report has already logged the failure; cron has no caller to return it to.
	_ = job(ctx)
}

// RunPreviousDay runs the daily bonuses for yesterday in the business
// timezone.
func (s *Scheduler) RunPreviousDay(ctx context.Context) error {
	yesterday := s.now().In(s.loc).AddDate(0, 0, -1)
	summary, err := s.runner.RunDaily(ctx, yesterday)
	return s.report("daily", yesterday.Format(bonus.DailyLayout), summary, err)
}

// RunPreviousMonth runs the monthly bonuses for the month before the
// current one.
func (s *Scheduler) RunPreviousMonth(ctx context.Context) error {
	local := s.now().In(s.loc)
	prev := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, s.loc).AddDate(0, -1, 0)
	summary, err := s.runner.RunMonthly(ctx, prev.Month(), prev.Year())
	return s.report("monthly", prev.Format(bonus.MonthlyLayout), summary, err)
}

func (s *Scheduler) report(job, periodKey string, summary *bonus.Summary, err error) error {
	log := s.logger.With(zap.String("job", job), zap.String("period_key", periodKey))
	switch {
	case errors.Is(err, bonus.ErrAlreadyRun):
		log.Info("period already completed")
		return nil
	case errors.Is(err, bonus.ErrRunInProgress):
		log.Warn("period run in progress elsewhere")
		return nil
	case err != nil:
		log.Error("scheduled run failed", zap.Error(err))
		return err
	case summary.Status == bonus.RunFailed:
		log.Warn("scheduled run finished with member errors",
			zap.String("run_id", summary.RunID),
			zap.Int("error_count", summary.ErrorCount))
	default:
		log.Info("scheduled run completed",
			zap.String("run_id", summary.RunID),
			zap.String("total", summary.Total.String()))
	}
	return nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
