// Package scheduler runs regular sweeps on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/novel-crawler/internal/orchestrator"
)

// DefaultRunTimeout bounds one scheduled regular run.
const DefaultRunTimeout = 12 * time.Hour

// Runner is the orchestrator surface the scheduler drives.
type Runner interface {
	Sweep(ctx context.Context, sweep orchestrator.Sweep, site string, opts orchestrator.Options) ([]orchestrator.Report, error)
}

// Config selects when regular runs fire.
type Config struct {
	// Spec is a standard five-field cron expression or a descriptor such as
	// "@daily" or "@every 6h".
	Spec       string
	RunTimeout time.Duration
}

// Scheduler fires Regular across every site on Spec. A tick that lands while
// the previous run is still going is skipped.
type Scheduler struct {
	runner  Runner
	cron    *cron.Cron
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	manual sync.WaitGroup
}

// New parses cfg.Spec and registers the job. The scheduler is idle until Start.
func New(runner Runner, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("scheduler requires a runner")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.RunTimeout
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		runner:  runner,
		timeout: timeout,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	cronLogger := cronLog{logger.Sugar()}
	s.cron = cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	if _, err := s.cron.AddFunc(cfg.Spec, s.runRegular); err != nil {
		cancel()
		return nil, fmt.Errorf("parse schedule %q: %w", cfg.Spec, err)
	}
	return s, nil
}

// Start begins firing on schedule.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("regular scheduler started", zap.Time("next", s.Next()))
}

// Stop halts the schedule, cancels in-flight runs, and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.manual.Wait()
	s.logger.Info("regular scheduler stopped")
}

// Next returns the time of the next scheduled run.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// RunNow triggers an immediate regular run in the background.
func (s *Scheduler) RunNow() {
	s.logger.Info("triggering immediate regular run")
	s.manual.Add(1)
	go func() {
		defer s.manual.Done()
		s.runRegular()
	}()
}

func (s *Scheduler) runRegular() {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	started := time.Now()
	s.logger.Info("scheduled regular run started")
	reports, err := s.runner.Sweep(ctx, orchestrator.SweepRegular, "", orchestrator.Options{})
	if err != nil {
		s.logger.Error("scheduled regular run failed", zap.Error(err), zap.Int("reports", len(reports)))
		return
	}
	s.logger.Info("scheduled regular run completed",
		zap.Int("reports", len(reports)),
		zap.Duration("duration", time.Since(started)),
	)
}

// cronLog adapts zap to cron.Logger.
type cronLog struct {
	s *zap.SugaredLogger
}

func (l cronLog) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLog) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
