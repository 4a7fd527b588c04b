package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the full pipeline on a cron schedule. A tick that fires
// while the previous run is still going is skipped.
type Scheduler struct {
	cron   *cron.Cron
	svc    *Service
	logger *slog.Logger
	entry  cron.EntryID

	mu  sync.Mutex
	ctx context.Context
}

// NewScheduler parses spec (standard five-field cron or a descriptor such
// as "@every 6h") and binds it to svc.
func NewScheduler(svc *Service, spec string, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cl),
			cron.SkipIfStillRunning(cl),
		)),
		svc:    svc,
		logger: logger,
		ctx:    context.Background(),
	}
	id, err := s.cron.AddFunc(spec, s.tick)
	if err != nil {
		return nil, fmt.Errorf("invalid pipeline schedule %q: %w", spec, err)
	}
	s.entry = id
	return s, nil
}

// Start begins scheduling. Runs use ctx and stop when it is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("pipeline scheduler started", "next_run", s.Next())
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop halts scheduling and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Next returns the time of the next scheduled run.
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.entry).Next
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	_, err := s.svc.RunPipeline(ctx, "schedule")
	if errors.Is(err, ErrPipelineRunning) {
		s.logger.Info("scheduled pipeline skipped, a run is in progress")
	}
}

// cronLogger adapts slog to cron's logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
