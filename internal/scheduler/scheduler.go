package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/nurture/internal/engine"
	"github.com/rendis/nurture/internal/store"
)

// Defaults for Config.
const (
	DefaultSchedule  = "@every 30s"
	DefaultBatchSize = 100
)

// Resumer is the engine surface the sweep drives. Satisfied by *engine.Engine.
type Resumer interface {
	Due(ctx context.Context, limit int) ([]*store.Execution, error)
	Resume(ctx context.Context, executionID string) (*engine.ResumeResult, error)
}

// Config tunes the sweep.
type Config struct {
	// Schedule is a five-field cron expression or a descriptor such as "@every 30s".
	Schedule  string `json:"schedule"`
	BatchSize int    `json:"batch_size"`
}

// SweepSummary counts what one sweep did with the records it found due.
type SweepSummary struct {
	Due      int `json:"due"`
	Resumed  int `json:"resumed"`
	NotDue   int `json:"not_due"`
	Busy     int `json:"busy"`
	Terminal int `json:"terminal"`
	InFlight int `json:"in_flight"`
	Failed   int `json:"failed"`
}

// SweepRun is a sweep whose resumes may still be running.
type SweepRun struct {
	wg      sync.WaitGroup
	mu      sync.Mutex
	summary SweepSummary
}

// Wait blocks until every resume submitted by the sweep has returned.
func (r *SweepRun) Wait() SweepSummary {
	r.wg.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary
}

func (r *SweepRun) count(res *engine.ResumeResult, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.summary.Failed++
		return
	}
	switch res.Status {
	case engine.ResumeResumed:
		r.summary.Resumed++
	case engine.ResumeNotDue:
		r.summary.NotDue++
	case engine.ResumeBusy:
		r.summary.Busy++
	case engine.ResumeTerminal:
		r.summary.Terminal++
	}
}

func (r *SweepRun) skipInFlight() {
	r.mu.Lock()
	r.summary.InFlight++
	r.mu.Unlock()
}

// Scheduler periodically resumes waiting records whose time has come and
// running records whose lease expired. Each record is resumed as its own
// pool task, so one slow lead never holds up the rest.
type Scheduler struct {
	resumer  Resumer
	pool     *engine.WorkerPool
	parser   cron.Parser
	schedule cron.Schedule
	batch    int
	logger   *slog.Logger
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
}

// NewScheduler creates a Scheduler. It fails when cfg.Schedule does not parse.
func NewScheduler(resumer Resumer, pool *engine.WorkerPool, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	s := &Scheduler{
		resumer: resumer,
		pool:    pool,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		batch:   cfg.BatchSize,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	schedule, err := s.parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", cfg.Schedule, err)
	}
	s.schedule = schedule
	return s, nil
}

// Start launches the background sweep loop. The first sweep runs
// immediately, which picks up every wait that elapsed while the process
// was down.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	s.tick(ctx)
	for {
		timer := time.NewTimer(time.Until(s.schedule.Next(s.now())))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	run, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error("sweep failed", slog.String("error", err.Error()))
		return
	}
	if run.summary.Due > 0 {
		s.logger.Debug("sweep submitted", slog.Int("due", run.summary.Due))
	}
}

// Sweep submits a resume for each due record, up to the batch size. A
// record whose previous resume is still in flight is skipped. Sweep returns
// once everything is submitted; use the returned run to wait for results.
func (s *Scheduler) Sweep(ctx context.Context) (*SweepRun, error) {
	due, err := s.resumer.Due(ctx, s.batch)
	if err != nil {
		return nil, fmt.Errorf("list due executions: %w", err)
	}

	run := &SweepRun{summary: SweepSummary{Due: len(due)}}
	for _, rec := range due {
		id := rec.ID
		run.wg.Add(1)
		err := s.pool.SubmitKeyed(ctx, resumeKey(id), func(ctx context.Context) error {
			defer run.wg.Done()
			res, err := s.resumer.Resume(ctx, id)
			run.count(res, err)
			if err != nil {
				return fmt.Errorf("resume %s: %w", id, err)
			}
			return nil
		})
		if err == nil {
			continue
		}
		run.wg.Done()
		if errors.Is(err, engine.ErrKeyInFlight) {
			run.skipInFlight()
			continue
		}
		// Pool shut down or ctx cancelled: the rest waits for the next sweep.
		s.logger.Warn("sweep interrupted", slog.String("execution_id", id), slog.String("error", err.Error()))
		break
	}
	return run, nil
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop shuts down the sweep loop and cancels resumes it submitted. A
// cancelled record keeps its lease and is swept again once the lease expires.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

func resumeKey(executionID string) string {
	return "resume:" + executionID
}
