package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"

	"github.com/elysia-ai/elysia/internal/errs"
)

// Job is one recurring maintenance task. Interval jobs set Every; cron
// jobs set Expr (standard five-field syntax, minute granularity). A
// job still running when its next slot arrives is skipped, not
// stacked.
type Job struct {
	Name  string
	Every time.Duration
	Expr  string
	Run   func(ctx context.Context)

	busy atomic.Bool
}

// Scheduler drives the registered jobs until its context ends. Jobs
// are added before Start; there is no dynamic registration.
type Scheduler struct {
	jobs []*Job
	gron *gronx.Gronx

	startOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func New() *Scheduler {
	return &Scheduler{gron: gronx.New()}
}

// Add validates and registers a job.
func (s *Scheduler) Add(job *Job) error {
	if job.Run == nil {
		return errs.Config("job %q has no body", job.Name)
	}
	switch {
	case job.Every > 0 && job.Expr != "":
		return errs.Config("job %q sets both an interval and a cron expression", job.Name)
	case job.Every > 0:
	case job.Expr != "":
		if !s.gron.IsValid(job.Expr) {
			return errs.Config("job %q has invalid cron expression %q", job.Name, job.Expr)
		}
	default:
		return errs.Config("job %q has no schedule", job.Name)
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Start launches the job goroutines. Failing to start the scheduler is
// fatal at boot; Start itself only errs when called twice.
func (s *Scheduler) Start(ctx context.Context) error {
	started := false
	s.startOnce.Do(func() {
		started = true
		ctx, s.cancel = context.WithCancel(ctx)
		for _, job := range s.jobs {
			s.wg.Add(1)
			if job.Every > 0 {
				go s.runInterval(ctx, job)
			} else {
				go s.runCron(ctx, job)
			}
		}
		slog.Info("scheduler started", "jobs", len(s.jobs))
	})
	if !started {
		return errs.Config("scheduler already started")
	}
	return nil
}

// Stop cancels the jobs and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) runInterval(ctx context.Context, job *Job) {
	defer s.wg.Done()
	ticker := time.NewTicker(job.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(ctx, job)
		}
	}
}

func (s *Scheduler) runCron(ctx context.Context, job *Job) {
	defer s.wg.Done()
	// Wake on each minute boundary and ask gronx whether the slot is
	// due.
	for {
		now := time.Now()
		next := now.Truncate(time.Minute).Add(time.Minute)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case at := <-timer.C:
			due, err := s.gron.IsDue(job.Expr, at)
			if err != nil {
				slog.Warn("cron evaluation failed", "job", job.Name, "error", err)
				continue
			}
			if due {
				s.fire(ctx, job)
			}
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, job *Job) {
	if !job.busy.CompareAndSwap(false, true) {
		slog.Debug("job still running, slot skipped", "job", job.Name)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer job.busy.Store(false)
		started := time.Now()
		job.Run(ctx)
		slog.Debug("job finished", "job", job.Name, "took", time.Since(started))
	}()
}
