package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/elysia-ai/elysia/internal/errs"
)

func TestAddValidatesSchedule(t *testing.T) {
	s := New()
	noop := func(context.Context) {}

	tests := []struct {
		name string
		job  *Job
		ok   bool
	}{
		{"interval", &Job{Name: "a", Every: time.Second, Run: noop}, true},
		{"cron", &Job{Name: "b", Expr: "*/5 * * * *", Run: noop}, true},
		{"no schedule", &Job{Name: "c", Run: noop}, false},
		{"both schedules", &Job{Name: "d", Every: time.Second, Expr: "* * * * *", Run: noop}, false},
		{"bad cron", &Job{Name: "e", Expr: "not cron", Run: noop}, false},
		{"no body", &Job{Name: "f", Every: time.Second}, false},
	}
	for _, tt := range tests {
		err := s.Add(tt.job)
		if tt.ok && err != nil {
			t.Errorf("%s: %v", tt.name, err)
		}
		if !tt.ok && !errors.Is(err, errs.ErrConfig) {
			t.Errorf("%s: err = %v, want ErrConfig", tt.name, err)
		}
	}
}

func TestIntervalJobRunsAndStops(t *testing.T) {
	s := New()
	var runs atomic.Int64
	err := s.Add(&Job{
		Name:  "tick",
		Every: 5 * time.Millisecond,
		Run:   func(context.Context) { runs.Add(1) },
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("second Start succeeded")
	}

	deadline := time.After(time.Second)
	for runs.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("job ran %d times within a second", runs.Load())
		case <-time.After(time.Millisecond):
		}
	}

	s.Stop()
	after := runs.Load()
	time.Sleep(20 * time.Millisecond)
	if runs.Load() != after {
		t.Error("job kept running after Stop")
	}
}

func TestBusyJobSkipsSlots(t *testing.T) {
	s := New()
	var active, overlapped atomic.Int64
	release := make(chan struct{})
	err := s.Add(&Job{
		Name:  "slow",
		Every: 2 * time.Millisecond,
		Run: func(context.Context) {
			if active.Add(1) > 1 {
				overlapped.Add(1)
			}
			<-release
			active.Add(-1)
		},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Many slots elapse while the first run blocks.
	time.Sleep(30 * time.Millisecond)
	close(release)
	s.Stop()

	if overlapped.Load() != 0 {
		t.Errorf("job overlapped %d times", overlapped.Load())
	}
}

type fakeMaintainer struct {
	trees atomic.Int64
}

func (f *fakeMaintainer) CheckAllTreesTimeout(context.Context) int { f.trees.Add(1); return 0 }
func (f *fakeMaintainer) CheckAllUsersTimeout(context.Context) []string {
	return nil
}
func (f *fakeMaintainer) RestartIdleClients() int { return 0 }
func (f *fakeMaintainer) UserCount() int          { return 0 }
func (f *fakeMaintainer) TreeCount() int          { return 0 }

func TestRegisterStandardJobs(t *testing.T) {
	s := New()
	if err := Register(s, &fakeMaintainer{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if len(s.jobs) != 4 {
		t.Errorf("jobs = %d, want 4", len(s.jobs))
	}
}
