package scheduler

import (
	"context"
	"log/slog"
	"runtime"
	"time"
)

// Maintenance intervals. Co-prime seconds keep the sweeps from
// aligning on the same tick.
const (
	TreeSweepInterval      = 29 * time.Second
	ClientRestartInterval  = 31 * time.Second
	ResourceReportInterval = 1103 * time.Second
)

// DailyReportExpr fires the daily usage report at 03:00.
const DailyReportExpr = "0 3 * * *"

// Maintainer is the slice of the user registry the background jobs
// drive.
type Maintainer interface {
	CheckAllTreesTimeout(ctx context.Context) int
	CheckAllUsersTimeout(ctx context.Context) []string
	RestartIdleClients() int
	UserCount() int
	TreeCount() int
}

// Register adds the standard maintenance jobs to a scheduler.
func Register(s *Scheduler, m Maintainer) error {
	jobs := []*Job{
		{
			Name:  "tree-sweep",
			Every: TreeSweepInterval,
			Run: func(ctx context.Context) {
				trees := m.CheckAllTreesTimeout(ctx)
				users := m.CheckAllUsersTimeout(ctx)
				if trees > 0 || len(users) > 0 {
					slog.Info("idle sweep", "trees_evicted", trees, "users_evicted", len(users))
				}
			},
		},
		{
			Name:  "client-restart",
			Every: ClientRestartInterval,
			Run: func(ctx context.Context) {
				if n := m.RestartIdleClients(); n > 0 {
					slog.Debug("idle database handles restarted", "count", n)
				}
			},
		},
		{
			Name:  "resource-report",
			Every: ResourceReportInterval,
			Run: func(ctx context.Context) {
				var ms runtime.MemStats
				runtime.ReadMemStats(&ms)
				slog.Info("resource report",
					"users", m.UserCount(),
					"trees", m.TreeCount(),
					"goroutines", runtime.NumGoroutine(),
					"heap_alloc_mb", ms.HeapAlloc/(1<<20),
					"sys_mb", ms.Sys/(1<<20),
					"num_gc", ms.NumGC,
				)
			},
		},
		{
			Name: "daily-report",
			Expr: DailyReportExpr,
			Run: func(ctx context.Context) {
				slog.Info("daily usage report",
					"users", m.UserCount(),
					"trees", m.TreeCount(),
				)
			},
		},
	}
	for _, job := range jobs {
		if err := s.Add(job); err != nil {
			return err
		}
	}
	return nil
}
