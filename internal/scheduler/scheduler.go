// Package scheduler wraps robfig/cron for the background sweeps the
// platform needs outside the request/response cycle: periodic re-validation
// of custom domains (C2) and housekeeping pulls of stale subscriptions (C5).
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

type Scheduler struct {
	cron *cron.Cron
}

func New() *Scheduler {
	return &Scheduler{cron: cron.New()}
}

// AddJob registers handler under a standard 5-field cron spec. Errors from
// handler are logged, never propagated, so one bad run doesn't kill the
// scheduler loop.
func (s *Scheduler) AddJob(name, spec string, handler func(ctx context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		start := time.Now()
		slog.Info("scheduled job started", "name", name)
		if err := handler(ctx); err != nil {
			slog.Error("scheduled job failed", "name", name, "error", err, "duration", time.Since(start))
			return
		}
		slog.Info("scheduled job completed", "name", name, "duration", time.Since(start))
	})
	return err
}

func (s *Scheduler) Start() { s.cron.Start() }

func (s *Scheduler) Stop() { s.cron.Stop() }
