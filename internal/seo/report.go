package seo

import (
	"context"
	"time"

	"kiteflow/internal/domain"
	"kiteflow/internal/store"
)

// ReportWindow is how far back the performance report looks.
const ReportWindow = 30 * 24 * time.Hour

type StatsSource interface {
	RunStats(ctx context.Context, since time.Time) ([]store.RunStats, error)
	ActionCounts(ctx context.Context, since time.Time) (map[string]int, error)
}

// Reporter summarizes task runs and automation actions of the last window.
type Reporter struct {
	Stats StatsSource
	Now   func() time.Time
}

func (r *Reporter) Run(ctx context.Context) (domain.Result, error) {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	end := now()
	since := end.Add(-ReportWindow)

	stats, err := r.Stats.RunStats(ctx, since)
	if err != nil {
		return domain.Result{}, err
	}
	actions, err := r.Stats.ActionCounts(ctx, since)
	if err != nil {
		return domain.Result{}, err
	}

	runs, failures := 0, 0
	tasks := make([]map[string]any, 0, len(stats))
	for _, s := range stats {
		runs += s.Runs
		failures += s.Failures
		rate := 0.0
		if s.Runs > 0 {
			rate = float64(s.Successes) / float64(s.Runs)
		}
		tasks = append(tasks, map[string]any{
			"task_name":    s.TaskName,
			"runs":         s.Runs,
			"successes":    s.Successes,
			"failures":     s.Failures,
			"success_rate": rate,
		})
	}
	return domain.Result{Data: map[string]any{
		"period_start":   since.UTC().Format(time.RFC3339),
		"period_end":     end.UTC().Format(time.RFC3339),
		"total_runs":     runs,
		"total_failures": failures,
		"tasks":          tasks,
		"actions":        actions,
	}}, nil
}
