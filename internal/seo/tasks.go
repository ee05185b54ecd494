package seo

import (
	"kiteflow/internal/scheduler"
)

// Built-in task names. The scheduler looks work functions up by these.
const (
	TaskWeeklyAudit       = "Weekly SEO Audit"
	TaskKeywordMonitoring = "Daily Keyword Monitoring"
	TaskPerformanceReport = "Monthly Performance Report"
)

// Definitions returns the default task set seeded at startup.
func Definitions() []scheduler.TaskDefinition {
	return []scheduler.TaskDefinition{
		{
			Name:        TaskWeeklyAudit,
			Description: "Scan every page for meta, content and heading issues",
			Schedule:    scheduler.WeeklyMondayAt2,
			Enabled:     true,
		},
		{
			Name:        TaskKeywordMonitoring,
			Description: "Check target keywords against their landing pages",
			Schedule:    scheduler.DailyAt6,
			Enabled:     true,
		},
		{
			Name:        TaskPerformanceReport,
			Description: "Summarize task runs and automation actions of the last 30 days",
			Schedule:    scheduler.MonthlyFirstAt9,
			Enabled:     true,
		},
	}
}

// Work maps the built-in task names to their work functions.
func Work(a *Auditor, m *Monitor, r *Reporter) map[string]scheduler.WorkFunc {
	return map[string]scheduler.WorkFunc{
		TaskWeeklyAudit:       a.Run,
		TaskKeywordMonitoring: m.Run,
		TaskPerformanceReport: r.Run,
	}
}
