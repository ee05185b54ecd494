package scheduler

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedules of the built-in tasks.
const (
	WeeklyMondayAt2  = "0 2 * * 1"
	DailyAt6         = "0 6 * * *"
	MonthlyFirstAt9  = "0 9 1 * *"
	legacyFallbackIn = time.Hour
)

var knownSchedules = map[string]bool{
	WeeklyMondayAt2: true,
	DailyAt6:        true,
	MonthlyFirstAt9: true,
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}

// legacyNextRunTime reproduces the older evaluator: the three built-in
// schedules are exact, any other valid expression runs an hour from now.
func legacyNextRunTime(expr string, from time.Time) (time.Time, error) {
	if err := ValidateCronExpression(expr); err != nil {
		return time.Time{}, err
	}
	if knownSchedules[strings.Join(strings.Fields(expr), " ")] {
		return NextRunTime(expr, from)
	}
	return from.Add(legacyFallbackIn), nil
}
