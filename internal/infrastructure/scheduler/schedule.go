package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jewelpos/backend/internal/infrastructure/config"
)

// EveryHour is the Hour value of a "m * * * *" schedule
const EveryHour = -1

// Schedule is a daily (or hourly) cron expression of the form "m h * * *".
// Times are matched in UTC.
type Schedule struct {
	Minute int
	Hour   int
}

// ParseSchedule parses "m h * * *". Day, month and weekday must be "*";
// "*" in the hour field runs the schedule every hour.
func ParseSchedule(expr string) (Schedule, error) {
	if err := config.ValidateSchedule(expr); err != nil {
		return Schedule{}, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	fields := strings.Fields(expr)
	minute, _ := strconv.Atoi(fields[0])
	s := Schedule{Minute: minute, Hour: EveryHour}
	if fields[1] != "*" {
		s.Hour, _ = strconv.Atoi(fields[1])
	}
	return s, nil
}

// Matches reports whether t falls in a minute selected by the schedule
func (s Schedule) Matches(t time.Time) bool {
	t = t.UTC()
	if t.Minute() != s.Minute {
		return false
	}
	return s.Hour == EveryHour || t.Hour() == s.Hour
}

// Next returns the first matching minute strictly after t
func (s Schedule) Next(t time.Time) time.Time {
	next := t.UTC().Truncate(time.Minute).Add(time.Minute)
	if s.Hour == EveryHour {
		candidate := time.Date(next.Year(), next.Month(), next.Day(), next.Hour(), s.Minute, 0, 0, time.UTC)
		if candidate.Before(next) {
			candidate = candidate.Add(time.Hour)
		}
		return candidate
	}
	candidate := time.Date(next.Year(), next.Month(), next.Day(), s.Hour, s.Minute, 0, 0, time.UTC)
	if candidate.Before(next) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

func (s Schedule) String() string {
	if s.Hour == EveryHour {
		return fmt.Sprintf("%d * * * *", s.Minute)
	}
	return fmt.Sprintf("%d %d * * *", s.Minute, s.Hour)
}
