package scheduler

import "errors"

var (
	// ErrInvalidSchedule is returned for cron expressions other than "m h * * *"
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrNoTask is returned when a trigger is built without a task
	ErrNoTask = errors.New("scheduler task is required")
)
