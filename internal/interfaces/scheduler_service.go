package interfaces

import "time"

// SweepStatus describes the state of the scheduled refresh sweep
type SweepStatus struct {
	Schedule  string
	Enabled   bool
	IsRunning bool
	LastRun   *time.Time
	NextRun   *time.Time
	LastError string
}

// SchedulerService manages the cron-driven refresh sweep
type SchedulerService interface {
	// Start the scheduler with a cron expression
	Start(cronExpr string) error

	// Stop the scheduler and wait for a running sweep to finish
	Stop() error

	// TriggerNow runs a sweep immediately unless one is already running
	TriggerNow() error

	IsRunning() bool
	Status() SweepStatus
}
