package models

import "time"

// SchedulerState is the shared scheduler clock, one row per scheduler name,
// so a newly elected leader resumes the cadence of the previous one.
type SchedulerState struct {
	Name      string `gorm:"primaryKey;size:64"`
	LastRunAt int64  // unix milliseconds, 0 before the first round
	UpdatedAt time.Time
}
