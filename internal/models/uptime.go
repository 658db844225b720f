package models

import "time"

// UptimeTick is one attendance fact: the relay was scored in the round
// starting at Stamp. Rows are append-only and pruned after the daily rollup.
type UptimeTick struct {
	ID          uint      `gorm:"primaryKey"`
	Fingerprint string    `gorm:"size:40;index;not null"`
	Stamp       time.Time `gorm:"index;not null"`
}

// UptimeStreak is the consecutive-day watermark of a relay. Both bounds are
// UTC day starts; StreakLast only moves forward.
type UptimeStreak struct {
	Fingerprint string    `gorm:"primaryKey;size:40"`
	StreakStart time.Time `gorm:"not null"`
	StreakLast  time.Time `gorm:"index;not null"`
	UpdatedAt   time.Time
}

// Days is the length of the streak in whole days.
func (s UptimeStreak) Days() int {
	return int(s.StreakLast.Sub(s.StreakStart) / (24 * time.Hour))
}
