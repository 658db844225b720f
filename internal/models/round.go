// Package models defines the database models for relay reward distribution.
package models

import "time"

// Round lifecycle states.
const (
	RoundScoring    = "scoring"
	RoundCompleting = "completing"
	RoundPersisting = "persisting"
	RoundPersisted  = "persisted"
	RoundAborted    = "aborted"
	RoundSkipped    = "skipped" // archival disabled outside live mode
)

// Round records the lifecycle of one distribution round, keyed by its start
// stamp in unix milliseconds.
type Round struct {
	ID          uint   `gorm:"primaryKey"`
	Stamp       int64  `gorm:"uniqueIndex;not null"`
	State       string `gorm:"size:16;index"`
	Total       int
	Batches     int
	Processed   int
	Failed      int
	Period      int64  // seconds, known once the ledger settled the round
	AbortReason string `gorm:"size:255"`
	SummaryTx   string `gorm:"size:128"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Terminal reports whether the round reached a final state.
func (r Round) Terminal() bool {
	switch r.State {
	case RoundPersisted, RoundAborted, RoundSkipped:
		return true
	}
	return false
}
