package ledger

import (
	"encoding/json"

	"relay-distribution/internal/ao"

	"github.com/shopspring/decimal"
)

// RoundSnapshot is the ledger's record of the last settled round.
type RoundSnapshot struct {
	Timestamp     int64                    `json:"Timestamp"` // unix millis
	Period        int64                    `json:"Period"`    // seconds
	Summary       Summary                  `json:"Summary"`
	Configuration Configuration            `json:"Configuration"`
	Details       ao.Table[ScoringDetails] `json:"Details"`

	// Raw is the document as returned by the ledger.
	Raw json.RawMessage `json:"-"`
}

type Summary struct {
	Ratings struct {
		ExitBonus decimal.Decimal `json:"ExitBonus"`
		Uptime    decimal.Decimal `json:"Uptime"`
		Network   decimal.Decimal `json:"Network"`
	} `json:"Ratings"`
	Rewards Rewards `json:"Rewards"`
}

type Rewards struct {
	Uptime    decimal.Decimal `json:"Uptime"`
	Network   decimal.Decimal `json:"Network"`
	Hardware  decimal.Decimal `json:"Hardware"`
	ExitBonus decimal.Decimal `json:"ExitBonus"`
	Total     decimal.Decimal `json:"Total"`
}

type Toggle struct {
	Enabled bool            `json:"Enabled"`
	Share   decimal.Decimal `json:"Share"`
}

type Multiplier struct {
	Enabled bool            `json:"Enabled"`
	Offset  decimal.Decimal `json:"Offset"`
	Power   decimal.Decimal `json:"Power"`
}

type Configuration struct {
	TokensPerSecond decimal.Decimal `json:"TokensPerSecond"`
	Modifiers       struct {
		Network struct {
			Share decimal.Decimal `json:"Share"`
		} `json:"Network"`
		Hardware struct {
			Toggle
			UptimeInfluence decimal.Decimal `json:"UptimeInfluence"`
		} `json:"Hardware"`
		Uptime struct {
			Toggle
			Tiers []ao.Table[decimal.Decimal] `json:"Tiers"`
		} `json:"Uptime"`
		ExitBonus Toggle `json:"ExitBonus"`
	} `json:"Modifiers"`
	Multipliers struct {
		Family   Multiplier `json:"Family"`
		Location Multiplier `json:"Location"`
	} `json:"Multipliers"`
	Delegates ao.Table[Delegate] `json:"Delegates"`
}

type Delegate struct {
	Address string          `json:"Address"`
	Share   decimal.Decimal `json:"Share"`
}

// ScoringDetails is the ledger's per-relay breakdown of a settled round.
type ScoringDetails struct {
	Address string `json:"Address"`
	Score   struct {
		Network      int64 `json:"Network"`
		IsHardware   bool  `json:"IsHardware"`
		UptimeStreak int   `json:"UptimeStreak"`
		ExitBonus    bool  `json:"ExitBonus"`
		FamilySize   int   `json:"FamilySize"`
		LocationSize int   `json:"LocationSize"`
	} `json:"Score"`
	Variables struct {
		FamilyMultiplier   decimal.Decimal `json:"FamilyMultiplier"`
		LocationMultiplier decimal.Decimal `json:"LocationMultiplier"`
	} `json:"Variables"`
	Rating struct {
		Network   decimal.Decimal `json:"Network"`
		Uptime    decimal.Decimal `json:"Uptime"`
		ExitBonus decimal.Decimal `json:"ExitBonus"`
	} `json:"Rating"`
	Reward struct {
		Total         decimal.Decimal `json:"Total"`
		OperatorTotal decimal.Decimal `json:"OperatorTotal"`
		DelegateTotal decimal.Decimal `json:"DelegateTotal"`
		Network       decimal.Decimal `json:"Network"`
		Hardware      decimal.Decimal `json:"Hardware"`
		Uptime        decimal.Decimal `json:"Uptime"`
		ExitBonus     decimal.Decimal `json:"ExitBonus"`
	} `json:"Reward"`
}

// ParseSnapshot decodes a snapshot document and keeps its raw form.
func ParseSnapshot(data []byte) (*RoundSnapshot, error) {
	var s RoundSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	s.Raw = append(json.RawMessage(nil), data...)
	return &s, nil
}
