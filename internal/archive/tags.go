package archive

import (
	"strconv"

	"relay-distribution/internal/ledger"
)

const (
	ProtocolName    = "ANyONe"
	ProtocolVersion = "0.2"
	EntityType      = "distribution/summary"
)

// SummaryTags returns the tag set indexed with an archived round summary.
func SummaryTags(s *ledger.RoundSnapshot) []Tag {
	cfg := s.Configuration
	rewards := s.Summary.Rewards
	return []Tag{
		{Name: "Protocol", Value: ProtocolName},
		{Name: "Protocol-Version", Value: ProtocolVersion},
		{Name: "Content-Timestamp", Value: strconv.FormatInt(s.Timestamp, 10)},
		{Name: "Content-Type", Value: "application/json"},
		{Name: "Entity-Type", Value: EntityType},

		{Name: "Time-Elapsed", Value: strconv.FormatInt(s.Period, 10)},
		{Name: "Distribution-Rate", Value: cfg.TokensPerSecond.String()},
		{Name: "Distributed-Tokens", Value: rewards.Total.String()},

		{Name: "Hardware-Bonus-Enabled", Value: strconv.FormatBool(cfg.Modifiers.Hardware.Enabled)},
		{Name: "Hardware-Bonus-Distributed-Tokens", Value: rewards.Hardware.String()},
		{Name: "Uptime-Bonus-Enabled", Value: strconv.FormatBool(cfg.Modifiers.Uptime.Enabled)},
		{Name: "Uptime-Bonus-Distributed-Tokens", Value: rewards.Uptime.String()},
		{Name: "Exit-Bonus-Enabled", Value: strconv.FormatBool(cfg.Modifiers.ExitBonus.Enabled)},
		{Name: "Exit-Bonus-Distributed-Tokens", Value: rewards.ExitBonus.String()},

		{Name: "Family-Multiplier-Enabled", Value: strconv.FormatBool(cfg.Multipliers.Family.Enabled)},
		{Name: "Location-Multiplier-Enabled", Value: strconv.FormatBool(cfg.Multipliers.Location.Enabled)},
		{Name: "Total-Distributed-Tokens", Value: rewards.Total.String()},
	}
}

// TagValue returns the value of the first tag called name.
func TagValue(tags []Tag, name string) (string, bool) {
	for _, t := range tags {
		if t.Name == name {
			return t.Value, true
		}
	}
	return "", false
}
