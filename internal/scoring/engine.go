// Package scoring turns the relay inventory and its verification, hardware,
// location and uptime inputs into one score record per eligible relay.
package scoring

import (
	"context"
	"time"

	"relay-distribution/internal/geo"
	"relay-distribution/internal/relays"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ScoreRecord is the per-relay input to the settlement ledger for a round.
type ScoreRecord struct {
	Fingerprint  string `json:"Fingerprint"`
	Address      string `json:"Address"`
	Network      int64  `json:"Network"`
	FamilySize   int    `json:"FamilySize"`
	IsHardware   bool   `json:"IsHardware"`
	LocationSize int    `json:"LocationSize"`
	UptimeStreak int    `json:"UptimeStreak"`
	ExitBonus    bool   `json:"ExitBonus"`
}

// Fingerprints returns the fingerprints of records in order.
func Fingerprints(records []ScoreRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Fingerprint
	}
	return out
}

type RelaySource interface {
	Relays(ctx context.Context) []relays.Relay
}

type Registry interface {
	Verification(ctx context.Context) (addresses map[string]string, hardware map[string]bool)
}

type Locator interface {
	Cell(addr string) string
}

type Uptime interface {
	CurrentStreaks(ctx context.Context, stamp time.Time) (map[string]int, error)
	RecordTicks(ctx context.Context, stamp time.Time, fingerprints []string) error
}

// Engine computes the scores of a round.
type Engine struct {
	relays   RelaySource
	registry Registry
	locator  Locator
	uptime   Uptime
	log      zerolog.Logger
}

func NewEngine(rs RelaySource, reg Registry, loc Locator, up Uptime, log zerolog.Logger) *Engine {
	return &Engine{relays: rs, registry: reg, locator: loc, uptime: up, log: log}
}

// Compute returns the score records for the round started at stamp (unix
// milliseconds) and records an uptime tick for every scored relay.
// Collaborator failures degrade to empty inputs; the only error returned is
// the cancellation of ctx.
func (e *Engine) Compute(ctx context.Context, stamp int64) ([]ScoreRecord, error) {
	at := time.UnixMilli(stamp).UTC()

	var (
		inventory []relays.Relay
		addresses map[string]string
		hardware  map[string]bool
		streaks   map[string]int
	)
	// inputs degrade on failure, so no goroutine returns an error
	var g errgroup.Group
	g.Go(func() error {
		inventory = e.relays.Relays(ctx)
		return nil
	})
	g.Go(func() error {
		addresses, hardware = e.registry.Verification(ctx)
		return nil
	})
	g.Go(func() error {
		var err error
		streaks, err = e.uptime.CurrentStreaks(ctx, at)
		if err != nil {
			e.log.Error().Err(err).Int64("stamp", stamp).Msg("failed loading uptime streaks")
			streaks = map[string]int{}
		}
		return nil
	})
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sizes, cells := e.locations(inventory, addresses)

	records := make([]ScoreRecord, 0, len(inventory))
	seen := make(map[string]struct{}, len(inventory))
	for _, relay := range inventory {
		if !relay.Running || relay.ConsensusWeight <= 0 {
			continue
		}
		address := addresses[relay.Fingerprint]
		if address == "" {
			continue
		}
		if _, dup := seen[relay.Fingerprint]; dup {
			continue
		}
		seen[relay.Fingerprint] = struct{}{}

		locationSize := 0
		if cell := cells[relay.Fingerprint]; cell != geo.UnknownCell {
			locationSize = sizes[cell] - 1
		}

		records = append(records, ScoreRecord{
			Fingerprint:  relay.Fingerprint,
			Address:      address,
			Network:      relay.ConsensusWeight,
			FamilySize:   relay.FamilySize(),
			IsHardware:   hardware[relay.Fingerprint],
			LocationSize: locationSize,
			UptimeStreak: streaks[relay.Fingerprint],
			ExitBonus:    relay.HasFlag(relays.ExitFlag),
		})
	}

	e.log.Info().
		Int64("stamp", stamp).
		Int("relays", len(inventory)).
		Int("verified", len(addresses)).
		Int("scored", len(records)).
		Msg("computed scores")

	if err := e.uptime.RecordTicks(ctx, at, Fingerprints(records)); err != nil {
		e.log.Error().Err(err).Int64("stamp", stamp).Msg("failed tracking uptime")
	}

	return records, nil
}

// locations resolves the cell of every verified relay and counts relays per
// cell. Relays in the unknown cell are not counted.
func (e *Engine) locations(inventory []relays.Relay, addresses map[string]string) (map[string]int, map[string]string) {
	sizes := make(map[string]int)
	cells := make(map[string]string)
	for _, relay := range inventory {
		if addresses[relay.Fingerprint] == "" {
			continue
		}
		if _, done := cells[relay.Fingerprint]; done {
			continue
		}
		cell := e.locator.Cell(relay.PrimaryAddress())
		cells[relay.Fingerprint] = cell
		if cell != geo.UnknownCell {
			sizes[cell]++
		}
	}
	return sizes, cells
}
