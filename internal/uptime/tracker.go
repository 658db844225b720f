// Package uptime keeps the per-round attendance log of scored relays and
// rolls it up into consecutive-day streaks.
package uptime

import (
	"context"
	"time"

	"relay-distribution/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

const day = 24 * time.Hour

// Store persists ticks and streaks. Implementations must make ExtendStreaks
// an idempotent upsert keyed by fingerprint.
type Store interface {
	InsertTicks(ctx context.Context, ticks []models.UptimeTick) error
	// CountTicks returns the number of ticks per fingerprint with a stamp in
	// [from, to).
	CountTicks(ctx context.Context, from, to time.Time) (map[string]int, error)
	// ExtendStreaks upserts a streak for each fingerprint so that it covers
	// [start, last]. A streak whose last day is before start is broken and
	// restarts at start.
	ExtendStreaks(ctx context.Context, fingerprints []string, start, last time.Time) error
	// StreaksEndingAt returns the streaks whose last day equals last.
	StreaksEndingAt(ctx context.Context, last time.Time) ([]models.UptimeStreak, error)
	// PruneTicks deletes ticks stamped before the given instant.
	PruneTicks(ctx context.Context, before time.Time) (int64, error)
}

// Tracker records uptime ticks and derives streak lengths.
type Tracker struct {
	store         Store
	log           zerolog.Logger
	maxDailyTicks int
	ratioBP       int // threshold ratio in basis points
	writeBatch    int
}

// NewTracker returns a tracker. maxDailyTicks is the number of rounds that
// fit in a day; ratio is the share of them a relay must attend yesterday to
// extend its streak.
func NewTracker(store Store, maxDailyTicks int, ratio float64, writeBatch int, log zerolog.Logger) *Tracker {
	if writeBatch <= 0 {
		writeBatch = 1000
	}
	return &Tracker{
		store:         store,
		log:           log,
		maxDailyTicks: maxDailyTicks,
		ratioBP:       int(ratio*10_000 + 0.5),
		writeBatch:    writeBatch,
	}
}

// RequiredTicks is the minimum number of ticks per day for a streak to be
// extended: ceil(ratio * maxDailyTicks), computed in integers so that 0.6*24
// is exactly 15.
func (t *Tracker) RequiredTicks() int {
	return (t.maxDailyTicks*t.ratioBP + 9_999) / 10_000
}

// StartOfDay truncates ts to its UTC day.
func StartOfDay(ts time.Time) time.Time {
	y, m, d := ts.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// RecordTicks appends one tick per fingerprint for the round at stamp, then
// rolls yesterday's ticks into streaks and prunes ticks older than today.
// Pruning failures are logged and ignored.
func (t *Tracker) RecordTicks(ctx context.Context, stamp time.Time, fingerprints []string) error {
	ticks := make([]models.UptimeTick, 0, len(fingerprints))
	for _, fp := range fingerprints {
		ticks = append(ticks, models.UptimeTick{Fingerprint: fp, Stamp: stamp.UTC()})
	}

	for i := 0; i < len(ticks); i += t.writeBatch {
		end := min(i+t.writeBatch, len(ticks))
		if err := t.store.InsertTicks(ctx, ticks[i:end]); err != nil {
			return xerrors.Errorf("insert uptime ticks batch %d: %w", i/t.writeBatch+1, err)
		}
		t.log.Debug().Int("batch", i/t.writeBatch+1).Int("size", end-i).Msg("processed uptime ticks batch")
	}

	today := StartOfDay(stamp)
	yesterday := today.Add(-day)

	counts, err := t.store.CountTicks(ctx, yesterday, today)
	if err != nil {
		return xerrors.Errorf("count uptime ticks: %w", err)
	}

	required := t.RequiredTicks()
	qualified := make([]string, 0, len(counts))
	for fp, n := range counts {
		if n >= required {
			qualified = append(qualified, fp)
		}
	}

	for i := 0; i < len(qualified); i += t.writeBatch {
		end := min(i+t.writeBatch, len(qualified))
		if err := t.store.ExtendStreaks(ctx, qualified[i:end], yesterday, today); err != nil {
			return xerrors.Errorf("extend uptime streaks batch %d: %w", i/t.writeBatch+1, err)
		}
	}
	if len(qualified) > 0 {
		t.log.Info().
			Int("qualified", len(qualified)).
			Int("required_ticks", required).
			Time("day", yesterday).
			Msg("extended uptime streaks")
	}

	pruned, err := t.store.PruneTicks(ctx, today)
	if err != nil {
		t.log.Warn().Err(err).Msg("failed pruning uptime ticks")
	} else if pruned > 0 {
		t.log.Debug().Int64("pruned", pruned).Msg("pruned uptime ticks")
	}

	return nil
}

// CurrentStreaks returns the streak length in days for every relay whose
// streak reaches the day of stamp. Relays missing from the map have no
// current streak.
func (t *Tracker) CurrentStreaks(ctx context.Context, stamp time.Time) (map[string]int, error) {
	streaks, err := t.store.StreaksEndingAt(ctx, StartOfDay(stamp))
	if err != nil {
		return nil, xerrors.Errorf("load uptime streaks: %w", err)
	}

	out := make(map[string]int, len(streaks))
	for _, s := range streaks {
		out[s.Fingerprint] = s.Days()
	}
	return out, nil
}
