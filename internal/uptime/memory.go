package uptime

import (
	"context"
	"sync"
	"time"

	"relay-distribution/internal/models"
)

// MemoryStore is a process-local Store used when no database is configured.
type MemoryStore struct {
	mu      sync.Mutex
	ticks   []models.UptimeTick
	streaks map[string]models.UptimeStreak
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{streaks: make(map[string]models.UptimeStreak)}
}

func (s *MemoryStore) InsertTicks(_ context.Context, ticks []models.UptimeTick) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks = append(s.ticks, ticks...)
	return nil
}

func (s *MemoryStore) CountTicks(_ context.Context, from, to time.Time) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int)
	for _, tick := range s.ticks {
		if !tick.Stamp.Before(from) && tick.Stamp.Before(to) {
			counts[tick.Fingerprint]++
		}
	}
	return counts, nil
}

func (s *MemoryStore) ExtendStreaks(_ context.Context, fingerprints []string, start, last time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, fp := range fingerprints {
		streak, ok := s.streaks[fp]
		if !ok || streak.StreakLast.Before(start) {
			streak = models.UptimeStreak{Fingerprint: fp, StreakStart: start, StreakLast: last}
		} else {
			if start.Before(streak.StreakStart) {
				streak.StreakStart = start
			}
			if last.After(streak.StreakLast) {
				streak.StreakLast = last
			}
		}
		streak.UpdatedAt = now
		s.streaks[fp] = streak
	}
	return nil
}

func (s *MemoryStore) StreaksEndingAt(_ context.Context, last time.Time) ([]models.UptimeStreak, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.UptimeStreak
	for _, streak := range s.streaks {
		if streak.StreakLast.Equal(last) {
			out = append(out, streak)
		}
	}
	return out, nil
}

func (s *MemoryStore) PruneTicks(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.ticks[:0]
	var pruned int64
	for _, tick := range s.ticks {
		if tick.Stamp.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, tick)
	}
	s.ticks = kept
	return pruned, nil
}
