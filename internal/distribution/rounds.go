package distribution

import (
	"context"
	"sort"
	"sync"

	"relay-distribution/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RoundStore keeps the lifecycle log of rounds, keyed by stamp.
type RoundStore interface {
	Get(ctx context.Context, stamp int64) (*models.Round, error)
	Save(ctx context.Context, round *models.Round) error
	Recent(ctx context.Context, limit int) ([]models.Round, error)
}

// MemoryRoundStore is used when no database is configured.
type MemoryRoundStore struct {
	mu     sync.Mutex
	rounds map[int64]models.Round
}

func NewMemoryRoundStore() *MemoryRoundStore {
	return &MemoryRoundStore{rounds: make(map[int64]models.Round)}
}

func (s *MemoryRoundStore) Get(_ context.Context, stamp int64) (*models.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[stamp]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *MemoryRoundStore) Save(_ context.Context, round *models.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rounds[round.Stamp] = *round
	return nil
}

func (s *MemoryRoundStore) Recent(_ context.Context, limit int) ([]models.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Round, 0, len(s.rounds))
	for _, r := range s.rounds {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stamp > out[j].Stamp })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GormRoundStore keeps rounds in the rounds table.
type GormRoundStore struct {
	db *gorm.DB
}

func NewGormRoundStore(db *gorm.DB) *GormRoundStore {
	return &GormRoundStore{db: db}
}

func (s *GormRoundStore) Get(ctx context.Context, stamp int64) (*models.Round, error) {
	var rounds []models.Round
	if err := s.db.WithContext(ctx).Where("stamp = ?", stamp).Limit(1).Find(&rounds).Error; err != nil {
		return nil, err
	}
	if len(rounds) == 0 {
		return nil, nil
	}
	return &rounds[0], nil
}

func (s *GormRoundStore) Save(ctx context.Context, round *models.Round) error {
	if round.ID != 0 {
		return s.db.WithContext(ctx).Save(round).Error
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "stamp"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"state", "total", "batches", "processed", "failed",
			"period", "abort_reason", "summary_tx", "updated_at",
		}),
	}).Create(round).Error
}

func (s *GormRoundStore) Recent(ctx context.Context, limit int) ([]models.Round, error) {
	var rounds []models.Round
	err := s.db.WithContext(ctx).Order("stamp DESC").Limit(limit).Find(&rounds).Error
	return rounds, err
}
