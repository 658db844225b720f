package uptime

import (
	"context"
	"time"

	"relay-distribution/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore keeps ticks and streaks in the uptime_ticks and uptime_streaks
// tables.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an open database handle.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) InsertTicks(ctx context.Context, ticks []models.UptimeTick) error {
	if len(ticks) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).CreateInBatches(ticks, len(ticks)).Error
}

func (s *GormStore) CountTicks(ctx context.Context, from, to time.Time) (map[string]int, error) {
	var rows []struct {
		Fingerprint string
		Count       int
	}
	err := s.db.WithContext(ctx).
		Model(&models.UptimeTick{}).
		Select("fingerprint, COUNT(*) AS count").
		Where("stamp >= ? AND stamp < ?", from, to).
		Group("fingerprint").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.Fingerprint] = r.Count
	}
	return counts, nil
}

// ExtendStreaks upserts in one statement.
func (s *GormStore) ExtendStreaks(ctx context.Context, fingerprints []string, start, last time.Time) error {
	if len(fingerprints) == 0 {
		return nil
	}
	return s.upsertStreaks(ctx, fingerprints, start, last).Error
}

// upsertStreaks continues a streak when its last day is not before start and
// restarts it at start otherwise. streak_last never moves back.
func (s *GormStore) upsertStreaks(ctx context.Context, fingerprints []string, start, last time.Time) *gorm.DB {
	now := time.Now()
	rows := make([]models.UptimeStreak, 0, len(fingerprints))
	for _, fp := range fingerprints {
		rows = append(rows, models.UptimeStreak{
			Fingerprint: fp,
			StreakStart: start,
			StreakLast:  last,
			UpdatedAt:   now,
		})
	}

	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "fingerprint"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"streak_start": gorm.Expr(
				"CASE WHEN uptime_streaks.streak_last >= excluded.streak_start " +
					"THEN LEAST(uptime_streaks.streak_start, excluded.streak_start) " +
					"ELSE excluded.streak_start END"),
			"streak_last": gorm.Expr("GREATEST(uptime_streaks.streak_last, excluded.streak_last)"),
			"updated_at":  gorm.Expr("excluded.updated_at"),
		}),
	}).Create(&rows)
}

func (s *GormStore) StreaksEndingAt(ctx context.Context, last time.Time) ([]models.UptimeStreak, error) {
	var streaks []models.UptimeStreak
	err := s.db.WithContext(ctx).Where("streak_last = ?", last).Find(&streaks).Error
	return streaks, err
}

func (s *GormStore) PruneTicks(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("stamp < ?", before).Delete(&models.UptimeTick{})
	return res.RowsAffected, res.Error
}
