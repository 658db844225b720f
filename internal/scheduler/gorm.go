package scheduler

import (
	"context"
	"time"

	"relay-distribution/internal/models"

	"golang.org/x/xerrors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultStateName is the row the distributor keeps its last run in.
const DefaultStateName = "distribution"

// GormState keeps the last run in the scheduler_states table, shared by every
// instance campaigning for leadership.
type GormState struct {
	db   *gorm.DB
	name string
}

func NewGormState(db *gorm.DB, name string) *GormState {
	if name == "" {
		name = DefaultStateName
	}
	return &GormState{db: db, name: name}
}

func (g *GormState) LastRunAt(ctx context.Context) (time.Time, error) {
	var row models.SchedulerState
	err := g.db.WithContext(ctx).Where("name = ?", g.name).Limit(1).Find(&row).Error
	if err != nil {
		return time.Time{}, xerrors.Errorf("load scheduler state: %w", err)
	}
	if row.LastRunAt == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(row.LastRunAt), nil
}

func (g *GormState) SetLastRunAt(ctx context.Context, at time.Time) error {
	if err := g.upsert(ctx, at).Error; err != nil {
		return xerrors.Errorf("store scheduler state: %w", err)
	}
	return nil
}

func (g *GormState) upsert(ctx context.Context, at time.Time) *gorm.DB {
	row := models.SchedulerState{Name: g.name, LastRunAt: at.UnixMilli(), UpdatedAt: time.Now()}
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_run_at", "updated_at"}),
	}).Create(&row)
}
