package store

import (
	"context"
	"time"

	"gorm.io/gorm/clause"
)

// SchedulePendingCleanup records a teardown, replacing any earlier one for
// the same session.
func (s *Store) SchedulePendingCleanup(ctx context.Context, sessionID, containerID string, dueAt time.Time) error {
	row := PendingCleanup{
		SessionID:   sessionID,
		ContainerID: containerID,
		DueAt:       dueAt.UTC(),
		CreatedAt:   time.Now().UTC(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"container_id", "due_at"}),
		}).
		Create(&row).Error
}

// DuePendingCleanups returns cleanups due at or before now, oldest first.
func (s *Store) DuePendingCleanups(ctx context.Context, now time.Time, limit int) ([]PendingCleanup, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []PendingCleanup
	err := s.db.WithContext(ctx).
		Where("due_at <= ?", now.UTC()).
		Order("due_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (s *Store) DeletePendingCleanup(ctx context.Context, sessionID string) error {
	return s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Delete(&PendingCleanup{}).Error
}

func (s *Store) CountPendingCleanups(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&PendingCleanup{}).Count(&n).Error
	return n, err
}
