package store

import (
	"context"
	"time"
)

func (s *Store) CreateSession(ctx context.Context, session *Session) error {
	session.IsActive = true
	return s.db.WithContext(ctx).Create(session).Error
}

// GetSession returns a session in any state.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var session Session
	if err := s.db.WithContext(ctx).First(&session, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &session, nil
}

// GetActiveSession returns a session that is active and not yet expired.
func (s *Store) GetActiveSession(ctx context.Context, id string, now time.Time) (*Session, error) {
	var session Session
	if err := s.db.WithContext(ctx).
		Where("id = ? AND is_active = ? AND expires_at > ?", id, true, now.UTC()).
		First(&session).Error; err != nil {
		return nil, translate(err)
	}
	return &session, nil
}

func (s *Store) UpdateSessionContainer(ctx context.Context, id, containerID string) error {
	return s.db.WithContext(ctx).
		Model(&Session{}).
		Where("id = ?", id).
		Update("container_id", Str(containerID)).Error
}

// MarkExecuted records the time of the latest execution.
func (s *Store) MarkExecuted(ctx context.Context, id string, at time.Time) error {
	at = at.UTC()
	return s.db.WithContext(ctx).
		Model(&Session{}).
		Where("id = ?", id).
		Update("last_executed_at", &at).Error
}

func (s *Store) DeactivateSession(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).
		Model(&Session{}).
		Where("id = ?", id).
		Update("is_active", false).Error
}

// DeactivateSessions deactivates sessions in bulk.
func (s *Store) DeactivateSessions(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Model(&Session{}).
		Where("id IN ? AND is_active = ?", ids, true).
		Update("is_active", false)
	return res.RowsAffected, res.Error
}

// DeactivateRoomSessions deactivates every active session in a room.
func (s *Store) DeactivateRoomSessions(ctx context.Context, roomID string) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&Session{}).
		Where("room_id = ? AND is_active = ?", roomID, true).
		Update("is_active", false)
	return res.RowsAffected, res.Error
}

// UserActiveSessions lists a user's unexpired active sessions, newest first.
func (s *Store) UserActiveSessions(ctx context.Context, userID string, now time.Time) ([]Session, error) {
	var sessions []Session
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ? AND expires_at > ?", userID, true, now.UTC()).
		Order("created_at DESC").
		Find(&sessions).Error
	return sessions, err
}

// FindActiveRoomSession returns the user's active session in a room.
func (s *Store) FindActiveRoomSession(ctx context.Context, roomID, userID string, now time.Time) (*Session, error) {
	var session Session
	if err := s.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ? AND is_active = ? AND expires_at > ?", roomID, userID, true, now.UTC()).
		Order("created_at DESC").
		First(&session).Error; err != nil {
		return nil, translate(err)
	}
	return &session, nil
}

// ActiveRoomSessions lists the active sessions bound to a room.
func (s *Store) ActiveRoomSessions(ctx context.Context, roomID string) ([]Session, error) {
	var sessions []Session
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND is_active = ?", roomID, true).
		Order("created_at ASC").
		Find(&sessions).Error
	return sessions, err
}

// CountOtherActiveRoomSessions counts active sessions in a room besides
// the given one.
func (s *Store) CountOtherActiveRoomSessions(ctx context.Context, roomID, sessionID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&Session{}).
		Where("room_id = ? AND id <> ? AND is_active = ?", roomID, sessionID, true).
		Count(&n).Error
	return n, err
}

// ExpiredSessions lists active sessions past their expiry that still hold
// a container.
func (s *Store) ExpiredSessions(ctx context.Context, now time.Time) ([]Session, error) {
	var sessions []Session
	err := s.db.WithContext(ctx).
		Where("is_active = ? AND expires_at <= ? AND container_id IS NOT NULL", true, now.UTC()).
		Find(&sessions).Error
	return sessions, err
}

// DeactivateExpiredSessions flips every expired active session.
func (s *Store) DeactivateExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&Session{}).
		Where("is_active = ? AND expires_at <= ?", true, now.UTC()).
		Update("is_active", false)
	return res.RowsAffected, res.Error
}

// SoloSessionsExpiringBefore lists active solo sessions with a container
// that expire at or before cutoff.
func (s *Store) SoloSessionsExpiringBefore(ctx context.Context, cutoff time.Time) ([]Session, error) {
	var sessions []Session
	err := s.db.WithContext(ctx).
		Where("is_active = ? AND session_type = ? AND expires_at <= ? AND container_id IS NOT NULL", true, SessionSolo, cutoff.UTC()).
		Find(&sessions).Error
	return sessions, err
}

// CountActiveSessions is used by health reporting.
func (s *Store) CountActiveSessions(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Session{}).Where("is_active = ?", true).Count(&n).Error
	return n, err
}
