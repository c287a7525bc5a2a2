package store

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateRoom stores a room, its languages in order and the owner in one
// transaction. The first language becomes the room's primary language.
func (s *Store) CreateRoom(ctx context.Context, room *Room, languages []string, ownerID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		room.IsActive = true
		if len(languages) > 0 {
			room.Language = languages[0]
		}
		if err := tx.Create(room).Error; err != nil {
			return err
		}

		rows := make([]RoomLanguage, 0, len(languages))
		for i, lang := range languages {
			rows = append(rows, RoomLanguage{RoomID: room.ID, Language: lang, Position: i, AddedAt: now})
		}
		if len(rows) > 0 {
			if err := tx.Create(&rows).Error; err != nil {
				return err
			}
		}

		return tx.Create(&Participant{
			RoomID:     room.ID,
			UserID:     ownerID,
			Role:       RoleOwner,
			JoinedAt:   now,
			LastActive: now,
		}).Error
	})
}

// GetRoom returns a room in any state.
func (s *Store) GetRoom(ctx context.Context, id string) (*Room, error) {
	var room Room
	if err := s.db.WithContext(ctx).First(&room, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &room, nil
}

// GetActiveRoom returns a room that is active and not yet expired.
func (s *Store) GetActiveRoom(ctx context.Context, id string, now time.Time) (*Room, error) {
	var room Room
	if err := s.db.WithContext(ctx).
		Where("id = ? AND is_active = ? AND expires_at > ?", id, true, now.UTC()).
		First(&room).Error; err != nil {
		return nil, translate(err)
	}
	return &room, nil
}

func (s *Store) IsRoomActive(ctx context.Context, id string, now time.Time) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&Room{}).
		Where("id = ? AND is_active = ? AND expires_at > ?", id, true, now.UTC()).
		Count(&n).Error
	return n > 0, err
}

func (s *Store) UpdateRoomContainer(ctx context.Context, id, containerID string) error {
	return s.db.WithContext(ctx).
		Model(&Room{}).
		Where("id = ?", id).
		Update("container_id", Str(containerID)).Error
}

func (s *Store) UpdateRoomTerminal(ctx context.Context, id, containerID string) error {
	return s.db.WithContext(ctx).
		Model(&Room{}).
		Where("id = ?", id).
		Update("terminal_container_id", Str(containerID)).Error
}

func (s *Store) DeactivateRoom(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).
		Model(&Room{}).
		Where("id = ?", id).
		Update("is_active", false).Error
}

// ExpiredRooms lists active rooms past their expiry.
func (s *Store) ExpiredRooms(ctx context.Context, now time.Time) ([]Room, error) {
	var rooms []Room
	err := s.db.WithContext(ctx).
		Where("is_active = ? AND expires_at <= ?", true, now.UTC()).
		Find(&rooms).Error
	return rooms, err
}

func (s *Store) DeactivateExpiredRooms(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&Room{}).
		Where("is_active = ? AND expires_at <= ?", true, now.UTC()).
		Update("is_active", false)
	return res.RowsAffected, res.Error
}

// RoomQuery pages through active rooms.
type RoomQuery struct {
	Page   int
	Limit  int
	Search string
	Now    time.Time
}

// ListActiveRooms returns a page of unexpired active rooms, newest first,
// with participant counts and languages, plus the total match count.
func (s *Store) ListActiveRooms(ctx context.Context, q RoomQuery) ([]RoomSummary, int64, error) {
	if q.Limit <= 0 {
		q.Limit = 20
	}
	if q.Page <= 0 {
		q.Page = 1
	}

	base := s.db.WithContext(ctx).
		Model(&Room{}).
		Where("is_active = ? AND expires_at > ?", true, q.Now.UTC())
	if search := strings.TrimSpace(q.Search); search != "" {
		like := "%" + strings.ToLower(search) + "%"
		base = base.Where("LOWER(name) LIKE ? OR LOWER(language) LIKE ?", like, like)
	}

	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rooms []Room
	if err := base.Session(&gorm.Session{}).
		Order("created_at DESC").
		Limit(q.Limit).
		Offset((q.Page - 1) * q.Limit).
		Find(&rooms).Error; err != nil {
		return nil, 0, err
	}
	if len(rooms) == 0 {
		return nil, total, nil
	}

	ids := make([]string, len(rooms))
	for i, r := range rooms {
		ids[i] = r.ID
	}

	type countRow struct {
		RoomID string
		N      int64
	}
	var counts []countRow
	if err := s.db.WithContext(ctx).
		Model(&Participant{}).
		Select("room_id, COUNT(*) AS n").
		Where("room_id IN ?", ids).
		Group("room_id").
		Scan(&counts).Error; err != nil {
		return nil, 0, err
	}
	byRoom := make(map[string]int64, len(counts))
	for _, c := range counts {
		byRoom[c.RoomID] = c.N
	}

	var langs []RoomLanguage
	if err := s.db.WithContext(ctx).
		Where("room_id IN ?", ids).
		Order("position ASC").
		Find(&langs).Error; err != nil {
		return nil, 0, err
	}
	langsByRoom := make(map[string][]string, len(rooms))
	for _, l := range langs {
		langsByRoom[l.RoomID] = append(langsByRoom[l.RoomID], l.Language)
	}

	out := make([]RoomSummary, len(rooms))
	for i, r := range rooms {
		out[i] = RoomSummary{Room: r, Participants: byRoom[r.ID], Languages: langsByRoom[r.ID]}
	}
	return out, total, nil
}

// AddParticipant inserts a membership, or refreshes last_active when the
// user is already a member.
func (s *Store) AddParticipant(ctx context.Context, roomID, userID, role string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "room_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_active"}),
		}).
		Create(&Participant{RoomID: roomID, UserID: userID, Role: role, JoinedAt: now, LastActive: now}).Error
}

func (s *Store) GetParticipant(ctx context.Context, roomID, userID string) (*Participant, error) {
	var p Participant
	if err := s.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		First(&p).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

// IsParticipant reports whether the user belongs to an active room.
func (s *Store) IsParticipant(ctx context.Context, roomID, userID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&Participant{}).
		Joins("JOIN rooms ON rooms.id = room_users.room_id").
		Where("room_users.room_id = ? AND room_users.user_id = ? AND rooms.is_active = ?", roomID, userID, true).
		Count(&n).Error
	return n > 0, err
}

func (s *Store) ListParticipants(ctx context.Context, roomID string) ([]Participant, error) {
	var ps []Participant
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("joined_at ASC").
		Find(&ps).Error
	return ps, err
}

// CountParticipants counts distinct members of a room.
func (s *Store) CountParticipants(ctx context.Context, roomID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&Participant{}).
		Where("room_id = ?", roomID).
		Count(&n).Error
	return n, err
}

func (s *Store) TouchParticipant(ctx context.Context, roomID, userID string, at time.Time) error {
	return s.db.WithContext(ctx).
		Model(&Participant{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Update("last_active", at.UTC()).Error
}

// RoomLanguages lists a room's languages, primary first.
func (s *Store) RoomLanguages(ctx context.Context, roomID string) ([]RoomLanguage, error) {
	var langs []RoomLanguage
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("position ASC").
		Find(&langs).Error
	return langs, err
}

func (s *Store) SetRoomLanguageContainer(ctx context.Context, roomID, language, containerID string) error {
	return s.db.WithContext(ctx).
		Model(&RoomLanguage{}).
		Where("room_id = ? AND language = ?", roomID, language).
		Update("container_id", Str(containerID)).Error
}

// CountActiveRooms is used by health reporting.
func (s *Store) CountActiveRooms(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Room{}).Where("is_active = ?", true).Count(&n).Error
	return n, err
}
