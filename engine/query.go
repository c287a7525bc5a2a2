package engine

import (
	"context"
	"errors"
	"fmt"

	"leviathan/store"
)

func (e *Engine) status(s *store.Session) string {
	switch {
	case !s.IsActive:
		return StatusTerminated
	case !s.ExpiresAt.After(e.now()):
		return StatusExpired
	case s.ContainerID == nil:
		return StatusInitializing
	default:
		return StatusReady
	}
}

// GetSession returns a session in any state.
func (e *Engine) GetSession(ctx context.Context, sessionID string) (*SessionView, error) {
	s, err := e.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return view(s, e.status(s)), nil
}

// UserSessions lists a user's live sessions, newest first.
func (e *Engine) UserSessions(ctx context.Context, userID string) ([]SessionView, error) {
	sessions, err := e.store.UserActiveSessions(ctx, userID, e.now())
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]SessionView, 0, len(sessions))
	for i := range sessions {
		out = append(out, *view(&sessions[i], e.status(&sessions[i])))
	}
	return out, nil
}

// RoomInfo describes an active room with its languages and members.
func (e *Engine) RoomInfo(ctx context.Context, roomID string) (*RoomInfo, error) {
	room, err := e.store.GetActiveRoom(ctx, roomID, e.now())
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load room: %w", err)
	}
	langs, err := e.store.RoomLanguages(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("load room languages: %w", err)
	}
	participants, err := e.RoomParticipants(ctx, roomID)
	if err != nil {
		return nil, err
	}

	info := &RoomInfo{
		ID:           room.ID,
		Name:         room.Name,
		Language:     room.Language,
		CreatorID:    room.CreatorID,
		MaxUsers:     room.MaxUsers,
		ResourceTier: room.ResourceTier,
		ContainerID:  store.Deref(room.ContainerID),
		ExpiresAt:    room.ExpiresAt,
		CreatedAt:    room.CreatedAt,
		Participants: participants,
	}
	for _, l := range langs {
		info.Languages = append(info.Languages, l.Language)
	}
	for _, p := range participants {
		if p.SessionID != "" {
			info.CurrentUsers++
		}
	}
	return info, nil
}

// ListRooms pages through active rooms, newest first.
func (e *Engine) ListRooms(ctx context.Context, page, limit int, search string) (*RoomListing, error) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rooms, total, err := e.store.ListActiveRooms(ctx, store.RoomQuery{Page: page, Limit: limit, Search: search, Now: e.now()})
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return &RoomListing{Rooms: rooms, Total: total, Page: page, Limit: limit}, nil
}

// RoomParticipants lists members with their active session, if any.
func (e *Engine) RoomParticipants(ctx context.Context, roomID string) ([]ParticipantView, error) {
	participants, err := e.store.ListParticipants(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	sessions, err := e.store.ActiveRoomSessions(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("list room sessions: %w", err)
	}
	byUser := make(map[string]string, len(sessions))
	for _, s := range sessions {
		if _, ok := byUser[s.UserID]; !ok {
			byUser[s.UserID] = s.ID
		}
	}

	out := make([]ParticipantView, 0, len(participants))
	for _, p := range participants {
		out = append(out, ParticipantView{
			UserID:     p.UserID,
			Role:       p.Role,
			JoinedAt:   p.JoinedAt,
			LastActive: p.LastActive,
			SessionID:  byUser[p.UserID],
		})
	}
	return out, nil
}
