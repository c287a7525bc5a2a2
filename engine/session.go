package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"leviathan/catalog"
	"leviathan/executor"
	"leviathan/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func (e *Engine) resolve(language string, tier catalog.Tier) (catalog.Profile, error) {
	p, err := e.catalog.ResolveForTier(language, tier)
	switch {
	case errors.Is(err, catalog.ErrTierNotAllowed):
		return catalog.Profile{}, policy(ReasonTierDenied, "%s", err.Error())
	case err != nil:
		return catalog.Profile{}, policy(ReasonUnsupportedLanguage, "unsupported language: %s", language)
	}
	return p, nil
}

// normalizeLanguages lower-cases and de-duplicates, keeping order.
func normalizeLanguages(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, l := range in {
		l = strings.ToLower(strings.TrimSpace(l))
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}

func view(s *store.Session, status string) *SessionView {
	return &SessionView{
		SessionID:      s.ID,
		UserID:         s.UserID,
		Language:       s.Language,
		SessionType:    s.Kind,
		RoomID:         store.Deref(s.RoomID),
		ContainerID:    store.Deref(s.ContainerID),
		Status:         status,
		ResourceTier:   s.ResourceTier,
		ExpiresAt:      s.ExpiresAt,
		CreatedAt:      s.CreatedAt,
		LastExecutedAt: s.LastExecutedAt,
	}
}

// abandon undoes a half-built session: container first, then records.
func (e *Engine) abandon(ctx context.Context, sessionID, roomID, containerID string) {
	ctx = context.WithoutCancel(ctx)
	e.destroy(ctx, containerID)
	if err := e.store.DeactivateSession(ctx, sessionID); err != nil {
		e.logger.Warn("failed to deactivate abandoned session", zap.String("session", sessionID), zap.Error(err))
	}
	if roomID != "" {
		if err := e.store.DeactivateRoom(ctx, roomID); err != nil {
			e.logger.Warn("failed to deactivate abandoned room", zap.String("room", roomID), zap.Error(err))
		}
	}
}

// InitSolo creates an exclusive session with its own primed container.
func (e *Engine) InitSolo(ctx context.Context, req SoloRequest) (*SessionView, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, policy(ReasonInvalidRequest, "userId is required")
	}
	tier := catalog.NormalizeTier(req.Tier)
	p, err := e.resolve(req.Language, tier)
	if err != nil {
		return nil, err
	}

	sess := &store.Session{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		Language:     p.ID,
		Kind:         store.SessionSolo,
		ResourceTier: string(p.Cost),
		ExpiresAt:    e.now().Add(e.cfg.SoloExpiry.For(tier)).UTC(),
	}
	if err := e.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	h, err := e.provision(ctx, p, binding{kind: executor.KindSolo, sessionID: sess.ID, network: e.cfg.SoloNetwork})
	if err != nil {
		e.abandon(ctx, sess.ID, "", "")
		return nil, err
	}
	if err := e.store.UpdateSessionContainer(ctx, sess.ID, h.ContainerID); err != nil {
		e.abandon(ctx, sess.ID, "", h.ContainerID)
		return nil, fmt.Errorf("bind session container: %w", err)
	}
	sess.ContainerID = store.Str(h.ContainerID)

	e.logger.Info("solo session ready",
		zap.String("session", sess.ID),
		zap.String("language", p.ID),
		zap.String("container", shortID(h.ContainerID)),
	)
	e.publish(ctx, Event{Type: EventSessionCreated, SessionID: sess.ID, UserID: sess.UserID, Language: p.ID, ContainerID: h.ContainerID})
	return view(sess, StatusReady), nil
}

// InitRoom creates a room, its owner session and a primed container for
// the room's primary language.
func (e *Engine) InitRoom(ctx context.Context, req RoomRequest) (*SessionView, error) {
	switch {
	case strings.TrimSpace(req.UserID) == "":
		return nil, policy(ReasonInvalidRequest, "userId is required")
	case strings.TrimSpace(req.RoomName) == "":
		return nil, policy(ReasonInvalidRequest, "room name is required")
	}
	languages := normalizeLanguages(req.Languages)
	if len(languages) == 0 {
		return nil, policy(ReasonInvalidRequest, "at least one language is required")
	}

	tier := catalog.NormalizeTier(req.Tier)
	profiles := make([]catalog.Profile, len(languages))
	for i, lang := range languages {
		p, err := e.resolve(lang, tier)
		if err != nil {
			return nil, err
		}
		profiles[i] = p
	}
	primary := profiles[0]

	maxUsers := req.MaxUsers
	if maxUsers <= 0 {
		maxUsers = e.cfg.DefaultMaxUsers
	}
	expires := e.now().Add(e.cfg.RoomExpiry.For(tier)).UTC()

	room := &store.Room{
		ID:           uuid.NewString(),
		Name:         strings.TrimSpace(req.RoomName),
		CreatorID:    req.UserID,
		MaxUsers:     maxUsers,
		ResourceTier: string(tier),
		ExpiresAt:    expires,
	}
	if err := e.store.CreateRoom(ctx, room, languages, req.UserID); err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}

	sess := &store.Session{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		Language:     primary.ID,
		Kind:         store.SessionRoom,
		RoomID:       store.Str(room.ID),
		ResourceTier: string(tier),
		ExpiresAt:    expires,
	}
	if err := e.store.CreateSession(ctx, sess); err != nil {
		if derr := e.store.DeactivateRoom(context.WithoutCancel(ctx), room.ID); derr != nil {
			e.logger.Warn("failed to deactivate room after session create failed", zap.String("room", room.ID), zap.Error(derr))
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	h, err := e.provision(ctx, primary, binding{kind: executor.KindRoom, roomID: room.ID, network: e.cfg.RoomNetwork})
	if err != nil {
		e.abandon(ctx, sess.ID, room.ID, "")
		return nil, err
	}
	if err := e.bindRoomContainer(ctx, room.ID, primary.ID, 0, h.ContainerID); err != nil {
		e.abandon(ctx, sess.ID, room.ID, h.ContainerID)
		return nil, err
	}
	if err := e.store.UpdateSessionContainer(ctx, sess.ID, h.ContainerID); err != nil {
		e.abandon(ctx, sess.ID, room.ID, h.ContainerID)
		return nil, fmt.Errorf("bind session container: %w", err)
	}
	sess.ContainerID = store.Str(h.ContainerID)

	e.logger.Info("room ready",
		zap.String("room", room.ID),
		zap.String("session", sess.ID),
		zap.Strings("languages", languages),
		zap.String("container", shortID(h.ContainerID)),
	)
	e.publish(ctx, Event{Type: EventRoomCreated, RoomID: room.ID, UserID: req.UserID, Language: primary.ID, ContainerID: h.ContainerID,
		Data: map[string]any{"name": room.Name, "languages": languages, "maxUsers": maxUsers}})
	e.publish(ctx, Event{Type: EventSessionCreated, SessionID: sess.ID, RoomID: room.ID, UserID: req.UserID, Language: primary.ID, ContainerID: h.ContainerID})
	return view(sess, StatusReady), nil
}

// bindRoomContainer records the container serving language in a room.
// Position 0 is the primary language, which also owns the room binding.
func (e *Engine) bindRoomContainer(ctx context.Context, roomID, language string, position int, containerID string) error {
	if err := e.store.SetRoomLanguageContainer(ctx, roomID, language, containerID); err != nil {
		return fmt.Errorf("bind room language container: %w", err)
	}
	if position == 0 {
		if err := e.store.UpdateRoomContainer(ctx, roomID, containerID); err != nil {
			return fmt.Errorf("bind room container: %w", err)
		}
	}
	return nil
}

// JoinRoom adds a user to a room and gives them a session sharing the
// room's containers. Joining twice returns the existing session.
func (e *Engine) JoinRoom(ctx context.Context, roomID, userID, tier string) (*SessionView, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, policy(ReasonInvalidRequest, "userId is required")
	}

	unlock := e.locks.Lock("join:" + roomID)
	defer unlock()

	now := e.now()
	room, err := e.store.GetActiveRoom(ctx, roomID, now)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load room: %w", err)
	}

	status := StatusInitializing
	if room.ContainerID != nil {
		status = StatusReady
	}

	existing, err := e.store.FindActiveRoomSession(ctx, roomID, userID, now)
	switch {
	case err == nil:
		if err := e.store.TouchParticipant(ctx, roomID, userID, now); err != nil {
			e.logger.Warn("failed to touch participant", zap.String("room", roomID), zap.Error(err))
		}
		return view(existing, status), nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("find room session: %w", err)
	}

	member, err := e.store.IsParticipant(ctx, roomID, userID)
	if err != nil {
		return nil, fmt.Errorf("check participant: %w", err)
	}
	if !member {
		count, err := e.store.CountParticipants(ctx, roomID)
		if err != nil {
			return nil, fmt.Errorf("count participants: %w", err)
		}
		if count >= int64(room.MaxUsers) {
			return nil, policy(ReasonRoomFull, "room is full (%d/%d)", count, room.MaxUsers)
		}
	}
	if err := e.store.AddParticipant(ctx, roomID, userID, store.RoleParticipant); err != nil {
		return nil, fmt.Errorf("add participant: %w", err)
	}

	sess := &store.Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		Language:     room.Language,
		Kind:         store.SessionRoom,
		RoomID:       store.Str(roomID),
		ContainerID:  room.ContainerID,
		ResourceTier: string(catalog.NormalizeTier(tier)),
		ExpiresAt:    room.ExpiresAt,
	}
	if err := e.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	e.logger.Info("user joined room", zap.String("room", roomID), zap.String("session", sess.ID), zap.String("user", userID))
	e.publish(ctx, Event{Type: EventSessionJoined, SessionID: sess.ID, RoomID: roomID, UserID: userID, Language: room.Language})
	return view(sess, status), nil
}

// Terminate ends a session. A room is closed with its containers once its
// last active session ends. Unknown sessions are a no-op.
func (e *Engine) Terminate(ctx context.Context, sessionID string) error {
	sess, err := e.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	if sess.Kind == store.SessionSolo {
		e.destroy(ctx, store.Deref(sess.ContainerID))
		if err := e.store.DeactivateSession(ctx, sessionID); err != nil {
			return fmt.Errorf("deactivate session: %w", err)
		}
		e.publish(ctx, Event{Type: EventSessionTerminated, SessionID: sessionID, UserID: sess.UserID, Language: sess.Language})
		return nil
	}

	roomID := store.Deref(sess.RoomID)
	if err := e.store.DeactivateSession(ctx, sessionID); err != nil {
		return fmt.Errorf("deactivate session: %w", err)
	}
	e.publish(ctx, Event{Type: EventSessionTerminated, SessionID: sessionID, RoomID: roomID, UserID: sess.UserID, Language: sess.Language})

	others, err := e.store.CountOtherActiveRoomSessions(ctx, roomID, sessionID)
	if err != nil {
		return fmt.Errorf("count room sessions: %w", err)
	}
	if others > 0 {
		return nil
	}
	e.closeRoom(ctx, roomID)
	return nil
}

// closeRoom destroys every container bound to the room and deactivates it.
func (e *Engine) closeRoom(ctx context.Context, roomID string) {
	for _, id := range e.roomContainers(ctx, roomID) {
		e.destroy(ctx, id)
	}
	if err := e.store.DeactivateRoom(ctx, roomID); err != nil {
		e.logger.Warn("failed to deactivate room", zap.String("room", roomID), zap.Error(err))
		return
	}
	e.logger.Info("room closed", zap.String("room", roomID))
	e.publish(ctx, Event{Type: EventRoomClosed, RoomID: roomID})
}

// roomContainers lists the distinct execution containers of a room.
func (e *Engine) roomContainers(ctx context.Context, roomID string) []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if room, err := e.store.GetRoom(ctx, roomID); err == nil {
		add(store.Deref(room.ContainerID))
	}
	langs, err := e.store.RoomLanguages(ctx, roomID)
	if err != nil {
		e.logger.Warn("failed to list room languages", zap.String("room", roomID), zap.Error(err))
	}
	for _, l := range langs {
		add(store.Deref(l.ContainerID))
	}
	return ids
}
