package engine

import (
	"context"

	"leviathan/store"

	"go.uber.org/zap"
)

const (
	sweepLockKey = "sweep:expired"
	soloLockKey  = "sweep:solo"
	reapLockKey  = "sweep:pending"
	reapBatch    = 100
)

// SweepExpired destroys the containers of expired sessions and rooms, then
// deactivates them. An overlapping sweep is skipped.
func (e *Engine) SweepExpired(ctx context.Context) SweepReport {
	unlock, ok, err := e.locker.TryLock(ctx, sweepLockKey, e.cfg.SweepLockTTL)
	if err != nil {
		e.logger.Warn("sweep lock unavailable", zap.Error(err))
		return SweepReport{Skipped: true}
	}
	if !ok {
		e.logger.Debug("expiry sweep already running, skipping")
		return SweepReport{Skipped: true}
	}
	defer unlock()

	now := e.now()
	sessions, err := e.store.ExpiredSessions(ctx, now)
	if err != nil {
		e.logger.Error("failed to load expired sessions", zap.Error(err))
		return SweepReport{}
	}
	rooms, err := e.store.ExpiredRooms(ctx, now)
	if err != nil {
		e.logger.Error("failed to load expired rooms", zap.Error(err))
		return SweepReport{}
	}

	seen := make(map[string]bool)
	var containers []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			containers = append(containers, id)
		}
	}
	for _, s := range sessions {
		add(store.Deref(s.ContainerID))
	}
	for _, r := range rooms {
		for _, id := range e.roomContainers(ctx, r.ID) {
			add(id)
		}
	}

	report := SweepReport{}
	for _, id := range containers {
		if e.destroy(ctx, id) {
			report.Containers++
		}
	}

	n, err := e.store.DeactivateExpiredSessions(ctx, now)
	if err != nil {
		e.logger.Warn("failed to deactivate expired sessions", zap.Error(err))
	}
	report.Sessions = int(n)
	n, err = e.store.DeactivateExpiredRooms(ctx, now)
	if err != nil {
		e.logger.Warn("failed to deactivate expired rooms", zap.Error(err))
	}
	report.Rooms = int(n)

	for _, s := range sessions {
		e.publish(ctx, Event{Type: EventSessionExpired, SessionID: s.ID, RoomID: store.Deref(s.RoomID), UserID: s.UserID, Language: s.Language, ContainerID: store.Deref(s.ContainerID)})
	}
	for _, r := range rooms {
		e.publish(ctx, Event{Type: EventRoomClosed, RoomID: r.ID, Data: map[string]any{"reason": "expired"}})
	}

	if report.Sessions > 0 || report.Rooms > 0 || report.Containers > 0 {
		e.logger.Info("expiry sweep completed",
			zap.Int("sessions", report.Sessions),
			zap.Int("rooms", report.Rooms),
			zap.Int("containers", report.Containers),
		)
	}
	return report
}

// SweepSolo cleans solo sessions that expire within the sweep window.
func (e *Engine) SweepSolo(ctx context.Context) int {
	unlock, ok, err := e.locker.TryLock(ctx, soloLockKey, e.cfg.SweepLockTTL)
	if err != nil || !ok {
		return 0
	}
	defer unlock()

	sessions, err := e.store.SoloSessionsExpiringBefore(ctx, e.now().Add(e.cfg.SoloSweepWindow))
	if err != nil {
		e.logger.Error("failed to load solo sessions near expiry", zap.Error(err))
		return 0
	}
	cleaned := 0
	for _, s := range sessions {
		if e.cleanupSolo(ctx, s.ID, store.Deref(s.ContainerID)) {
			cleaned++
		}
	}
	if cleaned > 0 {
		e.logger.Info("solo sweep completed", zap.Int("sessions", cleaned))
	}
	return cleaned
}

// cleanupSolo destroys a solo session's container, then deactivates it.
func (e *Engine) cleanupSolo(ctx context.Context, sessionID, containerID string) bool {
	e.destroy(ctx, containerID)
	if err := e.store.DeactivateSession(ctx, sessionID); err != nil {
		e.logger.Warn("failed to deactivate solo session", zap.String("session", sessionID), zap.Error(err))
		return false
	}
	e.publish(ctx, Event{Type: EventSessionTerminated, SessionID: sessionID, ContainerID: containerID, Data: map[string]any{"reason": "cleanup"}})
	return true
}

// ReapPending runs cleanups whose grace period has elapsed, including
// those left behind by a previous process.
func (e *Engine) ReapPending(ctx context.Context) int {
	unlock, ok, err := e.locker.TryLock(ctx, reapLockKey, e.cfg.SweepLockTTL)
	if err != nil || !ok {
		return 0
	}
	defer unlock()

	due, err := e.store.DuePendingCleanups(ctx, e.now(), reapBatch)
	if err != nil {
		e.logger.Error("failed to load pending cleanups", zap.Error(err))
		return 0
	}
	reaped := 0
	for _, c := range due {
		e.cleanupSolo(ctx, c.SessionID, c.ContainerID)
		if sess, err := e.store.GetSession(ctx, c.SessionID); err == nil {
			if id := store.Deref(sess.ContainerID); id != "" && id != c.ContainerID {
				e.destroy(ctx, id)
			}
		}
		if err := e.store.DeletePendingCleanup(ctx, c.SessionID); err != nil {
			e.logger.Warn("failed to delete pending cleanup", zap.String("session", c.SessionID), zap.Error(err))
			continue
		}
		reaped++
	}
	return reaped
}

// TriggerCleanup runs every sweep now.
func (e *Engine) TriggerCleanup(ctx context.Context) CleanupReport {
	return CleanupReport{
		Expired: e.SweepExpired(ctx),
		Solo:    e.SweepSolo(ctx),
		Pending: e.ReapPending(ctx),
	}
}
