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

// target is the container binding an execution runs against.
type target struct {
	session  *store.Session
	profile  catalog.Profile
	roomID   string
	position int
	// current re-reads the persisted container id.
	current func(ctx context.Context) (string, error)
	bind    func(ctx context.Context, containerID string) error
	b       binding
}

func (t *target) key() string {
	if t.roomID != "" {
		return "room:" + t.roomID + ":" + t.profile.ID
	}
	return "session:" + t.session.ID
}

func (e *Engine) targetFor(ctx context.Context, sess *store.Session, requested string) (*target, error) {
	language := sess.Language
	if sess.Kind == store.SessionRoom && requested != "" {
		language = strings.ToLower(strings.TrimSpace(requested))
	}

	p, err := e.catalog.Resolve(language)
	if err != nil {
		return nil, policy(ReasonUnsupportedLanguage, "unsupported language: %s", language)
	}

	if sess.Kind == store.SessionSolo {
		return &target{
			session: sess,
			profile: p,
			current: func(ctx context.Context) (string, error) {
				s, err := e.store.GetSession(ctx, sess.ID)
				if err != nil {
					return "", err
				}
				return store.Deref(s.ContainerID), nil
			},
			bind: func(ctx context.Context, containerID string) error {
				return e.store.UpdateSessionContainer(ctx, sess.ID, containerID)
			},
			b: binding{kind: executor.KindSolo, sessionID: sess.ID, network: e.cfg.SoloNetwork},
		}, nil
	}

	roomID := store.Deref(sess.RoomID)
	langs, err := e.store.RoomLanguages(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("load room languages: %w", err)
	}
	position := -1
	for _, l := range langs {
		if l.Language == p.ID {
			position = l.Position
			break
		}
	}
	if position < 0 {
		return nil, policy(ReasonLanguageNotInRoom, "language %s is not available in this room", p.ID)
	}

	return &target{
		session:  sess,
		profile:  p,
		roomID:   roomID,
		position: position,
		current: func(ctx context.Context) (string, error) {
			langs, err := e.store.RoomLanguages(ctx, roomID)
			if err != nil {
				return "", err
			}
			for _, l := range langs {
				if l.Language == p.ID {
					return store.Deref(l.ContainerID), nil
				}
			}
			return "", nil
		},
		bind: func(ctx context.Context, containerID string) error {
			return e.bindRoomContainer(ctx, roomID, p.ID, position, containerID)
		},
		b: binding{kind: executor.KindRoom, roomID: roomID, network: e.cfg.RoomNetwork},
	}, nil
}

// recreate replaces the container behind t unless another caller already
// replaced stale. It returns the container to use.
func (e *Engine) recreate(ctx context.Context, t *target, stale string) (string, error) {
	unlock := e.locks.Lock(t.key())
	defer unlock()

	current, err := t.current(ctx)
	if err != nil {
		return "", fmt.Errorf("load container binding: %w", err)
	}
	if current != "" && current != stale && e.runtime.VerifyRunning(ctx, current) {
		return current, nil
	}

	h, err := e.provision(ctx, t.profile, t.b)
	if err != nil {
		return "", err
	}
	if err := t.bind(ctx, h.ContainerID); err != nil {
		e.destroy(ctx, h.ContainerID)
		return "", fmt.Errorf("persist recreated container: %w", err)
	}
	if stale != "" {
		e.destroy(ctx, stale)
	}

	e.logger.Info("container recreated",
		zap.String("session", t.session.ID),
		zap.String("room", t.roomID),
		zap.String("language", t.profile.ID),
		zap.String("old", shortID(stale)),
		zap.String("container", shortID(h.ContainerID)),
	)
	e.publish(ctx, Event{Type: EventContainerRecreated, SessionID: t.session.ID, RoomID: t.roomID, Language: t.profile.ID, ContainerID: h.ContainerID,
		Data: map[string]any{"previous": stale}})
	return h.ContainerID, nil
}

func unavailable(err error) error {
	return &executor.ProvisioningError{Op: "recreate", Err: fmt.Errorf("container unavailable and recreation failed: %w", err)}
}

// Execute runs code in the session's container, recreating it once when
// it has gone missing and once more if it disappears mid-run.
func (e *Engine) Execute(ctx context.Context, sessionID string, req ExecuteRequest) (*ExecutionResult, error) {
	sess, err := e.store.GetActiveSession(ctx, sessionID, e.now())
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	t, err := e.targetFor(ctx, sess, req.Language)
	if err != nil {
		return nil, err
	}

	containerID, err := t.current(ctx)
	if err != nil {
		return nil, fmt.Errorf("load container binding: %w", err)
	}
	recreated := false
	if containerID == "" || !e.runtime.VerifyRunning(ctx, containerID) {
		containerID, err = e.recreate(ctx, t, containerID)
		if err != nil {
			return nil, unavailable(err)
		}
		recreated = true
	}

	release, err := e.limiter.Acquire(t.profile.ID, t.profile.ConcurrentLimit)
	if err != nil {
		return nil, policy(ReasonBusy, "%s, try again later", err.Error())
	}
	defer release()

	res, err := e.run(ctx, containerID, t.profile, req)
	if err != nil && executor.IsRecoverable(err) {
		e.logger.Warn("container went stale during execution", zap.String("container", shortID(containerID)), zap.Error(err))
		containerID, err = e.recreate(ctx, t, containerID)
		if err != nil {
			return nil, unavailable(err)
		}
		recreated = true
		res, err = e.run(ctx, containerID, t.profile, req)
	}
	if err != nil {
		return nil, err
	}

	e.registry.TouchContainer(containerID)
	if err := e.store.MarkExecuted(ctx, sess.ID, e.now()); err != nil {
		e.logger.Warn("failed to record execution", zap.String("session", sess.ID), zap.Error(err))
	}
	if t.roomID != "" {
		if err := e.store.TouchParticipant(ctx, t.roomID, sess.UserID, e.now()); err != nil {
			e.logger.Debug("failed to touch participant", zap.Error(err))
		}
	}

	if sess.Kind == store.SessionSolo {
		due := e.now().Add(e.cfg.CleanupGrace)
		if err := e.store.SchedulePendingCleanup(ctx, sess.ID, containerID, due); err != nil {
			e.logger.Warn("failed to schedule solo cleanup", zap.String("session", sess.ID), zap.Error(err))
		}
	}

	result := &ExecutionResult{
		Output:        strings.TrimSpace(res.Stdout),
		Error:         strings.TrimSpace(res.Stderr),
		ExecutionTime: res.Duration,
		ContainerID:   containerID,
		ExitCode:      res.ExitCode,
		TimedOut:      res.TimedOut,
		Recreated:     recreated,
	}
	e.publish(ctx, Event{Type: EventExecutionCompleted, SessionID: sess.ID, RoomID: t.roomID, UserID: sess.UserID, Language: t.profile.ID, ContainerID: containerID,
		Data: map[string]any{"exitCode": res.ExitCode, "timedOut": res.TimedOut, "durationMs": res.Duration.Milliseconds(), "recreated": recreated}})
	return result, nil
}

// run writes the code (and input) into the workspace and executes it.
func (e *Engine) run(ctx context.Context, containerID string, p catalog.Profile, req ExecuteRequest) (executor.ExecResult, error) {
	fileName := p.FileNameFor(req.Code)
	files := map[string][]byte{fileName: []byte(req.Code)}
	names := []string{fileName}

	script := "cd " + executor.WorkspaceDir + " && " + p.ExecuteCommand(fileName)[2]
	if req.Input != "" {
		inputName := "input_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12] + ".txt"
		files[inputName] = []byte(req.Input)
		names = append(names, inputName)
		script += " < " + inputName
	}

	if err := e.runtime.WriteFiles(ctx, containerID, executor.WorkspaceDir, files); err != nil {
		return executor.ExecResult{}, err
	}
	defer e.runtime.RemoveFiles(context.WithoutCancel(ctx), containerID, executor.WorkspaceDir, names...)

	return e.runtime.Exec(ctx, containerID, []string{"sh", "-c", script}, executor.ExecOptions{
		Timeout:    p.ExecutionTimeout,
		WorkingDir: executor.WorkspaceDir,
	})
}
