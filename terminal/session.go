package terminal

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"leviathan/executor"
	"leviathan/internal/socket"
	"leviathan/stream"

	"go.uber.org/zap"
)

type userSession struct {
	id          string
	roomID      string
	userID      string
	containerID string
	conn        *socket.Conn
	started     time.Time

	mu    sync.Mutex
	shell io.ReadWriteCloser

	active atomic.Bool
	once   sync.Once
}

func (c *Channel) clean(s string) string {
	return stream.TruncateMessage(stream.SanitizeOutput(s), c.cfg.OutputLimit)
}

// shellFor opens the user's bash on first input and starts its pump.
func (c *Channel) shellFor(s *userSession) (io.ReadWriteCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shell != nil {
		return s.shell, nil
	}
	sh, err := c.runtime.ExecShell(context.Background(), s.containerID, []string{
		"ROOM_ID=" + s.roomID,
		"USER_ID=" + s.userID,
		"TERM=xterm-256color",
	})
	if err != nil {
		return nil, err
	}
	s.shell = sh
	go c.pump(s, sh)
	return sh, nil
}

func (c *Channel) input(conn *socket.Conn, s *userSession, req inputRequest) {
	if s == nil || !s.active.Load() {
		conn.Emit(EventError, errorPayload{Message: "No active terminal session"})
		return
	}
	sh, err := c.shellFor(s)
	if err != nil {
		c.logger.Warn("failed to open terminal shell", zap.String("session", s.id), zap.Error(err))
		conn.Emit(EventError, errorPayload{Message: "Failed to process terminal input", Details: err.Error()})
		return
	}
	if _, err := io.WriteString(sh, req.Input); err != nil {
		conn.Emit(EventError, errorPayload{Message: "Failed to process terminal input", Details: err.Error()})
		return
	}
	c.touch(s.roomID)
}

// pump broadcasts a user's shell output to the whole room.
func (c *Channel) pump(s *userSession, r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if out := c.clean(string(buf[:n])); out != "" {
				c.broadcast(s.roomID, map[string]string{
					"data":      out,
					"sessionId": s.id,
					"userId":    s.userID,
				})
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && s.active.Load() {
				c.logger.Warn("terminal stream failed", zap.String("session", s.id), zap.Error(err))
				s.conn.Emit(EventError, errorPayload{Message: "Terminal connection error", SessionID: s.id})
			}
			return
		}
	}
}

func (c *Channel) broadcast(roomID string, data any) {
	c.mu.Lock()
	t, ok := c.terminals[roomID]
	var conns []*socket.Conn
	if ok {
		for _, s := range t.sessions {
			conns = append(conns, s.conn)
		}
	}
	c.mu.Unlock()

	for _, conn := range conns {
		if err := conn.Emit(EventOutput, data); err != nil {
			c.logger.Debug("failed to deliver terminal output", zap.String("conn", conn.ID()), zap.Error(err))
		}
	}
}

func (c *Channel) listFiles(ctx context.Context, conn *socket.Conn, s *userSession, req listRequest) {
	if s == nil || !s.active.Load() {
		conn.Emit(EventError, errorPayload{Message: "No active session"})
		return
	}
	path := req.Path
	if path == "" {
		path = executor.WorkspaceDir
	}
	res, err := c.runtime.Exec(ctx, s.containerID, []string{"ls", "-la", path}, executor.ExecOptions{Timeout: c.cfg.CommandTimeout})
	if err != nil {
		c.logger.Warn("failed to list files", zap.String("room", s.roomID), zap.Error(err))
		conn.Emit(EventError, errorPayload{Message: "Failed to list files"})
		return
	}
	conn.Emit(EventFileList, map[string]any{
		"path":  path,
		"files": parseFileList(res.Stdout),
	})
}

// disconnect closes the user's shell and removes them from the room.
func (c *Channel) disconnect(s *userSession) {
	s.once.Do(func() {
		s.active.Store(false)
		s.mu.Lock()
		if s.shell != nil {
			s.shell.Close()
		}
		s.mu.Unlock()

		c.mu.Lock()
		delete(c.sessions, s.id)
		if t, ok := c.terminals[s.roomID]; ok {
			delete(t.sessions, s.id)
		}
		c.mu.Unlock()
		c.logger.Info("terminal session disconnected", zap.String("session", s.id), zap.String("room", s.roomID))
	})
}
