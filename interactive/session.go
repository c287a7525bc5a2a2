package interactive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"leviathan/executor"
	"leviathan/internal/socket"
	"leviathan/stream"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const teardownTimeout = 15 * time.Second

type session struct {
	id          string
	language    string
	containerID string
	dir         string
	started     time.Time
	conn        *socket.Conn
	output      *stream.OutputBuffer

	mu     sync.Mutex
	stream io.ReadWriteCloser

	active   atomic.Bool
	cancel   context.CancelFunc
	pumpDone chan struct{}
	once     sync.Once
}

func (s *session) attachment() io.ReadWriteCloser {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

func (c *Channel) fail(conn *socket.Conn, msg string) {
	conn.Emit(EventError, errorPayload{Message: msg})
}

// start creates the container, attaches to it and starts it. The session
// lives until the program exits, the client terminates it or the socket
// behind ctx goes away.
func (c *Channel) start(ctx context.Context, conn *socket.Conn, req startRequest) {
	if strings.TrimSpace(req.Language) == "" || req.Code == "" {
		c.fail(conn, "Language and code are required")
		return
	}
	p, err := c.catalog.Resolve(req.Language)
	if err != nil {
		c.fail(conn, "Unsupported language: "+req.Language)
		return
	}

	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	if !c.reserve(id) {
		c.fail(conn, "Session "+id+" is already running")
		return
	}
	published := false
	defer func() {
		if !published {
			c.release(id)
		}
	}()

	dir, err := os.MkdirTemp(c.cfg.WorkspaceRoot, "interactive-"+id+"-")
	if err != nil {
		c.logger.Error("failed to create workspace", zap.Error(err))
		c.fail(conn, "Failed to start execution")
		return
	}
	fileName := p.FileNameFor(req.Code)
	if err := os.WriteFile(filepath.Join(dir, fileName), []byte(req.Code), 0o644); err != nil {
		os.RemoveAll(dir)
		c.logger.Error("failed to write code file", zap.Error(err))
		c.fail(conn, "Failed to start execution")
		return
	}

	containerID, err := c.runtime.CreateInteractive(ctx, p, executor.InteractiveOptions{
		HostDir:    dir,
		FileName:   fileName,
		Memory:     c.memory,
		MemorySwap: c.memory * 2,
		SessionID:  id,
	})
	if err != nil {
		os.RemoveAll(dir)
		c.logger.Error("failed to create interactive container", zap.String("language", p.ID), zap.Error(err))
		c.fail(conn, err.Error())
		return
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:          id,
		language:    p.ID,
		containerID: containerID,
		dir:         dir,
		started:     c.now(),
		conn:        conn,
		output:      stream.NewOutputBuffer(c.cfg.OutputLimit),
		cancel:      cancel,
		pumpDone:    make(chan struct{}),
	}
	s.active.Store(true)

	c.mu.Lock()
	delete(c.starting, id)
	c.sessions[id] = s
	c.mu.Unlock()
	published = true
	context.AfterFunc(ctx, func() { c.teardown(s) })

	att, err := c.runtime.StartAttached(sessCtx, containerID)
	if err != nil {
		c.logger.Error("failed to start interactive container", zap.String("session", id), zap.Error(err))
		c.fail(conn, err.Error())
		close(s.pumpDone)
		c.teardown(s)
		return
	}
	s.mu.Lock()
	s.stream = att
	s.mu.Unlock()

	if c.registry != nil {
		c.registry.Register(&executor.ContainerHandle{
			ID:          uuid.NewString(),
			ContainerID: containerID,
			Language:    p.ID,
			Kind:        executor.KindInteractive,
			SessionID:   id,
			CreatedAt:   s.started,
		})
	}

	conn.Emit(EventSessionStarted, map[string]string{
		"sessionId": id,
		"language":  p.ID,
		"message":   "Execution environment ready. Your program is running...",
	})
	c.logger.Info("interactive session started",
		zap.String("session", id),
		zap.String("language", p.ID),
		zap.String("container", shortID(containerID)),
	)

	go c.pump(s, att)
	go c.wait(sessCtx, s)
}

// pump forwards sanitized console output until the stream ends.
func (c *Channel) pump(s *session, r io.Reader) {
	defer close(s.pumpDone)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			clean := stream.SanitizeOutput(string(buf[:n]))
			if s.output.Append([]byte(clean)) {
				s.conn.Emit(EventOutput, map[string]string{"type": "warning", "data": "\n[Output truncated - too large]\n"})
			}
			if strings.TrimSpace(clean) != "" {
				s.conn.Emit(EventOutput, map[string]string{"type": "stdout", "data": clean})
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || !s.active.Load() {
				return
			}
			c.logger.Warn("interactive stream failed", zap.String("session", s.id), zap.Error(err))
			s.conn.Emit(EventError, errorPayload{Message: "Container execution error"})
			go c.teardown(s)
			return
		}
	}
}

// wait reports the exit code once the program ends.
func (c *Channel) wait(ctx context.Context, s *session) {
	code, err := c.runtime.Wait(ctx, s.containerID)
	if !s.active.Load() {
		return
	}
	if err != nil {
		c.logger.Warn("interactive wait failed", zap.String("session", s.id), zap.Error(err))
		s.conn.Emit(EventError, errorPayload{Message: "Container monitoring error"})
		c.teardown(s)
		return
	}

	// Let trailing output reach the client before the completion event.
	select {
	case <-s.pumpDone:
	case <-time.After(time.Second):
	}
	s.conn.Emit(EventComplete, map[string]any{
		"sessionId": s.id,
		"exitCode":  code,
		"message":   fmt.Sprintf("Program exited with code %d", code),
	})
	c.teardown(s)
}

func (c *Channel) input(conn *socket.Conn, req inputRequest) {
	c.mu.Lock()
	s, ok := c.sessions[req.SessionID]
	c.mu.Unlock()
	if !ok || !s.active.Load() {
		c.fail(conn, "No active session found")
		return
	}
	att := s.attachment()
	if att == nil {
		c.fail(conn, "No active session found")
		return
	}
	line := stream.SanitizeInput(req.Input, c.cfg.InputLimit) + "\n"
	if _, err := io.WriteString(att, line); err != nil {
		c.logger.Warn("failed to send input", zap.String("session", s.id), zap.Error(err))
		c.fail(conn, "Failed to send input")
	}
}

// teardown runs once per session: close the stream, kill and remove the
// container, then drop the workspace.
func (c *Channel) teardown(s *session) {
	s.once.Do(func() {
		s.active.Store(false)
		s.cancel()

		c.mu.Lock()
		if c.sessions[s.id] == s {
			delete(c.sessions, s.id)
		}
		c.mu.Unlock()

		if att := s.attachment(); att != nil {
			att.Close()
		}

		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if err := c.runtime.Kill(ctx, s.containerID); err != nil {
			c.logger.Debug("kill failed", zap.String("container", shortID(s.containerID)), zap.Error(err))
		}
		if err := c.runtime.Destroy(ctx, s.containerID); err != nil {
			c.logger.Warn("failed to remove interactive container", zap.String("container", shortID(s.containerID)), zap.Error(err))
		} else if c.registry != nil {
			c.registry.DeregisterContainer(s.containerID)
		}
		if err := os.RemoveAll(s.dir); err != nil {
			c.logger.Warn("failed to remove workspace", zap.String("dir", s.dir), zap.Error(err))
		}
		c.logger.Info("interactive session ended", zap.String("session", s.id))
	})
}

// reserve claims id for a start unless a session or another start holds it.
func (c *Channel) reserve(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[id]; ok {
		return false
	}
	if _, ok := c.starting[id]; ok {
		return false
	}
	c.starting[id] = struct{}{}
	return true
}

func (c *Channel) release(id string) {
	c.mu.Lock()
	delete(c.starting, id)
	c.mu.Unlock()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
