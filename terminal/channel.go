// Package terminal serves one shared shell container per room. Every
// member gets their own bash inside it and sees everyone's output.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"leviathan/executor"
	"leviathan/internal/socket"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Inbound events.
const (
	EventJoin      = "join-room-terminal"
	EventInput     = "terminal-input"
	EventListFiles = "list-files"
)

// Outbound events.
const (
	EventReady    = "terminal-ready"
	EventOutput   = "terminal-output"
	EventFileList = "file-list"
	EventError    = "terminal-error"
)

var ErrTerminalNotFound = errors.New("room terminal not found")

// Runtime is the slice of the container driver the terminal needs.
type Runtime interface {
	CreateShell(ctx context.Context, opts executor.ShellOptions) (string, error)
	ExecShell(ctx context.Context, containerID string, env []string) (io.ReadWriteCloser, error)
	Exec(ctx context.Context, containerID string, cmd []string, opts executor.ExecOptions) (executor.ExecResult, error)
	Destroy(ctx context.Context, containerID string) error
}

// Docker adapts the container manager to Runtime.
type Docker struct {
	*executor.ContainerManager
}

func (d Docker) ExecShell(ctx context.Context, containerID string, env []string) (io.ReadWriteCloser, error) {
	a, err := d.ContainerManager.ExecShell(ctx, containerID, env)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Rooms checks membership and records the terminal container.
type Rooms interface {
	IsParticipant(ctx context.Context, roomID, userID string) (bool, error)
	UpdateRoomTerminal(ctx context.Context, roomID, containerID string) error
}

type Config struct {
	Image          string
	Network        string
	MemoryLimit    string
	MemorySwap     string
	CPUs           float64
	OutputLimit    int
	SessionMaxAge  time.Duration
	SessionSweep   time.Duration
	RoomIdle       time.Duration
	RoomSweep      time.Duration
	CommandTimeout time.Duration
	AllowedOrigins []string
}

func (c Config) withDefaults() Config {
	if c.Image == "" {
		c.Image = "code-editor-shared:latest"
	}
	if c.Network == "" {
		c.Network = "none"
	}
	if c.MemoryLimit == "" {
		c.MemoryLimit = "1g"
	}
	if c.MemorySwap == "" {
		c.MemorySwap = "2g"
	}
	if c.CPUs <= 0 {
		c.CPUs = 2
	}
	if c.OutputLimit <= 0 {
		c.OutputLimit = 50 * 1024
	}
	if c.SessionMaxAge <= 0 {
		c.SessionMaxAge = 30 * time.Minute
	}
	if c.SessionSweep <= 0 {
		c.SessionSweep = 5 * time.Minute
	}
	if c.RoomIdle <= 0 {
		c.RoomIdle = time.Hour
	}
	if c.RoomSweep <= 0 {
		c.RoomSweep = 30 * time.Minute
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 10 * time.Second
	}
	return c
}

// roomTerminal is the shared container of a room. ready closes once the
// container exists or creation failed.
type roomTerminal struct {
	roomID       string
	containerID  string
	createdAt    time.Time
	lastActivity time.Time
	sessions     map[string]*userSession
	ready        chan struct{}
	err          error
}

type Channel struct {
	cfg        Config
	runtime    Runtime
	rooms      Rooms
	logger     *zap.Logger
	upgrader   websocket.Upgrader
	memory     int64
	memorySwap int64
	now        func() time.Time

	mu        sync.Mutex
	terminals map[string]*roomTerminal
	sessions  map[string]*userSession
}

func NewChannel(cfg Config, rt Runtime, rooms Rooms, logger *zap.Logger) (*Channel, error) {
	cfg = cfg.withDefaults()
	memory, err := units.RAMInBytes(cfg.MemoryLimit)
	if err != nil {
		return nil, fmt.Errorf("terminal memory limit %q: %w", cfg.MemoryLimit, err)
	}
	swap, err := units.RAMInBytes(cfg.MemorySwap)
	if err != nil {
		return nil, fmt.Errorf("terminal memory swap %q: %w", cfg.MemorySwap, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		cfg:        cfg,
		runtime:    rt,
		rooms:      rooms,
		logger:     logger.Named("terminal"),
		upgrader:   socket.Upgrader(cfg.AllowedOrigins),
		memory:     memory,
		memorySwap: swap,
		now:        time.Now,
		terminals:  make(map[string]*roomTerminal),
		sessions:   make(map[string]*userSession),
	}, nil
}

type joinRequest struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type inputRequest struct {
	SessionID string `json:"sessionId"`
	Input     string `json:"input"`
}

type listRequest struct {
	Path string `json:"path"`
}

type errorPayload struct {
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// ServeWS upgrades the request and serves terminal events. A socket holds
// at most one terminal session, dropped when the socket closes.
func (c *Channel) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := socket.NewConn(ws, uuid.NewString())
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var current *userSession
	defer func() {
		if current != nil {
			c.disconnect(current)
		}
	}()

	for {
		msg, err := conn.Read()
		if err != nil {
			break
		}
		switch msg.Event {
		case EventJoin:
			var req joinRequest
			if err := msg.Bind(&req); err != nil {
				conn.Emit(EventError, errorPayload{Message: "invalid join payload"})
				continue
			}
			s := c.join(ctx, conn, req)
			if s != nil {
				if current != nil {
					c.disconnect(current)
				}
				current = s
			}
		case EventInput:
			var req inputRequest
			if err := msg.Bind(&req); err != nil {
				conn.Emit(EventError, errorPayload{Message: "invalid input payload"})
				continue
			}
			c.input(conn, current, req)
		case EventListFiles:
			var req listRequest
			if err := msg.Bind(&req); err != nil {
				conn.Emit(EventError, errorPayload{Message: "invalid list-files payload"})
				continue
			}
			c.listFiles(ctx, conn, current, req)
		default:
			conn.Emit(EventError, errorPayload{Message: fmt.Sprintf("unknown event %q", msg.Event)})
		}
	}
}

func (c *Channel) join(ctx context.Context, conn *socket.Conn, req joinRequest) *userSession {
	if req.RoomID == "" || req.UserID == "" {
		conn.Emit(EventError, errorPayload{Message: "Room ID and User ID are required"})
		return nil
	}
	ok, err := c.rooms.IsParticipant(ctx, req.RoomID, req.UserID)
	if err != nil {
		c.logger.Warn("failed to verify room access", zap.String("room", req.RoomID), zap.Error(err))
	}
	if err != nil || !ok {
		conn.Emit(EventError, errorPayload{Message: "Access denied to room"})
		return nil
	}

	t, err := c.terminal(ctx, req.RoomID)
	if err != nil {
		c.logger.Error("failed to create room terminal", zap.String("room", req.RoomID), zap.Error(err))
		conn.Emit(EventError, errorPayload{Message: "Failed to join room terminal", Details: err.Error()})
		return nil
	}

	s := &userSession{
		id:          uuid.NewString(),
		roomID:      req.RoomID,
		userID:      req.UserID,
		containerID: t.containerID,
		conn:        conn,
		started:     c.now(),
	}
	s.active.Store(true)

	c.mu.Lock()
	t.sessions[s.id] = s
	t.lastActivity = c.now()
	c.sessions[s.id] = s
	c.mu.Unlock()

	conn.Emit(EventReady, map[string]string{
		"sessionId": s.id,
		"roomId":    req.RoomID,
		"message":   "Terminal connected. You can now run commands.",
	})
	conn.Emit(EventOutput, map[string]string{
		"data":      fmt.Sprintf("Welcome to shared coding environment!\nRoom: %s\nUser: %s\n$ ", req.RoomID, req.UserID),
		"sessionId": s.id,
	})
	c.logger.Info("user joined room terminal", zap.String("room", req.RoomID), zap.String("user", req.UserID), zap.String("session", s.id))
	return s
}

// terminal returns the room's shell container, creating it on first use.
// Concurrent joiners wait for the same creation.
func (c *Channel) terminal(ctx context.Context, roomID string) (*roomTerminal, error) {
	c.mu.Lock()
	if t, ok := c.terminals[roomID]; ok {
		c.mu.Unlock()
		<-t.ready
		if t.err != nil {
			return nil, t.err
		}
		return t, nil
	}
	t := &roomTerminal{
		roomID:   roomID,
		sessions: make(map[string]*userSession),
		ready:    make(chan struct{}),
	}
	c.terminals[roomID] = t
	c.mu.Unlock()

	id, err := c.runtime.CreateShell(ctx, executor.ShellOptions{
		Name:       fmt.Sprintf("shared-room-%s-%d", roomID, c.now().UnixMilli()),
		Image:      c.cfg.Image,
		RoomID:     roomID,
		Memory:     c.memory,
		MemorySwap: c.memorySwap,
		CPUs:       c.cfg.CPUs,
		Network:    c.cfg.Network,
	})
	if err == nil {
		if perr := c.rooms.UpdateRoomTerminal(ctx, roomID, id); perr != nil {
			c.logger.Warn("failed to record terminal container", zap.String("room", roomID), zap.Error(perr))
		}
	}

	c.mu.Lock()
	if err != nil {
		t.err = err
		delete(c.terminals, roomID)
	} else {
		t.containerID = id
		t.createdAt = c.now()
		t.lastActivity = t.createdAt
	}
	c.mu.Unlock()
	close(t.ready)

	if err != nil {
		return nil, err
	}
	c.logger.Info("room terminal created", zap.String("room", roomID), zap.String("container", shortID(id)))
	return t, nil
}

// Run drives both sweeps until ctx is done.
func (c *Channel) Run(ctx context.Context) {
	sessions := time.NewTicker(c.cfg.SessionSweep)
	defer sessions.Stop()
	rooms := time.NewTicker(c.cfg.RoomSweep)
	defer rooms.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sessions.C:
			c.SweepSessions()
		case <-rooms.C:
			c.SweepRooms(ctx)
		}
	}
}

// SweepSessions disconnects user sessions older than the maximum age.
func (c *Channel) SweepSessions() int {
	cutoff := c.now().Add(-c.cfg.SessionMaxAge)
	c.mu.Lock()
	var aged []*userSession
	for _, s := range c.sessions {
		if s.started.Before(cutoff) {
			aged = append(aged, s)
		}
	}
	c.mu.Unlock()

	for _, s := range aged {
		s.conn.Emit(EventError, errorPayload{Message: "Terminal session expired", SessionID: s.id})
		c.disconnect(s)
	}
	return len(aged)
}

// SweepRooms removes terminals nobody is attached to that have been idle
// past the limit.
func (c *Channel) SweepRooms(ctx context.Context) int {
	cutoff := c.now().Add(-c.cfg.RoomIdle)
	c.mu.Lock()
	var idle []*roomTerminal
	for id, t := range c.terminals {
		if t.containerID == "" || len(t.sessions) > 0 || !t.lastActivity.Before(cutoff) {
			continue
		}
		delete(c.terminals, id)
		idle = append(idle, t)
	}
	c.mu.Unlock()

	removed := 0
	for _, t := range idle {
		if err := c.runtime.Destroy(ctx, t.containerID); err != nil {
			c.logger.Warn("failed to remove room terminal", zap.String("room", t.roomID), zap.Error(err))
			continue
		}
		if err := c.rooms.UpdateRoomTerminal(ctx, t.roomID, ""); err != nil {
			c.logger.Warn("failed to clear terminal container", zap.String("room", t.roomID), zap.Error(err))
		}
		removed++
		c.logger.Info("cleaned up unused room terminal", zap.String("room", t.roomID))
	}
	return removed
}

// RoomTerminalInfo describes a room's shared terminal.
type RoomTerminalInfo struct {
	RoomID         string    `json:"roomId"`
	ContainerID    string    `json:"containerId"`
	ActiveSessions int       `json:"activeSessions"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivity   time.Time `json:"lastActivity"`
}

func (c *Channel) ActiveRoomTerminals() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.terminals))
	for id, t := range c.terminals {
		if t.containerID != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (c *Channel) RoomTerminalInfo(roomID string) (RoomTerminalInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.terminals[roomID]
	if !ok || t.containerID == "" {
		return RoomTerminalInfo{}, false
	}
	return RoomTerminalInfo{
		RoomID:         t.roomID,
		ContainerID:    t.containerID,
		ActiveSessions: len(t.sessions),
		CreatedAt:      t.createdAt,
		LastActivity:   t.lastActivity,
	}, true
}

// ExecuteCommand runs a one-off bash command in the room's terminal and
// returns its sanitized combined output.
func (c *Channel) ExecuteCommand(ctx context.Context, roomID, command string) (string, error) {
	c.mu.Lock()
	t, ok := c.terminals[roomID]
	c.mu.Unlock()
	if !ok || t.containerID == "" {
		return "", ErrTerminalNotFound
	}
	res, err := c.runtime.Exec(ctx, t.containerID, []string{"/bin/bash", "-c", command}, executor.ExecOptions{
		Timeout:    c.cfg.CommandTimeout,
		WorkingDir: executor.WorkspaceDir,
	})
	if err != nil {
		return "", fmt.Errorf("execute in room terminal: %w", err)
	}
	c.touch(roomID)
	return c.clean(res.Stdout + res.Stderr), nil
}

// Close ends every session and removes every room terminal.
func (c *Channel) Close(ctx context.Context) {
	c.mu.Lock()
	sessions := make([]*userSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	terminals := make([]*roomTerminal, 0, len(c.terminals))
	for _, t := range c.terminals {
		terminals = append(terminals, t)
	}
	c.terminals = make(map[string]*roomTerminal)
	c.mu.Unlock()

	for _, s := range sessions {
		c.disconnect(s)
	}
	for _, t := range terminals {
		if t.containerID == "" {
			continue
		}
		if err := c.runtime.Destroy(ctx, t.containerID); err != nil {
			c.logger.Warn("failed to remove room terminal", zap.String("room", t.roomID), zap.Error(err))
		}
	}
}

func (c *Channel) touch(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.terminals[roomID]; ok {
		t.lastActivity = c.now()
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
