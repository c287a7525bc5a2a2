// Package interactive runs programs in one-shot TTY containers and streams
// their console over a WebSocket.
package interactive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"leviathan/catalog"
	"leviathan/executor"
	"leviathan/internal/socket"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Inbound events.
const (
	EventStart     = "start-execution"
	EventInput     = "input"
	EventTerminate = "terminate-session"
)

// Outbound events.
const (
	EventSessionStarted    = "session-started"
	EventOutput            = "output"
	EventComplete          = "execution-complete"
	EventSessionTerminated = "session-terminated"
	EventError             = "error"
)

// Runtime is the slice of the container driver an interactive session
// needs.
type Runtime interface {
	CreateInteractive(ctx context.Context, p catalog.Profile, opts executor.InteractiveOptions) (string, error)
	StartAttached(ctx context.Context, containerID string) (io.ReadWriteCloser, error)
	Wait(ctx context.Context, containerID string) (int64, error)
	Kill(ctx context.Context, containerID string) error
	Destroy(ctx context.Context, containerID string) error
}

// Docker adapts the container manager to Runtime.
type Docker struct {
	*executor.ContainerManager
}

func (d Docker) StartAttached(ctx context.Context, containerID string) (io.ReadWriteCloser, error) {
	a, err := d.ContainerManager.StartAttached(ctx, containerID)
	if err != nil {
		return nil, err
	}
	return a, nil
}

type Config struct {
	WorkspaceRoot  string
	MaxSessionAge  time.Duration
	SweepInterval  time.Duration
	OutputLimit    int
	InputLimit     int
	MemoryLimit    string
	AllowedOrigins []string
}

func (c Config) withDefaults() Config {
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = os.TempDir()
	}
	if c.MaxSessionAge <= 0 {
		c.MaxSessionAge = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.OutputLimit <= 0 {
		c.OutputLimit = 50 * 1024
	}
	if c.InputLimit <= 0 {
		c.InputLimit = 1000
	}
	if c.MemoryLimit == "" {
		c.MemoryLimit = "256m"
	}
	return c
}

// Channel owns every interactive session and the sockets driving them.
type Channel struct {
	cfg      Config
	catalog  *catalog.Catalog
	runtime  Runtime
	registry *executor.Registry
	logger   *zap.Logger
	upgrader websocket.Upgrader
	memory   int64
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	// starting holds ids reserved by a start still provisioning.
	starting map[string]struct{}
}

func NewChannel(cfg Config, cat *catalog.Catalog, rt Runtime, registry *executor.Registry, logger *zap.Logger) (*Channel, error) {
	cfg = cfg.withDefaults()
	memory, err := units.RAMInBytes(cfg.MemoryLimit)
	if err != nil {
		return nil, fmt.Errorf("interactive memory limit %q: %w", cfg.MemoryLimit, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		cfg:      cfg,
		catalog:  cat,
		runtime:  rt,
		registry: registry,
		logger:   logger.Named("interactive"),
		upgrader: socket.Upgrader(cfg.AllowedOrigins),
		memory:   memory,
		now:      time.Now,
		sessions: make(map[string]*session),
		starting: make(map[string]struct{}),
	}, nil
}

type startRequest struct {
	Language  string `json:"language"`
	Code      string `json:"code"`
	SessionID string `json:"sessionId"`
}

type inputRequest struct {
	SessionID string `json:"sessionId"`
	Input     string `json:"input"`
}

type terminateRequest struct {
	SessionID string `json:"sessionId"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// ServeWS upgrades the request and serves events until the peer leaves.
// Sessions started on the socket end with it.
func (c *Channel) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := socket.NewConn(ws, uuid.NewString())
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.logger.Debug("client connected", zap.String("conn", conn.ID()))
	for {
		msg, err := conn.Read()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket read ended", zap.String("conn", conn.ID()), zap.Error(err))
			}
			break
		}
		c.dispatch(ctx, conn, msg)
	}
	c.logger.Debug("client disconnected", zap.String("conn", conn.ID()))
}

func (c *Channel) dispatch(ctx context.Context, conn *socket.Conn, msg socket.Message) {
	switch msg.Event {
	case EventStart:
		var req startRequest
		if err := msg.Bind(&req); err != nil {
			conn.Emit(EventError, errorPayload{Message: "invalid start-execution payload"})
			return
		}
		c.start(ctx, conn, req)
	case EventInput:
		var req inputRequest
		if err := msg.Bind(&req); err != nil {
			conn.Emit(EventError, errorPayload{Message: "invalid input payload"})
			return
		}
		c.input(conn, req)
	case EventTerminate:
		var req terminateRequest
		if err := msg.Bind(&req); err != nil {
			conn.Emit(EventError, errorPayload{Message: "invalid terminate-session payload"})
			return
		}
		c.ForceTerminate(req.SessionID)
		conn.Emit(EventSessionTerminated, map[string]string{"sessionId": req.SessionID})
	default:
		conn.Emit(EventError, errorPayload{Message: fmt.Sprintf("unknown event %q", msg.Event)})
	}
}

// Run sweeps aged sessions until ctx is done.
func (c *Channel) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Sweep tears down sessions older than the maximum age.
func (c *Channel) Sweep() int {
	cutoff := c.now().Add(-c.cfg.MaxSessionAge)
	c.mu.Lock()
	var aged []*session
	for _, s := range c.sessions {
		if s.started.Before(cutoff) {
			aged = append(aged, s)
		}
	}
	c.mu.Unlock()

	for _, s := range aged {
		c.logger.Info("cleaning up expired interactive session", zap.String("session", s.id))
		c.teardown(s)
	}
	return len(aged)
}

// Info describes a live interactive session.
type Info struct {
	ID        string        `json:"id"`
	Language  string        `json:"language"`
	StartTime time.Time     `json:"startTime"`
	IsActive  bool          `json:"isActive"`
	Duration  time.Duration `json:"duration"`
}

func (i Info) MarshalJSON() ([]byte, error) {
	type alias Info
	return json.Marshal(struct {
		alias
		Duration int64 `json:"duration"`
	}{alias(i), i.Duration.Milliseconds()})
}

func (c *Channel) ActiveSessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Channel) SessionInfo(id string) (Info, bool) {
	c.mu.Lock()
	s, ok := c.sessions[id]
	c.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	return Info{
		ID:        s.id,
		Language:  s.language,
		StartTime: s.started,
		IsActive:  s.active.Load(),
		Duration:  c.now().Sub(s.started),
	}, true
}

// ForceTerminate tears a session down and reports whether it existed.
func (c *Channel) ForceTerminate(id string) bool {
	c.mu.Lock()
	s, ok := c.sessions[id]
	c.mu.Unlock()
	if !ok {
		return false
	}
	c.teardown(s)
	return true
}

// Close tears down every session.
func (c *Channel) Close() {
	c.mu.Lock()
	all := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		all = append(all, s)
	}
	c.mu.Unlock()
	for _, s := range all {
		c.teardown(s)
	}
}
