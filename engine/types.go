package engine

import (
	"context"
	"time"

	"leviathan/catalog"
	"leviathan/executor"
	"leviathan/store"

	"go.uber.org/zap/zapcore"
)

// Runtime is the part of the container driver the engine drives.
type Runtime interface {
	Create(ctx context.Context, p catalog.Profile, opts executor.CreateOptions) (*executor.ContainerHandle, error)
	RunSetup(ctx context.Context, h *executor.ContainerHandle, p catalog.Profile, packages []string)
	Prime(ctx context.Context, h *executor.ContainerHandle, p catalog.Profile)
	Exec(ctx context.Context, containerID string, cmd []string, opts executor.ExecOptions) (executor.ExecResult, error)
	WriteFiles(ctx context.Context, containerID, dir string, files map[string][]byte) error
	RemoveFiles(ctx context.Context, containerID, dir string, names ...string)
	VerifyRunning(ctx context.Context, containerID string) bool
	Destroy(ctx context.Context, containerID string) error
}

// Store is the persistence the engine needs. *store.Store implements it.
type Store interface {
	CreateSession(ctx context.Context, s *store.Session) error
	GetSession(ctx context.Context, id string) (*store.Session, error)
	GetActiveSession(ctx context.Context, id string, now time.Time) (*store.Session, error)
	UpdateSessionContainer(ctx context.Context, id, containerID string) error
	MarkExecuted(ctx context.Context, id string, at time.Time) error
	DeactivateSession(ctx context.Context, id string) error
	DeactivateSessions(ctx context.Context, ids []string) (int64, error)
	DeactivateRoomSessions(ctx context.Context, roomID string) (int64, error)
	UserActiveSessions(ctx context.Context, userID string, now time.Time) ([]store.Session, error)
	FindActiveRoomSession(ctx context.Context, roomID, userID string, now time.Time) (*store.Session, error)
	ActiveRoomSessions(ctx context.Context, roomID string) ([]store.Session, error)
	CountOtherActiveRoomSessions(ctx context.Context, roomID, sessionID string) (int64, error)
	ExpiredSessions(ctx context.Context, now time.Time) ([]store.Session, error)
	DeactivateExpiredSessions(ctx context.Context, now time.Time) (int64, error)
	SoloSessionsExpiringBefore(ctx context.Context, cutoff time.Time) ([]store.Session, error)
	CountActiveSessions(ctx context.Context) (int64, error)

	CreateRoom(ctx context.Context, room *store.Room, languages []string, ownerID string) error
	GetRoom(ctx context.Context, id string) (*store.Room, error)
	GetActiveRoom(ctx context.Context, id string, now time.Time) (*store.Room, error)
	IsRoomActive(ctx context.Context, id string, now time.Time) (bool, error)
	UpdateRoomContainer(ctx context.Context, id, containerID string) error
	DeactivateRoom(ctx context.Context, id string) error
	ExpiredRooms(ctx context.Context, now time.Time) ([]store.Room, error)
	DeactivateExpiredRooms(ctx context.Context, now time.Time) (int64, error)
	ListActiveRooms(ctx context.Context, q store.RoomQuery) ([]store.RoomSummary, int64, error)
	CountActiveRooms(ctx context.Context) (int64, error)

	AddParticipant(ctx context.Context, roomID, userID, role string) error
	IsParticipant(ctx context.Context, roomID, userID string) (bool, error)
	ListParticipants(ctx context.Context, roomID string) ([]store.Participant, error)
	CountParticipants(ctx context.Context, roomID string) (int64, error)
	TouchParticipant(ctx context.Context, roomID, userID string, at time.Time) error
	RoomLanguages(ctx context.Context, roomID string) ([]store.RoomLanguage, error)
	SetRoomLanguageContainer(ctx context.Context, roomID, language, containerID string) error

	SchedulePendingCleanup(ctx context.Context, sessionID, containerID string, dueAt time.Time) error
	DuePendingCleanups(ctx context.Context, now time.Time, limit int) ([]store.PendingCleanup, error)
	DeletePendingCleanup(ctx context.Context, sessionID string) error
}

// Events receives lifecycle transitions.
type Events interface {
	Publish(ctx context.Context, ev Event)
}

// Auditor records lifecycle transitions against a trace id.
type Auditor interface {
	Log(level zapcore.Level, traceID string, message string, attributes map[string]any, layer string, err error)
}

// Event types.
const (
	EventSessionCreated     = "session.created"
	EventSessionJoined      = "session.joined"
	EventSessionTerminated  = "session.terminated"
	EventSessionExpired     = "session.expired"
	EventRoomCreated        = "room.created"
	EventRoomClosed         = "room.closed"
	EventContainerRecreated = "container.recreated"
	EventExecutionCompleted = "execution.completed"
)

// Event is one lifecycle transition.
type Event struct {
	Type        string         `json:"type"`
	SessionID   string         `json:"sessionId,omitempty"`
	RoomID      string         `json:"roomId,omitempty"`
	UserID      string         `json:"userId,omitempty"`
	Language    string         `json:"language,omitempty"`
	ContainerID string         `json:"containerId,omitempty"`
	Time        time.Time      `json:"time"`
	Data        map[string]any `json:"data,omitempty"`
}

// Session statuses.
const (
	StatusInitializing = "initializing"
	StatusReady        = "ready"
	StatusExpired      = "expired"
	StatusTerminated   = "terminated"
)

type SoloRequest struct {
	UserID   string
	Language string
	Tier     string
}

type RoomRequest struct {
	UserID    string
	RoomName  string
	Languages []string
	MaxUsers  int
	Tier      string
}

type ExecuteRequest struct {
	Code     string
	Input    string
	Language string
}

// SessionView is what callers see of a session.
type SessionView struct {
	SessionID      string
	UserID         string
	Language       string
	SessionType    store.SessionKind
	RoomID         string
	ContainerID    string
	Status         string
	ResourceTier   string
	ExpiresAt      time.Time
	CreatedAt      time.Time
	LastExecutedAt *time.Time
}

// ExecutionResult is the outcome of Execute. Program failures and timeouts
// are results, not errors.
type ExecutionResult struct {
	Output        string
	Error         string
	ExecutionTime time.Duration
	ContainerID   string
	ExitCode      int
	TimedOut      bool
	Recreated     bool
}

type ParticipantView struct {
	UserID     string
	Role       string
	JoinedAt   time.Time
	LastActive time.Time
	SessionID  string
}

type RoomInfo struct {
	ID           string
	Name         string
	Language     string
	Languages    []string
	CreatorID    string
	MaxUsers     int
	ResourceTier string
	ContainerID  string
	ExpiresAt    time.Time
	CreatedAt    time.Time
	CurrentUsers int
	Participants []ParticipantView
}

type RoomListing struct {
	Rooms []store.RoomSummary
	Total int64
	Page  int
	Limit int
}

// SweepReport counts what one sweep cleaned.
type SweepReport struct {
	Sessions   int
	Rooms      int
	Containers int
	Skipped    bool
}

// CleanupReport is returned by TriggerCleanup.
type CleanupReport struct {
	Expired SweepReport
	Solo    int
	Pending int
}

// Health summarizes engine state.
type Health struct {
	ActiveSessions int64
	ActiveRooms    int64
	Containers     int
}
