package executor

import (
	"io"
	"time"
)

// Kind labels what a container is used for.
type Kind string

const (
	KindSolo        Kind = "solo"
	KindRoom        Kind = "room"
	KindInteractive Kind = "interactive"
	KindTerminal    Kind = "terminal"
)

const (
	LabelManaged  = "leviathan.managed"
	LabelKind     = "leviathan.kind"
	LabelLanguage = "leviathan.language"
	LabelRoom     = "leviathan.room"
	LabelSession  = "leviathan.session"

	WorkspaceDir     = "/workspace"
	timeoutMarker    = "Execution timed out"
	defaultNetwork   = "none"
	keepAliveCommand = "while true; do sleep 30; done"

	// killedExitCode is what timeout(1) exits with after SIGKILL.
	killedExitCode = 137
	// killGrace is how long past the limit the client waits for the
	// in-container kill to end the exec.
	killGrace = 2 * time.Second
)

// ContainerHandle is the engine's record of a live container.
type ContainerHandle struct {
	ID           string
	ContainerID  string
	Language     string
	Kind         Kind
	Persistent   bool
	RoomID       string
	SessionID    string
	CreatedAt    time.Time
	LastActivity time.Time
	Active       bool
}

// CreateOptions tunes a container beyond its language profile.
type CreateOptions struct {
	Name       string
	Kind       Kind
	Persistent bool
	RoomID     string
	SessionID  string
	// Network defaults to "none".
	Network string
	// Ports are exposed only on bridge networking, e.g. "8080/tcp".
	Ports          []string
	MemoryOverride int64
	CPUOverride    float64
	Env            []string
}

// ExecOptions controls a single blocking exec.
type ExecOptions struct {
	Timeout    time.Duration
	WorkingDir string
	Env        []string
	Stdin      io.Reader
}

// ExecResult is the outcome of an exec. A timeout is reported through
// TimedOut with whatever output arrived before it.
type ExecResult struct {
	ContainerID string
	Stdout      string
	Stderr      string
	ExitCode    int
	Duration    time.Duration
	TimedOut    bool
}

// ManagedContainer is a daemon container carrying the managed label.
type ManagedContainer struct {
	ID       string
	Name     string
	Image    string
	State    string
	Kind     Kind
	Language string
	RoomID   string
	Created  time.Time
}
