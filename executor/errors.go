package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/docker/docker/errdefs"
)

// StaleKind says why a container reference can no longer be used.
type StaleKind int

const (
	StaleOther StaleKind = iota
	StaleNotFound
	StaleNotRunning
	StaleTimeout
)

func (k StaleKind) String() string {
	switch k {
	case StaleNotFound:
		return "not_found"
	case StaleNotRunning:
		return "not_running"
	case StaleTimeout:
		return "timeout"
	default:
		return "other"
	}
}

// StaleContainerError is returned when the daemon rejects an operation on
// a container that vanished or stopped underneath a session.
type StaleContainerError struct {
	ContainerID string
	Op          string
	Kind        StaleKind
	Err         error
}

func (e *StaleContainerError) Error() string {
	return fmt.Sprintf("container %s %s (%s): %v", shortID(e.ContainerID), e.Op, e.Kind, e.Err)
}

func (e *StaleContainerError) Unwrap() error { return e.Err }

// Recoverable reports whether recreating the container can fix the failure.
func (e *StaleContainerError) Recoverable() bool {
	return e.Kind == StaleNotFound || e.Kind == StaleNotRunning
}

// ProvisioningError means a container could not be created or started.
type ProvisioningError struct {
	Op  string
	Err error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("container unavailable: %s: %v", e.Op, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// StreamError ends a single exec or attached session.
type StreamError struct {
	Op  string
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream %s: %v", e.Op, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// ErrDisconnected is returned while the daemon is unreachable.
var ErrDisconnected = errors.New("container daemon not connected")

// IsRecoverable reports whether err is a stale container error that a
// recreate can fix.
func IsRecoverable(err error) bool {
	var stale *StaleContainerError
	return errors.As(err, &stale) && stale.Recoverable()
}

func classify(containerID, op string, err error) error {
	if err == nil {
		return nil
	}
	kind := StaleOther
	switch {
	case errdefs.IsNotFound(err):
		kind = StaleNotFound
	case errdefs.IsConflict(err), strings.Contains(err.Error(), "is not running"):
		kind = StaleNotRunning
	case errors.Is(err, context.DeadlineExceeded):
		kind = StaleTimeout
	}
	return &StaleContainerError{ContainerID: containerID, Op: op, Kind: kind, Err: err}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
