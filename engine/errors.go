package engine

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound = errors.New("session not found or expired")
	ErrRoomNotFound    = errors.New("room not found or expired")
	ErrRoomFull        = errors.New("room is full")
	ErrTierDenied      = errors.New("language not available for tier")
)

// Policy reasons.
const (
	ReasonUnsupportedLanguage = "unsupported_language"
	ReasonTierDenied          = "tier_denied"
	ReasonRoomFull            = "room_full"
	ReasonLanguageNotInRoom   = "language_not_in_room"
	ReasonInvalidRequest      = "invalid_request"
	ReasonBusy                = "busy"
)

// PolicyError rejects a request before any container work happens.
type PolicyError struct {
	Reason string
	Msg    string
}

func (e *PolicyError) Error() string { return e.Msg }

// Is matches the sentinel for the reason so callers can use errors.Is.
func (e *PolicyError) Is(target error) bool {
	switch target {
	case ErrRoomFull:
		return e.Reason == ReasonRoomFull
	case ErrTierDenied:
		return e.Reason == ReasonTierDenied
	}
	return false
}

func policy(reason, format string, args ...any) *PolicyError {
	return &PolicyError{Reason: reason, Msg: fmt.Sprintf(format, args...)}
}
