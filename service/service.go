package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"leviathan/catalog"
	"leviathan/engine"
	"leviathan/executor"
	"leviathan/internal"
	"leviathan/model"
)

const (
	DefaultMaxCodeLen  = 100000
	DefaultMaxInputLen = 64 * 1024
)

// Engine is the session engine as the transports see it.
type Engine interface {
	InitSolo(ctx context.Context, req engine.SoloRequest) (*engine.SessionView, error)
	InitRoom(ctx context.Context, req engine.RoomRequest) (*engine.SessionView, error)
	JoinRoom(ctx context.Context, roomID, userID, tier string) (*engine.SessionView, error)
	Execute(ctx context.Context, sessionID string, req engine.ExecuteRequest) (*engine.ExecutionResult, error)
	Terminate(ctx context.Context, sessionID string) error
	GetSession(ctx context.Context, sessionID string) (*engine.SessionView, error)
	UserSessions(ctx context.Context, userID string) ([]engine.SessionView, error)
	RoomInfo(ctx context.Context, roomID string) (*engine.RoomInfo, error)
	ListRooms(ctx context.Context, page, limit int, search string) (*engine.RoomListing, error)
	RoomParticipants(ctx context.Context, roomID string) ([]engine.ParticipantView, error)
	TriggerCleanup(ctx context.Context) engine.CleanupReport
	Health(ctx context.Context) (engine.Health, error)
}

// ExecutionService validates transport requests and maps engine results to
// response models. HTTP and NATS share it.
type ExecutionService struct {
	engine      Engine
	catalog     *catalog.Catalog
	maxCodeLen  int
	maxInputLen int
}

func NewExecutionService(eng Engine, cat *catalog.Catalog, maxCodeLen int) *ExecutionService {
	if maxCodeLen <= 0 {
		maxCodeLen = DefaultMaxCodeLen
	}
	return &ExecutionService{
		engine:      eng,
		catalog:     cat,
		maxCodeLen:  maxCodeLen,
		maxInputLen: DefaultMaxInputLen,
	}
}

func invalid(format string, args ...any) error {
	return &engine.PolicyError{Reason: engine.ReasonInvalidRequest, Msg: fmt.Sprintf(format, args...)}
}

func lower(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// InitSession starts a solo session or creates a room, depending on the
// session type. An empty type means solo.
func (s *ExecutionService) InitSession(ctx context.Context, req model.SessionRequest) (*model.SessionResponse, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, invalid("userId is required")
	}
	switch lower(req.SessionType) {
	case "", "solo":
		if lower(req.Language) == "" {
			return nil, invalid("language is required")
		}
		v, err := s.engine.InitSolo(ctx, engine.SoloRequest{
			UserID:   req.UserID,
			Language: lower(req.Language),
			Tier:     req.UserTier,
		})
		if err != nil {
			return nil, err
		}
		return sessionResponse(v), nil
	case "room":
		if strings.TrimSpace(req.RoomName) == "" {
			return nil, invalid("roomName is required")
		}
		languages := make([]string, 0, len(req.Languages)+1)
		for _, l := range req.Languages {
			if l = lower(l); l != "" {
				languages = append(languages, l)
			}
		}
		if len(languages) == 0 && lower(req.Language) != "" {
			languages = append(languages, lower(req.Language))
		}
		if len(languages) == 0 {
			return nil, invalid("at least one language is required")
		}
		if req.MaxUsers < 0 {
			return nil, invalid("maxUsers must not be negative")
		}
		v, err := s.engine.InitRoom(ctx, engine.RoomRequest{
			UserID:    req.UserID,
			RoomName:  strings.TrimSpace(req.RoomName),
			Languages: languages,
			MaxUsers:  req.MaxUsers,
			Tier:      req.UserTier,
		})
		if err != nil {
			return nil, err
		}
		return sessionResponse(v), nil
	default:
		return nil, invalid("sessionType must be solo or room, got %q", req.SessionType)
	}
}

func (s *ExecutionService) JoinRoom(ctx context.Context, roomID string, req model.JoinRequest) (*model.SessionResponse, error) {
	if strings.TrimSpace(roomID) == "" || strings.TrimSpace(req.UserID) == "" {
		return nil, invalid("roomId and userId are required")
	}
	v, err := s.engine.JoinRoom(ctx, roomID, req.UserID, req.UserTier)
	if err != nil {
		return nil, err
	}
	return sessionResponse(v), nil
}

// decode returns the source text of a request, base64 decoded when asked.
func decode(code, encoding string) (string, error) {
	switch lower(encoding) {
	case "", "utf8", "utf-8", "plain":
		return code, nil
	case "base64":
		b, err := base64.StdEncoding.DecodeString(code)
		if err != nil {
			return "", invalid("Failed to decode base64: %v", err)
		}
		return string(b), nil
	default:
		return "", invalid("unsupported encoding %q", encoding)
	}
}

// Execute runs code in a session. Program failures and timeouts come back as
// unsuccessful responses, not errors.
func (s *ExecutionService) Execute(ctx context.Context, sessionID string, req model.ExecutionRequest) (*model.ExecutionResponse, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, invalid("sessionId is required")
	}
	code, err := decode(req.Code, req.Encoding)
	if err != nil {
		return nil, err
	}
	if err := internal.SanitizeCode(code, s.maxCodeLen); err != nil {
		return nil, invalid("%s", err.Error())
	}
	if err := internal.SanitizeInput(req.Input, s.maxInputLen); err != nil {
		return nil, invalid("%s", err.Error())
	}

	res, err := s.engine.Execute(ctx, sessionID, engine.ExecuteRequest{
		Code:     code,
		Input:    req.Input,
		Language: lower(req.Language),
	})
	if err != nil {
		return nil, err
	}
	return executionResponse(res), nil
}

func executionResponse(res *engine.ExecutionResult) *model.ExecutionResponse {
	out := &model.ExecutionResponse{
		Output:        res.Output,
		Error:         res.Error,
		StatusMessage: "Success",
		Success:       res.ExitCode == 0 && !res.TimedOut,
		ExecutionTime: res.ExecutionTime.String(),
		ExecutionMs:   res.ExecutionTime.Milliseconds(),
		ExitCode:      res.ExitCode,
		TimedOut:      res.TimedOut,
		ContainerID:   res.ContainerID,
		Recreated:     res.Recreated,
	}
	switch {
	case res.TimedOut:
		out.StatusMessage = "Execution Timed Out"
	case res.ExitCode != 0:
		out.StatusMessage = "Runtime Error"
	}
	return out
}

func (s *ExecutionService) Terminate(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return invalid("sessionId is required")
	}
	return s.engine.Terminate(ctx, sessionID)
}

func (s *ExecutionService) Session(ctx context.Context, sessionID string) (*model.SessionResponse, error) {
	v, err := s.engine.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sessionResponse(v), nil
}

func (s *ExecutionService) UserSessions(ctx context.Context, userID string) ([]model.SessionResponse, error) {
	views, err := s.engine.UserSessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]model.SessionResponse, 0, len(views))
	for i := range views {
		out = append(out, *sessionResponse(&views[i]))
	}
	return out, nil
}

func (s *ExecutionService) Room(ctx context.Context, roomID string) (*model.RoomResponse, error) {
	info, err := s.engine.RoomInfo(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return &model.RoomResponse{
		ID:           info.ID,
		Name:         info.Name,
		Language:     info.Language,
		Languages:    info.Languages,
		CreatorID:    info.CreatorID,
		MaxUsers:     info.MaxUsers,
		CurrentUsers: info.CurrentUsers,
		ResourceTier: info.ResourceTier,
		ContainerID:  info.ContainerID,
		ExpiresAt:    info.ExpiresAt,
		CreatedAt:    info.CreatedAt,
		Participants: participants(info.Participants),
	}, nil
}

func (s *ExecutionService) ListRooms(ctx context.Context, page, limit int, search string) (*model.RoomList, error) {
	listing, err := s.engine.ListRooms(ctx, page, limit, strings.TrimSpace(search))
	if err != nil {
		return nil, err
	}
	out := &model.RoomList{
		Rooms: make([]model.RoomSummary, 0, len(listing.Rooms)),
		Total: listing.Total,
		Page:  listing.Page,
		Limit: listing.Limit,
	}
	for _, r := range listing.Rooms {
		out.Rooms = append(out.Rooms, model.RoomSummary{
			ID:           r.ID,
			Name:         r.Name,
			Language:     r.Language,
			Languages:    r.Languages,
			CreatorID:    r.CreatorID,
			MaxUsers:     r.MaxUsers,
			Participants: r.Participants,
			ExpiresAt:    r.ExpiresAt,
			CreatedAt:    r.CreatedAt,
		})
	}
	return out, nil
}

func (s *ExecutionService) Participants(ctx context.Context, roomID string) ([]model.Participant, error) {
	views, err := s.engine.RoomParticipants(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return participants(views), nil
}

// Languages lists active profiles, filtered to a tier when one is given.
func (s *ExecutionService) Languages(tier string) []model.Language {
	profiles := s.catalog.Active()
	if strings.TrimSpace(tier) != "" {
		profiles = s.catalog.AllowedForTier(catalog.NormalizeTier(tier))
	}
	out := make([]model.Language, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, model.Language{
			ID:              p.ID,
			Name:            p.Name,
			FileExtension:   p.FileExtension,
			ResourceCost:    string(p.Cost),
			TimeoutMs:       p.ExecutionTimeout.Milliseconds(),
			SupportsPackage: p.PackageInstallCommand != "",
		})
	}
	return out
}

func (s *ExecutionService) Cleanup(ctx context.Context) model.CleanupResponse {
	r := s.engine.TriggerCleanup(ctx)
	return model.CleanupResponse{
		ExpiredSessions:   r.Expired.Sessions,
		ExpiredRooms:      r.Expired.Rooms,
		ContainersRemoved: r.Expired.Containers,
		SoloCleaned:       r.Solo,
		PendingReaped:     r.Pending,
		Skipped:           r.Expired.Skipped,
	}
}

func (s *ExecutionService) Health(ctx context.Context) (engine.Health, error) {
	return s.engine.Health(ctx)
}

func sessionResponse(v *engine.SessionView) *model.SessionResponse {
	return &model.SessionResponse{
		SessionID:      v.SessionID,
		UserID:         v.UserID,
		Language:       v.Language,
		SessionType:    string(v.SessionType),
		RoomID:         v.RoomID,
		ContainerID:    v.ContainerID,
		Status:         v.Status,
		ResourceTier:   v.ResourceTier,
		ExpiresAt:      v.ExpiresAt,
		CreatedAt:      v.CreatedAt,
		LastExecutedAt: v.LastExecutedAt,
	}
}

func participants(views []engine.ParticipantView) []model.Participant {
	out := make([]model.Participant, 0, len(views))
	for _, p := range views {
		out = append(out, model.Participant{
			UserID:     p.UserID,
			Role:       p.Role,
			JoinedAt:   p.JoinedAt,
			LastActive: p.LastActive,
			SessionID:  p.SessionID,
		})
	}
	return out
}

// Failure reasons beyond the engine's policy reasons.
const (
	ReasonNotFound    = "not_found"
	ReasonUnavailable = "container_unavailable"
	ReasonInternal    = "internal"
)

// Reason classifies an error returned by the service.
func Reason(err error) string {
	var pe *engine.PolicyError
	var prov *executor.ProvisioningError
	switch {
	case errors.As(err, &pe):
		return pe.Reason
	case errors.Is(err, engine.ErrSessionNotFound), errors.Is(err, engine.ErrRoomNotFound):
		return ReasonNotFound
	case errors.As(err, &prov):
		return ReasonUnavailable
	default:
		return ReasonInternal
	}
}

// Message is the client-facing text for an error.
func Message(err error) string {
	switch Reason(err) {
	case ReasonUnavailable:
		return "container unavailable"
	case ReasonInternal:
		return "internal error"
	default:
		return err.Error()
	}
}
