package model

import "time"

// SessionRequest starts a solo session or creates a room.
type SessionRequest struct {
	SessionType string   `json:"sessionType"`
	UserID      string   `json:"userId" binding:"required"`
	Language    string   `json:"language"`
	Languages   []string `json:"languages"`
	RoomName    string   `json:"roomName"`
	MaxUsers    int      `json:"maxUsers"`
	UserTier    string   `json:"userTier"`
}

// JoinRequest adds a user to a room.
type JoinRequest struct {
	UserID   string `json:"userId" binding:"required"`
	UserTier string `json:"userTier"`
}

// ExecutionRequest represents the request structure for code execution
type ExecutionRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	Code      string `json:"code" binding:"required"`
	Input     string `json:"input,omitempty"`
	Language  string `json:"language,omitempty"`
	Encoding  string `json:"encoding,omitempty"`
}

// ExecutionResponse represents the response structure for executed code
type ExecutionResponse struct {
	Output        string `json:"output"`
	Error         string `json:"error,omitempty"`
	StatusMessage string `json:"status_message"`
	Success       bool   `json:"success"`
	ExecutionTime string `json:"execution_time,omitempty"`
	ExecutionMs   int64  `json:"executionTimeMs"`
	ExitCode      int    `json:"exitCode"`
	TimedOut      bool   `json:"timedOut,omitempty"`
	ContainerID   string `json:"containerId,omitempty"`
	Recreated     bool   `json:"recreated,omitempty"`
}

type SessionResponse struct {
	SessionID      string     `json:"sessionId"`
	UserID         string     `json:"userId"`
	Language       string     `json:"language"`
	SessionType    string     `json:"sessionType"`
	RoomID         string     `json:"roomId,omitempty"`
	ContainerID    string     `json:"containerId,omitempty"`
	Status         string     `json:"status"`
	ResourceTier   string     `json:"resourceTier"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastExecutedAt *time.Time `json:"lastExecutedAt,omitempty"`
}

type Participant struct {
	UserID     string    `json:"userId"`
	Role       string    `json:"role"`
	JoinedAt   time.Time `json:"joinedAt"`
	LastActive time.Time `json:"lastActive"`
	SessionID  string    `json:"sessionId,omitempty"`
}

type RoomResponse struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Language     string        `json:"language"`
	Languages    []string      `json:"languages"`
	CreatorID    string        `json:"creatorId"`
	MaxUsers     int           `json:"maxUsers"`
	CurrentUsers int           `json:"currentUsers"`
	ResourceTier string        `json:"resourceTier"`
	ContainerID  string        `json:"containerId,omitempty"`
	ExpiresAt    time.Time     `json:"expiresAt"`
	CreatedAt    time.Time     `json:"createdAt"`
	Participants []Participant `json:"participants,omitempty"`
}

type RoomSummary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Language     string    `json:"language"`
	Languages    []string  `json:"languages"`
	CreatorID    string    `json:"creatorId"`
	MaxUsers     int       `json:"maxUsers"`
	Participants int64     `json:"participants"`
	ExpiresAt    time.Time `json:"expiresAt"`
	CreatedAt    time.Time `json:"createdAt"`
}

type RoomList struct {
	Rooms []RoomSummary `json:"rooms"`
	Total int64         `json:"total"`
	Page  int           `json:"page"`
	Limit int           `json:"limit"`
}

type Language struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	FileExtension   string `json:"fileExtension"`
	ResourceCost    string `json:"resourceCost"`
	TimeoutMs       int64  `json:"timeoutMs"`
	SupportsPackage bool   `json:"supportsPackages"`
}

type CleanupResponse struct {
	ExpiredSessions   int  `json:"expiredSessions"`
	ExpiredRooms      int  `json:"expiredRooms"`
	ContainersRemoved int  `json:"containersRemoved"`
	SoloCleaned       int  `json:"soloCleaned"`
	PendingReaped     int  `json:"pendingReaped"`
	Skipped           bool `json:"skipped,omitempty"`
}

type HealthResponse struct {
	Status         string `json:"status"`
	Docker         bool   `json:"docker"`
	DockerHost     string `json:"dockerHost,omitempty"`
	ActiveSessions int64  `json:"activeSessions"`
	ActiveRooms    int64  `json:"activeRooms"`
	Containers     int    `json:"containers"`
	Interactive    int    `json:"interactiveSessions"`
	RoomTerminals  int    `json:"roomTerminals"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
	Success bool   `json:"success"`
}
