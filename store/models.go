package store

import "time"

// SessionKind distinguishes exclusive sessions from room sessions.
type SessionKind string

const (
	SessionSolo SessionKind = "solo"
	SessionRoom SessionKind = "room"
)

// Participant roles.
const (
	RoleOwner       = "owner"
	RoleParticipant = "participant"
)

// Session is one user's execution context.
type Session struct {
	ID             string      `gorm:"primaryKey;column:id"`
	UserID         string      `gorm:"index;column:user_id;not null"`
	Language       string      `gorm:"column:language;not null"`
	Kind           SessionKind `gorm:"column:session_type;not null"`
	RoomID         *string     `gorm:"index;column:room_id"`
	ContainerID    *string     `gorm:"column:container_id"`
	ResourceTier   string      `gorm:"column:resource_tier"`
	ExpiresAt      time.Time   `gorm:"index;column:expires_at"`
	IsActive       bool        `gorm:"index;column:is_active"`
	LastExecutedAt *time.Time  `gorm:"column:last_executed_at"`
	CreatedAt      time.Time   `gorm:"column:created_at"`
}

func (Session) TableName() string { return "sessions" }

// Room is a shared multi-user context.
type Room struct {
	ID                  string    `gorm:"primaryKey;column:id"`
	Name                string    `gorm:"column:name;not null"`
	Language            string    `gorm:"column:language;not null"`
	CreatorID           string    `gorm:"index;column:creator_id;not null"`
	ContainerID         *string   `gorm:"column:container_id"`
	TerminalContainerID *string   `gorm:"column:terminal_container_id"`
	MaxUsers            int       `gorm:"column:max_users"`
	ResourceTier        string    `gorm:"column:resource_tier"`
	ExpiresAt           time.Time `gorm:"index;column:expires_at"`
	IsActive            bool      `gorm:"index;column:is_active"`
	CreatedAt           time.Time `gorm:"column:created_at"`
}

func (Room) TableName() string { return "rooms" }

// Participant records a user's membership in a room.
type Participant struct {
	RoomID     string    `gorm:"primaryKey;column:room_id"`
	UserID     string    `gorm:"primaryKey;column:user_id"`
	Role       string    `gorm:"column:role;not null"`
	JoinedAt   time.Time `gorm:"column:joined_at"`
	LastActive time.Time `gorm:"column:last_active"`
}

func (Participant) TableName() string { return "room_users" }

// RoomLanguage is a language registered to a room, with the container
// serving it once one has been provisioned.
type RoomLanguage struct {
	RoomID      string    `gorm:"primaryKey;column:room_id"`
	Language    string    `gorm:"primaryKey;column:language"`
	Position    int       `gorm:"column:position"`
	ContainerID *string   `gorm:"column:container_id"`
	AddedAt     time.Time `gorm:"column:added_at"`
}

func (RoomLanguage) TableName() string { return "room_languages" }

// PendingCleanup is a container teardown scheduled for later.
type PendingCleanup struct {
	SessionID   string    `gorm:"primaryKey;column:session_id"`
	ContainerID string    `gorm:"column:container_id"`
	DueAt       time.Time `gorm:"index;column:due_at"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

func (PendingCleanup) TableName() string { return "pending_cleanups" }

// RoomSummary is a room listing row.
type RoomSummary struct {
	Room
	Participants int64
	Languages    []string
}

// Str returns a pointer to s, or nil for the empty string.
func Str(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
