package store

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrConflict is returned when an insert hits a unique constraint.
var ErrConflict = errors.New("store: conflict")

type User struct {
	ID                    string
	Email                 string
	DisplayName           string
	PasswordHash          string
	Roles                 []string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	DeactivatedAt         *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// RefreshSession binds a hashed refresh token to a user. SessionID survives
// token rotation so per-session work runs once per sign-in.
type RefreshSession struct {
	UserID    string
	SessionID string
	ExpiresAt time.Time
}

type Person struct {
	ID                 string
	UserID             string
	DisplayName        string
	RelationshipLabel  string
	DeletedAt          *time.Time
	MergedIntoPersonID *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Absorbed reports whether the person was merged into another record.
func (p Person) Absorbed() bool {
	return p.MergedIntoPersonID != nil && *p.MergedIntoPersonID != ""
}

type Moment struct {
	ID              string
	UserID          string
	MomentDate      time.Time
	Title           string
	Description     string
	Status          string
	ConfidenceDate  int
	ConfidenceTruth int
	ImpactLevel     int
	Verified        bool
	CreatedAt       time.Time
}

// TimelineMoment is a moment with the display names of its participants.
type TimelineMoment struct {
	Moment
	Participants []string
}

type MergeLogEntry struct {
	ID        string
	UserID    string
	PrimaryID string
	MergedID  string
	Snapshot  json.RawMessage
	CreatedAt time.Time
	UndoneAt  *time.Time
}

type ActivityEvent struct {
	ID        int64
	ActorID   string
	Action    string
	ItemType  string
	ItemID    *string
	Metadata  json.RawMessage
	CreatedAt time.Time
}

type PairingCode struct {
	Code      string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}
