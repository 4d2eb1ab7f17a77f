package chat

import (
	"context"
	"errors"
	"time"
)

var ErrSessionNotFound = errors.New("session not found")

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Turn struct {
	Role      Role
	Content   string
	Metadata  map[string]any
	CreatedAt time.Time
}

// Session groups the turns of one conversation. Closed sessions stay in the
// log with Active set to false.
type Session struct {
	ID            string
	UserID        string
	KnowledgePath string
	Title         string
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Usage records how a knowledge base served one question.
type Usage struct {
	SessionID         string
	KnowledgePath     string
	Question          string
	Results           int
	AverageSimilarity float32
	CreatedAt         time.Time
}

// MessageLog persists sessions, their turns and knowledge base usage.
type MessageLog interface {
	CreateSession(ctx context.Context, s Session) error
	Session(ctx context.Context, id string) (Session, error)
	AppendTurn(ctx context.Context, sessionID string, t Turn) error
	// History returns the latest limit turns of a session, oldest first.
	// A non-positive limit returns every turn.
	History(ctx context.Context, sessionID string, limit int) ([]Turn, error)
	ListSessions(ctx context.Context, userID string, activeOnly bool) ([]Session, error)
	CloseSession(ctx context.Context, id string) error
	RenameSession(ctx context.Context, id, title string) error
	RecordUsage(ctx context.Context, u Usage) error
}
