package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultWindow = 6
	titleRunes    = 30
	defaultTitle  = "New chat"
	titleEllipsis = "..."
)

// Bridge ties questions and answers to sessions stored in a MessageLog.
type Bridge struct {
	log    *slog.Logger
	store  MessageLog
	window int
	now    func() time.Time
}

func NewBridge(log *slog.Logger, store MessageLog, window int) *Bridge {
	if window <= 0 {
		window = DefaultWindow
	}

	return &Bridge{
		log:    log,
		store:  store,
		window: window,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateSession opens a new active session and returns its id.
func (b *Bridge) CreateSession(ctx context.Context, userID, knowledgePath, title string) (string, error) {
	now := b.now()
	s := Session{
		ID:            uuid.NewString(),
		UserID:        userID,
		KnowledgePath: knowledgePath,
		Title:         strings.TrimSpace(title),
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if s.Title == "" {
		s.Title = defaultTitle
	}

	if err := b.store.CreateSession(ctx, s); err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}

	return s.ID, nil
}

func (b *Bridge) Session(ctx context.Context, id string) (Session, error) {
	return b.store.Session(ctx, id)
}

func (b *Bridge) AppendTurn(ctx context.Context, sessionID string, role Role, content string, metadata map[string]any) error {
	return b.store.AppendTurn(ctx, sessionID, Turn{
		Role:      role,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: b.now(),
	})
}

func (b *Bridge) History(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	return b.store.History(ctx, sessionID, limit)
}

// Window returns the turns fed back into prompts: the latest window turns of
// the session. Log failures yield an empty window.
func (b *Bridge) Window(ctx context.Context, sessionID string) []Turn {
	if sessionID == "" {
		return nil
	}

	turns, err := b.store.History(ctx, sessionID, b.window)
	if err != nil {
		b.log.Warn("failed to load conversation history",
			slog.String("session", sessionID),
			slog.String("error", err.Error()))
		return nil
	}

	return turns
}

// RecordExchange writes the question and the final answer of one round trip.
// The session is titled after its first question.
func (b *Bridge) RecordExchange(ctx context.Context, sessionID, question, answer string, metadata map[string]any) error {
	prior, err := b.store.History(ctx, sessionID, 1)
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}

	if err := b.AppendTurn(ctx, sessionID, RoleUser, question, nil); err != nil {
		return fmt.Errorf("failed to record question: %w", err)
	}
	if err := b.AppendTurn(ctx, sessionID, RoleAssistant, answer, metadata); err != nil {
		return fmt.Errorf("failed to record answer: %w", err)
	}

	if len(prior) == 0 {
		s, err := b.store.Session(ctx, sessionID)
		if err == nil && (s.Title == "" || s.Title == defaultTitle) {
			if err := b.store.RenameSession(ctx, sessionID, Title(question)); err != nil {
				b.log.Warn("failed to title session", slog.String("session", sessionID), slog.String("error", err.Error()))
			}
		}
	}

	return nil
}

func (b *Bridge) ListSessions(ctx context.Context, userID string, activeOnly bool) ([]Session, error) {
	return b.store.ListSessions(ctx, userID, activeOnly)
}

func (b *Bridge) CloseSession(ctx context.Context, id string) error {
	return b.store.CloseSession(ctx, id)
}

func (b *Bridge) RenameSession(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("empty session title")
	}
	return b.store.RenameSession(ctx, id, title)
}

func (b *Bridge) RecordUsage(ctx context.Context, u Usage) {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = b.now()
	}
	if err := b.store.RecordUsage(ctx, u); err != nil {
		b.log.Warn("failed to record knowledge base usage", slog.String("error", err.Error()))
	}
}

// Title derives a session title from the first question: its first 30 runes
// followed by an ellipsis when longer.
func Title(question string) string {
	q := strings.Join(strings.Fields(question), " ")
	if q == "" {
		return defaultTitle
	}

	r := []rune(q)
	if len(r) <= titleRunes {
		return q
	}

	return string(r[:titleRunes]) + titleEllipsis
}
