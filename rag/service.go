package rag

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/gamma-omg/rag-kb/chat"
)

var (
	ErrEmptyQuestion      = errors.New("question is empty")
	ErrEmptyKnowledgePath = errors.New("knowledge path is empty")
	ErrSessionClosed      = errors.New("session is closed")
)

const (
	DefaultTopK      = 5
	DefaultThreshold = 0.7
)

// AnalyticsSource provides the structured analytics of a knowledge path.
type AnalyticsSource interface {
	Summary(knowledgePath string) (string, bool)
}

type Config struct {
	TopK      int
	Threshold float32
}

type Request struct {
	Question      string
	KnowledgePath string
	SessionID     string
	UserID        string
}

type Service struct {
	log       *slog.Logger
	retriever *Retriever
	composer  *Composer
	emitter   *Emitter
	bridge    *chat.Bridge
	analytics AnalyticsSource
	cfg       Config
}

// NewService wires the answering pipeline. bridge and analytics are optional.
func NewService(log *slog.Logger, retriever *Retriever, composer *Composer, emitter *Emitter, bridge *chat.Bridge, analytics AnalyticsSource, cfg Config) *Service {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}

	return &Service{
		log:       log,
		retriever: retriever,
		composer:  composer,
		emitter:   emitter,
		bridge:    bridge,
		analytics: analytics,
		cfg:       cfg,
	}
}

func (s *Service) Search(ctx context.Context, knowledgePath, query string) ([]Result, error) {
	if err := validate(Request{Question: query, KnowledgePath: knowledgePath}); err != nil {
		return nil, err
	}

	return s.retriever.Search(ctx, knowledgePath, query, s.cfg.TopK, s.cfg.Threshold)
}

// Ask answers a question in one shot. Only input errors are returned;
// generation failures are reported inside the answer.
func (s *Service) Ask(ctx context.Context, req Request) (Answer, error) {
	if err := validate(req); err != nil {
		return Answer{}, err
	}

	if err := s.resume(ctx, req.SessionID); err != nil {
		return Answer{}, err
	}

	var history []chat.Turn
	if req.SessionID != "" && s.bridge != nil {
		history = s.bridge.Window(ctx, req.SessionID)
	}

	p := s.prepare(ctx, req, history)
	a := s.composer.Generate(ctx, p)
	a.KnowledgePath = req.KnowledgePath
	a.SessionID = req.SessionID

	s.record(ctx, req, a.Text, a.GenerationError, p)

	return a, nil
}

// AskStream validates req and returns the frames of its answer. Nothing runs
// until the sequence is pulled. The session is created on first pull when
// req has none, and the exchange is persisted once, right before END. A
// consumer that stops pulling early leaves no turns behind.
func (s *Service) AskStream(ctx context.Context, req Request) (iter.Seq[Frame], error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	if err := s.resume(ctx, req.SessionID); err != nil {
		return nil, err
	}

	return func(yield func(Frame) bool) {
		var persist bool
		req.SessionID, persist = s.openSession(ctx, req)

		if !yield(Frame{Type: FrameStart, SessionID: req.SessionID, KnowledgePath: req.KnowledgePath}) {
			return
		}

		var history []chat.Turn
		if persist {
			history = s.bridge.Window(ctx, req.SessionID)
		}
		p := s.prepare(ctx, req, history)

		text, genErr, ok := s.emitter.Emit(ctx, p.Messages, func(f Frame) bool {
			f.SessionID = req.SessionID
			return yield(f)
		})
		if !ok {
			s.log.Info("stream abandoned by consumer", slog.String("session", req.SessionID))
			return
		}

		var errText string
		if genErr != nil {
			errText = genErr.Error()
		}
		if persist {
			s.record(ctx, req, text, errText, p)
		}

		yield(Frame{
			Type:            FrameEnd,
			SessionID:       req.SessionID,
			Sources:         p.Sources,
			Confidence:      p.Confidence,
			SourceType:      p.SourceType,
			KnowledgePath:   req.KnowledgePath,
			GenerationError: errText,
		})
	}, nil
}

// prepare retrieves passages and composes the prompt. Retrieval failures fall
// back to the ungrounded prompt.
func (s *Service) prepare(ctx context.Context, req Request, history []chat.Turn) Prompt {
	results, err := s.retriever.Search(ctx, req.KnowledgePath, req.Question, s.cfg.TopK, s.cfg.Threshold)
	if err != nil {
		s.log.Warn("retrieval failed, answering without knowledge base",
			slog.String("knowledge_path", req.KnowledgePath),
			slog.String("error", err.Error()))
		results = nil
	}

	if len(results) == 0 {
		return s.composer.PrepareUngrounded(ctx, req.Question, history)
	}

	var analytics string
	if s.analytics != nil {
		if summary, ok := s.analytics.Summary(req.KnowledgePath); ok {
			analytics = summary
		}
	}

	return s.composer.PrepareGrounded(ctx, req.Question, results, analytics, history)
}

// resume checks that an existing session can take new turns. Soft-closed
// sessions stay readable but are not continued.
func (s *Service) resume(ctx context.Context, id string) error {
	if id == "" || s.bridge == nil {
		return nil
	}

	session, err := s.bridge.Session(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to resume session: %w", err)
	}
	if !session.Active {
		return fmt.Errorf("%w: %s", ErrSessionClosed, id)
	}

	return nil
}

// openSession returns the session of the stream and whether its exchange is
// persisted. A stream whose session cannot be created still gets an identifier.
func (s *Service) openSession(ctx context.Context, req Request) (string, bool) {
	if req.SessionID != "" {
		return req.SessionID, s.bridge != nil
	}
	if s.bridge == nil {
		return uuid.NewString(), false
	}

	id, err := s.bridge.CreateSession(ctx, req.UserID, req.KnowledgePath, "")
	if err != nil {
		id = uuid.NewString()
		s.log.Warn("failed to create session, persistence disabled for this stream",
			slog.String("session", id),
			slog.String("error", err.Error()))
		return id, false
	}

	return id, true
}

func (s *Service) record(ctx context.Context, req Request, answer, genErr string, p Prompt) {
	if s.bridge == nil {
		return
	}

	if req.SessionID != "" {
		meta := map[string]any{
			"sources":        p.Sources,
			"confidence":     p.Confidence,
			"source_type":    string(p.SourceType),
			"knowledge_path": req.KnowledgePath,
		}
		if genErr != "" {
			meta["generation_error"] = genErr
		}

		if err := s.bridge.RecordExchange(ctx, req.SessionID, req.Question, answer, meta); err != nil {
			s.log.Warn("failed to record conversation", slog.String("session", req.SessionID), slog.String("error", err.Error()))
		}
	}

	var avg float32
	if p.SourceType == SourceKnowledgeBase {
		avg = p.Confidence
	}
	s.bridge.RecordUsage(ctx, chat.Usage{
		SessionID:         req.SessionID,
		KnowledgePath:     req.KnowledgePath,
		Question:          req.Question,
		Results:           p.Passages,
		AverageSimilarity: avg,
	})
}

func validate(req Request) error {
	if strings.TrimSpace(req.Question) == "" {
		return ErrEmptyQuestion
	}
	if strings.TrimSpace(req.KnowledgePath) == "" {
		return ErrEmptyKnowledgePath
	}
	return nil
}
