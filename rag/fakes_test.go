package rag

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gamma-omg/rag-kb/chat"
	"github.com/gamma-omg/rag-kb/docstore"
	"github.com/gamma-omg/rag-kb/llm"
	"github.com/gamma-omg/rag-kb/sqlstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeGenerator struct {
	mu     sync.Mutex
	answer string
	err    error
	calls  [][]llm.Message
}

func (g *fakeGenerator) Generate(ctx context.Context, msgs []llm.Message) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls = append(g.calls, msgs)
	return g.answer, g.err
}

func (g *fakeGenerator) lastPrompt() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	last := g.calls[len(g.calls)-1]
	return last[len(last)-1].Content
}

// fakeStreamer streams frags and then fails with failAfter when set.
type fakeStreamer struct {
	fakeGenerator
	frags     []string
	failAfter error
	streamed  [][]llm.Message
}

func (s *fakeStreamer) Stream(ctx context.Context, msgs []llm.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		s.mu.Lock()
		s.streamed = append(s.streamed, msgs)
		s.mu.Unlock()

		for _, f := range s.frags {
			if !yield(f, nil) {
				return
			}
		}
		if s.failAfter != nil {
			yield("", s.failAfter)
		}
	}
}

type failingCatalog struct{}

func (failingCatalog) Index(ctx context.Context, knowledgePath string) (docstore.Index, error) {
	return nil, errors.New("vector store offline")
}

type staticWeb struct {
	summary string
	ok      bool
}

func (w staticWeb) Summarize(ctx context.Context, query string) (string, bool) {
	return w.summary, w.ok
}

type staticAnalytics string

func (a staticAnalytics) Summary(knowledgePath string) (string, bool) {
	return string(a), a != ""
}

// indexTexts embeds texts with embedder and stores them as chunks of source.
func indexTexts(t *testing.T, store *docstore.MemoryStore, embedder llm.Embedder, source string, texts ...string) {
	t.Helper()

	ctx := context.Background()
	vecs, err := embedder.EmbedBatch(ctx, texts)
	require.NoError(t, err)

	entries := make([]docstore.Entry, 0, len(texts))
	for i, text := range texts {
		entries = append(entries, docstore.Entry{
			ID:        docstore.EntryID(source, i),
			Embedding: vecs[i],
			Text:      text,
			Meta:      docstore.Meta{Source: source, Index: i, Format: "text"},
		})
	}
	require.NoError(t, store.Upsert(ctx, entries))
}

func testBridge(t *testing.T) (*chat.Bridge, *sqlstore.MessageLog) {
	t.Helper()

	store, err := sqlstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := store.Messages()
	return chat.NewBridge(testLogger(), log, 0), log
}

// readOnlyLog refuses to open sessions but otherwise behaves like the wrapped log.
type readOnlyLog struct {
	chat.MessageLog
	appended int
}

func (l *readOnlyLog) CreateSession(ctx context.Context, s chat.Session) error {
	return errors.New("database is read-only")
}

func (l *readOnlyLog) AppendTurn(ctx context.Context, sessionID string, t chat.Turn) error {
	l.appended++
	return l.MessageLog.AppendTurn(ctx, sessionID, t)
}
