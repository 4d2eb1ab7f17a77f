package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/gamma-omg/rag-kb/docstore"
	"github.com/gamma-omg/rag-kb/llm"
	"github.com/gamma-omg/rag-kb/readers"
	"github.com/gamma-omg/rag-kb/sqlstore"
)

type countingEmbedder struct {
	llm.HashEmbedder
	mu      sync.Mutex
	batches int
}

func (e *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.batches++
	e.mu.Unlock()
	return e.HashEmbedder.EmbedBatch(ctx, texts)
}

func (e *countingEmbedder) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.batches
}

// recordingIndex counts index mutations and fails every mutation that
// touches failSource.
type recordingIndex struct {
	docstore.Index
	cat *recordingCatalog
}

func (i *recordingIndex) Upsert(ctx context.Context, entries []docstore.Entry) error {
	i.cat.mu.Lock()
	defer i.cat.mu.Unlock()

	i.cat.mutations++
	for _, e := range entries {
		if e.Meta.Source == i.cat.failSource {
			return errors.New("upsert rejected")
		}
	}
	return i.Index.Upsert(ctx, entries)
}

func (i *recordingIndex) Delete(ctx context.Context, ids []string) error {
	i.cat.mu.Lock()
	i.cat.mutations++
	i.cat.mu.Unlock()
	return i.Index.Delete(ctx, ids)
}

type recordingCatalog struct {
	*docstore.MemoryCatalog
	mu         sync.Mutex
	mutations  int
	failSource string
}

func (c *recordingCatalog) Index(ctx context.Context, knowledgePath string) (docstore.Index, error) {
	idx, err := c.MemoryCatalog.Index(ctx, knowledgePath)
	if err != nil {
		return nil, err
	}
	return &recordingIndex{Index: idx, cat: c}, nil
}

func (c *recordingCatalog) mutationCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mutations
}

func (c *recordingCatalog) failOn(source string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failSource = source
}

type mockStats struct {
	mock.Mock
}

func (m *mockStats) Refresh(ctx context.Context, root string) error {
	return m.Called(ctx, root).Error(0)
}

type syncFixture struct {
	root     string
	sync     *Synchronizer
	ledger   *sqlstore.Ledger
	embedder *countingEmbedder
	catalog  *recordingCatalog
	stats    *mockStats
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()

	store, err := sqlstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &syncFixture{
		root:     t.TempDir(),
		ledger:   store.Ledger(),
		embedder: &countingEmbedder{HashEmbedder: llm.HashEmbedder{Dim: 64}},
		catalog:  &recordingCatalog{MemoryCatalog: docstore.NewMemoryCatalog()},
		stats:    new(mockStats),
	}
	f.stats.On("Refresh", mock.Anything, mock.Anything).Return(nil).Maybe()

	f.sync = NewSynchronizer(
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		f.ledger,
		readers.NewLoader(),
		&DefaultChunkifier{chunkSize: 500, chunkOverlap: 50},
		f.embedder,
		f.catalog,
		f.stats,
	)

	return f
}

func (f *syncFixture) write(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(f.root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (f *syncFixture) entries(source string) []docstore.Entry {
	var res []docstore.Entry
	for _, e := range f.catalog.Store(f.root).Entries() {
		if e.Meta.Source == source {
			res = append(res, e)
		}
	}
	return res
}

func (f *syncFixture) ledgerEntries(t *testing.T) map[string]string {
	t.Helper()

	l, err := f.ledger.Load(context.Background(), f.root)
	require.NoError(t, err)
	return l
}

func words(prefix string, n int) string {
	w := make([]string, n)
	for i := range w {
		w[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return strings.Join(w, " ")
}

func Test_Synchronize_EmptyPath(t *testing.T) {
	f := newSyncFixture(t)

	_, err := f.sync.Synchronize(context.Background(), "  ")
	require.ErrorIs(t, err, ErrEmptyKnowledgePath)
	assert.Zero(t, f.catalog.mutationCount())
}

func Test_Synchronize_EmptyDirectory(t *testing.T) {
	f := newSyncFixture(t)

	n, err := f.sync.Synchronize(context.Background(), f.root)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.ledgerEntries(t))
	assert.Zero(t, f.catalog.mutationCount())
	assert.Zero(t, f.embedder.calls())
	f.stats.AssertNotCalled(t, "Refresh", mock.Anything, mock.Anything)
}

func Test_Synchronize_MissingDirectory(t *testing.T) {
	f := newSyncFixture(t)

	n, err := f.sync.Synchronize(context.Background(), filepath.Join(f.root, "missing"))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, f.catalog.mutationCount())
}

func Test_Synchronize_LargeFileIsIdempotent(t *testing.T) {
	f := newSyncFixture(t)
	path := f.write(t, "big.txt", words("w", 2000))

	n, err := f.sync.Synchronize(context.Background(), f.root)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 4)

	entries := f.entries(path)
	assert.Len(t, entries, n)
	ids := map[string]struct{}{}
	for _, e := range entries {
		ids[e.ID] = struct{}{}
		assert.Equal(t, "text", e.Meta.Format)
		assert.Len(t, e.Meta.Digest, 64)
	}
	assert.Len(t, ids, n)

	mutations := f.catalog.mutationCount()
	batches := f.embedder.calls()

	n, err = f.sync.Synchronize(context.Background(), f.root)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, mutations, f.catalog.mutationCount())
	assert.Equal(t, batches, f.embedder.calls())
	f.stats.AssertNumberOfCalls(t, "Refresh", 1)
}

func Test_Synchronize_SingleEmbedBatch(t *testing.T) {
	f := newSyncFixture(t)
	f.write(t, "a.txt", "alpha")
	f.write(t, "b.txt", "beta")
	f.write(t, "nested/c.md", "gamma")

	n, err := f.sync.Synchronize(context.Background(), f.root)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 1, f.embedder.calls())
	assert.Len(t, f.ledgerEntries(t), 3)
}

func Test_Synchronize_SkipsHiddenEntries(t *testing.T) {
	f := newSyncFixture(t)
	f.write(t, "visible.txt", "shown")
	f.write(t, ".hidden.txt", "secret")
	f.write(t, ".git/config.txt", "secret")

	n, err := f.sync.Synchronize(context.Background(), f.root)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ledger := f.ledgerEntries(t)
	assert.Len(t, ledger, 1)
	assert.Contains(t, ledger, filepath.Join(f.root, "visible.txt"))
}

func Test_Synchronize_DetectsChange(t *testing.T) {
	f := newSyncFixture(t)
	path := f.write(t, "notes.txt", "first version")

	_, err := f.sync.Synchronize(context.Background(), f.root)
	require.NoError(t, err)
	before := f.ledgerEntries(t)[path]

	f.write(t, "notes.txt", "second version of the notes")
	n, err := f.sync.Synchronize(context.Background(), f.root)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	after := f.ledgerEntries(t)[path]
	assert.NotEqual(t, before, after)

	entries := f.entries(path)
	require.Len(t, entries, 1)
	assert.Equal(t, "second version of the notes", entries[0].Text)
	assert.Equal(t, after, entries[0].Meta.Digest)
}

func Test_Synchronize_Deletion(t *testing.T) {
	f := newSyncFixture(t)
	keep := f.write(t, "keep.txt", "keep me")
	gone := f.write(t, "gone.txt", "remove me")

	_, err := f.sync.Synchronize(context.Background(), f.root)
	require.NoError(t, err)
	require.Len(t, f.entries(gone), 1)

	require.NoError(t, os.Remove(gone))
	n, err := f.sync.Synchronize(context.Background(), f.root)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Empty(t, f.entries(gone))
	assert.Len(t, f.entries(keep), 1)
	ledger := f.ledgerEntries(t)
	assert.NotContains(t, ledger, gone)
	assert.Contains(t, ledger, keep)
	f.stats.AssertNumberOfCalls(t, "Refresh", 2)
}

func Test_Synchronize_DeletingLastFileForgetsIt(t *testing.T) {
	f := newSyncFixture(t)
	only := f.write(t, "only.txt", "the last file")

	_, err := f.sync.Synchronize(context.Background(), f.root)
	require.NoError(t, err)
	require.Len(t, f.entries(only), 1)

	require.NoError(t, os.Remove(only))
	n, err := f.sync.Synchronize(context.Background(), f.root)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Empty(t, f.entries(only))
	assert.Empty(t, f.ledgerEntries(t))
	f.stats.AssertNumberOfCalls(t, "Refresh", 2)

	mutations := f.catalog.mutationCount()
	n, err = f.sync.Synchronize(context.Background(), f.root)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, mutations, f.catalog.mutationCount())
}

func Test_Synchronize_RemovedRootForgetsEverything(t *testing.T) {
	f := newSyncFixture(t)
	a := f.write(t, "a.txt", "first")
	b := f.write(t, "nested/b.txt", "second")

	_, err := f.sync.Synchronize(context.Background(), f.root)
	require.NoError(t, err)
	require.Len(t, f.entries(a), 1)
	require.Len(t, f.entries(b), 1)

	require.NoError(t, os.RemoveAll(f.root))
	n, err := f.sync.Synchronize(context.Background(), f.root)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Empty(t, f.catalog.Store(f.root).Entries())
	assert.Empty(t, f.ledgerEntries(t))
}

func Test_Synchronize_EditLeavesOtherFilesUntouched(t *testing.T) {
	f := newSyncFixture(t)
	edited := f.write(t, "edited.txt", words("e", 700))
	other := f.write(t, "other.txt", words("o", 700))

	_, err := f.sync.Synchronize(context.Background(), f.root)
	require.NoError(t, err)
	otherBefore := f.entries(other)
	editedBefore := f.entries(edited)
	require.Len(t, otherBefore, 2)
	require.Len(t, editedBefore, 2)

	f.write(t, "edited.txt", "a single rewritten paragraph")
	n, err := f.sync.Synchronize(context.Background(), f.root)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, otherBefore, f.entries(other))

	editedAfter := f.entries(edited)
	require.Len(t, editedAfter, 1)
	assert.Equal(t, "a single rewritten paragraph", editedAfter[0].Text)
	assert.Equal(t, docstore.EntryID(edited, 0), editedAfter[0].ID)
}

func Test_Synchronize_UnsupportedFileIsSkipped(t *testing.T) {
	f := newSyncFixture(t)
	f.write(t, "doc.txt", "indexed")
	bin := f.write(t, "blob.bin", "not a document")

	n, err := f.sync.Synchronize(context.Background(), f.root)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotContains(t, f.ledgerEntries(t), bin)

	mutations := f.catalog.mutationCount()
	n, err = f.sync.Synchronize(context.Background(), f.root)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, mutations, f.catalog.mutationCount())
}

func Test_Synchronize_IndexFailureIsRetried(t *testing.T) {
	f := newSyncFixture(t)
	good := f.write(t, "good.txt", "fine")
	bad := f.write(t, "bad.txt", "rejected")
	f.catalog.failOn(bad)

	n, err := f.sync.Synchronize(context.Background(), f.root)
	require.ErrorIs(t, err, ErrIndexMutation)
	assert.Equal(t, 1, n)

	ledger := f.ledgerEntries(t)
	assert.Contains(t, ledger, good)
	assert.NotContains(t, ledger, bad)

	f.catalog.failOn("")
	n, err = f.sync.Synchronize(context.Background(), f.root)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, f.ledgerEntries(t), bad)
	assert.Len(t, f.entries(bad), 1)
}

func Test_Synchronize_ConcurrentCallsOnSameRoot(t *testing.T) {
	f := newSyncFixture(t)
	f.write(t, "a.txt", words("a", 1200))

	var wg sync.WaitGroup
	counts := make([]int, 4)
	for i := range counts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := f.sync.Synchronize(context.Background(), f.root)
			assert.NoError(t, err)
			counts[i] = n
		}(i)
	}
	wg.Wait()

	total := 0
	for _, n := range counts {
		total += n
	}
	assert.Equal(t, 3, total)
	assert.Equal(t, 1, f.embedder.calls())
}

func Test_hashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	digest, err := hashFile(path)
	require.NoError(t, err)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", digest)
}
