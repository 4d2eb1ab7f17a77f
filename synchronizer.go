package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gamma-omg/rag-kb/docstore"
	"github.com/gamma-omg/rag-kb/llm"
	"github.com/gamma-omg/rag-kb/readers"
)

var (
	ErrEmptyKnowledgePath = errors.New("knowledge path is empty")
	ErrIndexMutation      = errors.New("failed to update index")
)

type Ledger interface {
	Load(ctx context.Context, root string) (map[string]string, error)
	Save(ctx context.Context, root string, entries map[string]string) error
}

type DocumentLoader interface {
	Load(path string) (readers.Document, error)
}

type Chunkifier interface {
	Chunkify(text string) []string
}

type StatsRefresher interface {
	Refresh(ctx context.Context, root string) error
}

// Synchronizer brings the vector index of a knowledge path in line with the
// files found under it. Only files whose content digest changed since the
// last pass are loaded, chunked and embedded again.
type Synchronizer struct {
	log        *slog.Logger
	ledger     Ledger
	loader     DocumentLoader
	chunkifier Chunkifier
	embedder   llm.Embedder
	catalog    docstore.Catalog
	stats      StatsRefresher

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSynchronizer wires a synchronizer. stats is optional.
func NewSynchronizer(log *slog.Logger, ledger Ledger, loader DocumentLoader, chunkifier Chunkifier, embedder llm.Embedder, catalog docstore.Catalog, stats StatsRefresher) *Synchronizer {
	return &Synchronizer{
		log:        log,
		ledger:     ledger,
		loader:     loader,
		chunkifier: chunkifier,
		embedder:   embedder,
		catalog:    catalog,
		stats:      stats,
		locks:      make(map[string]*sync.Mutex),
	}
}

type pendingFile struct {
	path   string
	digest string
	chunks []Chunk
}

// Synchronize runs one pass over root and returns the number of chunks
// indexed by it. A missing or empty root with nothing recorded in the ledger is
// a no-op; otherwise everything previously indexed from it is forgotten. Failures to update the
// index are reported as ErrIndexMutation after every other file was handled;
// files that failed keep their previous ledger digest and are retried next time.
func (s *Synchronizer) Synchronize(ctx context.Context, root string) (int, error) {
	if strings.TrimSpace(root) == "" {
		return 0, ErrEmptyKnowledgePath
	}
	root = canonicalRoot(root)

	unlock := s.lock(root)
	defer unlock()

	ledger, err := s.ledger.Load(ctx, root)
	if err != nil {
		return 0, fmt.Errorf("failed to load ledger: %w", err)
	}

	empty, err := isEmptyDir(root)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Warn("knowledge path is not accessible", slog.String("root", root), slog.String("error", err.Error()))
		return 0, nil
	}
	gone := err != nil || empty
	if gone && len(ledger) == 0 {
		s.log.Info("nothing to synchronize", slog.String("root", root))
		return 0, nil
	}

	disk := map[string]string{}
	unreadable := map[string]struct{}{}
	if !gone {
		disk, unreadable, err = s.scan(ctx, root)
		if err != nil {
			return 0, err
		}
	}

	var changed, removed []string
	for path, digest := range disk {
		if ledger[path] != digest {
			changed = append(changed, path)
		}
	}
	for path := range ledger {
		_, onDisk := disk[path]
		_, skipped := unreadable[path]
		if !onDisk && !skipped {
			removed = append(removed, path)
		}
	}
	sort.Strings(changed)
	sort.Strings(removed)

	pending := s.load(changed, disk)
	if len(pending) == 0 && len(removed) == 0 {
		return 0, nil
	}

	idx, err := s.catalog.Index(ctx, root)
	if err != nil {
		return 0, fmt.Errorf("failed to open index: %w", err)
	}

	next := make(map[string]string, len(ledger))
	for path, digest := range ledger {
		next[path] = digest
	}

	var failures []error
	for _, path := range removed {
		if err := s.forget(ctx, idx, path); err != nil {
			failures = append(failures, err)
			continue
		}
		delete(next, path)
	}

	processed, err := s.index(ctx, idx, pending, next)
	if err != nil {
		failures = append(failures, err)
	}

	if err := s.ledger.Save(ctx, root, next); err != nil {
		return processed, fmt.Errorf("failed to save ledger: %w", err)
	}

	s.log.Info("knowledge path synchronized",
		slog.String("root", root),
		slog.Int("changed", len(pending)),
		slog.Int("removed", len(removed)),
		slog.Int("chunks", processed),
		slog.Int("failures", len(failures)))

	if s.stats != nil {
		if err := s.stats.Refresh(ctx, root); err != nil {
			s.log.Warn("failed to refresh knowledge base statistics", slog.String("error", err.Error()))
		}
	}

	if len(failures) > 0 {
		return processed, errors.Join(ErrIndexMutation, errors.Join(failures...))
	}

	return processed, nil
}

// scan digests every visible regular file under root. Files that cannot be
// read are returned separately so they are neither indexed nor forgotten.
func (s *Synchronizer) scan(ctx context.Context, root string) (map[string]string, map[string]struct{}, error) {
	disk := make(map[string]string)
	unreadable := make(map[string]struct{})

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			s.log.Warn("failed to access path", slog.String("path", path), slog.String("error", err.Error()))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			unreadable[path] = struct{}{}
			return nil
		}
		if path != root && isHidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		digest, err := hashFile(path)
		if err != nil {
			s.log.Warn("failed to digest file", slog.String("path", path), slog.String("error", err.Error()))
			unreadable[path] = struct{}{}
			return nil
		}
		disk[path] = digest

		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}

	return disk, unreadable, nil
}

func (s *Synchronizer) forget(ctx context.Context, idx docstore.Index, path string) error {
	ids, err := idx.IDsBySource(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to find entries of %s: %w", path, err)
	}
	if err := idx.Delete(ctx, ids); err != nil {
		return fmt.Errorf("failed to delete entries of %s: %w", path, err)
	}

	return nil
}

// load reads and chunks changed files. Files that cannot be loaded are
// skipped and keep their previous ledger digest.
func (s *Synchronizer) load(changed []string, disk map[string]string) []pendingFile {
	pending := make([]pendingFile, 0, len(changed))
	for _, path := range changed {
		doc, err := s.loader.Load(path)
		if err != nil {
			s.log.Warn("skipping file", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}

		texts := s.chunkifier.Chunkify(doc.Text)
		chunks := make([]Chunk, 0, len(texts))
		for i, text := range texts {
			chunks = append(chunks, Chunk{
				Source: path,
				Index:  i,
				Text:   text,
				Format: string(doc.Format),
				Digest: disk[path],
			})
		}

		pending = append(pending, pendingFile{path: path, digest: disk[path], chunks: chunks})
	}

	return pending
}

// index embeds all pending chunks in one batch and replaces the entries of
// every pending file. The ledger digest of a file advances only when its
// entries were replaced.
func (s *Synchronizer) index(ctx context.Context, idx docstore.Index, pending []pendingFile, ledger map[string]string) (int, error) {
	var texts []string
	for _, f := range pending {
		for _, c := range f.chunks {
			texts = append(texts, c.Text)
		}
	}

	var vectors [][]float32
	if len(texts) > 0 {
		var err error
		vectors, err = s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return 0, fmt.Errorf("failed to embed %d chunks: %w", len(texts), err)
		}
		if len(vectors) != len(texts) {
			return 0, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(texts))
		}
	}

	processed := 0
	offset := 0
	var failures []error
	for _, f := range pending {
		entries := make([]docstore.Entry, 0, len(f.chunks))
		for i, c := range f.chunks {
			entries = append(entries, docstore.Entry{
				ID:        docstore.EntryID(c.Source, c.Index),
				Embedding: vectors[offset+i],
				Text:      c.Text,
				Meta: docstore.Meta{
					Source: c.Source,
					Index:  c.Index,
					Format: c.Format,
					Digest: c.Digest,
				},
			})
		}
		offset += len(f.chunks)

		if err := s.forget(ctx, idx, f.path); err != nil {
			failures = append(failures, err)
			continue
		}
		if len(entries) > 0 {
			if err := idx.Upsert(ctx, entries); err != nil {
				failures = append(failures, fmt.Errorf("failed to index %s: %w", f.path, err))
				continue
			}
		}

		ledger[f.path] = f.digest
		processed += len(entries)
	}

	return processed, errors.Join(failures...)
}

func (s *Synchronizer) lock(root string) func() {
	s.mu.Lock()
	if s.locks == nil {
		s.locks = make(map[string]*sync.Mutex)
	}
	l, ok := s.locks[root]
	if !ok {
		l = &sync.Mutex{}
		s.locks[root] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// hashFile returns the hex encoded SHA-256 of the file content.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func canonicalRoot(root string) string {
	abs, err := filepath.Abs(root)
	if err != nil {
		return filepath.Clean(root)
	}
	return abs
}

func isEmptyDir(root string) (bool, error) {
	info, err := os.Stat(root)
	if err != nil {
		return true, err
	}
	if !info.IsDir() {
		return true, fmt.Errorf("%s is not a directory", root)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return true, err
	}

	return len(entries) == 0, nil
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
