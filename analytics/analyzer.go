// Package analytics computes descriptive statistics of a knowledge base and
// keeps them next to the documents in a hidden JSON file.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gamma-omg/rag-kb/docstore"
	"github.com/gamma-omg/rag-kb/readers"
)

const StatsFile = ".knowledge_base_statistics.json"

type ExtensionCount struct {
	Extension string `json:"extension"`
	Files     int    `json:"files"`
}

type Stats struct {
	GeneratedAt      time.Time      `json:"generated_at"`
	TotalFiles       int            `json:"total_files"`
	TotalBytes       int64          `json:"total_bytes"`
	FilesByExtension map[string]int `json:"files_by_extension"`
	FilesByFormat    map[string]int `json:"files_by_format"`
	Documents        int            `json:"documents"`
	TotalWords       int            `json:"total_words"`
	IndexedChunks    int            `json:"indexed_chunks"`
	Summary          string         `json:"summary"`
}

type documentLoader interface {
	Load(path string) (readers.Document, error)
}

type Analyzer struct {
	log     *slog.Logger
	loader  documentLoader
	catalog docstore.Catalog
}

// NewAnalyzer returns an analyzer. catalog is optional and only used to report
// the number of indexed chunks.
func NewAnalyzer(log *slog.Logger, loader documentLoader, catalog docstore.Catalog) *Analyzer {
	return &Analyzer{log: log, loader: loader, catalog: catalog}
}

// Analyze walks root, skipping hidden entries, and gathers file and content
// statistics. Files that cannot be loaded count as files but not as documents.
func (a *Analyzer) Analyze(ctx context.Context, root string) (Stats, error) {
	stats := Stats{
		GeneratedAt:      time.Now().UTC(),
		FilesByExtension: map[string]int{},
		FilesByFormat:    map[string]int{},
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			a.log.Warn("failed to access path", slog.String("path", path), slog.String("error", err.Error()))
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(path))
		if ext == "" {
			ext = "none"
		}
		stats.TotalFiles++
		stats.TotalBytes += info.Size()
		stats.FilesByExtension[ext]++

		doc, err := a.loader.Load(path)
		if err != nil {
			return nil
		}
		stats.Documents++
		stats.FilesByFormat[string(doc.Format)]++
		stats.TotalWords += len(strings.Fields(doc.Text))

		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("failed to analyze %s: %w", root, err)
	}

	if a.catalog != nil {
		if idx, err := a.catalog.Index(ctx, root); err == nil {
			if n, err := idx.Count(ctx); err == nil {
				stats.IndexedChunks = n
			}
		}
	}

	stats.Summary = summarize(stats)
	return stats, nil
}

// Refresh recomputes the statistics of root and stores them in StatsFile.
func (a *Analyzer) Refresh(ctx context.Context, root string) error {
	stats, err := a.Analyze(ctx, root)
	if err != nil {
		return err
	}

	if err := Save(root, stats); err != nil {
		return err
	}

	a.log.Info("knowledge base statistics refreshed",
		slog.String("root", root),
		slog.Int("files", stats.TotalFiles),
		slog.Int("words", stats.TotalWords))

	return nil
}

// Summary returns the stored statistics of root as JSON for use in prompts.
func (a *Analyzer) Summary(root string) (string, bool) {
	stats, err := Load(root)
	if err != nil {
		return "", false
	}

	raw, err := json.Marshal(stats)
	if err != nil {
		return "", false
	}

	return string(raw), true
}

func Save(root string, stats Stats) error {
	raw, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal statistics: %w", err)
	}

	tmp, err := os.CreateTemp(root, StatsFile+".*")
	if err != nil {
		return fmt.Errorf("failed to create statistics file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write statistics: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write statistics: %w", err)
	}

	if err := os.Rename(tmp.Name(), filepath.Join(root, StatsFile)); err != nil {
		return fmt.Errorf("failed to replace statistics: %w", err)
	}

	return nil
}

func Load(root string) (Stats, error) {
	raw, err := os.ReadFile(filepath.Join(root, StatsFile))
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read statistics: %w", err)
	}

	var stats Stats
	if err := json.Unmarshal(raw, &stats); err != nil {
		return Stats{}, fmt.Errorf("failed to parse statistics: %w", err)
	}

	return stats, nil
}

func summarize(s Stats) string {
	exts := make([]ExtensionCount, 0, len(s.FilesByExtension))
	for ext, n := range s.FilesByExtension {
		exts = append(exts, ExtensionCount{Extension: ext, Files: n})
	}
	sort.Slice(exts, func(i, j int) bool {
		if exts[i].Files == exts[j].Files {
			return exts[i].Extension < exts[j].Extension
		}
		return exts[i].Files > exts[j].Files
	})
	if len(exts) > 5 {
		exts = exts[:5]
	}

	parts := make([]string, 0, len(exts))
	for _, e := range exts {
		parts = append(parts, fmt.Sprintf("%s: %d", e.Extension, e.Files))
	}

	return fmt.Sprintf("%d files, %d documents, %d words; main types: %s",
		s.TotalFiles, s.Documents, s.TotalWords, strings.Join(parts, ", "))
}
