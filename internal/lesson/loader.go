// ABOUTME: Loads lesson definitions from TOML files into the store
// ABOUTME: Seeds versioned, immutable lesson content at startup

package lesson

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/sagelane/tutor-gateway/internal/store"
)

// LoaderStore defines what the loader needs from storage
type LoaderStore interface {
	CreateLesson(ctx context.Context, lesson *store.Lesson) error
	GetLessonBySlug(ctx context.Context, slug string) (*store.Lesson, error)
}

// lessonFile is the on-disk TOML shape of a lesson.
type lessonFile struct {
	Slug    string      `toml:"slug"`
	Title   string      `toml:"title"`
	Version int         `toml:"version"`
	Chunks  []chunkFile `toml:"chunks"`
}

type chunkFile struct {
	Content  string `toml:"content"`
	Question string `toml:"question"`
}

// Loader seeds lessons from a directory of TOML files. Lesson content is
// versioned and immutable: a file whose (slug, version) already exists in
// the store is skipped, never overwritten. Publishing changed content means
// bumping the version in the file.
type Loader struct {
	store  LoaderStore
	logger *slog.Logger
}

// NewLoader creates a lesson loader.
func NewLoader(s LoaderStore, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		store:  s,
		logger: logger.With("component", "lesson-loader"),
	}
}

// LoadDir reads every .toml file in dir and seeds any lesson versions the
// store does not already have. Returns the number of lessons created. Files
// are processed in name order so failures are reproducible.
func (l *Loader) LoadDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("reading lesson directory %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".toml" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	created := 0
	for _, name := range names {
		ok, err := l.loadFile(ctx, filepath.Join(dir, name))
		if err != nil {
			return created, fmt.Errorf("loading %s: %w", name, err)
		}
		if ok {
			created++
		}
	}

	l.logger.Info("lesson seeding complete", "files", len(names), "created", created)
	return created, nil
}

// loadFile seeds one lesson file. Returns true if a new lesson version was
// created.
func (l *Loader) loadFile(ctx context.Context, path string) (bool, error) {
	var file lessonFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return false, fmt.Errorf("parsing toml: %w", err)
	}
	if err := file.validate(); err != nil {
		return false, err
	}

	existing, err := l.store.GetLessonBySlug(ctx, file.Slug)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("checking existing lesson: %w", err)
	}
	if existing != nil && existing.Version >= file.Version {
		l.logger.Debug("lesson up to date",
			"slug", file.Slug,
			"stored_version", existing.Version,
			"file_version", file.Version)
		return false, nil
	}

	lsn := &store.Lesson{
		ID:        uuid.New().String(),
		Slug:      file.Slug,
		Title:     file.Title,
		Version:   file.Version,
		CreatedAt: time.Now(),
	}
	for i, c := range file.Chunks {
		lsn.Chunks = append(lsn.Chunks, &store.Chunk{
			ID:       uuid.New().String(),
			LessonID: lsn.ID,
			Index:    i,
			Content:  c.Content,
			Question: c.Question,
		})
	}

	if err := l.store.CreateLesson(ctx, lsn); err != nil {
		// Another instance seeded the same version first
		if errors.Is(err, store.ErrDuplicateLesson) {
			return false, nil
		}
		return false, fmt.Errorf("storing lesson: %w", err)
	}

	l.logger.Info("lesson seeded",
		"slug", lsn.Slug,
		"version", lsn.Version,
		"chunks", len(lsn.Chunks))
	return true, nil
}

func (f *lessonFile) validate() error {
	if f.Slug == "" {
		return fmt.Errorf("lesson slug is required")
	}
	if f.Title == "" {
		return fmt.Errorf("lesson title is required")
	}
	if f.Version < 1 {
		return fmt.Errorf("lesson version must be >= 1, got %d", f.Version)
	}
	for i, c := range f.Chunks {
		if c.Content == "" {
			return fmt.Errorf("chunk %d has empty content", i)
		}
	}
	return nil
}
