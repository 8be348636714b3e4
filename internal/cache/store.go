// Package cache implements the durable on-disk manifest cache: one index
// document plus one normalized-document file per leaf resource.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openglam/iiif-harvest/internal/iiif"
)

const (
	indexFile   = "index.json"
	entriesDir  = "manifests"
	filePerm    = 0o600
	dirPerm     = 0o750
	maxSlugTrys = 1000
)

// RootMeta records the configured root so a later run can detect that the
// upstream source changed. A different URI invalidates the whole cache; a
// different hash triggers an incremental re-walk.
type RootMeta struct {
	URI          string    `json:"uri"`
	Hash         string    `json:"hash"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"lastModified,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ThumbnailMeta fingerprints the thumbnail config the cached entries were
// resolved under, so a config change re-verifies thumbnails on a warm cache.
type ThumbnailMeta struct {
	Unsafe        bool `json:"unsafe"`
	PreferredSize int  `json:"preferredSize"`
}

type index struct {
	ByID       map[string]string `json:"byId"`
	Collection RootMeta          `json:"collection"`
	Thumbnails ThumbnailMeta     `json:"thumbnails"`
}

// Entry is one cached leaf resource, persisted under its assigned slug.
type Entry struct {
	Slug         string                  `json:"slug"`
	URI          string                  `json:"uri"`
	Resource     iiif.NormalizedResource `json:"resource"`
	Thumbnail    string                  `json:"thumbnail,omitempty"`
	ETag         string                  `json:"etag,omitempty"`
	LastModified string                  `json:"lastModified,omitempty"`
	StoredAt     time.Time               `json:"storedAt"`
}

// Store is the durable cache. All mutations are serialized internally, so
// concurrent walker workers may call Lookup and Put freely.
type Store struct {
	dir    string
	logger *zap.Logger

	mu      sync.Mutex
	idx     index
	entries map[string]Entry  // id -> entry
	byURI   map[string]string // source uri -> id
}

// Open loads (or initializes) the cache rooted at dir. A missing index is
// an empty cache; a corrupt index falls back to empty, forcing a rebuild.
// Corrupt entry files are dropped from the index and treated as misses.
func Open(dir string, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if err := os.MkdirAll(filepath.Join(dir, entriesDir), dirPerm); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	s := &Store{
		dir:     dir,
		logger:  logger,
		idx:     index{ByID: map[string]string{}},
		entries: map[string]Entry{},
		byURI:   map[string]string{},
	}
	s.loadIndex()
	s.loadEntries()
	return s, nil
}

func (s *Store) loadIndex() {
	path := filepath.Join(s.dir, indexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("cache index unreadable, starting empty", zap.String("path", path), zap.Error(err))
		}
		return
	}
	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		s.logger.Warn("cache index corrupt, starting empty", zap.String("path", path), zap.Error(err))
		return
	}
	if idx.ByID == nil {
		idx.ByID = map[string]string{}
	}
	s.idx = idx
}

func (s *Store) loadEntries() {
	for id, slug := range s.idx.ByID {
		entry, err := s.readEntry(slug)
		if err != nil {
			s.logger.Warn("cache entry unreadable, dropping from index",
				zap.String("id", id),
				zap.String("slug", slug),
				zap.Error(err),
			)
			delete(s.idx.ByID, id)
			continue
		}
		s.entries[id] = entry
		if entry.URI != "" {
			s.byURI[entry.URI] = id
		}
	}
}

func (s *Store) readEntry(slug string) (Entry, error) {
	data, err := os.ReadFile(s.entryPath(slug))
	if err != nil {
		return Entry{}, fmt.Errorf("read entry: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("decode entry: %w", err)
	}
	return entry, nil
}

func (s *Store) entryPath(slug string) string {
	return filepath.Join(s.dir, entriesDir, slug+".json")
}

// Root returns the stored root metadata.
func (s *Store) Root() RootMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx.Collection
}

// SetRoot persists new root metadata.
func (s *Store) SetRoot(meta RootMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idx.Collection = meta
	return s.flushIndexLocked()
}

// ThumbnailConfig returns the fingerprint of the thumbnail config the
// cached entries were resolved under.
func (s *Store) ThumbnailConfig() ThumbnailMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx.Thumbnails
}

// SetThumbnailConfig persists the active thumbnail config fingerprint.
func (s *Store) SetThumbnailConfig(meta ThumbnailMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idx.Thumbnails = meta
	return s.flushIndexLocked()
}

// Lookup returns the cached entry for a resource id.
func (s *Store) Lookup(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	return entry, ok
}

// LookupURI returns the cached entry for a source URI. The same logical
// resource may be referenced from multiple parents; the URI index lets the
// walker find a cached entry before the id is known.
func (s *Store) LookupURI(uri string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byURI[uri]
	if !ok {
		return Entry{}, false
	}
	entry, ok := s.entries[id]
	return entry, ok
}

// Put persists one normalized leaf resource. It assigns a slug on first
// sight of an id (never reusing a slug for a different id) and is
// idempotent for repeated puts with identical id, hash and thumbnail.
func (s *Store) Put(id string, entry Entry) (string, error) {
	if id == "" {
		return "", fmt.Errorf("resource id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	slug, known := s.idx.ByID[id]
	if !known {
		slug = s.assignSlugLocked(id)
	}
	entry.Slug = slug
	entry.Resource.ID = id

	if existing, ok := s.entries[id]; ok &&
		existing.Resource.ContentHash == entry.Resource.ContentHash &&
		existing.Thumbnail == entry.Thumbnail {
		return slug, nil
	}

	payload, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode entry %s: %w", slug, err)
	}
	if err := writeFileAtomic(s.entryPath(slug), payload); err != nil {
		return "", fmt.Errorf("write entry %s: %w", slug, err)
	}

	s.idx.ByID[id] = slug
	s.entries[id] = entry
	if entry.URI != "" {
		s.byURI[entry.URI] = id
	}
	if err := s.flushIndexLocked(); err != nil {
		return "", err
	}
	return slug, nil
}

// assignSlugLocked derives a slug from the id and resolves collisions
// deterministically by suffixing at assignment time.
func (s *Store) assignSlugLocked(id string) string {
	base := slugify(id)
	taken := make(map[string]struct{}, len(s.idx.ByID))
	for _, existing := range s.idx.ByID {
		taken[existing] = struct{}{}
	}
	if _, clash := taken[base]; !clash {
		return base
	}
	for i := 2; i < maxSlugTrys; i++ {
		candidate := fmt.Sprintf("%s-%d", base, i)
		if _, clash := taken[candidate]; !clash {
			return candidate
		}
	}
	return base + "-" + hashPrefix(id)
}

// InvalidateAll removes every cached entry and resets the index.
func (s *Store) InvalidateAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.dir, entriesDir)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove entries: %w", err)
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("recreate entries dir: %w", err)
	}

	s.idx = index{ByID: map[string]string{}}
	s.entries = map[string]Entry{}
	s.byURI = map[string]string{}
	return s.flushIndexLocked()
}

// Entries returns all cached entries ordered by slug.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Slug < out[j].Slug
	})
	return out
}

// Len reports the number of cached entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) flushIndexLocked() error {
	payload, err := json.MarshalIndent(s.idx, "", "  ")
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, indexFile), payload); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

// writeFileAtomic writes into a temp file in the target directory and
// renames it into place, so a crash mid-write never exposes a torn file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
