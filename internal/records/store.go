package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hack-pad/hackpadfs"
	osfs "github.com/hack-pad/hackpadfs/os"

	"github.com/kalambet/refnote/internal/storage"
)

const (
	// HistoryKey holds the capped history log as a JSON array.
	HistoryKey = "FilterHistory"
	// LegacyNotesKey holds notes written by releases that stored every note
	// in one blob. It is read once by Migrate and then removed.
	LegacyNotesKey = "SavedNotes"

	DefaultMaxRecords = 100
	DedupWindow       = 24 * time.Hour

	NotesDir      = "Notes"
	WebImportsDir = "WebImports"
)

// ErrNotFound is returned by Get* lookups for ids with no backing unit.
var ErrNotFound = errors.New("record not found")

// KV is the key-value backend for small blobs. Implemented by storage.Store.
type KV interface {
	GetValue(key string) (string, error)
	SetValue(key, value string) error
	DeleteValue(key string) error
}

type Options struct {
	MaxRecords int
	Logger     *slog.Logger
}

// Store persists history in a single KV blob and notes and web imports as
// one JSON file per record. It performs no locking; callers serialize access.
type Store struct {
	kv         KV
	fs         hackpadfs.FS
	root       string
	maxRecords int
	logger     *slog.Logger

	migrateOnce sync.Once
}

// New creates a Store over fsys with files placed under root (an io/fs style
// path, "" for the filesystem root). The Notes and WebImports directories are
// created if missing.
func New(kv KV, fsys hackpadfs.FS, root string, opts Options) (*Store, error) {
	if opts.MaxRecords <= 0 {
		opts.MaxRecords = DefaultMaxRecords
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Store{
		kv:         kv,
		fs:         fsys,
		root:       root,
		maxRecords: opts.MaxRecords,
		logger:     opts.Logger,
	}
	for _, dir := range []string{NotesDir, WebImportsDir} {
		if err := hackpadfs.MkdirAll(fsys, s.dirPath(dir), 0o755); err != nil {
			return nil, fmt.Errorf("creating %s directory: %w", dir, err)
		}
	}
	return s, nil
}

// OpenDir creates a Store whose record files live under dataDir on the host
// filesystem.
func OpenDir(kv KV, dataDir string, opts Options) (*Store, error) {
	abs, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("resolving data dir: %w", err)
	}
	root := strings.TrimPrefix(filepath.ToSlash(abs), "/")
	return New(kv, osfs.NewFS(), root, opts)
}

// --- History ---

// AppendHistory stores rec unless an entry with the same keyword (compared
// case-insensitively) lies within DedupWindow of it. The log is then trimmed
// to the newest MaxRecords entries in storage order. It reports whether rec
// was stored.
func (s *Store) AppendHistory(rec HistoryRecord) bool {
	hist := s.ListHistory()
	for _, h := range hist {
		if strings.EqualFold(h.Keyword, rec.Keyword) && withinWindow(h.Timestamp, rec.Timestamp) {
			s.logger.Debug("history append suppressed", "keyword", rec.Keyword, "existing_id", h.ID)
			return false
		}
	}

	hist = append(hist, rec)
	if len(hist) > s.maxRecords {
		hist = hist[len(hist)-s.maxRecords:]
	}
	if err := s.saveHistory(hist); err != nil {
		s.logger.Error("saving history", "error", err)
		return false
	}
	return true
}

func withinWindow(a, b time.Time) bool {
	d := b.Sub(a)
	if d < 0 {
		d = -d
	}
	return d < DedupWindow
}

// ListHistory returns every entry in storage order. A missing or undecodable
// blob reads as an empty log.
func (s *Store) ListHistory() []HistoryRecord {
	raw, err := s.kv.GetValue(HistoryKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		s.logger.Error("reading history", "error", err)
		return nil
	}
	var hist []HistoryRecord
	if err := json.Unmarshal([]byte(raw), &hist); err != nil {
		s.logger.Warn("decoding history, treating as empty", "error", err)
		return nil
	}
	return hist
}

// DeleteHistoryAt removes the entry at index in storage order. Out of range
// indexes are ignored.
func (s *Store) DeleteHistoryAt(index int) {
	hist := s.ListHistory()
	if index < 0 || index >= len(hist) {
		return
	}
	hist = append(hist[:index], hist[index+1:]...)
	if err := s.saveHistory(hist); err != nil {
		s.logger.Error("saving history", "error", err)
	}
}

// DeleteHistory removes the entry with the given id and reports whether one
// was found.
func (s *Store) DeleteHistory(id string) bool {
	hist := s.ListHistory()
	for i, h := range hist {
		if h.ID == id {
			s.DeleteHistoryAt(i)
			return true
		}
	}
	return false
}

func (s *Store) saveHistory(hist []HistoryRecord) error {
	if hist == nil {
		hist = []HistoryRecord{}
	}
	b, err := json.Marshal(hist)
	if err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}
	return s.kv.SetValue(HistoryKey, string(b))
}

// --- Notes ---

func (s *Store) SaveNote(n Note) error {
	return writeUnit(s, NotesDir, n.ID, n)
}

// ListNotes returns all decodable notes, newest first.
func (s *Store) ListNotes() []Note {
	notes := listUnits[Note](s, NotesDir)
	SortNewestFirst(notes)
	return notes
}

func (s *Store) GetNote(id string) (Note, error) {
	return readUnit[Note](s, NotesDir, id)
}

// DeleteNote removes the note file. Missing files are not an error.
func (s *Store) DeleteNote(id string) error {
	return removeUnit(s, NotesDir, id)
}

// --- Web imports ---

func (s *Store) SaveWebImport(w WebImport) error {
	return writeUnit(s, WebImportsDir, w.ID, w)
}

// ListWebImports returns all decodable web imports, newest first.
func (s *Store) ListWebImports() []WebImport {
	items := listUnits[WebImport](s, WebImportsDir)
	SortNewestFirst(items)
	return items
}

func (s *Store) GetWebImport(id string) (WebImport, error) {
	return readUnit[WebImport](s, WebImportsDir, id)
}

func (s *Store) DeleteWebImport(id string) error {
	return removeUnit(s, WebImportsDir, id)
}

// --- Bulk ---

// DeleteAll clears history and removes every note and web import file. Each
// removal is attempted independently; failures are logged.
func (s *Store) DeleteAll() {
	if err := s.kv.DeleteValue(HistoryKey); err != nil {
		s.logger.Error("clearing history", "error", err)
	}
	for _, dir := range []string{NotesDir, WebImportsDir} {
		entries, err := hackpadfs.ReadDir(s.fs, s.dirPath(dir))
		if err != nil {
			if !errors.Is(err, hackpadfs.ErrNotExist) {
				s.logger.Error("listing directory for delete", "dir", dir, "error", err)
			}
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			p := path.Join(s.dirPath(dir), e.Name())
			if err := hackpadfs.Remove(s.fs, p); err != nil && !errors.Is(err, hackpadfs.ErrNotExist) {
				s.logger.Error("removing record file", "path", p, "error", err)
			}
		}
	}
}

// Migrate moves notes from the legacy bulk blob into per-file storage. It
// runs at most once per Store and is a no-op when the blob is absent. The
// blob is kept if any note fails to save so a later start can retry.
func (s *Store) Migrate() {
	s.migrateOnce.Do(s.migrateLegacyNotes)
}

func (s *Store) migrateLegacyNotes() {
	raw, err := s.kv.GetValue(LegacyNotesKey)
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Error("reading legacy notes", "error", err)
		return
	}

	var notes []Note
	if err := json.Unmarshal([]byte(raw), &notes); err != nil {
		s.logger.Error("decoding legacy notes", "error", err)
		return
	}

	failed := 0
	for _, n := range notes {
		if !validID(n.ID) {
			fresh := uuid.New().String()
			s.logger.Warn("legacy note has no usable id, assigning one", "id", n.ID, "new_id", fresh)
			n.ID = fresh
		}
		if err := s.SaveNote(n); err != nil {
			s.logger.Error("migrating note", "id", n.ID, "error", err)
			failed++
		}
	}
	if failed > 0 {
		return
	}

	if err := s.kv.DeleteValue(LegacyNotesKey); err != nil {
		s.logger.Error("removing legacy notes", "error", err)
		return
	}
	s.logger.Info("migrated legacy notes", "count", len(notes))
}
