package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hack-pad/hackpadfs"
	"github.com/hack-pad/hackpadfs/mem"

	"github.com/kalambet/refnote/internal/storage"
)

// memKV is an in-memory KV backend.
type memKV struct {
	mu       sync.Mutex
	data     map[string]string
	failSave bool
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string]string)}
}

func (m *memKV) GetValue(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", storage.ErrNotFound
	}
	return v, nil
}

func (m *memKV) SetValue(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave {
		return errors.New("injected set failure")
	}
	m.data[key] = value
	return nil
}

func (m *memKV) DeleteValue(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T, maxRecords int) (*Store, *memKV, hackpadfs.FS) {
	t.Helper()
	fsys, err := mem.NewFS()
	if err != nil {
		t.Fatal(err)
	}
	kv := newMemKV()
	s, err := New(kv, fsys, "", Options{MaxRecords: maxRecords, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, kv, fsys
}

var base = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func TestAppendHistory_CapNeverExceeded(t *testing.T) {
	s, _, _ := newTestStore(t, 5)

	for i := 0; i < 20; i++ {
		s.AppendHistory(NewHistoryRecord(fmt.Sprintf("q%d", i), "a", base.Add(time.Duration(i)*time.Minute)))
		if got := len(s.ListHistory()); got > 5 {
			t.Fatalf("after %d appends len = %d, want <= 5", i+1, got)
		}
	}
}

func TestAppendHistory_DedupWithinWindow(t *testing.T) {
	tests := []struct {
		name    string
		keyword string
		offset  time.Duration
		stored  bool
	}{
		{"same keyword same time", "What is Go?", 0, false},
		{"case differs", "WHAT IS GO?", time.Hour, false},
		{"just inside window", "what is go?", 23*time.Hour + 59*time.Minute, false},
		{"at window edge", "what is go?", 24 * time.Hour, true},
		{"outside window", "what is go?", 25 * time.Hour, true},
		{"different keyword", "what is rust?", time.Minute, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := newTestStore(t, 0)
			s.AppendHistory(NewHistoryRecord("what is go?", "first", base))

			got := s.AppendHistory(NewHistoryRecord(tt.keyword, "second", base.Add(tt.offset)))
			if got != tt.stored {
				t.Errorf("AppendHistory = %v, want %v", got, tt.stored)
			}
			wantLen := 1
			if tt.stored {
				wantLen = 2
			}
			if n := len(s.ListHistory()); n != wantLen {
				t.Errorf("len = %d, want %d", n, wantLen)
			}
		})
	}
}

func TestAppendHistory_101KeepsNewestInOrder(t *testing.T) {
	s, _, _ := newTestStore(t, 0)

	var ids []string
	for i := 0; i < 101; i++ {
		rec := NewHistoryRecord(fmt.Sprintf("keyword-%03d", i), "content", base.Add(time.Duration(i)*time.Second))
		ids = append(ids, rec.ID)
		if !s.AppendHistory(rec) {
			t.Fatalf("append %d suppressed", i)
		}
	}

	hist := s.ListHistory()
	if len(hist) != 100 {
		t.Fatalf("len = %d, want 100", len(hist))
	}
	for i, h := range hist {
		if h.ID != ids[i+1] {
			t.Fatalf("hist[%d].ID = %s, want %s", i, h.ID, ids[i+1])
		}
	}
}

func TestAppendHistory_EvictsByStorageOrder(t *testing.T) {
	s, _, _ := newTestStore(t, 2)

	// Appended first but carrying the newest timestamp.
	s.AppendHistory(NewHistoryRecord("a", "", base.Add(72*time.Hour)))
	s.AppendHistory(NewHistoryRecord("b", "", base))
	s.AppendHistory(NewHistoryRecord("c", "", base.Add(time.Hour)))

	hist := s.ListHistory()
	if len(hist) != 2 || hist[0].Keyword != "b" || hist[1].Keyword != "c" {
		t.Errorf("history = %+v, want [b c]", hist)
	}
}

func TestAppendHistory_SaveFailure(t *testing.T) {
	s, kv, _ := newTestStore(t, 0)
	kv.failSave = true

	if s.AppendHistory(NewHistoryRecord("q", "a", base)) {
		t.Error("AppendHistory reported success despite save failure")
	}
}

func TestHistory_PersistedAsJSON(t *testing.T) {
	s, kv, _ := newTestStore(t, 0)
	s.AppendHistory(NewHistoryRecord("q", "a", base))

	raw, err := kv.GetValue(HistoryKey)
	if err != nil {
		t.Fatalf("GetValue: %v", err)
	}
	var decoded []map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		t.Fatalf("history blob is not a JSON array: %v", err)
	}
	if decoded[0]["timestamp"] != "2025-03-01T09:00:00Z" {
		t.Errorf("timestamp = %v, want ISO-8601 UTC", decoded[0]["timestamp"])
	}
}

func TestDeleteHistoryAt(t *testing.T) {
	s, _, _ := newTestStore(t, 0)
	for i := 0; i < 3; i++ {
		s.AppendHistory(NewHistoryRecord(fmt.Sprintf("q%d", i), "", base))
	}

	s.DeleteHistoryAt(-1)
	s.DeleteHistoryAt(3)
	if n := len(s.ListHistory()); n != 3 {
		t.Fatalf("out of range delete changed len to %d", n)
	}

	s.DeleteHistoryAt(1)
	hist := s.ListHistory()
	if len(hist) != 2 || hist[0].Keyword != "q0" || hist[1].Keyword != "q2" {
		t.Errorf("history = %+v, want [q0 q2]", hist)
	}
}

func TestDeleteHistoryByID(t *testing.T) {
	s, _, _ := newTestStore(t, 0)
	rec := NewHistoryRecord("q", "", base)
	s.AppendHistory(rec)

	if s.DeleteHistory("nope") {
		t.Error("DeleteHistory(unknown) = true")
	}
	if !s.DeleteHistory(rec.ID) {
		t.Error("DeleteHistory(existing) = false")
	}
	if n := len(s.ListHistory()); n != 0 {
		t.Errorf("len = %d, want 0", n)
	}
}

func TestNoteRoundTrip(t *testing.T) {
	s, _, _ := newTestStore(t, 0)
	n := NewNote("光合作用", "植物利用光能", base)

	if err := s.SaveNote(n); err != nil {
		t.Fatalf("SaveNote: %v", err)
	}

	notes := s.ListNotes()
	if len(notes) != 1 {
		t.Fatalf("got %d notes, want 1", len(notes))
	}
	got := notes[0]
	if got.ID != n.ID || got.Title != n.Title || got.Content != n.Content || !got.Timestamp.Equal(n.Timestamp) {
		t.Errorf("note = %+v, want %+v", got, n)
	}

	byID, err := s.GetNote(n.ID)
	if err != nil {
		t.Fatalf("GetNote: %v", err)
	}
	if byID.Title != n.Title {
		t.Errorf("GetNote title = %q, want %q", byID.Title, n.Title)
	}
}

func TestListNotes_NewestFirst(t *testing.T) {
	s, _, _ := newTestStore(t, 0)
	for i := 0; i < 3; i++ {
		if err := s.SaveNote(NewNote(fmt.Sprintf("n%d", i), "", base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatal(err)
		}
	}

	notes := s.ListNotes()
	want := []string{"n2", "n1", "n0"}
	for i, w := range want {
		if notes[i].Title != w {
			t.Errorf("notes[%d].Title = %q, want %q", i, notes[i].Title, w)
		}
	}
}

func TestListNotes_SkipsCorruptUnit(t *testing.T) {
	s, _, fsys := newTestStore(t, 0)
	good := NewNote("good", "ok", base)
	if err := s.SaveNote(good); err != nil {
		t.Fatal(err)
	}
	if err := hackpadfs.WriteFullFile(fsys, "Notes/broken.json", []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := hackpadfs.WriteFullFile(fsys, "Notes/readme.txt", []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	notes := s.ListNotes()
	if len(notes) != 1 || notes[0].ID != good.ID {
		t.Errorf("notes = %+v, want only the good note", notes)
	}
}

func TestGetNote_NotFound(t *testing.T) {
	s, _, _ := newTestStore(t, 0)
	if _, err := s.GetNote("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestDeleteNote_Idempotent(t *testing.T) {
	s, _, _ := newTestStore(t, 0)
	n := NewNote("t", "c", base)
	if err := s.SaveNote(n); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteNote(n.ID); err != nil {
		t.Fatalf("DeleteNote: %v", err)
	}
	if err := s.DeleteNote(n.ID); err != nil {
		t.Errorf("second DeleteNote: %v", err)
	}
	if len(s.ListNotes()) != 0 {
		t.Error("note still listed after delete")
	}
}

func TestSaveNote_RejectsPathID(t *testing.T) {
	s, _, _ := newTestStore(t, 0)
	for _, id := range []string{"", "..", "../escape", `a\b`} {
		if err := s.SaveNote(Note{ID: id, Title: "x"}); err == nil {
			t.Errorf("SaveNote(id=%q) succeeded, want error", id)
		}
	}
}

func TestSaveNote_OverwriteKeepsOthers(t *testing.T) {
	s, _, _ := newTestStore(t, 0)
	a := NewNote("a", "1", base)
	b := NewNote("b", "2", base.Add(time.Minute))
	for _, n := range []Note{a, b} {
		if err := s.SaveNote(n); err != nil {
			t.Fatal(err)
		}
	}

	a.Content = "updated"
	if err := s.SaveNote(a); err != nil {
		t.Fatal(err)
	}

	notes := s.ListNotes()
	if len(notes) != 2 {
		t.Fatalf("got %d notes, want 2", len(notes))
	}
	if notes[1].Content != "updated" || notes[0].Content != "2" {
		t.Errorf("notes = %+v", notes)
	}
}

func TestWebImportRoundTrip(t *testing.T) {
	s, _, _ := newTestStore(t, 0)
	w := NewWebImport("https://example.com/a", "Example", "body", base)
	if err := s.SaveWebImport(w); err != nil {
		t.Fatalf("SaveWebImport: %v", err)
	}

	items := s.ListWebImports()
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	got := items[0]
	if got.ID != w.ID || got.URL != w.URL || got.Title != w.Title || got.Content != w.Content || !got.Timestamp.Equal(w.Timestamp) {
		t.Errorf("item = %+v, want %+v", got, w)
	}

	if err := s.DeleteWebImport(w.ID); err != nil {
		t.Fatalf("DeleteWebImport: %v", err)
	}
	if _, err := s.GetWebImport(w.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetWebImport after delete: %v, want ErrNotFound", err)
	}
}

func TestDeleteAll(t *testing.T) {
	s, _, _ := newTestStore(t, 0)
	s.AppendHistory(NewHistoryRecord("q", "a", base))
	for i := 0; i < 3; i++ {
		s.SaveNote(NewNote(fmt.Sprintf("n%d", i), "", base))
		s.SaveWebImport(NewWebImport("https://example.com", fmt.Sprintf("w%d", i), "", base))
	}

	s.DeleteAll()

	if n := len(s.ListHistory()); n != 0 {
		t.Errorf("history len = %d, want 0", n)
	}
	if n := len(s.ListNotes()); n != 0 {
		t.Errorf("notes len = %d, want 0", n)
	}
	if n := len(s.ListWebImports()); n != 0 {
		t.Errorf("web imports len = %d, want 0", n)
	}
}

// flakyFS fails removal of any path containing failOn.
type flakyFS struct {
	*mem.FS
	failOn string
}

func (f *flakyFS) Remove(name string) error {
	if strings.Contains(name, f.failOn) {
		return errors.New("injected remove failure")
	}
	return f.FS.Remove(name)
}

func TestDeleteAll_ContinuesPastFailures(t *testing.T) {
	memFS, err := mem.NewFS()
	if err != nil {
		t.Fatal(err)
	}
	stuck := NewNote("stuck", "", base)
	fsys := &flakyFS{FS: memFS, failOn: stuck.ID}
	s, err := New(newMemKV(), fsys, "", Options{Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}

	s.AppendHistory(NewHistoryRecord("q", "a", base))
	s.SaveNote(stuck)
	s.SaveNote(NewNote("other", "", base))
	s.SaveWebImport(NewWebImport("https://example.com", "w", "", base))

	s.DeleteAll()

	if n := len(s.ListHistory()); n != 0 {
		t.Errorf("history len = %d, want 0", n)
	}
	if n := len(s.ListWebImports()); n != 0 {
		t.Errorf("web imports len = %d, want 0", n)
	}
	notes := s.ListNotes()
	if len(notes) != 1 || notes[0].ID != stuck.ID {
		t.Errorf("notes = %+v, want only the note whose removal failed", notes)
	}

	// Once the fault clears, a second pass empties everything.
	fsys.failOn = "\x00"
	s.DeleteAll()
	if n := len(s.ListNotes()); n != 0 {
		t.Errorf("notes len after retry = %d, want 0", n)
	}
}

func TestMigrate_MovesLegacyNotes(t *testing.T) {
	s, kv, _ := newTestStore(t, 0)
	legacy := []Note{
		NewNote("old 1", "a", base),
		NewNote("old 2", "b", base.Add(time.Hour)),
	}
	b, _ := json.Marshal(legacy)
	kv.SetValue(LegacyNotesKey, string(b))

	s.Migrate()

	notes := s.ListNotes()
	if len(notes) != 2 {
		t.Fatalf("got %d notes, want 2", len(notes))
	}
	if notes[0].Title != "old 2" {
		t.Errorf("notes[0].Title = %q, want %q", notes[0].Title, "old 2")
	}
	if _, err := kv.GetValue(LegacyNotesKey); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("legacy key still present: %v", err)
	}
}

func TestMigrate_AssignsMissingIDs(t *testing.T) {
	s, kv, _ := newTestStore(t, 0)
	kv.SetValue(LegacyNotesKey, `[{"title":"a","content":"b","timestamp":"2024-01-01T00:00:00Z"},{"id":"../x","title":"c","content":"d","timestamp":"2024-01-02T00:00:00Z"}]`)

	s.Migrate()

	notes := s.ListNotes()
	if len(notes) != 2 {
		t.Fatalf("got %d notes, want 2", len(notes))
	}
	for _, n := range notes {
		if _, err := uuid.Parse(n.ID); err != nil {
			t.Errorf("note %q id %q is not a uuid", n.Title, n.ID)
		}
	}
	if _, err := kv.GetValue(LegacyNotesKey); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("legacy key still present: %v", err)
	}
}

func TestMigrate_RunsOncePerStore(t *testing.T) {
	s, kv, _ := newTestStore(t, 0)
	s.Migrate()

	// A blob appearing after the first run is left alone by this instance.
	b, _ := json.Marshal([]Note{NewNote("late", "", base)})
	kv.SetValue(LegacyNotesKey, string(b))
	s.Migrate()

	if n := len(s.ListNotes()); n != 0 {
		t.Errorf("got %d notes, want 0", n)
	}
	if _, err := kv.GetValue(LegacyNotesKey); err != nil {
		t.Errorf("legacy key removed by second Migrate: %v", err)
	}
}

func TestMigrate_NoLegacyIsNoop(t *testing.T) {
	s, _, _ := newTestStore(t, 0)
	s.Migrate()
	if n := len(s.ListNotes()); n != 0 {
		t.Errorf("got %d notes, want 0", n)
	}
}

func TestMigrate_CorruptBlobKept(t *testing.T) {
	s, kv, _ := newTestStore(t, 0)
	kv.SetValue(LegacyNotesKey, "not json")

	s.Migrate()

	if v, err := kv.GetValue(LegacyNotesKey); err != nil || v != "not json" {
		t.Errorf("legacy blob = %q, %v; want it left in place", v, err)
	}
}

func TestStoreOnSQLiteAndDisk(t *testing.T) {
	dir := t.TempDir()
	kv, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer kv.Close()

	s, err := OpenDir(kv, dir, Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("OpenDir: %v", err)
	}
	n := NewNote("disk", "content", base)
	if err := s.SaveNote(n); err != nil {
		t.Fatalf("SaveNote: %v", err)
	}
	s.AppendHistory(NewHistoryRecord("q", "a", base))

	s2, err := OpenDir(kv, dir, Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("second OpenDir: %v", err)
	}
	if notes := s2.ListNotes(); len(notes) != 1 || notes[0].ID != n.ID {
		t.Errorf("notes = %+v", notes)
	}
	if hist := s2.ListHistory(); len(hist) != 1 {
		t.Errorf("history len = %d, want 1", len(hist))
	}
}
