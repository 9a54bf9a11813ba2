package records

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Kind tags the variant held by an Entry.
type Kind string

const (
	KindHistory   Kind = "history"
	KindNote      Kind = "note"
	KindWebImport Kind = "web_import"
)

// HistoryRecord is a (query, response) pair produced by a successful dispatch.
type HistoryRecord struct {
	ID        string    `json:"id"`
	Keyword   string    `json:"keyword"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type Note struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type WebImport struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func NewHistoryRecord(keyword, content string, now time.Time) HistoryRecord {
	return HistoryRecord{ID: uuid.New().String(), Keyword: keyword, Content: content, Timestamp: now.UTC()}
}

func NewNote(title, content string, now time.Time) Note {
	return Note{ID: uuid.New().String(), Title: title, Content: content, Timestamp: now.UTC()}
}

func NewWebImport(url, title, content string, now time.Time) WebImport {
	return WebImport{ID: uuid.New().String(), URL: url, Title: title, Content: content, Timestamp: now.UTC()}
}

// Entry is implemented only by HistoryRecord, Note and WebImport. Callers
// switch on Kind() rather than on the dynamic type.
type Entry interface {
	Kind() Kind
	EntryID() string
	When() time.Time
	sealed()
}

func (h HistoryRecord) Kind() Kind      { return KindHistory }
func (h HistoryRecord) EntryID() string { return h.ID }
func (h HistoryRecord) When() time.Time { return h.Timestamp }
func (HistoryRecord) sealed()           {}

func (n Note) Kind() Kind      { return KindNote }
func (n Note) EntryID() string { return n.ID }
func (n Note) When() time.Time { return n.Timestamp }
func (Note) sealed()           {}

func (w WebImport) Kind() Kind      { return KindWebImport }
func (w WebImport) EntryID() string { return w.ID }
func (w WebImport) When() time.Time { return w.Timestamp }
func (WebImport) sealed()           {}

// DisplayTime formats an entry timestamp for listings. History shows the
// time of day; notes and web imports show the date only.
func DisplayTime(e Entry, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	t := e.When().In(loc)
	switch e.Kind() {
	case KindHistory:
		return t.Format("2006-01-02 15:04")
	default:
		return t.Format("2006-01-02")
	}
}

// SortNewestFirst orders entries by timestamp descending. Ties are broken by
// id so the order is stable across calls.
func SortNewestFirst[E Entry](entries []E) {
	sort.SliceStable(entries, func(i, j int) bool {
		ti, tj := entries[i].When(), entries[j].When()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return entries[i].EntryID() > entries[j].EntryID()
	})
}
