// Package session owns the mutable application state. All mutations run on
// a single goroutine (Run); network work runs elsewhere and posts its result
// back onto that goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/refnote/internal/ingest"
	"github.com/kalambet/refnote/internal/pipeline"
	"github.com/kalambet/refnote/internal/records"
	"github.com/kalambet/refnote/internal/selection"
)

// ErrClosed is returned by operations issued after Run has returned.
var ErrClosed = errors.New("session closed")

// ErrEmptyNote is returned by SaveNote when both title and content are blank.
var ErrEmptyNote = errors.New("note needs a title or content")

// Store is the persistence the session drives. Implemented by records.Store.
type Store interface {
	pipeline.Recorder
	ingest.Saver

	Migrate()
	ListHistory() []records.HistoryRecord
	ListNotes() []records.Note
	ListWebImports() []records.WebImport
	GetWebImport(id string) (records.WebImport, error)
	DeleteHistory(id string) bool
	DeleteNote(id string) error
	DeleteWebImport(id string) error
	DeleteAll()
}

// View is an immutable snapshot of the published state.
type View struct {
	Version uint64 `json:"version"`

	// FilterResult is the response to the most recent successful query.
	FilterResult string `json:"filter_result"`
	Dispatching  bool   `json:"dispatching"`
	// QueryPhase is the dispatcher phase last reported through ObservePhase.
	QueryPhase string `json:"query_phase"`

	// History is newest first.
	History    []records.HistoryRecord `json:"history"`
	Notes      []records.Note          `json:"notes"`
	WebImports []records.WebImport     `json:"web_imports"`

	SelectedNoteIDs      []string `json:"selected_note_ids"`
	SelectedWebImportIDs []string `json:"selected_web_import_ids"`

	Importing bool           `json:"importing"`
	Staged    *ingest.Staged `json:"staged,omitempty"`

	// Err is the message of the last failed query or import.
	Err string `json:"error,omitempty"`
}

type Options struct {
	Now    func() time.Time
	Logger *slog.Logger
}

type Session struct {
	store      Store
	selector   *selection.Selector
	dispatcher *pipeline.Dispatcher
	importer   *ingest.Importer
	now        func() time.Time
	logger     *slog.Logger

	ops     chan op
	done    chan struct{}
	started chan struct{}
	runOnce sync.Once

	// Owned by the Run goroutine.
	view      View
	inflight  int
	importing int

	subsMu  sync.Mutex
	subs    map[int]chan View
	nextSub int
	latest  View
}

func New(store Store, dispatcher *pipeline.Dispatcher, importer *ingest.Importer, opts Options) *Session {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Session{
		store:      store,
		selector:   selection.New(),
		dispatcher: dispatcher,
		importer:   importer,
		now:        opts.Now,
		logger:     opts.Logger,
		ops:        make(chan op),
		done:       make(chan struct{}),
		started:    make(chan struct{}),
		subs:       make(map[int]chan View),
	}
}

// Run migrates legacy data, loads the record lists and executes operations
// until ctx is done. It must be called once.
func (s *Session) Run(ctx context.Context) error {
	first := false
	s.runOnce.Do(func() { first = true })
	if !first {
		return errors.New("session: Run called twice")
	}
	defer close(s.done)

	s.store.Migrate()
	s.view.QueryPhase = pipeline.PhaseIdle.String()
	s.refresh()
	s.publish()
	close(s.started)

	for {
		select {
		case <-ctx.Done():
			return nil
		case o := <-s.ops:
			o.fn()
			s.publish()
			if o.then != nil {
				o.then()
			}
		}
	}
}

// op is a mutation run on the owner goroutine. then runs after the
// resulting view has been published.
type op struct {
	fn   func()
	then func()
}

// do runs fn on the owner goroutine and waits until its view is published.
func (s *Session) do(ctx context.Context, fn func()) error {
	reply := make(chan struct{})
	select {
	case s.ops <- op{fn: fn, then: func() { close(reply) }}:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-reply
	return nil
}

// post queues fn without waiting. Used by background work to deliver results.
func (s *Session) post(fn, then func()) {
	select {
	case s.ops <- op{fn: fn, then: then}:
	case <-s.done:
	}
}

// Ready is closed once the initial state has been loaded.
func (s *Session) Ready() <-chan struct{} { return s.started }

// Snapshot returns the most recently published view.
func (s *Session) Snapshot() View {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	return s.latest
}

// Subscribe returns a channel that receives a view after every mutation.
// A slow reader skips intermediate views and sees the newest one. The
// returned func unsubscribes and closes the channel.
func (s *Session) Subscribe() (<-chan View, func()) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan View, 1)
	ch <- s.latest
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			defer s.subsMu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
}

func (s *Session) publish() {
	s.view.Version++
	s.view.Dispatching = s.inflight > 0
	s.view.Importing = s.importing > 0
	s.view.SelectedNoteIDs = s.selector.NoteIDs()
	s.view.SelectedWebImportIDs = s.selector.WebImportIDs()
	if st, ok := s.importer.Staged(); ok {
		s.view.Staged = &st
	} else {
		s.view.Staged = nil
	}

	v := s.view
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.latest = v
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- v
	}
}

// refresh reloads the record lists and prunes selections of deleted ids.
func (s *Session) refresh() {
	hist := s.store.ListHistory()
	records.SortNewestFirst(hist)
	s.view.History = hist
	s.view.Notes = s.store.ListNotes()
	s.view.WebImports = s.store.ListWebImports()

	noteIDs := make([]string, len(s.view.Notes))
	for i, n := range s.view.Notes {
		noteIDs[i] = n.ID
	}
	webIDs := make([]string, len(s.view.WebImports))
	for i, w := range s.view.WebImports {
		webIDs[i] = w.ID
	}
	s.selector.Prune(noteIDs, webIDs)
}

// --- Selection ---

// ToggleNote flips the selection of a note and reports whether it is now
// selected. Unknown ids are ignored.
func (s *Session) ToggleNote(ctx context.Context, id string) (bool, error) {
	var selected bool
	err := s.do(ctx, func() {
		if !containsID(s.view.Notes, id) {
			return
		}
		selected = s.selector.ToggleNote(id)
	})
	return selected, err
}

func (s *Session) ToggleWebImport(ctx context.Context, id string) (bool, error) {
	var selected bool
	err := s.do(ctx, func() {
		if !containsID(s.view.WebImports, id) {
			return
		}
		selected = s.selector.ToggleWebImport(id)
	})
	return selected, err
}

func (s *Session) ClearSelection(ctx context.Context) error {
	return s.do(ctx, s.selector.Clear)
}

func containsID[E records.Entry](entries []E, id string) bool {
	for _, e := range entries {
		if e.EntryID() == id {
			return true
		}
	}
	return false
}

// --- Query ---

// Filter sends query with the current selection attached. The completion
// runs off the owner goroutine and its result is applied back on it. The
// query is not abandoned if ctx ends first; only the wait is.
func (s *Session) Filter(ctx context.Context, query string) (pipeline.Result, error) {
	type outcome struct {
		res pipeline.Result
		err error
	}
	reply := make(chan outcome, 1)

	err := s.do(ctx, func() {
		req := pipeline.Request{
			Query:      query,
			Notes:      s.selector.SelectedNotes(s.view.Notes),
			WebImports: s.selector.SelectedWebImports(s.view.WebImports),
		}
		s.inflight++
		sendCtx := context.WithoutCancel(ctx)
		go func() {
			out, err := s.dispatcher.Send(sendCtx, req)
			var res pipeline.Result
			s.post(func() {
				s.inflight--
				if err != nil {
					s.view.Err = err.Error()
					return
				}
				res = s.dispatcher.Persist(out)
				s.view.FilterResult = res.Response
				s.view.Err = ""
				s.refresh()
			}, func() { reply <- outcome{res: res, err: err} })
		}()
	})
	if err != nil {
		return pipeline.Result{}, err
	}

	select {
	case o := <-reply:
		return o.res, o.err
	case <-ctx.Done():
		return pipeline.Result{}, ctx.Err()
	case <-s.done:
		return pipeline.Result{}, ErrClosed
	}
}

// ObservePhase records a dispatcher phase change in the view. It is meant
// as the dispatcher's OnPhase hook and may be called from any goroutine.
func (s *Session) ObservePhase(p pipeline.Phase) {
	s.post(func() { s.view.QueryPhase = p.String() }, nil)
}

// --- Notes and history ---

func (s *Session) SaveNote(ctx context.Context, title, content string) (records.Note, error) {
	if title == "" && content == "" {
		return records.Note{}, ErrEmptyNote
	}
	var (
		n       records.Note
		saveErr error
	)
	err := s.do(ctx, func() {
		n = records.NewNote(title, content, s.now())
		if saveErr = s.store.SaveNote(n); saveErr != nil {
			s.logger.Error("saving note", "id", n.ID, "error", saveErr)
			return
		}
		s.refresh()
	})
	if err != nil {
		return records.Note{}, err
	}
	if saveErr != nil {
		return records.Note{}, fmt.Errorf("saving note: %w", saveErr)
	}
	return n, nil
}

// DeleteHistory removes a history entry by id and reports whether it existed.
func (s *Session) DeleteHistory(ctx context.Context, id string) (bool, error) {
	var found bool
	err := s.do(ctx, func() {
		found = s.store.DeleteHistory(id)
		s.refresh()
	})
	return found, err
}

func (s *Session) DeleteNote(ctx context.Context, id string) error {
	return s.do(ctx, func() {
		if err := s.store.DeleteNote(id); err != nil {
			s.logger.Error("deleting note", "id", id, "error", err)
		}
		s.selector.RemoveNote(id)
		s.refresh()
	})
}

func (s *Session) DeleteWebImport(ctx context.Context, id string) error {
	return s.do(ctx, func() {
		if err := s.store.DeleteWebImport(id); err != nil {
			s.logger.Error("deleting web import", "id", id, "error", err)
		}
		s.selector.RemoveWebImport(id)
		s.refresh()
	})
}

// DeleteAll removes every record and clears the selection and last result.
func (s *Session) DeleteAll(ctx context.Context) error {
	return s.do(ctx, func() {
		s.store.DeleteAll()
		s.selector.Clear()
		s.view.FilterResult = ""
		s.view.Err = ""
		s.refresh()
	})
}

// ConvertWebImport saves a note copy of a web import, prefixed with its URL.
func (s *Session) ConvertWebImport(ctx context.Context, id string) (records.Note, error) {
	var (
		n     records.Note
		opErr error
	)
	err := s.do(ctx, func() {
		w, err := s.store.GetWebImport(id)
		if err != nil {
			opErr = fmt.Errorf("loading web import %s: %w", id, err)
			return
		}
		n = ingest.NoteFromPage(w.Title, w.URL, w.Content, s.now())
		if err := s.store.SaveNote(n); err != nil {
			opErr = fmt.Errorf("saving note: %w", err)
			return
		}
		s.refresh()
	})
	if err != nil {
		return records.Note{}, err
	}
	return n, opErr
}

// Refresh reloads every list from the store, picking up record files
// changed outside the session.
func (s *Session) Refresh(ctx context.Context) error {
	return s.do(ctx, s.refresh)
}

// --- Web import ---

// ImportURL fetches rawURL and stages it for confirmation. Invalid input is
// rejected before anything changes. The download runs off the owner
// goroutine; staging happens back on it. A newer import or CancelImport
// supersedes this one, in which case ingest.ErrCanceled is returned.
func (s *Session) ImportURL(ctx context.Context, rawURL, title string) (ingest.Staged, error) {
	if _, err := ingest.ValidateURL(rawURL); err != nil {
		return ingest.Staged{}, err
	}

	type outcome struct {
		st  ingest.Staged
		err error
	}
	reply := make(chan outcome, 1)

	var beginErr error
	err := s.do(ctx, func() {
		job, err := s.importer.Begin(ctx, rawURL, title)
		if err != nil {
			beginErr = err
			return
		}
		s.importing++
		go func() {
			st, err := s.importer.Download(job)
			s.post(func() {
				s.importing--
				st, err = s.importer.Stage(job, st, err)
				switch {
				case errors.Is(err, ingest.ErrCanceled):
				case err != nil:
					s.view.Err = err.Error()
				default:
					s.view.Err = ""
				}
			}, func() { reply <- outcome{st: st, err: err} })
		}()
	})
	if err != nil {
		return ingest.Staged{}, err
	}
	if beginErr != nil {
		return ingest.Staged{}, beginErr
	}

	select {
	case o := <-reply:
		return o.st, o.err
	case <-s.done:
		return ingest.Staged{}, ErrClosed
	}
}

func (s *Session) ConfirmImportAsWebImport(ctx context.Context) (records.WebImport, error) {
	var (
		w     records.WebImport
		opErr error
	)
	err := s.do(ctx, func() {
		w, opErr = s.importer.ConfirmAsWebImport()
		if opErr == nil {
			s.refresh()
		}
	})
	if err != nil {
		return records.WebImport{}, err
	}
	return w, opErr
}

func (s *Session) ConfirmImportAsNote(ctx context.Context) (records.Note, error) {
	var (
		n     records.Note
		opErr error
	)
	err := s.do(ctx, func() {
		n, opErr = s.importer.ConfirmAsNote()
		if opErr == nil {
			s.refresh()
		}
	})
	if err != nil {
		return records.Note{}, err
	}
	return n, opErr
}

func (s *Session) CancelImport(ctx context.Context) error {
	return s.do(ctx, s.importer.Cancel)
}
