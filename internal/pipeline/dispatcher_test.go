package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/refnote/internal/proxy"
	"github.com/kalambet/refnote/internal/records"
)

type stubCompleter struct {
	mu      sync.Mutex
	prompts []string
	resp    string
	err     error
	block   chan struct{}
}

func (s *stubCompleter) Complete(ctx context.Context, apiKey, prompt string) (string, error) {
	if apiKey == "" {
		return "", proxy.ErrMissingCredential
	}
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return "", &proxy.NetworkError{Err: ctx.Err()}
		}
	}
	return s.resp, s.err
}

type fakeRecorder struct {
	history []records.HistoryRecord
	notes   []records.Note
	noteErr error
}

func (f *fakeRecorder) AppendHistory(rec records.HistoryRecord) bool {
	f.history = append(f.history, rec)
	return true
}

func (f *fakeRecorder) SaveNote(n records.Note) error {
	if f.noteErr != nil {
		return f.noteErr
	}
	f.notes = append(f.notes, n)
	return nil
}

type countingTransport struct{ calls atomic.Int32 }

func (t *countingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	t.calls.Add(1)
	return nil, errors.New("unexpected call")
}

var fixedNow = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestDispatcher(c Completer, r Recorder, key string) *Dispatcher {
	return New(c, r, func() string { return key }, Options{
		Now:    func() time.Time { return fixedNow },
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestDispatch_NoSelectionStoresHistoryOnly(t *testing.T) {
	c := &stubCompleter{resp: "光合作用是植物利用光能的过程。"}
	r := &fakeRecorder{}
	d := newTestDispatcher(c, r, "k")

	res, err := d.Dispatch(context.Background(), Request{Query: "光合作用"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if c.prompts[0] != "光合作用" {
		t.Errorf("prompt = %q, want query verbatim", c.prompts[0])
	}
	if len(r.history) != 1 {
		t.Fatalf("history len = %d, want 1", len(r.history))
	}
	h := r.history[0]
	if h.Keyword != "光合作用" || h.Content != c.resp || !h.Timestamp.Equal(fixedNow) {
		t.Errorf("history = %+v", h)
	}
	if len(r.notes) != 0 || res.Note != nil {
		t.Errorf("notes = %d, res.Note = %v, want none", len(r.notes), res.Note)
	}
	if !res.HistoryStored {
		t.Error("HistoryStored = false")
	}
}

func TestDispatch_WithSelectionStoresDerivedNote(t *testing.T) {
	c := &stubCompleter{resp: "答案"}
	r := &fakeRecorder{}
	d := newTestDispatcher(c, r, "k")

	ref := records.NewNote("植物学笔记", "叶绿体吸收光。", fixedNow.Add(-time.Hour))
	res, err := d.Dispatch(context.Background(), Request{Query: "光合作用", Notes: []records.Note{ref}})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !strings.Contains(c.prompts[0], "叶绿体吸收光。") || !strings.HasSuffix(c.prompts[0], "光合作用") {
		t.Errorf("prompt = %q", c.prompts[0])
	}
	if len(r.history) != 1 {
		t.Fatalf("history len = %d, want 1", len(r.history))
	}
	if len(r.notes) != 1 || res.Note == nil {
		t.Fatalf("notes = %d, want 1", len(r.notes))
	}
	n := r.notes[0]
	if n.Title != "光合作用" {
		t.Errorf("note title = %q", n.Title)
	}
	if !strings.HasPrefix(n.Content, "答案") {
		t.Errorf("note content should start with response: %q", n.Content)
	}
	if !strings.HasSuffix(n.Content, "- Note: 植物学笔记") {
		t.Errorf("note content should end with attribution: %q", n.Content)
	}
}

func TestDispatch_MissingCredentialNoNetwork(t *testing.T) {
	rt := &countingTransport{}
	client := proxy.NewClientWithBaseURL("http://example.invalid", "", &http.Client{Transport: rt})
	r := &fakeRecorder{}
	d := newTestDispatcher(client, r, "")

	_, err := d.Dispatch(context.Background(), Request{Query: "hello"})
	if !errors.Is(err, proxy.ErrMissingCredential) {
		t.Fatalf("err = %v, want ErrMissingCredential", err)
	}
	if n := rt.calls.Load(); n != 0 {
		t.Errorf("transport calls = %d, want 0", n)
	}
	if len(r.history) != 0 || len(r.notes) != 0 {
		t.Error("failure must persist nothing")
	}
}

func TestDispatch_FailuresPersistNothing(t *testing.T) {
	errs := []error{
		&proxy.NetworkError{Err: errors.New("refused")},
		&proxy.ServerError{Status: 500, Body: "boom"},
		&proxy.ParsingError{Err: errors.New("no choices")},
	}
	for _, want := range errs {
		c := &stubCompleter{err: want}
		r := &fakeRecorder{}
		d := newTestDispatcher(c, r, "k")
		ref := records.NewNote("t", "c", fixedNow)

		_, err := d.Dispatch(context.Background(), Request{Query: "q", Notes: []records.Note{ref}})
		if !errors.Is(err, want) {
			t.Errorf("err = %v, want %v", err, want)
		}
		if len(r.history) != 0 || len(r.notes) != 0 {
			t.Errorf("%T: persisted on failure", want)
		}
		if len(c.prompts) != 1 {
			t.Errorf("%T: completer called %d times, want 1", want, len(c.prompts))
		}
	}
}

func TestDispatch_EmptyQuery(t *testing.T) {
	c := &stubCompleter{resp: "x"}
	d := newTestDispatcher(c, &fakeRecorder{}, "k")
	if _, err := d.Dispatch(context.Background(), Request{}); !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("err = %v, want ErrEmptyQuery", err)
	}
	if len(c.prompts) != 0 {
		t.Error("completer should not be called")
	}
}

func TestDispatch_ConcurrentCallIsBusy(t *testing.T) {
	c := &stubCompleter{resp: "ok", block: make(chan struct{})}
	r := &fakeRecorder{}
	var phases []Phase
	var mu sync.Mutex
	started := make(chan struct{}, 1)
	d := New(c, r, func() string { return "k" }, Options{
		Now:    func() time.Time { return fixedNow },
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnPhase: func(p Phase) {
			mu.Lock()
			phases = append(phases, p)
			mu.Unlock()
			if p == PhaseDispatching {
				started <- struct{}{}
			}
		},
	})

	done := make(chan error, 1)
	go func() {
		_, err := d.Send(context.Background(), Request{Query: "first"})
		done <- err
	}()
	<-started

	if _, err := d.Send(context.Background(), Request{Query: "second"}); !errors.Is(err, ErrBusy) {
		t.Errorf("second Send err = %v, want ErrBusy", err)
	}

	close(c.block)
	if err := <-done; err != nil {
		t.Fatalf("first Send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []Phase{PhaseDispatching, PhaseSucceeded, PhaseIdle}
	if len(phases) != len(want) {
		t.Fatalf("phases = %v, want %v", phases, want)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Errorf("phases[%d] = %v, want %v", i, phases[i], want[i])
		}
	}
}

func TestPersist_NoteSaveFailureKeepsHistory(t *testing.T) {
	r := &fakeRecorder{noteErr: errors.New("disk full")}
	d := newTestDispatcher(&stubCompleter{}, r, "k")
	out := Outcome{
		Query:    "q",
		Prompt:   Prepare(Request{Query: "q", Notes: []records.Note{records.NewNote("t", "c", fixedNow)}}),
		Response: "a",
		At:       fixedNow,
	}
	res := d.Persist(out)
	if len(r.history) != 1 {
		t.Errorf("history len = %d, want 1", len(r.history))
	}
	if res.Note != nil {
		t.Error("Note should be nil when save fails")
	}
}

func TestSend_FailurePhases(t *testing.T) {
	var phases []Phase
	d := New(&stubCompleter{err: &proxy.ServerError{Status: 500}}, &fakeRecorder{}, func() string { return "k" }, Options{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnPhase: func(p Phase) { phases = append(phases, p) },
	})

	if _, err := d.Send(context.Background(), Request{Query: "q"}); err == nil {
		t.Fatal("expected an error")
	}
	want := []Phase{PhaseDispatching, PhaseFailed, PhaseIdle}
	if len(phases) != len(want) {
		t.Fatalf("phases = %v, want %v", phases, want)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Errorf("phases[%d] = %v, want %v", i, phases[i], want[i])
		}
	}
}
