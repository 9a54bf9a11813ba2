package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kalambet/refnote/internal/composer"
	"github.com/kalambet/refnote/internal/records"
)

// Phase is the dispatcher's lifecycle position.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseDispatching
	PhaseSucceeded
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDispatching:
		return "dispatching"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// ErrBusy is returned when a dispatch is attempted while another is in flight.
var ErrBusy = errors.New("a query is already in flight")

// ErrEmptyQuery is returned for blank queries.
var ErrEmptyQuery = errors.New("query is empty")

// Completer sends a prompt to the LLM and returns the response text.
// Implemented by proxy.Client.
type Completer interface {
	Complete(ctx context.Context, apiKey, prompt string) (string, error)
}

// Recorder persists dispatch outcomes. Implemented by records.Store.
type Recorder interface {
	AppendHistory(rec records.HistoryRecord) bool
	SaveNote(n records.Note) error
}

// KeyFunc returns the API key in effect, or "" when none is configured.
type KeyFunc func() string

// Request is one query with the references selected at dispatch time.
type Request struct {
	Query      string
	Notes      []records.Note
	WebImports []records.WebImport
}

// Outcome is a successful completion awaiting persistence.
type Outcome struct {
	Query    string
	Prompt   composer.Prompt
	Response string
	At       time.Time
}

// Result describes what Persist stored.
type Result struct {
	Response      string
	History       records.HistoryRecord
	HistoryStored bool
	// Note is set when references were attached and the derived note was saved.
	Note *records.Note
}

type Options struct {
	Now    func() time.Time
	Logger *slog.Logger
	// OnPhase is called on every phase transition, on the goroutine running
	// Send.
	OnPhase func(Phase)
}

// Dispatcher turns a query plus selected references into a completion and
// records the outcome. At most one Send runs at a time.
type Dispatcher struct {
	completer Completer
	recorder  Recorder
	apiKey    KeyFunc
	now       func() time.Time
	logger    *slog.Logger
	onPhase   func(Phase)

	sem *semaphore.Weighted
}

func New(completer Completer, recorder Recorder, apiKey KeyFunc, opts Options) *Dispatcher {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		completer: completer,
		recorder:  recorder,
		apiKey:    apiKey,
		now:       opts.Now,
		logger:    opts.Logger,
		onPhase:   opts.OnPhase,
		sem:       semaphore.NewWeighted(1),
	}
}

func (d *Dispatcher) setPhase(p Phase) {
	if d.onPhase != nil {
		d.onPhase(p)
	}
}

// Prepare composes the prompt for req without any I/O.
func Prepare(req Request) composer.Prompt {
	return composer.Compose(req.Query, req.Notes, req.WebImports)
}

// Send composes the prompt and performs the completion call. Nothing is
// persisted. It fails with ErrBusy if another Send is in flight and with
// proxy.ErrMissingCredential, before any network I/O, when no key is set.
func (d *Dispatcher) Send(ctx context.Context, req Request) (Outcome, error) {
	if !d.sem.TryAcquire(1) {
		return Outcome{}, ErrBusy
	}
	defer d.sem.Release(1)

	d.setPhase(PhaseDispatching)
	out, err := d.send(ctx, req)
	if err != nil {
		d.setPhase(PhaseFailed)
		d.logger.Warn("query failed", "error", err)
	} else {
		d.setPhase(PhaseSucceeded)
	}
	d.setPhase(PhaseIdle)
	return out, err
}

func (d *Dispatcher) send(ctx context.Context, req Request) (Outcome, error) {
	if req.Query == "" {
		return Outcome{}, ErrEmptyQuery
	}
	key := ""
	if d.apiKey != nil {
		key = d.apiKey()
	}

	prompt := Prepare(req)
	d.logger.Debug("dispatching query",
		"notes", len(req.Notes),
		"web_imports", len(req.WebImports),
		"prompt_tokens", composer.EstimateTokens(prompt.Text),
	)

	start := time.Now()
	resp, err := d.completer.Complete(ctx, key, prompt.Text)
	if err != nil {
		return Outcome{}, err
	}
	d.logger.Debug("query completed", "duration_ms", time.Since(start).Milliseconds())

	return Outcome{
		Query:    req.Query,
		Prompt:   prompt,
		Response: resp,
		At:       d.now(),
	}, nil
}

// Persist records a successful outcome: one history entry, plus a note when
// references were attached. The note is titled with the query and holds the
// response followed by the attribution block.
func (d *Dispatcher) Persist(out Outcome) Result {
	res := Result{Response: out.Response}

	res.History = records.NewHistoryRecord(out.Query, out.Response, out.At)
	res.HistoryStored = d.recorder.AppendHistory(res.History)

	if out.Prompt.HasReferences() {
		n := records.NewNote(out.Query, out.Response+out.Prompt.Attribution, out.At)
		if err := d.recorder.SaveNote(n); err != nil {
			d.logger.Error("saving answer note", "id", n.ID, "error", err)
		} else {
			res.Note = &n
		}
	}
	return res
}

// Dispatch runs Send followed by Persist. Callers that must persist on a
// specific goroutine call the two halves themselves.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	out, err := d.Send(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return d.Persist(out), nil
}
