package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/kalambet/refnote/internal/records"
)

const (
	DefaultFetchTimeout = 15 * time.Second
	maxBodySize         = 10 << 20

	// SourcePrefix starts the content of every note created from a web page.
	SourcePrefix = "source: "
)

// Phase is the importer's lifecycle position. PhaseFailed is transient: a
// failed Fetch reports it through its error and leaves the importer Idle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseFetching
	PhaseAwaitingConfirmation
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseFetching:
		return "fetching"
	case PhaseAwaitingConfirmation:
		return "awaiting_confirmation"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Staged is a fetched page awaiting confirmation.
type Staged struct {
	Title string `json:"title"`
	URL   string `json:"url"`
	Text  string `json:"text"`
}

// Saver persists confirmed imports. Implemented by records.Store.
type Saver interface {
	SaveWebImport(w records.WebImport) error
	SaveNote(n records.Note) error
}

type Options struct {
	HTTPClient *http.Client
	Extractor  Extractor
	Now        func() time.Time
	Logger     *slog.Logger
}

// Importer fetches a page, extracts its text and holds the result until it
// is confirmed or canceled. A new Fetch or a Cancel invalidates any fetch in
// flight so a late result is never staged.
type Importer struct {
	saver     Saver
	client    *http.Client
	extractor Extractor
	now       func() time.Time
	logger    *slog.Logger

	mu     sync.Mutex
	phase  Phase
	staged *Staged
	gen    uint64
	cancel context.CancelFunc
}

func New(saver Saver, opts Options) *Importer {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: DefaultFetchTimeout}
	}
	if opts.Extractor == nil {
		opts.Extractor = HTMLExtractor{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Importer{
		saver:     saver,
		client:    opts.HTTPClient,
		extractor: opts.Extractor,
		now:       opts.Now,
		logger:    opts.Logger,
	}
}

func (im *Importer) Phase() Phase {
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.phase
}

// Staged returns the import awaiting confirmation, if any.
func (im *Importer) Staged() (Staged, bool) {
	im.mu.Lock()
	defer im.mu.Unlock()
	if im.staged == nil {
		return Staged{}, false
	}
	return *im.staged, true
}

// ValidateURL trims rawURL and checks that it has a scheme and a host.
func ValidateURL(rawURL string) (*url.URL, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, ErrEmptyURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, ErrInvalidURL
	}
	return u, nil
}

// Job is one fetch started by Begin. It is finished by Stage.
type Job struct {
	gen    uint64
	url    *url.URL
	title  string
	ctx    context.Context
	cancel context.CancelFunc
}

// Fetch downloads rawURL and stages its text. Input is validated before any
// state changes. An empty title is replaced by the page title, or by the URL
// when the page has none.
func (im *Importer) Fetch(ctx context.Context, rawURL, title string) (Staged, error) {
	job, err := im.Begin(ctx, rawURL, title)
	if err != nil {
		return Staged{}, err
	}
	st, err := im.Download(job)
	return im.Stage(job, st, err)
}

// Begin validates rawURL, supersedes any earlier fetch and moves the
// importer to PhaseFetching.
func (im *Importer) Begin(ctx context.Context, rawURL, title string) (*Job, error) {
	u, err := ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}

	im.mu.Lock()
	defer im.mu.Unlock()
	if im.cancel != nil {
		im.cancel()
	}
	im.gen++
	ctx, cancel := context.WithCancel(ctx)
	im.cancel = cancel
	im.phase = PhaseFetching
	im.staged = nil
	return &Job{gen: im.gen, url: u, title: strings.TrimSpace(title), ctx: ctx, cancel: cancel}, nil
}

// Download performs the GET for job and extracts the page. It does not touch
// importer state and may run on any goroutine.
func (im *Importer) Download(job *Job) (Staged, error) {
	return im.fetch(job.ctx, job.url, job.title)
}

// Stage applies the result of Download. A job superseded by a newer Begin or
// by Cancel yields ErrCanceled and leaves the state alone.
func (im *Importer) Stage(job *Job, st Staged, err error) (Staged, error) {
	job.cancel()

	im.mu.Lock()
	defer im.mu.Unlock()
	if job.gen != im.gen {
		return Staged{}, ErrCanceled
	}
	im.cancel = nil
	if err != nil {
		im.phase = PhaseIdle
		im.logger.Warn("import failed", "url", job.url.String(), "error", err)
		return Staged{}, err
	}
	im.staged = &st
	im.phase = PhaseAwaitingConfirmation
	im.logger.Debug("import staged", "url", st.URL, "title", st.Title, "chars", len(st.Text))
	return st, nil
}

func (im *Importer) fetch(ctx context.Context, u *url.URL, title string) (Staged, error) {
	target := u.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Staged{}, &FetchError{URL: target, Err: err}
	}

	resp, err := im.client.Do(req)
	if err != nil {
		return Staged{}, &FetchError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Staged{}, &FetchError{URL: target, Status: resp.StatusCode, Err: errors.New(resp.Status)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return Staged{}, &FetchError{URL: target, Err: fmt.Errorf("reading body: %w", err)}
	}

	ex, err := im.decode(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return Staged{}, err
	}

	if title == "" {
		title = ex.Title
	}
	if title == "" {
		title = target
	}
	return Staged{Title: title, URL: target, Text: ex.Text}, nil
}

func (im *Importer) decode(contentType string, body []byte) (Extracted, error) {
	mediaType := ""
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			mediaType = mt
		}
	}

	if isPDF(mediaType, body) {
		ex, err := extractPDF(body)
		if err != nil {
			return Extracted{}, &DecodeError{ContentType: "application/pdf", Err: err}
		}
		return ex, nil
	}

	if !utf8.Valid(body) {
		return Extracted{}, &DecodeError{ContentType: mediaType, Err: errors.New("body is not valid UTF-8")}
	}

	if isHTML(mediaType, body) {
		ex, err := im.extractor.Extract(body)
		if err != nil {
			return Extracted{}, &DecodeError{ContentType: mediaType, Err: err}
		}
		return ex, nil
	}
	return Extracted{Text: cleanText(string(body))}, nil
}

// Cancel discards the staged import and abandons any fetch in flight.
func (im *Importer) Cancel() {
	im.mu.Lock()
	defer im.mu.Unlock()
	if im.cancel != nil {
		im.cancel()
		im.cancel = nil
	}
	im.gen++
	im.staged = nil
	im.phase = PhaseIdle
}

// take returns the staged import without clearing it.
func (im *Importer) take() (Staged, error) {
	im.mu.Lock()
	defer im.mu.Unlock()
	if im.staged == nil {
		return Staged{}, ErrNothingStaged
	}
	return *im.staged, nil
}

// clear drops st if it is still the staged import.
func (im *Importer) clear(st Staged) {
	im.mu.Lock()
	defer im.mu.Unlock()
	if im.staged != nil && *im.staged == st {
		im.staged = nil
		im.phase = PhaseIdle
	}
}

// ConfirmAsWebImport persists the staged page as a web import. If the save
// fails the page stays staged.
func (im *Importer) ConfirmAsWebImport() (records.WebImport, error) {
	st, err := im.take()
	if err != nil {
		return records.WebImport{}, err
	}
	w := records.NewWebImport(st.URL, st.Title, st.Text, im.now())
	if err := im.saver.SaveWebImport(w); err != nil {
		return records.WebImport{}, fmt.Errorf("saving web import: %w", err)
	}
	im.clear(st)
	return w, nil
}

// ConfirmAsNote persists the staged page as a note whose content starts
// with the source URL.
func (im *Importer) ConfirmAsNote() (records.Note, error) {
	st, err := im.take()
	if err != nil {
		return records.Note{}, err
	}
	n := NoteFromPage(st.Title, st.URL, st.Text, im.now())
	if err := im.saver.SaveNote(n); err != nil {
		return records.Note{}, fmt.Errorf("saving note: %w", err)
	}
	im.clear(st)
	return n, nil
}

// NoteFromPage builds a note for an imported page.
func NoteFromPage(title, pageURL, text string, now time.Time) records.Note {
	return records.NewNote(title, SourcePrefix+pageURL+"\n\n"+text, now)
}
