package ingest

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyURL      = errors.New("URL is empty")
	ErrInvalidURL    = errors.New("URL must include a scheme and host")
	ErrNothingStaged = errors.New("no import is awaiting confirmation")
	// ErrCanceled is returned by a Fetch whose result was discarded by Cancel
	// or by a newer Fetch.
	ErrCanceled = errors.New("import canceled")
)

// FetchError is a failed GET: transport error or non-2xx status.
type FetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetching %s: HTTP %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetching %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// DecodeError is a response body that could not be read as text.
type DecodeError struct {
	ContentType string
	Err         error
}

func (e *DecodeError) Error() string {
	if e.ContentType != "" {
		return fmt.Sprintf("decoding %s body: %v", e.ContentType, e.Err)
	}
	return fmt.Sprintf("decoding body: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
