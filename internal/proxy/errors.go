package proxy

import (
	"errors"
	"fmt"
)

// ErrMissingCredential is returned before any network activity when no API
// key is configured.
var ErrMissingCredential = errors.New("missing API key: set one with `refnote config set-key`")

// NetworkError is a transport-level failure: connection refused, timeout,
// cancelled context or a truncated body.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network error: %v", e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError is a response with a status outside 200-299.
type ServerError struct {
	Status int
	Body   string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error (HTTP %d): %s", e.Status, e.Body)
}

// ParsingError is a 2xx response whose body does not carry
// choices[0].message.content as a string.
type ParsingError struct {
	Err error
}

func (e *ParsingError) Error() string { return fmt.Sprintf("unexpected response: %v", e.Err) }
func (e *ParsingError) Unwrap() error { return e.Err }
