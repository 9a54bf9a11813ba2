package storage

import "errors"

// ErrNotFound is returned by GetValue for keys with no row.
var ErrNotFound = errors.New("key not found")
