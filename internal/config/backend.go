package config

// Backend is the platform settings store. Values are kept as strings; the
// key table parses and validates them.
type Backend interface {
	Lookup(key string) (value string, ok bool, err error)
	Store(key, value string) error
	Delete(key string) error
	// Location describes where settings live, for display.
	Location() string
}
