//go:build !darwin

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
)

func defaultDataDir() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", ".local", "share"), "refnote")
}

func configFilePath() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "refnote", "config.json")
}

// xdgDir returns $env, or the fallback path under the home directory.
func xdgDir(env string, fallback ...string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "refnote-data"
	}
	return filepath.Join(append([]string{home}, fallback...)...)
}

// jsonFileBackend keeps settings as one flat JSON object. The file is read
// on first use and rewritten whole on every change.
type jsonFileBackend struct {
	path   string
	values map[string]string
}

func newPlatformBackend() Backend {
	return newJSONFileBackend(configFilePath())
}

func newJSONFileBackend(path string) *jsonFileBackend {
	return &jsonFileBackend{path: path}
}

func (b *jsonFileBackend) Location() string { return b.path }

func (b *jsonFileBackend) ensureLoaded() {
	if b.values != nil {
		return
	}
	b.values = make(map[string]string)

	data, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		slog.Warn("could not read config file, using defaults", "path", b.path, "error", err)
		return
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		slog.Warn("could not parse config file, using defaults", "path", b.path, "error", err)
		return
	}
	for k, v := range raw {
		b.values[k] = scalarString(v)
	}
}

// scalarString renders a decoded JSON value the way it would be typed on
// the command line. Hand-edited files may hold numbers and booleans.
func scalarString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}

func (b *jsonFileBackend) Lookup(key string) (string, bool, error) {
	b.ensureLoaded()
	v, ok := b.values[key]
	return v, ok, nil
}

func (b *jsonFileBackend) Store(key, value string) error {
	b.ensureLoaded()
	b.values[key] = value
	return b.flush()
}

func (b *jsonFileBackend) Delete(key string) error {
	b.ensureLoaded()
	if _, ok := b.values[key]; !ok {
		return nil
	}
	delete(b.values, key)
	return b.flush()
}

// flush replaces the file through a rename so readers never see a partial
// write.
func (b *jsonFileBackend) flush() error {
	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(b.values, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("creating temp config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("setting config permissions: %w", err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return os.Rename(tmp.Name(), b.path)
}
