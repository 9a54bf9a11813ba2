//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const defaultsDomain = "com.refnote.app"

func defaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", "refnote")
	}
	return "refnote-data"
}

// defaultsBackend keeps settings in UserDefaults through the defaults(1) tool.
type defaultsBackend struct {
	domain string
}

func newPlatformBackend() Backend {
	return &defaultsBackend{domain: defaultsDomain}
}

func (b *defaultsBackend) Location() string { return "UserDefaults domain " + b.domain }

func (b *defaultsBackend) Lookup(key string) (string, bool, error) {
	out, err := exec.Command("defaults", "read", b.domain, key).CombinedOutput()
	s := strings.TrimSpace(string(out))
	if err != nil {
		// defaults exits 1 for a missing domain or key.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", false, nil
		}
		return "", false, fmt.Errorf("defaults read %s: %w (output: %s)", key, err, s)
	}
	return s, true, nil
}

func (b *defaultsBackend) Store(key, value string) error {
	return b.run("write", key, "-string", value)
}

func (b *defaultsBackend) Delete(key string) error {
	return b.run("delete", key)
}

func (b *defaultsBackend) run(verb, key string, args ...string) error {
	argv := append([]string{verb, b.domain, key}, args...)
	if out, err := exec.Command("defaults", argv...).CombinedOutput(); err != nil {
		return fmt.Errorf("defaults %s %s: %w (output: %s)", verb, key, err, strings.TrimSpace(string(out)))
	}
	return nil
}
