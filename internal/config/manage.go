package config

import (
	"fmt"
	"strings"
)

// KeyInfo describes a config key for display.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
	Help   string
}

// ShowAll lists every non-secret key with its value in cfg.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range settings {
		if s.secret {
			continue
		}
		result = append(result, KeyInfo{
			Key:    s.name,
			EnvVar: s.env,
			Value:  s.format(cfg),
			Help:   s.help,
		})
	}
	return result
}

// SetKey validates value and writes it to the platform backend.
func SetKey(key, value string) error {
	return setKeyWith(newPlatformBackend(), key, value)
}

func setKeyWith(b Backend, key, value string) error {
	s, ok := lookupSetting(key)
	if !ok {
		return fmt.Errorf("unknown config key %q (valid: %s)", key, strings.Join(ValidKeys(), ", "))
	}
	if s.secret {
		return fmt.Errorf("cannot set secret %q via config; use `refnote config set-key` or %s", key, s.env)
	}

	value = strings.TrimSpace(value)
	if s.check != nil {
		if err := s.check(value); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	var scratch Config
	if err := s.assign(&scratch, value); err != nil {
		return err
	}
	return b.Store(key, value)
}

// UnsetKey removes key from the platform backend so its default applies.
func UnsetKey(key string) error {
	return unsetKeyWith(newPlatformBackend(), key)
}

func unsetKeyWith(b Backend, key string) error {
	s, ok := lookupSetting(key)
	if !ok || s.secret {
		return fmt.Errorf("unknown config key %q", key)
	}
	return b.Delete(key)
}

// ValidKeys returns the non-secret key names in table order.
func ValidKeys() []string {
	var keys []string
	for _, s := range settings {
		if !s.secret {
			keys = append(keys, s.name)
		}
	}
	return keys
}

// Location reports where the platform backend keeps settings.
func Location() string {
	return newPlatformBackend().Location()
}
