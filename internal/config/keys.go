package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// setting is one row of the key table. field returns a pointer into cfg,
// either *string or *int.
type setting struct {
	name   string
	env    string
	help   string
	secret bool
	field  func(cfg *Config) any
	check  func(raw string) error
}

var settings = []setting{
	{
		name: "server.port", env: "REFNOTE_SERVER_PORT",
		help:  "local HTTP API port on 127.0.0.1",
		field: func(c *Config) any { return &c.Server.Port },
		check: intInRange(1, 65535),
	},
	{
		name: "storage.data_dir", env: "REFNOTE_STORAGE_DATA_DIR",
		help:  "directory holding refnote.db, Notes/ and WebImports/",
		field: func(c *Config) any { return &c.Storage.DataDir },
		check: nonEmpty,
	},
	{
		name: "proxy.base_url", env: "REFNOTE_PROXY_BASE_URL",
		help:  "OpenAI-compatible API base URL",
		field: func(c *Config) any { return &c.Proxy.BaseURL },
		check: absoluteURL,
	},
	{
		name: "proxy.model", env: "REFNOTE_PROXY_MODEL",
		help:  "model name sent with every query",
		field: func(c *Config) any { return &c.Proxy.Model },
		check: nonEmpty,
	},
	{
		name: "proxy.api_key", env: "REFNOTE_API_KEY",
		help:   "LLM API key, see `refnote config set-key`",
		secret: true,
		field:  func(c *Config) any { return &c.Proxy.APIKey },
	},
	{
		name: "history.max_records", env: "REFNOTE_HISTORY_MAX_RECORDS",
		help:  "history entries kept before the oldest are evicted",
		field: func(c *Config) any { return &c.History.MaxRecords },
		check: intInRange(1, 1_000_000),
	},
	{
		name: "ingest.fetch_timeout", env: "REFNOTE_INGEST_FETCH_TIMEOUT",
		help:  "timeout for web page fetches, e.g. 15s",
		field: func(c *Config) any { return &c.Ingest.FetchTimeout },
		check: positiveDuration,
	},
	{
		name: "log.level", env: "REFNOTE_LOG_LEVEL",
		help:  "debug, info, warn or error",
		field: func(c *Config) any { return &c.Log.Level },
		check: oneOf("debug", "info", "warn", "warning", "error"),
	},
}

func lookupSetting(name string) (setting, bool) {
	for _, s := range settings {
		if s.name == name {
			return s, true
		}
	}
	return setting{}, false
}

// assign parses raw into the field s names.
func (s setting) assign(cfg *Config, raw string) error {
	switch p := s.field(cfg).(type) {
	case *string:
		*p = raw
	case *int:
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", s.name, raw)
		}
		*p = n
	default:
		return fmt.Errorf("%s: unsupported field type %T", s.name, p)
	}
	return nil
}

func (s setting) format(cfg Config) string {
	switch p := s.field(&cfg).(type) {
	case *string:
		return *p
	case *int:
		return strconv.Itoa(*p)
	}
	return ""
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range settings {
		if s.secret {
			continue
		}
		raw, ok, err := b.Lookup(s.name)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.name, err)
		}
		if !ok {
			continue
		}
		if err := s.assign(cfg, raw); err != nil {
			return fmt.Errorf("reading %s from %s: %w", s.name, b.Location(), err)
		}
	}
	return nil
}

// applyEnv overrides cfg from REFNOTE_* variables. Unparseable values are
// logged and skipped.
func applyEnv(cfg *Config) {
	for _, s := range settings {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		if err := s.assign(cfg, raw); err != nil {
			slog.Warn("ignoring environment override", "env", s.env, "error", err)
		}
	}
}

func nonEmpty(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("value must not be empty")
	}
	return nil
}

func intInRange(lo, hi int) func(string) error {
	return func(raw string) error {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("%q is not an integer", raw)
		}
		if n < lo || n > hi {
			return fmt.Errorf("%d is outside %d..%d", n, lo, hi)
		}
		return nil
	}
}

func positiveDuration(raw string) error {
	if d, err := time.ParseDuration(raw); err != nil || d <= 0 {
		return fmt.Errorf("%q is not a positive duration like 15s", raw)
	}
	return nil
}

func absoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%q is not an absolute URL", raw)
	}
	return nil
}

func oneOf(allowed ...string) func(string) error {
	return func(raw string) error {
		for _, a := range allowed {
			if strings.EqualFold(raw, a) {
				return nil
			}
		}
		return fmt.Errorf("%q is not one of %s", raw, strings.Join(allowed, ", "))
	}
}
