package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/refnote/internal/ingest"
	"github.com/kalambet/refnote/internal/proxy"
	"github.com/kalambet/refnote/internal/records"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Proxy   ProxyConfig
	History HistoryConfig
	Ingest  IngestConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type ProxyConfig struct {
	BaseURL string
	Model   string
	// APIKey is only ever read from REFNOTE_API_KEY. See Credentials.
	APIKey string
}

type HistoryConfig struct {
	MaxRecords int
}

type IngestConfig struct {
	FetchTimeout string
}

// Timeout parses FetchTimeout, falling back to the default when it is unset
// or malformed.
func (c IngestConfig) Timeout() time.Duration {
	d, err := time.ParseDuration(c.FetchTimeout)
	if err != nil || d <= 0 {
		return ingest.DefaultFetchTimeout
	}
	return d
}

type LogConfig struct {
	Level string
}

// SlogLevel maps Level to a slog level. Unknown values mean info.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Proxy: ProxyConfig{
			BaseURL: proxy.DefaultBaseURL,
			Model:   proxy.DefaultModel,
		},
		History: HistoryConfig{
			MaxRecords: records.DefaultMaxRecords,
		},
		Ingest: IngestConfig{
			FetchTimeout: ingest.DefaultFetchTimeout.String(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend and environment
// variables.
//
// On macOS the backend is UserDefaults (domain: com.refnote.app).
// Elsewhere it is a JSON file at $XDG_CONFIG_HOME/refnote/config.json.
//
// Environment variables (REFNOTE_*) override backend values on all platforms.
// The API key is not part of the config file; see Credentials.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.History.MaxRecords <= 0 {
		return fmt.Errorf("history.max_records must be positive, got %d", c.History.MaxRecords)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is empty")
	}
	u, err := url.Parse(c.Proxy.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid proxy.base_url %q", c.Proxy.BaseURL)
	}
	return nil
}
