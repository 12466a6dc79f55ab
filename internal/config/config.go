package config

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/samber/lo"

	"ingestd/internal/fetch"
	"ingestd/internal/server/api"
	"ingestd/internal/storage"
	"ingestd/internal/types"
)

// EnvConfigPath overrides the default config location.
const EnvConfigPath = "INGESTD_CONFIG"

const (
	DefaultName            = "ingestd"
	DefaultStoragePath     = "./ingestd.db"
	DefaultShutdownTimeout = 30 * time.Second
)

type Config struct {
	Runtime RuntimeConfig           `toml:"runtime"`
	Storage storage.Config          `toml:"storage"`
	Fetcher FetcherConfig           `toml:"fetcher"`
	Server  ServerConfig            `toml:"server"`
	Streams map[string]StreamConfig `toml:"streams"`
}

type RuntimeConfig struct {
	Name            string         `toml:"name"`
	LogLevel        string         `toml:"log_level"`
	LogFormat       string         `toml:"log_format"`
	ShutdownTimeout types.Duration `toml:"shutdown_timeout"`
}

// FetcherConfig controls URL ingestion. AllowedDomains replaces the built-in
// allowlist when set; ExtraDomains is added on top of whichever list is used.
type FetcherConfig struct {
	AllowedDomains   []string       `toml:"allowed_domains"`
	ExtraDomains     []string       `toml:"extra_domains"`
	Timeout          types.Duration `toml:"timeout"`
	MaxRedirects     int            `toml:"max_redirects"`
	MaxResponseBytes int64          `toml:"max_response_bytes"`
	RetryMax         *int           `toml:"retry_max"`
	ContentTypes     []string       `toml:"content_types"`
}

type ServerConfig struct {
	Enabled        *bool          `toml:"enabled"`
	Port           string         `toml:"port"`
	MaxUploadBytes int64          `toml:"max_upload_bytes"`
	CacheTTL       types.Duration `toml:"cache_ttl"`
}

type StreamConfig struct {
	Enabled   *bool                       `toml:"enabled"`
	DatasetID string                      `toml:"dataset_id"`
	Source    types.StreamingSourceConfig `toml:"source"`
}

// ConfigPath resolves the config file location from the flag value and the
// environment.
func ConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	return "config.toml"
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(string(data))
}

func Parse(data string) (*Config, error) {
	var config Config
	md, err := toml.Decode(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := lo.Map(undecoded, func(k toml.Key, _ int) string { return k.String() })
		slog.Warn("Ignoring unknown config keys", "keys", keys)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func validateConfig(config *Config) error {
	if config.Runtime.Name == "" {
		config.Runtime.Name = DefaultName
	}
	if config.Runtime.LogLevel == "" {
		config.Runtime.LogLevel = "info"
	}
	if config.Runtime.LogFormat == "" {
		config.Runtime.LogFormat = "text"
	}
	if config.Runtime.ShutdownTimeout.Duration <= 0 {
		config.Runtime.ShutdownTimeout = types.NewDuration(DefaultShutdownTimeout)
	}

	if config.Storage.Type == "" {
		config.Storage.Type = "sqlite"
	}
	switch config.Storage.Type {
	case "sqlite":
		if config.Storage.Path == "" {
			config.Storage.Path = DefaultStoragePath
		}
	case "redis":
		if config.Storage.Addr == "" {
			return fmt.Errorf("storage: redis requires addr")
		}
	default:
		return fmt.Errorf("storage: unknown type %q", config.Storage.Type)
	}

	for _, d := range append(config.Fetcher.AllowedDomains, config.Fetcher.ExtraDomains...) {
		if d == "" || strings.ContainsAny(d, "/:@?#") {
			return fmt.Errorf("fetcher: invalid domain %q", d)
		}
	}
	if config.Fetcher.RetryMax != nil && *config.Fetcher.RetryMax < 0 {
		return fmt.Errorf("fetcher: retry_max must not be negative")
	}

	if config.Server.Port == "" {
		config.Server.Port = api.DefaultPort
	}
	if config.Server.MaxUploadBytes <= 0 {
		config.Server.MaxUploadBytes = api.DefaultMaxUploadBytes
	}

	for id, stream := range config.Streams {
		if stream.DatasetID == "" {
			stream.DatasetID = id
		}
		stream.Source.ApplyDefaults()
		if err := stream.Source.Validate(); err != nil {
			return fmt.Errorf("stream %s: %w", id, err)
		}
		config.Streams[id] = stream
	}

	return nil
}

func (s ServerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

func (s StreamConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// FetchConfig converts the fetcher section. An unset retry_max keeps the
// fetcher default.
func (f FetcherConfig) FetchConfig() fetch.Config {
	retryMax := -1
	if f.RetryMax != nil {
		retryMax = *f.RetryMax
	}
	return fetch.Config{
		Timeout:          f.Timeout.Duration,
		MaxRedirects:     f.MaxRedirects,
		MaxResponseBytes: f.MaxResponseBytes,
		RetryMax:         retryMax,
		ContentTypes:     f.ContentTypes,
	}
}

// Domains is the effective allowlist.
func (f FetcherConfig) Domains() []string {
	base := f.AllowedDomains
	if len(base) == 0 {
		base = fetch.DefaultAllowedDomains
	}
	return lo.Uniq(append(slices.Clone(base), f.ExtraDomains...))
}

func (s ServerConfig) APIConfig() api.Config {
	return api.Config{
		Port:           s.Port,
		MaxUploadBytes: s.MaxUploadBytes,
		CacheTTL:       s.CacheTTL.Duration,
	}
}
