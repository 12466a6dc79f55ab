package types

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Protocol string

const (
	ProtocolWebSocket Protocol = "websocket"
	ProtocolSSE       Protocol = "sse"
	ProtocolPoll      Protocol = "poll"
)

const (
	FormatJSON = "json"
	FormatText = "text"
)

const (
	AuthNone   = "none"
	AuthBearer = "bearer"
	AuthBasic  = "basic"
	AuthAPIKey = "api_key"

	DefaultAPIKeyHeader = "X-API-Key"
)

const (
	DefaultBatchSize         = 100
	DefaultFlushInterval     = 5 * time.Second
	DefaultMaxBuffer         = 10000
	DefaultPollInterval      = 5 * time.Second
	DefaultMaxRetries        = 5
	DefaultInitialDelay      = time.Second
	DefaultMaxDelay          = 30 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultTextDelimiter     = "\n"
)

// Duration decodes from strings such as "5s" in both TOML and JSON.
type Duration struct {
	time.Duration
}

func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type ParseSpec struct {
	Format        string `toml:"format" json:"format"`
	TimestampPath string `toml:"timestamp_path" json:"timestamp_path,omitempty"`
	DedupeKeyPath string `toml:"dedupe_key_path" json:"dedupe_key_path,omitempty"`
	TextDelimiter string `toml:"text_delimiter" json:"text_delimiter,omitempty"`
}

type BatchSpec struct {
	BatchSize int      `toml:"batch_size" json:"batch_size"`
	Flush     Duration `toml:"flush" json:"flush"`
	MaxBuffer int      `toml:"max_buffer" json:"max_buffer"`
}

// ReconnectPolicy bounds reconnects. MaxRetries is a pointer so that an
// explicit 0, fail after the first lost connection, differs from unset.
type ReconnectPolicy struct {
	MaxRetries        *int     `toml:"max_retries" json:"max_retries"`
	InitialDelay      Duration `toml:"initial_delay" json:"initial_delay"`
	MaxDelay          Duration `toml:"max_delay" json:"max_delay"`
	BackoffMultiplier float64  `toml:"backoff_multiplier" json:"backoff_multiplier"`
}

// Retries is the number of reconnect attempts, DefaultMaxRetries when unset.
func (p ReconnectPolicy) Retries() int {
	if p.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *p.MaxRetries
}

type AuthSpec struct {
	Type       string `toml:"type" json:"type"`
	Token      string `toml:"token" json:"token,omitempty"`
	Username   string `toml:"username" json:"username,omitempty"`
	Password   string `toml:"password" json:"password,omitempty"`
	HeaderName string `toml:"header_name" json:"header_name,omitempty"`
	APIKey     string `toml:"api_key" json:"api_key,omitempty"`
}

// Apply injects the credentials into h. It is called for every request and
// every connection attempt.
func (a AuthSpec) Apply(h http.Header) {
	switch a.Type {
	case AuthBearer:
		h.Set("Authorization", "Bearer "+a.Token)
	case AuthBasic:
		creds := base64.StdEncoding.EncodeToString([]byte(a.Username + ":" + a.Password))
		h.Set("Authorization", "Basic "+creds)
	case AuthAPIKey:
		name := a.HeaderName
		if name == "" {
			name = DefaultAPIKeyHeader
		}
		h.Set(name, a.APIKey)
	}
}

// StreamingSourceConfig is supplied once at start and is immutable for the
// lifetime of the streaming session.
type StreamingSourceConfig struct {
	Protocol     Protocol          `toml:"protocol" json:"protocol"`
	Endpoint     string            `toml:"endpoint" json:"endpoint"`
	Headers      map[string]string `toml:"headers" json:"headers,omitempty"`
	Parse        ParseSpec         `toml:"parse" json:"parse"`
	Batch        BatchSpec         `toml:"batch" json:"batch"`
	PollInterval Duration          `toml:"poll_interval" json:"poll_interval"`
	Reconnect    ReconnectPolicy   `toml:"reconnect" json:"reconnect"`
	Auth         AuthSpec          `toml:"auth" json:"auth"`
}

func (c *StreamingSourceConfig) ApplyDefaults() {
	if c.Parse.Format == "" {
		c.Parse.Format = FormatJSON
	}
	if c.Parse.TextDelimiter == "" {
		c.Parse.TextDelimiter = DefaultTextDelimiter
	}
	if c.Batch.BatchSize <= 0 {
		c.Batch.BatchSize = DefaultBatchSize
	}
	if c.Batch.Flush.Duration <= 0 {
		c.Batch.Flush = NewDuration(DefaultFlushInterval)
	}
	if c.Batch.MaxBuffer <= 0 {
		c.Batch.MaxBuffer = DefaultMaxBuffer
	}
	if c.PollInterval.Duration <= 0 {
		c.PollInterval = NewDuration(DefaultPollInterval)
	}
	if c.Reconnect.MaxRetries == nil {
		retries := DefaultMaxRetries
		c.Reconnect.MaxRetries = &retries
	}
	if c.Reconnect.InitialDelay.Duration <= 0 {
		c.Reconnect.InitialDelay = NewDuration(DefaultInitialDelay)
	}
	if c.Reconnect.MaxDelay.Duration <= 0 {
		c.Reconnect.MaxDelay = NewDuration(DefaultMaxDelay)
	}
	if c.Reconnect.BackoffMultiplier < 1 {
		c.Reconnect.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if c.Auth.Type == "" {
		c.Auth.Type = AuthNone
	}
}

// Validate checks the shape of the configuration. Endpoint reachability and
// allowlisting are checked separately by the fetch validator.
func (c StreamingSourceConfig) Validate() error {
	switch c.Protocol {
	case ProtocolWebSocket, ProtocolSSE, ProtocolPoll:
	default:
		return fmt.Errorf("unsupported protocol %q", c.Protocol)
	}

	u, err := url.Parse(c.Endpoint)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid endpoint %q", c.Endpoint)
	}

	scheme := strings.ToLower(u.Scheme)
	switch c.Protocol {
	case ProtocolWebSocket:
		if scheme != "ws" && scheme != "wss" {
			return fmt.Errorf("websocket endpoint must use ws or wss, got %q", u.Scheme)
		}
	default:
		if scheme != "http" && scheme != "https" {
			return fmt.Errorf("%s endpoint must use http or https, got %q", c.Protocol, u.Scheme)
		}
	}

	switch c.Parse.Format {
	case FormatJSON, FormatText:
	default:
		return fmt.Errorf("unsupported parse format %q", c.Parse.Format)
	}

	if c.Batch.BatchSize > c.Batch.MaxBuffer {
		return fmt.Errorf("batch_size %d exceeds max_buffer %d", c.Batch.BatchSize, c.Batch.MaxBuffer)
	}
	if c.Reconnect.Retries() < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.Reconnect.Retries())
	}
	if c.Reconnect.MaxDelay.Duration < c.Reconnect.InitialDelay.Duration {
		return fmt.Errorf("max_delay %s is shorter than initial_delay %s", c.Reconnect.MaxDelay, c.Reconnect.InitialDelay)
	}

	switch c.Auth.Type {
	case AuthNone:
	case AuthBearer:
		if c.Auth.Token == "" {
			return fmt.Errorf("bearer auth requires a token")
		}
	case AuthBasic:
		if c.Auth.Username == "" {
			return fmt.Errorf("basic auth requires a username")
		}
	case AuthAPIKey:
		if c.Auth.APIKey == "" {
			return fmt.Errorf("api_key auth requires an api_key")
		}
	default:
		return fmt.Errorf("unsupported auth type %q", c.Auth.Type)
	}

	return nil
}
