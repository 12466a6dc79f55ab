package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
)

func TestSourceInputValidate(t *testing.T) {
	require.Error(t, SourceInput{}.Validate())
	require.True(t, IsFormatError(SourceInput{}.Validate()))

	in := SourceInput{URL: &URLInput{URL: "https://data.gov/x.csv"}}
	require.NoError(t, in.Validate())
	require.Equal(t, InputURL, in.Kind())

	in.File = &FileInput{FileName: "a.csv"}
	require.True(t, IsFormatError(in.Validate()))
}

func validStreamConfig() StreamingSourceConfig {
	cfg := StreamingSourceConfig{Protocol: ProtocolPoll, Endpoint: "https://api.github.com/events"}
	cfg.ApplyDefaults()
	return cfg
}

func TestStreamingSourceConfigDefaults(t *testing.T) {
	cfg := validStreamConfig()
	require.Equal(t, FormatJSON, cfg.Parse.Format)
	require.Equal(t, "\n", cfg.Parse.TextDelimiter)
	require.Equal(t, DefaultBatchSize, cfg.Batch.BatchSize)
	require.Equal(t, 5*time.Second, cfg.Batch.Flush.Duration)
	require.Equal(t, DefaultMaxBuffer, cfg.Batch.MaxBuffer)
	require.Equal(t, 5*time.Second, cfg.PollInterval.Duration)
	require.Equal(t, 5, cfg.Reconnect.Retries())
	require.Equal(t, time.Second, cfg.Reconnect.InitialDelay.Duration)
	require.Equal(t, 30*time.Second, cfg.Reconnect.MaxDelay.Duration)
	require.Equal(t, 2.0, cfg.Reconnect.BackoffMultiplier)
	require.Equal(t, AuthNone, cfg.Auth.Type)
	require.NoError(t, cfg.Validate())
}

func TestZeroRetriesIsKept(t *testing.T) {
	cfg := StreamingSourceConfig{
		Protocol:  ProtocolPoll,
		Endpoint:  "https://api.github.com/events",
		Reconnect: ReconnectPolicy{MaxRetries: lo.ToPtr(0)},
	}
	cfg.ApplyDefaults()
	require.Equal(t, 0, cfg.Reconnect.Retries())
	require.NoError(t, cfg.Validate())

	var fromTOML StreamingSourceConfig
	_, err := toml.Decode("[reconnect]\nmax_retries = 0\n", &fromTOML)
	require.NoError(t, err)
	fromTOML.ApplyDefaults()
	require.Equal(t, 0, fromTOML.Reconnect.Retries())

	var fromJSON StreamingSourceConfig
	require.NoError(t, json.Unmarshal([]byte(`{"reconnect":{}}`), &fromJSON))
	fromJSON.ApplyDefaults()
	require.Equal(t, DefaultMaxRetries, fromJSON.Reconnect.Retries())
}

func TestStreamingSourceConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*StreamingSourceConfig)
	}{
		{name: "protocol", mutate: func(c *StreamingSourceConfig) { c.Protocol = "mqtt" }},
		{name: "endpoint", mutate: func(c *StreamingSourceConfig) { c.Endpoint = "not a url" }},
		{name: "websocket scheme", mutate: func(c *StreamingSourceConfig) { c.Protocol = ProtocolWebSocket }},
		{name: "sse scheme", mutate: func(c *StreamingSourceConfig) {
			c.Protocol = ProtocolSSE
			c.Endpoint = "wss://api.github.com/events"
		}},
		{name: "format", mutate: func(c *StreamingSourceConfig) { c.Parse.Format = "xml" }},
		{name: "batch larger than buffer", mutate: func(c *StreamingSourceConfig) { c.Batch.BatchSize = c.Batch.MaxBuffer + 1 }},
		{name: "negative retries", mutate: func(c *StreamingSourceConfig) { c.Reconnect.MaxRetries = lo.ToPtr(-1) }},
		{name: "delays", mutate: func(c *StreamingSourceConfig) { c.Reconnect.MaxDelay = NewDuration(time.Millisecond) }},
		{name: "bearer without token", mutate: func(c *StreamingSourceConfig) { c.Auth.Type = AuthBearer }},
		{name: "unknown auth", mutate: func(c *StreamingSourceConfig) { c.Auth.Type = "oauth" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validStreamConfig()
			tt.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestAuthApply(t *testing.T) {
	h := http.Header{}
	AuthSpec{Type: AuthBearer, Token: "t0k"}.Apply(h)
	require.Equal(t, "Bearer t0k", h.Get("Authorization"))

	h = http.Header{}
	AuthSpec{Type: AuthBasic, Username: "user", Password: "pass"}.Apply(h)
	require.Equal(t, "Basic dXNlcjpwYXNz", h.Get("Authorization"))

	h = http.Header{}
	AuthSpec{Type: AuthAPIKey, APIKey: "k"}.Apply(h)
	require.Equal(t, "k", h.Get(DefaultAPIKeyHeader))

	h = http.Header{}
	AuthSpec{Type: AuthAPIKey, APIKey: "k", HeaderName: "X-Token"}.Apply(h)
	require.Equal(t, "k", h.Get("X-Token"))

	h = http.Header{}
	AuthSpec{Type: AuthNone}.Apply(h)
	require.Empty(t, h)
}

func TestStreamingConfigDecoding(t *testing.T) {
	const doc = `
protocol = "sse"
endpoint = "https://api.github.com/stream"

[batch]
batch_size = 10
flush = "250ms"

[reconnect]
initial_delay = "2s"
`
	var fromTOML StreamingSourceConfig
	_, err := toml.Decode(doc, &fromTOML)
	require.NoError(t, err)
	require.Equal(t, ProtocolSSE, fromTOML.Protocol)
	require.Equal(t, 250*time.Millisecond, fromTOML.Batch.Flush.Duration)
	require.Equal(t, 2*time.Second, fromTOML.Reconnect.InitialDelay.Duration)

	var fromJSON StreamingSourceConfig
	err = json.Unmarshal([]byte(`{"protocol":"sse","endpoint":"https://api.github.com/stream","batch":{"batch_size":10,"flush":"250ms"}}`), &fromJSON)
	require.NoError(t, err)
	require.Equal(t, fromTOML.Batch, fromJSON.Batch)

	require.Error(t, json.Unmarshal([]byte(`{"poll_interval":"soon"}`), &fromJSON))
}

func TestErrorHelpers(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", &ConnectionError{Endpoint: "wss://x", Attempt: 5, Fatal: true, Err: errors.New("refused")})
	require.True(t, IsConnectionError(wrapped))
	require.True(t, IsFatalConnectionError(wrapped))
	require.Contains(t, wrapped.Error(), "fatal connection error for wss://x (attempt 5)")

	require.True(t, IsSecurityError(fmt.Errorf("x: %w", NewSecurityError("http://a", "port", "no"))))
	require.True(t, IsBatchFlushError(&BatchFlushError{BatchSize: 3, Err: errors.New("down")}))
	require.True(t, IsBufferOverflowError(&BufferOverflowError{Dropped: 1, MaxBuffer: 10}))

	fe := NewFormatError("csv", "a.csv", "bad").WithCause(errors.New("eof"))
	require.Equal(t, "csv: bad (file: a.csv): eof", fe.Error())
	require.False(t, IsFormatError(errors.New("plain")))
}
