package connection

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"

	"ingestd/internal/fetch"
	"ingestd/internal/types"
)

type stubResolver struct{}

func (stubResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	if host == "stream.example.com" {
		return []net.IPAddr{{IP: net.ParseIP("93.184.216.34")}}, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func testValidator(srv *httptest.Server) *fetch.Validator {
	opts := []fetch.ValidatorOption{fetch.WithResolver(stubResolver{})}
	if srv != nil {
		target := srv.Listener.Addr().String()
		opts = append(opts, fetch.WithDialer(func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, target)
		}))
	}
	return fetch.NewValidator(fetch.StreamPolicy, fetch.NewAllowlist("stream.example.com"), opts...)
}

func testConfig(protocol types.Protocol, endpoint string) types.StreamingSourceConfig {
	cfg := types.StreamingSourceConfig{
		Protocol:     protocol,
		Endpoint:     endpoint,
		PollInterval: types.NewDuration(20 * time.Millisecond),
		Reconnect: types.ReconnectPolicy{
			MaxRetries:        lo.ToPtr(2),
			InitialDelay:      types.NewDuration(10 * time.Millisecond),
			MaxDelay:          types.NewDuration(40 * time.Millisecond),
			BackoffMultiplier: 2,
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// collect reads events until done reports true or the channel closes.
func collect(t *testing.T, m *Manager, done func([]Event) bool) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-m.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
			if done != nil && done(events) {
				return events
			}
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %d", len(events))
		}
	}
}

func dataMessages(events []Event) []Message {
	var msgs []Message
	for _, ev := range events {
		if ev.Kind == EventData {
			msgs = append(msgs, ev.Messages...)
		}
	}
	return msgs
}

func TestReconnectDelays(t *testing.T) {
	p := types.ReconnectPolicy{
		MaxRetries:        lo.ToPtr(7),
		InitialDelay:      types.NewDuration(time.Second),
		MaxDelay:          types.NewDuration(30 * time.Second),
		BackoffMultiplier: 2,
	}
	require.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}, ReconnectDelays(p))

	p = types.ReconnectPolicy{
		MaxRetries:        lo.ToPtr(3),
		InitialDelay:      types.NewDuration(100 * time.Millisecond),
		MaxDelay:          types.NewDuration(time.Second),
		BackoffMultiplier: 3,
	}
	require.Equal(t, []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 900 * time.Millisecond}, ReconnectDelays(p))
}

func TestParser(t *testing.T) {
	p := NewParser(types.ParseSpec{})

	msgs, err := p.Parse([]byte(`[{"id":1},{"id":2}]`))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, map[string]any{"id": 1.0}, msgs[0].Data)
	require.Equal(t, `{"id":2}`, msgs[1].Raw)

	msgs, err = p.Parse([]byte(`{"a":"b"}`))
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	msgs, err = p.Parse([]byte("{\"a\":1}\nnot json\n{\"a\":2}\n"))
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	_, err = p.Parse([]byte("nope\nstill nope"))
	require.Error(t, err)

	msgs, err = p.Parse([]byte("  "))
	require.NoError(t, err)
	require.Empty(t, msgs)

	text := NewParser(types.ParseSpec{Format: types.FormatText, TextDelimiter: "|"})
	msgs, err = text.Parse([]byte("alpha|beta||gamma"))
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, map[string]any{"text": "beta"}, msgs[1].Data)
	require.Equal(t, `{"text":"beta"}`, msgs[1].Raw)
}

func TestStartRejectsUnsafeEndpoints(t *testing.T) {
	for _, endpoint := range []string{"http://evil.com/feed", "http://127.0.0.1:8080/feed", "http://stream.example.com:6379/"} {
		m := NewManager(testConfig(types.ProtocolSSE, endpoint), testValidator(nil))
		err := m.Start(context.Background())
		require.True(t, types.IsSecurityError(err), endpoint)
		m.Stop()
	}
}

func TestStopBeforeStart(t *testing.T) {
	m := NewManager(testConfig(types.ProtocolPoll, "http://stream.example.com/items"), testValidator(nil))
	m.Stop()
	m.Stop()
	_, ok := <-m.Events()
	require.False(t, ok)
}

func TestSSE(t *testing.T) {
	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":1}\n\n: keepalive\n\nevent: update\ndata: [{\"id\":2},{\"id\":3}]\r\n\r\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	cfg := testConfig(types.ProtocolSSE, "http://stream.example.com/events")
	cfg.Auth = types.AuthSpec{Type: types.AuthBearer, Token: "secret"}
	m := NewManager(cfg, testValidator(srv))
	require.NoError(t, m.Start(context.Background()))

	events := collect(t, m, func(evs []Event) bool { return len(dataMessages(evs)) >= 3 })
	msgs := dataMessages(events)
	require.Equal(t, map[string]any{"id": 3.0}, msgs[2].Data)
	require.Equal(t, "Bearer secret", auth.Load())
	require.Equal(t, types.StateConnected, m.State())

	m.Stop()
	collect(t, m, nil)
	require.Equal(t, types.StateDisconnected, m.State())
}

func TestPollCursor(t *testing.T) {
	var (
		mu      sync.Mutex
		cursors []string
	)
	responses := []string{
		`[{"id":"a"},{"id":"b"}]`,
		`[]`,
		`[{"timestamp":"2024-01-01T00:00:00Z"}]`,
		`[{"x":1}]`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		n := len(cursors)
		cursors = append(cursors, r.URL.Query().Get("cursor"))
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if n < len(responses) {
			fmt.Fprint(w, responses[n])
			return
		}
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	m := NewManager(testConfig(types.ProtocolPoll, "http://stream.example.com/items?limit=10"), testValidator(srv))
	fixed := time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }
	require.NoError(t, m.Start(context.Background()))

	go func() {
		for range m.Events() {
		}
	}()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(cursors) >= 5
	}, 5*time.Second, 10*time.Millisecond)
	m.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"", "b", "b", "2024-01-01T00:00:00Z", "2025-06-01T08:30:00Z"}, cursors[:5])
}

func TestWebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var apiKey atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey.Store(r.Header.Get("X-Feed-Key"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"m1","price":10}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`[{"id":"m2"},{"id":"m3"}]`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cfg := testConfig(types.ProtocolWebSocket, "ws://stream.example.com/ws")
	cfg.Auth = types.AuthSpec{Type: types.AuthAPIKey, HeaderName: "X-Feed-Key", APIKey: "k1"}
	m := NewManager(cfg, testValidator(srv))
	require.NoError(t, m.Start(context.Background()))

	events := collect(t, m, func(evs []Event) bool { return len(dataMessages(evs)) >= 3 })
	require.Equal(t, "m3", dataMessages(events)[2].Data.(map[string]any)["id"])
	require.Equal(t, "k1", apiKey.Load())

	m.Stop()
	m.Stop()
}

func TestFatalAfterMaxRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := NewManager(testConfig(types.ProtocolSSE, "http://stream.example.com/events"), testValidator(srv))
	require.NoError(t, m.Start(context.Background()))

	events := collect(t, m, nil)
	last := events[len(events)-1]
	require.Equal(t, EventError, last.Kind)
	require.True(t, last.Fatal)
	require.True(t, types.IsFatalConnectionError(last.Err))
	require.EqualValues(t, 3, hits.Load())
	require.Equal(t, types.StateError, m.State())

	var retryable int
	for _, ev := range events[:len(events)-1] {
		if ev.Kind == EventError {
			require.False(t, ev.Fatal)
			require.True(t, types.IsConnectionError(ev.Err))
			retryable++
		}
	}
	require.Equal(t, 2, retryable)
	m.Stop()
}

func TestZeroRetriesFailsAfterFirstAttempt(t *testing.T) {
	require.Empty(t, ReconnectDelays(types.ReconnectPolicy{
		MaxRetries:        lo.ToPtr(0),
		InitialDelay:      types.NewDuration(time.Second),
		MaxDelay:          types.NewDuration(time.Second),
		BackoffMultiplier: 2,
	}))

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := testConfig(types.ProtocolSSE, "http://stream.example.com/events")
	cfg.Reconnect.MaxRetries = lo.ToPtr(0)
	m := NewManager(cfg, testValidator(srv))
	require.NoError(t, m.Start(context.Background()))

	events := collect(t, m, nil)
	last := events[len(events)-1]
	require.True(t, last.Fatal)
	require.True(t, types.IsFatalConnectionError(last.Err))
	require.EqualValues(t, 1, hits.Load())
	m.Stop()
}

func TestSuccessfulConnectResetsBackoff(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"ok\":true}\n\n")
	}))
	defer srv.Close()

	cfg := testConfig(types.ProtocolSSE, "http://stream.example.com/events")
	cfg.Reconnect.MaxRetries = lo.ToPtr(1)
	m := NewManager(cfg, testValidator(srv))
	require.NoError(t, m.Start(context.Background()))

	events := collect(t, m, func([]Event) bool { return hits.Load() >= 4 })
	for _, ev := range events {
		require.False(t, ev.Fatal)
	}
	m.Stop()
}
