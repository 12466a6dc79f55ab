// Package connection maintains a live WebSocket, SSE or polling session with
// an upstream source and publishes what it receives as typed events.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"ingestd/internal/fetch"
	"ingestd/internal/types"
)

const eventBuffer = 64

type EventKind string

const (
	EventData   EventKind = "data"
	EventStatus EventKind = "status"
	EventError  EventKind = "error"
)

// Event is published by the manager. Data events carry Messages, status
// events carry State, and error events carry Err. Fatal is set on the last
// event of a session whose reconnect policy is exhausted.
type Event struct {
	Kind     EventKind
	Messages []Message
	State    types.ConnectionState
	Err      error
	Fatal    bool
}

// session runs one connection attempt until it ends. connected is called
// once the upstream accepted the connection.
type session func(ctx context.Context, connected func()) error

type Manager struct {
	cfg       types.StreamingSourceConfig
	validator *fetch.Validator
	client    *http.Client
	parser    Parser
	logger    *slog.Logger
	events    chan Event

	mu     sync.RWMutex
	state  types.ConnectionState
	cursor string

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}

	now func() time.Time
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager expects cfg to have defaults applied. The validator should use
// the streaming policy.
func NewManager(cfg types.StreamingSourceConfig, v *fetch.Validator, opts ...Option) *Manager {
	m := &Manager{
		cfg:       cfg,
		validator: v,
		parser:    NewParser(cfg.Parse),
		logger:    slog.Default(),
		events:    make(chan Event, eventBuffer),
		state:     types.StateDisconnected,
		done:      make(chan struct{}),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.client = &http.Client{
		Transport:     fetch.NewTransport(v),
		CheckRedirect: v.RedirectPolicy(fetch.DefaultMaxRedirects),
	}
	return m
}

// Events is closed when the session ends, either by Stop or by an exhausted
// reconnect policy.
func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) State() types.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Cursor is the value the next poll request will carry.
func (m *Manager) Cursor() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursor
}

// Start validates the endpoint and launches the connection loop. Validation
// failures are returned before any connection is attempted.
func (m *Manager) Start(ctx context.Context) error {
	if _, err := m.validator.Validate(ctx, m.cfg.Endpoint); err != nil {
		return err
	}

	var run session
	switch m.cfg.Protocol {
	case types.ProtocolWebSocket:
		run = m.runWebSocket
	case types.ProtocolSSE:
		run = m.runSSE
	case types.ProtocolPoll:
		run = m.runPoll
	default:
		return fmt.Errorf("unsupported protocol %q", m.cfg.Protocol)
	}

	started := false
	m.startOnce.Do(func() {
		started = true
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		m.cancel = cancel
		go m.loop(runCtx, run)
	})
	if !started {
		return errors.New("connection manager already started")
	}
	return nil
}

// Stop tears the connection down and waits for the loop to exit. It is safe
// to call more than once and before Start.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		started := true
		m.startOnce.Do(func() {
			started = false
			close(m.events)
			close(m.done)
		})
		if started {
			m.cancel()
		}
	})
	<-m.done
}

func (m *Manager) loop(ctx context.Context, run session) {
	defer close(m.done)
	defer close(m.events)

	b := NewBackOff(m.cfg.Reconnect)
	failures := 0

	for {
		m.setState(ctx, types.StateConnecting)

		wasConnected := false
		err := run(ctx, func() {
			wasConnected = true
			failures = 0
			b.Reset()
			m.setState(ctx, types.StateConnected)
		})
		if ctx.Err() != nil {
			m.setState(ctx, types.StateDisconnected)
			return
		}

		if err == nil {
			err = errors.New("connection closed by upstream")
		}
		if types.IsSecurityError(err) {
			m.fail(ctx, err)
			return
		}

		failures++
		if wasConnected {
			m.setState(ctx, types.StateDisconnected)
		} else {
			m.setState(ctx, types.StateError)
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			m.fail(ctx, &types.ConnectionError{
				Endpoint: m.cfg.Endpoint,
				Attempt:  failures,
				Fatal:    true,
				Err:      fmt.Errorf("giving up after %d reconnect attempts: %w", m.cfg.Reconnect.Retries(), err),
			})
			return
		}

		m.logger.Warn("Stream connection lost, reconnecting",
			"endpoint", m.cfg.Endpoint,
			"attempt", failures,
			"delay", delay,
			"error", err)
		m.publish(ctx, Event{Kind: EventError, Err: asConnectionError(m.cfg.Endpoint, failures, err)})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.setState(ctx, types.StateDisconnected)
			return
		case <-timer.C:
		}
	}
}

func (m *Manager) fail(ctx context.Context, err error) {
	m.logger.Error("Stream connection failed permanently", "endpoint", m.cfg.Endpoint, "error", err)
	m.setState(ctx, types.StateError)
	m.publish(ctx, Event{Kind: EventError, Err: err, Fatal: true})
}

func (m *Manager) setState(ctx context.Context, s types.ConnectionState) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	m.mu.Unlock()
	if changed {
		m.publish(ctx, Event{Kind: EventStatus, State: s})
	}
}

// publish blocks until the consumer takes the event or the session is
// cancelled.
func (m *Manager) publish(ctx context.Context, ev Event) {
	select {
	case m.events <- ev:
	case <-ctx.Done():
	}
}

// deliver parses one payload and publishes the resulting messages.
func (m *Manager) deliver(ctx context.Context, payload []byte) []Message {
	msgs, err := m.parser.Parse(payload)
	if err != nil {
		m.logger.Warn("Dropping unparsable payload", "endpoint", m.cfg.Endpoint, "bytes", len(payload), "error", err)
		m.publish(ctx, Event{Kind: EventError, Err: fmt.Errorf("parse payload: %w", err)})
		return nil
	}
	if len(msgs) > 0 {
		m.publish(ctx, Event{Kind: EventData, Messages: msgs})
	}
	return msgs
}

func (m *Manager) header() http.Header {
	h := http.Header{}
	for k, v := range m.cfg.Headers {
		h.Set(k, v)
	}
	m.cfg.Auth.Apply(h)
	return h
}

func asConnectionError(endpoint string, attempt int, err error) error {
	var ce *types.ConnectionError
	if errors.As(err, &ce) {
		return err
	}
	return &types.ConnectionError{Endpoint: endpoint, Attempt: attempt, Err: err}
}
