package connection

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"ingestd/internal/fetch"
	"ingestd/internal/types"
)

const pollTimeout = fetch.DefaultTimeout

// runPoll issues one request per tick. Requests never overlap: a slow
// response delays the next tick instead of stacking requests.
func (m *Manager) runPoll(ctx context.Context, connected func()) error {
	ticker := time.NewTicker(m.cfg.PollInterval.Duration)
	defer ticker.Stop()

	first := true
	for {
		if err := m.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if first {
			first = false
			connected()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (m *Manager) pollOnce(ctx context.Context) error {
	u, err := url.Parse(m.cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid poll endpoint: %w", err)
	}
	if cursor := m.Cursor(); cursor != "" {
		q := u.Query()
		q.Set("cursor", cursor)
		u.RawQuery = q.Encode()
	}

	reqCtx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to build poll request: %w", err)
	}
	req.Header = m.header()
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := m.client.Do(req)
	if err != nil {
		if types.IsSecurityError(err) {
			return err
		}
		return &types.ConnectionError{Endpoint: u.String(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &types.ConnectionError{
			Endpoint:   u.String(),
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetch.DefaultMaxResponseBytes+1))
	if err != nil {
		return &types.ConnectionError{Endpoint: u.String(), Err: fmt.Errorf("failed to read poll body: %w", err)}
	}
	if len(body) > fetch.DefaultMaxResponseBytes {
		return &types.ConnectionError{Endpoint: u.String(), Err: fmt.Errorf("poll response exceeds %d bytes", fetch.DefaultMaxResponseBytes)}
	}

	msgs := m.deliver(ctx, body)
	if len(msgs) > 0 {
		m.advanceCursor(msgs[len(msgs)-1])
	}
	return nil
}

// advanceCursor derives the next cursor from the last item of a response:
// its id, then its timestamp, else the current time.
func (m *Manager) advanceCursor(last Message) {
	next := m.now().UTC().Format(time.RFC3339)
	for _, field := range []string{"id", "timestamp"} {
		if r := gjson.Get(last.Raw, field); r.Exists() && r.String() != "" {
			next = r.String()
			break
		}
	}

	m.mu.Lock()
	m.cursor = next
	m.mu.Unlock()
}
