package connection

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"

	"ingestd/internal/types"
)

const maxEventLine = 4 * 1024 * 1024

func (m *Manager) runSSE(ctx context.Context, connected func()) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build sse request: %w", err)
	}
	req.Header = m.header()
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := m.client.Do(req)
	if err != nil {
		if types.IsSecurityError(err) {
			return err
		}
		return &types.ConnectionError{Endpoint: m.cfg.Endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &types.ConnectionError{
			Endpoint:   m.cfg.Endpoint,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	connected()
	m.logger.Info("SSE stream opened", "endpoint", m.cfg.Endpoint)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimPrefix(data, " ")
		if data == "" {
			continue
		}
		m.deliver(ctx, []byte(data))
	}

	if ctx.Err() != nil {
		return nil
	}
	if err := scanner.Err(); err != nil {
		return &types.ConnectionError{Endpoint: m.cfg.Endpoint, Err: fmt.Errorf("sse read: %w", err)}
	}
	return &types.ConnectionError{Endpoint: m.cfg.Endpoint, Err: fmt.Errorf("sse stream ended")}
}
