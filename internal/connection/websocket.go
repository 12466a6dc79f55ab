package connection

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"ingestd/internal/types"
)

const handshakeTimeout = 15 * time.Second

func (m *Manager) runWebSocket(ctx context.Context, connected func()) error {
	dialer := websocket.Dialer{
		NetDialContext:   m.validator.DialContext,
		HandshakeTimeout: handshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, m.cfg.Endpoint, m.header())
	if err != nil {
		if types.IsSecurityError(err) {
			return err
		}
		ce := &types.ConnectionError{Endpoint: m.cfg.Endpoint, Err: fmt.Errorf("websocket dial: %w", err)}
		if resp != nil {
			ce.StatusCode = resp.StatusCode
		}
		return ce
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	connected()
	m.logger.Info("WebSocket connected", "endpoint", m.cfg.Endpoint)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &types.ConnectionError{Endpoint: m.cfg.Endpoint, Err: fmt.Errorf("websocket read: %w", err)}
		}
		m.deliver(ctx, data)
	}
}
