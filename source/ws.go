package source

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/darkfleet/fleetd/ais"
	"github.com/darkfleet/fleetd/config"
	"github.com/darkfleet/fleetd/metrics"
)

// WSAdapter consumes a relay that speaks JSON over WebSocket: every
// text frame is one normalized message. Malformed frames are counted
// and discarded.
type WSAdapter struct {
	name   string
	url    string
	token  string
	logger *slog.Logger

	handler Handler
	retry   retryPolicy

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	messagesReceived atomic.Int64
	bytesReceived    atomic.Int64
	decodeErrors     atomic.Int64
	connectionCount  atomic.Int64
	reconnectCount   atomic.Int64
}

func NewWSAdapter(cfg config.SourceConfig, handler Handler) *WSAdapter {
	a := &WSAdapter{
		name:    cfg.Name,
		url:     cfg.URL,
		token:   cfg.Token,
		logger:  slog.With("component", "ws-source", "source", cfg.Name),
		handler: handler,
	}
	a.retry.autoReconnect = cfg.AutoReconnect()
	a.retry.interval = time.Duration(cfg.ReconnectInterval) * time.Millisecond
	a.retry.maxAttempts = cfg.ReconnectMaxAttempts
	return a
}

func (a *WSAdapter) Name() string { return a.name }

func (a *WSAdapter) Run(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var header http.Header
		if a.token != "" {
			header = http.Header{"Authorization": {"Bearer " + a.token}}
		}

		conn, _, err := dialer.DialContext(ctx, a.url, header)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Error("Connection failed", "url", a.url, "error", err)
			if !a.retry.wait(ctx) {
				return err
			}
			continue
		}

		a.setConn(conn)
		a.connectionCount.Add(1)
		a.retry.reset()
		a.logger.Info("Connected to source", "url", a.url)

		err = a.receive(ctx, conn)
		a.clearConn()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		a.reconnectCount.Add(1)
		metrics.SourceReconnects.WithLabelValues(a.name).Inc()
		a.logger.Warn("Connection closed, reconnecting", "error", err)
		if !a.retry.wait(ctx) {
			return err
		}
	}
}

func (a *WSAdapter) receive(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}

		a.bytesReceived.Add(int64(len(data)))
		metrics.BytesReceived.WithLabelValues(a.name).Add(float64(len(data)))

		msg := &ais.Message{}
		if err := json.Unmarshal(data, msg); err != nil {
			a.decodeErrors.Add(1)
			a.logger.Debug("Frame decode error", "error", err)
			continue
		}

		a.messagesReceived.Add(1)
		metrics.MessagesReceived.WithLabelValues(a.name).Inc()
		a.handler(msg, a.name)
	}
}

func (a *WSAdapter) setConn(conn *websocket.Conn) {
	a.mu.Lock()
	a.conn = conn
	a.connected = true
	a.mu.Unlock()
}

func (a *WSAdapter) clearConn() {
	a.mu.Lock()
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	a.connected = false
	a.mu.Unlock()
}

// Reconnect drops the current connection so the run loop re-dials.
func (a *WSAdapter) Reconnect() {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()

	a.retry.reset()
	if conn != nil {
		conn.Close()
	}
}

func (a *WSAdapter) Stats() Stats {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()

	return Stats{
		Name:              a.name,
		Connected:         connected,
		MessagesReceived:  a.messagesReceived.Load(),
		BytesReceived:     a.bytesReceived.Load(),
		DecodeErrors:      a.decodeErrors.Load(),
		ConnectionCount:   a.connectionCount.Load(),
		ReconnectCount:    a.reconnectCount.Load(),
		ReconnectAttempts: int(a.retry.attempt.Load()),
	}
}
