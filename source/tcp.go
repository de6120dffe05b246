package source

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/darkfleet/fleetd/ais"
	"github.com/darkfleet/fleetd/config"
	"github.com/darkfleet/fleetd/metrics"
)

const tcpReadIdle = 30 * time.Second

// TCPAdapter reads CR/LF-delimited NMEA sentences from a plain TCP
// feed (typically a satellite downlink concentrator) and runs them
// through its own parser instance — fragment state is per-stream.
type TCPAdapter struct {
	name   string
	addr   string
	logger *slog.Logger

	parser  *ais.Parser
	handler Handler
	retry   retryPolicy

	mu        sync.Mutex
	conn      net.Conn
	connected bool

	messagesReceived atomic.Int64
	bytesReceived    atomic.Int64
	connectionCount  atomic.Int64
	reconnectCount   atomic.Int64
}

func NewTCPAdapter(cfg config.SourceConfig, handler Handler) *TCPAdapter {
	a := &TCPAdapter{
		name:    cfg.Name,
		addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		logger:  slog.With("component", "tcp-source", "source", cfg.Name),
		parser:  ais.NewParser(ais.DefaultFragmentTimeout),
		handler: handler,
	}
	a.retry.autoReconnect = cfg.AutoReconnect()
	a.retry.interval = time.Duration(cfg.ReconnectInterval) * time.Millisecond
	a.retry.maxAttempts = cfg.ReconnectMaxAttempts
	return a
}

func (a *TCPAdapter) Name() string { return a.name }

// Parser exposes the adapter's decoder statistics.
func (a *TCPAdapter) Parser() *ais.Parser { return a.parser }

func (a *TCPAdapter) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		dialer := net.Dialer{Timeout: 10 * time.Second}
		conn, err := dialer.DialContext(ctx, "tcp", a.addr)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Error("Connection failed", "address", a.addr, "error", err)
			if !a.retry.wait(ctx) {
				return err
			}
			continue
		}

		a.setConn(conn)
		a.connectionCount.Add(1)
		a.retry.reset()
		a.logger.Info("Connected to source", "address", a.addr)

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

func (a *TCPAdapter) receive(ctx context.Context, conn net.Conn) error {
	conn.SetReadDeadline(time.Now().Add(tcpReadIdle))
	scanner := bufio.NewScanner(conn)

	for scanner.Scan() {
		conn.SetReadDeadline(time.Now().Add(tcpReadIdle))
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := scanner.Text()
		if line == "" {
			continue
		}

		a.messagesReceived.Add(1)
		a.bytesReceived.Add(int64(len(line)))
		metrics.MessagesReceived.WithLabelValues(a.name).Inc()
		metrics.BytesReceived.WithLabelValues(a.name).Add(float64(len(line)))

		if msg := a.parser.Parse(line); msg != nil {
			a.handler(msg, a.name)
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("connection closed by remote")
}

func (a *TCPAdapter) setConn(conn net.Conn) {
	a.mu.Lock()
	a.conn = conn
	a.connected = true
	a.mu.Unlock()
}

func (a *TCPAdapter) clearConn() {
	a.mu.Lock()
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	a.connected = false
	a.mu.Unlock()
}

// Reconnect forces the run loop to re-dial by dropping the current
// connection and clearing the backoff.
func (a *TCPAdapter) Reconnect() {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()

	a.retry.reset()
	if conn != nil {
		conn.Close()
	}
}

func (a *TCPAdapter) Stats() Stats {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()

	return Stats{
		Name:              a.name,
		Connected:         connected,
		MessagesReceived:  a.messagesReceived.Load(),
		BytesReceived:     a.bytesReceived.Load(),
		ConnectionCount:   a.connectionCount.Load(),
		ReconnectCount:    a.reconnectCount.Load(),
		ReconnectAttempts: int(a.retry.attempt.Load()),
	}
}
