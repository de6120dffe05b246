package server

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/darkfleet/fleetd/metrics"
)

// Pool tags. Deployments enable a subset.
const (
	PoolRaw          = "raw"
	PoolAll          = "all"
	PoolWatchlist    = "watchlist"
	PoolGeo          = "geo"
	PoolGeoWatchlist = "geo_watchlist"
)

var poolTags = []string{PoolRaw, PoolAll, PoolWatchlist, PoolGeo, PoolGeoWatchlist}

// Admission failures, mapped to WebSocket close codes by the handlers.
var (
	ErrTooManyPerIP = errors.New("too many connections from this address")
	ErrRateLimited  = errors.New("connection rate limit exceeded")
	ErrPoolFull     = errors.New("max clients reached")
	ErrInvalidBox   = errors.New("invalid bounding box")
	ErrUnknownPool  = errors.New("unknown pool")
)

const sendQueueDepth = 32

// Subscriber is one downstream consumer. Its writer goroutine drains a
// bounded queue; a full queue or a failed write disconnects it. The
// send channel is never closed — teardown is signalled through done so
// a concurrent broadcast can never panic.
type Subscriber struct {
	id   uint64
	pool string
	bbox *BoundingBox
	ip   string

	conn *websocket.Conn
	send chan []byte

	done     chan struct{}
	doneOnce sync.Once
}

func (s *Subscriber) close() {
	s.doneOnce.Do(func() { close(s.done) })
}

// enqueue is non-blocking: false means the subscriber is gone or its
// queue is full.
func (s *Subscriber) enqueue(payload []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// Hub owns the subscription pools and admission control.
type Hub struct {
	logger *slog.Logger

	maxClients    int
	maxClientsGeo int // 0 = unbounded
	maxPerIP      int
	rateLimit     int
	rateWindow    time.Duration

	mu       sync.Mutex
	pools    map[string]map[*Subscriber]struct{}
	ipConns  map[string]map[*Subscriber]struct{}
	attempts map[string][]time.Time
	totals   map[string]int64

	nextID         atomic.Uint64
	messagesSent   atomic.Int64
	messagesFailed atomic.Int64
	rateLimited    atomic.Int64

	now func() time.Time
}

func NewHub(maxClients, maxClientsGeo, maxPerIP, rateLimit, rateWindowSeconds int) *Hub {
	h := &Hub{
		logger:        slog.With("component", "fanout"),
		maxClients:    maxClients,
		maxClientsGeo: maxClientsGeo,
		maxPerIP:      maxPerIP,
		rateLimit:     rateLimit,
		rateWindow:    time.Duration(rateWindowSeconds) * time.Second,
		pools:         make(map[string]map[*Subscriber]struct{}),
		ipConns:       make(map[string]map[*Subscriber]struct{}),
		attempts:      make(map[string][]time.Time),
		totals:        make(map[string]int64),
		now:           time.Now,
	}
	for _, tag := range poolTags {
		h.pools[tag] = make(map[*Subscriber]struct{})
	}
	return h
}

// Admit runs the admission checks in order (per-IP cap, per-IP rate,
// pool capacity, bounding box) and registers the subscriber on
// success. The caller owns the conn until Admit succeeds.
func (h *Hub) Admit(conn *websocket.Conn, pool, ip string, bbox *BoundingBox) (*Subscriber, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.pools[pool]
	if !ok {
		return nil, ErrUnknownPool
	}

	if len(h.ipConns[ip]) >= h.maxPerIP {
		h.rateLimited.Add(1)
		metrics.RateLimited.Inc()
		h.logger.Warn("Max connections per IP reached", "client_ip", ip, "max", h.maxPerIP)
		return nil, ErrTooManyPerIP
	}

	now := h.now()
	recent := h.attempts[ip][:0]
	for _, ts := range h.attempts[ip] {
		if now.Sub(ts) < h.rateWindow {
			recent = append(recent, ts)
		}
	}
	h.attempts[ip] = recent
	if len(recent) >= h.rateLimit {
		h.rateLimited.Add(1)
		metrics.RateLimited.Inc()
		h.logger.Warn("Connection rate limit exceeded", "client_ip", ip, "window", h.rateWindow)
		return nil, ErrRateLimited
	}
	h.attempts[ip] = append(h.attempts[ip], now)

	limit := h.maxClients
	if pool == PoolGeo || pool == PoolGeoWatchlist {
		limit = h.maxClientsGeo
	}
	if limit > 0 && len(subs) >= limit {
		h.logger.Warn("Max clients reached", "pool", pool, "max", limit)
		return nil, ErrPoolFull
	}

	if pool == PoolGeo || pool == PoolGeoWatchlist {
		if bbox == nil {
			return nil, ErrInvalidBox
		}
		if err := bbox.Validate(); err != nil {
			return nil, ErrInvalidBox
		}
	}

	sub := &Subscriber{
		id:   h.nextID.Add(1),
		pool: pool,
		bbox: bbox,
		ip:   ip,
		conn: conn,
		send: make(chan []byte, sendQueueDepth),
		done: make(chan struct{}),
	}

	subs[sub] = struct{}{}
	if h.ipConns[ip] == nil {
		h.ipConns[ip] = make(map[*Subscriber]struct{})
	}
	h.ipConns[ip][sub] = struct{}{}
	h.totals[pool]++
	metrics.Subscribers.WithLabelValues(pool).Set(float64(len(subs)))

	h.logger.Info("Client connected", "pool", pool, "client_ip", ip, "active", len(subs))
	return sub, nil
}

// Remove detaches the subscriber, frees its per-IP slot and closes the
// underlying connection. Safe to call more than once.
func (h *Hub) Remove(sub *Subscriber) {
	h.mu.Lock()
	subs := h.pools[sub.pool]
	_, present := subs[sub]
	if present {
		delete(subs, sub)
		if conns := h.ipConns[sub.ip]; conns != nil {
			delete(conns, sub)
			if len(conns) == 0 {
				delete(h.ipConns, sub.ip)
			}
		}
		metrics.Subscribers.WithLabelValues(sub.pool).Set(float64(len(subs)))
	}
	active := len(subs)
	h.mu.Unlock()

	sub.close()
	if sub.conn != nil {
		sub.conn.Close()
	}

	if present {
		h.logger.Info("Client disconnected", "pool", sub.pool, "active", active)
	}
}

// Broadcast fans a payload out to the pool. Geo pools filter by
// bounding box; lat/lon nil means no geo recipient qualifies. A
// subscriber that cannot keep up is dropped, never waited on.
func (h *Hub) Broadcast(pool string, payload []byte, lat, lon *float64) {
	h.mu.Lock()
	targets := make([]*Subscriber, 0, len(h.pools[pool]))
	for sub := range h.pools[pool] {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		if sub.bbox != nil {
			if lat == nil || lon == nil || !sub.bbox.Contains(*lat, *lon) {
				continue
			}
		}
		if !sub.enqueue(payload) {
			h.messagesFailed.Add(1)
			metrics.MessagesFailed.Inc()
			h.logger.Debug("Subscriber cannot keep up, dropping", "pool", pool, "client_ip", sub.ip)
			h.Remove(sub)
		}
	}
}

// Send queues a payload to one subscriber, disconnecting the subscriber
// when its queue is full.
func (h *Hub) Send(sub *Subscriber, payload []byte) {
	if !sub.enqueue(payload) {
		h.messagesFailed.Add(1)
		metrics.MessagesFailed.Inc()
		h.Remove(sub)
	}
}

// WritePump drains the send queue onto the wire. It owns all data
// writes for the connection and exits once the subscriber is removed.
func (h *Hub) WritePump(sub *Subscriber) {
	for {
		select {
		case <-sub.done:
			return
		case payload := <-sub.send:
			sub.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := sub.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.messagesFailed.Add(1)
				metrics.MessagesFailed.Inc()
				h.Remove(sub)
				return
			}
			h.messagesSent.Add(1)
			metrics.MessagesSent.Inc()
		}
	}
}

// CloseAll ends every subscription with a normal-closure frame, used
// during shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	var all []*Subscriber
	for _, subs := range h.pools {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	h.mu.Unlock()

	frame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server shutdown")
	for _, sub := range all {
		if sub.conn != nil {
			sub.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(time.Second))
		}
		h.Remove(sub)
	}
}

// Stats reports per-pool occupancy and server-wide delivery counters.
type HubStats struct {
	Clients                map[string]int   `json:"clients"`
	TotalConnections       map[string]int64 `json:"total_connections"`
	MessagesSent           int64            `json:"messages_sent"`
	MessagesFailed         int64            `json:"messages_failed"`
	ConnectionsRateLimited int64            `json:"connections_rate_limited"`
}

func (h *Hub) Stats() HubStats {
	h.mu.Lock()
	clients := make(map[string]int, len(h.pools))
	for tag, subs := range h.pools {
		clients[tag] = len(subs)
	}
	totals := make(map[string]int64, len(h.totals))
	for tag, n := range h.totals {
		totals[tag] = n
	}
	h.mu.Unlock()

	return HubStats{
		Clients:                clients,
		TotalConnections:       totals,
		MessagesSent:           h.messagesSent.Load(),
		MessagesFailed:         h.messagesFailed.Load(),
		ConnectionsRateLimited: h.rateLimited.Load(),
	}
}

// CountForIP reports the open subscriptions for one address.
func (h *Hub) CountForIP(ip string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ipConns[ip])
}
