// Package server is the downstream fan-out layer: WebSocket
// subscription pools with admission control plus the HTTP control
// plane.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/darkfleet/fleetd/ais"
	"github.com/darkfleet/fleetd/config"
	"github.com/darkfleet/fleetd/metrics"
	"github.com/darkfleet/fleetd/source"
	"github.com/darkfleet/fleetd/store"
	"github.com/darkfleet/fleetd/storage"
	"github.com/darkfleet/fleetd/version"
	"github.com/darkfleet/fleetd/watchlist"
)

// Deps are the collaborators the control plane reads from. Nil members
// disable the corresponding endpoints.
type Deps struct {
	Vessels       *store.VesselStore
	Storage       storage.Store
	Sources       *source.Manager
	Stats         func(ctx context.Context) map[string]any
	SyncWatchlist func(ctx context.Context) watchlist.SyncReport
}

type Server struct {
	cfg     config.ServerConfig
	corsCfg config.CORSConfig
	hub     *Hub
	deps    Deps
	logger  *slog.Logger

	upgrader websocket.Upgrader
}

func New(cfg config.ServerConfig, corsCfg config.CORSConfig, deps Deps) *Server {
	return &Server{
		cfg:     cfg,
		corsCfg: corsCfg,
		hub: NewHub(cfg.MaxClients, cfg.MaxClientsGeo, cfg.MaxConnectionsPerIP,
			cfg.ConnectionRateLimit, cfg.ConnectionRateWindow),
		deps:   deps,
		logger: slog.With("component", "server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Hub() *Hub { return s.hub }

// --- broadcasting ---

func nowISO() string { return time.Now().UTC().Format(time.RFC3339) }

// BroadcastRaw fans the pre-dedup copy out to raw subscribers.
func (s *Server) BroadcastRaw(msg *ais.Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.hub.Broadcast(PoolRaw, payload, nil, nil)
}

// BroadcastTrackUpdate builds the outbound event and fans it out to
// every applicable pool. Identity attributes absent on the message are
// filled from the vessel's merged state.
func (s *Server) BroadcastTrackUpdate(msg *ais.Message, state *store.VesselState, match *watchlist.Match) {
	event := map[string]any{
		"type":      "track_update",
		"timestamp": nowISO(),
	}

	if msg.MMSI != "" {
		event["mmsi"] = msg.MMSI
	}
	if msg.Lat != nil {
		event["lat"] = *msg.Lat
	}
	if msg.Lon != nil {
		event["lon"] = *msg.Lon
	}
	if msg.Speed != nil {
		event["speed"] = *msg.Speed
	}
	if msg.Course != nil {
		event["course"] = *msg.Course
	}
	if msg.Heading != nil {
		event["heading"] = *msg.Heading
	}

	name, imo, callsign, shipType := msg.Name, msg.IMO, msg.Callsign, msg.ShipType
	if state != nil {
		if name == "" {
			name = state.Name
		}
		if imo == "" {
			imo = state.IMO
		}
		if callsign == "" {
			callsign = state.Callsign
		}
		if shipType == nil {
			shipType = state.ShipType
		}
	}
	if name != "" {
		event["name"] = name
	}
	if imo != "" {
		event["imo"] = imo
	}
	if callsign != "" {
		event["callsign"] = callsign
	}
	if shipType != nil {
		event["shiptype"] = *shipType
	}

	if match != nil {
		event["watchlist"] = match
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.hub.Broadcast(PoolAll, payload, nil, nil)

	var matchPayload []byte
	if match != nil {
		event["list_id"] = match.ListID
		matchPayload, err = json.Marshal(event)
		if err != nil {
			matchPayload = payload
		}
		s.hub.Broadcast(PoolWatchlist, matchPayload, nil, nil)
	}

	if msg.HasPosition() {
		s.hub.Broadcast(PoolGeo, payload, msg.Lat, msg.Lon)
		if match != nil {
			s.hub.Broadcast(PoolGeoWatchlist, matchPayload, msg.Lat, msg.Lon)
		}
	}
}

// BroadcastWatchlistSync tells connected clients the indexes changed.
func (s *Server) BroadcastWatchlistSync(report watchlist.SyncReport) {
	payload, err := json.Marshal(map[string]any{
		"type":      "watchlist_sync",
		"timestamp": nowISO(),
		"vessels":   report.Vessels,
		"lists":     report.Lists,
		"success":   report.Success,
	})
	if err != nil {
		return
	}
	s.hub.Broadcast(PoolAll, payload, nil, nil)
}

// BroadcastHeartbeat keeps idle subscriptions warm.
func (s *Server) BroadcastHeartbeat() {
	payload, err := json.Marshal(map[string]any{
		"type":      "heartbeat",
		"timestamp": nowISO(),
	})
	if err != nil {
		return
	}
	s.hub.Broadcast(PoolAll, payload, nil, nil)
}

// --- websocket handling ---

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.BearerToken == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+s.cfg.BearerToken
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	frame := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(time.Second))
	conn.Close()
}

func admissionCloseCode(err error) (int, string) {
	switch err {
	case ErrInvalidBox:
		return websocket.ClosePolicyViolation, "Invalid bounding box"
	case ErrUnknownPool:
		return websocket.CloseUnsupportedData, "Unknown stream"
	default:
		return websocket.ClosePolicyViolation, err.Error()
	}
}

// handleWS admits one subscriber into the pool and services its
// control channel until it goes away.
func (s *Server) handleWS(pool string, enabled bool, welcome string, needBox bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorized := s.authorized(r)
		ip := clientIP(r)

		var bbox *BoundingBox
		var boxErr error
		if needBox {
			bbox, boxErr = ParseBoundingBox(r.URL.Query())
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Debug("WebSocket upgrade failed", "error", err)
			return
		}

		if !authorized {
			closeWith(conn, websocket.ClosePolicyViolation, "Unauthorized")
			return
		}
		if !enabled {
			closeWith(conn, websocket.CloseUnsupportedData, "Stream is disabled")
			return
		}
		if boxErr != nil {
			closeWith(conn, websocket.ClosePolicyViolation, boxErr.Error())
			return
		}

		sub, err := s.hub.Admit(conn, pool, ip, bbox)
		if err != nil {
			code, reason := admissionCloseCode(err)
			closeWith(conn, code, reason)
			return
		}

		go s.hub.WritePump(sub)

		hello := map[string]any{
			"type":      "connected",
			"timestamp": nowISO(),
			"message":   welcome,
			"stream":    pool,
		}
		if bbox != nil {
			hello["bounding_box"] = bbox
		}
		if payload, err := json.Marshal(hello); err == nil {
			s.hub.Send(sub, payload)
		}

		s.readLoop(sub)
	}
}

// readLoop services inbound control frames: pings are echoed as pongs,
// everything else is ignored.
func (s *Server) readLoop(sub *Subscriber) {
	defer s.hub.Remove(sub)

	for {
		msgType, data, err := sub.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var frame struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Type != "ping" {
			continue
		}

		pong, err := json.Marshal(map[string]any{
			"type":      "pong",
			"timestamp": nowISO(),
		})
		if err != nil {
			continue
		}
		s.hub.Send(sub, pong)
	}
}

// --- HTTP control plane ---

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"app":     "fleetd",
			"version": version.Version,
			"status":  "running",
			"endpoints": map[string]string{
				"health":              "/healthz",
				"metrics":             "/metrics",
				"stats":               "/api/stats",
				"sources":             "/api/sources",
				"vessels":             "/api/vessels",
				"detections":          "/api/detections",
				"watchlist_sync":      "/api/watchlist/sync (POST)",
				"websocket_raw":       "/ws/raw (pre-dedup, for plugins)",
				"websocket_all":       "/ws (all track updates)",
				"websocket_watchlist": "/ws/watchlist (watchlist matches only)",
				"websocket_geo":       "/ws/geo?min_lat=&max_lat=&min_lon=&max_lon=",
				"websocket_geo_wl":    "/ws/geo/watchlist?min_lat=&max_lat=&min_lon=&max_lon=",
			},
		})
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"status":    "healthy",
			"websocket": s.hub.Stats(),
		}
		if s.deps.Sources != nil {
			body["sources_connected"] = s.deps.Sources.AnyConnected()
		}
		writeJSON(w, http.StatusOK, body)
	})

	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/stats", s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Stats == nil {
			writeJSON(w, http.StatusOK, map[string]any{"websocket": s.hub.Stats()})
			return
		}
		writeJSON(w, http.StatusOK, s.deps.Stats(r.Context()))
	}))

	mux.HandleFunc("GET /api/sources", s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Sources == nil {
			writeJSON(w, http.StatusOK, map[string]any{"sources": []any{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sources": s.deps.Sources.Stats()})
	}))

	mux.HandleFunc("POST /api/sources/{name}/reconnect", s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Sources == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "sources not initialized"})
			return
		}
		name := r.PathValue("name")
		if err := s.deps.Sources.Reconnect(name); err != nil {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "reconnecting", "source": name})
	}))

	mux.HandleFunc("GET /api/vessels", s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Vessels == nil {
			writeJSON(w, http.StatusOK, map[string]any{"count": 0, "vessels": []string{}})
			return
		}
		active := s.deps.Vessels.ActiveVessels()
		listed := active
		if len(listed) > 100 {
			listed = listed[:100]
		}
		writeJSON(w, http.StatusOK, map[string]any{"count": len(active), "vessels": listed})
	}))

	mux.HandleFunc("GET /api/vessels/{mmsi}", s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Vessels == nil {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "vessel not found"})
			return
		}
		vessel := s.deps.Vessels.Get(r.PathValue("mmsi"))
		if vessel == nil {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "vessel not found"})
			return
		}
		writeJSON(w, http.StatusOK, vessel)
	}))

	mux.HandleFunc("GET /api/detections", s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Storage == nil {
			writeJSON(w, http.StatusOK, map[string]any{"count": 0, "detections": []any{}})
			return
		}
		limit := 100
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}
		detections, err := s.deps.Storage.RecentDetections(r.Context(), limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"count": len(detections), "detections": detections})
	}))

	mux.HandleFunc("GET /api/detections/{mmsi}", s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Storage == nil {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "detection not found"})
			return
		}
		detection, err := s.deps.Storage.Detection(r.Context(), r.PathValue("mmsi"))
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		if detection == nil {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "detection not found"})
			return
		}
		writeJSON(w, http.StatusOK, detection)
	}))

	mux.HandleFunc("POST /api/watchlist/sync", s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.SyncWatchlist == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"success": false, "error": "watchlist not enabled",
			})
			return
		}
		report := s.deps.SyncWatchlist(r.Context())
		status := http.StatusOK
		if !report.Success {
			status = http.StatusBadGateway
		}
		writeJSON(w, status, report)
	}))

	mux.HandleFunc("GET /ws/raw", s.handleWS(PoolRaw, s.cfg.RawStream(),
		"Connected to fleetd raw stream (pre-dedup)", false))
	mux.HandleFunc("GET /ws", s.handleWS(PoolAll, s.cfg.AllStream(),
		"Connected to fleetd (all track updates)", false))
	mux.HandleFunc("GET /ws/watchlist", s.handleWS(PoolWatchlist, s.cfg.WatchlistStream(),
		"Connected to fleetd (watchlist-only stream)", false))
	mux.HandleFunc("GET /ws/geo", s.handleWS(PoolGeo, s.cfg.GeoStream(),
		"Connected to fleetd (geographic filtered stream)", true))
	mux.HandleFunc("GET /ws/geo/watchlist", s.handleWS(PoolGeoWatchlist, s.cfg.GeoWatchlistStream(),
		"Connected to fleetd (geographic + watchlist filtered stream)", true))

	var handler http.Handler = mux
	if s.corsCfg.Enabled {
		origins := []string{"*"}
		if s.corsCfg.AllowedOrigins != "*" {
			origins = nil
			for _, o := range strings.Split(s.corsCfg.AllowedOrigins, ",") {
				if o = strings.TrimSpace(o); o != "" {
					origins = append(origins, o)
				}
			}
		}
		handler = cors.New(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}).Handler(mux)
	}
	return handler
}

// Run serves until ctx is cancelled, then closes every subscription
// with a normal-closure frame and shuts the listener down within the
// bounded window.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	httpServer := &http.Server{Handler: s.routes()}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	bold := color.New(color.Bold)

	fmt.Println()
	green.Print("  ➜ ")
	bold.Print("fleetd ")
	fmt.Printf("(%s)", version.Version)
	fmt.Println(" running at:")
	green.Print("  ➜ ")
	fmt.Print("Local:   ")
	cyan.Printf("http://localhost:%d\n", s.cfg.Port)
	fmt.Println()

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.hub.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
