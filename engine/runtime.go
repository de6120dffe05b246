package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/darkfleet/fleetd/ais"
	"github.com/darkfleet/fleetd/config"
	"github.com/darkfleet/fleetd/metrics"
	"github.com/darkfleet/fleetd/server"
	"github.com/darkfleet/fleetd/source"
	"github.com/darkfleet/fleetd/storage"
	"github.com/darkfleet/fleetd/store"
	"github.com/darkfleet/fleetd/watchlist"
)

const cleanupInterval = 300 * time.Second

// Runtime owns every component of the pipeline and injects them into
// each other explicitly. There are no package-level singletons; the
// process holds exactly one Runtime.
type Runtime struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger

	db       storage.Store
	dedup    *store.DedupIndex
	vessels  *store.VesselStore
	registry *watchlist.Registry
	sources  *source.Manager
	srv      *server.Server
	proc     *Processor
}

// New assembles the pipeline from configuration. Construction fails
// fast on anything that cannot be repaired at runtime.
func New(cfg *config.Config, configPath string) (*Runtime, error) {
	r := &Runtime{
		cfg:        cfg,
		configPath: configPath,
		logger:     slog.With("component", "runtime"),
	}

	db, err := storage.OpenSQLite(cfg.Database)
	if err != nil {
		return nil, err
	}
	r.db = db

	if cfg.Aggregation.Deduplication.Enabled == nil || *cfg.Aggregation.Deduplication.Enabled {
		r.dedup = store.NewDedupIndex(
			cfg.Aggregation.Deduplication.TimeWindow,
			cfg.Aggregation.Deduplication.TTLMultiplier,
		)
	}
	if cfg.Aggregation.StateTracking.Enabled == nil || *cfg.Aggregation.StateTracking.Enabled {
		r.vessels = store.NewVesselStore(cfg.Aggregation.StateTracking.ExpireAfter)
	}

	if cfg.Watchlist.Enabled {
		client := watchlist.NewClient(cfg.Watchlist.API)
		r.registry = watchlist.NewRegistry(client, db, cfg.Watchlist.PushUpdatesEnabled())
	}

	// Sources deliver through a closure so the manager can be built
	// before the processor that consumes it.
	r.sources = source.NewManager(cfg.Sources, func(msg *ais.Message, src string) {
		r.proc.Enqueue(msg, src)
	})

	deps := server.Deps{
		Vessels: r.vessels,
		Storage: db,
		Sources: r.sources,
		Stats:   r.statsDocument,
	}
	if r.registry != nil {
		deps.SyncWatchlist = r.syncWatchlist
	}
	r.srv = server.New(cfg.Server, cfg.CORS, deps)

	r.proc = NewProcessor(r.dedup, r.vessels, r.registry, db, r.srv, cfg.Server.RawStream())

	return r, nil
}

func (r *Runtime) syncWatchlist(ctx context.Context) watchlist.SyncReport {
	report := r.registry.Sync(ctx)
	r.srv.BroadcastWatchlistSync(report)
	return report
}

// Run starts every component and blocks until ctx is cancelled and the
// pipeline has drained.
func (r *Runtime) Run(ctx context.Context) error {
	if r.registry != nil {
		if err := r.registry.LoadFromStore(ctx); err != nil {
			return err
		}
		if st := r.registry.Stats(); st.MMSIEntries == 0 && st.IMOEntries == 0 {
			r.logger.Info("Watchlist cache empty, syncing from API")
			r.registry.Sync(ctx)
		}
		if r.cfg.Watchlist.SyncMode == "scheduled" {
			go r.scheduledSyncLoop(ctx)
		}
		if r.configPath != "" {
			go func() {
				// A change to the config file triggers a watchlist sync
				// with the configuration loaded at startup; the file
				// itself is not reloaded.
				config.Watch(ctx, r.configPath, func() { r.syncWatchlist(ctx) })
			}()
		}
	}

	procDone := make(chan struct{})
	go func() {
		r.proc.Run(ctx)
		close(procDone)
	}()

	r.sources.Start(ctx)

	if r.vessels != nil {
		go r.cleanupLoop(ctx)
	}
	if r.cfg.Monitoring.Enabled {
		go r.statsLoop(ctx)
	}

	err := r.srv.Run(ctx)

	r.sources.Wait()

	select {
	case <-procDone:
	case <-time.After(5 * time.Second):
		r.logger.Warn("Dispatcher did not drain within shutdown window")
	}

	if closeErr := r.db.Close(); closeErr != nil && err == nil {
		err = closeErr
	}

	r.logger.Info("Runtime stopped")
	return err
}

func (r *Runtime) scheduledSyncLoop(ctx context.Context) {
	interval := time.Duration(r.cfg.Watchlist.SyncInterval) * time.Millisecond
	r.logger.Info("Starting scheduled watchlist sync", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.syncWatchlist(ctx)
		}
	}
}

func (r *Runtime) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cleaned := r.vessels.CleanupExpired(); cleaned > 0 {
				r.logger.Info("Cleanup completed", "vessels_removed", cleaned)
			}
			metrics.ActiveVessels.Set(float64(r.vessels.Count()))
		}
	}
}

func (r *Runtime) statsLoop(ctx context.Context) {
	interval := time.Duration(r.cfg.Monitoring.StatsInterval) * time.Millisecond

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			parserStats := r.sources.ParserStats()
			metrics.SentencesParsed.Set(float64(parserStats.TotalParsed))
			metrics.SentenceErrors.Set(float64(parserStats.TotalErrors))
			metrics.FragmentsExpired.Set(float64(parserStats.FragmentsExpired))

			r.logger.Info("Pipeline statistics",
				"sources", r.sources.Stats(),
				"parser", parserStats,
				"processing", r.proc.Stats(),
				"websocket", r.srv.Hub().Stats(),
			)
		}
	}
}

// statsDocument is the /api/stats payload.
func (r *Runtime) statsDocument(ctx context.Context) map[string]any {
	doc := map[string]any{
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"processing": r.proc.Stats(),
		"sources":    r.sources.Stats(),
		"parser":     r.sources.ParserStats(),
		"websocket":  r.srv.Hub().Stats(),
	}

	if r.vessels != nil {
		doc["state"] = map[string]any{"active_vessels": r.vessels.Count()}
	}
	if r.registry != nil {
		doc["watchlist"] = r.registry.Stats()
	}
	if dbStats, err := r.db.Stats(ctx); err == nil {
		doc["database"] = dbStats
	}

	return doc
}
