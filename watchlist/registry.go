package watchlist

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/darkfleet/fleetd/ais"
	"github.com/darkfleet/fleetd/metrics"
	"github.com/darkfleet/fleetd/storage"
)

// Match describes which list a vessel report hit and through which
// identifier.
type Match struct {
	MMSI      string `json:"mmsi,omitempty"`
	IMO       string `json:"imo,omitempty"`
	ListID    string `json:"list_id"`
	ListName  string `json:"list_name,omitempty"`
	Color     string `json:"color,omitempty"`
	MatchedBy string `json:"matched_by"`
}

// snapshot is one immutable generation of the indexes. Lookups hold a
// pointer to a generation; a sync builds the next one fully before
// publishing, so readers never see a mix.
type snapshot struct {
	mmsiIndex map[string]string
	imoIndex  map[string]string
	lists     map[string]storage.List
	syncedAt  time.Time
}

var emptySnapshot = &snapshot{
	mmsiIndex: map[string]string{},
	imoIndex:  map[string]string{},
	lists:     map[string]storage.List{},
}

// SyncReport is what a sync attempt tells the caller.
type SyncReport struct {
	Vessels int    `json:"vessels"`
	Lists   int    `json:"lists"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Registry resolves vessel reports against the watchlist.
type Registry struct {
	client      *Client
	store       storage.Store
	pushUpdates bool
	logger      *slog.Logger

	snap   atomic.Pointer[snapshot]
	syncMu sync.Mutex
}

func NewRegistry(client *Client, store storage.Store, pushUpdates bool) *Registry {
	r := &Registry{
		client:      client,
		store:       store,
		pushUpdates: pushUpdates,
		logger:      slog.With("component", "watchlist"),
	}
	r.snap.Store(emptySnapshot)
	return r
}

// LoadFromStore warms the indexes from durable storage, used at
// startup before the first provider sync.
func (r *Registry) LoadFromStore(ctx context.Context) error {
	vessels, err := r.store.AllVessels(ctx)
	if err != nil {
		return err
	}
	lists, err := r.store.AllLists(ctx)
	if err != nil {
		return err
	}

	next := buildSnapshot(vessels, lists)
	r.snap.Store(next)

	r.logger.Info("Watchlist loaded from storage",
		"mmsi_entries", len(next.mmsiIndex),
		"imo_entries", len(next.imoIndex),
		"lists", len(next.lists))
	return nil
}

// Sync fetches from the provider, persists, and atomically publishes
// the new indexes. On failure the current snapshot keeps serving.
func (r *Registry) Sync(ctx context.Context) SyncReport {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()

	r.logger.Info("Syncing watchlist from API")

	rawVessels, rawLists, err := r.client.FetchAll(ctx)
	if err != nil {
		r.logger.Error("Watchlist sync failed", "error", err)
		metrics.WatchlistSyncs.WithLabelValues("failure").Inc()
		return SyncReport{Error: err.Error()}
	}

	vessels := normalizeVessels(rawVessels)
	lists := normalizeLists(rawLists)

	if err := r.store.UpsertLists(ctx, lists); err != nil {
		r.logger.Error("Watchlist sync failed", "error", err)
		metrics.WatchlistSyncs.WithLabelValues("failure").Inc()
		return SyncReport{Error: err.Error()}
	}
	if err := r.store.UpsertVessels(ctx, vessels); err != nil {
		r.logger.Error("Watchlist sync failed", "error", err)
		metrics.WatchlistSyncs.WithLabelValues("failure").Inc()
		return SyncReport{Error: err.Error()}
	}

	next := buildSnapshot(vessels, lists)
	next.syncedAt = time.Now()
	r.snap.Store(next)

	metrics.WatchlistSyncs.WithLabelValues("success").Inc()
	r.logger.Info("Watchlist synced", "vessels", len(vessels), "lists", len(lists))

	return SyncReport{
		Vessels: len(vessels),
		Lists:   len(lists),
		Success: true,
	}
}

// The provider grew organically and its two deployments disagree on
// key names; accept every spelling seen in the wild.
func normalizeVessels(raw []map[string]any) []storage.Vessel {
	out := make([]storage.Vessel, 0, len(raw))
	for _, v := range raw {
		out = append(out, storage.Vessel{
			MMSI:       stringField(v, "mmsi"),
			IMO:        stringField(v, "imo"),
			VesselName: stringField(v, "vessel_name", "vesselName", "name"),
			ListID:     stringField(v, "list_id", "listId"),
		})
	}
	return out
}

func normalizeLists(raw []map[string]any) []storage.List {
	out := make([]storage.List, 0, len(raw))
	for _, l := range raw {
		out = append(out, storage.List{
			ListID:   stringField(l, "list_id", "listId", "id"),
			ListName: stringField(l, "list_name", "listName", "name"),
			Color:    stringField(l, "color"),
		})
	}
	return out
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			switch s := v.(type) {
			case string:
				if s != "" {
					return s
				}
			case float64:
				if s == float64(int64(s)) {
					return strconv.FormatInt(int64(s), 10)
				}
				return strconv.FormatFloat(s, 'f', -1, 64)
			}
		}
	}
	return ""
}

func buildSnapshot(vessels []storage.Vessel, lists []storage.List) *snapshot {
	next := &snapshot{
		mmsiIndex: make(map[string]string),
		imoIndex:  make(map[string]string),
		lists:     make(map[string]storage.List),
	}
	for _, l := range lists {
		if l.ListID != "" {
			next.lists[l.ListID] = l
		}
	}
	for _, v := range vessels {
		if v.ListID == "" {
			continue
		}
		if v.MMSI != "" {
			next.mmsiIndex[v.MMSI] = v.ListID
		}
		if v.IMO != "" {
			next.imoIndex[v.IMO] = v.ListID
		}
	}
	return next
}

// Match looks up by MMSI first, then by IMO. An IMO hit for a message
// that also carried an MMSI reports that MMSI so downstream consumers
// can correlate.
func (r *Registry) Match(mmsi, imo string) *Match {
	snap := r.snap.Load()

	if mmsi != "" {
		if listID, ok := snap.mmsiIndex[mmsi]; ok {
			list := snap.lists[listID]
			return &Match{
				MMSI:      mmsi,
				ListID:    listID,
				ListName:  list.ListName,
				Color:     list.Color,
				MatchedBy: "mmsi",
			}
		}
	}

	if imo != "" {
		if listID, ok := snap.imoIndex[imo]; ok {
			list := snap.lists[listID]
			m := &Match{
				IMO:       imo,
				ListID:    listID,
				ListName:  list.ListName,
				Color:     list.Color,
				MatchedBy: "imo",
			}
			if mmsi != "" {
				m.MMSI = mmsi
			}
			return m
		}
	}

	return nil
}

// CheckMessage matches a report and, on an IMO hit, schedules a
// best-effort push of the vessel's last-known attributes back to the
// provider, which tracked it by hull only.
func (r *Registry) CheckMessage(ctx context.Context, msg *ais.Message) *Match {
	match := r.Match(msg.MMSI, msg.IMO)
	if match == nil {
		return nil
	}

	metrics.WatchlistMatches.Inc()

	if match.MatchedBy == "imo" && r.pushUpdates {
		go r.pushVesselUpdate(ctx, msg.IMO, msg)
	}

	return match
}

func (r *Registry) pushVesselUpdate(ctx context.Context, imo string, msg *ais.Message) {
	data := make(map[string]any)

	if msg.MMSI != "" {
		data["mmsi"] = msg.MMSI
	}
	if msg.Name != "" {
		data["name"] = msg.Name
	}
	if msg.Callsign != "" {
		data["callsign"] = msg.Callsign
	}

	if msg.HasPosition() {
		position := map[string]any{
			"lat": *msg.Lat,
			"lon": *msg.Lon,
		}
		if msg.Timestamp != nil {
			position["timestamp"] = msg.Timestamp
		}
		if msg.Speed != nil {
			position["speed"] = *msg.Speed
		}
		if msg.Course != nil {
			position["course"] = *msg.Course
		}
		if msg.Heading != nil {
			position["heading"] = *msg.Heading
		}
		if msg.ShipType != nil {
			position["shiptype"] = *msg.ShipType
		}
		if msg.Status != nil {
			position["status"] = *msg.Status
		}
		encoded, err := json.Marshal(position)
		if err == nil {
			data["lastposition"] = string(encoded)
		}
	}

	if len(data) == 0 {
		return
	}

	pushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := r.client.UpdateVesselByIMO(pushCtx, imo, data); err != nil {
		r.logger.Warn("Failed to push vessel update", "imo", imo, "error", err)
		return
	}
	r.logger.Debug("Vessel update pushed", "imo", imo)
}

type Stats struct {
	MMSIEntries  int     `json:"mmsi_entries"`
	IMOEntries   int     `json:"imo_entries"`
	ListsCount   int     `json:"lists_count"`
	LastSyncTime *string `json:"last_sync_time,omitempty"`
}

func (r *Registry) Stats() Stats {
	snap := r.snap.Load()
	st := Stats{
		MMSIEntries: len(snap.mmsiIndex),
		IMOEntries:  len(snap.imoIndex),
		ListsCount:  len(snap.lists),
	}
	if !snap.syncedAt.IsZero() {
		ts := snap.syncedAt.UTC().Format(time.RFC3339)
		st.LastSyncTime = &ts
	}
	return st
}

// Clear wipes indexes and the durable copy.
func (r *Registry) Clear(ctx context.Context) error {
	r.snap.Store(emptySnapshot)
	if err := r.store.ClearVessels(ctx); err != nil {
		return err
	}
	if err := r.store.ClearLists(ctx); err != nil {
		return err
	}
	r.logger.Info("Watchlist cleared")
	return nil
}
