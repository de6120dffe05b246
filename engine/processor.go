// Package engine wires the pipeline together: the dispatcher that
// processes every inbound message exactly once, and the runtime that
// owns the components and their lifecycles.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/darkfleet/fleetd/ais"
	"github.com/darkfleet/fleetd/metrics"
	"github.com/darkfleet/fleetd/server"
	"github.com/darkfleet/fleetd/storage"
	"github.com/darkfleet/fleetd/store"
	"github.com/darkfleet/fleetd/watchlist"
)

const inboxDepth = 1024

type inbound struct {
	msg    *ais.Message
	source string
}

// Processor is the dispatcher: a single goroutine consumes the inbox,
// which keeps per-source arrival order and serializes per-MMSI state
// merges without locking.
type Processor struct {
	logger *slog.Logger

	dedup    *store.DedupIndex   // nil disables deduplication
	vessels  *store.VesselStore  // nil disables state tracking
	registry *watchlist.Registry // nil when no watchlist is attached
	db       storage.Store       // nil disables detection records
	out      *server.Server

	rawEnabled bool

	inbox chan inbound
	done  chan struct{}

	totalReceived     atomic.Int64
	broadcastRaw      atomic.Int64
	broadcastFiltered atomic.Int64
	matched           atomic.Int64

	mu             sync.Mutex
	matchedVessels map[string]struct{}
}

func NewProcessor(dedup *store.DedupIndex, vessels *store.VesselStore, registry *watchlist.Registry, db storage.Store, out *server.Server, rawEnabled bool) *Processor {
	return &Processor{
		logger:         slog.With("component", "processor"),
		dedup:          dedup,
		vessels:        vessels,
		registry:       registry,
		db:             db,
		out:            out,
		rawEnabled:     rawEnabled,
		inbox:          make(chan inbound, inboxDepth),
		done:           make(chan struct{}),
		matchedVessels: make(map[string]struct{}),
	}
}

// Enqueue hands a message to the dispatcher. It blocks when the inbox
// is full (backpressure onto the source), but never after shutdown.
func (p *Processor) Enqueue(msg *ais.Message, source string) {
	select {
	case <-p.done:
	case p.inbox <- inbound{msg: msg, source: source}:
	}
}

// Run consumes the inbox until ctx is cancelled, then drains whatever
// is already queued before returning.
func (p *Processor) Run(ctx context.Context) {
	defer close(p.done)

	for {
		select {
		case in := <-p.inbox:
			p.process(ctx, in.msg, in.source)
		case <-ctx.Done():
			for {
				select {
				case in := <-p.inbox:
					p.process(ctx, in.msg, in.source)
				default:
					return
				}
			}
		}
	}
}

// process applies the per-message pipeline. Raw fan-out happens
// strictly before deduplication so raw subscribers see duplicates.
func (p *Processor) process(ctx context.Context, msg *ais.Message, src string) {
	p.totalReceived.Add(1)

	if p.rawEnabled {
		raw := msg.Clone()
		raw.Source = src
		raw.Stream = "raw"
		p.out.BroadcastRaw(raw)
		p.broadcastRaw.Add(1)
	}

	if p.dedup != nil && p.dedup.Seen(msg) {
		metrics.Duplicates.Inc()
		return
	}
	metrics.Unique.Inc()

	var state *store.VesselState
	if p.vessels != nil {
		p.vessels.Update(msg, src)
		state = p.vessels.Get(msg.MMSI)
	}

	var match *watchlist.Match
	if p.registry != nil {
		match = p.registry.CheckMessage(ctx, msg)
		if match != nil {
			p.matched.Add(1)
			if msg.MMSI != "" {
				p.mu.Lock()
				p.matchedVessels[msg.MMSI] = struct{}{}
				p.mu.Unlock()
			}
			p.saveDetection(ctx, msg, match)
		}
	}

	p.out.BroadcastTrackUpdate(msg, state, match)
	p.broadcastFiltered.Add(1)
}

// saveDetection records the sighting; failures are advisory.
func (p *Processor) saveDetection(ctx context.Context, msg *ais.Message, match *watchlist.Match) {
	if p.db == nil || msg.MMSI == "" {
		return
	}

	raw, _ := json.Marshal(msg)
	d := storage.Detection{
		MMSI:           msg.MMSI,
		IMO:            msg.IMO,
		Latitude:       msg.Lat,
		Longitude:      msg.Lon,
		LastDetectedAt: time.Now().UTC().Format(time.RFC3339),
		RawData:        string(raw),
	}
	if err := p.db.UpsertDetection(ctx, d); err != nil {
		p.logger.Warn("Failed to save detection", "mmsi", msg.MMSI, "error", err)
	}
}

// Stats snapshots the processing counters.
func (p *Processor) Stats() map[string]any {
	total := p.totalReceived.Load()

	stats := map[string]any{
		"total_received":     total,
		"broadcast_raw":      p.broadcastRaw.Load(),
		"broadcast_filtered": p.broadcastFiltered.Load(),
		"messages_matched":   p.matched.Load(),
	}

	if p.dedup != nil {
		ds := p.dedup.Stats()
		stats["unique"] = ds.Unique
		stats["duplicates"] = ds.Duplicates
		if total > 0 {
			stats["dedup_rate"] = float64(ds.Duplicates) / float64(total)
		} else {
			stats["dedup_rate"] = 0.0
		}
	}

	p.mu.Lock()
	stats["unique_vessels_matched"] = len(p.matchedVessels)
	p.mu.Unlock()

	return stats
}

// MatchedVessels lists distinct matched MMSIs, for the control plane.
func (p *Processor) MatchedVessels() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.matchedVessels))
	for mmsi := range p.matchedVessels {
		out = append(out, mmsi)
	}
	sort.Strings(out)
	return out
}
