// Package metrics exposes the pipeline's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_source_messages_received_total",
		Help: "Messages received from upstream sources.",
	}, []string{"source"})

	BytesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_source_bytes_received_total",
		Help: "Bytes received from upstream sources.",
	}, []string{"source"})

	SourceReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_source_reconnects_total",
		Help: "Reconnections after an established upstream connection dropped.",
	}, []string{"source"})

	SentencesParsed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetd_nmea_sentences_parsed",
		Help: "AIS sentences decoded into normalized messages (parser lifetime).",
	})

	SentenceErrors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetd_nmea_sentence_errors",
		Help: "AIS sentences that passed validation but failed to decode (parser lifetime).",
	})

	FragmentsExpired = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetd_nmea_fragments_expired",
		Help: "Buffered NMEA fragments discarded after the reassembly timeout (parser lifetime).",
	})

	Duplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetd_dedup_duplicates_total",
		Help: "Messages dropped as duplicates.",
	})

	Unique = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetd_dedup_unique_total",
		Help: "Messages that passed deduplication.",
	})

	WatchlistMatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetd_watchlist_matches_total",
		Help: "Messages matched against the watchlist.",
	})

	WatchlistSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_watchlist_syncs_total",
		Help: "Watchlist sync attempts by outcome.",
	}, []string{"outcome"})

	Subscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleetd_ws_subscribers",
		Help: "Currently connected downstream subscribers per pool.",
	}, []string{"pool"})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetd_ws_messages_sent_total",
		Help: "Events delivered to downstream subscribers.",
	})

	MessagesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetd_ws_messages_failed_total",
		Help: "Deliveries that failed and disconnected the subscriber.",
	})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetd_ws_connections_rate_limited_total",
		Help: "Subscriber connections rejected by the per-IP connection cap or rate limit.",
	})

	ActiveVessels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetd_active_vessels",
		Help: "Vessels with a live state record.",
	})
)

// Handler returns the HTTP handler serving the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
