// Package store holds the hot-path in-memory state: the time-bucketed
// deduplication index and the per-vessel last-known-state records. Both
// ride on TTL caches; the dispatcher is the only writer.
package store

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/darkfleet/fleetd/ais"
)

const (
	DefaultDedupWindow   = 30 // seconds
	DefaultTTLMultiplier = 2
)

// DedupIndex suppresses near-identical reports. The key folds MMSI,
// the timestamp bucketed to the window, and coordinates rounded to four
// decimals (~11 m); keys live for window × multiplier so late
// duplicates still collapse.
type DedupIndex struct {
	window     int
	multiplier int
	keys       *cache.Cache

	unique     atomic.Int64
	duplicates atomic.Int64

	now func() time.Time
}

func NewDedupIndex(windowSeconds, ttlMultiplier int) *DedupIndex {
	if windowSeconds <= 0 {
		windowSeconds = DefaultDedupWindow
	}
	if ttlMultiplier <= 0 {
		ttlMultiplier = DefaultTTLMultiplier
	}
	ttl := time.Duration(windowSeconds*ttlMultiplier) * time.Second
	return &DedupIndex{
		window:     windowSeconds,
		multiplier: ttlMultiplier,
		keys:       cache.New(ttl, ttl),
		now:        time.Now,
	}
}

// Key derives the dedup key for a message. Messages without a
// timestamp bucket on the current wall-clock second; static messages
// without coordinates fold to 0.0 so repeated static reports of the
// same vessel collapse inside the window.
func (d *DedupIndex) Key(msg *ais.Message) string {
	ts := msg.TimestampSeconds(d.now())
	bucket := (int64(ts) / int64(d.window)) * int64(d.window)

	var lat, lon float64
	if msg.Lat != nil {
		lat = *msg.Lat
	}
	if msg.Lon != nil {
		lon = *msg.Lon
	}

	composed := fmt.Sprintf("%s-%d-%.4f-%.4f", msg.MMSI, bucket, lat, lon)
	sum := md5.Sum([]byte(composed))
	return hex.EncodeToString(sum[:])
}

// Seen records the message's key and reports whether it was already
// present. The first caller for a key gets false; every other caller
// within the TTL gets true.
func (d *DedupIndex) Seen(msg *ais.Message) bool {
	key := d.Key(msg)

	if _, dup := d.keys.Get(key); dup {
		d.duplicates.Add(1)
		return true
	}

	d.keys.SetDefault(key, struct{}{})
	d.unique.Add(1)
	return false
}

type DedupStats struct {
	Unique     int64 `json:"unique"`
	Duplicates int64 `json:"duplicates"`
}

func (d *DedupIndex) Stats() DedupStats {
	return DedupStats{
		Unique:     d.unique.Load(),
		Duplicates: d.duplicates.Load(),
	}
}
