package store

import (
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/darkfleet/fleetd/ais"
)

const DefaultVesselExpiry = 3600 // seconds

// VesselState is the last observed picture of one vessel, merged across
// messages and sources.
type VesselState struct {
	MMSI string `json:"mmsi"`

	Lat     *float64 `json:"lat,omitempty"`
	Lon     *float64 `json:"lon,omitempty"`
	Speed   *float64 `json:"speed,omitempty"`
	Course  *float64 `json:"course,omitempty"`
	Heading *int     `json:"heading,omitempty"`

	Name     string `json:"name,omitempty"`
	IMO      string `json:"imo,omitempty"`
	Callsign string `json:"callsign,omitempty"`
	ShipType *int   `json:"shiptype,omitempty"`

	// LastUpdate carries the message timestamp verbatim, in whatever
	// shape the upstream delivered it.
	LastUpdate   any      `json:"last_update,omitempty"`
	MessageCount int64    `json:"message_count"`
	Sources      []string `json:"sources,omitempty"`
}

// VesselStore tracks live vessel records with a sliding TTL. Records
// are immutable once stored; an update replaces the record wholesale so
// concurrent readers never observe a half-merged state.
type VesselStore struct {
	mu      sync.Mutex
	records *cache.Cache
	active  map[string]struct{}
	expiry  time.Duration
}

func NewVesselStore(expireAfterSeconds int) *VesselStore {
	if expireAfterSeconds <= 0 {
		expireAfterSeconds = DefaultVesselExpiry
	}
	expiry := time.Duration(expireAfterSeconds) * time.Second
	return &VesselStore{
		// Sweeping is driven explicitly by CleanupExpired so the active
		// set stays consistent with the records; disable the janitor.
		records: cache.New(expiry, 0),
		active:  make(map[string]struct{}),
		expiry:  expiry,
	}
}

// Update merges a message into the vessel's record and refreshes its
// TTL. Position-family fields are overwritten whenever present;
// identity fields stick once observed.
func (s *VesselStore) Update(msg *ais.Message, source string) {
	if msg.MMSI == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state := &VesselState{MMSI: msg.MMSI}
	if prev, ok := s.records.Get(msg.MMSI); ok {
		*state = *prev.(*VesselState)
	}

	if msg.Lat != nil {
		state.Lat = msg.Lat
	}
	if msg.Lon != nil {
		state.Lon = msg.Lon
	}
	if msg.Speed != nil {
		state.Speed = msg.Speed
	}
	if msg.Course != nil {
		state.Course = msg.Course
	}
	if msg.Heading != nil {
		state.Heading = msg.Heading
	}

	if msg.Name != "" {
		state.Name = msg.Name
	}
	if msg.IMO != "" {
		state.IMO = msg.IMO
	}
	if msg.Callsign != "" {
		state.Callsign = msg.Callsign
	}
	if msg.ShipType != nil {
		state.ShipType = msg.ShipType
	}

	state.LastUpdate = msg.Timestamp
	state.MessageCount++

	if source != "" && !contains(state.Sources, source) {
		sources := append([]string(nil), state.Sources...)
		sources = append(sources, source)
		sort.Strings(sources)
		state.Sources = sources
	}

	s.records.SetDefault(msg.MMSI, state)
	s.active[msg.MMSI] = struct{}{}
}

// Get returns the vessel's record, or nil when none is live. go-cache
// expires lazily, so a record past its TTL is already invisible here
// even before a cleanup pass removes it.
func (s *VesselStore) Get(mmsi string) *VesselState {
	v, ok := s.records.Get(mmsi)
	if !ok {
		return nil
	}
	state := *v.(*VesselState)
	return &state
}

// ActiveVessels lists MMSIs believed to have a live record. Entries
// whose record has expired linger until the next cleanup pass.
func (s *VesselStore) ActiveVessels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.active))
	for mmsi := range s.active {
		out = append(out, mmsi)
	}
	sort.Strings(out)
	return out
}

// CleanupExpired drops expired records and prunes the active set,
// returning how many vessels were removed.
func (s *VesselStore) CleanupExpired() int {
	s.records.DeleteExpired()

	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0
	for mmsi := range s.active {
		if _, ok := s.records.Get(mmsi); !ok {
			delete(s.active, mmsi)
			cleaned++
		}
	}
	return cleaned
}

// Count reports the number of tracked vessels.
func (s *VesselStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
