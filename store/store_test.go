package store

import (
	"testing"
	"time"

	"github.com/darkfleet/fleetd/ais"
)

func positionMsg(mmsi string, ts any, lat, lon float64) *ais.Message {
	return &ais.Message{
		Type:      1,
		MMSI:      mmsi,
		Lat:       &lat,
		Lon:       &lon,
		Timestamp: ts,
	}
}

func TestDedupWithinWindow(t *testing.T) {
	d := NewDedupIndex(30, 2)

	first := positionMsg("111", float64(1000), 10.0, 20.0)
	// Same bucket, coordinates within rounding distance.
	second := positionMsg("111", float64(1010), 10.00001, 20.00001)

	if d.Seen(first) {
		t.Fatal("first message must be unique")
	}
	if !d.Seen(second) {
		t.Fatal("near-identical message within the window must be a duplicate")
	}

	stats := d.Stats()
	if stats.Unique != 1 || stats.Duplicates != 1 {
		t.Errorf("expected 1 unique / 1 duplicate, got %+v", stats)
	}
}

func TestDedupDifferentBuckets(t *testing.T) {
	d := NewDedupIndex(30, 2)

	if d.Seen(positionMsg("111", float64(1000), 10.0, 20.0)) {
		t.Fatal("first must be unique")
	}
	// Next window bucket: a fresh key even at the same position.
	if d.Seen(positionMsg("111", float64(1021), 10.0, 20.0)) {
		t.Error("message in the next bucket must be unique")
	}
}

func TestDedupDistinguishesVessels(t *testing.T) {
	d := NewDedupIndex(30, 2)

	if d.Seen(positionMsg("111", float64(1000), 10.0, 20.0)) {
		t.Fatal("unexpected duplicate")
	}
	if d.Seen(positionMsg("222", float64(1000), 10.0, 20.0)) {
		t.Error("different MMSI must not collide")
	}
}

func TestDedupStaticMessagesCollapse(t *testing.T) {
	d := NewDedupIndex(30, 2)

	// Static messages carry no position; they fold to 0.0 so repeats of
	// the same vessel collapse inside the window.
	first := &ais.Message{Type: 5, MMSI: "333", Name: "ALPHA", Timestamp: float64(1000)}
	second := &ais.Message{Type: 5, MMSI: "333", Name: "ALPHA", Timestamp: float64(1005)}

	if d.Seen(first) {
		t.Fatal("first static must be unique")
	}
	if !d.Seen(second) {
		t.Error("repeated static within the window must collapse")
	}
}

func TestDedupMissingTimestampUsesWallClock(t *testing.T) {
	d := NewDedupIndex(30, 2)
	fixed := time.Unix(5000, 0)
	d.now = func() time.Time { return fixed }

	msg := positionMsg("444", nil, 1.0, 2.0)
	if d.Seen(msg) {
		t.Fatal("first must be unique")
	}
	if !d.Seen(msg) {
		t.Error("same wall-clock bucket must be a duplicate")
	}
}

func TestVesselAttributePersistence(t *testing.T) {
	s := NewVesselStore(3600)

	s.Update(&ais.Message{Type: 5, MMSI: "222", Name: "ALPHA", IMO: "9000001"}, "sat")
	s.Update(positionMsg("222", float64(2000), 45.0, -5.0), "sat")

	state := s.Get("222")
	if state == nil {
		t.Fatal("expected a record")
	}
	if state.Name != "ALPHA" || state.IMO != "9000001" {
		t.Errorf("identity fields must persist: %+v", state)
	}
	if state.Lat == nil || *state.Lat != 45.0 {
		t.Errorf("position must be merged: %+v", state)
	}
	if state.MessageCount != 2 {
		t.Errorf("expected message_count 2, got %d", state.MessageCount)
	}
}

func TestVesselIdentityNotClearedByOmission(t *testing.T) {
	s := NewVesselStore(3600)

	s.Update(&ais.Message{Type: 5, MMSI: "222", Name: "ALPHA", Callsign: "AB12"}, "sat")
	s.Update(positionMsg("222", nil, 1.0, 2.0), "relay")

	state := s.Get("222")
	if state.Name != "ALPHA" || state.Callsign != "AB12" {
		t.Errorf("omitted identity fields must be retained: %+v", state)
	}
	if len(state.Sources) != 2 {
		t.Errorf("expected both sources recorded, got %v", state.Sources)
	}
}

func TestVesselPositionOverwritten(t *testing.T) {
	s := NewVesselStore(3600)

	s.Update(positionMsg("555", nil, 1.0, 2.0), "sat")
	s.Update(positionMsg("555", nil, 3.0, 4.0), "sat")

	state := s.Get("555")
	if *state.Lat != 3.0 || *state.Lon != 4.0 {
		t.Errorf("position must track the latest message: %+v", state)
	}
}

func TestVesselLastUpdateVerbatim(t *testing.T) {
	s := NewVesselStore(3600)

	s.Update(positionMsg("666", "2024-03-01T12:00:00Z", 1.0, 2.0), "sat")

	state := s.Get("666")
	if state.LastUpdate != "2024-03-01T12:00:00Z" {
		t.Errorf("last_update must carry the raw timestamp, got %v", state.LastUpdate)
	}
}

func TestVesselExpiryAndCleanup(t *testing.T) {
	s := NewVesselStore(1)

	s.Update(positionMsg("777", nil, 1.0, 2.0), "sat")
	if s.Get("777") == nil {
		t.Fatal("expected live record")
	}

	time.Sleep(1100 * time.Millisecond)

	if s.Get("777") != nil {
		t.Error("expired record must be invisible")
	}
	if cleaned := s.CleanupExpired(); cleaned != 1 {
		t.Errorf("expected 1 cleaned, got %d", cleaned)
	}
	if got := s.ActiveVessels(); len(got) != 0 {
		t.Errorf("active set must be pruned, got %v", got)
	}
}

func TestVesselTTLRefreshedOnUpdate(t *testing.T) {
	s := NewVesselStore(1)

	s.Update(positionMsg("888", nil, 1.0, 2.0), "sat")
	time.Sleep(600 * time.Millisecond)
	s.Update(positionMsg("888", nil, 1.1, 2.1), "sat")
	time.Sleep(600 * time.Millisecond)

	if s.Get("888") == nil {
		t.Error("update must extend the TTL")
	}
}

func TestVesselUpdateIgnoresEmptyMMSI(t *testing.T) {
	s := NewVesselStore(3600)
	s.Update(&ais.Message{Type: 1}, "sat")
	if s.Count() != 0 {
		t.Error("record without MMSI must not be stored")
	}
}

func TestDedupKeyStable(t *testing.T) {
	d := NewDedupIndex(30, 2)
	a := positionMsg("111", float64(1000), 10.0, 20.0)
	b := positionMsg("111", float64(1000), 10.0, 20.0)
	if d.Key(a) != d.Key(b) {
		t.Error("identical inputs must derive identical keys")
	}
	if len(d.Key(a)) != 32 {
		t.Errorf("expected 128-bit hex key, got %q", d.Key(a))
	}
}
