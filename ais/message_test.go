package ais

import (
	"encoding/json"
	"testing"
	"time"
)

func mustTime(t *testing.T, iso string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, iso)
	if err != nil {
		t.Fatal(err)
	}
	return parsed
}

func ptr[T any](v T) *T { return &v }

func TestMessageJSONRoundTrip(t *testing.T) {
	msg := &Message{
		Type:     1,
		MMSI:     "235082896",
		IMO:      "9387425",
		Lat:      ptr(49.48),
		Lon:      ptr(0.12),
		Speed:    ptr(14.2),
		Course:   ptr(177.5),
		Heading:  ptr(178),
		Status:   ptr(0),
		Name:     "AQUITANIA",
		Callsign: "2BQX7",
		ShipType: ptr(70),
		Length:   ptr(294),
		Width:    ptr(32),

		Timestamp: "2024-03-01T12:00:00Z",
		Source:    "satellite",
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}

	decoded := &Message{}
	if err := json.Unmarshal(data, decoded); err != nil {
		t.Fatal(err)
	}

	if decoded.MMSI != msg.MMSI || decoded.IMO != msg.IMO || decoded.Name != msg.Name {
		t.Errorf("identity fields lost: %+v", decoded)
	}
	if decoded.Lat == nil || *decoded.Lat != *msg.Lat {
		t.Error("lat lost")
	}
	if decoded.Speed == nil || *decoded.Speed != *msg.Speed {
		t.Error("speed lost")
	}
	if decoded.Heading == nil || *decoded.Heading != *msg.Heading {
		t.Error("heading lost")
	}
	if decoded.Length == nil || *decoded.Length != *msg.Length {
		t.Error("length lost")
	}
	if decoded.Timestamp != "2024-03-01T12:00:00Z" {
		t.Errorf("timestamp lost: %v", decoded.Timestamp)
	}
	if decoded.Source != "satellite" {
		t.Errorf("source lost: %v", decoded.Source)
	}
}

func TestMessageOmitsAbsentFields(t *testing.T) {
	msg := &Message{Type: 5, MMSI: "111"}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}

	for _, key := range []string{"lat", "lon", "speed", "course", "heading", "name", "imo", "timestamp"} {
		if _, present := raw[key]; present {
			t.Errorf("absent field %q must be omitted, got %v", key, raw[key])
		}
	}
	if raw["mmsi"] != "111" {
		t.Errorf("mmsi lost: %v", raw["mmsi"])
	}
}

func TestMessageExtrasSurvive(t *testing.T) {
	payload := []byte(`{"type":1,"mmsi":"999","lat":1.5,"lon":2.5,"draught":6.1,"destination":"ROTTERDAM"}`)

	msg := &Message{}
	if err := json.Unmarshal(payload, msg); err != nil {
		t.Fatal(err)
	}
	if msg.Extras["draught"] != 6.1 {
		t.Errorf("extras not captured: %v", msg.Extras)
	}

	out, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	json.Unmarshal(out, &raw)
	if raw["destination"] != "ROTTERDAM" {
		t.Errorf("extras not re-emitted: %v", raw)
	}
}

func TestMessageNumericMMSI(t *testing.T) {
	msg := &Message{}
	if err := json.Unmarshal([]byte(`{"mmsi":235082896,"type":1}`), msg); err != nil {
		t.Fatal(err)
	}
	if msg.MMSI != "235082896" {
		t.Errorf("numeric mmsi must normalize to string, got %q", msg.MMSI)
	}
}

func TestTimestampSeconds(t *testing.T) {
	now := mustTime(t, "2024-03-01T12:00:00Z")

	cases := []struct {
		name string
		ts   any
		want float64
	}{
		{"nil falls back to now", nil, float64(now.Unix())},
		{"numeric seconds", float64(1700000000), 1700000000},
		{"iso string", "2024-03-01T11:00:00Z", float64(mustTime(t, "2024-03-01T11:00:00Z").Unix())},
		{"garbage falls back to now", "not-a-time", float64(now.Unix())},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			msg := &Message{Timestamp: tt.ts}
			if got := msg.TimestampSeconds(now); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
