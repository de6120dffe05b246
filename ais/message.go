package ais

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the normalized vessel report exchanged between the
// ingestion layer and the dispatcher. Known fields are typed; anything
// else an upstream relay sends rides along in Extras so it survives the
// trip to raw-stream subscribers.
type Message struct {
	Type int    // AIS message class (1/2/3/18/19 position, 5 static)
	MMSI string
	IMO  string

	Lat     *float64
	Lon     *float64
	Speed   *float64
	Course  *float64
	Heading *int
	Status  *int

	Name     string
	Callsign string
	ShipType *int
	Length   *int
	Width    *int

	IsOwnShip bool

	// Timestamp is carried verbatim: integer seconds from TCP feeds,
	// ISO-8601 strings from JSON relays, nil when the upstream sent none.
	Timestamp any

	Source string
	Stream string

	Extras map[string]any
}

// HasPosition reports whether the message carries usable coordinates.
func (m *Message) HasPosition() bool {
	return m.Lat != nil && m.Lon != nil
}

// TimestampSeconds resolves the carried timestamp to Unix seconds,
// falling back to now when absent or unparseable.
func (m *Message) TimestampSeconds(now time.Time) float64 {
	switch ts := m.Timestamp.(type) {
	case nil:
	case float64:
		return ts
	case int:
		return float64(ts)
	case int64:
		return float64(ts)
	case string:
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			return float64(t.UnixNano()) / float64(time.Second)
		}
	}
	return float64(now.UnixNano()) / float64(time.Second)
}

// fieldMap flattens the message into its wire shape, omitting absent
// fields entirely.
func (m *Message) fieldMap() map[string]any {
	out := make(map[string]any, 16)
	for k, v := range m.Extras {
		out[k] = v
	}

	out["type"] = m.Type
	if m.MMSI != "" {
		out["mmsi"] = m.MMSI
	}
	if m.IMO != "" {
		out["imo"] = m.IMO
	}
	if m.Lat != nil {
		out["lat"] = *m.Lat
	}
	if m.Lon != nil {
		out["lon"] = *m.Lon
	}
	if m.Speed != nil {
		out["speed"] = *m.Speed
	}
	if m.Course != nil {
		out["course"] = *m.Course
	}
	if m.Heading != nil {
		out["heading"] = *m.Heading
	}
	if m.Status != nil {
		out["status"] = *m.Status
	}
	if m.Name != "" {
		out["name"] = m.Name
	}
	if m.Callsign != "" {
		out["callsign"] = m.Callsign
	}
	if m.ShipType != nil {
		out["shiptype"] = *m.ShipType
	}
	if m.Length != nil {
		out["length"] = *m.Length
	}
	if m.Width != nil {
		out["width"] = *m.Width
	}
	if m.IsOwnShip {
		out["isOwnShip"] = true
	}
	if m.Timestamp != nil {
		out["timestamp"] = m.Timestamp
	}
	if m.Source != "" {
		out["_source"] = m.Source
	}
	if m.Stream != "" {
		out["_stream"] = m.Stream
	}
	return out
}

func (m *Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.fieldMap())
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*m = Message{}

	for k, v := range raw {
		switch k {
		case "type":
			if n, ok := asInt(v); ok {
				m.Type = n
				continue
			}
		case "mmsi":
			m.MMSI = asString(v)
			continue
		case "imo":
			m.IMO = asString(v)
			continue
		case "lat":
			if f, ok := asFloat(v); ok {
				m.Lat = &f
				continue
			}
		case "lon":
			if f, ok := asFloat(v); ok {
				m.Lon = &f
				continue
			}
		case "speed":
			if f, ok := asFloat(v); ok {
				m.Speed = &f
				continue
			}
		case "course":
			if f, ok := asFloat(v); ok {
				m.Course = &f
				continue
			}
		case "heading":
			if n, ok := asInt(v); ok {
				m.Heading = &n
				continue
			}
		case "status":
			if n, ok := asInt(v); ok {
				m.Status = &n
				continue
			}
		case "name":
			m.Name = asString(v)
			continue
		case "callsign":
			m.Callsign = asString(v)
			continue
		case "shiptype":
			if n, ok := asInt(v); ok {
				m.ShipType = &n
				continue
			}
		case "length":
			if n, ok := asInt(v); ok {
				m.Length = &n
				continue
			}
		case "width":
			if n, ok := asInt(v); ok {
				m.Width = &n
				continue
			}
		case "isOwnShip":
			if b, ok := v.(bool); ok {
				m.IsOwnShip = b
				continue
			}
		case "timestamp":
			m.Timestamp = v
			continue
		case "_source":
			m.Source = asString(v)
			continue
		case "_stream":
			m.Stream = asString(v)
			continue
		}
		if m.Extras == nil {
			m.Extras = make(map[string]any)
		}
		m.Extras[k] = v
	}

	return nil
}

// Clone returns a shallow copy with an independent Extras map, used
// when the raw stream needs provenance tags the filtered path must not
// see.
func (m *Message) Clone() *Message {
	c := *m
	if m.Extras != nil {
		c.Extras = make(map[string]any, len(m.Extras))
		for k, v := range m.Extras {
			c.Extras[k] = v
		}
	}
	return &c
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		if s == float64(int64(s)) {
			return fmt.Sprintf("%d", int64(s))
		}
		return fmt.Sprintf("%v", s)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}

func asFloat(v any) (float64, bool) {
	switch f := v.(type) {
	case float64:
		return f, true
	case int:
		return float64(f), true
	default:
		return 0, false
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}
