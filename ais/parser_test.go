package ais

import (
	"testing"
	"time"

	goais "github.com/BertoldVdb/go-ais"
)

const (
	// Type 1 position report, MMSI 477553000.
	positionSentence = "!AIVDM,1,1,,B,177KQJ5000G?tO`K>RA1wUbN0TKH,0*5C"
	// Same payload as a VDO self-report (checksum adjusted for M->O).
	ownShipSentence = "!AIVDO,1,1,,B,177KQJ5000G?tO`K>RA1wUbN0TKH,0*5E"

	// Type 5 static/voyage report split over two fragments.
	staticFragment1 = "!AIVDM,2,1,3,B,55P5TL01VIaAL@7WKO@mBplU@<PDhh000000001S;AJ::4A80?4i@E53,0*3E"
	staticFragment2 = "!AIVDM,2,2,3,B,1@0000000000000,2*55"
)

func TestParseSingleFragment(t *testing.T) {
	p := NewParser(0)

	msg := p.Parse(positionSentence)
	if msg == nil {
		t.Fatal("expected decoded message")
	}
	if msg.MMSI != "477553000" {
		t.Errorf("expected MMSI 477553000, got %s", msg.MMSI)
	}
	if msg.Type != 1 {
		t.Errorf("expected type 1, got %d", msg.Type)
	}
	if !msg.HasPosition() {
		t.Error("expected a position")
	}
	if msg.IsOwnShip {
		t.Error("VDM must not be tagged own-ship")
	}

	stats := p.Stats()
	if stats.TotalParsed != 1 {
		t.Errorf("expected total_parsed 1, got %d", stats.TotalParsed)
	}
	if stats.ByType[1] != 1 {
		t.Errorf("expected by_type[1] == 1, got %d", stats.ByType[1])
	}
}

func TestParseOwnShip(t *testing.T) {
	p := NewParser(0)

	msg := p.Parse(ownShipSentence)
	if msg == nil {
		t.Fatal("expected decoded message")
	}
	if !msg.IsOwnShip {
		t.Error("VDO must be tagged own-ship")
	}
}

func TestParseMultiFragment(t *testing.T) {
	p := NewParser(0)

	if msg := p.Parse(staticFragment1); msg != nil {
		t.Fatal("first fragment must not decode on its own")
	}

	msg := p.Parse(staticFragment2)
	if msg == nil {
		t.Fatal("expected decoded message after final fragment")
	}
	if msg.Type != 5 {
		t.Errorf("expected type 5, got %d", msg.Type)
	}
	if msg.MMSI == "" {
		t.Error("expected an MMSI")
	}

	stats := p.Stats()
	if stats.FragmentsAssembled != 1 {
		t.Errorf("expected fragments_assembled 1, got %d", stats.FragmentsAssembled)
	}
	if stats.FragmentsInBuffer != 0 {
		t.Errorf("expected empty buffer, got %d", stats.FragmentsInBuffer)
	}
}

func TestFragmentsOutOfOrder(t *testing.T) {
	p := NewParser(0)

	if msg := p.Parse(staticFragment2); msg != nil {
		t.Fatal("trailing fragment alone must not decode")
	}
	msg := p.Parse(staticFragment1)
	if msg == nil {
		t.Fatal("expected decode once both fragments arrived")
	}
	if msg.Type != 5 {
		t.Errorf("expected type 5, got %d", msg.Type)
	}
}

func TestFragmentExpiry(t *testing.T) {
	p := NewParser(10 * time.Second)

	base := time.Now()
	p.now = func() time.Time { return base }

	if msg := p.Parse(staticFragment1); msg != nil {
		t.Fatal("first fragment must not decode")
	}
	if got := p.Stats().FragmentsInBuffer; got != 1 {
		t.Fatalf("expected 1 buffered entry, got %d", got)
	}

	p.now = func() time.Time { return base.Add(11 * time.Second) }

	// The sweep is amortized over the next parse call.
	p.Parse(positionSentence)

	stats := p.Stats()
	if stats.FragmentsExpired != 1 {
		t.Errorf("expected fragments_expired 1, got %d", stats.FragmentsExpired)
	}
	if stats.FragmentsInBuffer != 0 {
		t.Errorf("expected empty buffer, got %d", stats.FragmentsInBuffer)
	}

	// The late sibling now re-buffers instead of completing.
	if msg := p.Parse(staticFragment2); msg != nil {
		t.Error("expired sequence must not decode")
	}
}

func TestCorruptedPrefixRepair(t *testing.T) {
	p := NewParser(0)

	msg := p.Parse("x7F!" + positionSentence[1:])
	if msg == nil {
		t.Fatal("expected repaired sentence to decode")
	}
	if p.Stats().CorruptedPrefixFixed != 1 {
		t.Errorf("expected corrupted_prefix_fixed 1, got %d", p.Stats().CorruptedPrefixFixed)
	}
}

func TestInvalidSentences(t *testing.T) {
	cases := []string{
		"",
		"short",
		"!AIVDM,1,1,,B",                     // too short, no checksum
		"GPGGA,123519,4807.038,N,01131.000", // wrong talker
		"AIVDM,1,1,,B,177KQJ5000G?tO`K>RA1wUbN0TKH,0", // no delimiter, no checksum marker
	}

	p := NewParser(0)
	for _, raw := range cases {
		if msg := p.Parse(raw); msg != nil {
			t.Errorf("expected %q to be rejected", raw)
		}
	}
	if got := p.Stats().InvalidSentences; got != int64(len(cases)) {
		t.Errorf("expected %d invalid sentences, got %d", len(cases), got)
	}
}

func TestProjectDropsSentinels(t *testing.T) {
	p := NewParser(0)

	msg := p.project(positionPacket(111000111, 91.0, 181.0, 102.3, 360.0, 511))
	if msg == nil {
		t.Fatal("expected a message")
	}
	if msg.HasPosition() {
		t.Error("91.0/181.0 must be dropped as no-position")
	}
	if msg.Speed != nil {
		t.Error("unavailable speed must be dropped")
	}
	if msg.Course != nil {
		t.Error("unavailable course must be dropped")
	}
	if msg.Heading != nil {
		t.Error("heading 511 must be dropped")
	}
	if msg.Status == nil {
		t.Error("status must be carried for position reports")
	}
}

func TestProjectKeepsValidFields(t *testing.T) {
	p := NewParser(0)

	msg := p.project(positionPacket(111000111, 45.5, -5.25, 12.3, 270.0, 90))
	if msg == nil {
		t.Fatal("expected a message")
	}
	if !msg.HasPosition() || *msg.Lat != 45.5 || *msg.Lon != -5.25 {
		t.Errorf("position not carried: %+v", msg)
	}
	if msg.Speed == nil || *msg.Speed != 12.3 {
		t.Error("speed not carried")
	}
	if msg.Course == nil || *msg.Course != 270.0 {
		t.Error("course not carried")
	}
	if msg.Heading == nil || *msg.Heading != 90 {
		t.Error("heading not carried")
	}
	if msg.MMSI != "111000111" {
		t.Errorf("unexpected MMSI %s", msg.MMSI)
	}
}

func positionPacket(mmsi uint32, lat, lon, sog, cog float64, heading int) goais.Packet {
	return goais.PositionReport{
		Header: goais.Header{
			MessageID: 1,
			UserID:    mmsi,
		},
		NavigationalStatus: 0,
		Latitude:           goais.FieldLatLonFine(lat),
		Longitude:          goais.FieldLatLonFine(lon),
		Sog:                goais.Field10(sog),
		Cog:                goais.Field10(cog),
		TrueHeading:        uint16(heading),
	}
}
