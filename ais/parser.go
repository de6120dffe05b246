// Package ais turns raw AIS transport frames into normalized vessel
// messages. The parser is stateful: multi-fragment NMEA sentences are
// buffered until complete and corrupted sentence prefixes, common on
// satellite downlinks, are repaired before validation.
package ais

import (
	"strconv"
	"strings"
	"sync"
	"time"

	goais "github.com/BertoldVdb/go-ais"
	"github.com/adrianmo/go-nmea"
)

const DefaultFragmentTimeout = 60 * time.Second

var aisIdentifiers = []string{"AIVDM", "ABVDM", "AIVDO", "ABVDO"}

type fragmentKey struct {
	count   int
	seqID   string
	channel string
}

type fragmentEntry struct {
	fragments map[int]string
	arrived   time.Time
}

// Stats is a snapshot of parser counters.
type Stats struct {
	TotalParsed          int64         `json:"total_parsed"`
	TotalErrors          int64         `json:"total_errors"`
	ByType               map[int]int64 `json:"by_type"`
	FragmentsBuffered    int64         `json:"fragments_buffered"`
	FragmentsAssembled   int64         `json:"fragments_assembled"`
	FragmentsExpired     int64         `json:"fragments_expired"`
	InvalidSentences     int64         `json:"invalid_sentences"`
	CorruptedPrefixFixed int64         `json:"corrupted_prefix_fixed"`
	FragmentsInBuffer    int           `json:"fragments_in_buffer"`
	ErrorRate            float64       `json:"error_rate"`
}

type Parser struct {
	mu              sync.Mutex
	codec           *goais.Codec
	buffer          map[fragmentKey]*fragmentEntry
	fragmentTimeout time.Duration

	totalParsed          int64
	totalErrors          int64
	byType               map[int]int64
	fragmentsBuffered    int64
	fragmentsAssembled   int64
	fragmentsExpired     int64
	invalidSentences     int64
	corruptedPrefixFixed int64

	now func() time.Time
}

func NewParser(fragmentTimeout time.Duration) *Parser {
	if fragmentTimeout <= 0 {
		fragmentTimeout = DefaultFragmentTimeout
	}
	codec := goais.CodecNew(false, false)
	codec.DropSpace = true
	return &Parser{
		codec:           codec,
		buffer:          make(map[fragmentKey]*fragmentEntry),
		fragmentTimeout: fragmentTimeout,
		byType:          make(map[int]int64),
		now:             time.Now,
	}
}

// Parse processes one raw NMEA sentence. It returns a normalized
// message when the sentence (or the multi-fragment sequence it
// completes) decodes, and nil otherwise. Buffer expiry is amortized
// over calls, matching the per-sentence sweep of the wire protocol.
func (p *Parser) Parse(line string) *Message {
	sentence := strings.TrimSpace(line)

	p.mu.Lock()
	defer p.mu.Unlock()

	sentence = p.fixCorruptedPrefix(sentence)

	if !isValidNMEA(sentence) {
		p.invalidSentences++
		return nil
	}

	p.expireOldFragments()

	isOwnShip := strings.Contains(sentence, "VDO")

	complete := p.handleFragments(sentence)
	if complete == nil {
		return nil
	}

	msg := p.decode(complete)
	if msg == nil {
		return nil
	}
	msg.IsOwnShip = isOwnShip
	return msg
}

func isValidNMEA(sentence string) bool {
	if len(sentence) < 15 {
		return false
	}
	if sentence[0] != '!' && sentence[0] != '$' {
		return false
	}
	found := false
	for _, id := range aisIdentifiers {
		if strings.Contains(sentence, id) {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	return strings.Contains(sentence, "*")
}

// fixCorruptedPrefix recovers sentences whose leading bytes were
// clobbered in transit: find the last AIS identifier, look up to three
// bytes back for the '!' or '$' delimiter, and truncate to it when the
// identifier is followed by the expected comma.
func (p *Parser) fixCorruptedPrefix(sentence string) string {
	for _, prefix := range []string{"!AIVDM,", "!ABVDM,", "!AIVDO,", "!ABVDO,", "$AIVDM,", "$ABVDM,", "$AIVDO,", "$ABVDO,"} {
		if strings.HasPrefix(sentence, prefix) {
			return sentence
		}
	}

	for _, id := range aisIdentifiers {
		idx := strings.LastIndex(sentence, id)
		if idx <= 0 {
			continue
		}

		start := idx - 1
		low := idx - 3
		if low < 0 {
			low = 0
		}
		for start >= low && sentence[start] != '!' && sentence[start] != '$' {
			start--
		}

		if start >= 0 && start >= low && (sentence[start] == '!' || sentence[start] == '$') {
			fixed := sentence[start:]
			if len(fixed) > len(id)+2 && fixed[len(id)+1] == ',' {
				p.corruptedPrefixFixed++
				return fixed
			}
		}
	}

	return sentence
}

// parseFragmentFields extracts (fragment count, fragment number,
// sequence id, channel) from payload fields 1..4.
func parseFragmentFields(sentence string) (count, num int, seqID, channel string, ok bool) {
	parts := strings.Split(sentence, ",")
	if len(parts) < 5 {
		return 0, 0, "", "", false
	}

	count, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, "", "", false
	}
	num, err = strconv.Atoi(parts[2])
	if err != nil {
		return 0, 0, "", "", false
	}

	seqID = parts[3]
	if seqID == "" {
		seqID = "0"
	}
	channel = "A"
	if len(parts[4]) > 0 {
		channel = parts[4][:1]
	}

	return count, num, seqID, channel, true
}

// handleFragments returns the ordered sentence set ready for decoding,
// or nil when the sentence was buffered awaiting its siblings.
func (p *Parser) handleFragments(sentence string) []string {
	count, num, seqID, channel, ok := parseFragmentFields(sentence)
	if !ok {
		return []string{sentence}
	}

	if count == 1 {
		return []string{sentence}
	}

	key := fragmentKey{count: count, seqID: seqID, channel: channel}

	entry, exists := p.buffer[key]
	if !exists {
		entry = &fragmentEntry{
			fragments: make(map[int]string),
			arrived:   p.now(),
		}
		p.buffer[key] = entry
	}

	entry.fragments[num] = sentence
	p.fragmentsBuffered++

	if len(entry.fragments) < count {
		return nil
	}
	ordered := make([]string, 0, count)
	for i := 1; i <= count; i++ {
		frag, present := entry.fragments[i]
		if !present {
			return nil
		}
		ordered = append(ordered, frag)
	}

	p.fragmentsAssembled++
	delete(p.buffer, key)
	return ordered
}

func (p *Parser) expireOldFragments() {
	now := p.now()
	for key, entry := range p.buffer {
		if now.Sub(entry.arrived) > p.fragmentTimeout {
			p.fragmentsExpired += int64(len(entry.fragments))
			delete(p.buffer, key)
		}
	}
}

// decode runs the ordered sentence set through the NMEA layer and the
// AIS payload codec, then projects the packet onto the normalized
// message shape.
func (p *Parser) decode(sentences []string) *Message {
	var payload []byte
	for _, raw := range sentences {
		s, err := nmea.Parse(raw)
		if err != nil {
			p.totalErrors++
			return nil
		}
		vdm, ok := s.(nmea.VDMVDO)
		if !ok {
			p.totalErrors++
			return nil
		}
		payload = append(payload, vdm.Payload...)
	}

	packet := p.codec.DecodePacket(payload)
	if packet == nil {
		p.totalErrors++
		return nil
	}

	msg := p.project(packet)
	if msg == nil {
		p.totalErrors++
		return nil
	}

	p.totalParsed++
	p.byType[msg.Type]++
	return msg
}

// Unavailable markers per ITU-R M.1371: values arrive scaled from the
// codec (102.3 kn, 360.0 deg) or raw from relays (1023).
func validSpeed(s float64) bool  { return s != 102.3 && s != 1023 }
func validCourse(c float64) bool { return c != 360.0 && c != 3600 }
func validHeading(h int) bool    { return h != 511 }

func validPosition(lat, lon float64) bool {
	return lat != 91.0 && lon != 181.0
}

func (p *Parser) project(packet goais.Packet) *Message {
	switch t := packet.(type) {
	case goais.PositionReport:
		msg := newMessage(t.MessageID, t.UserID)
		if msg == nil {
			return nil
		}
		p.projectPosition(msg, float64(t.Latitude), float64(t.Longitude), float64(t.Sog), float64(t.Cog), int(t.TrueHeading))
		status := int(t.NavigationalStatus)
		msg.Status = &status
		return msg

	case goais.StandardClassBPositionReport:
		msg := newMessage(t.MessageID, t.UserID)
		if msg == nil {
			return nil
		}
		p.projectPosition(msg, float64(t.Latitude), float64(t.Longitude), float64(t.Sog), float64(t.Cog), int(t.TrueHeading))
		return msg

	case goais.ExtendedClassBPositionReport:
		msg := newMessage(t.MessageID, t.UserID)
		if msg == nil {
			return nil
		}
		p.projectPosition(msg, float64(t.Latitude), float64(t.Longitude), float64(t.Sog), float64(t.Cog), int(t.TrueHeading))
		if name := cleanText(t.Name); name != "" {
			msg.Name = name
		}
		shipType := int(t.Type)
		msg.ShipType = &shipType
		return msg

	case goais.ShipStaticData:
		msg := newMessage(t.MessageID, t.UserID)
		if msg == nil {
			return nil
		}
		if name := cleanText(t.Name); name != "" {
			msg.Name = name
		}
		if t.ImoNumber != 0 {
			msg.IMO = strconv.FormatUint(uint64(t.ImoNumber), 10)
		}
		if cs := cleanText(t.CallSign); cs != "" {
			msg.Callsign = cs
		}
		shipType := int(t.Type)
		msg.ShipType = &shipType

		length := int(t.Dimension.A) + int(t.Dimension.B)
		width := int(t.Dimension.C) + int(t.Dimension.D)
		msg.Length = &length
		msg.Width = &width
		return msg
	}

	return nil
}

func newMessage(messageID uint8, userID uint32) *Message {
	if userID == 0 {
		return nil
	}
	return &Message{
		Type: int(messageID),
		MMSI: strconv.FormatUint(uint64(userID), 10),
	}
}

func (p *Parser) projectPosition(msg *Message, lat, lon, sog, cog float64, heading int) {
	if validPosition(lat, lon) {
		msg.Lat = &lat
		msg.Lon = &lon
	}
	if validSpeed(sog) {
		msg.Speed = &sog
	}
	if validCourse(cog) {
		msg.Course = &cog
	}
	if validHeading(heading) {
		msg.Heading = &heading
	}
}

// cleanText strips the '@' padding and surrounding whitespace from
// six-bit AIS strings.
func cleanText(s string) string {
	return strings.TrimSpace(strings.TrimRight(strings.TrimSpace(s), "@"))
}

// Stats returns a snapshot of the parser counters.
func (p *Parser) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	byType := make(map[int]int64, len(p.byType))
	for k, v := range p.byType {
		byType[k] = v
	}

	total := p.totalParsed + p.totalErrors
	var errorRate float64
	if total > 0 {
		errorRate = float64(p.totalErrors) / float64(total)
	}

	return Stats{
		TotalParsed:          p.totalParsed,
		TotalErrors:          p.totalErrors,
		ByType:               byType,
		FragmentsBuffered:    p.fragmentsBuffered,
		FragmentsAssembled:   p.fragmentsAssembled,
		FragmentsExpired:     p.fragmentsExpired,
		InvalidSentences:     p.invalidSentences,
		CorruptedPrefixFixed: p.corruptedPrefixFixed,
		FragmentsInBuffer:    len(p.buffer),
		ErrorRate:            errorRate,
	}
}

// ResetStats zeroes every counter but keeps buffered fragments.
func (p *Parser) ResetStats() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.totalParsed = 0
	p.totalErrors = 0
	p.byType = make(map[int]int64)
	p.fragmentsBuffered = 0
	p.fragmentsAssembled = 0
	p.fragmentsExpired = 0
	p.invalidSentences = 0
	p.corruptedPrefixFixed = 0
}
