package session

import (
	"bytes"
	"encoding/binary"

	"firestige.xyz/dmgmeter/internal/core"
)

// Match is a successful signature match.
type Match struct {
	// Tuple is the server-to-client direction whose bytes are reassembled.
	Tuple core.FourTuple
	// Seed is the first expected sequence number when SeedKnown is set.
	Seed      uint32
	SeedKnown bool
	Matcher   string
}

// Matcher recognises one kind of session control packet.
type Matcher interface {
	Name() string
	TryMatch(seg core.Segment) (Match, bool)
}

// Locator tries its matchers in order and returns the first hit.
type Locator struct {
	matchers []Matcher
}

// NewLocator creates a locator. Without arguments it uses DefaultMatchers.
func NewLocator(matchers ...Matcher) *Locator {
	if len(matchers) == 0 {
		matchers = DefaultMatchers()
	}
	return &Locator{matchers: matchers}
}

// Locate inspects one segment for a session signature.
func (l *Locator) Locate(seg core.Segment) (Match, bool) {
	for _, m := range l.matchers {
		if match, ok := m.TryMatch(seg); ok {
			match.Matcher = m.Name()
			return match, true
		}
	}
	return Match{}, false
}

// DefaultMatchers returns the known game signatures, most specific first.
func DefaultMatchers() []Matcher {
	return []Matcher{
		notifyMatcher{
			name:      "frame_down",
			kind:      0x06,
			signature: []byte{0x00, 0x63, 0x33, 0x53, 0x42, 0x00},
		},
		loginReturnMatcher{},
		notifyMatcher{
			name:      "frame_up",
			kind:      0x05,
			signature: []byte{0x00, 0x06, 0x26, 0xad, 0x66, 0x00},
			upstream:  true,
		},
	}
}

const (
	notifyRecordsOffset = 10
	signatureOffset     = 5
)

// notifyMatcher matches a notify packet whose first sub-record carries the
// signature. Bytes 4..6 of the payload select the message kind; sub-records
// start at offset 10, each with a 4-byte big-endian length including itself.
//
// A downstream notify locks its own direction and the stream continues right
// after it. An upstream notify is client-to-server, so it locks the reverse
// direction and its ack number is the server's next sequence.
type notifyMatcher struct {
	name      string
	kind      byte
	signature []byte
	upstream  bool
}

func (m notifyMatcher) Name() string { return m.name }

func (m notifyMatcher) TryMatch(seg core.Segment) (Match, bool) {
	p := seg.Payload
	if len(p) <= notifyRecordsOffset || p[4] != 0 || p[5] != m.kind {
		return Match{}, false
	}

	body, ok := firstRecord(p[notifyRecordsOffset:])
	if !ok || len(body) < signatureOffset+len(m.signature) {
		return Match{}, false
	}
	if !bytes.Equal(body[signatureOffset:signatureOffset+len(m.signature)], m.signature) {
		return Match{}, false
	}

	if m.upstream {
		return Match{Tuple: seg.Tuple.Reverse(), Seed: seg.Ack, SeedKnown: true}, true
	}
	return Match{Tuple: seg.Tuple, Seed: seg.Seq + uint32(len(p)), SeedKnown: true}, true
}

// firstRecord returns the body of the first length-delimited sub-record.
func firstRecord(data []byte) ([]byte, bool) {
	if len(data) < 4 {
		return nil, false
	}
	n := int(binary.BigEndian.Uint32(data[:4]))
	if n < 4 || n > len(data) {
		return nil, false
	}
	return data[4:n], true
}

var (
	loginReturnLen    = 0x62
	loginReturnHead   = []byte{0x00, 0x00, 0x00, 0x62, 0x00, 0x03, 0x00, 0x00, 0x00, 0x01}
	loginReturnMarker = []byte{0x00, 0x00, 0x00, 0x00, 0x0a, 0x4e}
)

// loginReturnMatcher matches the fixed-size login response sent by the
// server. Bytes 10..14 vary per login and are not compared.
type loginReturnMatcher struct{}

func (loginReturnMatcher) Name() string { return "login_return" }

func (loginReturnMatcher) TryMatch(seg core.Segment) (Match, bool) {
	p := seg.Payload
	if len(p) != loginReturnLen {
		return Match{}, false
	}
	if !bytes.Equal(p[0:10], loginReturnHead) || !bytes.Equal(p[14:20], loginReturnMarker) {
		return Match{}, false
	}
	return Match{Tuple: seg.Tuple, Seed: seg.Seq + uint32(len(p)), SeedKnown: true}, true
}
