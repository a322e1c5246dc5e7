package session

import (
	"encoding/binary"
	"net/netip"

	"firestige.xyz/dmgmeter/internal/core"
)

var (
	serverEP = core.Endpoint{Addr: netip.MustParseAddr("203.0.113.10"), Port: 5003}
	clientEP = core.Endpoint{Addr: netip.MustParseAddr("192.168.1.20"), Port: 51234}
	downTup  = core.FourTuple{Src: serverEP, Dst: clientEP}
)

// frame builds a length-prefixed frame with n body bytes.
func frame(n int, fill byte) []byte {
	f := make([]byte, 4+n)
	binary.BigEndian.PutUint32(f, uint32(4+n))
	for i := 4; i < len(f); i++ {
		f[i] = fill
	}
	return f
}

// notifyPayload builds a notify packet of the given kind whose first
// sub-record carries sig at body offset 5.
func notifyPayload(kind byte, sig []byte) []byte {
	body := make([]byte, 5+len(sig)+2)
	copy(body[5:], sig)

	record := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(record, uint32(len(record)))
	copy(record[4:], body)

	p := make([]byte, 10, 10+len(record))
	binary.BigEndian.PutUint32(p, uint32(10+len(record)))
	p[5] = kind
	return append(p, record...)
}

func loginReturnPayload() []byte {
	p := make([]byte, 0x62)
	copy(p, loginReturnHead)
	copy(p[10:14], []byte{0x00, 0x11, 0x45, 0x14})
	copy(p[14:], loginReturnMarker)
	return p
}

var (
	frameDownSig = []byte{0x00, 0x63, 0x33, 0x53, 0x42, 0x00}
	frameUpSig   = []byte{0x00, 0x06, 0x26, 0xad, 0x66, 0x00}
)

func seg(tuple core.FourTuple, seq, ack uint32, payload []byte) core.Segment {
	return core.Segment{Tuple: tuple, Seq: seq, Ack: ack, Payload: payload}
}
