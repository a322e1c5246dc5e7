package decoder

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/dmgmeter/internal/core"
)

const (
	ipv4HeaderMinLen = 20
	tcpHeaderMinLen  = 20

	protocolTCP = 6
)

// parseIPv4 decodes the fixed IPv4 header fields.
func parseIPv4(data []byte) (core.IPHeader, error) {
	if len(data) < ipv4HeaderMinLen {
		return core.IPHeader{}, core.ErrPacketTooShort
	}

	if version := data[0] >> 4; version != 4 {
		return core.IPHeader{}, fmt.Errorf("ip version %d: %w", version, core.ErrUnsupportedProto)
	}

	// IHL is in 32-bit words
	headerLen := int(data[0]&0x0F) * 4
	if headerLen < ipv4HeaderMinLen || len(data) < headerLen {
		return core.IPHeader{}, core.ErrPacketTooShort
	}

	ip := core.IPHeader{
		HeaderLen: headerLen,
		TotalLen:  binary.BigEndian.Uint16(data[2:4]),
		ID:        binary.BigEndian.Uint16(data[4:6]),
		TTL:       data[8],
		Protocol:  data[9],
	}

	// Flags(3) + Fragment Offset(13)
	flagsOffset := binary.BigEndian.Uint16(data[6:8])
	ip.MoreFrags = flagsOffset&0x2000 != 0
	ip.FragOff = flagsOffset & 0x1FFF

	copy(ip.SrcIP[:], data[12:16])
	copy(ip.DstIP[:], data[16:20])

	return ip, nil
}

// ipPayload returns the bytes after the header bounded by the total length
// field. Ethernet padding past the total length is discarded; a bogus total
// length is clamped to the captured data.
func ipPayload(ip core.IPHeader, data []byte) []byte {
	end := int(ip.TotalLen)
	if end < ip.HeaderLen || end > len(data) {
		end = len(data)
	}
	return data[ip.HeaderLen:end]
}

// parseTCP decodes the TCP header and returns the segment payload.
func parseTCP(data []byte) (core.TCPHeader, []byte, error) {
	if len(data) < tcpHeaderMinLen {
		return core.TCPHeader{}, nil, core.ErrPacketTooShort
	}

	tcp := core.TCPHeader{
		SrcPort:   binary.BigEndian.Uint16(data[0:2]),
		DstPort:   binary.BigEndian.Uint16(data[2:4]),
		Seq:       binary.BigEndian.Uint32(data[4:8]),
		Ack:       binary.BigEndian.Uint32(data[8:12]),
		DataOff:   int(data[12]>>4) * 4,
		Flags:     data[13] & 0x3F, // URG ACK PSH RST SYN FIN
		WindowLen: binary.BigEndian.Uint16(data[14:16]),
	}

	if tcp.DataOff < tcpHeaderMinLen || len(data) < tcp.DataOff {
		return tcp, nil, core.ErrPacketTooShort
	}

	return tcp, data[tcp.DataOff:], nil
}
