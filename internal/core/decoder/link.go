package decoder

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/dmgmeter/internal/core"
)

// SupportedLinkType reports whether frames of this link type can be stripped
// down to their IPv4 payload.
func SupportedLinkType(lt layers.LinkType) bool {
	switch lt {
	case layers.LinkTypeEthernet, layers.LinkTypeNull, layers.LinkTypeLinuxSLL:
		return true
	}
	return false
}

// stripLink removes the link-layer header and returns the IPv4 datagram.
// Non-IPv4 frames return ErrUnsupportedProto.
func stripLink(lt layers.LinkType, data []byte) ([]byte, error) {
	switch lt {
	case layers.LinkTypeEthernet:
		return stripEthernet(data)
	case layers.LinkTypeNull:
		return stripNull(data)
	case layers.LinkTypeLinuxSLL:
		return stripSLL(data)
	default:
		return nil, fmt.Errorf("link type %s: %w", lt, core.ErrUnsupportedLinkType)
	}
}

func stripEthernet(data []byte) ([]byte, error) {
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("ethernet: %w", core.ErrPacketTooShort)
	}

	etherType := eth.EthernetType
	payload := eth.Payload

	// VLAN tags can be stacked (QinQ)
	for etherType == layers.EthernetTypeDot1Q || etherType == layers.EthernetTypeQinQ {
		var tag layers.Dot1Q
		if err := tag.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
			return nil, fmt.Errorf("vlan: %w", core.ErrPacketTooShort)
		}
		etherType = tag.Type
		payload = tag.Payload
	}

	if etherType != layers.EthernetTypeIPv4 {
		return nil, fmt.Errorf("ethertype %s: %w", etherType, core.ErrUnsupportedProto)
	}
	return payload, nil
}

// stripNull handles BSD loopback framing: a 4-byte address family in host
// order, 2 for IPv4.
func stripNull(data []byte) ([]byte, error) {
	var lo layers.Loopback
	if err := lo.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("loopback: %w", core.ErrPacketTooShort)
	}
	if lo.Family != layers.ProtocolFamilyIPv4 {
		return nil, fmt.Errorf("loopback family %d: %w", lo.Family, core.ErrUnsupportedProto)
	}
	return lo.Payload, nil
}

// stripSLL handles Linux cooked capture: 16-byte header, protocol at 14.
func stripSLL(data []byte) ([]byte, error) {
	var sll layers.LinuxSLL
	if err := sll.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("linux sll: %w", core.ErrPacketTooShort)
	}
	if sll.EthernetType != layers.EthernetTypeIPv4 {
		return nil, fmt.Errorf("linux sll protocol %s: %w", sll.EthernetType, core.ErrUnsupportedProto)
	}
	return sll.Payload, nil
}
