package capture

import (
	"fmt"
	"strings"

	"github.com/google/gopacket/pcap"

	"firestige.xyz/dmgmeter/internal/core"
)

var (
	excludedDevices = []string{"virtual", "loopback", "miniport", "bluetooth", "tunnel"}
	wiredDevices    = []string{"ethernet", "wired", "lan"}
	wirelessDevices = []string{"wifi", "wireless", "wi-fi"}
)

// Device is a capture device as listed by libpcap.
type Device struct {
	Name        string
	Description string
	Addresses   []string
	// Rank orders devices for auto selection; 0 means excluded.
	Rank int
}

// Rank scores a device description: wired 3, wireless 2, other 1, and 0
// for virtual, loopback, miniport, bluetooth and tunnel adapters. An empty
// description falls back to the device name.
func Rank(name, description string) int {
	d := strings.ToLower(description)
	if d == "" {
		d = strings.ToLower(name)
	}
	switch {
	case containsAny(d, excludedDevices):
		return 0
	case containsAny(d, wiredDevices):
		return 3
	case containsAny(d, wirelessDevices):
		return 2
	default:
		return 1
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// ListDevices returns every libpcap device with its rank.
func ListDevices() ([]Device, error) {
	ifs, err := pcap.FindAllDevs()
	if err != nil {
		return nil, fmt.Errorf("pcap: list devices: %w", err)
	}
	out := make([]Device, 0, len(ifs))
	for _, ifc := range ifs {
		d := Device{
			Name:        ifc.Name,
			Description: ifc.Description,
			Rank:        Rank(ifc.Name, ifc.Description),
		}
		for _, a := range ifc.Addresses {
			d.Addresses = append(d.Addresses, a.IP.String())
		}
		out = append(out, d)
	}
	return out, nil
}

// SelectDevice picks the highest ranked device. Ties keep listing order.
func SelectDevice(devs []Device) (Device, error) {
	best := -1
	for i, d := range devs {
		if d.Rank == 0 {
			continue
		}
		if best < 0 || d.Rank > devs[best].Rank {
			best = i
		}
	}
	if best < 0 {
		return Device{}, fmt.Errorf("no usable capture device: %w", core.ErrNotFound)
	}
	return devs[best], nil
}
