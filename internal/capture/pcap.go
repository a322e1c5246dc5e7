package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"firestige.xyz/dmgmeter/internal/core"
	"firestige.xyz/dmgmeter/internal/core/decoder"
)

// liveSource captures from a device through libpcap.
type liveSource struct {
	counters
	device string
	handle *pcap.Handle
}

func openLive(cfg Config) (*liveSource, error) {
	inactive, err := pcap.NewInactiveHandle(cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("pcap: open %q: %w", cfg.Device, err)
	}
	defer inactive.CleanUp()

	if err := inactive.SetSnapLen(cfg.SnapLen); err != nil {
		return nil, fmt.Errorf("pcap: snap len: %w", err)
	}
	if err := inactive.SetPromisc(cfg.Promiscuous); err != nil {
		return nil, fmt.Errorf("pcap: promiscuous: %w", err)
	}
	if err := inactive.SetTimeout(readTimeout); err != nil {
		return nil, fmt.Errorf("pcap: timeout: %w", err)
	}
	if err := inactive.SetBufferSize(cfg.BufferMB * 1024 * 1024); err != nil {
		return nil, fmt.Errorf("pcap: buffer size: %w", err)
	}

	handle, err := inactive.Activate()
	if err != nil {
		return nil, fmt.Errorf("pcap: activate %q: %w", cfg.Device, err)
	}
	if err := handle.SetBPFFilter(cfg.BPFFilter); err != nil {
		handle.Close()
		return nil, fmt.Errorf("pcap: filter %q: %w", cfg.BPFFilter, err)
	}

	lt := handle.LinkType()
	if !decoder.SupportedLinkType(lt) {
		slog.Error("capture device has an unsupported link type, no frame will decode",
			"device", cfg.Device, "link_type", lt.String())
	}
	slog.Info("pcap capture opened", "device", cfg.Device, "filter", cfg.BPFFilter, "link_type", lt.String())

	return &liveSource{
		counters: counters{name: KindPcap},
		device:   cfg.Device,
		handle:   handle,
	}, nil
}

func (s *liveSource) Name() string { return KindPcap }

func (s *liveSource) LinkType() layers.LinkType { return s.handle.LinkType() }

// Capture reads until ctx is cancelled. The handle is closed on return.
func (s *liveSource) Capture(ctx context.Context, output chan<- core.RawPacket) error {
	defer s.handle.Close()

	for {
		select {
		case <-ctx.Done():
			slog.Info("pcap capture stopped", "device", s.device)
			return nil
		default:
		}

		data, ci, err := s.handle.ReadPacketData()
		if err != nil {
			if errors.Is(err, pcap.NextErrorTimeoutExpired) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("pcap: read %q: %w", s.device, err)
		}
		if !s.offer(ctx, output, toRaw(data, ci)) {
			return nil
		}
	}
}
