//go:build linux

package capture

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"

	"firestige.xyz/dmgmeter/internal/core"
)

// afpacketSource reads a TPACKET_V3 ring on linux.
type afpacketSource struct {
	counters
	device string
	handle *afpacket.TPacket
}

func openAFPacket(cfg Config) (Source, error) {
	frameSize := cfg.SnapLen
	if frameSize > cfg.BlockSize {
		frameSize = cfg.BlockSize
	}
	handle, err := afpacket.NewTPacket(
		afpacket.OptInterface(cfg.Device),
		afpacket.OptFrameSize(frameSize),
		afpacket.OptBlockSize(cfg.BlockSize),
		afpacket.OptNumBlocks(cfg.NumBlocks),
		afpacket.OptPollTimeout(readTimeout),
		afpacket.OptTPacketVersion(afpacket.TPacketVersion3),
	)
	if err != nil {
		return nil, fmt.Errorf("afpacket: open %q: %w", cfg.Device, err)
	}

	insns, err := compileBPF(cfg.BPFFilter, cfg.SnapLen)
	if err != nil {
		handle.Close()
		return nil, err
	}
	if err := handle.SetBPF(insns); err != nil {
		handle.Close()
		return nil, fmt.Errorf("afpacket: set filter: %w", err)
	}

	slog.Info("afpacket capture opened", "device", cfg.Device, "filter", cfg.BPFFilter,
		"block_size", cfg.BlockSize, "num_blocks", cfg.NumBlocks)
	return &afpacketSource{
		counters: counters{name: KindAFPacket},
		device:   cfg.Device,
		handle:   handle,
	}, nil
}

// compileBPF compiles filter with libpcap and converts it for the raw socket.
func compileBPF(filter string, snapLen int) ([]bpf.RawInstruction, error) {
	pcapInsns, err := pcap.CompileBPFFilter(layers.LinkTypeEthernet, snapLen, filter)
	if err != nil {
		return nil, fmt.Errorf("afpacket: compile filter %q: %w", filter, err)
	}
	raw := make([]bpf.RawInstruction, len(pcapInsns))
	for i, insn := range pcapInsns {
		raw[i] = bpf.RawInstruction{Op: insn.Code, Jt: insn.Jt, Jf: insn.Jf, K: insn.K}
	}
	return raw, nil
}

func (s *afpacketSource) Name() string { return KindAFPacket }

// LinkType is always Ethernet for an AF_PACKET raw socket.
func (s *afpacketSource) LinkType() layers.LinkType { return layers.LinkTypeEthernet }

// Capture reads the ring until ctx is cancelled. Ring memory is reused by
// the next read, so every frame is copied before it is queued. The handle
// is closed here and nowhere else, since closing it under a concurrent read
// unmaps the ring.
func (s *afpacketSource) Capture(ctx context.Context, output chan<- core.RawPacket) error {
	defer s.handle.Close()

	for {
		select {
		case <-ctx.Done():
			slog.Info("afpacket capture stopped", "device", s.device)
			return nil
		default:
		}

		data, ci, err := s.handle.ZeroCopyReadPacketData()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// poll timeout or EINTR
			continue
		}

		buf := make([]byte, len(data))
		copy(buf, data)
		if !s.offer(ctx, output, toRaw(buf, ci)) {
			return nil
		}
	}
}
