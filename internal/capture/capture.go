// Package capture reads link-layer frames from a live device, an AF_PACKET
// ring or a capture file and hands them to the pipeline queue.
package capture

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/dmgmeter/internal/core"
	"firestige.xyz/dmgmeter/internal/metrics"
)

// Source kinds.
const (
	KindPcap     = "pcap"
	KindFile     = "file"
	KindAFPacket = "afpacket"
)

// Defaults applied to a zero Config.
const (
	DefaultSnapLen   = 65535
	DefaultBufferMB  = 10
	DefaultBPFFilter = "ip and tcp"
	DefaultBlockSize = 4 * 1024 * 1024
	DefaultNumBlocks = 8
)

const readTimeout = 100 * time.Millisecond

// Config selects and tunes a capture source.
type Config struct {
	Source      string
	Device      string
	BPFFilter   string
	SnapLen     int
	BufferMB    int
	Promiscuous bool
	File        string
	BlockSize   int
	NumBlocks   int
}

func (c *Config) applyDefaults() {
	if c.SnapLen <= 0 {
		c.SnapLen = DefaultSnapLen
	}
	if c.BufferMB <= 0 {
		c.BufferMB = DefaultBufferMB
	}
	if c.BPFFilter == "" {
		c.BPFFilter = DefaultBPFFilter
	}
	if c.BlockSize <= 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.NumBlocks <= 0 {
		c.NumBlocks = DefaultNumBlocks
	}
}

// Stats are the counters a source keeps about itself.
type Stats struct {
	Received uint64
	Dropped  uint64
}

// Source produces raw frames. Capture blocks until ctx is cancelled, the
// input is exhausted or a fatal error occurs; a file source returns nil at
// end of file.
type Source interface {
	Name() string
	LinkType() layers.LinkType
	Capture(ctx context.Context, output chan<- core.RawPacket) error
	Stats() Stats
}

// New opens the source named by cfg.Source. Live sources resolve the
// device "auto" (or empty) to the best ranked device.
func New(cfg Config) (Source, error) {
	cfg.applyDefaults()
	if cfg.Source == KindFile {
		src, err := openFile(cfg.File)
		if err != nil {
			return nil, err
		}
		return src, nil
	}

	if cfg.Source != KindPcap && cfg.Source != KindAFPacket && cfg.Source != "" {
		return nil, fmt.Errorf("capture source %q: %w", cfg.Source, core.ErrConfigInvalid)
	}
	dev, err := resolveDevice(cfg.Device)
	if err != nil {
		return nil, err
	}
	cfg.Device = dev

	if cfg.Source == KindAFPacket {
		return openAFPacket(cfg)
	}
	src, err := openLive(cfg)
	if err != nil {
		return nil, err
	}
	return src, nil
}

func resolveDevice(name string) (string, error) {
	if name != "" && name != "auto" {
		return name, nil
	}
	devs, err := ListDevices()
	if err != nil {
		return "", err
	}
	d, err := SelectDevice(devs)
	if err != nil {
		return "", err
	}
	return d.Name, nil
}

// counters is shared bookkeeping for all sources.
type counters struct {
	name     string
	received atomic.Uint64
	dropped  atomic.Uint64
}

func (c *counters) Stats() Stats {
	return Stats{Received: c.received.Load(), Dropped: c.dropped.Load()}
}

func toRaw(data []byte, ci gopacket.CaptureInfo) core.RawPacket {
	return core.RawPacket{
		Data:       data,
		Timestamp:  ci.Timestamp,
		CaptureLen: uint32(ci.CaptureLength),
		OrigLen:    uint32(ci.Length),
	}
}

// offer hands raw to output without blocking. It reports false only when
// ctx is done.
func (c *counters) offer(ctx context.Context, output chan<- core.RawPacket, raw core.RawPacket) bool {
	c.received.Add(1)
	metrics.CapturePacketsTotal.WithLabelValues(c.name).Inc()
	select {
	case output <- raw:
		return true
	case <-ctx.Done():
		return false
	default:
		c.dropped.Add(1)
		metrics.CaptureDropsTotal.WithLabelValues("queue").Inc()
		return true
	}
}

// deliver hands raw to output, waiting for room.
func (c *counters) deliver(ctx context.Context, output chan<- core.RawPacket, raw core.RawPacket) bool {
	c.received.Add(1)
	metrics.CapturePacketsTotal.WithLabelValues(c.name).Inc()
	select {
	case output <- raw:
		return true
	case <-ctx.Done():
		return false
	}
}
