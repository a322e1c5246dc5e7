package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/dmgmeter/internal/core"
)

// fileSource replays a pcap file. Frames are delivered with back-pressure
// rather than dropped.
type fileSource struct {
	counters
	path   string
	f      *os.File
	reader *pcapgo.Reader
}

func openFile(path string) (*fileSource, error) {
	if path == "" {
		return nil, fmt.Errorf("capture file is required: %w", core.ErrConfigInvalid)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("capture file %q: %w", path, err)
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("capture file %q: %w", path, err)
	}
	return &fileSource{
		counters: counters{name: KindFile},
		path:     path,
		f:        f,
		reader:   r,
	}, nil
}

func (s *fileSource) Name() string { return KindFile }

func (s *fileSource) LinkType() layers.LinkType { return s.reader.LinkType() }

// Capture replays every frame and returns nil at end of file.
func (s *fileSource) Capture(ctx context.Context, output chan<- core.RawPacket) error {
	defer s.f.Close()

	for {
		data, ci, err := s.reader.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) {
				slog.Info("capture file replayed", "path", s.path, "frames", s.received.Load())
				return nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Warn("capture file truncated", "path", s.path, "frames", s.received.Load())
				return nil
			}
			return fmt.Errorf("capture file %q: %w", s.path, err)
		}
		if !s.deliver(ctx, output, toRaw(data, ci)) {
			return nil
		}
	}
}
