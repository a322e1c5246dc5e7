package router

import (
	"fmt"
	"sort"
	"sync"

	"firestige.xyz/dmgmeter/internal/core"
)

// FrameDecoder turns one application frame (length prefix included) into
// zero or more combat events. Game-specific field semantics live entirely
// behind this interface.
type FrameDecoder interface {
	Name() string
	Init(options map[string]any) error
	Decode(frame []byte) ([]core.CombatEvent, error)
}

// OverrideLookup reports the current stack/duration override the buff
// tracker holds for (entity, buff).
type OverrideLookup func(entity, buff uint64) (stack int, durationMs int64, ok bool)

// OverrideAware is an optional interface for decoders that want to consult
// buff overrides while decoding.
type OverrideAware interface {
	SetOverrideLookup(lookup OverrideLookup)
}

// Factory creates a decoder instance.
type Factory func() FrameDecoder

type registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

var decoders = &registry{factories: make(map[string]Factory)}

// Register makes a decoder available by name. Registering a name twice panics.
func Register(name string, f Factory) {
	decoders.mu.Lock()
	defer decoders.mu.Unlock()

	if _, exists := decoders.factories[name]; exists {
		panic(fmt.Sprintf("frame decoder %q already registered", name))
	}
	decoders.factories[name] = f
}

// NewDecoder creates and initialises the named decoder.
func NewDecoder(name string, options map[string]any) (FrameDecoder, error) {
	decoders.mu.RLock()
	f, exists := decoders.factories[name]
	decoders.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("frame decoder %q: %w", name, core.ErrDecoderNotFound)
	}

	d := f()
	if err := d.Init(options); err != nil {
		return nil, fmt.Errorf("init frame decoder %q: %w", name, err)
	}
	return d, nil
}

// Decoders lists registered decoder names.
func Decoders() []string {
	decoders.mu.RLock()
	defer decoders.mu.RUnlock()

	names := make([]string, 0, len(decoders.factories))
	for name := range decoders.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register("noop", func() FrameDecoder { return noopDecoder{} })
	Register("json", func() FrameDecoder { return &jsonDecoder{} })
}

// noopDecoder accepts frames and produces no events. It is the default when
// no game decoder is plugged in, so capture and session tracking can run
// on their own.
type noopDecoder struct{}

func (noopDecoder) Name() string { return "noop" }

func (noopDecoder) Init(map[string]any) error { return nil }

func (noopDecoder) Decode([]byte) ([]core.CombatEvent, error) { return nil, nil }
