package stats

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"firestige.xyz/dmgmeter/internal/core"
	"firestige.xyz/dmgmeter/internal/store"
)

// Writer queues a JSON snapshot for persistence. *store.AsyncWriter
// satisfies it.
type Writer interface {
	SubmitJSON(path string, v any) error
}

// Identity is the persisted part of a combatant's identity.
type Identity struct {
	Name       string `json:"name,omitempty"`
	Profession string `json:"profession,omitempty"`
	FightPoint int64  `json:"fightPoint,omitempty"`
	MaxHP      int64  `json:"maxHp,omitempty"`
}

// IdentityCache keeps combatant identities across restarts. Updates are
// debounced so a burst of changes produces one write. Current hp is held in
// memory only.
type IdentityCache struct {
	path     string
	writer   Writer
	throttle *store.Throttle

	entries map[uint64]Identity
	hp      map[uint64]int64
}

// NewIdentityCache creates an empty cache persisted at path.
func NewIdentityCache(path string, delay time.Duration, w Writer) *IdentityCache {
	return &IdentityCache{
		path:     path,
		writer:   w,
		throttle: store.NewThrottle(delay),
		entries:  make(map[uint64]Identity),
		hp:       make(map[uint64]int64),
	}
}

// Load reads the persisted cache. A missing file leaves it empty.
func (c *IdentityCache) Load() error {
	raw := make(map[string]Identity)
	if err := store.ReadJSON(c.path, &raw); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil
		}
		return err
	}
	for k, v := range raw {
		uid, err := strconv.ParseUint(k, 10, 64)
		if err != nil {
			return fmt.Errorf("identity cache %s: key %q: %w", c.path, k, core.ErrConfigInvalid)
		}
		c.entries[uid] = v
	}
	return nil
}

// Get returns the cached identity of uid.
func (c *IdentityCache) Get(uid uint64) (Identity, bool) {
	id, ok := c.entries[uid]
	return id, ok
}

// Update applies fn to uid's identity and schedules a write when it
// changed.
func (c *IdentityCache) Update(uid uint64, now time.Time, fn func(*Identity)) {
	prev := c.entries[uid]
	next := prev
	fn(&next)
	if next == prev {
		return
	}
	c.entries[uid] = next
	c.throttle.Touch(now)
}

// SetHP caches the current hp of uid.
func (c *IdentityCache) SetHP(uid uint64, hp int64) {
	c.hp[uid] = hp
}

// HP returns the cached current hp of uid.
func (c *IdentityCache) HP(uid uint64) (int64, bool) {
	hp, ok := c.hp[uid]
	return hp, ok
}

// UIDs returns every cached uid in ascending order.
func (c *IdentityCache) UIDs() []uint64 {
	out := make([]uint64, 0, len(c.entries))
	for uid := range c.entries {
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Poll writes the cache if the debounce window has closed.
func (c *IdentityCache) Poll(now time.Time) {
	if c.throttle.Due(now) {
		c.save()
	}
}

// Flush writes any pending update immediately.
func (c *IdentityCache) Flush() {
	if c.throttle.Take() {
		c.save()
	}
}

// Clear empties the cache and writes it at once.
func (c *IdentityCache) Clear() {
	c.entries = make(map[uint64]Identity)
	c.hp = make(map[uint64]int64)
	c.throttle.Take()
	c.save()
}

func (c *IdentityCache) save() {
	out := make(map[string]Identity, len(c.entries))
	for uid, id := range c.entries {
		out[uidKey(uid)] = id
	}
	if err := c.writer.SubmitJSON(c.path, out); err != nil {
		slog.Error("failed to queue identity cache write", "path", c.path, "error", err)
	}
}
