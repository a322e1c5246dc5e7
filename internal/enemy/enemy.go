// Package enemy caches hostile entity info seen in the combat stream.
package enemy

import (
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"

	"firestige.xyz/dmgmeter/internal/core"
)

const (
	defaultTTL     = 10 * time.Minute
	defaultCleanup = time.Minute
)

// Enemy is one cached hostile entity.
type Enemy struct {
	ID    uint64 `json:"-"`
	Name  string `json:"name"`
	HP    int64  `json:"hp"`
	MaxHP int64  `json:"max_hp"`
}

// Listing is an enemy as shown to viewers.
type Listing struct {
	ID    uint64 `json:"id"`
	Name  string `json:"name"`
	HP    int64  `json:"hp"`
	MaxHP int64  `json:"max_hp"`
}

// Cache holds enemies keyed by entity id. Entries idle longer than the TTL
// expire.
type Cache struct {
	entries *cache.Cache
	ttl     time.Duration

	// boss of record from the last refresh
	boss string
}

// New creates a cache whose entries expire after ttl without updates.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	cleanup := defaultCleanup
	if ttl < cleanup {
		cleanup = ttl
	}
	return &Cache{
		entries: cache.New(ttl, cleanup),
		ttl:     ttl,
	}
}

func key(id uint64) string {
	return strconv.FormatUint(id, 10)
}

// HandleEvent applies enemy info and removal events. Info events update
// only the fields they report: a non-empty name, a positive max hp, and hp
// when it is positive or the enemy died.
func (c *Cache) HandleEvent(ev core.CombatEvent, _ time.Time) {
	switch ev.Kind {
	case core.EventEnemyInfo:
		e := Enemy{ID: ev.TargetID}
		if v, ok := c.entries.Get(key(ev.TargetID)); ok {
			e = v.(Enemy)
		}
		if ev.Name != "" {
			e.Name = ev.Name
		}
		if ev.MaxHP > 0 {
			e.MaxHP = ev.MaxHP
		}
		if ev.HP > 0 || ev.Dead {
			e.HP = ev.HP
		}
		c.entries.Set(key(ev.TargetID), e, cache.DefaultExpiration)

	case core.EventEnemyRemove:
		c.entries.Delete(key(ev.TargetID))
	}
}

// Get returns the cached enemy id.
func (c *Cache) Get(id uint64) (Enemy, bool) {
	v, ok := c.entries.Get(key(id))
	if !ok {
		return Enemy{}, false
	}
	return v.(Enemy), true
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	return c.entries.ItemCount()
}

func (c *Cache) all() []Enemy {
	items := c.entries.Items()
	out := make([]Enemy, 0, len(items))
	for _, it := range items {
		out = append(out, it.Object.(Enemy))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// List returns every live enemy with its display id (entity id >> 16).
func (c *Cache) List() []Listing {
	all := c.all()
	out := make([]Listing, 0, len(all))
	for _, e := range all {
		out = append(out, Listing{ID: e.ID >> 16, Name: e.Name, HP: e.HP, MaxHP: e.MaxHP})
	}
	return out
}

// top returns the named enemy with the highest max hp.
func (c *Cache) top() (Enemy, bool) {
	var best Enemy
	found := false
	for _, e := range c.all() {
		if e.Name == "" {
			continue
		}
		if !found || e.MaxHP > best.MaxHP {
			best, found = e, true
		}
	}
	return best, found
}

// Refresh records the current top enemy as boss of record and empties the
// cache. It runs when the session moves to another server.
func (c *Cache) Refresh() {
	if e, ok := c.top(); ok {
		c.boss = e.Name
	}
	c.entries.Flush()
	slog.Debug("enemy cache refreshed", "boss", c.boss)
}

// ArchiveBoss names the enemy for an archive summary: the live top enemy,
// or else the boss of record, which is consumed.
func (c *Cache) ArchiveBoss() string {
	if e, ok := c.top(); ok {
		return e.Name
	}
	boss := c.boss
	c.boss = ""
	return boss
}

// Clear empties the cache without touching the boss of record.
func (c *Cache) Clear() {
	c.entries.Flush()
}
