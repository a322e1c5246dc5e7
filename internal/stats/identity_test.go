package stats

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dmgmeter/internal/store"
)

func TestIdentityCache_BurstProducesOneWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	w := newFileWriter()
	c := NewIdentityCache(path, 2*time.Second, w)

	for i := 0; i < 5; i++ {
		now := ms(i * 400)
		c.Update(uint64(100+i), now, func(id *Identity) { id.Name = "player" })
		c.Poll(now)
	}
	assert.Equal(t, 0, w.count(path))

	c.Poll(ms(2000))
	c.Poll(ms(2500))
	assert.Equal(t, 1, w.count(path))

	raw := map[string]Identity{}
	require.NoError(t, store.ReadJSON(path, &raw))
	assert.Len(t, raw, 5)
}

func TestIdentityCache_UnchangedUpdateDoesNotWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	w := newFileWriter()
	c := NewIdentityCache(path, time.Second, w)

	c.Update(1, ms(0), func(id *Identity) { id.Name = "a" })
	c.Flush()
	require.Equal(t, 1, w.count(path))

	c.Update(1, ms(10), func(id *Identity) { id.Name = "a" })
	c.Poll(ms(5000))
	c.Flush()
	assert.Equal(t, 1, w.count(path))
}

func TestIdentityCache_LoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	w := newFileWriter()
	c := NewIdentityCache(path, time.Second, w)
	c.Update(42, ms(0), func(id *Identity) {
		id.Name = "Aria"
		id.Profession = "mage"
		id.FightPoint = 12000
		id.MaxHP = 90000
	})
	c.SetHP(42, 500)
	c.Flush()

	loaded := NewIdentityCache(path, time.Second, w)
	require.NoError(t, loaded.Load())
	id, ok := loaded.Get(42)
	require.True(t, ok)
	assert.Equal(t, Identity{Name: "Aria", Profession: "mage", FightPoint: 12000, MaxHP: 90000}, id)

	_, ok = loaded.HP(42)
	assert.False(t, ok, "hp must not be persisted")
}

func TestIdentityCache_LoadMissing(t *testing.T) {
	c := NewIdentityCache(filepath.Join(t.TempDir(), "none.json"), time.Second, newFileWriter())
	require.NoError(t, c.Load())
	assert.Empty(t, c.UIDs())
}

func TestIdentityCache_Clear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	w := newFileWriter()
	c := NewIdentityCache(path, time.Minute, w)
	c.Update(7, ms(0), func(id *Identity) { id.Name = "x" })
	c.SetHP(7, 1)

	c.Clear()

	assert.Equal(t, 1, w.count(path))
	assert.Empty(t, c.UIDs())
	raw := map[string]Identity{}
	require.NoError(t, store.ReadJSON(path, &raw))
	assert.Empty(t, raw)

	c.Poll(ms(120000))
	assert.Equal(t, 1, w.count(path), "clear consumes the pending update")
}
