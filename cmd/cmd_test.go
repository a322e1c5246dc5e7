package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dmgmeter/internal/capture"
	"firestige.xyz/dmgmeter/internal/config"
	"firestige.xyz/dmgmeter/internal/core"
	"firestige.xyz/dmgmeter/internal/stats"
	"firestige.xyz/dmgmeter/internal/store"
)

func writeArchive(t *testing.T, dir string) *stats.History {
	t.Helper()
	session := filepath.Join(dir, "1750000000000")
	require.NoError(t, store.WriteJSON(filepath.Join(session, "summary.json"), stats.ArchiveSummary{
		StartTime: 1750000000000, EndTime: 1750000090000, Duration: 90000,
		UserCount: 2, Version: "1.0", MaxHpMonster: "Golem",
	}))
	users := map[string]stats.Summary{
		"7": {Name: "Aria", Profession: "mage", TotalDamage: stats.Breakdown{Total: 500}},
		"9": {Name: "Bram", Profession: "knight", TotalDamage: stats.Breakdown{Total: 900}},
	}
	require.NoError(t, store.WriteJSON(filepath.Join(session, "allUserData.json"), users))
	require.NoError(t, store.WriteJSON(filepath.Join(session, "users", "7.json"), stats.Detail{
		UID: 7, Name: "Aria", Profession: "mage",
		Skills: map[string]stats.SkillSummary{"1241": {DisplayName: "Beam", Type: "damage", TotalDamage: 500, TotalCount: 4}},
	}))
	// a stray directory is not a session
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "tmp"), 0o755))
	return stats.NewHistory(dir)
}

func TestRunHistoryList(t *testing.T) {
	h := writeArchive(t, t.TempDir())

	var buf bytes.Buffer
	require.NoError(t, runHistoryList(h, &buf))

	out := buf.String()
	assert.Contains(t, out, "1750000000000")
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "Golem")
	assert.NotContains(t, out, "tmp")
}

func TestRunHistoryList_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, runHistoryList(stats.NewHistory(filepath.Join(t.TempDir(), "none")), &buf))
	assert.Contains(t, buf.String(), "no archived sessions")
}

func TestRunHistoryShow(t *testing.T) {
	h := writeArchive(t, t.TempDir())

	var buf bytes.Buffer
	require.NoError(t, runHistoryShow(h, "1750000000000", "", &buf))
	out := buf.String()
	assert.Contains(t, out, "boss:     Golem")
	// sorted by damage, highest first
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("Bram")), bytes.Index(buf.Bytes(), []byte("Aria")))

	buf.Reset()
	require.NoError(t, runHistoryShow(h, "1750000000000", "7", &buf))
	assert.Contains(t, buf.String(), "Beam")

	assert.ErrorIs(t, runHistoryShow(h, "1750000000001", "", &buf), core.ErrNotFound)
	assert.ErrorIs(t, runHistoryShow(h, "1750000000000", "8", &buf), core.ErrNotFound)
}

func TestRunBuffsImport(t *testing.T) {
	dir := t.TempDir()
	table := filepath.Join(dir, "BuffTable.json")
	mapPath := filepath.Join(dir, "buff_map.json")
	require.NoError(t, os.WriteFile(table, []byte(`{"a": {"Id": 3, "Name": "Plain"}}`), 0o640))

	var buf bytes.Buffer
	require.NoError(t, runBuffsImport(table, mapPath, &buf))
	assert.Contains(t, buf.String(), "now maps 1 buffs")

	assert.Error(t, runBuffsImport(filepath.Join(dir, "missing.json"), mapPath, &buf))
}

func TestRunConfigDump(t *testing.T) {
	cfg, err := config.Load("", true)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, runConfigDump(cfg, &buf))
	assert.Contains(t, buf.String(), "dmgmeter:")
	assert.Contains(t, buf.String(), "listen: 127.0.0.1:8990")

	buf.Reset()
	printValid(&buf, cfg)
	assert.Contains(t, buf.String(), "VALID: source pcap")
}

func TestApplyStartFlags(t *testing.T) {
	cfg, err := config.Load("", true)
	require.NoError(t, err)

	startFile, startDecoder = "replay.pcap", "json"
	t.Cleanup(func() { startFile, startDecoder = "", "" })

	require.NoError(t, applyStartFlags(cfg))
	assert.Equal(t, capture.KindFile, cfg.Capture.Source)
	assert.Equal(t, "replay.pcap", cfg.Capture.File)
	assert.Equal(t, "json", cfg.Decoder.Name)
}

func TestRunStop_NoPIDFile(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, runStop("", time.Second, &buf))
	assert.ErrorIs(t, runStop(filepath.Join(t.TempDir(), "x.pid"), time.Second, &buf), core.ErrNotFound)
	assert.Empty(t, buf.String())
}

func TestPrintDevices(t *testing.T) {
	var buf bytes.Buffer
	printDevices(&buf, []capture.Device{
		{Name: "lo", Description: "loopback", Rank: 0},
		{Name: "eth0", Description: "Ethernet", Addresses: []string{"10.0.0.2"}, Rank: 3},
	})
	out := buf.String()
	assert.Contains(t, out, "eth0 *")
	assert.Contains(t, out, "10.0.0.2")
	assert.NotContains(t, out, "lo *")

	buf.Reset()
	printDevices(&buf, nil)
	assert.Contains(t, buf.String(), "no capture devices found")
}
