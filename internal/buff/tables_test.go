package buff

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapEntry_BothShapes(t *testing.T) {
	var m map[string]MapEntry
	require.NoError(t, json.Unmarshal([]byte(`{"1":"Haste","2":{"name":"Weak","isDebuff":true}}`), &m))
	assert.Equal(t, MapEntry{Name: "Haste"}, m["1"])
	assert.Equal(t, MapEntry{Name: "Weak", IsDebuff: true}, m["2"])
}

func TestNameMap_MarshalSorted(t *testing.T) {
	data, err := json.Marshal(NameMap{30: {Name: "c"}, 4: {Name: "a"}, 100: {Name: "b"}})
	require.NoError(t, err)
	assert.Equal(t, `{"4":{"name":"a","isDebuff":false},"30":{"name":"c","isDebuff":false},"100":{"name":"b","isDebuff":false}}`, string(data))
}

func TestImportTable(t *testing.T) {
	dir := t.TempDir()
	tablePath := filepath.Join(dir, "BuffTable.json")
	mapPath := filepath.Join(dir, "buff_map.json")

	require.NoError(t, os.WriteFile(mapPath, []byte(`{"10":"Kept"}`), 0o640))
	require.NoError(t, os.WriteFile(tablePath, []byte(`{
		"a": {"Id": 10, "NameDesign": "Replaced"},
		"b": {"Id": 3, "Name": "Plain"},
		"c": {"Id": 25, "NameDesign": "力量虚弱"},
		"d": {"Id": 7}
	}`), 0o640))

	n, err := ImportTable(tablePath, mapPath)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	m, err := LoadNameMap(mapPath)
	require.NoError(t, err)
	assert.Equal(t, MapEntry{Name: "Kept"}, m[10])
	assert.Equal(t, MapEntry{Name: "Plain"}, m[3])
	assert.Equal(t, MapEntry{Name: "力量虚弱", IsDebuff: true}, m[25])
	assert.Equal(t, MapEntry{Name: "(未命名)"}, m[7])
}

func TestImportTable_ArrayAndMissingMap(t *testing.T) {
	dir := t.TempDir()
	tablePath := filepath.Join(dir, "BuffTable.json")
	mapPath := filepath.Join(dir, "tables", "buff_map.json")
	require.NoError(t, os.WriteFile(tablePath, []byte(`[{"Id": 2, "Name": "B"}, {"Id": 1, "Name": "A"}]`), 0o640))

	n, err := ImportTable(tablePath, mapPath)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	data, err := os.ReadFile(mapPath)
	require.NoError(t, err)
	assert.Less(t, strings.Index(string(data), `"1"`), strings.Index(string(data), `"2"`))
}

func TestImportTable_MissingTable(t *testing.T) {
	_, err := ImportTable(filepath.Join(t.TempDir(), "none.json"), filepath.Join(t.TempDir(), "m.json"))
	assert.Error(t, err)
}
