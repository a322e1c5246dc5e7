package buff

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"firestige.xyz/dmgmeter/internal/core"
	"firestige.xyz/dmgmeter/internal/store"
)

// UnmappedName is shown for buff ids missing from the name table.
const UnmappedName = "(未映射)"

const (
	unnamed      = "(未命名)"
	debuffMarker = "虚弱"
)

// MapEntry is one row of buff_map.json. The file accepts either a bare
// name or {"name", "isDebuff"} per id.
type MapEntry struct {
	Name     string `json:"name"`
	IsDebuff bool   `json:"isDebuff"`
}

// UnmarshalJSON accepts both row shapes.
func (e *MapEntry) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		e.IsDebuff = false
		return json.Unmarshal(data, &e.Name)
	}
	type plain MapEntry
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = MapEntry(p)
	return nil
}

// NameMap maps buff ids to names.
type NameMap map[uint64]MapEntry

// Name returns the display name of id, or UnmappedName.
func (m NameMap) Name(id uint64) (string, bool) {
	if e, ok := m[id]; ok {
		return e.Name, true
	}
	return UnmappedName, false
}

// Sorted returns the ids in ascending order.
func (m NameMap) Sorted() []uint64 {
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// MarshalJSON writes ids in ascending numeric order.
func (m NameMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, id := range m.Sorted() {
		if i > 0 {
			buf.WriteByte(',')
		}
		v, err := json.Marshal(m[id])
		if err != nil {
			return nil, err
		}
		buf.WriteString(strconv.Quote(strconv.FormatUint(id, 10)))
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// LoadNameMap reads buff_map.json. A missing file yields an empty map.
func LoadNameMap(path string) (NameMap, error) {
	raw := make(map[string]MapEntry)
	if err := readOptional(path, &raw); err != nil {
		return nil, err
	}
	m := make(NameMap, len(raw))
	for k, v := range raw {
		id, err := parseID(k)
		if err != nil {
			return nil, fmt.Errorf("buff map %s: %w", path, err)
		}
		m[id] = v
	}
	return m, nil
}

// LoadStackMap reads stack_buff_map.json: the ids whose stack count is
// meaningful. Values are kept verbatim.
func LoadStackMap(path string) (map[uint64]json.RawMessage, error) {
	raw := make(map[string]json.RawMessage)
	if err := readOptional(path, &raw); err != nil {
		return nil, err
	}
	m := make(map[uint64]json.RawMessage, len(raw))
	for k, v := range raw {
		id, err := parseID(k)
		if err != nil {
			return nil, fmt.Errorf("stack buff map %s: %w", path, err)
		}
		m[id] = v
	}
	return m, nil
}

// tableRow is one row of the game's BuffTable.json.
type tableRow struct {
	ID         json.Number `json:"Id"`
	NameDesign string      `json:"NameDesign"`
	Name       string      `json:"Name"`
}

// ImportTable merges the rows of a BuffTable.json file into the name map
// at mapPath. Existing entries win; new names containing the debuff marker
// are flagged as debuffs. It returns the resulting entry count.
func ImportTable(tablePath, mapPath string) (int, error) {
	rows, err := readTable(tablePath)
	if err != nil {
		return 0, err
	}
	m, err := LoadNameMap(mapPath)
	if err != nil {
		return 0, err
	}

	for _, r := range rows {
		id, err := parseID(r.ID.String())
		if err != nil {
			return 0, fmt.Errorf("buff table %s: %w", tablePath, err)
		}
		if _, ok := m[id]; ok {
			continue
		}
		name := r.NameDesign
		if name == "" {
			name = r.Name
		}
		if name == "" {
			name = unnamed
		}
		m[id] = MapEntry{Name: name, IsDebuff: strings.Contains(name, debuffMarker)}
	}

	if err := store.WriteJSON(mapPath, m); err != nil {
		return 0, err
	}
	return len(m), nil
}

// readTable accepts either an array of rows or an object of rows.
func readTable(path string) ([]tableRow, error) {
	var raw json.RawMessage
	if err := store.ReadJSON(path, &raw); err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var rows []tableRow
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, fmt.Errorf("buff table %s: %w", path, err)
		}
		return rows, nil
	}
	byKey := make(map[string]tableRow)
	if err := json.Unmarshal(raw, &byKey); err != nil {
		return nil, fmt.Errorf("buff table %s: %w", path, err)
	}
	rows := make([]tableRow, 0, len(byKey))
	for _, r := range byKey {
		rows = append(rows, r)
	}
	return rows, nil
}

func readOptional(path string, v any) error {
	if err := store.ReadJSON(path, v); err != nil && !errors.Is(err, core.ErrNotFound) {
		return err
	}
	return nil
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("buff id %q: %w", s, core.ErrConfigInvalid)
	}
	return id, nil
}

func idKey(id uint64) string {
	return strconv.FormatUint(id, 10)
}
