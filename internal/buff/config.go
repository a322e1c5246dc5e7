package buff

import (
	"sort"
	"strconv"
)

// Visibility is the persisted buff_config.json: which buff ids viewers see.
// An empty enabled set shows every id.
type Visibility struct {
	EnabledBuffs []string `json:"enabledBuffs"`
	ShowUnmapped bool     `json:"showUnmapped"`
}

type visibility struct {
	enabled      map[uint64]bool
	showUnmapped bool
}

func defaultVisibility() visibility {
	return visibility{enabled: make(map[uint64]bool), showUnmapped: true}
}

func (v *visibility) load(c Visibility) {
	v.enabled = make(map[uint64]bool, len(c.EnabledBuffs))
	for _, s := range c.EnabledBuffs {
		if id, err := strconv.ParseUint(s, 10, 64); err == nil {
			v.enabled[id] = true
		}
	}
	v.showUnmapped = c.ShowUnmapped
}

func (v *visibility) export() Visibility {
	ids := make([]uint64, 0, len(v.enabled))
	for id := range v.enabled {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := Visibility{EnabledBuffs: make([]string, 0, len(ids)), ShowUnmapped: v.showUnmapped}
	for _, id := range ids {
		out.EnabledBuffs = append(out.EnabledBuffs, idKey(id))
	}
	return out
}

func (v *visibility) visible(id uint64, mapped bool) bool {
	if !mapped && !v.showUnmapped {
		return false
	}
	return len(v.enabled) == 0 || v.enabled[id]
}
