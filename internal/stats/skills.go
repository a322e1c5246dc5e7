package stats

import (
	"errors"
	"fmt"
	"strconv"

	"firestige.xyz/dmgmeter/internal/core"
	"firestige.xyz/dmgmeter/internal/store"
)

// SkillNames resolves skill ids to display names. Unknown ids render as
// their decimal value.
type SkillNames map[uint64]string

// LoadSkillNames reads a {"<id>": "<name>"} table. A missing file yields an
// empty table.
func LoadSkillNames(path string) (SkillNames, error) {
	raw := make(map[string]string)
	if err := store.ReadJSON(path, &raw); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return SkillNames{}, nil
		}
		return nil, err
	}

	names := make(SkillNames, len(raw))
	for k, v := range raw {
		id, err := strconv.ParseUint(k, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("skill table %s: key %q: %w", path, k, core.ErrConfigInvalid)
		}
		names[id] = v
	}
	return names, nil
}

// Name returns the display name of id.
func (n SkillNames) Name(id uint64) string {
	if s, ok := n[id]; ok && s != "" {
		return s
	}
	return strconv.FormatUint(id, 10)
}
