package stats

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"firestige.xyz/dmgmeter/internal/core"
	"firestige.xyz/dmgmeter/internal/store"
)

// Archive file names inside logs/<startMs>/.
const (
	summaryFile  = "summary.json"
	allUsersFile = "allUserData.json"
	usersDir     = "users"
	combatLogGz  = "fight.log.gz"
)

// ArchiveSummary is the summary.json of one archived session.
type ArchiveSummary struct {
	StartTime    int64  `json:"startTime"`
	EndTime      int64  `json:"endTime"`
	Duration     int64  `json:"duration"`
	UserCount    int    `json:"userCount"`
	Version      string `json:"version"`
	MaxHpMonster string `json:"maxHpMonster"`
}

// Session is one archived session as handed to archive hooks.
type Session struct {
	Summary ArchiveSummary
	Users   map[string]Summary
	Details map[string]Detail
}

// History reads and writes session archives under one logs directory.
type History struct {
	dir string
}

// NewHistory creates a history rooted at dir.
func NewHistory(dir string) *History {
	return &History{dir: dir}
}

// Dir returns the logs directory.
func (h *History) Dir() string { return h.dir }

func (h *History) sessionDir(ts int64) string {
	return filepath.Join(h.dir, strconv.FormatInt(ts, 10))
}

// write queues every file of s through w.
func (h *History) write(w Writer, s Session) error {
	dir := h.sessionDir(s.Summary.StartTime)
	var errs []error
	errs = append(errs, w.SubmitJSON(filepath.Join(dir, summaryFile), s.Summary))
	errs = append(errs, w.SubmitJSON(filepath.Join(dir, allUsersFile), s.Users))
	for uid, d := range s.Details {
		errs = append(errs, w.SubmitJSON(filepath.Join(dir, usersDir, uid+".json"), d))
	}
	return errors.Join(errs...)
}

// List returns archived session timestamps, newest first. Directories whose
// names are not numeric are ignored.
func (h *History) List() ([]int64, error) {
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []int64{}, nil
		}
		return nil, fmt.Errorf("history: list %q: %w", h.dir, err)
	}

	out := make([]int64, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		ts, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil || ts < 0 {
			continue
		}
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	return out, nil
}

// Summary reads summary.json of the session ts.
func (h *History) Summary(ts string) (ArchiveSummary, error) {
	var s ArchiveSummary
	dir, err := h.resolve(ts)
	if err != nil {
		return s, err
	}
	err = store.ReadJSON(filepath.Join(dir, summaryFile), &s)
	return s, err
}

// AllUsers reads allUserData.json of the session ts.
func (h *History) AllUsers(ts string) (map[string]Summary, error) {
	dir, err := h.resolve(ts)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Summary)
	if err := store.ReadJSON(filepath.Join(dir, allUsersFile), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UserDetail reads users/<uid>.json of the session ts.
func (h *History) UserDetail(ts, uid string) (Detail, error) {
	var d Detail
	dir, err := h.resolve(ts)
	if err != nil {
		return d, err
	}
	if _, err := strconv.ParseUint(uid, 10, 64); err != nil {
		return d, fmt.Errorf("history: uid %q: %w", uid, core.ErrNotFound)
	}
	err = store.ReadJSON(filepath.Join(dir, usersDir, uid+".json"), &d)
	return d, err
}

// LogPath returns the compressed combat log of the session ts.
func (h *History) LogPath(ts string) (string, error) {
	dir, err := h.resolve(ts)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, combatLogGz)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("history: %q: %w", path, core.ErrNotFound)
		}
		return "", fmt.Errorf("history: stat %q: %w", path, err)
	}
	return path, nil
}

// resolve maps a timestamp string to its directory. Anything that is not a
// plain non-negative integer is reported as not found.
func (h *History) resolve(ts string) (string, error) {
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || n < 0 {
		return "", fmt.Errorf("history: session %q: %w", ts, core.ErrNotFound)
	}
	return h.sessionDir(n), nil
}
