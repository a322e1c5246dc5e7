package api

import (
	"fmt"
	"net/http"
	"strconv"

	"firestige.xyz/dmgmeter/internal/buff"
	"firestige.xyz/dmgmeter/internal/core"
	"firestige.xyz/dmgmeter/internal/enemy"
	"firestige.xyz/dmgmeter/internal/pipeline"
	"firestige.xyz/dmgmeter/internal/stats"
)

// do runs fn on the engine and writes an error response when it could not
// run. It reports whether fn ran.
func (s *Server) do(w http.ResponseWriter, r *http.Request, fn func(*pipeline.State)) bool {
	if err := s.engine.Do(r.Context(), fn); err != nil {
		writeError(w, err)
		return false
	}
	return true
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	var users map[string]stats.Summary
	var paused bool
	if !s.do(w, r, func(st *pipeline.State) {
		users = st.Stats.Summaries()
		paused = st.Paused()
	}) {
		return
	}
	writeOK(w, map[string]any{"user": users, "paused": paused})
}

func (s *Server) handleEnemies(w http.ResponseWriter, r *http.Request) {
	var list []enemy.Listing
	if !s.do(w, r, func(st *pipeline.State) { list = st.Enemies.List() }) {
		return
	}
	writeOK(w, map[string]any{"enemy": list})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if !s.do(w, r, func(st *pipeline.State) { st.Clear() }) {
		return
	}
	writeOK(w, map[string]any{"msg": "Statistics have been cleared!"})
}

func (s *Server) handleGetPause(w http.ResponseWriter, r *http.Request) {
	var paused bool
	if !s.do(w, r, func(st *pipeline.State) { paused = st.Paused() }) {
		return
	}
	writeOK(w, map[string]any{"paused": paused})
}

func (s *Server) handleSetPause(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Paused bool `json:"paused"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !s.do(w, r, func(st *pipeline.State) { st.SetPaused(req.Paused) }) {
		return
	}
	writeOK(w, map[string]any{"paused": req.Paused})
}

func (s *Server) handleSkill(w http.ResponseWriter, r *http.Request) {
	uid, err := strconv.ParseUint(r.PathValue("uid"), 10, 64)
	if err != nil {
		writeError(w, fmt.Errorf("user %q: %w", r.PathValue("uid"), core.ErrNotFound))
		return
	}
	var d stats.Detail
	var lookupErr error
	if !s.do(w, r, func(st *pipeline.State) { d, lookupErr = st.Stats.SkillDetail(uid) }) {
		return
	}
	if lookupErr != nil {
		writeError(w, lookupErr)
		return
	}
	writeOK(w, map[string]any{"data": d})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if !s.do(w, r, func(st *pipeline.State) { st.Stats.ClearIdentity() }) {
		return
	}
	writeOK(w, map[string]any{"msg": "User cache cleared"})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	var set stats.Settings
	if !s.do(w, r, func(st *pipeline.State) { set = st.Stats.Settings() }) {
		return
	}
	writeOK(w, map[string]any{"data": set})
}

// handleSetSettings applies a partial update: absent fields keep their
// current value.
func (s *Server) handleSetSettings(w http.ResponseWriter, r *http.Request) {
	var patch map[string]*bool
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	var set stats.Settings
	if !s.do(w, r, func(st *pipeline.State) {
		set = st.Stats.Settings()
		apply := func(key string, dst *bool) {
			if v, ok := patch[key]; ok && v != nil {
				*dst = *v
			}
		}
		apply("autoClearOnServerChange", &set.AutoClearOnServerChange)
		apply("autoClearOnTimeout", &set.AutoClearOnTimeout)
		apply("onlyRecordEliteDummy", &set.OnlyRecordEliteDummy)
		st.Stats.SetSettings(set)
	}) {
		return
	}
	writeOK(w, map[string]any{"data": set})
}

func (s *Server) handleBuffs(w http.ResponseWriter, r *http.Request) {
	var entity uint64
	filter := false
	if q := r.URL.Query().Get("entityUid"); q != "" {
		id, err := strconv.ParseUint(q, 10, 64)
		if err != nil {
			writeError(w, fmt.Errorf("entityUid %q: %w", q, errBadRequest))
			return
		}
		entity, filter = id, true
	}

	var active map[string]map[string]buff.View
	var roster []stats.Entity
	if !s.do(w, r, func(st *pipeline.State) {
		active = st.Buffs.Active(st.Now, entity, filter)
		roster = st.Stats.Roster(st.Buffs.Entities(st.Now))
	}) {
		return
	}
	writeOK(w, map[string]any{"data": active, "entities": roster})
}

func (s *Server) handleGetBuffConfig(w http.ResponseWriter, r *http.Request) {
	var cfg buff.Visibility
	if !s.do(w, r, func(st *pipeline.State) { cfg = st.Buffs.Config() }) {
		return
	}
	writeOK(w, map[string]any{"data": cfg})
}

func (s *Server) handleSetBuffEnabled(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID      string `json:"id"`
		Enabled bool   `json:"enabled"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id, err := buff.ParseID(req.ID)
	if err != nil {
		writeError(w, fmt.Errorf("buff id %q: %w", req.ID, errBadRequest))
		return
	}
	var cfg buff.Visibility
	if !s.do(w, r, func(st *pipeline.State) {
		st.Buffs.SetEnabled(id, req.Enabled)
		cfg = st.Buffs.Config()
	}) {
		return
	}
	writeOK(w, map[string]any{"data": cfg})
}

func (s *Server) handleShowUnmapped(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Show bool `json:"showUnmapped"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	var cfg buff.Visibility
	if !s.do(w, r, func(st *pipeline.State) {
		st.Buffs.SetShowUnmapped(req.Show)
		cfg = st.Buffs.Config()
	}) {
		return
	}
	writeOK(w, map[string]any{"data": cfg})
}

func (s *Server) handleSelectAll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	var cfg buff.Visibility
	if !s.do(w, r, func(st *pipeline.State) {
		st.Buffs.SelectAll(req.Enabled)
		cfg = st.Buffs.Config()
	}) {
		return
	}
	writeOK(w, map[string]any{"data": cfg})
}

func (s *Server) handleBuffSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	var found []buff.Info
	if !s.do(w, r, func(st *pipeline.State) { found = st.Buffs.Search(q) }) {
		return
	}
	writeOK(w, map[string]any{"data": found})
}

func (s *Server) handleBuffAll(w http.ResponseWriter, r *http.Request) {
	var all []buff.Info
	if !s.do(w, r, func(st *pipeline.State) { all = st.Buffs.All() }) {
		return
	}
	writeOK(w, map[string]any{"data": all})
}

func (s *Server) handleGetBuffMap(w http.ResponseWriter, r *http.Request) {
	var names buff.NameMap
	if !s.do(w, r, func(st *pipeline.State) { names = st.Buffs.Names() }) {
		return
	}
	writeOK(w, map[string]any{"data": names})
}

func (s *Server) handleAddBuffMap(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		IsDebuff bool   `json:"isDebuff"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	s.setBuffName(w, r, req.ID, buff.MapEntry{Name: req.Name, IsDebuff: req.IsDebuff})
}

func (s *Server) handlePutBuffMap(w http.ResponseWriter, r *http.Request) {
	var e buff.MapEntry
	if err := decodeBody(r, &e); err != nil {
		writeError(w, err)
		return
	}
	s.setBuffName(w, r, r.PathValue("id"), e)
}

func (s *Server) setBuffName(w http.ResponseWriter, r *http.Request, rawID string, e buff.MapEntry) {
	id, err := buff.ParseID(rawID)
	if err != nil {
		writeError(w, fmt.Errorf("buff id %q: %w", rawID, errBadRequest))
		return
	}
	if e.Name == "" {
		writeError(w, fmt.Errorf("buff %d: empty name: %w", id, errBadRequest))
		return
	}
	if !s.do(w, r, func(st *pipeline.State) { st.Buffs.SetName(id, e) }) {
		return
	}
	writeOK(w, map[string]any{"data": e})
}

func (s *Server) handleDeleteBuffMap(w http.ResponseWriter, r *http.Request) {
	id, err := buff.ParseID(r.PathValue("id"))
	if err != nil {
		writeError(w, fmt.Errorf("buff id %q: %w", r.PathValue("id"), core.ErrNotFound))
		return
	}
	var delErr error
	if !s.do(w, r, func(st *pipeline.State) { delErr = st.Buffs.DeleteName(id) }) {
		return
	}
	if delErr != nil {
		writeError(w, delErr)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	list, err := s.history.List()
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]string, len(list))
	for i, ts := range list {
		out[i] = strconv.FormatInt(ts, 10)
	}
	writeOK(w, map[string]any{"data": out})
}

func (s *Server) handleHistorySummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.history.Summary(r.PathValue("ts"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"data": sum})
}

func (s *Server) handleHistoryData(w http.ResponseWriter, r *http.Request) {
	users, err := s.history.AllUsers(r.PathValue("ts"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"user": users})
}

func (s *Server) handleHistorySkill(w http.ResponseWriter, r *http.Request) {
	d, err := s.history.UserDetail(r.PathValue("ts"), r.PathValue("uid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]any{"data": d})
}

func (s *Server) handleHistoryDownload(w http.ResponseWriter, r *http.Request) {
	ts := r.PathValue("ts")
	path, err := s.history.LogPath(ts)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=fight_%s.log.gz", ts))
	http.ServeFile(w, r, path)
}
