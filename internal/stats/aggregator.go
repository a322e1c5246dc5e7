// Package stats aggregates decoded combat events into per-combatant
// statistics and archives finished sessions.
package stats

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"firestige.xyz/dmgmeter/internal/core"
	"firestige.xyz/dmgmeter/internal/store"
)

const (
	defaultInactivityTimeout = 15 * time.Second
	defaultEliteDummyID      = 75
)

// controlChars matches names that cannot be shown as-is.
var controlChars = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F-\x9F]`)

// Settings are the operator toggles exposed through the API.
type Settings struct {
	AutoClearOnServerChange bool `json:"autoClearOnServerChange"`
	AutoClearOnTimeout      bool `json:"autoClearOnTimeout"`
	OnlyRecordEliteDummy    bool `json:"onlyRecordEliteDummy"`
}

// Config configures an Aggregator.
type Config struct {
	Version           string
	EliteDummyID      uint64
	InactivityTimeout time.Duration
	SettingsPath      string
	Settings          Settings
}

// BossSource names the enemy recorded in an archive summary.
type BossSource interface {
	ArchiveBoss() string
}

// Aggregator is the statistics engine. It is not safe for concurrent use;
// the pipeline engine owns it and calls it from one goroutine.
type Aggregator struct {
	cfg      Config
	settings Settings

	users    map[uint64]*UserRecord
	identity *IdentityCache
	skills   SkillNames
	history  *History
	log      *CombatLog
	writer   Writer
	bosses   BossSource

	startTime    time.Time
	lastActivity time.Time
	lastAutosave time.Time

	onClear   []func()
	onArchive []func(Session)
}

// New creates an aggregator. log and bosses may be nil.
func New(cfg Config, identity *IdentityCache, skills SkillNames, history *History, log *CombatLog, w Writer, bosses BossSource) *Aggregator {
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = defaultInactivityTimeout
	}
	if cfg.EliteDummyID == 0 {
		cfg.EliteDummyID = defaultEliteDummyID
	}
	if skills == nil {
		skills = SkillNames{}
	}
	return &Aggregator{
		cfg:      cfg,
		settings: cfg.Settings,
		users:    make(map[uint64]*UserRecord),
		identity: identity,
		skills:   skills,
		history:  history,
		log:      log,
		writer:   w,
		bosses:   bosses,
	}
}

// LoadSettings replaces the configured settings with the persisted ones,
// if any.
func (a *Aggregator) LoadSettings() error {
	if a.cfg.SettingsPath == "" {
		return nil
	}
	var s Settings
	if err := store.ReadJSON(a.cfg.SettingsPath, &s); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil
		}
		return err
	}
	a.settings = s
	return nil
}

// Settings returns the current settings.
func (a *Aggregator) Settings() Settings { return a.settings }

// SetSettings replaces and persists the settings.
func (a *Aggregator) SetSettings(s Settings) {
	a.settings = s
	if a.cfg.SettingsPath == "" {
		return
	}
	if err := a.writer.SubmitJSON(a.cfg.SettingsPath, s); err != nil {
		slog.Error("failed to queue settings write", "error", err)
	}
}

// OnClear registers fn to run after every clear.
func (a *Aggregator) OnClear(fn func()) {
	a.onClear = append(a.onClear, fn)
}

// OnArchive registers fn to receive every session archived by a clear.
func (a *Aggregator) OnArchive(fn func(Session)) {
	a.onArchive = append(a.onArchive, fn)
}

// Identity exposes the identity cache.
func (a *Aggregator) Identity() *IdentityCache { return a.identity }

// HandleEvent records one combat event.
func (a *Aggregator) HandleEvent(ev core.CombatEvent, now time.Time) {
	switch ev.Kind {
	case core.EventDamage:
		a.CheckTimeoutClear(now)
		if a.settings.OnlyRecordEliteDummy && ev.TargetID != a.cfg.EliteDummyID {
			return
		}
		u := a.user(ev.ActorID, now)
		a.inferSubProfession(u, ev.SkillID)
		u.AddDamage(a.skills.Name(ev.SkillID), ev.Element, ev.Value, ev.Crit, ev.Lucky, ev.CauseLucky, ev.HpLessen, now)
		a.touch(now)

	case core.EventHeal:
		if ev.ActorID == 0 {
			return
		}
		a.CheckTimeoutClear(now)
		u := a.user(ev.ActorID, now)
		a.inferSubProfession(u, ev.SkillID)
		u.AddHealing(a.skills.Name(ev.SkillID), ev.Element, ev.Value, ev.Crit, ev.Lucky, ev.CauseLucky, now)
		a.touch(now)

	case core.EventTakenDamage:
		a.CheckTimeoutClear(now)
		a.user(ev.TargetID, now).AddTakenDamage(ev.Value, ev.Dead)
		a.touch(now)

	case core.EventName:
		if ev.Name == "" {
			return
		}
		a.user(ev.ActorID, now).Name = ev.Name
		a.identity.Update(ev.ActorID, now, func(id *Identity) { id.Name = ev.Name })

	case core.EventProfession:
		if ev.Profession == "" {
			return
		}
		a.user(ev.ActorID, now).SetProfession(ev.Profession)
		a.identity.Update(ev.ActorID, now, func(id *Identity) { id.Profession = ev.Profession })

	case core.EventFightPoint:
		a.user(ev.ActorID, now).FightPoint = ev.FightPoint
		a.identity.Update(ev.ActorID, now, func(id *Identity) { id.FightPoint = ev.FightPoint })

	case core.EventAttr:
		a.setAttr(ev, now)

	case core.EventLog:
		if a.log == nil || ev.Line == "" {
			return
		}
		if a.startTime.IsZero() {
			a.startTime = now
		}
		a.log.Append(a.startTime.UnixMilli(), now, ev.Line)
	}
}

func (a *Aggregator) setAttr(ev core.CombatEvent, now time.Time) {
	u := a.user(ev.ActorID, now)
	switch ev.AttrKey {
	case core.AttrHP:
		u.SetHP(ev.AttrValue)
		a.identity.SetHP(ev.ActorID, ev.AttrValue)
	case core.AttrMaxHP:
		u.SetMaxHP(ev.AttrValue)
		a.identity.Update(ev.ActorID, now, func(id *Identity) { id.MaxHP = ev.AttrValue })
	case "":
	default:
		u.SetAttr(ev.AttrKey, ev.AttrValue)
	}
}

func (a *Aggregator) inferSubProfession(u *UserRecord, skillID uint64) {
	if sub, ok := SubProfession(skillID); ok {
		u.SubProfession = sub
	}
}

// user returns the record of uid, creating it from the identity cache.
func (a *Aggregator) user(uid uint64, now time.Time) *UserRecord {
	if u, ok := a.users[uid]; ok {
		return u
	}
	if a.startTime.IsZero() {
		a.startTime = now
	}
	u := NewUserRecord(uid)
	if id, ok := a.identity.Get(uid); ok {
		u.Name = id.Name
		u.SetProfession(id.Profession)
		u.FightPoint = id.FightPoint
		if id.MaxHP > 0 {
			u.SetMaxHP(id.MaxHP)
		}
	}
	if hp, ok := a.identity.HP(uid); ok {
		u.SetHP(hp)
	}
	a.users[uid] = u
	return u
}

func (a *Aggregator) touch(now time.Time) {
	a.lastActivity = now
}

// LastActivity returns the time of the last recorded combat event.
func (a *Aggregator) LastActivity() time.Time { return a.lastActivity }

// UserCount returns the number of live records.
func (a *Aggregator) UserCount() int { return len(a.users) }

// UpdateRealtime recomputes every realtime window at now.
func (a *Aggregator) UpdateRealtime(now time.Time) {
	for _, u := range a.users {
		u.UpdateRealtime(now)
	}
}

// Poll runs the debounced identity write.
func (a *Aggregator) Poll(now time.Time) {
	a.identity.Poll(now)
}

// Summaries returns the live summary of every combatant keyed by uid.
func (a *Aggregator) Summaries() map[string]Summary {
	out := make(map[string]Summary, len(a.users))
	for uid, u := range a.users {
		out[uidKey(uid)] = u.Summary()
	}
	return out
}

// SkillDetail returns the live per-skill breakdown of uid.
func (a *Aggregator) SkillDetail(uid uint64) (Detail, error) {
	u, ok := a.users[uid]
	if !ok {
		return Detail{}, fmt.Errorf("stats: user %d: %w", uid, core.ErrNotFound)
	}
	return u.Detail(), nil
}

// CheckTimeoutClear clears all statistics when auto clear on timeout is
// enabled and nothing was recorded for the inactivity timeout.
func (a *Aggregator) CheckTimeoutClear(now time.Time) bool {
	if !a.settings.AutoClearOnTimeout || a.lastActivity.IsZero() || len(a.users) == 0 {
		return false
	}
	if now.Sub(a.lastActivity) <= a.cfg.InactivityTimeout {
		return false
	}
	slog.Info("clearing statistics after inactivity", "idle", now.Sub(a.lastActivity))
	a.ClearAll(now)
	return true
}

// ServerChanged is called when the session relocks to another server.
func (a *Aggregator) ServerChanged(now time.Time) bool {
	if !a.settings.AutoClearOnServerChange || a.lastActivity.IsZero() || len(a.users) == 0 {
		return false
	}
	slog.Info("clearing statistics after server change")
	a.ClearAll(now)
	return true
}

// Autosave writes the current session archive when something was recorded
// since the previous autosave.
func (a *Aggregator) Autosave(now time.Time) bool {
	if len(a.users) == 0 || a.lastActivity.IsZero() || !a.lastActivity.After(a.lastAutosave) {
		return false
	}
	a.lastAutosave = now
	s := a.snapshot(now, false)
	if err := a.history.write(a.writer, s); err != nil {
		slog.Error("failed to queue autosave", "session", s.Summary.StartTime, "error", err)
	}
	return true
}

// ClearAll archives the current session, if it has any combatant, and
// resets all statistics. Clear hooks run in either case.
func (a *Aggregator) ClearAll(now time.Time) {
	if len(a.users) > 0 && !a.startTime.IsZero() {
		s := a.snapshot(now, true)
		if err := a.history.write(a.writer, s); err != nil {
			slog.Error("failed to queue session archive", "session", s.Summary.StartTime, "error", err)
		}
		for _, fn := range a.onArchive {
			fn(s)
		}
	}
	if a.log != nil && !a.startTime.IsZero() {
		a.log.CloseSession(a.startTime.UnixMilli())
	}

	a.users = make(map[uint64]*UserRecord)
	a.startTime = time.Time{}
	a.lastActivity = time.Time{}
	a.lastAutosave = time.Time{}

	for _, fn := range a.onClear {
		fn()
	}
}

// ClearIdentity empties the identity cache and the live records. The
// dropped records are not archived; the next event starts a new session.
func (a *Aggregator) ClearIdentity() {
	a.identity.Clear()
	if a.log != nil && !a.startTime.IsZero() {
		a.log.CloseSession(a.startTime.UnixMilli())
	}
	a.users = make(map[uint64]*UserRecord)
	a.startTime = time.Time{}
	a.lastActivity = time.Time{}
	a.lastAutosave = time.Time{}
}

// Flush writes pending identity updates.
func (a *Aggregator) Flush() {
	a.identity.Flush()
}

func (a *Aggregator) snapshot(now time.Time, final bool) Session {
	start := a.startTime.UnixMilli()
	end := now.UnixMilli()
	s := Session{
		Summary: ArchiveSummary{
			StartTime: start,
			EndTime:   end,
			Duration:  end - start,
			UserCount: len(a.users),
			Version:   a.cfg.Version,
		},
		Users:   a.Summaries(),
		Details: make(map[string]Detail, len(a.users)),
	}
	if final && a.bosses != nil {
		s.Summary.MaxHpMonster = a.bosses.ArchiveBoss()
	}
	for uid, u := range a.users {
		s.Details[uidKey(uid)] = u.Detail()
	}
	return s
}

// Entity is one roster entry.
type Entity struct {
	UID  uint64 `json:"uid"`
	Name string `json:"name"`
}

// Roster lists known entities: buffEntities first, then named identities,
// then live combatants.
func (a *Aggregator) Roster(buffEntities []uint64) []Entity {
	seen := make(map[uint64]bool)
	out := make([]Entity, 0, len(buffEntities)+len(a.users))

	for _, uid := range buffEntities {
		if seen[uid] {
			continue
		}
		seen[uid] = true
		out = append(out, Entity{UID: uid, Name: a.displayName(uid)})
	}

	for _, uid := range a.identity.UIDs() {
		id, _ := a.identity.Get(uid)
		if seen[uid] || id.Name == "" || controlChars.MatchString(id.Name) {
			continue
		}
		seen[uid] = true
		out = append(out, Entity{UID: uid, Name: id.Name})
	}

	for _, uid := range sortedUIDs(a.users) {
		u := a.users[uid]
		if seen[uid] || u.Name == "" || controlChars.MatchString(u.Name) {
			continue
		}
		seen[uid] = true
		out = append(out, Entity{UID: uid, Name: u.Name})
	}
	return out
}

func (a *Aggregator) displayName(uid uint64) string {
	if u, ok := a.users[uid]; ok && u.Name != "" && !controlChars.MatchString(u.Name) {
		return u.Name
	}
	if id, ok := a.identity.Get(uid); ok && id.Name != "" && !controlChars.MatchString(id.Name) {
		return id.Name
	}
	return "角色" + uidKey(uid)
}
