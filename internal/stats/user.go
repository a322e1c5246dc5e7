package stats

import (
	"sort"
	"strconv"
	"time"
)

const defaultProfession = "unknown"

// Summary is the per-combatant view pushed to viewers and archived in
// allUserData.json.
type Summary struct {
	RealtimeDPS    int64     `json:"realtime_dps"`
	RealtimeDPSMax int64     `json:"realtime_dps_max"`
	TotalDPS       float64   `json:"total_dps"`
	TotalDamage    Breakdown `json:"total_damage"`
	TotalCount     Counts    `json:"total_count"`
	RealtimeHPS    int64     `json:"realtime_hps"`
	RealtimeHPSMax int64     `json:"realtime_hps_max"`
	TotalHPS       float64   `json:"total_hps"`
	TotalHealing   Breakdown `json:"total_healing"`
	TakenDamage    int64     `json:"taken_damage"`
	Profession     string    `json:"profession"`
	Name           string    `json:"name"`
	FightPoint     int64     `json:"fightPoint"`
	HP             *int64    `json:"hp,omitempty"`
	MaxHP          *int64    `json:"max_hp,omitempty"`
	DeadCount      int64     `json:"dead_count"`
}

// SkillSummary is one entry of a combatant's skill breakdown.
type SkillSummary struct {
	DisplayName     string    `json:"displayName"`
	Type            string    `json:"type"`
	Element         string    `json:"elementype"`
	TotalDamage     int64     `json:"totalDamage"`
	TotalCount      int64     `json:"totalCount"`
	CritCount       int64     `json:"critCount"`
	LuckyCount      int64     `json:"luckyCount"`
	CritRate        float64   `json:"critRate"`
	LuckyRate       float64   `json:"luckyRate"`
	DamageBreakdown Breakdown `json:"damageBreakdown"`
	CountBreakdown  Counts    `json:"countBreakdown"`
}

// Detail is the per-combatant record written to users/<uid>.json and
// served by the skill endpoint.
type Detail struct {
	UID        uint64                  `json:"uid"`
	Name       string                  `json:"name"`
	Profession string                  `json:"profession"`
	Skills     map[string]SkillSummary `json:"skills"`
	Attr       map[string]int64        `json:"attr"`
}

// UserRecord holds one combatant's running statistics.
type UserRecord struct {
	UID           uint64
	Name          string
	Profession    string
	SubProfession string
	FightPoint    int64
	TakenDamage   int64
	DeadCount     int64

	hp, maxHP       int64
	hasHP, hasMaxHP bool

	damage  *Statistic
	healing *Statistic
	skills  map[string]*Statistic
	attr    map[string]int64
}

// NewUserRecord creates an empty record for uid.
func NewUserRecord(uid uint64) *UserRecord {
	return &UserRecord{
		UID:        uid,
		Profession: defaultProfession,
		damage:     NewStatistic("damage", "", "", true),
		healing:    NewStatistic("healing", "", "", true),
		skills:     make(map[string]*Statistic),
		attr:       make(map[string]int64),
	}
}

func (u *UserRecord) skill(typ, name, element string) *Statistic {
	key := typ + "-" + name
	s, ok := u.skills[key]
	if !ok {
		s = NewStatistic(typ, element, name, false)
		u.skills[key] = s
	}
	return s
}

// AddDamage records an outgoing hit. The combatant total is classified by
// lucky; the skill entry by causeLucky.
func (u *UserRecord) AddDamage(skillName, element string, value int64, crit, lucky, causeLucky bool, hpLessen int64, now time.Time) {
	u.damage.Add(value, crit, lucky, hpLessen, now)
	u.skill("damage", skillName, element).Add(value, crit, causeLucky, hpLessen, now)
}

// AddHealing records an outgoing heal.
func (u *UserRecord) AddHealing(skillName, element string, value int64, crit, lucky, causeLucky bool, now time.Time) {
	u.healing.Add(value, crit, lucky, 0, now)
	u.skill("healing", skillName, element).Add(value, crit, causeLucky, 0, now)
}

// AddTakenDamage records an incoming hit.
func (u *UserRecord) AddTakenDamage(value int64, dead bool) {
	u.TakenDamage += value
	if dead {
		u.DeadCount++
	}
}

// SetProfession updates the profession. A change clears the
// sub-profession.
func (u *UserRecord) SetProfession(p string) {
	if p == "" || p == u.Profession {
		return
	}
	u.Profession = p
	u.SubProfession = ""
}

// SetHP and SetMaxHP update the health attributes.
func (u *UserRecord) SetHP(hp int64) {
	u.hp, u.hasHP = hp, true
}

func (u *UserRecord) SetMaxHP(hp int64) {
	u.maxHP, u.hasMaxHP = hp, true
}

// SetAttr stores a generic attribute.
func (u *UserRecord) SetAttr(key string, value int64) {
	u.attr[key] = value
}

// DisplayProfession joins profession and sub-profession.
func (u *UserRecord) DisplayProfession() string {
	if u.SubProfession == "" {
		return u.Profession
	}
	return u.Profession + "-" + u.SubProfession
}

// UpdateRealtime recomputes both realtime windows.
func (u *UserRecord) UpdateRealtime(now time.Time) {
	u.damage.UpdateRealtime(now)
	u.healing.UpdateRealtime(now)
}

// Summary renders the viewer summary.
func (u *UserRecord) Summary() Summary {
	s := Summary{
		RealtimeDPS:    u.damage.Realtime(),
		RealtimeDPSMax: u.damage.RealtimeMax(),
		TotalDPS:       u.damage.PerSecond(),
		TotalDamage:    u.damage.Stats,
		TotalCount:     u.damage.Count.add(u.healing.Count),
		RealtimeHPS:    u.healing.Realtime(),
		RealtimeHPSMax: u.healing.RealtimeMax(),
		TotalHPS:       u.healing.PerSecond(),
		TotalHealing:   u.healing.Stats,
		TakenDamage:    u.TakenDamage,
		Profession:     u.DisplayProfession(),
		Name:           u.Name,
		FightPoint:     u.FightPoint,
		DeadCount:      u.DeadCount,
	}
	if u.hasHP {
		hp := u.hp
		s.HP = &hp
	}
	if u.hasMaxHP {
		hp := u.maxHP
		s.MaxHP = &hp
	}
	return s
}

// Detail renders the per-skill breakdown.
func (u *UserRecord) Detail() Detail {
	d := Detail{
		UID:        u.UID,
		Name:       u.Name,
		Profession: u.DisplayProfession(),
		Skills:     make(map[string]SkillSummary, len(u.skills)),
		Attr:       make(map[string]int64, len(u.attr)),
	}
	for key, s := range u.skills {
		d.Skills[key] = skillSummary(s)
	}
	for k, v := range u.attr {
		d.Attr[k] = v
	}
	return d
}

func skillSummary(s *Statistic) SkillSummary {
	crit := s.Count.Critical + s.Count.CritLucky
	lucky := s.Count.Lucky + s.Count.CritLucky
	out := SkillSummary{
		DisplayName:     s.Name,
		Type:            s.Type,
		Element:         s.Element,
		TotalDamage:     s.Stats.Total,
		TotalCount:      s.Count.Total,
		CritCount:       crit,
		LuckyCount:      lucky,
		DamageBreakdown: s.Stats,
		CountBreakdown:  s.Count,
	}
	if s.Count.Total > 0 {
		out.CritRate = float64(crit) / float64(s.Count.Total)
		out.LuckyRate = float64(lucky) / float64(s.Count.Total)
	}
	return out
}

func uidKey(uid uint64) string {
	return strconv.FormatUint(uid, 10)
}

func sortedUIDs(users map[uint64]*UserRecord) []uint64 {
	out := make([]uint64, 0, len(users))
	for uid := range users {
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
