package core

import "fmt"

// EventKind tags a CombatEvent.
type EventKind uint8

const (
	EventUnknown EventKind = iota
	EventDamage
	EventHeal
	EventTakenDamage
	EventBuffApply
	EventBuffRemove

	// Identity and bookkeeping events reported by the decoder alongside
	// the combat stream.
	EventName
	EventProfession
	EventFightPoint
	EventAttr
	EventEnemyInfo
	EventEnemyRemove
	EventBuffState
	EventLog
)

var eventKindNames = map[EventKind]string{
	EventUnknown:     "unknown",
	EventDamage:      "damage",
	EventHeal:        "heal",
	EventTakenDamage: "taken_damage",
	EventBuffApply:   "buff_apply",
	EventBuffRemove:  "buff_remove",
	EventName:        "name",
	EventProfession:  "profession",
	EventFightPoint:  "fight_point",
	EventAttr:        "attr",
	EventEnemyInfo:   "enemy_info",
	EventEnemyRemove: "enemy_remove",
	EventBuffState:   "buff_state",
	EventLog:         "log",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseEventKind maps a kind name back to its value.
func ParseEventKind(s string) (EventKind, error) {
	for k, name := range eventKindNames {
		if name == s {
			return k, nil
		}
	}
	return EventUnknown, fmt.Errorf("unknown event kind %q: %w", s, ErrUnsupportedProto)
}

// Attribute keys carried by EventAttr.
const (
	AttrHP    = "hp"
	AttrMaxHP = "max_hp"
)

// CombatEvent is one decoded gameplay occurrence. Which fields are
// meaningful depends on Kind.
type CombatEvent struct {
	Kind     EventKind `mapstructure:"-"`
	ActorID  uint64    `mapstructure:"actor"`
	TargetID uint64    `mapstructure:"target"`

	// Damage, heal and buff events.
	SkillID    uint64 `mapstructure:"skill"`
	Element    string `mapstructure:"element"`
	Value      int64  `mapstructure:"value"`
	HpLessen   int64  `mapstructure:"hp_lessen"`
	Crit       bool   `mapstructure:"crit"`
	Lucky      bool   `mapstructure:"lucky"`
	CauseLucky bool   `mapstructure:"cause_lucky"`
	Dead       bool   `mapstructure:"dead"`

	// Buff slot bookkeeping. Stack of 0 means the decoder did not report one.
	Slot       uint32 `mapstructure:"slot"`
	DurationMs int64  `mapstructure:"duration_ms"`
	Stack      int    `mapstructure:"stack"`

	// Identity, attribute and enemy fields.
	Name       string `mapstructure:"name"`
	Profession string `mapstructure:"profession"`
	FightPoint int64  `mapstructure:"fight_point"`
	AttrKey    string `mapstructure:"attr"`
	AttrValue  int64  `mapstructure:"attr_value"`
	HP         int64  `mapstructure:"hp"`
	MaxHP      int64  `mapstructure:"max_hp"`

	// Free-form combat log line.
	Line string `mapstructure:"line"`
}
