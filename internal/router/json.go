package router

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/dmgmeter/internal/core"
)

// jsonOptions configures the json decoder.
type jsonOptions struct {
	// Strict rejects event fields that do not map onto CombatEvent.
	Strict bool `mapstructure:"strict"`
}

// jsonDecoder reads frames whose body is a JSON object or array of objects,
// each with a "kind" naming the event kind. It is used to replay recorded
// event streams and in tests.
type jsonDecoder struct {
	opts jsonOptions
}

func (d *jsonDecoder) Name() string { return "json" }

func (d *jsonDecoder) Init(options map[string]any) error {
	if err := mapstructure.Decode(options, &d.opts); err != nil {
		return fmt.Errorf("json decoder options: %w", err)
	}
	return nil
}

func (d *jsonDecoder) Decode(frame []byte) ([]core.CombatEvent, error) {
	if len(frame) < 4 {
		return nil, core.ErrPacketTooShort
	}
	body := frame[4:]

	// Numbers stay json.Number so 64-bit ids survive decoding.
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var raw []map[string]any
	if len(body) > 0 && body[0] == '[' {
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("json frame: %w", err)
		}
	} else {
		var one map[string]any
		if err := dec.Decode(&one); err != nil {
			return nil, fmt.Errorf("json frame: %w", err)
		}
		raw = append(raw, one)
	}

	events := make([]core.CombatEvent, 0, len(raw))
	for _, m := range raw {
		ev, err := d.event(m)
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (d *jsonDecoder) event(m map[string]any) (core.CombatEvent, error) {
	kindName, _ := m["kind"].(string)
	kind, err := core.ParseEventKind(kindName)
	if err != nil {
		return core.CombatEvent{}, err
	}
	delete(m, "kind")

	ev := core.CombatEvent{Kind: kind}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &ev,
		WeaklyTypedInput: true,
		ErrorUnused:      d.opts.Strict,
	})
	if err != nil {
		return core.CombatEvent{}, err
	}
	if err := dec.Decode(m); err != nil {
		return core.CombatEvent{}, fmt.Errorf("json event %s: %w", kind, err)
	}
	return ev, nil
}
