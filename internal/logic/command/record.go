// Package command turns operator commands into actuator calls.
//
// A command is a JSON object such as
//
//	{"rotation": -5, "height": 80, "height_mode": 1, "speed": 60}
//
// where every field is optional. Absent fields leave the matching axis
// alone.
package command

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/cjeanneret/TurretGo/internal/debug"
)

// Height modes.
const (
	ModeAbsolute = 1
	ModeRelative = 2
)

// ErrNotObject is returned by Decode when the payload is not a JSON object.
var ErrNotObject = errors.New("command: payload is not a JSON object")

// Record is a decoded command. A nil field was absent (or malformed) and
// means "no change requested".
type Record struct {
	Rotation   *int `json:"rotation,omitempty"`    // azimuth relative move, steps
	Height     *int `json:"height,omitempty"`      // tilt target or delta, percent
	HeightMode *int `json:"height_mode,omitempty"` // 1 = absolute (default), 2 = relative
	Speed      *int `json:"speed,omitempty"`       // stepper speed, percent
}

// Int returns a pointer to v, for building records in code.
func Int(v int) *int { return &v }

// Decode parses a JSON command. Each field is checked on its own: a field
// that is not a number is skipped and logged, the others still apply.
// Numbers are truncated toward zero. Keys match without regard to case,
// and when a key repeats the first occurrence wins.
func Decode(data []byte) (Record, error) {
	raw, err := topLevelFields(data)
	if err != nil {
		return Record{}, err
	}

	var rec Record
	rec.Rotation = numberField(raw, "rotation")
	rec.Height = numberField(raw, "height")
	rec.HeightMode = numberField(raw, "height_mode")
	rec.Speed = numberField(raw, "speed")
	return rec, nil
}

// topLevelFields reads the members of a single JSON object, keyed by their
// lower-cased name, keeping the first value of a repeated key.
func topLevelFields(data []byte) (map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, ErrNotObject
	}

	raw := make(map[string]json.RawMessage)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotObject, err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, ErrNotObject
		}
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotObject, err)
		}
		key = strings.ToLower(key)
		if _, seen := raw[key]; seen {
			debug.Verbose("Command: ignoring repeated field %q", key)
			continue
		}
		raw[key] = v
	}
	if _, err := dec.Token(); err != nil { // closing brace
		return nil, fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after object", ErrNotObject)
	}
	return raw, nil
}

func numberField(raw map[string]json.RawMessage, key string) *int {
	msg, ok := raw[key]
	if !ok {
		return nil
	}
	var f float64
	if string(msg) == "null" {
		debug.Verbose("Command: skipping null field %q", key)
		return nil
	}
	if err := json.Unmarshal(msg, &f); err != nil {
		debug.Verbose("Command: skipping malformed field %q: %s", key, msg)
		return nil
	}
	if math.IsNaN(f) || f > math.MaxInt32 || f < math.MinInt32 {
		debug.Verbose("Command: skipping out-of-range field %q: %s", key, msg)
		return nil
	}
	v := int(f)
	return &v
}

func (r Record) String() string {
	return fmt.Sprintf("rotation=%s height=%s height_mode=%s speed=%s",
		fmtField(r.Rotation), fmtField(r.Height), fmtField(r.HeightMode), fmtField(r.Speed))
}

func fmtField(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprint(*v)
}
