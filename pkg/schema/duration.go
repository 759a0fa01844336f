package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration that decodes from a Go duration string ("250ms",
// "1h30m") or a number of milliseconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// ParseDuration converts a decoded JSON value into a duration. Strings use
// time.ParseDuration syntax; numbers are milliseconds.
func ParseDuration(v any) (time.Duration, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case string:
		if t == "" {
			return 0, nil
		}
		d, err := time.ParseDuration(t)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", t, err)
		}
		if d < 0 {
			return 0, fmt.Errorf("negative duration %q", t)
		}
		return d, nil
	case float64:
		if t < 0 {
			return 0, fmt.Errorf("negative duration %v", t)
		}
		return time.Duration(t * float64(time.Millisecond)), nil
	case int:
		if t < 0 {
			return 0, fmt.Errorf("negative duration %d", t)
		}
		return time.Duration(t) * time.Millisecond, nil
	case int64:
		if t < 0 {
			return 0, fmt.Errorf("negative duration %d", t)
		}
		return time.Duration(t) * time.Millisecond, nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", t.String(), err)
		}
		return ParseDuration(f)
	default:
		return 0, fmt.Errorf("invalid duration type %T", v)
	}
}
