package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// timestampLayouts are the accepted string forms, tried in order.
// Layouts without an explicit zone are read as UTC.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	time.DateOnly,
}

// Timestamp carries a caller-supplied event time. Callers may supply
// epoch milliseconds or one of the accepted string layouts; both
// normalize to milliseconds. The zero value is unset.
type Timestamp struct {
	ms  int64
	set bool
}

// TimestampMillis builds a Timestamp from epoch milliseconds.
func TimestampMillis(ms int64) Timestamp {
	return Timestamp{ms: ms, set: true}
}

// TimestampTime builds a Timestamp from a time.Time.
func TimestampTime(t time.Time) Timestamp {
	return Timestamp{ms: t.UnixMilli(), set: true}
}

// ParseTimestamp reads a timestamp from its string form: epoch
// milliseconds, RFC 3339, "2006-01-02 15:04:05", or a bare date
// (midnight UTC).
func ParseTimestamp(s string) (Timestamp, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Timestamp{}, fmt.Errorf("empty timestamp")
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return TimestampMillis(ms), nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return TimestampTime(t), nil
		}
	}
	return Timestamp{}, fmt.Errorf("unrecognized timestamp %q (want epoch milliseconds, RFC 3339, \"2006-01-02 15:04:05\", or \"2006-01-02\")", s)
}

// Millis returns the timestamp as epoch milliseconds.
func (t Timestamp) Millis() int64 {
	return t.ms
}

// IsSet reports whether the timestamp was supplied.
func (t Timestamp) IsSet() bool {
	return t.set
}

// MarshalJSON implements json.Marshaler, emitting epoch milliseconds.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.ms)
}

// UnmarshalJSON implements json.Unmarshaler, accepting a JSON number
// (epoch milliseconds) or any accepted string layout.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*t = TimestampMillis(int64(v))
		return nil
	case string:
		parsed, err := ParseTimestamp(v)
		if err != nil {
			return err
		}
		*t = parsed
		return nil
	default:
		return fmt.Errorf("timestamp must be a number or string, got %T", raw)
	}
}

// UnmarshalYAML implements yaml.Unmarshaler with the same flexibility
// as UnmarshalJSON, so import batch files can use either form.
func (t *Timestamp) UnmarshalYAML(node *yaml.Node) error {
	var ms int64
	if err := node.Decode(&ms); err == nil {
		*t = TimestampMillis(ms)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("timestamp must be a number or string")
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// dateFromMillis derives the UTC calendar day for a timestamp. The
// date column always comes through here so it can never drift from
// the timestamp it was derived from.
func dateFromMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.DateOnly)
}

// validDate reports whether s is a well-formed YYYY-MM-DD date.
func validDate(s string) bool {
	_, err := time.Parse(time.DateOnly, s)
	return err == nil
}
