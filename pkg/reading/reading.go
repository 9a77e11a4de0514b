// Package reading defines the unit of telemetry exchanged between the probe
// runner and the uploader, and its wire format.
//
// On the wire a reading is a JSON array:
//
//	["pressure", 1000000, 101.3]
//
// The channel name comes first, then the Unix timestamp in seconds, then the
// sampled value.
package reading

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Timestamps must fit RFC3339, that is years 0000 through 9999.
var (
	minTimestamp = float64(time.Date(0, 1, 1, 0, 0, 0, 0, time.UTC).Unix())
	maxTimestamp = float64(time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC).Unix())
)

type Reading struct {
	Channel   string
	Timestamp int64
	Value     float64
}

// New builds a reading stamped with t truncated to whole seconds.
func New(channel string, t time.Time, value float64) Reading {
	return Reading{Channel: channel, Timestamp: t.UTC().Unix(), Value: value}
}

// Time returns the reading timestamp as a UTC time.
func (r Reading) Time() time.Time {
	return time.Unix(r.Timestamp, 0).UTC()
}

// DecodeError reports a payload that is not a valid reading.
type DecodeError struct {
	Body []byte
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode reading %q: %v", truncate(e.Body, 64), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (r Reading) MarshalJSON() ([]byte, error) {
	if r.Channel == "" {
		return nil, fmt.Errorf("reading: empty channel")
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return nil, fmt.Errorf("reading %s: value %v is not representable", r.Channel, r.Value)
	}
	return json.Marshal([]any{r.Channel, r.Timestamp, r.Value})
}

func (r *Reading) UnmarshalJSON(b []byte) error {
	var fields []json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	if len(fields) != 3 {
		return fmt.Errorf("want 3 fields, got %d", len(fields))
	}

	var channel string
	if err := json.Unmarshal(fields[0], &channel); err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	if strings.TrimSpace(channel) == "" {
		return fmt.Errorf("channel: empty")
	}

	ts, err := parseNumber(fields[1])
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if ts < minTimestamp || ts > maxTimestamp {
		return fmt.Errorf("timestamp: %v outside years 0000-9999", ts)
	}
	value, err := parseNumber(fields[2])
	if err != nil {
		return fmt.Errorf("value: %w", err)
	}

	r.Channel = channel
	r.Timestamp = int64(ts)
	r.Value = value
	return nil
}

// Encode serializes r into its wire form.
func Encode(r Reading) ([]byte, error) {
	return json.Marshal(r)
}

// Decode parses a wire payload. Any failure is returned as *DecodeError.
func Decode(body []byte) (Reading, error) {
	var r Reading
	if err := json.Unmarshal(body, &r); err != nil {
		return Reading{}, &DecodeError{Body: body, Err: err}
	}
	return r, nil
}

// parseNumber accepts a JSON number or a string holding one. Older collectors
// published the raw text of /proc/loadavg.
func parseNumber(raw json.RawMessage) (float64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		raw = []byte(strings.TrimSpace(s))
	}
	v, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %s", truncate(raw, 32))
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("not a finite number: %s", raw)
	}
	return v, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
