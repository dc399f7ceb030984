package federation

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// fields is a decoded JSON object used for loosely typed telemetry.
type fields map[string]json.RawMessage

func parseFields(raw json.RawMessage) (fields, error) {
	var f fields
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	return f, nil
}

// number returns the first of keys holding a finite number or a string that
// parses as one. Anything else, including "n/a", NaN and Inf, is nil.
func (f fields) number(keys ...string) *float64 {
	for _, k := range keys {
		raw, ok := f[k]
		if !ok {
			continue
		}
		if v, ok := coerceNumber(raw); ok {
			return &v
		}
		return nil
	}
	return nil
}

// str returns the first of keys holding a non-empty string. Numbers are
// formatted so numeric ids survive.
func (f fields) str(keys ...string) string {
	for _, k := range keys {
		raw, ok := f[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
			continue
		}
		var n json.Number
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&n); err == nil {
			return n.String()
		}
	}
	return ""
}

// timestamp reads an RFC 3339 string or unix milliseconds.
func (f fields) timestamp(keys ...string) (time.Time, bool) {
	for _, k := range keys {
		raw, ok := f[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				return t, true
			}
		}
		if v, ok := coerceNumber(raw); ok && v > 0 {
			return time.UnixMilli(int64(v)), true
		}
	}
	return time.Time{}, false
}

func coerceNumber(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, false
	}

	var v float64
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, false
		}
		v = parsed
	} else if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}

	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
