package coerce

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/inf.v0"
)

const dateLayout = "2006-01-02"

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// scalarText returns the text of a JSON scalar. Strings are unquoted;
// numbers, booleans are returned verbatim.
func scalarText(raw json.RawMessage) (s string, quoted bool, err error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", false, errors.New("empty value")
	}
	switch raw[0] {
	case '"':
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false, err
		}
		return s, true, nil
	case '{', '[':
		return "", false, fmt.Errorf("expected scalar, got %c", raw[0])
	}
	return string(raw), false, nil
}

// decodeScalar turns a raw JSON value into the intermediate Go value for
// kind: int64, bool, string, float64, *inf.Dec, []byte or time.Time.
func decodeScalar(kind Kind, raw json.RawMessage) (any, error) {
	switch kind {
	case KindInt64:
		s, _, err := scalarText(raw)
		if err != nil {
			return nil, err
		}
		return strconv.ParseInt(strings.TrimSpace(s), 10, 64)

	case KindBool:
		s, _, err := scalarText(raw)
		if err != nil {
			return nil, err
		}
		switch strings.TrimSpace(s) {
		case "1":
			return true, nil
		case "0":
			return false, nil
		}
		return strconv.ParseBool(strings.TrimSpace(s))

	case KindString:
		raw = bytes.TrimSpace(raw)
		if len(raw) > 0 && (raw[0] == '{' || raw[0] == '[') {
			return compact(raw)
		}
		s, _, err := scalarText(raw)
		return s, err

	case KindFloat64, KindFloat32:
		s, _, err := scalarText(raw)
		if err != nil {
			return nil, err
		}
		return strconv.ParseFloat(strings.TrimSpace(s), 64)

	case KindNumeric:
		s, _, err := scalarText(raw)
		if err != nil {
			return nil, err
		}
		return parseDec(s)

	case KindBytes:
		return decodeBytes(raw)

	case KindDate:
		s, quoted, err := scalarText(raw)
		if err != nil {
			return nil, err
		}
		if !quoted {
			ms, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, err
			}
			return truncateDay(time.UnixMilli(ms).UTC()), nil
		}
		return parseDate(s)

	case KindTimestamp:
		s, _, err := scalarText(raw)
		if err != nil {
			return nil, err
		}
		return parseTimestamp(s)

	case KindJSON:
		raw = bytes.TrimSpace(raw)
		if len(raw) > 0 && raw[0] == '"' {
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, err
			}
			if !json.Valid([]byte(s)) {
				return nil, errors.New("string does not hold valid JSON")
			}
			return s, nil
		}
		return compact(raw)
	}
	return nil, ErrUnsupportedType
}

func compact(raw json.RawMessage) (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func parseDec(s string) (*inf.Dec, error) {
	s = strings.TrimSpace(s)
	d, ok := new(inf.Dec).SetString(s)
	if !ok {
		return nil, fmt.Errorf("invalid decimal %q", s)
	}
	return d, nil
}

// decodeBytes accepts base64 text or a JSON array of byte values.
func decodeBytes(raw json.RawMessage) ([]byte, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var ints []int
		if err := json.Unmarshal(raw, &ints); err != nil {
			return nil, err
		}
		out := make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("byte %d out of range", v)
			}
			out[i] = byte(v)
		}
		return out, nil
	}
	s, quoted, err := scalarText(raw)
	if err != nil {
		return nil, err
	}
	if !quoted {
		return nil, errors.New("bytes must be base64 text")
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	t, err := parseTimestamp(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	return truncateDay(t), nil
}

// parseTimestamp accepts RFC 3339 text, zone-less text (read as UTC) or
// epoch milliseconds.
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseOffset turns a source timezone offset such as "+05:30" into a fixed
// zone. Empty, "Z" and "UTC" mean UTC.
func ParseOffset(s string) (*time.Location, error) {
	s = strings.TrimSpace(s)
	switch strings.ToUpper(s) {
	case "", "Z", "UTC", "+00:00", "-00:00":
		return time.UTC, nil
	}
	t, err := time.Parse("-07:00", s)
	if err != nil {
		return nil, fmt.Errorf("coerce: invalid timezone offset %q", s)
	}
	_, off := t.Zone()
	return time.FixedZone(s, off), nil
}
