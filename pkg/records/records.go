// Package records defines the change record emitted by the central
// database's change stream and the tri-state column lookup used when
// translating it into source-database writes.
package records

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// ErrUnknownModType is returned when a record carries a mod type outside
// INSERT, UPDATE and DELETE.
var ErrUnknownModType = errors.New("records: unknown mod type")

// ModType is the change kind of a record.
type ModType uint8

const (
	ModUnknown ModType = iota
	ModInsert
	ModUpdate
	ModDelete
)

func (m ModType) String() string {
	switch m {
	case ModInsert:
		return "INSERT"
	case ModUpdate:
		return "UPDATE"
	case ModDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// ParseModType maps the wire spelling of a mod type. Matching is
// case-insensitive; anything else is ErrUnknownModType.
func ParseModType(s string) (ModType, error) {
	switch cases.Fold().String(strings.TrimSpace(s)) {
	case "insert":
		return ModInsert, nil
	case "update":
		return ModUpdate, nil
	case "delete":
		return ModDelete, nil
	}
	return ModUnknown, fmt.Errorf("%w: %q", ErrUnknownModType, s)
}

// State distinguishes an absent column from an explicit JSON null.
type State uint8

const (
	Absent State = iota
	Null
	Present
)

func (s State) String() string {
	switch s {
	case Null:
		return "null"
	case Present:
		return "present"
	default:
		return "absent"
	}
}

// Value is one column value as found in a record. Raw is set only when
// State is Present.
type Value struct {
	State State
	Raw   json.RawMessage
}

// PresentValue wraps a raw JSON value. A literal JSON null becomes a Null
// value.
func PresentValue(raw json.RawMessage) Value {
	if isJSONNull(raw) {
		return Value{State: Null}
	}
	return Value{State: Present, Raw: raw}
}

// NullValue is the explicit-NULL marker.
func NullValue() Value { return Value{State: Null} }

// ChangeRecord is a single change to a central-database row.
type ChangeRecord struct {
	ModType   ModType
	TableName string
	// KeyValues holds the primary-key identity of the row before the change.
	KeyValues map[string]json.RawMessage
	// NewValues holds the non-key column values after the change.
	NewValues            map[string]json.RawMessage
	CommitTimestamp      time.Time
	SourceTimezoneOffset string
	// Shard is the logical shard the record is routed to.
	Shard string
}

// Lookup resolves a central column name, preferring KeyValues and falling
// back to NewValues.
func (r ChangeRecord) Lookup(column string) Value {
	if raw, ok := r.KeyValues[column]; ok {
		return PresentValue(raw)
	}
	if raw, ok := r.NewValues[column]; ok {
		return PresentValue(raw)
	}
	return Value{State: Absent}
}

type wireRecord struct {
	ModType              string          `json:"modType"`
	TableName            string          `json:"tableName"`
	Table                string          `json:"table"`
	KeyValues            json.RawMessage `json:"keyValues"`
	NewValues            json.RawMessage `json:"newValues"`
	CommitTimestamp      string          `json:"commitTimestamp"`
	SourceTimezoneOffset string          `json:"sourceTimezoneOffset"`
	Shard                string          `json:"shard"`
}

// UnmarshalJSON decodes the wire form. keyValues and newValues may be JSON
// objects or strings holding a JSON object.
func (r *ChangeRecord) UnmarshalJSON(b []byte) error {
	var w wireRecord
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	mt, err := ParseModType(w.ModType)
	if err != nil {
		return err
	}
	table := w.TableName
	if table == "" {
		table = w.Table
	}
	if table == "" {
		return errors.New("records: tableName is required")
	}
	keys, err := decodeObject(w.KeyValues)
	if err != nil {
		return fmt.Errorf("records: keyValues: %w", err)
	}
	vals, err := decodeObject(w.NewValues)
	if err != nil {
		return fmt.Errorf("records: newValues: %w", err)
	}
	var ts time.Time
	if w.CommitTimestamp != "" {
		ts, err = time.Parse(time.RFC3339Nano, w.CommitTimestamp)
		if err != nil {
			return fmt.Errorf("records: commitTimestamp: %w", err)
		}
	}

	*r = ChangeRecord{
		ModType:              mt,
		TableName:            table,
		KeyValues:            keys,
		NewValues:            vals,
		CommitTimestamp:      ts,
		SourceTimezoneOffset: w.SourceTimezoneOffset,
		Shard:                w.Shard,
	}
	return nil
}

func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || isJSONNull(raw) {
		return map[string]json.RawMessage{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		if strings.TrimSpace(s) == "" {
			return map[string]json.RawMessage{}, nil
		}
		raw = json.RawMessage(s)
	}
	out := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func isJSONNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
