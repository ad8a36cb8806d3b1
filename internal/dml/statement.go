// Package dml turns change records into dialect-specific write statements
// addressed by primary key. INSERT and UPDATE both compile to an upsert;
// DELETE is addressed by the key alone.
package dml

import "revrepl/pkg/records"

// Kind tells how a Statement is executed.
type Kind uint8

const (
	// Empty marks a dropped record; nothing is executed.
	Empty Kind = iota
	// Parameterized statements carry placeholders bound from Args.
	Parameterized
	// Literal statements have every value inlined.
	Literal
)

func (k Kind) String() string {
	switch k {
	case Parameterized:
		return "parameterized"
	case Literal:
		return "literal"
	default:
		return "empty"
	}
}

// DropReason says why a record produced no statement.
type DropReason string

const (
	DropTableNotMapped     DropReason = "table_not_mapped"
	DropSourceTableMissing DropReason = "source_table_missing"
	DropNoPrimaryKey       DropReason = "no_primary_key"
	DropKeyColumnUnmapped  DropReason = "key_column_unmapped"
	DropKeyValueMissing    DropReason = "key_value_missing"
	DropUnsupportedModType DropReason = "unsupported_mod_type"
)

// Statement is a generated write. Parameterized statements hold exactly
// one Args entry per placeholder; a nil entry binds NULL.
type Statement struct {
	Kind  Kind
	Op    records.ModType
	Table string
	Text  string
	Args  []any
	// Columns are the source columns written or matched, keys first.
	Columns    []string
	DropReason DropReason
}

// Empty reports whether the record was dropped.
func (s Statement) Empty() bool { return s.Kind == Empty }

func dropped(op records.ModType, table string, reason DropReason) Statement {
	return Statement{Kind: Empty, Op: op, Table: table, DropReason: reason}
}
