package dml

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"revrepl/internal/coerce"
	"revrepl/internal/dialect"
	"revrepl/internal/schema"
	"revrepl/pkg/records"
)

// Options configure a Generator.
type Options struct {
	// Literal inlines values instead of emitting placeholders.
	Literal bool
	// Timezone is the source zone used when a record carries no offset.
	Timezone *time.Location
}

// Generator is stateless after construction and safe for concurrent use.
type Generator struct {
	schema  *schema.Schema
	dialect dialect.Dialect
	coercer *coerce.Coercer
	opts    Options
	log     zerolog.Logger
}

func New(s *schema.Schema, c *coerce.Coercer, opts Options, log zerolog.Logger) *Generator {
	if opts.Timezone == nil {
		opts.Timezone = time.UTC
	}
	return &Generator{schema: s, dialect: c.Dialect(), coercer: c, opts: opts, log: log}
}

// slot is one resolved column value. A nil val with null set is an
// explicit NULL.
type slot struct {
	col  schema.Column
	val  any
	null bool
}

// Generate builds the statement for rec. Records that cannot be addressed
// return an empty Statement and a nil error; coercion failures return a
// *coerce.Error.
func (g *Generator) Generate(rec records.ChangeRecord) (Statement, error) {
	m, err := g.schema.ResolveTable(rec.TableName)
	if err != nil {
		reason := dropReason(err)
		g.warnDrop(rec, reason, err)
		return dropped(rec.ModType, rec.TableName, reason), nil
	}

	if rec.ModType != records.ModInsert && rec.ModType != records.ModUpdate && rec.ModType != records.ModDelete {
		g.warnDrop(rec, DropUnsupportedModType, fmt.Errorf("mod type %s", rec.ModType))
		return dropped(rec.ModType, m.SourceName, DropUnsupportedModType), nil
	}

	tz := g.opts.Timezone
	if rec.SourceTimezoneOffset != "" {
		if tz, err = coerce.ParseOffset(rec.SourceTimezoneOffset); err != nil {
			return Statement{}, &coerce.Error{
				Column: "sourceTimezoneOffset",
				Err:    fmt.Errorf("%w: %v", coerce.ErrMalformedValue, err),
			}
		}
	}

	keys := make([]slot, 0, len(m.Keys))
	for _, col := range m.Keys {
		v := rec.Lookup(col.CentralName)
		if v.State == records.Absent {
			g.warnDrop(rec, DropKeyValueMissing, fmt.Errorf("key column %s not in record", col.CentralName))
			return dropped(rec.ModType, m.SourceName, DropKeyValueMissing), nil
		}
		s, err := g.resolve(col, v, tz)
		if err != nil {
			return Statement{}, err
		}
		if s.null && g.dialect == dialect.Cassandra {
			return Statement{}, &coerce.Error{
				Column:      col.SourceName,
				CentralType: col.CentralType.Name,
				SourceType:  col.SourceType.Name,
				Err:         fmt.Errorf("%w: null primary key", coerce.ErrMalformedValue),
			}
		}
		keys = append(keys, s)
	}

	b := &builder{d: g.dialect, literal: g.opts.Literal}
	var st Statement
	if rec.ModType == records.ModDelete {
		st = b.delete(m.SourceName, keys, rec.CommitTimestamp)
	} else {
		cols := make([]slot, 0, len(m.Columns))
		for _, col := range m.Columns {
			if !col.Mapped {
				continue
			}
			v := rec.Lookup(col.CentralName)
			if v.State == records.Absent {
				continue
			}
			s, err := g.resolve(col, v, tz)
			if err != nil {
				return Statement{}, err
			}
			cols = append(cols, s)
		}
		st = b.upsert(m.SourceName, keys, cols, rec.CommitTimestamp)
	}
	if b.err != nil {
		return Statement{}, b.err
	}
	st.Op = rec.ModType
	return st, nil
}

func (g *Generator) resolve(col schema.Column, v records.Value, tz *time.Location) (slot, error) {
	if v.State == records.Null {
		return slot{col: col, null: true}, nil
	}
	val, err := g.coercer.Coerce(col, v, tz)
	if err != nil {
		return slot{}, err
	}
	return slot{col: col, val: val}, nil
}

func (g *Generator) warnDrop(rec records.ChangeRecord, reason DropReason, err error) {
	g.log.Warn().
		Str("class", "schema").
		Str("table", rec.TableName).
		Str("mod_type", rec.ModType.String()).
		Str("shard", rec.Shard).
		Str("reason", string(reason)).
		Err(err).
		Msg("dropping record")
}

func dropReason(err error) DropReason {
	switch {
	case errors.Is(err, schema.ErrSourceTableMissing):
		return DropSourceTableMissing
	case errors.Is(err, schema.ErrNoPrimaryKey):
		return DropNoPrimaryKey
	case errors.Is(err, schema.ErrKeyColumnUnmapped):
		return DropKeyColumnUnmapped
	default:
		return DropTableNotMapped
	}
}

// builder assembles statement text, collecting bound args or inlining
// literals.
type builder struct {
	d       dialect.Dialect
	literal bool
	args    []any
	err     error
}

func (b *builder) bind(v any) string {
	if b.literal {
		s, err := coerce.Literal(b.d, v)
		if err != nil && b.err == nil {
			b.err = err
		}
		return s
	}
	b.args = append(b.args, v)
	return b.d.Placeholder(len(b.args))
}

func (b *builder) statement(table, text string, cols []string) Statement {
	st := Statement{Kind: Parameterized, Table: table, Text: text, Args: b.args, Columns: cols}
	if b.literal {
		st.Kind = Literal
		st.Args = nil
	}
	return st
}

func (b *builder) ident(s string) string { return b.d.QuoteIdent(s) }

func names(slots ...[]slot) []string {
	var out []string
	for _, ss := range slots {
		for _, s := range ss {
			out = append(out, s.col.SourceName)
		}
	}
	return out
}

func (b *builder) delete(table string, keys []slot, commit time.Time) Statement {
	var sb strings.Builder
	sb.WriteString("DELETE FROM ")
	sb.WriteString(b.d.QuoteName(table))
	if b.d == dialect.Cassandra && !commit.IsZero() {
		sb.WriteString(" USING TIMESTAMP ")
		sb.WriteString(b.bind(commit.UnixMicro()))
	}
	sb.WriteString(" WHERE ")
	for i, k := range keys {
		if i > 0 {
			sb.WriteString(" AND ")
		}
		sb.WriteString(b.ident(k.col.SourceName))
		if k.null {
			sb.WriteString(" IS NULL")
			continue
		}
		sb.WriteString(" = ")
		sb.WriteString(b.bind(k.val))
	}
	return b.statement(table, sb.String(), names(keys))
}

func (b *builder) upsert(table string, keys, cols []slot, commit time.Time) Statement {
	all := append(append([]slot(nil), keys...), cols...)
	colNames := names(all)

	if b.d == dialect.SQLServer {
		return b.statement(table, b.merge(table, keys, cols, all), colNames)
	}

	quoted := make([]string, len(all))
	marks := make([]string, len(all))
	for i, s := range all {
		quoted[i] = b.ident(s.col.SourceName)
		marks[i] = b.bind(s.val)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES (%s)",
		b.d.QuoteName(table), strings.Join(quoted, ", "), strings.Join(marks, ", "))

	switch b.d {
	case dialect.Cassandra:
		if !commit.IsZero() {
			sb.WriteString(" USING TIMESTAMP ")
			sb.WriteString(b.bind(commit.UnixMicro()))
		}
	case dialect.MySQL:
		sb.WriteString(" ON DUPLICATE KEY UPDATE ")
		if len(cols) == 0 {
			k := b.ident(keys[0].col.SourceName)
			fmt.Fprintf(&sb, "%s = %s", k, k)
			break
		}
		for i, c := range cols {
			if i > 0 {
				sb.WriteString(", ")
			}
			q := b.ident(c.col.SourceName)
			fmt.Fprintf(&sb, "%s = VALUES(%s)", q, q)
		}
	default:
		// PostgreSQL and SQLite share ON CONFLICT.
		keyCols := make([]string, len(keys))
		for i, k := range keys {
			keyCols[i] = b.ident(k.col.SourceName)
		}
		fmt.Fprintf(&sb, " ON CONFLICT (%s) DO ", strings.Join(keyCols, ", "))
		if len(cols) == 0 {
			sb.WriteString("NOTHING")
			break
		}
		sb.WriteString("UPDATE SET ")
		for i, c := range cols {
			if i > 0 {
				sb.WriteString(", ")
			}
			q := b.ident(c.col.SourceName)
			fmt.Fprintf(&sb, "%s = excluded.%s", q, q)
		}
	}
	return b.statement(table, sb.String(), colNames)
}

// merge renders the SQL Server upsert.
func (b *builder) merge(table string, keys, cols, all []slot) string {
	quoted := make([]string, len(all))
	marks := make([]string, len(all))
	srcRefs := make([]string, len(all))
	for i, s := range all {
		quoted[i] = b.ident(s.col.SourceName)
		marks[i] = b.bind(s.val)
		srcRefs[i] = "src." + quoted[i]
	}
	on := make([]string, len(keys))
	for i, k := range keys {
		q := b.ident(k.col.SourceName)
		on[i] = fmt.Sprintf("tgt.%s = src.%s", q, q)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "MERGE INTO %s WITH (HOLDLOCK) AS tgt USING (VALUES (%s)) AS src (%s) ON %s",
		b.d.QuoteName(table), strings.Join(marks, ", "), strings.Join(quoted, ", "), strings.Join(on, " AND "))
	if len(cols) > 0 {
		set := make([]string, len(cols))
		for i, c := range cols {
			q := b.ident(c.col.SourceName)
			set[i] = fmt.Sprintf("tgt.%s = src.%s", q, q)
		}
		sb.WriteString(" WHEN MATCHED THEN UPDATE SET ")
		sb.WriteString(strings.Join(set, ", "))
	}
	fmt.Fprintf(&sb, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);",
		strings.Join(quoted, ", "), strings.Join(srcRefs, ", "))
	return sb.String()
}
