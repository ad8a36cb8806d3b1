// Package schema holds the correspondence between central-database tables
// and the source-database tables they replicate back to.
//
// The mapping document is the migration session file: central and source
// tables share a table ID and their columns share column IDs, so names may
// diverge on either side without breaking the join.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

var (
	// ErrNotFound is returned by name lookups that have no match.
	ErrNotFound = errors.New("schema: not found")
	// ErrTableNotMapped means the central table is not part of the mapping.
	ErrTableNotMapped = errors.New("schema: table not mapped")
	// ErrSourceTableMissing means the mapping has no source side for the table.
	ErrSourceTableMissing = errors.New("schema: source table missing")
	// ErrNoPrimaryKey means the source table declares no primary key.
	ErrNoPrimaryKey = errors.New("schema: source table has no primary key")
	// ErrKeyColumnUnmapped means a source primary-key column has no central
	// counterpart.
	ErrKeyColumnUnmapped = errors.New("schema: primary key column not mapped")
)

// Side selects the central or source half of the mapping.
type Side uint8

const (
	Central Side = iota
	Source
)

// Schema is the decoded session document.
type Schema struct {
	SpSchema    map[string]CentralTable `json:"SpSchema"`
	SrcSchema   map[string]SourceTable  `json:"SrcSchema"`
	SpannerToID map[string]NameAndCols  `json:"SpannerToID"`
	SrcToID     map[string]NameAndCols  `json:"SrcToID"`

	tables map[string]resolved
}

// NameAndCols maps a table name to its ID and column names to column IDs.
type NameAndCols struct {
	Name string            `json:"Name"`
	Cols map[string]string `json:"Cols"`
}

// CentralTable is a table in the central database.
type CentralTable struct {
	Name        string                   `json:"Name"`
	ColIds      []string                 `json:"ColIds"`
	ColDefs     map[string]CentralColumn `json:"ColDefs"`
	PrimaryKeys []IndexKey               `json:"PrimaryKeys"`
	ParentTable ParentTable              `json:"ParentTable"`
}

// ParentTable marks an interleaved child table.
type ParentTable struct {
	Id       string `json:"Id"`
	OnDelete string `json:"OnDelete"`
}

type CentralColumn struct {
	Name    string      `json:"Name"`
	T       CentralType `json:"T"`
	NotNull bool        `json:"NotNull"`
}

// CentralType is a declared central column type, e.g. {Name: "INT64"} or
// {Name: "STRING", IsArray: true}.
type CentralType struct {
	Name    string `json:"Name"`
	Len     int64  `json:"Len"`
	IsArray bool   `json:"IsArray"`
}

// SourceTable is a table in a source database. PrimaryKeys order defines
// composite-key position.
type SourceTable struct {
	Name        string                  `json:"Name"`
	Schema      string                  `json:"Schema"`
	ColIds      []string                `json:"ColIds"`
	ColDefs     map[string]SourceColumn `json:"ColDefs"`
	PrimaryKeys []IndexKey              `json:"PrimaryKeys"`
}

type SourceColumn struct {
	Name string     `json:"Name"`
	Type SourceType `json:"Type"`
}

// SourceType is a declared source column type such as {Name: "varchar",
// Mods: [255]} or {Name: "set<text>"}.
type SourceType struct {
	Name        string  `json:"Name"`
	Mods        []int64 `json:"Mods"`
	ArrayBounds []int64 `json:"ArrayBounds"`
}

// IsArray reports whether the source column is declared as an array.
func (t SourceType) IsArray() bool { return len(t.ArrayBounds) > 0 }

type IndexKey struct {
	ColId string `json:"ColId"`
	Desc  bool   `json:"Desc"`
	Order int    `json:"Order"`
}

// Column is one source column joined with its central counterpart.
type Column struct {
	ID          string
	SourceName  string
	SourceType  SourceType
	CentralName string
	CentralType CentralType
	// Mapped is false when the source column has no central counterpart.
	Mapped bool
}

// Mapping is the resolved correspondence for one central table.
type Mapping struct {
	TableID     string
	CentralName string
	SourceName  string
	// Keys are the source primary-key columns in composite-key order.
	Keys []Column
	// Columns are the non-key source columns in declaration order.
	Columns []Column
}

type resolved struct {
	m   *Mapping
	err error
}

// Load decodes a session document and precomputes every table mapping.
// SpannerToID is derived from SpSchema when the document omits it.
func Load(r io.Reader) (*Schema, error) {
	var s Schema
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("schema: decode: %w", err)
	}
	if len(s.SpSchema) == 0 {
		return nil, errors.New("schema: SpSchema is empty")
	}
	if len(s.SpannerToID) == 0 {
		s.SpannerToID = deriveToID(s.SpSchema)
	}
	s.index()
	return &s, nil
}

func deriveToID(tables map[string]CentralTable) map[string]NameAndCols {
	out := make(map[string]NameAndCols, len(tables))
	for id, t := range tables {
		cols := make(map[string]string, len(t.ColDefs))
		for colID, c := range t.ColDefs {
			cols[c.Name] = colID
		}
		out[t.Name] = NameAndCols{Name: id, Cols: cols}
	}
	return out
}

func (s *Schema) index() {
	s.tables = make(map[string]resolved, len(s.SpannerToID))
	for name, ids := range s.SpannerToID {
		m, err := s.build(name, ids.Name)
		s.tables[name] = resolved{m: m, err: err}
	}
}

func (s *Schema) build(centralName, tableID string) (*Mapping, error) {
	ct, ok := s.SpSchema[tableID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotMapped, centralName)
	}
	st, ok := s.SrcSchema[tableID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSourceTableMissing, centralName)
	}
	if len(st.PrimaryKeys) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPrimaryKey, st.Name)
	}

	join := func(colID string) Column {
		sc := st.ColDefs[colID]
		col := Column{ID: colID, SourceName: sc.Name, SourceType: sc.Type}
		if cc, ok := ct.ColDefs[colID]; ok {
			col.CentralName = cc.Name
			col.CentralType = cc.T
			col.Mapped = true
		}
		return col
	}

	pks := append([]IndexKey(nil), st.PrimaryKeys...)
	sort.SliceStable(pks, func(i, j int) bool { return pks[i].Order < pks[j].Order })

	m := &Mapping{TableID: tableID, CentralName: ct.Name, SourceName: st.Name}
	keySet := mapset.NewThreadUnsafeSet[string]()
	for _, pk := range pks {
		if _, ok := st.ColDefs[pk.ColId]; !ok {
			return nil, fmt.Errorf("%w: %s.%s has no source definition", ErrKeyColumnUnmapped, st.Name, pk.ColId)
		}
		col := join(pk.ColId)
		if !col.Mapped {
			return nil, fmt.Errorf("%w: %s.%s", ErrKeyColumnUnmapped, st.Name, col.SourceName)
		}
		keySet.Add(pk.ColId)
		m.Keys = append(m.Keys, col)
	}

	for _, colID := range sourceColumnOrder(st) {
		if keySet.Contains(colID) {
			continue
		}
		m.Columns = append(m.Columns, join(colID))
	}
	return m, nil
}

// sourceColumnOrder returns ColIds when present, else the ColDefs keys
// sorted so output is deterministic.
func sourceColumnOrder(st SourceTable) []string {
	if len(st.ColIds) > 0 {
		out := make([]string, 0, len(st.ColIds))
		for _, id := range st.ColIds {
			if _, ok := st.ColDefs[id]; ok {
				out = append(out, id)
			}
		}
		return out
	}
	out := make([]string, 0, len(st.ColDefs))
	for id := range st.ColDefs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ResolveTable returns the precomputed mapping for a central table name.
// The error wraps ErrTableNotMapped, ErrSourceTableMissing, ErrNoPrimaryKey
// or ErrKeyColumnUnmapped.
func (s *Schema) ResolveTable(centralName string) (*Mapping, error) {
	r, ok := s.tables[centralName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotMapped, centralName)
	}
	return r.m, r.err
}

// ResolveSourceTable returns the source table a central table replicates to.
func (s *Schema) ResolveSourceTable(centralName string) (*SourceTable, error) {
	ids, ok := s.SpannerToID[centralName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotMapped, centralName)
	}
	st, ok := s.SrcSchema[ids.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSourceTableMissing, centralName)
	}
	return &st, nil
}

// ResolveColumnName returns the name a column ID has on the given side.
func (s *Schema) ResolveColumnName(tableID, colID string, side Side) (string, error) {
	switch side {
	case Central:
		if c, ok := s.SpSchema[tableID].ColDefs[colID]; ok {
			return c.Name, nil
		}
	case Source:
		if c, ok := s.SrcSchema[tableID].ColDefs[colID]; ok {
			return c.Name, nil
		}
	}
	return "", fmt.Errorf("%w: column %s in table %s", ErrNotFound, colID, tableID)
}

// TableNames returns the mapped central table names, sorted.
func (s *Schema) TableNames() []string {
	out := make([]string, 0, len(s.SpannerToID))
	for name := range s.SpannerToID {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
