// Package dialect enumerates the source-database dialects reverse
// replication can write to, with the identifier quoting and placeholder
// syntax each one uses.
package dialect

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
)

// Dialect is a tagged variant over supported source databases.
type Dialect uint8

const (
	Unknown Dialect = iota
	MySQL
	PostgreSQL
	SQLServer
	SQLite
	Cassandra
)

// Family groups dialects that share statement and coercion rules.
type Family uint8

const (
	Relational Family = iota + 1
	WideColumn
)

// All lists every concrete dialect in declaration order.
var All = []Dialect{MySQL, PostgreSQL, SQLServer, SQLite, Cassandra}

// Parse maps a configured dialect name. Common aliases are accepted.
func Parse(s string) (Dialect, error) {
	switch cases.Fold().String(strings.TrimSpace(s)) {
	case "mysql":
		return MySQL, nil
	case "postgres", "postgresql", "pg":
		return PostgreSQL, nil
	case "mssql", "sqlserver":
		return SQLServer, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "cassandra", "cql":
		return Cassandra, nil
	}
	return Unknown, fmt.Errorf("dialect: unsupported %q", s)
}

func (d Dialect) String() string {
	switch d {
	case MySQL:
		return "mysql"
	case PostgreSQL:
		return "postgres"
	case SQLServer:
		return "mssql"
	case SQLite:
		return "sqlite"
	case Cassandra:
		return "cassandra"
	default:
		return "unknown"
	}
}

// Family reports whether d is relational or wide-column. Unknown reports 0.
func (d Dialect) Family() Family {
	switch d {
	case MySQL, PostgreSQL, SQLServer, SQLite:
		return Relational
	case Cassandra:
		return WideColumn
	default:
		return 0
	}
}

// Placeholder returns the bind marker for the n-th (1-based) parameter.
func (d Dialect) Placeholder(n int) string {
	switch d {
	case PostgreSQL:
		return "$" + strconv.Itoa(n)
	case SQLServer:
		return "@p" + strconv.Itoa(n)
	default:
		return "?"
	}
}

// QuoteIdent quotes a single identifier.
func (d Dialect) QuoteIdent(id string) string {
	switch d {
	case MySQL:
		return "`" + strings.ReplaceAll(id, "`", "``") + "`"
	case SQLServer:
		return `[` + strings.ReplaceAll(id, `]`, `]]`) + `]`
	default:
		return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
	}
}

// QuoteName quotes a possibly qualified name like "dbo.users" part by part.
func (d Dialect) QuoteName(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = d.QuoteIdent(p)
	}
	return strings.Join(parts, ".")
}
