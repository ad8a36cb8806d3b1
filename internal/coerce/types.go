package coerce

import (
	"strings"

	"golang.org/x/text/cases"

	"revrepl/internal/dialect"
	"revrepl/internal/schema"
)

// Kind is the normalized central column type.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindInt64
	KindBool
	KindString
	KindFloat64
	KindFloat32
	KindNumeric
	KindBytes
	KindDate
	KindTimestamp
	KindJSON
)

func (k Kind) String() string {
	switch k {
	case KindInt64:
		return "INT64"
	case KindBool:
		return "BOOL"
	case KindString:
		return "STRING"
	case KindFloat64:
		return "FLOAT64"
	case KindFloat32:
		return "FLOAT32"
	case KindNumeric:
		return "NUMERIC"
	case KindBytes:
		return "BYTES"
	case KindDate:
		return "DATE"
	case KindTimestamp:
		return "TIMESTAMP"
	case KindJSON:
		return "JSON"
	default:
		return "UNKNOWN"
	}
}

var centralKinds = map[string]Kind{
	"int64":     KindInt64,
	"bigint":    KindInt64,
	"integer":   KindInt64,
	"bool":      KindBool,
	"boolean":   KindBool,
	"string":    KindString,
	"varchar":   KindString,
	"text":      KindString,
	"float64":   KindFloat64,
	"double":    KindFloat64,
	"float32":   KindFloat32,
	"float":     KindFloat32,
	"numeric":   KindNumeric,
	"decimal":   KindNumeric,
	"bytes":     KindBytes,
	"bytea":     KindBytes,
	"date":      KindDate,
	"timestamp": KindTimestamp,
	"datetime":  KindTimestamp,
	"json":      KindJSON,
	"jsonb":     KindJSON,
}

// CentralKind normalizes a declared central type. Length suffixes such as
// STRING(MAX) are ignored and ARRAY<T> reports T with isArray set.
func CentralKind(t schema.CentralType) (k Kind, isArray bool) {
	name := foldType(t.Name)
	name = strings.TrimPrefix(name, "pg.")
	if inner, ok := unwrap(name, "array"); ok {
		name, isArray = inner, true
	}
	name = stripMods(name)
	return centralKinds[name], isArray || t.IsArray
}

// class is the normalized source column type.
type class uint8

const (
	clsUnknown class = iota
	clsInt8
	clsInt16
	clsInt32
	clsInt64
	clsVarint
	clsFloat32
	clsFloat64
	clsDecimal
	clsBool
	clsBit
	clsText
	clsBinary
	clsDate
	clsTimestamp
	clsTimestampTZ
	clsTime
	clsJSON
	clsUUID
	clsInet
	clsEnumSet
	clsCounter
	clsDuration
	clsMap
	// SQL Server datetime holds milliseconds and smalldatetime whole
	// seconds at most; both reject longer fractional strings.
	clsTimestampMilli
	clsTimestampSecond
)

func (c class) isInt() bool { return c >= clsInt8 && c <= clsVarint }

// coll is the container a source column declares.
type coll uint8

const (
	collNone coll = iota
	collList
	collSet
	collArray
)

type sourceType struct {
	cls  class
	coll coll
	elem class
}

var sourceClasses = map[string]class{
	"tinyint":     clsInt8,
	"smallint":    clsInt16,
	"int2":        clsInt16,
	"smallserial": clsInt16,
	"year":        clsInt16,
	"mediumint":   clsInt32,
	"int":         clsInt32,
	"integer":     clsInt32,
	"int4":        clsInt32,
	"serial":      clsInt32,
	"bigint":      clsInt64,
	"int8":        clsInt64,
	"bigserial":   clsInt64,
	"varint":      clsVarint,

	"float":            clsFloat32,
	"real":             clsFloat32,
	"float4":           clsFloat32,
	"double":           clsFloat64,
	"double precision": clsFloat64,
	"float8":           clsFloat64,

	"decimal":    clsDecimal,
	"numeric":    clsDecimal,
	"dec":        clsDecimal,
	"fixed":      clsDecimal,
	"money":      clsDecimal,
	"smallmoney": clsDecimal,

	"bool":    clsBool,
	"boolean": clsBool,
	"bit":     clsBit,

	"char":              clsText,
	"character":         clsText,
	"bpchar":            clsText,
	"varchar":           clsText,
	"character varying": clsText,
	"nchar":             clsText,
	"nvarchar":          clsText,
	"text":              clsText,
	"tinytext":          clsText,
	"mediumtext":        clsText,
	"longtext":          clsText,
	"ntext":             clsText,
	"citext":            clsText,
	"clob":              clsText,
	"xml":               clsText,
	"enum":              clsText,
	"ascii":             clsText,
	"string":            clsText,

	"binary":     clsBinary,
	"varbinary":  clsBinary,
	"blob":       clsBinary,
	"tinyblob":   clsBinary,
	"mediumblob": clsBinary,
	"longblob":   clsBinary,
	"bytea":      clsBinary,
	"image":      clsBinary,

	"date":                        clsDate,
	"datetime":                    clsTimestamp,
	"datetime2":                   clsTimestamp,
	"smalldatetime":               clsTimestamp,
	"timestamp":                   clsTimestamp,
	"timestamp without time zone": clsTimestamp,
	"timestamptz":                 clsTimestampTZ,
	"timestamp with time zone":    clsTimestampTZ,
	"datetimeoffset":              clsTimestampTZ,
	"time":                        clsTime,
	"time without time zone":      clsTime,

	"json":  clsJSON,
	"jsonb": clsJSON,

	"uuid":             clsUUID,
	"timeuuid":         clsUUID,
	"uniqueidentifier": clsUUID,
	"inet":             clsInet,
	"cidr":             clsInet,

	"set":      clsEnumSet,
	"counter":  clsCounter,
	"duration": clsDuration,
}

// parseSourceType classifies a declared source type for dialect d.
func parseSourceType(d dialect.Dialect, t schema.SourceType) sourceType {
	name := foldType(t.Name)
	name = strings.TrimSuffix(name, " zerofill")
	name = strings.TrimSuffix(name, " unsigned")

	if d == dialect.Cassandra {
		if inner, ok := unwrap(name, "frozen"); ok {
			name = inner
		}
		if inner, ok := unwrap(name, "list"); ok {
			return sourceType{coll: collList, elem: scalarClass(d, inner)}
		}
		if inner, ok := unwrap(name, "set"); ok {
			return sourceType{coll: collSet, elem: scalarClass(d, inner)}
		}
		if _, ok := unwrap(name, "map"); ok {
			return sourceType{cls: clsMap}
		}
		return sourceType{cls: scalarClass(d, name)}
	}

	if d == dialect.PostgreSQL {
		switch {
		case strings.HasSuffix(name, "[]"):
			return sourceType{coll: collArray, elem: scalarClass(d, strings.TrimSuffix(name, "[]"))}
		case strings.HasPrefix(name, "_"):
			return sourceType{coll: collArray, elem: scalarClass(d, strings.TrimPrefix(name, "_"))}
		case t.IsArray():
			return sourceType{coll: collArray, elem: scalarClass(d, name)}
		}
	}
	return sourceType{cls: scalarClass(d, name)}
}

func scalarClass(d dialect.Dialect, name string) class {
	name = stripMods(name)
	c := sourceClasses[name]
	switch {
	case d == dialect.Cassandra && c == clsTimestamp:
		// CQL timestamps are instants.
		return clsTimestampTZ
	case d == dialect.Cassandra && c == clsEnumSet:
		return clsUnknown
	case d != dialect.MySQL && c == clsEnumSet:
		return clsUnknown
	case d == dialect.SQLServer && name == "datetime":
		return clsTimestampMilli
	case d == dialect.SQLServer && name == "smalldatetime":
		return clsTimestampSecond
	}
	return c
}

func foldType(s string) string {
	return strings.Join(strings.Fields(cases.Fold().String(s)), " ")
}

// stripMods drops "(…)" modifiers, e.g. varchar(255) or
// timestamp(6) with time zone.
func stripMods(s string) string {
	for {
		i := strings.IndexByte(s, '(')
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i:], ')')
		if j < 0 {
			break
		}
		s = s[:i] + " " + s[i+j+1:]
	}
	return strings.Join(strings.Fields(s), " ")
}

// unwrap returns T for a name of the form prefix<T>.
func unwrap(s, prefix string) (string, bool) {
	if !strings.HasPrefix(s, prefix+"<") || !strings.HasSuffix(s, ">") {
		return "", false
	}
	return strings.TrimSpace(s[len(prefix)+1 : len(s)-1]), true
}
