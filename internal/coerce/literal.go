package coerce

import (
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"net"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"gopkg.in/inf.v0"

	"revrepl/internal/dialect"
)

// Literal renders a coerced value as an inline literal for dialect d.
// nil renders as NULL.
func Literal(d dialect.Dialect, v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "NULL", nil
	case string:
		return quoteString(d, x), nil
	case bool:
		return boolLiteral(d, x), nil
	case int8:
		return strconv.FormatInt(int64(x), 10), nil
	case int16:
		return strconv.FormatInt(int64(x), 10), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case int:
		return strconv.Itoa(x), nil
	case *big.Int:
		return x.String(), nil
	case *inf.Dec:
		return x.String(), nil
	case float32:
		return floatLiteral(d, float64(x), 32)
	case float64:
		return floatLiteral(d, x, 64)
	case []byte:
		return bytesLiteral(d, x), nil
	case time.Time:
		return timeLiteral(d, x), nil
	case CQLDate:
		return "'" + x.Format(dateLayout) + "'", nil
	case time.Duration:
		return "'" + time.Unix(0, 0).UTC().Add(x).Format("15:04:05.000000000") + "'", nil
	case gocql.UUID:
		return x.String(), nil
	case net.IP:
		return "'" + x.String() + "'", nil
	case CQLList:
		return joinLiterals(d, []any(x), "[", "]")
	case CQLSet:
		return joinLiterals(d, []any(x), "{", "}")
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice && d == dialect.PostgreSQL {
		if rv.Len() == 0 {
			return "'{}'", nil
		}
		elems := make([]any, rv.Len())
		for i := range elems {
			e := rv.Index(i)
			if e.Kind() == reflect.Pointer {
				if e.IsNil() {
					continue
				}
				e = e.Elem()
			}
			elems[i] = e.Interface()
		}
		return joinLiterals(d, elems, "ARRAY[", "]")
	}
	return "", fmt.Errorf("coerce: no %s literal for %T", d, v)
}

func joinLiterals(d dialect.Dialect, vals []any, prefix, suffix string) (string, error) {
	parts := make([]string, len(vals))
	for i, v := range vals {
		s, err := Literal(d, v)
		if err != nil {
			return "", err
		}
		parts[i] = s
	}
	return prefix + strings.Join(parts, ", ") + suffix, nil
}

func quoteString(d dialect.Dialect, s string) string {
	s = strings.ReplaceAll(s, "'", "''")
	switch d {
	case dialect.MySQL:
		return "'" + strings.ReplaceAll(s, `\`, `\\`) + "'"
	case dialect.SQLServer:
		return "N'" + s + "'"
	}
	return "'" + s + "'"
}

func boolLiteral(d dialect.Dialect, b bool) string {
	switch d {
	case dialect.SQLServer, dialect.SQLite:
		if b {
			return "1"
		}
		return "0"
	case dialect.MySQL:
		if b {
			return "TRUE"
		}
		return "FALSE"
	}
	return strconv.FormatBool(b)
}

func floatLiteral(d dialect.Dialect, f float64, bits int) (string, error) {
	if !math.IsNaN(f) && !math.IsInf(f, 0) {
		return strconv.FormatFloat(f, 'g', -1, bits), nil
	}
	name := "NaN"
	switch {
	case math.IsInf(f, 1):
		name = "Infinity"
	case math.IsInf(f, -1):
		name = "-Infinity"
	}
	switch d {
	case dialect.PostgreSQL:
		return "'" + name + "'", nil
	case dialect.Cassandra:
		return name, nil
	}
	return "", fmt.Errorf("coerce: %s has no %s literal", name, d)
}

func bytesLiteral(d dialect.Dialect, b []byte) string {
	h := hex.EncodeToString(b)
	switch d {
	case dialect.PostgreSQL:
		return `'\x` + h + "'"
	case dialect.SQLServer, dialect.Cassandra:
		return "0x" + h
	}
	return "X'" + h + "'"
}

func timeLiteral(d dialect.Dialect, t time.Time) string {
	switch d {
	case dialect.Cassandra:
		return "'" + t.UTC().Format("2006-01-02T15:04:05.000-0700") + "'"
	case dialect.PostgreSQL:
		return "'" + t.Format("2006-01-02 15:04:05.999999Z07:00") + "'"
	case dialect.SQLServer:
		return "'" + t.Format("2006-01-02 15:04:05.9999999 -07:00") + "'"
	}
	return "'" + t.Format("2006-01-02 15:04:05.999999") + "'"
}
