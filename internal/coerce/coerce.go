// Package coerce converts JSON-encoded central column values into the
// native values a source-database driver binds for the declared source
// column type.
//
// Conversion is two-step: the raw JSON is first decoded according to the
// central type, then re-encoded for the source dialect and source type.
// Any central/source combination outside the table below is an
// ErrUnsupportedType failure naming the column.
package coerce

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"gopkg.in/inf.v0"

	"revrepl/internal/dialect"
	"revrepl/internal/schema"
	"revrepl/pkg/records"
)

var (
	ErrUnsupportedType = errors.New("unsupported type")
	ErrMalformedValue  = errors.New("malformed value")
	ErrAbsent          = errors.New("value absent")
)

// Error is a coercion failure for one column.
type Error struct {
	Column      string
	CentralType string
	SourceType  string
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("coerce: column %s (%s -> %s): %v", e.Column, e.CentralType, e.SourceType, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Options tune coercion.
type Options struct {
	// SniffStrings inspects STRING values bound to a source column of
	// unrecognized type and binds UUID- or IP-shaped content as those types,
	// UUID first. Anything else, JSON included, stays a string. A recognized
	// source type always wins.
	SniffStrings bool
}

// CQLDate binds a calendar date to a CQL date column.
type CQLDate struct{ time.Time }

func (d CQLDate) MarshalCQL(info gocql.TypeInfo) ([]byte, error) {
	return gocql.Marshal(info, d.Time)
}

// CQLList and CQLSet carry CQL collection values. Both bind as slices;
// the distinction matters for literal rendering.
type (
	CQLList []any
	CQLSet  []any
)

// Coercer is safe for concurrent use.
type Coercer struct {
	dialect dialect.Dialect
	opts    Options
}

func New(d dialect.Dialect, opts Options) *Coercer {
	return &Coercer{dialect: d, opts: opts}
}

func (c *Coercer) Dialect() dialect.Dialect { return c.dialect }

// Coerce converts v for column col. An explicit NULL returns (nil, nil);
// an absent value is an error since callers must skip absent columns.
func (c *Coercer) Coerce(col schema.Column, v records.Value, tz *time.Location) (any, error) {
	switch v.State {
	case records.Null:
		return nil, nil
	case records.Absent:
		return nil, c.fail(col, ErrAbsent)
	}
	if tz == nil {
		tz = time.UTC
	}

	kind, isArray := CentralKind(col.CentralType)
	if kind == KindUnknown {
		return nil, c.fail(col, fmt.Errorf("%w: central type %q", ErrUnsupportedType, col.CentralType.Name))
	}
	src := parseSourceType(c.dialect, col.SourceType)

	var (
		out any
		err error
	)
	if isArray {
		out, err = c.coerceArray(kind, src, v.Raw, tz)
	} else {
		if src.coll != collNone {
			return nil, c.fail(col, fmt.Errorf("%w: scalar %s into collection", ErrUnsupportedType, kind))
		}
		var iv any
		iv, err = decodeScalar(kind, v.Raw)
		if err != nil {
			return nil, c.fail(col, fmt.Errorf("%w: %v", ErrMalformedValue, err))
		}
		out, err = c.encode(kind, iv, src.cls, tz)
	}
	if err != nil {
		return nil, c.fail(col, err)
	}
	return out, nil
}

func (c *Coercer) fail(col schema.Column, err error) error {
	return &Error{
		Column:      col.SourceName,
		CentralType: col.CentralType.Name,
		SourceType:  col.SourceType.Name,
		Err:         err,
	}
}

func (c *Coercer) encode(kind Kind, iv any, cls class, tz *time.Location) (any, error) {
	if c.dialect == dialect.Cassandra {
		return c.cql(kind, iv, cls, tz)
	}
	return c.sql(kind, iv, cls, tz)
}

func unsupported(kind Kind, cls class) error {
	return fmt.Errorf("%w: %s into source class %d", ErrUnsupportedType, kind, cls)
}

func malformed(err error) error {
	if err == nil || errors.Is(err, ErrUnsupportedType) || errors.Is(err, ErrMalformedValue) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrMalformedValue, err)
}

var wallClockLayouts = map[class]string{
	clsTimestamp:       "2006-01-02 15:04:05.999999",
	clsTimestampMilli:  "2006-01-02 15:04:05.000",
	clsTimestampSecond: "2006-01-02 15:04:05",
}

// sql encodes for the relational dialects.
func (c *Coercer) sql(kind Kind, iv any, cls class, tz *time.Location) (any, error) {
	switch {
	case cls.isInt():
		n, err := asInt64(kind, iv)
		return n, malformed(err)
	}

	switch cls {
	case clsFloat32, clsFloat64:
		f, err := asFloat(kind, iv)
		return f, malformed(err)

	case clsDecimal:
		d, err := asDec(kind, iv)
		if err != nil {
			return nil, malformed(err)
		}
		return d.String(), nil

	case clsBool:
		b, err := asBool(kind, iv)
		return b, malformed(err)

	case clsBit:
		return c.sqlBit(kind, iv)

	case clsText, clsEnumSet:
		s, err := asText(kind, iv, tz)
		return s, malformed(err)

	case clsBinary:
		return asBytes(kind, iv)

	case clsDate:
		d, err := asDate(kind, iv, tz)
		if err != nil {
			return nil, malformed(err)
		}
		return d.Format(dateLayout), nil

	case clsTimestamp, clsTimestampMilli, clsTimestampSecond:
		t, err := asWallClock(kind, iv, tz)
		if err != nil {
			return nil, malformed(err)
		}
		return t.Format(wallClockLayouts[cls]), nil

	case clsTimestampTZ:
		t, err := asInstant(kind, iv, tz)
		return t, malformed(err)

	case clsTime:
		d, err := asTimeOfDay(kind, iv, tz)
		if err != nil {
			return nil, malformed(err)
		}
		return formatTimeOfDay(d), nil

	case clsJSON:
		return asJSON(kind, iv)

	case clsUUID:
		u, err := asUUID(kind, iv)
		if err != nil {
			return nil, err
		}
		return u.String(), nil

	case clsInet:
		s, err := asInet(kind, iv)
		return s, err

	case clsUnknown:
		if kind == KindString && c.opts.SniffStrings {
			return c.sniff(iv.(string)), nil
		}
	}
	return nil, unsupported(kind, cls)
}

func (c *Coercer) sqlBit(kind Kind, iv any) (any, error) {
	switch c.dialect {
	case dialect.SQLServer:
		b, err := asBool(kind, iv)
		return b, malformed(err)
	case dialect.PostgreSQL:
		if b, ok := iv.(bool); ok {
			if b {
				return "1", nil
			}
			return "0", nil
		}
		n, err := asInt64(kind, iv)
		if err != nil {
			return nil, malformed(err)
		}
		return strconv.FormatInt(n, 2), nil
	}
	if b, ok := iv.([]byte); ok {
		return b, nil
	}
	n, err := asInt64(kind, iv)
	return n, malformed(err)
}

// cql encodes for the wide-column dialect using gocql native types.
func (c *Coercer) cql(kind Kind, iv any, cls class, tz *time.Location) (any, error) {
	switch cls {
	case clsInt8, clsInt16, clsInt32, clsInt64:
		n, err := asInt64(kind, iv)
		if err != nil {
			return nil, malformed(err)
		}
		return narrowInt(n, cls)

	case clsVarint:
		b, err := asBig(kind, iv)
		return b, malformed(err)

	case clsFloat32:
		f, err := asFloat(kind, iv)
		return float32(f), malformed(err)

	case clsFloat64:
		f, err := asFloat(kind, iv)
		return f, malformed(err)

	case clsDecimal:
		d, err := asDec(kind, iv)
		return d, malformed(err)

	case clsBool:
		b, err := asBool(kind, iv)
		return b, malformed(err)

	case clsText:
		s, err := asText(kind, iv, tz)
		return s, malformed(err)

	case clsBinary:
		return asBytes(kind, iv)

	case clsDate:
		d, err := asDate(kind, iv, tz)
		if err != nil {
			return nil, malformed(err)
		}
		return CQLDate{d}, nil

	case clsTimestampTZ:
		t, err := asInstant(kind, iv, time.UTC)
		if err != nil {
			return nil, malformed(err)
		}
		return t.UTC(), nil

	case clsTime:
		d, err := asTimeOfDay(kind, iv, tz)
		return d, malformed(err)

	case clsUUID:
		u, err := asUUID(kind, iv)
		if err != nil {
			return nil, err
		}
		return gocql.UUID(u), nil

	case clsInet:
		s, err := asInet(kind, iv)
		if err != nil {
			return nil, err
		}
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, fmt.Errorf("%w: %q is not a host address", ErrMalformedValue, s)
		}
		return ip, nil

	case clsUnknown:
		if kind == KindString && c.opts.SniffStrings {
			return c.sniff(iv.(string)), nil
		}
	}
	return nil, unsupported(kind, cls)
}

// sniff reinterprets string content by shape: UUID, then IP address, else
// plain string.
func (c *Coercer) sniff(s string) any {
	if len(s) == 36 {
		if u, err := uuid.Parse(s); err == nil {
			if c.dialect == dialect.Cassandra {
				return gocql.UUID(u)
			}
			return u.String()
		}
	}
	if ip := net.ParseIP(s); ip != nil {
		if c.dialect == dialect.Cassandra {
			return ip
		}
		return ip.String()
	}
	return s
}

func (c *Coercer) coerceArray(kind Kind, src sourceType, raw json.RawMessage, tz *time.Location) (any, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		var s string
		if json.Unmarshal(raw, &s) != nil || json.Unmarshal([]byte(s), &elems) != nil {
			return nil, fmt.Errorf("%w: expected JSON array", ErrMalformedValue)
		}
		raw = json.RawMessage(s)
	}

	decodeEach := func(allowNull bool, enc func(any) (any, error)) ([]any, error) {
		out := make([]any, 0, len(elems))
		for i, e := range elems {
			if records.PresentValue(e).State == records.Null {
				if !allowNull {
					return nil, fmt.Errorf("%w: null element %d", ErrMalformedValue, i)
				}
				out = append(out, nil)
				continue
			}
			iv, err := decodeScalar(kind, e)
			if err != nil {
				return nil, fmt.Errorf("%w: element %d: %v", ErrMalformedValue, i, err)
			}
			v, err := enc(iv)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}

	switch {
	case c.dialect == dialect.Cassandra && (src.coll == collList || src.coll == collSet):
		vals, err := decodeEach(false, func(iv any) (any, error) { return c.cql(kind, iv, src.elem, tz) })
		if err != nil {
			return nil, err
		}
		if src.coll == collSet {
			return CQLSet(dedupe(vals)), nil
		}
		return CQLList(vals), nil

	case c.dialect == dialect.PostgreSQL && src.coll == collArray:
		vals, err := decodeEach(true, func(iv any) (any, error) { return c.sql(kind, iv, src.elem, tz) })
		if err != nil {
			return nil, err
		}
		return pgArray(vals)

	case src.coll == collNone && (src.cls == clsJSON || src.cls == clsText):
		if _, err := decodeEach(true, func(iv any) (any, error) { return iv, nil }); err != nil {
			return nil, err
		}
		return compact(raw)

	case c.dialect == dialect.MySQL && src.cls == clsEnumSet:
		vals, err := decodeEach(false, func(iv any) (any, error) { return asText(kind, iv, tz) })
		if err != nil {
			return nil, err
		}
		parts := make([]string, len(vals))
		for i, v := range vals {
			s := v.(string)
			if strings.Contains(s, ",") {
				return nil, fmt.Errorf("%w: set member %q contains a comma", ErrMalformedValue, s)
			}
			parts[i] = s
		}
		return strings.Join(parts, ","), nil
	}
	return nil, fmt.Errorf("%w: ARRAY<%s> into source class %d", ErrUnsupportedType, kind, src.cls)
}

// dedupe keeps the first occurrence of each element.
func dedupe(vals []any) []any {
	seen := mapset.NewThreadUnsafeSet[string]()
	out := make([]any, 0, len(vals))
	for _, v := range vals {
		key := fmt.Sprintf("%T:%v", v, v)
		if b, ok := v.([]byte); ok {
			key = "bytes:" + string(b)
		}
		if seen.Add(key) {
			out = append(out, v)
		}
	}
	return out
}

// pgArray builds a typed slice pgx can bind to an array parameter. Slices
// holding NULL elements use pointer element types.
func pgArray(vals []any) (any, error) {
	var first any
	for _, v := range vals {
		if v != nil {
			first = v
			break
		}
	}
	switch first.(type) {
	case int64:
		return collect[int64](vals)
	case float64:
		return collect[float64](vals)
	case bool:
		return collect[bool](vals)
	case []byte:
		out := make([][]byte, len(vals))
		for i, v := range vals {
			if v != nil {
				out[i] = v.([]byte)
			}
		}
		return out, nil
	case time.Time:
		return collect[time.Time](vals)
	default:
		return collect[string](vals)
	}
}

func collect[T any](vals []any) (any, error) {
	hasNull := false
	for _, v := range vals {
		if v == nil {
			hasNull = true
			break
		}
	}
	if !hasNull {
		out := make([]T, len(vals))
		for i, v := range vals {
			x, ok := v.(T)
			if !ok {
				return nil, fmt.Errorf("%w: mixed array element %T", ErrMalformedValue, v)
			}
			out[i] = x
		}
		return out, nil
	}
	out := make([]*T, len(vals))
	for i, v := range vals {
		if v == nil {
			continue
		}
		x, ok := v.(T)
		if !ok {
			return nil, fmt.Errorf("%w: mixed array element %T", ErrMalformedValue, v)
		}
		out[i] = &x
	}
	return out, nil
}

func narrowInt(n int64, cls class) (any, error) {
	switch cls {
	case clsInt8:
		if n < math.MinInt8 || n > math.MaxInt8 {
			return nil, fmt.Errorf("%w: %d overflows tinyint", ErrMalformedValue, n)
		}
		return int8(n), nil
	case clsInt16:
		if n < math.MinInt16 || n > math.MaxInt16 {
			return nil, fmt.Errorf("%w: %d overflows smallint", ErrMalformedValue, n)
		}
		return int16(n), nil
	case clsInt32:
		if n < math.MinInt32 || n > math.MaxInt32 {
			return nil, fmt.Errorf("%w: %d overflows int", ErrMalformedValue, n)
		}
		return int32(n), nil
	}
	return n, nil
}

func asInt64(kind Kind, iv any) (int64, error) {
	switch v := iv.(type) {
	case int64:
		return v, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case float64:
		if v != math.Trunc(v) || v < math.MinInt64 || v >= math.MaxInt64 {
			return 0, fmt.Errorf("%v is not an integer", v)
		}
		return int64(v), nil
	case *inf.Dec:
		b, err := decToBig(v)
		if err != nil {
			return 0, err
		}
		if !b.IsInt64() {
			return 0, fmt.Errorf("%s overflows int64", v)
		}
		return b.Int64(), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	}
	return 0, unsupported(kind, clsInt64)
}

func asBig(kind Kind, iv any) (*big.Int, error) {
	switch v := iv.(type) {
	case int64:
		return big.NewInt(v), nil
	case *inf.Dec:
		return decToBig(v)
	case string:
		b, ok := new(big.Int).SetString(strings.TrimSpace(v), 10)
		if !ok {
			return nil, fmt.Errorf("invalid integer %q", v)
		}
		return b, nil
	}
	return nil, unsupported(kind, clsVarint)
}

func decToBig(d *inf.Dec) (*big.Int, error) {
	r := new(inf.Dec).Round(d, 0, inf.RoundExact)
	if r == nil {
		return nil, fmt.Errorf("%s is not an integer", d)
	}
	return r.UnscaledBig(), nil
}

func asFloat(kind Kind, iv any) (float64, error) {
	switch v := iv.(type) {
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	case *inf.Dec:
		return strconv.ParseFloat(v.String(), 64)
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	}
	return 0, unsupported(kind, clsFloat64)
}

func asDec(kind Kind, iv any) (*inf.Dec, error) {
	switch v := iv.(type) {
	case int64:
		return inf.NewDec(v, 0), nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%v has no decimal form", v)
		}
		return parseDec(strconv.FormatFloat(v, 'f', -1, 64))
	case *inf.Dec:
		return v, nil
	case string:
		return parseDec(v)
	}
	return nil, unsupported(kind, clsDecimal)
}

func asBool(kind Kind, iv any) (bool, error) {
	switch v := iv.(type) {
	case bool:
		return v, nil
	case int64:
		return v != 0, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(v))
	}
	return false, unsupported(kind, clsBool)
}

func asText(kind Kind, iv any, tz *time.Location) (string, error) {
	switch v := iv.(type) {
	case string:
		return v, nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case bool:
		return strconv.FormatBool(v), nil
	case float64:
		bits := 64
		if kind == KindFloat32 {
			bits = 32
		}
		return strconv.FormatFloat(v, 'g', -1, bits), nil
	case *inf.Dec:
		return v.String(), nil
	case []byte:
		return base64.StdEncoding.EncodeToString(v), nil
	case time.Time:
		if kind == KindDate {
			return v.Format(dateLayout), nil
		}
		return v.In(tz).Format(time.RFC3339Nano), nil
	}
	return "", unsupported(kind, clsText)
}

func asBytes(kind Kind, iv any) ([]byte, error) {
	switch v := iv.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	}
	return nil, unsupported(kind, clsBinary)
}

// asDate returns the calendar date as UTC midnight. Timestamps are first
// moved into the source zone.
func asDate(kind Kind, iv any, tz *time.Location) (time.Time, error) {
	switch v := iv.(type) {
	case time.Time:
		if kind == KindTimestamp {
			y, m, d := v.In(tz).Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
		return v, nil
	case string:
		return parseDate(v)
	}
	return time.Time{}, unsupported(kind, clsDate)
}

// asWallClock returns the value as it reads on a clock in the source zone.
func asWallClock(kind Kind, iv any, tz *time.Location) (time.Time, error) {
	switch v := iv.(type) {
	case time.Time:
		if kind == KindDate {
			return v, nil
		}
		return v.In(tz), nil
	case string:
		t, err := parseTimestamp(v)
		if err != nil {
			return time.Time{}, err
		}
		return t.In(tz), nil
	}
	return time.Time{}, unsupported(kind, clsTimestamp)
}

// asInstant returns an absolute instant. Dates become midnight in tz.
func asInstant(kind Kind, iv any, tz *time.Location) (time.Time, error) {
	switch v := iv.(type) {
	case time.Time:
		if kind == KindDate {
			y, m, d := v.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, tz), nil
		}
		return v, nil
	case string:
		return parseTimestamp(v)
	}
	return time.Time{}, unsupported(kind, clsTimestampTZ)
}

var timeOfDayLayouts = []string{"15:04:05.999999999", "15:04"}

func asTimeOfDay(kind Kind, iv any, tz *time.Location) (time.Duration, error) {
	var t time.Time
	switch v := iv.(type) {
	case time.Time:
		if kind != KindTimestamp {
			return 0, unsupported(kind, clsTime)
		}
		t = v.In(tz)
	case string:
		var err error
		for _, layout := range timeOfDayLayouts {
			if t, err = time.Parse(layout, strings.TrimSpace(v)); err == nil {
				break
			}
		}
		if err != nil {
			return 0, fmt.Errorf("invalid time of day %q", v)
		}
	default:
		return 0, unsupported(kind, clsTime)
	}
	h, m, s := t.Clock()
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second + time.Duration(t.Nanosecond()), nil
}

func formatTimeOfDay(d time.Duration) string {
	return time.Unix(0, 0).UTC().Add(d).Format("15:04:05.999999")
}

func asJSON(kind Kind, iv any) (any, error) {
	s, ok := iv.(string)
	if !ok || (kind != KindJSON && kind != KindString) {
		return nil, unsupported(kind, clsJSON)
	}
	if !json.Valid([]byte(s)) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrMalformedValue)
	}
	return s, nil
}

func asUUID(kind Kind, iv any) (uuid.UUID, error) {
	switch v := iv.(type) {
	case string:
		u, err := uuid.Parse(strings.TrimSpace(v))
		if err != nil {
			return uuid.Nil, fmt.Errorf("%w: %v", ErrMalformedValue, err)
		}
		return u, nil
	case []byte:
		u, err := uuid.FromBytes(v)
		if err != nil {
			return uuid.Nil, fmt.Errorf("%w: %v", ErrMalformedValue, err)
		}
		return u, nil
	}
	return uuid.Nil, unsupported(kind, clsUUID)
}

// asInet validates an address (or CIDR prefix) and returns its canonical
// text.
func asInet(kind Kind, iv any) (string, error) {
	s, ok := iv.(string)
	if !ok || kind != KindString {
		return "", unsupported(kind, clsInet)
	}
	s = strings.TrimSpace(s)
	if a, err := netip.ParseAddr(s); err == nil {
		return a.String(), nil
	}
	if p, err := netip.ParsePrefix(s); err == nil {
		return p.String(), nil
	}
	return "", fmt.Errorf("%w: %q is not an IP address", ErrMalformedValue, s)
}
