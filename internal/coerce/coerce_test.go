package coerce

import (
	"encoding/json"
	"errors"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/gocql/gocql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/inf.v0"

	"revrepl/internal/dialect"
	"revrepl/internal/schema"
	"revrepl/pkg/records"
)

func column(central string, isArray bool, source string) schema.Column {
	return schema.Column{
		ID:          "c1",
		SourceName:  "col",
		SourceType:  schema.SourceType{Name: source},
		CentralName: "col",
		CentralType: schema.CentralType{Name: central, IsArray: isArray},
		Mapped:      true,
	}
}

func raw(s string) records.Value { return records.PresentValue(json.RawMessage(s)) }

func TestCentralKind(t *testing.T) {
	cases := []struct {
		name    string
		want    Kind
		isArray bool
	}{
		{"INT64", KindInt64, false},
		{"STRING(MAX)", KindString, false},
		{"BYTES(MAX)", KindBytes, false},
		{"ARRAY<STRING(MAX)>", KindString, true},
		{"pg.jsonb", KindJSON, false},
		{"Timestamp", KindTimestamp, false},
		{"INTERVAL", KindUnknown, false},
	}
	for _, tc := range cases {
		k, arr := CentralKind(schema.CentralType{Name: tc.name})
		if k != tc.want || arr != tc.isArray {
			t.Fatalf("CentralKind(%s) = %v,%v; want %v,%v", tc.name, k, arr, tc.want, tc.isArray)
		}
	}
}

func TestCoerceRelational(t *testing.T) {
	plus2, err := ParseOffset("+02:00")
	require.NoError(t, err)

	cases := []struct {
		name    string
		d       dialect.Dialect
		central string
		source  string
		in      string
		want    any
	}{
		{"int from string", dialect.MySQL, "INT64", "bigint", `"42"`, int64(42)},
		{"int from number", dialect.MySQL, "INT64", "int(11)", `42`, int64(42)},
		{"int into varchar", dialect.MySQL, "INT64", "varchar", `"42"`, "42"},
		{"int into decimal", dialect.MySQL, "INT64", "decimal", `"42"`, "42"},
		{"bool into tinyint", dialect.MySQL, "BOOL", "tinyint", `true`, int64(1)},
		{"bool from string", dialect.PostgreSQL, "BOOL", "boolean", `"false"`, false},
		{"bool into mssql bit", dialect.SQLServer, "BOOL", "bit", `true`, true},
		{"bool into mysql bit", dialect.MySQL, "BOOL", "bit", `true`, int64(1)},
		{"string", dialect.MySQL, "STRING", "varchar(255)", `"Ann"`, "Ann"},
		{"float", dialect.MySQL, "FLOAT64", "double", `"1.5"`, 1.5},
		{"numeric keeps scale", dialect.PostgreSQL, "NUMERIC", "numeric(10,3)", `"123.450"`, "123.450"},
		{"bytes base64", dialect.MySQL, "BYTES", "blob", `"AQID"`, []byte{1, 2, 3}},
		{"bytes array", dialect.SQLite, "BYTES", "blob", `[1,2,3]`, []byte{1, 2, 3}},
		{"date", dialect.MySQL, "DATE", "date", `"2024-02-29"`, "2024-02-29"},
		{"timestamp into datetime uses source zone", dialect.MySQL, "TIMESTAMP", "datetime", `"2024-01-01T10:00:00.123Z"`, "2024-01-01 12:00:00.123"},
		{"timestamp into mssql datetime keeps milliseconds", dialect.SQLServer, "TIMESTAMP", "datetime", `"2024-01-01T12:00:00.123456Z"`, "2024-01-01 14:00:00.123"},
		{"timestamp into mssql smalldatetime drops fraction", dialect.SQLServer, "TIMESTAMP", "smalldatetime", `"2024-01-01T12:00:00.123456Z"`, "2024-01-01 14:00:00"},
		{"timestamp into mssql datetime2 keeps microseconds", dialect.SQLServer, "TIMESTAMP", "datetime2(7)", `"2024-01-01T12:00:00.123456Z"`, "2024-01-01 14:00:00.123456"},
		{"timestamp into date uses source zone", dialect.MySQL, "TIMESTAMP", "date", `"2024-01-01T23:30:00Z"`, "2024-01-02"},
		{"timestamp into time", dialect.MySQL, "TIMESTAMP", "time", `"2024-01-01T10:00:00Z"`, "12:00:00"},
		{"json", dialect.MySQL, "JSON", "json", `"{\"a\": 1}"`, `{"a": 1}`},
		{"json object", dialect.PostgreSQL, "JSON", "jsonb", `{"a": 1}`, `{"a":1}`},
		{"uuid", dialect.PostgreSQL, "STRING", "uuid", `"0D5E2C4A-4F55-4C1B-9C0E-2A2B4B7B3E11"`, "0d5e2c4a-4f55-4c1b-9c0e-2a2b4b7b3e11"},
		{"inet", dialect.PostgreSQL, "STRING", "inet", `"10.0.0.1"`, "10.0.0.1"},
		{"mysql unsigned", dialect.MySQL, "INT64", "bigint unsigned", `"9"`, int64(9)},
		{"mysql enum", dialect.MySQL, "STRING", "enum", `"red"`, "red"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := New(tc.d, Options{})
			got, err := c.Coerce(column(tc.central, false, tc.source), raw(tc.in), plus2)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCoerceTimestampTZKeepsInstant(t *testing.T) {
	c := New(dialect.PostgreSQL, Options{})
	got, err := c.Coerce(column("TIMESTAMP", false, "timestamptz"), raw(`"2024-01-01T10:00:00.5Z"`), time.UTC)
	require.NoError(t, err)
	ts, ok := got.(time.Time)
	require.True(t, ok, "got %T", got)
	assert.True(t, ts.Equal(time.Date(2024, 1, 1, 10, 0, 0, 5e8, time.UTC)))
}

func TestCoerceCassandra(t *testing.T) {
	u, err := gocql.ParseUUID("0d5e2c4a-4f55-4c1b-9c0e-2a2b4b7b3e11")
	require.NoError(t, err)

	cases := []struct {
		name    string
		central string
		source  string
		in      string
		want    any
	}{
		{"int", "INT64", "int", `"7"`, int32(7)},
		{"smallint", "INT64", "smallint", `"7"`, int16(7)},
		{"tinyint", "INT64", "tinyint", `7`, int8(7)},
		{"bigint", "INT64", "bigint", `"7"`, int64(7)},
		{"float", "FLOAT32", "float", `1.5`, float32(1.5)},
		{"double", "FLOAT64", "double", `"2.25"`, 2.25},
		{"boolean", "BOOL", "boolean", `true`, true},
		{"text", "STRING", "text", `"it's"`, "it's"},
		{"ascii", "STRING", "ascii", `"abc"`, "abc"},
		{"blob", "BYTES", "blob", `"AQID"`, []byte{1, 2, 3}},
		{"uuid", "STRING", "uuid", `"0d5e2c4a-4f55-4c1b-9c0e-2a2b4b7b3e11"`, u},
		{"timeuuid", "STRING", "timeuuid", `"0d5e2c4a-4f55-4c1b-9c0e-2a2b4b7b3e11"`, u},
		{"inet", "STRING", "inet", `"192.168.1.10"`, net.ParseIP("192.168.1.10")},
		{"date", "DATE", "date", `"2024-03-01"`, CQLDate{time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}},
		{"timestamp", "TIMESTAMP", "timestamp", `"2024-03-01T10:00:00.123Z"`, time.Date(2024, 3, 1, 10, 0, 0, 123e6, time.UTC)},
		{"timestamp from millis", "TIMESTAMP", "timestamp", `1709287200123`, time.Date(2024, 3, 1, 10, 0, 0, 123e6, time.UTC)},
		{"time", "STRING", "time", `"10:11:12.5"`, 10*time.Hour + 11*time.Minute + 12*time.Second + 500*time.Millisecond},
		{"list", "STRING", "list<text>", `["a","b","a"]`, CQLList{"a", "b", "a"}},
		{"frozen list", "INT64", "frozen<list<bigint>>", `["1","2"]`, CQLList{int64(1), int64(2)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := New(dialect.Cassandra, Options{})
			isArray := tc.name == "list" || tc.name == "frozen list"
			got, err := c.Coerce(column(tc.central, isArray, tc.source), raw(tc.in), time.UTC)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCoerceCassandraNumbers(t *testing.T) {
	c := New(dialect.Cassandra, Options{})

	got, err := c.Coerce(column("INT64", false, "varint"), raw(`"9223372036854775807"`), nil)
	require.NoError(t, err)
	require.IsType(t, &big.Int{}, got)
	assert.Equal(t, "9223372036854775807", got.(*big.Int).String())

	got, err = c.Coerce(column("NUMERIC", false, "decimal"), raw(`"12.340"`), nil)
	require.NoError(t, err)
	require.IsType(t, &inf.Dec{}, got)
	assert.Equal(t, "12.340", got.(*inf.Dec).String())

	got, err = c.Coerce(column("NUMERIC", false, "bigint"), raw(`"12.000"`), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(12), got)
}

func TestCoerceCassandraSetDeduplicates(t *testing.T) {
	c := New(dialect.Cassandra, Options{})
	got, err := c.Coerce(column("ARRAY<INT64>", false, "set<int>"), raw(`["3","1","3","2"]`), nil)
	require.NoError(t, err)
	assert.Equal(t, CQLSet{int32(3), int32(1), int32(2)}, got)
}

func TestCoerceArraysRelational(t *testing.T) {
	one, three := int64(1), int64(3)
	cases := []struct {
		name   string
		d      dialect.Dialect
		kind   string
		source schema.SourceType
		in     string
		want   any
	}{
		{"pg bigint[] with null", dialect.PostgreSQL, "INT64", schema.SourceType{Name: "bigint[]"}, `["1",null,"3"]`, []*int64{&one, nil, &three}},
		{"pg _text", dialect.PostgreSQL, "STRING", schema.SourceType{Name: "_text"}, `["a","b"]`, []string{"a", "b"}},
		{"pg array bounds", dialect.PostgreSQL, "BOOL", schema.SourceType{Name: "bool", ArrayBounds: []int64{-1}}, `[true,false]`, []bool{true, false}},
		{"mysql json", dialect.MySQL, "STRING", schema.SourceType{Name: "json"}, `[ "a", "b" ]`, `["a","b"]`},
		{"mysql set", dialect.MySQL, "STRING", schema.SourceType{Name: "set"}, `["a","b"]`, "a,b"},
		{"mssql nvarchar", dialect.SQLServer, "INT64", schema.SourceType{Name: "nvarchar"}, `["1","2"]`, `["1","2"]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			col := column(tc.kind, true, "")
			col.SourceType = tc.source
			got, err := New(tc.d, Options{}).Coerce(col, raw(tc.in), nil)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCoerceNullAndAbsent(t *testing.T) {
	c := New(dialect.MySQL, Options{})
	col := column("INT64", false, "bigint")

	got, err := c.Coerce(col, records.NullValue(), nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = c.Coerce(col, records.Value{}, nil)
	assert.ErrorIs(t, err, ErrAbsent)
}

func TestCoerceFailuresNameColumn(t *testing.T) {
	cases := []struct {
		name    string
		d       dialect.Dialect
		central string
		source  string
		in      string
		want    error
	}{
		{"counter", dialect.Cassandra, "INT64", "counter", `"1"`, ErrUnsupportedType},
		{"map", dialect.Cassandra, "JSON", "map<text,text>", `{}`, ErrUnsupportedType},
		{"unknown central", dialect.MySQL, "INTERVAL", "varchar", `"1"`, ErrUnsupportedType},
		{"unknown source", dialect.MySQL, "STRING", "geometry", `"POINT(1 1)"`, ErrUnsupportedType},
		{"bool into date", dialect.MySQL, "BOOL", "date", `true`, ErrUnsupportedType},
		{"not a number", dialect.MySQL, "INT64", "bigint", `"abc"`, ErrMalformedValue},
		{"tinyint overflow", dialect.Cassandra, "INT64", "tinyint", `"300"`, ErrMalformedValue},
		{"bad uuid", dialect.Cassandra, "STRING", "uuid", `"nope"`, ErrMalformedValue},
		{"bad json", dialect.MySQL, "STRING", "json", `"{nope"`, ErrMalformedValue},
		{"bad date", dialect.MySQL, "DATE", "date", `"31/12/2024"`, ErrMalformedValue},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.d, Options{}).Coerce(column(tc.central, false, tc.source), raw(tc.in), nil)
			require.Error(t, err)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v; want %v", err, tc.want)
			}
			var ce *Error
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, "col", ce.Column)
			assert.Equal(t, tc.source, ce.SourceType)
		})
	}
}

func TestCoerceSniffing(t *testing.T) {
	col := column("STRING", false, "custom_type")
	id := `"0d5e2c4a-4f55-4c1b-9c0e-2a2b4b7b3e11"`

	_, err := New(dialect.Cassandra, Options{}).Coerce(col, raw(id), nil)
	assert.ErrorIs(t, err, ErrUnsupportedType, "sniffing is off by default")

	c := New(dialect.Cassandra, Options{SniffStrings: true})
	got, err := c.Coerce(col, raw(id), nil)
	require.NoError(t, err)
	assert.IsType(t, gocql.UUID{}, got)

	got, err = c.Coerce(col, raw(`"::1"`), nil)
	require.NoError(t, err)
	assert.Equal(t, net.ParseIP("::1"), got)

	got, err = c.Coerce(col, raw(`"{\"a\":1}"`), nil)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, got)

	got, err = c.Coerce(col, raw(`"plain"`), nil)
	require.NoError(t, err)
	assert.Equal(t, "plain", got)

	// A declared text column is never reinterpreted.
	got, err = c.Coerce(column("STRING", false, "text"), raw(id), nil)
	require.NoError(t, err)
	assert.Equal(t, "0d5e2c4a-4f55-4c1b-9c0e-2a2b4b7b3e11", got)
}

// TestCoerceRoundTrip decodes each coerced native value back to its logical
// form and compares it with the input.
func TestCoerceRoundTrip(t *testing.T) {
	cases := []struct {
		d       dialect.Dialect
		central string
		source  string
		in      string
		back    func(any) any
		want    any
	}{
		{dialect.MySQL, "INT64", "bigint", `"-9223372036854775808"`, func(v any) any { return v.(int64) }, int64(-9223372036854775808)},
		{dialect.Cassandra, "INT64", "int", `"-2147483648"`, func(v any) any { return int64(v.(int32)) }, int64(-2147483648)},
		{dialect.PostgreSQL, "BOOL", "boolean", `true`, func(v any) any { return v.(bool) }, true},
		{dialect.Cassandra, "FLOAT64", "double", `"3.141592653589793"`, func(v any) any { return v.(float64) }, 3.141592653589793},
		{dialect.Cassandra, "NUMERIC", "decimal", `"-0.0001"`, func(v any) any { return v.(*inf.Dec).String() }, "-0.0001"},
		{dialect.PostgreSQL, "NUMERIC", "numeric", `"99999999999999999999.5"`, func(v any) any { return v.(string) }, "99999999999999999999.5"},
		{dialect.Cassandra, "STRING", "uuid", `"6ba7b810-9dad-11d1-80b4-00c04fd430c8"`, func(v any) any { return v.(gocql.UUID).String() }, "6ba7b810-9dad-11d1-80b4-00c04fd430c8"},
		{dialect.Cassandra, "DATE", "date", `"1969-12-31"`, func(v any) any { return v.(CQLDate).Format(dateLayout) }, "1969-12-31"},
		{dialect.MySQL, "DATE", "date", `"0001-01-01"`, func(v any) any { return v.(string) }, "0001-01-01"},
		{dialect.Cassandra, "TIMESTAMP", "timestamp", `"2024-06-30T23:59:59.999Z"`, func(v any) any { return v.(time.Time).UnixMilli() }, int64(1719791999999)},
		{dialect.MySQL, "TIMESTAMP", "timestamp", `"2024-06-30T23:59:59.999Z"`, func(v any) any {
			t, _ := time.Parse("2006-01-02 15:04:05.999999", v.(string))
			return t.UnixMilli()
		}, int64(1719791999999)},
		{dialect.SQLServer, "BYTES", "varbinary", `"3q2+7w=="`, func(v any) any { return v.([]byte) }, []byte{0xde, 0xad, 0xbe, 0xef}},
		{dialect.Cassandra, "BYTES", "blob", `""`, func(v any) any { return len(v.([]byte)) }, 0},
	}
	for _, tc := range cases {
		got, err := New(tc.d, Options{}).Coerce(column(tc.central, false, tc.source), raw(tc.in), time.UTC)
		require.NoError(t, err, "%s %s->%s", tc.d, tc.central, tc.source)
		if back := tc.back(got); !assert.Equal(t, tc.want, back) {
			t.Fatalf("%s %s->%s round trip = %v; want %v", tc.d, tc.central, tc.source, back, tc.want)
		}
	}
}

func TestParseOffset(t *testing.T) {
	loc, err := ParseOffset("+05:30")
	require.NoError(t, err)
	_, off := time.Date(2024, 1, 1, 0, 0, 0, 0, loc).Zone()
	assert.Equal(t, 5*3600+30*60, off)

	loc, err = ParseOffset("")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)

	_, err = ParseOffset("later")
	assert.Error(t, err)
}
