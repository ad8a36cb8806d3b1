package dml

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"revrepl/internal/coerce"
	"revrepl/internal/dialect"
	"revrepl/internal/schema"
	"revrepl/pkg/records"
)

const session = `{
  "SpSchema": {
    "t1": {"Name": "Users", "ColIds": ["c1", "c2", "c3", "c4"],
      "ColDefs": {
        "c1": {"Name": "id", "T": {"Name": "INT64"}},
        "c2": {"Name": "name", "T": {"Name": "STRING"}},
        "c3": {"Name": "age", "T": {"Name": "INT64"}},
        "c4": {"Name": "nick", "T": {"Name": "STRING"}}
      },
      "PrimaryKeys": [{"ColId": "c1", "Order": 1}]},
    "t2": {"Name": "Orders",
      "ColDefs": {
        "c10": {"Name": "order_id", "T": {"Name": "INT64"}},
        "c11": {"Name": "region", "T": {"Name": "STRING"}}
      }},
    "t3": {"Name": "Logs", "ColDefs": {"c20": {"Name": "line", "T": {"Name": "STRING"}}}}
  },
  "SrcSchema": {
    "t1": {"Name": "users", "ColIds": ["c1", "c2", "c3", "c4", "c5"],
      "ColDefs": {
        "c1": {"Name": "id", "Type": {"Name": "bigint"}},
        "c2": {"Name": "name", "Type": {"Name": "text"}},
        "c3": {"Name": "age", "Type": {"Name": "int"}},
        "c4": {"Name": "nick", "Type": {"Name": "text"}},
        "c5": {"Name": "legacy", "Type": {"Name": "text"}}
      },
      "PrimaryKeys": [{"ColId": "c1", "Order": 1}]},
    "t2": {"Name": "orders", "ColIds": ["c10", "c11"],
      "ColDefs": {
        "c10": {"Name": "order_id", "Type": {"Name": "bigint"}},
        "c11": {"Name": "region", "Type": {"Name": "text"}}
      },
      "PrimaryKeys": [{"ColId": "c11", "Order": 1}, {"ColId": "c10", "Order": 2}]},
    "t3": {"Name": "logs", "ColDefs": {"c20": {"Name": "line", "Type": {"Name": "text"}}}}
  }
}`

func newGenerator(t *testing.T, d dialect.Dialect, opts Options) (*Generator, *bytes.Buffer) {
	t.Helper()
	s, err := schema.Load(strings.NewReader(session))
	require.NoError(t, err)
	var buf bytes.Buffer
	return New(s, coerce.New(d, coerce.Options{}), opts, zerolog.New(&buf)), &buf
}

func record(t *testing.T, doc string) records.ChangeRecord {
	t.Helper()
	var r records.ChangeRecord
	require.NoError(t, json.Unmarshal([]byte(doc), &r))
	return r
}

const insertUsers = `{"modType":"INSERT","tableName":"Users","keyValues":{"id":"1"},"newValues":{"name":"Ann","age":30}}`

func TestInsertUpsertsAddressedRowPerDialect(t *testing.T) {
	cases := []struct {
		d    dialect.Dialect
		text string
		args []any
	}{
		{
			dialect.MySQL,
			"INSERT INTO `users` (`id`, `name`, `age`) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE `name` = VALUES(`name`), `age` = VALUES(`age`)",
			[]any{int64(1), "Ann", int64(30)},
		},
		{
			dialect.PostgreSQL,
			`INSERT INTO "users" ("id", "name", "age") VALUES ($1, $2, $3) ON CONFLICT ("id") DO UPDATE SET "name" = excluded."name", "age" = excluded."age"`,
			[]any{int64(1), "Ann", int64(30)},
		},
		{
			dialect.SQLite,
			`INSERT INTO "users" ("id", "name", "age") VALUES (?, ?, ?) ON CONFLICT ("id") DO UPDATE SET "name" = excluded."name", "age" = excluded."age"`,
			[]any{int64(1), "Ann", int64(30)},
		},
		{
			dialect.SQLServer,
			"MERGE INTO [users] WITH (HOLDLOCK) AS tgt USING (VALUES (@p1, @p2, @p3)) AS src ([id], [name], [age]) ON tgt.[id] = src.[id]" +
				" WHEN MATCHED THEN UPDATE SET tgt.[name] = src.[name], tgt.[age] = src.[age]" +
				" WHEN NOT MATCHED THEN INSERT ([id], [name], [age]) VALUES (src.[id], src.[name], src.[age]);",
			[]any{int64(1), "Ann", int64(30)},
		},
		{
			dialect.Cassandra,
			`INSERT INTO "users" ("id", "name", "age") VALUES (?, ?, ?)`,
			[]any{int64(1), "Ann", int32(30)},
		},
	}
	for _, tc := range cases {
		t.Run(tc.d.String(), func(t *testing.T) {
			g, _ := newGenerator(t, tc.d, Options{})
			st, err := g.Generate(record(t, insertUsers))
			require.NoError(t, err)
			assert.Equal(t, Parameterized, st.Kind)
			assert.Equal(t, records.ModInsert, st.Op)
			assert.Equal(t, tc.text, st.Text)
			assert.Equal(t, tc.args, st.Args)
			assert.Equal(t, []string{"id", "name", "age"}, st.Columns)
		})
	}
}

func TestUpdateCompilesToUpsert(t *testing.T) {
	g, _ := newGenerator(t, dialect.MySQL, Options{})
	ins, err := g.Generate(record(t, insertUsers))
	require.NoError(t, err)
	upd, err := g.Generate(record(t, strings.Replace(insertUsers, "INSERT", "UPDATE", 1)))
	require.NoError(t, err)
	assert.Equal(t, ins.Text, upd.Text)
	assert.Equal(t, records.ModUpdate, upd.Op)
}

func TestDeleteIgnoresNewValues(t *testing.T) {
	g, _ := newGenerator(t, dialect.MySQL, Options{})
	st, err := g.Generate(record(t, `{"modType":"DELETE","tableName":"Users","keyValues":{"id":1},"newValues":{"name":"x"}}`))
	require.NoError(t, err)
	assert.Equal(t, "DELETE FROM `users` WHERE `id` = ?", st.Text)
	assert.Equal(t, []any{int64(1)}, st.Args)
}

func TestCassandraWriteTime(t *testing.T) {
	g, _ := newGenerator(t, dialect.Cassandra, Options{})
	const ts = `,"commitTimestamp":"2024-05-01T10:00:00.000001Z"}`
	micros := int64(1714557600000001)

	st, err := g.Generate(record(t, strings.TrimSuffix(insertUsers, "}")+ts))
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "users" ("id", "name", "age") VALUES (?, ?, ?) USING TIMESTAMP ?`, st.Text)
	assert.Equal(t, []any{int64(1), "Ann", int32(30), micros}, st.Args)

	st, err = g.Generate(record(t, `{"modType":"DELETE","tableName":"Users","keyValues":{"id":1}`+ts))
	require.NoError(t, err)
	assert.Equal(t, `DELETE FROM "users" USING TIMESTAMP ? WHERE "id" = ?`, st.Text)
	assert.Equal(t, []any{micros, int64(1)}, st.Args)
}

func TestUnmappedTableIsDropped(t *testing.T) {
	g, logs := newGenerator(t, dialect.PostgreSQL, Options{})
	st, err := g.Generate(record(t, `{"modType":"INSERT","tableName":"Nope","keyValues":{"id":1}}`))
	require.NoError(t, err)
	assert.True(t, st.Empty())
	assert.Equal(t, DropTableNotMapped, st.DropReason)
	assert.Contains(t, logs.String(), `"class":"schema"`)
	assert.Contains(t, logs.String(), `"reason":"table_not_mapped"`)
	assert.Contains(t, logs.String(), `"level":"warn"`)
}

func TestDropReasons(t *testing.T) {
	g, _ := newGenerator(t, dialect.MySQL, Options{})

	st, err := g.Generate(record(t, `{"modType":"INSERT","tableName":"Logs","keyValues":{"line":"x"}}`))
	require.NoError(t, err)
	assert.Equal(t, DropNoPrimaryKey, st.DropReason)

	rec := record(t, insertUsers)
	rec.ModType = records.ModUnknown
	st, err = g.Generate(rec)
	require.NoError(t, err)
	assert.True(t, st.Empty())
	assert.Equal(t, DropUnsupportedModType, st.DropReason)
}

func TestKeyCompleteness(t *testing.T) {
	g, _ := newGenerator(t, dialect.PostgreSQL, Options{})
	cases := []struct {
		doc   string
		empty bool
	}{
		{`{"modType":"INSERT","tableName":"Orders","keyValues":{"region":"eu","order_id":1}}`, false},
		{`{"modType":"INSERT","tableName":"Orders","keyValues":{"region":"eu"},"newValues":{"order_id":1}}`, false},
		{`{"modType":"INSERT","tableName":"Orders","keyValues":{"region":"eu"}}`, true},
		{`{"modType":"DELETE","tableName":"Orders","keyValues":{"order_id":1}}`, true},
		{`{"modType":"UPDATE","tableName":"Orders","newValues":{}}`, true},
	}
	for _, tc := range cases {
		st, err := g.Generate(record(t, tc.doc))
		require.NoError(t, err, tc.doc)
		if st.Empty() != tc.empty {
			t.Fatalf("Generate(%s).Empty() = %v; want %v", tc.doc, st.Empty(), tc.empty)
		}
		if tc.empty {
			assert.Equal(t, DropKeyValueMissing, st.DropReason)
		}
	}
}

func TestCompositeKeyOrderAndKeyOnlyUpsert(t *testing.T) {
	rec := `{"modType":"INSERT","tableName":"Orders","keyValues":{"order_id":7,"region":"eu"}}`

	g, _ := newGenerator(t, dialect.PostgreSQL, Options{})
	st, err := g.Generate(record(t, rec))
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "orders" ("region", "order_id") VALUES ($1, $2) ON CONFLICT ("region", "order_id") DO NOTHING`, st.Text)
	assert.Equal(t, []any{"eu", int64(7)}, st.Args)

	g, _ = newGenerator(t, dialect.MySQL, Options{})
	st, err = g.Generate(record(t, rec))
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO `orders` (`region`, `order_id`) VALUES (?, ?) ON DUPLICATE KEY UPDATE `region` = `region`", st.Text)

	g, _ = newGenerator(t, dialect.SQLServer, Options{})
	st, err = g.Generate(record(t, rec))
	require.NoError(t, err)
	assert.NotContains(t, st.Text, "WHEN MATCHED")
	assert.Contains(t, st.Text, "ON tgt.[region] = src.[region] AND tgt.[order_id] = src.[order_id]")
}

func TestNullVersusAbsent(t *testing.T) {
	g, _ := newGenerator(t, dialect.PostgreSQL, Options{})
	st, err := g.Generate(record(t, `{"modType":"UPDATE","tableName":"Users","keyValues":{"id":1},"newValues":{"nick":null}}`))
	require.NoError(t, err)

	assert.Equal(t, `INSERT INTO "users" ("id", "nick") VALUES ($1, $2) ON CONFLICT ("id") DO UPDATE SET "nick" = excluded."nick"`, st.Text)
	require.Len(t, st.Args, 2)
	assert.Nil(t, st.Args[1], "explicit null binds NULL")
	assert.NotContains(t, st.Text, "age", "absent columns are not mentioned")
	assert.NotContains(t, st.Text, "legacy", "unmapped source columns are skipped")
}

func TestNullKeyInRelationalDelete(t *testing.T) {
	g, _ := newGenerator(t, dialect.MySQL, Options{})
	st, err := g.Generate(record(t, `{"modType":"DELETE","tableName":"Orders","keyValues":{"region":null,"order_id":5}}`))
	require.NoError(t, err)
	assert.Equal(t, "DELETE FROM `orders` WHERE `region` IS NULL AND `order_id` = ?", st.Text)
	assert.Equal(t, []any{int64(5)}, st.Args)
}

func TestNullKeyRejectedForCassandra(t *testing.T) {
	g, _ := newGenerator(t, dialect.Cassandra, Options{})
	_, err := g.Generate(record(t, `{"modType":"DELETE","tableName":"Users","keyValues":{"id":null}}`))
	var ce *coerce.Error
	require.True(t, errors.As(err, &ce), "err = %v", err)
	assert.Equal(t, "id", ce.Column)
}

func TestLiteralStatements(t *testing.T) {
	g, _ := newGenerator(t, dialect.MySQL, Options{Literal: true})
	st, err := g.Generate(record(t, `{"modType":"INSERT","tableName":"Users","keyValues":{"id":1},"newValues":{"name":"O'Brien","nick":null}}`))
	require.NoError(t, err)
	assert.Equal(t, Literal, st.Kind)
	assert.Nil(t, st.Args)
	assert.Equal(t, "INSERT INTO `users` (`id`, `name`, `nick`) VALUES (1, 'O''Brien', NULL) ON DUPLICATE KEY UPDATE `name` = VALUES(`name`), `nick` = VALUES(`nick`)", st.Text)

	g, _ = newGenerator(t, dialect.Cassandra, Options{Literal: true})
	st, err = g.Generate(record(t, `{"modType":"DELETE","tableName":"Users","keyValues":{"id":1}}`))
	require.NoError(t, err)
	assert.Equal(t, `DELETE FROM "users" WHERE "id" = 1`, st.Text)
}

func TestCoercionFailureSurfaces(t *testing.T) {
	g, _ := newGenerator(t, dialect.PostgreSQL, Options{})
	_, err := g.Generate(record(t, `{"modType":"INSERT","tableName":"Users","keyValues":{"id":1},"newValues":{"age":"abc"}}`))
	var ce *coerce.Error
	require.True(t, errors.As(err, &ce), "err = %v", err)
	assert.Equal(t, "age", ce.Column)
	assert.ErrorIs(t, err, coerce.ErrMalformedValue)
}

func TestRecordTimezoneOffset(t *testing.T) {
	g, _ := newGenerator(t, dialect.MySQL, Options{Timezone: time.UTC})
	rec := record(t, insertUsers)

	rec.SourceTimezoneOffset = "+02:00"
	_, err := g.Generate(rec)
	require.NoError(t, err)

	rec.SourceTimezoneOffset = "soon"
	_, err = g.Generate(rec)
	assert.ErrorIs(t, err, coerce.ErrMalformedValue)
}
