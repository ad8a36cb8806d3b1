package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"revrepl/internal/coerce"
	"revrepl/internal/connpool"
	"revrepl/internal/dialect"
	"revrepl/internal/dml"
	"revrepl/internal/schema"
	"revrepl/internal/shard"
	"revrepl/internal/storage"
	"revrepl/pkg/records"
)

const session = `{
  "SpSchema": {
    "t1": {"Name": "Users", "ColIds": ["c1", "c2", "c3"],
      "ColDefs": {
        "c1": {"Name": "id", "T": {"Name": "INT64"}},
        "c2": {"Name": "name", "T": {"Name": "STRING"}},
        "c3": {"Name": "age", "T": {"Name": "INT64"}}
      },
      "PrimaryKeys": [{"ColId": "c1", "Order": 1}]}
  },
  "SrcSchema": {
    "t1": {"Name": "users", "ColIds": ["c1", "c2", "c3"],
      "ColDefs": {
        "c1": {"Name": "id", "Type": {"Name": "integer"}},
        "c2": {"Name": "name", "Type": {"Name": "text"}},
        "c3": {"Name": "age", "Type": {"Name": "integer"}}
      },
      "PrimaryKeys": [{"ColId": "c1", "Order": 1}]}
  }
}`

type fixture struct {
	gen  *dml.Generator
	exec *storage.Executor
	key  string
	db   *sql.DB
}

func newFixture(t *testing.T, literal bool) fixture {
	t.Helper()
	ctx := context.Background()
	sh := shard.Shard{LogicalShardID: "lite", DBName: filepath.Join(t.TempDir(), "src.db")}

	pool := connpool.New[storage.Session](func(ctx context.Context, sh shard.Shard, size int) (storage.Session, error) {
		return storage.Open(ctx, storage.Config{Dialect: dialect.SQLite, Shard: sh, PoolSize: size})
	}, zerolog.Nop())
	require.NoError(t, pool.Init(ctx, []shard.Shard{sh}, 1))
	t.Cleanup(func() { _ = pool.Close() })

	s, err := pool.Get(sh.ConnectionKey())
	require.NoError(t, err)
	require.NoError(t, s.ExecLiteral(ctx,
		`CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT, age INTEGER)`))

	sc, err := schema.Load(strings.NewReader(session))
	require.NoError(t, err)
	gen := dml.New(sc, coerce.New(dialect.SQLite, coerce.Options{}), dml.Options{Literal: literal}, zerolog.New(io.Discard))

	return fixture{
		gen:  gen,
		exec: storage.NewExecutor(pool, dialect.SQLite),
		key:  sh.ConnectionKey(),
		db:   s.(*storage.DBSession).DB,
	}
}

func (f fixture) apply(t *testing.T, doc string) {
	t.Helper()
	var rec records.ChangeRecord
	require.NoError(t, json.Unmarshal([]byte(doc), &rec))
	st, err := f.gen.Generate(rec)
	require.NoError(t, err)
	require.NoError(t, f.exec.Execute(context.Background(), f.key, st))
}

func (f fixture) row(t *testing.T, id int) (name sql.NullString, age sql.NullInt64, found bool) {
	t.Helper()
	err := f.db.QueryRow(`SELECT name, age FROM users WHERE id = ?`, id).Scan(&name, &age)
	if err == sql.ErrNoRows {
		return name, age, false
	}
	require.NoError(t, err)
	return name, age, true
}

func TestApplyIdempotent(t *testing.T) {
	for _, literal := range []bool{false, true} {
		f := newFixture(t, literal)
		ins := `{"modType":"INSERT","tableName":"Users","keyValues":{"id":"1"},"newValues":{"name":"Ann","age":30}}`
		f.apply(t, ins)
		f.apply(t, ins)

		var n int
		require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n))
		assert.Equal(t, 1, n)

		f.apply(t, `{"modType":"UPDATE","tableName":"Users","keyValues":{"id":"1"},"newValues":{"age":31}}`)
		name, age, ok := f.row(t, 1)
		require.True(t, ok)
		assert.Equal(t, "Ann", name.String, "absent column left untouched")
		assert.Equal(t, int64(31), age.Int64)

		f.apply(t, `{"modType":"UPDATE","tableName":"Users","keyValues":{"id":"1"},"newValues":{"name":null}}`)
		name, _, _ = f.row(t, 1)
		assert.False(t, name.Valid, "explicit null written")

		del := `{"modType":"DELETE","tableName":"Users","keyValues":{"id":"1"}}`
		f.apply(t, del)
		f.apply(t, del)
		_, _, ok = f.row(t, 1)
		assert.False(t, ok)
	}
}

func TestApplyUpdateBeforeInsert(t *testing.T) {
	f := newFixture(t, false)
	f.apply(t, `{"modType":"UPDATE","tableName":"Users","keyValues":{"id":"9"},"newValues":{"name":"Late"}}`)
	name, age, ok := f.row(t, 9)
	require.True(t, ok)
	assert.Equal(t, "Late", name.String)
	assert.False(t, age.Valid)
}

func TestClassifyConstraint(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.db.Exec(`CREATE TABLE strict_t (id INTEGER PRIMARY KEY, v TEXT NOT NULL)`)
	require.NoError(t, err)

	s := &storage.DBSession{DB: f.db, Classify: classify}
	err = s.ExecPrepared(context.Background(), `INSERT INTO strict_t (id, v) VALUES (?, ?)`, []any{1, nil})
	require.Error(t, err)
	assert.Equal(t, "constraint", storage.Class(err))

	err = s.ExecLiteral(context.Background(), `INSERT INTO nope VALUES (1)`)
	assert.Equal(t, "statement", storage.Class(err))
}

func TestOpenEnforcesForeignKeys(t *testing.T) {
	f := newFixture(t, false)
	var on int
	require.NoError(t, f.db.QueryRow(`PRAGMA foreign_keys`).Scan(&on))
	assert.Equal(t, 1, on)

	_, err := f.db.Exec(`CREATE TABLE orders (id INTEGER PRIMARY KEY, user_id INTEGER NOT NULL REFERENCES users(id))`)
	require.NoError(t, err)
	_, err = f.db.Exec(`INSERT INTO orders (id, user_id) VALUES (1, 99)`)
	require.Error(t, err)
	assert.Equal(t, "constraint", storage.Class(classify(err)))
}

func TestOpenCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Open(ctx, storage.Config{Dialect: dialect.SQLite, Shard: shard.Shard{DBName: filepath.Join(t.TempDir(), "x.db")}})
	require.Error(t, err)
	assert.Equal(t, "connection", storage.Class(err))
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "/tmp/a.db", DSN(storage.Config{Shard: shard.Shard{DBName: "/tmp/a.db"}}))
	assert.Equal(t, "file:/tmp/a.db?_pragma=busy_timeout(5000)",
		DSN(storage.Config{Shard: shard.Shard{DBName: "/tmp/a.db", ConnectionProperties: "_pragma=busy_timeout(5000)"}}))
}
