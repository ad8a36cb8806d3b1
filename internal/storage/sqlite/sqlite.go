// Package sqlite registers the SQLite session opener using the pure-Go
// modernc driver. The shard's dbName is the database file path.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"revrepl/internal/dialect"
	"revrepl/internal/storage"
)

func init() {
	storage.Register(dialect.SQLite, Open)
}

// DSN is dbName with connectionProperties appended as a query string.
func DSN(cfg storage.Config) string {
	dsn := strings.TrimSpace(cfg.Shard.DBName)
	props := strings.TrimPrefix(strings.TrimSpace(cfg.Shard.ConnectionProperties), "?")
	if props == "" {
		return dsn
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + props
}

// Open opens the database with a single connection; SQLite serialises
// writers anyway.
func Open(ctx context.Context, cfg storage.Config) (storage.Session, error) {
	db, err := sql.Open("sqlite", DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout())
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, storage.Wrap(storage.ErrConnection, fmt.Errorf("sqlite: ping: %w", err))
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, storage.Wrap(storage.ErrConnection, fmt.Errorf("sqlite: enable foreign keys: %w", err))
	}
	return &storage.DBSession{DB: db, Classify: classify}, nil
}

func classify(err error) error {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return nil
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_CONSTRAINT:
		return storage.Wrap(storage.ErrConstraint, err)
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_IOERR:
		return storage.Wrap(storage.ErrConnection, err)
	case sqlite3.SQLITE_ERROR, sqlite3.SQLITE_MISMATCH, sqlite3.SQLITE_RANGE:
		return storage.Wrap(storage.ErrStatement, err)
	}
	return nil
}
