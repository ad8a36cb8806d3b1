// Package mssql registers the SQL Server session opener.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/microsoft/go-mssqldb/msdsn"

	"revrepl/internal/dialect"
	"revrepl/internal/storage"
)

// openDB is a test hook.
var openDB = func(dsn string) (*sql.DB, error) {
	conn, err := mssql.NewConnector(dsn)
	if err != nil {
		return nil, err
	}
	return sql.OpenDB(conn), nil
}

func init() {
	storage.Register(dialect.SQLServer, Open)
}

// DSN renders the shard as a sqlserver:// URL. connectionProperties are
// merged into the query; database comes from dbName.
func DSN(cfg storage.Config) (string, error) {
	sh := cfg.Shard
	port, err := sh.PortNumber()
	if err != nil {
		return "", err
	}
	q, err := url.ParseQuery(strings.TrimPrefix(strings.TrimSpace(sh.ConnectionProperties), "?"))
	if err != nil {
		return "", fmt.Errorf("connectionProperties: %w", err)
	}
	if sh.DBName != "" {
		q.Set("database", sh.DBName)
	}
	if q.Get("dial timeout") == "" {
		q.Set("dial timeout", strconv.Itoa(int(cfg.ConnectTimeout().Seconds())))
	}
	u := url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(sh.User, sh.Password),
		Host:     net.JoinHostPort(sh.Host, strconv.Itoa(port)),
		RawQuery: q.Encode(),
	}
	dsn := u.String()
	if _, err := msdsn.Parse(dsn); err != nil {
		return "", fmt.Errorf("mssql dsn: %w", err)
	}
	return dsn, nil
}

// Open opens a pooled SQL Server session and pings it.
func Open(ctx context.Context, cfg storage.Config) (storage.Session, error) {
	dsn, err := DSN(cfg)
	if err != nil {
		return nil, err
	}
	db, err := openDB(dsn)
	if err != nil {
		return nil, err
	}
	if cfg.PoolSize > 0 {
		db.SetMaxOpenConns(cfg.PoolSize)
		db.SetMaxIdleConns(cfg.PoolSize)
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout())
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, storage.Wrap(storage.ErrConnection, fmt.Errorf("ping: %w", err))
	}
	return &storage.DBSession{DB: db, Classify: classify}, nil
}

func classify(err error) error {
	var me mssql.Error
	if !errors.As(err, &me) {
		return nil
	}
	switch me.Number {
	case 515, 547, 2601, 2627:
		return storage.Wrap(storage.ErrConstraint, err)
	case 1205, 4060, 18456, 40501, 40613:
		return storage.Wrap(storage.ErrConnection, err)
	case 102, 156, 207, 208, 245, 8114, 8152:
		return storage.Wrap(storage.ErrStatement, err)
	}
	return nil
}
