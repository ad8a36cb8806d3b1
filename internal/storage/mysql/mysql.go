// Package mysql registers the MySQL session opener.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"

	"revrepl/internal/dialect"
	"revrepl/internal/storage"
)

// openDB is a test hook.
var openDB = func(c *mysql.Config) (*sql.DB, error) {
	conn, err := mysql.NewConnector(c)
	if err != nil {
		return nil, err
	}
	return sql.OpenDB(conn), nil
}

func init() {
	storage.Register(dialect.MySQL, Open)
}

// DriverConfig builds the driver configuration for cfg. connectionProperties
// is a query string appended to the DSN, e.g. "tls=skip-verify&charset=utf8mb4".
func DriverConfig(cfg storage.Config) (*mysql.Config, error) {
	sh := cfg.Shard
	port, err := sh.PortNumber()
	if err != nil {
		return nil, err
	}
	mc := mysql.NewConfig()
	mc.User = sh.User
	mc.Passwd = sh.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(sh.Host, strconv.Itoa(port))
	mc.DBName = sh.DBName
	mc.Timeout = cfg.ConnectTimeout()

	props := strings.TrimPrefix(strings.TrimSpace(sh.ConnectionProperties), "?")
	if props == "" {
		return mc, nil
	}
	dsn := mc.FormatDSN()
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	out, err := mysql.ParseDSN(dsn + sep + props)
	if err != nil {
		return nil, fmt.Errorf("connectionProperties: %w", err)
	}
	return out, nil
}

// Open opens a pooled MySQL session and pings it.
func Open(ctx context.Context, cfg storage.Config) (storage.Session, error) {
	mc, err := DriverConfig(cfg)
	if err != nil {
		return nil, err
	}
	db, err := openDB(mc)
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
	if errors.Is(err, mysql.ErrInvalidConn) {
		return storage.Wrap(storage.ErrConnection, err)
	}
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return nil
	}
	switch me.Number {
	case 1022, 1048, 1062, 1216, 1217, 1451, 1452, 1557, 1586, 3819:
		return storage.Wrap(storage.ErrConstraint, err)
	case 1040, 1053, 1205, 1213, 2002, 2006, 2013:
		return storage.Wrap(storage.ErrConnection, err)
	case 1054, 1064, 1146, 1149, 1292, 1366, 1406:
		return storage.Wrap(storage.ErrStatement, err)
	}
	return nil
}
