// Package postgres registers the PostgreSQL session opener, backed by pgxpool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"revrepl/internal/dialect"
	"revrepl/internal/storage"
)

// pgxPool is the subset of *pgxpool.Pool the session needs.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close()
}

// newPool is a test hook.
var newPool = func(ctx context.Context, pc *pgxpool.Config) (pgxPool, error) {
	return pgxpool.NewWithConfig(ctx, pc)
}

func init() {
	storage.Register(dialect.PostgreSQL, Open)
}

// ConnString renders the shard as a postgres:// URL.
func ConnString(cfg storage.Config) (string, error) {
	sh := cfg.Shard
	port, err := sh.PortNumber()
	if err != nil {
		return "", err
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(sh.User, sh.Password),
		Host:     net.JoinHostPort(sh.Host, strconv.Itoa(port)),
		Path:     "/" + sh.DBName,
		RawQuery: strings.TrimPrefix(strings.TrimSpace(sh.ConnectionProperties), "?"),
	}
	return u.String(), nil
}

// PoolConfig parses the connection string and applies pool size, connect
// timeout and the shard namespace as search_path.
func PoolConfig(cfg storage.Config) (*pgxpool.Config, error) {
	cs, err := ConnString(cfg)
	if err != nil {
		return nil, err
	}
	pc, err := pgxpool.ParseConfig(cs)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.PoolSize > 0 {
		pc.MaxConns = int32(cfg.PoolSize)
	}
	pc.ConnConfig.ConnectTimeout = cfg.ConnectTimeout()
	if ns := strings.TrimSpace(cfg.Shard.Namespace); ns != "" {
		pc.ConnConfig.RuntimeParams["search_path"] = ns
	}
	return pc, nil
}

// Open creates the pool and pings it.
func Open(ctx context.Context, cfg storage.Config) (storage.Session, error) {
	pc, err := PoolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := newPool(ctx, pc)
	if err != nil {
		return nil, storage.Wrap(storage.ErrConnection, err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout())
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, storage.Wrap(storage.ErrConnection, fmt.Errorf("ping: %w", err))
	}
	return &session{pool: pool}, nil
}

type session struct {
	pool pgxPool
}

// ExecPrepared uses pgx's cached prepared statements.
func (s *session) ExecPrepared(ctx context.Context, text string, args []any) error {
	_, err := s.pool.Exec(ctx, text, args...)
	return classify(err)
}

// ExecLiteral sends text over the simple query protocol.
func (s *session) ExecLiteral(ctx context.Context, text string) error {
	_, err := s.pool.Exec(ctx, text, pgx.QueryExecModeSimpleProtocol)
	return classify(err)
}

func (s *session) Close() error {
	s.pool.Close()
	return nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		switch {
		case strings.HasPrefix(pe.Code, "23"):
			return storage.Wrap(storage.ErrConstraint, err)
		case strings.HasPrefix(pe.Code, "08"), strings.HasPrefix(pe.Code, "53"),
			strings.HasPrefix(pe.Code, "57P"), pe.Code == "40001", pe.Code == "40P01":
			return storage.Wrap(storage.ErrConnection, err)
		case strings.HasPrefix(pe.Code, "42"), strings.HasPrefix(pe.Code, "22"):
			return storage.Wrap(storage.ErrStatement, err)
		}
		return err
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return storage.Wrap(storage.ErrConnection, err)
	}
	return storage.ClassifyCommon(err)
}
