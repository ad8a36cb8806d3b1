// Package cassandra registers the Cassandra session opener, backed by gocql.
package cassandra

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gocql/gocql"
	"golang.org/x/sync/semaphore"

	"revrepl/internal/dialect"
	"revrepl/internal/storage"
)

func init() {
	storage.Register(dialect.Cassandra, Open)
}

// ClusterConfig builds the gocql cluster for cfg. Host may list several
// comma-separated contact points.
func ClusterConfig(cfg storage.Config) (*gocql.ClusterConfig, error) {
	sh := cfg.Shard
	port, err := sh.PortNumber()
	if err != nil {
		return nil, err
	}
	var hosts []string
	for _, h := range strings.Split(sh.Host, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	if len(hosts) == 0 {
		return nil, errors.New("no contact points")
	}
	cons, err := gocql.ParseConsistencyWrapper(sh.ConsistencyLevel)
	if err != nil {
		return nil, fmt.Errorf("consistencyLevel: %w", err)
	}
	proto, err := ProtocolVersion(sh.ProtocolVersion)
	if err != nil {
		return nil, err
	}

	cc := gocql.NewCluster(hosts...)
	cc.Port = port
	cc.Keyspace = sh.Keyspace
	cc.Consistency = cons
	cc.ProtoVersion = proto
	cc.Authenticator = gocql.PasswordAuthenticator{Username: sh.User, Password: sh.Password}
	cc.PoolConfig.HostSelectionPolicy = gocql.TokenAwareHostPolicy(gocql.DCAwareRoundRobinPolicy(sh.DataCenter))
	cc.Timeout = cfg.ConnectTimeout()
	cc.ConnectTimeout = cfg.ConnectTimeout()
	if cfg.PoolSize > 0 {
		cc.NumConns = cfg.PoolSize
	}
	if sh.SSLOptions {
		cc.SslOpts = &gocql.SslOptions{
			Config:                 &tls.Config{MinVersion: tls.VersionTLS12},
			EnableHostVerification: true,
		}
	}
	return cc, nil
}

// ProtocolVersion accepts "v4", "V5", "4" and so on.
func ProtocolVersion(s string) (int, error) {
	v := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "v")
	if v == "" {
		v = "5"
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 3 || n > 5 {
		return 0, fmt.Errorf("unsupported protocolVersion %q", s)
	}
	return n, nil
}

// createSession is a test hook.
var createSession = func(cc *gocql.ClusterConfig) (querier, error) {
	s, err := cc.CreateSession()
	if err != nil {
		return nil, err
	}
	return gocqlSession{s}, nil
}

type querier interface {
	exec(ctx context.Context, text string, args []any) error
	close()
}

type gocqlSession struct{ s *gocql.Session }

func (g gocqlSession) exec(ctx context.Context, text string, args []any) error {
	return g.s.Query(text, args...).WithContext(ctx).Idempotent(true).Exec()
}

func (g gocqlSession) close() { g.s.Close() }

// Open creates the gocql session. localPoolSize caps in-flight requests.
func Open(_ context.Context, cfg storage.Config) (storage.Session, error) {
	cc, err := ClusterConfig(cfg)
	if err != nil {
		return nil, err
	}
	q, err := createSession(cc)
	if err != nil {
		return nil, storage.Wrap(storage.ErrConnection, err)
	}
	limit := cfg.Shard.LocalPoolSize
	if limit <= 0 {
		limit = 1
	}
	return &session{q: q, inflight: semaphore.NewWeighted(int64(limit))}, nil
}

type session struct {
	q        querier
	inflight *semaphore.Weighted
}

func (s *session) run(ctx context.Context, text string, args []any) error {
	if err := s.inflight.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.inflight.Release(1)
	return classify(s.q.exec(ctx, text, args))
}

func (s *session) ExecPrepared(ctx context.Context, text string, args []any) error {
	return s.run(ctx, text, args)
}

func (s *session) ExecLiteral(ctx context.Context, text string) error {
	return s.run(ctx, text, nil)
}

func (s *session) Close() error {
	s.q.close()
	return nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, gocql.ErrNoConnections), errors.Is(err, gocql.ErrTimeoutNoResponse),
		errors.Is(err, gocql.ErrSessionClosed), errors.Is(err, gocql.ErrConnectionClosed):
		return storage.Wrap(storage.ErrConnection, err)
	}
	var re gocql.RequestError
	if errors.As(err, &re) {
		switch re.Code() {
		case gocql.ErrCodeUnavailable, gocql.ErrCodeWriteTimeout, gocql.ErrCodeOverloaded,
			gocql.ErrCodeBootstrapping, gocql.ErrCodeTruncate, gocql.ErrCodeServer:
			return storage.Wrap(storage.ErrConnection, err)
		case gocql.ErrCodeSyntax, gocql.ErrCodeInvalid, gocql.ErrCodeUnauthorized, gocql.ErrCodeConfig:
			return storage.Wrap(storage.ErrStatement, err)
		}
	}
	return storage.ClassifyCommon(err)
}
