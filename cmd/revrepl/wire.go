package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"revrepl/internal/apply"
	"revrepl/internal/coerce"
	"revrepl/internal/config"
	"revrepl/internal/connpool"
	"revrepl/internal/datasource"
	"revrepl/internal/dialect"
	"revrepl/internal/dml"
	"revrepl/internal/metrics"
	"revrepl/internal/schema"
	"revrepl/internal/secrets/gsm"
	"revrepl/internal/shard"
	"revrepl/internal/storage"

	// every dialect is selectable from config, so all backends are linked in.
	_ "revrepl/internal/storage/all"
)

// service is a started replication engine.
type service struct {
	applier *apply.Applier
	pool    *connpool.Pool[storage.Session]
	shards  []shard.Shard
}

func (s *service) Close() error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Close()
}

// build loads the schema and shard documents and opens the connection pool.
// In dry-run mode no session is opened and statements are rendered literal.
func build(ctx context.Context, svc config.Service, dryRun bool, log zerolog.Logger) (*service, error) {
	d, err := dialect.Parse(svc.Source.Dialect)
	if err != nil {
		return nil, err
	}
	tz, err := coerce.ParseOffset(svc.Source.TimezoneOffset)
	if err != nil {
		return nil, fmt.Errorf("timezone_offset: %w", err)
	}

	sc, err := loadSchema(ctx, svc.Source.SessionFile)
	if err != nil {
		return nil, err
	}
	shards, err := loadShards(ctx, svc.Source)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("dialect", d.String()).
		Int("tables", len(sc.TableNames())).
		Int("shards", len(shards)).
		Msg("documents loaded")

	pool := connpool.New[storage.Session](func(ctx context.Context, sh shard.Shard, size int) (storage.Session, error) {
		return storage.Open(ctx, storage.Config{Dialect: d, Shard: sh, PoolSize: size, Timeout: svc.Runtime.Timeout()})
	}, log)
	if !dryRun {
		if err := pool.Init(ctx, shards, svc.Runtime.PoolSize); err != nil {
			metrics.RecordSessions(svc.Job, 0, endpoints(shards))
			return nil, err
		}
		metrics.RecordSessions(svc.Job, pool.Len(), endpoints(shards)-pool.Len())
	}

	gen := dml.New(sc,
		coerce.New(d, coerce.Options{SniffStrings: svc.Coercion.SniffStrings}),
		dml.Options{Literal: svc.Statements.Literal || dryRun, Timezone: tz},
		log)
	a := apply.New(gen, storage.NewExecutor(pool, d), shards,
		apply.Options{Job: svc.Job, Dialect: d, DryRun: dryRun}, log)
	return &service{applier: a, pool: pool, shards: shards}, nil
}

func loadSchema(ctx context.Context, loc string) (*schema.Schema, error) {
	rc, err := datasource.Open(ctx, loc)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	sc, err := schema.Load(rc)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", loc, err)
	}
	return sc, nil
}

func loadShards(ctx context.Context, src config.Source) ([]shard.Shard, error) {
	format, err := shard.ParseFormat(src.ShardFormat)
	if err != nil {
		return nil, err
	}
	rc, err := datasource.Open(ctx, src.ShardFile)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	secrets := &lazySecrets{}
	defer secrets.Close()
	shards, err := shard.Load(ctx, rc, format, secrets)
	if err != nil {
		return nil, fmt.Errorf("shards %s: %w", src.ShardFile, err)
	}
	return shards, nil
}

func endpoints(shards []shard.Shard) int {
	keys := make(map[string]struct{}, len(shards))
	for _, sh := range shards {
		keys[sh.ConnectionKey()] = struct{}{}
	}
	return len(keys)
}

// newSecretAccessor is a test hook.
var newSecretAccessor = func(ctx context.Context) (secretClient, error) {
	return gsm.New(ctx)
}

type secretClient interface {
	shard.SecretAccessor
	io.Closer
}

// lazySecrets dials Secret Manager on first use, so shard files with inline
// passwords never need cloud credentials.
type lazySecrets struct {
	once sync.Once
	c    secretClient
	err  error
}

func (l *lazySecrets) AccessSecret(ctx context.Context, name string) (string, error) {
	l.once.Do(func() {
		l.c, l.err = newSecretAccessor(ctx)
	})
	if l.err != nil {
		return "", fmt.Errorf("secret manager: %w", l.err)
	}
	return l.c.AccessSecret(ctx, name)
}

func (l *lazySecrets) Close() error {
	if l.c == nil {
		return nil
	}
	return l.c.Close()
}
