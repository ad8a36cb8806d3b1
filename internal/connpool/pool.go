// Package connpool keeps one session per physical endpoint, shared by every
// logical shard whose connection key resolves to that endpoint.
package connpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"revrepl/internal/shard"
)

var (
	// ErrNotInitialized is returned by Get before a successful Init.
	ErrNotInitialized = errors.New("connpool: not initialized")
	// ErrNotFound is returned by Get for a key with no session.
	ErrNotFound = errors.New("connpool: no session for connection key")
	// ErrEmpty means Init opened no session at all.
	ErrEmpty = errors.New("connpool: no session could be opened")
)

// DefaultParallelism bounds concurrent session opens in Init.
const DefaultParallelism = 8

// OpenFunc opens a session for sh.
type OpenFunc[S io.Closer] func(ctx context.Context, sh shard.Shard, poolSize int) (S, error)

// Pool maps connection keys to sessions. Init is serialised; Get is a
// lock-free read of the published map.
type Pool[S io.Closer] struct {
	open        OpenFunc[S]
	log         zerolog.Logger
	parallelism int

	mu       sync.Mutex
	sessions atomic.Pointer[map[string]S]
}

// New builds an empty pool.
func New[S io.Closer](open OpenFunc[S], log zerolog.Logger) *Pool[S] {
	return &Pool[S]{open: open, log: log, parallelism: DefaultParallelism}
}

// SetParallelism changes how many sessions Init opens at once.
func (p *Pool[S]) SetParallelism(n int) {
	if n > 0 {
		p.parallelism = n
	}
}

// Init opens one session per distinct connection key. A shard whose session
// fails to open is logged and skipped. Calling Init on a populated pool is
// a no-op; ErrEmpty is returned when nothing could be opened, and a later
// Init may try again.
func (p *Pool[S]) Init(ctx context.Context, shards []shard.Shard, poolSize int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cur := p.sessions.Load(); cur != nil && len(*cur) > 0 {
		return nil
	}

	byKey := make(map[string]shard.Shard)
	aliases := make(map[string][]string)
	for _, sh := range shards {
		k := sh.ConnectionKey()
		if _, ok := byKey[k]; !ok {
			byKey[k] = sh
		}
		aliases[k] = append(aliases[k], sh.LogicalShardID)
	}
	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var (
		smu    sync.Mutex
		opened = make(map[string]S, len(keys))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallelism)
	for _, k := range keys {
		sh := byKey[k]
		g.Go(func() error {
			s, err := p.open(gctx, sh, poolSize)
			if err != nil {
				p.log.Error().Err(err).
					Str("class", "infrastructure").
					Str("key", k).
					Strs("shards", aliases[k]).
					Msg("open session failed; shard skipped")
				return nil
			}
			smu.Lock()
			opened[k] = s
			smu.Unlock()
			p.log.Info().Str("key", k).Strs("shards", aliases[k]).Msg("session opened")
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		closeAll(opened)
		return fmt.Errorf("connpool: init: %w", err)
	}
	p.sessions.Store(&opened)
	p.log.Info().Int("sessions", len(opened)).Int("endpoints", len(keys)).Int("shards", len(shards)).Msg("connection pool ready")
	if len(opened) == 0 {
		return ErrEmpty
	}
	return nil
}

// Get returns the session for key.
func (p *Pool[S]) Get(key string) (S, error) {
	var zero S
	m := p.sessions.Load()
	if m == nil || len(*m) == 0 {
		return zero, ErrNotInitialized
	}
	s, ok := (*m)[key]
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return s, nil
}

// Len is the number of open sessions.
func (p *Pool[S]) Len() int {
	m := p.sessions.Load()
	if m == nil {
		return 0
	}
	return len(*m)
}

// Keys lists the connection keys with a session, sorted.
func (p *Pool[S]) Keys() []string {
	m := p.sessions.Load()
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(*m))
	for k := range *m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close closes every session and resets the pool.
func (p *Pool[S]) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.sessions.Swap(nil)
	if m == nil {
		return nil
	}
	return closeAll(*m)
}

func closeAll[S io.Closer](m map[string]S) error {
	var errs []error
	for k, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}
