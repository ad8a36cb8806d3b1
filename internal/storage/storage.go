// Package storage contains the dialect-agnostic session contract used to
// apply statements to a source shard, plus a registry of backend openers.
//
// Backends register an Opener for their dialect at init time; importing
// revrepl/internal/storage/all wires every built-in backend.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"revrepl/internal/dialect"
	"revrepl/internal/shard"
)

// Session executes statements against one physical endpoint. It is safe for
// concurrent use.
type Session interface {
	// ExecPrepared runs text with bound args as a prepared statement.
	ExecPrepared(ctx context.Context, text string, args []any) error
	// ExecLiteral runs a fully rendered statement without binding.
	ExecLiteral(ctx context.Context, text string) error
	Close() error
}

// Config describes the session to open.
type Config struct {
	Dialect dialect.Dialect
	Shard   shard.Shard
	// PoolSize caps open connections per session; <= 0 means backend default.
	PoolSize int
	// Timeout bounds connect and ping; <= 0 means DefaultTimeout.
	Timeout time.Duration
}

// DefaultTimeout applies when Config.Timeout is unset.
const DefaultTimeout = 10 * time.Second

// ConnectTimeout is Timeout or DefaultTimeout.
func (c Config) ConnectTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// Opener opens a Session for a validated shard.
type Opener func(ctx context.Context, cfg Config) (Session, error)

var (
	mu      sync.RWMutex
	openers = map[dialect.Dialect]Opener{}
)

// Register registers (or replaces) the opener for d.
func Register(d dialect.Dialect, fn Opener) {
	mu.Lock()
	defer mu.Unlock()
	openers[d] = fn
}

// Registered reports whether an opener exists for d.
func Registered(d dialect.Dialect) bool {
	mu.RLock()
	defer mu.RUnlock()
	_, ok := openers[d]
	return ok
}

// Open validates cfg.Shard for the dialect and opens a session.
func Open(ctx context.Context, cfg Config) (Session, error) {
	mu.RLock()
	fn, ok := openers[cfg.Dialect]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage: no backend registered for dialect %q", cfg.Dialect)
	}
	if err := cfg.Shard.Validate(cfg.Dialect); err != nil {
		return nil, err
	}
	s, err := fn(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s %s: %w", cfg.Dialect, cfg.Shard.ConnectionKey(), err)
	}
	return s, nil
}

// Error classes. Backends wrap driver errors with one of these so callers can
// tell a broken endpoint from a rejected statement.
var (
	ErrConnection = errors.New("connection error")
	ErrConstraint = errors.New("constraint violation")
	ErrStatement  = errors.New("statement rejected")
	ErrArgCount   = errors.New("placeholder count does not match bound values")
)

// Class names the error class of err for logs and metric labels.
func Class(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrArgCount):
		return "arg_count"
	case errors.Is(err, ErrConnection), errors.Is(err, context.DeadlineExceeded):
		return "connection"
	case errors.Is(err, ErrConstraint):
		return "constraint"
	case errors.Is(err, ErrStatement):
		return "statement"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "unknown"
}

// Wrap tags err with class unless it is nil.
func Wrap(class, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", class, err)
}
