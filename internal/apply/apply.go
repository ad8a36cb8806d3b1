// Package apply drives one change record through translation, shard
// routing and execution, and classifies the result.
package apply

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"revrepl/internal/coerce"
	"revrepl/internal/connpool"
	"revrepl/internal/dialect"
	"revrepl/internal/dml"
	"revrepl/internal/metrics"
	"revrepl/internal/shard"
	"revrepl/internal/storage"
	"revrepl/pkg/records"
)

// ErrUnknownShard means the record names a shard that is not configured.
var ErrUnknownShard = errors.New("apply: unknown logical shard")

// RoutingError means the record could not be matched to a live session.
type RoutingError struct {
	Shard string
	Err   error
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("route shard %q: %v", e.Shard, e.Err)
}

func (e *RoutingError) Unwrap() error { return e.Err }

// Retryable reports whether the pool was simply not ready yet.
func (e *RoutingError) Retryable() bool {
	return errors.Is(e.Err, connpool.ErrNotInitialized)
}

// Status is the fate of one record.
type Status uint8

const (
	Failed Status = iota
	Applied
	Dropped
	// Planned means the statement was generated but not executed (dry run).
	Planned
)

func (s Status) String() string {
	switch s {
	case Applied:
		return "applied"
	case Dropped:
		return "dropped"
	case Planned:
		return "planned"
	default:
		return "failed"
	}
}

// Outcome describes what happened to a record. Reason is the drop reason
// for Dropped and the error class for Failed.
type Outcome struct {
	Status    Status
	Reason    string
	Shard     string
	Statement dml.Statement
}

// Executor runs a statement on the session for a connection key.
type Executor interface {
	Execute(ctx context.Context, key string, st dml.Statement) error
}

// Options configure an Applier.
type Options struct {
	Job     string
	Dialect dialect.Dialect
	// DryRun generates and logs statements without executing them.
	DryRun bool
}

// Applier is safe for concurrent use.
type Applier struct {
	gen    *dml.Generator
	exec   Executor
	shards map[string]shard.Shard
	only   *shard.Shard
	opts   Options
	log    zerolog.Logger
}

// New builds an Applier over the loaded shards.
func New(gen *dml.Generator, exec Executor, shards []shard.Shard, opts Options, log zerolog.Logger) *Applier {
	a := &Applier{gen: gen, exec: exec, shards: shard.Index(shards), opts: opts, log: log}
	if len(shards) == 1 {
		only := shards[0]
		a.only = &only
	}
	return a
}

// Apply translates and executes rec. Dropped records return a nil error.
// Failures return *coerce.Error, *RoutingError or *storage.ExecError.
func (a *Applier) Apply(ctx context.Context, rec records.ChangeRecord) (Outcome, error) {
	out := Outcome{Shard: rec.Shard}

	st, err := a.gen.Generate(rec)
	if err != nil {
		out.Reason = "coercion"
		a.fail(rec, out.Reason, "schema", err).Msg("coercion failed")
		return out, err
	}
	out.Statement = st
	if st.Empty() {
		out.Status = Dropped
		out.Reason = string(st.DropReason)
		metrics.RecordOutcome(a.opts.Job, metrics.OutcomeDropped, out.Reason)
		return out, nil
	}

	sh, err := a.route(rec.Shard)
	if err != nil {
		out.Reason = "routing"
		a.fail(rec, out.Reason, "infrastructure", err).Msg("routing failed")
		return out, err
	}
	out.Shard = sh.LogicalShardID
	key := sh.ConnectionKey()

	if a.opts.DryRun {
		out.Status = Planned
		a.log.Info().
			Str("table", rec.TableName).
			Str("mod_type", rec.ModType.String()).
			Str("shard", sh.LogicalShardID).
			Str("key", key).
			Str("statement", st.Text).
			Msg("dry run")
		return out, nil
	}

	start := time.Now()
	err = a.exec.Execute(ctx, key, st)
	metrics.RecordStatement(a.opts.Job, a.opts.Dialect.String(), st.Op.String(), err, time.Since(start))
	if err != nil {
		if errors.Is(err, connpool.ErrNotFound) || errors.Is(err, connpool.ErrNotInitialized) {
			err = &RoutingError{Shard: sh.LogicalShardID, Err: err}
			out.Reason = "routing"
		} else {
			out.Reason = storage.Class(err)
		}
		ev := a.fail(rec, out.Reason, "infrastructure", err).
			Str("key", key).
			Str("stmt", fmt.Sprintf("%016x", storage.Fingerprint(st.Text)))
		if st.Kind == dml.Parameterized {
			ev = ev.Str("statement", st.Text)
		}
		ev.Msg("execute failed")
		return out, err
	}

	out.Status = Applied
	metrics.RecordOutcome(a.opts.Job, metrics.OutcomeApplied, "")
	a.log.Debug().
		Str("table", rec.TableName).
		Str("mod_type", rec.ModType.String()).
		Str("shard", sh.LogicalShardID).
		Msg("applied")
	return out, nil
}

func (a *Applier) route(id string) (shard.Shard, error) {
	if id == "" {
		if a.only != nil {
			return *a.only, nil
		}
		return shard.Shard{}, &RoutingError{Err: fmt.Errorf("%w: record has no shard and %d shards are configured", ErrUnknownShard, len(a.shards))}
	}
	sh, ok := a.shards[id]
	if !ok {
		return shard.Shard{}, &RoutingError{Shard: id, Err: ErrUnknownShard}
	}
	return sh, nil
}

func (a *Applier) fail(rec records.ChangeRecord, reason, class string, err error) *zerolog.Event {
	metrics.RecordOutcome(a.opts.Job, metrics.OutcomeFailed, reason)
	ev := a.log.Error().
		Err(err).
		Str("class", class).
		Str("reason", reason).
		Str("table", rec.TableName).
		Str("mod_type", rec.ModType.String()).
		Str("shard", rec.Shard)
	var ce *coerce.Error
	if errors.As(err, &ce) {
		ev = ev.Str("column", ce.Column)
	}
	return ev
}
