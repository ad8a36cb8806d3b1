package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"revrepl/internal/apply"
	"revrepl/internal/coerce"
	"revrepl/pkg/records"
)

const (
	// maxRecordBytes bounds one JSON line.
	maxRecordBytes = 16 << 20
	// showFirst is how many distinct failure messages the summary keeps.
	showFirst = 5
)

// recordApplier is satisfied by *apply.Applier.
type recordApplier interface {
	Apply(ctx context.Context, rec records.ChangeRecord) (apply.Outcome, error)
}

// counters hold cross-worker statistics for a run.
//
// Every line read ends in exactly one bucket:
//
//	read == decode_errors + applied + planned + dropped + coercion + routing + execution
type counters struct {
	read         atomic.Int64
	decodeErrors atomic.Int64
	applied      atomic.Int64
	planned      atomic.Int64
	dropped      atomic.Int64
	coercion     atomic.Int64
	routing      atomic.Int64
	execution    atomic.Int64

	drops    *errAgg // keyed by drop reason
	failures *errAgg
}

func newCounters() *counters {
	return &counters{drops: newErrAgg(0), failures: newErrAgg(showFirst)}
}

type line struct {
	n   int
	raw []byte
}

// runStream reads JSON lines from r and applies them with `workers`
// goroutines. Record-level failures are counted, not returned; the error is
// the reader's or the context's.
func runStream(ctx context.Context, r io.Reader, a recordApplier, workers, buffer int, log zerolog.Logger) (*counters, error) {
	if workers <= 0 {
		workers = 1
	}
	c := newCounters()
	lines := make(chan line, buffer)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for l := range lines {
				c.handle(ctx, a, l, log)
			}
		}()
	}

	readErr := func() error {
		defer close(lines)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64<<10), maxRecordBytes)
		n := 0
		for sc.Scan() {
			if err := ctx.Err(); err != nil {
				return err
			}
			n++
			raw := sc.Bytes()
			if len(raw) == 0 {
				continue
			}
			l := line{n: n, raw: append([]byte(nil), raw...)}
			select {
			case lines <- l:
				c.read.Add(1)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := sc.Err(); err != nil {
			return fmt.Errorf("read input at line %d: %w", n+1, err)
		}
		return nil
	}()
	wg.Wait()
	return c, readErr
}

func (c *counters) handle(ctx context.Context, a recordApplier, l line, log zerolog.Logger) {
	var rec records.ChangeRecord
	if err := json.Unmarshal(l.raw, &rec); err != nil {
		c.decodeErrors.Add(1)
		c.failures.add(fmt.Sprintf("line %d: decode: %v", l.n, err))
		log.Error().Err(err).Int("line", l.n).Str("class", "schema").Msg("decode change record")
		return
	}

	out, err := a.Apply(ctx, rec)
	if err == nil {
		switch out.Status {
		case apply.Dropped:
			c.dropped.Add(1)
			c.drops.add(out.Reason)
		case apply.Planned:
			c.planned.Add(1)
		default:
			c.applied.Add(1)
		}
		return
	}

	var (
		ce *coerce.Error
		re *apply.RoutingError
	)
	switch {
	case errors.As(err, &ce):
		c.coercion.Add(1)
	case errors.As(err, &re):
		c.routing.Add(1)
	default:
		c.execution.Add(1)
	}
	c.failures.add(fmt.Sprintf("line %d: %v", l.n, err))
}

// logSummary prints final statistics and the first distinct failures.
func logSummary(log zerolog.Logger, c *counters) {
	if c == nil {
		return
	}
	log.Info().
		Int64("read", c.read.Load()).
		Int64("decode_errors", c.decodeErrors.Load()).
		Int64("applied", c.applied.Load()).
		Int64("planned", c.planned.Load()).
		Int64("dropped", c.dropped.Load()).
		Int64("coercion_failures", c.coercion.Load()).
		Int64("routing_failures", c.routing.Load()).
		Int64("execution_failures", c.execution.Load()).
		Msg("summary")

	for _, reason := range c.drops.keys() {
		log.Info().Str("reason", reason).Int("count", c.drops.bucket(reason)).Msg("dropped records")
	}
	if n := c.failures.total(); n > 0 {
		first := c.failures.firstN()
		log.Warn().Int("failures", n).Int("shown", len(first)).Msg("failed records")
		for i, s := range first {
			log.Warn().Msgf("  #%03d: %s", i+1, s)
		}
	}

	accounted := c.decodeErrors.Load() + c.applied.Load() + c.planned.Load() + c.dropped.Load() +
		c.coercion.Load() + c.routing.Load() + c.execution.Load()
	if accounted != c.read.Load() {
		log.Warn().Int64("read", c.read.Load()).Int64("accounted", accounted).Msg("record accounting mismatch")
	}
}

// errAgg aggregates messages: a count per distinct message plus the first
// `limit` messages in arrival order.
type errAgg struct {
	mu      sync.Mutex
	limit   int
	count   int
	first   []string
	buckets map[string]int
}

func newErrAgg(limit int) *errAgg {
	return &errAgg{limit: limit, buckets: make(map[string]int)}
}

func (a *errAgg) add(msg string) {
	a.mu.Lock()
	a.buckets[msg]++
	if a.count < a.limit {
		a.first = append(a.first, msg)
	}
	a.count++
	a.mu.Unlock()
}

func (a *errAgg) total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

func (a *errAgg) firstN() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.first...)
}

func (a *errAgg) bucket(msg string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buckets[msg]
}

func (a *errAgg) keys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.buckets))
	for k := range a.buckets {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
