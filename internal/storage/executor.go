package storage

import (
	"context"
	"fmt"

	"github.com/zeebo/xxh3"

	"revrepl/internal/dialect"
	"revrepl/internal/dml"
)

// ExecError carries the endpoint and statement identity of a failed write.
// Statement text is reduced to a fingerprint so bound values stay out of logs.
type ExecError struct {
	Key         string
	Table       string
	Op          string
	Fingerprint uint64
	Err         error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("exec %s on %s table=%s stmt=%016x: %v", e.Op, e.Key, e.Table, e.Fingerprint, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// Fingerprint hashes statement text.
func Fingerprint(text string) uint64 { return xxh3.HashString(text) }

// Sessions looks up the session for a connection key;
// *connpool.Pool[Session] satisfies it.
type Sessions interface {
	Get(key string) (Session, error)
}

// Executor runs generated statements on pooled sessions.
type Executor struct {
	src Sessions
	d   dialect.Dialect
}

// NewExecutor binds a session source to its dialect.
func NewExecutor(src Sessions, d dialect.Dialect) *Executor {
	return &Executor{src: src, d: d}
}

// Execute runs st on the session for key. Empty statements are a no-op.
// Parameterized statements must bind exactly one value per placeholder;
// the check runs before a session is touched.
func (e *Executor) Execute(ctx context.Context, key string, st dml.Statement) error {
	if st.Kind == dml.Empty {
		return nil
	}
	fail := func(err error) error {
		return &ExecError{
			Key:         key,
			Table:       st.Table,
			Op:          st.Op.String(),
			Fingerprint: Fingerprint(st.Text),
			Err:         err,
		}
	}
	if st.Kind == dml.Parameterized {
		if n := CountPlaceholders(e.d, st.Text); n != len(st.Args) {
			return fail(fmt.Errorf("%w: %d placeholders, %d values", ErrArgCount, n, len(st.Args)))
		}
	}
	s, err := e.src.Get(key)
	if err != nil {
		return err
	}
	switch st.Kind {
	case dml.Literal:
		err = s.ExecLiteral(ctx, st.Text)
	case dml.Parameterized:
		err = s.ExecPrepared(ctx, st.Text, st.Args)
	default:
		err = fmt.Errorf("%w: unknown statement kind %d", ErrStatement, st.Kind)
	}
	if err != nil {
		return fail(err)
	}
	return nil
}

// CountPlaceholders counts bind markers in text outside quoted strings and
// identifiers. Positional dialects count markers; numbered dialects
// (PostgreSQL $n, SQL Server @pN) return the highest index.
func CountPlaceholders(d dialect.Dialect, text string) int {
	var (
		count int
		quote byte
	)
	for i := 0; i < len(text); i++ {
		c := text[i]
		if quote != 0 {
			switch {
			case c == '\\' && quote == '\'' && d == dialect.MySQL:
				i++
			case c == quote:
				if i+1 < len(text) && text[i+1] == quote {
					i++
				} else {
					quote = 0
				}
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			quote = c
			continue
		case '[':
			if d == dialect.SQLServer {
				quote = ']'
				continue
			}
		}
		switch d {
		case dialect.PostgreSQL:
			if c == '$' {
				n, j := digits(text, i+1)
				if j > i+1 {
					count = max(count, n)
					i = j - 1
				}
			}
		case dialect.SQLServer:
			if c == '@' && i+1 < len(text) && (text[i+1] == 'p' || text[i+1] == 'P') {
				n, j := digits(text, i+2)
				if j > i+2 {
					count = max(count, n)
					i = j - 1
				}
			}
		default:
			if c == '?' {
				count++
			}
		}
	}
	return count
}

func digits(s string, from int) (int, int) {
	n, j := 0, from
	for j < len(s) && s[j] >= '0' && s[j] <= '9' {
		n = n*10 + int(s[j]-'0')
		j++
	}
	return n, j
}
