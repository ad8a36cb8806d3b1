// Package logging builds the process zerolog logger.
package logging

import (
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options selects level and output format.
type Options struct {
	// Level is trace, debug, info, warn or error; unknown values mean info.
	Level string
	// Format is json (default) or console.
	Format string
	// Job, when set, is attached to every event.
	Job string
}

// New returns a timestamped logger writing to w. Writes are serialised so
// worker goroutines can share it.
func New(w io.Writer, opts Options) zerolog.Logger {
	out := zerolog.SyncWriter(w)
	if strings.EqualFold(opts.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(opts.Level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	ctx := zerolog.New(out).Level(lvl).With().Timestamp()
	if opts.Job != "" {
		ctx = ctx.Str("job", opts.Job)
	}
	return ctx.Logger()
}
