// Package datasource opens the documents the engine reads: the session
// document, the shard file and the change-record stream.
package datasource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"revrepl/internal/datasource/file"
	"revrepl/internal/datasource/gcs"
	"revrepl/internal/datasource/httpds"
)

type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Stdin is the location naming the process's standard input.
const Stdin = "-"

// HTTP is the client used for http(s) locations.
var HTTP = httpds.NewClient(httpds.Config{MaxRetries: 3})

// For maps a location to its Source: gs://bucket/object, an http(s) URL,
// Stdin (served from stdin) or a local path.
func For(loc string, stdin io.Reader) (Source, error) {
	loc = strings.TrimSpace(loc)
	switch {
	case loc == "":
		return nil, errors.New("datasource: empty location")
	case loc == Stdin:
		if stdin == nil {
			return nil, errors.New("datasource: stdin is not available")
		}
		return reader{stdin}, nil
	case strings.HasPrefix(loc, "gs://"):
		o, err := gcs.NewObject(loc)
		if err != nil {
			return nil, err
		}
		return o, nil
	case strings.HasPrefix(loc, "http://"), strings.HasPrefix(loc, "https://"):
		return HTTP.URL(loc), nil
	case strings.Contains(loc, "://"):
		return nil, fmt.Errorf("datasource: unsupported scheme in %q", loc)
	}
	return file.NewLocal(loc), nil
}

// Open opens loc; stdin is not available through it.
func Open(ctx context.Context, loc string) (io.ReadCloser, error) {
	src, err := For(loc, nil)
	if err != nil {
		return nil, err
	}
	return src.Open(ctx)
}

type reader struct{ r io.Reader }

func (s reader) Open(context.Context) (io.ReadCloser, error) { return io.NopCloser(s.r), nil }
