// Package file opens documents on the local filesystem.
package file

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Local is a file on disk. Each Open returns a fresh handle.
type Local struct{ path string }

func NewLocal(path string) *Local { return &Local{path: path} }

// Path returns the bound path.
func (l *Local) Path() string { return l.path }

// Open returns ctx.Err() without touching the filesystem when ctx is already
// done. Filesystem errors keep their identity for errors.Is(err, os.ErrNotExist).
func (l *Local) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", l.path, err)
	}
	return f, nil
}
