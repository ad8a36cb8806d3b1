// Package gcs reads Cloud Storage objects addressed as gs://bucket/object.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

type objectReader interface {
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	Close() error
}

type client struct{ c *storage.Client }

func (g client) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return g.c.Bucket(bucket).Object(object).NewReader(ctx)
}

func (g client) Close() error { return g.c.Close() }

// newObjectReader is a test hook.
var newObjectReader = func(ctx context.Context) (objectReader, error) {
	c, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return client{c}, nil
}

// ParseURI splits gs://bucket/path/to/object.
func ParseURI(uri string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("gcs: %q is not a gs:// URI", uri)
	}
	bucket, object, _ = strings.Cut(rest, "/")
	if bucket == "" || object == "" {
		return "", "", fmt.Errorf("gcs: %q needs a bucket and an object", uri)
	}
	return bucket, object, nil
}

// Object is one Cloud Storage object.
type Object struct {
	Bucket string
	Name   string
}

// NewObject parses uri into an Object.
func NewObject(uri string) (*Object, error) {
	b, o, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	return &Object{Bucket: b, Name: o}, nil
}

// Open dials a storage client per call; closing the reader closes the client.
func (o *Object) Open(ctx context.Context) (io.ReadCloser, error) {
	c, err := newObjectReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs: client: %w", err)
	}
	r, err := c.NewReader(ctx, o.Bucket, o.Name)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("gcs: read gs://%s/%s: %w", o.Bucket, o.Name, err)
	}
	return &objectDoc{ReadCloser: r, client: c}, nil
}

type objectDoc struct {
	io.ReadCloser
	client objectReader
}

func (d *objectDoc) Close() error {
	return errors.Join(d.ReadCloser.Close(), d.client.Close())
}
