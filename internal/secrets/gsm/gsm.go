// Package gsm resolves shard credentials from Google Secret Manager.
package gsm

import (
	"context"
	"fmt"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
)

type versionAccessor interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Accessor implements shard.SecretAccessor.
type Accessor struct {
	c versionAccessor
}

var newClient = func(ctx context.Context) (versionAccessor, error) {
	return secretmanager.NewClient(ctx)
}

// New dials Secret Manager with application default credentials.
func New(ctx context.Context) (*Accessor, error) {
	c, err := newClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gsm: new client: %w", err)
	}
	return &Accessor{c: c}, nil
}

// AccessSecret returns the payload of a fully qualified secret version.
func (a *Accessor) AccessSecret(ctx context.Context, name string) (string, error) {
	resp, err := a.c.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", fmt.Errorf("gsm: access %s: %w", name, err)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (a *Accessor) Close() error { return a.c.Close() }
