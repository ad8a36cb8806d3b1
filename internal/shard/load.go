package shard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Format selects the shard document shape.
type Format uint8

const (
	// Simple is a JSON array of shards.
	Simple Format = iota
	// Bulk is {"shardConfigurationBulk":{"dataShards":[...]}} with one entry
	// per host and a databases list per host.
	Bulk
)

// ParseFormat accepts "simple", "" and "bulk".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "simple", "single":
		return Simple, nil
	case "bulk":
		return Bulk, nil
	}
	return Simple, fmt.Errorf("shard: unknown config format %q", s)
}

func (f Format) String() string {
	if f == Bulk {
		return "bulk"
	}
	return "simple"
}

var (
	// ErrNoCredential means neither a password nor a secret URI was given.
	ErrNoCredential = errors.New("shard: neither password nor secretManagerUri given")
	// ErrSecretPattern means the secret URI is not a Secret Manager name.
	ErrSecretPattern = errors.New("does not adhere to expected pattern projects/.*/secrets/.*/versions/.*")
	// ErrNoAccessor means a secret URI was given but no accessor is configured.
	ErrNoAccessor = errors.New("shard: secret URI given but no secret accessor configured")
)

// SecretAccessor fetches the payload of a fully qualified secret version.
type SecretAccessor interface {
	AccessSecret(ctx context.Context, name string) (string, error)
}

var (
	fullSecret      = regexp.MustCompile(`^projects/.*/secrets/.*/versions/.*$`)
	partialSecret   = regexp.MustCompile(`^projects/.*/secrets/.*$`)
	partialSlashEnd = regexp.MustCompile(`^projects/.*/secrets/.*/$`)
)

// ResolveSecretName completes a secret URI to a version name. A full
// version name is returned unchanged; a bare secret gets /versions/latest.
func ResolveSecretName(uri string) (string, error) {
	uri = strings.TrimSpace(uri)
	switch {
	case fullSecret.MatchString(uri):
		return uri, nil
	case partialSlashEnd.MatchString(uri):
		return uri + "versions/latest", nil
	case partialSecret.MatchString(uri):
		return uri + "/versions/latest", nil
	}
	return "", fmt.Errorf("secretManagerUri %q %w", uri, ErrSecretPattern)
}

type bulkDoc struct {
	ShardConfigurationBulk *struct {
		DataShards []bulkHost `json:"dataShards"`
	} `json:"shardConfigurationBulk"`
}

type bulkHost struct {
	Host                 string          `json:"host"`
	Port                 json.RawMessage `json:"port"`
	User                 string          `json:"user"`
	Username             string          `json:"username"`
	Password             string          `json:"password"`
	SecretManagerURI     string          `json:"secretManagerUri"`
	Namespace            string          `json:"namespace"`
	ConnectionProperties string          `json:"connectionProperties"`
	Databases            []struct {
		DBName     string `json:"dbName"`
		DatabaseID string `json:"databaseId"`
	} `json:"databases"`
}

// Load reads a shard document, resolves every credential and returns the
// shards sorted by logical shard id. Any configuration error aborts the
// whole load. Identical duplicate entries collapse; conflicting duplicates
// are an error.
func Load(ctx context.Context, r io.Reader, format Format, secrets SecretAccessor) ([]Shard, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("shard: read: %w", err)
	}
	var shards []Shard
	switch format {
	case Bulk:
		shards, err = decodeBulk(raw)
	default:
		err = json.Unmarshal(raw, &shards)
	}
	if err != nil {
		return nil, fmt.Errorf("shard: decode %s document: %w", format, err)
	}

	log := zerolog.Ctx(ctx)
	for i := range shards {
		s := &shards[i]
		if strings.TrimSpace(s.LogicalShardID) == "" {
			return nil, fmt.Errorf("%w: entry %d has no logicalShardId", ErrInvalid, i)
		}
		pw, err := resolveCredential(ctx, secrets, s.Password, s.SecretManagerURI)
		if err != nil {
			return nil, fmt.Errorf("shard %q: %w", s.LogicalShardID, err)
		}
		s.Password = pw
		s.applyDefaults()
	}

	sort.SliceStable(shards, func(i, j int) bool {
		return shards[i].LogicalShardID < shards[j].LogicalShardID
	})
	out := make([]Shard, 0, len(shards))
	for i, s := range shards {
		if i > 0 && s.LogicalShardID == shards[i-1].LogicalShardID {
			if s != shards[i-1] {
				return nil, fmt.Errorf("%w: logicalShardId %q declared twice with different settings", ErrInvalid, s.LogicalShardID)
			}
			continue
		}
		out = append(out, s)
	}
	log.Info().Str("format", format.String()).Int("shards", len(out)).Msg("shard config loaded")
	return out, nil
}

func decodeBulk(raw []byte) ([]Shard, error) {
	var doc bulkDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if doc.ShardConfigurationBulk == nil {
		return nil, errors.New("missing shardConfigurationBulk")
	}
	var out []Shard
	for _, h := range doc.ShardConfigurationBulk.DataShards {
		if len(h.Databases) == 0 {
			return nil, fmt.Errorf("no databases found for host: %s", h.Host)
		}
		port, err := flexPort(h.Port)
		if err != nil {
			return nil, fmt.Errorf("host %s: %w", h.Host, err)
		}
		user := h.User
		if user == "" {
			user = h.Username
		}
		for _, db := range h.Databases {
			out = append(out, Shard{
				LogicalShardID:       db.DatabaseID,
				Host:                 h.Host,
				Port:                 port,
				User:                 user,
				Password:             h.Password,
				SecretManagerURI:     h.SecretManagerURI,
				DBName:               db.DBName,
				Namespace:            h.Namespace,
				ConnectionProperties: h.ConnectionProperties,
			})
		}
	}
	return out, nil
}

func resolveCredential(ctx context.Context, secrets SecretAccessor, password, uri string) (string, error) {
	if strings.TrimSpace(uri) != "" {
		name, err := ResolveSecretName(uri)
		if err != nil {
			return "", err
		}
		if secrets == nil {
			return "", ErrNoAccessor
		}
		pw, err := secrets.AccessSecret(ctx, name)
		if err != nil {
			return "", fmt.Errorf("access secret %s: %w", name, err)
		}
		if pw == "" {
			return "", fmt.Errorf("secret %s is empty: %w", name, ErrNoCredential)
		}
		return pw, nil
	}
	if password != "" {
		return password, nil
	}
	return "", ErrNoCredential
}
