// Package config defines the JSON service document for the replication
// engine, its validation, and Load.
//
// Example:
//
//	{
//	  "job": "orders-reverse",
//	  "source": {
//	    "dialect": "mysql",
//	    "session_file": "gs://bucket/session.json",
//	    "shard_file": "gs://bucket/shards.json",
//	    "shard_format": "simple",
//	    "timezone_offset": "+00:00"
//	  },
//	  "runtime": { "workers": 8, "channel_buffer": 1024, "pool_size": 4 },
//	  "coercion": { "sniff_strings": false },
//	  "statements": { "literal": false },
//	  "metrics": { "backend": "prometheus", "pushgateway_url": "http://pushgateway:9091" },
//	  "logging": { "level": "info", "format": "json" }
//	}
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"revrepl/internal/datasource"
)

// Service is the top-level configuration document.
type Service struct {
	Job        string     `json:"job"`
	Source     Source     `json:"source"`
	Runtime    Runtime    `json:"runtime"`
	Coercion   Coercion   `json:"coercion"`
	Statements Statements `json:"statements"`
	Metrics    Metrics    `json:"metrics"`
	Logging    Logging    `json:"logging"`
}

// Source locates the source databases and their mapping documents.
type Source struct {
	// Dialect of every shard: mysql, postgres, mssql, sqlite or cassandra.
	Dialect string `json:"dialect"`
	// SessionFile is the schema correspondence document (path or gs:// URI).
	SessionFile string `json:"session_file"`
	// ShardFile is the shard configuration document (path or gs:// URI).
	ShardFile string `json:"shard_file"`
	// ShardFormat is "simple" (default) or "bulk".
	ShardFormat string `json:"shard_format"`
	// TimezoneOffset applies to records that carry none, e.g. "+05:30".
	TimezoneOffset string `json:"timezone_offset"`
}

// Runtime controls concurrency and connection sizing.
type Runtime struct {
	Workers        int    `json:"workers"`
	ChannelBuffer  int    `json:"channel_buffer"`
	PoolSize       int    `json:"pool_size"`
	ConnectTimeout string `json:"connect_timeout"`
}

// Coercion options.
type Coercion struct {
	// SniffStrings types string values of undeclared source columns as
	// UUID or IP address when they parse as one.
	SniffStrings bool `json:"sniff_strings"`
}

// Statements options.
type Statements struct {
	// Literal inlines every value instead of binding placeholders.
	Literal bool `json:"literal"`
}

// Metrics selects the metrics backend.
type Metrics struct {
	// Backend is "", "none", "prometheus" or "datadog".
	Backend        string `json:"backend"`
	PushgatewayURL string `json:"pushgateway_url"`
	DogstatsdAddr  string `json:"dogstatsd_addr"`
}

// Logging options.
type Logging struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Runtime defaults.
const (
	DefaultWorkers        = 4
	DefaultChannelBuffer  = 1024
	DefaultPoolSize       = 4
	DefaultConnectTimeout = 10 * time.Second
)

// WithDefaults fills unset runtime fields.
func (s Service) WithDefaults() Service {
	if s.Runtime.Workers <= 0 {
		s.Runtime.Workers = DefaultWorkers
	}
	if s.Runtime.ChannelBuffer <= 0 {
		s.Runtime.ChannelBuffer = DefaultChannelBuffer
	}
	if s.Runtime.PoolSize <= 0 {
		s.Runtime.PoolSize = DefaultPoolSize
	}
	return s
}

// Timeout parses Runtime.ConnectTimeout, falling back to the default.
func (r Runtime) Timeout() time.Duration {
	if d, err := time.ParseDuration(r.ConnectTimeout); err == nil && d > 0 {
		return d
	}
	return DefaultConnectTimeout
}

// Decode reads a Service document.
func Decode(r io.Reader) (Service, error) {
	var s Service
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return Service{}, fmt.Errorf("config: decode: %w", err)
	}
	return s, nil
}

// Load opens loc (local path, gs:// or http(s) URL) and decodes it.
func Load(ctx context.Context, loc string) (Service, error) {
	rc, err := datasource.Open(ctx, loc)
	if err != nil {
		return Service{}, err
	}
	defer rc.Close()
	return Decode(rc)
}
