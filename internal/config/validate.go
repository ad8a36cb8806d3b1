package config

import (
	"fmt"
	"strings"
	"time"

	"revrepl/internal/coerce"
	"revrepl/internal/datasource"
	"revrepl/internal/dialect"
	"revrepl/internal/shard"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError blocks startup.
	SeverityError IssueSeverity = "error"
	// SeverityWarning is surfaced but does not block.
	SeverityWarning IssueSeverity = "warning"
)

// Issue is a single validation finding. Path is a dotted path into the
// document, e.g. "source.dialect".
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Validate lints a Service document without mutating it.
func Validate(s Service) []Issue {
	var issues []Issue
	if strings.TrimSpace(s.Job) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "job",
			Message:  "job must not be empty; it labels metrics and logs",
		})
	}
	issues = append(issues, validateSource(s.Source)...)
	issues = append(issues, validateRuntime(s.Runtime)...)
	issues = append(issues, validateMetrics(s.Metrics)...)
	issues = append(issues, validateLogging(s.Logging)...)
	return issues
}

func validateSource(src Source) []Issue {
	var issues []Issue
	errorf := func(path, format string, args ...any) {
		issues = append(issues, Issue{Severity: SeverityError, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(src.Dialect) == "" {
		errorf("source.dialect", "source.dialect must not be empty")
	} else if _, err := dialect.Parse(src.Dialect); err != nil {
		errorf("source.dialect", "unknown dialect %q; want mysql, postgres, mssql, sqlite or cassandra", src.Dialect)
	}
	for _, doc := range []struct{ path, loc string }{
		{"source.session_file", src.SessionFile},
		{"source.shard_file", src.ShardFile},
	} {
		if strings.TrimSpace(doc.loc) == "" {
			errorf(doc.path, "%s must not be empty", strings.TrimPrefix(doc.path, "source."))
		} else if _, err := datasource.For(doc.loc, nil); err != nil {
			errorf(doc.path, "%v", err)
		}
	}
	if _, err := shard.ParseFormat(src.ShardFormat); err != nil {
		errorf("source.shard_format", "shard_format must be simple or bulk, got %q", src.ShardFormat)
	}
	if _, err := coerce.ParseOffset(src.TimezoneOffset); err != nil {
		errorf("source.timezone_offset", "timezone_offset must look like +05:30, got %q", src.TimezoneOffset)
	}
	return issues
}

func validateRuntime(r Runtime) []Issue {
	var issues []Issue
	for path, v := range map[string]int{
		"runtime.workers":        r.Workers,
		"runtime.channel_buffer": r.ChannelBuffer,
		"runtime.pool_size":      r.PoolSize,
	} {
		if v < 0 {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     path,
				Message:  fmt.Sprintf("%s must be >= 0 (0 means default), got %d", path, v),
			})
		}
	}
	if r.Workers > 256 {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "runtime.workers",
			Message:  fmt.Sprintf("workers=%d is unusually high; each worker may hold a connection", r.Workers),
		})
	}
	if r.PoolSize > 0 && r.Workers > 0 && r.PoolSize < r.Workers {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "runtime.pool_size",
			Message:  fmt.Sprintf("pool_size=%d is below workers=%d; workers will queue for connections", r.PoolSize, r.Workers),
		})
	}
	if r.ConnectTimeout != "" {
		if d, err := time.ParseDuration(r.ConnectTimeout); err != nil || d <= 0 {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "runtime.connect_timeout",
				Message:  fmt.Sprintf("connect_timeout must be a positive duration like 10s, got %q", r.ConnectTimeout),
			})
		}
	}
	return issues
}

func validateMetrics(m Metrics) []Issue {
	switch strings.ToLower(strings.TrimSpace(m.Backend)) {
	case "", "none":
		return nil
	case "prometheus", "prom", "pushgateway":
		if m.PushgatewayURL == "" {
			return []Issue{{
				Severity: SeverityWarning,
				Path:     "metrics.pushgateway_url",
				Message:  "prometheus backend without pushgateway_url; PUSHGATEWAY_URL must be set",
			}}
		}
		return nil
	case "datadog", "dogstatsd":
		if m.DogstatsdAddr == "" {
			return []Issue{{
				Severity: SeverityWarning,
				Path:     "metrics.dogstatsd_addr",
				Message:  "datadog backend without dogstatsd_addr; DD_AGENT_ADDR must be set",
			}}
		}
		return nil
	}
	return []Issue{{
		Severity: SeverityError,
		Path:     "metrics.backend",
		Message:  fmt.Sprintf("unknown metrics backend %q", m.Backend),
	}}
}

func validateLogging(l Logging) []Issue {
	var issues []Issue
	switch strings.ToLower(l.Format) {
	case "", "json", "console":
	default:
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "logging.format",
			Message:  fmt.Sprintf("unknown log format %q; using json", l.Format),
		})
	}
	switch strings.ToLower(l.Level) {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "logging.level",
			Message:  fmt.Sprintf("unknown log level %q; using info", l.Level),
		})
	}
	return issues
}
