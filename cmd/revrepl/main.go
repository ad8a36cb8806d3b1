// Command revrepl applies central-database change records to the sharded
// source databases they were migrated from.
//
// Records are read as JSON lines from -input (stdin by default, a local path
// or a gs:// object), translated into dialect-specific upserts and deletes,
// and executed on the shard each record names.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"revrepl/internal/config"
	"revrepl/internal/datasource"
	"revrepl/internal/logging"
	"revrepl/internal/metrics"
	"revrepl/internal/metrics/datadog"
	"revrepl/internal/metrics/prompush"
)

const defaultPushgatewayURL = "http://localhost:9091"

// cliFlags are the command line overrides on top of the service document.
type cliFlags struct {
	configPath     string
	input          string
	workers        int
	dryRun         bool
	metricsBackend string
	pushgatewayURL string
	dogstatsdAddr  string
	validate       bool
	verbose        bool
}

func parseFlags(args []string, stderr io.Writer) (cliFlags, error) {
	var f cliFlags
	fs := flag.NewFlagSet("revrepl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.configPath, "config", "configs/revrepl.json", "service config JSON path or gs:// URI")
	fs.StringVar(&f.input, "input", "-", "change records as JSON lines: '-' for stdin, a path, a gs:// URI or an http(s) URL")
	fs.IntVar(&f.workers, "workers", 0, "worker count (overrides runtime.workers)")
	fs.BoolVar(&f.dryRun, "dry-run", false, "generate and log literal statements without connecting")
	fs.StringVar(&f.metricsBackend, "metrics-backend", "", "metrics backend: prometheus, datadog or none (overrides env METRICS_BACKEND)")
	fs.StringVar(&f.pushgatewayURL, "pushgateway-url", "", "Pushgateway base URL (overrides env PUSHGATEWAY_URL)")
	fs.StringVar(&f.dogstatsdAddr, "dogstatsd-addr", "", "DogStatsD address (overrides env DD_AGENT_ADDR)")
	fs.BoolVar(&f.validate, "validate", false, "validate the configuration and exit")
	fs.BoolVar(&f.verbose, "v", false, "enable debug logs")
	if err := fs.Parse(args); err != nil {
		return cliFlags{}, err
	}
	return f, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stderr)
	stop()
	os.Exit(code)
}

// run is main without the process exit. It returns the exit status.
func run(ctx context.Context, args []string, stdin io.Reader, stderr io.Writer) int {
	f, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	svc, err := config.Load(ctx, f.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}

	issues := config.Validate(svc)
	for _, iss := range issues {
		fmt.Fprintf(stderr, "%s\n", iss)
	}
	if config.HasErrors(issues) {
		fmt.Fprintf(stderr, "configuration is invalid: %s\n", f.configPath)
		return 1
	}
	if f.validate {
		fmt.Fprintf(stderr, "configuration is valid: %s\n", f.configPath)
		return 0
	}

	svc = svc.WithDefaults()
	if f.workers > 0 {
		svc.Runtime.Workers = f.workers
	}
	level := svc.Logging.Level
	if f.verbose {
		level = "debug"
	}
	log := logging.New(stderr, logging.Options{Level: level, Format: svc.Logging.Format, Job: svc.Job})
	ctx = log.WithContext(ctx)

	flush := setupMetrics(svc, f, log)
	defer flush()

	start := time.Now()
	a, err := build(ctx, svc, f.dryRun, log)
	if err != nil {
		log.Error().Err(err).Str("class", "infrastructure").Msg("startup failed")
		return 1
	}
	defer a.Close()

	in, err := openInput(ctx, f.input, stdin)
	if err != nil {
		log.Error().Err(err).Msg("open input")
		return 1
	}
	defer in.Close()

	c, err := runStream(ctx, in, a.applier, svc.Runtime.Workers, svc.Runtime.ChannelBuffer, log)
	logSummary(log, c)
	if err != nil {
		log.Error().Err(err).Msg("stream aborted")
		return 1
	}
	log.Info().Dur("elapsed", time.Since(start).Truncate(time.Millisecond)).Msg("completed")
	return 0
}

func openInput(ctx context.Context, loc string, stdin io.Reader) (io.ReadCloser, error) {
	if loc == "" {
		loc = datasource.Stdin
	}
	src, err := datasource.For(loc, stdin)
	if err != nil {
		return nil, err
	}
	return src.Open(ctx)
}

// metricsSettings resolves backend, Pushgateway URL and DogStatsD address:
// flag, then env, then the service document.
func metricsSettings(svc config.Service, f cliFlags) (backend, gwURL, ddAddr string) {
	backend = firstNonEmpty(f.metricsBackend, os.Getenv("METRICS_BACKEND"), svc.Metrics.Backend)
	gwURL = firstNonEmpty(f.pushgatewayURL, os.Getenv("PUSHGATEWAY_URL"), svc.Metrics.PushgatewayURL, defaultPushgatewayURL)
	ddAddr = firstNonEmpty(f.dogstatsdAddr, os.Getenv("DD_AGENT_ADDR"), svc.Metrics.DogstatsdAddr)
	return strings.ToLower(strings.TrimSpace(backend)), gwURL, ddAddr
}

// setupMetrics installs the selected backend and returns its flush func.
// A backend that fails to initialize leaves the nop backend in place.
func setupMetrics(svc config.Service, f cliFlags, log zerolog.Logger) func() {
	backend, gwURL, ddAddr := metricsSettings(svc, f)

	var (
		b   metrics.Backend
		err error
	)
	switch backend {
	case "prometheus", "prom", "pushgateway":
		b, err = prompush.NewBackend(svc.Job, gwURL)
		log.Info().Str("backend", backend).Str("url", gwURL).Msg("metrics enabled")
	case "datadog", "dogstatsd":
		b, err = datadog.NewBackend(datadog.Config{
			Addr:       ddAddr,
			Namespace:  "revrepl.",
			GlobalTags: []string{"job:" + svc.Job},
		})
		log.Info().Str("backend", backend).Str("addr", ddAddr).Msg("metrics enabled")
	case "", "none":
		log.Debug().Msg("metrics disabled")
		return func() {}
	default:
		log.Warn().Str("backend", backend).Msg("unknown metrics backend; metrics disabled")
		return func() {}
	}
	if err != nil {
		log.Warn().Err(err).Msg("metrics backend init failed; using nop")
		return func() {}
	}
	metrics.SetBackend(b)
	return func() {
		if err := metrics.Flush(); err != nil {
			log.Warn().Err(err).Msg("metrics flush")
		}
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
