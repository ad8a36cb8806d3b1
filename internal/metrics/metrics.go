// Package metrics records operational metrics for the replication engine
// through a pluggable Backend.
//
// The default backend is a no-op, so every helper is safe to call before
// (or without) configuring Prometheus or Datadog. Concrete systems live in
// the prompush and datadog subpackages.
package metrics

import (
	"sync/atomic"
	"time"
)

// Metric names.
const (
	RecordsTotal      = "revrepl_records_total"
	StatementsTotal   = "revrepl_statements_total"
	StatementDuration = "revrepl_statement_duration_seconds"
	SessionsTotal     = "revrepl_sessions_total"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface for metrics backends.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a latency style value.
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes or flushes metrics, if the backend needs it.
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

type holder struct{ b Backend }

var backend atomic.Pointer[holder]

func init() { backend.Store(&holder{nopBackend{}}) }

func current() Backend { return backend.Load().b }

// SetBackend installs a concrete backend. Passing nil keeps the existing one.
func SetBackend(b Backend) {
	if b == nil {
		return
	}
	backend.Store(&holder{b})
}

// Flush delegates to the current backend.
func Flush() error {
	return current().Flush()
}

// Record outcomes.
const (
	OutcomeApplied = "applied"
	OutcomeDropped = "dropped"
	OutcomeFailed  = "failed"
)

// RecordOutcome counts one record by outcome. reason is the drop reason or
// error class and may be empty for applied records.
func RecordOutcome(job, outcome, reason string) {
	current().IncCounter(RecordsTotal, 1, Labels{
		"job":     job,
		"outcome": outcome,
		"reason":  reason,
	})
}

// RecordStatement measures one executed statement.
func RecordStatement(job, dialect, op string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	lbls := Labels{
		"job":     job,
		"dialect": dialect,
		"op":      op,
		"status":  status,
	}
	b := current()
	b.IncCounter(StatementsTotal, 1, lbls)
	b.ObserveHistogram(StatementDuration, d.Seconds(), lbls)
}

// RecordSessions counts pool sessions opened and endpoints that failed.
func RecordSessions(job string, opened, failed int) {
	b := current()
	if opened > 0 {
		b.IncCounter(SessionsTotal, float64(opened), Labels{"job": job, "status": "opened"})
	}
	if failed > 0 {
		b.IncCounter(SessionsTotal, float64(failed), Labels{"job": job, "status": "failed"})
	}
}
