// Package metrics is the process-wide metrics facade used by the CLI and its
// workflows.
//
// Code records through the package-level helpers; the concrete backend
// (Datadog, or nothing) is chosen once in main via SetBackend. Until a backend
// is set every call is a no-op, so packages and tests never need to check.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Labels are metric dimensions ("step", "status", "kind", ...).
type Labels map[string]string

// Backend receives metric observations.
//
// Implementations must be safe for concurrent use. Unknown metric names
// should be ignored rather than rejected.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

// Metric names understood by the backends.
const (
	StepTotal           = "etl_step_total"
	StepDurationSeconds = "etl_step_duration_seconds"
	RecordsTotal        = "etl_records_total"
	FilesTotal          = "etl_files_total"
	HTTPRequestsTotal   = "etl_http_requests_total"
	HTTPErrorsTotal     = "etl_http_errors_total"
	HTTPDurationSeconds = "etl_http_request_duration_seconds"
	HTTPUploadBytes     = "etl_http_upload_bytes"
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process backend. A nil b restores the no-op
// backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// IncCounter adds delta to the named counter.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram records one sample for the named histogram.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush asks the installed backend to submit buffered data.
func Flush() error {
	return current().Flush()
}

// RecordStep records one finished workflow step.
func RecordStep(step string, err error, d time.Duration) {
	l := Labels{"step": step, "status": statusOf(err)}
	IncCounter(StepTotal, 1, l)
	ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}

// RecordRecords counts rows by kind ("read", "staged", "loaded").
func RecordRecords(kind string, n int64) {
	if n <= 0 {
		return
	}
	IncCounter(RecordsTotal, float64(n), Labels{"kind": kind})
}

// RecordFiles counts files by kind ("staged", "loaded", "published").
func RecordFiles(kind string, n int) {
	if n <= 0 {
		return
	}
	IncCounter(FilesTotal, float64(n), Labels{"kind": kind})
}

// RecordHTTP records one BI-server request. status is 0 when no response
// was received; uploaded is the request body size in bytes (<= 0 to skip).
func RecordHTTP(endpoint string, status int, err error, d time.Duration, uploaded int64) {
	l := Labels{"endpoint": endpoint, "status": httpStatus(status)}
	IncCounter(HTTPRequestsTotal, 1, l)
	if err != nil || status >= 400 || status == 0 {
		IncCounter(HTTPErrorsTotal, 1, l)
	}
	ObserveHistogram(HTTPDurationSeconds, d.Seconds(), l)
	if uploaded > 0 {
		ObserveHistogram(HTTPUploadBytes, float64(uploaded), l)
	}
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func httpStatus(code int) string {
	if code <= 0 {
		return "none"
	}
	return strconv.Itoa(code)
}
