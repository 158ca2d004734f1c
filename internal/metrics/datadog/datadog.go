// Package datadog implements a Datadog backend for internal/metrics.
//
// Observations are buffered in memory and submitted on Flush. A background
// loop flushes periodically (default once per minute) so long warehouse
// extracts and uploads show up as a time series rather than one spike at
// exit; Close stops the loop and flushes the tail.
//
// Counters are submitted as COUNT series. Histograms are reduced to
// nearest-rank percentiles (p50/p90/p95/p99), max and a sample count, each a
// GAUGE series. Every series carries env:<ENV|DD_ENV>, job:<name> and the
// caller's extra tags.
//
// API key and site come from the SDK's own environment handling
// (DD_API_KEY, DD_SITE).
package datadog

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"tableauetl/internal/metrics"
)

// seriesNames maps facade metric names to Datadog metric names. Anything not
// listed here is dropped.
var seriesNames = map[string]string{
	metrics.StepTotal:           "tableau_etl.step.total",
	metrics.StepDurationSeconds: "tableau_etl.step.duration_seconds",
	metrics.RecordsTotal:        "tableau_etl.records.total",
	metrics.FilesTotal:          "tableau_etl.files.total",
	metrics.HTTPRequestsTotal:   "tableau_etl.http.requests.total",
	metrics.HTTPErrorsTotal:     "tableau_etl.http.errors.total",
	metrics.HTTPDurationSeconds: "tableau_etl.http.request_duration_seconds",
	metrics.HTTPUploadBytes:     "tableau_etl.http.upload_bytes",
}

// Options controls the backend.
type Options struct {
	// JobName becomes tag "job:<name>". Defaults to "tableau-cli".
	JobName string

	// Tags are extra tags such as "team:bi".
	Tags []string

	// FlushEvery is the periodic flush interval. Defaults to 60s.
	FlushEvery time.Duration

	// test seams
	now       func() time.Time
	submitter submitter
}

// submitter is the part of *datadogV2.MetricsApi the backend needs.
type submitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// seriesKey identifies one buffered series: metric name plus its sorted tags.
type seriesKey struct {
	metric string
	tags   string // sorted, comma-joined
}

// Backend implements metrics.Backend.
type Backend struct {
	api      submitter
	ctx      context.Context
	baseTags []string
	now      func() time.Time

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}
	closeOnce  sync.Once

	mu       sync.Mutex
	counters map[seriesKey]float64
	samples  map[seriesKey][]float64
}

var _ metrics.Backend = (*Backend)(nil)

// NewBackend constructs the backend and starts its flush loop.
//
// The Datadog client itself does not fail at construction; authentication
// and network errors surface from Flush.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	if parent == nil {
		return nil, wrapInitErr(fmt.Errorf("nil context"))
	}

	job := strings.TrimSpace(opts.JobName)
	if job == "" {
		job = "tableau-cli"
	}
	every := opts.FlushEvery
	if every <= 0 {
		every = 60 * time.Second
	}
	now := opts.now
	if now == nil {
		now = time.Now
	}

	api := opts.submitter
	if api == nil {
		api = datadogV2.NewMetricsApi(dd.NewAPIClient(dd.NewConfiguration()))
	}

	base := append([]string{resolveEnvTag(), "job:" + job}, opts.Tags...)

	b := &Backend{
		api:        api,
		ctx:        dd.NewDefaultContext(parent),
		baseTags:   base,
		now:        now,
		flushEvery: every,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		counters:   make(map[seriesKey]float64),
		samples:    make(map[seriesKey][]float64),
	}
	go b.loop()
	return b, nil
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := time.NewTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the flush loop and submits whatever is still buffered. It is
// safe to call more than once; later calls only flush.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		close(b.stopCh)
		<-b.doneCh
	})
	return b.Flush()
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	k, ok := keyFor(name, labels)
	if !ok {
		return
	}
	b.mu.Lock()
	b.counters[k] += delta
	b.mu.Unlock()
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}
	k, ok := keyFor(name, labels)
	if !ok {
		return
	}
	b.mu.Lock()
	b.samples[k] = append(b.samples[k], value)
	b.mu.Unlock()
}

// Flush submits buffered metrics and resets the buffers, even when the
// submission fails. Returns nil when there is nothing to send.
func (b *Backend) Flush() error {
	b.mu.Lock()
	counters, samples := b.counters, b.samples
	b.counters = make(map[seriesKey]float64)
	b.samples = make(map[seriesKey][]float64)
	b.mu.Unlock()

	if len(counters) == 0 && len(samples) == 0 {
		return nil
	}

	payload := datadogV2.MetricPayload{Series: b.buildSeries(counters, samples, b.now().Unix())}
	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	if err != nil {
		return fmt.Errorf("datadog submit: %w", err)
	}
	return nil
}

// buildSeries is pure; series are ordered by metric name then tags so the
// payload is deterministic.
func (b *Backend) buildSeries(counters map[seriesKey]float64, samples map[seriesKey][]float64, ts int64) []datadogV2.MetricSeries {
	out := make([]datadogV2.MetricSeries, 0, len(counters)+6*len(samples))

	for _, k := range sortedKeys(counters) {
		v := counters[k]
		if v == 0 {
			continue
		}
		out = append(out, point(k.metric, datadogV2.METRICINTAKETYPE_COUNT, v, b.tags(k), ts))
	}

	for _, k := range sortedKeys(samples) {
		s := append([]float64(nil), samples[k]...)
		if len(s) == 0 {
			continue
		}
		sort.Float64s(s)
		tags := b.tags(k)
		for _, p := range []struct {
			suffix string
			q      float64
		}{{"p50", 0.50}, {"p90", 0.90}, {"p95", 0.95}, {"p99", 0.99}} {
			out = append(out, point(k.metric+"."+p.suffix, datadogV2.METRICINTAKETYPE_GAUGE, percentileNearestRank(s, p.q), tags, ts))
		}
		out = append(out,
			point(k.metric+".max", datadogV2.METRICINTAKETYPE_GAUGE, s[len(s)-1], tags, ts),
			point(k.metric+".samples", datadogV2.METRICINTAKETYPE_GAUGE, float64(len(s)), tags, ts),
		)
	}
	return out
}

func (b *Backend) tags(k seriesKey) []string {
	out := append([]string(nil), b.baseTags...)
	if k.tags != "" {
		out = append(out, strings.Split(k.tags, ",")...)
	}
	return out
}

func point(metric string, typ datadogV2.MetricIntakeType, v float64, tags []string, ts int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   typ.Ptr(),
		Points: []datadogV2.MetricPoint{{Timestamp: dd.PtrInt64(ts), Value: dd.PtrFloat64(v)}},
		Tags:   tags,
	}
}

func keyFor(name string, labels metrics.Labels) (seriesKey, bool) {
	metric, ok := seriesNames[name]
	if !ok {
		return seriesKey{}, false
	}
	tags := make([]string, 0, len(labels))
	for k, v := range labels {
		if k == "" {
			continue
		}
		if v == "" {
			v = "unknown"
		}
		tags = append(tags, k+":"+v)
	}
	sort.Strings(tags)
	return seriesKey{metric: metric, tags: strings.Join(tags, ",")}, true
}

func sortedKeys[V any](m map[seriesKey]V) []seriesKey {
	keys := make([]seriesKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].metric != keys[j].metric {
			return keys[i].metric < keys[j].metric
		}
		return keys[i].tags < keys[j].tags
	})
	return keys
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

// percentileNearestRank expects s sorted ascending.
func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	switch {
	case n == 0:
		return 0
	case p <= 0:
		return s[0]
	case p >= 1:
		return s[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

// ParseTagsCSV parses "env:prod,team:bi" into tags, skipping blanks.
func ParseTagsCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func wrapInitErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("datadog metrics init: %w", err)
}
