package datadog

import (
	"context"
	"net/http"
	"os"
	"reflect"
	"runtime"
	"sort"
	"sync"
	"testing"
	"time"

	"jsontosql/internal/metrics"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// fakeSubmitter captures payloads submitted by Backend.Flush().
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (f *fakeSubmitter) SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeSubmitter) last() (datadogV2.MetricPayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		return datadogV2.MetricPayload{}, false
	}
	return f.payloads[len(f.payloads)-1], true
}

func testBackend(t *testing.T, fs *fakeSubmitter) *Backend {
	t.Helper()
	b, err := NewBackend(context.Background(), Options{
		JobName:    "job1",
		FlushEvery: 24 * time.Hour,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(1000, 0) },
		newTicker:  func(d time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	})
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	return b
}

// TestResolveEnvTag verifies environment-tag precedence and defaults.
//
// Edge cases:
//   - ENV wins over DD_ENV.
//   - Whitespace-only env vars are ignored.
//   - If neither is set, "env:unknown" is returned.
func TestResolveEnvTag(t *testing.T) {
	oldENV := os.Getenv("ENV")
	oldDDENV := os.Getenv("DD_ENV")
	t.Cleanup(func() {
		_ = os.Setenv("ENV", oldENV)
		_ = os.Setenv("DD_ENV", oldDDENV)
	})

	tests := []struct {
		name string
		env  string
		dd   string
		want string
	}{
		{name: "ENV_wins", env: "prod", dd: "stage", want: "env:prod"},
		{name: "DD_ENV_used_when_ENV_empty", env: "", dd: "stage", want: "env:stage"},
		{name: "whitespace_ignored", env: "   ", dd: "\n\t", want: "env:unknown"},
		{name: "default_unknown", env: "", dd: "", want: "env:unknown"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_ = os.Setenv("ENV", tc.env)
			_ = os.Setenv("DD_ENV", tc.dd)
			if got := resolveEnvTag(); got != tc.want {
				t.Fatalf("resolveEnvTag()=%q, want %q", got, tc.want)
			}
		})
	}
}

// TestWithTags verifies tag concatenation and immutability.
func TestWithTags(t *testing.T) {
	base := []string{"env:test", "job:jsontosql"}
	extras := []string{"table:Listings", "status:ok"}
	got := withTags(base, extras...)
	want := []string{"env:test", "job:jsontosql", "table:Listings", "status:ok"}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("withTags()=%v, want %v", got, want)
	}
	got[0] = "env:mutated"
	if base[0] == "env:mutated" {
		t.Fatalf("withTags output aliases base slice")
	}
}

// TestPercentileNearestRank verifies percentile behavior.
func TestPercentileNearestRank(t *testing.T) {
	tests := []struct {
		name string
		s    []float64
		p    float64
		want float64
	}{
		{name: "empty", s: nil, p: 0.50, want: 0},
		{name: "single", s: []float64{7}, p: 0.95, want: 7},
		{name: "p_le_0", s: []float64{1, 2, 3}, p: -1, want: 1},
		{name: "p_ge_1", s: []float64{1, 2, 3}, p: 2, want: 3},
		{name: "median", s: []float64{1, 2, 3, 4, 5}, p: 0.50, want: 3},
		{name: "p90_small_n", s: []float64{1, 2, 3, 4, 5}, p: 0.90, want: 5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := percentileNearestRank(tc.s, tc.p); got != tc.want {
				t.Fatalf("percentileNearestRank(%v,%v)=%v, want %v", tc.s, tc.p, got, tc.want)
			}
		})
	}
}

// TestAddPercentiles verifies the percentile gauges and that the input sample
// slice is not mutated.
func TestAddPercentiles(t *testing.T) {
	base := []string{"env:test", "job:jsontosql"}

	orig := []float64{5, 1, 3, 2, 4}
	in := append([]float64(nil), orig...)

	var series []datadogV2.MetricSeries
	addPercentiles(&series, base, "jsontosql.snapshot.duration_seconds", "convert", in, 999)

	// p50, p90, p95, p99, max, samples
	if len(series) != 6 {
		t.Fatalf("series.len=%d, want 6", len(series))
	}
	if !reflect.DeepEqual(in, orig) {
		t.Fatalf("samples mutated: got %v, want %v", in, orig)
	}

	var foundSamples bool
	for _, s := range series {
		if !contains(s.Tags, "stage:convert") {
			t.Fatalf("series %q missing stage tag; tags=%v", s.Metric, s.Tags)
		}
		if s.Metric == "jsontosql.snapshot.duration_seconds.samples" {
			foundSamples = true
			if s.Points[0].Value == nil || *s.Points[0].Value != 5 {
				t.Fatalf("samples gauge value=%v, want 5", s.Points[0].Value)
			}
		}
	}
	if !foundSamples {
		t.Fatalf("did not find samples gauge series")
	}
}

// TestNewBackendDefaults verifies defaults without real HTTP.
func TestNewBackendDefaults(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), Options{
		Tags:      []string{"service:ingest"},
		submitter: fs,
		now:       func() time.Time { return time.Unix(123, 0) },
		newTicker: func(d time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	})
	if err != nil {
		t.Fatalf("NewBackend() err=%v, want nil", err)
	}
	defer func() { _ = b.Close() }()

	// env tag depends on env vars; only the job and extra tags are asserted.
	if !contains(b.baseTags, "job:jsontosql") {
		t.Fatalf("baseTags missing job:jsontosql: %v", b.baseTags)
	}
	if !contains(b.baseTags, "service:ingest") {
		t.Fatalf("baseTags missing service:ingest: %v", b.baseTags)
	}
	if b.flushEvery != 60*time.Second {
		t.Fatalf("flushEvery=%s, want 60s", b.flushEvery)
	}
}

// TestFlushSubmitsAndResets verifies Flush submits buffered metrics and
// resets buffers.
func TestFlushSubmitsAndResets(t *testing.T) {
	fs := &fakeSubmitter{}
	b := testBackend(t, fs)
	defer func() { _ = b.Close() }()

	b.IncCounter(metrics.MetricDocumentsTotal, 2, metrics.Labels{"status": "ok"})
	b.IncCounter(metrics.MetricRowsTotal, 5, metrics.Labels{"table": "Listings"})
	b.IncCounter(metrics.MetricHistoryAppendsTotal, 1, nil)
	b.ObserveHistogram(metrics.MetricSnapshotDurationSeconds, 0.5, metrics.Labels{"stage": "convert"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submit calls=%d, want 1", fs.count())
	}

	if len(b.docCounts) != 0 || len(b.rowCounts) != 0 || b.historyCount != 0 || len(b.durationSamples) != 0 {
		t.Fatalf("buffers not reset after Flush")
	}

	payload, ok := fs.last()
	if !ok {
		t.Fatalf("missing payload")
	}

	var metricNames []string
	for _, s := range payload.Series {
		metricNames = append(metricNames, s.Metric)
	}
	sort.Strings(metricNames)

	wantContains := []string{
		"jsontosql.documents.total",
		"jsontosql.rows.total",
		"jsontosql.history.appends.total",
		"jsontosql.snapshot.duration_seconds.p50",
		"jsontosql.snapshot.duration_seconds.samples",
	}
	for _, w := range wantContains {
		if !contains(metricNames, w) {
			t.Fatalf("payload missing metric %q; got=%v", w, metricNames)
		}
	}
}

// TestFlushNoDataDoesNotSubmit verifies Flush returns nil and skips
// submission when empty.
func TestFlushNoDataDoesNotSubmit(t *testing.T) {
	fs := &fakeSubmitter{}
	b := testBackend(t, fs)
	defer func() { _ = b.Close() }()

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 0 {
		t.Fatalf("unexpected submission count=%d, want 0", fs.count())
	}
}

// TestLoopAndClose verifies the background loop flushes periodically and
// Close performs a final flush.
func TestLoopAndClose(t *testing.T) {
	fs := &fakeSubmitter{}

	// Real ticker with a fast interval so the loop is exercised.
	b, err := NewBackend(context.Background(), Options{
		JobName:    "job1",
		FlushEvery: 5 * time.Millisecond,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(2000, 0) },
	})
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}

	b.IncCounter(metrics.MetricHistoryAppendsTotal, 1, nil)

	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) {
		if fs.count() >= 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if fs.count() < 1 {
		_ = b.Close()
		t.Fatalf("expected at least one background Flush submission; got %d", fs.count())
	}

	b.IncCounter(metrics.MetricHistoryAppendsTotal, 1, nil)
	if err := b.Close(); err != nil {
		t.Fatalf("Close() err=%v, want nil", err)
	}
	if fs.count() < 2 {
		t.Fatalf("expected at least 2 submissions after Close; got %d", fs.count())
	}
}

// TestBackendConcurrentAccess verifies thread-safety of buffering.
func TestBackendConcurrentAccess(t *testing.T) {
	fs := &fakeSubmitter{}
	b := testBackend(t, fs)
	defer func() { _ = b.Close() }()

	workers := runtime.GOMAXPROCS(0) * 4
	iters := 2000

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iters; j++ {
				b.IncCounter(metrics.MetricDocumentsTotal, 1, metrics.Labels{"status": "ok"})
				b.IncCounter(metrics.MetricRowsTotal, 1, metrics.Labels{"table": "Listings"})
				b.IncCounter(metrics.MetricHistoryAppendsTotal, 1, nil)
				b.ObserveHistogram(metrics.MetricSnapshotDurationSeconds, 0.01, metrics.Labels{"stage": "convert"})
			}
		}()
	}
	wg.Wait()

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submit calls=%d, want 1", fs.count())
	}
}

// TestCounterAndHistogramEdgeCases verifies ignored paths and defaults.
func TestCounterAndHistogramEdgeCases(t *testing.T) {
	fs := &fakeSubmitter{}
	b := testBackend(t, fs)
	defer func() { _ = b.Close() }()

	// Non-positive counter is ignored.
	b.IncCounter(metrics.MetricHistoryAppendsTotal, 0, nil)
	// Missing table label is ignored.
	b.IncCounter(metrics.MetricRowsTotal, 1, metrics.Labels{})
	// Unknown metrics are ignored.
	b.IncCounter("unknown_total", 1, metrics.Labels{"x": "y"})
	b.ObserveHistogram("unknown_seconds", 1, nil)
	// Negative histogram is ignored.
	b.ObserveHistogram(metrics.MetricSnapshotDurationSeconds, -1, metrics.Labels{"stage": "convert"})
	// Missing labels default to "unknown".
	b.IncCounter(metrics.MetricDocumentsTotal, 1, metrics.Labels{})
	b.ObserveHistogram(metrics.MetricSnapshotDurationSeconds, 0.1, metrics.Labels{})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}

	payload, ok := fs.last()
	if !ok {
		t.Fatalf("missing payload")
	}

	var sawDocCount, sawP50 bool
	for _, s := range payload.Series {
		if s.Metric == "jsontosql.documents.total" && contains(s.Tags, "status:unknown") {
			sawDocCount = true
		}
		if s.Metric == "jsontosql.snapshot.duration_seconds.p50" && contains(s.Tags, "stage:unknown") {
			sawP50 = true
		}
	}
	if !sawDocCount {
		t.Fatalf("expected jsontosql.documents.total for status:unknown")
	}
	if !sawP50 {
		t.Fatalf("expected jsontosql.snapshot.duration_seconds.p50 for stage:unknown")
	}
}

func contains[T comparable](xs []T, v T) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func TestParseTagsCSV(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "empty_returns_nil", in: "", want: nil},
		{
			name: "trims_and_skips_empty_segments",
			in:   " env:prod , ,service:ingest,  ,team:data ",
			want: []string{"env:prod", "service:ingest", "team:data"},
		},
		{name: "single_tag", in: "service:ingest", want: []string{"service:ingest"}},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := ParseTagsCSV(tc.in)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("ParseTagsCSV(%q)=%v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

// TestNoopBackend smoke-tests the fallback backend used when Datadog is not
// configured.
func TestNoopBackend(t *testing.T) {
	t.Parallel()

	var b metrics.Backend = metrics.Noop{}
	b.IncCounter(metrics.MetricDocumentsTotal, 1, nil)
	b.ObserveHistogram(metrics.MetricSnapshotDurationSeconds, 1, nil)
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
