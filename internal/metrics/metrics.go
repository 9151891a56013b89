// Package metrics defines the minimal metrics surface the engine emits to.
// Concrete backends (Datadog, no-op) live in subpackages or here; the core
// code depends only on Backend.
package metrics

// Labels are free-form key/value tags attached to a metric observation.
type Labels map[string]string

// Metric names emitted by the ingestion orchestrator and CLI. Backends may
// translate these to their own naming scheme.
const (
	// MetricDocumentsTotal counts processed documents, labeled status=ok|error.
	MetricDocumentsTotal = "ingest_documents_total"

	// MetricRowsTotal counts upserted relation rows, labeled table=<name>.
	MetricRowsTotal = "ingest_rows_total"

	// MetricHistoryAppendsTotal counts gated history appends.
	MetricHistoryAppendsTotal = "ingest_history_appends_total"

	// MetricSnapshotDurationSeconds observes per-snapshot ingest duration,
	// labeled stage=analyze|convert.
	MetricSnapshotDurationSeconds = "ingest_snapshot_duration_seconds"
)

// Backend receives metric observations. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)

	// Flush submits buffered observations. Close stops background work and
	// flushes one final time.
	Flush() error
	Close() error
}

// Noop discards every observation. Used when no metrics sink is configured.
type Noop struct{}

func (Noop) IncCounter(string, float64, Labels)       {}
func (Noop) ObserveHistogram(string, float64, Labels) {}
func (Noop) Flush() error                             { return nil }
func (Noop) Close() error                             { return nil }

var _ Backend = Noop{}
