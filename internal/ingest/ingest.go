// Package ingest drives conversion passes: it decomposes each raw JSON
// document into relation rows, gates time-series appends, and hands the
// result to a storage.Repository as one atomic batch per document.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"jsontosql/internal/analyzer"
	"jsontosql/internal/metrics"
	"jsontosql/internal/schema"
	"jsontosql/internal/storage"
)

// Logger is the minimal logging seam this package needs.
type Logger interface {
	Printf(format string, v ...any)
}

// DocumentFeed streams decoded documents. source.Store satisfies it.
type DocumentFeed interface {
	ForEach(ctx context.Context, limit int, fn func(doc map[string]any) error) error
}

// HistorySpec enables the gated time-series table for a conversion pass.
// SubjectKey and ValueKey name keys of the flattened root record; Columns
// names the target columns in the history table itself.
type HistorySpec struct {
	Table      string
	SubjectKey string
	ValueKey   string
	Columns    storage.HistoryColumns
}

// Options configures an Ingestor.
type Options struct {
	// RootTable names the root relation. Must match the DefaultTableName
	// used during schema synthesis.
	RootTable string

	// RootOnly drops all child relations, mirroring schema.Options.RootOnly.
	RootOnly bool

	// Hook runs against every mapping before decomposition, pre-order.
	Hook analyzer.Hook

	// PostHook runs against the root document after the walk hook and
	// before decomposition. Used for derived columns that need the whole
	// document or the snapshot date.
	PostHook func(doc map[string]any, snapshotDate string)

	// IDKeys overrides identifier detection. Nil means the default chain.
	IDKeys *analyzer.IDKeySelector

	// History, when non-nil, appends one gated observation per document.
	History *HistorySpec

	Logger  Logger
	Metrics metrics.Backend
}

// Stats summarizes one conversion pass.
type Stats struct {
	Documents      int
	Rows           int
	HistoryAppends int
}

type tableInfo struct {
	columns map[string]struct{}
	key     string
}

// Ingestor converts documents against a fixed set of synthesized relations.
// Safe for sequential use; the history gate state is additionally
// mutex-protected so concurrent feeds do not corrupt it.
type Ingestor struct {
	repo   storage.Repository
	tables map[string]tableInfo
	pass   *analyzer.Pass
	opts   Options
	logger Logger
	met    metrics.Backend

	mu        sync.Mutex
	lastKnown map[string]storage.HistoryPoint
}

// New builds an Ingestor over the given repository and relation specs.
// Rows for relations absent from tables are dropped with a warning; columns
// absent from their relation spec are dropped silently (schema synthesis
// already logged why they were excluded).
func New(repo storage.Repository, tables []storage.TableSpec, opts Options) *Ingestor {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(logDiscard{}, "", 0)
	}
	met := opts.Metrics
	if met == nil {
		met = metrics.Noop{}
	}

	info := make(map[string]tableInfo, len(tables))
	for _, t := range tables {
		cols := make(map[string]struct{}, len(t.Columns))
		for _, c := range t.Columns {
			cols[c.Name] = struct{}{}
		}
		info[t.Name] = tableInfo{columns: cols, key: t.PrimaryKeyColumn()}
	}

	return &Ingestor{
		repo:   repo,
		tables: info,
		pass: analyzer.NewPass(analyzer.Options{
			Hook:   opts.Hook,
			IDKeys: opts.IDKeys,
			Logger: logger,
		}),
		opts:      opts,
		logger:    logger,
		met:       met,
		lastKnown: make(map[string]storage.HistoryPoint),
	}
}

type logDiscard struct{}

func (logDiscard) Write(p []byte) (int, error) { return len(p), nil }

// SeedHistory loads the newest known observation per subject from the
// history table, so re-runs and incremental runs gate against what earlier
// passes already appended.
func (ing *Ingestor) SeedHistory(ctx context.Context) error {
	h := ing.opts.History
	if h == nil {
		return nil
	}
	state, err := ing.repo.HistoryState(ctx, storage.HistoryQuery{Table: h.Table, Columns: h.Columns})
	if err != nil {
		return fmt.Errorf("ingest: seed history: %w", err)
	}
	ing.mu.Lock()
	ing.lastKnown = state
	ing.mu.Unlock()
	return nil
}

// IngestDocument converts one document and upserts the resulting rows in a
// single transaction. snapshotDate is the ISO date of the snapshot the
// document came from; it becomes the history observation date.
func (ing *Ingestor) IngestDocument(ctx context.Context, doc map[string]any, snapshotDate string) (Stats, error) {
	ing.pass.ApplyHook(doc, analyzer.Root())
	if ing.opts.PostHook != nil {
		ing.opts.PostHook(doc, snapshotDate)
	}

	res := analyzer.NewResult()
	ing.pass.Decompose(doc, analyzer.Root(), res)

	var stats Stats
	var batch storage.DocumentBatch
	var rootRecord map[string]any

	for _, path := range res.Paths {
		isRoot := path == analyzer.Root().String()
		if ing.opts.RootOnly && !isRoot {
			continue
		}
		name := schema.NormalizeIdentifier(analyzer.RelationNameForPath(path, ing.opts.RootTable))
		info, ok := ing.tables[name]
		if !ok {
			ing.logger.Printf("warn: no relation %q for path %s, dropping %d records", name, path, len(res.Items[path]))
			continue
		}
		for _, rec := range res.Items[path] {
			if isRoot && rootRecord == nil {
				rootRecord = rec
			}
			row := buildRow(name, info, rec)
			if len(row.Columns) == 0 {
				continue
			}
			batch.Rows = append(batch.Rows, row)
			stats.Rows++
		}
	}

	appendHistory, statePatch := ing.gateHistory(rootRecord, snapshotDate)
	batch.History = appendHistory

	if err := ing.repo.UpsertDocument(ctx, batch); err != nil {
		ing.met.IncCounter(metrics.MetricDocumentsTotal, 1, metrics.Labels{"status": "error"})
		return stats, err
	}
	if statePatch != nil {
		ing.mu.Lock()
		ing.lastKnown[statePatch.key] = statePatch.point
		ing.mu.Unlock()
	}

	stats.Documents = 1
	if appendHistory != nil {
		stats.HistoryAppends = 1
		ing.met.IncCounter(metrics.MetricHistoryAppendsTotal, 1, nil)
	}
	ing.met.IncCounter(metrics.MetricDocumentsTotal, 1, metrics.Labels{"status": "ok"})
	for _, row := range batch.Rows {
		ing.met.IncCounter(metrics.MetricRowsTotal, 1, metrics.Labels{"table": row.Table})
	}
	return stats, nil
}

func buildRow(table string, info tableInfo, rec map[string]any) storage.RelationRow {
	row := storage.RelationRow{Table: table}
	for _, k := range sortedKeys(rec) {
		col := schema.NormalizeIdentifier(k)
		if _, ok := info.columns[col]; !ok {
			continue
		}
		row.Columns = append(row.Columns, col)
		row.Values = append(row.Values, bindValue(rec[k]))
		if col == info.key {
			row.KeyColumn = info.key
		}
	}
	return row
}

type historyPatch struct {
	key   string
	point storage.HistoryPoint
}

// gateHistory decides whether the document's observation enters the history
// table. Rules, per subject:
//   - unknown subject: append and remember (value, date)
//   - date not after the remembered date: reject
//   - same value on a newer date: no append, but the remembered date
//     advances so an older superseded observation cannot sneak in later
//   - different value on a newer date: append and remember
func (ing *Ingestor) gateHistory(root map[string]any, snapshotDate string) (*storage.HistoryAppend, *historyPatch) {
	h := ing.opts.History
	if h == nil || root == nil || snapshotDate == "" {
		return nil, nil
	}

	subject := bindValue(root[h.SubjectKey])
	value := bindValue(root[h.ValueKey])
	if subject == nil || value == nil {
		return nil, nil
	}

	key := storage.NormalizeKey(subject)
	appendRow := &storage.HistoryAppend{
		Table:   h.Table,
		Columns: h.Columns,
		Subject: subject,
		Value:   value,
		Date:    snapshotDate,
	}
	patch := &historyPatch{key: key, point: storage.HistoryPoint{Value: value, Date: snapshotDate}}

	ing.mu.Lock()
	state, known := ing.lastKnown[key]
	ing.mu.Unlock()

	if !known {
		return appendRow, patch
	}
	// ISO dates compare lexicographically.
	if snapshotDate <= state.Date {
		return nil, nil
	}
	if storage.NormalizeKey(state.Value) == storage.NormalizeKey(value) {
		patch.point.Value = state.Value
		return nil, patch
	}
	return appendRow, patch
}

// Run converts every document the feed yields, stopping at limit when
// limit > 0. A document that fails to upsert aborts the pass.
func (ing *Ingestor) Run(ctx context.Context, feed DocumentFeed, snapshotDate string, limit int) (Stats, error) {
	start := time.Now()
	var total Stats
	err := feed.ForEach(ctx, limit, func(doc map[string]any) error {
		s, err := ing.IngestDocument(ctx, doc, snapshotDate)
		if err != nil {
			return fmt.Errorf("ingest: document %d: %w", total.Documents, err)
		}
		total.Documents += s.Documents
		total.Rows += s.Rows
		total.HistoryAppends += s.HistoryAppends
		return nil
	})
	ing.met.ObserveHistogram(metrics.MetricSnapshotDurationSeconds, time.Since(start).Seconds(), metrics.Labels{"stage": "convert"})
	ing.logger.Printf("stage=convert date=%s docs=%d rows=%d history=%d elapsed=%s",
		snapshotDate, total.Documents, total.Rows, total.HistoryAppends, time.Since(start).Round(time.Millisecond))
	return total, err
}

// HistoryTableSpec builds the relation spec for a history table: subject and
// value as integers, the date as ISO text, with a uniqueness constraint over
// all three so replays are idempotent.
func HistoryTableSpec(h HistorySpec) storage.TableSpec {
	return storage.TableSpec{
		Name: h.Table,
		Columns: []storage.ColumnSpec{
			{Name: h.Columns.Subject, Type: "INTEGER"},
			{Name: h.Columns.Value, Type: "INTEGER", NotNull: true},
			{Name: h.Columns.Date, Type: "TEXT", NotNull: true},
		},
		Constraints: []storage.ConstraintSpec{
			{Kind: "unique", Columns: []string{h.Columns.Subject, h.Columns.Value, h.Columns.Date}},
		},
	}
}

var snapshotDatePattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)

// SnapshotDateFromName extracts the ISO date embedded in a snapshot file
// name like "listings-2024-03-01.db". Returns "" when no date is present.
func SnapshotDateFromName(name string) string {
	return snapshotDatePattern.FindString(name)
}

// bindValue converts decoded JSON values into types SQL drivers accept.
// json.Number keeps its int/float identity; residual nested structures
// serialize to JSON text.
func bindValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := strconv.ParseInt(x.String(), 10, 64); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(x.String(), 64); err == nil {
			return f
		}
		return x.String()
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	default:
		return v
	}
}

func sortedKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
