// Command jsontosql analyzes raw realtor.ca snapshot databases and converts
// them into a normalized relational database.
//
// Analysis prints the merged type census (and optionally the CREATE TABLE
// statements it implies); conversion replays one or more snapshots into a
// target backend, maintaining the gated price history across runs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"jsontosql/internal/analyzer"
	"jsontosql/internal/ingest"
	"jsontosql/internal/metrics"
	"jsontosql/internal/metrics/datadog"
	"jsontosql/internal/realtor"
	"jsontosql/internal/schema"
	"jsontosql/internal/source"
	"jsontosql/internal/storage"
	"jsontosql/internal/storage/sqlite"

	// register the remaining storage backends with the factory.
	_ "jsontosql/internal/storage/mssql"
	_ "jsontosql/internal/storage/postgres"
)

func main() {
	var (
		analyze  bool
		convert  bool
		printSQL bool

		output       string
		backendKind  string
		dsn          string
		newTableName string
		minimal      bool
		sample       int
		limit        int
		dbDate       string
		updateOutput bool
		skipExisting bool

		metricsBackendFlg string
	)

	flag.BoolVar(&analyze, "analyze", false, "print the merged type census for the first raw database and exit")
	flag.BoolVar(&convert, "convert", false, "convert the raw databases into a normalized relational database")
	flag.BoolVar(&printSQL, "print-sql", false, "with -analyze, also print the CREATE TABLE statements the census implies")
	flag.StringVar(&output, "output", "output.sqlite", "output database path (sqlite backend)")
	flag.StringVar(&backendKind, "backend", "sqlite", "storage backend: sqlite, postgres or mssql")
	flag.StringVar(&dsn, "dsn", "", "backend DSN; overrides -output for non-sqlite backends")
	flag.StringVar(&newTableName, "new-table-name", "Listings", "name of the root relation the converted items are stored in")
	flag.BoolVar(&minimal, "minimal", false, "store only the root relation with the minimal column set")
	flag.IntVar(&sample, "sample", 0, "number of documents to sample during schema discovery (0 = all)")
	flag.IntVar(&limit, "limit", 0, "max documents to convert per raw database (0 = all)")
	flag.StringVar(&dbDate, "db-date", "", "ISO date of the raw database; only used when the file name carries no date")
	flag.BoolVar(&updateOutput, "update-output-db", false, "assume the output tables exist and only insert items")
	flag.BoolVar(&skipExisting, "skip-existing-db-dates", false, "skip raw databases whose date is already present in the price history")
	flag.StringVar(&metricsBackendFlg, "metrics-backend", "none", "metrics backend: datadog or none")
	flag.Parse()

	if analyze == convert {
		fatalf("exactly one of -analyze or -convert is required")
	}
	rawDBs := flag.Args()
	if len(rawDBs) == 0 {
		fatalf("usage: jsontosql [-analyze|-convert] [flags] raw.db [raw2.db ...]")
	}

	ctx := context.Background()
	logger := log.New(os.Stderr, "", log.LstdFlags)

	met := newMetricsBackend(ctx, metricsBackendFlg, logger)
	defer func() {
		if err := met.Close(); err != nil {
			logger.Printf("metrics: close: %v", err)
		}
	}()

	disc, err := discoverSchema(ctx, rawDBs[0], sample, logger, met)
	if err != nil {
		fatalf("%v", err)
	}

	if analyze {
		if err := printAnalysis(disc, printSQL, newTableName, logger); err != nil {
			fatalf("%v", err)
		}
		return
	}

	if err := runConvert(ctx, disc, convertConfig{
		rawDBs:       rawDBs,
		output:       output,
		backendKind:  backendKind,
		dsn:          dsn,
		tableName:    newTableName,
		minimal:      minimal,
		limit:        limit,
		dbDate:       dbDate,
		updateOutput: updateOutput,
		skipExisting: skipExisting,
	}, logger, met); err != nil {
		fatalf("%v", err)
	}
}

// discovery is the outcome of the schema pass over the first raw database.
type discovery struct {
	merged map[string]any
	docs   int
}

// discoverSchema streams the first raw database through the mutation hook
// and the type census, merging every document into one census-annotated
// super document.
func discoverSchema(ctx context.Context, path string, sample int, logger ingest.Logger, met metrics.Backend) (*discovery, error) {
	start := time.Now()
	store, err := source.Open(ctx, path, source.Options{})
	if err != nil {
		return nil, err
	}
	defer store.Close()

	total, err := store.Count(ctx)
	if err != nil {
		return nil, err
	}

	pass := analyzer.NewPass(analyzer.Options{Hook: realtor.Hook, Logger: logger})
	d := &discovery{}
	census := func(doc map[string]any) {
		pass.ApplyHook(doc, analyzer.Root())
		pass.Census(doc, analyzer.Root())
		d.merged = analyzer.MergeCensus(d.merged, doc)
		d.docs++
	}
	if sample > 0 {
		docs, err := store.Sample(ctx, sample)
		if err != nil {
			return nil, fmt.Errorf("analyze %s: %w", path, err)
		}
		for _, doc := range docs {
			census(doc)
		}
	} else {
		err = store.ForEach(ctx, 0, func(doc map[string]any) error {
			census(doc)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("analyze %s: %w", path, err)
		}
	}
	met.ObserveHistogram(metrics.MetricSnapshotDurationSeconds, time.Since(start).Seconds(), metrics.Labels{"stage": "analyze"})
	logger.Printf("stage=analyze db=%s docs=%d corpus=%d elapsed=%s", path, d.docs, total, time.Since(start).Round(time.Millisecond))
	return d, nil
}

// synthesize decomposes the merged census and derives relation specs from it.
func (d *discovery) synthesize(opts schema.Options, logger ingest.Logger) []storage.TableSpec {
	pass := analyzer.NewPass(analyzer.Options{Logger: logger})
	res := analyzer.NewResult()
	pass.Decompose(d.merged, analyzer.Root(), res)
	opts.DocumentCount = d.docs
	opts.Logger = logger
	return schema.Synthesize(res, opts)
}

func printAnalysis(d *discovery, printSQL bool, tableName string, logger ingest.Logger) error {
	out, err := json.MarshalIndent(d.merged, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if !printSQL {
		return nil
	}
	for _, t := range d.synthesize(schema.Options{DefaultTableName: tableName}, logger) {
		sql, err := sqlite.BuildCreateTableSQL(t)
		if err != nil {
			return err
		}
		fmt.Println(sql)
	}
	return nil
}

type convertConfig struct {
	rawDBs       []string
	output       string
	backendKind  string
	dsn          string
	tableName    string
	minimal      bool
	limit        int
	dbDate       string
	updateOutput bool
	skipExisting bool
}

func runConvert(ctx context.Context, d *discovery, cfg convertConfig, logger ingest.Logger, met metrics.Backend) error {
	schemaOpts := schema.Options{
		DefaultTableName: cfg.tableName,
		ForceNullable:    realtor.ForceNullable,
		ExtraRootColumns: realtor.ComputedColumns,
	}
	if cfg.minimal {
		schemaOpts.RootOnly = true
		schemaOpts.KeepColumns = realtor.MinimalColumns()
	}
	history := realtor.History()
	tables := d.synthesize(schemaOpts, logger)
	tables = append(tables, ingest.HistoryTableSpec(*history))

	target := cfg.dsn
	if target == "" {
		target = cfg.output
	}
	repo, err := storage.New(ctx, storage.Config{Kind: cfg.backendKind, DSN: target})
	if err != nil {
		return err
	}
	defer repo.Close()

	if !cfg.updateOutput {
		if err := repo.EnsureTables(ctx, tables); err != nil {
			return err
		}
	}

	ing := ingest.New(repo, tables, ingest.Options{
		RootTable: cfg.tableName,
		RootOnly:  cfg.minimal,
		Hook:      realtor.Hook,
		PostHook:  realtor.Computed,
		History:   history,
		Logger:    logger,
		Metrics:   met,
	})
	if err := ing.SeedHistory(ctx); err != nil {
		return err
	}

	latest := ""
	if cfg.skipExisting {
		latest, err = repo.LatestHistoryDate(ctx, storage.HistoryQuery{Table: history.Table, Columns: history.Columns})
		if err != nil {
			return err
		}
	}

	for _, raw := range cfg.rawDBs {
		date := ingest.SnapshotDateFromName(raw)
		if date == "" {
			date = cfg.dbDate
		}
		if date == "" {
			return fmt.Errorf("convert %s: no date in file name and no -db-date given", raw)
		}
		if cfg.skipExisting && latest != "" && date <= latest {
			logger.Printf("skipping %s: its date %s is not after the latest history date %s", raw, date, latest)
			continue
		}

		store, err := source.Open(ctx, raw, source.Options{})
		if err != nil {
			return err
		}
		stats, err := ing.Run(ctx, store, date, cfg.limit)
		store.Close()
		if err != nil {
			return fmt.Errorf("convert %s: %w", raw, err)
		}
		logger.Printf("converted %s: docs=%d rows=%d history=%d", raw, stats.Documents, stats.Rows, stats.HistoryAppends)
	}
	return nil
}

// newMetricsBackend selects the metrics sink: flag, then METRICS_BACKEND
// env, defaulting to the no-op backend.
func newMetricsBackend(ctx context.Context, name string, logger ingest.Logger) metrics.Backend {
	if name == "" || name == "none" {
		if env := os.Getenv("METRICS_BACKEND"); env != "" {
			name = env
		}
	}
	switch name {
	case "datadog":
		b, err := datadog.NewBackend(ctx, datadog.Options{
			JobName: "jsontosql",
			Tags:    datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS")),
		})
		if err != nil {
			logger.Printf("metrics: datadog init: %v; metrics disabled", err)
			return metrics.Noop{}
		}
		return b
	case "", "none":
		return metrics.Noop{}
	default:
		logger.Printf("metrics: unknown backend %q; metrics disabled", name)
		return metrics.Noop{}
	}
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
