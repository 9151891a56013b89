// Package schema turns merged type censuses into relation specs.
package schema

import (
	"io"
	"log"
	"sort"

	"jsontosql/internal/analyzer"
	"jsontosql/internal/storage"
)

// Logger is the minimal logging surface this package needs. *log.Logger
// satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

// Options configures Synthesize.
type Options struct {
	// DefaultTableName is the relation name for the root path.
	DefaultTableName string

	// DocumentCount is the number of documents the census covers. A column
	// whose majority type was observed exactly this many times is NOT NULL.
	DocumentCount int

	// ForceNullable lists column names that must never be NOT NULL, e.g.
	// fields known to go missing in future snapshots.
	ForceNullable []string

	// KeepColumns projects the root relation down to these columns (plus
	// the primary key and ExtraRootColumns). Empty keeps everything.
	KeepColumns []string

	// RootOnly drops every child relation.
	RootOnly bool

	// ExtraRootColumns are caller-computed columns appended to the root
	// relation, populated by the mutation hook at ingest time.
	ExtraRootColumns []storage.ColumnSpec

	// IDKeys selects the primary-key column. Nil means the default chain.
	IDKeys *analyzer.IDKeySelector

	Logger Logger
}

// Synthesize maps every decomposed relation of a merged census to a
// TableSpec.
//
// Per column:
//   - majority tag decides the type (int→INTEGER, float→REAL, str→TEXT,
//     anything else TEXT),
//   - a column observed only as null is dropped with an error log,
//   - null observations otherwise keep the column nullable,
//   - NOT NULL when the majority count equals DocumentCount and the column
//     is not force-nullable,
//   - the best identifier candidate becomes PRIMARY KEY and leads the
//     column list.
//
// Relation names resolve through the path rule; when two paths resolve to
// the same name the first writer wins and later ones are skipped with a
// warning.
func Synthesize(res *analyzer.Result, opts Options) []storage.TableSpec {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	idKeys := analyzer.DefaultIDKeySelector()
	if opts.IDKeys != nil {
		idKeys = *opts.IDKeys
	}
	forceNullable := map[string]bool{}
	for _, c := range opts.ForceNullable {
		forceNullable[c] = true
	}
	keep := map[string]bool{}
	for _, c := range opts.KeepColumns {
		keep[c] = true
	}

	var out []storage.TableSpec
	taken := map[string]string{} // relation name -> path that claimed it

	for _, path := range res.Paths {
		isRoot := path == analyzer.RootSegment
		if opts.RootOnly && !isRoot {
			continue
		}

		name := NormalizeIdentifier(analyzer.RelationNameForPath(path, opts.DefaultTableName))
		if prior, dup := taken[name]; dup {
			logger.Printf("warn: relation name %q for path %s already claimed by %s, skipping", name, path, prior)
			continue
		}
		taken[name] = path

		var merged map[string]any
		for _, rec := range res.Items[path] {
			merged = analyzer.MergeCensus(merged, rec)
		}

		pkKey := idKeys.Primary(merged)
		spec := storage.TableSpec{Name: name}
		seenCols := map[string]bool{}

		for _, key := range orderedKeys(merged, pkKey) {
			if isRoot && len(keep) > 0 && key != pkKey && !keep[key] {
				continue
			}
			col, ok := synthesizeColumn(logger, name, key, merged[key], opts.DocumentCount, forceNullable)
			if !ok {
				continue
			}
			if seenCols[col.Name] {
				logger.Printf("warn: %s: column name %q collides after normalization, keeping first", name, col.Name)
				continue
			}
			seenCols[col.Name] = true
			col.PrimaryKey = key == pkKey
			spec.Columns = append(spec.Columns, col)
		}

		if isRoot {
			for _, extra := range opts.ExtraRootColumns {
				if seenCols[extra.Name] {
					logger.Printf("warn: %s: computed column %q collides with a source column, keeping source", name, extra.Name)
					continue
				}
				seenCols[extra.Name] = true
				spec.Columns = append(spec.Columns, extra)
			}
		}

		if len(spec.Columns) == 0 {
			logger.Printf("warn: relation %s has no usable columns, skipping", name)
			delete(taken, name)
			continue
		}
		out = append(out, spec)
	}

	return out
}

// orderedKeys returns the column order: primary key first, the rest sorted.
func orderedKeys(merged map[string]any, pkKey string) []string {
	keys := make([]string, 0, len(merged))
	for k := range merged {
		if k != pkKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if pkKey != "" {
		keys = append([]string{pkKey}, keys...)
	}
	return keys
}

func synthesizeColumn(logger Logger, table, key string, v any, docCount int, forceNullable map[string]bool) (storage.ColumnSpec, bool) {
	var census analyzer.TypeCensus
	switch t := v.(type) {
	case analyzer.TypeCensus:
		census = t
	case []any:
		// reference field left by decomposition
		census = analyzer.TypeCensus{analyzer.TagList: len(t)}
	default:
		logger.Printf("warn: %s.%s: unexpected census shape %T, typing as TEXT", table, key, v)
		census = analyzer.TypeCensus{analyzer.TagString: 1}
	}

	if census[analyzer.TagConflict] > 0 {
		logger.Printf("warn: %s.%s: conflicting shapes across documents, typing as TEXT", table, key)
	}

	nullCount := census[analyzer.TagNull]
	work := census.Clone()
	delete(work, analyzer.TagNull)
	if len(work) == 0 {
		logger.Printf("error: %s.%s: only null values observed, dropping column", table, key)
		return storage.ColumnSpec{}, false
	}

	tag, count := work.MostCommon()
	if len(work) > 1 {
		logger.Printf("warn: %s.%s: mixed types %v, majority %q wins", table, key, work, tag)
	}

	name := NormalizeIdentifier(key)
	if name == "" {
		logger.Printf("error: %s: field %q normalizes to an empty identifier, dropping column", table, key)
		return storage.ColumnSpec{}, false
	}

	return storage.ColumnSpec{
		Name:    name,
		Type:    columnType(tag),
		NotNull: nullCount == 0 && count == docCount && !forceNullable[key],
	}, true
}

func columnType(tag string) string {
	switch tag {
	case analyzer.TagInt:
		return "INTEGER"
	case analyzer.TagFloat:
		return "REAL"
	case analyzer.TagString:
		return "TEXT"
	default:
		// bool, list, conflict: serialized text
		return "TEXT"
	}
}
