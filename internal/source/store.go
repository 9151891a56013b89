// Package source reads raw snapshot stores: SQLite databases holding one
// JSON document per row, as written by the retrieval client.
package source

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	_ "modernc.org/sqlite"
)

// Default layout of a raw snapshot store.
const (
	DefaultTable  = "listings"
	DefaultColumn = "details"
)

// Store is a read-only view over one raw snapshot database.
type Store struct {
	db     *sql.DB
	table  string
	column string
}

// Options overrides the snapshot layout. Zero values mean the defaults.
type Options struct {
	Table  string
	Column string
}

// Open opens a raw snapshot store. A missing file is an error: the SQLite
// driver would otherwise create an empty database and the pass would
// silently ingest nothing.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, table: DefaultTable, column: DefaultColumn}
	if t := strings.TrimSpace(opts.Table); t != "" {
		s.table = t
	}
	if c := strings.TrimSpace(opts.Column); c != "" {
		s.column = c
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Count returns the number of documents in the store.
func (s *Store) Count(ctx context.Context) (int, error) {
	q := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, sqlIdent(s.table))
	var n int
	if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("source: count %s: %w", s.table, err)
	}
	return n, nil
}

// Sample decodes up to n documents. Used by schema discovery; n <= 0 means
// all documents.
func (s *Store) Sample(ctx context.Context, n int) ([]map[string]any, error) {
	var out []map[string]any
	err := s.ForEach(ctx, n, func(doc map[string]any) error {
		out = append(out, doc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ForEach streams every document to fn, decoding at most limit documents
// when limit > 0. Numbers decode with UseNumber so the census can tell int
// from float. A document that fails to decode aborts the pass: a corrupt
// snapshot store is not recoverable row by row.
func (s *Store) ForEach(ctx context.Context, limit int, fn func(doc map[string]any) error) error {
	q := fmt.Sprintf(`SELECT %s FROM %s`, sqlIdent(s.column), sqlIdent(s.table))
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return fmt.Errorf("source: query %s.%s: %w", s.table, s.column, err)
	}
	defer rows.Close()

	row := 0
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return fmt.Errorf("source: scan row %d: %w", row, err)
		}

		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var doc map[string]any
		if err := dec.Decode(&doc); err != nil {
			return fmt.Errorf("source: decode row %d: %w", row, err)
		}

		if err := fn(doc); err != nil {
			return err
		}
		row++
	}
	return rows.Err()
}

func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}
