package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"jsontosql/internal/storage"
)

// Repo implements storage.Repository for SQLite, the default target backend.
//
// Key design points:
//   - Upserts use "INSERT OR REPLACE", which relies on the synthesized
//     PRIMARY KEY. Rows without a key column fall back to plain INSERT.
//   - History appends use "INSERT OR IGNORE" against the relation's
//     UNIQUE(subject, value, date) constraint, so re-ingesting a snapshot is
//     idempotent.
//   - Dates are stored as ISO TEXT; MAX() and lexicographic comparison agree
//     with chronological order.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

// EnsureTables creates every synthesized relation with
// CREATE TABLE IF NOT EXISTS, keeping startup idempotent.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		ddl, err := BuildCreateTableSQL(t)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// UpsertDocument applies one document batch in a single transaction.
func (r *Repo) UpsertDocument(ctx context.Context, batch storage.DocumentBatch) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, row := range batch.Rows {
		if err := upsertRow(ctx, tx, row); err != nil {
			return fmt.Errorf("upsert into %s: %w", row.Table, err)
		}
	}
	if h := batch.History; h != nil {
		q := fmt.Sprintf(
			`INSERT OR IGNORE INTO %s (%s, %s, %s) VALUES (?, ?, ?)`,
			sqlIdent(h.Table), sqlIdent(h.Columns.Subject), sqlIdent(h.Columns.Value), sqlIdent(h.Columns.Date),
		)
		if _, err := tx.ExecContext(ctx, q, h.Subject, h.Value, h.Date); err != nil {
			return fmt.Errorf("append history %s: %w", h.Table, err)
		}
	}

	return tx.Commit()
}

func upsertRow(ctx context.Context, tx *sql.Tx, row storage.RelationRow) error {
	if len(row.Columns) == 0 {
		return nil
	}
	prefix := "INSERT INTO "
	if row.KeyColumn != "" {
		prefix = "INSERT OR REPLACE INTO "
	}

	colList := make([]string, 0, len(row.Columns))
	for _, c := range row.Columns {
		colList = append(colList, sqlIdent(c))
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(row.Columns)), ",")

	q := prefix + sqlIdent(row.Table) +
		" (" + strings.Join(colList, ", ") + ") VALUES (" + placeholders + ")"
	_, err := tx.ExecContext(ctx, q, row.Values...)
	return err
}

// HistoryState returns the newest observation per subject. The fold happens
// in Go so the query stays portable across the relation's actual column
// names.
func (r *Repo) HistoryState(ctx context.Context, q storage.HistoryQuery) (map[string]storage.HistoryPoint, error) {
	query := fmt.Sprintf(
		`SELECT %s, %s, %s FROM %s`,
		sqlIdent(q.Columns.Subject), sqlIdent(q.Columns.Value), sqlIdent(q.Columns.Date), sqlIdent(q.Table),
	)
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]storage.HistoryPoint{}
	for rows.Next() {
		var subject, value any
		var date sql.NullString
		if err := rows.Scan(&subject, &value, &date); err != nil {
			return nil, err
		}
		k := storage.NormalizeKey(subject)
		if prev, ok := out[k]; !ok || date.String > prev.Date {
			out[k] = storage.HistoryPoint{Value: value, Date: date.String}
		}
	}
	return out, rows.Err()
}

// LatestHistoryDate returns the newest date in the history relation, or ""
// when the relation is empty or missing entirely (first run against a fresh
// store).
func (r *Repo) LatestHistoryDate(ctx context.Context, q storage.HistoryQuery) (string, error) {
	query := fmt.Sprintf(`SELECT MAX(%s) FROM %s`, sqlIdent(q.Columns.Date), sqlIdent(q.Table))
	var latest sql.NullString
	if err := r.db.QueryRowContext(ctx, query).Scan(&latest); err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return "", nil
		}
		return "", err
	}
	return latest.String, nil
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// BuildCreateTableSQL generates the CREATE TABLE IF NOT EXISTS statement for
// one relation. Exported so the CLI can print schema without connecting.
func BuildCreateTableSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("table name is empty")
	}

	var parts []string
	for _, c := range t.Columns {
		col := fmt.Sprintf("%s %s", sqlIdent(c.Name), c.Type)
		if c.PrimaryKey {
			col += " PRIMARY KEY"
		}
		if c.NotNull {
			col += " NOT NULL"
		}
		parts = append(parts, col)
	}

	for _, con := range t.Constraints {
		if con.Kind != "unique" {
			return "", fmt.Errorf("%s unsupported constraint kind: %s", t.Name, con.Kind)
		}
		var cols []string
		for _, c := range con.Columns {
			cols = append(cols, sqlIdent(c))
		}
		parts = append(parts, fmt.Sprintf("UNIQUE (%s)", strings.Join(cols, ", ")))
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", sqlIdent(t.Name), strings.Join(parts, ",\n  ")), nil
}
