package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"jsontosql/internal/storage"
)

/*
Repo implements storage.Repository for Postgres.

It provides:
  - Idempotent table creation with portable-type translation
  - Per-document transactional upserts via INSERT ... ON CONFLICT
  - History reads for the orchestrator's gate

Behavior matches the SQLite and MSSQL implementations.
*/
type Repo struct {
	pool *pgxpool.Pool
}

// New creates a new Postgres-backed Repo.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return &Repo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

// EnsureTables creates every synthesized relation. This method is idempotent.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		ddl, err := buildCreateTableSQL(t)
		if err != nil {
			return err
		}
		if _, err := r.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// UpsertDocument applies one document batch inside a single transaction.
func (r *Repo) UpsertDocument(ctx context.Context, batch storage.DocumentBatch) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, row := range batch.Rows {
		q, args, err := buildUpsertSQL(row)
		if err != nil {
			return err
		}
		if q == "" {
			continue
		}
		if _, err := tx.Exec(ctx, q, args...); err != nil {
			return fmt.Errorf("upsert into %s: %w", row.Table, err)
		}
	}
	if h := batch.History; h != nil {
		q := fmt.Sprintf(
			`INSERT INTO %s (%s, %s, %s) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			pgIdent(h.Table), pgIdent(h.Columns.Subject), pgIdent(h.Columns.Value), pgIdent(h.Columns.Date),
		)
		if _, err := tx.Exec(ctx, q, h.Subject, h.Value, h.Date); err != nil {
			return fmt.Errorf("append history %s: %w", h.Table, err)
		}
	}

	return tx.Commit(ctx)
}

// HistoryState returns the newest observation per subject, keyed by
// storage.NormalizeKey so callers can match string/int/etc subject inputs.
func (r *Repo) HistoryState(ctx context.Context, q storage.HistoryQuery) (map[string]storage.HistoryPoint, error) {
	query := fmt.Sprintf(
		`SELECT %s, %s, %s FROM %s`,
		pgIdent(q.Columns.Subject), pgIdent(q.Columns.Value), pgIdent(q.Columns.Date), pgIdent(q.Table),
	)
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("history state %s: %w", q.Table, err)
	}
	defer rows.Close()

	out := map[string]storage.HistoryPoint{}
	for rows.Next() {
		var subject, value any
		var date string
		if err := rows.Scan(&subject, &value, &date); err != nil {
			return nil, fmt.Errorf("history state scan %s: %w", q.Table, err)
		}
		k := storage.NormalizeKey(subject)
		if prev, ok := out[k]; !ok || date > prev.Date {
			out[k] = storage.HistoryPoint{Value: value, Date: date}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history state rows %s: %w", q.Table, err)
	}
	return out, nil
}

// LatestHistoryDate returns the newest date in the history relation, or ""
// when the relation is empty or does not exist yet.
func (r *Repo) LatestHistoryDate(ctx context.Context, q storage.HistoryQuery) (string, error) {
	query := fmt.Sprintf(`SELECT MAX(%s) FROM %s`, pgIdent(q.Columns.Date), pgIdent(q.Table))
	var latest *string
	if err := r.pool.QueryRow(ctx, query).Scan(&latest); err != nil {
		// 42P01 undefined_table: first run against a fresh database
		if strings.Contains(err.Error(), "42P01") || strings.Contains(err.Error(), "does not exist") {
			return "", nil
		}
		return "", err
	}
	if latest == nil {
		return "", nil
	}
	return *latest, nil
}

/* ---------- SQL builders ---------- */

// buildUpsertSQL constructs the upsert statement and its args for one row.
//
// Why this exists:
//   - It is pure and deterministic, so we can unit test correctness
//     (especially ON CONFLICT behavior and placeholder numbering) without a
//     database.
//
// With a KeyColumn the statement is
//
//	INSERT ... ON CONFLICT (key) DO UPDATE SET col = EXCLUDED.col, ...
//
// and degenerates to DO NOTHING when the key is the only column. Without a
// KeyColumn it is a plain INSERT.
func buildUpsertSQL(row storage.RelationRow) (string, []any, error) {
	if len(row.Columns) == 0 {
		return "", nil, nil
	}
	if len(row.Columns) != len(row.Values) {
		return "", nil, fmt.Errorf("table %s: %d columns but %d values", row.Table, len(row.Columns), len(row.Values))
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgIdent(row.Table))
	b.WriteString(" (")
	for i, c := range row.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES (")
	for i := range row.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", i+1)
	}
	b.WriteString(")")

	if row.KeyColumn != "" {
		b.WriteString(" ON CONFLICT (")
		b.WriteString(pgIdent(row.KeyColumn))
		b.WriteString(")")
		var sets []string
		for _, c := range row.Columns {
			if c == row.KeyColumn {
				continue
			}
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", pgIdent(c), pgIdent(c)))
		}
		if len(sets) == 0 {
			b.WriteString(" DO NOTHING")
		} else {
			b.WriteString(" DO UPDATE SET ")
			b.WriteString(strings.Join(sets, ", "))
		}
	}

	return b.String(), row.Values, nil
}

// buildCreateTableSQL renders CREATE TABLE IF NOT EXISTS DDL, translating the
// engine's portable column types to Postgres types.
func buildCreateTableSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("table name is empty")
	}

	parts := make([]string, 0, len(t.Columns)+len(t.Constraints))
	for _, c := range t.Columns {
		name := strings.TrimSpace(c.Name)
		if name == "" || strings.TrimSpace(c.Type) == "" {
			return "", fmt.Errorf("table %s: column name/type must be set", t.Name)
		}
		col := pgIdent(name) + " " + pgType(c.Type)
		if c.PrimaryKey {
			col += " PRIMARY KEY"
		}
		if c.NotNull {
			col += " NOT NULL"
		}
		parts = append(parts, col)
	}

	for _, con := range t.Constraints {
		kind := strings.ToLower(strings.TrimSpace(con.Kind))
		if kind != "unique" {
			return "", fmt.Errorf("table %s: unsupported constraint kind %q", t.Name, con.Kind)
		}
		if len(con.Columns) == 0 {
			return "", fmt.Errorf("table %s: unique constraint requires columns", t.Name)
		}
		cols := make([]string, 0, len(con.Columns))
		for _, c := range con.Columns {
			cols = append(cols, pgIdent(strings.TrimSpace(c)))
		}
		parts = append(parts, fmt.Sprintf("UNIQUE (%s)", strings.Join(cols, ", ")))
	}

	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s);`, pgIdent(t.Name), strings.Join(parts, ", ")), nil
}

// pgType translates a portable column type into its Postgres equivalent.
// BIGINT instead of INTEGER: source ids routinely exceed 32 bits.
func pgType(portable string) string {
	switch strings.ToUpper(strings.TrimSpace(portable)) {
	case "INTEGER":
		return "BIGINT"
	case "REAL":
		return "DOUBLE PRECISION"
	case "TEXT":
		return "TEXT"
	default:
		return portable
	}
}

func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}
