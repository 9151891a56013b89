package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"jsontosql/internal/storage"
)

// Repo implements storage.Repository for Microsoft SQL Server.
//
// Upsert semantics:
//   - Avoids MERGE.
//   - Rows with a key column use UPDATE first, then INSERT ... WHERE NOT
//     EXISTS when no row matched. Both statements run inside the document
//     transaction, so the pair is atomic.
//   - History appends use INSERT ... WHERE NOT EXISTS against the
//     (subject, value, date) triple, mirroring the OR IGNORE/ON CONFLICT
//     behavior of the other backends.
//
// Type mapping:
//   - TEXT maps to NVARCHAR(MAX), except for columns participating in a
//     UNIQUE constraint, which map to NVARCHAR(450) to stay inside SQL
//     Server's index key size limit.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("mssql", New)
}

// New constructs a Repo using database/sql and the "sqlserver" driver.
// It validates connectivity via PingContext.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}

	// Conservative defaults for bursty single-writer loads.
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(16)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

// EnsureTables creates every synthesized relation behind an OBJECT_ID guard.
// Idempotent and safe to run on every invocation.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		ddl, err := buildCreateTableSQL(t)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("mssql: create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// UpsertDocument applies one document batch inside a single transaction.
func (r *Repo) UpsertDocument(ctx context.Context, batch storage.DocumentBatch) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, row := range batch.Rows {
		if err := upsertRow(ctx, tx, row); err != nil {
			return fmt.Errorf("mssql: upsert into %s: %w", row.Table, err)
		}
	}
	if h := batch.History; h != nil {
		q, args := buildHistoryAppendSQL(*h)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("mssql: append history %s: %w", h.Table, err)
		}
	}

	return tx.Commit()
}

func upsertRow(ctx context.Context, tx *sql.Tx, row storage.RelationRow) error {
	if len(row.Columns) == 0 {
		return nil
	}
	if len(row.Columns) != len(row.Values) {
		return fmt.Errorf("%d columns but %d values", len(row.Columns), len(row.Values))
	}

	if row.KeyColumn != "" {
		if q, args, ok := buildUpdateSQL(row); ok {
			res, err := tx.ExecContext(ctx, q, args...)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err == nil && n > 0 {
				return nil
			}
		}
	}

	q, args := buildInsertSQL(row)
	_, err := tx.ExecContext(ctx, q, args...)
	return err
}

// HistoryState returns the newest observation per subject, keyed by
// storage.NormalizeKey.
func (r *Repo) HistoryState(ctx context.Context, q storage.HistoryQuery) (map[string]storage.HistoryPoint, error) {
	query := fmt.Sprintf(
		"SELECT %s, %s, %s FROM %s",
		mssqlIdent(q.Columns.Subject), mssqlIdent(q.Columns.Value), mssqlIdent(q.Columns.Date), mssqlTableIdent(q.Table),
	)
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("mssql: history state %s: %w", q.Table, err)
	}
	defer rows.Close()

	out := map[string]storage.HistoryPoint{}
	for rows.Next() {
		var subject, value any
		var date sql.NullString
		if err := rows.Scan(&subject, &value, &date); err != nil {
			return nil, fmt.Errorf("mssql: history state scan %s: %w", q.Table, err)
		}
		k := storage.NormalizeKey(subject)
		if prev, ok := out[k]; !ok || date.String > prev.Date {
			out[k] = storage.HistoryPoint{Value: value, Date: date.String}
		}
	}
	return out, rows.Err()
}

// LatestHistoryDate returns the newest date in the history relation, "" when
// the relation is empty or missing.
func (r *Repo) LatestHistoryDate(ctx context.Context, q storage.HistoryQuery) (string, error) {
	query := fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NOT NULL SELECT MAX(%s) FROM %s ELSE SELECT NULL",
		q.Table, mssqlIdent(q.Columns.Date), mssqlTableIdent(q.Table),
	)
	var latest sql.NullString
	if err := r.db.QueryRowContext(ctx, query).Scan(&latest); err != nil {
		return "", err
	}
	return latest.String, nil
}

/* ---------- SQL builders (pure, unit-testable without a server) ---------- */

func buildInsertSQL(row storage.RelationRow) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(row.Table))
	b.WriteString(" (")
	for i, c := range row.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(") VALUES (")
	for i := range row.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "@p%d", i+1)
	}
	b.WriteString(")")
	return b.String(), row.Values
}

// buildUpdateSQL renders the UPDATE half of the upsert. ok is false when the
// key is the row's only column, in which case there is nothing to update.
func buildUpdateSQL(row storage.RelationRow) (string, []any, bool) {
	keyIdx := -1
	for i, c := range row.Columns {
		if c == row.KeyColumn {
			keyIdx = i
			break
		}
	}
	if keyIdx < 0 || len(row.Columns) == 1 {
		return "", nil, false
	}

	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(mssqlTableIdent(row.Table))
	b.WriteString(" SET ")

	args := make([]any, 0, len(row.Values))
	p := 1
	for i, c := range row.Columns {
		if i == keyIdx {
			continue
		}
		if len(args) > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s = @p%d", mssqlIdent(c), p)
		args = append(args, row.Values[i])
		p++
	}
	fmt.Fprintf(&b, " WHERE %s = @p%d", mssqlIdent(row.KeyColumn), p)
	args = append(args, row.Values[keyIdx])
	return b.String(), args, true
}

func buildHistoryAppendSQL(h storage.HistoryAppend) (string, []any) {
	table := mssqlTableIdent(h.Table)
	subject := mssqlIdent(h.Columns.Subject)
	value := mssqlIdent(h.Columns.Value)
	date := mssqlIdent(h.Columns.Date)

	q := fmt.Sprintf(
		"INSERT INTO %s (%s, %s, %s) SELECT @p1, @p2, @p3 WHERE NOT EXISTS "+
			"(SELECT 1 FROM %s WHERE %s = @p4 AND %s = @p5 AND %s = @p6)",
		table, subject, value, date,
		table, subject, value, date,
	)
	return q, []any{h.Subject, h.Value, h.Date, h.Subject, h.Value, h.Date}
}

// buildCreateTableSQL wraps a CREATE TABLE statement in an OBJECT_ID guard.
func buildCreateTableSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("mssql: table name is empty")
	}

	uniqueCols := map[string]bool{}
	for _, con := range t.Constraints {
		for _, c := range con.Columns {
			uniqueCols[c] = true
		}
	}

	var parts []string
	for _, c := range t.Columns {
		if strings.TrimSpace(c.Name) == "" {
			return "", fmt.Errorf("mssql: column name is empty")
		}
		if strings.TrimSpace(c.Type) == "" {
			return "", fmt.Errorf("mssql: column %s type is empty", c.Name)
		}
		def := mssqlIdent(c.Name) + " " + mssqlType(c.Type, c.PrimaryKey || uniqueCols[c.Name])
		if c.PrimaryKey {
			def += " PRIMARY KEY"
		} else if c.NotNull {
			def += " NOT NULL"
		} else {
			def += " NULL"
		}
		parts = append(parts, def)
	}

	for _, con := range t.Constraints {
		if !strings.EqualFold(con.Kind, "unique") {
			return "", fmt.Errorf("%s unsupported constraint kind: %s", t.Name, con.Kind)
		}
		if len(con.Columns) == 0 {
			return "", fmt.Errorf("%s unique constraint has no columns", t.Name)
		}
		var cols []string
		for _, c := range con.Columns {
			cols = append(cols, mssqlIdent(c))
		}
		parts = append(parts, fmt.Sprintf("UNIQUE (%s)", strings.Join(cols, ", ")))
	}

	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		t.Name, mssqlTableIdent(t.Name), strings.Join(parts, ", "),
	), nil
}

// mssqlType translates a portable column type. indexed marks columns that
// participate in a PRIMARY KEY or UNIQUE constraint and therefore cannot use
// NVARCHAR(MAX).
func mssqlType(portable string, indexed bool) string {
	switch strings.ToUpper(strings.TrimSpace(portable)) {
	case "INTEGER":
		return "BIGINT"
	case "REAL":
		return "FLOAT"
	case "TEXT":
		if indexed {
			return "NVARCHAR(450)"
		}
		return "NVARCHAR(MAX)"
	default:
		return portable
	}
}

// mssqlIdent returns a bracket-quoted identifier.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified
// names.
//
// Example:
//
//	"dbo.Listings" -> [dbo].[Listings]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}
