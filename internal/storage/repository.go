package storage

import (
	"context"
	"fmt"
	"sync"
)

// Config is the minimal configuration needed to create a repository.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// RelationRow is one record destined for one relation. Records decomposed
// from the same relation may carry different column sets, so every row names
// its own columns.
type RelationRow struct {
	Table   string
	Columns []string
	Values  []any

	// KeyColumn is the primary-key column used for upsert conflict
	// resolution. Empty means plain insert.
	KeyColumn string
}

// HistoryColumns names the three columns of a history relation.
type HistoryColumns struct {
	Subject string
	Value   string
	Date    string
}

// HistoryAppend is one gated observation for a history relation. Backends
// must make the append idempotent against the relation's
// UNIQUE(subject, value, date) constraint.
type HistoryAppend struct {
	Table   string
	Columns HistoryColumns
	Subject any
	Value   any
	Date    string
}

// HistoryQuery addresses a history relation for reads.
type HistoryQuery struct {
	Table   string
	Columns HistoryColumns
}

// HistoryPoint is the last known observation for one subject.
type HistoryPoint struct {
	Value any
	Date  string // ISO date, lexicographically ordered
}

// DocumentBatch is everything one source document upserts: its relation rows
// plus an optional history append. Backends apply the whole batch in one
// transaction, so a document is either fully stored or not at all.
type DocumentBatch struct {
	Rows    []RelationRow
	History *HistoryAppend
}

// Repository is a backend-agnostic interface for the normalized store.
//
// IMPORTANT: This interface is intentionally minimal and focused on the
// operations the ingestion orchestrator needs. Each backend implements these
// semantics in its own idiomatic way (Postgres ON CONFLICT, SQLite OR
// REPLACE, etc).
type Repository interface {
	// Close releases any backend resources. Treat as "call once".
	Close()

	// EnsureTables creates tables and constraints as needed
	// (create-if-not-exists semantics, so startup is idempotent).
	EnsureTables(ctx context.Context, tables []TableSpec) error

	// UpsertDocument applies one document batch atomically.
	UpsertDocument(ctx context.Context, batch DocumentBatch) error

	// HistoryState returns the newest observation per subject, keyed by
	// NormalizeKey(subject). Used to seed the orchestrator's gate.
	HistoryState(ctx context.Context, q HistoryQuery) (map[string]HistoryPoint, error)

	// LatestHistoryDate returns the newest date in the history relation, or
	// "" when it is empty or absent.
	LatestHistoryDate(ctx context.Context, q HistoryQuery) (string, error)
}

// ---- backend factories ----

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	factoryMu sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//   - The `kind` string becomes the lookup key used by New.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered. This is intentional to fail fast and
//     avoid ambiguous backend selection.
func Register(kind string, f factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New constructs a Repository using the registered backend factory.
//
// Concurrency:
//   - Safe for concurrent use with Register. New takes a read lock while
//     selecting the factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing storage.Kind")
	}

	factoryMu.RLock()
	f := factories[cfg.Kind]
	factoryMu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}
