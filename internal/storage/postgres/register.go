package postgres

import "jsontosql/internal/storage"

func init() {
	// registers the backend factory
	storage.Register("postgres", New)
}
