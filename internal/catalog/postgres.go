package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// catalogSchema is the append-only version table. Appends, never updates:
// the unique version constraint doubles as the publish serialization check
// when several engine instances share one database.
const catalogSchema = `
CREATE TABLE IF NOT EXISTS catalog_versions (
	version     INTEGER PRIMARY KEY,
	text        TEXT NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	updated_by  TEXT NOT NULL
)`

// PostgresStore persists catalog versions in an append-only table.
type PostgresStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPostgresStore creates the table when missing and returns the store.
func NewPostgresStore(ctx context.Context, db *sqlx.DB, timeout time.Duration) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := db.ExecContext(ctx, catalogSchema); err != nil {
		return nil, fmt.Errorf("failed to create catalog_versions table: %w", err)
	}
	return &PostgresStore{db: db, timeout: timeout}, nil
}

// Save appends one version. A duplicate version surfaces as ConflictError:
// another instance published the same version number first.
func (p *PostgresStore) Save(ctx context.Context, rec Record) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	query := `
		INSERT INTO catalog_versions (version, text, updated_at, updated_by)
		VALUES ($1, $2, $3, $4)`

	_, err := p.db.ExecContext(ctx, query, rec.Version, rec.Text, rec.UpdatedAt, rec.UpdatedBy)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return &ConflictError{Base: rec.Version - 1, Current: rec.Version}
		}
		return fmt.Errorf("failed to persist catalog version %d: %w", rec.Version, err)
	}
	return nil
}

// Load returns the highest persisted version.
func (p *PostgresStore) Load(ctx context.Context) (Record, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var rec Record
	query := `
		SELECT version, text, updated_at, updated_by
		FROM catalog_versions
		ORDER BY version DESC
		LIMIT 1`

	err := p.db.GetContext(ctx, &rec, query)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to load catalog: %w", err)
	}
	return rec, true, nil
}
