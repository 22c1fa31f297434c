package mapping

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medsync/medsync/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const smCols = `id, source_system, target_system, resource_type, version, active, fields, created_at`

func (r *repoPG) scanRow(row pgx.Row) (*SchemaMapping, error) {
	var sm SchemaMapping
	var fields []byte
	err := row.Scan(&sm.ID, &sm.SourceSystem, &sm.TargetSystem, &sm.ResourceType,
		&sm.Version, &sm.Active, &fields, &sm.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(fields, &sm.Fields); err != nil {
		return nil, fmt.Errorf("decode field mappings: %w", err)
	}
	return &sm, nil
}

func (r *repoPG) Create(ctx context.Context, sm *SchemaMapping) error {
	sm.ID = uuid.New()
	fields, err := json.Marshal(sm.Fields)
	if err != nil {
		return fmt.Errorf("encode field mappings: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO schema_mapping (id, source_system, target_system, resource_type, version, active, fields)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		sm.ID, sm.SourceSystem, sm.TargetSystem, sm.ResourceType, sm.Version, sm.Active, fields)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*SchemaMapping, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx,
		`SELECT `+smCols+` FROM schema_mapping WHERE id = $1`, id))
}

func (r *repoPG) GetVersion(ctx context.Context, sourceSystem, targetSystem, resourceType string, version int) (*SchemaMapping, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `
		SELECT `+smCols+` FROM schema_mapping
		WHERE source_system = $1 AND target_system = $2 AND resource_type = $3 AND version = $4`,
		sourceSystem, targetSystem, resourceType, version))
}

func (r *repoPG) GetActive(ctx context.Context, sourceSystem, targetSystem, resourceType string) (*SchemaMapping, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `
		SELECT `+smCols+` FROM schema_mapping
		WHERE source_system = $1 AND target_system = $2 AND resource_type = $3 AND active`,
		sourceSystem, targetSystem, resourceType))
}

func (r *repoPG) MaxVersion(ctx context.Context, sourceSystem, targetSystem, resourceType string) (int, error) {
	var max int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM schema_mapping
		WHERE source_system = $1 AND target_system = $2 AND resource_type = $3`,
		sourceSystem, targetSystem, resourceType).Scan(&max)
	return max, err
}

func (r *repoPG) ListVersions(ctx context.Context, sourceSystem, targetSystem, resourceType string) ([]*SchemaMapping, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+smCols+` FROM schema_mapping
		WHERE source_system = $1 AND target_system = $2 AND resource_type = $3
		ORDER BY version`,
		sourceSystem, targetSystem, resourceType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SchemaMapping
	for rows.Next() {
		sm, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*SchemaMapping, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM schema_mapping`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+smCols+` FROM schema_mapping
		ORDER BY source_system, target_system, resource_type, version
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*SchemaMapping
	for rows.Next() {
		sm, err := r.scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, sm)
	}
	return out, total, rows.Err()
}

// Activate marks the given version active and deactivates the previously
// active version of the same triple in one transaction.
func (r *repoPG) Activate(ctx context.Context, id uuid.UUID) error {
	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		sm, err := r.GetByID(ctx, id)
		if err != nil {
			return fmt.Errorf("load mapping %s: %w", id, err)
		}
		if _, err := r.conn(ctx).Exec(ctx, `
			UPDATE schema_mapping SET active = false
			WHERE source_system = $1 AND target_system = $2 AND resource_type = $3 AND active`,
			sm.SourceSystem, sm.TargetSystem, sm.ResourceType); err != nil {
			return err
		}
		_, err = r.conn(ctx).Exec(ctx,
			`UPDATE schema_mapping SET active = true WHERE id = $1`, id)
		return err
	})
}
