package sync

import (
	"context"
	"encoding/json"
	"errors"
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

func conn(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// ---------------------------------------------------------------------------
// RunRepository
// ---------------------------------------------------------------------------

type runRepoPG struct{ pool *pgxpool.Pool }

func NewRunRepoPG(pool *pgxpool.Pool) RunRepository {
	return &runRepoPG{pool: pool}
}

const runCols = `id, provider_id, ehr_system, resource_types, status,
	records_processed, records_created, records_updated, records_deleted,
	records_failed, records_pending, errors, warnings, started_at, finished_at`

func scanRun(row pgx.Row) (*ActiveSync, error) {
	var run ActiveSync
	var errs, warns []byte
	err := row.Scan(&run.SyncID, &run.ProviderID, &run.EHRSystem, &run.ResourceTypes, &run.Status,
		&run.RecordsProcessed, &run.RecordsCreated, &run.RecordsUpdated, &run.RecordsDeleted,
		&run.RecordsFailed, &run.RecordsPending, &errs, &warns, &run.StartedAt, &run.FinishedAt)
	if err != nil {
		return nil, err
	}
	if len(errs) > 0 {
		if err := json.Unmarshal(errs, &run.Errors); err != nil {
			return nil, fmt.Errorf("decode run errors: %w", err)
		}
	}
	if len(warns) > 0 {
		if err := json.Unmarshal(warns, &run.Warnings); err != nil {
			return nil, fmt.Errorf("decode run warnings: %w", err)
		}
	}
	return &run, nil
}

func (r *runRepoPG) Create(ctx context.Context, run *ActiveSync) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO sync_run (id, provider_id, ehr_system, resource_types, status, started_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		run.SyncID, run.ProviderID, run.EHRSystem, run.ResourceTypes, run.Status, run.StartedAt)
	return err
}

func (r *runRepoPG) Update(ctx context.Context, run *ActiveSync) error {
	errs, err := json.Marshal(run.Errors)
	if err != nil {
		return fmt.Errorf("encode run errors: %w", err)
	}
	warns, err := json.Marshal(run.Warnings)
	if err != nil {
		return fmt.Errorf("encode run warnings: %w", err)
	}
	_, err = conn(ctx, r.pool).Exec(ctx, `
		UPDATE sync_run SET status = $2,
			records_processed = $3, records_created = $4, records_updated = $5,
			records_deleted = $6, records_failed = $7, records_pending = $8,
			errors = $9, warnings = $10, finished_at = $11
		WHERE id = $1`,
		run.SyncID, run.Status,
		run.RecordsProcessed, run.RecordsCreated, run.RecordsUpdated,
		run.RecordsDeleted, run.RecordsFailed, run.RecordsPending,
		errs, warns, run.FinishedAt)
	return err
}

func (r *runRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ActiveSync, error) {
	return scanRun(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+runCols+` FROM sync_run WHERE id = $1`, id))
}

func (r *runRepoPG) List(ctx context.Context, limit, offset int) ([]*ActiveSync, int, error) {
	q := conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM sync_run`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.Query(ctx, `
		SELECT `+runCols+` FROM sync_run
		ORDER BY started_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*ActiveSync
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, run)
	}
	return out, total, rows.Err()
}

// ---------------------------------------------------------------------------
// ResolutionRepository
// ---------------------------------------------------------------------------

type resolutionRepoPG struct{ pool *pgxpool.Pool }

func NewResolutionRepoPG(pool *pgxpool.Pool) ResolutionRepository {
	return &resolutionRepoPG{pool: pool}
}

const resCols = `id, conflict_id, sync_id, resource_id, field, strategy_applied,
	source_value, target_value, final_value, justification, resolved_at`

func scanResolution(row pgx.Row) (*ConflictResolution, error) {
	var cr ConflictResolution
	var src, tgt, final []byte
	err := row.Scan(&cr.ID, &cr.ConflictID, &cr.SyncID, &cr.ResourceID, &cr.Field,
		&cr.StrategyApplied, &src, &tgt, &final, &cr.Justification, &cr.ResolvedAt)
	if err != nil {
		return nil, err
	}
	for _, pair := range []struct {
		raw []byte
		dst *interface{}
	}{{src, &cr.SourceValue}, {tgt, &cr.TargetValue}, {final, &cr.FinalValue}} {
		if len(pair.raw) > 0 {
			if err := json.Unmarshal(pair.raw, pair.dst); err != nil {
				return nil, fmt.Errorf("decode resolution value: %w", err)
			}
		}
	}
	return &cr, nil
}

func (r *resolutionRepoPG) CreateBatch(ctx context.Context, entries []ConflictResolution) error {
	if len(entries) == 0 {
		return nil
	}
	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		for i := range entries {
			cr := &entries[i]
			src, err := json.Marshal(cr.SourceValue)
			if err != nil {
				return fmt.Errorf("encode source value: %w", err)
			}
			tgt, err := json.Marshal(cr.TargetValue)
			if err != nil {
				return fmt.Errorf("encode target value: %w", err)
			}
			final, err := json.Marshal(cr.FinalValue)
			if err != nil {
				return fmt.Errorf("encode final value: %w", err)
			}
			if _, err := conn(ctx, r.pool).Exec(ctx, `
				INSERT INTO conflict_resolution
					(id, conflict_id, sync_id, resource_id, field, strategy_applied,
					 source_value, target_value, final_value, justification, resolved_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
				cr.ID, cr.ConflictID, cr.SyncID, cr.ResourceID, cr.Field, cr.StrategyApplied,
				src, tgt, final, cr.Justification, cr.ResolvedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *resolutionRepoPG) ListByResource(ctx context.Context, resourceID string, limit, offset int) ([]*ConflictResolution, int, error) {
	q := conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx,
		`SELECT COUNT(*) FROM conflict_resolution WHERE resource_id = $1`, resourceID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.Query(ctx, `
		SELECT `+resCols+` FROM conflict_resolution
		WHERE resource_id = $1
		ORDER BY resolved_at DESC
		LIMIT $2 OFFSET $3`, resourceID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*ConflictResolution
	for rows.Next() {
		cr, err := scanResolution(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, cr)
	}
	return out, total, rows.Err()
}

func (r *resolutionRepoPG) ListBySync(ctx context.Context, syncID uuid.UUID) ([]*ConflictResolution, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT `+resCols+` FROM conflict_resolution
		WHERE sync_id = $1
		ORDER BY resolved_at`, syncID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ConflictResolution
	for rows.Next() {
		cr, err := scanResolution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// TargetStore
// ---------------------------------------------------------------------------

type targetStorePG struct{ pool *pgxpool.Pool }

func NewTargetStorePG(pool *pgxpool.Pool) TargetStore {
	return &targetStorePG{pool: pool}
}

func (s *targetStorePG) GetRecord(ctx context.Context, targetSystem, resourceType, resourceID string) (*TargetRecord, error) {
	var rec TargetRecord
	var fields []byte
	err := conn(ctx, s.pool).QueryRow(ctx, `
		SELECT resource_type, resource_id, target_system, fields, updated_at,
			checksum, mapping_version, read_only, deleted
		FROM target_record
		WHERE target_system = $1 AND resource_type = $2 AND resource_id = $3`,
		targetSystem, resourceType, resourceID).
		Scan(&rec.ResourceType, &rec.ResourceID, &rec.TargetSystem, &fields, &rec.UpdatedAt,
			&rec.Checksum, &rec.MappingVersion, &rec.ReadOnly, &rec.Deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &TransientIOError{Op: "target read", Err: err}
	}
	if err := json.Unmarshal(fields, &rec.Fields); err != nil {
		return nil, fmt.Errorf("decode target fields: %w", err)
	}
	return &rec, nil
}

func (s *targetStorePG) GetState(ctx context.Context, providerID, ehrSystem, resourceType, resourceID string) (*SyncState, error) {
	var st SyncState
	err := conn(ctx, s.pool).QueryRow(ctx, `
		SELECT provider_id, ehr_system, resource_type, resource_id, last_sync_at, last_checksum
		FROM sync_state
		WHERE provider_id = $1 AND ehr_system = $2 AND resource_type = $3 AND resource_id = $4`,
		providerID, ehrSystem, resourceType, resourceID).
		Scan(&st.ProviderID, &st.EHRSystem, &st.ResourceType, &st.ResourceID, &st.LastSyncAt, &st.LastChecksum)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &TransientIOError{Op: "state read", Err: err}
	}
	return &st, nil
}

func (s *targetStorePG) Apply(ctx context.Context, rec *TargetRecord, state *SyncState) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("encode target fields: %w", err)
	}
	err = db.InTx(ctx, s.pool, func(ctx context.Context) error {
		if _, err := conn(ctx, s.pool).Exec(ctx, `
			INSERT INTO target_record
				(target_system, resource_type, resource_id, fields, updated_at,
				 checksum, mapping_version, deleted)
			VALUES ($1,$2,$3,$4,$5,$6,$7,false)
			ON CONFLICT (target_system, resource_type, resource_id) DO UPDATE SET
				fields = EXCLUDED.fields,
				updated_at = EXCLUDED.updated_at,
				checksum = EXCLUDED.checksum,
				mapping_version = EXCLUDED.mapping_version,
				deleted = false`,
			rec.TargetSystem, rec.ResourceType, rec.ResourceID, fields,
			rec.UpdatedAt, rec.Checksum, rec.MappingVersion); err != nil {
			return err
		}
		return s.putState(ctx, state)
	})
	if err != nil {
		return &TransientIOError{Op: "target apply", Err: err}
	}
	return nil
}

func (s *targetStorePG) Tombstone(ctx context.Context, targetSystem, resourceType, resourceID string, state *SyncState) error {
	err := db.InTx(ctx, s.pool, func(ctx context.Context) error {
		if _, err := conn(ctx, s.pool).Exec(ctx, `
			UPDATE target_record SET deleted = true, updated_at = $4
			WHERE target_system = $1 AND resource_type = $2 AND resource_id = $3`,
			targetSystem, resourceType, resourceID, state.LastSyncAt); err != nil {
			return err
		}
		return s.putState(ctx, state)
	})
	if err != nil {
		return &TransientIOError{Op: "target tombstone", Err: err}
	}
	return nil
}

func (s *targetStorePG) putState(ctx context.Context, st *SyncState) error {
	_, err := conn(ctx, s.pool).Exec(ctx, `
		INSERT INTO sync_state (provider_id, ehr_system, resource_type, resource_id, last_sync_at, last_checksum)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (provider_id, ehr_system, resource_type, resource_id) DO UPDATE SET
			last_sync_at = EXCLUDED.last_sync_at,
			last_checksum = EXCLUDED.last_checksum`,
		st.ProviderID, st.EHRSystem, st.ResourceType, st.ResourceID, st.LastSyncAt, st.LastChecksum)
	return err
}
