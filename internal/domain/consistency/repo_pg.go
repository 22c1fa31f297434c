package consistency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medsync/medsync/internal/domain/sync"
)

// samplerPG reads target records straight from the target_record table.
type samplerPG struct{ pool *pgxpool.Pool }

func NewSamplerPG(pool *pgxpool.Pool) Sampler {
	return &samplerPG{pool: pool}
}

const recCols = `resource_type, resource_id, target_system, fields, updated_at,
	checksum, mapping_version, read_only, deleted`

func scanTargetRecord(row pgx.Row) (*sync.TargetRecord, error) {
	var rec sync.TargetRecord
	var fields []byte
	err := row.Scan(&rec.ResourceType, &rec.ResourceID, &rec.TargetSystem, &fields, &rec.UpdatedAt,
		&rec.Checksum, &rec.MappingVersion, &rec.ReadOnly, &rec.Deleted)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(fields, &rec.Fields); err != nil {
		return nil, fmt.Errorf("decode target fields: %w", err)
	}
	return &rec, nil
}

func (s *samplerPG) Sample(ctx context.Context, targetSystem, resourceType string, limit int) ([]*sync.TargetRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+recCols+` FROM target_record
		WHERE target_system = $1 AND resource_type = $2 AND NOT deleted
		ORDER BY updated_at DESC
		LIMIT $3`, targetSystem, resourceType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*sync.TargetRecord
	for rows.Next() {
		rec, err := scanTargetRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *samplerPG) GetRecord(ctx context.Context, targetSystem, resourceType, resourceID string) (*sync.TargetRecord, error) {
	rec, err := scanTargetRecord(s.pool.QueryRow(ctx, `
		SELECT `+recCols+` FROM target_record
		WHERE target_system = $1 AND resource_type = $2 AND resource_id = $3`,
		targetSystem, resourceType, resourceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

type reportRepoPG struct{ pool *pgxpool.Pool }

func NewReportRepoPG(pool *pgxpool.Pool) ReportRepository {
	return &reportRepoPG{pool: pool}
}

const repCols = `id, target_system, source_system, resource_type, sample_size,
	checks_run, checks_passed, score, failures, recommendations, created_at`

func scanReport(row pgx.Row) (*Report, error) {
	var rep Report
	var failures []byte
	err := row.Scan(&rep.ID, &rep.TargetSystem, &rep.SourceSystem, &rep.ResourceType, &rep.SampleSize,
		&rep.ChecksRun, &rep.ChecksPassed, &rep.Score, &failures, &rep.Recommendations, &rep.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(failures) > 0 {
		if err := json.Unmarshal(failures, &rep.Failures); err != nil {
			return nil, fmt.Errorf("decode report failures: %w", err)
		}
	}
	return &rep, nil
}

func (r *reportRepoPG) Create(ctx context.Context, rep *Report) error {
	failures, err := json.Marshal(rep.Failures)
	if err != nil {
		return fmt.Errorf("encode report failures: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO consistency_report
			(id, target_system, source_system, resource_type, sample_size,
			 checks_run, checks_passed, score, failures, recommendations, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		rep.ID, rep.TargetSystem, rep.SourceSystem, rep.ResourceType, rep.SampleSize,
		rep.ChecksRun, rep.ChecksPassed, rep.Score, failures, rep.Recommendations, rep.CreatedAt)
	return err
}

func (r *reportRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Report, error) {
	return scanReport(r.pool.QueryRow(ctx,
		`SELECT `+repCols+` FROM consistency_report WHERE id = $1`, id))
}

func (r *reportRepoPG) List(ctx context.Context, limit, offset int) ([]*Report, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM consistency_report`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+repCols+` FROM consistency_report
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Report
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rep)
	}
	return out, total, rows.Err()
}
