package accessrequest

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hcen/registry/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const requestCols = `id, requester_id, patient_id, specialty, document_type, document_id, reason, reference,
	tenant_id, state, resolved_by, resolution_comment, resolved_at, policy_id, version, created_at, updated_at`

func scanRequest(row pgx.Row) (*AccessRequest, error) {
	var a AccessRequest
	err := row.Scan(&a.ID, &a.RequesterID, &a.PatientID, &a.Specialty, &a.DocumentType, &a.DocumentID, &a.Reason, &a.Reference,
		&a.TenantID, &a.State, &a.ResolvedBy, &a.ResolutionComment, &a.ResolvedAt, &a.PolicyID, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &a, err
}

func (r *repoPG) Create(ctx context.Context, a *AccessRequest) error {
	a.ID = uuid.New()
	a.Version = 1
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO access_request (id, requester_id, patient_id, specialty, document_type, document_id,
			reason, reference, tenant_id, state, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`,
		a.ID, a.RequesterID, a.PatientID, a.Specialty, a.DocumentType, a.DocumentID,
		a.Reason, a.Reference, a.TenantID, a.State, a.Version,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*AccessRequest, error) {
	return scanRequest(r.conn(ctx).QueryRow(ctx, `SELECT `+requestCols+` FROM access_request WHERE id = $1`, id))
}

func (r *repoPG) Resolve(ctx context.Context, a *AccessRequest) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE access_request
		SET state = $2, resolved_by = $3, resolution_comment = $4, resolved_at = $5,
			version = version + 1, updated_at = NOW()
		WHERE id = $1 AND state = 'PENDING' AND version = $6
		RETURNING version, updated_at`,
		a.ID, a.State, a.ResolvedBy, a.ResolutionComment, a.ResolvedAt, a.Version,
	).Scan(&a.Version, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrConflict
	}
	return err
}

func (r *repoPG) AttachPolicy(ctx context.Context, id, policyID uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE access_request SET policy_id = $2, updated_at = NOW()
		WHERE id = $1 AND state = 'APPROVED' AND policy_id IS NULL`, id, policyID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (r *repoPG) list(ctx context.Context, where string, args []interface{}, limit, offset int) ([]*AccessRequest, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM access_request WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM access_request WHERE %s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		requestCols, where, len(args)+1, len(args)+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := make([]*AccessRequest, 0)
	for rows.Next() {
		a, err := scanRequest(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *repoPG) ListPending(ctx context.Context, limit, offset int) ([]*AccessRequest, int, error) {
	return r.list(ctx, `state = 'PENDING'`, nil, limit, offset)
}

func (r *repoPG) ListPendingByPatient(ctx context.Context, patientID string, limit, offset int) ([]*AccessRequest, int, error) {
	return r.list(ctx, `state = 'PENDING' AND patient_id = $1`, []interface{}{patientID}, limit, offset)
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*AccessRequest, int, error) {
	return r.list(ctx, `patient_id = $1`, []interface{}{patientID}, limit, offset)
}

func (r *repoPG) ListByProfessional(ctx context.Context, professionalID string, limit, offset int) ([]*AccessRequest, int, error) {
	return r.list(ctx, `requester_id = $1`, []interface{}{professionalID}, limit, offset)
}
