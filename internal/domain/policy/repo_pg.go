package policy

import (
	"context"
	"errors"
	"time"

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

const policyCols = `id, patient_id, professional_id, scope, document_type, document_id,
	specialty, duration, expires_at, management, tenant_id, reference, source_request_id,
	created_at, updated_at`

func scanPolicy(row pgx.Row) (*Policy, error) {
	var p Policy
	err := row.Scan(&p.ID, &p.PatientID, &p.ProfessionalID, &p.Scope, &p.DocumentType, &p.DocumentID,
		&p.Specialty, &p.Duration, &p.ExpiresAt, &p.Management, &p.TenantID, &p.Reference, &p.SourceRequestID,
		&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &p, err
}

func (r *repoPG) Create(ctx context.Context, p *Policy) error {
	p.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO policy (id, patient_id, professional_id, scope, document_type, document_id,
			specialty, duration, expires_at, management, tenant_id, reference, source_request_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at, updated_at`,
		p.ID, p.PatientID, p.ProfessionalID, p.Scope, p.DocumentType, p.DocumentID,
		p.Specialty, p.Duration, p.ExpiresAt, p.Management, p.TenantID, p.Reference, p.SourceRequestID,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Policy, error) {
	return scanPolicy(r.conn(ctx).QueryRow(ctx, `SELECT `+policyCols+` FROM policy WHERE id = $1`, id))
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM policy WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) ListActive(ctx context.Context, patientID, professionalID string, now time.Time) ([]*Policy, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+policyCols+` FROM policy
		WHERE patient_id = $1 AND professional_id = $2 AND (expires_at IS NULL OR expires_at > $3)
		ORDER BY created_at, id`, patientID, professionalID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *repoPG) list(ctx context.Context, column, value string, limit, offset int) ([]*Policy, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM policy WHERE `+column+` = $1`, value).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+policyCols+` FROM policy WHERE `+column+` = $1
		ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`, value, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := make([]*Policy, 0)
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Policy, int, error) {
	return r.list(ctx, "patient_id", patientID, limit, offset)
}

func (r *repoPG) ListByProfessional(ctx context.Context, professionalID string, limit, offset int) ([]*Policy, int, error) {
	return r.list(ctx, "professional_id", professionalID, limit, offset)
}
