package accesslog

import (
	"context"
	"fmt"
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

const logCols = `id, professional_id, professional_name, specialty, patient_id, document_id,
	document_type, success, rejection_reason, reference, client_ip, user_agent, tenant_id, accessed_at`

func scanLog(row pgx.Row) (*AccessLog, error) {
	var l AccessLog
	err := row.Scan(&l.ID, &l.ProfessionalID, &l.ProfessionalName, &l.Specialty, &l.PatientID, &l.DocumentID,
		&l.DocumentType, &l.Success, &l.RejectionReason, &l.Reference, &l.ClientIP, &l.UserAgent, &l.TenantID, &l.AccessedAt)
	return &l, err
}

func (r *repoPG) Append(ctx context.Context, e *AccessLog) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO access_log (id, professional_id, professional_name, specialty, patient_id, document_id,
			document_type, success, rejection_reason, reference, client_ip, user_agent, tenant_id, accessed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.ProfessionalID, e.ProfessionalName, e.Specialty, e.PatientID, e.DocumentID,
		e.DocumentType, e.Success, e.RejectionReason, e.Reference, e.ClientIP, e.UserAgent, e.TenantID, e.AccessedAt)
	return err
}

func (r *repoPG) list(ctx context.Context, where string, args []interface{}, limit, offset int) ([]*AccessLog, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM access_log WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM access_log WHERE %s ORDER BY accessed_at DESC, id LIMIT $%d OFFSET $%d`,
		logCols, where, len(args)+1, len(args)+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := make([]*AccessLog, 0)
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, l)
	}
	return items, total, rows.Err()
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*AccessLog, int, error) {
	return r.list(ctx, `patient_id = $1`, []interface{}{patientID}, limit, offset)
}

func (r *repoPG) ListByProfessional(ctx context.Context, professionalID string, limit, offset int) ([]*AccessLog, int, error) {
	return r.list(ctx, `professional_id = $1`, []interface{}{professionalID}, limit, offset)
}

func (r *repoPG) ListByDocument(ctx context.Context, documentID string, limit, offset int) ([]*AccessLog, int, error) {
	return r.list(ctx, `document_id = $1`, []interface{}{documentID}, limit, offset)
}

func (r *repoPG) ListByDateRange(ctx context.Context, from, to time.Time, limit, offset int) ([]*AccessLog, int, error) {
	return r.list(ctx, `accessed_at >= $1 AND accessed_at < $2`, []interface{}{from, to}, limit, offset)
}

func (r *repoPG) CountByPatient(ctx context.Context, patientID string) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM access_log WHERE patient_id = $1`, patientID).Scan(&n)
	return n, err
}
