package accesslog

import (
	"context"
	"time"
)

// Repository is append-only: entries can be added and read, never changed.
type Repository interface {
	Append(ctx context.Context, e *AccessLog) error
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*AccessLog, int, error)
	ListByProfessional(ctx context.Context, professionalID string, limit, offset int) ([]*AccessLog, int, error)
	ListByDocument(ctx context.Context, documentID string, limit, offset int) ([]*AccessLog, int, error)
	ListByDateRange(ctx context.Context, from, to time.Time, limit, offset int) ([]*AccessLog, int, error)
	CountByPatient(ctx context.Context, patientID string) (int, error)
}
