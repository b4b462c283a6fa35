package policy

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("policy not found")

type Repository interface {
	Create(ctx context.Context, p *Policy) error
	GetByID(ctx context.Context, id uuid.UUID) (*Policy, error)
	Delete(ctx context.Context, id uuid.UUID) error
	// ListActive returns the unexpired policies of one (patient, professional) pair.
	ListActive(ctx context.Context, patientID, professionalID string, now time.Time) ([]*Policy, error)
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Policy, int, error)
	ListByProfessional(ctx context.Context, professionalID string, limit, offset int) ([]*Policy, int, error)
}
