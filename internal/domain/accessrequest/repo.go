package accessrequest

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("access request not found")
	// ErrConflict means the request was no longer PENDING at the expected
	// version when the update ran.
	ErrConflict = errors.New("access request changed concurrently")
)

type Repository interface {
	Create(ctx context.Context, r *AccessRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*AccessRequest, error)
	// Resolve moves a PENDING request at r.Version to r.State, recording the
	// resolver fields and bumping Version. It returns ErrConflict when no
	// row matched.
	Resolve(ctx context.Context, r *AccessRequest) error
	// AttachPolicy links the policy created by an approval.
	AttachPolicy(ctx context.Context, id, policyID uuid.UUID) error
	ListPending(ctx context.Context, limit, offset int) ([]*AccessRequest, int, error)
	ListPendingByPatient(ctx context.Context, patientID string, limit, offset int) ([]*AccessRequest, int, error)
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*AccessRequest, int, error)
	ListByProfessional(ctx context.Context, professionalID string, limit, offset int) ([]*AccessRequest, int, error)
}
