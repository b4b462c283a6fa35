package documents

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("document not found")

type Repository interface {
	Create(ctx context.Context, m *Metadata) error
	GetByID(ctx context.Context, id uuid.UUID) (*Metadata, error)
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Metadata, int, error)
}
