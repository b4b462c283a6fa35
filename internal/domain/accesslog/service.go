package accesslog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hcen/registry/internal/platform/apperr"
)

// Store persists one entry synchronously. *Service implements it.
type Store interface {
	Record(ctx context.Context, in RecordInput) (*AccessLog, error)
}

type Service struct {
	repo   Repository
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger.With().Str("component", "accesslog").Logger(), now: time.Now}
}

// Record appends one entry. Only a missing professional or patient id is
// rejected; everything else is stored as given.
func (s *Service) Record(ctx context.Context, in RecordInput) (*AccessLog, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	e := in.entry(s.now())
	if err := s.repo.Append(ctx, e); err != nil {
		return nil, fmt.Errorf("append access log: %w", err)
	}
	s.logger.Debug().
		Str("access_log_id", e.ID.String()).
		Str("professional_id", e.ProfessionalID).
		Str("patient_id", e.PatientID).
		Bool("success", e.Success).
		Msg("access recorded")
	return e, nil
}

func (s *Service) ByPatient(ctx context.Context, patientID string, limit, offset int) ([]*AccessLog, int, error) {
	id, err := required(patientID, "patient id")
	if err != nil {
		return nil, 0, err
	}
	return s.repo.ListByPatient(ctx, id, limit, offset)
}

func (s *Service) ByProfessional(ctx context.Context, professionalID string, limit, offset int) ([]*AccessLog, int, error) {
	id, err := required(professionalID, "professional id")
	if err != nil {
		return nil, 0, err
	}
	return s.repo.ListByProfessional(ctx, id, limit, offset)
}

func (s *Service) ByDocument(ctx context.Context, documentID string, limit, offset int) ([]*AccessLog, int, error) {
	id, err := required(documentID, "document id")
	if err != nil {
		return nil, 0, err
	}
	return s.repo.ListByDocument(ctx, id, limit, offset)
}

// ByDateRange lists entries with from <= accessedAt < to.
func (s *Service) ByDateRange(ctx context.Context, from, to time.Time, limit, offset int) ([]*AccessLog, int, error) {
	if from.IsZero() || to.IsZero() {
		return nil, 0, apperr.Validation("from and to are required")
	}
	if !from.Before(to) {
		return nil, 0, apperr.Validation("from must be before to")
	}
	return s.repo.ListByDateRange(ctx, from.UTC(), to.UTC(), limit, offset)
}

func (s *Service) CountByPatient(ctx context.Context, patientID string) (int, error) {
	id, err := required(patientID, "patient id")
	if err != nil {
		return 0, err
	}
	return s.repo.CountByPatient(ctx, id)
}

func required(v, name string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", apperr.Validation("%s is required", name)
	}
	return v, nil
}
