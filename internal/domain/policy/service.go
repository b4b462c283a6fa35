package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hcen/registry/internal/platform/apperr"
)

// Service is the policy store and the local permission evaluator.
type Service struct {
	repo   Repository
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger.With().Str("component", "policy").Logger(), now: time.Now}
}

// Create stores an administratively created policy.
func (s *Service) Create(ctx context.Context, p *Policy) error {
	p.Normalize()
	if err := p.Validate(); err != nil {
		return err
	}
	if p.ExpiresAt != nil && !p.ExpiresAt.After(s.now()) {
		return apperr.Validation("expiresAt must be in the future")
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return fmt.Errorf("create policy: %w", err)
	}
	s.logger.Info().
		Str("policy_id", p.ID.String()).
		Str("patient_id", p.PatientID).
		Str("professional_id", p.ProfessionalID).
		Str("scope", string(p.Scope)).
		Str("management", string(p.Management)).
		Msg("policy created")
	return nil
}

// GrantInput describes the policy an approved access request produces.
type GrantInput struct {
	RequestID      uuid.UUID
	PatientID      string
	ProfessionalID string
	TenantID       *string
	Reference      *string
}

// GrantFromRequest creates the ALL_DOCUMENTS / INDEFINITE / AUTOMATIC policy
// for an approved request. It joins any transaction carried by ctx.
func (s *Service) GrantFromRequest(ctx context.Context, in GrantInput) (*Policy, error) {
	reqID := in.RequestID
	p := &Policy{
		PatientID:       in.PatientID,
		ProfessionalID:  in.ProfessionalID,
		Scope:           ScopeAllDocuments,
		Duration:        DurationIndefinite,
		Management:      ManagementAutomatic,
		TenantID:        in.TenantID,
		Reference:       in.Reference,
		SourceRequestID: &reqID,
	}
	if err := s.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Policy, error) {
	p, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("policy %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get policy: %w", err)
	}
	return p, nil
}

// Delete removes a policy. This is the only way a grant ends before expiry.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	err := s.repo.Delete(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return apperr.NotFound("policy %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("delete policy: %w", err)
	}
	s.logger.Info().Str("policy_id", id.String()).Msg("policy deleted")
	return nil
}

func (s *Service) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Policy, int, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return nil, 0, apperr.Validation("patient id is required")
	}
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) ListByProfessional(ctx context.Context, professionalID string, limit, offset int) ([]*Policy, int, error) {
	professionalID = strings.TrimSpace(professionalID)
	if professionalID == "" {
		return nil, 0, apperr.Validation("professional id is required")
	}
	return s.repo.ListByProfessional(ctx, professionalID, limit, offset)
}

// Evaluate grants when any unexpired policy for the (patient, professional)
// pair covers the request. There are no deny rules and no priorities. It
// does not record the attempt; callers do.
func (s *Service) Evaluate(ctx context.Context, req EvaluationRequest) (Decision, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return Decision{}, err
	}

	now := s.now()
	policies, err := s.repo.ListActive(ctx, req.PatientID, req.ProfessionalID, now)
	if err != nil {
		return Decision{}, fmt.Errorf("list active policies: %w", err)
	}

	for _, p := range policies {
		// the repository filters expiry too; re-check against the same clock
		if p.PatientID != req.PatientID || p.ProfessionalID != req.ProfessionalID || !p.ActiveAt(now) {
			continue
		}
		if p.Covers(req) {
			id := p.ID
			return Decision{Allowed: true, Reason: ReasonGranted, PolicyID: &id}, nil
		}
	}
	return Decision{Allowed: false, Reason: ReasonNoPolicy}, nil
}
