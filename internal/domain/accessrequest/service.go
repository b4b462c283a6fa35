package accessrequest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hcen/registry/internal/domain/policy"
	"github.com/hcen/registry/internal/platform/apperr"
	"github.com/hcen/registry/internal/platform/auth"
	"github.com/hcen/registry/internal/platform/db"
)

// PolicyGranter creates the policy an approval produces. *policy.Service
// implements it.
type PolicyGranter interface {
	GrantFromRequest(ctx context.Context, in policy.GrantInput) (*policy.Policy, error)
}

type Service struct {
	repo     Repository
	policies PolicyGranter
	tx       db.Transactor
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(repo Repository, policies PolicyGranter, tx db.Transactor, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		policies: policies,
		tx:       tx,
		logger:   logger.With().Str("component", "access_request").Logger(),
		now:      time.Now,
	}
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*AccessRequest, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	r := in.request()
	if r.TenantID == nil {
		if t := db.TenantFromContext(ctx); t != "" {
			r.TenantID = &t
		}
	}
	if err := s.repo.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("create access request: %w", err)
	}
	s.logger.Info().
		Str("request_id", r.ID.String()).
		Str("requester_id", r.RequesterID).
		Str("patient_id", r.PatientID).
		Msg("access request created")
	return r, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*AccessRequest, error) {
	r, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("access request %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get access request: %w", err)
	}
	return r, nil
}

// Approve lets the request's patient (or an admin) resolve a PENDING request and creates its ALL_DOCUMENTS,
// INDEFINITE, AUTOMATIC policy in one transaction. A request that is not
// pending, or that another resolver won, yields InvalidState and no policy.
func (s *Service) Approve(ctx context.Context, id uuid.UUID, in ResolveInput) (*AccessRequest, error) {
	var out *AccessRequest
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		r, err := s.resolve(ctx, id, StateApproved, in)
		if err != nil {
			return err
		}
		p, err := s.policies.GrantFromRequest(ctx, policy.GrantInput{
			RequestID:      r.ID,
			PatientID:      r.PatientID,
			ProfessionalID: r.RequesterID,
			TenantID:       r.TenantID,
			Reference:      r.Reference,
		})
		if err != nil {
			return fmt.Errorf("grant policy: %w", err)
		}
		if err := s.repo.AttachPolicy(ctx, r.ID, p.ID); err != nil {
			return fmt.Errorf("link policy: %w", err)
		}
		r.PolicyID = &p.ID
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("request_id", out.ID.String()).
		Str("policy_id", out.PolicyID.String()).
		Str("resolved_by", deref(out.ResolvedBy)).
		Msg("access request approved")
	return out, nil
}

// Reject resolves a PENDING request without creating a policy.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, in ResolveInput) (*AccessRequest, error) {
	var out *AccessRequest
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		r, err := s.resolve(ctx, id, StateRejected, in)
		out = r
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("request_id", out.ID.String()).
		Str("resolved_by", deref(out.ResolvedBy)).
		Msg("access request rejected")
	return out, nil
}

func (s *Service) resolve(ctx context.Context, id uuid.UUID, to State, in ResolveInput) (*AccessRequest, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	// In-process calls carry no caller; every HTTP route does.
	if caller := auth.CallerFromContext(ctx); caller != nil && !caller.ActsAsPatient(r.PatientID) {
		s.logger.Warn().
			Str("request_id", id.String()).
			Str("caller_id", caller.ID).
			Msg("resolution attempted by a caller other than the patient")
		return nil, apperr.Forbidden("only patient %s can resolve access request %s", r.PatientID, id)
	}
	if !r.IsPending() {
		return nil, apperr.InvalidState("access request %s is %s, not PENDING", id, r.State)
	}

	resolver := strings.TrimSpace(in.ResolvedBy)
	if resolver == "" {
		resolver = auth.UserIDFromContext(ctx)
	}
	now := s.now().UTC()
	r.State = to
	r.ResolvedBy = optional(resolver)
	r.ResolutionComment = optional(in.Comment)
	r.ResolvedAt = &now

	err = s.repo.Resolve(ctx, r)
	if errors.Is(err, ErrConflict) {
		return nil, apperr.InvalidState("access request %s was resolved concurrently", id)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve access request: %w", err)
	}
	return r, nil
}

func (s *Service) AllPending(ctx context.Context, limit, offset int) ([]*AccessRequest, int, error) {
	return s.repo.ListPending(ctx, limit, offset)
}

func (s *Service) PendingByPatient(ctx context.Context, patientID string, limit, offset int) ([]*AccessRequest, int, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return nil, 0, apperr.Validation("patient id is required")
	}
	return s.repo.ListPendingByPatient(ctx, patientID, limit, offset)
}

func (s *Service) ByPatient(ctx context.Context, patientID string, limit, offset int) ([]*AccessRequest, int, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return nil, 0, apperr.Validation("patient id is required")
	}
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) ByProfessional(ctx context.Context, professionalID string, limit, offset int) ([]*AccessRequest, int, error) {
	professionalID = strings.TrimSpace(professionalID)
	if professionalID == "" {
		return nil, 0, apperr.Validation("professional id is required")
	}
	return s.repo.ListByProfessional(ctx, professionalID, limit, offset)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
