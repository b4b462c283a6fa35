package documents

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hcen/registry/internal/domain/accesslog"
	"github.com/hcen/registry/internal/domain/policy"
	"github.com/hcen/registry/internal/platform/apperr"
	"github.com/hcen/registry/internal/platform/auth"
	"github.com/hcen/registry/internal/platform/db"
)

// Service resolves where a document lives, checks the caller may read it,
// fetches it from the owning peripheral node and records the attempt.
type Service struct {
	repo    Repository
	eval    policy.Evaluator
	audit   accesslog.Sink
	tenants *TenantResolver
	nodes   *NodeRegistry
	fetcher Fetcher
	logger  zerolog.Logger
}

func NewService(repo Repository, eval policy.Evaluator, audit accesslog.Sink, tenants *TenantResolver,
	nodes *NodeRegistry, fetcher Fetcher, logger zerolog.Logger) *Service {
	return &Service{
		repo:    repo,
		eval:    eval,
		audit:   audit,
		tenants: tenants,
		nodes:   nodes,
		fetcher: fetcher,
		logger:  logger.With().Str("component", "documents").Logger(),
	}
}

// FetchInput identifies the document and carries request details for the
// audit entry.
type FetchInput struct {
	DocumentID  uuid.UUID
	TenantID    string
	BearerToken string
	ClientIP    string
	UserAgent   string
}

// Document is a fetched document ready to stream. Callers must close
// Content.Body.
type Document struct {
	Metadata    *Metadata
	Tenant      TenantResolution
	ContentType string
	FileName    string
	Content     *Content
}

func (s *Service) Fetch(ctx context.Context, in FetchInput) (*Document, error) {
	meta, err := s.repo.GetByID(ctx, in.DocumentID)
	if errors.Is(err, ErrNotFound) {
		s.logger.Warn().Str("document_id", in.DocumentID.String()).Msg("document metadata not found")
		return nil, apperr.NotFound("document %s not found", in.DocumentID)
	}
	if err != nil {
		return nil, fmt.Errorf("get document metadata: %w", err)
	}

	caller := auth.CallerFromContext(ctx)
	trusted := caller != nil && caller.Service
	if !trusted && (caller == nil || strings.TrimSpace(caller.ID) == "") {
		return nil, apperr.Unauthorized("a professional identity is required")
	}

	attempt := accesslog.RecordInput{
		PatientID:    meta.PatientID,
		DocumentID:   meta.ID.String(),
		DocumentType: deref(meta.DocumentType),
		ClientIP:     in.ClientIP,
		UserAgent:    in.UserAgent,
	}
	if !trusted {
		attempt.ProfessionalID = caller.ID
		attempt.ProfessionalName = caller.Name
		attempt.Specialty = caller.Specialty
	}
	fail := func(err error, reason string) (*Document, error) {
		if !trusted {
			attempt.Success = false
			attempt.RejectionReason = reason
			s.audit.Enqueue(attempt)
		}
		return nil, err
	}

	tenant, err := s.tenants.Resolve(ctx, meta, in.TenantID)
	if err != nil {
		return fail(err, "tenant resolution failed: "+err.Error())
	}
	attempt.TenantID = tenant.TenantID
	if tenant.Source == SourceFallback {
		s.logger.Warn().
			Str("document_id", meta.ID.String()).
			Str("tenant_id", tenant.TenantID).
			Msg("document tenant resolved by configured fallback")
	}

	if !trusted {
		d, err := s.eval.Evaluate(ctx, policy.EvaluationRequest{
			ProfessionalID: caller.ID,
			PatientID:      meta.PatientID,
			DocumentType:   deref(meta.DocumentType),
			DocumentID:     meta.ID.String(),
			TenantID:       tenant.TenantID,
			Specialty:      caller.Specialty,
		})
		if err != nil {
			return fail(err, "permission evaluation failed")
		}
		if !d.Allowed {
			s.logger.Info().
				Str("document_id", meta.ID.String()).
				Str("professional_id", caller.ID).
				Str("reason", d.Reason).
				Msg("document access denied")
			return fail(apperr.Forbidden("access to document %s denied", meta.ID), d.Reason)
		}
	}

	target, err := s.nodes.URLFor(tenant.TenantID, meta.SourceURI)
	if err != nil {
		return fail(err, err.Error())
	}

	content, err := s.fetcher.Fetch(ctx, FetchRequest{URL: target, TenantID: tenant.TenantID, BearerToken: in.BearerToken})
	if err != nil {
		s.logger.Warn().Err(err).
			Str("document_id", meta.ID.String()).
			Str("tenant_id", tenant.TenantID).
			Msg("peripheral fetch failed")
		return fail(err, "peripheral fetch failed: "+err.Error())
	}

	if !trusted {
		attempt.Success = true
		s.audit.Enqueue(attempt)
	}

	name := meta.DisplayName()
	return &Document{
		Metadata:    meta,
		Tenant:      tenant,
		ContentType: ContentTypeFor(name),
		FileName:    name,
		Content:     content,
	}, nil
}

// Register stores metadata announced by a peripheral node.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*Metadata, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	m := in.metadata()
	if m.TenantID == nil {
		if t := db.TenantFromContext(ctx); t != "" {
			m.TenantID = &t
		}
	}
	if err := s.repo.Create(ctx, m); err != nil {
		return nil, fmt.Errorf("register document: %w", err)
	}
	s.logger.Info().
		Str("document_id", m.ID.String()).
		Str("patient_id", m.PatientID).
		Str("tenant_id", deref(m.TenantID)).
		Msg("document registered")
	return m, nil
}

func (s *Service) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Metadata, int, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return nil, 0, apperr.Validation("patient id is required")
	}
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}
