package policy

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hcen/registry/internal/platform/apperr"
)

// Scope is the breadth of documents a policy grants.
type Scope string

const (
	ScopeAllDocuments Scope = "ALL_DOCUMENTS"
	ScopeDocumentType Scope = "DOCUMENT_TYPE"
	ScopeDocument     Scope = "DOCUMENT"
)

func (s Scope) Valid() bool {
	switch s {
	case ScopeAllDocuments, ScopeDocumentType, ScopeDocument:
		return true
	}
	return false
}

type Duration string

const (
	DurationIndefinite Duration = "INDEFINITE"
	DurationUntil      Duration = "UNTIL"
)

// Management records how a policy came to exist.
type Management string

const (
	ManagementAutomatic Management = "AUTOMATIC"
	ManagementManual    Management = "MANUAL"
)

// Policy grants one professional read access to one patient's documents.
type Policy struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	PatientID       string     `db:"patient_id" json:"patientId"`
	ProfessionalID  string     `db:"professional_id" json:"professionalId"`
	Scope           Scope      `db:"scope" json:"scope"`
	DocumentType    *string    `db:"document_type" json:"documentType,omitempty"`
	DocumentID      *string    `db:"document_id" json:"documentId,omitempty"`
	Specialty       *string    `db:"specialty" json:"specialty,omitempty"`
	Duration        Duration   `db:"duration" json:"duration"`
	ExpiresAt       *time.Time `db:"expires_at" json:"expiresAt,omitempty"`
	Management      Management `db:"management" json:"management"`
	TenantID        *string    `db:"tenant_id" json:"tenantId,omitempty"`
	Reference       *string    `db:"reference" json:"reference,omitempty"`
	SourceRequestID *uuid.UUID `db:"source_request_id" json:"sourceRequestId,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updatedAt"`
}

// Normalize trims identifiers and fills the defaults a manual create may omit.
func (p *Policy) Normalize() {
	p.PatientID = strings.TrimSpace(p.PatientID)
	p.ProfessionalID = strings.TrimSpace(p.ProfessionalID)
	p.DocumentType = trimmedOrNil(p.DocumentType)
	p.DocumentID = trimmedOrNil(p.DocumentID)
	p.Specialty = trimmedOrNil(p.Specialty)
	p.TenantID = trimmedOrNil(p.TenantID)
	p.Reference = trimmedOrNil(p.Reference)
	if p.Scope == "" {
		p.Scope = ScopeAllDocuments
	}
	if p.Duration == "" {
		if p.ExpiresAt != nil {
			p.Duration = DurationUntil
		} else {
			p.Duration = DurationIndefinite
		}
	}
	if p.Management == "" {
		p.Management = ManagementManual
	}
}

// Validate enforces the structural invariants of a policy.
func (p *Policy) Validate() error {
	if p.PatientID == "" {
		return apperr.Validation("patientId is required")
	}
	if p.ProfessionalID == "" {
		return apperr.Validation("professionalId is required")
	}
	if !p.Scope.Valid() {
		return apperr.Validation("invalid scope %q", p.Scope)
	}
	switch p.Scope {
	case ScopeDocumentType:
		if p.DocumentType == nil {
			return apperr.Validation("documentType is required for scope %s", p.Scope)
		}
	case ScopeDocument:
		if p.DocumentID == nil {
			return apperr.Validation("documentId is required for scope %s", p.Scope)
		}
	}
	switch p.Duration {
	case DurationIndefinite:
		if p.ExpiresAt != nil {
			return apperr.Validation("expiresAt must be empty for an INDEFINITE policy")
		}
	case DurationUntil:
		if p.ExpiresAt == nil {
			return apperr.Validation("expiresAt is required for an UNTIL policy")
		}
	default:
		return apperr.Validation("invalid duration %q", p.Duration)
	}
	if p.Management != ManagementAutomatic && p.Management != ManagementManual {
		return apperr.Validation("invalid management %q", p.Management)
	}
	return nil
}

// ActiveAt reports whether the policy has not expired at now.
func (p *Policy) ActiveAt(now time.Time) bool {
	return p.ExpiresAt == nil || p.ExpiresAt.After(now)
}

// Covers reports whether the policy's scope covers req. Patient, professional
// and expiry are checked by the caller. Specialty is not a matching criterion.
func (p *Policy) Covers(req EvaluationRequest) bool {
	switch p.Scope {
	case ScopeAllDocuments:
		return true
	case ScopeDocumentType:
		return p.DocumentType != nil && req.DocumentType != "" &&
			strings.EqualFold(*p.DocumentType, strings.TrimSpace(req.DocumentType))
	case ScopeDocument:
		return p.DocumentID != nil && req.DocumentID != "" && *p.DocumentID == req.DocumentID
	}
	return false
}

// EvaluationRequest asks whether a professional may read a patient's document.
type EvaluationRequest struct {
	ProfessionalID string `json:"professionalId" query:"professionalId"`
	PatientID      string `json:"patientId" query:"patientId"`
	DocumentType   string `json:"documentType,omitempty" query:"documentType"`
	DocumentID     string `json:"documentId,omitempty" query:"documentId"`
	TenantID       string `json:"tenantId,omitempty" query:"tenantId"`
	Specialty      string `json:"specialty,omitempty" query:"specialty"`
}

func (r *EvaluationRequest) Normalize() {
	r.ProfessionalID = strings.TrimSpace(r.ProfessionalID)
	r.PatientID = strings.TrimSpace(r.PatientID)
	r.DocumentType = strings.TrimSpace(r.DocumentType)
	r.DocumentID = strings.TrimSpace(r.DocumentID)
	r.TenantID = strings.TrimSpace(r.TenantID)
	r.Specialty = strings.TrimSpace(r.Specialty)
}

func (r EvaluationRequest) Validate() error {
	if strings.TrimSpace(r.ProfessionalID) == "" {
		return apperr.Validation("professionalId is required")
	}
	if strings.TrimSpace(r.PatientID) == "" {
		return apperr.Validation("patientId is required")
	}
	return nil
}

// Decision is the result of a permission evaluation.
type Decision struct {
	Allowed  bool       `json:"allowed"`
	Reason   string     `json:"reason,omitempty"`
	PolicyID *uuid.UUID `json:"policyId,omitempty"`
	// Fallback is set when the decision came from the configured failure
	// default rather than from policies.
	Fallback bool `json:"fallback,omitempty"`
}

// Reasons attached to decisions.
const (
	ReasonGranted        = "granted by policy"
	ReasonNoPolicy       = "no active policy covers the request"
	ReasonEvaluatorError = "permission evaluator unavailable"
)

func trimmedOrNil(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
