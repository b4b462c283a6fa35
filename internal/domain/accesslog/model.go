package accesslog

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hcen/registry/internal/platform/apperr"
)

// AccessLog is one immutable record of an access attempt.
type AccessLog struct {
	ID               uuid.UUID `db:"id" json:"id"`
	ProfessionalID   string    `db:"professional_id" json:"professionalId"`
	ProfessionalName *string   `db:"professional_name" json:"professionalName,omitempty"`
	Specialty        *string   `db:"specialty" json:"specialty,omitempty"`
	PatientID        string    `db:"patient_id" json:"patientId"`
	DocumentID       *string   `db:"document_id" json:"documentId,omitempty"`
	DocumentType     *string   `db:"document_type" json:"documentType,omitempty"`
	Success          bool      `db:"success" json:"success"`
	RejectionReason  *string   `db:"rejection_reason" json:"rejectionReason,omitempty"`
	Reference        *string   `db:"reference" json:"reference,omitempty"`
	ClientIP         *string   `db:"client_ip" json:"clientIp,omitempty"`
	UserAgent        *string   `db:"user_agent" json:"userAgent,omitempty"`
	TenantID         *string   `db:"tenant_id" json:"tenantId,omitempty"`
	AccessedAt       time.Time `db:"accessed_at" json:"accessedAt"`
}

// RecordInput carries the fields of an attempt to record. Only the
// professional and patient are required.
type RecordInput struct {
	ProfessionalID   string    `json:"professionalId"`
	ProfessionalName string    `json:"professionalName,omitempty"`
	Specialty        string    `json:"specialty,omitempty"`
	PatientID        string    `json:"patientId"`
	DocumentID       string    `json:"documentId,omitempty"`
	DocumentType     string    `json:"documentType,omitempty"`
	Success          bool      `json:"success"`
	RejectionReason  string    `json:"rejectionReason,omitempty"`
	Reference        string    `json:"reference,omitempty"`
	ClientIP         string    `json:"clientIp,omitempty"`
	UserAgent        string    `json:"userAgent,omitempty"`
	TenantID         string    `json:"tenantId,omitempty"`
	AccessedAt       time.Time `json:"accessedAt,omitempty"`
}

func (in RecordInput) Validate() error {
	if strings.TrimSpace(in.ProfessionalID) == "" {
		return apperr.Validation("professionalId is required")
	}
	if strings.TrimSpace(in.PatientID) == "" {
		return apperr.Validation("patientId is required")
	}
	return nil
}

// entry builds the record; a zero AccessedAt is stamped with now.
func (in RecordInput) entry(now time.Time) *AccessLog {
	at := in.AccessedAt
	if at.IsZero() {
		at = now
	}
	return &AccessLog{
		ProfessionalID:   strings.TrimSpace(in.ProfessionalID),
		ProfessionalName: optional(in.ProfessionalName),
		Specialty:        optional(in.Specialty),
		PatientID:        strings.TrimSpace(in.PatientID),
		DocumentID:       optional(in.DocumentID),
		DocumentType:     optional(in.DocumentType),
		Success:          in.Success,
		RejectionReason:  optional(in.RejectionReason),
		Reference:        optional(in.Reference),
		ClientIP:         optional(in.ClientIP),
		UserAgent:        optional(in.UserAgent),
		TenantID:         optional(in.TenantID),
		AccessedAt:       at.UTC(),
	}
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
