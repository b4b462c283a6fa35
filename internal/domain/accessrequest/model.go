package accessrequest

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hcen/registry/internal/platform/apperr"
)

type State string

const (
	StatePending  State = "PENDING"
	StateApproved State = "APPROVED"
	StateRejected State = "REJECTED"
)

// AccessRequest is a professional's request to read a patient's documents.
// It leaves PENDING exactly once and is never deleted.
type AccessRequest struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	RequesterID       string     `db:"requester_id" json:"solicitanteId"`
	PatientID         string     `db:"patient_id" json:"codDocumPaciente"`
	Specialty         *string    `db:"specialty" json:"especialidad,omitempty"`
	DocumentType      *string    `db:"document_type" json:"tipoDocumento,omitempty"`
	DocumentID        *string    `db:"document_id" json:"documentoId,omitempty"`
	Reason            *string    `db:"reason" json:"razonSolicitud,omitempty"`
	Reference         *string    `db:"reference" json:"referencia,omitempty"`
	TenantID          *string    `db:"tenant_id" json:"tenantId,omitempty"`
	State             State      `db:"state" json:"estado"`
	ResolvedBy        *string    `db:"resolved_by" json:"resueltoPor,omitempty"`
	ResolutionComment *string    `db:"resolution_comment" json:"comentario,omitempty"`
	ResolvedAt        *time.Time `db:"resolved_at" json:"fechaResolucion,omitempty"`
	PolicyID          *uuid.UUID `db:"policy_id" json:"politicaId,omitempty"`
	Version           int        `db:"version" json:"version"`
	CreatedAt         time.Time  `db:"created_at" json:"fechaCreacion"`
	UpdatedAt         time.Time  `db:"updated_at" json:"fechaActualizacion"`
}

func (r *AccessRequest) IsPending() bool { return r.State == StatePending }

// CreateInput is the body of POST /access-requests.
type CreateInput struct {
	RequesterID  string `json:"solicitanteId"`
	PatientID    string `json:"codDocumPaciente"`
	Specialty    string `json:"especialidad"`
	DocumentType string `json:"tipoDocumento"`
	DocumentID   string `json:"documentoId"`
	Reason       string `json:"razonSolicitud"`
	Reference    string `json:"referencia"`
	TenantID     string `json:"tenantId"`
}

func (in CreateInput) Validate() error {
	if strings.TrimSpace(in.RequesterID) == "" {
		return apperr.Validation("solicitanteId is required")
	}
	if strings.TrimSpace(in.PatientID) == "" {
		return apperr.Validation("codDocumPaciente is required")
	}
	return nil
}

func (in CreateInput) request() *AccessRequest {
	return &AccessRequest{
		RequesterID:  strings.TrimSpace(in.RequesterID),
		PatientID:    strings.TrimSpace(in.PatientID),
		Specialty:    optional(in.Specialty),
		DocumentType: optional(in.DocumentType),
		DocumentID:   optional(in.DocumentID),
		Reason:       optional(in.Reason),
		Reference:    optional(in.Reference),
		TenantID:     optional(in.TenantID),
		State:        StatePending,
	}
}

// ResolveInput is the body of the approve and reject endpoints.
type ResolveInput struct {
	ResolvedBy string `json:"resueltoPor"`
	Comment    string `json:"comentario"`
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
