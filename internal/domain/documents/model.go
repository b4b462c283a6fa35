package documents

import (
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hcen/registry/internal/platform/apperr"
	"github.com/hcen/registry/internal/platform/db"
)

// Metadata is the registry's record of a document held by a peripheral node.
type Metadata struct {
	ID           uuid.UUID `db:"id" json:"id"`
	PatientID    string    `db:"patient_id" json:"patientId"`
	TenantID     *string   `db:"tenant_id" json:"tenantId,omitempty"`
	DocumentType *string   `db:"document_type" json:"documentType,omitempty"`
	SourceURI    string    `db:"source_uri" json:"sourceUri"`
	FileName     *string   `db:"file_name" json:"fileName,omitempty"`
	OriginClinic *string   `db:"origin_clinic" json:"originClinic,omitempty"`
	AuthorID     *string   `db:"author_id" json:"authorId,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
}

// DisplayName is the file name offered to the client.
func (m *Metadata) DisplayName() string {
	if m.FileName != nil {
		return *m.FileName
	}
	if u, err := url.Parse(m.SourceURI); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" && base != "" {
			return base
		}
	}
	return m.ID.String()
}

// RegisterInput is the body of POST /documents.
type RegisterInput struct {
	PatientID    string `json:"patientId"`
	TenantID     string `json:"tenantId"`
	DocumentType string `json:"documentType"`
	SourceURI    string `json:"sourceUri"`
	FileName     string `json:"fileName"`
	OriginClinic string `json:"originClinic"`
	AuthorID     string `json:"authorId"`
}

func (in RegisterInput) Validate() error {
	if strings.TrimSpace(in.PatientID) == "" {
		return apperr.Validation("patientId is required")
	}
	src := strings.TrimSpace(in.SourceURI)
	if src == "" {
		return apperr.Validation("sourceUri is required")
	}
	u, err := url.Parse(src)
	if err != nil {
		return apperr.Validation("sourceUri is not a valid URI")
	}
	if u.IsAbs() || u.Host != "" {
		if u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https" {
			return apperr.Validation("sourceUri scheme %q is not supported", u.Scheme)
		}
		if u.User != nil {
			return apperr.Validation("sourceUri must not carry credentials")
		}
	}
	if t := strings.TrimSpace(in.TenantID); t != "" && !db.ValidTenantID(t) {
		return apperr.Validation("invalid tenantId %q", t)
	}
	return nil
}

func (in RegisterInput) metadata() *Metadata {
	return &Metadata{
		PatientID:    strings.TrimSpace(in.PatientID),
		TenantID:     optional(in.TenantID),
		DocumentType: optional(in.DocumentType),
		SourceURI:    strings.TrimSpace(in.SourceURI),
		FileName:     optional(in.FileName),
		OriginClinic: optional(in.OriginClinic),
		AuthorID:     optional(in.AuthorID),
	}
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
