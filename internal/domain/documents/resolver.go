package documents

import (
	"context"
	"regexp"
	"strings"

	"github.com/hcen/registry/internal/platform/apperr"
	"github.com/hcen/registry/internal/platform/db"
)

// Where a document's tenant came from, in resolution order.
const (
	SourceMetadata = "metadata"
	SourceExplicit = "explicit"
	SourceContext  = "context"
	SourceOrigin   = "origin"
	SourceFallback = "fallback"
)

// TenantResolution is the resolved owning tenant and how it was found.
type TenantResolution struct {
	TenantID string
	Source   string
}

// matches "tenant: clinic_a" or "tenant_clinic_a" inside free text
var originTenantPattern = regexp.MustCompile(`(?i)\btenant(?::\s*|_)([a-zA-Z0-9_]+)`)

// TenantResolver picks the tenant owning a document. The fallback tenant is
// used only when configured; without it an unresolved tenant is an error.
type TenantResolver struct {
	fallback string
}

func NewTenantResolver(fallback string) *TenantResolver {
	return &TenantResolver{fallback: strings.TrimSpace(fallback)}
}

func (r *TenantResolver) Resolve(ctx context.Context, m *Metadata, explicit string) (TenantResolution, error) {
	explicit = strings.TrimSpace(explicit)
	if explicit != "" && !db.ValidTenantID(explicit) {
		return TenantResolution{}, apperr.Validation("invalid tenantId %q", explicit)
	}

	if owner := deref(m.TenantID); owner != "" {
		if !db.ValidTenantID(owner) {
			return TenantResolution{}, apperr.Validation("document %s has an invalid tenant", m.ID)
		}
		if explicit != "" && explicit != owner {
			return TenantResolution{}, apperr.Validation("tenantId %q does not own document %s", explicit, m.ID)
		}
		return TenantResolution{TenantID: owner, Source: SourceMetadata}, nil
	}

	if explicit != "" {
		return TenantResolution{TenantID: explicit, Source: SourceExplicit}, nil
	}
	if t := db.TenantFromContext(ctx); t != "" {
		return TenantResolution{TenantID: t, Source: SourceContext}, nil
	}
	if t := TenantFromOrigin(deref(m.OriginClinic)); t != "" {
		return TenantResolution{TenantID: t, Source: SourceOrigin}, nil
	}
	if r.fallback != "" {
		return TenantResolution{TenantID: r.fallback, Source: SourceFallback}, nil
	}
	return TenantResolution{}, apperr.Validation("cannot determine the tenant owning document %s; pass tenantId", m.ID)
}

// TenantFromOrigin extracts a tenant id from a free-text origin clinic.
func TenantFromOrigin(origin string) string {
	m := originTenantPattern.FindStringSubmatch(origin)
	if m == nil {
		return ""
	}
	return m[1]
}
