package documents

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/hcen/registry/internal/platform/apperr"
	"github.com/hcen/registry/internal/platform/auth"
)

func fetchContext(e *echo.Echo, id, query string, caller *auth.Caller) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodGet, "/documents/"+id+query, nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer user-token")
	if caller != nil {
		req = req.WithContext(auth.WithCaller(req.Context(), caller))
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(id)
	return c, rec
}

func TestHandler_Fetch_Streams(t *testing.T) {
	f := newFixture(t, "")
	md := f.register(&Metadata{PatientID: "P", TenantID: strPtr("clinic_a"), SourceURI: "files/scan.png", FileName: strPtr("escaneo.png")})
	h := NewHandler(f.svc)

	c, rec := fetchContext(echo.New(), md.ID.String(), "", &auth.Caller{ID: "PROF-1", Roles: []string{auth.RoleProfessional}})
	if err := h.Fetch(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "image/png" {
		t.Errorf("expected image/png, got %q", ct)
	}
	if cd := rec.Header().Get(echo.HeaderContentDisposition); cd != `inline; filename=escaneo.png` {
		t.Errorf("unexpected content disposition %q", cd)
	}
	if rec.Header().Get(TenantResolutionHeader) != SourceMetadata {
		t.Errorf("unexpected tenant resolution %q", rec.Header().Get(TenantResolutionHeader))
	}
	if !strings.HasPrefix(rec.Body.String(), "document-bytes:") {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}

func TestHandler_Fetch_FallbackHeader(t *testing.T) {
	f := newFixture(t, "clinic_a")
	md := f.register(&Metadata{PatientID: "P", SourceURI: "doc.pdf"})
	h := NewHandler(f.svc)

	c, rec := fetchContext(echo.New(), md.ID.String(), "", &auth.Caller{ID: "PROF-1", Roles: []string{auth.RoleProfessional}})
	if err := h.Fetch(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(TenantResolutionHeader) != SourceFallback {
		t.Errorf("expected fallback header, got %q", rec.Header().Get(TenantResolutionHeader))
	}
}

func TestHandler_Fetch_ExplicitTenantMismatch(t *testing.T) {
	f := newFixture(t, "")
	md := f.register(&Metadata{PatientID: "P", TenantID: strPtr("clinic_a"), SourceURI: "doc.pdf"})
	h := NewHandler(f.svc)

	c, _ := fetchContext(echo.New(), md.ID.String(), "?tenantId=clinic_b", &auth.Caller{ID: "PROF-1", Roles: []string{auth.RoleProfessional}})
	if err := h.Fetch(c); !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestHandler_Fetch_BadID(t *testing.T) {
	f := newFixture(t, "")
	h := NewHandler(f.svc)
	c, _ := fetchContext(echo.New(), "not-a-uuid", "", &auth.Caller{ID: "PROF-1"})
	if err := h.Fetch(c); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestHandler_Register(t *testing.T) {
	f := newFixture(t, "")
	h := NewHandler(f.svc)
	body := `{"patientId":"P","sourceUri":"files/a.pdf","tenantId":"clinic_a","documentType":"LAB"}`
	req := httptest.NewRequest(http.MethodPost, "/documents", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	if err := h.Register(echo.New().NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
}

func TestBearer(t *testing.T) {
	tests := map[string]string{
		"Bearer abc":  "abc",
		"bearer  xyz": "xyz",
		"Basic abc":   "",
		"":            "",
	}
	for in, want := range tests {
		if got := bearer(in); got != want {
			t.Errorf("bearer(%q) = %q, want %q", in, got, want)
		}
	}
}
