package documents

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hcen/registry/internal/domain/accesslog"
	"github.com/hcen/registry/internal/domain/policy"
	"github.com/hcen/registry/internal/platform/apperr"
	"github.com/hcen/registry/internal/platform/auth"
)

// -- Mocks --

type mockRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*Metadata
}

func newMockRepo() *mockRepo {
	return &mockRepo{items: make(map[uuid.UUID]*Metadata)}
}

func (m *mockRepo) Create(_ context.Context, md *Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	md.ID = uuid.New()
	md.CreatedAt = time.Now()
	m.items[md.ID] = md
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return md, nil
}

func (m *mockRepo) ListByPatient(_ context.Context, patientID string, _, _ int) ([]*Metadata, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Metadata, 0)
	for _, md := range m.items {
		if md.PatientID == patientID {
			out = append(out, md)
		}
	}
	return out, len(out), nil
}

type captureSink struct {
	mu      sync.Mutex
	entries []accesslog.RecordInput
}

func (s *captureSink) Enqueue(in accesslog.RecordInput) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, in)
}

type stubEvaluator struct {
	allowed bool
	err     error
	calls   int
	last    policy.EvaluationRequest
}

func (s *stubEvaluator) Evaluate(_ context.Context, req policy.EvaluationRequest) (policy.Decision, error) {
	s.calls++
	s.last = req
	if s.err != nil {
		return policy.Decision{}, s.err
	}
	if s.allowed {
		return policy.Decision{Allowed: true, Reason: policy.ReasonGranted}, nil
	}
	return policy.Decision{Allowed: false, Reason: policy.ReasonNoPolicy}, nil
}

// -- Fixture --

type fixture struct {
	svc  *Service
	repo *mockRepo
	eval *stubEvaluator
	sink *captureSink
	node *httptest.Server
	hits int
	mu   sync.Mutex
	code int
}

func newFixture(t *testing.T, fallback string) *fixture {
	t.Helper()
	f := &fixture{repo: newMockRepo(), eval: &stubEvaluator{allowed: true}, sink: &captureSink{}, code: http.StatusOK}
	f.node = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.hits++
		code := f.code
		f.mu.Unlock()
		if code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		_, _ = w.Write([]byte("document-bytes:" + r.URL.Path))
	}))
	t.Cleanup(f.node.Close)

	nodes := NewNodeRegistry(map[string]string{"clinic_a": f.node.URL})
	f.svc = NewService(f.repo, f.eval, f.sink, NewTenantResolver(fallback), nodes,
		NewPeripheralClient(time.Second), zerolog.Nop())
	return f
}

func (f *fixture) register(md *Metadata) *Metadata {
	_ = f.repo.Create(context.Background(), md)
	return md
}

func professional(id string) context.Context {
	return auth.WithCaller(context.Background(), &auth.Caller{ID: id, Name: "Dr. House", Specialty: "Diagnostics", Roles: []string{auth.RoleProfessional}})
}

func serviceCaller() context.Context {
	return auth.WithCaller(context.Background(), &auth.Caller{ID: "clinic-backend", Service: true, Roles: []string{auth.RoleService}})
}

func TestFetch_GrantedStreamsAndLogsOnce(t *testing.T) {
	f := newFixture(t, "")
	md := f.register(&Metadata{PatientID: "1234567-8", TenantID: strPtr("clinic_a"), SourceURI: "files/informe.pdf", DocumentType: strPtr("LAB")})

	doc, err := f.svc.Fetch(professional("PROF-1"), FetchInput{DocumentID: md.ID, BearerToken: "tok", ClientIP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer doc.Content.Body.Close()
	body, _ := io.ReadAll(doc.Content.Body)
	if string(body) != "document-bytes:/files/informe.pdf" {
		t.Errorf("unexpected body %q", body)
	}
	if doc.ContentType != "application/pdf" || doc.FileName != "informe.pdf" {
		t.Errorf("unexpected content type %q / name %q", doc.ContentType, doc.FileName)
	}
	if doc.Tenant.Source != SourceMetadata {
		t.Errorf("expected metadata tenant, got %+v", doc.Tenant)
	}

	if len(f.sink.entries) != 1 {
		t.Fatalf("expected exactly one access log entry, got %d", len(f.sink.entries))
	}
	e := f.sink.entries[0]
	if !e.Success || e.ProfessionalID != "PROF-1" || e.PatientID != "1234567-8" || e.TenantID != "clinic_a" || e.DocumentID != md.ID.String() {
		t.Errorf("unexpected entry %+v", e)
	}
	if f.eval.last.Specialty != "Diagnostics" || f.eval.last.DocumentType != "LAB" {
		t.Errorf("unexpected evaluation request %+v", f.eval.last)
	}
}

func TestFetch_CrossHostSourceRefused(t *testing.T) {
	f := newFixture(t, "")
	var leaked bool
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		leaked = true
	}))
	defer other.Close()
	md := f.register(&Metadata{PatientID: "P", TenantID: strPtr("clinic_a"), SourceURI: other.URL + "/steal"})

	_, err := f.svc.Fetch(professional("PROF-1"), FetchInput{DocumentID: md.ID, BearerToken: "tok"})
	if !apperr.IsKind(err, apperr.KindForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if leaked || f.hits != 0 {
		t.Error("expected no request to leave the registry")
	}
	if len(f.sink.entries) != 1 || f.sink.entries[0].Success {
		t.Errorf("expected one failed access entry, got %+v", f.sink.entries)
	}

	same := f.register(&Metadata{PatientID: "P", TenantID: strPtr("clinic_a"), SourceURI: f.node.URL + "/files/ok.pdf"})
	doc, err := f.svc.Fetch(professional("PROF-1"), FetchInput{DocumentID: same.ID, BearerToken: "tok"})
	if err != nil {
		t.Fatalf("same-node absolute uri: %v", err)
	}
	doc.Content.Body.Close()
}

func TestFetch_DeniedDoesNotFetch(t *testing.T) {
	f := newFixture(t, "")
	f.eval.allowed = false
	md := f.register(&Metadata{PatientID: "P", TenantID: strPtr("clinic_a"), SourceURI: "doc.pdf"})

	_, err := f.svc.Fetch(professional("PROF-1"), FetchInput{DocumentID: md.ID})
	if !apperr.IsKind(err, apperr.KindForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if f.hits != 0 {
		t.Error("expected no peripheral fetch after deny")
	}
	if len(f.sink.entries) != 1 || f.sink.entries[0].Success || f.sink.entries[0].RejectionReason != policy.ReasonNoPolicy {
		t.Errorf("unexpected entries %+v", f.sink.entries)
	}
}

func TestFetch_ServiceCallerSkipsEvaluationAndAudit(t *testing.T) {
	f := newFixture(t, "")
	f.eval.allowed = false
	md := f.register(&Metadata{PatientID: "P", TenantID: strPtr("clinic_a"), SourceURI: "doc.pdf"})

	doc, err := f.svc.Fetch(serviceCaller(), FetchInput{DocumentID: md.ID})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	doc.Content.Body.Close()
	if f.eval.calls != 0 {
		t.Error("expected no evaluation for a verified service caller")
	}
	if len(f.sink.entries) != 0 {
		t.Error("expected no audit entry for a verified service caller")
	}
}

func TestFetch_NoCallerUnauthorized(t *testing.T) {
	f := newFixture(t, "")
	md := f.register(&Metadata{PatientID: "P", TenantID: strPtr("clinic_a"), SourceURI: "doc.pdf"})

	_, err := f.svc.Fetch(context.Background(), FetchInput{DocumentID: md.ID})
	if !apperr.IsKind(err, apperr.KindUnauthorized) {
		t.Errorf("expected unauthorized, got %v", err)
	}
}

func TestFetch_UnknownDocument(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.svc.Fetch(professional("PROF-1"), FetchInput{DocumentID: uuid.New()})
	if !apperr.IsKind(err, apperr.KindNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if len(f.sink.entries) != 0 {
		t.Error("expected no audit entry when the patient is unknown")
	}
}

func TestFetch_TenantlessWithoutFallback(t *testing.T) {
	f := newFixture(t, "")
	md := f.register(&Metadata{PatientID: "P", SourceURI: "doc.pdf"})

	_, err := f.svc.Fetch(professional("PROF-1"), FetchInput{DocumentID: md.ID})
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if f.hits != 0 {
		t.Error("expected no cross-tenant fetch")
	}
	if len(f.sink.entries) != 1 || f.sink.entries[0].Success {
		t.Errorf("expected one failed audit entry, got %+v", f.sink.entries)
	}
}

func TestFetch_TenantlessWithConfiguredFallback(t *testing.T) {
	f := newFixture(t, "clinic_a")
	md := f.register(&Metadata{PatientID: "P", SourceURI: "doc.pdf"})

	doc, err := f.svc.Fetch(professional("PROF-1"), FetchInput{DocumentID: md.ID})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	doc.Content.Body.Close()
	if doc.Tenant.Source != SourceFallback || doc.Tenant.TenantID != "clinic_a" {
		t.Errorf("expected fallback resolution, got %+v", doc.Tenant)
	}
}

func TestFetch_UpstreamFailures(t *testing.T) {
	tests := []struct {
		code int
		want apperr.Kind
	}{
		{http.StatusServiceUnavailable, apperr.KindUpstreamUnavailable},
		{http.StatusTooManyRequests, apperr.KindUpstreamUnavailable},
		{http.StatusNotFound, apperr.KindNotFound},
		{http.StatusForbidden, apperr.KindForbidden},
	}
	for _, tt := range tests {
		f := newFixture(t, "")
		f.code = tt.code
		md := f.register(&Metadata{PatientID: "P", TenantID: strPtr("clinic_a"), SourceURI: "doc.pdf"})

		_, err := f.svc.Fetch(professional("PROF-1"), FetchInput{DocumentID: md.ID})
		if !apperr.IsKind(err, tt.want) {
			t.Errorf("node status %d: expected %v, got %v", tt.code, tt.want, err)
		}
		if len(f.sink.entries) != 1 || f.sink.entries[0].Success {
			t.Errorf("node status %d: expected one failed audit entry, got %+v", tt.code, f.sink.entries)
		}
	}
}

func TestFetch_EvaluatorErrorSurfaces(t *testing.T) {
	f := newFixture(t, "")
	f.eval.err = apperr.Validation("patientId is required")
	md := f.register(&Metadata{PatientID: "P", TenantID: strPtr("clinic_a"), SourceURI: "doc.pdf"})

	if _, err := f.svc.Fetch(professional("PROF-1"), FetchInput{DocumentID: md.ID}); !errors.Is(err, f.eval.err) {
		t.Errorf("expected evaluator error, got %v", err)
	}
}

func TestRegister(t *testing.T) {
	f := newFixture(t, "")
	m, err := f.svc.Register(serviceCaller(), RegisterInput{PatientID: "P", SourceURI: "files/x.png", TenantID: "clinic_a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.ID == uuid.Nil || deref(m.TenantID) != "clinic_a" {
		t.Errorf("unexpected metadata %+v", m)
	}

	bad := []RegisterInput{
		{SourceURI: "x"},
		{PatientID: "P"},
		{PatientID: "P", SourceURI: "x", TenantID: "bad tenant"},
		{PatientID: "P", SourceURI: "file:///etc/passwd"},
		{PatientID: "P", SourceURI: "http://user:pw@a.internal/doc.pdf"},
	}
	for _, in := range bad {
		if _, err := f.svc.Register(context.Background(), in); !apperr.IsKind(err, apperr.KindValidation) {
			t.Errorf("Register(%+v): expected validation error, got %v", in, err)
		}
	}
}

func TestListByPatient(t *testing.T) {
	f := newFixture(t, "")
	f.register(&Metadata{PatientID: "P", SourceURI: "a"})
	f.register(&Metadata{PatientID: "Q", SourceURI: "b"})

	items, total, err := f.svc.ListByPatient(context.Background(), "P", 10, 0)
	if err != nil || total != 1 || !strings.EqualFold(items[0].PatientID, "P") {
		t.Errorf("unexpected result %v %d %v", items, total, err)
	}
}
