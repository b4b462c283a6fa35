package policy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hcen/registry/internal/platform/apperr"
)

// -- Mock Repository --

type mockRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*Policy
	err   error
}

func newMockRepo() *mockRepo {
	return &mockRepo{items: make(map[uuid.UUID]*Policy)}
}

func (m *mockRepo) Create(_ context.Context, p *Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	m.items[p.ID] = p
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (m *mockRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return ErrNotFound
	}
	delete(m.items, id)
	return nil
}

// ListActive deliberately ignores expiry so the service's own check is exercised.
func (m *mockRepo) ListActive(_ context.Context, patientID, professionalID string, _ time.Time) ([]*Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []*Policy
	for _, p := range m.items {
		if p.PatientID == patientID && p.ProfessionalID == professionalID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockRepo) list(match func(*Policy) bool) ([]*Policy, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Policy
	for _, p := range m.items {
		if match(p) {
			out = append(out, p)
		}
	}
	return out, len(out), nil
}

func (m *mockRepo) ListByPatient(_ context.Context, patientID string, _, _ int) ([]*Policy, int, error) {
	return m.list(func(p *Policy) bool { return p.PatientID == patientID })
}

func (m *mockRepo) ListByProfessional(_ context.Context, professionalID string, _, _ int) ([]*Policy, int, error) {
	return m.list(func(p *Policy) bool { return p.ProfessionalID == professionalID })
}

func (m *mockRepo) insert(p *Policy) *Policy {
	p.ID = uuid.New()
	m.items[p.ID] = p
	return p
}

func newTestService() (*Service, *mockRepo) {
	repo := newMockRepo()
	return NewService(repo, zerolog.Nop()), repo
}

func strPtr(s string) *string { return &s }

func TestEvaluate_AllDocumentsIndefiniteGrantsEverything(t *testing.T) {
	svc, repo := newTestService()
	repo.insert(&Policy{PatientID: "1234567-8", ProfessionalID: "PROF-1", Scope: ScopeAllDocuments, Duration: DurationIndefinite})

	cases := []EvaluationRequest{
		{ProfessionalID: "PROF-1", PatientID: "1234567-8"},
		{ProfessionalID: "PROF-1", PatientID: "1234567-8", DocumentType: "LAB"},
		{ProfessionalID: "PROF-1", PatientID: "1234567-8", DocumentID: "any-future-doc"},
	}
	for _, req := range cases {
		d, err := svc.Evaluate(context.Background(), req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !d.Allowed || d.PolicyID == nil {
			t.Errorf("expected grant for %+v, got %+v", req, d)
		}
	}
}

func TestEvaluate_ExpiredNeverGrants(t *testing.T) {
	svc, repo := newTestService()
	past := time.Now().Add(-time.Minute)
	repo.insert(&Policy{PatientID: "P", ProfessionalID: "PROF-1", Scope: ScopeAllDocuments, Duration: DurationUntil, ExpiresAt: &past})

	d, err := svc.Evaluate(context.Background(), EvaluationRequest{ProfessionalID: "PROF-1", PatientID: "P"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Error("expected expired policy to deny")
	}
	if d.Reason != ReasonNoPolicy {
		t.Errorf("unexpected reason %q", d.Reason)
	}
}

func TestEvaluate_ExpiryBoundary(t *testing.T) {
	svc, repo := newTestService()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	repo.insert(&Policy{PatientID: "P", ProfessionalID: "PROF-1", Scope: ScopeAllDocuments, Duration: DurationUntil, ExpiresAt: &now})

	d, _ := svc.Evaluate(context.Background(), EvaluationRequest{ProfessionalID: "PROF-1", PatientID: "P"})
	if d.Allowed {
		t.Error("expected policy expiring exactly now to deny")
	}
}

func TestEvaluate_ScopeMatching(t *testing.T) {
	svc, repo := newTestService()
	repo.insert(&Policy{PatientID: "P", ProfessionalID: "PROF-1", Scope: ScopeDocumentType, DocumentType: strPtr("lab_result"), Duration: DurationIndefinite})
	repo.insert(&Policy{PatientID: "P", ProfessionalID: "PROF-1", Scope: ScopeDocument, DocumentID: strPtr("DOC-7"), Duration: DurationIndefinite})

	tests := []struct {
		req  EvaluationRequest
		want bool
	}{
		{EvaluationRequest{ProfessionalID: "PROF-1", PatientID: "P", DocumentType: "LAB_RESULT"}, true},
		{EvaluationRequest{ProfessionalID: "PROF-1", PatientID: "P", DocumentType: "IMAGING"}, false},
		{EvaluationRequest{ProfessionalID: "PROF-1", PatientID: "P", DocumentID: "DOC-7"}, true},
		{EvaluationRequest{ProfessionalID: "PROF-1", PatientID: "P", DocumentID: "doc-7"}, false},
		{EvaluationRequest{ProfessionalID: "PROF-1", PatientID: "P"}, false},
		{EvaluationRequest{ProfessionalID: "PROF-2", PatientID: "P", DocumentID: "DOC-7"}, false},
	}
	for _, tt := range tests {
		d, err := svc.Evaluate(context.Background(), tt.req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if d.Allowed != tt.want {
			t.Errorf("Evaluate(%+v) = %v, want %v", tt.req, d.Allowed, tt.want)
		}
	}
}

func TestEvaluate_AllDocumentsIgnoresSpecialty(t *testing.T) {
	svc, repo := newTestService()
	repo.insert(&Policy{
		PatientID:      "1234567-8",
		ProfessionalID: "PROF-1",
		Scope:          ScopeAllDocuments,
		Duration:       DurationIndefinite,
		Management:     ManagementManual,
		Specialty:      strPtr("cardiology"),
	})

	reqs := []EvaluationRequest{
		{ProfessionalID: "PROF-1", PatientID: "1234567-8", DocumentType: "lab"},
		{ProfessionalID: "PROF-1", PatientID: "1234567-8", Specialty: "cardiology"},
		{ProfessionalID: "PROF-1", PatientID: "1234567-8", Specialty: "dermatology", DocumentID: "doc-9"},
	}
	for _, req := range reqs {
		d, err := svc.Evaluate(context.Background(), req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !d.Allowed {
			t.Errorf("expected ALL_DOCUMENTS policy to grant %+v, got %q", req, d.Reason)
		}
	}
}

func TestEvaluate_MissingIdentifiers(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.Evaluate(context.Background(), EvaluationRequest{ProfessionalID: " ", PatientID: "P"})
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestCreate_Validation(t *testing.T) {
	svc, _ := newTestService()
	past := time.Now().Add(-time.Hour)
	cases := []*Policy{
		{ProfessionalID: "PROF-1"},
		{PatientID: "P", ProfessionalID: "PROF-1", Scope: ScopeDocumentType},
		{PatientID: "P", ProfessionalID: "PROF-1", Scope: ScopeDocument},
		{PatientID: "P", ProfessionalID: "PROF-1", Duration: DurationUntil},
		{PatientID: "P", ProfessionalID: "PROF-1", ExpiresAt: &past},
		{PatientID: "P", ProfessionalID: "PROF-1", Scope: "EVERYTHING"},
	}
	for _, p := range cases {
		if err := svc.Create(context.Background(), p); !apperr.IsKind(err, apperr.KindValidation) {
			t.Errorf("Create(%+v): expected validation error, got %v", p, err)
		}
	}
}

func TestCreate_Defaults(t *testing.T) {
	svc, _ := newTestService()
	future := time.Now().Add(24 * time.Hour)
	p := &Policy{PatientID: " P ", ProfessionalID: "PROF-1", ExpiresAt: &future}
	if err := svc.Create(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Scope != ScopeAllDocuments || p.Duration != DurationUntil || p.Management != ManagementManual {
		t.Errorf("unexpected defaults %+v", p)
	}
	if p.PatientID != "P" {
		t.Errorf("expected trimmed patient id, got %q", p.PatientID)
	}
}

func TestGrantFromRequest(t *testing.T) {
	svc, repo := newTestService()
	reqID := uuid.New()
	p, err := svc.GrantFromRequest(context.Background(), GrantInput{
		RequestID: reqID, PatientID: "1234567-8", ProfessionalID: "PROF-1", TenantID: strPtr("clinic_a"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Scope != ScopeAllDocuments || p.Duration != DurationIndefinite || p.Management != ManagementAutomatic {
		t.Errorf("unexpected grant %+v", p)
	}
	if p.SourceRequestID == nil || *p.SourceRequestID != reqID {
		t.Error("expected source request id to be linked")
	}
	if len(repo.items) != 1 {
		t.Errorf("expected 1 policy, got %d", len(repo.items))
	}
}

func TestGetDelete_NotFound(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.Get(context.Background(), uuid.New()); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if err := svc.Delete(context.Background(), uuid.New()); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestDelete_EndsGrant(t *testing.T) {
	svc, repo := newTestService()
	p := repo.insert(&Policy{PatientID: "P", ProfessionalID: "PROF-1", Scope: ScopeAllDocuments, Duration: DurationIndefinite})
	if err := svc.Delete(context.Background(), p.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d, _ := svc.Evaluate(context.Background(), EvaluationRequest{ProfessionalID: "PROF-1", PatientID: "P"})
	if d.Allowed {
		t.Error("expected deleted policy to stop granting")
	}
}

func TestListByPatient_RequiresID(t *testing.T) {
	svc, _ := newTestService()
	if _, _, err := svc.ListByPatient(context.Background(), "", 10, 0); !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}
