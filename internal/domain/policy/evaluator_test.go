package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hcen/registry/internal/platform/apperr"
)

type stubEvaluator struct {
	decision Decision
	err      error
	block    bool
}

func (s stubEvaluator) Evaluate(ctx context.Context, _ EvaluationRequest) (Decision, error) {
	if s.block {
		<-ctx.Done()
		return Decision{}, ctx.Err()
	}
	return s.decision, s.err
}

var sampleRequest = EvaluationRequest{ProfessionalID: "PROF-1", PatientID: "P"}

func TestGuardedEvaluator_PassesDecisionThrough(t *testing.T) {
	g := NewGuardedEvaluator(stubEvaluator{decision: Decision{Allowed: true, Reason: ReasonGranted}}, FailClosed, time.Second, zerolog.Nop())
	d, err := g.Evaluate(context.Background(), sampleRequest)
	if err != nil || !d.Allowed || d.Fallback {
		t.Errorf("unexpected result %+v, %v", d, err)
	}
}

func TestGuardedEvaluator_FailureModes(t *testing.T) {
	tests := []struct {
		mode FailureMode
		want bool
	}{
		{FailClosed, false},
		{FailOpen, true},
	}
	for _, tt := range tests {
		g := NewGuardedEvaluator(stubEvaluator{err: errors.New("connection refused")}, tt.mode, time.Second, zerolog.Nop())
		d, err := g.Evaluate(context.Background(), sampleRequest)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if d.Allowed != tt.want || !d.Fallback || d.Reason != ReasonEvaluatorError {
			t.Errorf("mode %s: unexpected decision %+v", tt.mode, d)
		}
	}
}

func TestGuardedEvaluator_TimeoutIsFailure(t *testing.T) {
	g := NewGuardedEvaluator(stubEvaluator{block: true}, FailClosed, 10*time.Millisecond, zerolog.Nop())
	d, err := g.Evaluate(context.Background(), sampleRequest)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed || !d.Fallback {
		t.Errorf("expected fail-closed fallback on timeout, got %+v", d)
	}
}

func TestGuardedEvaluator_ValidationPassesThrough(t *testing.T) {
	g := NewGuardedEvaluator(stubEvaluator{err: apperr.Validation("patientId is required")}, FailOpen, time.Second, zerolog.Nop())
	_, err := g.Evaluate(context.Background(), sampleRequest)
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestParseFailureMode(t *testing.T) {
	if ParseFailureMode("allow") != FailOpen {
		t.Error("expected allow to parse as FailOpen")
	}
	for _, s := range []string{"deny", "", "ALLOW", "yes"} {
		if ParseFailureMode(s) != FailClosed {
			t.Errorf("expected %q to parse as FailClosed", s)
		}
	}
}
