package policy

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/hcen/registry/internal/platform/apperr"
)

// Evaluator decides whether a professional may read a patient's document.
// Service evaluates against the local store; RemoteEvaluator asks another
// registry over HTTP.
type Evaluator interface {
	Evaluate(ctx context.Context, req EvaluationRequest) (Decision, error)
}

// FailureMode is the decision returned when the evaluator itself fails.
type FailureMode string

const (
	FailClosed FailureMode = "deny"
	FailOpen   FailureMode = "allow"
)

// ParseFailureMode maps "allow" to FailOpen and anything else to FailClosed.
func ParseFailureMode(s string) FailureMode {
	if s == string(FailOpen) {
		return FailOpen
	}
	return FailClosed
}

// GuardedEvaluator applies the configured failure default. It is the single
// place where evaluator errors and timeouts turn into decisions; validation
// errors are the caller's fault and pass through unchanged.
type GuardedEvaluator struct {
	inner   Evaluator
	mode    FailureMode
	timeout time.Duration
	logger  zerolog.Logger
}

func NewGuardedEvaluator(inner Evaluator, mode FailureMode, timeout time.Duration, logger zerolog.Logger) *GuardedEvaluator {
	return &GuardedEvaluator{
		inner:   inner,
		mode:    mode,
		timeout: timeout,
		logger:  logger.With().Str("component", "evaluator_guard").Logger(),
	}
}

func (g *GuardedEvaluator) Evaluate(ctx context.Context, req EvaluationRequest) (Decision, error) {
	evalCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		evalCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	d, err := g.inner.Evaluate(evalCtx, req)
	if err == nil {
		return d, nil
	}
	if apperr.IsKind(err, apperr.KindValidation) {
		return Decision{}, err
	}

	g.logger.Warn().Err(err).
		Str("professional_id", req.ProfessionalID).
		Str("patient_id", req.PatientID).
		Str("failure_mode", string(g.mode)).
		Msg("permission evaluation failed, applying failure default")

	return Decision{
		Allowed:  g.mode == FailOpen,
		Reason:   ReasonEvaluatorError,
		Fallback: true,
	}, nil
}
