package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hcen/registry/internal/platform/apperr"
)

// RemoteEvaluator asks another registry's POST /policies/verify.
type RemoteEvaluator struct {
	baseURL      string
	client       *http.Client
	serviceToken string
}

// RemoteOption configures a RemoteEvaluator.
type RemoteOption func(*RemoteEvaluator)

// WithServiceToken sends token as X-Service-Token on every call.
func WithServiceToken(token string) RemoteOption {
	return func(r *RemoteEvaluator) { r.serviceToken = token }
}

// WithHTTPClient replaces the default timeout-bounded client.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(r *RemoteEvaluator) { r.client = c }
}

func NewRemoteEvaluator(baseURL string, timeout time.Duration, opts ...RemoteOption) (*RemoteEvaluator, error) {
	u, err := url.ParseRequestURI(strings.TrimSpace(baseURL))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid policy service url %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	r := &RemoteEvaluator{
		baseURL: strings.TrimRight(u.String(), "/"),
		client:  &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

type verifyResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	Error   string `json:"error"`
}

func (r *RemoteEvaluator) Evaluate(ctx context.Context, req EvaluationRequest) (Decision, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return Decision{}, err
	}

	q := url.Values{}
	q.Set("professionalId", req.ProfessionalID)
	q.Set("patientId", req.PatientID)
	for k, v := range map[string]string{
		"documentType": req.DocumentType,
		"documentId":   req.DocumentID,
		"tenantId":     req.TenantID,
		"specialty":    req.Specialty,
	} {
		if v != "" {
			q.Set(k, v)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/policies/verify?"+q.Encode(), nil)
	if err != nil {
		return Decision{}, fmt.Errorf("build verify request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if r.serviceToken != "" {
		httpReq.Header.Set("X-Service-Token", r.serviceToken)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return Decision{}, fmt.Errorf("call policy service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Decision{}, fmt.Errorf("read policy service response: %w", err)
	}

	var out verifyResponse
	_ = json.Unmarshal(body, &out)

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return Decision{}, apperr.Validation("%s", firstNonEmpty(out.Error, "invalid evaluation request"))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Decision{}, fmt.Errorf("policy service returned status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return Decision{}, fmt.Errorf("decode policy service response: %w", err)
	}

	d := Decision{Allowed: out.Allowed, Reason: out.Reason}
	if d.Reason == "" {
		d.Reason = ReasonNoPolicy
		if d.Allowed {
			d.Reason = ReasonGranted
		}
	}
	return d, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
