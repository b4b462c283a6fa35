package documents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hcen/registry/internal/platform/apperr"
	"github.com/hcen/registry/internal/platform/db"
)

// NodeRegistry maps tenants to the base URL of their peripheral node.
type NodeRegistry struct {
	nodes map[string]string
}

type nodesFile struct {
	Nodes []struct {
		Tenant  string `yaml:"tenant"`
		BaseURL string `yaml:"baseUrl"`
	} `yaml:"nodes"`
}

func NewNodeRegistry(nodes map[string]string) *NodeRegistry {
	r := &NodeRegistry{nodes: make(map[string]string, len(nodes))}
	for t, u := range nodes {
		r.nodes[t] = strings.TrimRight(u, "/")
	}
	return r
}

// LoadNodeRegistry reads the YAML node file. An empty path or a missing file
// gives an empty registry, in which no document can be fetched.
func LoadNodeRegistry(path string) (*NodeRegistry, error) {
	if path == "" {
		return NewNodeRegistry(nil), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewNodeRegistry(nil), nil
		}
		return nil, fmt.Errorf("read peripheral nodes: %w", err)
	}
	return ParseNodeRegistry(data)
}

func ParseNodeRegistry(data []byte) (*NodeRegistry, error) {
	var f nodesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse peripheral nodes: %w", err)
	}
	nodes := make(map[string]string, len(f.Nodes))
	for i, n := range f.Nodes {
		if !db.ValidTenantID(n.Tenant) {
			return nil, fmt.Errorf("peripheral node %d: invalid tenant %q", i, n.Tenant)
		}
		u, err := url.ParseRequestURI(n.BaseURL)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("peripheral node %s: invalid baseUrl %q", n.Tenant, n.BaseURL)
		}
		if _, dup := nodes[n.Tenant]; dup {
			return nil, fmt.Errorf("peripheral node %s listed twice", n.Tenant)
		}
		nodes[n.Tenant] = n.BaseURL
	}
	return NewNodeRegistry(nodes), nil
}

func (r *NodeRegistry) Len() int { return len(r.nodes) }

// URLFor returns the fetch URL for sourceURI on the tenant's node. Relative
// URIs are joined to the node's base URL. Absolute URIs must point at that
// same node, since the caller's bearer token travels with the request.
func (r *NodeRegistry) URLFor(tenantID, sourceURI string) (string, error) {
	u, err := url.Parse(sourceURI)
	if err != nil {
		return "", apperr.Validation("document has an invalid source uri")
	}
	base, ok := r.nodes[tenantID]
	if !ok {
		return "", apperr.UpstreamUnavailable(nil, "no peripheral node configured for tenant %s", tenantID)
	}
	if !u.IsAbs() && u.Host == "" {
		return base + "/" + strings.TrimLeft(sourceURI, "/"), nil
	}
	node, err := url.Parse(base)
	if err != nil {
		return "", apperr.UpstreamUnavailable(err, "peripheral node for tenant %s has an invalid base url", tenantID)
	}
	if u.User != nil || !strings.EqualFold(u.Host, node.Host) ||
		(u.Scheme != "" && !strings.EqualFold(u.Scheme, node.Scheme)) {
		return "", apperr.Forbidden("document source %s is not on the peripheral node of tenant %s", u.Host, tenantID)
	}
	if u.Scheme == "" {
		u.Scheme = node.Scheme
	}
	return u.String(), nil
}

// FetchRequest describes one download from a peripheral node.
type FetchRequest struct {
	URL         string
	TenantID    string
	BearerToken string
}

// Content is an open response body. Callers must close Body.
type Content struct {
	Body          io.ReadCloser
	ContentLength int64
}

type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (*Content, error)
}

// NodeError is a non-2xx answer from a peripheral node.
type NodeError struct {
	StatusCode int
	Body       string
}

func (e *NodeError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("peripheral node returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("peripheral node returned status %d: %s", e.StatusCode, e.Body)
}

// PeripheralClient downloads documents over HTTP. The timeout bounds dialing
// and waiting for response headers; the body streams until the request
// context is cancelled.
type PeripheralClient struct {
	http *http.Client
}

func NewPeripheralClient(timeout time.Duration) *PeripheralClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
	}
	return &PeripheralClient{http: &http.Client{Transport: transport}}
}

func (p *PeripheralClient) Fetch(ctx context.Context, req FetchRequest) (*Content, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build peripheral request: %w", err)
	}
	httpReq.Header.Set(db.TenantHeader, req.TenantID)
	if req.BearerToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.BearerToken)
	}

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return nil, apperr.UpstreamUnavailable(err, "peripheral node unreachable")
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return &Content{Body: resp.Body, ContentLength: resp.ContentLength}, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	resp.Body.Close()
	return nil, classifyNodeError(&NodeError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))})
}

func classifyNodeError(e *NodeError) error {
	switch {
	case e.StatusCode == http.StatusNotFound:
		return apperr.NotFound("document not found on peripheral node").Wrap(e)
	case e.StatusCode == http.StatusUnauthorized, e.StatusCode == http.StatusForbidden:
		return apperr.Forbidden("peripheral node refused access").Wrap(e)
	default:
		return apperr.UpstreamUnavailable(e, "peripheral node failed")
	}
}

// IsNodeStatus reports whether err carries a peripheral response with status.
func IsNodeStatus(err error, status int) bool {
	var ne *NodeError
	return errors.As(err, &ne) && ne.StatusCode == status
}
