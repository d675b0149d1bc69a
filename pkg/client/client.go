// Package client provides a typed Go client for the commitgate HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/commitgate/pkg/api"
	"github.com/Mindburn-Labs/commitgate/pkg/auth"
	"github.com/Mindburn-Labs/commitgate/pkg/crosschain"
	"github.com/Mindburn-Labs/commitgate/pkg/crypto"
	"github.com/Mindburn-Labs/commitgate/pkg/events"
	"github.com/Mindburn-Labs/commitgate/pkg/gate"
	"github.com/Mindburn-Labs/commitgate/pkg/merkle"
	"github.com/Mindburn-Labs/commitgate/pkg/nonce"
	"github.com/Mindburn-Labs/commitgate/pkg/service"
	"github.com/Mindburn-Labs/commitgate/pkg/uri"
)

// APIError is returned for any non-2xx response. errors.Is matches the
// protocol sentinel named by Code, so callers can test for
// nonce.ErrAlreadyConsumed and friends directly.
type APIError struct {
	Status  int
	Problem api.ProblemDetail
}

func (e *APIError) Error() string {
	if e.Problem.Code != "" {
		return fmt.Sprintf("commitgate api %d: %s (%s)", e.Status, e.Problem.Detail, e.Problem.Code)
	}
	return fmt.Sprintf("commitgate api %d: %s", e.Status, e.Problem.Detail)
}

func (e *APIError) Unwrap() error {
	return service.ErrorForCode(e.Problem.Code)
}

// Client talks to one commitgate node.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	signer   crypto.Signer
	tokenTTL time.Duration
	now      func() time.Time

	mu       sync.Mutex
	audience string
}

// Option configures the client.
type Option func(*Client)

// WithSigner authenticates caller-scoped requests with short-lived tokens
// signed by s.
func WithSigner(s crypto.Signer) Option {
	return func(c *Client) { c.signer = s }
}

// WithTokenTTL bounds the lifetime of issued tokens. It must not exceed
// the node's maximum.
func WithTokenTTL(d time.Duration) Option {
	return func(c *Client) { c.tokenTTL = d }
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

// WithClock overrides the time used for token issuance.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		tokenTTL:   time.Minute,
		now:        time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c.signer == nil {
		return "", errors.New("client has no signer")
	}
	c.mu.Lock()
	aud := c.audience
	c.mu.Unlock()
	if aud == "" {
		info, err := c.Domain(ctx)
		if err != nil {
			return "", fmt.Errorf("resolve token audience: %w", err)
		}
		aud = info.Audience
		c.mu.Lock()
		c.audience = aud
		c.mu.Unlock()
	}
	return auth.IssueToken(c.signer, aud, c.tokenTTL, c.now())
}

func (c *Client) do(ctx context.Context, method, path string, authenticated bool, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if authenticated {
		tok, err := c.token(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr.Problem); err != nil {
			apiErr.Problem.Detail = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Domain calls GET /v1/domain.
func (c *Client) Domain(ctx context.Context) (*api.DomainInfo, error) {
	var out api.DomainInfo
	if err := c.do(ctx, http.MethodGet, "/v1/domain", false, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitUpdate calls POST /v1/updates.
func (c *Client) SubmitUpdate(ctx context.Context, req gate.UpdateRequest, sig []byte) (*gate.UpdateReceipt, error) {
	var out gate.UpdateReceipt
	if err := c.do(ctx, http.MethodPost, "/v1/updates", false, api.NewUpdateBody(req, sig), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reveal calls POST /v1/reveals as the configured signer.
func (c *Client) Reveal(ctx context.Context, n nonce.Nonce) (*gate.RevealReceipt, error) {
	var out gate.RevealReceipt
	if err := c.do(ctx, http.MethodPost, "/v1/reveals", true, api.RevealBody{Nonce: n}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Commitment calls GET /v1/commitments/{digest}.
func (c *Client) Commitment(ctx context.Context, digest crypto.Hash) (*nonce.Status, error) {
	var out nonce.Status
	if err := c.do(ctx, http.MethodGet, "/v1/commitments/"+digest.Hex(), false, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ConsumeWithProof calls POST /v1/crosschain/consume.
func (c *Client) ConsumeWithProof(ctx context.Context, domainID uint64, n nonce.Nonce, proof merkle.Proof) (*crosschain.Receipt, error) {
	var out crosschain.Receipt
	body := api.CrossChainBody{DomainID: domainID, Nonce: n, Proof: proof}
	if err := c.do(ctx, http.MethodPost, "/v1/crosschain/consume", false, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CrossChainConsumed calls GET /v1/crosschain/{domain}/{nonce}.
func (c *Client) CrossChainConsumed(ctx context.Context, domainID uint64, n nonce.Nonce) (bool, error) {
	var out api.CrossChainStatus
	path := "/v1/crosschain/" + strconv.FormatUint(domainID, 10) + "/" + n.Hex()
	if err := c.do(ctx, http.MethodGet, path, false, nil, &out); err != nil {
		return false, err
	}
	return out.Consumed, nil
}

// Root calls GET /v1/root.
func (c *Client) Root(ctx context.Context) (*crosschain.TrustedRoot, error) {
	var out crosschain.TrustedRoot
	if err := c.do(ctx, http.MethodGet, "/v1/root", false, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateRoot calls PUT /v1/root as the configured signer.
func (c *Client) UpdateRoot(ctx context.Context, root crypto.Hash) (*crosschain.TrustedRoot, error) {
	var out crosschain.TrustedRoot
	if err := c.do(ctx, http.MethodPut, "/v1/root", true, api.RootBody{Root: root}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RootHistory calls GET /v1/root/history.
func (c *Client) RootHistory(ctx context.Context, limit int) ([]crosschain.TrustedRoot, error) {
	path := "/v1/root/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out api.RootHistory
	if err := c.do(ctx, http.MethodGet, path, false, nil, &out); err != nil {
		return nil, err
	}
	return out.Roots, nil
}

// Agents calls GET /v1/agents.
func (c *Client) Agents(ctx context.Context) ([]crypto.Address, error) {
	var out api.AgentList
	if err := c.do(ctx, http.MethodGet, "/v1/agents", false, nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// Agent calls GET /v1/agents/{identity}.
func (c *Client) Agent(ctx context.Context, identity crypto.Address) (bool, error) {
	var out api.AgentStatus
	if err := c.do(ctx, http.MethodGet, "/v1/agents/"+identity.Hex(), false, nil, &out); err != nil {
		return false, err
	}
	return out.Authorized, nil
}

// Authorize calls PUT /v1/agents/{identity} as the configured signer.
func (c *Client) Authorize(ctx context.Context, identity crypto.Address) error {
	return c.do(ctx, http.MethodPut, "/v1/agents/"+identity.Hex(), true, nil, nil)
}

// Revoke calls DELETE /v1/agents/{identity} as the configured signer.
func (c *Client) Revoke(ctx context.Context, identity crypto.Address) error {
	return c.do(ctx, http.MethodDelete, "/v1/agents/"+identity.Hex(), true, nil, nil)
}

// URIPolicy calls GET /v1/uri-policy.
func (c *Client) URIPolicy(ctx context.Context) (*uri.Policy, error) {
	var out uri.Policy
	if err := c.do(ctx, http.MethodGet, "/v1/uri-policy", false, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetURIPolicy calls PUT /v1/uri-policy as the configured signer.
func (c *Client) SetURIPolicy(ctx context.Context, p uri.Policy) (*uri.Policy, error) {
	var out uri.Policy
	if err := c.do(ctx, http.MethodPut, "/v1/uri-policy", true, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Events calls GET /v1/events.
func (c *Client) Events(ctx context.Context, filter events.Filter) ([]events.Event, error) {
	q := url.Values{}
	if filter.Kind != "" {
		q.Set("kind", string(filter.Kind))
	}
	if filter.AfterSeq > 0 {
		q.Set("after", strconv.FormatUint(filter.AfterSeq, 10))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	path := "/v1/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out api.EventsResponse
	if err := c.do(ctx, http.MethodGet, path, false, nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// VerifyEvents calls GET /v1/events/verify.
func (c *Client) VerifyEvents(ctx context.Context) (*api.ChainStatus, error) {
	var out api.ChainStatus
	if err := c.do(ctx, http.MethodGet, "/v1/events/verify", false, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var out api.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", false, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
