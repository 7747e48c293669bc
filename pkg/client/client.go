// Package client is a Go client for the payoutd HTTP API. Privileged calls
// are signed with the shared HMAC secret.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ClawsCorp/core/pkg/api"
	"github.com/ClawsCorp/core/pkg/apierror"
	"github.com/ClawsCorp/core/pkg/auth"
	"github.com/ClawsCorp/core/pkg/distribution"
	"github.com/ClawsCorp/core/pkg/ledger"
	"github.com/ClawsCorp/core/pkg/reconcile"
	"github.com/ClawsCorp/core/pkg/settlement"
)

// APIError is returned for error responses other than a blocked outcome.
type APIError struct {
	Status int
	Title  string
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("payoutd api %d: %s", e.Status, e.Title)
	}
	return fmt.Sprintf("payoutd api %d: %s: %s", e.Status, e.Title, e.Detail)
}

// Client calls a payoutd server.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	secret     []byte
	now        func() time.Time
}

// Option configures the client.
type Option func(*Client)

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.HTTPClient = h }
}

// New creates a client for baseURL signing with secret.
func New(baseURL string, secret []byte, opts ...Option) *Client {
	c := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		secret:     secret,
		now:        time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// do sends a request and decodes the response into out. A 409 carrying a
// blocked outcome is decoded like a success; the caller inspects its status.
func (c *Client) do(ctx context.Context, method, path string, body any, idemKey string, out any) (int, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		payload = b
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if method != http.MethodGet {
		ts := strconv.FormatInt(c.now().Unix(), 10)
		nonce := uuid.NewString()
		req.Header.Set(auth.HeaderTimestamp, ts)
		req.Header.Set(auth.HeaderNonce, nonce)
		req.Header.Set(auth.HeaderSignature, auth.Sign(c.secret, ts, nonce, method, path, payload))
	}
	if idemKey != "" {
		req.Header.Set(auth.HeaderIdempotencyKey, idemKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	blocked := resp.StatusCode == http.StatusConflict &&
		!strings.HasPrefix(resp.Header.Get("Content-Type"), "application/problem+json")
	if resp.StatusCode >= 400 && !blocked {
		var p apierror.ProblemDetail
		if err := json.Unmarshal(raw, &p); err == nil && p.Title != "" {
			return resp.StatusCode, &APIError{Status: resp.StatusCode, Title: p.Title, Detail: p.Detail}
		}
		return resp.StatusCode, &APIError{Status: resp.StatusCode, Title: http.StatusText(resp.StatusCode)}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/health", nil, "", nil)
	return err
}

// IngestRevenue calls POST /ledger/revenue.
func (c *Client) IngestRevenue(ctx context.Context, req api.LedgerRequest) (api.LedgerResponse, error) {
	var out api.LedgerResponse
	_, err := c.do(ctx, http.MethodPost, "/ledger/revenue", req, "", &out)
	return out, err
}

// IngestExpense calls POST /ledger/expenses.
func (c *Client) IngestExpense(ctx context.Context, req api.LedgerRequest) (api.LedgerResponse, error) {
	var out api.LedgerResponse
	_, err := c.do(ctx, http.MethodPost, "/ledger/expenses", req, "", &out)
	return out, err
}

// Settle calls POST /settlement/{month}.
func (c *Client) Settle(ctx context.Context, month ledger.MonthID, projectID *string) (settlement.Settlement, error) {
	var out settlement.Settlement
	_, err := c.do(ctx, http.MethodPost, "/settlement/"+string(month), api.SettlementRequest{ProjectID: projectID}, "", &out)
	return out, err
}

// Reconciliation is the outcome of Reconcile. Report is nil when the month
// could not be reconciled; BlockedReason then says why.
type Reconciliation struct {
	Report        *reconcile.Report `json:"report,omitempty"`
	BlockedReason string            `json:"blocked_reason,omitempty"`
}

// Reconcile calls POST /reconciliation/{month}.
func (c *Client) Reconcile(ctx context.Context, month ledger.MonthID) (Reconciliation, error) {
	var raw json.RawMessage
	status, err := c.do(ctx, http.MethodPost, "/reconciliation/"+string(month), struct{}{}, "", &raw)
	if err != nil {
		return Reconciliation{}, err
	}
	if status == http.StatusConflict {
		var b api.ReconcileBlocked
		if err := json.Unmarshal(raw, &b); err != nil {
			return Reconciliation{}, fmt.Errorf("decode response: %w", err)
		}
		return Reconciliation{BlockedReason: b.BlockedReason}, nil
	}
	var r reconcile.Report
	if err := json.Unmarshal(raw, &r); err != nil {
		return Reconciliation{}, fmt.Errorf("decode response: %w", err)
	}
	return Reconciliation{Report: &r}, nil
}

// CreateDistribution calls POST /distributions/{month}/create.
func (c *Client) CreateDistribution(ctx context.Context, month ledger.MonthID) (distribution.CreateResult, error) {
	var out distribution.CreateResult
	_, err := c.do(ctx, http.MethodPost, "/distributions/"+string(month)+"/create", struct{}{}, "", &out)
	return out, err
}

// ExecuteDistribution calls POST /distributions/{month}/execute. A non-empty
// idemKey is sent as the Idempotency-Key header.
func (c *Client) ExecuteDistribution(ctx context.Context, month ledger.MonthID, req api.ExecuteRequest, idemKey string) (distribution.ExecuteResult, error) {
	var out distribution.ExecuteResult
	_, err := c.do(ctx, http.MethodPost, "/distributions/"+string(month)+"/execute", req, idemKey, &out)
	return out, err
}

// SyncPayout calls POST /payouts/{month}/sync.
func (c *Client) SyncPayout(ctx context.Context, month ledger.MonthID) (distribution.SyncResult, error) {
	var out distribution.SyncResult
	_, err := c.do(ctx, http.MethodPost, "/payouts/"+string(month)+"/sync", struct{}{}, "", &out)
	return out, err
}

// MonthSummary calls GET /months/{month}/summary.
func (c *Client) MonthSummary(ctx context.Context, month ledger.MonthID) (api.MonthSummary, error) {
	var out api.MonthSummary
	_, err := c.do(ctx, http.MethodGet, "/months/"+string(month)+"/summary", nil, "", &out)
	return out, err
}
