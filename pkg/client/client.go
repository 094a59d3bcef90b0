// Package client is a typed Go client for the verification API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Mindburn-Labs/carbonmrv/pkg/audit"
	"github.com/Mindburn-Labs/carbonmrv/pkg/contracts"
	"github.com/Mindburn-Labs/carbonmrv/pkg/registry"
	"github.com/Mindburn-Labs/carbonmrv/pkg/token"
	"github.com/Mindburn-Labs/carbonmrv/pkg/verification"
)

// APIError is returned for non-2xx responses. Fields come from the RFC 7807
// body when the server sent one.
type APIError struct {
	Status int
	Title  string
	Detail string
	Kind   contracts.ErrorKind
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mrv api %d: %s: %s", e.Status, e.Title, e.Detail)
}

// Client talks to one API base URL.
type Client struct {
	BaseURL    string
	Actor      string
	HTTPClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithActor attributes mutations to actor in the server's audit trail.
func WithActor(actor string) Option {
	return func(c *Client) { c.Actor = actor }
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

// New creates a client for baseURL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 2 * time.Minute},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
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
	if c.Actor != "" {
		req.Header.Set("X-Actor", c.Actor)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Title: http.StatusText(resp.StatusCode)}
		var problem struct {
			Title  string `json:"title"`
			Detail string `json:"detail"`
			Kind   string `json:"kind"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&problem); err == nil {
			apiErr.Title = problem.Title
			apiErr.Detail = problem.Detail
			apiErr.Kind = contracts.ErrorKind(problem.Kind)
		}
		return apiErr
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Workflow is one farm observation submitted for verification. Image is
// optional raw scene data.
type Workflow struct {
	Farm        contracts.FarmRecord  `json:"farm"`
	Observation contracts.Observation `json:"observation"`
	Image       []byte                `json:"image_data,omitempty"`
}

// RunWorkflow calls POST /v1/workflows.
func (c *Client) RunWorkflow(ctx context.Context, w Workflow) (*contracts.WorkflowResult, error) {
	var out contracts.WorkflowResult
	if err := c.do(ctx, http.MethodPost, "/v1/workflows", w, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BatchItem is the per-input outcome of RunBatch.
type BatchItem struct {
	Index  int                       `json:"index"`
	Result *contracts.WorkflowResult `json:"result,omitempty"`
	Error  string                    `json:"error,omitempty"`
}

// RunBatch calls POST /v1/workflows/batch.
func (c *Client) RunBatch(ctx context.Context, ws []Workflow) ([]BatchItem, error) {
	var out struct {
		Items []BatchItem `json:"items"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/workflows/batch", map[string]any{"items": ws}, &out)
	return out.Items, err
}

// GetReport calls GET /v1/reports/{id}.
func (c *Client) GetReport(ctx context.Context, id string) (contracts.VerificationRecord, error) {
	var out contracts.VerificationRecord
	err := c.do(ctx, http.MethodGet, "/v1/reports/"+url.PathEscape(id), nil, &out)
	return out, err
}

// ListReports calls GET /v1/reports with f as query parameters.
func (c *Client) ListReports(ctx context.Context, f registry.Filter) ([]contracts.VerificationRecord, error) {
	q := url.Values{}
	if f.Owner != "" {
		q.Set("owner", f.Owner)
	}
	if f.FarmID != "" {
		q.Set("farm", f.FarmID)
	}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	path := "/v1/reports"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Reports []contracts.VerificationRecord `json:"reports"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Reports, err
}

// StoreReport calls POST /v1/reports/{id}/store.
func (c *Client) StoreReport(ctx context.Context, id string) (contracts.VerificationRecord, error) {
	return c.reportAction(ctx, id, "store", nil)
}

// MintReport calls POST /v1/reports/{id}/mint.
func (c *Client) MintReport(ctx context.Context, id string) (contracts.VerificationRecord, error) {
	return c.reportAction(ctx, id, "mint", nil)
}

// RejectReport calls POST /v1/reports/{id}/reject.
func (c *Client) RejectReport(ctx context.Context, id, reason string) (contracts.VerificationRecord, error) {
	return c.reportAction(ctx, id, "reject", map[string]string{"reason": reason})
}

func (c *Client) reportAction(ctx context.Context, id, action string, body any) (contracts.VerificationRecord, error) {
	var out contracts.VerificationRecord
	err := c.do(ctx, http.MethodPost, "/v1/reports/"+url.PathEscape(id)+"/"+action, body, &out)
	return out, err
}

// Audit calls GET /v1/reports/{id}/audit.
func (c *Client) Audit(ctx context.Context, id string) (audit.Result, error) {
	var out audit.Result
	err := c.do(ctx, http.MethodGet, "/v1/reports/"+url.PathEscape(id)+"/audit", nil, &out)
	return out, err
}

// ReportDocument calls GET /v1/reports/{id}/document.
func (c *Client) ReportDocument(ctx context.Context, id string) (verification.Document, error) {
	var out verification.Document
	err := c.do(ctx, http.MethodGet, "/v1/reports/"+url.PathEscape(id)+"/document", nil, &out)
	return out, err
}

// Balance calls GET /v1/balances/{address}.
func (c *Client) Balance(ctx context.Context, address string) (token.Amount, error) {
	var out struct {
		Balance string `json:"balance"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/balances/"+url.PathEscape(address), nil, &out); err != nil {
		return 0, err
	}
	return token.ParseAmount(out.Balance)
}

// CreditsMinted calls GET /v1/owners/{address}/credits.
func (c *Client) CreditsMinted(ctx context.Context, owner string) (float64, error) {
	var out struct {
		Total float64 `json:"total_credits_minted"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/owners/"+url.PathEscape(owner)+"/credits", nil, &out)
	return out.Total, err
}

type txResult struct {
	TxID token.TxID `json:"tx_id"`
}

// Transfer calls POST /v1/transfers.
func (c *Client) Transfer(ctx context.Context, from, to string, amount token.Amount) (token.TxID, error) {
	var out txResult
	err := c.do(ctx, http.MethodPost, "/v1/transfers",
		map[string]string{"from": from, "to": to, "amount": amount.String()}, &out)
	return out.TxID, err
}

// Retire calls POST /v1/retirements.
func (c *Client) Retire(ctx context.Context, holder string, amount token.Amount, reason string) (token.TxID, error) {
	var out txResult
	err := c.do(ctx, http.MethodPost, "/v1/retirements",
		map[string]string{"holder": holder, "amount": amount.String(), "reason": reason}, &out)
	return out.TxID, err
}

// TokenInfo calls GET /v1/token.
func (c *Client) TokenInfo(ctx context.Context) (token.Info, error) {
	var out token.Info
	err := c.do(ctx, http.MethodGet, "/v1/token", nil, &out)
	return out, err
}

// Journal calls GET /v1/token/journal.
func (c *Client) Journal(ctx context.Context) (token.JournalStatus, error) {
	var out token.JournalStatus
	err := c.do(ctx, http.MethodGet, "/v1/token/journal", nil, &out)
	return out, err
}

// Health calls GET /healthz.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}
