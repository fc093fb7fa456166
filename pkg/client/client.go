package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when the requested record does not exist or lies
// outside the caller's tenant.
var ErrNotFound = errors.New("audit record not found")

// APIError is a non-2xx response from the ledger API.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
	Code       string `json:"code,omitempty"`
	Field      string `json:"field,omitempty"`
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("audit api %d: %s (field %s)", e.StatusCode, e.Message, e.Field)
	}
	return fmt.Sprintf("audit api %d: %s", e.StatusCode, e.Message)
}

// IsImmutable reports whether err is the API refusing to change a record.
func IsImmutable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "immutable"
}

// Change is the before/after pair for a single mutated attribute.
type Change struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// Resource identifies the object an event is about.
type Resource struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Event is the payload for Record.
type Event struct {
	EventType string            `json:"event_type"`
	Action    string            `json:"action"`
	TenantID  *string           `json:"tenant_id,omitempty"`
	UserID    *string           `json:"user_id,omitempty"`
	Resource  *Resource         `json:"resource,omitempty"`
	Changes   map[string]Change `json:"changes,omitempty"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
}

// Record is a sealed audit record as returned by the API.
type Record struct {
	Sequence       uint64            `json:"sequence"`
	EventType      string            `json:"event_type"`
	Action         string            `json:"action"`
	TenantID       *string           `json:"tenant_id"`
	UserID         *string           `json:"user_id"`
	ResourceType   *string           `json:"resource_type"`
	ResourceID     *string           `json:"resource_id"`
	Changes        map[string]Change `json:"changes"`
	Metadata       map[string]any    `json:"metadata"`
	PreviousHash   *string           `json:"previous_hash"`
	SignatureHash  string            `json:"signature_hash"`
	CreatedAt      time.Time         `json:"created_at"`
	SignatureValid *bool             `json:"signature_valid,omitempty"`
}

// Page is one window of List results.
type Page struct {
	Records    []Record `json:"records"`
	Total      int      `json:"total"`
	Limit      int      `json:"limit"`
	Offset     int      `json:"offset"`
	NextOffset *int     `json:"next_offset"`
}

// ListOptions narrows List. Zero values do not filter.
type ListOptions struct {
	TenantID  string
	UserID    string
	EventType string // exact type or namespace prefix
	From      time.Time
	To        time.Time
	Desc      bool
	Limit     int
	Offset    int
}

// Finding is one verification finding.
type Finding struct {
	Sequence uint64 `json:"sequence"`
	Kind     string `json:"kind"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Detail   string `json:"detail,omitempty"`
}

// Verification is the result of Verify.
type Verification struct {
	Valid         bool      `json:"valid"`
	Checked       int       `json:"checked"`
	FirstSequence *uint64   `json:"first_sequence"`
	LastSequence  *uint64   `json:"last_sequence"`
	Errors        []Finding `json:"errors"`
	Scope         string    `json:"scope"`
	Algorithm     string    `json:"algorithm"`
	VerifiedAt    time.Time `json:"verified_at"`
}

// VerifyOptions narrows Verify to a spot check.
type VerifyOptions struct {
	TenantID string
	Start    uint64
	End      uint64
}

// Client talks to a ledgerd instance.
type Client struct {
	base        string
	httpClient  *http.Client
	bearerToken string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches an access token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
// Only use this in development against a self-signed certificate.
func WithInsecureSkipVerify() Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
			Timeout: 30 * time.Second,
		}
		return nil
	}
}

// New creates a Client for the ledgerd instance at base.
//
//	c, err := client.New("https://audit.internal:8080",
//	    client.WithBearerToken(os.Getenv("AUDIT_TOKEN")),
//	)
func New(base string, opts ...Option) (*Client, error) {
	if _, err := url.Parse(base); err != nil || base == "" {
		return nil, fmt.Errorf("invalid base URL %q", base)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/") + "/api/v1/audit",
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Record appends an event and returns the sealed record.
func (c *Client) Record(ctx context.Context, ev Event) (*Record, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	var rec Record
	if err := c.call(ctx, http.MethodPost, "/records", nil, bytes.NewReader(body), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Get returns the record at sequence.
func (c *Client) Get(ctx context.Context, sequence uint64) (*Record, error) {
	var rec Record
	if err := c.call(ctx, http.MethodGet, "/records/"+strconv.FormatUint(sequence, 10), nil, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns one page of records matching opts.
func (c *Client) List(ctx context.Context, opts ListOptions) (*Page, error) {
	q := url.Values{}
	setIf(q, "tenant_id", opts.TenantID)
	setIf(q, "user_id", opts.UserID)
	setIf(q, "event_type", opts.EventType)
	if !opts.From.IsZero() {
		q.Set("from", opts.From.UTC().Format(time.RFC3339Nano))
	}
	if !opts.To.IsZero() {
		q.Set("to", opts.To.UTC().Format(time.RFC3339Nano))
	}
	if opts.Desc {
		q.Set("order", "desc")
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}

	var page Page
	if err := c.call(ctx, http.MethodGet, "/records", q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Verify runs chain verification on the server.
func (c *Client) Verify(ctx context.Context, opts VerifyOptions) (*Verification, error) {
	q := url.Values{}
	setIf(q, "tenant_id", opts.TenantID)
	if opts.Start > 0 {
		q.Set("start", strconv.FormatUint(opts.Start, 10))
	}
	if opts.End > 0 {
		q.Set("end", strconv.FormatUint(opts.End, 10))
	}

	var v Verification
	if err := c.call(ctx, http.MethodGet, "/verify", q, nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Export streams a tenant's compliance report ("json" or "csv") to w.
func (c *Client) Export(ctx context.Context, tenantID, format string, w io.Writer) error {
	q := url.Values{"tenant_id": {tenantID}}
	setIf(q, "format", format)

	resp, err := c.send(ctx, http.MethodGet, "/export", q, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(w, resp.Body)
	return err
}

func (c *Client) call(ctx context.Context, method, path string, q url.Values, body io.Reader, out any) error {
	resp, err := c.send(ctx, method, path, q, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// send executes the request and turns non-2xx responses into errors. The
// caller closes the body of a successful response.
func (c *Client) send(ctx context.Context, method, path string, q url.Values, body io.Reader) (*http.Response, error) {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	if resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	apiErr := &APIError{StatusCode: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if json.Unmarshal(raw, apiErr) != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return nil, apiErr
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

// String is a convenience for building optional identifiers.
func String(s string) *string {
	return &s
}
