package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"
)

// Gateway is the provider-agnostic contract the scheduler dials through.
//
// Rules:
// - No provider HTTP calls outside this package.
// - All operations are idempotent from the caller's perspective; a retried
//   CreateCall for a contact that already has an in-flight call is prevented
//   one layer up by the ledger's duplicate-dial check.
// - Errors are never swallowed; the caller always learns success or failure.
type Gateway interface {
	CreateCall(ctx context.Context, req CreateCallRequest) (string, error)
	GetCall(ctx context.Context, providerCallID string) (CallSnapshot, error)
	EndCall(ctx context.Context, providerCallID string) error
}

// CreateCallRequest carries everything the provider needs to place a call.
type CreateCallRequest struct {
	AssistantID   string `json:"assistant_id"`
	PhoneNumberID string `json:"phone_number_id"`

	// CustomerNumber is E.164.
	CustomerNumber string `json:"customer_number"`
	CustomerName   string `json:"customer_name,omitempty"`
}

// CallSnapshot is the provider's current view of a call, used by the polling
// reconciliation fallback when webhook events go missing.
type CallSnapshot struct {
	ProviderCallID string     `json:"provider_call_id"`
	Status         string     `json:"status"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	EndedReason    string     `json:"ended_reason,omitempty"`
	CostCents      int64      `json:"cost_cents"`
	RecordingURL   string     `json:"recording_url,omitempty"`
	Transcript     string     `json:"transcript,omitempty"`

	// Raw is the provider response body, preserved for the event audit trail.
	Raw string `json:"-"`
}

// APIError is a non-2xx provider response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider api error (%d): %s", e.StatusCode, e.Body)
}

// Transient reports whether the error is worth retrying (rate limits and
// server-side failures). Other 4xx responses are permanent.
func (e *APIError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsPermanent reports whether err is a provider failure that must not be
// retried at any layer (bad request, bad credentials, unknown resource).
func IsPermanent(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return !apiErr.Transient()
	}
	return false
}

// defaultBackoff is the retry schedule for transient failures.
var defaultBackoff = []time.Duration{1 * time.Second, 4 * time.Second, 10 * time.Second}

// Client is a typed HTTP client for the call provider's REST API.
//
// Failure policy: transient errors (timeouts, 5xx, 429) are retried with the
// backoff schedule; permanent errors fail immediately.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	backoff []time.Duration

	// sleep is injectable so tests do not wait out the backoff schedule.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// WithBackoff overrides the transient-retry schedule. The schedule length is
// the retry budget.
func WithBackoff(schedule []time.Duration) Option {
	return func(c *Client) { c.backoff = schedule }
}

func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		backoff: defaultBackoff,
		sleep:   sleepCtx,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type createCallBody struct {
	AssistantID   string           `json:"assistantId"`
	PhoneNumberID string           `json:"phoneNumberId"`
	Customer      createCallTarget `json:"customer"`
}

type createCallTarget struct {
	Number string `json:"number"`
	Name   string `json:"name,omitempty"`
}

type callResponse struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
	EndedReason  string     `json:"endedReason,omitempty"`
	Cost         float64    `json:"cost,omitempty"`
	RecordingURL string     `json:"recordingUrl,omitempty"`
	Transcript   string     `json:"transcript,omitempty"`
}

// CreateCall asks the provider to dial the customer. Returns the provider
// call id on success.
func (c *Client) CreateCall(ctx context.Context, req CreateCallRequest) (string, error) {
	if req.AssistantID == "" || req.PhoneNumberID == "" || req.CustomerNumber == "" {
		return "", errors.New("provider: assistant id, phone number id and customer number are required")
	}

	body := createCallBody{
		AssistantID:   req.AssistantID,
		PhoneNumberID: req.PhoneNumberID,
		Customer:      createCallTarget{Number: req.CustomerNumber, Name: req.CustomerName},
	}

	var out callResponse
	if _, err := c.do(ctx, http.MethodPost, "/call", body, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("provider: create call response missing id")
	}
	return out.ID, nil
}

// GetCall fetches the provider's current view of a call.
func (c *Client) GetCall(ctx context.Context, providerCallID string) (CallSnapshot, error) {
	if providerCallID == "" {
		return CallSnapshot{}, errors.New("provider: call id is required")
	}

	var out callResponse
	raw, err := c.do(ctx, http.MethodGet, "/call/"+providerCallID, nil, &out)
	if err != nil {
		return CallSnapshot{}, err
	}
	return CallSnapshot{
		ProviderCallID: out.ID,
		Status:         out.Status,
		StartedAt:      out.StartedAt,
		EndedAt:        out.EndedAt,
		EndedReason:    out.EndedReason,
		CostCents:      dollarsToCents(out.Cost),
		RecordingURL:   out.RecordingURL,
		Transcript:     out.Transcript,
		Raw:            string(raw),
	}, nil
}

// EndCall asks the provider to hang up. A 404 means the call is already gone
// at the provider; callers treat local state as authoritative either way.
func (c *Client) EndCall(ctx context.Context, providerCallID string) error {
	if providerCallID == "" {
		return errors.New("provider: call id is required")
	}
	_, err := c.do(ctx, http.MethodPost, "/call/"+providerCallID+"/end", nil, nil)
	return err
}

// do performs one API call with transient-error retries. The budget is one
// initial attempt plus one retry per backoff entry, so the default 1s/4s/10s
// schedule yields four attempts total; the final failure is returned as-is.
func (c *Client) do(ctx context.Context, method, path string, in, out any) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= len(c.backoff); attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.backoff[attempt-1]); err != nil {
				return nil, err
			}
		}

		raw, err := c.once(ctx, method, path, in, out)
		if err == nil {
			return raw, nil
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Transient() {
			return nil, err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) once(ctx context.Context, method, path string, in, out any) ([]byte, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("provider: encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, fmt.Errorf("provider: decode response: %w", err)
		}
	}
	return raw, nil
}

func dollarsToCents(v float64) int64 {
	return int64(math.Round(v * 100))
}
