package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kiarashjv/SaaS-LeadSystem/contracts"
	"github.com/kiarashjv/SaaS-LeadSystem/internal/reliability"
)

const maxErrorBody = 4 << 10

// StatusError is returned for non 2xx responses. 5xx, 408 and 429 are
// retryable; other statuses are not.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Reply      *contracts.ErrorReply
	Body       string
}

func (e *StatusError) Error() string {
	if e.Reply != nil {
		return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.URL, e.StatusCode, e.Reply.ErrorMessage)
	}
	return fmt.Sprintf("%s %s returned %d", e.Method, e.URL, e.StatusCode)
}

// IsRetryable is consulted by reliability.IsRetryable
func (e *StatusError) IsRetryable() bool {
	switch {
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// Client calls the evaluator and storage HTTP endpoints. It is the fallback
// path of the queue callers.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying *http.Client
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithClientLogger sets the logger
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(cl *Client) {
		if logger != nil {
			cl.logger = logger
		}
	}
}

// NewClient creates a client for the service at baseURL
func NewClient(baseURL string, options ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// BaseURL returns the service address
func (c *Client) BaseURL() string {
	return c.baseURL
}

// EvaluateLead posts lead to /api/leads/evaluate
func (c *Client) EvaluateLead(ctx context.Context, lead contracts.Lead) (contracts.LeadEvaluation, error) {
	var evaluation contracts.LeadEvaluation
	err := c.do(ctx, http.MethodPost, "/api/leads/evaluate", lead, &evaluation)
	return evaluation, err
}

// StoreLead posts lead to /api/leads and returns the stored lead
func (c *Client) StoreLead(ctx context.Context, lead contracts.Lead) (contracts.Lead, error) {
	var stored contracts.Lead
	err := c.do(ctx, http.MethodPost, "/api/leads", lead, &stored)
	return stored, err
}

// ListLeads fetches every stored lead
func (c *Client) ListLeads(ctx context.Context) ([]contracts.Lead, error) {
	var all []contracts.Lead
	err := c.do(ctx, http.MethodGet, "/api/leads", nil, &all)
	return all, err
}

// GetLead fetches the lead stored for email
func (c *Client) GetLead(ctx context.Context, email string) (contracts.Lead, error) {
	var lead contracts.Lead
	err := c.do(ctx, http.MethodGet, "/api/leads/"+url.PathEscape(email), nil, &lead)
	return lead, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return reliability.Permanent(fmt.Errorf("failed to marshal request: %w", err))
		}
		body = bytes.NewReader(data)
	}

	target := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return reliability.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("http request", "method", method, "url", target)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(method, target, resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return reliability.Permanent(fmt.Errorf("failed to decode %s %s response: %w", method, path, err))
	}
	return nil
}

func statusError(method, target string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	serr := &StatusError{
		Method:     method,
		URL:        target,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(data)),
	}

	var reply contracts.ErrorReply
	if json.Unmarshal(data, &reply) == nil && reply.ErrorCode != "" {
		serr.Reply = &reply
	}
	return serr
}

// IsNotFound reports whether err is a 404 from the remote service
func IsNotFound(err error) bool {
	var serr *StatusError
	return errors.As(err, &serr) && serr.StatusCode == http.StatusNotFound
}
