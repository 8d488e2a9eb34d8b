// Package provider is the HTTP client for the external messaging and
// account-linking provider: create an auth link, list linked accounts, send
// a message.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds a single provider request.
const DefaultTimeout = 30 * time.Second

// Client talks to the provider API with a bearer API key.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// New creates a Client. baseURL is the API root, without a trailing slash.
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
	}
}

// APIError is a non-2xx provider response.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider: HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("provider: HTTP %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the request may succeed if repeated: rate
// limits, timeouts and server errors. Auth and validation failures are not.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode >= 500
}

// IsRetryable reports whether err is a retryable APIError or a transport
// failure. Context cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// do sends a JSON request and decodes a JSON response into out (if non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s %s: reading body: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
			if apiErr.Message == "" {
				apiErr.Message = http.StatusText(resp.StatusCode)
			}
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decoding response: %w", method, path, err)
	}
	return nil
}

// AuthLinkRequest starts a hosted account-linking flow.
// Name is echoed back on the linked account so the caller can match it to
// its own link attempt.
type AuthLinkRequest struct {
	Provider   string    `json:"provider"`
	Name       string    `json:"name"`
	SuccessURL string    `json:"success_redirect_url,omitempty"`
	FailureURL string    `json:"failure_redirect_url,omitempty"`
	NotifyURL  string    `json:"notify_url,omitempty"`
	ExpiresOn  time.Time `json:"expiresOn"`
}

// AuthLink is where the user completes the linking flow.
type AuthLink struct {
	URL string `json:"url"`
}

// CreateAuthLink asks the provider for a hosted auth URL.
func (c *Client) CreateAuthLink(ctx context.Context, req AuthLinkRequest) (AuthLink, error) {
	var out AuthLink
	if err := c.do(ctx, http.MethodPost, "/api/v1/hosted/accounts/link", req, &out); err != nil {
		return AuthLink{}, fmt.Errorf("create auth link: %w", err)
	}
	if out.URL == "" {
		return AuthLink{}, errors.New("create auth link: response has no url")
	}
	return out, nil
}

// Account status values reported by the provider.
const (
	StatusOK         = "OK"
	StatusCreating   = "CREATING"
	StatusCredential = "CREDENTIALS"
	StatusError      = "ERROR"
)

// RemoteAccount is a linked account as the provider sees it.
type RemoteAccount struct {
	ID       string `json:"id"`
	Provider string `json:"type"`
	Name     string `json:"name"`
	Status   string `json:"status"`
}

// Active reports whether the account can send.
func (a RemoteAccount) Active() bool {
	return a.Status == StatusOK
}

type listAccountsResponse struct {
	Items  []RemoteAccount `json:"items"`
	Cursor string          `json:"cursor"`
}

// ListAccounts returns every linked account, following pagination cursors.
func (c *Client) ListAccounts(ctx context.Context) ([]RemoteAccount, error) {
	var (
		out    []RemoteAccount
		cursor string
	)
	for {
		path := "/api/v1/accounts"
		if cursor != "" {
			path += "?cursor=" + url.QueryEscape(cursor)
		}
		var page listAccountsResponse
		if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
			return nil, fmt.Errorf("list accounts: %w", err)
		}
		out = append(out, page.Items...)
		if page.Cursor == "" || len(page.Items) == 0 {
			return out, nil
		}
		cursor = page.Cursor
	}
}

// Message is one outbound message on a linked account.
type Message struct {
	AccountID string `json:"account_id"`
	Channel   string `json:"channel"`
	To        string `json:"to"`
	Subject   string `json:"subject,omitempty"`
	Body      string `json:"body"`

	// IdempotencyKey lets the provider drop a resend of the same message.
	IdempotencyKey string `json:"-"`
}

// SendResult identifies the sent message at the provider.
type SendResult struct {
	MessageID string `json:"message_id"`
}

// SendMessage delivers msg.
func (c *Client) SendMessage(ctx context.Context, msg Message) (SendResult, error) {
	if msg.AccountID == "" || msg.To == "" {
		return SendResult{}, errors.New("send message: account and recipient are required")
	}
	var out SendResult
	path := "/api/v1/messages"
	if msg.IdempotencyKey != "" {
		path += "?idempotency_key=" + url.QueryEscape(msg.IdempotencyKey)
	}
	if err := c.do(ctx, http.MethodPost, path, msg, &out); err != nil {
		return SendResult{}, fmt.Errorf("send message: %w", err)
	}
	return out, nil
}
