package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", "secret-key")
}

func TestCreateAuthLink(t *testing.T) {
	var got AuthLinkRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/hosted/accounts/link", r.URL.Path)
		assert.Equal(t, "Bearer secret-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"object":"HostedAuthURL","url":"https://auth.example.com/abc"}`))
	})

	link, err := c.CreateAuthLink(context.Background(), AuthLinkRequest{
		Provider:  "GOOGLE",
		Name:      "acct-1",
		ExpiresOn: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example.com/abc", link.URL)
	assert.Equal(t, "GOOGLE", got.Provider)
	assert.Equal(t, "acct-1", got.Name)
}

func TestCreateAuthLink_EmptyURL(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	_, err := c.CreateAuthLink(context.Background(), AuthLinkRequest{Provider: "GOOGLE"})
	assert.Error(t, err)
}

func TestListAccounts_FollowsCursor(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/api/v1/accounts", r.URL.Path)
		switch r.URL.Query().Get("cursor") {
		case "":
			w.Write([]byte(`{"items":[{"id":"r1","type":"GOOGLE","name":"acct-1","status":"OK"}],"cursor":"p2"}`))
		case "p2":
			w.Write([]byte(`{"items":[{"id":"r2","type":"LINKEDIN","name":"acct-2","status":"CREATING"}],"cursor":""}`))
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
	})

	accounts, err := c.ListAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, 2, calls)
	assert.True(t, accounts[0].Active())
	assert.False(t, accounts[1].Active())
	assert.Equal(t, "acct-2", accounts[1].Name)
}

func TestSendMessage(t *testing.T) {
	var got Message
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "entry-1", r.URL.Query().Get("idempotency_key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"message_id":"m-9"}`))
	})

	res, err := c.SendMessage(context.Background(), Message{
		AccountID:      "r1",
		Channel:        "email",
		To:             "lead@example.com",
		Subject:        "Hello",
		Body:           "Hi there",
		IdempotencyKey: "entry-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "m-9", res.MessageID)
	assert.Equal(t, "lead@example.com", got.To)
	assert.Equal(t, "Hi there", got.Body)
}

func TestSendMessage_RequiresRecipient(t *testing.T) {
	c := New("http://unused", "")
	_, err := c.SendMessage(context.Background(), Message{AccountID: "r1"})
	assert.Error(t, err)
}

func TestAPIError(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantMsg   string
		retryable bool
	}{
		{"json body", http.StatusUnauthorized, `{"code":"invalid_key","message":"bad api key"}`, "bad api key", false},
		{"plain body", http.StatusBadRequest, "missing field", "missing field", false},
		{"empty body", http.StatusServiceUnavailable, "", "Service Unavailable", true},
		{"rate limited", http.StatusTooManyRequests, `{"message":"slow down"}`, "slow down", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := c.ListAccounts(context.Background())
			require.Error(t, err)

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.wantMsg, apiErr.Message)
			assert.Equal(t, tt.retryable, IsRetryable(err))
		})
	}
}

func TestIsRetryable_TransportAndContext(t *testing.T) {
	c := New("http://127.0.0.1:1", "")
	_, err := c.ListAccounts(context.Background())
	require.Error(t, err)
	assert.True(t, IsRetryable(err), "connection refused is transient")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.ListAccounts(ctx)
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}
