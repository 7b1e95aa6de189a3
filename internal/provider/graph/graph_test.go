package graph

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shineum/smtp-graph-relay/internal/email"
	"github.com/shineum/smtp-graph-relay/internal/provider"
	"github.com/shineum/smtp-graph-relay/internal/secret"
)

// newTokenServer returns a token endpoint that counts requests.
func newTokenServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "test-token", ExpiresIn: 3600})
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestProvider(t *testing.T, graphURL, tokenURL string, timeout time.Duration) *Provider {
	t.Helper()
	p, err := New(Config{
		TenantID:     "test-tenant",
		ClientID:     "test-client",
		ClientSecret: secret.Seal("test-secret"),
		Timeout:      timeout,
		GraphURL:     graphURL,
		TokenURL:     tokenURL,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func testEnvelope() *email.Envelope {
	return &email.Envelope{
		Identity: "user@example.com",
		Mailbox:  "relay@contoso.com",
		Message: &email.Message{
			To:       []email.Address{{Address: "dest@example.com"}},
			Subject:  "Test",
			TextBody: "hello",
		},
	}
}

func TestProvider_Name(t *testing.T) {
	t.Parallel()

	p := newTestProvider(t, "http://unused", "http://unused", 0)
	if p.Name() != "msgraph" {
		t.Errorf("Name: got %q, want %q", p.Name(), "msgraph")
	}
}

func TestProvider_SendSuccess(t *testing.T) {
	t.Parallel()

	tokenServer := newTokenServer(t, nil)

	var hits atomic.Int32
	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Method != http.MethodPost {
			t.Errorf("method: got %s, want POST", r.Method)
		}
		if r.URL.Path != "/users/relay@contoso.com/sendMail" {
			t.Errorf("path: got %q, want mailbox-scoped sendMail", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("Authorization header: got %q, want %q", r.Header.Get("Authorization"), "Bearer test-token")
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type header: got %q, want %q", r.Header.Get("Content-Type"), "application/json")
		}

		var body SendMailRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		if body.Message.Subject != "Test" {
			t.Errorf("Subject in body: got %q, want %q", body.Message.Subject, "Test")
		}
		if body.Message.From.EmailAddress.Address != "relay@contoso.com" {
			t.Errorf("From in body: got %q", body.Message.From.EmailAddress.Address)
		}
		if !body.SaveToSentItems {
			t.Error("saveToSentItems should be true")
		}

		w.WriteHeader(http.StatusAccepted)
	}))
	defer graphServer.Close()

	p := newTestProvider(t, graphServer.URL, tokenServer.URL, 0)

	if err := p.Send(context.Background(), testEnvelope()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("sendMail calls: got %d, want 1", hits.Load())
	}
}

func TestProvider_RejectedNoRetry(t *testing.T) {
	t.Parallel()

	tokenServer := newTokenServer(t, nil)

	var hits atomic.Int32
	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(graphErrorResponse{
			Error: graphError{Code: "ServiceUnavailable", Message: "try later"},
		})
	}))
	defer graphServer.Close()

	p := newTestProvider(t, graphServer.URL, tokenServer.URL, 0)

	err := p.Send(context.Background(), testEnvelope())
	if !errors.Is(err, provider.ErrUpstreamRejected) {
		t.Fatalf("got %v, want ErrUpstreamRejected", err)
	}

	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("expected *SendError, got %T", err)
	}
	if sendErr.StatusCode != http.StatusServiceUnavailable || sendErr.Code != "ServiceUnavailable" || sendErr.Message != "try later" {
		t.Errorf("SendError: got %+v", sendErr)
	}
	if hits.Load() != 1 {
		t.Errorf("sendMail calls: got %d, want exactly 1 (no retries)", hits.Load())
	}
}

func TestProvider_NonJSONErrorBody(t *testing.T) {
	t.Parallel()

	tokenServer := newTokenServer(t, nil)
	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("plain failure"))
	}))
	defer graphServer.Close()

	err := newTestProvider(t, graphServer.URL, tokenServer.URL, 0).Send(context.Background(), testEnvelope())

	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("expected *SendError, got %v", err)
	}
	if sendErr.Message != "plain failure" {
		t.Errorf("Message: got %q, want %q", sendErr.Message, "plain failure")
	}
}

func TestProvider_UnauthorizedInvalidatesToken(t *testing.T) {
	t.Parallel()

	var tokenCalls atomic.Int32
	tokenServer := newTokenServer(t, &tokenCalls)

	var hits atomic.Int32
	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer graphServer.Close()

	p := newTestProvider(t, graphServer.URL, tokenServer.URL, 0)

	if err := p.Send(context.Background(), testEnvelope()); !errors.Is(err, provider.ErrUpstreamRejected) {
		t.Fatalf("first send: got %v, want ErrUpstreamRejected", err)
	}
	if err := p.Send(context.Background(), testEnvelope()); err != nil {
		t.Fatalf("second send: unexpected error: %v", err)
	}
	if tokenCalls.Load() != 2 {
		t.Errorf("token calls: got %d, want 2 (401 should discard the cached token)", tokenCalls.Load())
	}
}

func TestProvider_Timeout(t *testing.T) {
	t.Parallel()

	tokenServer := newTokenServer(t, nil)
	release := make(chan struct{})
	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer graphServer.Close()
	defer close(release)

	p := newTestProvider(t, graphServer.URL, tokenServer.URL, 200*time.Millisecond)

	err := p.Send(context.Background(), testEnvelope())
	if !errors.Is(err, provider.ErrUpstreamTimeout) {
		t.Fatalf("got %v, want ErrUpstreamTimeout", err)
	}
}

func TestProvider_ContextDeadline(t *testing.T) {
	t.Parallel()

	tokenServer := newTokenServer(t, nil)
	release := make(chan struct{})
	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer graphServer.Close()
	defer close(release)

	p := newTestProvider(t, graphServer.URL, tokenServer.URL, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := p.Send(ctx, testEnvelope()); !errors.Is(err, provider.ErrUpstreamTimeout) {
		t.Fatalf("got %v, want ErrUpstreamTimeout", err)
	}
}

func TestProvider_TokenFailure(t *testing.T) {
	t.Parallel()

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer tokenServer.Close()

	var hits atomic.Int32
	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer graphServer.Close()

	err := newTestProvider(t, graphServer.URL, tokenServer.URL, 0).Send(context.Background(), testEnvelope())
	if !errors.Is(err, provider.ErrUpstreamRejected) {
		t.Fatalf("got %v, want ErrUpstreamRejected", err)
	}
	if hits.Load() != 0 {
		t.Errorf("sendMail should not be called without a token, got %d calls", hits.Load())
	}
}

func TestProvider_MissingMailbox(t *testing.T) {
	t.Parallel()

	env := testEnvelope()
	env.Mailbox = ""

	err := newTestProvider(t, "http://unused", "http://unused", 0).Send(context.Background(), env)
	if !errors.Is(err, provider.ErrUpstreamRejected) {
		t.Fatalf("got %v, want ErrUpstreamRejected", err)
	}
}

func TestNew_DefaultEndpoints(t *testing.T) {
	t.Parallel()

	p, err := New(Config{TenantID: "tenant-1", ClientID: "c", ClientSecret: secret.Seal("s")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := p.sendMailURL("a@b.com"); got != "https://graph.microsoft.com/v1.0/users/a@b.com/sendMail" {
		t.Errorf("sendMailURL: got %q", got)
	}
	if p.token.tokenURL != "https://login.microsoftonline.com/tenant-1/oauth2/v2.0/token" {
		t.Errorf("tokenURL: got %q", p.token.tokenURL)
	}
	if p.httpClient.Timeout != 30*time.Second {
		t.Errorf("Timeout: got %v, want 30s", p.httpClient.Timeout)
	}
}

func TestNew_SOCKSProxy(t *testing.T) {
	t.Parallel()

	p, err := New(Config{TenantID: "t", ClientSecret: secret.Seal("s"), SOCKSProxy: "127.0.0.1:1080"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	transport, ok := p.httpClient.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("Transport: got %T, want *http.Transport", p.httpClient.Transport)
	}
	if transport.DialContext == nil {
		t.Error("SOCKS5 proxy should install a custom DialContext")
	}
}
