package graph

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

	"github.com/shineum/smtp-graph-relay/internal/email"
	"github.com/shineum/smtp-graph-relay/internal/provider"
	"github.com/shineum/smtp-graph-relay/internal/secret"
)

const (
	defaultGraphURL = "https://graph.microsoft.com/v1.0"
	defaultLoginURL = "https://login.microsoftonline.com"

	// defaultTimeout bounds each token and sendMail request.
	defaultTimeout = 30 * time.Second
)

// Config holds the configuration for creating a Provider.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret *secret.Sealed

	// Timeout bounds each outbound HTTP request. Zero means 30s.
	Timeout time.Duration

	// SOCKSProxy optionally routes all outbound traffic through a SOCKS5
	// proxy at host:port.
	SOCKSProxy string

	// GraphURL and TokenURL override the public endpoints.
	GraphURL string
	TokenURL string
}

// Provider sends mail via the Microsoft Graph API using OAuth2 client
// credentials. The mailbox to send as is taken from each envelope.
type Provider struct {
	graphURL   string
	httpClient *http.Client
	token      *tokenCache
}

// New creates a new Provider with the given configuration.
func New(cfg Config) (*Provider, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.GraphURL == "" {
		cfg.GraphURL = defaultGraphURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = fmt.Sprintf("%s/%s/oauth2/v2.0/token", defaultLoginURL, url.PathEscape(cfg.TenantID))
	}

	client, err := newHTTPClient(cfg.Timeout, cfg.SOCKSProxy)
	if err != nil {
		return nil, err
	}

	return &Provider{
		graphURL:   strings.TrimRight(cfg.GraphURL, "/"),
		httpClient: client,
		token:      newTokenCache(cfg.TokenURL, cfg.ClientID, cfg.ClientSecret, client),
	}, nil
}

// Name returns the provider name.
func (g *Provider) Name() string {
	return "msgraph"
}

// Send delivers env with a single sendMail request scoped to env.Mailbox.
// A 401 answer discards the cached token so the next message acquires a
// fresh one.
func (g *Provider) Send(ctx context.Context, env *email.Envelope) error {
	if env.Mailbox == "" {
		return fmt.Errorf("%w: no mailbox mapped for %q", provider.ErrUpstreamRejected, env.Identity)
	}

	bodyJSON, err := json.Marshal(Translate(env))
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	token, err := g.token.Token(ctx)
	if err != nil {
		return provider.UpstreamError("failed to get access token", err)
	}

	err = g.doSendRequest(ctx, g.sendMailURL(env.Mailbox), token, bodyJSON)
	var sendErr *SendError
	if errors.As(err, &sendErr) && sendErr.StatusCode == http.StatusUnauthorized {
		slog.Info("discarding Graph API token after 401")
		g.token.Invalidate()
	}
	return err
}

func (g *Provider) sendMailURL(mailbox string) string {
	return fmt.Sprintf("%s/users/%s/sendMail", g.graphURL, url.PathEscape(mailbox))
}

// doSendRequest performs a single HTTP request to the sendMail endpoint.
func (g *Provider) doSendRequest(ctx context.Context, endpoint, token string, bodyJSON []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return provider.UpstreamError("HTTP request failed", err)
	}
	defer resp.Body.Close()

	// HTTP 202 Accepted is success for sendMail
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(resp.Body)

	sendErr := &SendError{StatusCode: resp.StatusCode, Message: string(body)}
	var graphErrResp graphErrorResponse
	if jsonErr := json.Unmarshal(body, &graphErrResp); jsonErr == nil && graphErrResp.Error.Message != "" {
		sendErr.Code = graphErrResp.Error.Code
		sendErr.Message = graphErrResp.Error.Message
	}
	return sendErr
}

// SendError is a non-success answer from the sendMail endpoint.
type SendError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *SendError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("Graph API error (HTTP %d, %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// Unwrap lets callers match SendError with provider.ErrUpstreamRejected.
func (e *SendError) Unwrap() error {
	return provider.ErrUpstreamRejected
}
