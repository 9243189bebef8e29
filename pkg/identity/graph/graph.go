// Package graph is a minimal client for the Instagram Graph API user lookup.
package graph

import (
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

	"github.com/mjdshiraz-hash/Instagram-dm-webhook/pkg/config"
)

const (
	defaultBaseURL   = "https://graph.instagram.com"
	defaultTimeout   = 10 * time.Second
	handleField      = "username"
	errorBodyLimit   = 2048
	successBodyLimit = 64 << 10
)

var (
	// ErrNoToken is returned by New when no access token is configured.
	ErrNoToken = errors.New("identity.access_token is required")
	// ErrNotFound means the API answered but reported no username.
	ErrNotFound = errors.New("username not present in response")
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("graph api status %d", e.StatusCode)
	}

	return fmt.Sprintf("graph api status %d: %s", e.StatusCode, e.Body)
}

// Client looks up usernames for messaging-scoped sender ids.
type Client struct {
	baseURL    string
	apiVersion string
	token      string
	httpClient *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. The caller owns its timeout.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// New validates identity configuration and constructs a client.
func New(cfg config.IdentityConfig, opts ...Option) (*Client, error) {
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return nil, ErrNoToken
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := &Client{
		baseURL:    baseURL,
		apiVersion: strings.Trim(strings.TrimSpace(cfg.APIVersion), "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// LookupHandle returns the username for senderID.
func (c *Client) LookupHandle(ctx context.Context, senderID string) (string, error) {
	log := clientLogger().With("operation", "lookup")
	startedAt := time.Now()

	var body struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	}
	if err := c.get(ctx, senderID, handleField, &body); err != nil {
		log.Debug("graph request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return "", err
	}

	handle := strings.TrimSpace(body.Username)
	if handle == "" {
		log.Debug("graph request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", ErrNotFound)
		return "", ErrNotFound
	}
	log.Debug("graph request completed", "duration_ms", time.Since(startedAt).Milliseconds())

	return handle, nil
}

// Probe checks that the access token is accepted by fetching the token owner.
func (c *Client) Probe(ctx context.Context) error {
	var body struct {
		ID string `json:"id"`
	}
	if err := c.get(ctx, "me", "id", &body); err != nil {
		return fmt.Errorf("token probe failed: %w", err)
	}
	if strings.TrimSpace(body.ID) == "" {
		return errors.New("token probe returned no id")
	}

	return nil
}

func (c *Client) get(ctx context.Context, node string, fields string, out any) error {
	node = strings.TrimSpace(node)
	if node == "" {
		return errors.New("node id is required")
	}

	endpoint := c.baseURL
	if c.apiVersion != "" {
		endpoint += "/" + c.apiVersion
	}
	endpoint += "/" + url.PathEscape(node) + "?" + url.Values{"fields": {fields}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("graph request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, successBodyLimit)).Decode(out); err != nil {
		return fmt.Errorf("decode graph response: %w", err)
	}

	return nil
}

func clientLogger() *slog.Logger {
	return slog.Default().With("component", "identity.graph")
}
