// Package api implements the authenticated-call contract: HTTP calls that
// transparently refresh an expiring credential and retry a bounded number of
// times on auth failure.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Caller is the generic authenticated-call interface the rest of the SDK
// consumes.
type Caller interface {
	Call(ctx context.Context, url, method string, body []byte) ([]byte, error)
}

// TokenSource yields the current access token. force requests a fresh one.
type TokenSource interface {
	Token(ctx context.Context, force bool) (string, error)
}

// maxAuthRetries bounds 401-triggered refresh-and-retry cycles.
const maxAuthRetries = 2

// expirySlack refreshes tokens slightly before their exp claim is reached.
const expirySlack = 30 * time.Second

// Client performs authenticated HTTP calls against the ingestion and state
// endpoints.
type Client struct {
	http   *http.Client
	tokens TokenSource
	logger *zap.Logger
}

func NewClient(tokens TokenSource, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		tokens: tokens,
		logger: logger,
	}
}

// Call performs one authenticated request. A 401 response triggers a token
// refresh and a bounded retry; other non-2xx statuses surface as errors.
func (c *Client) Call(ctx context.Context, url, method string, body []byte) ([]byte, error) {
	token, err := c.tokens.Token(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain token: %w", err)
	}

	for attempt := 0; ; attempt++ {
		resp, err := c.do(ctx, url, method, body, token)
		if err != nil {
			return nil, err
		}
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}

		if resp.StatusCode == http.StatusUnauthorized {
			if attempt >= maxAuthRetries {
				return nil, fmt.Errorf("authentication failed after %d retries", maxAuthRetries)
			}
			c.logger.Warn("auth failure, refreshing credential",
				zap.String("url", url),
				zap.Int("attempt", attempt+1),
			)
			token, err = c.tokens.Token(ctx, true)
			if err != nil {
				return nil, fmt.Errorf("failed to refresh token: %w", err)
			}
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("request to %s failed with status %d: %s", url, resp.StatusCode, truncate(data))
		}
		return data, nil
	}
}

func (c *Client) do(ctx context.Context, url, method string, body []byte, token string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	return c.http.Do(req)
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

// LoginTokenSource obtains access tokens from the authorize endpoint and
// caches them until shortly before expiry.
type LoginTokenSource struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time

	http      *http.Client
	endpoint  string
	projectID string
	username  string
	password  string
	logger    *zap.Logger
}

func NewLoginTokenSource(endpoint, projectID, username, password string, logger *zap.Logger) *LoginTokenSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoginTokenSource{
		http:      &http.Client{Timeout: 10 * time.Second},
		endpoint:  endpoint,
		projectID: projectID,
		username:  username,
		password:  password,
		logger:    logger,
	}
}

func (s *LoginTokenSource) Token(ctx context.Context, force bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !force && s.token != "" && time.Now().Before(s.expiresAt.Add(-expirySlack)) {
		return s.token, nil
	}

	payload, err := json.Marshal(map[string]string{
		"projectId": s.projectID,
		"userName":  s.username,
		"password":  s.password,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("authorize request failed: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("authorize failed with status %d: %s", resp.StatusCode, truncate(data))
	}

	var out struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(data, &out); err != nil || out.Data == "" {
		return "", fmt.Errorf("authorize returned an unusable token payload")
	}

	s.token = out.Data
	s.expiresAt = tokenExpiry(out.Data)
	s.logger.Debug("credential refreshed", zap.Time("expires_at", s.expiresAt))
	return s.token, nil
}

// tokenExpiry reads the exp claim without verifying the signature; the
// server remains the authority, the claim only schedules proactive refresh.
func tokenExpiry(token string) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Now().Add(time.Hour)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Now().Add(time.Hour)
	}
	return exp.Time
}
