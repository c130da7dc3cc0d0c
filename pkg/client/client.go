// Package client is the Go SDK for the simulation server: REST helpers
// for tokens, limits and health plus a WebSocket connection that speaks
// the envelope protocol.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/simutrador/pkg/protocol"
)

// APIError is a non-2xx REST response.
type APIError struct {
	Status int
	Code   protocol.ErrorCode
	Msg    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d %s: %s", e.Status, e.Code, e.Msg)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, e.Msg)
}

var ErrNoToken = errors.New("client has no token; call FetchToken first")

// Client talks to one server. BaseURL is the http(s) root; the WebSocket
// URL is derived from it.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger

	token     string
	expiresAt time.Time
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.http = h
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithToken skips the key exchange.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns the bearer token in use ("" before FetchToken).
func (c *Client) Token() string {
	return c.token
}

// FetchToken exchanges the API key for a bearer token and keeps it.
func (c *Client) FetchToken(ctx context.Context) (protocol.TokenResponse, error) {
	var resp protocol.TokenResponse
	err := c.do(ctx, http.MethodPost, "/token", func(r *http.Request) {
		r.Header.Set("X-API-Key", c.apiKey)
	}, &resp)
	if err != nil {
		return protocol.TokenResponse{}, err
	}
	c.token = resp.AccessToken
	c.expiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	c.logger.Debug("token_issued", zap.String("user_id", resp.UserID), zap.Int("expires_in", resp.ExpiresIn))
	return resp, nil
}

// Limits returns the plan limits and today's usage.
func (c *Client) Limits(ctx context.Context) (protocol.UserLimitsResponse, error) {
	if c.token == "" {
		return protocol.UserLimitsResponse{}, ErrNoToken
	}
	var resp protocol.UserLimitsResponse
	err := c.do(ctx, http.MethodGet, "/limits", c.bearer, &resp)
	return resp, err
}

func (c *Client) Health(ctx context.Context) (protocol.HealthStatus, error) {
	var resp protocol.HealthStatus
	err := c.do(ctx, http.MethodGet, "/health", nil, &resp)
	return resp, err
}

func (c *Client) bearer(r *http.Request) {
	r.Header.Set("Authorization", protocol.TokenTypeBearer+" "+c.token)
}

func (c *Client) do(ctx context.Context, method, path string, prepare func(*http.Request), out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	if prepare != nil {
		prepare(req)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var body protocol.RESTError
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return &APIError{Status: resp.StatusCode, Code: body.Code, Msg: body.Error}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// wsURL maps http(s)://host/... to ws(s)://host/path.
func (c *Client) wsURL(path string, query url.Values) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String(), nil
}
