// Package api is the request pipeline to the remote processing API.
//
// Every call gets the current bearer token injected, transport failures are
// reported as network errors, non-2xx responses are classified into
// apierr kinds, and a 401 triggers exactly one token refresh and one retry.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Dicklesworthstone/clipagent/internal/apierr"
	"github.com/Dicklesworthstone/clipagent/internal/credential"
)

const (
	DefaultTimeout = 30 * time.Second
	UserAgent      = "clipagent/1.0"

	maxBodyBytes = 1 << 20
)

// AuthMode says how a request uses the session token.
type AuthMode int

const (
	// AuthOptional sends the token when there is one.
	AuthOptional AuthMode = iota
	// AuthRequired fails locally with login_required when logged out.
	AuthRequired
	// AuthNone never sends a token and never retries.
	AuthNone
)

// Request describes one call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	Auth   AuthMode
}

// Authenticator supplies and repairs the session token.
type Authenticator interface {
	// EnsureValid returns the token to use, refreshing it first when it is
	// close to expiry. An empty token with a nil error means logged out.
	EnsureValid(ctx context.Context) (string, error)
	// Refresh exchanges the current token for a new one.
	Refresh(ctx context.Context) (*credential.Credential, error)
	// Invalidate ends the session after an unrecoverable 401.
	Invalidate(ctx context.Context, reason string)
}

// BaseURLSource yields the API base url. It is consulted on every call so
// settings changes apply immediately.
type BaseURLSource interface {
	APIBase(ctx context.Context) (string, error)
}

// StaticBase is a fixed BaseURLSource.
type StaticBase string

// APIBase implements BaseURLSource.
func (s StaticBase) APIBase(context.Context) (string, error) {
	return string(s), nil
}

// Client is the request pipeline.
type Client struct {
	http   *http.Client
	base   BaseURLSource
	logger *slog.Logger

	mu   sync.RWMutex
	auth Authenticator
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the per-exchange timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns a client that resolves its base url from base.
func New(base BaseURLSource, opts ...Option) *Client {
	c := &Client{
		http:   &http.Client{Timeout: DefaultTimeout},
		base:   base,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetAuthenticator attaches the token owner. Until one is set every call
// is unauthenticated.
func (c *Client) SetAuthenticator(a Authenticator) {
	c.mu.Lock()
	c.auth = a
	c.mu.Unlock()
}

func (c *Client) authenticator() Authenticator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.auth
}

// Call performs req and decodes a 2xx body into out (which may be nil).
// Failures are *apierr.Error values.
func (c *Client) Call(ctx context.Context, req Request, out any) error {
	auth := c.authenticator()
	if req.Auth == AuthNone || auth == nil {
		if req.Auth == AuthRequired {
			return apierr.New(apierr.KindLoginRequired, "sign in required")
		}
		return c.Send(ctx, req, "", out)
	}

	token, err := auth.EnsureValid(ctx)
	if err != nil {
		return apierr.From(err)
	}
	if token == "" && req.Auth == AuthRequired {
		return apierr.New(apierr.KindLoginRequired, "sign in required")
	}

	err = c.Send(ctx, req, token, out)
	if apierr.KindOf(err) != apierr.KindUnauthorized || token == "" {
		return err
	}

	c.logger.Debug("request unauthorized, refreshing token", "path", req.Path)
	cred, rerr := auth.Refresh(ctx)
	if rerr != nil && ctx.Err() != nil {
		// The caller stopped waiting; the shared refresh may still succeed.
		return apierr.Wrap(apierr.KindNetwork, ctx.Err(), "request interrupted during token refresh")
	}
	if rerr != nil || cred == nil || cred.Token == "" {
		auth.Invalidate(ctx, "token refresh failed")
		return apierr.Wrap(apierr.KindUnauthorized, rerr, "session expired")
	}

	err = c.Send(ctx, req, cred.Token, out)
	if apierr.KindOf(err) == apierr.KindUnauthorized {
		auth.Invalidate(ctx, "refreshed token rejected")
		return err
	}
	return err
}

// Send performs exactly one exchange with the given token and no retry.
func (c *Client) Send(ctx context.Context, req Request, token string, out any) error {
	target, err := c.resolve(ctx, req)
	if err != nil {
		return err
	}

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return apierr.Wrap(apierr.KindInvalidRequest, err, "encode request body")
		}
		body = bytes.NewReader(data)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return apierr.Wrap(apierr.KindInvalidRequest, err, "build request")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", UserAgent)
	httpReq.Header.Set("X-Request-Id", uuid.NewString())
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.logger.Debug("request failed", "method", method, "path", req.Path, "error", err)
		return apierr.Wrap(apierr.KindNetwork, err, "can't reach server")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return apierr.Wrap(apierr.KindNetwork, err, "read response")
	}
	c.logger.Debug("request",
		"method", method,
		"path", req.Path,
		"status", resp.StatusCode,
		"duration", time.Since(start).Round(time.Millisecond),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classify(resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &apierr.Error{
			Kind:    apierr.KindHTTP,
			Status:  resp.StatusCode,
			Message: "malformed response body",
			Cause:   err,
		}
	}
	return nil
}

func (c *Client) resolve(ctx context.Context, req Request) (string, error) {
	if c.base == nil {
		return "", apierr.New(apierr.KindInternal, "api base url not configured")
	}
	base, err := c.base.APIBase(ctx)
	if err != nil {
		return "", apierr.Wrap(apierr.KindInternal, err, "read api base url")
	}
	base = strings.TrimRight(base, "/")
	if base == "" {
		return "", apierr.New(apierr.KindInternal, "api base url is empty")
	}

	target := base + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}
	return target, nil
}

// errorBody is the structured error document the API returns.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// classify maps a non-2xx response to an *apierr.Error. The body fields
// are kept verbatim in Details for the UI.
func classify(status int, data []byte) *apierr.Error {
	e := &apierr.Error{Status: status}

	var eb errorBody
	if json.Unmarshal(data, &eb) == nil {
		e.Code = eb.Error
		e.Message = eb.Message
		var details map[string]any
		if json.Unmarshal(data, &details) == nil && len(details) > 0 {
			e.Details = details
		}
	} else if text := strings.TrimSpace(string(data)); text != "" && len(text) < 200 {
		e.Message = text
	}

	switch {
	case status == http.StatusUnauthorized:
		e.Kind = apierr.KindUnauthorized
	case status == http.StatusForbidden && apierr.IsStructured403(apierr.Kind(eb.Error)):
		e.Kind = apierr.Kind(eb.Error)
	case status == http.StatusNotFound:
		e.Kind = apierr.KindNotFound
	default:
		e.Kind = apierr.KindHTTP
	}

	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

func errorf(format string, args ...any) error {
	return apierr.New(apierr.KindHTTP, fmt.Sprintf(format, args...))
}
