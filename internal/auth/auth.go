// Package auth owns token validity for the daemon.
//
// At most one refresh call is in flight at any time; concurrent callers
// share its outcome. The session is cleared only by Logout or by the
// request pipeline's Invalidate after an unrecoverable 401.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Dicklesworthstone/clipagent/internal/api"
	"github.com/Dicklesworthstone/clipagent/internal/apierr"
	"github.com/Dicklesworthstone/clipagent/internal/credential"
	"github.com/Dicklesworthstone/clipagent/internal/notify"
)

const (
	// DefaultLookahead is how long before expiry a token is refreshed.
	DefaultLookahead = 72 * time.Hour

	refreshTimeout = 30 * time.Second
	refreshKey     = "refresh"
)

// Remote is the part of the API the coordinator talks to directly.
type Remote interface {
	RefreshToken(ctx context.Context, token string) (*api.TokenResponse, error)
	Login(ctx context.Context, email, password string) (*api.TokenResponse, error)
}

// Status is the login state reported to surfaces.
type Status struct {
	IsLoggedIn bool             `json:"isLoggedIn"`
	User       *credential.User `json:"user,omitempty"`
	ExpiresAt  *time.Time       `json:"expiresAt,omitempty"`
	Reason     string           `json:"reason,omitempty"`
}

// Coordinator implements api.Authenticator over a credential store.
type Coordinator struct {
	creds  *credential.Store
	remote Remote
	pub    notify.Publisher
	logger *slog.Logger
	now    func() time.Time

	lookahead atomic.Int64
	group     singleflight.Group

	// mu serializes every write to the credential so a refresh cannot
	// resurrect a session that was cleared while it was in flight.
	mu sync.Mutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithLookahead sets the proactive refresh window.
func WithLookahead(d time.Duration) Option {
	return func(c *Coordinator) { c.SetLookahead(d) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns a coordinator. pub may be nil.
func New(creds *credential.Store, remote Remote, pub notify.Publisher, opts ...Option) *Coordinator {
	c := &Coordinator{
		creds:  creds,
		remote: remote,
		pub:    pub,
		logger: slog.Default(),
		now:    time.Now,
	}
	c.lookahead.Store(int64(DefaultLookahead))
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetLookahead changes the proactive refresh window. Non-positive values
// are ignored.
func (c *Coordinator) SetLookahead(d time.Duration) {
	if d > 0 {
		c.lookahead.Store(int64(d))
	}
}

// Lookahead returns the proactive refresh window.
func (c *Coordinator) Lookahead() time.Duration {
	return time.Duration(c.lookahead.Load())
}

// EnsureValid returns the token to use for the next request. When the
// stored token expires within the lookahead window it is refreshed first,
// joining a refresh already in flight if there is one. A failed refresh
// leaves the current token in place and it is returned as is.
func (c *Coordinator) EnsureValid(ctx context.Context) (string, error) {
	cred, err := c.creds.Get(ctx)
	if err != nil {
		return "", err
	}
	if cred == nil {
		return "", nil
	}
	if !cred.ExpiresWithin(c.Lookahead(), c.now()) {
		return cred.Token, nil
	}

	refreshed, err := c.Refresh(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return "", apierr.Wrap(apierr.KindNetwork, ctx.Err(), "refresh interrupted")
		}
		c.logger.Warn("proactive refresh failed, keeping current token",
			"expires_at", cred.ExpiresAt.Format(time.RFC3339),
			"error", err)
		return cred.Token, nil
	}
	return refreshed.Token, nil
}

// Refresh exchanges the stored token for a new one and stores it. Callers
// arriving while a refresh is in flight wait for that refresh instead of
// starting another. The shared call is not cancelled when the caller that
// started it goes away; each waiter stops waiting when its own ctx ends.
//
// On failure the stored credential is left untouched.
func (c *Coordinator) Refresh(ctx context.Context) (*credential.Credential, error) {
	ch := c.group.DoChan(refreshKey, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return c.refresh(rctx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*credential.Credential).Clone(), nil
	}
}

func (c *Coordinator) refresh(ctx context.Context) (*credential.Credential, error) {
	cur, err := c.creds.Get(ctx)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, apierr.New(apierr.KindLoginRequired, "no session to refresh")
	}

	c.logger.Debug("refreshing token", "token", RedactToken(cur.Token))
	resp, err := c.remote.RefreshToken(ctx, cur.Token)
	if err != nil {
		c.logger.Warn("token refresh failed", "error", err)
		return nil, err
	}

	next := credential.Credential{
		Token:     resp.AccessToken,
		ExpiresAt: credential.ResolveExpiry(resp.AccessToken, resp.ExpiresIn, c.now()),
		User:      cur.User,
	}
	if resp.User != nil {
		next.User = resp.User
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	latest, err := c.creds.Get(ctx)
	if err != nil {
		return nil, err
	}
	if latest == nil || latest.Token != cur.Token {
		return nil, apierr.New(apierr.KindLoginRequired, "session changed during refresh")
	}
	if err := c.creds.Set(ctx, next); err != nil {
		return nil, fmt.Errorf("store refreshed token: %w", err)
	}

	c.logger.Info("token refreshed", "expires_at", formatExpiry(next.ExpiresAt))
	return &next, nil
}

// Invalidate clears the session after an unrecoverable 401 and announces
// the logout. Concurrent calls for the same session announce it once.
func (c *Coordinator) Invalidate(ctx context.Context, reason string) {
	cleared, err := c.clear(ctx)
	if err != nil {
		c.logger.Error("clear session failed", "reason", reason, "error", err)
		return
	}
	if !cleared {
		return
	}
	c.logger.Info("session invalidated", "reason", reason)
	c.publish(ctx, Status{IsLoggedIn: false, Reason: reason})
}

// Logout ends the session. Logging out twice is not an error.
func (c *Coordinator) Logout(ctx context.Context) error {
	cleared, err := c.clear(ctx)
	if err != nil {
		return err
	}
	if cleared {
		c.logger.Info("logged out")
		c.publish(ctx, Status{IsLoggedIn: false, Reason: "logout"})
	}
	return nil
}

func (c *Coordinator) clear(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, err := c.creds.Get(ctx)
	if err != nil {
		return false, err
	}
	if cur == nil {
		return false, nil
	}
	if err := c.creds.Clear(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// SetToken installs a token handed over by the web app. expiresIn is in
// seconds; zero means unknown, in which case a JWT exp claim is used if
// present.
func (c *Coordinator) SetToken(ctx context.Context, token string, user *credential.User, expiresIn int64) (Status, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Status{}, apierr.New(apierr.KindInvalidRequest, "token is required")
	}
	cred := credential.Credential{
		Token:     token,
		ExpiresAt: credential.ResolveExpiry(token, expiresIn, c.now()),
		User:      user,
	}

	c.mu.Lock()
	err := c.creds.Set(ctx, cred)
	c.mu.Unlock()
	if err != nil {
		return Status{}, err
	}

	st := statusOf(&cred)
	c.logger.Info("session token set", "expires_at", formatExpiry(cred.ExpiresAt))
	c.publish(ctx, st)
	return st, nil
}

// Login authenticates with email and password.
func (c *Coordinator) Login(ctx context.Context, email, password string) (Status, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return Status{}, apierr.New(apierr.KindInvalidRequest, "email and password are required")
	}
	resp, err := c.remote.Login(ctx, email, password)
	if err != nil {
		return Status{}, err
	}
	return c.SetToken(ctx, resp.AccessToken, resp.User, resp.ExpiresIn)
}

// Status reports the current login state.
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	cred, err := c.creds.Get(ctx)
	if err != nil {
		return Status{}, err
	}
	return statusOf(cred), nil
}

func (c *Coordinator) publish(ctx context.Context, st Status) {
	if c.pub == nil {
		return
	}
	c.pub.Publish(ctx, notify.TypeAuthChanged, "", st)
}

func statusOf(cred *credential.Credential) Status {
	if cred == nil {
		return Status{}
	}
	st := Status{IsLoggedIn: true, User: cred.User}
	if cred.HasExpiry() {
		exp := cred.ExpiresAt
		st.ExpiresAt = &exp
	}
	return st
}

func formatExpiry(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.UTC().Format(time.RFC3339)
}

// RedactToken keeps at most the first and last two characters.
func RedactToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:2] + "…" + token[len(token)-2:]
}
