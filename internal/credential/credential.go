// Package credential persists the single session credential of this
// installation: the bearer token, its expiry and a snapshot of the user.
package credential

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Dicklesworthstone/clipagent/internal/store"
)

// User is a denormalized identity snapshot. The remote API is authoritative.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Credential is the current session.
type Credential struct {
	Token string
	// ExpiresAt is zero when the expiry is unknown; such tokens are only
	// refreshed reactively.
	ExpiresAt time.Time
	User      *User
}

// HasExpiry reports whether the expiry is known.
func (c *Credential) HasExpiry() bool {
	return c != nil && !c.ExpiresAt.IsZero()
}

// ExpiresWithin reports whether the token expires within d of now.
// Unknown expiry never does.
func (c *Credential) ExpiresWithin(d time.Duration, now time.Time) bool {
	if !c.HasExpiry() {
		return false
	}
	return !now.Add(d).Before(c.ExpiresAt)
}

// Clone returns a deep copy.
func (c *Credential) Clone() *Credential {
	if c == nil {
		return nil
	}
	out := *c
	if c.User != nil {
		u := *c.User
		out.User = &u
	}
	return &out
}

// Store reads and writes the credential key group.
type Store struct {
	kv store.Store
}

// NewStore returns a credential store over kv.
func NewStore(kv store.Store) *Store {
	return &Store{kv: kv}
}

// Get returns the current credential, or nil when logged out. Token, user
// and expiry come from one snapshot, so a concurrent Set or Clear is seen
// entirely or not at all.
func (s *Store) Get(ctx context.Context) (*Credential, error) {
	values, err := s.kv.GetMany(ctx, store.KeyToken, store.KeyUser, store.KeyTokenExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("read credential: %w", err)
	}

	var token string
	found, err := store.Decode(values, store.KeyToken, &token)
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	if !found || token == "" {
		return nil, nil
	}

	cred := &Credential{Token: token}

	var user *User
	if _, err := store.Decode(values, store.KeyUser, &user); err != nil {
		return nil, fmt.Errorf("read user: %w", err)
	}
	cred.User = user

	var expiresAtMs int64
	if _, err := store.Decode(values, store.KeyTokenExpiresAt, &expiresAtMs); err != nil {
		return nil, fmt.Errorf("read token expiry: %w", err)
	}
	if expiresAtMs > 0 {
		cred.ExpiresAt = time.UnixMilli(expiresAtMs)
	}

	return cred, nil
}

// Set replaces the credential. Token, user and expiry are written together.
func (s *Store) Set(ctx context.Context, cred Credential) error {
	if strings.TrimSpace(cred.Token) == "" {
		return fmt.Errorf("token is empty")
	}

	var expiresAtMs int64
	if !cred.ExpiresAt.IsZero() {
		expiresAtMs = cred.ExpiresAt.UnixMilli()
	}

	if err := s.kv.SetMany(ctx, map[string]any{
		store.KeyToken:          cred.Token,
		store.KeyUser:           cred.User,
		store.KeyTokenExpiresAt: expiresAtMs,
	}); err != nil {
		return fmt.Errorf("write credential: %w", err)
	}
	return nil
}

// Clear removes the credential. Clearing an absent credential is a no-op.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.kv.Delete(ctx, store.KeyToken, store.KeyUser, store.KeyTokenExpiresAt); err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	return nil
}

// ExpiryFromToken reads the exp claim of a JWT without verifying it. Opaque
// or malformed tokens return the zero time.
func ExpiryFromToken(token string) time.Time {
	if strings.Count(token, ".") != 2 {
		return time.Time{}
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// ResolveExpiry picks the expiry for a freshly issued token: expiresIn
// seconds from now when positive, else the token's own exp claim.
func ResolveExpiry(token string, expiresIn int64, now time.Time) time.Time {
	if expiresIn > 0 {
		return now.Add(time.Duration(expiresIn) * time.Second)
	}
	return ExpiryFromToken(token)
}
