// Package settings stores the user-editable endpoint overrides and feature
// toggles read by every outbound request.
package settings

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/Dicklesworthstone/clipagent/internal/store"
)

// ErrInvalidURL marks a rejected endpoint override.
var ErrInvalidURL = errors.New("invalid endpoint url")

// Settings are the user's preferences. Zero strings mean "use the default".
type Settings struct {
	APIBase              string `json:"apiBase"`
	WebappBase           string `json:"webappBase"`
	DefaultAnalyzeFrames bool   `json:"defaultAnalyzeFrames"`
}

// Defaults supplies values for keys that were never saved.
type Defaults struct {
	APIBase              string
	WebappBase           string
	DefaultAnalyzeFrames bool
}

// Store reads and writes Settings.
type Store struct {
	kv store.Store

	mu       sync.RWMutex
	defaults Defaults
}

// NewStore returns a settings store with the given defaults.
func NewStore(kv store.Store, defaults Defaults) *Store {
	return &Store{kv: kv, defaults: defaults}
}

// SetDefaults replaces the defaults, for instance after a config reload.
// Saved values are unaffected.
func (s *Store) SetDefaults(d Defaults) {
	s.mu.Lock()
	s.defaults = d
	s.mu.Unlock()
}

// Get returns the saved settings with defaults applied to absent keys.
func (s *Store) Get(ctx context.Context) (Settings, error) {
	s.mu.RLock()
	out := Settings{
		APIBase:              s.defaults.APIBase,
		WebappBase:           s.defaults.WebappBase,
		DefaultAnalyzeFrames: s.defaults.DefaultAnalyzeFrames,
	}
	s.mu.RUnlock()

	var apiBase, webappBase string
	if _, err := s.kv.Get(ctx, store.KeyAPIBase, &apiBase); err != nil {
		return Settings{}, err
	}
	if _, err := s.kv.Get(ctx, store.KeyWebappBase, &webappBase); err != nil {
		return Settings{}, err
	}
	if _, err := s.kv.Get(ctx, store.KeyDefaultAnalyzeFrames, &out.DefaultAnalyzeFrames); err != nil {
		return Settings{}, err
	}
	if apiBase != "" {
		out.APIBase = apiBase
	}
	if webappBase != "" {
		out.WebappBase = webappBase
	}
	return out, nil
}

// APIBase is a shortcut used on every request.
func (s *Store) APIBase(ctx context.Context) (string, error) {
	st, err := s.Get(ctx)
	if err != nil {
		return "", err
	}
	return st.APIBase, nil
}

// Save validates and writes all settings in one operation. Empty bases
// reset to the defaults. The normalized settings are returned.
func (s *Store) Save(ctx context.Context, in Settings) (Settings, error) {
	apiBase, err := Normalize(in.APIBase)
	if err != nil {
		return Settings{}, fmt.Errorf("apiBase: %w", err)
	}
	webappBase, err := Normalize(in.WebappBase)
	if err != nil {
		return Settings{}, fmt.Errorf("webappBase: %w", err)
	}

	if err := s.kv.SetMany(ctx, map[string]any{
		store.KeyAPIBase:              apiBase,
		store.KeyWebappBase:           webappBase,
		store.KeyDefaultAnalyzeFrames: in.DefaultAnalyzeFrames,
	}); err != nil {
		return Settings{}, fmt.Errorf("save settings: %w", err)
	}
	return s.Get(ctx)
}

// Normalize validates an endpoint base url and strips trailing slashes.
// Only https is accepted, except plain http to a loopback host for local
// development. An empty value is returned as is.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "https" && !(scheme == "http" && isLoopbackHost(host)) {
		return "", fmt.Errorf("%w: refusing scheme %q for host %q", ErrInvalidURL, u.Scheme, host)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("%w: base url must not carry a query or fragment", ErrInvalidURL)
	}
	return strings.TrimRight(raw, "/"), nil
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
