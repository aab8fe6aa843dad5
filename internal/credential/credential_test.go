package credential

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dicklesworthstone/clipagent/internal/db"
	"github.com/Dicklesworthstone/clipagent/internal/store"
)

func TestStore_GetWhenLoggedOut(t *testing.T) {
	s := NewStore(store.NewMemory())

	cred, err := s.Get(context.Background())
	require.NoError(t, err)
	assert.Nil(t, cred)
}

func TestStore_SetGetClear(t *testing.T) {
	kv := store.NewMemory()
	s := NewStore(kv)
	ctx := context.Background()

	expires := time.UnixMilli(time.Now().Add(time.Hour).UnixMilli())
	require.NoError(t, s.Set(ctx, Credential{
		Token:     "tok-1",
		ExpiresAt: expires,
		User:      &User{ID: "u1", Email: "a@example.com", Name: "Ada"},
	}))

	cred, err := s.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, "tok-1", cred.Token)
	assert.True(t, cred.ExpiresAt.Equal(expires))
	require.NotNil(t, cred.User)
	assert.Equal(t, "Ada", cred.User.Name)

	// All three keys are written in one operation.
	assert.Equal(t, 1, kv.Writes(store.KeyToken))
	assert.Equal(t, 1, kv.Writes(store.KeyUser))
	assert.Equal(t, 1, kv.Writes(store.KeyTokenExpiresAt))

	require.NoError(t, s.Clear(ctx))
	cred, err = s.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, cred)

	// Clearing twice is fine.
	require.NoError(t, s.Clear(ctx))
}

func TestStore_UnknownExpiry(t *testing.T) {
	s := NewStore(store.NewMemory())
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, Credential{Token: "opaque"}))
	cred, err := s.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.False(t, cred.HasExpiry())
	assert.False(t, cred.ExpiresWithin(1000*time.Hour, time.Now()))
}

func TestStore_SetRejectsEmptyToken(t *testing.T) {
	s := NewStore(store.NewMemory())
	assert.Error(t, s.Set(context.Background(), Credential{Token: "  "}))
}

func TestCredential_ExpiresWithin(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Credential{Token: "t", ExpiresAt: now.Add(48 * time.Hour)}

	assert.True(t, c.ExpiresWithin(72*time.Hour, now))
	assert.True(t, c.ExpiresWithin(48*time.Hour, now))
	assert.False(t, c.ExpiresWithin(24*time.Hour, now))

	var nilCred *Credential
	assert.False(t, nilCred.ExpiresWithin(time.Hour, now))
}

func TestCredential_CloneIsDeep(t *testing.T) {
	c := &Credential{Token: "t", User: &User{ID: "u1"}}
	clone := c.Clone()
	clone.User.ID = "changed"
	assert.Equal(t, "u1", c.User.ID)

	var nilCred *Credential
	assert.Nil(t, nilCred.Clone())
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1",
		"exp": exp.Unix(),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestExpiryFromToken(t *testing.T) {
	exp := time.Now().Add(7 * 24 * time.Hour).Truncate(time.Second)

	got := ExpiryFromToken(signedToken(t, exp))
	assert.True(t, got.Equal(exp), "got %v, want %v", got, exp)

	assert.True(t, ExpiryFromToken("opaque-token").IsZero())
	assert.True(t, ExpiryFromToken("a.b.c").IsZero())
	assert.True(t, ExpiryFromToken("").IsZero())
}

func TestResolveExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, now.Add(time.Hour), ResolveExpiry("opaque", 3600, now))
	assert.True(t, ResolveExpiry("opaque", 0, now).IsZero())

	exp := now.Add(24 * time.Hour)
	assert.True(t, ResolveExpiry(signedToken(t, exp), 0, now).Equal(exp))
}

// switchingStore swaps in another session right after the first single-key
// read of the token, the way a concurrent SetToken would.
type switchingStore struct {
	*store.Memory
	once sync.Once
	next Credential
}

func (s *switchingStore) Get(ctx context.Context, key string, dst any) (bool, error) {
	found, err := s.Memory.Get(ctx, key, dst)
	if key == store.KeyToken {
		s.once.Do(func() { _ = NewStore(s.Memory).Set(ctx, s.next) })
	}
	return found, err
}

func (s *switchingStore) GetMany(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	values, err := s.Memory.GetMany(ctx, keys...)
	s.once.Do(func() { _ = NewStore(s.Memory).Set(ctx, s.next) })
	return values, err
}

func TestStore_GetSeesOneSession(t *testing.T) {
	ctx := context.Background()
	kv := &switchingStore{
		Memory: store.NewMemory(),
		next:   Credential{Token: "B", User: &User{ID: "bob"}},
	}
	require.NoError(t, NewStore(kv.Memory).Set(ctx, Credential{Token: "A", User: &User{ID: "alice"}}))

	cred, err := NewStore(kv).Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, cred)
	require.NotNil(t, cred.User)
	assert.Equal(t, "A", cred.Token)
	assert.Equal(t, "alice", cred.User.ID)

	// The write that raced the read is visible afterwards, whole.
	cred, err = NewStore(kv).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "B", cred.Token)
	assert.Equal(t, "bob", cred.User.ID)
}

func TestStore_ConcurrentSwitchNeverMixesSessions(t *testing.T) {
	d, err := db.OpenAt(filepath.Join(t.TempDir(), "clipagent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	sessions := map[string]string{"A": "alice", "B": "bob"}
	backends := map[string]store.Store{"memory": store.NewMemory(), "sqlite": store.NewSQLite(d)}

	for name, kv := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := NewStore(kv)
			require.NoError(t, s.Set(ctx, Credential{Token: "A", User: &User{ID: "alice"}}))

			done := make(chan struct{})
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; ; i++ {
					select {
					case <-done:
						return
					default:
					}
					switch i % 3 {
					case 0:
						_ = s.Set(ctx, Credential{Token: "B", User: &User{ID: "bob"}})
					case 1:
						_ = s.Clear(ctx)
					default:
						_ = s.Set(ctx, Credential{Token: "A", User: &User{ID: "alice"}})
					}
				}
			}()

			for i := 0; i < 300; i++ {
				cred, err := s.Get(ctx)
				require.NoError(t, err)
				if cred == nil {
					continue
				}
				require.NotNil(t, cred.User, "token %s read without its user", cred.Token)
				require.Equal(t, sessions[cred.Token], cred.User.ID)
			}
			close(done)
			wg.Wait()
		})
	}
}
