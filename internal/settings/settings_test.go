package settings

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dicklesworthstone/clipagent/internal/store"
)

var testDefaults = Defaults{
	APIBase:    "https://api.clipagent.app",
	WebappBase: "https://clipagent.app",
}

func TestGet_AppliesDefaults(t *testing.T) {
	s := NewStore(store.NewMemory(), testDefaults)

	got, err := s.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://api.clipagent.app", got.APIBase)
	assert.Equal(t, "https://clipagent.app", got.WebappBase)
	assert.False(t, got.DefaultAnalyzeFrames)
}

func TestSave_WritesAllKeysOnce(t *testing.T) {
	kv := store.NewMemory()
	s := NewStore(kv, testDefaults)
	ctx := context.Background()

	saved, err := s.Save(ctx, Settings{
		APIBase:              "http://127.0.0.1:8080/",
		WebappBase:           "https://staging.clipagent.app",
		DefaultAnalyzeFrames: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8080", saved.APIBase)
	assert.True(t, saved.DefaultAnalyzeFrames)

	for _, key := range []string{store.KeyAPIBase, store.KeyWebappBase, store.KeyDefaultAnalyzeFrames} {
		assert.Equal(t, 1, kv.Writes(key), "key %s", key)
	}

	base, err := s.APIBase(ctx)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8080", base)
}

func TestSave_EmptyResetsToDefault(t *testing.T) {
	s := NewStore(store.NewMemory(), testDefaults)
	ctx := context.Background()

	_, err := s.Save(ctx, Settings{APIBase: "https://other.example"})
	require.NoError(t, err)

	got, err := s.Save(ctx, Settings{})
	require.NoError(t, err)
	assert.Equal(t, testDefaults.APIBase, got.APIBase)
}

func TestSave_RejectsInvalidAndKeepsPrevious(t *testing.T) {
	kv := store.NewMemory()
	s := NewStore(kv, testDefaults)
	ctx := context.Background()

	_, err := s.Save(ctx, Settings{APIBase: "http://evil.example"})
	require.ErrorIs(t, err, ErrInvalidURL)
	assert.Equal(t, 0, kv.Writes(store.KeyAPIBase))

	got, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, testDefaults.APIBase, got.APIBase)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "", false},
		{"https://api.example.com/", "https://api.example.com", false},
		{"https://api.example.com/v1//", "https://api.example.com/v1", false},
		{"http://localhost:3000", "http://localhost:3000", false},
		{"http://[::1]:3000", "http://[::1]:3000", false},
		{"http://api.example.com", "", true},
		{"ftp://api.example.com", "", true},
		{"https://", "", true},
		{"https://api.example.com/?x=1", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Normalize(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSetDefaults(t *testing.T) {
	s := NewStore(store.NewMemory(), testDefaults)
	s.SetDefaults(Defaults{APIBase: "https://eu.clipagent.app", WebappBase: "https://eu.app", DefaultAnalyzeFrames: true})

	got, err := s.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://eu.clipagent.app", got.APIBase)
	assert.True(t, got.DefaultAnalyzeFrames)
}
