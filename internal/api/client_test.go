package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dicklesworthstone/clipagent/internal/apierr"
	"github.com/Dicklesworthstone/clipagent/internal/credential"
)

type fakeAuth struct {
	mu           sync.Mutex
	token        string
	refreshed    string
	refreshErr   error
	refreshCalls int
	invalidated  []string
}

func (f *fakeAuth) EnsureValid(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, nil
}

func (f *fakeAuth) Refresh(context.Context) (*credential.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	f.token = f.refreshed
	return &credential.Credential{Token: f.refreshed}, nil
}

func (f *fakeAuth) Invalidate(_ context.Context, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = ""
	f.invalidated = append(f.invalidated, reason)
}

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(StaticBase(srv.URL)), srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestCall_InjectsBearerToken(t *testing.T) {
	var gotAuth, gotUA, gotReqID string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUA = r.Header.Get("User-Agent")
		gotReqID = r.Header.Get("X-Request-Id")
		writeJSON(w, http.StatusOK, map[string]any{"tier": "pro", "credits_used": 3, "credits_total": 10})
	})
	client.SetAuthenticator(&fakeAuth{token: "tok-1"})

	credits, err := client.Credits(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-1", gotAuth)
	assert.Equal(t, UserAgent, gotUA)
	assert.NotEmpty(t, gotReqID)
	assert.Equal(t, "pro", credits.Tier)
	assert.Equal(t, 7, credits.Remaining())
}

func TestCall_RequiredAuthFailsLocallyWhenLoggedOut(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})
	client.SetAuthenticator(&fakeAuth{})

	_, err := client.GetJob(context.Background(), "J1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrLoginRequired))
	assert.Zero(t, calls.Load())
}

func TestCall_401RefreshAndRetrySucceeds(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		writeJSON(w, http.StatusOK, Job{ID: "J1", Status: "downloading", Progress: 10})
	})
	auth := &fakeAuth{token: "stale", refreshed: "fresh"}
	client.SetAuthenticator(auth)

	job, err := client.GetJob(context.Background(), "J1")
	require.NoError(t, err)
	assert.Equal(t, "downloading", job.Status)
	assert.Equal(t, int32(2), calls.Load(), "original request plus one retry")
	assert.Equal(t, 1, auth.refreshCalls)
	assert.Empty(t, auth.invalidated)
}

func TestCall_401RefreshFailsInvalidates(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})
	auth := &fakeAuth{token: "stale", refreshErr: apierr.New(apierr.KindNetwork, "down")}
	client.SetAuthenticator(auth)

	_, err := client.GetJob(context.Background(), "J1")
	require.Error(t, err)
	assert.Equal(t, apierr.KindUnauthorized, apierr.KindOf(err))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, auth.refreshCalls)
	assert.Len(t, auth.invalidated, 1)
}

func TestCall_RetryAlso401DoesNotLoop(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})
	auth := &fakeAuth{token: "stale", refreshed: "also-bad"}
	client.SetAuthenticator(auth)

	err := client.CancelJob(context.Background(), "J1")
	require.Error(t, err)
	assert.Equal(t, apierr.KindUnauthorized, apierr.KindOf(err))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 1, auth.refreshCalls)
	assert.Len(t, auth.invalidated, 1)
}

func TestCall_401WithoutTokenIsPlainUnauthorized(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	auth := &fakeAuth{}
	client.SetAuthenticator(auth)

	err := client.Call(context.Background(), Request{Path: "/public"}, nil)
	assert.Equal(t, apierr.KindUnauthorized, apierr.KindOf(err))
	assert.Zero(t, auth.refreshCalls)
}

func TestCall_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind apierr.Kind
		wantMsg  string
	}{
		{"feature locked", 403, `{"error":"feature_locked","message":"Upgrade to analyze frames","feature":"frames"}`, apierr.KindFeatureLocked, "Upgrade to analyze frames"},
		{"insufficient credits", 403, `{"error":"insufficient_credits","message":"Out of credits"}`, apierr.KindInsufficientCredits, "Out of credits"},
		{"login required", 403, `{"error":"login_required"}`, apierr.KindLoginRequired, "Forbidden"},
		{"unstructured 403", 403, `{"error":"banned"}`, apierr.KindHTTP, "Forbidden"},
		{"not found", 404, ``, apierr.KindNotFound, "Not Found"},
		{"server error", 502, `bad gateway`, apierr.KindHTTP, "bad gateway"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			client.SetAuthenticator(&fakeAuth{token: "tok"})

			_, err := client.AddResource(context.Background(), AddResourceRequest{URL: "https://example.com/v"})
			require.Error(t, err)

			var e *apierr.Error
			require.True(t, errors.As(err, &e))
			assert.Equal(t, tt.wantKind, e.Kind)
			assert.Equal(t, tt.status, e.Status)
			assert.Equal(t, tt.wantMsg, e.Message)
		})
	}
}

func TestCall_StructuredDetailsPassThrough(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]any{"error": "feature_locked", "message": "nope", "upgrade_url": "https://clipagent.app/pricing"})
	})
	client.SetAuthenticator(&fakeAuth{token: "tok"})

	_, err := client.AddResource(context.Background(), AddResourceRequest{URL: "https://example.com/v"})
	var e *apierr.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "https://clipagent.app/pricing", e.Details["upgrade_url"])
	assert.True(t, errors.Is(err, apierr.ErrFeatureLocked))
}

func TestCall_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	client := New(StaticBase(srv.URL))
	client.SetAuthenticator(&fakeAuth{token: "tok"})

	_, err := client.GetJob(context.Background(), "J1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrNetwork))
	assert.True(t, apierr.Transient(err))
}

func TestAddResource_SendsBodyAndParsesJob(t *testing.T) {
	var got AddResourceRequest
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, PathAddResource, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusOK, map[string]any{"job": Job{ID: "J1", Status: "queued"}})
	})
	client.SetAuthenticator(&fakeAuth{token: "tok"})

	job, err := client.AddResource(context.Background(), AddResourceRequest{URL: "https://youtu.be/x", AnalyzeFrames: true})
	require.NoError(t, err)
	assert.Equal(t, "J1", job.ID)
	assert.Equal(t, "https://youtu.be/x", got.URL)
	assert.True(t, got.AnalyzeFrames)
}

func TestListJobs_UsesActiveFilter(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("active"))
		writeJSON(w, http.StatusOK, map[string]any{"jobs": []Job{{ID: "J1", Status: "analyzing"}, {ID: "J2", Status: "queued"}}})
	})
	client.SetAuthenticator(&fakeAuth{token: "tok"})

	jobs, err := client.ListJobs(context.Background())
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestRefreshToken_NeverRetries(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})
	auth := &fakeAuth{token: "tok"}
	client.SetAuthenticator(auth)

	_, err := client.RefreshToken(context.Background(), "tok")
	assert.Equal(t, apierr.KindUnauthorized, apierr.KindOf(err))
	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, auth.refreshCalls)
}

func TestRefreshToken_RejectsEmptyToken(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"expires_in": 3600})
	})
	_, err := client.RefreshToken(context.Background(), "tok")
	assert.Error(t, err)
}

func TestLogin_PostsCredentials(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "a@example.com", body["email"])
		writeJSON(w, http.StatusOK, TokenResponse{AccessToken: "new", ExpiresIn: 60, User: &credential.User{ID: "u1"}})
	})

	resp, err := client.Login(context.Background(), "a@example.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, "new", resp.AccessToken)
	assert.Equal(t, "u1", resp.User.ID)
}
