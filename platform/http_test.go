package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/postpulse/am"
	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/pulse/async"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewHTTPClient(am.PlatformConfig{BaseURL: srv.URL, Token: "tok", TimeoutSeconds: 5}, zap.NewNop().Sugar())
}

func TestCreatePost(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/boards/general/posts", r.URL.Path)
		assert.Equal(t, "sess-1", r.Header.Get(SessionHeader))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var req createPostRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Hello", req.Subject)
		assert.Equal(t, "World", req.Body)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"post_id":"p-42"}`))
	})

	postID, err := client.CreatePost(context.Background(), "sess-1", "general", "Hello", "World")
	require.NoError(t, err)
	assert.Equal(t, "p-42", postID)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
		session   bool
	}{
		{"server error is retryable", http.StatusBadGateway, true, false},
		{"throttled is retryable", http.StatusTooManyRequests, true, false},
		{"unauthorized is a session failure", http.StatusUnauthorized, false, true},
		{"forbidden is a session failure", http.StatusForbidden, false, true},
		{"content rejected is terminal", http.StatusUnprocessableEntity, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"code":"x","message":"nope"}`))
			})

			_, err := client.CreatePost(context.Background(), "s", "general", "a", "b")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "nope")
			assert.Equal(t, tt.retryable, async.IsRetryable(err))
			assert.Equal(t, tt.session, errors.Is(err, errors.ErrSessionUnavailable))
		})
	}
}

func TestTransportErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewHTTPClient(am.PlatformConfig{BaseURL: url, TimeoutSeconds: 1}, zap.NewNop().Sugar())
	_, err := client.SyncPosts(context.Background(), "s", "general")
	require.Error(t, err)
	assert.True(t, async.IsRetryable(err))
}

func TestSyncPostsFillsBoard(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/boards/news/posts", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"posts":[{"post_id":"a","subject":"one"},{"post_id":"b","board_ref":"news","subject":"two"}]}`))
	})

	posts, err := client.SyncPosts(context.Background(), "s", "news")
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, "news", posts[0].BoardRef)
	assert.Equal(t, "two", posts[1].Subject)
}

func TestDeletePostMissingIsSuccess(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/v1/posts/gone", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	})

	assert.NoError(t, client.DeletePost(context.Background(), "s", "gone"))
}

func TestSessionGate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/v1/users/alice/session" && r.Method == http.MethodGet:
			_, _ = w.Write([]byte(`{"usable":true,"session_id":"sa"}`))
		case r.URL.Path == "/v1/users/bob/session" && r.Method == http.MethodGet:
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"password changed"}`))
		case r.URL.Path == "/v1/users/bob/session" && r.Method == http.MethodPost:
			_, _ = w.Write([]byte(`{"usable":true,"session_id":"sb"}`))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	gate := NewSessionGate(am.PlatformConfig{BaseURL: srv.URL, TimeoutSeconds: 5}, zap.NewNop().Sugar())
	ctx := context.Background()

	st, err := gate.GetSessionState(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, st.Usable)
	assert.Equal(t, "sa", st.SessionID)

	st, err = gate.GetSessionState(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, st.Usable)
	assert.Equal(t, "password changed", st.Reason)

	st, err = gate.RefreshSession(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, st.Usable)

	_, err = gate.GetSessionState(ctx, "carol")
	require.Error(t, err)
	assert.True(t, async.IsRetryable(err))
}

func TestGuardedClientRefusesPrivatePlatform(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("guarded client reached a loopback server")
	}))
	defer srv.Close()

	client := NewHTTPClient(am.PlatformConfig{BaseURL: srv.URL, TimeoutSeconds: 5, BlockPrivateNetwork: true}, zap.NewNop().Sugar())
	_, err := client.CreatePost(context.Background(), "s", "general", "a", "b")
	require.Error(t, err)
	assert.False(t, async.IsRetryable(err), "a blocked destination never heals by retrying")
}
