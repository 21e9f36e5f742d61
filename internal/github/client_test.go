// internal/github/client_test.go
package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	custom_errors "repo-crawler/internal/errors"
)

// setupTestClient creates a httptest server and a client pointing to it.
func setupTestClient(t *testing.T, handler http.Handler) *Client {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	client, err := newClient(server.Client(), Options{BaseURL: server.URL}, logger)
	require.NoError(t, err)
	return client
}

func TestClient_GetRepository_Retry(t *testing.T) {
	t.Run("succeeds on first try", func(t *testing.T) {
		var requestCount int32
		client := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&requestCount, 1)
			assert.Equal(t, "/repos/test/repo", r.URL.Path)
			fmt.Fprintln(w, `{"id": 1, "name": "repo", "owner": {"login": "test"}}`)
		}))

		repo, err := client.GetRepository(context.Background(), "test", "repo")

		require.NoError(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&requestCount))
		assert.Equal(t, "repo", repo.Name)
		assert.Equal(t, "test", repo.Owner)
	})

	t.Run("retries on 503 server error and succeeds", func(t *testing.T) {
		var requestCount int32
		client := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&requestCount, 1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			fmt.Fprintln(w, `{"id": 1, "name": "repo", "owner": {"login": "test"}}`)
		}))

		_, err := client.GetRepository(context.Background(), "test", "repo")

		require.NoError(t, err)
		assert.Equal(t, int32(2), atomic.LoadInt32(&requestCount), "should have made two requests")
	})

	t.Run("fails after max retries on persistent server error", func(t *testing.T) {
		var requestCount int32
		client := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&requestCount, 1)
			w.WriteHeader(http.StatusInternalServerError)
		}))

		_, err := client.GetRepository(context.Background(), "test", "repo")

		require.Error(t, err)
		var tErr *custom_errors.TransportError
		assert.ErrorAs(t, err, &tErr)
		assert.Equal(t, int32(maxRetries), atomic.LoadInt32(&requestCount))
	})

	t.Run("maps 404 to not found without retrying", func(t *testing.T) {
		var requestCount int32
		client := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&requestCount, 1)
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintln(w, `{"message": "Not Found"}`)
		}))

		_, err := client.GetRepository(context.Background(), "gone", "repo")

		assert.ErrorIs(t, err, custom_errors.ErrNotFound)
		assert.Equal(t, int32(1), atomic.LoadInt32(&requestCount))
	})

	t.Run("maps exhausted quota to rate limited error", func(t *testing.T) {
		resetTime := time.Now().Add(time.Hour).Truncate(time.Second)
		client := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-RateLimit-Limit", "60")
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetTime.Unix()))
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprintln(w, `{"message": "API rate limit exceeded for 127.0.0.1."}`)
		}))

		_, err := client.GetRepository(context.Background(), "test", "repo")

		var rlErr *custom_errors.RateLimitedError
		require.ErrorAs(t, err, &rlErr)
		assert.True(t, rlErr.Reset.Equal(resetTime))
	})
}

func TestClient_RateLimit(t *testing.T) {
	reset := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	client := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rate_limit", r.URL.Path)
		fmt.Fprintf(w, `{"resources": {"core": {"limit": 5000, "remaining": 4321, "reset": %d}}}`, reset.Unix())
	}))

	quota, err := client.RateLimit(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 4321, quota.Remaining)
	assert.Equal(t, 5000, quota.Limit)
	assert.True(t, quota.Reset.Equal(reset))
}

func TestClient_ListStargazers_Paging(t *testing.T) {
	client := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/foo/bar/stargazers", r.URL.Path)
		assert.Equal(t, "3", r.URL.Query().Get("page"), "zero-based page 2 is API page 3")
		assert.Equal(t, "2", r.URL.Query().Get("per_page"))
		fmt.Fprintln(w, `[
			{"starred_at": "2024-01-01T12:00:00Z", "user": {"login": "alice"}},
			{"starred_at": "2024-01-02T12:00:00Z", "user": {"login": "bob"}}
		]`)
	}))

	stars, err := client.ListStargazers(context.Background(), "foo", "bar", 2, 2)

	require.NoError(t, err)
	require.Len(t, stars, 2)
	assert.Equal(t, "alice", stars[0].Login)
	assert.Equal(t, time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC), stars[1].StarredAt.UTC())
}

func TestClient_ListForksAndFollowers(t *testing.T) {
	client := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/foo/bar/forks":
			assert.Equal(t, "oldest", r.URL.Query().Get("sort"))
			fmt.Fprintln(w, `[{"name": "bar", "owner": {"login": "carol"}, "created_at": "2024-02-01T00:00:00Z"}]`)
		case "/users/carol/followers":
			fmt.Fprintln(w, `[{"login": "dave"}, {"login": "erin"}]`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	forks, err := client.ListForks(context.Background(), "foo", "bar", 0, 100)
	require.NoError(t, err)
	require.Len(t, forks, 1)
	assert.Equal(t, "carol/bar", forks[0].FullName())

	followers, err := client.ListFollowers(context.Background(), "carol", 0, 100)
	require.NoError(t, err)
	assert.Len(t, followers, 2)
	assert.Equal(t, "erin", followers[1].Login)
}

func TestClient_GetCommitAuthorLogin(t *testing.T) {
	client := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/foo/bar/commits/abc":
			fmt.Fprintln(w, `{"sha": "abc", "author": {"login": "alice"}}`)
		case "/repos/foo/bar/commits/def":
			fmt.Fprintln(w, `{"sha": "def", "author": null}`)
		default:
			w.WriteHeader(http.StatusUnprocessableEntity)
			fmt.Fprintln(w, `{"message": "No commit found for SHA"}`)
		}
	}))

	login, ok, err := client.GetCommitAuthorLogin(context.Background(), "foo", "bar", "abc")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "alice", login)

	_, ok, err = client.GetCommitAuthorLogin(context.Background(), "foo", "bar", "def")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = client.GetCommitAuthorLogin(context.Background(), "foo", "bar", "zzz")
	assert.ErrorIs(t, err, custom_errors.ErrNotFound)
}
