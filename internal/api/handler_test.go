// internal/api/handler_test.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repo-crawler/internal/credentials"
	"repo-crawler/internal/github"
	"repo-crawler/internal/github/githubtest"
	"repo-crawler/internal/model"
	"repo-crawler/internal/store/memory"
)

type downStore struct {
	*memory.Store
}

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRouter(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	_, err := mem.RegisterSource(ctx, "GitHub", "github.com")
	require.NoError(t, err)

	api := githubtest.New()
	api.SetRemaining(4321)
	pool, err := credentials.NewPool(ctx, []string{"ghp_abcdefgh"}, func(string) (github.API, error) { return api, nil },
		credentials.PoolOptions{}, discardLogger())
	require.NoError(t, err)

	router := NewRouter(mem, pool, discardLogger())

	t.Run("health", func(t *testing.T) {
		rec := get(t, router, "/health")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

		rec = get(t, NewRouter(downStore{mem}, nil, discardLogger()), "/health")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("quota", func(t *testing.T) {
		rec := get(t, router, "/v1/quota")
		require.Equal(t, http.StatusOK, rec.Code)
		var views []quotaView
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
		require.Len(t, views, 2)
		assert.Equal(t, "ghp_a...", views[0].Credential)
		assert.Equal(t, "anonymous", views[1].Credential)
		assert.Equal(t, 4321, views[0].Remaining)

		rec = get(t, NewRouter(mem, nil, discardLogger()), "/v1/quota")
		assert.JSONEq(t, `[]`, rec.Body.String())
	})

	t.Run("sources", func(t *testing.T) {
		rec := get(t, router, "/v1/sources")
		require.Equal(t, http.StatusOK, rec.Code)
		var sources []model.Source
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sources))
		require.Len(t, sources, 1)
		assert.Equal(t, "github.com", sources[0].URLRoot)
	})

	t.Run("metrics", func(t *testing.T) {
		rec := get(t, router, "/metrics")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "crawler_credential_remaining_queries")
	})
}
