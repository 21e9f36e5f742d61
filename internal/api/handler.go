// internal/api/handler.go
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"repo-crawler/internal/credentials"
	"repo-crawler/internal/metrics"
	"repo-crawler/internal/model"
	"repo-crawler/internal/store"
)

// Handler is the container for the ops endpoints dependencies.
type Handler struct {
	store  store.Store
	pool   *credentials.Pool
	logger *slog.Logger
}

// quotaView is the JSON view of one credential quota.
type quotaView struct {
	Credential string    `json:"credential"`
	Remaining  int       `json:"remaining"`
	Limit      int       `json:"limit"`
	Reset      time.Time `json:"reset"`
	Error      string    `json:"error,omitempty"`
}

// NewRouter creates and configures a new chi router serving the crawler ops
// endpoints. pool may be nil for commands that do not talk to the API.
func NewRouter(s store.Store, pool *credentials.Pool, logger *slog.Logger) http.Handler {
	h := &Handler{
		store:  s,
		pool:   pool,
		logger: logger,
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.healthCheck)
	r.Handle("/metrics", metrics.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Get("/quota", h.getQuota)
		r.Get("/sources", h.getSources)
	})

	return r
}

// healthCheck reports whether the store answers.
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Error("Store health check failed", "error", err)
		respondWithError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// getQuota reads the live quota of every credential.
// GET /v1/quota
func (h *Handler) getQuota(w http.ResponseWriter, r *http.Request) {
	if h.pool == nil {
		respondWithJSON(w, http.StatusOK, []quotaView{})
		return
	}
	creds := h.pool.Credentials()
	views := make([]quotaView, 0, len(creds))
	for _, c := range creds {
		v := quotaView{Credential: c.Label}
		q, err := c.API.RateLimit(r.Context())
		if err != nil {
			v.Error = err.Error()
		} else {
			v.Remaining, v.Limit, v.Reset = q.Remaining, q.Limit, q.Reset
			metrics.ObserveQuota(c.Label, q.Remaining)
		}
		views = append(views, v)
	}
	respondWithJSON(w, http.StatusOK, views)
}

// getSources lists the registered sources.
// GET /v1/sources
func (h *Handler) getSources(w http.ResponseWriter, r *http.Request) {
	var sources []model.Source
	err := store.WithSession(r.Context(), h.store, func(sess store.Session) error {
		var err error
		sources, err = sess.Sources(r.Context())
		return err
	})
	if err != nil {
		h.logger.Error("Failed to list sources", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if sources == nil {
		sources = []model.Source{}
	}
	respondWithJSON(w, http.StatusOK, sources)
}
