// Package newsapi exposes the read-only dashboard and the job trigger endpoints.
package newsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/sentinel/internal/news"
	"github.com/linnemanlabs/sentinel/internal/schedule"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Reader defines the store queries the API needs.
type Reader interface {
	Stats(ctx context.Context, day time.Time) (news.Stats, error)
	ListFlashes(ctx context.Context, q news.FlashQuery) ([]*news.FlashRecord, error)
	ListReports(ctx context.Context, limit int) ([]*news.Report, error)
}

// Jobs defines the scheduler operations the API needs.
type Jobs interface {
	Snapshot() []schedule.JobStatus
	RunNow(ctx context.Context, id string) error
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	store  Reader
	jobs   Jobs
	now    func() time.Time
}

// New creates a new API handler.
func New(logger log.Logger, store Reader, jobs Jobs) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if store == nil {
		panic(xerrors.New("news store is required"))
	}
	if jobs == nil {
		panic(xerrors.New("job scheduler is required"))
	}
	return &API{
		logger: logger,
		store:  store,
		jobs:   jobs,
		now:    time.Now,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stats", a.handleStats)
		r.Get("/flashes", a.handleListFlashes)
		r.Get("/reports", a.handleListReports)
		r.Get("/jobs", a.handleListJobs)
		r.Post("/jobs/{id}/run", a.handleRunJob)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

// limitParam reads ?limit, clamped to [1, maxLimit]. ok is false for a malformed value.
func limitParam(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return min(n, maxLimit), true
}
