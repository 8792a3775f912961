package newsapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/sentinel/internal/schedule"
)

func (a *API) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": a.jobs.Snapshot()})
}

func (a *API) handleRunJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("sentinel.job.id", id))

	// the job outlives the request
	err := a.jobs.RunNow(context.WithoutCancel(r.Context()), id)
	switch {
	case err == nil:
		a.logger.Info(r.Context(), "job triggered manually", "job", id)
		writeJSON(w, http.StatusAccepted, map[string]any{"job": id, "status": "started"})
	case errors.Is(err, schedule.ErrUnknownJob):
		http.Error(w, `{"error":"unknown job"}`, http.StatusNotFound)
	case errors.Is(err, schedule.ErrJobRunning):
		http.Error(w, `{"error":"job already running"}`, http.StatusConflict)
	case errors.Is(err, schedule.ErrStopped):
		http.Error(w, `{"error":"shutting down"}`, http.StatusServiceUnavailable)
	default:
		a.logger.Error(r.Context(), err, "failed to trigger job", "job", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}
