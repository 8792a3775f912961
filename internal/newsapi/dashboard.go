package newsapi

import (
	"net/http"
	"time"

	"github.com/linnemanlabs/sentinel/internal/news"
)

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	day := a.now()
	if raw := r.URL.Query().Get("day"); raw != "" {
		d, err := time.ParseInLocation("2006-01-02", raw, day.Location())
		if err != nil {
			http.Error(w, `{"error":"invalid day, want YYYY-MM-DD"}`, http.StatusBadRequest)
			return
		}
		day = d
	}

	st, err := a.store.Stats(r.Context(), news.DayOf(day))
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to load stats")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleListFlashes(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(r)
	if !ok {
		http.Error(w, `{"error":"invalid limit"}`, http.StatusBadRequest)
		return
	}

	q := news.FlashQuery{Limit: limit}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, `{"error":"invalid since, want RFC 3339"}`, http.StatusBadRequest)
			return
		}
		q.From = since
	}

	flashes, err := a.store.ListFlashes(r.Context(), q)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list flashes")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flashes": flashes})
}

func (a *API) handleListReports(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(r)
	if !ok {
		http.Error(w, `{"error":"invalid limit"}`, http.StatusBadRequest)
		return
	}

	reports, err := a.store.ListReports(r.Context(), limit)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list reports")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
}
