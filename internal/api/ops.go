package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"taskengine/internal/dispatch"
	"taskengine/internal/reaper"
	"taskengine/internal/store"
)

var errInvalidLimit = errors.New("limit must be a positive integer")

type callbackResponse struct {
	Success bool `json:"success"`
	*dispatch.IngestResult
}

func callbackHandler(ingestor Ingestor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload CallbackRequest
		if err := readJson(w, r, &payload); err != nil {
			return
		}
		if err := payload.validate(); err != nil {
			writeError(w, badRequest(err.Error()))
			return
		}

		result, err := ingestor.Ingest(r.Context(), payload.toCallback())
		if err != nil {
			serveError(w, err)
			return
		}
		serveJson(w, callbackResponse{Success: true, IngestResult: result})
	}
}

func sweepHandler(sweeper Sweeper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload SweepRequest
		if err := readOptionalJson(w, r, &payload); err != nil {
			return
		}
		if err := payload.validate(); err != nil {
			writeError(w, badRequest(err.Error()))
			return
		}

		var result *reaper.Result
		var err error
		if payload.OlderThanMinutes != nil {
			result, err = sweeper.SweepOnce(r.Context(), time.Duration(*payload.OlderThanMinutes)*time.Minute)
		} else {
			result, err = sweeper.Sweep(r.Context())
		}
		if err != nil {
			serveError(w, err)
			return
		}

		log.Info().Int("reaped", result.Reaped).Msg("Manual reaper sweep")
		serveJson(w, result)
	}
}

func activitiesHandler(lister ActivityLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		limit, err := parseLimit(query.Get("limit"))
		if err != nil {
			writeError(w, badRequest(err.Error()))
			return
		}

		activities, err := lister.ListActivities(r.Context(), store.ActivityFilter{
			CustomerID: query.Get("customer_id"),
			EventType:  query.Get("event_type"),
			Limit:      limit,
		})
		if err != nil {
			serveError(w, err)
			return
		}
		serveJson(w, activities)
	}
}
