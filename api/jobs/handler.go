// Package jobs exposes workload submission and inspection over HTTP.
package jobs

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/haikara-dev/gridshift/core/model"
	"github.com/haikara-dev/gridshift/core/workload"
)

// submission is the request body for POST /api/jobs.
type submission struct {
	PeakKW          float64   `json:"peak_kw"`
	AvgKW           float64   `json:"avg_kw"`
	DurationMinutes int       `json:"duration_minutes"`
	EarliestStart   time.Time `json:"earliest_start"`
	Deadline        time.Time `json:"deadline"`
	Priority        int       `json:"priority"`
}

// NewSubmitHandler returns an HTTP handler accepting job submissions via
// POST /api/jobs. Requests must include an Authorization header with
// "Bearer <token>" when token is non-empty.
func NewSubmitHandler(store workload.Store, token string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r, token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var sub submission
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		job := model.Job{
			Demand: model.DemandProfile{
				PeakKW:   sub.PeakKW,
				AvgKW:    sub.AvgKW,
				Duration: time.Duration(sub.DurationMinutes) * time.Minute,
			},
			EarliestStart: sub.EarliestStart,
			Deadline:      sub.Deadline,
			Priority:      sub.Priority,
		}
		id, err := store.Enqueue(job)
		if err != nil {
			if errors.Is(err, workload.ErrInvalidJob) {
				http.Error(w, err.Error(), http.StatusUnprocessableEntity)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		if err := json.NewEncoder(w).Encode(map[string]string{"job_id": id}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}

// NewListHandler returns an HTTP handler exposing jobs via GET /api/jobs.
// The state query parameter filters by lifecycle state.
func NewListHandler(store workload.Store, token string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r, token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		f := workload.Filter{}
		if s := r.URL.Query().Get("state"); s != "" {
			st, ok := stateFromString(s)
			if !ok {
				http.Error(w, "unknown state", http.StatusBadRequest)
				return
			}
			f.State = &st
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(store.List(f)); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}

func authorized(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+token
}

func stateFromString(s string) (model.JobState, bool) {
	for _, st := range []model.JobState{
		model.JobPending, model.JobPlanned, model.JobBooking,
		model.JobActive, model.JobCompleted, model.JobFailed,
	} {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}
