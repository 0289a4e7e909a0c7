package jobs

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haikara-dev/gridshift/core/model"
	"github.com/haikara-dev/gridshift/core/workload"
)

func submitBody(t *testing.T) string {
	t.Helper()
	deadline := time.Now().Add(8 * time.Hour).UTC().Format(time.RFC3339)
	return `{"peak_kw":30,"avg_kw":25,"duration_minutes":60,"deadline":"` + deadline + `","priority":5}`
}

func TestSubmitCreatesJob(t *testing.T) {
	store := workload.NewMemoryStore()
	h := NewSubmitHandler(store, "")

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(submitBody(t)))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusCreated, rr.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["job_id"])

	job, err := store.Get(resp["job_id"])
	require.NoError(t, err)
	require.Equal(t, model.JobPending, job.State)
	require.Equal(t, 30.0, job.Demand.PeakKW)
}

func TestSubmitRejectsInvalidJob(t *testing.T) {
	h := NewSubmitHandler(workload.NewMemoryStore(), "")

	// deadline in the past fails validation
	body := `{"peak_kw":30,"avg_kw":25,"duration_minutes":60,"deadline":"2020-01-01T00:00:00Z"}`
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestSubmitRequiresToken(t *testing.T) {
	h := NewSubmitHandler(workload.NewMemoryStore(), "secret")

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(submitBody(t)))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(submitBody(t)))
	req.Header.Set("Authorization", "Bearer secret")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code)
}

func TestListFiltersByState(t *testing.T) {
	store := workload.NewMemoryStore()
	for range 2 {
		_, err := store.Enqueue(model.Job{
			Demand:   model.DemandProfile{PeakKW: 10, AvgKW: 10, Duration: time.Hour},
			Deadline: time.Now().Add(8 * time.Hour),
		})
		require.NoError(t, err)
	}
	ids := store.List(workload.Filter{})
	_, err := store.Transition(ids[0].ID, model.JobPlanned)
	require.NoError(t, err)

	h := NewListHandler(store, "")
	req := httptest.NewRequest(http.MethodGet, "/api/jobs?state=planned", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var jobs []model.Job
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	require.Equal(t, model.JobPlanned, jobs[0].State)
}

func TestListRejectsUnknownState(t *testing.T) {
	h := NewListHandler(workload.NewMemoryStore(), "")
	req := httptest.NewRequest(http.MethodGet, "/api/jobs?state=bogus", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}
