package workload

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haikara-dev/gridshift/core/model"
)

var (
	// ErrInvalidJob is returned when a submitted job fails validation.
	ErrInvalidJob = errors.New("invalid job")
	// ErrIllegalTransition is returned for a state change outside the
	// lifecycle table.
	ErrIllegalTransition = errors.New("illegal job transition")
	// ErrNotFound is returned when the job identifier is unknown.
	ErrNotFound = errors.New("job not found")
)

// Filter restricts List results.
type Filter struct {
	State *model.JobState
}

// Store holds workloads and enforces the job lifecycle.
type Store interface {
	// Enqueue validates and stores a job, returning its identifier.
	Enqueue(job model.Job) (string, error)
	// DueJobs returns pending jobs whose earliest start falls within the
	// horizon, ordered by ascending deadline, then descending priority,
	// then ascending identifier.
	DueJobs(now time.Time, horizon time.Duration) []model.Job
	// Transition moves a job to a new state, enforcing the legal edges
	// Pending->Planned->Booking->Active->Completed plus *->Failed.
	Transition(jobID string, state model.JobState) (model.Job, error)
	Get(jobID string) (model.Job, error)
	List(f Filter) []model.Job
}

// legalNext maps each state to its single legal forward successor. Failed is
// reachable from any non-terminal state and handled separately.
var legalNext = map[model.JobState]model.JobState{
	model.JobPending: model.JobPlanned,
	model.JobPlanned: model.JobBooking,
	model.JobBooking: model.JobActive,
	model.JobActive:  model.JobCompleted,
}

// MemoryStore is the in-memory Store implementation.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]model.Job
	now  func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]model.Job), now: time.Now}
}

// Enqueue validates and stores the job. A missing identifier is filled with a
// fresh UUID.
func (s *MemoryStore) Enqueue(job model.Job) (string, error) {
	now := s.now()
	if err := validate(job, now); err != nil {
		return "", err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.State = model.JobPending
	job.SubmittedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return "", fmt.Errorf("%w: duplicate id %s", ErrInvalidJob, job.ID)
	}
	s.jobs[job.ID] = job
	return job.ID, nil
}

func validate(job model.Job, now time.Time) error {
	if job.Demand.PeakKW <= 0 {
		return fmt.Errorf("%w: peak draw must be positive", ErrInvalidJob)
	}
	if job.Demand.AvgKW < 0 || job.Demand.AvgKW > job.Demand.PeakKW {
		return fmt.Errorf("%w: average draw out of range", ErrInvalidJob)
	}
	if job.Demand.Duration <= 0 {
		return fmt.Errorf("%w: duration must be positive", ErrInvalidJob)
	}
	if !job.Deadline.After(now) {
		return fmt.Errorf("%w: deadline not in the future", ErrInvalidJob)
	}
	if !job.EarliestStart.IsZero() && job.EarliestStart.Add(job.Demand.Duration).After(job.Deadline) {
		return fmt.Errorf("%w: run cannot finish before deadline", ErrInvalidJob)
	}
	return nil
}

// DueJobs returns the pending jobs due within the horizon in deterministic
// order.
func (s *MemoryStore) DueJobs(now time.Time, horizon time.Duration) []model.Job {
	limit := now.Add(horizon)
	s.mu.RLock()
	var due []model.Job
	for _, j := range s.jobs {
		if j.State != model.JobPending {
			continue
		}
		if j.EarliestStart.After(limit) {
			continue
		}
		due = append(due, j)
	}
	s.mu.RUnlock()

	sort.Slice(due, func(i, k int) bool {
		if !due[i].Deadline.Equal(due[k].Deadline) {
			return due[i].Deadline.Before(due[k].Deadline)
		}
		if due[i].Priority != due[k].Priority {
			return due[i].Priority > due[k].Priority
		}
		return due[i].ID < due[k].ID
	})
	return due
}

// Transition applies the lifecycle table and returns the updated job.
func (s *MemoryStore) Transition(jobID string, state model.JobState) (model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return model.Job{}, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if !legal(j.State, state) {
		return model.Job{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, j.State, state)
	}
	j.State = state
	s.jobs[jobID] = j
	return j, nil
}

func legal(from, to model.JobState) bool {
	if to == model.JobFailed {
		return !from.Terminal()
	}
	return legalNext[from] == to
}

// Get returns the job with the given identifier.
func (s *MemoryStore) Get(jobID string) (model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return model.Job{}, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return j, nil
}

// List returns jobs matching the filter sorted by identifier.
func (s *MemoryStore) List(f Filter) []model.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]model.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if f.State != nil && j.State != *f.State {
			continue
		}
		res = append(res, j)
	}
	sort.Slice(res, func(i, k int) bool { return res[i].ID < res[k].ID })
	return res
}
