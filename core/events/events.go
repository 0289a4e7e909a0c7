package events

import (
	"time"

	"github.com/haikara-dev/gridshift/core/model"
)

// DecisionEvent is published for every schedule decision the optimizer emits.
type DecisionEvent struct {
	Decision model.ScheduleDecision
}

// UnschedulableEvent is published when a job has no feasible window.
type UnschedulableEvent struct {
	JobID  string
	Reason string
}

// PhaseEvent is published after every transaction phase, success or failure.
type PhaseEvent struct {
	TransactionID string
	JobID         string
	Phase         string
	Outcome       string
	Err           error
	Latency       time.Duration
}

// CycleEvent summarizes one scheduling cycle.
type CycleEvent struct {
	Jobs          int
	Scheduled     int
	Unschedulable int
	StaleForecast bool
	Duration      time.Duration
}
