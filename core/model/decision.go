package model

import "time"

// Rationale tags why the optimizer chose a window for a job.
type Rationale string

const (
	RationaleLeastCost   Rationale = "least-cost"
	RationaleLeastCarbon Rationale = "least-carbon"
	RationaleSLACritical Rationale = "sla-critical"
)

// ScheduleDecision is one immutable job-to-window assignment produced by the
// optimizer and consumed by the booking orchestrator.
type ScheduleDecision struct {
	JobID           string    `json:"job_id"`
	WindowID        string    `json:"window_id"`
	WindowStart     time.Time `json:"window_start"`
	WindowEnd       time.Time `json:"window_end"`
	PredictedCost   float64   `json:"predicted_cost"`
	PredictedCarbon float64   `json:"predicted_carbon_gco2"`
	Score           float64   `json:"score"`
	Rationale       Rationale `json:"rationale"`
}
