package model

import "time"

// JobState tracks the lifecycle of a workload from submission to settlement.
type JobState int

const (
	JobPending JobState = iota
	JobPlanned
	JobBooking
	JobActive
	JobCompleted
	JobFailed
)

// String returns a human-readable representation of the job state.
func (s JobState) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobPlanned:
		return "planned"
	case JobBooking:
		return "booking"
	case JobActive:
		return "active"
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// DemandProfile describes the power draw of a workload over its run.
type DemandProfile struct {
	PeakKW   float64       `json:"peak_kw"`
	AvgKW    float64       `json:"avg_kw"`
	Duration time.Duration `json:"duration"`
}

// EnergyKWh returns the energy the profile consumes over its full duration.
func (p DemandProfile) EnergyKWh() float64 {
	kw := p.AvgKW
	if kw <= 0 {
		kw = p.PeakKW
	}
	return kw * p.Duration.Hours()
}

// Job is a deferrable compute workload to be placed on an energy window.
type Job struct {
	ID            string        `json:"id"`
	Demand        DemandProfile `json:"demand"`
	EarliestStart time.Time     `json:"earliest_start"`
	Deadline      time.Time     `json:"deadline"` // hard completion bound
	Priority      int           `json:"priority"`
	State         JobState      `json:"state"`
	SubmittedAt   time.Time     `json:"submitted_at"`
}
