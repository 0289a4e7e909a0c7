package metrics

import "time"

// DecisionRecord is a per-job scheduling decision to be recorded.
type DecisionRecord struct {
	JobID     string
	WindowID  string
	Cost      float64
	Carbon    float64
	Score     float64
	Rationale string
	Time      time.Time
}

// PhaseRecord captures one transaction phase outcome.
type PhaseRecord struct {
	TransactionID string
	JobID         string
	Phase         string
	Outcome       string
	Latency       time.Duration
	Time          time.Time
}

// CycleRecord summarizes a scheduling cycle.
type CycleRecord struct {
	Jobs          int
	Scheduled     int
	Unschedulable int
	StaleForecast bool
	Duration      time.Duration
	Time          time.Time
}

// Sink records scheduling decisions for observability purposes.
type Sink interface {
	RecordDecisions(recs []DecisionRecord) error
}

// PhaseRecorder records transaction phase outcomes.
type PhaseRecorder interface {
	RecordPhase(rec PhaseRecord) error
}

// CycleRecorder records cycle summaries.
type CycleRecorder interface {
	RecordCycle(rec CycleRecord) error
}

// NopSink discards all records.
type NopSink struct{}

func (NopSink) RecordDecisions([]DecisionRecord) error { return nil }
func (NopSink) RecordPhase(PhaseRecord) error          { return nil }
func (NopSink) RecordCycle(CycleRecord) error          { return nil }

// Config defines settings for metrics sinks.
type Config struct {
	PrometheusEnabled bool   `json:"prometheus_enabled"`
	PrometheusPort    string `json:"prometheus_port"`
	InfluxEnabled     bool   `json:"influx_enabled"`
	InfluxURL         string `json:"influx_url"`
	InfluxToken       string `json:"influx_token"`
	InfluxOrg         string `json:"influx_org"`
	InfluxBucket      string `json:"influx_bucket"`
}
