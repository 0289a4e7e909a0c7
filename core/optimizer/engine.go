package optimizer

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/haikara-dev/gridshift/core/logger"
	"github.com/haikara-dev/gridshift/core/model"
)

// Unschedulable reports a job for which no feasible window exists. The caller
// must log it; it is never silently dropped.
type Unschedulable struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason"`
}

// Plan is the result of one optimization run.
type Plan struct {
	Decisions     []model.ScheduleDecision
	Unschedulable []Unschedulable
}

// Engine computes cost/carbon/SLA-optimal assignments.
type Engine struct {
	cfg Config
	log logger.Logger
}

// New creates an Engine with the given weights.
func New(cfg Config, log logger.Logger) *Engine {
	cfg.SetDefaults()
	return &Engine{cfg: cfg, log: log}
}

type slot struct {
	win        model.EnergyWindow
	remaining  float64
	normPrice  float64
	normCarbon float64
}

// Plan assigns each feasible job to its maximum-score window, decrementing
// window capacity as it goes. Jobs are processed most time-pressured first.
func (e *Engine) Plan(jobs []model.Job, windows []model.EnergyWindow) Plan {
	var plan Plan
	if len(jobs) == 0 {
		return plan
	}
	if len(windows) == 0 {
		for _, j := range jobs {
			plan.Unschedulable = append(plan.Unschedulable, Unschedulable{JobID: j.ID, Reason: "no forecast windows"})
		}
		return plan
	}

	slots := normalize(windows)

	ordered := append([]model.Job(nil), jobs...)
	sort.Slice(ordered, func(i, k int) bool {
		if !ordered[i].Deadline.Equal(ordered[k].Deadline) {
			return ordered[i].Deadline.Before(ordered[k].Deadline)
		}
		return ordered[i].ID < ordered[k].ID
	})

	horizon := horizonSpan(windows)

	for _, job := range ordered {
		best := -1
		bestScore := 0.0
		for i := range slots {
			if !feasible(job, slots[i]) {
				continue
			}
			score := e.score(job, slots[i], horizon)
			if best == -1 || score > bestScore ||
				(score == bestScore && slots[i].win.Start.Before(slots[best].win.Start)) {
				best = i
				bestScore = score
			}
		}
		if best == -1 {
			plan.Unschedulable = append(plan.Unschedulable, Unschedulable{JobID: job.ID, Reason: "no feasible window"})
			continue
		}
		s := &slots[best]
		s.remaining -= job.Demand.PeakKW
		energy := job.Demand.EnergyKWh()
		plan.Decisions = append(plan.Decisions, model.ScheduleDecision{
			JobID:           job.ID,
			WindowID:        s.win.ID,
			WindowStart:     s.win.Start,
			WindowEnd:       s.win.End,
			PredictedCost:   s.win.PricePerKWh * energy,
			PredictedCarbon: s.win.CarbonIntensity * energy,
			Score:           bestScore,
			Rationale:       e.rationale(job, *s, horizon),
		})
	}
	if e.log != nil {
		e.log.Infof("planned %d jobs, %d unschedulable", len(plan.Decisions), len(plan.Unschedulable))
	}
	return plan
}

// feasible applies the hard constraints: the run must fit between earliest
// start and deadline and the window must have capacity for the peak draw.
func feasible(job model.Job, s slot) bool {
	if s.remaining < job.Demand.PeakKW {
		return false
	}
	if s.win.Start.Before(job.EarliestStart) {
		return false
	}
	if s.win.End.After(job.Deadline) {
		return false
	}
	return s.win.Covers(job.Demand.Duration)
}

func (e *Engine) score(job model.Job, s slot, horizon time.Duration) float64 {
	score := -(e.cfg.CostWeight*s.normPrice + e.cfg.CarbonWeight*s.normCarbon)
	score += e.cfg.SLAWeight * slackRatio(job, s.win, horizon)
	if s.win.Stale || s.win.Source == model.SourcePredicted {
		score -= e.cfg.StalePenalty
	}
	return score
}

// slackRatio rewards finishing well before the deadline, reducing SLA risk
// under forecast drift. The value is clamped to [0,1].
func slackRatio(job model.Job, w model.EnergyWindow, horizon time.Duration) float64 {
	if horizon <= 0 {
		return 0
	}
	slack := job.Deadline.Sub(w.End)
	r := slack.Hours() / horizon.Hours()
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

func (e *Engine) rationale(job model.Job, s slot, horizon time.Duration) model.Rationale {
	if slackRatio(job, s.win, horizon) < e.cfg.SLACriticalSlack {
		return model.RationaleSLACritical
	}
	if e.cfg.CarbonWeight*s.normCarbon > e.cfg.CostWeight*s.normPrice {
		return model.RationaleLeastCarbon
	}
	return model.RationaleLeastCost
}

// normalize scales prices and intensities to [0,1] across the horizon and
// orders windows by start time for deterministic iteration.
func normalize(windows []model.EnergyWindow) []slot {
	ordered := append([]model.EnergyWindow(nil), windows...)
	sort.Slice(ordered, func(i, k int) bool {
		if !ordered[i].Start.Equal(ordered[k].Start) {
			return ordered[i].Start.Before(ordered[k].Start)
		}
		return ordered[i].ID < ordered[k].ID
	})

	prices := make([]float64, len(ordered))
	carbons := make([]float64, len(ordered))
	for i, w := range ordered {
		prices[i] = w.PricePerKWh
		carbons[i] = w.CarbonIntensity
	}
	pMin, pMax := floats.Min(prices), floats.Max(prices)
	cMin, cMax := floats.Min(carbons), floats.Max(carbons)

	slots := make([]slot, len(ordered))
	for i, w := range ordered {
		slots[i] = slot{
			win:        w,
			remaining:  w.CapacityKW,
			normPrice:  scale(w.PricePerKWh, pMin, pMax),
			normCarbon: scale(w.CarbonIntensity, cMin, cMax),
		}
	}
	return slots
}

func scale(v, min, max float64) float64 {
	if max == min {
		return 0
	}
	return (v - min) / (max - min)
}

func horizonSpan(windows []model.EnergyWindow) time.Duration {
	var first, last time.Time
	for _, w := range windows {
		if first.IsZero() || w.Start.Before(first) {
			first = w.Start
		}
		if w.End.After(last) {
			last = w.End
		}
	}
	return last.Sub(first)
}
