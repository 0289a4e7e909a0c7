package optimizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haikara-dev/gridshift/core/model"
	"github.com/haikara-dev/gridshift/infra/logger"
)

var t0 = time.Date(2025, 11, 24, 0, 0, 0, 0, time.UTC)

func window(id string, start time.Time, price, carbon, capacity float64) model.EnergyWindow {
	return model.EnergyWindow{
		ID:              id,
		Start:           start,
		End:             start.Add(time.Hour),
		PricePerKWh:     price,
		CarbonIntensity: carbon,
		CapacityKW:      capacity,
	}
}

func job(id string, peak float64, earliest, deadline time.Time) model.Job {
	return model.Job{
		ID:            id,
		Demand:        model.DemandProfile{PeakKW: peak, AvgKW: peak, Duration: time.Hour},
		EarliestStart: earliest,
		Deadline:      deadline,
		Priority:      5,
	}
}

func TestCapacityBeatsPrice(t *testing.T) {
	// J1 needs 10kW; the cheaper window only has 5kW capacity.
	j1 := job("j1", 10, t0, t0.Add(4*time.Hour))
	w1 := window("w1", t0.Add(time.Hour), 0.20, 150, 40)
	w2 := window("w2", t0.Add(2*time.Hour), 0.10, 150, 5)

	e := New(Config{}, logger.NopLogger{})
	plan := e.Plan([]model.Job{j1}, []model.EnergyWindow{w1, w2})
	require.Len(t, plan.Decisions, 1)
	require.Empty(t, plan.Unschedulable)
	require.Equal(t, "w1", plan.Decisions[0].WindowID)
}

func TestFeasibilityInvariant(t *testing.T) {
	jobs := []model.Job{
		job("a", 5, t0.Add(time.Hour), t0.Add(5*time.Hour)),
		job("b", 5, t0, t0.Add(3*time.Hour)),
		job("c", 5, t0, t0.Add(8*time.Hour)),
	}
	var windows []model.EnergyWindow
	for i := 0; i < 8; i++ {
		windows = append(windows, window("w", t0.Add(time.Duration(i)*time.Hour), 0.1+float64(i)*0.01, 100+float64(i)*10, 20))
		windows[i].ID = windows[i].Start.Format("w15")
	}

	plan := New(Config{}, logger.NopLogger{}).Plan(jobs, windows)
	require.Len(t, plan.Decisions, 3)
	byID := map[string]model.Job{}
	for _, j := range jobs {
		byID[j.ID] = j
	}
	for _, d := range plan.Decisions {
		j := byID[d.JobID]
		require.False(t, d.WindowEnd.After(j.Deadline), "window end after deadline for %s", d.JobID)
		require.False(t, d.WindowStart.Before(j.EarliestStart), "window start before earliest for %s", d.JobID)
	}
}

func TestNoOverbooking(t *testing.T) {
	// one window with 40kW; three jobs at 30kW peak each
	deadline := t0.Add(2 * time.Hour)
	jobs := []model.Job{
		job("a", 30, t0, deadline),
		job("b", 30, t0, deadline),
		job("c", 30, t0, deadline),
	}
	windows := []model.EnergyWindow{window("w1", t0, 0.1, 100, 40)}

	plan := New(Config{}, logger.NopLogger{}).Plan(jobs, windows)
	require.Len(t, plan.Decisions, 1)
	require.Len(t, plan.Unschedulable, 2)

	assigned := 0.0
	for _, d := range plan.Decisions {
		if d.WindowID == "w1" {
			assigned += 30
		}
	}
	require.LessOrEqual(t, assigned, 40.0)
}

func TestDeterminism(t *testing.T) {
	jobs := []model.Job{
		job("a", 5, t0, t0.Add(6*time.Hour)),
		job("b", 5, t0, t0.Add(6*time.Hour)),
		job("c", 10, t0, t0.Add(4*time.Hour)),
	}
	var windows []model.EnergyWindow
	for i := 0; i < 6; i++ {
		w := window("", t0.Add(time.Duration(i)*time.Hour), 0.2-float64(i%3)*0.02, 200-float64(i%3)*20, 15)
		w.ID = w.Start.Format("w150405")
		windows = append(windows, w)
	}

	e := New(Config{}, logger.NopLogger{})
	first := e.Plan(jobs, windows)
	second := e.Plan(jobs, windows)
	require.Equal(t, first, second)
}

func TestStalePenaltyPrefersFreshWindow(t *testing.T) {
	j := job("a", 5, t0, t0.Add(6*time.Hour))
	fresh := window("fresh", t0.Add(time.Hour), 0.15, 150, 20)
	staleWin := window("stale", t0.Add(2*time.Hour), 0.15, 150, 20)
	staleWin.Stale = true

	// equal price/carbon: penalty must tip the choice even though the
	// stale window has more SLA slack headroom in neither direction
	cfg := Config{CostWeight: 0.5, CarbonWeight: 0.3, SLAWeight: 0.0001, StalePenalty: 0.5}
	plan := New(cfg, logger.NopLogger{}).Plan([]model.Job{j}, []model.EnergyWindow{fresh, staleWin})
	require.Len(t, plan.Decisions, 1)
	require.Equal(t, "fresh", plan.Decisions[0].WindowID)
}

func TestSLACriticalRationale(t *testing.T) {
	// only feasible window ends right at the deadline
	j := job("a", 5, t0, t0.Add(time.Hour))
	w := window("w1", t0, 0.1, 100, 20)

	plan := New(Config{}, logger.NopLogger{}).Plan([]model.Job{j}, []model.EnergyWindow{w})
	require.Len(t, plan.Decisions, 1)
	require.Equal(t, model.RationaleSLACritical, plan.Decisions[0].Rationale)
}

func TestUnschedulableReported(t *testing.T) {
	j := job("a", 100, t0, t0.Add(2*time.Hour))
	w := window("w1", t0, 0.1, 100, 10)

	plan := New(Config{}, logger.NopLogger{}).Plan([]model.Job{j}, []model.EnergyWindow{w})
	require.Empty(t, plan.Decisions)
	require.Len(t, plan.Unschedulable, 1)
	require.Equal(t, "a", plan.Unschedulable[0].JobID)
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{CostWeight: -1}
	require.Error(t, cfg.Validate())

	cfg = Config{}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())
}
