package prediction

import (
	"context"
	"time"

	"github.com/haikara-dev/gridshift/core/model"
)

// HeuristicPredictor produces deterministic hourly windows following a simple
// diurnal price/carbon pattern. It stands in for the real forecast model in
// tests and sandbox runs.
type HeuristicPredictor struct {
	BasePrice  float64
	BaseCarbon float64
	CapacityKW float64
}

// NewHeuristicPredictor returns a predictor with default curve parameters.
func NewHeuristicPredictor() *HeuristicPredictor {
	return &HeuristicPredictor{BasePrice: 0.20, BaseCarbon: 200, CapacityKW: 1000}
}

// Predict returns one window per hour across the horizon.
func (p *HeuristicPredictor) Predict(_ context.Context, from time.Time, horizon time.Duration) ([]model.EnergyWindow, error) {
	hours := int(horizon / time.Hour)
	if hours <= 0 {
		hours = 1
	}
	start := from.Truncate(time.Hour)
	windows := make([]model.EnergyWindow, 0, hours)
	for i := 0; i < hours; i++ {
		ws := start.Add(time.Duration(i) * time.Hour)
		price := p.BasePrice - float64(i%6)*0.01
		if price < 0.01 {
			price = 0.01
		}
		windows = append(windows, model.EnergyWindow{
			ID:              "pw-" + ws.UTC().Format(time.RFC3339),
			Start:           ws,
			End:             ws.Add(time.Hour),
			PricePerKWh:     price,
			CarbonIntensity: p.BaseCarbon - float64(i%6)*20,
			CapacityKW:      p.CapacityKW,
			Source:          model.SourcePredicted,
		})
	}
	return windows, nil
}
