package prediction

import (
	"context"
	"time"

	"github.com/haikara-dev/gridshift/core/model"
)

// Predictor forecasts energy windows for a horizon. Returned windows are
// tagged SourcePredicted by the caller and scored with the same discount as
// stale data.
type Predictor interface {
	Predict(ctx context.Context, from time.Time, horizon time.Duration) ([]model.EnergyWindow, error)
}
