package model

import "time"

// WindowSource indicates where a forecast window originated.
type WindowSource int

const (
	SourceProvider WindowSource = iota
	SourcePredicted
)

// String returns a human-readable representation of the source.
func (s WindowSource) String() string {
	switch s {
	case SourceProvider:
		return "provider"
	case SourcePredicted:
		return "predicted"
	default:
		return "unknown"
	}
}

// EnergyWindow is a bookable time interval with its forecast price, carbon
// intensity and remaining grid capacity.
type EnergyWindow struct {
	ID              string       `json:"id"`
	Start           time.Time    `json:"start"`
	End             time.Time    `json:"end"`
	PricePerKWh     float64      `json:"price_per_kwh"`
	CarbonIntensity float64      `json:"carbon_gco2_per_kwh"`
	CapacityKW      float64      `json:"capacity_kw"`
	Source          WindowSource `json:"source"`
	// Stale marks data served past its refresh point because the upstream
	// provider was unavailable.
	Stale bool `json:"stale,omitempty"`
}

// Duration returns the length of the window.
func (w EnergyWindow) Duration() time.Duration { return w.End.Sub(w.Start) }

// Covers reports whether the window can hold a run of length d starting at or
// after the window start.
func (w EnergyWindow) Covers(d time.Duration) bool { return w.Duration() >= d }
