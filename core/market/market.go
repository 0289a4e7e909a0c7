package market

import (
	"context"
	"errors"
	"time"
)

// Action is one step of the external booking protocol.
type Action string

const (
	ActionSearch  Action = "search"
	ActionSelect  Action = "select"
	ActionInit    Action = "init"
	ActionConfirm Action = "confirm"
	ActionStatus  Action = "status"
	ActionUpdate  Action = "update"
	ActionRating  Action = "rating"
)

// OrderStatus is the counterparty's view of a booked reservation.
type OrderStatus string

const (
	OrderInitiated OrderStatus = "initiated"
	OrderConfirmed OrderStatus = "confirmed"
	OrderStarted   OrderStatus = "started"
	OrderCompleted OrderStatus = "completed"
	OrderCancelled OrderStatus = "cancelled"
)

// SearchCriteria narrows the marketplace search to bookable capacity.
type SearchCriteria struct {
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	CapacityKW  float64   `json:"capacity_kw"`
	MaxCarbon   float64   `json:"max_carbon_gco2_per_kwh,omitempty"`
}

// Offer is a bookable capacity offer returned by search.
type Offer struct {
	OfferID     string    `json:"offer_id"`
	WindowID    string    `json:"window_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	PricePerKWh float64   `json:"price_per_kwh"`
	CapacityKW  float64   `json:"capacity_kw"`
}

// Terms carries the booking parameters for init.
type Terms struct {
	JobID      string        `json:"job_id"`
	WindowID   string        `json:"window_id"`
	CapacityKW float64       `json:"capacity_kw"`
	Duration   time.Duration `json:"duration"`
}

// Order identifies a reservation on the counterparty side.
type Order struct {
	OrderID string      `json:"order_id"`
	Status  OrderStatus `json:"status"`
}

// StatusReport is the counterparty's answer to a status or update call.
type StatusReport struct {
	OrderID   string      `json:"order_id"`
	Status    OrderStatus `json:"status"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// UpdatePatch adjusts a running reservation.
type UpdatePatch struct {
	CapacityKW float64 `json:"capacity_kw,omitempty"`
	Note       string  `json:"note,omitempty"`
}

// Settlement closes out a completed reservation.
type Settlement struct {
	OrderID    string  `json:"order_id"`
	EnergyKWh  float64 `json:"energy_kwh"`
	Cost       float64 `json:"cost"`
	CarbonGCO2 float64 `json:"carbon_gco2"`
}

// Client is the gateway to the marketplace. All calls go through a single
// approved endpoint; errors are either a RejectionError (non-retryable) or a
// transient condition the caller may retry.
type Client interface {
	Search(ctx context.Context, criteria SearchCriteria) ([]Offer, error)
	Select(ctx context.Context, offerID string) (Offer, error)
	Init(ctx context.Context, offerID string, terms Terms) (Order, error)
	Confirm(ctx context.Context, orderID string) (Order, error)
	Status(ctx context.Context, orderID string) (StatusReport, error)
	Update(ctx context.Context, orderID string, patch UpdatePatch) (StatusReport, error)
	Rating(ctx context.Context, orderID string, settlement Settlement) error
}

// RejectionError is a typed, non-retryable refusal from the counterparty,
// such as capacity gone or an invalid offer.
type RejectionError struct {
	Action Action
	Code   string
	Reason string
}

func (e *RejectionError) Error() string {
	return string(e.Action) + " rejected (" + e.Code + "): " + e.Reason
}

// IsRejection reports whether err is a non-retryable protocol rejection.
func IsRejection(err error) bool {
	var r *RejectionError
	return errors.As(err, &r)
}
