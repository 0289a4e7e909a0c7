package marketplace

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/haikara-dev/gridshift/core/market"
)

func sandboxServer(t *testing.T, cfg SandboxConfig) (*Sandbox, *httptest.Server) {
	t.Helper()
	sb := NewSandboxWithRegistry(cfg, prometheus.NewRegistry())
	srv := httptest.NewServer(sb.Routes())
	t.Cleanup(srv.Close)
	return sb, srv
}

func testOffer() market.Offer {
	start := time.Date(2025, 11, 24, 10, 0, 0, 0, time.UTC)
	return market.Offer{
		OfferID:     "offer-1",
		WindowID:    "w1",
		WindowStart: start,
		WindowEnd:   start.Add(time.Hour),
		PricePerKWh: 0.18,
		CapacityKW:  100,
	}
}

func TestGatewayFullProtocolAgainstSandbox(t *testing.T) {
	_, srv := sandboxServer(t, SandboxConfig{Offers: []market.Offer{testOffer()}, StatusCallsToComplete: 2})
	gw, err := New(Config{GatewayURL: srv.URL})
	require.NoError(t, err)
	ctx := context.Background()

	offers, err := gw.Search(ctx, market.SearchCriteria{CapacityKW: 50})
	require.NoError(t, err)
	require.Len(t, offers, 1)

	offer, err := gw.Select(ctx, offers[0].OfferID)
	require.NoError(t, err)
	require.Equal(t, "offer-1", offer.OfferID)

	order, err := gw.Init(ctx, offer.OfferID, market.Terms{JobID: "j1", WindowID: "w1", CapacityKW: 50, Duration: time.Hour})
	require.NoError(t, err)
	require.NotEmpty(t, order.OrderID)
	require.Equal(t, market.OrderInitiated, order.Status)

	order, err = gw.Confirm(ctx, order.OrderID)
	require.NoError(t, err)
	require.Equal(t, market.OrderConfirmed, order.Status)

	report, err := gw.Status(ctx, order.OrderID)
	require.NoError(t, err)
	require.Equal(t, market.OrderStarted, report.Status)

	report, err = gw.Status(ctx, order.OrderID)
	require.NoError(t, err)
	require.Equal(t, market.OrderCompleted, report.Status)

	err = gw.Rating(ctx, order.OrderID, market.Settlement{OrderID: order.OrderID, EnergyKWh: 50})
	require.NoError(t, err)
}

func TestGatewayMapsRejections(t *testing.T) {
	_, srv := sandboxServer(t, SandboxConfig{Offers: []market.Offer{testOffer()}})
	gw, err := New(Config{GatewayURL: srv.URL})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = gw.Select(ctx, "no-such-offer")
	require.True(t, market.IsRejection(err))
	var rej *market.RejectionError
	require.ErrorAs(t, err, &rej)
	require.Equal(t, "unknown_offer", rej.Code)

	// demand above every offer's capacity is a search rejection
	_, err = gw.Search(ctx, market.SearchCriteria{CapacityKW: 1000})
	require.True(t, market.IsRejection(err))
}

func TestGatewayDoubleBookingRejected(t *testing.T) {
	_, srv := sandboxServer(t, SandboxConfig{Offers: []market.Offer{testOffer()}})
	gw, err := New(Config{GatewayURL: srv.URL})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = gw.Init(ctx, "offer-1", market.Terms{JobID: "j1"})
	require.NoError(t, err)

	_, err = gw.Init(ctx, "offer-1", market.Terms{JobID: "j2"})
	var rej *market.RejectionError
	require.ErrorAs(t, err, &rej)
	require.Equal(t, "capacity_gone", rej.Code)
}

func TestGatewayServerErrorsAreTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	gw, err := New(Config{GatewayURL: srv.URL})
	require.NoError(t, err)

	_, err = gw.Search(context.Background(), market.SearchCriteria{})
	require.Error(t, err)
	require.False(t, market.IsRejection(err), "5xx must stay retryable")
}

func TestGatewayRatingOnIncompleteOrder(t *testing.T) {
	_, srv := sandboxServer(t, SandboxConfig{Offers: []market.Offer{testOffer()}})
	gw, err := New(Config{GatewayURL: srv.URL})
	require.NoError(t, err)
	ctx := context.Background()

	order, err := gw.Init(ctx, "offer-1", market.Terms{JobID: "j1"})
	require.NoError(t, err)

	err = gw.Rating(ctx, order.OrderID, market.Settlement{OrderID: order.OrderID})
	var rej *market.RejectionError
	require.ErrorAs(t, err, &rej)
	require.Equal(t, "not_completed", rej.Code)
}

func TestNewRequiresGatewayURL(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
