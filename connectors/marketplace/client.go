// Package marketplace implements the HTTP gateway to the energy marketplace.
// All booking traffic flows through a single approved gateway endpoint using
// enveloped JSON messages, one POST per protocol action.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/haikara-dev/gridshift/auth"
	"github.com/haikara-dev/gridshift/core/market"
	"github.com/haikara-dev/gridshift/infra/logger"
)

// Config defines the gateway endpoint and caller identity.
type Config struct {
	// GatewayURL is the root of the marketplace gateway, without trailing
	// slash.
	GatewayURL string `json:"gateway_url"`
	// SubscriberID identifies this agent to the gateway.
	SubscriberID string `json:"subscriber_id"`
	// TimeoutSeconds bounds a single protocol call.
	TimeoutSeconds int `json:"timeout_seconds"`
	// Auth holds optional OAuth2 client credentials.
	Auth auth.Conf `json:"auth"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 10
	}
	if c.SubscriberID == "" {
		c.SubscriberID = "gridshift-agent"
	}
}

// Validate checks the gateway configuration.
func (c Config) Validate() error {
	if c.GatewayURL == "" {
		return fmt.Errorf("marketplace gateway_url is required")
	}
	return nil
}

// envelope wraps every request and response on the wire.
type envelope struct {
	Context messageContext  `json:"context"`
	Message json.RawMessage `json:"message"`
}

type messageContext struct {
	Action       string    `json:"action"`
	MessageID    string    `json:"message_id"`
	SubscriberID string    `json:"subscriber_id"`
	Timestamp    time.Time `json:"timestamp"`
}

// wireError is the gateway's error body for rejected calls.
type wireError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Gateway is the market.Client implementation over the HTTP gateway.
type Gateway struct {
	http *http.Client
	base string
	subs string
	cred *auth.ClientCred
	log  logger.Logger
	now  func() time.Time
}

// New creates a Gateway for the configured endpoint.
func New(cfg Config) (*Gateway, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &Gateway{
		http: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		base: cfg.GatewayURL,
		subs: cfg.SubscriberID,
		log:  logger.New("marketplace"),
		now:  time.Now,
	}
	if cfg.Auth.Enabled() {
		g.cred = auth.NewClientCred(cfg.Auth)
	}
	return g, nil
}

// Search queries the marketplace for bookable offers.
func (g *Gateway) Search(ctx context.Context, criteria market.SearchCriteria) ([]market.Offer, error) {
	var out struct {
		Offers []market.Offer `json:"offers"`
	}
	if err := g.call(ctx, market.ActionSearch, map[string]any{"intent": criteria}, &out); err != nil {
		return nil, err
	}
	return out.Offers, nil
}

// Select reserves the offer on the provider side.
func (g *Gateway) Select(ctx context.Context, offerID string) (market.Offer, error) {
	var out struct {
		Offer market.Offer `json:"offer"`
	}
	err := g.call(ctx, market.ActionSelect, map[string]any{"offer_id": offerID}, &out)
	return out.Offer, err
}

// Init opens an order draft with the booking terms.
func (g *Gateway) Init(ctx context.Context, offerID string, terms market.Terms) (market.Order, error) {
	var out struct {
		Order market.Order `json:"order"`
	}
	err := g.call(ctx, market.ActionInit, map[string]any{"offer_id": offerID, "terms": terms}, &out)
	return out.Order, err
}

// Confirm finalizes the order.
func (g *Gateway) Confirm(ctx context.Context, orderID string) (market.Order, error) {
	var out struct {
		Order market.Order `json:"order"`
	}
	err := g.call(ctx, market.ActionConfirm, map[string]any{"order_id": orderID}, &out)
	return out.Order, err
}

// Status asks the counterparty for the order's progress.
func (g *Gateway) Status(ctx context.Context, orderID string) (market.StatusReport, error) {
	var out struct {
		Report market.StatusReport `json:"report"`
	}
	err := g.call(ctx, market.ActionStatus, map[string]any{"order_id": orderID}, &out)
	return out.Report, err
}

// Update adjusts a running reservation.
func (g *Gateway) Update(ctx context.Context, orderID string, patch market.UpdatePatch) (market.StatusReport, error) {
	var out struct {
		Report market.StatusReport `json:"report"`
	}
	err := g.call(ctx, market.ActionUpdate, map[string]any{"order_id": orderID, "patch": patch}, &out)
	return out.Report, err
}

// Rating submits the settlement that closes the order.
func (g *Gateway) Rating(ctx context.Context, orderID string, settlement market.Settlement) error {
	return g.call(ctx, market.ActionRating, map[string]any{"order_id": orderID, "settlement": settlement}, nil)
}

// call posts one enveloped action to the gateway. A 4xx answer maps to a
// market.RejectionError; transport failures and 5xx answers stay retryable.
func (g *Gateway) call(ctx context.Context, action market.Action, message any, out any) error {
	raw, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", action, err)
	}
	body, err := json.Marshal(envelope{
		Context: messageContext{
			Action:       string(action),
			MessageID:    uuid.NewString(),
			SubscriberID: g.subs,
			Timestamp:    g.now().UTC(),
		},
		Message: raw,
	})
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", action, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.base+"/"+string(action), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.cred != nil {
		if err := g.cred.SetAuthHeader(req); err != nil {
			return fmt.Errorf("set auth header: %w", err)
		}
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s call: %w", action, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// fallthrough to decode
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var we wireError
		if err := json.NewDecoder(resp.Body).Decode(&we); err != nil || we.Error.Code == "" {
			we.Error.Code = fmt.Sprintf("http_%d", resp.StatusCode)
			we.Error.Message = "request rejected"
		}
		return &market.RejectionError{Action: action, Code: we.Error.Code, Reason: we.Error.Message}
	default:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned status %d: %s", action, resp.StatusCode, data)
	}

	if out == nil {
		return nil
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode %s response: %w", action, err)
	}
	if err := json.Unmarshal(env.Message, out); err != nil {
		return fmt.Errorf("decode %s message: %w", action, err)
	}
	g.log.Debugf("%s call completed (message %s)", action, env.Context.MessageID)
	return nil
}
