// Package provider implements the HTTP client for the upstream grid data
// service serving price and carbon-intensity windows.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/haikara-dev/gridshift/auth"
	"github.com/haikara-dev/gridshift/core/model"
	"github.com/haikara-dev/gridshift/infra/logger"
)

// Config defines the grid data endpoint.
type Config struct {
	// BaseURL is the root of the grid data API, without trailing slash.
	BaseURL string `json:"base_url"`
	// TimeoutSeconds bounds a single fetch.
	TimeoutSeconds int `json:"timeout_seconds"`
	// Auth holds optional OAuth2 client credentials.
	Auth auth.Conf `json:"auth"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 10
	}
}

// Validate checks the endpoint configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("provider base_url is required")
	}
	return nil
}

// Client fetches energy windows from the grid data API.
type Client struct {
	http *http.Client
	base string
	cred *auth.ClientCred
	log  logger.Logger
}

// windowPayload is the provider's wire representation of one window.
type windowPayload struct {
	ID              string    `json:"id"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	PricePerKWh     float64   `json:"price_per_kwh"`
	CarbonIntensity float64   `json:"carbon_intensity_gco2_kwh"`
	CapacityKW      float64   `json:"capacity_kw"`
}

// New creates a Client for the configured endpoint.
func New(cfg Config) (*Client, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		http: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		base: cfg.BaseURL,
		log:  logger.New("grid-provider"),
	}
	if cfg.Auth.Enabled() {
		c.cred = auth.NewClientCred(cfg.Auth)
	}
	return c, nil
}

// Fetch retrieves the windows intersecting [from, from+horizon].
func (c *Client) Fetch(ctx context.Context, from time.Time, horizon time.Duration) ([]model.EnergyWindow, error) {
	q := url.Values{}
	q.Set("start", from.UTC().Format(time.RFC3339))
	q.Set("end", from.Add(horizon).UTC().Format(time.RFC3339))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/windows?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.cred != nil {
		if err := c.cred.SetAuthHeader(req); err != nil {
			return nil, fmt.Errorf("set auth header: %w", err)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch windows: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}

	var payload struct {
		Windows []windowPayload `json:"windows"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode windows: %w", err)
	}

	windows := make([]model.EnergyWindow, 0, len(payload.Windows))
	for _, w := range payload.Windows {
		if w.ID == "" || !w.End.After(w.Start) {
			c.log.Warnf("skipping malformed window %q", w.ID)
			continue
		}
		windows = append(windows, model.EnergyWindow{
			ID:              w.ID,
			Start:           w.Start,
			End:             w.End,
			PricePerKWh:     w.PricePerKWh,
			CarbonIntensity: w.CarbonIntensity,
			CapacityKW:      w.CapacityKW,
			Source:          model.SourceProvider,
		})
	}
	c.log.Debugf("fetched %d windows from provider", len(windows))
	return windows, nil
}
