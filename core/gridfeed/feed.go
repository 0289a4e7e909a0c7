package gridfeed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haikara-dev/gridshift/core/logger"
	"github.com/haikara-dev/gridshift/core/model"
	"github.com/haikara-dev/gridshift/core/prediction"
)

// ErrNoData is returned when the provider is unreachable and no cached
// forecast exists at all.
var ErrNoData = errors.New("no forecast data available")

// Provider fetches price/carbon windows from the upstream grid-data service.
type Provider interface {
	Fetch(ctx context.Context, from time.Time, horizon time.Duration) ([]model.EnergyWindow, error)
}

// Config defines cache parameters for the feed.
type Config struct {
	// TTLSeconds is the cache lifetime of a fetched window.
	TTLSeconds int `json:"ttl_seconds"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.TTLSeconds <= 0 {
		c.TTLSeconds = 300
	}
}

type cached struct {
	win     model.EnergyWindow
	fetched time.Time
}

// Feed caches and serves energy-window forecasts. Readers always see the
// last-known-good snapshot; a refresh never blocks them.
type Feed struct {
	provider  Provider
	predictor prediction.Predictor
	ttl       time.Duration
	log       logger.Logger
	now       func() time.Time

	mu    sync.RWMutex
	cache map[time.Time]cached
}

// New creates a Feed backed by the provider. The predictor is optional and
// fills horizon gaps with windows tagged as predicted.
func New(p Provider, pred prediction.Predictor, cfg Config, log logger.Logger) *Feed {
	cfg.SetDefaults()
	return &Feed{
		provider:  p,
		predictor: pred,
		ttl:       time.Duration(cfg.TTLSeconds) * time.Second,
		log:       log,
		now:       time.Now,
		cache:     make(map[time.Time]cached),
	}
}

// Forecast returns windows covering the horizon ordered by start time. The
// second return value reports whether the result was served stale because the
// provider was unavailable.
func (f *Feed) Forecast(ctx context.Context, horizon time.Duration) ([]model.EnergyWindow, bool, error) {
	now := f.now()
	if wins, ok := f.fresh(now, horizon); ok {
		return wins, false, nil
	}

	fetched, err := f.provider.Fetch(ctx, now, horizon)
	if err != nil {
		f.log.Warnf("provider fetch failed, falling back to cache: %v", err)
		wins := f.snapshot(now, horizon)
		if len(wins) == 0 {
			return nil, false, fmt.Errorf("%w: %v", ErrNoData, err)
		}
		for i := range wins {
			wins[i].Stale = true
		}
		return wins, true, nil
	}

	f.store(fetched, now)
	f.fillGaps(ctx, now, horizon)
	return f.snapshot(now, horizon), false, nil
}

// Ingest merges externally pushed windows into the cache, for live feeds such
// as an MQTT grid stream.
func (f *Feed) Ingest(windows []model.EnergyWindow) {
	f.store(windows, f.now())
}

// fresh returns the cached horizon if every cached window is within TTL and
// the horizon has at least one window.
func (f *Feed) fresh(now time.Time, horizon time.Duration) ([]model.EnergyWindow, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	limit := now.Add(horizon)
	var wins []model.EnergyWindow
	for _, c := range f.cache {
		if c.win.End.Before(now) || c.win.Start.After(limit) {
			continue
		}
		if now.Sub(c.fetched) > f.ttl {
			return nil, false
		}
		wins = append(wins, c.win)
	}
	if len(wins) == 0 {
		return nil, false
	}
	sortWindows(wins)
	return wins, true
}

func (f *Feed) store(windows []model.EnergyWindow, fetched time.Time) {
	f.mu.Lock()
	for _, w := range windows {
		w.Stale = false
		f.cache[w.Start] = cached{win: w, fetched: fetched}
	}
	f.mu.Unlock()
}

// fillGaps asks the predictor for windows whose start hour the provider did
// not cover.
func (f *Feed) fillGaps(ctx context.Context, now time.Time, horizon time.Duration) {
	if f.predictor == nil {
		return
	}
	predicted, err := f.predictor.Predict(ctx, now, horizon)
	if err != nil {
		f.log.Warnf("predictor error: %v", err)
		return
	}
	f.mu.Lock()
	added := 0
	for _, w := range predicted {
		if _, ok := f.cache[w.Start]; ok {
			continue
		}
		w.Source = model.SourcePredicted
		f.cache[w.Start] = cached{win: w, fetched: now}
		added++
	}
	f.mu.Unlock()
	if added > 0 {
		f.log.Debugf("filled %d forecast gaps from predictor", added)
	}
}

// snapshot copies cached windows intersecting the horizon regardless of age.
func (f *Feed) snapshot(now time.Time, horizon time.Duration) []model.EnergyWindow {
	f.mu.RLock()
	defer f.mu.RUnlock()
	limit := now.Add(horizon)
	var wins []model.EnergyWindow
	for _, c := range f.cache {
		if c.win.End.Before(now) || c.win.Start.After(limit) {
			continue
		}
		wins = append(wins, c.win)
	}
	sortWindows(wins)
	return wins
}

func sortWindows(wins []model.EnergyWindow) {
	sort.Slice(wins, func(i, k int) bool { return wins[i].Start.Before(wins[k].Start) })
}
