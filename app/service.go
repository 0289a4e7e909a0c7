// Package app wires the scheduler components into a runnable service.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/haikara-dev/gridshift/api/jobs"
	"github.com/haikara-dev/gridshift/api/ledgerapi"
	"github.com/haikara-dev/gridshift/config"
	"github.com/haikara-dev/gridshift/connectors/marketplace"
	"github.com/haikara-dev/gridshift/connectors/provider"
	"github.com/haikara-dev/gridshift/core/gridfeed"
	"github.com/haikara-dev/gridshift/core/ledger"
	"github.com/haikara-dev/gridshift/core/market"
	coremetrics "github.com/haikara-dev/gridshift/core/metrics"
	"github.com/haikara-dev/gridshift/core/model"
	"github.com/haikara-dev/gridshift/core/optimizer"
	"github.com/haikara-dev/gridshift/core/orchestrator"
	"github.com/haikara-dev/gridshift/core/prediction"
	"github.com/haikara-dev/gridshift/core/workload"
	"github.com/haikara-dev/gridshift/infra/logger"
	"github.com/haikara-dev/gridshift/infra/metrics"
	"github.com/haikara-dev/gridshift/infra/mqtt"
	"github.com/haikara-dev/gridshift/internal/eventbus"
)

// Service owns the scheduling loop and the surrounding infrastructure.
type Service struct {
	Orchestrator *orchestrator.Orchestrator
	Store        workload.Store
	Ledger       *ledger.Ledger
	Feed         *gridfeed.Feed

	cfg         *config.Config
	bus         *eventbus.Bus
	log         logger.Logger
	engine      *optimizer.Engine
	sink        coremetrics.Sink
	sandbox     *marketplace.Sandbox
	ingestor    *mqtt.Ingestor
	ledgerStore ledger.Store
}

// predictorProvider serves the heuristic forecast curve through the Provider
// interface so sandbox runs work without an upstream grid service.
type predictorProvider struct {
	pred prediction.Predictor
}

func (p predictorProvider) Fetch(ctx context.Context, from time.Time, horizon time.Duration) ([]model.EnergyWindow, error) {
	return p.pred.Predict(ctx, from, horizon)
}

// New creates a Service from the configuration. When the sandbox is enabled
// the orchestrator is wired lazily in Run, once the sandbox has bound its
// listener.
func New(cfg *config.Config) (*Service, error) {
	logg := logger.New("service")

	var pred prediction.Predictor
	if cfg.Prediction.Enabled {
		hp := prediction.NewHeuristicPredictor()
		if cfg.Prediction.BasePrice > 0 {
			hp.BasePrice = cfg.Prediction.BasePrice
		}
		if cfg.Prediction.BaseCarbon > 0 {
			hp.BaseCarbon = cfg.Prediction.BaseCarbon
		}
		if cfg.Prediction.CapacityKW > 0 {
			hp.CapacityKW = cfg.Prediction.CapacityKW
		}
		pred = hp
	}

	var gridProvider gridfeed.Provider
	if cfg.Provider.BaseURL != "" {
		p, err := provider.New(cfg.Provider)
		if err != nil {
			return nil, fmt.Errorf("grid provider: %w", err)
		}
		gridProvider = p
	} else if pred != nil {
		gridProvider = predictorProvider{pred}
	} else {
		return nil, fmt.Errorf("either a grid provider or the heuristic predictor must be configured")
	}

	feed := gridfeed.New(gridProvider, pred, cfg.GridFeed, logger.New("gridfeed"))
	store := workload.NewMemoryStore()

	var ledgerStore ledger.Store
	switch cfg.Ledger.Backend {
	case "memory":
		ledgerStore = ledger.NewMemoryStore()
	default:
		js, err := ledger.NewJSONLStore(cfg.Ledger.Path)
		if err != nil {
			return nil, fmt.Errorf("ledger store: %w", err)
		}
		ledgerStore = js
	}
	led, err := ledger.New(ledgerStore)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}

	var sinks []coremetrics.Sink
	if cfg.Metrics.PrometheusEnabled {
		sink, err := metrics.NewPromSink(cfg.Metrics)
		if err != nil {
			return nil, fmt.Errorf("prom sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if cfg.Metrics.InfluxEnabled {
		sinks = append(sinks, metrics.NewInfluxSinkWithFallback(
			cfg.Metrics.InfluxURL, cfg.Metrics.InfluxToken, cfg.Metrics.InfluxOrg, cfg.Metrics.InfluxBucket))
	}
	var sink coremetrics.Sink
	switch len(sinks) {
	case 0:
	case 1:
		sink = sinks[0]
	default:
		sink = metrics.NewMultiSink(sinks...)
	}

	svc := &Service{
		Store:       store,
		Ledger:      led,
		Feed:        feed,
		cfg:         cfg,
		bus:         eventbus.New(),
		log:         logg,
		engine:      optimizer.New(cfg.Optimizer, logger.New("optimizer")),
		sink:        sink,
		ledgerStore: ledgerStore,
	}

	if cfg.Sandbox.Enabled {
		sbCfg := cfg.Sandbox.SandboxConfig
		if sbCfg.Address == "" {
			sbCfg.Address = "127.0.0.1:0"
		}
		svc.sandbox = marketplace.NewSandbox(sbCfg)
		return svc, nil
	}

	gw, err := marketplace.New(cfg.Marketplace)
	if err != nil {
		return nil, fmt.Errorf("marketplace gateway: %w", err)
	}
	if err := svc.buildOrchestrator(gw); err != nil {
		return nil, err
	}
	return svc, nil
}

func (s *Service) buildOrchestrator(client market.Client) error {
	orch, err := orchestrator.New(s.Store, s.Feed, s.engine, s.Ledger, client, s.cfg.Orchestrator, s.sink, s.bus, s.log)
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	s.Orchestrator = orch
	return nil
}

// ensureOrchestrator starts the sandbox and points a gateway at it when the
// orchestrator was deferred to sandbox wiring.
func (s *Service) ensureOrchestrator(ctx context.Context) error {
	if s.Orchestrator != nil {
		return nil
	}
	go func() {
		if err := s.sandbox.Start(ctx); err != nil {
			s.log.Errorf("sandbox error: %v", err)
		}
	}()
	if err := s.sandbox.WaitReady(ctx); err != nil {
		return fmt.Errorf("sandbox did not start: %w", err)
	}
	gw, err := marketplace.New(marketplace.Config{
		GatewayURL:   "http://" + s.sandbox.Addr(),
		SubscriberID: s.cfg.Marketplace.SubscriberID,
	})
	if err != nil {
		return fmt.Errorf("sandbox gateway: %w", err)
	}
	return s.buildOrchestrator(gw)
}

// RunOnce executes a single scheduling cycle.
func (s *Service) RunOnce(ctx context.Context) (orchestrator.CycleResult, error) {
	if err := s.ensureOrchestrator(ctx); err != nil {
		return orchestrator.CycleResult{}, err
	}
	horizon := time.Duration(s.cfg.Scheduler.HorizonHours) * time.Hour
	return s.Orchestrator.RunCycle(ctx, horizon)
}

// Run starts the service and blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.ensureOrchestrator(ctx); err != nil {
		return err
	}

	if s.cfg.Metrics.PrometheusEnabled {
		go func() {
			if err := metrics.StartPromServer(ctx, s.cfg.Metrics.PrometheusPort); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		}()
	}

	if s.cfg.MQTT.Enabled {
		ing, err := mqtt.NewIngestor(s.cfg.MQTT.Config, s.Feed)
		if err != nil {
			s.log.Errorf("mqtt ingestor: %v", err)
		} else {
			s.ingestor = ing
		}
	}

	if s.cfg.Scheduler.APIAddress != "" {
		go s.serveAPI(ctx)
	}

	interval := time.Duration(s.cfg.Scheduler.CycleSeconds) * time.Second
	horizon := time.Duration(s.cfg.Scheduler.HorizonHours) * time.Hour
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Infof("scheduler running: cycle %s, horizon %s", interval, horizon)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := s.Orchestrator.RunCycle(ctx, horizon)
			if err != nil {
				s.log.Errorf("cycle error: %v", err)
				continue
			}
			s.log.Infof("cycle done: %d due, %d scheduled, %d unschedulable, %d completed, %d aborted",
				res.Jobs, res.Scheduled, res.Unschedulable, len(res.Completed), len(res.Aborted))
		}
	}
}

func (s *Service) serveAPI(ctx context.Context) {
	mux := http.NewServeMux()
	token := s.cfg.Scheduler.APIToken
	mux.Handle("/api/jobs/submit", jobs.NewSubmitHandler(s.Store, token))
	mux.Handle("/api/jobs", jobs.NewListHandler(s.Store, token))
	mux.Handle("/api/ledger", ledgerapi.NewExportHandler(s.Ledger, token))
	mux.Handle("/api/ledger/verify", ledgerapi.NewVerifyHandler(s.Ledger, token))

	srv := &http.Server{Addr: s.cfg.Scheduler.APIAddress, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Errorf("api shutdown: %v", err)
		}
		cancel()
	}()
	s.log.Infof("api listening on %s", s.cfg.Scheduler.APIAddress)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.log.Errorf("api server: %v", err)
	}
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	if s.ingestor != nil {
		s.ingestor.Close()
	}
	s.bus.Close()
	return s.ledgerStore.Close()
}
