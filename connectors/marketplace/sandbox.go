package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/haikara-dev/gridshift/core/market"
	"github.com/haikara-dev/gridshift/infra/logger"
)

// SandboxConfig configures the local marketplace counterparty.
type SandboxConfig struct {
	// Address to listen on, e.g. "127.0.0.1:0".
	Address string `json:"address"`
	// StatusCallsToComplete is how many status polls an order needs before
	// the sandbox reports it completed.
	StatusCallsToComplete int `json:"status_calls_to_complete"`
	// Offers served to every search. When empty the sandbox refuses all
	// searches with a no_offers rejection.
	Offers []market.Offer `json:"offers"`
}

type sandboxOrder struct {
	order       market.Order
	offerID     string
	statusCalls int
}

// Sandbox is a self-contained marketplace used for local development and
// protocol tests. It keeps orders in memory and drives them to completion
// after a configurable number of status polls.
type Sandbox struct {
	addr     string
	complete int
	log      logger.Logger
	srv      *http.Server
	ready    chan struct{}

	calls  *prometheus.CounterVec
	failed prometheus.Counter

	mu     sync.Mutex
	offers map[string]market.Offer
	taken  map[string]bool
	orders map[string]*sandboxOrder
}

// NewSandbox creates a sandbox registering metrics on the default Prometheus
// registerer.
func NewSandbox(cfg SandboxConfig) *Sandbox {
	return NewSandboxWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewSandboxWithRegistry creates a sandbox and registers metrics on the
// provided registerer. A nil registerer defaults to the global one.
func NewSandboxWithRegistry(cfg SandboxConfig, reg prometheus.Registerer) *Sandbox {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	log := logger.New("marketplace-sandbox")

	calls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sandbox_protocol_calls_total",
		Help: "Total protocol calls received by the marketplace sandbox",
	}, []string{"action"})
	failed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sandbox_protocol_calls_failed",
		Help: "Rejected or malformed sandbox protocol calls",
	})

	if err := reg.Register(calls); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if exist, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				calls = exist
			}
		}
	}
	if err := reg.Register(failed); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if exist, ok := are.ExistingCollector.(prometheus.Counter); ok {
				failed = exist
			}
		}
	}

	if cfg.StatusCallsToComplete < 1 {
		cfg.StatusCallsToComplete = 1
	}
	s := &Sandbox{
		addr:     cfg.Address,
		complete: cfg.StatusCallsToComplete,
		log:      log,
		ready:    make(chan struct{}),
		calls:    calls,
		failed:   failed,
		offers:   make(map[string]market.Offer),
		taken:    make(map[string]bool),
		orders:   make(map[string]*sandboxOrder),
	}
	for _, o := range cfg.Offers {
		s.offers[o.OfferID] = o
	}
	return s
}

// Routes returns the sandbox HTTP handler, exposed for httptest usage.
func (s *Sandbox) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("pong")); err != nil {
			s.log.Errorf("write pong: %v", err)
		}
	})
	mux.HandleFunc("/search", s.action("search", s.handleSearch))
	mux.HandleFunc("/select", s.action("select", s.handleSelect))
	mux.HandleFunc("/init", s.action("init", s.handleInit))
	mux.HandleFunc("/confirm", s.action("confirm", s.handleConfirm))
	mux.HandleFunc("/status", s.action("status", s.handleStatus))
	mux.HandleFunc("/update", s.action("update", s.handleUpdate))
	mux.HandleFunc("/rating", s.action("rating", s.handleRating))
	return mux
}

// Addr returns the listening address once Start has been called.
func (s *Sandbox) Addr() string { return s.addr }

// WaitReady blocks until the sandbox is accepting connections or the context
// is canceled.
func (s *Sandbox) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start runs the sandbox until the context is canceled.
func (s *Sandbox) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr().String()
	s.srv = &http.Server{Handler: s.Routes()}
	close(s.ready)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.log.Errorf("shutdown sandbox: %v", err)
		}
		cancel()
	}()
	s.log.Infof("marketplace sandbox listening on %s", s.addr)
	if err := s.srv.Serve(ln); err != http.ErrServerClosed {
		return err
	}
	return nil
}

type handlerFunc func(message json.RawMessage) (any, *market.RejectionError)

// action wraps a protocol handler with envelope decoding, metrics and error
// mapping.
func (s *Sandbox) action(name string, h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var env envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			s.failed.Inc()
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		s.calls.WithLabelValues(name).Inc()

		result, rej := h(env.Message)
		if rej != nil {
			s.failed.Inc()
			s.writeRejection(w, rej)
			return
		}
		s.writeMessage(w, name, result)
	}
}

func (s *Sandbox) writeRejection(w http.ResponseWriter, rej *market.RejectionError) {
	var we wireError
	we.Error.Code = rej.Code
	we.Error.Message = rej.Reason
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnprocessableEntity)
	if err := json.NewEncoder(w).Encode(we); err != nil {
		s.log.Errorf("write rejection: %v", err)
	}
}

func (s *Sandbox) writeMessage(w http.ResponseWriter, action string, message any) {
	raw, err := json.Marshal(message)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	env := envelope{
		Context: messageContext{
			Action:       action,
			MessageID:    uuid.NewString(),
			SubscriberID: "sandbox",
			Timestamp:    time.Now().UTC(),
		},
		Message: raw,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(env); err != nil {
		s.log.Errorf("write response: %v", err)
	}
}

func (s *Sandbox) handleSearch(raw json.RawMessage) (any, *market.RejectionError) {
	var req struct {
		Intent market.SearchCriteria `json:"intent"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, &market.RejectionError{Action: market.ActionSearch, Code: "bad_intent", Reason: err.Error()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var offers []market.Offer
	for _, o := range s.offers {
		if s.taken[o.OfferID] {
			continue
		}
		if o.CapacityKW < req.Intent.CapacityKW {
			continue
		}
		offers = append(offers, o)
	}
	if len(offers) == 0 {
		return nil, &market.RejectionError{Action: market.ActionSearch, Code: "no_offers", Reason: "no matching capacity"}
	}
	return map[string]any{"offers": offers}, nil
}

func (s *Sandbox) handleSelect(raw json.RawMessage) (any, *market.RejectionError) {
	var req struct {
		OfferID string `json:"offer_id"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, &market.RejectionError{Action: market.ActionSelect, Code: "bad_request", Reason: err.Error()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	offer, ok := s.offers[req.OfferID]
	if !ok {
		return nil, &market.RejectionError{Action: market.ActionSelect, Code: "unknown_offer", Reason: "offer does not exist"}
	}
	if s.taken[req.OfferID] {
		return nil, &market.RejectionError{Action: market.ActionSelect, Code: "capacity_gone", Reason: "offer already booked"}
	}
	return map[string]any{"offer": offer}, nil
}

func (s *Sandbox) handleInit(raw json.RawMessage) (any, *market.RejectionError) {
	var req struct {
		OfferID string       `json:"offer_id"`
		Terms   market.Terms `json:"terms"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, &market.RejectionError{Action: market.ActionInit, Code: "bad_request", Reason: err.Error()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.offers[req.OfferID]; !ok {
		return nil, &market.RejectionError{Action: market.ActionInit, Code: "unknown_offer", Reason: "offer does not exist"}
	}
	if s.taken[req.OfferID] {
		return nil, &market.RejectionError{Action: market.ActionInit, Code: "capacity_gone", Reason: "offer already booked"}
	}
	s.taken[req.OfferID] = true
	order := market.Order{OrderID: uuid.NewString(), Status: market.OrderInitiated}
	s.orders[order.OrderID] = &sandboxOrder{order: order, offerID: req.OfferID}
	return map[string]any{"order": order}, nil
}

func (s *Sandbox) handleConfirm(raw json.RawMessage) (any, *market.RejectionError) {
	o, rej := s.lookupOrder(market.ActionConfirm, raw)
	if rej != nil {
		return nil, rej
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o.order.Status = market.OrderConfirmed
	return map[string]any{"order": o.order}, nil
}

func (s *Sandbox) handleStatus(raw json.RawMessage) (any, *market.RejectionError) {
	o, rej := s.lookupOrder(market.ActionStatus, raw)
	if rej != nil {
		return nil, rej
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o.statusCalls++
	if o.order.Status == market.OrderConfirmed && o.statusCalls >= s.complete {
		o.order.Status = market.OrderCompleted
	} else if o.order.Status == market.OrderConfirmed {
		o.order.Status = market.OrderStarted
	} else if o.order.Status == market.OrderStarted && o.statusCalls >= s.complete {
		o.order.Status = market.OrderCompleted
	}
	report := market.StatusReport{OrderID: o.order.OrderID, Status: o.order.Status, UpdatedAt: time.Now().UTC()}
	return map[string]any{"report": report}, nil
}

func (s *Sandbox) handleUpdate(raw json.RawMessage) (any, *market.RejectionError) {
	o, rej := s.lookupOrder(market.ActionUpdate, raw)
	if rej != nil {
		return nil, rej
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	report := market.StatusReport{OrderID: o.order.OrderID, Status: o.order.Status, UpdatedAt: time.Now().UTC()}
	return map[string]any{"report": report}, nil
}

func (s *Sandbox) handleRating(raw json.RawMessage) (any, *market.RejectionError) {
	var req struct {
		OrderID    string            `json:"order_id"`
		Settlement market.Settlement `json:"settlement"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, &market.RejectionError{Action: market.ActionRating, Code: "bad_request", Reason: err.Error()}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[req.OrderID]
	if !ok {
		return nil, &market.RejectionError{Action: market.ActionRating, Code: "unknown_order", Reason: "order does not exist"}
	}
	if o.order.Status != market.OrderCompleted {
		return nil, &market.RejectionError{Action: market.ActionRating, Code: "not_completed", Reason: fmt.Sprintf("order is %s", o.order.Status)}
	}
	s.log.Infof("settlement received for order %s: %.3f kWh", req.OrderID, req.Settlement.EnergyKWh)
	return map[string]any{"ack": true}, nil
}

func (s *Sandbox) lookupOrder(action market.Action, raw json.RawMessage) (*sandboxOrder, *market.RejectionError) {
	var req struct {
		OrderID string `json:"order_id"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, &market.RejectionError{Action: action, Code: "bad_request", Reason: err.Error()}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[req.OrderID]
	if !ok {
		return nil, &market.RejectionError{Action: action, Code: "unknown_order", Reason: "order does not exist"}
	}
	return o, nil
}
