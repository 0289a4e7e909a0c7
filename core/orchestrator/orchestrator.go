package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haikara-dev/gridshift/core/events"
	"github.com/haikara-dev/gridshift/core/ledger"
	"github.com/haikara-dev/gridshift/core/logger"
	"github.com/haikara-dev/gridshift/core/market"
	coremetrics "github.com/haikara-dev/gridshift/core/metrics"
	"github.com/haikara-dev/gridshift/core/model"
	"github.com/haikara-dev/gridshift/core/optimizer"
	"github.com/haikara-dev/gridshift/core/workload"
	"github.com/haikara-dev/gridshift/internal/eventbus"
)

// ErrSLAExceeded marks a transaction aborted because the job's deadline
// passed while monitoring.
var ErrSLAExceeded = errors.New("sla deadline exceeded")

// Forecaster serves energy-window forecasts for a horizon.
type Forecaster interface {
	Forecast(ctx context.Context, horizon time.Duration) ([]model.EnergyWindow, bool, error)
}

// Planner computes a schedule plan from due jobs and a forecast.
type Planner interface {
	Plan(jobs []model.Job, windows []model.EnergyWindow) optimizer.Plan
}

// CycleResult summarizes one scheduling cycle.
type CycleResult struct {
	Jobs          int
	Scheduled     int
	Unschedulable int
	Completed     []string
	Aborted       []string
}

// Orchestrator drives the booking protocol for every planned job. One
// transaction exists per decision; independent jobs progress concurrently
// while ledger appends stay serialized inside the Ledger.
type Orchestrator struct {
	store  workload.Store
	feed   Forecaster
	plan   Planner
	ledger *ledger.Ledger
	client market.Client
	cfg    Config
	sink   coremetrics.Sink
	bus    eventbus.EventBus
	log    logger.Logger
	now    func() time.Time

	mu     sync.Mutex
	active map[string]*tracked
}

type tracked struct {
	tx     *Transaction
	cancel context.CancelFunc
}

// New creates an Orchestrator. All collaborators except sink and bus are
// required.
func New(store workload.Store, feed Forecaster, plan Planner, led *ledger.Ledger, client market.Client, cfg Config, sink coremetrics.Sink, bus eventbus.EventBus, log logger.Logger) (*Orchestrator, error) {
	if store == nil || feed == nil || plan == nil || led == nil || client == nil {
		return nil, fmt.Errorf("orchestrator: nil parameter provided to New")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = coremetrics.NopSink{}
	}
	return &Orchestrator{
		store:  store,
		feed:   feed,
		plan:   plan,
		ledger: led,
		client: client,
		cfg:    cfg,
		sink:   sink,
		bus:    bus,
		log:    log,
		now:    time.Now,
		active: make(map[string]*tracked),
	}, nil
}

// RunCycle executes one scheduling cycle: pull due jobs, forecast, plan, and
// book every decision. Cycles are meant to run sequentially; concurrency
// exists only across the independent per-job bookings inside a cycle.
func (o *Orchestrator) RunCycle(ctx context.Context, horizon time.Duration) (CycleResult, error) {
	start := o.now()
	var res CycleResult

	jobs := o.store.DueJobs(start, horizon)
	res.Jobs = len(jobs)
	if len(jobs) == 0 {
		o.log.Debugf("no due jobs within %s", horizon)
		return res, nil
	}

	windows, stale, err := o.feed.Forecast(ctx, horizon)
	if err != nil {
		// no plan was produced, so nothing is written to the ledger
		return res, fmt.Errorf("forecast: %w", err)
	}
	if stale {
		o.log.Warnf("scheduling against a stale forecast")
	}

	plan := o.plan.Plan(jobs, windows)
	res.Scheduled = len(plan.Decisions)
	res.Unschedulable = len(plan.Unschedulable)

	for _, u := range plan.Unschedulable {
		if _, err := o.ledger.Append(ctx, "job.unschedulable", u); err != nil {
			return res, err
		}
		o.publish(events.UnschedulableEvent{JobID: u.JobID, Reason: u.Reason})
		o.log.Warnf("job %s unschedulable: %s", u.JobID, u.Reason)
	}

	decisions := make([]coremetrics.DecisionRecord, 0, len(plan.Decisions))
	byJob := make(map[string]model.Job, len(jobs))
	for _, j := range jobs {
		byJob[j.ID] = j
	}

	var toBook []model.ScheduleDecision
	for _, d := range plan.Decisions {
		if _, err := o.store.Transition(d.JobID, model.JobPlanned); err != nil {
			o.log.Errorf("plan transition for %s: %v", d.JobID, err)
			continue
		}
		if _, err := o.ledger.Append(ctx, "schedule.decision", d); err != nil {
			return res, err
		}
		o.publish(events.DecisionEvent{Decision: d})
		decisions = append(decisions, coremetrics.DecisionRecord{
			JobID:     d.JobID,
			WindowID:  d.WindowID,
			Cost:      d.PredictedCost,
			Carbon:    d.PredictedCarbon,
			Score:     d.Score,
			Rationale: string(d.Rationale),
			Time:      start,
		})
		toBook = append(toBook, d)
	}
	if len(decisions) > 0 {
		if err := o.sink.RecordDecisions(decisions); err != nil {
			o.log.Errorf("metrics error: %v", err)
		}
	}

	cycleCtx, cancelCycle := context.WithCancel(ctx)
	defer cancelCycle()

	var (
		wg        sync.WaitGroup
		resMu     sync.Mutex
		ledgerErr error
	)
	for _, d := range toBook {
		wg.Add(1)
		go func(d model.ScheduleDecision) {
			defer wg.Done()
			final, err := o.book(cycleCtx, d, byJob[d.JobID])
			resMu.Lock()
			defer resMu.Unlock()
			switch final {
			case StateClosed:
				res.Completed = append(res.Completed, d.JobID)
			default:
				res.Aborted = append(res.Aborted, d.JobID)
			}
			if errors.Is(err, ledger.ErrUnavailable) && ledgerErr == nil {
				ledgerErr = err
				cancelCycle()
			}
		}(d)
	}
	wg.Wait()

	elapsed := o.now().Sub(start)
	if err := o.recordCycle(res, stale, elapsed); err != nil {
		o.log.Errorf("metrics error: %v", err)
	}
	o.publish(events.CycleEvent{
		Jobs:          res.Jobs,
		Scheduled:     res.Scheduled,
		Unschedulable: res.Unschedulable,
		StaleForecast: stale,
		Duration:      elapsed,
	})
	return res, ledgerErr
}

func (o *Orchestrator) recordCycle(res CycleResult, stale bool, elapsed time.Duration) error {
	if rec, ok := o.sink.(coremetrics.CycleRecorder); ok {
		return rec.RecordCycle(coremetrics.CycleRecord{
			Jobs:          res.Jobs,
			Scheduled:     res.Scheduled,
			Unschedulable: res.Unschedulable,
			StaleForecast: stale,
			Duration:      elapsed,
			Time:          o.now(),
		})
	}
	return nil
}

// Transactions returns a snapshot of the in-flight transactions.
func (o *Orchestrator) Transactions() []Transaction {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Transaction, 0, len(o.active))
	for _, t := range o.active {
		out = append(out, *t.tx)
	}
	return out
}

// Cancel aborts an in-flight transaction. It is idempotent: cancelling an
// unknown or already terminal transaction is a no-op.
func (o *Orchestrator) Cancel(txID string) {
	o.mu.Lock()
	t, ok := o.active[txID]
	terminal := ok && t.tx.State.Terminal()
	o.mu.Unlock()
	if !ok || terminal {
		return
	}
	o.log.Infof("cancelling transaction %s", txID)
	t.cancel()
}

// txUpdate applies a mutation to a tracked transaction under the same lock
// that guards snapshots.
func (o *Orchestrator) txUpdate(fn func()) {
	o.mu.Lock()
	fn()
	o.mu.Unlock()
}

// book drives the full phase sequence for one decision. It returns the final
// transaction state.
func (o *Orchestrator) book(ctx context.Context, d model.ScheduleDecision, job model.Job) (State, error) {
	bookCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	tx := &Transaction{ID: uuid.NewString(), JobID: d.JobID, State: StateIdle, StartedAt: o.now()}
	o.track(tx, cancel)
	defer o.untrack(tx.ID)

	var offers []market.Offer
	err := o.phase(bookCtx, tx, StateSearching, func(c context.Context) (any, error) {
		found, err := o.client.Search(c, market.SearchCriteria{
			WindowStart: d.WindowStart,
			WindowEnd:   d.WindowEnd,
			CapacityKW:  job.Demand.PeakKW,
		})
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			return nil, &market.RejectionError{Action: market.ActionSearch, Code: "no_offers", Reason: "no offers for window"}
		}
		offers = found
		return found, nil
	})
	if err != nil {
		return o.abort(ctx, tx, err)
	}

	offer := chooseOffer(offers, d.WindowID)
	err = o.phase(bookCtx, tx, StateSelecting, func(c context.Context) (any, error) {
		selected, err := o.client.Select(c, offer.OfferID)
		if err != nil {
			return nil, err
		}
		offer = selected
		return selected, nil
	})
	if err != nil {
		return o.abort(ctx, tx, err)
	}

	err = o.phase(bookCtx, tx, StateInitiating, func(c context.Context) (any, error) {
		order, err := o.client.Init(c, offer.OfferID, market.Terms{
			JobID:      job.ID,
			WindowID:   d.WindowID,
			CapacityKW: job.Demand.PeakKW,
			Duration:   job.Demand.Duration,
		})
		if err != nil {
			return nil, err
		}
		o.txUpdate(func() { tx.OrderID = order.OrderID })
		return order, nil
	})
	if err != nil {
		return o.abort(ctx, tx, err)
	}
	if _, terr := o.store.Transition(job.ID, model.JobBooking); terr != nil {
		o.log.Errorf("booking transition for %s: %v", job.ID, terr)
	}

	err = o.phase(bookCtx, tx, StateConfirming, func(c context.Context) (any, error) {
		return o.client.Confirm(c, tx.OrderID)
	})
	if err != nil {
		return o.abort(ctx, tx, err)
	}
	if _, terr := o.store.Transition(job.ID, model.JobActive); terr != nil {
		o.log.Errorf("active transition for %s: %v", job.ID, terr)
	}

	if err := o.monitor(bookCtx, tx, job); err != nil {
		return o.abort(ctx, tx, err)
	}

	err = o.phase(bookCtx, tx, StateRating, func(c context.Context) (any, error) {
		settlement := market.Settlement{
			OrderID:    tx.OrderID,
			EnergyKWh:  job.Demand.EnergyKWh(),
			Cost:       d.PredictedCost,
			CarbonGCO2: d.PredictedCarbon,
		}
		return settlement, o.client.Rating(c, tx.OrderID, settlement)
	})
	if err != nil {
		return o.abort(ctx, tx, err)
	}
	if _, terr := o.store.Transition(job.ID, model.JobCompleted); terr != nil {
		o.log.Errorf("completed transition for %s: %v", job.ID, terr)
	}

	o.txUpdate(func() {
		tx.State = StateClosed
		tx.ClosedAt = o.now()
	})
	if _, lerr := o.ledger.Append(ctx, "transaction.closed", phasePayload{
		TransactionID: tx.ID,
		JobID:         tx.JobID,
		Phase:         tx.State.String(),
		Outcome:       "closed",
		OrderID:       tx.OrderID,
	}); lerr != nil {
		return StateClosed, lerr
	}
	o.log.Infof("transaction %s closed for job %s", tx.ID, tx.JobID)
	return StateClosed, nil
}

// monitor polls the counterparty until it reports completion or the job's
// deadline passes, whichever comes first.
func (o *Orchestrator) monitor(ctx context.Context, tx *Transaction, job model.Job) error {
	poll := time.Duration(o.cfg.StatusPollMS) * time.Millisecond
	first := true
	updated := false
	for {
		if o.now().After(job.Deadline) {
			return fmt.Errorf("%w: order %s still incomplete", ErrSLAExceeded, tx.OrderID)
		}
		var report market.StatusReport
		call := func(c context.Context) (any, error) {
			rep, err := o.client.Status(c, tx.OrderID)
			if err != nil {
				return nil, err
			}
			report = rep
			return rep, nil
		}
		var err error
		if first {
			// entering Monitoring is a phase transition and audited;
			// subsequent polls repeat the phase without new records
			err = o.phase(ctx, tx, StateMonitoring, call)
			first = false
		} else {
			err = o.withRetry(ctx, func(c context.Context) error {
				_, cerr := call(c)
				return cerr
			})
		}
		if err != nil {
			return err
		}
		switch report.Status {
		case market.OrderCompleted:
			return nil
		case market.OrderCancelled:
			return &market.RejectionError{Action: market.ActionStatus, Code: "cancelled", Reason: "counterparty cancelled the order"}
		case market.OrderStarted:
			// reassert the booked capacity once delivery begins
			if !updated {
				updated = true
				err := o.withRetry(ctx, func(c context.Context) error {
					_, uerr := o.client.Update(c, tx.OrderID, market.UpdatePatch{CapacityKW: job.Demand.PeakKW})
					return uerr
				})
				if err != nil {
					return err
				}
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}

type phasePayload struct {
	TransactionID string `json:"transaction_id"`
	JobID         string `json:"job_id"`
	Phase         string `json:"phase"`
	Outcome       string `json:"outcome"`
	OrderID       string `json:"order_id,omitempty"`
	Digest        string `json:"digest,omitempty"`
	Error         string `json:"error,omitempty"`
}

// phase advances the transaction, issues the protocol call with retries, and
// writes the audit record before any next phase call can be issued. A ledger
// failure is returned as-is and must stop the transaction.
func (o *Orchestrator) phase(ctx context.Context, tx *Transaction, to State, call func(context.Context) (any, error)) error {
	o.txUpdate(func() { tx.State = to })
	start := time.Now()
	callErr := o.withRetry(ctx, func(c context.Context) error {
		resp, err := call(c)
		if err != nil {
			return err
		}
		o.txUpdate(func() { tx.LastDigest = digest(resp) })
		return nil
	})
	latency := time.Since(start)

	outcome := "ok"
	if callErr != nil {
		outcome = "failed"
		if market.IsRejection(callErr) {
			outcome = "rejected"
		}
	}
	payload := phasePayload{
		TransactionID: tx.ID,
		JobID:         tx.JobID,
		Phase:         to.String(),
		Outcome:       outcome,
		OrderID:       tx.OrderID,
		Digest:        tx.LastDigest,
	}
	if callErr != nil {
		payload.Error = callErr.Error()
	}
	if _, lerr := o.ledger.Append(ctx, "transaction.phase", payload); lerr != nil {
		return lerr
	}

	o.publish(events.PhaseEvent{
		TransactionID: tx.ID,
		JobID:         tx.JobID,
		Phase:         to.String(),
		Outcome:       outcome,
		Err:           callErr,
		Latency:       latency,
	})
	if rec, ok := o.sink.(coremetrics.PhaseRecorder); ok {
		if err := rec.RecordPhase(coremetrics.PhaseRecord{
			TransactionID: tx.ID,
			JobID:         tx.JobID,
			Phase:         to.String(),
			Outcome:       outcome,
			Latency:       latency,
			Time:          o.now(),
		}); err != nil {
			o.log.Errorf("metrics error: %v", err)
		}
	}
	return callErr
}

// abort moves the transaction to Aborted and the job to Failed, writing
// exactly one aborted record. A ledger failure means the abort could not be
// accounted for; operator reconciliation is required.
func (o *Orchestrator) abort(ctx context.Context, tx *Transaction, cause error) (State, error) {
	o.mu.Lock()
	if tx.State.Terminal() {
		final := tx.State
		o.mu.Unlock()
		return final, cause
	}
	from := tx.State
	tx.State = StateAborted
	tx.ClosedAt = o.now()
	o.mu.Unlock()

	if _, err := o.store.Transition(tx.JobID, model.JobFailed); err != nil {
		o.log.Errorf("failed transition for %s: %v", tx.JobID, err)
	}
	if errors.Is(cause, ledger.ErrUnavailable) {
		// no audit write is possible; surface the ledger failure
		o.log.Errorf("transaction %s aborted with ledger unavailable", tx.ID)
		return StateAborted, cause
	}
	payload := phasePayload{
		TransactionID: tx.ID,
		JobID:         tx.JobID,
		Phase:         from.String(),
		Outcome:       "aborted",
		OrderID:       tx.OrderID,
		Error:         cause.Error(),
	}
	if _, lerr := o.ledger.Append(ctx, "transaction.aborted", payload); lerr != nil {
		return StateAborted, lerr
	}
	o.publish(events.PhaseEvent{
		TransactionID: tx.ID,
		JobID:         tx.JobID,
		Phase:         StateAborted.String(),
		Outcome:       "aborted",
		Err:           cause,
	})
	o.log.Warnf("transaction %s aborted during %s: %v", tx.ID, from, cause)
	return StateAborted, cause
}

// withRetry retries transient failures with exponential backoff. Rejections
// and context cancellation end the attempts immediately.
func (o *Orchestrator) withRetry(ctx context.Context, fn func(context.Context) error) error {
	backoff := time.Duration(o.cfg.InitialBackoffMS) * time.Millisecond
	maxBackoff := time.Duration(o.cfg.MaxBackoffMS) * time.Millisecond
	timeout := time.Duration(o.cfg.CallTimeoutSeconds) * time.Second

	var err error
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		err = fn(callCtx)
		cancel()
		if err == nil || market.IsRejection(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == o.cfg.MaxAttempts {
			break
		}
		o.log.Debugf("attempt %d failed, retrying in %s: %v", attempt, backoff, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * o.cfg.BackoffMultiplier)
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return fmt.Errorf("retries exhausted after %d attempts: %w", o.cfg.MaxAttempts, err)
}

func (o *Orchestrator) track(tx *Transaction, cancel context.CancelFunc) {
	o.mu.Lock()
	o.active[tx.ID] = &tracked{tx: tx, cancel: cancel}
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(id string) {
	o.mu.Lock()
	delete(o.active, id)
	o.mu.Unlock()
}

func (o *Orchestrator) publish(e eventbus.Event) {
	if o.bus != nil {
		o.bus.Publish(e)
	}
}

// chooseOffer prefers the offer matching the planned window.
func chooseOffer(offers []market.Offer, windowID string) market.Offer {
	for _, off := range offers {
		if off.WindowID == windowID {
			return off
		}
	}
	return offers[0]
}

func digest(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
