package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haikara-dev/gridshift/core/ledger"
	"github.com/haikara-dev/gridshift/core/market"
	"github.com/haikara-dev/gridshift/core/model"
	"github.com/haikara-dev/gridshift/core/optimizer"
	"github.com/haikara-dev/gridshift/core/workload"
	"github.com/haikara-dev/gridshift/infra/logger"
)

var t0 = time.Date(2025, 11, 24, 0, 0, 0, 0, time.UTC)

// fakeGateway scripts the marketplace behaviour per action.
type fakeGateway struct {
	mu sync.Mutex

	searchCalls  int
	selectCalls  int
	initCalls    int
	confirmCalls int
	statusCalls  int
	updateCalls  int
	ratingCalls  int

	searchErr  error
	selectErr  error
	initErr    error
	confirmErr error
	statusErr  error
	ratingErr  error

	status   market.OrderStatus
	onStatus func()
}

func (g *fakeGateway) Search(_ context.Context, c market.SearchCriteria) ([]market.Offer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.searchCalls++
	if g.searchErr != nil {
		return nil, g.searchErr
	}
	return []market.Offer{{
		OfferID:     "offer-1",
		WindowID:    "w1",
		WindowStart: c.WindowStart,
		WindowEnd:   c.WindowEnd,
		PricePerKWh: 0.2,
		CapacityKW:  c.CapacityKW,
	}}, nil
}

func (g *fakeGateway) Select(_ context.Context, offerID string) (market.Offer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.selectCalls++
	if g.selectErr != nil {
		return market.Offer{}, g.selectErr
	}
	return market.Offer{OfferID: offerID, WindowID: "w1"}, nil
}

func (g *fakeGateway) Init(_ context.Context, offerID string, _ market.Terms) (market.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initCalls++
	if g.initErr != nil {
		return market.Order{}, g.initErr
	}
	return market.Order{OrderID: "order-" + offerID, Status: market.OrderInitiated}, nil
}

func (g *fakeGateway) Confirm(_ context.Context, orderID string) (market.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.confirmCalls++
	if g.confirmErr != nil {
		return market.Order{}, g.confirmErr
	}
	return market.Order{OrderID: orderID, Status: market.OrderConfirmed}, nil
}

func (g *fakeGateway) Status(_ context.Context, orderID string) (market.StatusReport, error) {
	g.mu.Lock()
	hook := g.onStatus
	g.statusCalls++
	err := g.statusErr
	st := g.status
	g.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return market.StatusReport{}, err
	}
	if st == "" {
		st = market.OrderCompleted
	}
	return market.StatusReport{OrderID: orderID, Status: st}, nil
}

func (g *fakeGateway) Update(_ context.Context, orderID string, _ market.UpdatePatch) (market.StatusReport, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.updateCalls++
	return market.StatusReport{OrderID: orderID, Status: market.OrderStarted}, nil
}

func (g *fakeGateway) Rating(_ context.Context, _ string, _ market.Settlement) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ratingCalls++
	return g.ratingErr
}

type staticFeed struct {
	windows []model.EnergyWindow
	err     error
}

func (f staticFeed) Forecast(context.Context, time.Duration) ([]model.EnergyWindow, bool, error) {
	return f.windows, false, f.err
}

func fastConfig() Config {
	return Config{
		MaxAttempts:        3,
		InitialBackoffMS:   1,
		BackoffMultiplier:  2,
		MaxBackoffMS:       5,
		CallTimeoutSeconds: 5,
		StatusPollMS:       1,
	}
}

type fixture struct {
	store   *workload.MemoryStore
	ledger  *ledger.Ledger
	ledgerM *ledger.MemoryStore
	gateway *fakeGateway
	orch    *Orchestrator
}

func newFixture(t *testing.T, gw *fakeGateway, feed Forecaster) *fixture {
	t.Helper()
	store := workload.NewMemoryStore()
	lstore := ledger.NewMemoryStore()
	led, err := ledger.New(lstore)
	require.NoError(t, err)
	engine := optimizer.New(optimizer.Config{}, logger.NopLogger{})
	orch, err := New(store, feed, engine, led, gw, fastConfig(), nil, nil, logger.NopLogger{})
	require.NoError(t, err)
	orch.now = func() time.Time { return t0 }
	return &fixture{store: store, ledger: led, ledgerM: lstore, gateway: gw, orch: orch}
}

// seedJob enqueues a pending job. The deadline is anchored on the wall clock
// because the store validates it against time.Now; the fixture clock t0 sits
// well before it, so planning always sees ample slack.
func seedJob(t *testing.T, f *fixture, id string) model.Job {
	t.Helper()
	job := model.Job{
		ID:            id,
		Demand:        model.DemandProfile{PeakKW: 10, AvgKW: 10, Duration: time.Hour},
		EarliestStart: t0,
		Deadline:      time.Now().Add(24 * time.Hour),
		Priority:      5,
	}
	_, err := f.store.Enqueue(job)
	require.NoError(t, err)
	stored, err := f.store.Get(id)
	require.NoError(t, err)
	return stored
}

func window(id string, start time.Time) model.EnergyWindow {
	return model.EnergyWindow{
		ID:              id,
		Start:           start,
		End:             start.Add(time.Hour),
		PricePerKWh:     0.2,
		CarbonIntensity: 150,
		CapacityKW:      40,
	}
}

func countKind(t *testing.T, l *ledger.Ledger, kind string) int {
	t.Helper()
	recs, err := l.Export()
	require.NoError(t, err)
	n := 0
	for _, r := range recs {
		if r.Kind == kind {
			n++
		}
	}
	return n
}

func TestRunCycleHappyPath(t *testing.T) {
	gw := &fakeGateway{}
	feed := staticFeed{windows: []model.EnergyWindow{window("w1", t0.Add(time.Hour))}}
	f := newFixture(t, gw, feed)
	seedJob(t, f, "j1")

	res, err := f.orch.RunCycle(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, []string{"j1"}, res.Completed)
	require.Empty(t, res.Aborted)

	j, err := f.store.Get("j1")
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, j.State)

	require.Equal(t, 1, countKind(t, f.ledger, "schedule.decision"))
	require.Equal(t, 1, countKind(t, f.ledger, "transaction.closed"))
	// search, select, init, confirm, monitoring, rating
	require.Equal(t, 6, countKind(t, f.ledger, "transaction.phase"))
	require.NoError(t, f.ledger.Verify())
}

func TestRetriesExhaustedOnInit(t *testing.T) {
	gw := &fakeGateway{initErr: errors.New("gateway timeout")}
	feed := staticFeed{windows: []model.EnergyWindow{window("w1", t0.Add(time.Hour))}}
	f := newFixture(t, gw, feed)
	seedJob(t, f, "j1")

	res, err := f.orch.RunCycle(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, []string{"j1"}, res.Aborted)

	require.Equal(t, 3, gw.initCalls)
	require.Equal(t, 0, gw.confirmCalls)

	j, err := f.store.Get("j1")
	require.NoError(t, err)
	require.Equal(t, model.JobFailed, j.State)

	require.Equal(t, 1, countKind(t, f.ledger, "transaction.aborted"))
	require.NoError(t, f.ledger.Verify())
}

func TestRejectionAbortsWithoutRetry(t *testing.T) {
	gw := &fakeGateway{selectErr: &market.RejectionError{Action: market.ActionSelect, Code: "gone", Reason: "capacity gone"}}
	feed := staticFeed{windows: []model.EnergyWindow{window("w1", t0.Add(time.Hour))}}
	f := newFixture(t, gw, feed)
	seedJob(t, f, "j1")

	res, err := f.orch.RunCycle(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, []string{"j1"}, res.Aborted)

	require.Equal(t, 1, gw.selectCalls)
	require.Equal(t, 0, gw.initCalls)
	require.Equal(t, 1, countKind(t, f.ledger, "transaction.aborted"))
}

func TestSLADeadlineDuringMonitoring(t *testing.T) {
	var clock atomic.Int64
	clock.Store(t0.UnixNano())

	gw := &fakeGateway{status: market.OrderStarted}
	feed := staticFeed{windows: []model.EnergyWindow{window("w1", t0.Add(time.Hour))}}
	f := newFixture(t, gw, feed)
	f.orch.now = func() time.Time { return time.Unix(0, clock.Load()) }
	job := seedJob(t, f, "j1")
	gw.onStatus = func() {
		// the counterparty never completes; time passes the deadline
		clock.Store(job.Deadline.Add(time.Hour).UnixNano())
	}

	res, err := f.orch.RunCycle(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, []string{"j1"}, res.Aborted)

	j, err := f.store.Get("j1")
	require.NoError(t, err)
	require.Equal(t, model.JobFailed, j.State)

	recs, err := f.ledger.Export()
	require.NoError(t, err)
	var abortedErr string
	for _, r := range recs {
		if r.Kind == "transaction.aborted" {
			abortedErr = string(r.Payload)
		}
	}
	require.Contains(t, abortedErr, "sla deadline exceeded")
}

func TestUpdateIssuedOnceWhenDeliveryStarts(t *testing.T) {
	gw := &fakeGateway{status: market.OrderStarted}
	feed := staticFeed{windows: []model.EnergyWindow{window("w1", t0.Add(time.Hour))}}
	f := newFixture(t, gw, feed)
	seedJob(t, f, "j1")
	gw.onStatus = func() {
		gw.mu.Lock()
		if gw.statusCalls >= 2 {
			gw.status = market.OrderCompleted
		}
		gw.mu.Unlock()
	}

	res, err := f.orch.RunCycle(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, []string{"j1"}, res.Completed)
	// capacity reassertion is sent exactly once even across several
	// started polls
	require.Equal(t, 1, gw.updateCalls)
	require.GreaterOrEqual(t, gw.statusCalls, 2)
}

func TestForecastFailureAbortsCycleBeforePlanning(t *testing.T) {
	gw := &fakeGateway{}
	feed := staticFeed{err: errors.New("no forecast data available")}
	f := newFixture(t, gw, feed)
	seedJob(t, f, "j1")

	_, err := f.orch.RunCycle(context.Background(), 24*time.Hour)
	require.Error(t, err)
	require.Equal(t, 0, gw.searchCalls)

	recs, lerr := f.ledger.Export()
	require.NoError(t, lerr)
	require.Empty(t, recs, "no record may exist for a plan that was never produced")
}

func TestUnschedulableJobAudited(t *testing.T) {
	gw := &fakeGateway{}
	// capacity too small for the job
	w := window("w1", t0.Add(time.Hour))
	w.CapacityKW = 1
	feed := staticFeed{windows: []model.EnergyWindow{w}}
	f := newFixture(t, gw, feed)
	seedJob(t, f, "j1")

	res, err := f.orch.RunCycle(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, res.Unschedulable)
	require.Equal(t, 1, countKind(t, f.ledger, "job.unschedulable"))
	require.Equal(t, 0, gw.searchCalls)
}

// failAfterStore fails every append after the first n.
type failAfterStore struct {
	ledger.MemoryStore
	n     int
	count atomic.Int32
}

func (s *failAfterStore) Append(rec ledger.Record) error {
	if int(s.count.Add(1)) > s.n {
		return errors.New("storage offline")
	}
	return s.MemoryStore.Append(rec)
}

func TestLedgerUnavailableIsFatal(t *testing.T) {
	gw := &fakeGateway{}
	feed := staticFeed{windows: []model.EnergyWindow{window("w1", t0.Add(time.Hour))}}

	store := workload.NewMemoryStore()
	lstore := &failAfterStore{n: 1} // decision record succeeds, first phase record fails
	led, err := ledger.New(lstore)
	require.NoError(t, err)
	engine := optimizer.New(optimizer.Config{}, logger.NopLogger{})
	orch, err := New(store, feed, engine, led, gw, fastConfig(), nil, nil, logger.NopLogger{})
	require.NoError(t, err)
	orch.now = func() time.Time { return t0 }

	job := model.Job{
		ID:            "j1",
		Demand:        model.DemandProfile{PeakKW: 10, AvgKW: 10, Duration: time.Hour},
		EarliestStart: t0,
		Deadline:      time.Now().Add(24 * time.Hour),
		Priority:      5,
	}
	_, err = store.Enqueue(job)
	require.NoError(t, err)

	_, err = orch.RunCycle(context.Background(), 24*time.Hour)
	require.ErrorIs(t, err, ledger.ErrUnavailable)
	// the search call happened, nothing beyond it was issued
	require.Equal(t, 1, gw.searchCalls)
	require.Equal(t, 0, gw.selectCalls)
}

func TestCancelIsIdempotent(t *testing.T) {
	gw := &fakeGateway{status: market.OrderStarted} // monitoring never completes
	feed := staticFeed{windows: []model.EnergyWindow{window("w1", t0.Add(time.Hour))}}
	f := newFixture(t, gw, feed)
	seedJob(t, f, "j1")

	done := make(chan CycleResult, 1)
	go func() {
		res, _ := f.orch.RunCycle(context.Background(), 24*time.Hour)
		done <- res
	}()

	var txID string
	require.Eventually(t, func() bool {
		txs := f.orch.Transactions()
		if len(txs) == 1 && txs[0].State == StateMonitoring {
			txID = txs[0].ID
			return true
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	f.orch.Cancel(txID)
	f.orch.Cancel(txID) // second cancel is a no-op

	res := <-done
	require.Equal(t, []string{"j1"}, res.Aborted)
	require.Equal(t, 1, countKind(t, f.ledger, "transaction.aborted"))

	j, err := f.store.Get("j1")
	require.NoError(t, err)
	require.Equal(t, model.JobFailed, j.State)

	// cancelling an unknown transaction is a no-op as well
	f.orch.Cancel("missing")
}

func TestConcurrentBookingsSerializeLedger(t *testing.T) {
	gw := &fakeGateway{}
	feed := staticFeed{windows: []model.EnergyWindow{
		window("w1", t0.Add(time.Hour)),
		window("w2", t0.Add(2*time.Hour)),
		window("w3", t0.Add(3*time.Hour)),
	}}
	f := newFixture(t, gw, feed)
	for _, id := range []string{"j1", "j2", "j3"} {
		seedJob(t, f, id)
	}

	res, err := f.orch.RunCycle(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, res.Completed, 3)
	require.NoError(t, f.ledger.Verify())

	recs, err := f.ledger.Export()
	require.NoError(t, err)
	for i, r := range recs {
		require.Equal(t, uint64(i+1), r.Seq)
	}
}
