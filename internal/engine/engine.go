// Package engine is the central orchestrator of the execution core.
//
// It wires together all subsystems:
//
//  1. Producers hand OrderIntents to SubmitIntent. The intent loop runs
//     each one through the risk gate; approved intents are admitted to
//     the OMS and placed with the broker.
//  2. Broker order updates (from the paper simulator or the live trade
//     stream) flow through a single apply path that advances the OMS
//     state machine and folds new fill slices into the position tracker.
//  3. A monitor loop samples account equity, computes drawdowns against
//     the day-start and high-water baselines, and drives the circuit
//     breaker.
//  4. A reconcile loop compares local positions against the broker's and
//     reports discrepancies without mutating anything.
//  5. A kill watcher reacts to kill-switch flips by cancelling every
//     open order in the affected scope.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"tradecore/internal/broker"
	"tradecore/internal/config"
	"tradecore/internal/metrics"
	"tradecore/internal/oms"
	"tradecore/internal/position"
	"tradecore/internal/risk"
	"tradecore/internal/store"
	"tradecore/pkg/types"
)

// ErrBusy is returned by SubmitIntent when the intent buffer is full.
// The producer keeps its signal and decides whether to retry or drop.
var ErrBusy = errors.New("engine: intent buffer full")

// sweepTimeout bounds the cancel-all sweeps run on kill activation and
// on shutdown. These run on context.Background so a dying engine can
// still pull its orders.
const sweepTimeout = 30 * time.Second

var hundred = decimal.NewFromInt(100)

// Engine owns the lifecycle of all goroutines and the channels between
// them. All cross-component state lives in the OMS, the tracker and the
// risk manager; the engine only moves data between them.
type Engine struct {
	cfg     config.Config
	brk     broker.Broker
	stream  *broker.Stream // nil when the paper simulator supplies updates
	riskMgr *risk.Manager
	book    *oms.OMS
	tracker *position.Tracker
	store   *store.Store
	logger  *slog.Logger

	intents chan types.OrderIntent
	updates <-chan types.OrderUpdate
	events  chan Event

	// applyMu serializes applyOrderResult so the synchronous place path
	// and the async update pump cannot fold the same fill slice twice.
	applyMu sync.Mutex

	// Equity baselines for drawdown computation. dayStart resets at UTC
	// midnight, highWater only ever rises. breakerSeen is the last state
	// observed so transitions can be reported exactly once.
	equityMu    sync.Mutex
	day         string
	dayStart    decimal.Decimal
	highWater   decimal.Decimal
	equity      decimal.Decimal
	lastDaily   decimal.Decimal
	lastTotal   decimal.Decimal
	breakerSeen risk.BreakerState

	// marks maps symbol → last observed price, fed by SetMark and by
	// broker position snapshots during reconciliation.
	marksMu sync.RWMutex
	marks   map[string]decimal.Decimal

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components. Paper mode runs the
// in-memory simulator; live mode runs the REST adapter plus the order
// update stream.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	var (
		brk     broker.Broker
		stream  *broker.Stream
		updates <-chan types.OrderUpdate
	)
	if cfg.Broker.Paper {
		pb := broker.NewPaperBroker(decimal.NewFromFloat(cfg.Broker.PaperCash), logger)
		brk = pb
		updates = pb.OrderUpdates()
	} else {
		brk = broker.NewAlpacaBroker(cfg.Broker, logger)
		stream = broker.NewStream(cfg.Broker, logger)
		updates = stream.OrderUpdates()
	}
	return newEngine(cfg, brk, stream, updates, logger)
}

// newEngine finishes construction. Split from New so tests can inject
// a broker double and their own update channel.
func newEngine(cfg config.Config, brk broker.Broker, stream *broker.Stream, updates <-chan types.OrderUpdate, logger *slog.Logger) (*Engine, error) {
	riskMgr := risk.NewManager(cfg.Risk, cfg.Admin.Code, logger)

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:         cfg,
		brk:         brk,
		stream:      stream,
		riskMgr:     riskMgr,
		book:        oms.New(riskMgr.KillSwitch(), logger),
		tracker:     position.NewTracker(cfg.Risk.RejectReversals, logger),
		store:       st,
		logger:      logger.With("component", "engine"),
		intents:     make(chan types.OrderIntent, cfg.Engine.IntentBuffer),
		updates:     updates,
		events:      make(chan Event, cfg.Engine.EventBuffer),
		breakerSeen: risk.BreakerClosed,
		marks:       make(map[string]decimal.Decimal),
		ctx:         ctx,
		cancel:      cancel,
	}

	if err := e.restore(); err != nil {
		cancel()
		st.Close()
		return nil, err
	}
	return e, nil
}

// restore reloads the last persisted snapshot, if any, into the OMS and
// the tracker. Marks are reseeded from the saved positions so market
// orders can be priced before the first reconcile pass.
func (e *Engine) restore() error {
	st, err := e.store.LoadState()
	if err != nil {
		return err
	}
	if st == nil {
		return nil
	}
	e.book.Restore(st.Orders)
	e.tracker.Restore(st.Positions)

	e.marksMu.Lock()
	for _, p := range st.Positions {
		if p.IsOpen() && p.CurrentPrice.IsPositive() {
			e.marks[p.Symbol] = p.CurrentPrice
		}
	}
	e.marksMu.Unlock()

	e.logger.Info("state restored",
		"orders", len(st.Orders),
		"positions", len(st.Positions),
		"saved_at", st.SavedAt)
	return nil
}

// Start launches all background goroutines: the trade stream (live
// mode), the intent loop, the update pump, the equity monitor, the
// reconciler and the kill watcher.
func (e *Engine) Start() error {
	if e.stream != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.stream.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("trade stream error", "error", err)
			}
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runIntents()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runOrderEvents()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runMonitor()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runReconciler()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runKillWatcher()
	}()

	e.logger.Info("engine started",
		"paper", e.brk.IsPaper(),
		"mark_interval", e.cfg.Engine.MarkInterval,
		"reconcile_interval", e.cfg.Engine.ReconcileInterval)
	return nil
}

// Stop gracefully shuts down: cancels all loops, pulls every open order
// off the broker as a safety net, waits for goroutines, persists a final
// snapshot, and closes resources.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	if n, err := e.book.CancelAllOpen(ctx, e.brk, ""); err != nil {
		e.logger.Error("cancel-all on shutdown", "cancelled", n, "error", err)
	} else if n > 0 {
		e.logger.Info("open orders cancelled on shutdown", "count", n)
	}

	e.wg.Wait()

	if err := e.saveSnapshot(); err != nil {
		e.logger.Error("final snapshot", "error", err)
	}

	if e.stream != nil {
		e.stream.Close()
	}
	if err := e.store.Close(); err != nil {
		e.logger.Error("close store", "error", err)
	}

	e.logger.Info("shutdown complete")
}

// SubmitIntent validates an intent and queues it for the risk gate. It
// never blocks: a full buffer returns ErrBusy and the producer keeps
// ownership of its signal.
func (e *Engine) SubmitIntent(in types.OrderIntent) error {
	if err := in.Validate(); err != nil {
		return err
	}
	if e.ctx.Err() != nil {
		return e.ctx.Err()
	}
	select {
	case e.intents <- in:
		return nil
	default:
		return ErrBusy
	}
}

// SetMark records an observed market price. Marks serve as reference
// prices for market-order risk checks and refresh unrealized P&L; in
// paper mode the simulator also fills resting market orders against
// them.
func (e *Engine) SetMark(symbol string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	e.marksMu.Lock()
	e.marks[symbol] = price
	e.marksMu.Unlock()
	e.tracker.UpdateMarketPrices(map[string]decimal.Decimal{symbol: price})
	if pb, ok := e.brk.(*broker.PaperBroker); ok {
		pb.SetMark(symbol, price)
	}
}

// —— intent pipeline ————————————————————————————————————————————————

func (e *Engine) runIntents() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case in := <-e.intents:
			e.processIntent(in)
		}
	}
}

// processIntent runs one intent through the gate → OMS → broker chain.
// Rejected intents never touch the OMS; placement failures are recorded
// as REJECTED orders so every admitted intent leaves an audit trail.
func (e *Engine) processIntent(in types.OrderIntent) {
	price, ok := e.referencePrice(in)
	if !ok {
		metrics.RiskChecks.WithLabelValues("rejected").Inc()
		metrics.OrdersRejected.WithLabelValues(in.ProducerID, "no_reference_price").Inc()
		e.emit(newEvent(EventRejection, RejectionEvent{
			ClientOrderID: in.ClientOrderID,
			ProducerID:    in.ProducerID,
			Symbol:        in.Symbol,
			Reason:        "no reference price for " + in.Symbol,
		}))
		e.logger.Warn("intent rejected: no reference price",
			"producer", in.ProducerID, "symbol", in.Symbol)
		return
	}

	res := e.riskMgr.CheckOrder(e.buildCheckRequest(in, price))
	if !res.Approved {
		metrics.RiskChecks.WithLabelValues("rejected").Inc()
		reason := "rejected"
		if len(res.Violations) > 0 {
			reason = string(res.Violations[0].Kind)
		}
		metrics.OrdersRejected.WithLabelValues(in.ProducerID, reason).Inc()
		e.emit(rejectionEvent(in, res))
		e.logger.Warn("intent rejected",
			"producer", in.ProducerID,
			"symbol", in.Symbol,
			"reason", res.RejectionReason)
		return
	}
	metrics.RiskChecks.WithLabelValues("approved").Inc()
	for _, w := range res.Warnings {
		e.logger.Warn("risk warning",
			"producer", in.ProducerID, "symbol", in.Symbol, "message", w.Message)
	}

	ord, err := e.book.Create(in)
	if err != nil {
		reason := "invalid"
		if errors.Is(err, oms.ErrKillSwitchActive) {
			reason = string(risk.KindKillSwitchActive)
		}
		metrics.OrdersRejected.WithLabelValues(in.ProducerID, reason).Inc()
		e.emit(newEvent(EventRejection, RejectionEvent{
			ClientOrderID: in.ClientOrderID,
			ProducerID:    in.ProducerID,
			Symbol:        in.Symbol,
			Reason:        err.Error(),
		}))
		e.logger.Warn("order not admitted",
			"producer", in.ProducerID, "symbol", in.Symbol, "error", err)
		return
	}
	if ord.State != types.OrderPending {
		// Duplicate client order id: Create returned the already-managed
		// order, which has been placed (or resolved) before.
		e.logger.Info("duplicate intent ignored",
			"client_order_id", ord.ClientOrderID, "state", ord.State)
		return
	}
	metrics.OrdersCreated.WithLabelValues(in.ProducerID).Inc()
	in.ClientOrderID = ord.ClientOrderID
	defer e.setOpenOrdersGauge()

	tctx, cancel := context.WithTimeout(e.ctx, e.cfg.Broker.OrderTimeout)
	start := time.Now()
	result, perr := e.brk.PlaceOrder(tctx, in)
	interrupted := errors.Is(perr, context.DeadlineExceeded) || tctx.Err() != nil
	cancel()
	metrics.OrderPlaceLatency.Observe(time.Since(start).Seconds())

	switch {
	case perr == nil:
		if _, serr := e.book.Submit(ord.ClientOrderID, result.OrderID); serr != nil {
			e.logger.Error("submit bookkeeping",
				"client_order_id", ord.ClientOrderID, "error", serr)
			return
		}
		metrics.OrdersSubmitted.WithLabelValues(in.ProducerID).Inc()
		e.applyOrderResult(result)

	case interrupted:
		// The broker may have accepted the order. Hold it SUBMITTED
		// without a broker id; reconciliation or the update stream
		// attaches the id when the truth arrives.
		if _, serr := e.book.Submit(ord.ClientOrderID, ""); serr != nil {
			e.logger.Error("optimistic submit",
				"client_order_id", ord.ClientOrderID, "error", serr)
			return
		}
		metrics.OrdersSubmitted.WithLabelValues(in.ProducerID).Inc()
		e.logger.Warn("order placement interrupted, holding SUBMITTED",
			"client_order_id", ord.ClientOrderID, "symbol", in.Symbol, "error", perr)
		if o, gerr := e.book.ByClientID(ord.ClientOrderID); gerr == nil {
			e.emit(orderEvent(o, "placement interrupted"))
		}

	default:
		reason := "broker_error"
		if errors.Is(perr, broker.ErrInsufficientFunds) {
			reason = "insufficient_funds"
		}
		metrics.OrdersRejected.WithLabelValues(in.ProducerID, reason).Inc()
		rej, rerr := e.book.Reject(ord.ClientOrderID, perr.Error())
		if rerr != nil {
			e.logger.Error("reject bookkeeping",
				"client_order_id", ord.ClientOrderID, "error", rerr)
			return
		}
		e.emit(orderEvent(rej, perr.Error()))
		e.logger.Error("order placement failed",
			"client_order_id", ord.ClientOrderID, "symbol", in.Symbol, "error", perr)
	}
}

// buildCheckRequest assembles the portfolio context the gate checks the
// intent against. Account equity is fetched fresh; on failure the last
// good sample serves so a flaky broker cannot disable the gate.
func (e *Engine) buildCheckRequest(in types.OrderIntent, price decimal.Decimal) risk.CheckRequest {
	req := risk.CheckRequest{
		Symbol:          in.Symbol,
		Side:            in.Side,
		Quantity:        in.Quantity,
		Price:           price,
		ProducerID:      in.ProducerID,
		OpenPositions:   e.tracker.OpenCount(),
		CapitalDeployed: e.tracker.DeployedCost(),
		StopLossPrice:   in.StopLossPrice,
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.Broker.OrderTimeout)
	acct, err := e.brk.GetAccount(ctx)
	cancel()
	if err != nil {
		e.logger.Warn("account fetch failed, using last equity", "error", err)
	} else {
		e.updateEquity(acct)
	}

	e.equityMu.Lock()
	req.PortfolioValue = e.equity
	req.DailyDrawdownPct = e.lastDaily
	req.TotalDrawdownPct = e.lastTotal
	e.equityMu.Unlock()

	if mark, ok := e.markFor(in.Symbol); ok {
		req.LastTradedPrice = &mark
	}
	return req
}

// referencePrice picks the price the gate values the intent at: the
// limit price when the order carries one, otherwise the latest mark.
func (e *Engine) referencePrice(in types.OrderIntent) (decimal.Decimal, bool) {
	if in.LimitPrice != nil && in.LimitPrice.IsPositive() {
		return *in.LimitPrice, true
	}
	return e.markFor(in.Symbol)
}

func (e *Engine) markFor(symbol string) (decimal.Decimal, bool) {
	e.marksMu.RLock()
	p, ok := e.marks[symbol]
	e.marksMu.RUnlock()
	return p, ok
}

// —— order update pump ——————————————————————————————————————————————

func (e *Engine) runOrderEvents() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case up, ok := <-e.updates:
			if !ok {
				return
			}
			metrics.OrderUpdates.WithLabelValues(up.Event).Inc()
			e.applyOrderResult(up.Result)
		}
	}
}

// applyOrderResult is the single chokepoint that folds a broker order
// result into the OMS and the tracker. Both the synchronous place path
// and the async update pump land here; applyMu makes the before/after
// fill delta race-free so no slice is counted twice.
func (e *Engine) applyOrderResult(res types.OrderResult) {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	before, err := e.lookupOrder(res)
	if err != nil {
		// An order this instance never created (manual trade, another
		// client on the same account). Count it and leave the position
		// delta to reconciliation.
		metrics.FillsDropped.Inc()
		e.logger.Warn("update for unknown order",
			"broker_order_id", res.OrderID,
			"client_order_id", res.ClientOrderID,
			"status", res.Status)
		return
	}

	after, err := e.book.UpdateFromBroker(res)
	if err != nil {
		e.logger.Error("apply broker update",
			"broker_order_id", res.OrderID, "error", err)
		return
	}

	if after.State != before.State {
		e.emit(orderEvent(after, res.Reason))
		switch after.State {
		case types.OrderFilled:
			metrics.OrdersFilled.WithLabelValues(after.ProducerID).Inc()
		case types.OrderCancelled:
			metrics.OrdersCancelled.WithLabelValues(after.ProducerID).Inc()
		}
		e.setOpenOrdersGauge()
	}

	delta := after.FilledQuantity.Sub(before.FilledQuantity)
	if delta.IsPositive() {
		fillPx := sliceFillPrice(before, after, delta)
		pos, perr := e.tracker.ApplyFill(after.ProducerID, after.Symbol, after.Side, delta, fillPx)
		if perr != nil {
			e.logger.Error("track fill",
				"producer", after.ProducerID, "symbol", after.Symbol, "error", perr)
		} else {
			e.emit(fillEvent(after, delta, fillPx, pos))
			metrics.OpenPositions.WithLabelValues(after.ProducerID).
				Set(float64(len(e.tracker.OpenPositions(after.ProducerID))))
		}
	}

	if delta.IsPositive() || (after.State != before.State && after.State.IsTerminal()) {
		if err := e.saveSnapshot(); err != nil {
			e.logger.Error("snapshot", "error", err)
		}
	}
}

// lookupOrder resolves a broker result to the managed order it belongs
// to, by broker id first, then by client id (covers orders held
// SUBMITTED without a broker id after a timeout).
func (e *Engine) lookupOrder(res types.OrderResult) (oms.ManagedOrder, error) {
	if res.OrderID != "" {
		if o, err := e.book.ByBrokerID(res.OrderID); err == nil {
			return o, nil
		}
	}
	return e.book.ByClientID(res.ClientOrderID)
}

// sliceFillPrice backs the price of the newest slice out of the
// cumulative averages the broker reports.
func sliceFillPrice(before, after oms.ManagedOrder, delta decimal.Decimal) decimal.Decimal {
	notional := after.AvgFillPrice.Mul(after.FilledQuantity).
		Sub(before.AvgFillPrice.Mul(before.FilledQuantity))
	px := notional.Div(delta)
	if px.IsPositive() {
		return px
	}
	return after.AvgFillPrice
}

// —— equity monitor —————————————————————————————————————————————————

func (e *Engine) runMonitor() {
	ticker := time.NewTicker(e.cfg.Engine.MarkInterval)
	defer ticker.Stop()

	e.observeEquity()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.observeEquity()
		}
	}
}

func (e *Engine) observeEquity() {
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.Broker.OrderTimeout)
	acct, err := e.brk.GetAccount(ctx)
	cancel()
	if err != nil {
		if e.ctx.Err() == nil {
			e.logger.Warn("account fetch failed", "error", err)
		}
		return
	}
	e.updateEquity(acct)
}

// updateEquity folds a fresh account snapshot into the drawdown
// baselines and drives the circuit breaker. The day baseline rolls at
// UTC midnight; the high-water mark only ever rises.
func (e *Engine) updateEquity(acct types.AccountSnapshot) {
	e.equityMu.Lock()

	today := time.Now().UTC().Format("2006-01-02")
	if e.day != today {
		e.day = today
		e.dayStart = acct.Equity
	}
	if acct.Equity.GreaterThan(e.highWater) {
		e.highWater = acct.Equity
	}
	e.equity = acct.Equity

	daily := drawdownPct(e.dayStart, acct.Equity)
	total := drawdownPct(e.highWater, acct.Equity)
	e.lastDaily, e.lastTotal = daily, total

	state := e.riskMgr.Breaker().UpdateDrawdown(daily, total)
	changed := state != e.breakerSeen
	e.breakerSeen = state
	e.equityMu.Unlock()

	eq, _ := acct.Equity.Float64()
	metrics.Equity.Set(eq)
	d, _ := daily.Float64()
	metrics.DailyDrawdown.Set(d)
	t, _ := total.Float64()
	metrics.TotalDrawdown.Set(t)
	metrics.SetBreakerState(string(state))
	if e.riskMgr.KillSwitch().IsActive("") {
		metrics.KillSwitchActive.Set(1)
	} else {
		metrics.KillSwitchActive.Set(0)
	}

	if changed {
		metrics.BreakerTransitions.WithLabelValues(string(state)).Inc()
		snap := e.riskMgr.Breaker().Snapshot()
		e.emit(newEvent(EventBreaker, BreakerEvent{
			State:            state,
			DailyDrawdownPct: daily,
			TotalDrawdownPct: total,
			Reason:           snap.TripReason,
		}))
		e.logger.Warn("breaker state change",
			"state", state, "daily_pct", daily, "total_pct", total)
	}
}

// drawdownPct is (base − equity) / base × 100, floored at zero. A zero
// or negative base yields zero so an unseeded baseline cannot trip
// anything.
func drawdownPct(base, equity decimal.Decimal) decimal.Decimal {
	if !base.IsPositive() || equity.GreaterThanOrEqual(base) {
		return decimal.Zero
	}
	return base.Sub(equity).Div(base).Mul(hundred)
}

// —— reconciliation —————————————————————————————————————————————————

func (e *Engine) runReconciler() {
	ticker := time.NewTicker(e.cfg.Engine.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if err := e.reconcile(); err != nil && e.ctx.Err() == nil {
				e.logger.Error("reconcile pass failed", "error", err)
			}
		}
	}
}

// staticPositions adapts an already-fetched broker snapshot to the
// PositionLister the tracker compares against, so one pass does not hit
// the broker twice.
type staticPositions []types.PositionSnapshot

func (s staticPositions) ListPositions(context.Context) ([]types.PositionSnapshot, error) {
	return s, nil
}

// reconcile fetches the account and positions concurrently, refreshes
// marks and equity from them, and reports where the local book and the
// broker disagree. It never mutates positions.
func (e *Engine) reconcile() error {
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.Broker.OrderTimeout)
	defer cancel()

	var (
		acct  types.AccountSnapshot
		snaps []types.PositionSnapshot
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		acct, err = e.brk.GetAccount(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		snaps, err = e.brk.ListPositions(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	e.refreshMarks(snaps)
	e.updateEquity(acct)

	report, err := e.tracker.Reconcile(ctx, staticPositions(snaps))
	if err != nil {
		return err
	}

	counts := make(map[position.DiscrepancyKind]int)
	for _, d := range report.Discrepancies {
		counts[d.Kind]++
	}
	for _, kind := range []position.DiscrepancyKind{
		position.MissingBroker, position.MissingLocal, position.QuantityMismatch,
	} {
		metrics.ReconcileDiscrepancies.WithLabelValues(string(kind)).Set(float64(counts[kind]))
	}
	realized, _ := e.tracker.TotalRealizedPnL().Float64()
	metrics.RealizedPnL.Set(realized)
	unrealized, _ := e.tracker.TotalUnrealizedPnL().Float64()
	metrics.UnrealizedPnL.Set(unrealized)

	if !report.Clean {
		e.logger.Warn("reconciliation found discrepancies",
			"count", len(report.Discrepancies),
			"local", report.LocalPositions,
			"broker", report.BrokerPositions)
	}
	e.emit(newEvent(EventReconcile, report))
	return nil
}

// refreshMarks folds broker-reported prices into the mark table and the
// tracker's unrealized P&L.
func (e *Engine) refreshMarks(snaps []types.PositionSnapshot) {
	if len(snaps) == 0 {
		return
	}
	prices := make(map[string]decimal.Decimal, len(snaps))
	e.marksMu.Lock()
	for _, s := range snaps {
		if s.CurrentPrice.IsPositive() {
			e.marks[s.Symbol] = s.CurrentPrice
			prices[s.Symbol] = s.CurrentPrice
		}
	}
	e.marksMu.Unlock()
	e.tracker.UpdateMarketPrices(prices)
}

// —— kill watcher ———————————————————————————————————————————————————

func (e *Engine) runKillWatcher() {
	notif := e.riskMgr.KillSwitch().Notifications()
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev := <-notif:
			e.handleKillEvent(ev)
		}
	}
}

// handleKillEvent mirrors a kill-switch flip to metrics and the event
// stream and, on activation, pulls every open order in the affected
// scope off the broker.
func (e *Engine) handleKillEvent(ev risk.AuditEvent) {
	activated := ev.To == risk.KillStateActive
	if activated {
		metrics.KillActivations.WithLabelValues(ev.Scope).Inc()
	}
	if ev.Scope == risk.ScopeGlobal {
		if activated {
			metrics.KillSwitchActive.Set(1)
		} else {
			metrics.KillSwitchActive.Set(0)
		}
	}
	e.emit(newEvent(EventKill, ev))

	if !activated {
		e.logger.Info("kill switch released", "scope", ev.Scope, "trigger", ev.Trigger)
		return
	}

	producer := ev.Scope
	if ev.Scope == risk.ScopeGlobal {
		producer = ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	n, err := e.book.CancelAllOpen(ctx, e.brk, producer)
	if err != nil {
		e.logger.Error("kill sweep", "scope", ev.Scope, "cancelled", n, "error", err)
	} else {
		e.logger.Warn("kill switch active, open orders cancelled",
			"scope", ev.Scope, "trigger", ev.Trigger, "cancelled", n)
	}
	e.setOpenOrdersGauge()
	if err := e.saveSnapshot(); err != nil {
		e.logger.Error("snapshot after kill sweep", "error", err)
	}
}

// —— persistence and plumbing ———————————————————————————————————————

func (e *Engine) saveSnapshot() error {
	return e.store.SaveState(store.State{
		Orders:        e.book.Snapshot(),
		Positions:     e.tracker.Snapshot(),
		KillEvents:    e.riskMgr.KillSwitch().Events(0, ""),
		BreakerEvents: e.riskMgr.Breaker().Events(0),
	})
}

// emit publishes without blocking; when the consumer cannot keep up the
// event is dropped.
func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
	}
}

func (e *Engine) setOpenOrdersGauge() {
	metrics.OpenOrders.Set(float64(len(e.book.OpenOrders(""))))
}

// Events exposes the engine's event stream. The channel is never
// closed; consumers select against their own done signal.
func (e *Engine) Events() <-chan Event { return e.events }

// Broker exposes the active broker adapter.
func (e *Engine) Broker() broker.Broker { return e.brk }

// Risk exposes the risk manager (gate, kill switch, circuit breaker).
func (e *Engine) Risk() *risk.Manager { return e.riskMgr }

// Orders exposes the order book.
func (e *Engine) Orders() *oms.OMS { return e.book }

// Positions exposes the position tracker.
func (e *Engine) Positions() *position.Tracker { return e.tracker }
