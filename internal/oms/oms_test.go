package oms

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"tradecore/internal/broker"
	"tradecore/internal/risk"
	"tradecore/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOMS() *OMS {
	return New(nil, testLogger())
}

func dec(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func testIntent(clientID, producer, symbol string, qty float64) types.OrderIntent {
	limit := dec(150)
	return types.OrderIntent{
		ClientOrderID: clientID,
		ProducerID:    producer,
		Symbol:        symbol,
		Side:          types.BUY,
		Kind:          types.Limit,
		Quantity:      dec(qty),
		LimitPrice:    &limit,
		TimeInForce:   types.TIFDay,
	}
}

func mustCreate(t *testing.T, o *OMS, in types.OrderIntent) ManagedOrder {
	t.Helper()
	ord, err := o.Create(in)
	if err != nil {
		t.Fatalf("Create(%s): %v", in.ClientOrderID, err)
	}
	return ord
}

func mustSubmit(t *testing.T, o *OMS, clientID, brokerID string) ManagedOrder {
	t.Helper()
	ord, err := o.Submit(clientID, brokerID)
	if err != nil {
		t.Fatalf("Submit(%s): %v", clientID, err)
	}
	return ord
}

func TestCreateIsIdempotent(t *testing.T) {
	t.Parallel()
	o := newTestOMS()

	first := mustCreate(t, o, testIntent("c1", "alpha", "AAPL", 100))
	second := mustCreate(t, o, testIntent("c1", "alpha", "AAPL", 100))

	if first.InternalID != second.InternalID {
		t.Fatalf("duplicate create allocated a new order: %s vs %s", first.InternalID, second.InternalID)
	}
	if got := len(o.Snapshot()); got != 1 {
		t.Fatalf("book holds %d orders, want 1", got)
	}
	if first.State != types.OrderPending {
		t.Fatalf("state = %s, want PENDING", first.State)
	}
}

func TestCreateGeneratesClientIDWhenEmpty(t *testing.T) {
	t.Parallel()
	o := newTestOMS()

	in := testIntent("", "alpha", "AAPL", 100)
	ord := mustCreate(t, o, in)

	if ord.ClientOrderID == "" {
		t.Fatal("client order id not generated")
	}
	if !strings.HasPrefix(ord.ClientOrderID, "alpha_AAPL_") {
		t.Fatalf("generated id %q lacks producer_symbol prefix", ord.ClientOrderID)
	}
	if _, err := o.ByClientID(ord.ClientOrderID); err != nil {
		t.Fatalf("generated id not indexed: %v", err)
	}
}

func TestCreateRefusedWhileKillSwitchActive(t *testing.T) {
	t.Parallel()
	ks := risk.NewKillSwitch("admin123", testLogger())
	o := New(ks, testLogger())

	ks.ActivateGlobal("manual halt", "operator")
	if _, err := o.Create(testIntent("c1", "alpha", "AAPL", 100)); !errors.Is(err, ErrKillSwitchActive) {
		t.Fatalf("Create during halt: err = %v, want ErrKillSwitchActive", err)
	}
	if got := len(o.Snapshot()); got != 0 {
		t.Fatalf("halted create still stored %d orders", got)
	}

	if _, err := ks.DeactivateGlobal("admin123", "resolved"); err != nil {
		t.Fatalf("DeactivateGlobal: %v", err)
	}
	if _, err := o.Create(testIntent("c1", "alpha", "AAPL", 100)); err != nil {
		t.Fatalf("Create after halt cleared: %v", err)
	}
}

func TestCreateRefusedForHaltedProducer(t *testing.T) {
	t.Parallel()
	ks := risk.NewKillSwitch("admin123", testLogger())
	o := New(ks, testLogger())

	ks.ActivateStrategy("alpha", "drawdown breach", "risk_manager")
	if _, err := o.Create(testIntent("c1", "alpha", "AAPL", 100)); !errors.Is(err, ErrKillSwitchActive) {
		t.Fatalf("Create for halted producer: err = %v, want ErrKillSwitchActive", err)
	}
	if _, err := o.Create(testIntent("c2", "beta", "MSFT", 10)); err != nil {
		t.Fatalf("Create for unaffected producer: %v", err)
	}
}

func TestCreateDuplicateDuringHalt(t *testing.T) {
	t.Parallel()
	ks := risk.NewKillSwitch("admin123", testLogger())
	o := New(ks, testLogger())

	first := mustCreate(t, o, testIntent("c1", "alpha", "AAPL", 100))
	ks.ActivateGlobal("drawdown halt", "circuit_breaker")

	// A halt refuses new orders but never breaks create idempotency:
	// retrying a known client id returns the existing order unchanged.
	dup, err := o.Create(testIntent("c1", "alpha", "AAPL", 100))
	if err != nil {
		t.Fatalf("duplicate create during halt: %v", err)
	}
	if dup.InternalID != first.InternalID {
		t.Fatalf("duplicate allocated a new order: %s vs %s", dup.InternalID, first.InternalID)
	}
	if dup.State != first.State {
		t.Fatalf("duplicate state = %s, want %s unchanged", dup.State, first.State)
	}

	if _, err := o.Create(testIntent("c9", "alpha", "AAPL", 100)); !errors.Is(err, ErrKillSwitchActive) {
		t.Fatalf("new create during halt: err = %v, want ErrKillSwitchActive", err)
	}
	if got := len(o.Snapshot()); got != 1 {
		t.Fatalf("book holds %d orders, want 1", got)
	}
}

func TestSubmitRecordsBrokerID(t *testing.T) {
	t.Parallel()
	o := newTestOMS()
	mustCreate(t, o, testIntent("c1", "alpha", "AAPL", 100))

	ord := mustSubmit(t, o, "c1", "b1")
	if ord.State != types.OrderSubmitted {
		t.Fatalf("state = %s, want SUBMITTED", ord.State)
	}
	if ord.BrokerOrderID != "b1" {
		t.Fatalf("broker order id = %q, want b1", ord.BrokerOrderID)
	}
	if ord.SubmittedAt.IsZero() {
		t.Fatal("SubmittedAt not stamped")
	}
	if _, err := o.ByBrokerID("b1"); err != nil {
		t.Fatalf("broker index not populated: %v", err)
	}

	if _, err := o.Submit("c1", "b1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("double submit: err = %v, want ErrInvalidTransition", err)
	}
}

func TestSubmitTimeoutLeavesBrokerIDEmpty(t *testing.T) {
	t.Parallel()
	o := newTestOMS()
	mustCreate(t, o, testIntent("c1", "alpha", "AAPL", 100))

	// Timed-out place call: submitted optimistically with no broker id.
	ord := mustSubmit(t, o, "c1", "")
	if ord.State != types.OrderSubmitted || ord.BrokerOrderID != "" {
		t.Fatalf("got state %s broker id %q, want SUBMITTED with empty id", ord.State, ord.BrokerOrderID)
	}

	// Reconciliation later finds the order at the broker.
	upd, err := o.UpdateFromBroker(types.OrderResult{
		OrderID:       "b9",
		ClientOrderID: "c1",
		Status:        types.StatusAccepted,
	})
	if err != nil {
		t.Fatalf("UpdateFromBroker: %v", err)
	}
	if upd.BrokerOrderID != "b9" {
		t.Fatalf("broker id not attached, got %q", upd.BrokerOrderID)
	}
	if _, err := o.ByBrokerID("b9"); err != nil {
		t.Fatalf("late broker id not indexed: %v", err)
	}
}

func TestBrokerIDImmutableOnceSet(t *testing.T) {
	t.Parallel()
	o := newTestOMS()
	mustCreate(t, o, testIntent("c1", "alpha", "AAPL", 100))
	mustSubmit(t, o, "c1", "b1")

	upd, err := o.UpdateFromBroker(types.OrderResult{
		OrderID:       "b2",
		ClientOrderID: "c1",
		Status:        types.StatusAccepted,
	})
	if err != nil {
		t.Fatalf("UpdateFromBroker: %v", err)
	}
	if upd.BrokerOrderID != "b1" {
		t.Fatalf("broker id overwritten: got %q, want b1", upd.BrokerOrderID)
	}
}

func TestRejectCarriesReason(t *testing.T) {
	t.Parallel()
	o := newTestOMS()
	mustCreate(t, o, testIntent("c1", "alpha", "AAPL", 100))

	ord, err := o.Reject("c1", "insufficient buying power")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if ord.State != types.OrderRejected {
		t.Fatalf("state = %s, want REJECTED", ord.State)
	}
	if ord.RejectionReason != "insufficient buying power" {
		t.Fatalf("reason = %q", ord.RejectionReason)
	}

	if _, err := o.Reject("c1", "again"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("reject terminal order: err = %v, want ErrInvalidTransition", err)
	}
}

func TestFillLifecycle(t *testing.T) {
	t.Parallel()
	o := newTestOMS()
	mustCreate(t, o, testIntent("c1", "alpha", "AAPL", 100))
	mustSubmit(t, o, "c1", "b1")

	// Partial fill: 40 of 100.
	ord, err := o.ApplyFill("b1", dec(40), dec(150.10), dec(0.40))
	if err != nil {
		t.Fatalf("ApplyFill(40): %v", err)
	}
	if ord.State != types.OrderPartiallyFilled {
		t.Fatalf("state = %s, want PARTIALLY_FILLED", ord.State)
	}
	if !ord.FilledQuantity.Equal(dec(40)) {
		t.Fatalf("filled = %s, want 40", ord.FilledQuantity)
	}

	// Completion: cumulative 100 of 100.
	ord, err = o.ApplyFill("b1", dec(100), dec(150.25), dec(1.00))
	if err != nil {
		t.Fatalf("ApplyFill(100): %v", err)
	}
	if ord.State != types.OrderFilled {
		t.Fatalf("state = %s, want FILLED", ord.State)
	}
	if !ord.FilledQuantity.Equal(ord.Quantity) {
		t.Fatalf("filled = %s, want full quantity %s", ord.FilledQuantity, ord.Quantity)
	}
	if !ord.AvgFillPrice.Equal(dec(150.25)) {
		t.Fatalf("avg fill price = %s, want 150.25", ord.AvgFillPrice)
	}
	if ord.FilledAt.IsZero() {
		t.Fatal("FilledAt not stamped")
	}

	// Stale report arrives out of order: ignored, not an error.
	ord, err = o.ApplyFill("b1", dec(60), dec(150.10), dec(0.60))
	if err != nil {
		t.Fatalf("stale ApplyFill: %v", err)
	}
	if ord.State != types.OrderFilled || !ord.FilledQuantity.Equal(dec(100)) {
		t.Fatalf("stale fill mutated order: state %s filled %s", ord.State, ord.FilledQuantity)
	}
}

func TestFillUnknownBrokerIDDropped(t *testing.T) {
	t.Parallel()
	o := newTestOMS()
	mustCreate(t, o, testIntent("c1", "alpha", "AAPL", 100))
	mustSubmit(t, o, "c1", "b1")

	if _, err := o.ApplyFill("ghost", dec(10), dec(150), decimal.Zero); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("unknown fill: err = %v, want ErrOrderNotFound", err)
	}
	if got := len(o.Snapshot()); got != 1 {
		t.Fatalf("phantom order created: book holds %d", got)
	}
}

func TestFillOverfillClamped(t *testing.T) {
	t.Parallel()
	o := newTestOMS()
	mustCreate(t, o, testIntent("c1", "alpha", "AAPL", 100))
	mustSubmit(t, o, "c1", "b1")

	ord, err := o.ApplyFill("b1", dec(120), dec(150), decimal.Zero)
	if err != nil {
		t.Fatalf("ApplyFill: %v", err)
	}
	if !ord.FilledQuantity.Equal(dec(100)) {
		t.Fatalf("filled = %s, want clamped 100", ord.FilledQuantity)
	}
	if ord.State != types.OrderFilled {
		t.Fatalf("state = %s, want FILLED", ord.State)
	}
}

func TestUpdateFromBrokerWalksSkippedStates(t *testing.T) {
	t.Parallel()
	o := newTestOMS()
	mustCreate(t, o, testIntent("c1", "alpha", "AAPL", 100))

	// Fast fill raced the submit ack: order is still PENDING when the
	// FILLED report arrives.
	ord, err := o.UpdateFromBroker(types.OrderResult{
		OrderID:        "b1",
		ClientOrderID:  "c1",
		Status:         types.StatusFilled,
		FilledQuantity: dec(100),
		AvgFillPrice:   dec(150.50),
	})
	if err != nil {
		t.Fatalf("UpdateFromBroker: %v", err)
	}
	if ord.State != types.OrderFilled {
		t.Fatalf("state = %s, want FILLED", ord.State)
	}
	if ord.SubmittedAt.IsZero() {
		t.Fatal("walk skipped SUBMITTED timestamp")
	}
	if ord.FilledAt.IsZero() {
		t.Fatal("FilledAt not stamped")
	}
	if ord.BrokerOrderID != "b1" {
		t.Fatalf("broker id = %q, want b1", ord.BrokerOrderID)
	}
	if !ord.FilledQuantity.Equal(dec(100)) {
		t.Fatalf("filled = %s, want 100", ord.FilledQuantity)
	}
}

func TestUpdateFromBrokerNoWalkKeepsStateAppliesFills(t *testing.T) {
	t.Parallel()
	o := newTestOMS()
	mustCreate(t, o, testIntent("c1", "alpha", "AAPL", 100))
	mustSubmit(t, o, "c1", "b1")
	if _, err := o.Cancel("c1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// A late fill report lands after the local cancel. CANCELLED has
	// no outgoing edges, so the state holds but the fill is recorded.
	ord, err := o.UpdateFromBroker(types.OrderResult{
		OrderID:        "b1",
		Status:         types.StatusFilled,
		FilledQuantity: dec(100),
		AvgFillPrice:   dec(150),
	})
	if err != nil {
		t.Fatalf("UpdateFromBroker: %v", err)
	}
	if ord.State != types.OrderCancelled {
		t.Fatalf("state = %s, want CANCELLED retained", ord.State)
	}
	if !ord.FilledQuantity.Equal(dec(100)) {
		t.Fatalf("fill not applied: %s", ord.FilledQuantity)
	}
}

func TestUpdateFromBrokerCanonicalFolding(t *testing.T) {
	t.Parallel()
	o := newTestOMS()
	mustCreate(t, o, testIntent("c1", "alpha", "AAPL", 100))

	// ACCEPTED folds to SUBMITTED.
	ord, err := o.UpdateFromBroker(types.OrderResult{
		OrderID:       "b1",
		ClientOrderID: "c1",
		Status:        types.StatusAccepted,
	})
	if err != nil {
		t.Fatalf("UpdateFromBroker(ACCEPTED): %v", err)
	}
	if ord.State != types.OrderSubmitted {
		t.Fatalf("state = %s, want SUBMITTED", ord.State)
	}

	// EXPIRED folds to CANCELLED.
	ord, err = o.UpdateFromBroker(types.OrderResult{
		OrderID: "b1",
		Status:  types.StatusExpired,
		Reason:  "day order expired",
	})
	if err != nil {
		t.Fatalf("UpdateFromBroker(EXPIRED): %v", err)
	}
	if ord.State != types.OrderCancelled {
		t.Fatalf("state = %s, want CANCELLED", ord.State)
	}
	if ord.RejectionReason != "day order expired" {
		t.Fatalf("reason = %q", ord.RejectionReason)
	}
}

func TestUpdateFromBrokerUnknownOrderDropped(t *testing.T) {
	t.Parallel()
	o := newTestOMS()

	_, err := o.UpdateFromBroker(types.OrderResult{
		OrderID:        "ghost",
		Status:         types.StatusFilled,
		FilledQuantity: dec(5),
	})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("err = %v, want ErrOrderNotFound", err)
	}
	if got := len(o.Snapshot()); got != 0 {
		t.Fatalf("phantom order created: book holds %d", got)
	}
}

func TestCancelRules(t *testing.T) {
	t.Parallel()
	o := newTestOMS()
	mustCreate(t, o, testIntent("c1", "alpha", "AAPL", 100))

	// PENDING orders never reached the broker; cancel is illegal.
	if _, err := o.Cancel("c1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancel PENDING: err = %v, want ErrInvalidTransition", err)
	}

	mustSubmit(t, o, "c1", "b1")
	ord, err := o.Cancel("b1") // broker id works too
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if ord.State != types.OrderCancelled {
		t.Fatalf("state = %s, want CANCELLED", ord.State)
	}
	if ord.CancelledAt.IsZero() {
		t.Fatal("CancelledAt not stamped")
	}

	// Re-cancel is idempotent, not an error.
	if _, err := o.Cancel("c1"); err != nil {
		t.Fatalf("re-cancel: %v, want no error", err)
	}

	// Terminal fills and rejections cannot be cancelled.
	mustCreate(t, o, testIntent("c2", "alpha", "MSFT", 10))
	mustSubmit(t, o, "c2", "b2")
	if _, err := o.ApplyFill("b2", dec(10), dec(150), decimal.Zero); err != nil {
		t.Fatalf("ApplyFill: %v", err)
	}
	if _, err := o.Cancel("c2"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("cancel FILLED: err = %v, want ErrInvalidTransition", err)
	}
}

func TestPartialFillThenCancel(t *testing.T) {
	t.Parallel()
	o := newTestOMS()
	mustCreate(t, o, testIntent("c1", "alpha", "AAPL", 100))
	mustSubmit(t, o, "c1", "b")

	if _, err := o.ApplyFill("b", dec(40), dec(150), dec(1)); err != nil {
		t.Fatalf("ApplyFill: %v", err)
	}
	ord, err := o.Cancel("b")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if ord.State != types.OrderCancelled {
		t.Fatalf("state = %s, want CANCELLED", ord.State)
	}
	if !ord.FilledQuantity.Equal(dec(40)) {
		t.Fatalf("filled quantity = %s, want 40 preserved", ord.FilledQuantity)
	}
}

func TestGenerateClientOrderIDShape(t *testing.T) {
	t.Parallel()

	id := GenerateClientOrderID("alpha", "AAPL")
	parts := strings.Split(id, "_")
	if len(parts) != 4 {
		t.Fatalf("id %q has %d parts, want 4", id, len(parts))
	}
	if parts[0] != "alpha" || parts[1] != "AAPL" {
		t.Fatalf("id %q lacks producer and symbol", id)
	}
	if len(parts[2]) != 14 {
		t.Fatalf("timestamp part %q is not YYYYMMDDhhmmss", parts[2])
	}
	if len(parts[3]) != 8 {
		t.Fatalf("random part %q is not 8 chars", parts[3])
	}
	if other := GenerateClientOrderID("alpha", "AAPL"); other == id {
		t.Fatalf("two generated ids collide: %s", id)
	}
}

func TestOpenOrdersFiltersByProducer(t *testing.T) {
	t.Parallel()
	o := newTestOMS()
	mustCreate(t, o, testIntent("c1", "alpha", "AAPL", 100))
	mustCreate(t, o, testIntent("c2", "alpha", "MSFT", 50))
	mustCreate(t, o, testIntent("c3", "beta", "AAPL", 25))
	mustSubmit(t, o, "c1", "b1")
	if _, err := o.ApplyFill("b1", dec(100), dec(150), decimal.Zero); err != nil {
		t.Fatalf("ApplyFill: %v", err)
	}

	if got := len(o.OpenOrders("")); got != 2 {
		t.Fatalf("open orders = %d, want 2 (c1 is terminal)", got)
	}
	alpha := o.OpenOrders("alpha")
	if len(alpha) != 1 || alpha[0].ClientOrderID != "c2" {
		t.Fatalf("alpha open orders = %+v, want just c2", alpha)
	}
	if got := len(o.ByProducer("alpha")); got != 2 {
		t.Fatalf("alpha all orders = %d, want 2", got)
	}
}

func TestWalkPaths(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to types.OrderState
		hops     int // 0 means no path
	}{
		{types.OrderPending, types.OrderSubmitted, 1},
		{types.OrderPending, types.OrderFilled, 2},
		{types.OrderPending, types.OrderPartiallyFilled, 2},
		{types.OrderPending, types.OrderCancelled, 2},
		{types.OrderSubmitted, types.OrderFilled, 1},
		{types.OrderPartiallyFilled, types.OrderFilled, 1},
		{types.OrderFilled, types.OrderCancelled, 0},
		{types.OrderCancelled, types.OrderSubmitted, 0},
		{types.OrderRejected, types.OrderFilled, 0},
	}
	for _, tc := range cases {
		path := walk(tc.from, tc.to)
		if tc.hops == 0 {
			if path != nil {
				t.Errorf("walk(%s, %s) = %v, want none", tc.from, tc.to, path)
			}
			continue
		}
		if len(path) != tc.hops {
			t.Errorf("walk(%s, %s) = %v, want %d hops", tc.from, tc.to, path, tc.hops)
		}
		if len(path) > 0 && path[len(path)-1] != tc.to {
			t.Errorf("walk(%s, %s) ends at %s", tc.from, tc.to, path[len(path)-1])
		}
	}
}

// fakeCanceller records cancel calls and can fail selected ids.
type fakeCanceller struct {
	mu        sync.Mutex
	cancelled []string
	errs      map[string]error
}

func (f *fakeCanceller) CancelOrder(_ context.Context, brokerOrderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[brokerOrderID]; ok {
		return err
	}
	f.cancelled = append(f.cancelled, brokerOrderID)
	return nil
}

func TestCancelAllOpenSweepsBook(t *testing.T) {
	t.Parallel()
	o := newTestOMS()
	mustCreate(t, o, testIntent("c1", "alpha", "AAPL", 100))
	mustSubmit(t, o, "c1", "b1")
	mustCreate(t, o, testIntent("c2", "beta", "MSFT", 50))
	mustSubmit(t, o, "c2", "b2")
	mustCreate(t, o, testIntent("c3", "alpha", "TSLA", 10)) // stays PENDING

	fake := &fakeCanceller{}
	n, err := o.CancelAllOpen(context.Background(), fake, "")
	if err != nil {
		t.Fatalf("CancelAllOpen: %v", err)
	}
	if n != 2 {
		t.Fatalf("cancelled %d, want 2", n)
	}

	sort.Strings(fake.cancelled)
	if len(fake.cancelled) != 2 || fake.cancelled[0] != "b1" || fake.cancelled[1] != "b2" {
		t.Fatalf("broker cancels = %v, want [b1 b2]", fake.cancelled)
	}
	for _, id := range []string{"c1", "c2"} {
		ord, _ := o.ByClientID(id)
		if ord.State != types.OrderCancelled {
			t.Errorf("%s state = %s, want CANCELLED", id, ord.State)
		}
	}
	pending, _ := o.ByClientID("c3")
	if pending.State != types.OrderPending {
		t.Fatalf("PENDING order swept: state = %s", pending.State)
	}
}

func TestCancelAllOpenScopedToProducer(t *testing.T) {
	t.Parallel()
	o := newTestOMS()
	mustCreate(t, o, testIntent("c1", "alpha", "AAPL", 100))
	mustSubmit(t, o, "c1", "b1")
	mustCreate(t, o, testIntent("c2", "beta", "MSFT", 50))
	mustSubmit(t, o, "c2", "b2")

	fake := &fakeCanceller{}
	n, err := o.CancelAllOpen(context.Background(), fake, "alpha")
	if err != nil {
		t.Fatalf("CancelAllOpen: %v", err)
	}
	if n != 1 {
		t.Fatalf("cancelled %d, want 1", n)
	}
	beta, _ := o.ByClientID("c2")
	if beta.State != types.OrderSubmitted {
		t.Fatalf("other producer's order swept: state = %s", beta.State)
	}
}

func TestCancelAllOpenBestEffort(t *testing.T) {
	t.Parallel()
	o := newTestOMS()
	mustCreate(t, o, testIntent("c1", "alpha", "AAPL", 100))
	mustSubmit(t, o, "c1", "b1")
	mustCreate(t, o, testIntent("c2", "alpha", "MSFT", 50))
	mustSubmit(t, o, "c2", "b2")
	mustCreate(t, o, testIntent("c3", "alpha", "TSLA", 10))
	mustSubmit(t, o, "c3", "b3")

	fake := &fakeCanceller{errs: map[string]error{
		"b1": errors.New("rate limited"),
		"b2": broker.ErrOrderNotFound,
	}}
	n, err := o.CancelAllOpen(context.Background(), fake, "")
	if n != 1 {
		t.Fatalf("cancelled %d, want 1", n)
	}
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("joined error = %v, want the rate-limit failure", err)
	}

	// The failed cancel keeps its state; the not-found order is left
	// for reconciliation; the clean cancel lands.
	for id, want := range map[string]types.OrderState{
		"c1": types.OrderSubmitted,
		"c2": types.OrderSubmitted,
		"c3": types.OrderCancelled,
	} {
		ord, _ := o.ByClientID(id)
		if ord.State != want {
			t.Errorf("%s state = %s, want %s", id, ord.State, want)
		}
	}
}

func TestRestoreRebuildsIndices(t *testing.T) {
	t.Parallel()
	o := newTestOMS()
	mustCreate(t, o, testIntent("c1", "alpha", "AAPL", 100))
	mustSubmit(t, o, "c1", "b1")
	mustCreate(t, o, testIntent("c2", "beta", "MSFT", 50))
	snap := o.Snapshot()

	restored := newTestOMS()
	restored.Restore(snap)

	if _, err := restored.ByBrokerID("b1"); err != nil {
		t.Fatalf("broker index lost on restore: %v", err)
	}
	if got := len(restored.OpenOrders("beta")); got != 1 {
		t.Fatalf("producer index lost on restore: %d open beta orders", got)
	}
	ord, err := restored.ByClientID("c1")
	if err != nil {
		t.Fatalf("client index lost on restore: %v", err)
	}
	if ord.State != types.OrderSubmitted {
		t.Fatalf("state not restored: %s", ord.State)
	}
}
