// Package oms implements the order management system: the in-memory
// book of managed orders and the state machine that governs their
// lifecycle.
//
// Every order enters the book at PENDING and moves through the legal
// transition table below. Creation is idempotent on the client order
// id, and the book keeps three secondary indices (client id, broker
// id, producer id) so fills, cancels, and broker reconciliation can
// each resolve an order by whichever handle they hold. Broker-side
// events may skip states (a fast fill can arrive before the submit
// ack); UpdateFromBroker tolerates that by walking the transition
// table instead of requiring single steps.
package oms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"tradecore/internal/broker"
	"tradecore/internal/risk"
	"tradecore/pkg/types"
)

var (
	// ErrInvalidTransition is returned when an operation would move an
	// order along an edge the transition table does not contain. The
	// order is left untouched.
	ErrInvalidTransition = errors.New("oms: invalid state transition")

	// ErrOrderNotFound is returned when no managed order matches the
	// given internal, client, or broker id.
	ErrOrderNotFound = errors.New("oms: order not found")

	// ErrKillSwitchActive is returned by Create while trading is
	// halted. Orders must never enter the book during a halt.
	ErrKillSwitchActive = errors.New("oms: kill switch active")
)

// transitions is the legal adjacency table. FILLED, REJECTED, and
// CANCELLED are terminal and have no outgoing edges.
var transitions = map[types.OrderState][]types.OrderState{
	types.OrderPending:         {types.OrderSubmitted, types.OrderRejected},
	types.OrderSubmitted:       {types.OrderPartiallyFilled, types.OrderFilled, types.OrderRejected, types.OrderCancelled},
	types.OrderPartiallyFilled: {types.OrderFilled, types.OrderCancelled},
}

func legalTransition(from, to types.OrderState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// walk returns the shortest legal path from one state to another,
// excluding the start and including the destination. It returns nil
// when no path exists. Brokers may report a state several hops ahead
// of ours, so single-edge legality is not enough.
func walk(from, to types.OrderState) []types.OrderState {
	type node struct {
		state types.OrderState
		path  []types.OrderState
	}
	seen := map[types.OrderState]bool{from: true}
	queue := []node{{state: from}}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, next := range transitions[n.state] {
			if seen[next] {
				continue
			}
			path := append(append([]types.OrderState{}, n.path...), next)
			if next == to {
				return path
			}
			seen[next] = true
			queue = append(queue, node{state: next, path: path})
		}
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Managed orders
// ————————————————————————————————————————————————————————————————————————

// ManagedOrder is one order owned by the OMS: the original intent
// fields plus lifecycle state, fill accounting, and timestamps. Zero
// decimals mean "not set" for LimitPrice and StopPrice. BrokerOrderID
// is immutable once assigned.
type ManagedOrder struct {
	InternalID    string            `json:"internal_id"`
	ClientOrderID string            `json:"client_order_id"`
	BrokerOrderID string            `json:"broker_order_id,omitempty"`
	ProducerID    string            `json:"producer_id"`
	Symbol        string            `json:"symbol"`
	Side          types.Side        `json:"side"`
	Kind          types.OrderKind   `json:"kind"`
	Quantity      decimal.Decimal   `json:"quantity"`
	LimitPrice    decimal.Decimal   `json:"limit_price,omitempty"`
	StopPrice     decimal.Decimal   `json:"stop_price,omitempty"`
	TimeInForce   types.TimeInForce `json:"time_in_force"`

	State           types.OrderState `json:"state"`
	FilledQuantity  decimal.Decimal  `json:"filled_quantity"`
	AvgFillPrice    decimal.Decimal  `json:"avg_fill_price"`
	Fees            decimal.Decimal  `json:"fees"`
	RejectionReason string           `json:"rejection_reason,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	SubmittedAt time.Time `json:"submitted_at,omitempty"`
	FilledAt    time.Time `json:"filled_at,omitempty"`
	CancelledAt time.Time `json:"cancelled_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IsOpen reports whether the order can still fill or be cancelled.
func (m ManagedOrder) IsOpen() bool { return m.State.IsOpen() }

// RemainingQuantity is the portion of the order not yet filled.
func (m ManagedOrder) RemainingQuantity() decimal.Decimal {
	return m.Quantity.Sub(m.FilledQuantity)
}

func newManagedOrder(in types.OrderIntent, now time.Time) *ManagedOrder {
	m := &ManagedOrder{
		InternalID:    uuid.New().String(),
		ClientOrderID: in.ClientOrderID,
		ProducerID:    in.ProducerID,
		Symbol:        in.Symbol,
		Side:          in.Side,
		Kind:          in.Kind,
		Quantity:      in.Quantity,
		TimeInForce:   in.TimeInForce,
		State:         types.OrderPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if in.LimitPrice != nil {
		m.LimitPrice = *in.LimitPrice
	}
	if in.StopPrice != nil {
		m.StopPrice = *in.StopPrice
	}
	return m
}

// ————————————————————————————————————————————————————————————————————————
// OMS
// ————————————————————————————————————————————————————————————————————————

// Canceller is the slice of the broker surface CancelAllOpen needs.
// *broker.AlpacaBroker and *broker.PaperBroker both satisfy it.
type Canceller interface {
	CancelOrder(ctx context.Context, brokerOrderID string) error
}

// OMS owns the order book. All exported methods are safe for
// concurrent use; lookups return value copies so callers can never
// mutate book state.
type OMS struct {
	logger *slog.Logger
	ks     *risk.KillSwitch

	mu         sync.RWMutex
	byInternal map[string]*ManagedOrder
	byClient   map[string]*ManagedOrder
	byBroker   map[string]*ManagedOrder
	byProducer map[string]map[string]struct{} // producer id → internal ids
}

// New builds an empty order book. The kill switch may be nil, in
// which case creation is never gated.
func New(ks *risk.KillSwitch, logger *slog.Logger) *OMS {
	return &OMS{
		logger:     logger.With("component", "oms"),
		ks:         ks,
		byInternal: make(map[string]*ManagedOrder),
		byClient:   make(map[string]*ManagedOrder),
		byBroker:   make(map[string]*ManagedOrder),
		byProducer: make(map[string]map[string]struct{}),
	}
}

// Create admits an intent into the book at PENDING. It is idempotent
// on the client order id: a duplicate returns the existing order
// unchanged rather than an error, even during a halt. An empty client
// order id is filled in with a generated one. Genuinely new orders
// are refused while the kill switch is active for the intent's
// producer; the check happens under the book lock so a create can
// never race past a halt.
func (o *OMS) Create(in types.OrderIntent) (ManagedOrder, error) {
	if err := in.Validate(); err != nil {
		return ManagedOrder{}, err
	}
	if in.ClientOrderID == "" {
		in.ClientOrderID = GenerateClientOrderID(in.ProducerID, in.Symbol)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if existing, ok := o.byClient[in.ClientOrderID]; ok {
		return *existing, nil
	}
	if o.ks != nil && o.ks.IsActive(in.ProducerID) {
		return ManagedOrder{}, ErrKillSwitchActive
	}

	ord := newManagedOrder(in, time.Now().UTC())
	o.byInternal[ord.InternalID] = ord
	o.byClient[ord.ClientOrderID] = ord
	ids, ok := o.byProducer[ord.ProducerID]
	if !ok {
		ids = make(map[string]struct{})
		o.byProducer[ord.ProducerID] = ids
	}
	ids[ord.InternalID] = struct{}{}

	o.logger.Debug("order created",
		"client_order_id", ord.ClientOrderID,
		"producer", ord.ProducerID,
		"symbol", ord.Symbol,
		"side", ord.Side,
		"quantity", ord.Quantity)
	return *ord, nil
}

// Submit moves a PENDING order to SUBMITTED and records the broker's
// id. An empty broker id is allowed: a timed-out place call is marked
// SUBMITTED optimistically and reconciliation attaches the id later.
func (o *OMS) Submit(clientOrderID, brokerOrderID string) (ManagedOrder, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ord, ok := o.byClient[clientOrderID]
	if !ok {
		return ManagedOrder{}, fmt.Errorf("%w: client order id %s", ErrOrderNotFound, clientOrderID)
	}
	if err := o.applyLocked(ord, types.OrderSubmitted, time.Now().UTC()); err != nil {
		return ManagedOrder{}, err
	}
	o.attachBrokerIDLocked(ord, brokerOrderID)

	o.logger.Info("order submitted",
		"client_order_id", ord.ClientOrderID,
		"broker_order_id", ord.BrokerOrderID,
		"symbol", ord.Symbol)
	return *ord, nil
}

// Reject moves an order to REJECTED and records the reason. Legal
// from PENDING (risk or broker refused the submit) and SUBMITTED
// (broker rejected after the ack).
func (o *OMS) Reject(clientOrderID, reason string) (ManagedOrder, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ord, ok := o.byClient[clientOrderID]
	if !ok {
		return ManagedOrder{}, fmt.Errorf("%w: client order id %s", ErrOrderNotFound, clientOrderID)
	}
	if err := o.applyLocked(ord, types.OrderRejected, time.Now().UTC()); err != nil {
		return ManagedOrder{}, err
	}
	ord.RejectionReason = reason

	o.logger.Warn("order rejected",
		"client_order_id", ord.ClientOrderID,
		"symbol", ord.Symbol,
		"reason", reason)
	return *ord, nil
}

// ApplyFill records a cumulative fill report for a broker order id.
// Reported quantities must be non-decreasing; a stale or duplicate
// report is logged and ignored, never an error. A fill on an unknown
// broker id is logged and dropped so a phantom order is never
// created. Reaching the full quantity moves the order to FILLED,
// walking through skipped states if the fill raced the submit ack.
func (o *OMS) ApplyFill(brokerOrderID string, filledQty, avgPrice, fees decimal.Decimal) (ManagedOrder, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ord, ok := o.byBroker[brokerOrderID]
	if !ok {
		o.logger.Warn("fill for unknown broker order id, dropping",
			"broker_order_id", brokerOrderID,
			"filled_quantity", filledQty)
		return ManagedOrder{}, fmt.Errorf("%w: broker order id %s", ErrOrderNotFound, brokerOrderID)
	}

	now := time.Now().UTC()
	if filledQty.LessThan(ord.FilledQuantity) {
		o.logger.Warn("stale fill report ignored",
			"client_order_id", ord.ClientOrderID,
			"reported", filledQty,
			"recorded", ord.FilledQuantity)
		return *ord, nil
	}
	if filledQty.GreaterThan(ord.Quantity) {
		o.logger.Warn("overfill clamped to order quantity",
			"client_order_id", ord.ClientOrderID,
			"reported", filledQty,
			"quantity", ord.Quantity)
		filledQty = ord.Quantity
	}

	ord.FilledQuantity = filledQty
	if filledQty.IsPositive() {
		ord.AvgFillPrice = avgPrice
	}
	ord.Fees = fees
	ord.UpdatedAt = now

	switch {
	case filledQty.Equal(ord.Quantity):
		o.walkToLocked(ord, types.OrderFilled, now)
	case filledQty.IsPositive() && ord.State == types.OrderSubmitted:
		o.walkToLocked(ord, types.OrderPartiallyFilled, now)
	}

	o.logger.Debug("fill applied",
		"client_order_id", ord.ClientOrderID,
		"filled_quantity", ord.FilledQuantity,
		"avg_fill_price", ord.AvgFillPrice,
		"state", ord.State)
	return *ord, nil
}

// Cancel moves an open order to CANCELLED. The id may be a client or
// broker order id. Re-cancelling an already-CANCELLED order is a
// no-op, not an error; cancelling FILLED or REJECTED raises. A
// PENDING order is also illegal to cancel: nothing has reached the
// broker yet, so there is nothing to cancel.
func (o *OMS) Cancel(id string) (ManagedOrder, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ord, ok := o.byClient[id]
	if !ok {
		ord, ok = o.byBroker[id]
	}
	if !ok {
		return ManagedOrder{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	if ord.State == types.OrderCancelled {
		return *ord, nil
	}
	if err := o.applyLocked(ord, types.OrderCancelled, time.Now().UTC()); err != nil {
		return ManagedOrder{}, err
	}

	o.logger.Info("order cancelled",
		"client_order_id", ord.ClientOrderID,
		"symbol", ord.Symbol,
		"filled_quantity", ord.FilledQuantity)
	return *ord, nil
}

// UpdateFromBroker folds one broker-side order report into the book.
// The order is resolved by broker id first, then by client id (which
// also attaches a broker id the book did not have yet, e.g. after an
// optimistic submit). Fill fields are applied under the monotonic
// rule. The reported status is mapped through Canonical and reached
// by walking the transition table; if no walk exists the current
// state is kept, the fills still land, and the mismatch is logged
// for reconciliation to sort out. An unknown order is logged and
// dropped.
func (o *OMS) UpdateFromBroker(res types.OrderResult) (ManagedOrder, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ord, ok := o.byBroker[res.OrderID]
	if !ok && res.ClientOrderID != "" {
		ord, ok = o.byClient[res.ClientOrderID]
	}
	if !ok {
		o.logger.Warn("broker update for unknown order, dropping",
			"broker_order_id", res.OrderID,
			"client_order_id", res.ClientOrderID,
			"status", res.Status)
		return ManagedOrder{}, fmt.Errorf("%w: broker order id %s", ErrOrderNotFound, res.OrderID)
	}

	now := time.Now().UTC()
	o.attachBrokerIDLocked(ord, res.OrderID)

	if res.FilledQuantity.GreaterThan(ord.FilledQuantity) {
		filled := res.FilledQuantity
		if filled.GreaterThan(ord.Quantity) {
			filled = ord.Quantity
		}
		ord.FilledQuantity = filled
		ord.AvgFillPrice = res.AvgFillPrice
		if res.Fees.IsPositive() {
			ord.Fees = res.Fees
		}
	}

	target := res.Status.Canonical()
	if target != ord.State {
		if path := walk(ord.State, target); path != nil {
			for _, next := range path {
				ord.State = next
				o.stampLocked(ord, next, now)
			}
		} else {
			o.logger.Warn("no legal walk to broker-reported state, keeping current",
				"client_order_id", ord.ClientOrderID,
				"current", ord.State,
				"reported", target)
		}
	}
	if res.Reason != "" && (ord.State == types.OrderRejected || ord.State == types.OrderCancelled) {
		ord.RejectionReason = res.Reason
	}
	// The broker's fill timestamp is the authoritative one when it
	// reports one; UpdatedAt stays ours.
	if ord.State == types.OrderFilled && !res.FilledAt.IsZero() {
		ord.FilledAt = res.FilledAt
	}
	ord.UpdatedAt = now

	return *ord, nil
}

// ————————————————————————————————————————————————————————————————————————
// Lookups
// ————————————————————————————————————————————————————————————————————————

// Get returns the order with the given internal id.
func (o *OMS) Get(internalID string) (ManagedOrder, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ord, ok := o.byInternal[internalID]
	if !ok {
		return ManagedOrder{}, fmt.Errorf("%w: internal id %s", ErrOrderNotFound, internalID)
	}
	return *ord, nil
}

// ByClientID returns the order with the given client order id.
func (o *OMS) ByClientID(clientOrderID string) (ManagedOrder, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ord, ok := o.byClient[clientOrderID]
	if !ok {
		return ManagedOrder{}, fmt.Errorf("%w: client order id %s", ErrOrderNotFound, clientOrderID)
	}
	return *ord, nil
}

// ByBrokerID returns the order with the given broker order id.
func (o *OMS) ByBrokerID(brokerOrderID string) (ManagedOrder, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ord, ok := o.byBroker[brokerOrderID]
	if !ok {
		return ManagedOrder{}, fmt.Errorf("%w: broker order id %s", ErrOrderNotFound, brokerOrderID)
	}
	return *ord, nil
}

// OpenOrders returns every non-terminal order, newest last. An empty
// producer id means all producers.
func (o *OMS) OpenOrders(producerID string) []ManagedOrder {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []ManagedOrder
	for _, ord := range o.byInternal {
		if !ord.State.IsOpen() {
			continue
		}
		if producerID != "" && ord.ProducerID != producerID {
			continue
		}
		out = append(out, *ord)
	}
	sortOrders(out)
	return out
}

// ByProducer returns every order, open or terminal, owned by the
// given producer.
func (o *OMS) ByProducer(producerID string) []ManagedOrder {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []ManagedOrder
	for id := range o.byProducer[producerID] {
		out = append(out, *o.byInternal[id])
	}
	sortOrders(out)
	return out
}

// Snapshot returns a copy of the whole book for persistence.
func (o *OMS) Snapshot() []ManagedOrder {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]ManagedOrder, 0, len(o.byInternal))
	for _, ord := range o.byInternal {
		out = append(out, *ord)
	}
	sortOrders(out)
	return out
}

// Restore replaces the book contents with a persisted snapshot. Used
// once at startup, before any producer runs.
func (o *OMS) Restore(orders []ManagedOrder) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.byInternal = make(map[string]*ManagedOrder, len(orders))
	o.byClient = make(map[string]*ManagedOrder, len(orders))
	o.byBroker = make(map[string]*ManagedOrder)
	o.byProducer = make(map[string]map[string]struct{})
	for i := range orders {
		ord := orders[i]
		o.byInternal[ord.InternalID] = &ord
		o.byClient[ord.ClientOrderID] = &ord
		if ord.BrokerOrderID != "" {
			o.byBroker[ord.BrokerOrderID] = &ord
		}
		ids, ok := o.byProducer[ord.ProducerID]
		if !ok {
			ids = make(map[string]struct{})
			o.byProducer[ord.ProducerID] = ids
		}
		ids[ord.InternalID] = struct{}{}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Bulk cancel
// ————————————————————————————————————————————————————————————————————————

// CancelAllOpen cancels every open order at the broker, fanning the
// cancel calls out concurrently. Best effort: one failed cancel does
// not stop the sweep, and the joined errors come back to the caller.
// PENDING orders are skipped, they never reached the broker. An empty
// producer id sweeps the whole book. Returns the number of orders
// cancelled locally.
func (o *OMS) CancelAllOpen(ctx context.Context, brk Canceller, producerID string) (int, error) {
	open := o.OpenOrders(producerID)

	var (
		mu        sync.Mutex
		cancelled int
		errs      []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, ord := range open {
		if ord.State == types.OrderPending || ord.BrokerOrderID == "" {
			o.logger.Debug("skipping cancel, order never reached broker",
				"client_order_id", ord.ClientOrderID, "state", ord.State)
			continue
		}
		ord := ord
		g.Go(func() error {
			err := brk.CancelOrder(gctx, ord.BrokerOrderID)
			switch {
			case err == nil:
				if _, cerr := o.Cancel(ord.ClientOrderID); cerr == nil {
					mu.Lock()
					cancelled++
					mu.Unlock()
				}
			case errors.Is(err, broker.ErrOrderNotFound):
				// Already gone at the broker, possibly filled.
				// Leave local state for reconciliation to settle.
				o.logger.Warn("cancel target not found at broker",
					"client_order_id", ord.ClientOrderID,
					"broker_order_id", ord.BrokerOrderID)
			default:
				mu.Lock()
				errs = append(errs, fmt.Errorf("cancel %s: %w", ord.ClientOrderID, err))
				mu.Unlock()
			}
			return nil // best effort, keep sweeping
		})
	}
	_ = g.Wait()

	o.logger.Info("cancel sweep finished",
		"producer", producerID,
		"open", len(open),
		"cancelled", cancelled,
		"failed", len(errs))
	return cancelled, errors.Join(errs...)
}

// ————————————————————————————————————————————————————————————————————————
// Internals
// ————————————————————————————————————————————————————————————————————————

// GenerateClientOrderID builds a unique client order id of the form
// producer_symbol_YYYYMMDDhhmmss_<random8hex>. Producers may supply
// their own ids instead; uniqueness across the process lifetime is
// the only requirement.
func GenerateClientOrderID(producerID, symbol string) string {
	return fmt.Sprintf("%s_%s_%s_%s",
		producerID,
		symbol,
		time.Now().UTC().Format("20060102150405"),
		uuid.New().String()[:8])
}

// applyLocked performs a single-edge transition, stamping the state
// timestamp. Illegal edges leave the order untouched.
func (o *OMS) applyLocked(ord *ManagedOrder, to types.OrderState, now time.Time) error {
	if !legalTransition(ord.State, to) {
		return fmt.Errorf("%w: %s -> %s (client order id %s)",
			ErrInvalidTransition, ord.State, to, ord.ClientOrderID)
	}
	ord.State = to
	o.stampLocked(ord, to, now)
	ord.UpdatedAt = now
	return nil
}

// walkToLocked moves the order to the target state through the
// transition table, stamping each state entered. No walk means the
// state is kept; the caller has already applied whatever fill data
// came with the report.
func (o *OMS) walkToLocked(ord *ManagedOrder, to types.OrderState, now time.Time) {
	if ord.State == to {
		return
	}
	path := walk(ord.State, to)
	if path == nil {
		o.logger.Warn("no legal walk, keeping state",
			"client_order_id", ord.ClientOrderID,
			"current", ord.State,
			"target", to)
		return
	}
	for _, next := range path {
		ord.State = next
		o.stampLocked(ord, next, now)
	}
	ord.UpdatedAt = now
}

func (o *OMS) stampLocked(ord *ManagedOrder, state types.OrderState, now time.Time) {
	switch state {
	case types.OrderSubmitted:
		if ord.SubmittedAt.IsZero() {
			ord.SubmittedAt = now
		}
	case types.OrderFilled:
		ord.FilledAt = now
	case types.OrderCancelled:
		ord.CancelledAt = now
	}
}

// attachBrokerIDLocked records the broker's id the first time it is
// seen. A later, different id is a broker-side anomaly: logged, and
// the original kept.
func (o *OMS) attachBrokerIDLocked(ord *ManagedOrder, brokerOrderID string) {
	if brokerOrderID == "" {
		return
	}
	if ord.BrokerOrderID == "" {
		ord.BrokerOrderID = brokerOrderID
		o.byBroker[brokerOrderID] = ord
		return
	}
	if ord.BrokerOrderID != brokerOrderID {
		o.logger.Warn("conflicting broker order id, keeping original",
			"client_order_id", ord.ClientOrderID,
			"recorded", ord.BrokerOrderID,
			"reported", brokerOrderID)
	}
}

func sortOrders(orders []ManagedOrder) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ClientOrderID < orders[j].ClientOrderID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}
