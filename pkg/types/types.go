// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the execution core — order
// sides and kinds, the managed-order state set, the broker-neutral status
// set, order intents, and the snapshot shapes returned by broker adapters.
// It has no dependencies on internal packages, so it can be imported by
// any layer.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order or signal: BUY or SELL.
// ABSTAIN appears only in producer signals and is filtered before the
// risk gate; it is never valid on an order.
type Side string

const (
	BUY     Side = "BUY"
	SELL    Side = "SELL"
	ABSTAIN Side = "ABSTAIN"
)

// OrderKind enumerates the supported execution styles.
type OrderKind string

const (
	Market    OrderKind = "MARKET"
	Limit     OrderKind = "LIMIT"
	Stop      OrderKind = "STOP"
	StopLimit OrderKind = "STOP_LIMIT"
)

// RequiresLimitPrice reports whether orders of this kind must carry a
// limit price.
func (k OrderKind) RequiresLimitPrice() bool {
	return k == Limit || k == StopLimit
}

// RequiresStopPrice reports whether orders of this kind must carry a
// stop trigger price.
func (k OrderKind) RequiresStopPrice() bool {
	return k == Stop || k == StopLimit
}

// TimeInForce controls how long an order remains working at the broker.
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFGTC TimeInForce = "GTC" // good till cancelled
	TIFIOC TimeInForce = "IOC" // immediate or cancel
	TIFFOK TimeInForce = "FOK" // fill or kill
)

// ————————————————————————————————————————————————————————————————————————
// Order state machine vocabulary
// ————————————————————————————————————————————————————————————————————————

// OrderState is the lifecycle state of a managed order inside the OMS.
// The legal transition table lives in the oms package; this type only
// names the states and the terminal predicate.
type OrderState string

const (
	OrderPending         OrderState = "PENDING"
	OrderSubmitted       OrderState = "SUBMITTED"
	OrderPartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderFilled          OrderState = "FILLED"
	OrderRejected        OrderState = "REJECTED"
	OrderCancelled       OrderState = "CANCELLED"
)

// IsTerminal reports whether no further transitions are possible.
func (s OrderState) IsTerminal() bool {
	return s == OrderFilled || s == OrderRejected || s == OrderCancelled
}

// IsOpen reports whether the order can still produce fills or be cancelled.
func (s OrderState) IsOpen() bool {
	return !s.IsTerminal()
}

// BrokerOrderStatus is the broker-neutral status set every adapter maps
// its provider's vocabulary onto. ACCEPTED is equivalent to SUBMITTED and
// EXPIRED to CANCELLED as far as the core is concerned.
type BrokerOrderStatus string

const (
	StatusPending         BrokerOrderStatus = "PENDING"
	StatusSubmitted       BrokerOrderStatus = "SUBMITTED"
	StatusAccepted        BrokerOrderStatus = "ACCEPTED"
	StatusPartiallyFilled BrokerOrderStatus = "PARTIALLY_FILLED"
	StatusFilled          BrokerOrderStatus = "FILLED"
	StatusCancelled       BrokerOrderStatus = "CANCELLED"
	StatusRejected        BrokerOrderStatus = "REJECTED"
	StatusExpired         BrokerOrderStatus = "EXPIRED"
)

// Canonical maps a broker-neutral status onto the internal order state,
// folding the equivalences (ACCEPTED→SUBMITTED, EXPIRED→CANCELLED). An
// unrecognized status maps to SUBMITTED: observable but not terminal, so
// reconciliation can still move the order later.
func (s BrokerOrderStatus) Canonical() OrderState {
	switch s {
	case StatusPending:
		return OrderPending
	case StatusSubmitted, StatusAccepted:
		return OrderSubmitted
	case StatusPartiallyFilled:
		return OrderPartiallyFilled
	case StatusFilled:
		return OrderFilled
	case StatusCancelled, StatusExpired:
		return OrderCancelled
	case StatusRejected:
		return OrderRejected
	default:
		return OrderSubmitted
	}
}

// ————————————————————————————————————————————————————————————————————————
// Producer signals and order intents
// ————————————————————————————————————————————————————————————————————————

// Signal is what a strategy producer emits per bar or tick. ABSTAIN
// signals carry no trading intent and are dropped before the risk gate.
// The producer itself converts non-ABSTAIN signals into OrderIntents,
// supplying its own position sizing and stop-loss.
type Signal struct {
	Symbol   string
	Side     Side
	Strength float64 // conviction in [0, 1]
	Price    *decimal.Decimal
	Reason   string
}

// OrderIntent is a candidate order before it is admitted to the OMS.
// It lives only inside the risk gate until it is either rejected (and
// discarded) or materialized into a ManagedOrder.
type OrderIntent struct {
	ClientOrderID string
	ProducerID    string
	Symbol        string
	Side          Side
	Kind          OrderKind
	Quantity      decimal.Decimal
	LimitPrice    *decimal.Decimal // required for LIMIT and STOP_LIMIT
	StopPrice     *decimal.Decimal // required for STOP and STOP_LIMIT
	TimeInForce   TimeInForce
	StopLossPrice *decimal.Decimal // optional, used only for risk sizing
}

// Validate checks structural requirements on the intent. It does not
// apply risk limits; that is the risk manager's job.
func (in OrderIntent) Validate() error {
	if in.Symbol == "" {
		return fmt.Errorf("intent: symbol is required")
	}
	if in.ProducerID == "" {
		return fmt.Errorf("intent: producer id is required")
	}
	if in.Side != BUY && in.Side != SELL {
		return fmt.Errorf("intent: side must be BUY or SELL, got %q", in.Side)
	}
	switch in.Kind {
	case Market, Limit, Stop, StopLimit:
	default:
		return fmt.Errorf("intent: unknown order kind %q", in.Kind)
	}
	if in.Quantity.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("intent: quantity must be > 0, got %s", in.Quantity)
	}
	if in.Kind.RequiresLimitPrice() && (in.LimitPrice == nil || in.LimitPrice.LessThanOrEqual(decimal.Zero)) {
		return fmt.Errorf("intent: %s orders require a positive limit price", in.Kind)
	}
	if in.Kind.RequiresStopPrice() && (in.StopPrice == nil || in.StopPrice.LessThanOrEqual(decimal.Zero)) {
		return fmt.Errorf("intent: %s orders require a positive stop price", in.Kind)
	}
	switch in.TimeInForce {
	case TIFDay, TIFGTC, TIFIOC, TIFFOK:
	default:
		return fmt.Errorf("intent: unknown time in force %q", in.TimeInForce)
	}
	return nil
}

// Notional returns quantity × reference price, the gross cash value of
// the intent before fees. The reference price is the limit price when
// present, otherwise the supplied fallback (e.g. last traded price).
func (in OrderIntent) Notional(fallback decimal.Decimal) decimal.Decimal {
	if in.LimitPrice != nil {
		return in.Quantity.Mul(*in.LimitPrice)
	}
	return in.Quantity.Mul(fallback)
}

// ————————————————————————————————————————————————————————————————————————
// Broker adapter snapshots
// ————————————————————————————————————————————————————————————————————————

// OrderResult is the broker's view of one order, normalized to the
// broker-neutral status set. FilledQuantity is cumulative.
type OrderResult struct {
	OrderID        string // broker-assigned id
	ClientOrderID  string
	Symbol         string
	Side           Side
	Kind           OrderKind
	Status         BrokerOrderStatus
	Quantity       decimal.Decimal
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
	LimitPrice     decimal.Decimal
	StopPrice      decimal.Decimal
	Fees           decimal.Decimal
	Reason         string // rejection/cancel reason when the broker supplies one
	SubmittedAt    time.Time
	FilledAt       time.Time
	UpdatedAt      time.Time
}

// OrderUpdate is one event from an adapter's order-update stream.
type OrderUpdate struct {
	Event  string // provider event name, e.g. "fill", "partial_fill", "canceled"
	Result OrderResult
	At     time.Time
}

// PositionSnapshot is the broker's view of one holding. Quantity is
// signed: positive long, negative short.
type PositionSnapshot struct {
	Symbol        string
	Quantity      decimal.Decimal
	AvgEntryPrice decimal.Decimal
	CurrentPrice  decimal.Decimal
	MarketValue   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	UpdatedAt     time.Time
}

// AccountSnapshot is the broker's view of the trading account.
type AccountSnapshot struct {
	Cash        decimal.Decimal
	Equity      decimal.Decimal
	BuyingPower decimal.Decimal
	Currency    string
	At          time.Time
}
