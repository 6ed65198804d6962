package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/oms"
	"tradecore/internal/position"
	"tradecore/internal/risk"
	"tradecore/pkg/types"
)

// EventType tags the payload carried on the engine's event stream.
type EventType string

const (
	EventOrder     EventType = "order"     // Data: OrderEvent
	EventFill      EventType = "fill"      // Data: FillEvent
	EventRejection EventType = "rejection" // Data: RejectionEvent
	EventKill      EventType = "kill"      // Data: risk.AuditEvent
	EventBreaker   EventType = "breaker"   // Data: BreakerEvent
	EventReconcile EventType = "reconcile" // Data: position.ReconcileReport
)

// Event is the wrapper for everything published on Events(). Consumers
// switch on Type and assert Data to the payload listed above.
type Event struct {
	Type EventType `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// OrderEvent reports an order reaching a new state.
type OrderEvent struct {
	ClientOrderID string           `json:"client_order_id"`
	BrokerOrderID string           `json:"broker_order_id,omitempty"`
	ProducerID    string           `json:"producer_id"`
	Symbol        string           `json:"symbol"`
	Side          types.Side       `json:"side"`
	State         types.OrderState `json:"state"`
	Reason        string           `json:"reason,omitempty"`
}

// FillEvent reports one execution slice and the position it left behind.
// Quantity is this slice only, not the order's cumulative fill.
type FillEvent struct {
	ClientOrderID string          `json:"client_order_id"`
	ProducerID    string          `json:"producer_id"`
	Symbol        string          `json:"symbol"`
	Side          types.Side      `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	PositionQty   decimal.Decimal `json:"position_qty"` // signed, after the fill
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
}

// RejectionEvent reports an intent the risk gate refused.
type RejectionEvent struct {
	ClientOrderID string           `json:"client_order_id,omitempty"`
	ProducerID    string           `json:"producer_id"`
	Symbol        string           `json:"symbol"`
	Reason        string           `json:"reason"`
	Violations    []risk.Violation `json:"violations,omitempty"`
	Warnings      []risk.Violation `json:"warnings,omitempty"`
}

// BreakerEvent reports a circuit breaker transition together with the
// drawdown readings that caused it.
type BreakerEvent struct {
	State            risk.BreakerState `json:"state"`
	DailyDrawdownPct decimal.Decimal   `json:"daily_drawdown_pct"`
	TotalDrawdownPct decimal.Decimal   `json:"total_drawdown_pct"`
	Reason           string            `json:"reason,omitempty"`
}

func newEvent(typ EventType, data any) Event {
	return Event{Type: typ, At: time.Now().UTC(), Data: data}
}

func orderEvent(o oms.ManagedOrder, reason string) Event {
	return newEvent(EventOrder, OrderEvent{
		ClientOrderID: o.ClientOrderID,
		BrokerOrderID: o.BrokerOrderID,
		ProducerID:    o.ProducerID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		State:         o.State,
		Reason:        reason,
	})
}

func fillEvent(o oms.ManagedOrder, qty, price decimal.Decimal, pos position.TrackedPosition) Event {
	return newEvent(EventFill, FillEvent{
		ClientOrderID: o.ClientOrderID,
		ProducerID:    o.ProducerID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Quantity:      qty,
		Price:         price,
		PositionQty:   pos.Quantity,
		RealizedPnL:   pos.RealizedPnL,
	})
}

func rejectionEvent(in types.OrderIntent, res risk.CheckResult) Event {
	return newEvent(EventRejection, RejectionEvent{
		ClientOrderID: in.ClientOrderID,
		ProducerID:    in.ProducerID,
		Symbol:        in.Symbol,
		Reason:        res.RejectionReason,
		Violations:    res.Violations,
		Warnings:      res.Warnings,
	})
}
