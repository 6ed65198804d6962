package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradecore/pkg/types"
)

var _ Broker = (*PaperBroker)(nil)

// PaperBroker simulates an execution venue in process. Orders with a
// known price (a limit price, or a posted mark for market orders) fill
// immediately and in full; orders with no price rest open until
// cancelled. Fills move simulated cash and positions, shorts are
// allowed, and every transition is published on the updates channel.
type PaperBroker struct {
	logger *slog.Logger

	mu        sync.RWMutex
	cash      decimal.Decimal
	orders    map[string]types.OrderResult
	positions map[string]*paperPosition
	marks     map[string]decimal.Decimal

	updates chan types.OrderUpdate
}

type paperPosition struct {
	qty decimal.Decimal // signed: positive long, negative short
	avg decimal.Decimal
}

// NewPaperBroker creates a simulator seeded with startingCash.
func NewPaperBroker(startingCash decimal.Decimal, logger *slog.Logger) *PaperBroker {
	return &PaperBroker{
		logger:    logger.With("component", "paper_broker"),
		cash:      startingCash,
		orders:    make(map[string]types.OrderResult),
		positions: make(map[string]*paperPosition),
		marks:     make(map[string]decimal.Decimal),
		updates:   make(chan types.OrderUpdate, 64),
	}
}

// SetMark posts a mark price used to fill market orders and to value
// open positions.
func (p *PaperBroker) SetMark(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	p.marks[symbol] = price
	p.mu.Unlock()
}

// OrderUpdates exposes simulated fill and cancel events.
func (p *PaperBroker) OrderUpdates() <-chan types.OrderUpdate {
	return p.updates
}

// PlaceOrder fills the intent at its limit price, or at the posted mark
// for market orders. Without either the order rests open. Buys that
// exceed available cash fail with ErrInsufficientFunds.
func (p *PaperBroker) PlaceOrder(ctx context.Context, intent types.OrderIntent) (types.OrderResult, error) {
	if err := intent.Validate(); err != nil {
		return types.OrderResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return types.OrderResult{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UTC()
	result := types.OrderResult{
		OrderID:       "paper-" + uuid.New().String(),
		ClientOrderID: intent.ClientOrderID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Kind:          intent.Kind,
		Status:        types.StatusSubmitted,
		Quantity:      intent.Quantity,
		SubmittedAt:   now,
		UpdatedAt:     now,
	}
	if intent.LimitPrice != nil {
		result.LimitPrice = *intent.LimitPrice
	}
	if intent.StopPrice != nil {
		result.StopPrice = *intent.StopPrice
	}

	price, ok := p.fillPrice(intent)
	if !ok {
		// No way to price the order; it rests until cancelled.
		p.orders[result.OrderID] = result
		p.publish("new", result)
		p.logger.Info("paper order resting", "order_id", result.OrderID, "symbol", intent.Symbol)
		return result, nil
	}

	if intent.Side == types.BUY {
		cost := price.Mul(intent.Quantity)
		if cost.GreaterThan(p.cash) {
			p.logger.Warn("paper order refused",
				"symbol", intent.Symbol,
				"cost", cost,
				"cash", p.cash)
			return types.OrderResult{}, fmt.Errorf("cost %s exceeds cash %s: %w",
				cost.StringFixed(2), p.cash.StringFixed(2), ErrInsufficientFunds)
		}
		p.cash = p.cash.Sub(cost)
	} else {
		p.cash = p.cash.Add(price.Mul(intent.Quantity))
	}

	p.applyFill(intent.Symbol, intent.Side, intent.Quantity, price)

	result.Status = types.StatusFilled
	result.FilledQuantity = intent.Quantity
	result.AvgFillPrice = price
	result.FilledAt = now
	p.orders[result.OrderID] = result

	p.publish("fill", result)
	p.logger.Info("paper order filled",
		"order_id", result.OrderID,
		"symbol", intent.Symbol,
		"side", intent.Side,
		"qty", intent.Quantity,
		"price", price)
	return result, nil
}

// CancelOrder cancels a resting order. Terminal orders cannot be
// cancelled.
func (p *PaperBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[brokerOrderID]
	if !ok {
		return fmt.Errorf("%s: %w", brokerOrderID, ErrOrderNotFound)
	}
	if order.Status.Canonical().IsTerminal() {
		return fmt.Errorf("broker: order %s already %s", brokerOrderID, order.Status)
	}

	order.Status = types.StatusCancelled
	order.UpdatedAt = time.Now().UTC()
	p.orders[brokerOrderID] = order

	p.publish("canceled", order)
	return nil
}

// GetOrder returns a copy of one simulated order.
func (p *PaperBroker) GetOrder(ctx context.Context, brokerOrderID string) (types.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return types.OrderResult{}, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	order, ok := p.orders[brokerOrderID]
	if !ok {
		return types.OrderResult{}, fmt.Errorf("%s: %w", brokerOrderID, ErrOrderNotFound)
	}
	return order, nil
}

// ListOrders returns all simulated orders, newest first, optionally
// only the open ones. A limit of 0 means no cap.
func (p *PaperBroker) ListOrders(ctx context.Context, openOnly bool, limit int) ([]types.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.OrderResult, 0, len(p.orders))
	for _, order := range p.orders {
		if openOnly && order.Status.Canonical().IsTerminal() {
			continue
		}
		out = append(out, order)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmittedAt.After(out[j].SubmittedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListPositions returns the simulator's open positions valued at the
// latest marks.
func (p *PaperBroker) ListPositions(ctx context.Context) ([]types.PositionSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := time.Now().UTC()
	out := make([]types.PositionSnapshot, 0, len(p.positions))
	for symbol, pos := range p.positions {
		if pos.qty.IsZero() {
			continue
		}
		mark := p.markOr(symbol, pos.avg)
		out = append(out, types.PositionSnapshot{
			Symbol:        symbol,
			Quantity:      pos.qty,
			AvgEntryPrice: pos.avg,
			CurrentPrice:  mark,
			MarketValue:   pos.qty.Mul(mark),
			UnrealizedPnL: mark.Sub(pos.avg).Mul(pos.qty),
			UpdatedAt:     now,
		})
	}
	return out, nil
}

// GetAccount values the account: equity is cash plus open positions at
// the latest marks.
func (p *PaperBroker) GetAccount(ctx context.Context) (types.AccountSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return types.AccountSnapshot{}, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	equity := p.cash
	for symbol, pos := range p.positions {
		if pos.qty.IsZero() {
			continue
		}
		equity = equity.Add(pos.qty.Mul(p.markOr(symbol, pos.avg)))
	}
	return types.AccountSnapshot{
		Cash:        p.cash,
		Equity:      equity,
		BuyingPower: p.cash,
		Currency:    "USD",
		At:          time.Now().UTC(),
	}, nil
}

// Connected always holds for the in-process simulator.
func (p *PaperBroker) Connected() bool { return true }

// IsPaper reports simulated fills.
func (p *PaperBroker) IsPaper() bool { return true }

// fillPrice picks the price an order executes at: the limit price when
// present, otherwise the posted mark.
func (p *PaperBroker) fillPrice(intent types.OrderIntent) (decimal.Decimal, bool) {
	if intent.LimitPrice != nil {
		return *intent.LimitPrice, true
	}
	mark, ok := p.marks[intent.Symbol]
	return mark, ok
}

func (p *PaperBroker) markOr(symbol string, fallback decimal.Decimal) decimal.Decimal {
	if mark, ok := p.marks[symbol]; ok {
		return mark
	}
	return fallback
}

// applyFill folds a fill into the symbol's position: same-direction
// adds reweight the average entry, reductions leave it unchanged, and
// crossing through zero re-anchors at the fill price.
func (p *PaperBroker) applyFill(symbol string, side types.Side, qty, price decimal.Decimal) {
	signed := qty
	if side == types.SELL {
		signed = qty.Neg()
	}

	pos, ok := p.positions[symbol]
	if !ok {
		p.positions[symbol] = &paperPosition{qty: signed, avg: price}
		return
	}

	newQty := pos.qty.Add(signed)
	switch {
	case pos.qty.Sign() == signed.Sign():
		// Add: cost-weighted average.
		totalCost := pos.avg.Mul(pos.qty.Abs()).Add(price.Mul(signed.Abs()))
		pos.avg = totalCost.Div(newQty.Abs())
	case newQty.IsZero():
		pos.avg = decimal.Zero
	case pos.qty.Sign() != newQty.Sign():
		// Reversal: the surviving quantity entered at the fill price.
		pos.avg = price
	}
	pos.qty = newQty
}

// publish sends an update without blocking; a full buffer drops the
// oldest event first.
func (p *PaperBroker) publish(event string, result types.OrderResult) {
	upd := types.OrderUpdate{Event: event, Result: result, At: time.Now().UTC()}
	select {
	case p.updates <- upd:
	default:
		select {
		case <-p.updates:
		default:
		}
		select {
		case p.updates <- upd:
		default:
		}
	}
}
