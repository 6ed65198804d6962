// Package position implements the position tracker: per-producer
// attribution of holdings with weighted-average cost accounting, and
// the read-only reconciler that compares the local book against the
// broker's.
//
// The tracker keeps exactly one open position per (producer, symbol)
// pair. Adds in the same direction fold into the existing row and
// move its average entry price; reducing fills realize P&L against
// the unchanged average; a fill that crosses zero closes the row and
// opens a fresh leg at the fill price (or is refused outright when
// reversal rejection is configured). Closed rows are retained so
// realized P&L stays attributable.
package position

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradecore/pkg/types"
)

var (
	// ErrPositionNotFound is returned when no row matches the given id.
	ErrPositionNotFound = errors.New("position: not found")

	// ErrPositionClosed is returned for updates addressed to a closed
	// row. Closed rows are history; new activity opens a new row.
	ErrPositionClosed = errors.New("position: position is closed")

	// ErrReversalRejected is returned when a fill would flip a position
	// through zero and the tracker is configured to refuse that.
	ErrReversalRejected = errors.New("position: reversal rejected")
)

// TrackedPosition is one attributed holding. Quantity is signed:
// positive long, negative short, zero closed. ClosedAt is set exactly
// when the quantity returns to zero.
type TrackedPosition struct {
	ID            string          `json:"id"`
	Symbol        string          `json:"symbol"`
	ProducerID    string          `json:"producer_id"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	CostBasis     decimal.Decimal `json:"cost_basis"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	OpenedAt      time.Time       `json:"opened_at"`
	ClosedAt      time.Time       `json:"closed_at,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// IsOpen reports whether the row still holds quantity.
func (p TrackedPosition) IsOpen() bool { return !p.Quantity.IsZero() }

type posKey struct {
	producer string
	symbol   string
}

// Tracker owns the position book. All exported methods are safe for
// concurrent use; lookups return value copies.
type Tracker struct {
	logger          *slog.Logger
	rejectReversals bool

	mu         sync.RWMutex
	positions  map[string]*TrackedPosition
	open       map[posKey]string // (producer, symbol) → open row id
	byProducer map[string]map[string]struct{}
	bySymbol   map[string]map[string]struct{}
	aggregate  map[string]decimal.Decimal // symbol → signed qty across open rows
}

// NewTracker builds an empty book. rejectReversals selects the policy
// for fills that would flip a position through zero: refuse them, or
// (the default) close the old leg and open the opposite one.
func NewTracker(rejectReversals bool, logger *slog.Logger) *Tracker {
	return &Tracker{
		logger:          logger.With("component", "positions"),
		rejectReversals: rejectReversals,
		positions:       make(map[string]*TrackedPosition),
		open:            make(map[posKey]string),
		byProducer:      make(map[string]map[string]struct{}),
		bySymbol:        make(map[string]map[string]struct{}),
		aggregate:       make(map[string]decimal.Decimal),
	}
}

// Open records a fill for (producer, symbol). When an open row already
// exists the fill folds into it; otherwise a new row is created with
// cost basis |signedQty| × entryPrice.
func (t *Tracker) Open(symbol, producerID string, signedQty, entryPrice decimal.Decimal) (TrackedPosition, error) {
	if signedQty.IsZero() {
		return TrackedPosition{}, fmt.Errorf("position: quantity must be non-zero")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now().UTC()
	key := posKey{producer: producerID, symbol: symbol}
	if id, ok := t.open[key]; ok {
		return t.updateLocked(t.positions[id], signedQty, entryPrice, now)
	}

	row := &TrackedPosition{
		ID:            uuid.New().String(),
		Symbol:        symbol,
		ProducerID:    producerID,
		Quantity:      signedQty,
		AvgEntryPrice: entryPrice,
		CostBasis:     signedQty.Abs().Mul(entryPrice),
		CurrentPrice:  entryPrice,
		MarketValue:   signedQty.Abs().Mul(entryPrice),
		OpenedAt:      now,
		UpdatedAt:     now,
	}
	t.indexLocked(row)
	t.open[key] = row.ID
	t.bumpAggregateLocked(symbol, signedQty)

	t.logger.Debug("position opened",
		"symbol", symbol,
		"producer", producerID,
		"quantity", signedQty,
		"entry_price", entryPrice)
	return *row, nil
}

// Update applies a signed delta at the given price to an open row.
func (t *Tracker) Update(positionID string, delta, price decimal.Decimal) (TrackedPosition, error) {
	if delta.IsZero() {
		return TrackedPosition{}, fmt.Errorf("position: delta must be non-zero")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[positionID]
	if !ok {
		return TrackedPosition{}, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	if !p.IsOpen() {
		return TrackedPosition{}, fmt.Errorf("%w: %s", ErrPositionClosed, positionID)
	}
	return t.updateLocked(p, delta, price, time.Now().UTC())
}

// ApplyFill folds one executed fill into the producer's book: BUY adds
// quantity, SELL removes it. This is the entry point the engine uses;
// it maps the fill onto Open, which folds into an existing open row or
// creates one.
func (t *Tracker) ApplyFill(producerID, symbol string, side types.Side, qty, price decimal.Decimal) (TrackedPosition, error) {
	if qty.LessThanOrEqual(decimal.Zero) {
		return TrackedPosition{}, fmt.Errorf("position: fill quantity must be > 0, got %s", qty)
	}
	signed := qty
	if side == types.SELL {
		signed = qty.Neg()
	}
	return t.Open(symbol, producerID, signed, price)
}

// Close flattens an open row at the given exit price.
func (t *Tracker) Close(positionID string, exitPrice decimal.Decimal) (TrackedPosition, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[positionID]
	if !ok {
		return TrackedPosition{}, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	if !p.IsOpen() {
		return TrackedPosition{}, fmt.Errorf("%w: %s", ErrPositionClosed, positionID)
	}
	return t.updateLocked(p, p.Quantity.Neg(), exitPrice, time.Now().UTC())
}

// updateLocked is the accounting core. Same-direction deltas move the
// cost-weighted average; opposite-direction deltas realize P&L against
// the unchanged average, and the portion crossing zero opens a new leg.
func (t *Tracker) updateLocked(p *TrackedPosition, delta, price decimal.Decimal, now time.Time) (TrackedPosition, error) {
	key := posKey{producer: p.ProducerID, symbol: p.Symbol}

	if delta.Sign() == p.Quantity.Sign() {
		totalCost := p.Quantity.Abs().Mul(p.AvgEntryPrice).Add(delta.Abs().Mul(price))
		p.Quantity = p.Quantity.Add(delta)
		p.AvgEntryPrice = totalCost.Div(p.Quantity.Abs())
		p.CostBasis = totalCost
		p.markAt(price)
		p.UpdatedAt = now
		t.bumpAggregateLocked(p.Symbol, delta)

		t.logger.Debug("position increased",
			"symbol", p.Symbol,
			"producer", p.ProducerID,
			"quantity", p.Quantity,
			"avg_entry_price", p.AvgEntryPrice)
		return *p, nil
	}

	newQty := p.Quantity.Add(delta)
	crosses := !newQty.IsZero() && newQty.Sign() != p.Quantity.Sign()
	if crosses && t.rejectReversals {
		t.logger.Warn("reversal rejected",
			"symbol", p.Symbol,
			"producer", p.ProducerID,
			"quantity", p.Quantity,
			"delta", delta)
		return TrackedPosition{}, fmt.Errorf("%w: %s %s holds %s, delta %s",
			ErrReversalRejected, p.ProducerID, p.Symbol, p.Quantity, delta)
	}

	closing := decimal.Min(delta.Abs(), p.Quantity.Abs())
	direction := decimal.NewFromInt(int64(p.Quantity.Sign()))
	realized := price.Sub(p.AvgEntryPrice).Mul(closing).Mul(direction)
	p.RealizedPnL = p.RealizedPnL.Add(realized)
	t.bumpAggregateLocked(p.Symbol, delta)

	if crosses {
		t.closeRowLocked(p, price, now)
		delete(t.open, key)

		leg := &TrackedPosition{
			ID:            uuid.New().String(),
			Symbol:        p.Symbol,
			ProducerID:    p.ProducerID,
			Quantity:      newQty,
			AvgEntryPrice: price,
			CostBasis:     newQty.Abs().Mul(price),
			CurrentPrice:  price,
			MarketValue:   newQty.Abs().Mul(price),
			OpenedAt:      now,
			UpdatedAt:     now,
		}
		t.indexLocked(leg)
		t.open[key] = leg.ID

		t.logger.Info("position reversed",
			"symbol", p.Symbol,
			"producer", p.ProducerID,
			"closed_realized_pnl", realized,
			"new_quantity", newQty)
		return *leg, nil
	}

	p.Quantity = newQty
	p.CostBasis = p.Quantity.Abs().Mul(p.AvgEntryPrice)
	p.markAt(price)
	p.UpdatedAt = now
	if newQty.IsZero() {
		t.closeRowLocked(p, price, now)
		delete(t.open, key)
		t.logger.Info("position closed",
			"symbol", p.Symbol,
			"producer", p.ProducerID,
			"realized_pnl", p.RealizedPnL)
	} else {
		t.logger.Debug("position reduced",
			"symbol", p.Symbol,
			"producer", p.ProducerID,
			"quantity", p.Quantity,
			"realized_pnl", p.RealizedPnL)
	}
	return *p, nil
}

// markAt treats a fill price as a market observation and refreshes
// the derived fields.
func (p *TrackedPosition) markAt(price decimal.Decimal) {
	p.CurrentPrice = price
	p.MarketValue = p.Quantity.Abs().Mul(price)
	p.UnrealizedPnL = price.Sub(p.AvgEntryPrice).Mul(p.Quantity)
}

// closeRowLocked flattens the bookkeeping fields of a row whose
// quantity reached zero.
func (t *Tracker) closeRowLocked(p *TrackedPosition, price decimal.Decimal, now time.Time) {
	p.Quantity = decimal.Zero
	p.CostBasis = decimal.Zero
	p.CurrentPrice = price
	p.MarketValue = decimal.Zero
	p.UnrealizedPnL = decimal.Zero
	p.ClosedAt = now
	p.UpdatedAt = now
}

// UpdateMarketPrices refreshes current price, market value, and
// unrealized P&L on every open row of the listed symbols.
func (t *Tracker) UpdateMarketPrices(prices map[string]decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now().UTC()
	for symbol, price := range prices {
		for id := range t.bySymbol[symbol] {
			p := t.positions[id]
			if !p.IsOpen() {
				continue
			}
			p.CurrentPrice = price
			p.MarketValue = p.Quantity.Abs().Mul(price)
			p.UnrealizedPnL = price.Sub(p.AvgEntryPrice).Mul(p.Quantity)
			p.UpdatedAt = now
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Accessors
// ————————————————————————————————————————————————————————————————————————

// Get returns the row with the given id.
func (t *Tracker) Get(positionID string) (TrackedPosition, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.positions[positionID]
	if !ok {
		return TrackedPosition{}, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	return *p, nil
}

// OpenFor returns the open row for (producer, symbol), if any.
func (t *Tracker) OpenFor(symbol, producerID string) (TrackedPosition, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.open[posKey{producer: producerID, symbol: symbol}]
	if !ok {
		return TrackedPosition{}, false
	}
	return *t.positions[id], true
}

// OpenPositions returns every open row, oldest first. An empty
// producer id means all producers.
func (t *Tracker) OpenPositions(producerID string) []TrackedPosition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []TrackedPosition
	for _, id := range t.open {
		p := t.positions[id]
		if producerID != "" && p.ProducerID != producerID {
			continue
		}
		out = append(out, *p)
	}
	sortPositions(out)
	return out
}

// BySymbol returns every row, open and closed, for a symbol.
func (t *Tracker) BySymbol(symbol string) []TrackedPosition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []TrackedPosition
	for id := range t.bySymbol[symbol] {
		out = append(out, *t.positions[id])
	}
	sortPositions(out)
	return out
}

// AggregateQuantity returns the signed quantity held in a symbol
// across all producers' open rows.
func (t *Tracker) AggregateQuantity(symbol string) decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.aggregate[symbol]
}

// OpenCount returns the number of open rows.
func (t *Tracker) OpenCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.open)
}

// DeployedCost returns the summed cost basis of all open rows: the
// capital currently tied up in positions.
func (t *Tracker) DeployedCost() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := decimal.Zero
	for _, id := range t.open {
		total = total.Add(t.positions[id].CostBasis)
	}
	return total
}

// TotalUnrealizedPnL sums unrealized P&L over open rows.
func (t *Tracker) TotalUnrealizedPnL() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := decimal.Zero
	for _, id := range t.open {
		total = total.Add(t.positions[id].UnrealizedPnL)
	}
	return total
}

// TotalRealizedPnL sums realized P&L over all rows, closed included.
func (t *Tracker) TotalRealizedPnL() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := decimal.Zero
	for _, p := range t.positions {
		total = total.Add(p.RealizedPnL)
	}
	return total
}

// Snapshot returns a copy of every row for persistence.
func (t *Tracker) Snapshot() []TrackedPosition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]TrackedPosition, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, *p)
	}
	sortPositions(out)
	return out
}

// Restore replaces the book with a persisted snapshot, rebuilding
// every index and the symbol aggregates. Used once at startup.
func (t *Tracker) Restore(rows []TrackedPosition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.positions = make(map[string]*TrackedPosition, len(rows))
	t.open = make(map[posKey]string)
	t.byProducer = make(map[string]map[string]struct{})
	t.bySymbol = make(map[string]map[string]struct{})
	t.aggregate = make(map[string]decimal.Decimal)
	for i := range rows {
		p := rows[i]
		t.positions[p.ID] = &p
		t.indexLocked(&p)
		if p.IsOpen() {
			t.open[posKey{producer: p.ProducerID, symbol: p.Symbol}] = p.ID
			t.bumpAggregateLocked(p.Symbol, p.Quantity)
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Internals
// ————————————————————————————————————————————————————————————————————————

func (t *Tracker) indexLocked(p *TrackedPosition) {
	t.positions[p.ID] = p
	prod, ok := t.byProducer[p.ProducerID]
	if !ok {
		prod = make(map[string]struct{})
		t.byProducer[p.ProducerID] = prod
	}
	prod[p.ID] = struct{}{}
	sym, ok := t.bySymbol[p.Symbol]
	if !ok {
		sym = make(map[string]struct{})
		t.bySymbol[p.Symbol] = sym
	}
	sym[p.ID] = struct{}{}
}

func (t *Tracker) bumpAggregateLocked(symbol string, delta decimal.Decimal) {
	next := t.aggregate[symbol].Add(delta)
	if next.IsZero() {
		delete(t.aggregate, symbol)
		return
	}
	t.aggregate[symbol] = next
}

func sortPositions(rows []TrackedPosition) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].OpenedAt.Equal(rows[j].OpenedAt) {
			if rows[i].Symbol == rows[j].Symbol {
				return rows[i].ID < rows[j].ID
			}
			return rows[i].Symbol < rows[j].Symbol
		}
		return rows[i].OpenedAt.Before(rows[j].OpenedAt)
	})
}
