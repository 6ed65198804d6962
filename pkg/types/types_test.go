package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestBrokerStatusCanonical(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status BrokerOrderStatus
		want   OrderState
	}{
		{StatusPending, OrderPending},
		{StatusSubmitted, OrderSubmitted},
		{StatusAccepted, OrderSubmitted},
		{StatusPartiallyFilled, OrderPartiallyFilled},
		{StatusFilled, OrderFilled},
		{StatusCancelled, OrderCancelled},
		{StatusExpired, OrderCancelled},
		{StatusRejected, OrderRejected},
		{BrokerOrderStatus("calculated"), OrderSubmitted}, // unknown
	}

	for _, tt := range tests {
		if got := tt.status.Canonical(); got != tt.want {
			t.Errorf("BrokerOrderStatus(%q).Canonical() = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestOrderStateTerminal(t *testing.T) {
	t.Parallel()

	terminal := []OrderState{OrderFilled, OrderRejected, OrderCancelled}
	open := []OrderState{OrderPending, OrderSubmitted, OrderPartiallyFilled}

	for _, s := range terminal {
		if !s.IsTerminal() || s.IsOpen() {
			t.Errorf("state %q should be terminal and not open", s)
		}
	}
	for _, s := range open {
		if s.IsTerminal() || !s.IsOpen() {
			t.Errorf("state %q should be open and not terminal", s)
		}
	}
}

func TestOrderIntentValidate(t *testing.T) {
	t.Parallel()

	price := decimal.NewFromFloat(150.00)
	stop := decimal.NewFromFloat(147.00)

	base := OrderIntent{
		ClientOrderID: "c1",
		ProducerID:    "p1",
		Symbol:        "AAPL",
		Side:          BUY,
		Kind:          Limit,
		Quantity:      decimal.NewFromInt(100),
		LimitPrice:    &price,
		TimeInForce:   TIFDay,
	}

	if err := base.Validate(); err != nil {
		t.Fatalf("valid intent rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(in *OrderIntent)
	}{
		{"empty symbol", func(in *OrderIntent) { in.Symbol = "" }},
		{"empty producer", func(in *OrderIntent) { in.ProducerID = "" }},
		{"abstain side", func(in *OrderIntent) { in.Side = ABSTAIN }},
		{"zero quantity", func(in *OrderIntent) { in.Quantity = decimal.Zero }},
		{"negative quantity", func(in *OrderIntent) { in.Quantity = decimal.NewFromInt(-5) }},
		{"unknown kind", func(in *OrderIntent) { in.Kind = OrderKind("TWAP") }},
		{"limit without price", func(in *OrderIntent) { in.LimitPrice = nil }},
		{"stop without trigger", func(in *OrderIntent) { in.Kind = Stop; in.StopPrice = nil }},
		{"stop_limit without trigger", func(in *OrderIntent) { in.Kind = StopLimit; in.StopPrice = nil }},
		{"bad tif", func(in *OrderIntent) { in.TimeInForce = TimeInForce("GTD") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := base
			tt.mutate(&in)
			if err := in.Validate(); err == nil {
				t.Errorf("expected validation error for %s", tt.name)
			}
		})
	}

	// Market orders need neither price.
	mkt := base
	mkt.Kind = Market
	mkt.LimitPrice = nil
	if err := mkt.Validate(); err != nil {
		t.Errorf("market intent should validate without prices: %v", err)
	}

	// Stop-limit needs both.
	sl := base
	sl.Kind = StopLimit
	sl.StopPrice = &stop
	if err := sl.Validate(); err != nil {
		t.Errorf("stop-limit intent with both prices should validate: %v", err)
	}
}

func TestOrderIntentNotional(t *testing.T) {
	t.Parallel()

	price := decimal.NewFromFloat(150.00)
	in := OrderIntent{Quantity: decimal.NewFromInt(200), LimitPrice: &price}

	if got := in.Notional(decimal.Zero); !got.Equal(decimal.NewFromInt(30000)) {
		t.Errorf("Notional() = %s, want 30000", got)
	}

	in.LimitPrice = nil
	if got := in.Notional(decimal.NewFromFloat(10.5)); !got.Equal(decimal.NewFromFloat(2100)) {
		t.Errorf("Notional() with fallback = %s, want 2100", got)
	}
}
