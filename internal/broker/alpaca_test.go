package broker

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/pkg/types"
)

func TestMapAlpacaStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		venue string
		want  types.BrokerOrderStatus
	}{
		{"pending_new", types.StatusPending},
		{"new", types.StatusAccepted},
		{"accepted", types.StatusAccepted},
		{"accepted_for_bidding", types.StatusAccepted},
		{"partially_filled", types.StatusPartiallyFilled},
		{"filled", types.StatusFilled},
		{"canceled", types.StatusCancelled},
		{"expired", types.StatusExpired},
		{"done_for_day", types.StatusExpired},
		{"rejected", types.StatusRejected},
		{"suspended", types.StatusRejected},
		// Working states and anything unknown stay SUBMITTED.
		{"pending_cancel", types.StatusSubmitted},
		{"pending_replace", types.StatusSubmitted},
		{"calculated", types.StatusSubmitted},
		{"some_future_status", types.StatusSubmitted},
	}

	for _, tt := range tests {
		if got := mapAlpacaStatus(tt.venue); got != tt.want {
			t.Errorf("mapAlpacaStatus(%q) = %v, want %v", tt.venue, got, tt.want)
		}
	}
}

func TestBuildOrderRequest(t *testing.T) {
	t.Parallel()

	market := marketIntent("c1", "AAPL", types.BUY, 100)
	req := buildOrderRequest(market)
	if req.Side != "buy" || req.Type != "market" || req.TimeInForce != "day" {
		t.Errorf("market request = %+v", req)
	}
	if req.Qty != "100" {
		t.Errorf("qty = %q, want \"100\"", req.Qty)
	}
	if req.LimitPrice != "" || req.StopPrice != "" {
		t.Errorf("market order must not carry prices: %+v", req)
	}
	if req.ClientOrderID != "c1" {
		t.Errorf("client order id = %q, want c1", req.ClientOrderID)
	}

	limit := decimal.NewFromFloat(150.25)
	stop := decimal.NewFromFloat(148.5)
	stopLimit := types.OrderIntent{
		ClientOrderID: "c2",
		ProducerID:    "alpha",
		Symbol:        "AAPL",
		Side:          types.SELL,
		Kind:          types.StopLimit,
		Quantity:      decimal.NewFromInt(10),
		LimitPrice:    &limit,
		StopPrice:     &stop,
		TimeInForce:   types.TIFGTC,
	}
	req = buildOrderRequest(stopLimit)
	if req.Type != "stop_limit" || req.Side != "sell" || req.TimeInForce != "gtc" {
		t.Errorf("stop-limit request = %+v", req)
	}
	if req.LimitPrice != "150.25" || req.StopPrice != "148.5" {
		t.Errorf("prices = %q/%q, want 150.25/148.5", req.LimitPrice, req.StopPrice)
	}
}

func TestAlpacaOrderToResult(t *testing.T) {
	t.Parallel()

	submitted := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	raw := alpacaOrder{
		ID:             "b-123",
		ClientOrderID:  "c1",
		Symbol:         "AAPL",
		Side:           "buy",
		Type:           "limit",
		Qty:            "100",
		FilledQty:      "40",
		FilledAvgPrice: "150.25",
		LimitPrice:     "151",
		Status:         "partially_filled",
		SubmittedAt:    &submitted,
	}

	res := raw.toResult()
	if res.OrderID != "b-123" || res.ClientOrderID != "c1" {
		t.Errorf("ids = %q/%q", res.OrderID, res.ClientOrderID)
	}
	if res.Side != types.BUY || res.Kind != types.Limit {
		t.Errorf("side/kind = %v/%v", res.Side, res.Kind)
	}
	if res.Status != types.StatusPartiallyFilled {
		t.Errorf("status = %v, want PARTIALLY_FILLED", res.Status)
	}
	if !res.Quantity.Equal(decimal.NewFromInt(100)) {
		t.Errorf("quantity = %s, want 100", res.Quantity)
	}
	if !res.FilledQuantity.Equal(decimal.NewFromInt(40)) {
		t.Errorf("filled = %s, want 40", res.FilledQuantity)
	}
	if !res.AvgFillPrice.Equal(decimal.NewFromFloat(150.25)) {
		t.Errorf("avg price = %s, want 150.25", res.AvgFillPrice)
	}
	if !res.SubmittedAt.Equal(submitted) {
		t.Errorf("submitted at = %v, want %v", res.SubmittedAt, submitted)
	}

	// Absent numeric strings parse to zero rather than failing.
	empty := alpacaOrder{ID: "b-1", Status: "new"}
	res = empty.toResult()
	if !res.FilledQuantity.IsZero() || !res.AvgFillPrice.IsZero() {
		t.Errorf("empty fields should be zero, got %s/%s", res.FilledQuantity, res.AvgFillPrice)
	}
	if res.Status != types.StatusAccepted {
		t.Errorf("status = %v, want ACCEPTED", res.Status)
	}
}

func TestIsInsufficientFunds(t *testing.T) {
	t.Parallel()

	if !isInsufficientFunds(alpacaError{Code: 40310000, Message: "account is not allowed to short"}) {
		t.Error("code 40310000 should map to insufficient funds")
	}
	if !isInsufficientFunds(alpacaError{Code: 403, Message: "insufficient buying power"}) {
		t.Error("message match should map to insufficient funds")
	}
	if isInsufficientFunds(alpacaError{Code: 403, Message: "forbidden"}) {
		t.Error("generic forbidden is not insufficient funds")
	}
}
