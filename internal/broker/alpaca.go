// alpaca.go implements the Alpaca Trading API adapter.
//
// The REST client covers the order and account surface:
//   - PlaceOrder:    POST   /v2/orders
//   - CancelOrder:   DELETE /v2/orders/{id}
//   - GetOrder:      GET    /v2/orders/{id}
//   - ListOrders:    GET    /v2/orders
//   - ListPositions: GET    /v2/positions
//   - GetAccount:    GET    /v2/account
//
// Every request passes the shared token bucket, is retried on 429 and
// 5xx responses, and carries the APCA key headers. Venue statuses are
// normalized into the broker-neutral set before anything leaves this
// file; Alpaca reports quantities and prices as decimal strings, which
// are parsed exactly rather than through floats.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"tradecore/internal/config"
	"tradecore/pkg/types"
)

var _ Broker = (*AlpacaBroker)(nil)

// AlpacaBroker talks to an Alpaca paper or live trading account.
type AlpacaBroker struct {
	http      *resty.Client
	rl        *RateLimiter
	paper     bool
	logger    *slog.Logger
	connected atomic.Bool
}

// NewAlpacaBroker creates a REST client with rate limiting and retry.
func NewAlpacaBroker(cfg config.BrokerConfig, logger *slog.Logger) *AlpacaBroker {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		}).
		SetHeader("APCA-API-KEY-ID", cfg.APIKey).
		SetHeader("APCA-API-SECRET-KEY", cfg.APISecret).
		SetHeader("Content-Type", "application/json")

	return &AlpacaBroker{
		http:   httpClient,
		rl:     NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst),
		paper:  cfg.Paper,
		logger: logger.With("component", "alpaca"),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Wire types
// ————————————————————————————————————————————————————————————————————————

// alpacaOrder mirrors the subset of Alpaca's order resource this core
// consumes. Numeric fields arrive as decimal strings and may be empty.
type alpacaOrder struct {
	ID             string     `json:"id"`
	ClientOrderID  string     `json:"client_order_id"`
	Symbol         string     `json:"symbol"`
	Side           string     `json:"side"`
	Type           string     `json:"type"`
	Qty            string     `json:"qty"`
	FilledQty      string     `json:"filled_qty"`
	FilledAvgPrice string     `json:"filled_avg_price"`
	LimitPrice     string     `json:"limit_price"`
	StopPrice      string     `json:"stop_price"`
	Status         string     `json:"status"`
	SubmittedAt    *time.Time `json:"submitted_at"`
	FilledAt       *time.Time `json:"filled_at"`
	CanceledAt     *time.Time `json:"canceled_at"`
	UpdatedAt      *time.Time `json:"updated_at"`
}

type alpacaPosition struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	AvgEntryPrice string `json:"avg_entry_price"`
	CurrentPrice  string `json:"current_price"`
	MarketValue   string `json:"market_value"`
	UnrealizedPL  string `json:"unrealized_pl"`
}

type alpacaAccount struct {
	Cash        string `json:"cash"`
	Equity      string `json:"equity"`
	BuyingPower string `json:"buying_power"`
	Currency    string `json:"currency"`
}

type alpacaError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type alpacaOrderRequest struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	LimitPrice    string `json:"limit_price,omitempty"`
	StopPrice     string `json:"stop_price,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Broker interface
// ————————————————————————————————————————————————————————————————————————

// PlaceOrder submits the intent. Alpaca deduplicates on
// client_order_id, so the retry policy cannot double-place.
func (a *AlpacaBroker) PlaceOrder(ctx context.Context, intent types.OrderIntent) (types.OrderResult, error) {
	if err := intent.Validate(); err != nil {
		return types.OrderResult{}, err
	}
	if err := a.rl.Wait(ctx); err != nil {
		return types.OrderResult{}, err
	}

	var (
		result alpacaOrder
		apiErr alpacaError
	)
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(buildOrderRequest(intent)).
		SetResult(&result).
		SetError(&apiErr).
		Post("/v2/orders")
	if err != nil {
		a.connected.Store(false)
		return types.OrderResult{}, fmt.Errorf("place order: %w", err)
	}
	if resp.StatusCode() == http.StatusForbidden && isInsufficientFunds(apiErr) {
		return types.OrderResult{}, fmt.Errorf("%s: %w", apiErr.Message, ErrInsufficientFunds)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.OrderResult{}, fmt.Errorf("place order: status %d: %s", resp.StatusCode(), resp.String())
	}

	a.connected.Store(true)
	a.logger.Info("order placed",
		"order_id", result.ID,
		"client_order_id", result.ClientOrderID,
		"symbol", result.Symbol,
		"status", result.Status)
	return result.toResult(), nil
}

// CancelOrder requests cancellation by broker order id.
func (a *AlpacaBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if err := a.rl.Wait(ctx); err != nil {
		return err
	}

	resp, err := a.http.R().
		SetContext(ctx).
		SetPathParam("id", brokerOrderID).
		Delete("/v2/orders/{id}")
	if err != nil {
		a.connected.Store(false)
		return fmt.Errorf("cancel order: %w", err)
	}
	switch resp.StatusCode() {
	case http.StatusNoContent, http.StatusOK:
		a.logger.Info("order cancel requested", "order_id", brokerOrderID)
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", brokerOrderID, ErrOrderNotFound)
	default:
		return fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
}

// GetOrder fetches one order by broker order id.
func (a *AlpacaBroker) GetOrder(ctx context.Context, brokerOrderID string) (types.OrderResult, error) {
	if err := a.rl.Wait(ctx); err != nil {
		return types.OrderResult{}, err
	}

	var result alpacaOrder
	resp, err := a.http.R().
		SetContext(ctx).
		SetPathParam("id", brokerOrderID).
		SetResult(&result).
		Get("/v2/orders/{id}")
	if err != nil {
		a.connected.Store(false)
		return types.OrderResult{}, fmt.Errorf("get order: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return types.OrderResult{}, fmt.Errorf("%s: %w", brokerOrderID, ErrOrderNotFound)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.OrderResult{}, fmt.Errorf("get order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.toResult(), nil
}

// ListOrders returns the account's orders, optionally open ones only.
// A limit of 0 asks for the venue maximum (500).
func (a *AlpacaBroker) ListOrders(ctx context.Context, openOnly bool, limit int) ([]types.OrderResult, error) {
	if err := a.rl.Wait(ctx); err != nil {
		return nil, err
	}

	status := "all"
	if openOnly {
		status = "open"
	}
	if limit <= 0 || limit > 500 {
		limit = 500
	}

	var raw []alpacaOrder
	resp, err := a.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"status": status,
			"limit":  strconv.Itoa(limit),
		}).
		SetResult(&raw).
		Get("/v2/orders")
	if err != nil {
		a.connected.Store(false)
		return nil, fmt.Errorf("list orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("list orders: status %d: %s", resp.StatusCode(), resp.String())
	}

	out := make([]types.OrderResult, len(raw))
	for i, o := range raw {
		out[i] = o.toResult()
	}
	return out, nil
}

// ListPositions returns the venue's open positions.
func (a *AlpacaBroker) ListPositions(ctx context.Context) ([]types.PositionSnapshot, error) {
	if err := a.rl.Wait(ctx); err != nil {
		return nil, err
	}

	var raw []alpacaPosition
	resp, err := a.http.R().
		SetContext(ctx).
		SetResult(&raw).
		Get("/v2/positions")
	if err != nil {
		a.connected.Store(false)
		return nil, fmt.Errorf("list positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("list positions: status %d: %s", resp.StatusCode(), resp.String())
	}

	now := time.Now().UTC()
	out := make([]types.PositionSnapshot, len(raw))
	for i, p := range raw {
		out[i] = types.PositionSnapshot{
			Symbol:        p.Symbol,
			Quantity:      decOrZero(p.Qty),
			AvgEntryPrice: decOrZero(p.AvgEntryPrice),
			CurrentPrice:  decOrZero(p.CurrentPrice),
			MarketValue:   decOrZero(p.MarketValue),
			UnrealizedPnL: decOrZero(p.UnrealizedPL),
			UpdatedAt:     now,
		}
	}
	return out, nil
}

// GetAccount returns cash, equity and buying power.
func (a *AlpacaBroker) GetAccount(ctx context.Context) (types.AccountSnapshot, error) {
	if err := a.rl.Wait(ctx); err != nil {
		return types.AccountSnapshot{}, err
	}

	var raw alpacaAccount
	resp, err := a.http.R().
		SetContext(ctx).
		SetResult(&raw).
		Get("/v2/account")
	if err != nil {
		a.connected.Store(false)
		return types.AccountSnapshot{}, fmt.Errorf("get account: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.AccountSnapshot{}, fmt.Errorf("get account: status %d: %s", resp.StatusCode(), resp.String())
	}

	a.connected.Store(true)
	return types.AccountSnapshot{
		Cash:        decOrZero(raw.Cash),
		Equity:      decOrZero(raw.Equity),
		BuyingPower: decOrZero(raw.BuyingPower),
		Currency:    raw.Currency,
		At:          time.Now().UTC(),
	}, nil
}

// Connected reports whether the last REST exchange succeeded.
func (a *AlpacaBroker) Connected() bool { return a.connected.Load() }

// IsPaper reports whether the client targets the paper endpoint.
func (a *AlpacaBroker) IsPaper() bool { return a.paper }

// ————————————————————————————————————————————————————————————————————————
// Mapping
// ————————————————————————————————————————————————————————————————————————

func buildOrderRequest(intent types.OrderIntent) alpacaOrderRequest {
	req := alpacaOrderRequest{
		Symbol:        intent.Symbol,
		Qty:           intent.Quantity.String(),
		Side:          strings.ToLower(string(intent.Side)),
		Type:          mapKindToAlpaca(intent.Kind),
		TimeInForce:   strings.ToLower(string(intent.TimeInForce)),
		ClientOrderID: intent.ClientOrderID,
	}
	if intent.LimitPrice != nil {
		req.LimitPrice = intent.LimitPrice.String()
	}
	if intent.StopPrice != nil {
		req.StopPrice = intent.StopPrice.String()
	}
	return req
}

func mapKindToAlpaca(kind types.OrderKind) string {
	switch kind {
	case types.Market:
		return "market"
	case types.Limit:
		return "limit"
	case types.Stop:
		return "stop"
	case types.StopLimit:
		return "stop_limit"
	default:
		return strings.ToLower(string(kind))
	}
}

// mapAlpacaStatus translates a venue status into the broker-neutral
// set. Anything unrecognized is treated as a working order; the
// poll/stream path corrects it on the next update.
func mapAlpacaStatus(status string) types.BrokerOrderStatus {
	switch status {
	case "pending_new":
		return types.StatusPending
	case "new", "accepted", "accepted_for_bidding":
		return types.StatusAccepted
	case "partially_filled":
		return types.StatusPartiallyFilled
	case "filled":
		return types.StatusFilled
	case "canceled":
		return types.StatusCancelled
	case "expired", "done_for_day":
		return types.StatusExpired
	case "rejected", "suspended":
		return types.StatusRejected
	default:
		// pending_cancel, pending_replace, stopped, calculated, ...:
		// still working as far as the core is concerned.
		return types.StatusSubmitted
	}
}

func mapAlpacaSide(side string) types.Side {
	if strings.EqualFold(side, "buy") {
		return types.BUY
	}
	return types.SELL
}

func mapAlpacaKind(orderType string) types.OrderKind {
	switch orderType {
	case "market":
		return types.Market
	case "limit":
		return types.Limit
	case "stop":
		return types.Stop
	case "stop_limit":
		return types.StopLimit
	default:
		return types.Market
	}
}

func (o alpacaOrder) toResult() types.OrderResult {
	res := types.OrderResult{
		OrderID:        o.ID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         o.Symbol,
		Side:           mapAlpacaSide(o.Side),
		Kind:           mapAlpacaKind(o.Type),
		Status:         mapAlpacaStatus(o.Status),
		Quantity:       decOrZero(o.Qty),
		FilledQuantity: decOrZero(o.FilledQty),
		AvgFillPrice:   decOrZero(o.FilledAvgPrice),
		LimitPrice:     decOrZero(o.LimitPrice),
		StopPrice:      decOrZero(o.StopPrice),
	}
	if o.SubmittedAt != nil {
		res.SubmittedAt = *o.SubmittedAt
	}
	if o.FilledAt != nil {
		res.FilledAt = *o.FilledAt
	}
	if o.UpdatedAt != nil {
		res.UpdatedAt = *o.UpdatedAt
	}
	return res
}

func isInsufficientFunds(apiErr alpacaError) bool {
	return apiErr.Code == 40310000 ||
		strings.Contains(strings.ToLower(apiErr.Message), "insufficient")
}

// decOrZero parses Alpaca's decimal strings, treating absent fields as
// zero.
func decOrZero(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
