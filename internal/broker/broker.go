// Package broker defines the execution-venue contract and its two
// adapters: an Alpaca REST+WebSocket client for paper and live
// accounts, and an in-process paper simulator for tests and offline
// runs.
//
// Consumers depend on the Broker interface only. Adapters translate
// venue-specific statuses into the broker-neutral vocabulary in
// pkg/types; nothing above this package ever sees a venue status
// string.
package broker

import (
	"context"
	"errors"

	"tradecore/pkg/types"
)

var (
	// ErrOrderNotFound is returned when the venue does not know the
	// given broker order id.
	ErrOrderNotFound = errors.New("broker: order not found")

	// ErrInsufficientFunds is returned when the venue refuses an order
	// for lack of buying power.
	ErrInsufficientFunds = errors.New("broker: insufficient funds")

	// ErrNotConnected is returned by adapters that have lost their
	// session.
	ErrNotConnected = errors.New("broker: not connected")
)

// Broker is the minimum execution capability the order manager and
// position tracker consume. Implementations must be safe for
// concurrent use.
type Broker interface {
	// PlaceOrder submits the intent and returns the venue's view of
	// the created order.
	PlaceOrder(ctx context.Context, intent types.OrderIntent) (types.OrderResult, error)

	// CancelOrder requests cancellation by broker order id.
	CancelOrder(ctx context.Context, brokerOrderID string) error

	// GetOrder fetches one order by broker order id.
	GetOrder(ctx context.Context, brokerOrderID string) (types.OrderResult, error)

	// ListOrders returns the account's orders, optionally open ones
	// only, newest first. A limit of 0 means no cap.
	ListOrders(ctx context.Context, openOnly bool, limit int) ([]types.OrderResult, error)

	// ListPositions returns the venue's view of all open positions.
	ListPositions(ctx context.Context) ([]types.PositionSnapshot, error)

	// GetAccount returns cash, equity and buying power.
	GetAccount(ctx context.Context) (types.AccountSnapshot, error)

	// Connected reports whether the adapter has a working session.
	Connected() bool

	// IsPaper reports whether fills are simulated or sandboxed.
	IsPaper() bool
}
