// Package risk implements the pre-trade gate of the execution core.
//
// It is built from four pieces, composed by Manager:
//
//   - Limit value objects (this file): pure checks over portfolio-,
//     strategy-, and order-level thresholds, returning typed violations.
//   - KillSwitch: a global and per-producer binary halt with an audit log
//     and privileged deactivation.
//   - CircuitBreaker: a three-state machine on drawdown inputs that can
//     trip the kill switch.
//   - Manager.CheckOrder: the single gate every candidate order passes
//     through before it may reach the OMS.
//
// Violations carry a severity: warnings are reported but do not block,
// errors reject the order. Numeric limits trip on >= (equality violates)
// unless the limit is a floor, in which case equality passes.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"tradecore/internal/config"
)

// Severity classifies a violation: warnings inform, errors reject.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// ViolationKind names the specific limit a check tripped.
type ViolationKind string

const (
	KindKillSwitchActive   ViolationKind = "KILL_SWITCH_ACTIVE"
	KindBreakerOpen        ViolationKind = "circuit_breaker_open"
	KindMaxDailyDrawdown   ViolationKind = "max_daily_drawdown"
	KindMaxTotalDrawdown   ViolationKind = "max_total_drawdown"
	KindMaxDeployedCapital ViolationKind = "max_deployed_capital"
	KindMaxOpenPositions   ViolationKind = "max_open_positions"
	KindStrategyPaused     ViolationKind = "PAUSED"
	KindMaxAllocation      ViolationKind = "max_allocation"
	KindStrategyDrawdown   ViolationKind = "strategy_max_drawdown"
	KindDailyLossLimit     ViolationKind = "daily_loss_limit"
	KindMaxNotional        ViolationKind = "max_notional"
	KindMaxRiskPerTrade    ViolationKind = "max_risk_per_trade"
	KindMinPrice           ViolationKind = "min_price"
	KindPriceDeviation     ViolationKind = "max_price_deviation"
	KindBlockedSymbol      ViolationKind = "blocked_symbol"
	KindMinADV             ViolationKind = "min_adv"
	KindMaxOrderPctADV     ViolationKind = "max_order_pct_adv"
	KindPortfolioValueZero ViolationKind = "portfolio_value_zero"
)

// Violation is one tripped limit: the configured threshold, the observed
// value, and a human-readable message.
type Violation struct {
	Kind     ViolationKind
	Limit    decimal.Decimal
	Actual   decimal.Decimal
	Message  string
	Severity Severity
}

func errViolation(kind ViolationKind, limit, actual decimal.Decimal, msg string) Violation {
	return Violation{Kind: kind, Limit: limit, Actual: actual, Message: msg, Severity: SeverityError}
}

func warnViolation(kind ViolationKind, limit, actual decimal.Decimal, msg string) Violation {
	return Violation{Kind: kind, Limit: limit, Actual: actual, Message: msg, Severity: SeverityWarning}
}

var hundred = decimal.NewFromInt(100)

// ————————————————————————————————————————————————————————————————————————
// Portfolio limits
// ————————————————————————————————————————————————————————————————————————

// PortfolioLimits bounds the account as a whole. Immutable after
// construction; all checks are pure.
type PortfolioLimits struct {
	MaxDailyDrawdownPct   decimal.Decimal
	MaxTotalDrawdownPct   decimal.Decimal
	MaxDeployedCapitalPct decimal.Decimal
	MaxOpenPositions      int
}

// NewPortfolioLimits converts the float config into exact decimals.
func NewPortfolioLimits(c config.PortfolioLimitsConfig) PortfolioLimits {
	return PortfolioLimits{
		MaxDailyDrawdownPct:   decimal.NewFromFloat(c.MaxDailyDrawdownPct),
		MaxTotalDrawdownPct:   decimal.NewFromFloat(c.MaxTotalDrawdownPct),
		MaxDeployedCapitalPct: decimal.NewFromFloat(c.MaxDeployedCapitalPct),
		MaxOpenPositions:      c.MaxOpenPositions,
	}
}

// CheckDrawdowns compares observed daily and total drawdown percentages
// against their limits.
func (l PortfolioLimits) CheckDrawdowns(dailyPct, totalPct decimal.Decimal) []Violation {
	var vs []Violation
	if dailyPct.GreaterThanOrEqual(l.MaxDailyDrawdownPct) {
		vs = append(vs, errViolation(KindMaxDailyDrawdown, l.MaxDailyDrawdownPct, dailyPct,
			fmt.Sprintf("daily drawdown %s%% breaches limit %s%%",
				dailyPct.StringFixed(2), l.MaxDailyDrawdownPct.StringFixed(2))))
	}
	if totalPct.GreaterThanOrEqual(l.MaxTotalDrawdownPct) {
		vs = append(vs, errViolation(KindMaxTotalDrawdown, l.MaxTotalDrawdownPct, totalPct,
			fmt.Sprintf("total drawdown %s%% breaches limit %s%%",
				totalPct.StringFixed(2), l.MaxTotalDrawdownPct.StringFixed(2))))
	}
	return vs
}

// CheckCapitalDeployed compares the deployed-capital percentage against
// the limit. Applies to opening orders only; the caller decides that.
func (l PortfolioLimits) CheckCapitalDeployed(deployedPct decimal.Decimal) []Violation {
	if deployedPct.GreaterThanOrEqual(l.MaxDeployedCapitalPct) {
		return []Violation{errViolation(KindMaxDeployedCapital, l.MaxDeployedCapitalPct, deployedPct,
			fmt.Sprintf("capital deployed %s%% breaches limit %s%%",
				deployedPct.StringFixed(2), l.MaxDeployedCapitalPct.StringFixed(2)))}
	}
	return nil
}

// CheckOpenPositions compares the current open-position count against
// the cap.
func (l PortfolioLimits) CheckOpenPositions(count int) []Violation {
	if count >= l.MaxOpenPositions {
		return []Violation{errViolation(KindMaxOpenPositions,
			decimal.NewFromInt(int64(l.MaxOpenPositions)), decimal.NewFromInt(int64(count)),
			fmt.Sprintf("open positions %d at or above limit %d", count, l.MaxOpenPositions))}
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Strategy limits
// ————————————————————————————————————————————————————————————————————————

// StrategyLimits bounds a single producer. Registered with the Manager
// and replaced wholesale on update; never mutated in place.
// CurrentAllocationPct is an input maintained by the caller, not by the
// core.
type StrategyLimits struct {
	ProducerID           string
	MaxAllocationPct     decimal.Decimal
	MaxDrawdownPct       decimal.Decimal
	DailyLossLimitPct    decimal.Decimal
	CurrentAllocationPct decimal.Decimal
	Paused               bool
	PausedReason         string
}

// NewStrategyLimits converts the float config into exact decimals.
func NewStrategyLimits(c config.StrategyLimitsConfig) StrategyLimits {
	return StrategyLimits{
		ProducerID:           c.ProducerID,
		MaxAllocationPct:     decimal.NewFromFloat(c.MaxAllocationPct),
		MaxDrawdownPct:       decimal.NewFromFloat(c.MaxDrawdownPct),
		DailyLossLimitPct:    decimal.NewFromFloat(c.DailyLossLimitPct),
		CurrentAllocationPct: decimal.NewFromFloat(c.CurrentAllocationPct),
		Paused:               c.Paused,
		PausedReason:         c.PausedReason,
	}
}

// CheckPaused reports a violation when the producer is paused.
func (l StrategyLimits) CheckPaused() []Violation {
	if !l.Paused {
		return nil
	}
	msg := fmt.Sprintf("strategy %s is paused", l.ProducerID)
	if l.PausedReason != "" {
		msg += ": " + l.PausedReason
	}
	return []Violation{errViolation(KindStrategyPaused, decimal.Zero, decimal.Zero, msg)}
}

// CheckAllocation compares the projected allocation percentage (current
// plus the candidate order) against the producer's cap.
func (l StrategyLimits) CheckAllocation(projectedPct decimal.Decimal) []Violation {
	if projectedPct.GreaterThanOrEqual(l.MaxAllocationPct) {
		return []Violation{errViolation(KindMaxAllocation, l.MaxAllocationPct, projectedPct,
			fmt.Sprintf("strategy %s projected allocation %s%% breaches limit %s%%",
				l.ProducerID, projectedPct.StringFixed(2), l.MaxAllocationPct.StringFixed(2)))}
	}
	return nil
}

// CheckDrawdown compares the producer's drawdown against its own limit.
func (l StrategyLimits) CheckDrawdown(drawdownPct decimal.Decimal) []Violation {
	if l.MaxDrawdownPct.IsZero() {
		return nil
	}
	if drawdownPct.GreaterThanOrEqual(l.MaxDrawdownPct) {
		return []Violation{errViolation(KindStrategyDrawdown, l.MaxDrawdownPct, drawdownPct,
			fmt.Sprintf("strategy %s drawdown %s%% breaches limit %s%%",
				l.ProducerID, drawdownPct.StringFixed(2), l.MaxDrawdownPct.StringFixed(2)))}
	}
	return nil
}

// CheckDailyLoss compares the producer's daily loss percentage against
// its limit.
func (l StrategyLimits) CheckDailyLoss(lossPct decimal.Decimal) []Violation {
	if l.DailyLossLimitPct.IsZero() {
		return nil
	}
	if lossPct.GreaterThanOrEqual(l.DailyLossLimitPct) {
		return []Violation{errViolation(KindDailyLossLimit, l.DailyLossLimitPct, lossPct,
			fmt.Sprintf("strategy %s daily loss %s%% breaches limit %s%%",
				l.ProducerID, lossPct.StringFixed(2), l.DailyLossLimitPct.StringFixed(2)))}
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Order limits
// ————————————————————————————————————————————————————————————————————————

// OrderLimits bounds a single candidate order.
type OrderLimits struct {
	MaxRiskPerTradePct   decimal.Decimal
	MaxNotional          decimal.Decimal
	MaxPriceDeviationPct decimal.Decimal
	MinPrice             decimal.Decimal
	MaxOrderPctADV       decimal.Decimal
	MinADV               decimal.Decimal

	blocked map[string]struct{}
}

// NewOrderLimits converts the float config into exact decimals and
// builds the blocked-symbol set.
func NewOrderLimits(c config.OrderLimitsConfig) OrderLimits {
	blocked := make(map[string]struct{}, len(c.BlockedSymbols))
	for _, s := range c.BlockedSymbols {
		blocked[s] = struct{}{}
	}
	return OrderLimits{
		MaxRiskPerTradePct:   decimal.NewFromFloat(c.MaxRiskPerTradePct),
		MaxNotional:          decimal.NewFromFloat(c.MaxNotional),
		MaxPriceDeviationPct: decimal.NewFromFloat(c.MaxPriceDeviationPct),
		MinPrice:             decimal.NewFromFloat(c.MinPrice),
		MaxOrderPctADV:       decimal.NewFromFloat(c.MaxOrderPctADV),
		MinADV:               decimal.NewFromFloat(c.MinADV),
		blocked:              blocked,
	}
}

// IsBlocked reports whether the symbol is on the block list.
func (l OrderLimits) IsBlocked(symbol string) bool {
	_, ok := l.blocked[symbol]
	return ok
}

// CheckNotional compares the order's gross cash value against the cap.
func (l OrderLimits) CheckNotional(notional decimal.Decimal) []Violation {
	if notional.GreaterThanOrEqual(l.MaxNotional) {
		return []Violation{errViolation(KindMaxNotional, l.MaxNotional, notional,
			fmt.Sprintf("order notional %s breaches maximum %s",
				notional.StringFixed(2), l.MaxNotional.StringFixed(2)))}
	}
	return nil
}

// CheckRiskAmount compares the cash at risk as a percentage of portfolio
// value against the per-trade cap. The caller must guarantee
// portfolioValue > 0.
func (l OrderLimits) CheckRiskAmount(riskAmount, portfolioValue decimal.Decimal) []Violation {
	riskPct := riskAmount.Div(portfolioValue).Mul(hundred)
	if riskPct.GreaterThanOrEqual(l.MaxRiskPerTradePct) {
		return []Violation{errViolation(KindMaxRiskPerTrade, l.MaxRiskPerTradePct, riskPct,
			fmt.Sprintf("risk per trade %s%% breaches limit %s%%",
				riskPct.StringFixed(2), l.MaxRiskPerTradePct.StringFixed(2)))}
	}
	return nil
}

// CheckPrice enforces the minimum instrument price. MinPrice is a floor,
// so equality passes.
func (l OrderLimits) CheckPrice(price decimal.Decimal) []Violation {
	if price.LessThan(l.MinPrice) {
		return []Violation{errViolation(KindMinPrice, l.MinPrice, price,
			fmt.Sprintf("price %s below minimum %s",
				price.StringFixed(2), l.MinPrice.StringFixed(2)))}
	}
	return nil
}

// CheckDeviation compares the order price's distance from the last
// traded price against the deviation band. The caller must guarantee
// lastTraded > 0.
func (l OrderLimits) CheckDeviation(price, lastTraded decimal.Decimal) []Violation {
	devPct := price.Sub(lastTraded).Abs().Div(lastTraded).Mul(hundred)
	if devPct.GreaterThanOrEqual(l.MaxPriceDeviationPct) {
		return []Violation{errViolation(KindPriceDeviation, l.MaxPriceDeviationPct, devPct,
			fmt.Sprintf("price %s deviates %s%% from last trade %s, limit %s%%",
				price.StringFixed(2), devPct.StringFixed(2),
				lastTraded.StringFixed(2), l.MaxPriceDeviationPct.StringFixed(2)))}
	}
	return nil
}

// CheckSymbol rejects symbols on the block list.
func (l OrderLimits) CheckSymbol(symbol string) []Violation {
	if l.IsBlocked(symbol) {
		return []Violation{errViolation(KindBlockedSymbol, decimal.Zero, decimal.Zero,
			fmt.Sprintf("symbol %s is blocked", symbol))}
	}
	return nil
}

// CheckVolume applies the two volume rules: an instrument trading below
// MinADV is a warning, an order larger than MaxOrderPctADV of the
// instrument's average daily volume is an error.
func (l OrderLimits) CheckVolume(quantity, avgDailyVolume decimal.Decimal) []Violation {
	var vs []Violation
	if avgDailyVolume.LessThan(l.MinADV) {
		vs = append(vs, warnViolation(KindMinADV, l.MinADV, avgDailyVolume,
			fmt.Sprintf("average daily volume %s below minimum %s",
				avgDailyVolume.StringFixed(0), l.MinADV.StringFixed(0))))
	}
	if avgDailyVolume.IsPositive() {
		orderPct := quantity.Div(avgDailyVolume).Mul(hundred)
		if orderPct.GreaterThanOrEqual(l.MaxOrderPctADV) {
			vs = append(vs, errViolation(KindMaxOrderPctADV, l.MaxOrderPctADV, orderPct,
				fmt.Sprintf("order is %s%% of average daily volume, limit %s%%",
					orderPct.StringFixed(2), l.MaxOrderPctADV.StringFixed(2))))
		}
	}
	return vs
}
