package risk

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/config"
	"tradecore/pkg/types"
)

// defaultRiskFraction sizes the risk amount when no stop-loss is given.
var defaultRiskFraction = decimal.NewFromFloat(0.10)

const limitsKind = "strategy_limits"

// CheckRequest carries a candidate order and the portfolio observations
// it is judged against. LastTradedPrice, AvgDailyVolume and
// StopLossPrice are optional; checks that need an absent input are
// skipped.
type CheckRequest struct {
	Symbol     string
	Side       types.Side
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	ProducerID string

	PortfolioValue   decimal.Decimal
	OpenPositions    int
	CapitalDeployed  decimal.Decimal
	DailyDrawdownPct decimal.Decimal
	TotalDrawdownPct decimal.Decimal

	LastTradedPrice *decimal.Decimal
	AvgDailyVolume  *decimal.Decimal
	StopLossPrice   *decimal.Decimal
}

// CheckResult is the full verdict on one candidate order. Violations
// hold every error-class breach found in the stages that ran, Warnings
// the non-blocking ones. RejectionReason is the first error's message.
type CheckResult struct {
	Approved        bool
	Violations      []Violation
	Warnings        []Violation
	RejectionReason string
	Timestamp       time.Time
}

func (r *CheckResult) add(vs ...Violation) {
	for _, v := range vs {
		if v.Severity == SeverityError {
			if r.Approved {
				r.Approved = false
				r.RejectionReason = v.Message
			}
			r.Violations = append(r.Violations, v)
			continue
		}
		r.Warnings = append(r.Warnings, v)
	}
}

// Manager is the pre-trade gate. Every candidate order flows through
// CheckOrder, which walks the limit stages in a fixed order and stops
// after the first stage that produces an error. Within a stage every
// applicable check still runs, so a rejection carries the complete
// picture of that stage.
type Manager struct {
	logger    *slog.Logger
	portfolio PortfolioLimits
	order     OrderLimits
	ks        *KillSwitch
	breaker   *CircuitBreaker

	mu         sync.RWMutex
	strategies map[string]StrategyLimits
	audit      auditLog
}

// NewManager wires the limit set, kill switch and circuit breaker from
// config. Strategy limits listed in the config are pre-registered.
func NewManager(cfg config.RiskConfig, adminCode string, logger *slog.Logger) *Manager {
	ks := NewKillSwitch(adminCode, logger)
	m := &Manager{
		logger:     logger.With("component", "risk"),
		portfolio:  NewPortfolioLimits(cfg.Portfolio),
		order:      NewOrderLimits(cfg.Order),
		ks:         ks,
		breaker:    NewCircuitBreaker(cfg.Breaker, ks, logger),
		strategies: make(map[string]StrategyLimits, len(cfg.Strategies)),
	}
	for _, sc := range cfg.Strategies {
		m.strategies[sc.ProducerID] = NewStrategyLimits(sc)
	}
	return m
}

// KillSwitch exposes the halt switch for operators and the engine.
func (m *Manager) KillSwitch() *KillSwitch { return m.ks }

// Breaker exposes the circuit breaker for operators and the engine.
func (m *Manager) Breaker() *CircuitBreaker { return m.breaker }

// CheckOrder runs the gate: kill switch, then drawdowns through the
// breaker, then portfolio, strategy and order limits.
func (m *Manager) CheckOrder(req CheckRequest) CheckResult {
	res := CheckResult{Approved: true, Timestamp: time.Now().UTC()}

	// 1. Kill switch, global bit first.
	if act, ok := m.ks.Active(req.ProducerID); ok {
		res.add(errViolation(KindKillSwitchActive, decimal.Zero, decimal.Zero,
			fmt.Sprintf("kill switch active (%s): %s", act.Source, act.Reason)))
		return m.finish(req, res)
	}

	// 2. Feed the observed drawdowns through the breaker. The call
	// that trips it is rejected here; later calls never get past the
	// kill-switch gate above.
	if state := m.breaker.UpdateDrawdown(req.DailyDrawdownPct, req.TotalDrawdownPct); state == BreakerOpen {
		res.add(errViolation(KindBreakerOpen, decimal.Zero, decimal.Zero,
			"circuit breaker open: "+m.breaker.Snapshot().TripReason))
		return m.finish(req, res)
	}

	// 3. Portfolio limits. Capital and position caps gate opening
	// orders only.
	res.add(m.portfolio.CheckDrawdowns(req.DailyDrawdownPct, req.TotalDrawdownPct)...)
	if req.Side == types.BUY {
		if req.PortfolioValue.IsPositive() {
			deployedPct := req.CapitalDeployed.Div(req.PortfolioValue).Mul(hundred)
			res.add(m.portfolio.CheckCapitalDeployed(deployedPct)...)
		}
		res.add(m.portfolio.CheckOpenPositions(req.OpenPositions)...)
	}
	if !res.Approved {
		return m.finish(req, res)
	}

	// 4. Strategy limits, when the producer has any registered. A
	// paused producer rejects outright; otherwise the projected
	// allocation includes the candidate order.
	if sl, ok := m.StrategyLimitsFor(req.ProducerID); ok {
		if sl.Paused {
			res.add(sl.CheckPaused()...)
		} else if req.PortfolioValue.IsPositive() {
			projected := sl.CurrentAllocationPct.Add(
				req.Quantity.Mul(req.Price).Div(req.PortfolioValue).Mul(hundred))
			res.add(sl.CheckAllocation(projected)...)
		}
	}
	if !res.Approved {
		return m.finish(req, res)
	}

	// 5. Order limits.
	res.add(m.order.CheckNotional(req.Quantity.Mul(req.Price))...)
	if req.PortfolioValue.IsPositive() {
		res.add(m.order.CheckRiskAmount(riskAmount(req), req.PortfolioValue)...)
	} else {
		res.add(warnViolation(KindPortfolioValueZero, decimal.Zero, req.PortfolioValue,
			"portfolio value is zero, risk-per-trade check skipped"))
	}
	res.add(m.order.CheckPrice(req.Price)...)
	if req.LastTradedPrice != nil && req.LastTradedPrice.IsPositive() {
		res.add(m.order.CheckDeviation(req.Price, *req.LastTradedPrice)...)
	}
	res.add(m.order.CheckSymbol(req.Symbol)...)
	if req.AvgDailyVolume != nil {
		res.add(m.order.CheckVolume(req.Quantity, *req.AvgDailyVolume)...)
	}
	return m.finish(req, res)
}

// RegisterStrategyLimits installs or replaces the limits for one
// producer. Replacement is wholesale; limits are never mutated in
// place.
func (m *Manager) RegisterStrategyLimits(l StrategyLimits) error {
	if l.ProducerID == "" {
		return errors.New("risk: producer id required")
	}
	m.mu.Lock()
	from := "absent"
	if _, ok := m.strategies[l.ProducerID]; ok {
		from = "registered"
	}
	m.strategies[l.ProducerID] = l
	m.audit.append(newAuditEvent(limitsKind, l.ProducerID, from, "registered",
		fmt.Sprintf("max allocation %s%%, max drawdown %s%%, paused=%t",
			l.MaxAllocationPct, l.MaxDrawdownPct, l.Paused)))
	m.mu.Unlock()
	m.logger.Info("strategy limits registered",
		"producer", l.ProducerID,
		"max_allocation_pct", l.MaxAllocationPct,
		"paused", l.Paused)
	return nil
}

// StrategyLimitsFor returns the registered limits for a producer.
func (m *Manager) StrategyLimitsFor(producer string) (StrategyLimits, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sl, ok := m.strategies[producer]
	return sl, ok
}

// Events returns a copy of the limit-registration audit tail, optionally
// filtered by producer.
func (m *Manager) Events(limit int, producer string) []AuditEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.audit.tail(limit, producer)
}

// Snapshot is the control-state summary surfaced to operators.
type Snapshot struct {
	KillSwitchActive bool             `json:"kill_switch_active"`
	Breaker          BreakerSnapshot  `json:"breaker"`
	Strategies       []StrategyLimits `json:"strategies"`
}

// Snapshot returns a copy of the manager's control state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	strategies := make([]StrategyLimits, 0, len(m.strategies))
	for _, sl := range m.strategies {
		strategies = append(strategies, sl)
	}
	m.mu.RUnlock()
	return Snapshot{
		KillSwitchActive: m.ks.IsActive(""),
		Breaker:          m.breaker.Snapshot(),
		Strategies:       strategies,
	}
}

func (m *Manager) finish(req CheckRequest, res CheckResult) CheckResult {
	if res.Approved {
		m.logger.Debug("order approved",
			"symbol", req.Symbol,
			"side", req.Side,
			"producer", req.ProducerID,
			"warnings", len(res.Warnings))
		return res
	}
	m.logger.Warn("order rejected",
		"symbol", req.Symbol,
		"side", req.Side,
		"producer", req.ProducerID,
		"reason", res.RejectionReason,
		"violations", len(res.Violations))
	return res
}

// riskAmount is the cash lost if the stop is hit, or a tenth of the
// notional when no stop accompanies the order.
func riskAmount(req CheckRequest) decimal.Decimal {
	if req.StopLossPrice != nil {
		return req.Price.Sub(*req.StopLossPrice).Abs().Mul(req.Quantity)
	}
	return req.Quantity.Mul(req.Price).Mul(defaultRiskFraction)
}
