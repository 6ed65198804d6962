package risk

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"tradecore/internal/config"
	"tradecore/pkg/types"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		Portfolio: config.PortfolioLimitsConfig{
			MaxDailyDrawdownPct:   3,
			MaxTotalDrawdownPct:   10,
			MaxDeployedCapitalPct: 80,
			MaxOpenPositions:      20,
		},
		Order: config.OrderLimitsConfig{
			MaxRiskPerTradePct:   2,
			MaxNotional:          25000,
			MaxPriceDeviationPct: 5,
			MinPrice:             5,
			MaxOrderPctADV:       1,
			MinADV:               100000,
			BlockedSymbols:       []string{"GME"},
		},
		Breaker: testBreakerConfig(),
	}
}

func newTestManager() *Manager {
	return NewManager(testRiskConfig(), testAdminCode, testLogger())
}

func decPtr(f float64) *decimal.Decimal {
	d := decimal.NewFromFloat(f)
	return &d
}

// approvedRequest is a healthy book: 100 AAPL at 150 on a 100k account,
// 40% deployed, five open positions, mild drawdowns.
func approvedRequest() CheckRequest {
	return CheckRequest{
		Symbol:           "AAPL",
		Side:             types.BUY,
		Quantity:         dec(100),
		Price:            dec(150),
		ProducerID:       "alpha",
		PortfolioValue:   dec(100000),
		OpenPositions:    5,
		CapitalDeployed:  dec(40000),
		DailyDrawdownPct: dec(0.5),
		TotalDrawdownPct: dec(2),
	}
}

func TestCheckOrderApproved(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	res := m.CheckOrder(approvedRequest())
	if !res.Approved {
		t.Fatalf("healthy order rejected: %q", res.RejectionReason)
	}
	if len(res.Violations) != 0 || len(res.Warnings) != 0 {
		t.Errorf("violations = %+v, warnings = %+v, want none", res.Violations, res.Warnings)
	}
	if res.RejectionReason != "" {
		t.Errorf("rejection reason = %q, want empty", res.RejectionReason)
	}
}

func TestCheckOrderNotionalBreach(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	req := approvedRequest()
	req.Quantity = dec(200)         // 200 x 150 = 30000 notional
	req.StopLossPrice = decPtr(148) // risk (150-148) x 200 = 400 = 0.4%, under the 2% cap
	res := m.CheckOrder(req)

	if res.Approved {
		t.Fatal("30000 notional should reject")
	}
	if len(res.Violations) != 1 || res.Violations[0].Kind != KindMaxNotional {
		t.Fatalf("violations = %+v, want a single max_notional breach", res.Violations)
	}
	for _, want := range []string{"30000.00", "25000.00"} {
		if !strings.Contains(res.RejectionReason, want) {
			t.Errorf("rejection reason %q should mention %q", res.RejectionReason, want)
		}
	}
}

func TestCheckOrderKillSwitchGateShortCircuits(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	m.KillSwitch().ActivateGlobal("manual halt", "operator")

	// The order would also breach the notional cap, but the gate stops
	// at the kill switch.
	req := approvedRequest()
	req.Quantity = dec(200)
	res := m.CheckOrder(req)

	if res.Approved {
		t.Fatal("active kill switch must reject")
	}
	if len(res.Violations) != 1 || res.Violations[0].Kind != KindKillSwitchActive {
		t.Fatalf("violations = %+v, want only KILL_SWITCH_ACTIVE", res.Violations)
	}
	if !strings.Contains(res.RejectionReason, "manual halt") {
		t.Errorf("rejection reason %q should carry the activation reason", res.RejectionReason)
	}
}

func TestCheckOrderStrategyKillSwitch(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	m.KillSwitch().ActivateStrategy("alpha", "runaway producer", "risk_monitor")

	res := m.CheckOrder(approvedRequest())
	if res.Approved {
		t.Fatal("halted producer must reject")
	}

	// Other producers are unaffected.
	req := approvedRequest()
	req.ProducerID = "beta"
	if res := m.CheckOrder(req); !res.Approved {
		t.Errorf("unhalted producer rejected: %q", res.RejectionReason)
	}
}

func TestCheckOrderBreakerTripAndRecovery(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	// First call crosses the daily halt threshold: the breaker opens
	// and rejects this order.
	req := approvedRequest()
	req.DailyDrawdownPct = dec(3.4)
	res := m.CheckOrder(req)
	if res.Approved {
		t.Fatal("tripping call should reject")
	}
	if len(res.Violations) != 1 || res.Violations[0].Kind != KindBreakerOpen {
		t.Fatalf("violations = %+v, want circuit_breaker_open", res.Violations)
	}
	if !m.KillSwitch().IsActive("") {
		t.Fatal("breaker trip must activate the kill switch")
	}

	// Subsequent calls are stopped by the kill-switch gate.
	res = m.CheckOrder(req)
	if res.Approved || res.Violations[0].Kind != KindKillSwitchActive {
		t.Fatalf("subsequent call: violations = %+v, want KILL_SWITCH_ACTIVE", res.Violations)
	}

	// Reset restores the flow.
	if _, err := m.Breaker().Reset(testAdminCode); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if res := m.CheckOrder(approvedRequest()); !res.Approved {
		t.Errorf("order rejected after reset: %q", res.RejectionReason)
	}
}

func TestCheckOrderPortfolioStageShortCircuits(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	// 85% deployed rejects the BUY before order limits run, so the
	// notional breach never surfaces.
	req := approvedRequest()
	req.CapitalDeployed = dec(85000)
	req.Quantity = dec(200)
	res := m.CheckOrder(req)

	if res.Approved {
		t.Fatal("over-deployed portfolio should reject opening orders")
	}
	if len(res.Violations) != 1 || res.Violations[0].Kind != KindMaxDeployedCapital {
		t.Fatalf("violations = %+v, want only max_deployed_capital", res.Violations)
	}
}

func TestCheckOrderSellSkipsOpeningChecks(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	// Same over-deployed book, but a SELL reduces exposure and passes.
	req := approvedRequest()
	req.Side = types.SELL
	req.CapitalDeployed = dec(85000)
	req.OpenPositions = 20
	res := m.CheckOrder(req)

	if !res.Approved {
		t.Errorf("sell rejected on opening-order checks: %q", res.RejectionReason)
	}
}

func TestCheckOrderOpenPositionsBoundary(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	req := approvedRequest()
	req.OpenPositions = 19
	if res := m.CheckOrder(req); !res.Approved {
		t.Errorf("19 open positions rejected: %q", res.RejectionReason)
	}

	req.OpenPositions = 20
	res := m.CheckOrder(req)
	if res.Approved || res.Violations[0].Kind != KindMaxOpenPositions {
		t.Errorf("20 open positions should reject with max_open_positions, got %+v", res.Violations)
	}
}

func TestCheckOrderPausedStrategy(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	if err := m.RegisterStrategyLimits(StrategyLimits{
		ProducerID:       "alpha",
		MaxAllocationPct: dec(30),
		Paused:           true,
		PausedReason:     "manual review",
	}); err != nil {
		t.Fatalf("RegisterStrategyLimits: %v", err)
	}

	res := m.CheckOrder(approvedRequest())
	if res.Approved {
		t.Fatal("paused producer must reject")
	}
	if len(res.Violations) != 1 || res.Violations[0].Kind != KindStrategyPaused {
		t.Fatalf("violations = %+v, want only PAUSED", res.Violations)
	}
	if !strings.Contains(res.RejectionReason, "manual review") {
		t.Errorf("rejection reason %q should carry the pause reason", res.RejectionReason)
	}
}

func TestCheckOrderAllocationProjection(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	if err := m.RegisterStrategyLimits(StrategyLimits{
		ProducerID:           "alpha",
		MaxAllocationPct:     dec(30),
		CurrentAllocationPct: dec(20),
	}); err != nil {
		t.Fatalf("RegisterStrategyLimits: %v", err)
	}

	// 20% current + 15000/100000 = 35% projected, over the 30% cap.
	res := m.CheckOrder(approvedRequest())
	if res.Approved || res.Violations[0].Kind != KindMaxAllocation {
		t.Fatalf("projected 35%% allocation should reject, got %+v", res.Violations)
	}

	// A smaller order stays under: 20% + 7500/100000 = 27.5%.
	req := approvedRequest()
	req.Quantity = dec(50)
	if res := m.CheckOrder(req); !res.Approved {
		t.Errorf("27.5%% projected allocation rejected: %q", res.RejectionReason)
	}
}

func TestRegisterStrategyLimitsAudited(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	limits := StrategyLimits{ProducerID: "gamma", MaxAllocationPct: dec(25)}
	if err := m.RegisterStrategyLimits(limits); err != nil {
		t.Fatalf("RegisterStrategyLimits: %v", err)
	}
	limits.Paused = true
	if err := m.RegisterStrategyLimits(limits); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	events := m.Events(0, "gamma")
	if len(events) != 2 {
		t.Fatalf("audit events = %d, want 2", len(events))
	}
	if events[0].From != "absent" || events[0].To != "registered" {
		t.Errorf("first event %s -> %s, want absent -> registered", events[0].From, events[0].To)
	}
	if events[1].From != "registered" {
		t.Errorf("replacement event from = %q, want registered", events[1].From)
	}

	if err := m.RegisterStrategyLimits(StrategyLimits{}); err == nil {
		t.Error("missing producer id must be rejected")
	}
	if got := m.Events(0, ""); len(got) != 2 {
		t.Errorf("unscoped audit events = %d, want 2", len(got))
	}
}

func TestCheckOrderZeroPortfolioValue(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	req := approvedRequest()
	req.PortfolioValue = decimal.Zero
	req.CapitalDeployed = decimal.Zero
	res := m.CheckOrder(req)

	if !res.Approved {
		t.Fatalf("zero portfolio value should not reject on its own: %q", res.RejectionReason)
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Kind != KindPortfolioValueZero {
		t.Fatalf("warnings = %+v, want portfolio_value_zero", res.Warnings)
	}
}

func TestCheckOrderStopLossSizing(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	// Stop at 120: risk = (150-120) x 100 = 3000 = 3% of 100k.
	req := approvedRequest()
	req.StopLossPrice = decPtr(120)
	res := m.CheckOrder(req)
	if res.Approved || res.Violations[0].Kind != KindMaxRiskPerTrade {
		t.Fatalf("3%% risk should reject, got %+v", res.Violations)
	}

	// A tight stop passes: (150-148) x 100 = 200 = 0.2%.
	req.StopLossPrice = decPtr(148)
	if res := m.CheckOrder(req); !res.Approved {
		t.Errorf("0.2%% risk rejected: %q", res.RejectionReason)
	}
}

func TestCheckOrderDeviationBand(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	req := approvedRequest()
	req.LastTradedPrice = decPtr(143) // 150 vs 143 = 4.9% deviation
	if res := m.CheckOrder(req); !res.Approved {
		t.Errorf("4.9%% deviation rejected: %q", res.RejectionReason)
	}

	req.LastTradedPrice = decPtr(140) // 150 vs 140 = 7.1% deviation
	res := m.CheckOrder(req)
	if res.Approved || res.Violations[0].Kind != KindPriceDeviation {
		t.Errorf("7.1%% deviation should reject, got %+v", res.Violations)
	}
}

func TestCheckOrderBlockedSymbol(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	req := approvedRequest()
	req.Symbol = "GME"
	res := m.CheckOrder(req)
	if res.Approved || res.Violations[0].Kind != KindBlockedSymbol {
		t.Errorf("blocked symbol should reject, got %+v", res.Violations)
	}
}

func TestCheckOrderThinVolumeWarnsButApproves(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	req := approvedRequest()
	req.AvgDailyVolume = decPtr(50000) // under the 100000 minimum
	res := m.CheckOrder(req)

	if !res.Approved {
		t.Fatalf("thin-volume warning must not reject: %q", res.RejectionReason)
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Kind != KindMinADV {
		t.Errorf("warnings = %+v, want min_adv", res.Warnings)
	}
}

func TestCheckOrderAccumulatesStageErrors(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	// 1100 x 150 = 165000 notional breach, and the default 10% risk
	// sizing gives 16.5% of portfolio value. Both order-stage errors
	// are reported; the first one names the rejection.
	req := approvedRequest()
	req.Quantity = dec(1100)
	res := m.CheckOrder(req)

	if res.Approved {
		t.Fatal("order should reject")
	}
	if len(res.Violations) != 2 {
		t.Fatalf("violations = %+v, want notional and risk breaches", res.Violations)
	}
	if res.Violations[0].Kind != KindMaxNotional || res.Violations[1].Kind != KindMaxRiskPerTrade {
		t.Errorf("violation kinds = %v, %v", res.Violations[0].Kind, res.Violations[1].Kind)
	}
	if res.RejectionReason != res.Violations[0].Message {
		t.Errorf("rejection reason %q should be the first error's message", res.RejectionReason)
	}
}
