package risk

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/config"
)

// BreakerState is the circuit breaker's tri-state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
	BreakerOpen     BreakerState = "OPEN"
)

// SourceCircuitBreaker marks kill-switch activations originated by the
// breaker rather than an operator or producer.
const SourceCircuitBreaker = "circuit_breaker"

const breakerKind = "circuit_breaker"

// CircuitBreaker watches portfolio drawdowns and escalates: warn
// thresholds move CLOSED to HALF_OPEN, halt thresholds open the breaker
// and pull the global kill switch. An open breaker only closes through
// an authenticated Reset.
type CircuitBreaker struct {
	logger *slog.Logger
	ks     *KillSwitch

	dailyWarn decimal.Decimal
	dailyHalt decimal.Decimal
	totalWarn decimal.Decimal
	totalHalt decimal.Decimal

	mu        sync.RWMutex
	state     BreakerState
	dailyDD   decimal.Decimal
	totalDD   decimal.Decimal
	changedAt time.Time
	reason    string
	audit     auditLog
}

// BreakerSnapshot is a point-in-time copy of the breaker's state for
// reporting.
type BreakerSnapshot struct {
	State            BreakerState    `json:"state"`
	DailyDrawdownPct decimal.Decimal `json:"daily_drawdown_pct"`
	TotalDrawdownPct decimal.Decimal `json:"total_drawdown_pct"`
	ChangedAt        time.Time       `json:"changed_at"`
	TripReason       string          `json:"trip_reason,omitempty"`
}

// NewCircuitBreaker builds a closed breaker wired to the kill switch it
// trips.
func NewCircuitBreaker(cfg config.BreakerConfig, ks *KillSwitch, logger *slog.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		logger:    logger.With("component", "breaker"),
		ks:        ks,
		dailyWarn: decimal.NewFromFloat(cfg.DailyWarnPct),
		dailyHalt: decimal.NewFromFloat(cfg.DailyHaltPct),
		totalWarn: decimal.NewFromFloat(cfg.TotalWarnPct),
		totalHalt: decimal.NewFromFloat(cfg.TotalHaltPct),
		state:     BreakerClosed,
		changedAt: time.Now().UTC(),
	}
}

// UpdateDrawdown feeds fresh drawdown observations through the state
// machine and returns the resulting state. Halt breaches open the
// breaker and activate the global kill switch; warn breaches move a
// closed breaker to HALF_OPEN once; readings back under the warn
// thresholds recover HALF_OPEN to CLOSED. An open breaker stays open.
func (b *CircuitBreaker) UpdateDrawdown(dailyPct, totalPct decimal.Decimal) BreakerState {
	b.mu.Lock()
	b.dailyDD, b.totalDD = dailyPct, totalPct

	halt, warn, msg, val, thr := b.assess(dailyPct, totalPct)

	var (
		ev      AuditEvent
		emitted bool
		tripped bool
	)
	switch {
	case halt:
		if b.state != BreakerOpen {
			ev = b.transitionLocked(BreakerOpen, msg, val, thr)
			b.ks.ActivateGlobal(msg, SourceCircuitBreaker)
			emitted, tripped = true, true
		}
	case warn:
		if b.state == BreakerClosed {
			ev = b.transitionLocked(BreakerHalfOpen, msg, val, thr)
			emitted = true
		}
	default:
		if b.state == BreakerHalfOpen {
			ev = b.transitionLocked(BreakerClosed,
				"drawdowns recovered below warn thresholds", decimal.Zero, decimal.Zero)
			emitted = true
		}
	}
	state := b.state
	b.mu.Unlock()

	if emitted {
		switch {
		case tripped:
			b.logger.Error("circuit breaker opened", "trigger", ev.Trigger)
		case state == BreakerHalfOpen:
			b.logger.Warn("circuit breaker half-open", "trigger", ev.Trigger)
		default:
			b.logger.Info("circuit breaker recovered", "trigger", ev.Trigger)
		}
	}
	return state
}

// Reset closes an open breaker. It clears the global kill switch with
// the same admin code, so a wrong code aborts the reset; a kill switch
// already cleared by the operator is tolerated.
func (b *CircuitBreaker) Reset(adminCode string) (AuditEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerOpen {
		return AuditEvent{}, ErrNotActive
	}
	if _, err := b.ks.DeactivateGlobal(adminCode, "circuit breaker reset"); err != nil && !errors.Is(err, ErrNotActive) {
		return AuditEvent{}, err
	}
	ev := b.transitionLocked(BreakerClosed,
		fmt.Sprintf("operator(%s): reset", maskCode(adminCode)), decimal.Zero, decimal.Zero)
	b.logger.Warn("circuit breaker reset", "trigger", ev.Trigger)
	return ev, nil
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Snapshot returns a copy of the breaker's observable state.
func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BreakerSnapshot{
		State:            b.state,
		DailyDrawdownPct: b.dailyDD,
		TotalDrawdownPct: b.totalDD,
		ChangedAt:        b.changedAt,
		TripReason:       b.reason,
	}
}

// Events returns a copy of the breaker's audit tail.
func (b *CircuitBreaker) Events(limit int) []AuditEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.audit.tail(limit, "")
}

// assess classifies the observations against both threshold pairs. When
// several thresholds are crossed at once the message records every
// breach and the value/threshold pair comes from the most severe, total
// before daily.
func (b *CircuitBreaker) assess(daily, total decimal.Decimal) (halt, warn bool, msg string, val, thr decimal.Decimal) {
	type breach struct {
		msg  string
		val  decimal.Decimal
		thr  decimal.Decimal
		halt bool
	}
	var crossings []breach
	add := func(name string, dd, warnLim, haltLim decimal.Decimal) {
		switch {
		case dd.GreaterThanOrEqual(haltLim):
			crossings = append(crossings, breach{
				msg:  fmt.Sprintf("%s drawdown %s%% >= halt %s%%", name, dd.StringFixed(2), haltLim.StringFixed(2)),
				val:  dd,
				thr:  haltLim,
				halt: true,
			})
		case dd.GreaterThanOrEqual(warnLim):
			crossings = append(crossings, breach{
				msg: fmt.Sprintf("%s drawdown %s%% >= warn %s%%", name, dd.StringFixed(2), warnLim.StringFixed(2)),
				val: dd,
				thr: warnLim,
			})
		}
	}
	add("total", total, b.totalWarn, b.totalHalt)
	add("daily", daily, b.dailyWarn, b.dailyHalt)
	if len(crossings) == 0 {
		return false, false, "", decimal.Zero, decimal.Zero
	}

	parts := make([]string, len(crossings))
	lead := -1
	for i, c := range crossings {
		parts[i] = c.msg
		if c.halt {
			halt = true
			if lead < 0 {
				lead = i
			}
		}
	}
	if lead < 0 {
		lead = 0
	}
	return halt, true, strings.Join(parts, "; "), crossings[lead].val, crossings[lead].thr
}

func (b *CircuitBreaker) transitionLocked(to BreakerState, trigger string, val, thr decimal.Decimal) AuditEvent {
	ev := newAuditEvent(breakerKind, ScopeGlobal, string(b.state), string(to), trigger)
	ev.Value, ev.Threshold = val, thr
	b.state = to
	b.changedAt = ev.At
	switch to {
	case BreakerOpen:
		b.reason = trigger
	case BreakerClosed:
		b.reason = ""
	}
	b.audit.append(ev)
	return ev
}
