// reconcile.go compares the local position book against the broker's
// and produces a typed discrepancy report. Reconciliation never
// mutates local state; what to do about a mismatch is an operator
// decision, and an automatic repair could paper over corrupted local
// accounting.
package position

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/pkg/types"
)

// Severity grades a discrepancy.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// DiscrepancyKind classifies one symbol-level mismatch.
type DiscrepancyKind string

const (
	// MissingBroker: held locally, absent at the broker. The local
	// book believes in a position the broker does not know about.
	MissingBroker DiscrepancyKind = "missing_broker"

	// MissingLocal: held at the broker, absent locally. Usually a
	// position that predates the tracker, hence only a warning.
	MissingLocal DiscrepancyKind = "missing_local"

	// QuantityMismatch: both sides hold the symbol, quantities differ.
	QuantityMismatch DiscrepancyKind = "quantity_mismatch"
)

// Discrepancy is one symbol the local book and the broker disagree on.
type Discrepancy struct {
	Symbol    string          `json:"symbol"`
	Kind      DiscrepancyKind `json:"kind"`
	Severity  Severity        `json:"severity"`
	LocalQty  decimal.Decimal `json:"local_qty"`
	BrokerQty decimal.Decimal `json:"broker_qty"`
	Detail    string          `json:"detail"`
}

// ReconcileReport is the outcome of one compare-to-broker pass.
// LocalPositions and BrokerPositions count symbols with non-zero
// holdings on each side; Matched counts symbols where both agree.
type ReconcileReport struct {
	Discrepancies   []Discrepancy `json:"discrepancies"`
	LocalPositions  int           `json:"local_positions"`
	BrokerPositions int           `json:"broker_positions"`
	Matched         int           `json:"matched"`
	Clean           bool          `json:"clean"`
	At              time.Time     `json:"at"`
}

// PositionLister is the slice of the broker surface Reconcile needs.
type PositionLister interface {
	ListPositions(ctx context.Context) ([]types.PositionSnapshot, error)
}

// Reconcile fetches the broker's positions and compares them against
// the local aggregates per symbol. Local rows are folded across
// producers before comparing, since the broker has no notion of which
// strategy owns what.
func (t *Tracker) Reconcile(ctx context.Context, brk PositionLister) (ReconcileReport, error) {
	snapshots, err := brk.ListPositions(ctx)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("reconcile: list broker positions: %w", err)
	}

	broker := make(map[string]decimal.Decimal, len(snapshots))
	for _, s := range snapshots {
		if s.Quantity.IsZero() {
			continue
		}
		broker[s.Symbol] = broker[s.Symbol].Add(s.Quantity)
	}

	t.mu.RLock()
	local := make(map[string]decimal.Decimal, len(t.aggregate))
	for symbol, qty := range t.aggregate {
		local[symbol] = qty
	}
	t.mu.RUnlock()

	report := ReconcileReport{
		LocalPositions:  len(local),
		BrokerPositions: len(broker),
		At:              time.Now().UTC(),
	}

	symbols := make(map[string]struct{}, len(local)+len(broker))
	for s := range local {
		symbols[s] = struct{}{}
	}
	for s := range broker {
		symbols[s] = struct{}{}
	}

	for symbol := range symbols {
		localQty, haveLocal := local[symbol]
		brokerQty, haveBroker := broker[symbol]
		switch {
		case haveLocal && !haveBroker:
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				Symbol:   symbol,
				Kind:     MissingBroker,
				Severity: SeverityError,
				LocalQty: localQty,
				Detail:   fmt.Sprintf("local book holds %s, broker holds nothing", localQty),
			})
		case !haveLocal && haveBroker:
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				Symbol:    symbol,
				Kind:      MissingLocal,
				Severity:  SeverityWarning,
				BrokerQty: brokerQty,
				Detail:    fmt.Sprintf("broker holds %s, local book holds nothing", brokerQty),
			})
		case !localQty.Equal(brokerQty):
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				Symbol:    symbol,
				Kind:      QuantityMismatch,
				Severity:  SeverityError,
				LocalQty:  localQty,
				BrokerQty: brokerQty,
				Detail:    fmt.Sprintf("local book holds %s, broker holds %s", localQty, brokerQty),
			})
		default:
			report.Matched++
		}
	}

	sort.Slice(report.Discrepancies, func(i, j int) bool {
		return report.Discrepancies[i].Symbol < report.Discrepancies[j].Symbol
	})
	report.Clean = len(report.Discrepancies) == 0

	if report.Clean {
		t.logger.Debug("reconciliation clean",
			"local_positions", report.LocalPositions,
			"matched", report.Matched)
	} else {
		t.logger.Warn("reconciliation found discrepancies",
			"count", len(report.Discrepancies),
			"local_positions", report.LocalPositions,
			"broker_positions", report.BrokerPositions)
		for _, d := range report.Discrepancies {
			t.logger.Warn("position discrepancy",
				"symbol", d.Symbol,
				"kind", d.Kind,
				"severity", d.Severity,
				"local_qty", d.LocalQty,
				"broker_qty", d.BrokerQty)
		}
	}
	return report, nil
}
