package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/oms"
	"tradecore/internal/position"
	"tradecore/pkg/types"
)

func testState() State {
	return State{
		Orders: []oms.ManagedOrder{{
			InternalID:     "i1",
			ClientOrderID:  "c1",
			BrokerOrderID:  "b1",
			ProducerID:     "alpha",
			Symbol:         "AAPL",
			Side:           types.BUY,
			Kind:           types.Limit,
			Quantity:       decimal.NewFromInt(100),
			LimitPrice:     decimal.NewFromFloat(150.25),
			TimeInForce:    types.TIFDay,
			State:          types.OrderFilled,
			FilledQuantity: decimal.NewFromInt(100),
			AvgFillPrice:   decimal.NewFromFloat(150.10),
			CreatedAt:      time.Now().UTC(),
		}},
		Positions: []position.TrackedPosition{{
			ID:            "p1",
			Symbol:        "AAPL",
			ProducerID:    "alpha",
			Quantity:      decimal.NewFromInt(100),
			AvgEntryPrice: decimal.NewFromFloat(150.10),
			CostBasis:     decimal.NewFromInt(15010),
			RealizedPnL:   decimal.NewFromFloat(1.23),
			OpenedAt:      time.Now().UTC(),
		}},
	}
}

func TestSaveAndLoadState(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.SaveState(testState()); err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	loaded, err := s.LoadState()
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if loaded == nil {
		t.Fatal("LoadState returned nil")
	}
	if loaded.SavedAt.IsZero() {
		t.Error("SavedAt not stamped")
	}

	if len(loaded.Orders) != 1 {
		t.Fatalf("orders = %d, want 1", len(loaded.Orders))
	}
	ord := loaded.Orders[0]
	if ord.ClientOrderID != "c1" || ord.State != types.OrderFilled {
		t.Errorf("order round trip lost fields: %+v", ord)
	}
	if !ord.AvgFillPrice.Equal(decimal.NewFromFloat(150.10)) {
		t.Errorf("AvgFillPrice = %s, want 150.10", ord.AvgFillPrice)
	}

	if len(loaded.Positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(loaded.Positions))
	}
	pos := loaded.Positions[0]
	if !pos.RealizedPnL.Equal(decimal.NewFromFloat(1.23)) {
		t.Errorf("RealizedPnL = %s, want 1.23", pos.RealizedPnL)
	}
	if !pos.CostBasis.Equal(decimal.NewFromInt(15010)) {
		t.Errorf("CostBasis = %s, want 15010", pos.CostBasis)
	}
}

func TestLoadStateMissing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	loaded, err := s.LoadState()
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if loaded != nil {
		t.Errorf("expected nil for missing state, got %+v", loaded)
	}
}

func TestSaveStateOverwrites(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	first := testState()
	second := testState()
	second.Orders[0].ClientOrderID = "c2"

	_ = s.SaveState(first)
	_ = s.SaveState(second)

	loaded, err := s.LoadState()
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if loaded.Orders[0].ClientOrderID != "c2" {
		t.Errorf("ClientOrderID = %s, want c2 (latest save)", loaded.Orders[0].ClientOrderID)
	}

	// The temp file never outlives a save.
	if _, err := os.Stat(filepath.Join(dir, stateFile+".tmp")); !os.IsNotExist(err) {
		t.Errorf("temp file left behind: %v", err)
	}
}
