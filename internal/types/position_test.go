package types

import (
	"math/big"
	"testing"
)

func TestBinIDDistance(t *testing.T) {
	if d := BinID(100).Distance(95); d != 5 {
		t.Fatalf("expected distance 5, got %d", d)
	}
	if d := BinID(95).Distance(100); d != 5 {
		t.Fatalf("distance must be symmetric, got %d", d)
	}
	if d := BinID(100).Distance(100); d != 0 {
		t.Fatalf("distance to self must be 0, got %d", d)
	}
}

func TestPositionMaxDistance(t *testing.T) {
	pos := Position{Bins: []BinLiquidity{
		{ID: 98, Shares: big.NewInt(1)},
		{ID: 100, Shares: big.NewInt(1)},
		{ID: 104, Shares: big.NewInt(1)},
	}}
	if d := pos.MaxDistance(100); d != 4 {
		t.Fatalf("expected max distance 4, got %d", d)
	}
	if d := (Position{}).MaxDistance(100); d != 0 {
		t.Fatalf("empty position must have distance 0, got %d", d)
	}
}

func TestPositionTotalAmounts(t *testing.T) {
	pos := Position{Bins: []BinLiquidity{
		{ID: 1, AmountX: big.NewInt(100), AmountY: big.NewInt(50)},
		{ID: 2, AmountX: big.NewInt(200), AmountY: nil},
	}}
	x, y := pos.TotalAmounts()
	if x.Cmp(big.NewInt(300)) != 0 || y.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("expected totals (300, 50), got (%s, %s)", x, y)
	}
}

func TestPlanTargetBins(t *testing.T) {
	plan := RebalancePlan{TargetLow: 98, TargetHigh: 101}
	bins := plan.TargetBins()
	if len(bins) != 4 {
		t.Fatalf("expected 4 target bins, got %d", len(bins))
	}
	if bins[0] != 98 || bins[3] != 101 {
		t.Fatalf("unexpected target bins %v", bins)
	}
}

func TestPlanValidate(t *testing.T) {
	valid := RebalancePlan{TargetLow: 98, TargetHigh: 101, EstimatedX: big.NewInt(1)}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid plan rejected: %v", err)
	}

	inverted := RebalancePlan{TargetLow: 101, TargetHigh: 98, EstimatedX: big.NewInt(1)}
	if err := inverted.Validate(); err == nil {
		t.Fatal("inverted range must be rejected")
	}

	noEstimates := RebalancePlan{TargetLow: 98, TargetHigh: 101}
	if err := noEstimates.Validate(); err == nil {
		t.Fatal("plan without token estimates must be rejected")
	}
}
