package policy

import (
	"math/big"
	"testing"

	"github.com/0xvermeer/lbkeeper/internal/advisor"
	"github.com/0xvermeer/lbkeeper/internal/types"
)

func testPolicy() *Policy {
	return &Policy{
		RewardRange:  2,
		DefaultWidth: 5,
		MinDeposit:   big.NewInt(1000),
	}
}

func positionAt(ids ...types.BinID) types.Position {
	pos := types.Position{BlockNumber: 1}
	for _, id := range ids {
		pos.Bins = append(pos.Bins, types.BinLiquidity{
			ID:      id,
			Shares:  big.NewInt(100),
			AmountX: big.NewInt(500),
			AmountY: big.NewInt(500),
		})
	}
	return pos
}

func TestDecideInRangeIsNoAction(t *testing.T) {
	p := testPolicy()
	pos := positionAt(99, 100, 101)

	d := p.Decide(100, pos, types.WalletFunds{})
	if d.Action != types.ActionNone {
		t.Fatalf("expected NO_ACTION for in-range position, got %s (%s)", d.Action, d.Reason)
	}
	if d.Plan != nil {
		t.Fatal("NO_ACTION decision must carry no plan")
	}
}

func TestDecideDriftedPositionRebalances(t *testing.T) {
	p := testPolicy()
	pos := positionAt(95, 96, 97)

	d := p.Decide(100, pos, types.WalletFunds{})
	if d.Action != types.ActionRebalance {
		t.Fatalf("expected REBALANCE for drifted position, got %s (%s)", d.Action, d.Reason)
	}
	if d.Plan == nil {
		t.Fatal("rebalance decision must carry a plan")
	}
	if got, want := d.Plan.Width(), pos.Width(); got != want {
		t.Fatalf("footprint width not preserved: got %d, want %d", got, want)
	}
	if d.Plan.TargetLow != 99 || d.Plan.TargetHigh != 101 {
		t.Fatalf("expected recentered range [99, 101], got [%d, %d]", d.Plan.TargetLow, d.Plan.TargetHigh)
	}
	if len(d.Plan.SourceBins) != 3 {
		t.Fatalf("expected all occupied bins as sources, got %v", d.Plan.SourceBins)
	}
	if err := d.Plan.Validate(); err != nil {
		t.Fatalf("policy produced an invalid plan: %v", err)
	}
}

func TestDecideBoundaryDistanceEqualsRewardRange(t *testing.T) {
	p := testPolicy()
	// Farthest bin exactly RewardRange away: still earning, no action.
	pos := positionAt(98, 99, 100)

	d := p.Decide(100, pos, types.WalletFunds{})
	if d.Action != types.ActionNone {
		t.Fatalf("distance == reward range must be NO_ACTION, got %s", d.Action)
	}

	// One bin further and the policy must act.
	pos = positionAt(97, 98, 99)
	d = p.Decide(100, pos, types.WalletFunds{})
	if d.Action != types.ActionRebalance {
		t.Fatalf("distance > reward range must be REBALANCE, got %s", d.Action)
	}
}

func TestDecideEvenWidthCentering(t *testing.T) {
	p := testPolicy()
	pos := positionAt(90, 91, 92, 93)

	d := p.Decide(100, pos, types.WalletFunds{})
	if d.Action != types.ActionRebalance {
		t.Fatalf("expected REBALANCE, got %s", d.Action)
	}
	// Width 4 centered on 100: extra bin goes below the active bin.
	if d.Plan.TargetLow != 98 || d.Plan.TargetHigh != 101 {
		t.Fatalf("expected range [98, 101], got [%d, %d]", d.Plan.TargetLow, d.Plan.TargetHigh)
	}
}

func TestDecideEmptyPositionDeposits(t *testing.T) {
	p := testPolicy()
	funds := types.WalletFunds{AmountX: big.NewInt(5000), AmountY: big.NewInt(5000)}

	d := p.Decide(100, types.Position{}, funds)
	if d.Action != types.ActionRebalance {
		t.Fatalf("expected fresh deposit, got %s (%s)", d.Action, d.Reason)
	}
	if len(d.Plan.SourceBins) != 0 {
		t.Fatalf("fresh deposit must have no source bins, got %v", d.Plan.SourceBins)
	}
	if got, want := d.Plan.Width(), p.DefaultWidth; got != want {
		t.Fatalf("expected default width %d, got %d", want, got)
	}
	if d.Plan.NeedsSwap {
		t.Fatal("two-sided funds must not need a swap")
	}
}

func TestDecideEmptyPositionBelowMinimum(t *testing.T) {
	p := testPolicy()
	funds := types.WalletFunds{AmountX: big.NewInt(100), AmountY: big.NewInt(100)}

	d := p.Decide(100, types.Position{}, funds)
	if d.Action != types.ActionNone {
		t.Fatalf("funds below minimum must be NO_ACTION, got %s", d.Action)
	}
}

func TestDecideSingleSidedNeedsSwap(t *testing.T) {
	p := testPolicy()
	pos := types.Position{Bins: []types.BinLiquidity{
		{ID: 90, Shares: big.NewInt(10), AmountX: big.NewInt(0), AmountY: big.NewInt(1000)},
		{ID: 91, Shares: big.NewInt(10), AmountX: big.NewInt(0), AmountY: big.NewInt(1000)},
	}}

	d := p.Decide(100, pos, types.WalletFunds{})
	if d.Action != types.ActionRebalance {
		t.Fatalf("expected REBALANCE, got %s", d.Action)
	}
	if !d.Plan.NeedsSwap {
		t.Fatal("single-sided position redeposited over multiple bins must need a swap")
	}
}

func TestDecideIsPure(t *testing.T) {
	p := testPolicy()
	pos := positionAt(95, 96, 97)
	funds := types.WalletFunds{AmountX: big.NewInt(10), AmountY: big.NewInt(10)}

	first := p.Decide(100, pos, funds)
	for i := 0; i < 10; i++ {
		d := p.Decide(100, pos, funds)
		if d.Action != first.Action || d.Reason != first.Reason {
			t.Fatalf("decision changed between identical calls: %+v vs %+v", first, d)
		}
		if (d.Plan == nil) != (first.Plan == nil) {
			t.Fatal("plan presence changed between identical calls")
		}
		if d.Plan != nil && (d.Plan.TargetLow != first.Plan.TargetLow || d.Plan.TargetHigh != first.Plan.TargetHigh) {
			t.Fatalf("plan range changed between identical calls")
		}
	}
}

func TestApplyAdviceVeto(t *testing.T) {
	p := testPolicy()
	d := p.Decide(100, positionAt(95, 96, 97), types.WalletFunds{})
	if d.Action != types.ActionRebalance {
		t.Fatalf("setup: expected REBALANCE, got %s", d.Action)
	}

	out := p.ApplyAdvice(d, &advisor.Advice{Veto: true, Rationale: "volatility spike"}, 100)
	if out.Action != types.ActionNone {
		t.Fatalf("veto must yield NO_ACTION, got %s", out.Action)
	}
	if out.Plan != nil {
		t.Fatal("vetoed decision must carry no plan")
	}
}

func TestApplyAdviceValidAdjustment(t *testing.T) {
	p := testPolicy()
	d := p.Decide(100, positionAt(95, 96, 97), types.WalletFunds{})

	out := p.ApplyAdvice(d, &advisor.Advice{Adjusted: true, TargetLow: 98, TargetHigh: 102, Rationale: "wider range"}, 100)
	if out.Action != types.ActionRebalance {
		t.Fatalf("expected REBALANCE, got %s", out.Action)
	}
	if out.Plan.TargetLow != 98 || out.Plan.TargetHigh != 102 {
		t.Fatalf("adjustment not applied: [%d, %d]", out.Plan.TargetLow, out.Plan.TargetHigh)
	}
}

func TestApplyAdviceDiscardsInvalidAdjustment(t *testing.T) {
	p := testPolicy()
	d := p.Decide(100, positionAt(95, 96, 97), types.WalletFunds{})

	cases := []advisor.Advice{
		{Adjusted: true, TargetLow: 105, TargetHigh: 103}, // inverted range
		{Adjusted: true, TargetLow: 150, TargetHigh: 154}, // centered far from active
	}
	for _, advice := range cases {
		out := p.ApplyAdvice(d, &advice, 100)
		if out.Action != types.ActionRebalance {
			t.Fatalf("discarded adjustment must keep the rebalance, got %s", out.Action)
		}
		if out.Plan.TargetLow != d.Plan.TargetLow || out.Plan.TargetHigh != d.Plan.TargetHigh {
			t.Fatalf("discarded adjustment must keep the original range, got [%d, %d]", out.Plan.TargetLow, out.Plan.TargetHigh)
		}
	}
}

func TestApplyAdviceCannotCreateRebalance(t *testing.T) {
	p := testPolicy()
	d := types.Decision{Action: types.ActionNone, Reason: "in range"}

	out := p.ApplyAdvice(d, &advisor.Advice{Adjusted: true, TargetLow: 98, TargetHigh: 102}, 100)
	if out.Action != types.ActionNone {
		t.Fatalf("advice must never originate a rebalance, got %s", out.Action)
	}
}
