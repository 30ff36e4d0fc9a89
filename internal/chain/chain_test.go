package chain

import (
	"context"
	"errors"
	"math"
	"math/big"
	"testing"

	"github.com/0xvermeer/lbkeeper/internal/types"
)

func TestConsistentSnapshotAcceptsStableRead(t *testing.T) {
	blockNumber := func(ctx context.Context) (uint64, error) { return 1000, nil }
	read := func(ctx context.Context) (types.BinID, types.Position, error) {
		return 42, types.Position{BlockNumber: 1000}, nil
	}

	active, _, err := consistentSnapshot(context.Background(), 1, 3, blockNumber, read)
	if err != nil {
		t.Fatalf("consistentSnapshot returned error: %v", err)
	}
	if active != 42 {
		t.Fatalf("expected active bin 42, got %d", active)
	}
}

func TestConsistentSnapshotRetriesOnDrift(t *testing.T) {
	// First attempt straddles 5 blocks, second attempt is clean.
	blocks := []uint64{1000, 1005, 1005, 1005}
	i := 0
	blockNumber := func(ctx context.Context) (uint64, error) {
		b := blocks[i]
		i++
		return b, nil
	}
	reads := 0
	read := func(ctx context.Context) (types.BinID, types.Position, error) {
		reads++
		return 7, types.Position{}, nil
	}

	_, _, err := consistentSnapshot(context.Background(), 1, 3, blockNumber, read)
	if err != nil {
		t.Fatalf("consistentSnapshot returned error: %v", err)
	}
	if reads != 2 {
		t.Fatalf("expected a retry after drift, got %d reads", reads)
	}
}

func TestConsistentSnapshotGivesUpAfterAttempts(t *testing.T) {
	toggle := false
	blockNumber := func(ctx context.Context) (uint64, error) {
		toggle = !toggle
		if toggle {
			return 1000, nil
		}
		return 1010, nil
	}
	read := func(ctx context.Context) (types.BinID, types.Position, error) {
		return 0, types.Position{}, nil
	}

	_, _, err := consistentSnapshot(context.Background(), 1, 3, blockNumber, read)
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if !errors.Is(err, types.ErrReadFailed) {
		t.Fatalf("expected ErrReadFailed, got %v", err)
	}
}

func TestBuildDistributionsSplitAroundActive(t *testing.T) {
	target := []types.BinID{98, 99, 100, 101, 102}
	deltaIds, distX, distY := buildDistributions(target, 100)

	if len(deltaIds) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(deltaIds))
	}
	for i, want := range []int64{-2, -1, 0, 1, 2} {
		if deltaIds[i].Int64() != want {
			t.Fatalf("deltaIds[%d] = %d, want %d", i, deltaIds[i].Int64(), want)
		}
	}

	// Bins below the active bin carry no tokenX; bins above carry no tokenY.
	for i, id := range target {
		if id < 100 && distX[i].Sign() != 0 {
			t.Fatalf("bin %d below active must have zero distributionX", id)
		}
		if id > 100 && distY[i].Sign() != 0 {
			t.Fatalf("bin %d above active must have zero distributionY", id)
		}
	}

	sumX := new(big.Int)
	sumY := new(big.Int)
	for i := range target {
		sumX.Add(sumX, distX[i])
		sumY.Add(sumY, distY[i])
	}
	if sumX.Cmp(distributionPrecision) != 0 {
		t.Fatalf("distributionX must sum to 1e18, got %s", sumX)
	}
	if sumY.Cmp(distributionPrecision) != 0 {
		t.Fatalf("distributionY must sum to 1e18, got %s", sumY)
	}
}

func TestBuildDistributionsActiveOutsideRange(t *testing.T) {
	// Entire range below the active bin: tokenY only.
	_, distX, distY := buildDistributions([]types.BinID{95, 96, 97}, 100)

	for i := range distX {
		if distX[i].Sign() != 0 {
			t.Fatalf("range below active must carry no tokenX, index %d", i)
		}
	}
	sumY := new(big.Int)
	for _, d := range distY {
		sumY.Add(sumY, d)
	}
	if sumY.Cmp(distributionPrecision) != 0 {
		t.Fatalf("distributionY must sum to 1e18, got %s", sumY)
	}
}

func TestBuildDistributionsSingleBin(t *testing.T) {
	deltaIds, distX, distY := buildDistributions([]types.BinID{100}, 100)
	if len(deltaIds) != 1 || deltaIds[0].Sign() != 0 {
		t.Fatalf("single active bin must have delta 0, got %v", deltaIds)
	}
	if distX[0].Cmp(distributionPrecision) != 0 || distY[0].Cmp(distributionPrecision) != 0 {
		t.Fatalf("single active bin takes the full distribution on both sides, got X=%s Y=%s", distX[0], distY[0])
	}
}

func TestBuildDistributionsEmpty(t *testing.T) {
	deltaIds, distX, distY := buildDistributions(nil, 100)
	if deltaIds != nil || distX != nil || distY != nil {
		t.Fatal("empty target range must produce nil distributions")
	}
}

func TestPriceFromID(t *testing.T) {
	// At the id offset the price is exactly 1.
	if p := priceFromID(25, types.BinID(realIDShift)); math.Abs(p-1.0) > 1e-12 {
		t.Fatalf("price at id 2^23 should be 1.0, got %g", p)
	}

	// One bin up multiplies by (1 + 25/10000).
	up := priceFromID(25, types.BinID(realIDShift+1))
	if math.Abs(up-1.0025) > 1e-9 {
		t.Fatalf("price one bin up should be 1.0025, got %g", up)
	}

	// Symmetric: one bin down divides by the same factor.
	down := priceFromID(25, types.BinID(realIDShift-1))
	if math.Abs(up*down-1.0) > 1e-9 {
		t.Fatalf("up and down prices should be reciprocal, got %g * %g", up, down)
	}
}

func TestApplySlippage(t *testing.T) {
	amount := big.NewInt(10_000)
	if got := applySlippage(amount, 100); got.Cmp(big.NewInt(9_900)) != 0 {
		t.Fatalf("100 bps on 10000 should give 9900, got %s", got)
	}
	if got := applySlippage(nil, 100); got.Sign() != 0 {
		t.Fatalf("nil amount should give zero, got %s", got)
	}
	if got := applySlippage(big.NewInt(0), 100); got.Sign() != 0 {
		t.Fatalf("zero amount should give zero, got %s", got)
	}
}

func TestConvertAtPrice(t *testing.T) {
	amount := big.NewInt(1_000_000)

	out := convertAtPrice(amount, 2.0, true)
	if out.Cmp(big.NewInt(2_000_000)) != 0 {
		t.Fatalf("x to y at price 2 should double, got %s", out)
	}

	back := convertAtPrice(out, 2.0, false)
	if back.Cmp(amount) != 0 {
		t.Fatalf("round trip should restore the amount, got %s", back)
	}

	if z := convertAtPrice(amount, 0, false); z.Sign() != 0 {
		t.Fatalf("zero price must not divide, got %s", z)
	}
}

func TestGasLimitFor(t *testing.T) {
	for _, stage := range []types.WorkflowStage{types.StageWithdrawing, types.StageSwapping, types.StageDepositing} {
		limit, err := gasLimitFor(stage)
		if err != nil || limit == 0 {
			t.Fatalf("stage %s must have a gas limit, got %d, %v", stage, limit, err)
		}
	}
	if _, err := gasLimitFor(types.StageVerifying); err == nil {
		t.Fatal("verification has no submission and must have no gas limit")
	}
}
