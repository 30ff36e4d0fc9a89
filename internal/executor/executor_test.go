package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"

	"github.com/0xvermeer/lbkeeper/internal/chain"
	"github.com/0xvermeer/lbkeeper/internal/logger"
	"github.com/0xvermeer/lbkeeper/internal/types"
)

func init() {
	logger.Initialize("error")
}

// world is the shared fake chain state the fake reader and submitter act on.
type world struct {
	active  types.BinID
	pos     types.Position
	balance *big.Int
}

type fakeReader struct {
	w       *world
	readErr error
	snapErr error
}

func (r *fakeReader) ActiveBin(ctx context.Context) (types.BinID, error) {
	return r.w.active, nil
}

func (r *fakeReader) ReadPosition(ctx context.Context) (types.Position, error) {
	if r.readErr != nil {
		return types.Position{}, r.readErr
	}
	return r.w.pos, nil
}

func (r *fakeReader) Snapshot(ctx context.Context) (types.BinID, types.Position, error) {
	if r.snapErr != nil {
		return 0, types.Position{}, r.snapErr
	}
	return r.w.active, r.w.pos, nil
}

func (r *fakeReader) NativeBalance(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(r.w.balance), nil
}

func (r *fakeReader) TokenBalances(ctx context.Context) (types.WalletFunds, error) {
	return types.WalletFunds{AmountX: big.NewInt(0), AmountY: big.NewInt(0)}, nil
}

type fakeSubmitter struct {
	w        *world
	stepCost *big.Int

	withdrawErr error
	swapErr     error
	depositErr  error

	// withdrawMutates controls whether a failed withdrawal still drained the
	// position, simulating a timeout on a transaction that landed anyway.
	withdrawMutates bool

	calls []string
}

func (s *fakeSubmitter) EstimateStepCost(ctx context.Context, stage types.WorkflowStage) (*big.Int, error) {
	return new(big.Int).Set(s.stepCost), nil
}

func (s *fakeSubmitter) RemoveLiquidity(ctx context.Context, bins []types.BinLiquidity) (*chain.StepResult, error) {
	s.calls = append(s.calls, "withdraw")
	if s.withdrawErr != nil {
		if s.withdrawMutates {
			s.w.pos = types.Position{}
		}
		return nil, s.withdrawErr
	}
	s.w.pos = types.Position{}
	s.w.balance.Sub(s.w.balance, s.stepCost)
	return &chain.StepResult{TxHash: "0xwithdraw", Cost: new(big.Int).Set(s.stepCost)}, nil
}

func (s *fakeSubmitter) Swap(ctx context.Context, plan *types.RebalancePlan) (*chain.StepResult, error) {
	s.calls = append(s.calls, "swap")
	if s.swapErr != nil {
		return nil, s.swapErr
	}
	s.w.balance.Sub(s.w.balance, s.stepCost)
	return &chain.StepResult{TxHash: "0xswap", Cost: new(big.Int).Set(s.stepCost)}, nil
}

func (s *fakeSubmitter) AddLiquidity(ctx context.Context, plan *types.RebalancePlan) (*chain.StepResult, error) {
	s.calls = append(s.calls, "deposit")
	if s.depositErr != nil {
		return nil, s.depositErr
	}
	bins := make([]types.BinLiquidity, 0, plan.Width())
	for _, id := range plan.TargetBins() {
		bins = append(bins, types.BinLiquidity{
			ID: id, Shares: big.NewInt(10), AmountX: big.NewInt(100), AmountY: big.NewInt(100),
		})
	}
	s.w.pos = types.Position{Bins: bins}
	s.w.balance.Sub(s.w.balance, s.stepCost)
	return &chain.StepResult{TxHash: "0xdeposit", Cost: new(big.Int).Set(s.stepCost)}, nil
}

func driftedWorld(balance int64) *world {
	return &world{
		active: 100,
		pos: types.Position{Bins: []types.BinLiquidity{
			{ID: 95, Shares: big.NewInt(10), AmountX: big.NewInt(100), AmountY: big.NewInt(100)},
			{ID: 96, Shares: big.NewInt(10), AmountX: big.NewInt(100), AmountY: big.NewInt(100)},
		}},
		balance: big.NewInt(balance),
	}
}

func driftedPlan() *types.RebalancePlan {
	return &types.RebalancePlan{
		SourceBins: []types.BinID{95, 96},
		TargetLow:  99,
		TargetHigh: 100,
		EstimatedX: big.NewInt(200),
		EstimatedY: big.NewInt(200),
	}
}

const (
	testReserve     = 1_000
	testStepCost    = 100
	testRewardRange = 2
)

func newHarness(balance int64) (*Executor, *world, *fakeSubmitter) {
	w := driftedWorld(balance)
	sub := &fakeSubmitter{w: w, stepCost: big.NewInt(testStepCost)}
	exec := New(&fakeReader{w: w}, sub, big.NewInt(testReserve), testRewardRange)
	return exec, w, sub
}

func TestExecuteFullSuccess(t *testing.T) {
	exec, _, sub := newHarness(10_000)

	out := exec.Execute(context.Background(), driftedPlan(), driftedWorld(10_000).pos)
	if out.Status != types.OutcomeCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", out.Status, out.Reason)
	}
	if out.Stage != types.StageComplete {
		t.Fatalf("expected COMPLETE stage, got %s", out.Stage)
	}
	if len(out.TxHashes) != 2 {
		t.Fatalf("expected withdraw + deposit hashes, got %v", out.TxHashes)
	}
	if want := []string{"withdraw", "deposit"}; strings.Join(sub.calls, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected call sequence %v", sub.calls)
	}
	if out.GasSpent.Cmp(big.NewInt(2*testStepCost)) != 0 {
		t.Fatalf("expected gas spent %d, got %s", 2*testStepCost, out.GasSpent)
	}
}

func TestExecuteGasReserveAbortsBeforeAnySubmission(t *testing.T) {
	// Balance exactly at the reserve: the first submission would dip below it.
	exec, _, sub := newHarness(testReserve)

	out := exec.Execute(context.Background(), driftedPlan(), driftedWorld(testReserve).pos)
	if out.Status != types.OutcomeAborted {
		t.Fatalf("expected ABORTED, got %s (%s)", out.Status, out.Reason)
	}
	if len(sub.calls) != 0 {
		t.Fatalf("nothing must be submitted on a reserve violation, got %v", sub.calls)
	}
	if !strings.Contains(out.Reason, types.ErrGasReserveViolation.Error()) {
		t.Fatalf("reason must name the reserve violation, got %q", out.Reason)
	}
}

func TestExecuteGasReserveBoundary(t *testing.T) {
	cases := []struct {
		balance int64
		status  types.OutcomeStatus
	}{
		{testReserve + testStepCost - 1, types.OutcomeAborted},
		{testReserve + testStepCost, types.OutcomeAborted}, // second step would violate
		{testReserve + 3*testStepCost, types.OutcomeCompleted},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("balance=%d", tc.balance), func(t *testing.T) {
			exec, _, _ := newHarness(tc.balance)
			out := exec.Execute(context.Background(), driftedPlan(), driftedWorld(tc.balance).pos)
			switch tc.status {
			case types.OutcomeAborted:
				// Below the first-step threshold nothing may move; at the
				// exact threshold the withdraw runs but the deposit check
				// must then stop the run as partial, never completed.
				if out.Status == types.OutcomeCompleted {
					t.Fatalf("balance %d must not complete, got %s", tc.balance, out.Status)
				}
			case types.OutcomeCompleted:
				if out.Status != types.OutcomeCompleted {
					t.Fatalf("balance %d should complete, got %s (%s)", tc.balance, out.Status, out.Reason)
				}
			}
		})
	}
}

func TestExecuteGasReserveSweepNeverDipsBelowReserve(t *testing.T) {
	for balance := int64(testReserve - 50); balance <= testReserve+4*testStepCost; balance += 7 {
		exec, w, sub := newHarness(balance)
		out := exec.Execute(context.Background(), driftedPlan(), driftedWorld(balance).pos)
		if len(sub.calls) > 0 && w.balance.Cmp(big.NewInt(testReserve)) < 0 {
			t.Fatalf("balance %d: wallet dipped below reserve to %s (outcome %s)", balance, w.balance, out.Status)
		}
	}
}

func TestExecuteSwapFailureAfterWithdrawIsPartial(t *testing.T) {
	exec, _, sub := newHarness(10_000)
	sub.swapErr = fmt.Errorf("%w: tx not mined within 120s", types.ErrSubmissionFailed)

	plan := driftedPlan()
	plan.NeedsSwap = true

	out := exec.Execute(context.Background(), plan, driftedWorld(10_000).pos)
	if out.Status != types.OutcomePartial {
		t.Fatalf("expected PARTIALLY_COMPLETED, got %s (%s)", out.Status, out.Reason)
	}
	if out.Stage != types.StageSwapping {
		t.Fatalf("expected stage SWAPPING, got %s", out.Stage)
	}
	if len(out.TxHashes) != 1 || out.TxHashes[0] != "0xwithdraw" {
		t.Fatalf("withdraw hash must be reported, got %v", out.TxHashes)
	}
}

func TestExecuteDepositFailureIsPartialNeverAborted(t *testing.T) {
	exec, _, sub := newHarness(10_000)
	sub.depositErr = errors.New("execution reverted")

	out := exec.Execute(context.Background(), driftedPlan(), driftedWorld(10_000).pos)
	if out.Status != types.OutcomePartial {
		t.Fatalf("deposit failure after withdraw must be PARTIALLY_COMPLETED, got %s", out.Status)
	}
	if out.Stage != types.StageDepositing {
		t.Fatalf("expected stage DEPOSITING, got %s", out.Stage)
	}
}

func TestExecuteWithdrawFailurePositionIntactAborts(t *testing.T) {
	exec, _, sub := newHarness(10_000)
	sub.withdrawErr = errors.New("nonce too low")

	out := exec.Execute(context.Background(), driftedPlan(), driftedWorld(10_000).pos)
	if out.Status != types.OutcomeAborted {
		t.Fatalf("failed withdraw with intact position must abort, got %s (%s)", out.Status, out.Reason)
	}
}

func TestExecuteWithdrawTimeoutThatLandedIsPartial(t *testing.T) {
	exec, _, sub := newHarness(10_000)
	sub.withdrawErr = fmt.Errorf("%w: tx not mined within 120s", types.ErrSubmissionFailed)
	sub.withdrawMutates = true

	out := exec.Execute(context.Background(), driftedPlan(), driftedWorld(10_000).pos)
	if out.Status != types.OutcomePartial {
		t.Fatalf("drained position after failed withdraw must be PARTIALLY_COMPLETED, got %s", out.Status)
	}
	if out.Stage != types.StageWithdrawing {
		t.Fatalf("expected stage WITHDRAWING, got %s", out.Stage)
	}
}

func TestExecuteVerificationMismatchIsPartial(t *testing.T) {
	// All steps land, but the final snapshot shows bins outside the target
	// range, as if price moved hard during execution.
	w := driftedWorld(10_000)
	sub := &fakeSubmitter{w: w, stepCost: big.NewInt(testStepCost)}
	exec := New(&verifyShiftReader{fakeReader{w: w}}, sub, big.NewInt(testReserve), testRewardRange)

	out := exec.Execute(context.Background(), driftedPlan(), w.pos)
	if out.Status != types.OutcomePartial {
		t.Fatalf("out-of-range final position must be PARTIALLY_COMPLETED, got %s", out.Status)
	}
	if out.Stage != types.StageVerifying {
		t.Fatalf("expected stage VERIFYING, got %s", out.Stage)
	}
	if !strings.Contains(out.Reason, types.ErrVerificationMismatch.Error()) {
		t.Fatalf("reason must name the verification mismatch, got %q", out.Reason)
	}
}

// verifyShiftReader returns a final snapshot whose bins sit outside any
// plausible target range, simulating price movement during execution.
type verifyShiftReader struct {
	fakeReader
}

func (r *verifyShiftReader) Snapshot(ctx context.Context) (types.BinID, types.Position, error) {
	return r.w.active, types.Position{Bins: []types.BinLiquidity{
		{ID: 500, Shares: big.NewInt(10), AmountX: big.NewInt(1), AmountY: big.NewInt(1)},
	}}, nil
}

func TestExecuteFreshDepositSkipsWithdraw(t *testing.T) {
	w := &world{active: 100, balance: big.NewInt(10_000)}
	sub := &fakeSubmitter{w: w, stepCost: big.NewInt(testStepCost)}
	exec := New(&fakeReader{w: w}, sub, big.NewInt(testReserve), testRewardRange)

	plan := &types.RebalancePlan{
		TargetLow:  98,
		TargetHigh: 102,
		EstimatedX: big.NewInt(5000),
		EstimatedY: big.NewInt(5000),
	}
	out := exec.Execute(context.Background(), plan, types.Position{})
	if out.Status != types.OutcomeCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", out.Status, out.Reason)
	}
	if strings.Join(sub.calls, ",") != "deposit" {
		t.Fatalf("fresh deposit must only deposit, got %v", sub.calls)
	}
}

func TestExecuteInvalidPlanAborts(t *testing.T) {
	exec, _, sub := newHarness(10_000)

	plan := &types.RebalancePlan{TargetLow: 105, TargetHigh: 100, EstimatedX: big.NewInt(1)}
	out := exec.Execute(context.Background(), plan, driftedWorld(10_000).pos)
	if out.Status != types.OutcomeAborted {
		t.Fatalf("invalid plan must abort, got %s", out.Status)
	}
	if len(sub.calls) != 0 {
		t.Fatalf("invalid plan must submit nothing, got %v", sub.calls)
	}
}
