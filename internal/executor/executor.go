/*

Rebalance executor: drives one plan through the withdraw / swap / deposit /
verify sequence. The executor is deliberately pessimistic: the gas reserve is
re-checked before every submission, each step gets exactly one submission
attempt, and any ambiguity about whether funds moved is reported as a partial
completion rather than guessed away.

*/

package executor

import (
	"context"
	"fmt"
	"math/big"

	"github.com/rs/zerolog"

	"github.com/0xvermeer/lbkeeper/internal/chain"
	"github.com/0xvermeer/lbkeeper/internal/logger"
	"github.com/0xvermeer/lbkeeper/internal/types"
)

// Executor runs rebalance plans against the chain. One plan executes at a
// time; the scheduler guarantees no overlap.
type Executor struct {
	reader      chain.Reader
	submitter   chain.Submitter
	gasReserve  *big.Int
	rewardRange int
	logger      zerolog.Logger
}

// New builds an Executor. gasReserve is the wei balance that must survive
// every planned submission; rewardRange is the bin distance the final
// position is verified against.
func New(reader chain.Reader, submitter chain.Submitter, gasReserve *big.Int, rewardRange int) *Executor {
	return &Executor{
		reader:      reader,
		submitter:   submitter,
		gasReserve:  gasReserve,
		rewardRange: rewardRange,
		logger:      logger.GetForComponent("executor"),
	}
}

// run tracks the mutable state of one plan execution.
type run struct {
	stage      types.WorkflowStage
	fundsMoved bool
	txHashes   []string
	gasSpent   *big.Int
}

func (r *run) record(res *chain.StepResult) {
	if res == nil {
		return
	}
	r.txHashes = append(r.txHashes, res.TxHash)
	if res.Cost != nil {
		r.gasSpent.Add(r.gasSpent, res.Cost)
	}
}

// Execute runs the plan. pos is the position snapshot the plan was decided
// from; its bin holdings feed the withdrawal step. The returned outcome is
// always well-formed, even when execution dies early.
func (e *Executor) Execute(ctx context.Context, plan *types.RebalancePlan, pos types.Position) types.Outcome {
	r := &run{stage: types.StageIdle, gasSpent: new(big.Int)}

	if err := plan.Validate(); err != nil {
		return e.abort(r, fmt.Sprintf("invalid plan: %v", err))
	}

	// Withdraw, unless this is a fresh deposit with nothing to drain.
	if len(plan.SourceBins) > 0 {
		if outcome, done := e.withdraw(ctx, r, plan, pos); done {
			return outcome
		}
	}

	if plan.NeedsSwap {
		if outcome, done := e.swap(ctx, r, plan); done {
			return outcome
		}
	}

	if outcome, done := e.deposit(ctx, r, plan); done {
		return outcome
	}

	return e.verify(ctx, r)
}

func (e *Executor) withdraw(ctx context.Context, r *run, plan *types.RebalancePlan, pos types.Position) (types.Outcome, bool) {
	r.stage = types.StageWithdrawing

	if err := e.checkGasReserve(ctx, types.StageWithdrawing); err != nil {
		return e.abort(r, err.Error()), true
	}

	bins := sourceHoldings(plan, pos)
	if len(bins) == 0 {
		return e.abort(r, "plan source bins not present in position snapshot"), true
	}

	res, err := e.submitter.RemoveLiquidity(ctx, bins)
	if err != nil {
		// The transaction may have been broadcast before the failure. Only an
		// unchanged position proves nothing moved.
		if e.positionIntact(ctx, bins) {
			return e.abort(r, fmt.Sprintf("withdrawal failed, position intact: %v", err)), true
		}
		r.fundsMoved = true
		return e.partial(r, fmt.Sprintf("withdrawal unconfirmed: %v", err)), true
	}

	r.record(res)
	r.fundsMoved = true

	// The receipt alone is not trusted: confirm the source bins actually
	// drained before building on top of the withdrawal.
	if err := e.confirmDrained(ctx, bins); err != nil {
		return e.partial(r, err.Error()), true
	}

	e.logger.Info().Str("txHash", res.TxHash).Msg("Withdrawal confirmed")
	return types.Outcome{}, false
}

// confirmDrained re-reads the position and checks no source bin still holds
// shares.
func (e *Executor) confirmDrained(ctx context.Context, bins []types.BinLiquidity) error {
	fresh, err := e.reader.ReadPosition(ctx)
	if err != nil {
		return fmt.Errorf("cannot confirm withdrawal landed: %v", err)
	}
	held := make(map[types.BinID]bool, len(fresh.Bins))
	for _, b := range fresh.Bins {
		if b.Shares != nil && b.Shares.Sign() > 0 {
			held[b.ID] = true
		}
	}
	for _, b := range bins {
		if held[b.ID] {
			return fmt.Errorf("withdrawal receipt landed but bin %d still holds shares", b.ID)
		}
	}
	return nil
}

func (e *Executor) swap(ctx context.Context, r *run, plan *types.RebalancePlan) (types.Outcome, bool) {
	r.stage = types.StageSwapping

	if err := e.checkGasReserve(ctx, types.StageSwapping); err != nil {
		if r.fundsMoved {
			return e.partial(r, err.Error()), true
		}
		return e.abort(r, err.Error()), true
	}

	res, err := e.submitter.Swap(ctx, plan)
	if err != nil {
		if r.fundsMoved {
			return e.partial(r, fmt.Sprintf("swap failed: %v", err)), true
		}
		return e.abort(r, fmt.Sprintf("swap failed before any funds moved: %v", err)), true
	}

	r.record(res)
	r.fundsMoved = true
	e.logger.Info().Str("txHash", res.TxHash).Msg("Swap confirmed")
	return types.Outcome{}, false
}

func (e *Executor) deposit(ctx context.Context, r *run, plan *types.RebalancePlan) (types.Outcome, bool) {
	r.stage = types.StageDepositing

	if err := e.checkGasReserve(ctx, types.StageDepositing); err != nil {
		if r.fundsMoved {
			return e.partial(r, err.Error()), true
		}
		return e.abort(r, err.Error()), true
	}

	res, err := e.submitter.AddLiquidity(ctx, plan)
	if err != nil {
		if r.fundsMoved {
			return e.partial(r, fmt.Sprintf("deposit failed after earlier steps: %v", err)), true
		}
		// Fresh deposit: the wallet still proves whether anything happened.
		if fresh, readErr := e.reader.ReadPosition(ctx); readErr == nil && fresh.IsEmpty() {
			return e.abort(r, fmt.Sprintf("deposit failed, no position created: %v", err)), true
		}
		return e.partial(r, fmt.Sprintf("deposit unconfirmed: %v", err)), true
	}

	r.record(res)
	r.fundsMoved = true
	e.logger.Info().Str("txHash", res.TxHash).Msg("Deposit confirmed")
	return types.Outcome{}, false
}

// verify re-reads the active bin and position together and checks the fresh
// position earns rewards. Checking against the fresh active bin rather than
// the plan's target catches the case where price moved again mid-execution.
func (e *Executor) verify(ctx context.Context, r *run) types.Outcome {
	r.stage = types.StageVerifying

	active, pos, err := e.reader.Snapshot(ctx)
	if err != nil {
		return e.partial(r, fmt.Sprintf("%v: cannot verify final position", err))
	}
	if pos.IsEmpty() {
		return e.partial(r, fmt.Sprintf("%v: position empty after deposit", types.ErrVerificationMismatch))
	}
	if d := pos.MaxDistance(active); d > e.rewardRange {
		return e.partial(r, fmt.Sprintf("%v: position %d bins from active %d, reward range is %d",
			types.ErrVerificationMismatch, d, active, e.rewardRange))
	}

	r.stage = types.StageComplete
	return types.Outcome{
		Status:   types.OutcomeCompleted,
		Stage:    types.StageComplete,
		TxHashes: r.txHashes,
		GasSpent: r.gasSpent,
	}
}

// checkGasReserve refuses a submission that could leave the wallet below the
// reserve. Read failures fail closed.
func (e *Executor) checkGasReserve(ctx context.Context, stage types.WorkflowStage) error {
	balance, err := e.reader.NativeBalance(ctx)
	if err != nil {
		return fmt.Errorf("%w: cannot read balance before %s: %v", types.ErrGasReserveViolation, stage, err)
	}
	cost, err := e.submitter.EstimateStepCost(ctx, stage)
	if err != nil {
		return fmt.Errorf("%w: cannot estimate %s cost: %v", types.ErrGasReserveViolation, stage, err)
	}
	remaining := new(big.Int).Sub(balance, cost)
	if remaining.Cmp(e.gasReserve) < 0 {
		return fmt.Errorf("%w: %s would leave %s wei, reserve is %s",
			types.ErrGasReserveViolation, stage, remaining, e.gasReserve)
	}
	return nil
}

// positionIntact re-reads the position and reports whether every source bin
// still holds its shares. Used to decide abort vs partial after a failed
// withdrawal. A read failure counts as not intact: when in doubt, escalate.
func (e *Executor) positionIntact(ctx context.Context, bins []types.BinLiquidity) bool {
	fresh, err := e.reader.ReadPosition(ctx)
	if err != nil {
		return false
	}
	held := make(map[types.BinID]*big.Int, len(fresh.Bins))
	for _, b := range fresh.Bins {
		held[b.ID] = b.Shares
	}
	for _, want := range bins {
		got, ok := held[want.ID]
		if !ok || got.Cmp(want.Shares) != 0 {
			return false
		}
	}
	return true
}

func (e *Executor) abort(r *run, reason string) types.Outcome {
	r.stage = types.StageFailed
	e.logger.Warn().Str("reason", reason).Msg("Rebalance aborted, no funds moved")
	return types.Outcome{
		Status:   types.OutcomeAborted,
		Stage:    types.StageFailed,
		Reason:   reason,
		TxHashes: r.txHashes,
		GasSpent: r.gasSpent,
	}
}

func (e *Executor) partial(r *run, reason string) types.Outcome {
	stage := r.stage
	e.logger.Error().Str("stage", string(stage)).Str("reason", reason).Msg("Rebalance partially completed, operator attention required")
	return types.Outcome{
		Status:   types.OutcomePartial,
		Stage:    stage,
		Reason:   reason,
		TxHashes: r.txHashes,
		GasSpent: r.gasSpent,
	}
}

// sourceHoldings filters the position snapshot down to the plan's source bins.
func sourceHoldings(plan *types.RebalancePlan, pos types.Position) []types.BinLiquidity {
	want := make(map[types.BinID]bool, len(plan.SourceBins))
	for _, id := range plan.SourceBins {
		want[id] = true
	}
	var out []types.BinLiquidity
	for _, b := range pos.Bins {
		if want[b.ID] {
			out = append(out, b)
		}
	}
	return out
}
