/*

Keeper core: the sequential observe / decide / act / record loop. One cycle
runs at a time, every error is contained at the cycle boundary, and every
cycle leaves a snapshot row behind, including the ones that failed at the
first read.

*/

package keeper

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/0xvermeer/lbkeeper/internal/advisor"
	"github.com/0xvermeer/lbkeeper/internal/chain"
	"github.com/0xvermeer/lbkeeper/internal/logger"
	"github.com/0xvermeer/lbkeeper/internal/notifier"
	"github.com/0xvermeer/lbkeeper/internal/policy"
	"github.com/0xvermeer/lbkeeper/internal/types"
)

// Store persists cycle snapshots and the global cycle counter.
type Store interface {
	SaveCycleSnapshot(snapshot types.CycleSnapshot) (int64, error)
	NextCycleNumber() (int, error)
}

// PlanExecutor runs one rebalance plan to an outcome.
type PlanExecutor interface {
	Execute(ctx context.Context, plan *types.RebalancePlan, pos types.Position) types.Outcome
}

// advisorTimeout bounds one advisory consultation; a slow advisor must not
// eat the cycle.
const advisorTimeout = 45 * time.Second

// Keeper wires the reader, policy, optional advisor and executor into the
// unattended loop.
type Keeper struct {
	reader   chain.Reader
	policy   *policy.Policy
	advisor  advisor.Advisor // nil disables the advisory hook
	executor PlanExecutor
	store    Store
	notifier notifier.Notifier // nil disables escalation

	interval time.Duration
	live     bool

	logger zerolog.Logger
}

// Config holds the dependencies for a Keeper instance.
type Config struct {
	Reader   chain.Reader
	Policy   *policy.Policy
	Advisor  advisor.Advisor
	Executor PlanExecutor
	Store    Store
	Notifier notifier.Notifier
	Interval time.Duration
	Live     bool
}

// New creates a Keeper. Reader, policy, executor and store are required.
func New(cfg Config) (*Keeper, error) {
	if cfg.Reader == nil {
		return nil, fmt.Errorf("reader cannot be nil")
	}
	if cfg.Policy == nil {
		return nil, fmt.Errorf("policy cannot be nil")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor cannot be nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	return &Keeper{
		reader:   cfg.Reader,
		policy:   cfg.Policy,
		advisor:  cfg.Advisor,
		executor: cfg.Executor,
		store:    cfg.Store,
		notifier: cfg.Notifier,
		interval: cfg.Interval,
		live:     cfg.Live,
		logger:   logger.GetForComponent("keeper"),
	}, nil
}

// RunLoop runs cycles strictly one after another until the context is
// cancelled. The interval is a floor: the next cycle starts
// max(interval - elapsed, 0) after the previous one began, never while it is
// still running.
func (k *Keeper) RunLoop(ctx context.Context) {
	k.logger.Info().
		Dur("interval", k.interval).
		Bool("live", k.live).
		Msg("Starting keeper loop")

	for {
		start := time.Now()
		k.RunCycle(ctx)

		wait := k.interval - time.Since(start)
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			k.logger.Info().Msg("Keeper loop stopped due to context cancellation")
			return
		case <-time.After(wait):
		}
	}
}

// RunCycle executes one full cycle. Nothing escapes it: errors and panics are
// logged, recorded in the cycle snapshot where possible, and the loop goes on.
func (k *Keeper) RunCycle(ctx context.Context) {
	cycleStart := time.Now()

	cycleID := uuid.New().String()
	cycleLogger := k.logger.With().Str("cycle_id", cycleID).Logger()

	defer func() {
		if r := recover(); r != nil {
			cycleLogger.Error().Interface("panic", r).Msg("Cycle panicked, contained at cycle boundary")
		}
	}()

	cycleLogger.Info().Msg("--- Starting keeper cycle ---")

	snapshot := types.CycleSnapshot{
		CycleNumber: k.nextCycleNumber(cycleLogger),
		Timestamp:   cycleStart,
		TxHashes:    make([]string, 0),
	}

	// Step 1: consistent read of pool and wallet state.
	active, pos, err := k.reader.Snapshot(ctx)
	if err != nil {
		cycleLogger.Error().Err(err).Msg("Cycle aborted: snapshot read failed")
		snapshot.Decision = types.ActionNone
		snapshot.DecisionReason = fmt.Sprintf("snapshot read failed: %v", err)
		k.finishCycle(&snapshot, cycleStart, cycleLogger)
		return
	}

	balance, err := k.reader.NativeBalance(ctx)
	if err != nil {
		cycleLogger.Error().Err(err).Msg("Cycle aborted: balance read failed")
		snapshot.Decision = types.ActionNone
		snapshot.DecisionReason = fmt.Sprintf("balance read failed: %v", err)
		k.finishCycle(&snapshot, cycleStart, cycleLogger)
		return
	}

	funds, err := k.reader.TokenBalances(ctx)
	if err != nil {
		cycleLogger.Error().Err(err).Msg("Cycle aborted: token balance read failed")
		snapshot.Decision = types.ActionNone
		snapshot.DecisionReason = fmt.Sprintf("token balance read failed: %v", err)
		k.finishCycle(&snapshot, cycleStart, cycleLogger)
		return
	}

	snapshot.ActiveBin = active
	snapshot.PositionBins = types.NewBinSnapshots(pos)
	snapshot.WalletAVAX = weiToAVAX(balance)

	cycleLogger.Info().
		Int32("activeBin", int32(active)).
		Int("positionBins", pos.Width()).
		Str("walletAVAX", snapshot.WalletAVAX.String()).
		Msg("Step 1: State read complete")

	// Step 2: the pure policy decision.
	decision := k.policy.Decide(active, pos, funds)
	cycleLogger.Info().
		Str("action", string(decision.Action)).
		Str("reason", decision.Reason).
		Msg("Step 2: Policy decision made")

	// Step 3: optional advisory review.
	decision = k.consultAdvisor(ctx, decision, active, cycleLogger)

	snapshot.Decision = decision.Action
	snapshot.DecisionReason = decision.Reason
	snapshot.Plan = decision.Plan

	// Step 4: execution.
	if decision.Action == types.ActionRebalance {
		outcome := k.executePlan(ctx, decision.Plan, pos, cycleLogger)
		snapshot.OutcomeStatus = outcome.Status
		snapshot.OutcomeStage = outcome.Stage
		snapshot.OutcomeReason = outcome.Reason
		snapshot.TxHashes = outcome.TxHashes
		snapshot.GasSpentAVAX = weiToAVAX(outcome.GasSpent)

		if outcome.Status == types.OutcomePartial {
			k.escalate(fmt.Sprintf(
				"*Rebalance partially completed*\nCycle %d stopped at stage %s.\n%s\nManual review required.",
				snapshot.CycleNumber, outcome.Stage, outcome.Reason), cycleLogger)
		}
	}

	// Step 5: final state, best effort.
	if finalActive, finalPos, err := k.reader.Snapshot(ctx); err == nil {
		snapshot.FinalActiveBin = finalActive
		snapshot.FinalBins = types.NewBinSnapshots(finalPos)
		snapshot.InRange = !finalPos.IsEmpty() && finalPos.MaxDistance(finalActive) <= k.policy.RewardRange
	} else {
		cycleLogger.Warn().Err(err).Msg("Could not read final state for snapshot")
		snapshot.FinalActiveBin = active
		snapshot.InRange = !pos.IsEmpty() && pos.MaxDistance(active) <= k.policy.RewardRange
	}

	k.finishCycle(&snapshot, cycleStart, cycleLogger)
}

// consultAdvisor runs the advisory hook when one is configured and the policy
// wants to rebalance. Advisor errors are logged and ignored: the plan
// proceeds as decided.
func (k *Keeper) consultAdvisor(ctx context.Context, decision types.Decision, active types.BinID, cycleLogger zerolog.Logger) types.Decision {
	if k.advisor == nil || decision.Action != types.ActionRebalance {
		return decision
	}

	adviseCtx, cancel := context.WithTimeout(ctx, advisorTimeout)
	defer cancel()

	advice, err := k.advisor.Advise(adviseCtx, decision.Plan, active)
	if err != nil {
		cycleLogger.Warn().Err(err).Str("advisor", k.advisor.Name()).
			Msg("Advisor unavailable, proceeding with unmodified plan")
		return decision
	}

	out := k.policy.ApplyAdvice(decision, advice, active)
	if out.Action != decision.Action || out.Reason != decision.Reason {
		cycleLogger.Info().
			Str("advisor", k.advisor.Name()).
			Bool("veto", advice.Veto).
			Bool("adjusted", advice.Adjusted).
			Str("rationale", advice.Rationale).
			Msg("Step 3: Advisor verdict applied")
	}
	return out
}

// executePlan runs the plan through the executor, or records a dry run when
// live mode is off.
func (k *Keeper) executePlan(ctx context.Context, plan *types.RebalancePlan, pos types.Position, cycleLogger zerolog.Logger) types.Outcome {
	if !k.live {
		cycleLogger.Info().
			Int32("targetLow", int32(plan.TargetLow)).
			Int32("targetHigh", int32(plan.TargetHigh)).
			Msg("Step 4: Dry-run mode, plan recorded but not executed")
		return types.Outcome{
			Status: types.OutcomeAborted,
			Stage:  types.StageIdle,
			Reason: "dry-run mode, nothing submitted",
		}
	}

	cycleLogger.Info().
		Int32("targetLow", int32(plan.TargetLow)).
		Int32("targetHigh", int32(plan.TargetHigh)).
		Bool("needsSwap", plan.NeedsSwap).
		Msg("Step 4: Executing rebalance plan")

	outcome := k.executor.Execute(ctx, plan, pos)

	cycleLogger.Info().
		Str("status", string(outcome.Status)).
		Str("stage", string(outcome.Stage)).
		Int("txCount", len(outcome.TxHashes)).
		Msg("Step 4: Execution finished")
	return outcome
}

// finishCycle stamps the duration and persists the snapshot. Persistence
// failures are logged, never propagated.
func (k *Keeper) finishCycle(snapshot *types.CycleSnapshot, cycleStart time.Time, cycleLogger zerolog.Logger) {
	snapshot.DurationMS = time.Since(cycleStart).Milliseconds()

	if _, err := k.store.SaveCycleSnapshot(*snapshot); err != nil {
		cycleLogger.Error().Err(err).Msg("Failed to save cycle snapshot")
	}

	cycleLogger.Info().
		Int64("durationMS", snapshot.DurationMS).
		Str("decision", string(snapshot.Decision)).
		Str("outcome", string(snapshot.OutcomeStatus)).
		Msg("--- Keeper cycle completed ---")
}

func (k *Keeper) nextCycleNumber(cycleLogger zerolog.Logger) int {
	n, err := k.store.NextCycleNumber()
	if err != nil {
		cycleLogger.Error().Err(err).Msg("Failed to increment cycle number, using timestamp fallback")
		return int(time.Now().Unix() % 1_000_000)
	}
	return n
}

func (k *Keeper) escalate(message string, cycleLogger zerolog.Logger) {
	if k.notifier == nil {
		return
	}
	if err := k.notifier.Send(message); err != nil {
		cycleLogger.Error().Err(err).Msg("Failed to deliver operator notification")
	}
}

func weiToAVAX(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -18)
}
