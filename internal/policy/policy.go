/*

Range policy: the pure decision core of the keeper. Given a consistent
snapshot of the pool and wallet it decides whether to rebalance and, if so,
what the target range is. No I/O happens here; everything the policy needs
arrives as arguments, so decisions are reproducible from recorded snapshots.

*/

package policy

import (
	"fmt"
	"math/big"

	"github.com/0xvermeer/lbkeeper/internal/advisor"
	"github.com/0xvermeer/lbkeeper/internal/config"
	"github.com/0xvermeer/lbkeeper/internal/types"
)

// Policy holds the range parameters fixed at startup.
type Policy struct {
	// RewardRange is the maximum distance from the active bin at which a bin
	// still earns rewards. A position entirely within this distance is left
	// alone.
	RewardRange int
	// DefaultWidth is the footprint width for fresh deposits.
	DefaultWidth int
	// MinDeposit is the smallest combined liquid balance worth depositing
	// when no position exists.
	MinDeposit *big.Int
}

// NewFromConfig builds a Policy from the loaded configuration.
func NewFromConfig() *Policy {
	return &Policy{
		RewardRange:  config.RewardRange,
		DefaultWidth: config.DefaultRangeWidth,
		MinDeposit:   config.MinDepositWei,
	}
}

// Decide evaluates one snapshot. It is a pure function of its arguments and
// the policy parameters: same inputs, same decision, no side effects.
func (p *Policy) Decide(active types.BinID, pos types.Position, funds types.WalletFunds) types.Decision {
	if pos.IsEmpty() {
		return p.decideFreshDeposit(active, funds)
	}

	maxDist := pos.MaxDistance(active)
	if maxDist <= p.RewardRange {
		return types.Decision{
			Action: types.ActionNone,
			Reason: fmt.Sprintf("position within reward range (max distance %d <= %d)", maxDist, p.RewardRange),
		}
	}

	// Preserve the existing footprint width, recentered on the active bin.
	width := pos.Width()
	low, high := centeredRange(active, width)
	estX, estY := pos.TotalAmounts()

	plan := &types.RebalancePlan{
		SourceBins: pos.BinIDs(),
		TargetLow:  low,
		TargetHigh: high,
		NeedsSwap:  needsSwap(width, estX, estY),
		EstimatedX: estX,
		EstimatedY: estY,
		Reason:     fmt.Sprintf("position drifted %d bins from active (reward range %d)", maxDist, p.RewardRange),
	}
	return types.Decision{
		Action: types.ActionRebalance,
		Plan:   plan,
		Reason: plan.Reason,
	}
}

// decideFreshDeposit handles the empty-position case: deposit liquid funds
// into a default-width range around the active bin, if there is enough to
// bother with.
func (p *Policy) decideFreshDeposit(active types.BinID, funds types.WalletFunds) types.Decision {
	total := new(big.Int)
	if funds.AmountX != nil {
		total.Add(total, funds.AmountX)
	}
	if funds.AmountY != nil {
		total.Add(total, funds.AmountY)
	}
	if total.Sign() == 0 || (p.MinDeposit != nil && total.Cmp(p.MinDeposit) < 0) {
		return types.Decision{
			Action: types.ActionNone,
			Reason: "no position and liquid funds below deposit minimum",
		}
	}

	low, high := centeredRange(active, p.DefaultWidth)
	plan := &types.RebalancePlan{
		TargetLow:  low,
		TargetHigh: high,
		NeedsSwap:  needsSwap(p.DefaultWidth, funds.AmountX, funds.AmountY),
		EstimatedX: funds.AmountX,
		EstimatedY: funds.AmountY,
		Reason:     "no position, depositing liquid funds into default range",
	}
	return types.Decision{
		Action: types.ActionRebalance,
		Plan:   plan,
		Reason: plan.Reason,
	}
}

// ApplyAdvice folds an advisor verdict into a decision. A veto downgrades the
// decision to NO_ACTION. An adjustment replaces the target range only when it
// passes validation; invalid adjustments are discarded and the original plan
// stands. Advice can never turn a NO_ACTION into a rebalance.
func (p *Policy) ApplyAdvice(decision types.Decision, advice *advisor.Advice, active types.BinID) types.Decision {
	if advice == nil || decision.Action != types.ActionRebalance || decision.Plan == nil {
		return decision
	}

	if advice.Veto {
		return types.Decision{
			Action: types.ActionNone,
			Reason: "advisor veto: " + advice.Rationale,
		}
	}

	if !advice.Adjusted {
		return decision
	}

	if err := p.validateAdjustment(advice, active); err != nil {
		// Keep the policy's own plan; a bad suggestion is not a veto.
		adjusted := decision
		adjusted.Reason = decision.Reason + " (advisor adjustment discarded: " + err.Error() + ")"
		return adjusted
	}

	plan := *decision.Plan
	plan.TargetLow = advice.TargetLow
	plan.TargetHigh = advice.TargetHigh
	plan.Reason = decision.Plan.Reason + " (advisor adjusted range: " + advice.Rationale + ")"
	return types.Decision{
		Action: types.ActionRebalance,
		Plan:   &plan,
		Reason: plan.Reason,
	}
}

// validateAdjustment rejects adjusted ranges that are degenerate or that
// would place the position outside the reward range it exists to stay in.
func (p *Policy) validateAdjustment(advice *advisor.Advice, active types.BinID) error {
	if advice.TargetHigh < advice.TargetLow {
		return fmt.Errorf("adjusted range [%d, %d] has non-positive width", advice.TargetLow, advice.TargetHigh)
	}
	center := types.BinID((int(advice.TargetLow) + int(advice.TargetHigh)) / 2)
	if center.Distance(active) > p.RewardRange {
		return fmt.Errorf("adjusted range center %d is %d bins from active %d", center, center.Distance(active), active)
	}
	return nil
}

// centeredRange returns the inclusive [low, high] range of the given width
// centered on the active bin. Even widths place the extra bin below the
// active bin.
func centeredRange(active types.BinID, width int) (types.BinID, types.BinID) {
	if width < 1 {
		width = 1
	}
	low := active - types.BinID(width/2)
	high := low + types.BinID(width) - 1
	return low, high
}

// needsSwap reports whether the available token mix is single-sided while the
// target range spans more than one bin, which would leave half the range
// unfunded without a swap first.
func needsSwap(width int, amountX, amountY *big.Int) bool {
	if width <= 1 {
		return false
	}
	xZero := amountX == nil || amountX.Sign() == 0
	yZero := amountY == nil || amountY.Sign() == 0
	return xZero != yZero
}
