package types

import (
	"errors"
	"fmt"
	"math/big"
)

// DecisionAction is the verdict of the range policy for one cycle.
type DecisionAction string

const (
	ActionNone      DecisionAction = "NO_ACTION"
	ActionRebalance DecisionAction = "REBALANCE"
)

// Decision is the range policy's output for a single cycle.
type Decision struct {
	Action DecisionAction `json:"action"`
	Plan   *RebalancePlan `json:"plan,omitempty"`
	Reason string         `json:"reason,omitempty"`
}

// RebalancePlan describes one rebalance: which bins to drain, the target
// range to redeposit into, and whether the withdrawn token mix needs a swap
// first. Plans are built fresh each cycle and never reused.
type RebalancePlan struct {
	SourceBins []BinID `json:"source_bins,omitempty"` // empty for a fresh deposit
	TargetLow  BinID   `json:"target_low"`            // inclusive
	TargetHigh BinID   `json:"target_high"`           // inclusive
	NeedsSwap  bool    `json:"needs_swap"`

	// Estimated token amounts available for the deposit, taken from the
	// current position (or liquid funds for a fresh deposit). Estimates only;
	// the executor works from live balances.
	EstimatedX *big.Int `json:"estimated_x,omitempty"`
	EstimatedY *big.Int `json:"estimated_y,omitempty"`

	Reason string `json:"reason,omitempty"`
}

// Width returns the number of bins in the target range.
func (p RebalancePlan) Width() int {
	return int(p.TargetHigh) - int(p.TargetLow) + 1
}

// TargetBins enumerates the target range, low to high.
func (p RebalancePlan) TargetBins() []BinID {
	w := p.Width()
	if w <= 0 {
		return nil
	}
	bins := make([]BinID, w)
	for i := range bins {
		bins[i] = p.TargetLow + BinID(i)
	}
	return bins
}

// Validate rejects plans the executor must never attempt.
func (p RebalancePlan) Validate() error {
	if p.TargetHigh < p.TargetLow {
		return fmt.Errorf("target range [%d, %d] has non-positive width", p.TargetLow, p.TargetHigh)
	}
	if p.EstimatedX == nil && p.EstimatedY == nil {
		return errors.New("plan carries no token estimates")
	}
	return nil
}
