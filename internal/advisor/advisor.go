// Package advisor is the optional sanity layer between the range policy and
// the executor. An advisor may veto a plan or nudge its target range; it can
// never originate a rebalance on its own, and any advisor failure means the
// plan proceeds unmodified.
package advisor

import (
	"context"

	"github.com/0xvermeer/lbkeeper/internal/types"
)

// Advice is an advisor's verdict on a proposed rebalance plan.
type Advice struct {
	// Veto cancels the plan for this cycle. The keeper records the rationale
	// and does nothing; the next cycle re-evaluates from scratch.
	Veto bool
	// Adjusted signals that TargetLow/TargetHigh carry a modified range. The
	// caller validates the adjustment before adopting it.
	Adjusted   bool
	TargetLow  types.BinID
	TargetHigh types.BinID
	// Rationale is free text for logging and the cycle snapshot.
	Rationale string
}

// Advisor reviews a plan the policy already decided on. An error return means
// the advisor could not produce a verdict; callers treat that as approval and
// proceed with the unmodified plan.
type Advisor interface {
	Advise(ctx context.Context, plan *types.RebalancePlan, active types.BinID) (*Advice, error)
	Name() string
}
