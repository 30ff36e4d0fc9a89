package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// BinSnapshot is a JSON-friendly view of one bin holding, recorded in cycle
// snapshots. Amounts are decimal strings so they survive JSONB round-trips.
type BinSnapshot struct {
	ID      BinID  `json:"id"`
	Shares  string `json:"shares"`
	AmountX string `json:"amount_x"`
	AmountY string `json:"amount_y"`
}

// NewBinSnapshots converts a position's bins into snapshot form.
func NewBinSnapshots(p Position) []BinSnapshot {
	out := make([]BinSnapshot, len(p.Bins))
	for i, b := range p.Bins {
		s := BinSnapshot{ID: b.ID}
		if b.Shares != nil {
			s.Shares = b.Shares.String()
		}
		if b.AmountX != nil {
			s.AmountX = b.AmountX.String()
		}
		if b.AmountY != nil {
			s.AmountY = b.AmountY.String()
		}
		out[i] = s
	}
	return out
}

// CycleSnapshot records everything one keeper cycle saw, decided and did.
// Persisted to Postgres at the end of every cycle, including cycles that
// failed at the read stage or decided NO_ACTION.
type CycleSnapshot struct {
	SnapshotID  int64     `json:"snapshot_id,omitempty"`
	CycleNumber int       `json:"cycle_number"`
	Timestamp   time.Time `json:"timestamp"`

	// Pre-decision state
	ActiveBin    BinID           `json:"active_bin"`
	PositionBins []BinSnapshot   `json:"position_bins,omitempty"`
	WalletAVAX   decimal.Decimal `json:"wallet_avax"`

	// The decision and plan
	Decision       DecisionAction `json:"decision"`
	DecisionReason string         `json:"decision_reason,omitempty"`
	Plan           *RebalancePlan `json:"plan,omitempty"`

	// The outcome
	OutcomeStatus OutcomeStatus   `json:"outcome_status,omitempty"`
	OutcomeStage  WorkflowStage   `json:"outcome_stage,omitempty"`
	OutcomeReason string          `json:"outcome_reason,omitempty"`
	TxHashes      []string        `json:"tx_hashes,omitempty"`
	GasSpentAVAX  decimal.Decimal `json:"gas_spent_avax"`

	// Post-execution state
	FinalActiveBin BinID         `json:"final_active_bin"`
	FinalBins      []BinSnapshot `json:"final_bins,omitempty"`
	InRange        bool          `json:"in_range"`

	DurationMS int64 `json:"duration_ms"`
}
