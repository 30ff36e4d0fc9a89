package state

import (
	"encoding/json"
	"fmt"

	"github.com/lib/pq" // PostgreSQL driver for array support
	"github.com/rs/zerolog/log"

	"github.com/0xvermeer/lbkeeper/internal/types"
)

// SaveCycleSnapshot saves a complete cycle snapshot to the database.
func SaveCycleSnapshot(snapshot types.CycleSnapshot) (int64, error) {
	if DB == nil {
		return 0, fmt.Errorf("database not initialized")
	}

	positionBinsJSON, err := json.Marshal(snapshot.PositionBins)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal position_bins: %w", err)
	}

	finalBinsJSON, err := json.Marshal(snapshot.FinalBins)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal final_bins: %w", err)
	}

	planJSON, err := json.Marshal(snapshot.Plan)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal plan: %w", err)
	}

	query := `
		INSERT INTO cycle_snapshots (
			cycle_number, snapshot_timestamp,
			active_bin, position_bins, wallet_avax,
			decision, decision_reason, plan,
			outcome_status, outcome_stage, outcome_reason, transaction_hashes, gas_spent_avax,
			final_active_bin, final_bins, in_range,
			duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING snapshot_id;
	`

	var snapshotID int64
	err = DB.QueryRow(
		query,
		snapshot.CycleNumber, snapshot.Timestamp,
		snapshot.ActiveBin, positionBinsJSON, snapshot.WalletAVAX,
		snapshot.Decision, snapshot.DecisionReason, planJSON,
		snapshot.OutcomeStatus, snapshot.OutcomeStage, snapshot.OutcomeReason,
		pq.Array(snapshot.TxHashes), snapshot.GasSpentAVAX,
		snapshot.FinalActiveBin, finalBinsJSON, snapshot.InRange,
		snapshot.DurationMS,
	).Scan(&snapshotID)

	if err != nil {
		return 0, fmt.Errorf("failed to save cycle snapshot: %w", err)
	}

	log.Info().
		Int64("snapshot_id", snapshotID).
		Int("cycle_number", snapshot.CycleNumber).
		Str("decision", string(snapshot.Decision)).
		Str("outcome", string(snapshot.OutcomeStatus)).
		Msg("Cycle snapshot saved to database")

	return snapshotID, nil
}
