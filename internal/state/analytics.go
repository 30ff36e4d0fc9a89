/*

Read-side queries over recorded cycle snapshots, backing the dashboard API.
Everything here is read-only; the keeper loop never calls into this file.

*/

package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/0xvermeer/lbkeeper/internal/types"
)

// KeeperSummary aggregates lifetime keeper activity for the dashboard.
type KeeperSummary struct {
	TotalCycles      int             `json:"total_cycles"`
	Rebalances       int             `json:"rebalances"`
	Completed        int             `json:"completed"`
	PartiallyDone    int             `json:"partially_completed"`
	Aborted          int             `json:"aborted"`
	TotalGasAVAX     decimal.Decimal `json:"total_gas_avax"`
	LastCycleAt      *time.Time      `json:"last_cycle_at,omitempty"`
	CurrentActiveBin types.BinID     `json:"current_active_bin"`
	InRange          bool            `json:"in_range"`
}

// PerformanceMetrics summarizes recent cycle health over a lookback window.
type PerformanceMetrics struct {
	WindowHours     int             `json:"window_hours"`
	Cycles          int             `json:"cycles"`
	Rebalances      int             `json:"rebalances"`
	AvgDurationMS   float64         `json:"avg_duration_ms"`
	GasSpentAVAX    decimal.Decimal `json:"gas_spent_avax"`
	InRangePercent  float64         `json:"in_range_percent"`
	PartialOutcomes int             `json:"partial_outcomes"`
}

const snapshotColumns = `
	snapshot_id, cycle_number, snapshot_timestamp,
	active_bin, position_bins, wallet_avax,
	decision, decision_reason, plan,
	outcome_status, outcome_stage, outcome_reason, transaction_hashes, gas_spent_avax,
	final_active_bin, final_bins, in_range,
	duration_ms`

// GetRecentCycles returns the most recent cycle snapshots, newest first.
func GetRecentCycles(limit int) ([]types.CycleSnapshot, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := `SELECT ` + snapshotColumns + `
		FROM cycle_snapshots
		ORDER BY cycle_number DESC
		LIMIT $1;`

	rows, err := DB.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent cycles: %w", err)
	}
	defer rows.Close()

	var out []types.CycleSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// GetCycleByID returns one cycle snapshot by its snapshot id.
func GetCycleByID(snapshotID int64) (*types.CycleSnapshot, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	query := `SELECT ` + snapshotColumns + `
		FROM cycle_snapshots
		WHERE snapshot_id = $1;`

	row := DB.QueryRow(query, snapshotID)
	snap, err := scanSnapshot(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &snap, nil
}

// GetKeeperSummary aggregates lifetime counters plus the latest cycle state.
func GetKeeperSummary() (*KeeperSummary, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	summary := &KeeperSummary{}

	aggQuery := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE decision = 'REBALANCE'),
			COUNT(*) FILTER (WHERE outcome_status = 'COMPLETED'),
			COUNT(*) FILTER (WHERE outcome_status = 'PARTIALLY_COMPLETED'),
			COUNT(*) FILTER (WHERE outcome_status = 'ABORTED'),
			COALESCE(SUM(gas_spent_avax), 0)
		FROM cycle_snapshots;`

	var totalGas decimal.Decimal
	err := DB.QueryRow(aggQuery).Scan(
		&summary.TotalCycles, &summary.Rebalances,
		&summary.Completed, &summary.PartiallyDone, &summary.Aborted,
		&totalGas,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate cycle snapshots: %w", err)
	}
	summary.TotalGasAVAX = totalGas

	latestQuery := `
		SELECT snapshot_timestamp, final_active_bin, in_range
		FROM cycle_snapshots
		ORDER BY cycle_number DESC
		LIMIT 1;`

	var ts time.Time
	err = DB.QueryRow(latestQuery).Scan(&ts, &summary.CurrentActiveBin, &summary.InRange)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to read latest cycle: %w", err)
	}
	if err == nil {
		summary.LastCycleAt = &ts
	}

	return summary, nil
}

// GetPerformanceMetrics summarizes cycle health over the last windowHours.
func GetPerformanceMetrics(windowHours int) (*PerformanceMetrics, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	if windowHours <= 0 {
		windowHours = 24
	}

	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE decision = 'REBALANCE'),
			COALESCE(AVG(duration_ms), 0),
			COALESCE(SUM(gas_spent_avax), 0),
			COALESCE(AVG(CASE WHEN in_range THEN 100.0 ELSE 0.0 END), 0),
			COUNT(*) FILTER (WHERE outcome_status = 'PARTIALLY_COMPLETED')
		FROM cycle_snapshots
		WHERE snapshot_timestamp > NOW() - ($1 || ' hours')::interval;`

	metrics := &PerformanceMetrics{WindowHours: windowHours}
	err := DB.QueryRow(query, windowHours).Scan(
		&metrics.Cycles, &metrics.Rebalances,
		&metrics.AvgDurationMS, &metrics.GasSpentAVAX,
		&metrics.InRangePercent, &metrics.PartialOutcomes,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compute performance metrics: %w", err)
	}
	return metrics, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(row rowScanner) (types.CycleSnapshot, error) {
	var snap types.CycleSnapshot
	var positionBins, finalBins, plan []byte
	var decisionReason, outcomeStatus, outcomeStage, outcomeReason sql.NullString

	err := row.Scan(
		&snap.SnapshotID, &snap.CycleNumber, &snap.Timestamp,
		&snap.ActiveBin, &positionBins, &snap.WalletAVAX,
		&snap.Decision, &decisionReason, &plan,
		&outcomeStatus, &outcomeStage, &outcomeReason,
		pq.Array(&snap.TxHashes), &snap.GasSpentAVAX,
		&snap.FinalActiveBin, &finalBins, &snap.InRange,
		&snap.DurationMS,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return snap, err
		}
		return snap, fmt.Errorf("failed to scan cycle snapshot: %w", err)
	}

	snap.DecisionReason = decisionReason.String
	snap.OutcomeStatus = types.OutcomeStatus(outcomeStatus.String)
	snap.OutcomeStage = types.WorkflowStage(outcomeStage.String)
	snap.OutcomeReason = outcomeReason.String

	if len(positionBins) > 0 {
		if err := json.Unmarshal(positionBins, &snap.PositionBins); err != nil {
			return snap, fmt.Errorf("failed to unmarshal position_bins: %w", err)
		}
	}
	if len(finalBins) > 0 {
		if err := json.Unmarshal(finalBins, &snap.FinalBins); err != nil {
			return snap, fmt.Errorf("failed to unmarshal final_bins: %w", err)
		}
	}
	if len(plan) > 0 && string(plan) != "null" {
		if err := json.Unmarshal(plan, &snap.Plan); err != nil {
			return snap, fmt.Errorf("failed to unmarshal plan: %w", err)
		}
	}

	return snap, nil
}
