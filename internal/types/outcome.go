package types

import (
	"errors"
	"math/big"
)

// WorkflowStage is the rebalance executor's state machine stage. One instance
// exists per executing cycle; it is never persisted across cycles.
type WorkflowStage string

const (
	StageIdle        WorkflowStage = "IDLE"
	StageWithdrawing WorkflowStage = "WITHDRAWING"
	StageSwapping    WorkflowStage = "SWAPPING"
	StageDepositing  WorkflowStage = "DEPOSITING"
	StageVerifying   WorkflowStage = "VERIFYING"
	StageComplete    WorkflowStage = "COMPLETE"
	StageFailed      WorkflowStage = "FAILED"
)

// OutcomeStatus classifies how a plan execution ended.
type OutcomeStatus string

const (
	// OutcomeCompleted: every step landed and the position verified in range.
	OutcomeCompleted OutcomeStatus = "COMPLETED"
	// OutcomePartial: at least one step moved funds but execution did not
	// finish (or did not verify). Funds may sit in an intermediate state;
	// this status must be escalated to an operator.
	OutcomePartial OutcomeStatus = "PARTIALLY_COMPLETED"
	// OutcomeAborted: nothing was submitted, no funds moved.
	OutcomeAborted OutcomeStatus = "ABORTED"
)

// Outcome is the rebalance executor's report for one plan.
type Outcome struct {
	Status   OutcomeStatus `json:"status"`
	Stage    WorkflowStage `json:"stage"`
	Reason   string        `json:"reason,omitempty"`
	TxHashes []string      `json:"tx_hashes,omitempty"`
	GasSpent *big.Int      `json:"gas_spent_wei,omitempty"`
}

// Error taxonomy shared across the keeper. Chain reads wrap ErrReadFailed;
// the executor classifies step failures with the rest.
var (
	ErrReadFailed           = errors.New("chain read failed")
	ErrGasReserveViolation  = errors.New("gas reserve violation")
	ErrSubmissionFailed     = errors.New("transaction submission failed")
	ErrVerificationMismatch = errors.New("post-rebalance verification mismatch")
)
