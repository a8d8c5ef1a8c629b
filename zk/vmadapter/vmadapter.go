// Package vmadapter wraps the zkEVM interpreter behind the narrow surface
// the state keeper needs: start a miniblock, execute one transaction,
// roll back the last one, and close out a batch. The interpreter itself
// is treated as a pure function of state plus transaction; this package
// only owns the snapshot/rollback bookkeeping around it.
package vmadapter

import (
	"fmt"

	"github.com/zk-sequencer/corekeeper/zk/types"
)

// FullResult is the VM's accounting for everything executed in a batch:
// every user transaction plus the bootloader tip.
type FullResult struct {
	Events         []types.L2ToL1Message
	StorageLogs    []types.StorageLogQuery
	Logs           []types.StorageLogQuery
	GasUsed        uint64
	ContractsUsed  int
	Cycles         uint64
	Trace          []byte
}

// BlockTipResult carries the bookkeeping writes the bootloader epilogue
// makes after the last user transaction: this is what populates a fictive
// miniblock when a batch closes on an empty one.
type BlockTipResult struct {
	L2ToL1Messages []types.L2ToL1Message
	Events         []types.StorageLogQuery
}

// VmBlockResult is what FinishBatch returns.
type VmBlockResult struct {
	FullResult     FullResult
	BlockTipResult BlockTipResult
}

// Executor is the pure-function interpreter call the adapter delegates to.
// It is injected so the adapter's snapshot/rollback bookkeeping can be
// tested independently of a real zkEVM, and so a real binding can be
// swapped in without touching the keeper.
type Executor interface {
	// Execute runs tx against the current VM state and returns its result.
	// It must not be called again for the same logical attempt without an
	// intervening Rollback: the adapter enforces "at most one execute
	// in flight" itself.
	Execute(tx types.Transaction) (types.ExecutionResult, error)
	// Rollback reverses the effects of the most recent Execute call.
	Rollback() error
	// StartMiniblock prepares interpreter state for a new miniblock at the
	// given timestamp.
	StartMiniblock(timestamp uint64) error
	// FinishBatch runs the bootloader tip and returns the accumulated
	// result for the whole batch.
	FinishBatch() (VmBlockResult, error)
}

// Adapter is the concrete VM Host Adapter. It tracks only enough state to
// enforce the "rollback at most once per executed tx" invariant; all VM
// state itself lives behind Executor.
type Adapter struct {
	exec Executor

	// pendingRollback is true between a successful Execute call and either
	// the next Execute/FinishBatch or a Rollback call.
	pendingRollback bool
}

// New wraps exec behind the VM Host Adapter contract.
func New(exec Executor) *Adapter {
	return &Adapter{exec: exec}
}

// StartNextMiniblock prepares a new miniblock in the interpreter.
func (a *Adapter) StartNextMiniblock(timestamp uint64) error {
	return a.exec.StartMiniblock(timestamp)
}

// ExecuteNextTx runs tx against the current VM state. It is deterministic
// given VM state and tx, and idempotent across rollback: executing,
// rolling back, and executing the same tx again yields the same result.
// Starting a new execution implicitly commits the previous one: once the
// keeper moves on without rolling back, the last delta is final.
func (a *Adapter) ExecuteNextTx(tx types.Transaction) (types.ExecutionResult, error) {
	a.pendingRollback = false
	result, err := a.exec.Execute(tx)
	if err != nil {
		return types.ExecutionResult{}, err
	}
	if result.Status != types.ExecutionRejected {
		// Rejected transactions never touched state, so there is nothing
		// to roll back and no in-flight execution to resolve.
		a.pendingRollback = true
	}
	return result, nil
}

// RollbackLastTx reverses the state delta from the most recent
// ExecuteNextTx call. It may only be called once per executed tx.
func (a *Adapter) RollbackLastTx() error {
	if !a.pendingRollback {
		return fmt.Errorf("vmadapter: RollbackLastTx called with no pending execution to roll back")
	}
	if err := a.exec.Rollback(); err != nil {
		return err
	}
	a.pendingRollback = false
	return nil
}

// FinishBatch emits the full batch result plus the bootloader tip's
// bookkeeping. The VM does not know about seal criteria or persistence.
// Like ExecuteNextTx, it commits any still-pending execution: the keeper
// only ever finishes a batch after deciding the last tx stays in.
func (a *Adapter) FinishBatch() (VmBlockResult, error) {
	a.pendingRollback = false
	return a.exec.FinishBatch()
}
