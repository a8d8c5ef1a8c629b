// Package errs holds the sentinel errors the state keeper and block
// reverter distinguish with errors.Is: plain named sentinels wrapped with
// fmt.Errorf, in place of typed error hierarchies.
package errs

import "errors"

var (
	// ErrExecutionRejected means the VM refused a transaction outright; it
	// is recorded and the loop continues.
	ErrExecutionRejected = errors.New("transaction rejected by the vm")
	// ErrTxPermanentlyUnexecutable means a transaction fails gas-budget
	// sanity on its own; it is marked poisoned and never retried.
	ErrTxPermanentlyUnexecutable = errors.New("transaction can never fit in any batch")
	// ErrBatchFull signals the bootloader tip ran out of gas: recoverable,
	// triggers rollback + seal + requeue.
	ErrBatchFull = errors.New("batch full: bootloader tip out of gas")
	// ErrPersistenceFailure means an I/O-port write failed. Fatal: the
	// process must abort and rely on the orchestrator to restart it.
	ErrPersistenceFailure = errors.New("persistence failure")
	// ErrRevertBeyondFinality means the reverter was asked to cross the
	// L1-executed frontier while in Disallowed mode. Fatal.
	ErrRevertBeyondFinality = errors.New("revert target is beyond the l1-executed finality frontier")
	// ErrTreeRootMismatch means the post-revert Merkle root does not match
	// the stored root: state corruption. Fatal.
	ErrTreeRootMismatch = errors.New("merkle root mismatch after revert")
	// ErrL1SubmitFailure means submitting the L1 revert transaction failed.
	ErrL1SubmitFailure = errors.New("l1 revert transaction submission failed")
	// ErrL1RevertReverted means the L1 revert transaction's receipt status
	// was not success.
	ErrL1RevertReverted = errors.New("l1 revert transaction reverted on-chain")
	// ErrProofPersistFailure is fatal for the prover reporter; the prover
	// worker process restarts.
	ErrProofPersistFailure = errors.New("failed to persist prover job result")
)
