// Package keeper implements the state keeper loop: the scheduling state
// machine that pulls transactions, invokes the VM, consults seal criteria,
// and commits sealed miniblocks/batches through the I/O port. It covers
// pending-batch priming after a restart, the poll-tx/check-sealers loop,
// and the overflow-then-rollback-then-requeue handling of a full
// bootloader tip.
package keeper

import (
	"context"
	"time"

	"github.com/zk-sequencer/corekeeper/zk/keeper/ioport"
	"github.com/zk-sequencer/corekeeper/zk/metrics"
	"github.com/zk-sequencer/corekeeper/zk/seal"
	"github.com/zk-sequencer/corekeeper/zk/types"
	"github.com/zk-sequencer/corekeeper/zk/updates"
	"github.com/zk-sequencer/corekeeper/zk/vmadapter"
)

// PollWaitDuration bounds how long WaitForNextTx may block before the
// keeper re-checks unconditional and time-driven seal criteria even under
// zero traffic.
const PollWaitDuration = 100 * time.Millisecond

// VM is the subset of vmadapter.Adapter's contract the keeper drives.
// Defined here, rather than imported as a concrete type, so tests can
// supply a scripted double without going through a real Executor.
type VM interface {
	StartNextMiniblock(timestamp uint64) error
	ExecuteNextTx(tx types.Transaction) (types.ExecutionResult, error)
	RollbackLastTx() error
	FinishBatch() (vmadapter.VmBlockResult, error)
}

// MiniblockSealerFunc evaluates whether the currently-open miniblock should
// be sealed. now is the keeper's monotonic clock reading, supplied so
// timer-driven sealers never call time.Now() themselves (and tests can fake
// it).
type MiniblockSealerFunc func(um *updates.UpdatesManager, now time.Time) bool

// UnconditionalSealerFunc evaluates whether something other than resource
// limits forces an immediate batch seal (e.g. a code-hash change).
type UnconditionalSealerFunc func(um *updates.UpdatesManager) bool

// Keeper is a single-threaded cooperative state machine. It owns its
// UpdatesManager and VM exclusively: no lock is required because nothing
// else touches them concurrently.
type Keeper struct {
	Port ioport.Port
	VM   VM

	// Sealer may be nil on a read-only replica that never originates
	// batches of its own.
	Sealer *seal.ConditionalSealer

	UnconditionalSealers []UnconditionalSealerFunc
	MiniblockSealers     []MiniblockSealerFunc

	// PollWait overrides PollWaitDuration; zero means use the default.
	PollWait time.Duration
	// Now returns the keeper's monotonic clock; defaults to time.Now.
	Now func() time.Time

	// CurrentHashes returns the base system contract hashes the next
	// batch should be pinned to. Compared against the hashes the running
	// batch was opened with to detect a mid-batch change.
	CurrentHashes func() types.BaseSystemContractHashes

	lastBatchNumber     types.L1BatchNumber
	lastMiniblockNumber types.MiniblockNumber
}

// New constructs a Keeper resuming from the given last-sealed batch and
// miniblock numbers (as loaded from the I/O port's backing store).
func New(port ioport.Port, vm VM, lastBatch types.L1BatchNumber, lastMiniblock types.MiniblockNumber) *Keeper {
	return &Keeper{
		Port:                port,
		VM:                  vm,
		lastBatchNumber:     lastBatch,
		lastMiniblockNumber: lastMiniblock,
	}
}

func (k *Keeper) pollWait() time.Duration {
	if k.PollWait > 0 {
		return k.PollWait
	}
	return PollWaitDuration
}

func (k *Keeper) now() time.Time {
	if k.Now != nil {
		return k.Now()
	}
	return time.Now()
}

func (k *Keeper) currentHashes() types.BaseSystemContractHashes {
	if k.CurrentHashes != nil {
		return k.CurrentHashes()
	}
	return types.BaseSystemContractHashes{}
}

// batchBaseGas is the fixed per-batch L1 overhead every batch record
// carries on top of its transactions' gas.
func batchBaseGas() types.BlockGasCount {
	return types.BlockGasCount{
		Commit:  seal.BlockCommitBaseCost,
		Prove:   seal.BlockProveBaseCost,
		Execute: seal.BlockExecuteBaseCost,
	}
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// Run drives the keeper until stop is closed. It observes the stop signal
// between iterations and at every I/O-port call boundary; on stop it
// finishes or rolls back the in-flight transaction, does not start a new
// miniblock, and returns without committing a partial batch.
func (k *Keeper) Run(ctx context.Context, stop <-chan struct{}) error {
	for {
		if stopped(stop) {
			return nil
		}

		um, err := k.openBatch(ctx)
		if err != nil {
			return err
		}
		if um == nil {
			// The pending batch replayed straight into an unconditional
			// seal (e.g. a code-hash change observed mid-replay) and was
			// already committed by openBatch. Go open the next one.
			continue
		}

		sealedBatch, err := k.runningLoop(ctx, stop, um)
		if err != nil {
			return err
		}
		if !sealedBatch {
			return nil
		}
	}
}

// openBatch implements the Opening state: replay a pending batch if one
// exists, otherwise start a fresh one. If replay triggers an unconditional
// seal, the batch is sealed here and (nil, nil) is returned so Run loops
// around to open the next one.
func (k *Keeper) openBatch(ctx context.Context) (*updates.UpdatesManager, error) {
	pending, err := k.Port.LoadPendingBatch(ctx)
	if err != nil {
		return nil, err
	}

	if pending == nil {
		ts, err := k.Port.CurrentMiniblockTimestamp(ctx)
		if err != nil {
			return nil, err
		}
		batchNo := k.lastBatchNumber + 1
		mbNo := k.lastMiniblockNumber + 1
		if err := k.VM.StartNextMiniblock(ts); err != nil {
			return nil, err
		}
		return updates.New(batchNo, mbNo, ts, k.currentHashes(), batchBaseGas()), nil
	}

	um := updates.New(pending.BlockContext.BatchNumber, pending.Miniblocks[0].Number, pending.Miniblocks[0].Timestamp, pending.BlockContext.BaseSystemContractHashes, batchBaseGas())
	if err := k.VM.StartNextMiniblock(pending.Miniblocks[0].Timestamp); err != nil {
		return nil, err
	}

	for i, mb := range pending.Miniblocks {
		for _, tx := range mb.Txs {
			result, err := k.VM.ExecuteNextTx(tx)
			if err != nil {
				return nil, err
			}
			if result.Status == types.ExecutionSuccess {
				um.ExtendFromExecutedTransaction(tx, result, result.Metrics.L1Gas, result.Metrics)
			}
			// Replay suppresses every I/O-port commit: the miniblock/batch
			// this belongs to was already durably sealed before the crash
			// that left it pending (or is still being rebuilt in memory).
		}
		if i < len(pending.Miniblocks)-1 {
			next := pending.Miniblocks[i+1]
			um.SealMiniblock(next.Timestamp)
			if err := k.VM.StartNextMiniblock(next.Timestamp); err != nil {
				return nil, err
			}
		}
	}

	// The last replayed miniblock was durably sealed before the restart,
	// so it is closed here too (in memory only, no port commit) and a
	// fresh, empty miniblock is opened: new traffic must never merge into
	// a miniblock number that is already committed.
	ts, err := k.Port.CurrentMiniblockTimestamp(ctx)
	if err != nil {
		return nil, err
	}
	um.SealMiniblock(ts)
	if err := k.VM.StartNextMiniblock(ts); err != nil {
		return nil, err
	}
	k.lastMiniblockNumber = pending.Miniblocks[len(pending.Miniblocks)-1].Number

	if k.unconditionalFires(um) {
		if err := k.sealBatch(ctx, um); err != nil {
			return nil, err
		}
		return nil, nil
	}

	return um, nil
}

// runningLoop implements the Running and SealingBatch states for one
// batch. It returns true if the batch was sealed (Run should open the
// next one) or false if a stop signal was honored with nothing partial
// committed.
func (k *Keeper) runningLoop(ctx context.Context, stop <-chan struct{}, um *updates.UpdatesManager) (bool, error) {
	for {
		if stopped(stop) {
			return false, nil
		}

		if k.unconditionalFires(um) {
			return true, k.sealBatch(ctx, um)
		}

		tx, err := k.Port.WaitForNextTx(ctx, k.pollWait())
		if err != nil {
			return false, err
		}

		if tx == nil {
			if k.dueMiniblockSeal(um) {
				if err := k.sealMiniblockInPlace(ctx, um); err != nil {
					return false, err
				}
			}
			continue
		}

		result, err := k.VM.ExecuteNextTx(*tx)
		if err != nil {
			return false, err
		}

		switch result.Status {
		case types.ExecutionRejected:
			metrics.SeqRejectedTxCount.Inc()
			if err := k.Port.RejectTx(ctx, *tx, result.RejectReason); err != nil {
				return false, err
			}
			continue

		case types.ExecutionBootloaderTipOutOfGas:
			if err := k.VM.RollbackLastTx(); err != nil {
				return false, err
			}
			if err := k.Port.RollbackTx(ctx, *tx); err != nil {
				return false, err
			}
			// The tx is requeued: the I/O port guarantees its next
			// WaitForNextTx call returns it again first.
			return true, k.sealBatch(ctx, um)
		}

		sealed, err := k.handleSuccess(ctx, um, *tx, result)
		if err != nil {
			return false, err
		}
		if sealed {
			return true, nil
		}
	}
}

// handleSuccess runs the conditional sealer against a successfully
// executed transaction and acts on its verdict. It returns true if the
// batch was sealed as a result.
func (k *Keeper) handleSuccess(ctx context.Context, um *updates.UpdatesManager, tx types.Transaction, result types.ExecutionResult) (bool, error) {
	outcome := seal.NoSeal
	if k.Sealer != nil {
		outcome, _ = k.Sealer.ShouldSeal(um.L1Batch().Metrics, result.Metrics, len(um.L1Batch().ExecutedTransactions)+1, um.L1Batch().L1GasCount)
	}

	switch outcome {
	case seal.Unexecutable:
		metrics.SeqRejectedTxCount.Inc()
		if err := k.VM.RollbackLastTx(); err != nil {
			return false, err
		}
		return false, k.Port.RejectTx(ctx, tx, "unexecutable: exceeds the maximum gas any single batch could charge")

	case seal.ExcludeAndSeal:
		if err := k.VM.RollbackLastTx(); err != nil {
			return false, err
		}
		if err := k.Port.RollbackTx(ctx, tx); err != nil {
			return false, err
		}
		return true, k.sealBatch(ctx, um)

	case seal.IncludeAndSeal:
		um.ExtendFromExecutedTransaction(tx, result, result.Metrics.L1Gas, result.Metrics)
		if err := k.Port.MarkTxExecuted(ctx, tx); err != nil {
			return false, err
		}
		return true, k.sealBatch(ctx, um)

	default: // NoSeal
		um.ExtendFromExecutedTransaction(tx, result, result.Metrics.L1Gas, result.Metrics)
		if err := k.Port.MarkTxExecuted(ctx, tx); err != nil {
			return false, err
		}
		if k.dueMiniblockSeal(um) {
			if err := k.sealMiniblockInPlace(ctx, um); err != nil {
				return false, err
			}
		}
		return false, nil
	}
}

// sealMiniblockInPlace seals the currently-open, non-terminal miniblock:
// committed individually and durably, distinct from the batch-concluding
// miniblock which is committed atomically with the batch in sealBatch.
func (k *Keeper) sealMiniblockInPlace(ctx context.Context, um *updates.UpdatesManager) error {
	ts, err := k.Port.CurrentMiniblockTimestamp(ctx)
	if err != nil {
		return err
	}
	snap := um.SealMiniblock(ts)
	if err := k.Port.SealMiniblock(ctx, snap); err != nil {
		return err
	}
	if err := k.VM.StartNextMiniblock(ts); err != nil {
		return err
	}
	k.lastMiniblockNumber = snap.Record.Number
	metrics.SeqMiniblockCount.Inc()
	metrics.SeqTxCount.Add(float64(len(snap.Txs)))
	return nil
}

// sealBatch implements the SealingBatch state: the currently-open
// miniblock becomes the concluding one (fictive if it has no txs, carrying
// the VM's bootloader-tip bookkeeping), and it is committed atomically with
// the batch itself.
func (k *Keeper) sealBatch(ctx context.Context, um *updates.UpdatesManager) error {
	ts, err := k.Port.CurrentMiniblockTimestamp(ctx)
	if err != nil {
		return err
	}
	concluding := um.SealMiniblock(ts)

	batchSnap, err := um.FinishBatch()
	if err != nil {
		return err
	}

	blockResult, err := k.VM.FinishBatch()
	if err != nil {
		return err
	}

	if err := k.Port.SealL1Batch(ctx, batchSnap, concluding, blockResult); err != nil {
		return err
	}

	k.lastBatchNumber = batchSnap.Record.Number
	k.lastMiniblockNumber = concluding.Record.Number
	metrics.SeqMiniblockCount.Inc()
	metrics.SeqTxCount.Add(float64(len(concluding.Txs)))
	return nil
}

func (k *Keeper) unconditionalFires(um *updates.UpdatesManager) bool {
	for _, f := range k.UnconditionalSealers {
		if f(um) {
			return true
		}
	}
	if k.CurrentHashes != nil && seal.UnconditionalSeal(um.BaseSystemContractHashes(), k.currentHashes()) {
		return true
	}
	return false
}

func (k *Keeper) dueMiniblockSeal(um *updates.UpdatesManager) bool {
	now := k.now()
	for _, f := range k.MiniblockSealers {
		if f(um, now) {
			return true
		}
	}
	return false
}
