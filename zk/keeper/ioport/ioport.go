// Package ioport defines the abstract boundary between the state keeper
// loop and durable persistence. The keeper never touches a database or a
// clock directly; it only ever calls through this interface, so every
// suspension point in the loop is visible here.
package ioport

import (
	"context"
	"time"

	"github.com/zk-sequencer/corekeeper/zk/types"
	"github.com/zk-sequencer/corekeeper/zk/updates"
	"github.com/zk-sequencer/corekeeper/zk/vmadapter"
)

// PendingMiniblock is one miniblock of a PendingBatchData replay: the
// number and timestamp it was opened under, plus the transactions it
// contained in order.
type PendingMiniblock struct {
	Number    types.MiniblockNumber
	Timestamp uint64
	Txs       []types.Transaction
}

// BlockContext carries whatever the VM needs to resume a batch that was
// left open by a crash: at minimum, the base system contract hashes it was
// opened with.
type BlockContext struct {
	BatchNumber              types.L1BatchNumber
	BaseSystemContractHashes types.BaseSystemContractHashes
}

// PendingBatchData is what LoadPendingBatch returns when a batch was left
// open by a prior run: the keeper replays every miniblock/tx in it before
// resuming live traffic.
type PendingBatchData struct {
	BlockContext BlockContext
	Miniblocks   []PendingMiniblock
}

// Port is the I/O boundary the state keeper loop drives. Every method may
// suspend the caller; the keeper polls a stop signal around each call.
type Port interface {
	// LoadPendingBatch returns the batch left open by a prior run, if any.
	// A nil result with a nil error means there is no pending batch.
	LoadPendingBatch(ctx context.Context) (*PendingBatchData, error)

	// WaitForNextTx blocks up to timeout for the next transaction to
	// execute. A nil result with a nil error means the wait timed out with
	// nothing available.
	WaitForNextTx(ctx context.Context, timeout time.Duration) (*types.Transaction, error)

	// MarkTxExecuted records that tx was folded into the running batch.
	MarkTxExecuted(ctx context.Context, tx types.Transaction) error
	// RollbackTx undoes MarkTxExecuted bookkeeping so the tx is fetched
	// again by a subsequent WaitForNextTx call.
	RollbackTx(ctx context.Context, tx types.Transaction) error
	// RejectTx records a transaction's rejection reason and removes it
	// from future consideration.
	RejectTx(ctx context.Context, tx types.Transaction, reason string) error

	// SealMiniblock durably commits a sealed miniblock. It must be
	// observable by a subsequent LoadPendingBatch call after a crash.
	SealMiniblock(ctx context.Context, snapshot updates.MiniblockSnapshot) error
	// SealL1Batch durably and atomically commits a sealed batch together
	// with its concluding (possibly fictive) miniblock and VM result.
	SealL1Batch(ctx context.Context, batch updates.BatchSnapshot, fictiveMiniblock updates.MiniblockSnapshot, blockResult vmadapter.VmBlockResult) error

	// CurrentMiniblockTimestamp returns a timestamp strictly greater than
	// the previous one this port returned.
	CurrentMiniblockTimestamp(ctx context.Context) (uint64, error)
}
