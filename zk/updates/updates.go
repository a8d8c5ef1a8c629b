// Package updates implements the append-only journal of per-transaction
// execution deltas the state keeper accumulates between seals. It produces
// the two roll-up views the rest of the pipeline consumes: a miniblock
// aggregate, reset on every miniblock seal, and an L1 batch aggregate that
// only grows until the batch itself is sealed.
package updates

import (
	"fmt"

	"github.com/zk-sequencer/corekeeper/zk/types"
)

// ExecutedTx is one transaction folded into an aggregate, paired with the
// execution result the VM produced for it. Only Success results are ever
// folded in; Rejected and BootloaderTipOutOfGas never reach the manager.
type ExecutedTx struct {
	Tx     types.Transaction
	Result types.ExecutionResult
	TxL1Gas types.BlockGasCount
}

// MiniblockAggregate is the running view of the miniblock currently being
// built. It is a logical sub-view of L1BatchAggregate, not a back-pointer
// into it: the two are independent structs kept in sync by the manager.
type MiniblockAggregate struct {
	Number               types.MiniblockNumber
	Timestamp            uint64
	ExecutedTransactions []ExecutedTx
	L1GasCount           types.BlockGasCount
	Metrics              types.ExecutionMetrics
}

// L1BatchAggregate is the running view of the batch currently being built.
type L1BatchAggregate struct {
	Number                   types.L1BatchNumber
	FirstMiniblock           types.MiniblockNumber
	LastSealedMiniblock      types.MiniblockNumber
	ExecutedTransactions     []ExecutedTx
	L1GasCount               types.BlockGasCount
	Metrics                  types.ExecutionMetrics
	BaseSystemContractHashes types.BaseSystemContractHashes
}

// MiniblockSnapshot is the immutable result of sealing a miniblock: once
// produced it is never mutated again, even though the manager keeps
// building a fresh MiniblockAggregate under the same number+1.
type MiniblockSnapshot struct {
	Record types.MiniblockRecord
	Txs    []ExecutedTx

	// BaseSystemContractHashes pins the hashes the owning batch was opened
	// with, so a durable miniblock seal carries everything needed to
	// replay the batch after a crash.
	BaseSystemContractHashes types.BaseSystemContractHashes
}

// BatchSnapshot is the immutable result of finishing a batch.
type BatchSnapshot struct {
	Record types.BatchRecord
	Txs    []ExecutedTx
}

// UpdatesManager is exclusively owned by the state keeper loop: the VM
// adapter borrows it mutably per transaction, seal criteria read it
// immutably. No synchronization is needed because nothing else touches it.
type UpdatesManager struct {
	l1Batch   L1BatchAggregate
	miniblock MiniblockAggregate

	// batchBaseGas is the fixed per-batch L1 overhead (commit/prove/execute
	// base costs). It is folded into the batch record once at FinishBatch,
	// never charged against a single transaction.
	batchBaseGas types.BlockGasCount

	miniblockSealed bool // true once the miniblock about to be superseded has no pending work left
}

// New opens an UpdatesManager for a fresh batch. firstMiniblockTimestamp is
// supplied by the I/O port; the manager never calls a wall clock itself.
func New(batchNumber types.L1BatchNumber, firstMiniblock types.MiniblockNumber, firstMiniblockTimestamp uint64, hashes types.BaseSystemContractHashes, batchBaseGas types.BlockGasCount) *UpdatesManager {
	return &UpdatesManager{
		batchBaseGas: batchBaseGas,
		l1Batch: L1BatchAggregate{
			Number:                   batchNumber,
			FirstMiniblock:           firstMiniblock,
			LastSealedMiniblock:      firstMiniblock,
			BaseSystemContractHashes: hashes,
		},
		miniblock: MiniblockAggregate{
			Number:    firstMiniblock,
			Timestamp: firstMiniblockTimestamp,
		},
		miniblockSealed: true,
	}
}

// L1Batch returns a read-only view of the running batch aggregate. Seal
// criteria only ever read through this accessor.
func (m *UpdatesManager) L1Batch() L1BatchAggregate { return m.l1Batch }

// Miniblock returns a read-only view of the running miniblock aggregate.
func (m *UpdatesManager) Miniblock() MiniblockAggregate { return m.miniblock }

// BaseSystemContractHashes reports the hashes the batch was opened with, so
// the keeper's unconditional sealer can compare them against the current
// ones.
func (m *UpdatesManager) BaseSystemContractHashes() types.BaseSystemContractHashes {
	return m.l1Batch.BaseSystemContractHashes
}

// PendingExecutedTransactionsLen is the count of transactions folded into
// the current miniblock since it was last sealed (or since the batch was
// opened, for the first miniblock).
func (m *UpdatesManager) PendingExecutedTransactionsLen() int {
	return len(m.miniblock.ExecutedTransactions)
}

// ExtendFromExecutedTransaction appends one successfully executed
// transaction's deltas to both the miniblock and the batch aggregate.
// Invariant (a): the miniblock's executed transactions are always a
// trailing, order-preserving subsequence of the batch's.
func (m *UpdatesManager) ExtendFromExecutedTransaction(tx types.Transaction, result types.ExecutionResult, txL1Gas types.BlockGasCount, txMetrics types.ExecutionMetrics) {
	entry := ExecutedTx{Tx: tx, Result: result, TxL1Gas: txL1Gas}

	m.miniblock.ExecutedTransactions = append(m.miniblock.ExecutedTransactions, entry)
	m.miniblock.L1GasCount = m.miniblock.L1GasCount.Add(txL1Gas)
	m.miniblock.Metrics = addMetrics(m.miniblock.Metrics, txMetrics)

	m.l1Batch.ExecutedTransactions = append(m.l1Batch.ExecutedTransactions, entry)
	m.l1Batch.L1GasCount = m.l1Batch.L1GasCount.Add(txL1Gas)
	m.l1Batch.Metrics = addMetrics(m.l1Batch.Metrics, txMetrics)

	m.miniblockSealed = false
}

func addMetrics(a, b types.ExecutionMetrics) types.ExecutionMetrics {
	return types.ExecutionMetrics{
		L1Gas:            a.L1Gas.Add(b.L1Gas),
		ComputationalGas: a.ComputationalGas + b.ComputationalGas,
		Cycles:           a.Cycles + b.Cycles,
	}
}

// SealMiniblock consumes the current miniblock aggregate and starts a fresh
// one under number+1 with nextTimestamp, which the I/O port must guarantee
// is strictly greater than the one just sealed. Invariant (b): sealing a
// miniblock leaves l1Batch's transactions and gas untouched; only its
// LastSealedMiniblock marker advances.
func (m *UpdatesManager) SealMiniblock(nextTimestamp uint64) MiniblockSnapshot {
	snap := MiniblockSnapshot{
		Record: types.MiniblockRecord{
			Number:      m.miniblock.Number,
			BatchNumber: m.l1Batch.Number,
			Timestamp:   m.miniblock.Timestamp,
			L1GasCount:  m.miniblock.L1GasCount,
			Fictive:     len(m.miniblock.ExecutedTransactions) == 0,
		},
		Txs: m.miniblock.ExecutedTransactions,

		BaseSystemContractHashes: m.l1Batch.BaseSystemContractHashes,
	}
	for _, t := range snap.Txs {
		snap.Record.TxHashes = append(snap.Record.TxHashes, t.Tx.Hash)
	}

	m.l1Batch.LastSealedMiniblock = m.miniblock.Number

	m.miniblock = MiniblockAggregate{
		Number:    m.miniblock.Number + 1,
		Timestamp: nextTimestamp,
	}
	m.miniblockSealed = true

	return snap
}

// FinishBatch consumes the batch aggregate. It requires the current
// miniblock to already have been sealed: callers must emit a fictive
// miniblock first if the last one still has a pending window open.
func (m *UpdatesManager) FinishBatch() (BatchSnapshot, error) {
	if !m.miniblockSealed {
		return BatchSnapshot{}, fmt.Errorf("updates: finish_batch called with an unsealed miniblock pending (%d txs)", m.PendingExecutedTransactionsLen())
	}

	snap := BatchSnapshot{
		Record: types.BatchRecord{
			Number:                   m.l1Batch.Number,
			FirstMiniblock:           m.l1Batch.FirstMiniblock,
			LastMiniblock:            m.l1Batch.LastSealedMiniblock,
			L1GasCount:               m.l1Batch.L1GasCount.Add(m.batchBaseGas),
			BaseSystemContractHashes: m.l1Batch.BaseSystemContractHashes,
		},
		Txs: m.l1Batch.ExecutedTransactions,
	}
	return snap, nil
}
