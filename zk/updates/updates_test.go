package updates

import (
	"testing"

	"github.com/zk-sequencer/corekeeper/zk/types"
)

func TestExtendFromExecutedTransactionUpdatesBothAggregates(t *testing.T) {
	m := New(1, 1, 100, types.BaseSystemContractHashes{}, types.BlockGasCount{})

	tx := types.Transaction{Hash: [32]byte{1}}
	gas := types.BlockGasCount{Commit: 5}
	m.ExtendFromExecutedTransaction(tx, types.ExecutionResult{Status: types.ExecutionSuccess}, gas, types.ExecutionMetrics{L1Gas: gas})

	if got := m.PendingExecutedTransactionsLen(); got != 1 {
		t.Fatalf("expected 1 pending tx, got %d", got)
	}
	if m.Miniblock().L1GasCount != gas {
		t.Fatalf("miniblock gas not extended: %+v", m.Miniblock().L1GasCount)
	}
	if m.L1Batch().L1GasCount != gas {
		t.Fatalf("batch gas not extended: %+v", m.L1Batch().L1GasCount)
	}
}

func TestSealMiniblockDoesNotTouchBatch(t *testing.T) {
	m := New(1, 1, 100, types.BaseSystemContractHashes{}, types.BlockGasCount{})
	m.ExtendFromExecutedTransaction(types.Transaction{Hash: [32]byte{1}}, types.ExecutionResult{}, types.BlockGasCount{Commit: 1}, types.ExecutionMetrics{})

	batchBefore := m.L1Batch()
	snap := m.SealMiniblock(200)

	if snap.Record.Number != 1 {
		t.Fatalf("expected miniblock 1 sealed, got %d", snap.Record.Number)
	}
	if m.Miniblock().Number != 2 {
		t.Fatalf("expected fresh miniblock 2, got %d", m.Miniblock().Number)
	}
	if m.Miniblock().Timestamp != 200 {
		t.Fatalf("expected fresh timestamp 200, got %d", m.Miniblock().Timestamp)
	}
	if m.PendingExecutedTransactionsLen() != 0 {
		t.Fatalf("expected fresh miniblock to start empty")
	}
	if after := m.L1Batch(); after.L1GasCount != batchBefore.L1GasCount || len(after.ExecutedTransactions) != len(batchBefore.ExecutedTransactions) {
		t.Fatalf("sealing a miniblock must not mutate the batch aggregate: before=%+v after=%+v", batchBefore, after)
	}
}

func TestFinishBatchRequiresSealedMiniblock(t *testing.T) {
	m := New(1, 1, 100, types.BaseSystemContractHashes{}, types.BlockGasCount{})
	m.ExtendFromExecutedTransaction(types.Transaction{Hash: [32]byte{1}}, types.ExecutionResult{}, types.BlockGasCount{}, types.ExecutionMetrics{})

	if _, err := m.FinishBatch(); err == nil {
		t.Fatalf("expected FinishBatch to reject an unsealed miniblock")
	}

	m.SealMiniblock(200)
	snap, err := m.FinishBatch()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Record.FirstMiniblock != 1 || snap.Record.LastMiniblock != 1 {
		t.Fatalf("unexpected miniblock range: %+v", snap.Record)
	}
}

func TestFinishBatchAddsBaseGasOnce(t *testing.T) {
	base := types.BlockGasCount{Commit: 31_000, Prove: 7_000, Execute: 30_000}
	m := New(1, 1, 100, types.BaseSystemContractHashes{}, base)
	oneCommit := types.BlockGasCount{Commit: 1}
	m.ExtendFromExecutedTransaction(types.Transaction{Hash: [32]byte{1}}, types.ExecutionResult{}, oneCommit, types.ExecutionMetrics{})
	m.ExtendFromExecutedTransaction(types.Transaction{Hash: [32]byte{2}}, types.ExecutionResult{}, oneCommit, types.ExecutionMetrics{})

	// Base costs never show up in the running aggregate the criteria read.
	if m.L1Batch().L1GasCount != (types.BlockGasCount{Commit: 2}) {
		t.Fatalf("running aggregate must stay tx-only, got %+v", m.L1Batch().L1GasCount)
	}

	m.SealMiniblock(200)
	snap, err := m.FinishBatch()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := types.BlockGasCount{Commit: 31_002, Prove: 7_000, Execute: 30_000}
	if snap.Record.L1GasCount != want {
		t.Fatalf("expected base costs folded into the record once, got %+v", snap.Record.L1GasCount)
	}
}

func TestFictiveMiniblockOnEmptySeal(t *testing.T) {
	m := New(1, 1, 100, types.BaseSystemContractHashes{}, types.BlockGasCount{})
	snap := m.SealMiniblock(200)
	if !snap.Record.Fictive {
		t.Fatalf("expected an empty miniblock seal to be marked fictive")
	}
}
