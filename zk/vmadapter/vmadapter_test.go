package vmadapter

import (
	"testing"

	"github.com/zk-sequencer/corekeeper/zk/types"
)

type fakeExecutor struct {
	rollbacks int
	executes  int
	nextResult types.ExecutionResult
}

func (f *fakeExecutor) Execute(tx types.Transaction) (types.ExecutionResult, error) {
	f.executes++
	return f.nextResult, nil
}
func (f *fakeExecutor) Rollback() error                { f.rollbacks++; return nil }
func (f *fakeExecutor) StartMiniblock(uint64) error     { return nil }
func (f *fakeExecutor) FinishBatch() (VmBlockResult, error) { return VmBlockResult{}, nil }

func TestRollbackRequiresPriorExecute(t *testing.T) {
	a := New(&fakeExecutor{})
	if err := a.RollbackLastTx(); err == nil {
		t.Fatalf("expected error rolling back with nothing executed")
	}
}

func TestRollbackOnlyOncePerExecute(t *testing.T) {
	fe := &fakeExecutor{nextResult: types.ExecutionResult{Status: types.ExecutionSuccess}}
	a := New(fe)

	if _, err := a.ExecuteNextTx(types.Transaction{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.RollbackLastTx(); err != nil {
		t.Fatalf("unexpected rollback error: %v", err)
	}
	if err := a.RollbackLastTx(); err == nil {
		t.Fatalf("expected second rollback without a new execute to fail")
	}
	if fe.rollbacks != 1 {
		t.Fatalf("expected exactly one rollback, got %d", fe.rollbacks)
	}
}

func TestExecuteCommitsPreviousTx(t *testing.T) {
	fe := &fakeExecutor{nextResult: types.ExecutionResult{Status: types.ExecutionSuccess}}
	a := New(fe)

	if _, err := a.ExecuteNextTx(types.Transaction{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Moving on to the next tx without rolling back finalizes the first
	// delta; the rollback window for it is gone.
	if _, err := a.ExecuteNextTx(types.Transaction{}); err != nil {
		t.Fatalf("unexpected error executing after an included tx: %v", err)
	}
	if err := a.RollbackLastTx(); err != nil {
		t.Fatalf("unexpected rollback error: %v", err)
	}
	if fe.rollbacks != 1 {
		t.Fatalf("expected one rollback (second tx only), got %d", fe.rollbacks)
	}
}

func TestFinishBatchCommitsPendingTx(t *testing.T) {
	fe := &fakeExecutor{nextResult: types.ExecutionResult{Status: types.ExecutionSuccess}}
	a := New(fe)

	if _, err := a.ExecuteNextTx(types.Transaction{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := a.FinishBatch(); err != nil {
		t.Fatalf("unexpected finish error: %v", err)
	}
	if err := a.RollbackLastTx(); err == nil {
		t.Fatalf("expected rollback after FinishBatch to fail")
	}
}

func TestRejectedTxNeedsNoRollback(t *testing.T) {
	fe := &fakeExecutor{nextResult: types.ExecutionResult{Status: types.ExecutionRejected, RejectReason: "nope"}}
	a := New(fe)

	if _, err := a.ExecuteNextTx(types.Transaction{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := a.ExecuteNextTx(types.Transaction{}); err != nil {
		t.Fatalf("expected a second execute to be allowed after a rejection, got %v", err)
	}
}
