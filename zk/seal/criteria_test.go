package seal

import (
	"testing"
	"time"

	"github.com/zk-sequencer/corekeeper/zk/types"
)

func TestSlotsCriterion(t *testing.T) {
	c := SlotsCriterion{MaxTxsInBatch: 2}

	if o := c.ShouldSeal(types.ExecutionMetrics{}, types.ExecutionMetrics{}, 1, types.BlockGasCount{}); o != NoSeal {
		t.Fatalf("expected NoSeal below the limit, got %v", o)
	}
	if o := c.ShouldSeal(types.ExecutionMetrics{}, types.ExecutionMetrics{}, 2, types.BlockGasCount{}); o != IncludeAndSeal {
		t.Fatalf("expected IncludeAndSeal at the limit, got %v", o)
	}
	if o := c.ShouldSeal(types.ExecutionMetrics{}, types.ExecutionMetrics{}, 3, types.BlockGasCount{}); o != ExcludeAndSeal {
		t.Fatalf("expected ExcludeAndSeal over the limit, got %v", o)
	}
}

func TestGasCriterionUnexecutable(t *testing.T) {
	c := GasCriterion{MaxGas: 1000, CommitBaseCost: 0, ProveBaseCost: 0, ExecuteBaseCost: 0}

	huge := types.ExecutionMetrics{L1Gas: types.BlockGasCount{Commit: 5000}}
	o := c.ShouldSeal(types.ExecutionMetrics{}, huge, 0, types.BlockGasCount{})
	if o != Unexecutable {
		t.Fatalf("expected Unexecutable for an oversized first tx, got %v", o)
	}
}

func TestGasCriterionExcludeAndSeal(t *testing.T) {
	c := GasCriterion{MaxGas: 1000}
	soFar := types.BlockGasCount{Commit: 900}
	next := types.ExecutionMetrics{L1Gas: types.BlockGasCount{Commit: 200}}

	o := c.ShouldSeal(types.ExecutionMetrics{}, next, 1, soFar)
	if o != ExcludeAndSeal {
		t.Fatalf("expected ExcludeAndSeal when a non-empty batch overflows, got %v", o)
	}
}

// Crossing the proactive close bound includes the crossing tx, then seals;
// staying exactly at the bound keeps the batch open.
func TestGasCriterionCloseBound(t *testing.T) {
	c := GasCriterion{
		MaxGas:               62_002,
		CommitBaseCost:       BlockCommitBaseCost,
		ProveBaseCost:        BlockProveBaseCost,
		ExecuteBaseCost:      BlockExecuteBaseCost,
		CloseAtGasPercentage: 0.5,
	}
	oneCommit := types.ExecutionMetrics{L1Gas: types.BlockGasCount{Commit: 1}}

	// First tx lands exactly on the bound (31_000 base + 1 = 0.5 * 62_002).
	if o := c.ShouldSeal(types.ExecutionMetrics{}, oneCommit, 1, types.BlockGasCount{}); o != NoSeal {
		t.Fatalf("expected NoSeal exactly at the close bound, got %v", o)
	}
	// Second identical tx crosses it.
	if o := c.ShouldSeal(types.ExecutionMetrics{}, oneCommit, 2, types.BlockGasCount{Commit: 1}); o != IncludeAndSeal {
		t.Fatalf("expected IncludeAndSeal past the close bound, got %v", o)
	}
}

// The reject bound is inclusive: a tx whose own gas reaches it exactly can
// never execute, per the reading of the 1.0 threshold recorded in DESIGN.md.
func TestGasCriterionRejectBoundInclusive(t *testing.T) {
	c := GasCriterion{MaxGas: 1000, RejectAtGasPercentage: 0.5}

	atBound := types.ExecutionMetrics{L1Gas: types.BlockGasCount{Commit: 500}}
	if o := c.ShouldSeal(types.ExecutionMetrics{}, atBound, 1, types.BlockGasCount{}); o != Unexecutable {
		t.Fatalf("expected Unexecutable exactly at the reject bound, got %v", o)
	}
	below := types.ExecutionMetrics{L1Gas: types.BlockGasCount{Commit: 499}}
	if o := c.ShouldSeal(types.ExecutionMetrics{}, below, 1, types.BlockGasCount{}); o == Unexecutable {
		t.Fatalf("expected a tx below the reject bound to stay executable")
	}
}

func TestConditionalSealerWorstVoteWins(t *testing.T) {
	s := NewConditionalSealer(
		SlotsCriterion{MaxTxsInBatch: 100},
		GasCriterion{MaxGas: 1000},
	)

	soFar := types.BlockGasCount{Commit: 950}
	next := types.ExecutionMetrics{L1Gas: types.BlockGasCount{Commit: 100}}

	o, reason := s.ShouldSeal(types.ExecutionMetrics{}, next, 5, soFar)
	if o != ExcludeAndSeal {
		t.Fatalf("expected ExcludeAndSeal, got %v", o)
	}
	if reason != "gas" {
		t.Fatalf("expected gas criterion to be blamed, got %q", reason)
	}
}

func TestTimestampCriterion(t *testing.T) {
	opened := time.Now().Add(-2 * time.Second)
	c := NewTimestampCriterion(time.Second, opened)

	if !c.ShouldSealMiniblock(time.Now()) {
		t.Fatalf("expected miniblock to be sealed once MaxMiniblockAge elapses")
	}

	c.Reopen(time.Now())
	if c.ShouldSealMiniblock(time.Now()) {
		t.Fatalf("expected a freshly reopened miniblock to stay open")
	}
}

func TestUnconditionalSealOnContractHashChange(t *testing.T) {
	a := types.BaseSystemContractHashes{}
	b := types.BaseSystemContractHashes{Bootloader: [32]byte{1}}

	if UnconditionalSeal(a, a) {
		t.Fatalf("unchanged hashes must not force a seal")
	}
	if !UnconditionalSeal(a, b) {
		t.Fatalf("changed bootloader hash must force a seal")
	}
}
