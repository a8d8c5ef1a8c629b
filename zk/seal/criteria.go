// Package seal implements the conditional sealing rules that decide when
// the state keeper must stop packing transactions into the current
// miniblock or batch and hand it off for commitment.
package seal

import (
	"github.com/zk-sequencer/corekeeper/zk/types"
)

// Outcome is the four-valued result a Criterion returns after looking
// at the running aggregate plus one more candidate transaction.
type Outcome int

const (
	// NoSeal means the transaction fits; keep accumulating.
	NoSeal Outcome = iota
	// ExcludeAndSeal means the transaction does not fit but earlier ones
	// did: exclude it from this batch, seal now, and retry it next batch.
	ExcludeAndSeal
	// IncludeAndSeal means the transaction fits exactly at the boundary:
	// include it, then seal immediately.
	IncludeAndSeal
	// Unexecutable means the transaction can never fit in any batch
	// regardless of what else is included, so it must be rejected outright.
	Unexecutable
)

// combine folds a single criterion's vote into the worst-so-far outcome:
// Unexecutable dominates everything, ExcludeAndSeal dominates
// IncludeAndSeal dominates NoSeal.
func combine(acc, next Outcome) Outcome {
	rank := func(o Outcome) int {
		switch o {
		case Unexecutable:
			return 3
		case ExcludeAndSeal:
			return 2
		case IncludeAndSeal:
			return 1
		default:
			return 0
		}
	}
	if rank(next) > rank(acc) {
		return next
	}
	return acc
}

// Criterion evaluates whether adding one more transaction's metrics to the
// current running aggregate would overflow whatever resource it tracks.
type Criterion interface {
	// Name identifies the criterion in logs and metrics labels.
	Name() string
	// ShouldSeal inspects the running batch aggregate (blockMetrics, with
	// l1GasSoFar its gas view) and the candidate transaction's own metrics
	// (txMetrics), alongside the transaction count the batch would hold if
	// the candidate were included.
	ShouldSeal(blockMetrics, txMetrics types.ExecutionMetrics, txCount int, l1GasSoFar types.BlockGasCount) Outcome
}

// SlotsCriterion seals a batch once it holds MaxTxsInBatch transactions,
// regardless of how cheap they were. It never reports Unexecutable: a slot
// count can always be satisfied by a smaller batch.
type SlotsCriterion struct {
	MaxTxsInBatch int
}

func (c SlotsCriterion) Name() string { return "slots" }

func (c SlotsCriterion) ShouldSeal(_, _ types.ExecutionMetrics, txCount int, _ types.BlockGasCount) Outcome {
	if txCount > c.MaxTxsInBatch {
		return ExcludeAndSeal
	}
	if txCount == c.MaxTxsInBatch {
		return IncludeAndSeal
	}
	return NoSeal
}

// GasCriterion bounds the L1 gas a batch will cost to commit, prove and
// execute once it reaches L1. BlockCommit/Prove/ExecuteBaseCost are the
// fixed per-batch overheads charged once regardless of tx count; MaxGas is
// the ceiling each phase must stay under, including that overhead.
//
// A single transaction whose own gas reaches the reject bound can never be
// included in any batch, so it is reported Unexecutable rather than merely
// deferred.
type GasCriterion struct {
	MaxGas          uint64
	CommitBaseCost  uint64
	ProveBaseCost   uint64
	ExecuteBaseCost uint64

	// CloseAtGasPercentage is the fraction (0..1] of MaxGas at which the
	// batch seals proactively: once the running total crosses it, the tx
	// that crossed is included and the batch closes, leaving headroom for
	// the bootloader tip. Zero means 1.0.
	CloseAtGasPercentage float64
	// RejectAtGasPercentage is the fraction (0..1] of MaxGas a single
	// transaction's own gas (base costs excluded) may reach before it is
	// unexecutable in any batch. The bound is inclusive: a tx with gas
	// exactly at it is rejected. Zero means 1.0.
	RejectAtGasPercentage float64
}

func (c GasCriterion) Name() string { return "gas" }

func (c GasCriterion) worst(total types.BlockGasCount) uint64 {
	max := c.CommitBaseCost + total.Commit
	if v := c.ProveBaseCost + total.Prove; v > max {
		max = v
	}
	if v := c.ExecuteBaseCost + total.Execute; v > max {
		max = v
	}
	return max
}

func fraction(pct float64) float64 {
	if pct <= 0 {
		return 1.0
	}
	return pct
}

func (c GasCriterion) ShouldSeal(_, txMetrics types.ExecutionMetrics, _ int, l1GasSoFar types.BlockGasCount) Outcome {
	txGas := txMetrics.L1Gas
	txWorst := txGas.Commit
	if txGas.Prove > txWorst {
		txWorst = txGas.Prove
	}
	if txGas.Execute > txWorst {
		txWorst = txGas.Execute
	}

	// The tx is judged on its own gas, base costs excluded: those are
	// charged to the batch once, never to a single transaction.
	rejectBound := uint64(float64(c.MaxGas) * fraction(c.RejectAtGasPercentage))
	if txWorst >= rejectBound {
		return Unexecutable
	}

	proposed := l1GasSoFar.Add(txGas)
	if c.worst(proposed) > c.MaxGas {
		if l1GasSoFar == (types.BlockGasCount{}) {
			// first transaction in an otherwise empty batch already
			// overflows on its own: no batch could ever fit it.
			return Unexecutable
		}
		return ExcludeAndSeal
	}

	closeBound := uint64(float64(c.MaxGas) * fraction(c.CloseAtGasPercentage))
	if c.worst(proposed) > closeBound {
		return IncludeAndSeal
	}

	return NoSeal
}
