package keeper

import (
	"time"

	"github.com/zk-sequencer/corekeeper/zk/seal"
	"github.com/zk-sequencer/corekeeper/zk/updates"
)

// Config carries every tunable of the sealing pipeline. Zero values mean
// "criterion disabled" except where noted. The two gas percentages take
// effect only when MaxSingleTxGas is set, and a zero percentage means 1.0.
type Config struct {
	// TransactionSlots caps how many transactions a batch may hold.
	TransactionSlots int
	// MaxSingleTxGas is the L1 gas ceiling per batch phase, base costs
	// included.
	MaxSingleTxGas uint64
	// CloseBatchAtGasPercentage is the fraction of MaxSingleTxGas at which
	// a batch seals proactively rather than running to the wire.
	CloseBatchAtGasPercentage float64
	// RejectTxAtGasPercentage is the fraction of MaxSingleTxGas at or
	// beyond which a lone transaction is permanently unexecutable.
	RejectTxAtGasPercentage float64

	// MiniblockMaxTxs seals the open miniblock once it holds this many
	// transactions.
	MiniblockMaxTxs int
	// MiniblockSealTime seals the open miniblock once it has been open
	// this long and holds at least one transaction, so block production
	// keeps a cadence under low traffic. An empty miniblock never seals on
	// age.
	MiniblockSealTime time.Duration

	// PollWait bounds the I/O port's empty wait; zero uses the default.
	PollWait time.Duration
}

// BuildSealers wires a Config into the keeper's conditional sealer and
// miniblock sealer list.
func BuildSealers(cfg Config) (*seal.ConditionalSealer, []MiniblockSealerFunc) {
	var criteria []seal.Criterion
	if cfg.TransactionSlots > 0 {
		criteria = append(criteria, seal.SlotsCriterion{MaxTxsInBatch: cfg.TransactionSlots})
	}
	if cfg.MaxSingleTxGas > 0 {
		criteria = append(criteria, seal.GasCriterion{
			MaxGas:                cfg.MaxSingleTxGas,
			CommitBaseCost:        seal.BlockCommitBaseCost,
			ProveBaseCost:         seal.BlockProveBaseCost,
			ExecuteBaseCost:       seal.BlockExecuteBaseCost,
			CloseAtGasPercentage:  cfg.CloseBatchAtGasPercentage,
			RejectAtGasPercentage: cfg.RejectTxAtGasPercentage,
		})
	}

	var sealer *seal.ConditionalSealer
	if len(criteria) > 0 {
		sealer = seal.NewConditionalSealer(criteria...)
	}

	var miniblockSealers []MiniblockSealerFunc
	if cfg.MiniblockMaxTxs > 0 {
		max := cfg.MiniblockMaxTxs
		miniblockSealers = append(miniblockSealers, func(um *updates.UpdatesManager, _ time.Time) bool {
			return um.PendingExecutedTransactionsLen() >= max
		})
	}
	if cfg.MiniblockSealTime > 0 {
		crit := seal.NewTimestampCriterion(cfg.MiniblockSealTime, time.Now())
		miniblockSealers = append(miniblockSealers, func(um *updates.UpdatesManager, now time.Time) bool {
			if um.PendingExecutedTransactionsLen() == 0 {
				// An empty miniblock window just slides forward; only a
				// window with work in it seals on age.
				crit.Reopen(now)
				return false
			}
			if crit.ShouldSealMiniblock(now) {
				crit.Reopen(now)
				return true
			}
			return false
		})
	}

	return sealer, miniblockSealers
}
