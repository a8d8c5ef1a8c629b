package seal

import (
	"time"

	"github.com/zk-sequencer/corekeeper/zk/types"
)

// Base L1 gas costs charged once per batch regardless of how many
// transactions it carries, mirroring the fixed calldata/proof overhead of
// the three on-chain phases.
const (
	BlockCommitBaseCost  uint64 = 31_000
	BlockProveBaseCost   uint64 = 7_000
	BlockExecuteBaseCost uint64 = 30_000
)

// TimestampCriterion seals the CURRENT MINIBLOCK (not the batch) once it
// has been open for at least MaxMiniblockAge, so that l2 block production
// keeps a steady cadence even while waiting for more transactions. It
// never excludes or rejects a transaction; it only ever proposes sealing
// after inclusion.
type TimestampCriterion struct {
	MaxMiniblockAge time.Duration
	openedAt        time.Time
}

func NewTimestampCriterion(maxAge time.Duration, openedAt time.Time) *TimestampCriterion {
	return &TimestampCriterion{MaxMiniblockAge: maxAge, openedAt: openedAt}
}

func (c *TimestampCriterion) Name() string { return "timestamp" }

// ShouldSealMiniblock is evaluated once per miniblock tick rather than per
// transaction, so it does not implement Criterion.
func (c *TimestampCriterion) ShouldSealMiniblock(now time.Time) bool {
	return now.Sub(c.openedAt) >= c.MaxMiniblockAge
}

func (c *TimestampCriterion) Reopen(at time.Time) {
	c.openedAt = at
}

// ConditionalSealer asks every registered batch criterion about a candidate
// transaction and folds their verdicts into a single Outcome, worst vote
// wins.
type ConditionalSealer struct {
	Criteria []Criterion
}

func NewConditionalSealer(criteria ...Criterion) *ConditionalSealer {
	return &ConditionalSealer{Criteria: criteria}
}

// ShouldSeal returns the combined Outcome plus the name of the criterion
// that produced the most severe vote, for logging and metrics.
func (s *ConditionalSealer) ShouldSeal(blockMetrics, txMetrics types.ExecutionMetrics, txCount int, l1GasSoFar types.BlockGasCount) (Outcome, string) {
	result := NoSeal
	reason := ""
	for _, c := range s.Criteria {
		o := c.ShouldSeal(blockMetrics, txMetrics, txCount, l1GasSoFar)
		if o != NoSeal && combine(result, o) == o && o != result {
			reason = c.Name()
		}
		result = combine(result, o)
	}
	return result, reason
}

// UnconditionalSeal reports true when something other than resource limits
// forces an immediate batch seal: a change to the base system contracts
// (bootloader / default account abstraction) mid-batch, which must never
// straddle two batches since the bootloader is pinned per-batch.
func UnconditionalSeal(openedWith, current types.BaseSystemContractHashes) bool {
	return openedWith != current
}
