// Package revert implements the Block Reverter: the out-of-band operator
// tool that rewinds the relational store, the Merkle tree KV and the
// state-keeper cache KV to a consistent snapshot, and optionally drives an
// L1 contract call to revert the on-chain rollup state.
package revert

// Flags selects which stores a rollback touches. The reverter assumes
// exclusive access to the tree and cache KVs (the state keeper must have
// closed them); the relational store may be read concurrently by other
// services.
type Flags uint8

const (
	Postgres Flags = 1 << iota
	Tree
	SKCache

	AllFlags = Postgres | Tree | SKCache
)

func (f Flags) Has(x Flags) bool { return f&x != 0 }

// L1ExecutedBatchesRevert governs whether the reverter may rewind past the
// highest batch already executed on L1.
type L1ExecutedBatchesRevert int

const (
	// Disallowed is the default: reverting past the L1-executed frontier
	// is a fatal precondition violation.
	Disallowed L1ExecutedBatchesRevert = iota
	// Allowed skips that check, for an external replica that may have
	// diverged above the frontier and must repair itself independently
	// of mainnet settlement state.
	Allowed
)
