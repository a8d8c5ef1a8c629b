// Package types holds the data model shared by the state keeper, the block
// reverter and the persistence layer: batch/miniblock numbering, the
// transaction envelope the keeper needs to see, VM execution results and
// the aggregates the updates manager accumulates from them.
package types

import (
	"time"

	"github.com/gateway-fm/cdk-erigon-lib/common"
)

// L1BatchNumber identifies an L1 batch. Monotone, 32-bit.
type L1BatchNumber uint32

// MiniblockNumber identifies a miniblock. Monotone, 32-bit, globally unique
// across all batches.
type MiniblockNumber uint32

// GasEnvelope is the subset of a transaction's declared fee fields the
// state keeper needs in order to evaluate seal criteria. Everything else
// about the transaction is opaque to the keeper.
type GasEnvelope struct {
	GasLimit              uint64
	MaxFeePerGas          uint64
	MaxPriorityFeePerGas  uint64
	GasPerPubdataLimit    uint64
}

// Transaction is opaque to the keeper except for its hash and gas envelope.
type Transaction struct {
	Hash  common.Hash
	Gas   GasEnvelope
	Raw   []byte
}

// StorageLogQueryType distinguishes the three kinds of storage access a
// transaction can perform, used for the compressed write counts in
// BlockMetadata.
type StorageLogQueryType int

const (
	StorageLogRead StorageLogQueryType = iota
	StorageLogInitialWrite
	StorageLogRepeatedWrite
)

// StorageLogQuery records one storage slot access made during execution.
type StorageLogQuery struct {
	Address common.Address
	Key     common.Hash
	Type    StorageLogQueryType
}

// L2ToL1Message is a bookkeeping message the bootloader emits, either from
// user transactions or from the fictive miniblock's tip processing.
type L2ToL1Message struct {
	SenderAddress common.Address
	Payload       []byte
}

// ExecutionStatus distinguishes the three shapes an ExecutionResult can take.
type ExecutionStatus int

const (
	// ExecutionSuccess means the transaction executed and its effects
	// should be folded into the running aggregates.
	ExecutionSuccess ExecutionStatus = iota
	// ExecutionRejected means the VM refused the transaction outright; it
	// never touched state and is not retried.
	ExecutionRejected
	// ExecutionBootloaderTipOutOfGas means the batch bootloader epilogue
	// ran out of gas while processing this transaction: the batch is full
	// and the transaction must be rolled back and retried in the next one.
	ExecutionBootloaderTipOutOfGas
)

// ExecutionMetrics is the subset of per-tx execution accounting the seal
// criteria need: L1 gas charged against the batch, plus free-form circuit
// / computational metrics carried along for observability.
type ExecutionMetrics struct {
	L1Gas              BlockGasCount
	ComputationalGas   uint64
	Cycles             uint64
}

// ExecutionResult is the outcome of vmadapter.Adapter.ExecuteNextTx.
type ExecutionResult struct {
	Status ExecutionStatus

	// Populated when Status == ExecutionSuccess.
	Logs             []StorageLogQuery
	Events           []common.Hash
	L2ToL1Messages   []L2ToL1Message
	GasUsed          uint64
	Refund           uint64
	Metrics          ExecutionMetrics

	// Populated when Status == ExecutionRejected.
	RejectReason string
}

// BlockGasCount is the L1 gas a batch will cost across its three on-chain
// phases. Base per-batch costs (BLOCK_COMMIT_BASE_COST etc.) are added once
// per batch, never charged against an individual transaction.
type BlockGasCount struct {
	Commit  uint64
	Prove   uint64
	Execute uint64
}

// Add returns the element-wise sum of two BlockGasCount values.
func (g BlockGasCount) Add(o BlockGasCount) BlockGasCount {
	return BlockGasCount{
		Commit:  g.Commit + o.Commit,
		Prove:   g.Prove + o.Prove,
		Execute: g.Execute + o.Execute,
	}
}

// BaseSystemContractHashes pins the bootloader and default-account-
// abstraction code hashes a batch was opened with. A change mid-flight
// forces an unconditional batch seal.
type BaseSystemContractHashes struct {
	Bootloader common.Hash
	DefaultAA  common.Hash
}

// BlockMetaParameters is embedded in BlockMetadata and also doubles as the
// commitment input for the L1 contract call.
type BlockMetaParameters struct {
	ZkporterIsAvailable bool
	BootloaderCodeHash  common.Hash
	DefaultAACodeHash   common.Hash
}

// BlockMetadata is produced once a batch's VmBlockResult is available and
// handed to the proof-generation pipeline (out of scope here; we only
// produce the shape).
type BlockMetadata struct {
	RootHash                  common.Hash
	RollupLastLeafIndex       uint64
	MerkleRoot                common.Hash
	InitialWritesCompressed   []byte
	RepeatedWritesCompressed  []byte
	Commitment                common.Hash
	L2ToL1MessagesCompressed  []byte
	L2ToL1MerkleRoot          common.Hash
	MetaParametersHash        common.Hash
	PassThroughDataHash       common.Hash
	AuxDataHash               common.Hash
	BlockMetaParameters       BlockMetaParameters
}

// L1BatchInfo mirrors a row in the L1 sequence/verification/execution
// tracking tables: which L1 block contained the transaction that moved a
// given L1 batch through commit/verify/execute.
type L1BatchInfo struct {
	BatchNo    uint64
	L1BlockNo  uint64
	L1TxHash   common.Hash
	StateRoot  common.Hash
	L1InfoRoot common.Hash
}

// MiniblockRecord is the durable, sealed shape of a miniblock as written by
// the I/O port.
type MiniblockRecord struct {
	Number              MiniblockNumber
	BatchNumber         L1BatchNumber
	Timestamp           uint64
	TxHashes            []common.Hash
	L1GasCount          BlockGasCount
	Fictive             bool
}

// BatchRecord is the durable, sealed shape of an L1 batch.
type BatchRecord struct {
	Number                   L1BatchNumber
	FirstMiniblock           MiniblockNumber
	LastMiniblock            MiniblockNumber
	L1GasCount               BlockGasCount
	BaseSystemContractHashes BaseSystemContractHashes
	SealedAt                 time.Time
}
