package revert

import (
	"context"
	"fmt"
	"time"

	"github.com/gateway-fm/cdk-erigon-lib/common"
	"github.com/holiman/uint256"
	"github.com/ledgerwatch/log/v3"
	"github.com/ledgerwatch/secp256k1"
	"golang.org/x/crypto/sha3"

	"github.com/zk-sequencer/corekeeper/zk/keeper/errs"
)

// receiptPollInterval is how often the reverter re-asks L1 for the revert
// transaction's receipt.
const receiptPollInterval = 5 * time.Second

// revertTxGasLimit is a generous fixed gas limit for the revertBlocks call;
// the call itself is cheap, the limit just needs to clear it comfortably.
const revertTxGasLimit = 5_000_000

// EthConfig carries everything the reverter needs to talk to L1: the
// operator key material and the two contract addresses it touches.
type EthConfig struct {
	ReverterPrivateKey       common.Hash
	ReverterAddress          common.Address
	DiamondProxyAddr         common.Address
	ValidatorTimelockAddr    common.Address
	DefaultPriorityFeePerGas uint64
}

// L1Client is the narrow JSON-RPC surface the reverter drives, mirroring
// the IEtherman shape the sequencer's L1 syncer defines for its own reads.
type L1Client interface {
	ChainID(ctx context.Context) (uint64, error)
	PendingBaseFee(ctx context.Context) (*uint256.Int, error)
	PendingNonce(ctx context.Context, addr common.Address) (uint64, error)
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	SendRawTransaction(ctx context.Context, rawTx []byte) (common.Hash, error)
	// TransactionReceipt returns (status, found): found is false while the
	// transaction is still pending.
	TransactionReceipt(ctx context.Context, hash common.Hash) (status uint64, found bool, err error)
}

// SuggestedRollbackValues is the starting point suggested_values hands the
// operator: the deepest safe target plus the fee/nonce to use for the L1
// revert transaction.
type SuggestedRollbackValues struct {
	LastExecutedL1BatchNumber uint64
	Nonce                     uint64
	PriorityFee               uint64
}

func keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// selector derives the 4-byte ABI selector for a function signature. The
// sequencer side hardcodes the selectors it filters logs by; the reverter
// derives its four at call time instead so the signatures stay readable.
func selector(signature string) []byte {
	return keccak256([]byte(signature))[:4]
}

// abiCallUint256 encodes a call to a single-uint256-argument function.
func abiCallUint256(signature string, arg uint64) []byte {
	data := make([]byte, 4+32)
	copy(data, selector(signature))
	u := uint256.NewInt(arg)
	b := u.Bytes32()
	copy(data[4:], b[:])
	return data
}

// SendEthereumRevertTransaction builds, signs and submits the
// validator-timelock revertBlocks call with EIP-1559 fees
// (priorityFee, baseFee+priorityFee), then polls for the receipt until the
// transaction lands. A receipt with a non-success status is fatal.
func (r *Reverter) SendEthereumRevertTransaction(ctx context.Context, client L1Client, lastL1BatchToKeep uint64, priorityFeePerGas *uint256.Int, nonce uint64) error {
	if r.eth == nil {
		return fmt.Errorf("eth config is not provided")
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return err
	}
	baseFee, err := client.PendingBaseFee(ctx)
	if err != nil {
		return err
	}
	maxFee := new(uint256.Int).Add(baseFee, priorityFeePerGas)

	data := abiCallUint256("revertBlocks(uint256)", lastL1BatchToKeep)

	raw, err := signEIP1559Tx(r.eth.ReverterPrivateKey, eip1559TxParams{
		ChainID:              chainID,
		Nonce:                nonce,
		MaxPriorityFeePerGas: priorityFeePerGas,
		MaxFeePerGas:         maxFee,
		Gas:                  revertTxGasLimit,
		To:                   r.eth.ValidatorTimelockAddr,
		Data:                 data,
	})
	if err != nil {
		return err
	}

	hash, err := client.SendRawTransaction(ctx, raw)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrL1SubmitFailure, err)
	}
	log.Info("[block-reverter] revert transaction submitted", "hash", hash, "target", lastL1BatchToKeep)

	for {
		status, found, err := client.TransactionReceipt(ctx, hash)
		if err != nil {
			return err
		}
		if found {
			if status != 1 {
				return fmt.Errorf("%w: receipt status %d for %x", errs.ErrL1RevertReverted, status, hash)
			}
			log.Info("[block-reverter] revert transaction has completed", "hash", hash)
			return nil
		}

		log.Info("[block-reverter] waiting for L1 transaction confirmation...", "hash", hash)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(receiptPollInterval):
		}
	}
}

// l1BatchNumberFromContract reads one of the diamond-proxy's rollup
// counters.
func (r *Reverter) l1BatchNumberFromContract(ctx context.Context, client L1Client, signature string) (uint64, error) {
	out, err := client.CallContract(ctx, r.eth.DiamondProxyAddr, selector(signature))
	if err != nil {
		return 0, err
	}
	if len(out) < 32 {
		return 0, fmt.Errorf("short response calling %s: %d bytes", signature, len(out))
	}
	v := new(uint256.Int).SetBytes(out[:32])
	return v.Uint64(), nil
}

// SuggestedValues queries the diamond-proxy's committed/verified/executed
// counters and returns the executed frontier together with the operator
// account's pending nonce and the configured priority fee.
func (r *Reverter) SuggestedValues(ctx context.Context, client L1Client) (SuggestedRollbackValues, error) {
	if r.eth == nil {
		return SuggestedRollbackValues{}, fmt.Errorf("eth config is not provided")
	}

	committed, err := r.l1BatchNumberFromContract(ctx, client, "getTotalBlocksCommitted()")
	if err != nil {
		return SuggestedRollbackValues{}, err
	}
	verified, err := r.l1BatchNumberFromContract(ctx, client, "getTotalBlocksVerified()")
	if err != nil {
		return SuggestedRollbackValues{}, err
	}
	executed, err := r.l1BatchNumberFromContract(ctx, client, "getTotalBlocksExecuted()")
	if err != nil {
		return SuggestedRollbackValues{}, err
	}
	log.Info("[block-reverter] L1 batch numbers on contract", "committed", committed, "verified", verified, "executed", executed)

	nonce, err := client.PendingNonce(ctx, r.eth.ReverterAddress)
	if err != nil {
		return SuggestedRollbackValues{}, err
	}

	return SuggestedRollbackValues{
		LastExecutedL1BatchNumber: executed,
		Nonce:                     nonce,
		PriorityFee:               r.eth.DefaultPriorityFeePerGas,
	}, nil
}

// --- EIP-1559 transaction assembly and signing ---

type eip1559TxParams struct {
	ChainID              uint64
	Nonce                uint64
	MaxPriorityFeePerGas *uint256.Int
	MaxFeePerGas         *uint256.Int
	Gas                  uint64
	To                   common.Address
	Data                 []byte
}

// signEIP1559Tx assembles a typed (0x02) transaction envelope, signs its
// hash with the reverter key, and returns the raw bytes ready for
// eth_sendRawTransaction.
func signEIP1559Tx(privateKey common.Hash, p eip1559TxParams) ([]byte, error) {
	unsigned := []interface{}{
		p.ChainID,
		p.Nonce,
		p.MaxPriorityFeePerGas.Bytes(),
		p.MaxFeePerGas.Bytes(),
		p.Gas,
		p.To.Bytes(),
		[]byte{}, // value
		p.Data,
		rlpEmptyList{}, // access list
	}

	sigHash := keccak256([]byte{0x02}, rlpList(unsigned))

	sig, err := secp256k1.Sign(sigHash, privateKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("sign revert transaction: %w", err)
	}
	// 65 bytes: R || S || V with V in {0, 1}.
	v, rPart, sPart := sig[64], sig[:32], sig[32:64]

	signed := append(unsigned,
		uint64(v),
		trimLeftZeros(rPart),
		trimLeftZeros(sPart),
	)
	return append([]byte{0x02}, rlpList(signed)...), nil
}

func trimLeftZeros(b []byte) []byte {
	for len(b) > 0 && b[0] == 0 {
		b = b[1:]
	}
	return b
}

// --- Minimal RLP encoder, enough for a typed transaction payload ---

type rlpEmptyList struct{}

func rlpEncodeUint(v uint64) []byte {
	if v == 0 {
		return []byte{0x80}
	}
	var buf []byte
	for v > 0 {
		buf = append([]byte{byte(v)}, buf...)
		v >>= 8
	}
	return rlpEncodeBytes(buf)
}

func rlpEncodeBytes(b []byte) []byte {
	if len(b) == 1 && b[0] < 0x80 {
		return b
	}
	return append(rlpLengthPrefix(len(b), 0x80), b...)
}

func rlpLengthPrefix(length int, offset byte) []byte {
	if length <= 55 {
		return []byte{offset + byte(length)}
	}
	var lenBytes []byte
	for l := length; l > 0; l >>= 8 {
		lenBytes = append([]byte{byte(l)}, lenBytes...)
	}
	return append([]byte{offset + 55 + byte(len(lenBytes))}, lenBytes...)
}

func rlpList(items []interface{}) []byte {
	var payload []byte
	for _, item := range items {
		switch v := item.(type) {
		case uint64:
			payload = append(payload, rlpEncodeUint(v)...)
		case []byte:
			payload = append(payload, rlpEncodeBytes(v)...)
		case rlpEmptyList:
			payload = append(payload, 0xc0)
		default:
			panic(fmt.Sprintf("rlp: unsupported item type %T", item))
		}
	}
	return append(rlpLengthPrefix(len(payload), 0xc0), payload...)
}
