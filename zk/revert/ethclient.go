package revert

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gateway-fm/cdk-erigon-lib/common"
	"github.com/holiman/uint256"
)

// rpcL1Client binds L1Client to a JSON-RPC endpoint. Only the handful of
// eth_ methods the reverter actually issues are mapped.
type rpcL1Client struct {
	c *rpc.Client
}

// DialL1 connects to an L1 JSON-RPC endpoint.
func DialL1(ctx context.Context, url string) (L1Client, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial l1 client %s: %w", url, err)
	}
	return &rpcL1Client{c: c}, nil
}

func (e *rpcL1Client) ChainID(ctx context.Context) (uint64, error) {
	var result hexutil.Big
	if err := e.c.CallContext(ctx, &result, "eth_chainId"); err != nil {
		return 0, err
	}
	return result.ToInt().Uint64(), nil
}

func (e *rpcL1Client) PendingBaseFee(ctx context.Context) (*uint256.Int, error) {
	var head struct {
		BaseFeePerGas *hexutil.Big `json:"baseFeePerGas"`
	}
	if err := e.c.CallContext(ctx, &head, "eth_getBlockByNumber", "pending", false); err != nil {
		return nil, err
	}
	if head.BaseFeePerGas == nil {
		return nil, fmt.Errorf("pending block carries no base fee; pre-london l1?")
	}
	fee, overflow := uint256.FromBig(head.BaseFeePerGas.ToInt())
	if overflow {
		return nil, fmt.Errorf("base fee overflows uint256")
	}
	return fee, nil
}

func (e *rpcL1Client) PendingNonce(ctx context.Context, addr common.Address) (uint64, error) {
	var result hexutil.Uint64
	if err := e.c.CallContext(ctx, &result, "eth_getTransactionCount", addr.Hex(), "pending"); err != nil {
		return 0, err
	}
	return uint64(result), nil
}

func (e *rpcL1Client) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	call := map[string]interface{}{
		"to":   to.Hex(),
		"data": hexutil.Encode(data),
	}
	var result hexutil.Bytes
	if err := e.c.CallContext(ctx, &result, "eth_call", call, "latest"); err != nil {
		return nil, err
	}
	return result, nil
}

func (e *rpcL1Client) SendRawTransaction(ctx context.Context, rawTx []byte) (common.Hash, error) {
	var result string
	if err := e.c.CallContext(ctx, &result, "eth_sendRawTransaction", hexutil.Encode(rawTx)); err != nil {
		return common.Hash{}, err
	}
	return common.HexToHash(result), nil
}

func (e *rpcL1Client) TransactionReceipt(ctx context.Context, hash common.Hash) (uint64, bool, error) {
	var receipt *struct {
		Status hexutil.Uint64 `json:"status"`
	}
	if err := e.c.CallContext(ctx, &receipt, "eth_getTransactionReceipt", hash.Hex()); err != nil {
		return 0, false, err
	}
	if receipt == nil {
		return 0, false, nil
	}
	return uint64(receipt.Status), true, nil
}
