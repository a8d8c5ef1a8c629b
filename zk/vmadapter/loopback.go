package vmadapter

import (
	"github.com/zk-sequencer/corekeeper/zk/types"
)

// LoopbackExecutor is the interpreter stand-in used when no real zkEVM
// binding is linked in (local runs, integration tests): every transaction
// succeeds and is charged a flat commit-gas cost derived from its declared
// gas limit. It keeps just enough state to honor the rollback contract.
type LoopbackExecutor struct {
	gasUsed    uint64
	lastTxGas  uint64
	miniblocks int
}

func NewLoopbackExecutor() *LoopbackExecutor { return &LoopbackExecutor{} }

func (e *LoopbackExecutor) StartMiniblock(timestamp uint64) error {
	e.miniblocks++
	return nil
}

func (e *LoopbackExecutor) Execute(tx types.Transaction) (types.ExecutionResult, error) {
	gas := tx.Gas.GasLimit
	if gas == 0 {
		gas = 21_000
	}
	e.lastTxGas = gas
	e.gasUsed += gas
	return types.ExecutionResult{
		Status:  types.ExecutionSuccess,
		GasUsed: gas,
		Metrics: types.ExecutionMetrics{
			L1Gas:            types.BlockGasCount{Commit: gas},
			ComputationalGas: gas,
		},
	}, nil
}

func (e *LoopbackExecutor) Rollback() error {
	e.gasUsed -= e.lastTxGas
	e.lastTxGas = 0
	return nil
}

func (e *LoopbackExecutor) FinishBatch() (VmBlockResult, error) {
	result := VmBlockResult{
		FullResult: FullResult{GasUsed: e.gasUsed},
		BlockTipResult: BlockTipResult{
			L2ToL1Messages: []types.L2ToL1Message{{Payload: []byte("block tip")}},
		},
	}
	e.gasUsed = 0
	e.lastTxGas = 0
	return result, nil
}
