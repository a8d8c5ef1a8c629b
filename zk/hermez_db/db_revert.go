package hermez_db

import (
	"github.com/gateway-fm/cdk-erigon-lib/common"
	"github.com/gateway-fm/cdk-erigon-lib/kv"

	"github.com/zk-sequencer/corekeeper/zk/types"
)

// Tables consumed only by the block reverter's relational rollback and the
// eth-sender cleanup that follows it.
const L1EXECUTIONS = "hermez_l1Executions"        // l1blockno, batchno -> l1txhash, stateRoot
const TOKENS = "hermez_tokens"                    // token address -> miniblockNo it was first seen in
const FACTORY_DEP_BLOCKS = "hermez_factoryDepBlocks" // miniblockNo+codeHash -> nil, for rollback of FACTORY_DEPS
const ETH_SENDER_TXS = "hermez_ethSenderTxs"      // id -> status byte + l1 tx hash

// Eth-sender row statuses. Failed rows are what ClearFailedL1Transactions
// removes so the sender can retry cleanly after a rollback.
const (
	EthSenderTxPending uint8 = iota
	EthSenderTxMined
	EthSenderTxFailed
)

// CreateRevertBuckets creates the reverter-only tables. Called alongside
// CreateHermezBuckets by anything that may later run a rollback.
func CreateRevertBuckets(tx kv.RwTx) error {
	for _, t := range []string{L1EXECUTIONS, TOKENS, FACTORY_DEP_BLOCKS, ETH_SENDER_TXS} {
		if err := tx.CreateBucket(t); err != nil {
			return err
		}
	}
	return nil
}

// --- L1 execution tracking: which batches the settlement chain has executed ---

func (db *HermezDb) WriteExecution(l1BlockNo, batchNo uint64, l1TxHash, stateRoot common.Hash) error {
	return db.tx.Put(L1EXECUTIONS, ConcatKey(l1BlockNo, batchNo), append(l1TxHash.Bytes(), stateRoot.Bytes()...))
}

// GetLatestExecution reports the highest batch executed on L1: the finality
// frontier the reverter must not cross in Disallowed mode.
func (db *HermezDbReader) GetLatestExecution() (*types.L1BatchInfo, error) {
	return db.getLatest(L1EXECUTIONS)
}

func (db *HermezDbReader) GetExecutionByBatchNo(batchNo uint64) (*types.L1BatchInfo, error) {
	return db.getByBatchNo(L1EXECUTIONS, batchNo)
}

// --- Tokens observed on L2, keyed by the miniblock that created them ---

func (db *HermezDb) WriteToken(addr common.Address, createdAtMiniblock uint64) error {
	return db.tx.Put(TOKENS, addr.Bytes(), Uint64ToBytes(createdAtMiniblock))
}

func (db *HermezDbReader) GetTokenCreationMiniblock(addr common.Address) (uint64, bool, error) {
	v, err := db.tx.GetOne(TOKENS, addr.Bytes())
	if err != nil {
		return 0, false, err
	}
	if len(v) == 0 {
		return 0, false, nil
	}
	return BytesToUint64(v), true, nil
}

// DeleteTokensCreatedAfter removes every token first seen in a miniblock at
// or after fromMiniblock.
func (db *HermezDb) DeleteTokensCreatedAfter(fromMiniblock uint64) error {
	c, err := db.tx.Cursor(TOKENS)
	if err != nil {
		return err
	}
	defer c.Close()

	var toDelete [][]byte
	var k, v []byte
	for k, v, err = c.First(); k != nil; k, v, err = c.Next() {
		if err != nil {
			return err
		}
		if BytesToUint64(v) >= fromMiniblock {
			toDelete = append(toDelete, append([]byte{}, k...))
		}
	}
	for _, k := range toDelete {
		if err := db.tx.Delete(TOKENS, k); err != nil {
			return err
		}
	}
	return nil
}

// --- Factory dep rollback index ---

// WriteFactoryDepBlock records which miniblock introduced a bytecode, so a
// rollback knows which FACTORY_DEPS rows to drop.
func (db *HermezDb) WriteFactoryDepBlock(miniblockNo uint64, codeHash common.Hash) error {
	return db.tx.Put(FACTORY_DEP_BLOCKS, append(Uint64ToBytes(miniblockNo), codeHash.Bytes()...), nil)
}

// RollbackFactoryDeps removes every bytecode introduced at or after
// fromMiniblock, along with its index entry.
func (db *HermezDb) RollbackFactoryDeps(fromMiniblock uint64) error {
	c, err := db.tx.Cursor(FACTORY_DEP_BLOCKS)
	if err != nil {
		return err
	}
	defer c.Close()

	var toDelete [][]byte
	var k []byte
	for k, _, err = c.First(); k != nil; k, _, err = c.Next() {
		if err != nil {
			return err
		}
		if len(k) < 8 || BytesToUint64(k[:8]) < fromMiniblock {
			continue
		}
		toDelete = append(toDelete, append([]byte{}, k...))
	}
	for _, k := range toDelete {
		if err := db.tx.Delete(FACTORY_DEPS, k[8:]); err != nil {
			return err
		}
		if err := db.tx.Delete(FACTORY_DEP_BLOCKS, k); err != nil {
			return err
		}
	}
	return nil
}

// StorageValuesAt reconstructs, for every slot written at or after
// cutoffMiniblock, the value it held just before the cutoff: the oldest
// previous-value row at or after the cutoff is that slot's pre-image. Keys
// of the returned map are raw address+key slot keys.
func (db *HermezDbReader) StorageValuesAt(cutoffMiniblock uint64) (map[string][]byte, error) {
	c, err := db.tx.Cursor(STORAGE_HISTORY)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	restored := map[string][]byte{}
	var k, v []byte
	for k, v, err = c.First(); k != nil; k, v, err = c.Next() {
		if err != nil {
			return nil, err
		}
		if len(k) < 8 {
			continue
		}
		mb := BytesToUint64(k[len(k)-8:])
		if mb < cutoffMiniblock {
			continue
		}
		slot := string(k[:len(k)-8])
		if _, seen := restored[slot]; seen {
			// History keys sort by slot then miniblock, so the first hit
			// per slot is the oldest and wins.
			continue
		}
		restored[slot] = append([]byte{}, v...)
	}
	return restored, nil
}

// --- Transactions state reset ---

// ResetTransactionsState puts every transaction that was included in a
// miniblock at or after fromMiniblock back into the mempool, so the keeper
// re-executes it after the rollback. It must run before DeleteMiniblocks
// destroys the miniblock->tx index it walks.
func (db *HermezDb) ResetTransactionsState(fromMiniblock, toMiniblock uint64) error {
	for i := fromMiniblock; i <= toMiniblock; i++ {
		m, err := db.GetMiniblock(i)
		if err != nil {
			return err
		}
		if m == nil {
			continue
		}
		for _, h := range m.TxHashes {
			if err := db.MarkTxPendingAgain(h); err != nil {
				return err
			}
		}
	}
	return nil
}

// --- Eth-sender rows ---

func (db *HermezDb) WriteEthSenderTx(id uint64, l1TxHash common.Hash, status uint8) error {
	return db.tx.Put(ETH_SENDER_TXS, Uint64ToBytes(id), append([]byte{status}, l1TxHash.Bytes()...))
}

func (db *HermezDbReader) GetEthSenderTx(id uint64) (status uint8, l1TxHash common.Hash, found bool, err error) {
	v, err := db.tx.GetOne(ETH_SENDER_TXS, Uint64ToBytes(id))
	if err != nil {
		return 0, common.Hash{}, false, err
	}
	if len(v) == 0 {
		return 0, common.Hash{}, false, nil
	}
	return v[0], common.BytesToHash(v[1:]), true, nil
}

// ClearFailedL1Transactions removes every eth-sender row marked failed, so
// the sender retries them from scratch after a rollback.
func (db *HermezDb) ClearFailedL1Transactions() (int, error) {
	c, err := db.tx.Cursor(ETH_SENDER_TXS)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	var toDelete [][]byte
	var k, v []byte
	for k, v, err = c.First(); k != nil; k, v, err = c.Next() {
		if err != nil {
			return 0, err
		}
		if len(v) > 0 && v[0] == EthSenderTxFailed {
			toDelete = append(toDelete, append([]byte{}, k...))
		}
	}
	for _, k := range toDelete {
		if err := db.tx.Delete(ETH_SENDER_TXS, k); err != nil {
			return 0, err
		}
	}
	return len(toDelete), nil
}
