// Package hermez_db is the key-value persistence layer backing the state
// keeper's I/O port and the block reverter's relational rollback. Every
// table is a flat KV bucket addressed by a fixed-width big-endian key,
// walked with Cursor instead of a relational range query.
package hermez_db

import (
	"encoding/json"
	"fmt"

	"github.com/gateway-fm/cdk-erigon-lib/common"
	"github.com/gateway-fm/cdk-erigon-lib/kv"

	"github.com/ledgerwatch/log/v3"
	"github.com/zk-sequencer/corekeeper/zk/types"
)

const L1VERIFICATIONS = "hermez_l1Verifications" // l1blockno, batchno -> l1txhash, stateRoot
const L1SEQUENCES = "hermez_l1Sequences"          // l1blockno, batchno -> l1txhash, stateRoot
const FORKIDS = "hermez_forkIds"                  // batchNo -> forkId
const FORKID_BLOCK = "hermez_forkIdBlock"         // forkId -> startBlock
const BLOCKBATCHES = "hermez_blockBatches"        // l2blockno -> batchno
const TX_PRICE_PERCENTAGE = "hermez_txPricePercentage"                 // txHash -> txPricePercentage
const STATE_ROOTS = "hermez_stateRoots"                                // l2blockno -> stateRoot
const INTERMEDIATE_TX_STATEROOTS = "hermez_intermediate_tx_stateRoots" // l2blockno+txHash -> stateRoot

const BATCHES = "hermez_batches"                 // batchNo -> BatchRecord
const MINIBLOCKS = "hermez_miniblocks"           // miniblockNo -> MiniblockRecord
const MINIBLOCK_TXS = "hermez_miniblockTxs"      // miniblockNo+txIndex -> txHash
const TX_MINIBLOCK = "hermez_txMiniblock"        // txHash -> miniblockNo
const TX_RAW = "hermez_txRaw"                     // txHash -> raw tx bytes
const TX_IN_MEMPOOL = "hermez_txInMempool"       // txHash -> 1, cleared once included in a sealed miniblock
const TX_EXECUTION_RESULT = "hermez_txResult"    // txHash -> marshalled ExecutionResult summary
const STORAGE = "hermez_storage"                 // address+key -> value, latest known state
const STORAGE_HISTORY = "hermez_storageHistory"  // address+key+miniblockNo -> previous value, for rollback
const FACTORY_DEPS = "hermez_factoryDeps"        // bytecode hash -> bytecode
const L2L1_LOGS = "hermez_l2l1Logs"              // miniblockNo+index -> L2ToL1Message
const EVENTS = "hermez_events"                   // miniblockNo+index -> event topic hash
const PROVER_JOBS = "hermez_proverJobs"          // batchNo -> job status byte + attempt count

type HermezDb struct {
	tx kv.RwTx
	*HermezDbReader
}

// HermezDbReader represents a reader for the HermezDb database.  It has no write functions and is embedded into the
// HermezDb type for read operations.
type HermezDbReader struct {
	tx kv.Tx
}

func NewHermezDbReader(tx kv.Tx) *HermezDbReader {
	return &HermezDbReader{tx}
}

func NewHermezDb(tx kv.RwTx) *HermezDb {
	db := &HermezDb{tx: tx}
	db.HermezDbReader = NewHermezDbReader(tx)

	return db
}

func CreateHermezBuckets(tx kv.RwTx) error {
	tables := []string{
		L1VERIFICATIONS,
		L1SEQUENCES,
		FORKIDS,
		FORKID_BLOCK,
		BLOCKBATCHES,
		TX_PRICE_PERCENTAGE,
		STATE_ROOTS,
		INTERMEDIATE_TX_STATEROOTS,
		BATCHES,
		MINIBLOCKS,
		MINIBLOCK_TXS,
		TX_MINIBLOCK,
		TX_RAW,
		TX_IN_MEMPOOL,
		TX_EXECUTION_RESULT,
		STORAGE,
		STORAGE_HISTORY,
		FACTORY_DEPS,
		L2L1_LOGS,
		EVENTS,
		PROVER_JOBS,
	}
	for _, t := range tables {
		if err := tx.CreateBucket(t); err != nil {
			return err
		}
	}
	return nil
}

func (db *HermezDbReader) GetBatchNoByL2Block(l2BlockNo uint64) (uint64, error) {
	c, err := db.tx.Cursor(BLOCKBATCHES)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	k, v, err := c.Seek(Uint64ToBytes(l2BlockNo))
	if err != nil {
		return 0, err
	}

	if k == nil {
		return 0, nil
	}

	if BytesToUint64(k) != l2BlockNo {
		return 0, nil
	}

	return BytesToUint64(v), nil
}

func (db *HermezDbReader) GetL2BlockNosByBatch(batchNo uint64) ([]uint64, error) {
	// TODO: not the most efficient way of doing this
	c, err := db.tx.Cursor(BLOCKBATCHES)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	var blockNos []uint64
	var k, v []byte

	for k, v, err = c.First(); k != nil; k, v, err = c.Next() {
		if err != nil {
			break
		}
		if BytesToUint64(v) == batchNo {
			blockNos = append(blockNos, BytesToUint64(k))
		}
	}

	return blockNos, err
}

func (db *HermezDbReader) GetLatestDownloadedBatchNo() (uint64, error) {
	c, err := db.tx.Cursor(BLOCKBATCHES)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	_, v, err := c.Last()
	if err != nil {
		return 0, err
	}
	return BytesToUint64(v), nil
}

func (db *HermezDbReader) GetHighestBlockInBatch(batchNo uint64) (uint64, error) {
	blocks, err := db.GetL2BlockNosByBatch(batchNo)
	if err != nil {
		return 0, err
	}

	max := uint64(0)
	for _, block := range blocks {
		if block > max {
			max = block
		}
	}

	return max, nil
}

func (db *HermezDbReader) GetHighestVerifiedBlockNo() (uint64, error) {
	v, err := db.GetLatestVerification()
	if err != nil {
		return 0, err
	}

	if v == nil {
		return 0, nil
	}

	blockNo, err := db.GetHighestBlockInBatch(v.BatchNo)
	if err != nil {
		return 0, err
	}

	return blockNo, nil
}

func (db *HermezDbReader) GetVerificationByL2BlockNo(blockNo uint64) (*types.L1BatchInfo, error) {
	batchNo, err := db.GetBatchNoByL2Block(blockNo)
	if err != nil {
		return nil, err
	}
	log.Debug(fmt.Sprintf("[HermezDbReader] GetVerificationByL2BlockNo: blockNo %d, batchNo %d", blockNo, batchNo))

	return db.GetVerificationByBatchNo(batchNo)
}

func (db *HermezDbReader) GetSequenceByL1Block(l1BlockNo uint64) (*types.L1BatchInfo, error) {
	return db.getByL1Block(L1SEQUENCES, l1BlockNo)
}

func (db *HermezDbReader) GetSequenceByBatchNo(batchNo uint64) (*types.L1BatchInfo, error) {
	return db.getByBatchNo(L1SEQUENCES, batchNo)
}

func (db *HermezDbReader) GetVerificationByL1Block(l1BlockNo uint64) (*types.L1BatchInfo, error) {
	return db.getByL1Block(L1VERIFICATIONS, l1BlockNo)
}

func (db *HermezDbReader) GetVerificationByBatchNo(batchNo uint64) (*types.L1BatchInfo, error) {
	return db.getByBatchNo(L1VERIFICATIONS, batchNo)
}

func (db *HermezDbReader) getByL1Block(table string, l1BlockNo uint64) (*types.L1BatchInfo, error) {
	c, err := db.tx.Cursor(table)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	var k, v []byte
	for k, v, err = c.First(); k != nil; k, v, err = c.Next() {
		if err != nil {
			return nil, err
		}

		l1Block, batchNo, err := SplitKey(k)
		if err != nil {
			return nil, err
		}

		if l1Block == l1BlockNo {
			if len(v) != 96 && len(v) != 64 {
				return nil, fmt.Errorf("invalid hash length")
			}

			l1TxHash := common.BytesToHash(v[:32])
			stateRoot := common.BytesToHash(v[32:64])

			return &types.L1BatchInfo{
				BatchNo:   batchNo,
				L1BlockNo: l1Block,
				StateRoot: stateRoot,
				L1TxHash:  l1TxHash,
			}, nil
		}
	}

	return nil, nil
}

func (db *HermezDbReader) getByBatchNo(table string, batchNo uint64) (*types.L1BatchInfo, error) {
	c, err := db.tx.Cursor(table)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	var k, v []byte
	for k, v, err = c.First(); k != nil; k, v, err = c.Next() {
		if err != nil {
			return nil, err
		}

		l1Block, batch, err := SplitKey(k)
		if err != nil {
			return nil, err
		}

		if batch == batchNo {
			if len(v) != 96 && len(v) != 64 {
				return nil, fmt.Errorf("invalid hash length")
			}

			l1TxHash := common.BytesToHash(v[:32])
			stateRoot := common.BytesToHash(v[32:64])
			var l1InfoRoot common.Hash
			if len(v) > 64 {
				l1InfoRoot = common.BytesToHash(v[64:])
			}

			return &types.L1BatchInfo{
				BatchNo:    batchNo,
				L1BlockNo:  l1Block,
				StateRoot:  stateRoot,
				L1TxHash:   l1TxHash,
				L1InfoRoot: l1InfoRoot,
			}, nil
		}
	}

	return nil, nil
}

func (db *HermezDbReader) GetLatestSequence() (*types.L1BatchInfo, error) {
	return db.getLatest(L1SEQUENCES)
}

func (db *HermezDbReader) GetLatestVerification() (*types.L1BatchInfo, error) {
	return db.getLatest(L1VERIFICATIONS)
}

func (db *HermezDbReader) getLatest(table string) (*types.L1BatchInfo, error) {
	c, err := db.tx.Cursor(table)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	var l1BlockNo, batchNo uint64
	var value []byte
	for k, v, err := c.First(); k != nil; k, v, err = c.Next() {
		if err != nil {
			return nil, err
		}

		tmpL1BlockNo, tmpBatchNo, err := SplitKey(k)
		if err != nil {
			return nil, err
		}

		if tmpBatchNo > batchNo {
			l1BlockNo = tmpL1BlockNo
			batchNo = tmpBatchNo
			value = v
		}
	}

	if value == nil {
		return nil, nil
	}

	if len(value) != 96 && len(value) != 64 {
		return nil, fmt.Errorf("invalid hash length")
	}

	l1TxHash := common.BytesToHash(value[:32])
	stateRoot := common.BytesToHash(value[32:64])
	var l1InfoRoot common.Hash
	if len(value) > 64 {
		l1InfoRoot = common.BytesToHash(value[64:])
	}

	return &types.L1BatchInfo{
		BatchNo:    batchNo,
		L1BlockNo:  l1BlockNo,
		L1TxHash:   l1TxHash,
		StateRoot:  stateRoot,
		L1InfoRoot: l1InfoRoot,
	}, nil
}

func (db *HermezDb) WriteSequence(l1BlockNo, batchNo uint64, l1TxHash, stateRoot common.Hash) error {
	val := append(l1TxHash.Bytes(), stateRoot.Bytes()...)
	return db.tx.Put(L1SEQUENCES, ConcatKey(l1BlockNo, batchNo), val)
}

func (db *HermezDb) TruncateSequences(l2BlockNo uint64) error {
	batchNo, err := db.GetBatchNoByL2Block(l2BlockNo)
	if err != nil {
		return err
	}
	if batchNo == 0 {
		return nil
	}

	latestSeq, err := db.GetLatestSequence()
	if err != nil {
		return err
	}

	if latestSeq == nil {
		return nil
	}

	if latestSeq.BatchNo <= batchNo {
		return nil
	}

	for i := latestSeq.BatchNo; i > batchNo; i-- {
		seq, err := db.GetSequenceByBatchNo(i)
		if err != nil {
			return err
		}
		if seq == nil {
			continue
		}
		// delete seq
		err = db.tx.Delete(L1SEQUENCES, ConcatKey(seq.L1BlockNo, seq.BatchNo))
		if err != nil {
			return err
		}
	}

	return nil
}

func (db *HermezDb) WriteVerification(l1BlockNo, batchNo uint64, l1TxHash common.Hash, stateRoot common.Hash) error {
	return db.tx.Put(L1VERIFICATIONS, ConcatKey(l1BlockNo, batchNo), append(l1TxHash.Bytes(), stateRoot.Bytes()...))
}

func (db *HermezDb) TruncateVerifications(l2BlockNo uint64) error {
	batchNo, err := db.GetBatchNoByL2Block(l2BlockNo)
	if err != nil {
		return err
	}
	if batchNo == 0 {
		return nil
	}

	latestSeq, err := db.GetLatestVerification()
	if err != nil {
		return err
	}

	if latestSeq == nil {
		return nil
	}

	if latestSeq.BatchNo <= batchNo {
		return nil
	}

	for i := latestSeq.BatchNo; i > batchNo; i-- {
		ver, err := db.GetVerificationByBatchNo(i)
		if err != nil {
			return err
		}
		if ver == nil {
			continue
		}
		// delete seq
		err = db.tx.Delete(L1VERIFICATIONS, ConcatKey(ver.L1BlockNo, ver.BatchNo))
		if err != nil {
			return err
		}
	}

	return nil
}

func (db *HermezDb) WriteBlockBatch(l2BlockNo, batchNo uint64) error {
	return db.tx.Put(BLOCKBATCHES, Uint64ToBytes(l2BlockNo), Uint64ToBytes(batchNo))
}

func (db *HermezDb) TruncateBlockBatches(l2BlockNo uint64) error {
	batchNo, err := db.GetBatchNoByL2Block(l2BlockNo)
	if err != nil {
		return err
	}

	latestBatchNo, err := db.GetLatestDownloadedBatchNo()
	if err != nil {
		return err
	}

	if batchNo == 0 || latestBatchNo <= batchNo {
		return nil
	}

	for i := latestBatchNo; i > batchNo; i-- {
		err := db.tx.Delete(BLOCKBATCHES, Uint64ToBytes(i))
		if err != nil {
			return err
		}
	}

	return nil
}

func (db *HermezDb) deleteFromBucketWithUintKeysRange(bucket string, fromBlockNum, toBlockNum uint64) error {
	for i := fromBlockNum; i <= toBlockNum; i++ {
		err := db.tx.Delete(bucket, Uint64ToBytes(i))
		if err != nil {
			return err
		}
	}

	return nil
}

// from and to are inclusive
func (db *HermezDb) DeleteBlockBatches(fromBlockNum, toBlockNum uint64) error {
	return db.deleteFromBucketWithUintKeysRange(BLOCKBATCHES, fromBlockNum, toBlockNum)
}

func (db *HermezDbReader) GetForkId(batchNo uint64) (uint64, error) {
	c, err := db.tx.Cursor(FORKIDS)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	var forkId uint64 = 0
	var k, v []byte

	for k, v, err = c.First(); k != nil; k, v, err = c.Next() {
		if err != nil {
			break
		}
		currentBatchNo := BytesToUint64(k)
		if currentBatchNo <= batchNo {
			forkId = BytesToUint64(v)
		} else {
			break
		}
	}

	return forkId, err
}

func (db *HermezDb) WriteForkId(batchNo, forkId uint64) error {
	return db.tx.Put(FORKIDS, Uint64ToBytes(batchNo), Uint64ToBytes(forkId))
}

func (db *HermezDbReader) GetForkIdBlock(forkId uint64) (uint64, bool, error) {
	c, err := db.tx.Cursor(FORKID_BLOCK)
	if err != nil {
		return 0, false, err
	}
	defer c.Close()

	var blockNum uint64 = 0
	var k, v []byte
	found := false

	for k, v, err = c.First(); k != nil; k, v, err = c.Next() {
		if err != nil {
			break
		}
		currentForkId := BytesToUint64(k)
		if currentForkId == forkId {
			blockNum = BytesToUint64(v)
			log.Debug(fmt.Sprintf("[HermezDbReader] Got block num %d for forkId %d", blockNum, forkId))
			found = true
			break
		} else {
			continue
		}
	}

	return blockNum, found, err
}

func (db *HermezDb) DeleteForkIdBlock(fromBlockNo, toBlockNo uint64) error {
	return db.deleteFromBucketWithUintKeysRange(FORKID_BLOCK, fromBlockNo, toBlockNo)
}

func (db *HermezDb) WriteForkIdBlockOnce(forkId, blockNum uint64) error {
	tempBlockNum, _, err := db.GetForkIdBlock(forkId)
	if err != nil {
		log.Error(fmt.Sprintf("[HermezDb] Error getting forkIdBlock: %v", err))
		return err
	}
	if tempBlockNum != 0 {
		log.Error(fmt.Sprintf("[HermezDb] Fork id block already exists: %d, block:%v, set db failed.", forkId, tempBlockNum))
		return nil
	}
	return db.tx.Put(FORKID_BLOCK, Uint64ToBytes(forkId), Uint64ToBytes(blockNum))
}

func (db *HermezDb) DeleteForkIds(fromBatchNum, toBatchNum uint64) error {
	return db.deleteFromBucketWithUintKeysRange(FORKIDS, fromBatchNum, toBatchNum)
}

func (db *HermezDb) WriteEffectiveGasPricePercentage(txHash common.Hash, txPricePercentage uint8) error {
	return db.tx.Put(TX_PRICE_PERCENTAGE, txHash.Bytes(), Uint8ToBytes(txPricePercentage))
}

func (db *HermezDbReader) GetEffectiveGasPricePercentage(txHash common.Hash) (uint8, error) {
	data, err := db.tx.GetOne(TX_PRICE_PERCENTAGE, txHash.Bytes())
	if err != nil {
		return 0, err
	}

	return BytesToUint8(data), nil
}

func (db *HermezDb) DeleteEffectiveGasPricePercentages(txHashes *[]common.Hash) error {
	for _, txHash := range *txHashes {
		err := db.tx.Delete(TX_PRICE_PERCENTAGE, txHash.Bytes())
		if err != nil {
			return err
		}
	}

	return nil
}

func (db *HermezDb) WriteStateRoot(l2BlockNo uint64, rpcRoot common.Hash) error {
	return db.tx.Put(STATE_ROOTS, Uint64ToBytes(l2BlockNo), rpcRoot.Bytes())
}

func (db *HermezDbReader) GetStateRoot(l2BlockNo uint64) (common.Hash, error) {
	data, err := db.tx.GetOne(STATE_ROOTS, Uint64ToBytes(l2BlockNo))
	if err != nil {
		return common.Hash{}, err
	}

	return common.BytesToHash(data), nil
}

func (db *HermezDb) DeleteStateRoots(fromBlockNo, toBlockNo uint64) error {
	return db.deleteFromBucketWithUintKeysRange(STATE_ROOTS, fromBlockNo, toBlockNo)
}

func (db *HermezDb) WriteIntermediateTxStateRoot(l2BlockNo uint64, txHash common.Hash, rpcRoot common.Hash) error {
	numberBytes := Uint64ToBytes(l2BlockNo)
	key := append(numberBytes, txHash.Bytes()...)

	return db.tx.Put(INTERMEDIATE_TX_STATEROOTS, key, rpcRoot.Bytes())
}

func (db *HermezDbReader) GetIntermediateTxStateRoot(l2BlockNo uint64, txHash common.Hash) (common.Hash, error) {
	numberBytes := Uint64ToBytes(l2BlockNo)
	key := append(numberBytes, txHash.Bytes()...)
	data, err := db.tx.GetOne(INTERMEDIATE_TX_STATEROOTS, key)
	if err != nil {
		return common.Hash{}, err
	}

	return common.BytesToHash(data), nil
}

func (db *HermezDb) DeleteIntermediateTxStateRoots(fromBlockNo, toBlockNo uint64) error {
	c, err := db.tx.Cursor(INTERMEDIATE_TX_STATEROOTS)
	if err != nil {
		return err
	}
	defer c.Close()

	var k []byte
	for k, _, err = c.First(); k != nil; k, _, err = c.Next() {
		if err != nil {
			break
		}

		blockNum := BytesToUint64(k[:8])
		if blockNum >= fromBlockNo && blockNum <= toBlockNo {
			err := db.tx.Delete(INTERMEDIATE_TX_STATEROOTS, k)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

// --- Sealed batch/miniblock persistence backing the I/O port ---

func marshalBatchRecord(b *types.BatchRecord) ([]byte, error) {
	return json.Marshal(b)
}

func unmarshalBatchRecord(data []byte) (*types.BatchRecord, error) {
	if len(data) == 0 {
		return nil, nil
	}
	b := &types.BatchRecord{}
	if err := json.Unmarshal(data, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (db *HermezDb) WriteBatch(b *types.BatchRecord) error {
	data, err := marshalBatchRecord(b)
	if err != nil {
		return err
	}
	return db.tx.Put(BATCHES, Uint64ToBytes(uint64(b.Number)), data)
}

func (db *HermezDbReader) GetBatch(batchNo uint64) (*types.BatchRecord, error) {
	data, err := db.tx.GetOne(BATCHES, Uint64ToBytes(batchNo))
	if err != nil {
		return nil, err
	}
	return unmarshalBatchRecord(data)
}

func (db *HermezDbReader) GetLastSealedBatchNo() (uint64, error) {
	c, err := db.tx.Cursor(BATCHES)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	k, _, err := c.Last()
	if err != nil {
		return 0, err
	}
	return BytesToUint64(k), nil
}

func (db *HermezDb) DeleteBatches(fromBatchNo, toBatchNo uint64) error {
	return db.deleteFromBucketWithUintKeysRange(BATCHES, fromBatchNo, toBatchNo)
}

func marshalMiniblockRecord(m *types.MiniblockRecord) ([]byte, error) {
	return json.Marshal(m)
}

func unmarshalMiniblockRecord(data []byte) (*types.MiniblockRecord, error) {
	if len(data) == 0 {
		return nil, nil
	}
	m := &types.MiniblockRecord{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (db *HermezDb) WriteMiniblock(m *types.MiniblockRecord) error {
	data, err := marshalMiniblockRecord(m)
	if err != nil {
		return err
	}
	if err := db.tx.Put(MINIBLOCKS, Uint64ToBytes(uint64(m.Number)), data); err != nil {
		return err
	}
	for i, h := range m.TxHashes {
		key := append(Uint64ToBytes(uint64(m.Number)), Uint64ToBytes(uint64(i))...)
		if err := db.tx.Put(MINIBLOCK_TXS, key, h.Bytes()); err != nil {
			return err
		}
		if err := db.tx.Put(TX_MINIBLOCK, h.Bytes(), Uint64ToBytes(uint64(m.Number))); err != nil {
			return err
		}
		if err := db.tx.Delete(TX_IN_MEMPOOL, h.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

func (db *HermezDbReader) GetMiniblock(no uint64) (*types.MiniblockRecord, error) {
	data, err := db.tx.GetOne(MINIBLOCKS, Uint64ToBytes(no))
	if err != nil {
		return nil, err
	}
	return unmarshalMiniblockRecord(data)
}

func (db *HermezDbReader) GetLastSealedMiniblockNo() (uint64, error) {
	c, err := db.tx.Cursor(MINIBLOCKS)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	k, _, err := c.Last()
	if err != nil {
		return 0, err
	}
	return BytesToUint64(k), nil
}

// DeleteMiniblocks removes miniblocks [fromNo, toNo] and their tx index
// entries, used by the block reverter's relational rollback step.
func (db *HermezDb) DeleteMiniblocks(fromNo, toNo uint64) error {
	for i := fromNo; i <= toNo; i++ {
		m, err := db.GetMiniblock(i)
		if err != nil {
			return err
		}
		if m == nil {
			continue
		}
		for idx, h := range m.TxHashes {
			key := append(Uint64ToBytes(i), Uint64ToBytes(uint64(idx))...)
			if err := db.tx.Delete(MINIBLOCK_TXS, key); err != nil {
				return err
			}
			if err := db.tx.Delete(TX_MINIBLOCK, h.Bytes()); err != nil {
				return err
			}
			if err := db.tx.Delete(TX_EXECUTION_RESULT, h.Bytes()); err != nil {
				return err
			}
		}
		if err := db.tx.Delete(MINIBLOCKS, Uint64ToBytes(i)); err != nil {
			return err
		}
	}
	return nil
}

// --- Mempool tx staging: transactions not yet folded into a sealed miniblock ---

func (db *HermezDb) WritePendingTx(hash common.Hash, raw []byte) error {
	if err := db.tx.Put(TX_RAW, hash.Bytes(), raw); err != nil {
		return err
	}
	return db.tx.Put(TX_IN_MEMPOOL, hash.Bytes(), []byte{1})
}

func (db *HermezDbReader) GetPendingTx(hash common.Hash) ([]byte, error) {
	return db.tx.GetOne(TX_RAW, hash.Bytes())
}

func (db *HermezDbReader) IsTxPending(hash common.Hash) (bool, error) {
	v, err := db.tx.GetOne(TX_IN_MEMPOOL, hash.Bytes())
	if err != nil {
		return false, err
	}
	return len(v) > 0, nil
}

func (db *HermezDb) MarkTxPendingAgain(hash common.Hash) error {
	return db.tx.Put(TX_IN_MEMPOOL, hash.Bytes(), []byte{1})
}

func (db *HermezDb) WriteTxExecutionResult(hash common.Hash, result *types.ExecutionResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return db.tx.Put(TX_EXECUTION_RESULT, hash.Bytes(), data)
}

func (db *HermezDbReader) GetTxExecutionResult(hash common.Hash) (*types.ExecutionResult, error) {
	data, err := db.tx.GetOne(TX_EXECUTION_RESULT, hash.Bytes())
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	r := &types.ExecutionResult{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, err
	}
	return r, nil
}

// --- Storage slots (flat latest-value view, with a history side table for reverts) ---

func storageKey(addr common.Address, key common.Hash) []byte {
	return append(addr.Bytes(), key.Bytes()...)
}

func (db *HermezDb) WriteStorage(addr common.Address, key common.Hash, value common.Hash, atMiniblock uint64) error {
	sk := storageKey(addr, key)
	prev, err := db.tx.GetOne(STORAGE, sk)
	if err != nil {
		return err
	}
	// A slot's first write records an empty previous value, so a revert
	// past it restores the slot to reading as zero.
	histKey := append(append([]byte{}, sk...), Uint64ToBytes(atMiniblock)...)
	if err := db.tx.Put(STORAGE_HISTORY, histKey, append([]byte{}, prev...)); err != nil {
		return err
	}
	return db.tx.Put(STORAGE, sk, value.Bytes())
}

func (db *HermezDbReader) GetStorage(addr common.Address, key common.Hash) (common.Hash, error) {
	data, err := db.tx.GetOne(STORAGE, storageKey(addr, key))
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(data), nil
}

// RevertStorage restores every slot touched at or after fromMiniblock to its
// last-known-good value, walking the history side table newest-first.
func (db *HermezDb) RevertStorage(fromMiniblock uint64) error {
	c, err := db.tx.Cursor(STORAGE_HISTORY)
	if err != nil {
		return err
	}
	defer c.Close()

	var k, v []byte
	for k, v, err = c.Last(); k != nil; k, v, err = c.Prev() {
		if err != nil {
			return err
		}
		if len(k) < 8 {
			continue
		}
		mb := BytesToUint64(k[len(k)-8:])
		if mb < fromMiniblock {
			continue
		}
		sk := k[:len(k)-8]
		if err := db.tx.Put(STORAGE, sk, v); err != nil {
			return err
		}
		if err := db.tx.Delete(STORAGE_HISTORY, k); err != nil {
			return err
		}
	}
	return nil
}

func (db *HermezDb) WriteFactoryDep(codeHash common.Hash, bytecode []byte) error {
	return db.tx.Put(FACTORY_DEPS, codeHash.Bytes(), bytecode)
}

func (db *HermezDbReader) GetFactoryDep(codeHash common.Hash) ([]byte, error) {
	return db.tx.GetOne(FACTORY_DEPS, codeHash.Bytes())
}

// --- L2-to-L1 messages and events, keyed by producing miniblock ---

func (db *HermezDb) WriteL2ToL1Logs(miniblockNo uint64, msgs []types.L2ToL1Message) error {
	for i, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		key := append(Uint64ToBytes(miniblockNo), Uint64ToBytes(uint64(i))...)
		if err := db.tx.Put(L2L1_LOGS, key, data); err != nil {
			return err
		}
	}
	return nil
}

func (db *HermezDb) DeleteL2ToL1Logs(fromMiniblockNo, toMiniblockNo uint64) error {
	return db.deleteRangeByPrefix(L2L1_LOGS, fromMiniblockNo, toMiniblockNo)
}

func (db *HermezDb) WriteEvents(miniblockNo uint64, topics []common.Hash) error {
	for i, t := range topics {
		key := append(Uint64ToBytes(miniblockNo), Uint64ToBytes(uint64(i))...)
		if err := db.tx.Put(EVENTS, key, t.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

func (db *HermezDb) DeleteEvents(fromMiniblockNo, toMiniblockNo uint64) error {
	return db.deleteRangeByPrefix(EVENTS, fromMiniblockNo, toMiniblockNo)
}

// deleteRangeByPrefix deletes every key in bucket whose leading 8 bytes
// (the miniblock number component of a composite key) fall in
// [fromNo, toNo].
func (db *HermezDb) deleteRangeByPrefix(bucket string, fromNo, toNo uint64) error {
	c, err := db.tx.Cursor(bucket)
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
		if len(k) < 8 {
			continue
		}
		no := BytesToUint64(k[:8])
		if no >= fromNo && no <= toNo {
			toDelete = append(toDelete, append([]byte{}, k...))
		}
	}

	for _, k := range toDelete {
		if err := db.tx.Delete(bucket, k); err != nil {
			return err
		}
	}
	return nil
}

// --- Prover job status, backing the prover reporter ---

const (
	ProverJobQueued uint8 = iota
	ProverJobInProgress
	ProverJobSuccessful
	ProverJobFailed
)

func (db *HermezDb) WriteProverJobStatus(batchNo uint64, status uint8, attempt uint32) error {
	v := append([]byte{status}, Uint64ToBytes(uint64(attempt))...)
	return db.tx.Put(PROVER_JOBS, Uint64ToBytes(batchNo), v)
}

func (db *HermezDbReader) GetProverJobStatus(batchNo uint64) (status uint8, attempt uint32, found bool, err error) {
	v, err := db.tx.GetOne(PROVER_JOBS, Uint64ToBytes(batchNo))
	if err != nil {
		return 0, 0, false, err
	}
	if len(v) == 0 {
		return 0, 0, false, nil
	}
	return v[0], uint32(BytesToUint64(v[1:])), true, nil
}

func (db *HermezDb) DeleteProverJobStatuses(fromBatchNo, toBatchNo uint64) error {
	return db.deleteFromBucketWithUintKeysRange(PROVER_JOBS, fromBatchNo, toBatchNo)
}
