package revert

import (
	"context"
	"errors"
	"testing"

	"github.com/gateway-fm/cdk-erigon-lib/common"
	"github.com/gateway-fm/cdk-erigon-lib/kv"
	"github.com/gateway-fm/cdk-erigon-lib/kv/memdb"
	"github.com/holiman/uint256"

	"github.com/zk-sequencer/corekeeper/zk/hermez_db"
	"github.com/zk-sequencer/corekeeper/zk/keeper/errs"
	"github.com/zk-sequencer/corekeeper/zk/types"
)

// seedChain writes batches 1..3, two miniblocks each, with one tx, one
// event, one storage write and a state root per miniblock, plus a token and
// a factory dep introduced in batch 3's first miniblock.
func seedChain(t *testing.T, rwDB kv.RwDB) {
	t.Helper()
	err := rwDB.Update(context.Background(), func(tx kv.RwTx) error {
		if err := hermez_db.CreateHermezBuckets(tx); err != nil {
			return err
		}
		if err := hermez_db.CreateRevertBuckets(tx); err != nil {
			return err
		}
		db := hermez_db.NewHermezDb(tx)

		var mb uint64
		for batch := uint64(1); batch <= 3; batch++ {
			first := mb + 1
			for i := 0; i < 2; i++ {
				mb++
				txHash := common.Hash{byte(mb)}
				if err := db.WriteMiniblock(&types.MiniblockRecord{
					Number:      types.MiniblockNumber(mb),
					BatchNumber: types.L1BatchNumber(batch),
					Timestamp:   1000 + mb,
					TxHashes:    []common.Hash{txHash},
				}); err != nil {
					return err
				}
				if err := db.WriteEvents(mb, []common.Hash{{0xEE, byte(mb)}}); err != nil {
					return err
				}
				if err := db.WriteL2ToL1Logs(mb, []types.L2ToL1Message{{Payload: []byte{byte(mb)}}}); err != nil {
					return err
				}
				if err := db.WriteStorage(common.Address{0x01}, common.Hash{0x02}, common.Hash{byte(mb)}, mb); err != nil {
					return err
				}
				if err := db.WriteStateRoot(mb, common.Hash{0xAA, byte(mb)}); err != nil {
					return err
				}
			}
			if err := db.WriteBatch(&types.BatchRecord{
				Number:         types.L1BatchNumber(batch),
				FirstMiniblock: types.MiniblockNumber(first),
				LastMiniblock:  types.MiniblockNumber(mb),
			}); err != nil {
				return err
			}
		}

		// Token and factory dep created during batch 3 (miniblock 5).
		if err := db.WriteToken(common.Address{0x70}, 5); err != nil {
			return err
		}
		if err := db.WriteFactoryDep(common.Hash{0xFD}, []byte{0xC0, 0xDE}); err != nil {
			return err
		}
		return db.WriteFactoryDepBlock(5, common.Hash{0xFD})
	})
	if err != nil {
		t.Fatal(err)
	}
}

type fakeTree struct {
	block    uint64
	roots    map[uint64]common.Hash
	reverted []uint64
}

func (f *fakeTree) CurrentBlockNumber() (uint64, error) { return f.block, nil }
func (f *fakeTree) RevertLogs(target uint64) error {
	f.reverted = append(f.reverted, target)
	f.block = target
	return nil
}
func (f *fakeTree) RootHash() (common.Hash, error) { return f.roots[f.block], nil }
func (f *fakeTree) Close() error                   { return nil }

type fakeCache struct {
	batch     uint64
	rollbacks []uint64
}

func (f *fakeCache) CurrentBatchNumber() (uint64, error) { return f.batch, nil }
func (f *fakeCache) ReplayRollback(ctx context.Context, db *hermez_db.HermezDbReader, target uint64) error {
	f.rollbacks = append(f.rollbacks, target)
	f.batch = target
	return nil
}
func (f *fakeCache) Close() error { return nil }

func newTestReverter(t *testing.T, mode L1ExecutedBatchesRevert) (*Reverter, kv.RwDB, *fakeTree, *fakeCache) {
	t.Helper()
	rwDB := memdb.NewTestDB(t)
	seedChain(t, rwDB)

	// Batch n's last miniblock is 2n; its stored state root is {0xAA, 2n}.
	tree := &fakeTree{block: 3, roots: map[uint64]common.Hash{
		1: {0xAA, 0x02},
		2: {0xAA, 0x04},
	}}
	cache := &fakeCache{batch: 3}

	r := NewReverter(rwDB, Config{MerkleTreePath: t.TempDir(), SKCachePath: t.TempDir()}, nil, mode)
	r.openTree = func(string) (MerkleTreeStore, error) { return tree, nil }
	r.openCache = func(string) (CacheStore, error) { return cache, nil }
	return r, rwDB, tree, cache
}

func TestRollbackDBRewindsAllStores(t *testing.T) {
	r, rwDB, tree, cache := newTestReverter(t, Allowed)

	if err := r.RollbackDB(context.Background(), 1, AllFlags); err != nil {
		t.Fatalf("unexpected rollback error: %v", err)
	}

	if len(tree.reverted) != 1 || tree.reverted[0] != 1 {
		t.Fatalf("expected one tree revert to batch 1, got %v", tree.reverted)
	}
	if len(cache.rollbacks) != 1 || cache.rollbacks[0] != 1 {
		t.Fatalf("expected one cache rollback to batch 1, got %v", cache.rollbacks)
	}

	err := rwDB.View(context.Background(), func(tx kv.Tx) error {
		db := hermez_db.NewHermezDbReader(tx)

		lastBatch, err := db.GetLastSealedBatchNo()
		if err != nil {
			return err
		}
		if lastBatch != 1 {
			t.Fatalf("expected last batch 1 after rollback, got %d", lastBatch)
		}
		lastMb, err := db.GetLastSealedMiniblockNo()
		if err != nil {
			return err
		}
		if lastMb != 2 {
			t.Fatalf("expected last miniblock 2 after rollback, got %d", lastMb)
		}

		// Reverted miniblocks' txs are back in the mempool.
		for _, h := range []common.Hash{{3}, {4}, {5}, {6}} {
			pending, err := db.IsTxPending(h)
			if err != nil {
				return err
			}
			if !pending {
				t.Fatalf("expected tx %x to be back in mempool", h)
			}
		}

		// Storage is back at the value written in miniblock 2.
		v, err := db.GetStorage(common.Address{0x01}, common.Hash{0x02})
		if err != nil {
			return err
		}
		if v != (common.Hash{0x02}) {
			t.Fatalf("expected storage reverted to miniblock 2 value, got %x", v)
		}

		// The token and factory dep created in batch 3 are gone.
		if _, found, err := db.GetTokenCreationMiniblock(common.Address{0x70}); err != nil {
			return err
		} else if found {
			t.Fatalf("expected token created after cutoff to be deleted")
		}
		dep, err := db.GetFactoryDep(common.Hash{0xFD})
		if err != nil {
			return err
		}
		if dep != nil {
			t.Fatalf("expected factory dep introduced after cutoff to be deleted")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRollbackDBIsIdempotent(t *testing.T) {
	r, _, tree, cache := newTestReverter(t, Allowed)

	if err := r.RollbackDB(context.Background(), 1, AllFlags); err != nil {
		t.Fatalf("first rollback: %v", err)
	}
	if err := r.RollbackDB(context.Background(), 1, AllFlags); err != nil {
		t.Fatalf("re-running the same rollback must be safe: %v", err)
	}

	// Second invocation found every store already at the target and skipped.
	if len(tree.reverted) != 1 {
		t.Fatalf("expected tree reverted once, got %v", tree.reverted)
	}
	if len(cache.rollbacks) != 1 {
		t.Fatalf("expected cache rolled back once, got %v", cache.rollbacks)
	}
}

func TestRollbackDisallowedBeyondFinality(t *testing.T) {
	r, rwDB, _, _ := newTestReverter(t, Disallowed)

	// L1 has executed up to batch 2: reverting to 1 must be refused.
	err := rwDB.Update(context.Background(), func(tx kv.RwTx) error {
		return hermez_db.NewHermezDb(tx).WriteExecution(100, 2, common.Hash{0x11}, common.Hash{0x22})
	})
	if err != nil {
		t.Fatal(err)
	}

	err = r.RollbackDB(context.Background(), 1, AllFlags)
	if !errors.Is(err, errs.ErrRevertBeyondFinality) {
		t.Fatalf("expected ErrRevertBeyondFinality, got %v", err)
	}

	// Reverting to the frontier itself is allowed.
	if err := r.RollbackDB(context.Background(), 2, AllFlags); err != nil {
		t.Fatalf("revert to the frontier must pass: %v", err)
	}
}

func TestTreeRootMismatchIsFatal(t *testing.T) {
	r, _, tree, _ := newTestReverter(t, Allowed)
	tree.roots[1] = common.Hash{0xBA, 0xD0}

	err := r.RollbackDB(context.Background(), 1, Tree)
	if !errors.Is(err, errs.ErrTreeRootMismatch) {
		t.Fatalf("expected ErrTreeRootMismatch, got %v", err)
	}
}

func TestClearFailedL1Transactions(t *testing.T) {
	r, rwDB, _, _ := newTestReverter(t, Allowed)

	err := rwDB.Update(context.Background(), func(tx kv.RwTx) error {
		db := hermez_db.NewHermezDb(tx)
		if err := db.WriteEthSenderTx(1, common.Hash{0x01}, hermez_db.EthSenderTxMined); err != nil {
			return err
		}
		if err := db.WriteEthSenderTx(2, common.Hash{0x02}, hermez_db.EthSenderTxFailed); err != nil {
			return err
		}
		return db.WriteEthSenderTx(3, common.Hash{0x03}, hermez_db.EthSenderTxFailed)
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := r.ClearFailedL1Transactions(context.Background()); err != nil {
		t.Fatal(err)
	}

	err = rwDB.View(context.Background(), func(tx kv.Tx) error {
		db := hermez_db.NewHermezDbReader(tx)
		if _, _, found, err := db.GetEthSenderTx(1); err != nil || !found {
			t.Fatalf("expected mined row to survive, found=%v err=%v", found, err)
		}
		for _, id := range []uint64{2, 3} {
			if _, _, found, err := db.GetEthSenderTx(id); err != nil {
				return err
			} else if found {
				t.Fatalf("expected failed row %d to be cleared", id)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// fakeL1Client scripts the JSON-RPC surface for the L1 revert path.
type fakeL1Client struct {
	receiptStatus   uint64
	receiptAfter    int // number of polls before the receipt appears
	sentRaw         [][]byte
	contractAnswers map[string]uint64
}

func (f *fakeL1Client) ChainID(context.Context) (uint64, error) { return 1, nil }
func (f *fakeL1Client) PendingBaseFee(context.Context) (*uint256.Int, error) {
	return uint256.NewInt(7), nil
}
func (f *fakeL1Client) PendingNonce(context.Context, common.Address) (uint64, error) {
	return 42, nil
}
func (f *fakeL1Client) CallContract(_ context.Context, _ common.Address, data []byte) ([]byte, error) {
	for sig, v := range f.contractAnswers {
		if string(selector(sig)) == string(data[:4]) {
			u := uint256.NewInt(v)
			b := u.Bytes32()
			return b[:], nil
		}
	}
	return nil, errors.New("unexpected call")
}
func (f *fakeL1Client) SendRawTransaction(_ context.Context, rawTx []byte) (common.Hash, error) {
	f.sentRaw = append(f.sentRaw, rawTx)
	return common.Hash{0x77}, nil
}
func (f *fakeL1Client) TransactionReceipt(context.Context, common.Hash) (uint64, bool, error) {
	if f.receiptAfter > 0 {
		f.receiptAfter--
		return 0, false, nil
	}
	return f.receiptStatus, true, nil
}

func newEthReverter(t *testing.T) *Reverter {
	t.Helper()
	rwDB := memdb.NewTestDB(t)
	return NewReverter(rwDB, Config{}, &EthConfig{
		// Any non-zero 32 bytes below the curve order works as a test key.
		ReverterPrivateKey:       common.Hash{0x01},
		ReverterAddress:          common.Address{0xA0},
		DiamondProxyAddr:         common.Address{0xD1},
		ValidatorTimelockAddr:    common.Address{0x71},
		DefaultPriorityFeePerGas: 9,
	}, Allowed)
}

func TestSendEthereumRevertTransaction(t *testing.T) {
	r := newEthReverter(t)
	client := &fakeL1Client{receiptStatus: 1}

	err := r.SendEthereumRevertTransaction(context.Background(), client, 5, uint256.NewInt(2), 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(client.sentRaw) != 1 {
		t.Fatalf("expected one raw transaction, got %d", len(client.sentRaw))
	}
	if client.sentRaw[0][0] != 0x02 {
		t.Fatalf("expected a typed EIP-1559 envelope, got first byte %x", client.sentRaw[0][0])
	}
}

func TestRevertTransactionRevertedOnChain(t *testing.T) {
	r := newEthReverter(t)
	client := &fakeL1Client{receiptStatus: 0}

	err := r.SendEthereumRevertTransaction(context.Background(), client, 5, uint256.NewInt(2), 42)
	if !errors.Is(err, errs.ErrL1RevertReverted) {
		t.Fatalf("expected ErrL1RevertReverted, got %v", err)
	}
}

func TestSuggestedValues(t *testing.T) {
	r := newEthReverter(t)
	client := &fakeL1Client{contractAnswers: map[string]uint64{
		"getTotalBlocksCommitted()": 30,
		"getTotalBlocksVerified()":  20,
		"getTotalBlocksExecuted()":  10,
	}}

	got, err := r.SuggestedValues(context.Background(), client)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := SuggestedRollbackValues{LastExecutedL1BatchNumber: 10, Nonce: 42, PriorityFee: 9}
	if got != want {
		t.Fatalf("suggested values mismatch: got %+v want %+v", got, want)
	}
}
