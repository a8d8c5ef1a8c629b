package revert

import (
	"context"
	"fmt"
	"os"

	"github.com/gateway-fm/cdk-erigon-lib/common"
	"github.com/gateway-fm/cdk-erigon-lib/kv"
	"github.com/ledgerwatch/log/v3"

	"github.com/zk-sequencer/corekeeper/zk/hermez_db"
	"github.com/zk-sequencer/corekeeper/zk/keeper/errs"
	"github.com/zk-sequencer/corekeeper/zk/metrics"
)

// Config carries the paths of the two embedded KV stores the reverter may
// rewind. The relational store is passed in as an open kv.RwDB instead: it
// may legitimately be shared with other services, the KVs may not.
type Config struct {
	MerkleTreePath string
	SKCachePath    string
}

// Reverter orchestrates the rollback of the relational store, the Merkle
// tree KV and the state-keeper cache KV to last_l1_batch_to_keep, plus the
// optional L1 contract call that reverts on-chain state. It assumes the
// state keeper is stopped and the KV stores are closed.
type Reverter struct {
	db   kv.RwDB
	cfg  Config
	eth  *EthConfig
	mode L1ExecutedBatchesRevert

	// openTree/openCache default to the real KV opens; tests substitute
	// in-memory doubles.
	openTree  func(path string) (MerkleTreeStore, error)
	openCache func(path string) (CacheStore, error)
}

func NewReverter(db kv.RwDB, cfg Config, eth *EthConfig, mode L1ExecutedBatchesRevert) *Reverter {
	return &Reverter{
		db:        db,
		cfg:       cfg,
		eth:       eth,
		mode:      mode,
		openTree:  OpenMerkleTree,
		openCache: OpenCache,
	}
}

// RollbackDB rewinds the stores selected by flags to lastL1BatchToKeep.
// The order is strict: tree first, then the state-keeper cache, then the
// relational store. Any crash mid-way leaves a prefix-reducible state: each
// store skips itself when already at or below the target, so re-running the
// same invocation is safe.
func (r *Reverter) RollbackDB(ctx context.Context, lastL1BatchToKeep uint64, flags Flags) error {
	if r.mode == Disallowed {
		if err := r.checkFinalityFrontier(ctx, lastL1BatchToKeep); err != nil {
			return err
		}
	}

	if flags.Has(Tree) {
		if err := r.rollbackTree(ctx, lastL1BatchToKeep); err != nil {
			return err
		}
	}
	if flags.Has(SKCache) {
		if err := r.rollbackSKCache(ctx, lastL1BatchToKeep); err != nil {
			return err
		}
	}
	if flags.Has(Postgres) {
		if err := r.rollbackRelational(ctx, lastL1BatchToKeep); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reverter) checkFinalityFrontier(ctx context.Context, lastL1BatchToKeep uint64) error {
	var lastExecuted uint64
	err := r.db.View(ctx, func(tx kv.Tx) error {
		exec, err := hermez_db.NewHermezDbReader(tx).GetLatestExecution()
		if err != nil {
			return err
		}
		if exec != nil {
			lastExecuted = exec.BatchNo
		}
		return nil
	})
	if err != nil {
		return err
	}
	if lastL1BatchToKeep < lastExecuted {
		return fmt.Errorf("%w: target batch %d is below the last batch executed on l1 (%d)",
			errs.ErrRevertBeyondFinality, lastL1BatchToKeep, lastExecuted)
	}
	return nil
}

// rollbackTree rewinds the Merkle tree KV and asserts its root against the
// root the relational store recorded for the target batch. A mismatch means
// state corruption and is fatal.
func (r *Reverter) rollbackTree(ctx context.Context, lastL1BatchToKeep uint64) error {
	storedRoot, err := r.storedRootForBatch(ctx, lastL1BatchToKeep)
	if err != nil {
		return err
	}

	if _, err := os.Stat(r.cfg.MerkleTreePath); os.IsNotExist(err) {
		log.Info("[block-reverter] merkle tree not found; skipping", "path", r.cfg.MerkleTreePath)
		return nil
	}

	tree, err := r.openTree(r.cfg.MerkleTreePath)
	if err != nil {
		return err
	}
	defer tree.Close()

	current, err := tree.CurrentBlockNumber()
	if err != nil {
		return err
	}
	if current <= lastL1BatchToKeep {
		log.Info("[block-reverter] tree is at or behind the target batch; skipping", "tree", current, "target", lastL1BatchToKeep)
		return nil
	}

	log.Info("[block-reverter] rolling back merkle tree", "from", current, "to", lastL1BatchToKeep)
	if err := tree.RevertLogs(lastL1BatchToKeep); err != nil {
		return err
	}

	root, err := tree.RootHash()
	if err != nil {
		return err
	}
	if root != storedRoot {
		return fmt.Errorf("%w: tree root %x, stored root %x at batch %d",
			errs.ErrTreeRootMismatch, root, storedRoot, lastL1BatchToKeep)
	}
	return nil
}

// storedRootForBatch reads the state root the relational store recorded for
// the last miniblock of the target batch.
func (r *Reverter) storedRootForBatch(ctx context.Context, batchNo uint64) (common.Hash, error) {
	var root common.Hash
	err := r.db.View(ctx, func(tx kv.Tx) error {
		reader := hermez_db.NewHermezDbReader(tx)
		batch, err := reader.GetBatch(batchNo)
		if err != nil {
			return err
		}
		if batch == nil {
			return fmt.Errorf("no batch %d in the relational store", batchNo)
		}
		root, err = reader.GetStateRoot(uint64(batch.LastMiniblock))
		return err
	})
	return root, err
}

func (r *Reverter) rollbackSKCache(ctx context.Context, lastL1BatchToKeep uint64) error {
	if _, err := os.Stat(r.cfg.SKCachePath); os.IsNotExist(err) {
		return fmt.Errorf("state-keeper cache path %s does not exist", r.cfg.SKCachePath)
	}

	cache, err := r.openCache(r.cfg.SKCachePath)
	if err != nil {
		return err
	}
	defer cache.Close()

	current, err := cache.CurrentBatchNumber()
	if err != nil {
		return err
	}
	if current <= lastL1BatchToKeep+1 {
		log.Info("[block-reverter] nothing to revert in state keeper cache", "cache", current, "target", lastL1BatchToKeep)
		return nil
	}

	log.Info("[block-reverter] rolling back state keeper cache", "from", current, "to", lastL1BatchToKeep)
	return r.db.View(ctx, func(tx kv.Tx) error {
		return cache.ReplayRollback(ctx, hermez_db.NewHermezDbReader(tx), lastL1BatchToKeep)
	})
}

// rollbackRelational rolls the relational store back in a single
// transaction, so concurrent readers observe either the full pre-rollback
// state or the full cutoff, never a partial one.
func (r *Reverter) rollbackRelational(ctx context.Context, lastL1BatchToKeep uint64) error {
	log.Info("[block-reverter] rolling back relational data", "target", lastL1BatchToKeep)

	return r.db.Update(ctx, func(tx kv.RwTx) error {
		if err := hermez_db.CreateRevertBuckets(tx); err != nil {
			return err
		}
		db := hermez_db.NewHermezDb(tx)

		keepBatch, err := db.GetBatch(lastL1BatchToKeep)
		if err != nil {
			return err
		}
		if keepBatch == nil {
			return fmt.Errorf("no batch %d in the relational store", lastL1BatchToKeep)
		}
		firstMiniblockToDrop := uint64(keepBatch.LastMiniblock) + 1

		lastBatch, err := db.GetLastSealedBatchNo()
		if err != nil {
			return err
		}
		lastMiniblock, err := db.GetLastSealedMiniblockNo()
		if err != nil {
			return err
		}
		if lastBatch <= lastL1BatchToKeep {
			log.Info("[block-reverter] relational store already at or below target; skipping", "last", lastBatch)
			return nil
		}

		log.Info("[block-reverter] rolling back transactions state...")
		if err := db.ResetTransactionsState(firstMiniblockToDrop, lastMiniblock); err != nil {
			return err
		}
		log.Info("[block-reverter] rolling back events...")
		if err := db.DeleteEvents(firstMiniblockToDrop, lastMiniblock); err != nil {
			return err
		}
		log.Info("[block-reverter] rolling back l2 to l1 logs...")
		if err := db.DeleteL2ToL1Logs(firstMiniblockToDrop, lastMiniblock); err != nil {
			return err
		}
		log.Info("[block-reverter] rolling back created tokens...")
		if err := db.DeleteTokensCreatedAfter(firstMiniblockToDrop); err != nil {
			return err
		}
		log.Info("[block-reverter] rolling back factory deps...")
		if err := db.RollbackFactoryDeps(firstMiniblockToDrop); err != nil {
			return err
		}
		log.Info("[block-reverter] rolling back storage...")
		if err := db.RevertStorage(firstMiniblockToDrop); err != nil {
			return err
		}
		log.Info("[block-reverter] rolling back state roots...")
		if err := db.DeleteStateRoots(firstMiniblockToDrop, lastMiniblock); err != nil {
			return err
		}
		log.Info("[block-reverter] rolling back l1 batches...")
		if err := db.DeleteBatches(lastL1BatchToKeep+1, lastBatch); err != nil {
			return err
		}
		log.Info("[block-reverter] rolling back miniblocks...")
		if err := db.DeleteMiniblocks(firstMiniblockToDrop, lastMiniblock); err != nil {
			return err
		}
		metrics.RevertedBatches.Add(float64(lastBatch - lastL1BatchToKeep))
		return nil
	})
}

// ClearFailedL1Transactions removes eth-sender rows marked failed so the
// sender can retry cleanly after a rollback.
func (r *Reverter) ClearFailedL1Transactions(ctx context.Context) error {
	log.Info("[block-reverter] clearing failed L1 transactions...")
	return r.db.Update(ctx, func(tx kv.RwTx) error {
		if err := hermez_db.CreateRevertBuckets(tx); err != nil {
			return err
		}
		n, err := hermez_db.NewHermezDb(tx).ClearFailedL1Transactions()
		if err != nil {
			return err
		}
		log.Info("[block-reverter] cleared failed L1 transactions", "count", n)
		return nil
	})
}
