package ioport

import (
	"context"
	"encoding/json"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gateway-fm/cdk-erigon-lib/common"
	"github.com/gateway-fm/cdk-erigon-lib/kv"

	"github.com/zk-sequencer/corekeeper/zk/hermez_db"
	"github.com/zk-sequencer/corekeeper/zk/types"
	"github.com/zk-sequencer/corekeeper/zk/updates"
	"github.com/zk-sequencer/corekeeper/zk/vmadapter"
)

// PENDING_BATCH_CTX holds the single BlockContext row of the batch
// currently being built: written when its first miniblock is sealed,
// deleted atomically with the batch seal. Its presence is what makes a
// batch "pending" across a crash.
const PENDING_BATCH_CTX = "hermez_pendingBatchCtx"

var pendingCtxKey = []byte("ctx")

// mempoolPollInterval is how often the port re-reads the mempool bucket
// while waiting out a WaitForNextTx timeout.
const mempoolPollInterval = 10 * time.Millisecond

// DBPort is the production I/O port, backed by the same KV store the
// block reverter rolls back. All durability guarantees reduce to one
// rule: everything a commit covers goes through a single kv.RwDB Update.
type DBPort struct {
	db kv.RwDB

	// requeued holds transactions handed back via RollbackTx; they are
	// re-delivered ahead of the mempool, in order, and requeuedSet guards
	// against the same hash being queued twice. Only the keeper task
	// touches these, so no lock.
	requeued    []types.Transaction
	requeuedSet mapset.Set[common.Hash]

	// lastTimestamp is the last value CurrentMiniblockTimestamp returned,
	// seeded from the last sealed miniblock so monotonicity survives a
	// restart.
	lastTimestamp uint64

	// Now is the wall clock; overridable in tests.
	Now func() time.Time
}

// NewDBPort opens a port over db, creating the buckets it needs and
// seeding the timestamp floor from the last sealed miniblock.
func NewDBPort(ctx context.Context, db kv.RwDB) (*DBPort, error) {
	p := &DBPort{db: db, Now: time.Now, requeuedSet: mapset.NewSet[common.Hash]()}
	err := db.Update(ctx, func(tx kv.RwTx) error {
		if err := hermez_db.CreateHermezBuckets(tx); err != nil {
			return err
		}
		if err := hermez_db.CreateRevertBuckets(tx); err != nil {
			return err
		}
		if err := tx.CreateBucket(PENDING_BATCH_CTX); err != nil {
			return err
		}
		last, err := hermez_db.NewHermezDbReader(tx).GetLastSealedMiniblockNo()
		if err != nil {
			return err
		}
		if last > 0 {
			mb, err := hermez_db.NewHermezDbReader(tx).GetMiniblock(last)
			if err != nil {
				return err
			}
			if mb != nil {
				p.lastTimestamp = mb.Timestamp
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// LoadPendingBatch reconstructs the batch whose miniblocks were sealed
// durably but whose batch seal never landed: the replay input after a
// crash.
func (p *DBPort) LoadPendingBatch(ctx context.Context) (*PendingBatchData, error) {
	var pending *PendingBatchData
	err := p.db.View(ctx, func(tx kv.Tx) error {
		ctxRow, err := tx.GetOne(PENDING_BATCH_CTX, pendingCtxKey)
		if err != nil {
			return err
		}
		if len(ctxRow) == 0 {
			return nil
		}
		var blockCtx BlockContext
		if err := json.Unmarshal(ctxRow, &blockCtx); err != nil {
			return err
		}

		reader := hermez_db.NewHermezDbReader(tx)
		lastMb, err := reader.GetLastSealedMiniblockNo()
		if err != nil {
			return err
		}

		var firstPending uint64 = 1
		lastBatch, err := reader.GetLastSealedBatchNo()
		if err != nil {
			return err
		}
		if lastBatch > 0 {
			sealed, err := reader.GetBatch(lastBatch)
			if err != nil {
				return err
			}
			firstPending = uint64(sealed.LastMiniblock) + 1
		}

		pending = &PendingBatchData{BlockContext: blockCtx}
		for no := firstPending; no <= lastMb; no++ {
			mb, err := reader.GetMiniblock(no)
			if err != nil {
				return err
			}
			if mb == nil {
				continue
			}
			pmb := PendingMiniblock{Number: mb.Number, Timestamp: mb.Timestamp}
			for _, h := range mb.TxHashes {
				raw, err := reader.GetPendingTx(h)
				if err != nil {
					return err
				}
				pmb.Txs = append(pmb.Txs, types.Transaction{Hash: h, Raw: raw})
			}
			pending.Miniblocks = append(pending.Miniblocks, pmb)
		}
		if len(pending.Miniblocks) == 0 {
			pending = nil
		}
		return nil
	})
	return pending, err
}

// WaitForNextTx re-delivers rolled-back transactions first, then polls the
// mempool bucket until timeout. Mempool delivery order follows the bucket's
// key order; arrival fairness is the pool feeder's concern, not the
// port's.
func (p *DBPort) WaitForNextTx(ctx context.Context, timeout time.Duration) (*types.Transaction, error) {
	if len(p.requeued) > 0 {
		tx := p.requeued[0]
		p.requeued = p.requeued[1:]
		p.requeuedSet.Remove(tx.Hash)
		return &tx, nil
	}

	deadline := p.Now().Add(timeout)
	for {
		var found *types.Transaction
		err := p.db.View(ctx, func(tx kv.Tx) error {
			c, err := tx.Cursor(hermez_db.TX_IN_MEMPOOL)
			if err != nil {
				return err
			}
			defer c.Close()
			k, _, err := c.First()
			if err != nil {
				return err
			}
			if k == nil {
				return nil
			}
			hash := common.BytesToHash(k)
			raw, err := hermez_db.NewHermezDbReader(tx).GetPendingTx(hash)
			if err != nil {
				return err
			}
			found = &types.Transaction{Hash: hash, Raw: raw}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if found != nil {
			return found, nil
		}
		if !p.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(mempoolPollInterval):
		}
	}
}

func (p *DBPort) MarkTxExecuted(ctx context.Context, txn types.Transaction) error {
	return p.db.Update(ctx, func(tx kv.RwTx) error {
		return tx.Delete(hermez_db.TX_IN_MEMPOOL, txn.Hash.Bytes())
	})
}

func (p *DBPort) RollbackTx(ctx context.Context, txn types.Transaction) error {
	if err := p.db.Update(ctx, func(tx kv.RwTx) error {
		return hermez_db.NewHermezDb(tx).MarkTxPendingAgain(txn.Hash)
	}); err != nil {
		return err
	}
	if p.requeuedSet.Add(txn.Hash) {
		p.requeued = append(p.requeued, txn)
	}
	return nil
}

func (p *DBPort) RejectTx(ctx context.Context, txn types.Transaction, reason string) error {
	return p.db.Update(ctx, func(tx kv.RwTx) error {
		db := hermez_db.NewHermezDb(tx)
		if err := tx.Delete(hermez_db.TX_IN_MEMPOOL, txn.Hash.Bytes()); err != nil {
			return err
		}
		return db.WriteTxExecutionResult(txn.Hash, &types.ExecutionResult{
			Status:       types.ExecutionRejected,
			RejectReason: reason,
		})
	})
}

// SealMiniblock durably commits one non-terminal miniblock plus everything
// its transactions produced. The pending-batch context row is written
// alongside the batch's first miniblock, making the batch replayable from
// here on.
func (p *DBPort) SealMiniblock(ctx context.Context, snapshot updates.MiniblockSnapshot) error {
	return p.db.Update(ctx, func(tx kv.RwTx) error {
		db := hermez_db.NewHermezDb(tx)
		if err := p.writeMiniblock(db, snapshot, nil); err != nil {
			return err
		}

		ctxRow, err := tx.GetOne(PENDING_BATCH_CTX, pendingCtxKey)
		if err != nil {
			return err
		}
		if len(ctxRow) == 0 {
			blockCtx := BlockContext{
				BatchNumber:              snapshot.Record.BatchNumber,
				BaseSystemContractHashes: snapshot.BaseSystemContractHashes,
			}
			data, err := json.Marshal(&blockCtx)
			if err != nil {
				return err
			}
			return tx.Put(PENDING_BATCH_CTX, pendingCtxKey, data)
		}
		return nil
	})
}

// SealL1Batch commits the batch, its concluding miniblock and the VM's
// bookkeeping in one transaction: all visible together, or none after a
// crash.
func (p *DBPort) SealL1Batch(ctx context.Context, batch updates.BatchSnapshot, fictiveMiniblock updates.MiniblockSnapshot, blockResult vmadapter.VmBlockResult) error {
	return p.db.Update(ctx, func(tx kv.RwTx) error {
		db := hermez_db.NewHermezDb(tx)
		if err := p.writeMiniblock(db, fictiveMiniblock, blockResult.BlockTipResult.L2ToL1Messages); err != nil {
			return err
		}
		if err := db.WriteBatch(&batch.Record); err != nil {
			return err
		}
		return tx.Delete(PENDING_BATCH_CTX, pendingCtxKey)
	})
}

// writeMiniblock persists one sealed miniblock. tipMessages carries the
// bootloader tip's bookkeeping for a batch-concluding miniblock; nil for
// in-batch seals.
func (p *DBPort) writeMiniblock(db *hermez_db.HermezDb, snapshot updates.MiniblockSnapshot, tipMessages []types.L2ToL1Message) error {
	if err := db.WriteMiniblock(&snapshot.Record); err != nil {
		return err
	}
	no := uint64(snapshot.Record.Number)

	// Events and messages are indexed per miniblock, so all transactions'
	// output is flattened into one write each.
	var events []common.Hash
	messages := append([]types.L2ToL1Message{}, tipMessages...)
	for _, t := range snapshot.Txs {
		if err := db.WriteTxExecutionResult(t.Tx.Hash, &t.Result); err != nil {
			return err
		}
		events = append(events, t.Result.Events...)
		messages = append(messages, t.Result.L2ToL1Messages...)
	}
	if len(events) > 0 {
		if err := db.WriteEvents(no, events); err != nil {
			return err
		}
	}
	if len(messages) > 0 {
		if err := db.WriteL2ToL1Logs(no, messages); err != nil {
			return err
		}
	}
	return nil
}

// CurrentMiniblockTimestamp returns the wall clock clamped to be strictly
// greater than the previous value, so miniblock timestamps stay monotone
// even across clock slew or sub-second seals.
func (p *DBPort) CurrentMiniblockTimestamp(ctx context.Context) (uint64, error) {
	ts := uint64(p.Now().Unix())
	if ts <= p.lastTimestamp {
		ts = p.lastTimestamp + 1
	}
	p.lastTimestamp = ts
	return ts, nil
}
