package revert

import (
	"context"
	"fmt"

	"github.com/c2h5oh/datasize"
	"github.com/gateway-fm/cdk-erigon-lib/kv"
	"github.com/gateway-fm/cdk-erigon-lib/kv/mdbx"
	"github.com/ledgerwatch/log/v3"

	"github.com/zk-sequencer/corekeeper/zk/hermez_db"
)

// CacheStore is the state-keeper cache: an embedded KV mirror of hot
// storage slots used to avoid relational round-trips during execution. It
// only ever needs to be rewound, never replayed forward by the reverter.
type CacheStore interface {
	// CurrentBatchNumber is the highest batch number the cache reflects.
	CurrentBatchNumber() (uint64, error)
	// ReplayRollback walks storage-log history backward from the
	// relational store to restore every slot the cache mirrors to its
	// value as of targetBatch. It runs before the relational store itself
	// is rolled back, so the history rows it needs are still present.
	ReplayRollback(ctx context.Context, db *hermez_db.HermezDbReader, targetBatch uint64) error
	Close() error
}

const (
	cacheMetaBucket    = "sk_cache_meta"    // fixed key "batch" -> current batch number
	cacheStorageBucket = "sk_cache_storage" // address+key -> mirrored slot value
)

var cacheMetaKey = []byte("batch")

var cacheTableCfg = kv.TableCfg{
	cacheMetaBucket:    {},
	cacheStorageBucket: {},
}

type kvCacheStore struct {
	db kv.RwDB
}

// OpenCache opens the state-keeper cache KV at path.
func OpenCache(path string) (CacheStore, error) {
	db, err := mdbx.NewMDBX(log.New()).Path(path).
		WithTableCfg(func(kv.TableCfg) kv.TableCfg { return cacheTableCfg }).
		GrowthStep(16 * datasize.MB).
		Open()
	if err != nil {
		return nil, fmt.Errorf("open state-keeper cache kv at %s: %w", path, err)
	}
	return &kvCacheStore{db: db}, nil
}

func (c *kvCacheStore) Close() error { c.db.Close(); return nil }

func (c *kvCacheStore) CurrentBatchNumber() (uint64, error) {
	var batch uint64
	err := c.db.View(context.Background(), func(tx kv.Tx) error {
		v, err := tx.GetOne(cacheMetaBucket, cacheMetaKey)
		if err != nil {
			return err
		}
		batch = hermez_db.BytesToUint64(v)
		return nil
	})
	return batch, err
}

// ReplayRollback restores mirrored slots from the relational store's
// history side-table: for every slot touched at or after the cutoff, the
// oldest recorded previous value is the value the slot held at the target
// batch, and that is what the mirror gets.
func (c *kvCacheStore) ReplayRollback(ctx context.Context, db *hermez_db.HermezDbReader, targetBatch uint64) error {
	keepBatch, err := db.GetBatch(targetBatch)
	if err != nil {
		return err
	}
	if keepBatch == nil {
		return fmt.Errorf("no batch %d in the relational store", targetBatch)
	}
	cutoff := uint64(keepBatch.LastMiniblock) + 1

	restored, err := db.StorageValuesAt(cutoff)
	if err != nil {
		return err
	}

	return c.db.Update(ctx, func(tx kv.RwTx) error {
		for slot, value := range restored {
			if err := tx.Put(cacheStorageBucket, []byte(slot), value); err != nil {
				return err
			}
		}
		return tx.Put(cacheMetaBucket, cacheMetaKey, hermez_db.Uint64ToBytes(targetBatch))
	})
}
