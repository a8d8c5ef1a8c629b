package revert

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/c2h5oh/datasize"
	"github.com/gateway-fm/cdk-erigon-lib/common"
	"github.com/gateway-fm/cdk-erigon-lib/kv"
	"github.com/gateway-fm/cdk-erigon-lib/kv/mdbx"
	"github.com/ledgerwatch/log/v3"
)

// MerkleTreeStore is the narrow surface the reverter needs from the
// sparse Merkle tree backing rollup state roots. Forward application is
// the proving pipeline's job; RevertLogs walks the same node-key buckets
// backward instead of forward.
type MerkleTreeStore interface {
	// CurrentBlockNumber is the highest block number the tree has applied
	// logs for.
	CurrentBlockNumber() (uint64, error)
	// RevertLogs deletes every node write made by blocks after target,
	// restoring the tree to the state it had right after target.
	RevertLogs(target uint64) error
	// RootHash is the tree's current root after whatever logs are applied.
	RootHash() (common.Hash, error)
	Close() error
}

const (
	treeRootsBucket = "tree_block_roots" // blockNo -> root hash
	treeLogsBucket  = "tree_node_log"    // blockNo+seq -> node key deleted on revert
)

var treeTableCfg = kv.TableCfg{
	treeRootsBucket: {},
	treeLogsBucket:  {},
}

// kvMerkleTree tracks one root hash per applied block plus an ordered log
// of node writes per block: enough to support the reverter's
// revert/root-hash/persist cycle without re-deriving the sparse-Merkle-
// tree math, which belongs to the proving pipeline.
type kvMerkleTree struct {
	db kv.RwDB
}

// OpenMerkleTree opens the tree KV at path.
func OpenMerkleTree(path string) (MerkleTreeStore, error) {
	db, err := mdbx.NewMDBX(log.New()).Path(path).
		WithTableCfg(func(kv.TableCfg) kv.TableCfg { return treeTableCfg }).
		GrowthStep(16 * datasize.MB).
		Open()
	if err != nil {
		return nil, fmt.Errorf("open merkle tree kv at %s: %w", path, err)
	}
	return &kvMerkleTree{db: db}, nil
}

func (t *kvMerkleTree) Close() error { t.db.Close(); return nil }

func (t *kvMerkleTree) CurrentBlockNumber() (uint64, error) {
	var highest uint64
	err := t.db.View(context.Background(), func(tx kv.Tx) error {
		c, err := tx.Cursor(treeRootsBucket)
		if err != nil {
			return err
		}
		defer c.Close()
		k, _, err := c.Last()
		if err != nil {
			return err
		}
		if len(k) == 8 {
			highest = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	return highest, err
}

func (t *kvMerkleTree) RootHash() (common.Hash, error) {
	var root common.Hash
	err := t.db.View(context.Background(), func(tx kv.Tx) error {
		c, err := tx.Cursor(treeRootsBucket)
		if err != nil {
			return err
		}
		defer c.Close()
		_, v, err := c.Last()
		if err != nil {
			return err
		}
		root = common.BytesToHash(v)
		return nil
	})
	return root, err
}

// RevertLogs deletes every root/log entry recorded for blocks after
// target, newest first.
func (t *kvMerkleTree) RevertLogs(target uint64) error {
	return t.db.Update(context.Background(), func(tx kv.RwTx) error {
		for _, bucket := range []string{treeRootsBucket, treeLogsBucket} {
			c, err := tx.RwCursor(bucket)
			if err != nil {
				return err
			}
			defer c.Close()
			for k, _, err := c.Last(); k != nil; k, _, err = c.Prev() {
				if err != nil {
					return err
				}
				if len(k) < 8 {
					continue
				}
				if binary.BigEndian.Uint64(k[:8]) <= target {
					break
				}
				if err := c.DeleteCurrent(); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
