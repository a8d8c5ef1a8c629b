// Command blockrevert is the operator tool that rolls the node's stores
// back to a chosen L1 batch and, when asked, reverts the on-chain rollup
// state through the validator timelock.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/c2h5oh/datasize"
	"github.com/gateway-fm/cdk-erigon-lib/common"
	"github.com/gateway-fm/cdk-erigon-lib/kv"
	"github.com/gateway-fm/cdk-erigon-lib/kv/mdbx"
	"github.com/holiman/uint256"
	"github.com/ledgerwatch/log/v3"
	"github.com/spf13/cobra"

	"github.com/zk-sequencer/corekeeper/zk/revert"
)

var (
	datadir          string
	treePath         string
	cachePath        string
	l1RpcURL         string
	privateKey       string
	reverterAddress  string
	diamondProxy     string
	validatorTimelock string
	defaultPriorityFee uint64

	targetBatch   uint64
	flagPostgres  bool
	flagTree      bool
	flagSKCache   bool
	allowExecuted bool
	dryRun        bool

	nonce       uint64
	priorityFee uint64
)

func main() {
	root := &cobra.Command{
		Use:          "blockrevert",
		Short:        "roll back unfinalized rollup state",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&datadir, "datadir", "", "directory holding the chain database")
	root.PersistentFlags().StringVar(&treePath, "tree-path", "", "path of the merkle tree kv store")
	root.PersistentFlags().StringVar(&cachePath, "cache-path", "", "path of the state-keeper cache kv store")
	root.PersistentFlags().StringVar(&l1RpcURL, "l1-rpc-url", "", "l1 json-rpc endpoint")
	root.PersistentFlags().StringVar(&privateKey, "private-key", "", "hex private key of the reverter account")
	root.PersistentFlags().StringVar(&reverterAddress, "reverter-address", "", "address of the reverter account")
	root.PersistentFlags().StringVar(&diamondProxy, "diamond-proxy", "", "address of the diamond proxy contract")
	root.PersistentFlags().StringVar(&validatorTimelock, "validator-timelock", "", "address of the validator timelock contract")
	root.PersistentFlags().Uint64Var(&defaultPriorityFee, "default-priority-fee", 1_000_000_000, "default priority fee per gas in wei")

	rollbackCmd := &cobra.Command{
		Use:   "rollback",
		Short: "rewind the selected stores to the target batch",
		RunE:  runRollback,
	}
	rollbackCmd.Flags().Uint64Var(&targetBatch, "batch", 0, "last l1 batch to keep")
	rollbackCmd.Flags().BoolVar(&flagPostgres, "relational", false, "roll back the relational store")
	rollbackCmd.Flags().BoolVar(&flagTree, "tree", false, "roll back the merkle tree")
	rollbackCmd.Flags().BoolVar(&flagSKCache, "sk-cache", false, "roll back the state-keeper cache")
	rollbackCmd.Flags().BoolVar(&allowExecuted, "allow-executed-block-reverting", false, "permit reverting past the l1-executed frontier")
	rollbackCmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be reverted without touching anything")

	sendCmd := &cobra.Command{
		Use:   "send-l1-revert",
		Short: "submit the revertBlocks transaction to the validator timelock",
		RunE:  runSendL1Revert,
	}
	sendCmd.Flags().Uint64Var(&targetBatch, "batch", 0, "last l1 batch to keep")
	sendCmd.Flags().Uint64Var(&nonce, "nonce", 0, "nonce to send the revert transaction with")
	sendCmd.Flags().Uint64Var(&priorityFee, "priority-fee", 0, "priority fee per gas in wei; zero uses the default")

	suggestCmd := &cobra.Command{
		Use:   "suggest",
		Short: "print suggested rollback values read from the l1 contracts",
		RunE:  runSuggest,
	}

	clearCmd := &cobra.Command{
		Use:   "clear-failed",
		Short: "remove failed rows from the eth-sender table",
		RunE:  runClearFailed,
	}

	root.AddCommand(rollbackCmd, sendCmd, suggestCmd, clearCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "blockrevert: %v\n", err)
		os.Exit(1)
	}
}

func requireFlags(pairs map[string]string) error {
	for name, value := range pairs {
		if value == "" {
			return fmt.Errorf("flag not set: --%s", name)
		}
	}
	return nil
}

func openChainDB() (kv.RwDB, error) {
	if err := requireFlags(map[string]string{"datadir": datadir}); err != nil {
		return nil, err
	}
	chaindata := filepath.Join(datadir, "chaindata")
	db, err := mdbx.NewMDBX(log.New()).Path(chaindata).
		GrowthStep(16 * datasize.MB).
		Open()
	if err != nil {
		return nil, fmt.Errorf("open chain database at %s: %w", chaindata, err)
	}
	return db, nil
}

func buildReverter(db kv.RwDB, needEth bool) (*revert.Reverter, error) {
	var eth *revert.EthConfig
	if needEth {
		if err := requireFlags(map[string]string{
			"l1-rpc-url":         l1RpcURL,
			"private-key":        privateKey,
			"reverter-address":   reverterAddress,
			"diamond-proxy":      diamondProxy,
			"validator-timelock": validatorTimelock,
		}); err != nil {
			return nil, err
		}
		eth = &revert.EthConfig{
			ReverterPrivateKey:       common.HexToHash(privateKey),
			ReverterAddress:          common.HexToAddress(reverterAddress),
			DiamondProxyAddr:         common.HexToAddress(diamondProxy),
			ValidatorTimelockAddr:    common.HexToAddress(validatorTimelock),
			DefaultPriorityFeePerGas: defaultPriorityFee,
		}
	}

	mode := revert.Disallowed
	if allowExecuted {
		mode = revert.Allowed
	}
	cfg := revert.Config{MerkleTreePath: treePath, SKCachePath: cachePath}
	return revert.NewReverter(db, cfg, eth, mode), nil
}

func selectedFlags() (revert.Flags, error) {
	var flags revert.Flags
	if flagPostgres {
		flags |= revert.Postgres
	}
	if flagTree {
		flags |= revert.Tree
	}
	if flagSKCache {
		flags |= revert.SKCache
	}
	if flags == 0 {
		return 0, fmt.Errorf("nothing selected: pass at least one of --relational, --tree, --sk-cache")
	}
	return flags, nil
}

func runRollback(cmd *cobra.Command, args []string) error {
	if targetBatch == 0 {
		return fmt.Errorf("flag not set: --batch")
	}
	flags, err := selectedFlags()
	if err != nil {
		return err
	}

	db, err := openChainDB()
	if err != nil {
		return err
	}
	defer db.Close()

	r, err := buildReverter(db, false)
	if err != nil {
		return err
	}

	if dryRun {
		log.Info("[block-reverter] dry run: would rewind stores",
			"target", targetBatch, "relational", flagPostgres, "tree", flagTree, "skCache", flagSKCache)
		return nil
	}
	return r.RollbackDB(context.Background(), targetBatch, flags)
}

func runSendL1Revert(cmd *cobra.Command, args []string) error {
	if targetBatch == 0 {
		return fmt.Errorf("flag not set: --batch")
	}

	db, err := openChainDB()
	if err != nil {
		return err
	}
	defer db.Close()

	r, err := buildReverter(db, true)
	if err != nil {
		return err
	}

	ctx := context.Background()
	client, err := revert.DialL1(ctx, l1RpcURL)
	if err != nil {
		return err
	}

	fee := priorityFee
	if fee == 0 {
		fee = defaultPriorityFee
	}
	return r.SendEthereumRevertTransaction(ctx, client, targetBatch, uint256.NewInt(fee), nonce)
}

func runSuggest(cmd *cobra.Command, args []string) error {
	db, err := openChainDB()
	if err != nil {
		return err
	}
	defer db.Close()

	r, err := buildReverter(db, true)
	if err != nil {
		return err
	}

	ctx := context.Background()
	client, err := revert.DialL1(ctx, l1RpcURL)
	if err != nil {
		return err
	}

	values, err := r.SuggestedValues(ctx, client)
	if err != nil {
		return err
	}
	fmt.Printf("last executed l1 batch: %d\nnonce: %d\npriority fee: %d\n",
		values.LastExecutedL1BatchNumber, values.Nonce, values.PriorityFee)
	return nil
}

func runClearFailed(cmd *cobra.Command, args []string) error {
	db, err := openChainDB()
	if err != nil {
		return err
	}
	defer db.Close()

	r, err := buildReverter(db, false)
	if err != nil {
		return err
	}
	return r.ClearFailedL1Transactions(context.Background())
}
