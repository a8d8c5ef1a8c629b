// Command sequencer runs the state keeper: it pulls transactions from the
// mempool tables, executes them, and seals miniblocks and L1 batches into
// the chain database.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/gateway-fm/cdk-erigon-lib/kv"
	"github.com/gateway-fm/cdk-erigon-lib/kv/mdbx"
	"github.com/ledgerwatch/log/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/zk-sequencer/corekeeper/zk/hermez_db"
	"github.com/zk-sequencer/corekeeper/zk/keeper"
	"github.com/zk-sequencer/corekeeper/zk/keeper/ioport"
	"github.com/zk-sequencer/corekeeper/zk/metrics"
	"github.com/zk-sequencer/corekeeper/zk/types"
	"github.com/zk-sequencer/corekeeper/zk/vmadapter"
)

var (
	datadirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "directory holding the chain database",
	}
	txSlotsFlag = &cli.IntFlag{
		Name:  "transaction-slots",
		Usage: "maximum transactions per L1 batch",
		Value: 250,
	}
	maxSingleTxGasFlag = &cli.Uint64Flag{
		Name:  "max-single-tx-gas",
		Usage: "l1 gas ceiling per batch phase, base costs included",
		Value: 6_000_000,
	}
	closeAtGasPctFlag = &cli.Float64Flag{
		Name:  "close-batch-at-gas-percentage",
		Usage: "fraction of the gas ceiling at which a batch seals proactively",
		Value: 0.95,
	}
	rejectAtGasPctFlag = &cli.Float64Flag{
		Name:  "reject-tx-at-gas-percentage",
		Usage: "fraction of the gas ceiling a single tx may reach before it is unexecutable",
		Value: 0.95,
	}
	miniblockMaxTxsFlag = &cli.IntFlag{
		Name:  "miniblock-max-txs",
		Usage: "seal the open miniblock once it holds this many transactions",
		Value: 50,
	}
	miniblockSealTimeFlag = &cli.DurationFlag{
		Name:  "miniblock-seal-time",
		Usage: "seal the open miniblock once it has been open this long",
		Value: time.Second,
	}
	metricsAddrFlag = &cli.StringFlag{
		Name:  "metrics-addr",
		Usage: "listen address for the prometheus endpoint, empty disables it",
	}
)

func main() {
	app := &cli.App{
		Name:  "sequencer",
		Usage: "run the zk rollup state keeper",
		Flags: []cli.Flag{
			datadirFlag,
			txSlotsFlag,
			maxSingleTxGasFlag,
			closeAtGasPctFlag,
			rejectAtGasPctFlag,
			miniblockMaxTxsFlag,
			miniblockSealTimeFlag,
			metricsAddrFlag,
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Error("[state-keeper] exiting", "err", err)
		os.Exit(1)
	}
}

func applyFlags(cliCtx *cli.Context) keeper.Config {
	checkFlag := func(name, value string) {
		if value == "" {
			panic(fmt.Sprintf("Flag not set: %s", name))
		}
	}
	checkFlag(datadirFlag.Name, cliCtx.String(datadirFlag.Name))

	return keeper.Config{
		TransactionSlots:          cliCtx.Int(txSlotsFlag.Name),
		MaxSingleTxGas:            cliCtx.Uint64(maxSingleTxGasFlag.Name),
		CloseBatchAtGasPercentage: cliCtx.Float64(closeAtGasPctFlag.Name),
		RejectTxAtGasPercentage:   cliCtx.Float64(rejectAtGasPctFlag.Name),
		MiniblockMaxTxs:           cliCtx.Int(miniblockMaxTxsFlag.Name),
		MiniblockSealTime:         cliCtx.Duration(miniblockSealTimeFlag.Name),
	}
}

func run(cliCtx *cli.Context) error {
	cfg := applyFlags(cliCtx)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics.Init()
	if addr := cliCtx.String(metricsAddrFlag.Name); addr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, nil); err != nil {
				log.Error("[state-keeper] metrics listener failed", "err", err)
			}
		}()
	}

	chaindata := filepath.Join(cliCtx.String(datadirFlag.Name), "chaindata")
	db, err := mdbx.NewMDBX(log.New()).Path(chaindata).
		GrowthStep(16 * datasize.MB).
		Open()
	if err != nil {
		return fmt.Errorf("open chain database at %s: %w", chaindata, err)
	}
	defer db.Close()

	port, err := ioport.NewDBPort(ctx, db)
	if err != nil {
		return err
	}

	var lastBatch, lastMiniblock uint64
	err = db.View(ctx, func(tx kv.Tx) error {
		reader := hermez_db.NewHermezDbReader(tx)
		if lastBatch, err = reader.GetLastSealedBatchNo(); err != nil {
			return err
		}
		lastMiniblock, err = reader.GetLastSealedMiniblockNo()
		return err
	})
	if err != nil {
		return err
	}

	k := keeper.New(port, vmadapter.New(vmadapter.NewLoopbackExecutor()),
		types.L1BatchNumber(lastBatch), types.MiniblockNumber(lastMiniblock))
	k.Sealer, k.MiniblockSealers = keeper.BuildSealers(cfg)
	k.PollWait = cfg.PollWait

	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()

	log.Info("[state-keeper] starting", "lastBatch", lastBatch, "lastMiniblock", lastMiniblock)
	return k.Run(ctx, stop)
}
