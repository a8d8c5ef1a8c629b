// Package metrics registers the Prometheus instruments the state keeper,
// block reverter and prover reporter emit.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	SeqPrefix             = "sequencer_"
	BatchSealTimeName     = SeqPrefix + "batch_seal_time"
	SeqTxCountName        = SeqPrefix + "tx_count"
	SeqRejectedTxCountName = SeqPrefix + "rejected_tx_count"
	SeqMiniblockCountName = SeqPrefix + "miniblock_count"

	RevertPrefix         = "block_reverter_"
	RevertedBatchesName  = RevertPrefix + "reverted_batches"

	ProverPrefix              = "prover_"
	ProofGenerationTimeName   = ProverPrefix + "proof_generation_time"
	CircuitSynthesisTimeName  = ProverPrefix + "circuit_synthesis_time"
	AssemblyFinalizeTimeName  = ProverPrefix + "assembly_finalize_time"
	AssemblyEncodingTimeName  = ProverPrefix + "assembly_encoding_time"
	AssemblyDecodingTimeName  = ProverPrefix + "assembly_decoding_time"
	AssemblyTransferTimeName  = ProverPrefix + "assembly_transferring_time"
	SetupLoadTimeName         = ProverPrefix + "setup_load_time"
	SetupLoadCacheMissName    = ProverPrefix + "setup_loading_cache_miss"
	ProverWaitIdleTimeName    = ProverPrefix + "prover_wait_idle_time"
	SetupLoadWaitIdleTimeName = ProverPrefix + "setup_load_wait_idle_time"
	SchedulerWaitIdleTimeName = ProverPrefix + "scheduler_wait_idle_time"
)

func Init() {
	prometheus.MustRegister(BatchSealTime)
	prometheus.MustRegister(SeqTxCount)
	prometheus.MustRegister(SeqRejectedTxCount)
	prometheus.MustRegister(SeqMiniblockCount)
	prometheus.MustRegister(RevertedBatches)
	prometheus.MustRegister(ProofGenerationTime)
	prometheus.MustRegister(CircuitSynthesisTime)
	prometheus.MustRegister(AssemblyFinalizeTime)
	prometheus.MustRegister(AssemblyEncodingTime)
	prometheus.MustRegister(AssemblyDecodingTime)
	prometheus.MustRegister(AssemblyTransferTime)
	prometheus.MustRegister(SetupLoadTime)
	prometheus.MustRegister(SetupLoadCacheMiss)
	prometheus.MustRegister(ProverWaitIdleTime)
	prometheus.MustRegister(SetupLoadWaitIdleTime)
	prometheus.MustRegister(SchedulerWaitIdleTime)
}

var BatchSealTime = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: BatchSealTimeName,
		Help: "[SEQUENCER] time from batch open to seal in seconds",
	},
	[]string{"sealReason"},
)

var SeqTxCount = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: SeqTxCountName,
		Help: "[SEQUENCER] transactions folded into sealed miniblocks",
	},
)

var SeqRejectedTxCount = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: SeqRejectedTxCountName,
		Help: "[SEQUENCER] transactions rejected by the vm or marked unexecutable",
	},
)

var SeqMiniblockCount = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: SeqMiniblockCountName,
		Help: "[SEQUENCER] sealed miniblocks, fictive ones included",
	},
)

var RevertedBatches = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: RevertedBatchesName,
		Help: "[REVERTER] batches removed by relational rollbacks",
	},
)

var ProofGenerationTime = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: ProofGenerationTimeName,
		Help: "[PROVER] proof generation time in seconds",
	},
	[]string{"circuit_type"},
)

var CircuitSynthesisTime = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: CircuitSynthesisTimeName,
		Help: "[PROVER] circuit synthesis time in seconds",
	},
	[]string{"circuit_type"},
)

var AssemblyFinalizeTime = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: AssemblyFinalizeTimeName,
		Help: "[PROVER] assembly finalization time in seconds",
	},
	[]string{"circuit_type"},
)

var AssemblyEncodingTime = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: AssemblyEncodingTimeName,
		Help: "[PROVER] assembly encoding time in seconds",
	},
	[]string{"circuit_type"},
)

var AssemblyDecodingTime = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: AssemblyDecodingTimeName,
		Help: "[PROVER] assembly decoding time in seconds",
	},
	[]string{"circuit_type"},
)

var AssemblyTransferTime = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: AssemblyTransferTimeName,
		Help: "[PROVER] assembly transfer time in seconds",
	},
	[]string{"circuit_type"},
)

var SetupLoadTime = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: SetupLoadTimeName,
		Help: "[PROVER] setup load time in seconds",
	},
	[]string{"circuit_type"},
)

var SetupLoadCacheMiss = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: SetupLoadCacheMissName,
		Help: "[PROVER] setup loads that missed the cache",
	},
	[]string{"circuit_type"},
)

var ProverWaitIdleTime = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name: ProverWaitIdleTimeName,
		Help: "[PROVER] time provers spent waiting for work in seconds",
	},
)

var SetupLoadWaitIdleTime = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name: SetupLoadWaitIdleTimeName,
		Help: "[PROVER] time the setup loader spent idle in seconds",
	},
)

var SchedulerWaitIdleTime = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name: SchedulerWaitIdleTimeName,
		Help: "[PROVER] time the scheduler spent idle in seconds",
	},
)

// ObserveHistogram records a duration on a circuit-type-tagged histogram.
func ObserveHistogram(h *prometheus.HistogramVec, circuitType string, d time.Duration) {
	h.WithLabelValues(circuitType).Observe(d.Seconds())
}
