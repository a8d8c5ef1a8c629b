// Package prover implements the reporting boundary external prover workers
// invoke: job results come in, proofs and errors go to the relational
// store, debug assemblies go to blob storage, and every per-job timing
// lands in a circuit-type-tagged histogram. Idle-time reports carry no job
// and go to untagged histograms.
package prover

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gateway-fm/cdk-erigon-lib/kv"
	"github.com/ledgerwatch/log/v3"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zk-sequencer/corekeeper/zk/hermez_db"
	"github.com/zk-sequencer/corekeeper/zk/keeper/errs"
	"github.com/zk-sequencer/corekeeper/zk/metrics"
	"github.com/zk-sequencer/corekeeper/zk/objectstore"
)

// JobResultKind enumerates the closed set of reports a prover worker can
// send back.
type JobResultKind int

const (
	Failure JobResultKind = iota
	ProofGenerated
	Synthesized
	AssemblyFinalized
	AssemblyEncoded
	AssemblyDecoded
	AssemblyTransferred
	SetupLoaded
	FailureWithDebugging
	ProverWaitedIdle
	SetupLoaderWaitedIdle
	SchedulerWaitedIdle
)

// JobResult is one report from a prover worker. Which fields are populated
// depends on Kind; JobID is set for everything except the pure idle-time
// reports.
type JobResult struct {
	Kind     JobResultKind
	JobID    uint32
	Duration time.Duration

	// Failure / FailureWithDebugging
	Error     string
	CircuitID uint8
	Assembly  []byte

	// ProofGenerated
	Proof []byte
	Index int

	// SetupLoaded
	CacheMiss bool

	// ProverWaitedIdle
	ProverID uint32
}

func assemblyDebugBlobURL(jobID uint32, circuitID uint8) string {
	return fmt.Sprintf("assembly_debugging_%d_%d.bin", jobID, circuitID)
}

// Reporter sinks prover worker reports into the relational store, blob
// storage and Prometheus. Persistence failures are fatal for the reporter:
// the prover worker process restarts rather than dropping a proof.
type Reporter struct {
	db          kv.RwDB
	store       objectstore.Store
	maxAttempts uint32
	processedBy string
}

// NewReporter tags saved proofs with POD_NAME, or "Unknown" when the
// environment does not provide one.
func NewReporter(db kv.RwDB, store objectstore.Store, maxAttempts uint32) *Reporter {
	processedBy := os.Getenv("POD_NAME")
	if processedBy == "" {
		processedBy = "Unknown"
	}
	return &Reporter{db: db, store: store, maxAttempts: maxAttempts, processedBy: processedBy}
}

// SendReport handles one worker report. The returned error wraps
// ErrProofPersistFailure whenever a store write failed; callers treat that
// as fatal.
func (r *Reporter) SendReport(ctx context.Context, report JobResult) error {
	switch report.Kind {
	case Failure:
		log.Error("[prover] failed to generate proof", "job", report.JobID, "err", report.Error)
		return r.update(ctx, func(db *hermez_db.HermezDb) error {
			return db.SaveProofError(report.JobID, report.Error, r.maxAttempts)
		})

	case ProofGenerated:
		return r.handleProofGenerated(ctx, report)

	case Synthesized:
		return r.observe(ctx, report, metrics.CircuitSynthesisTime, "synthesized circuit")
	case AssemblyFinalized:
		return r.observe(ctx, report, metrics.AssemblyFinalizeTime, "finalized assembly")
	case AssemblyEncoded:
		return r.observe(ctx, report, metrics.AssemblyEncodingTime, "encoded assembly")
	case AssemblyDecoded:
		return r.observe(ctx, report, metrics.AssemblyDecodingTime, "decoded assembly")
	case AssemblyTransferred:
		return r.observe(ctx, report, metrics.AssemblyTransferTime, "transferred assembly")

	case SetupLoaded:
		circuitType, err := r.circuitType(ctx, report.JobID)
		if err != nil {
			return err
		}
		log.Trace("[prover] setup loaded", "job", report.JobID, "circuit", circuitType, "took", report.Duration, "cacheMiss", report.CacheMiss)
		metrics.ObserveHistogram(metrics.SetupLoadTime, circuitType, report.Duration)
		if report.CacheMiss {
			metrics.SetupLoadCacheMiss.WithLabelValues(circuitType).Inc()
		}
		return nil

	case FailureWithDebugging:
		log.Trace("[prover] failed assembly decoding", "job", report.JobID, "circuit", report.CircuitID, "err", report.Error)
		blobURL := assemblyDebugBlobURL(report.JobID, report.CircuitID)
		if err := r.store.PutRaw(ctx, objectstore.ProverJobs, blobURL, report.Assembly); err != nil {
			return fmt.Errorf("%w: saving debug assembly %s: %v", errs.ErrProofPersistFailure, blobURL, err)
		}
		return nil

	case ProverWaitedIdle:
		log.Trace("[prover] prover waited idle", "prover", report.ProverID, "took", report.Duration)
		metrics.ProverWaitIdleTime.Observe(report.Duration.Seconds())
		return nil
	case SetupLoaderWaitedIdle:
		log.Trace("[prover] setup loader waited idle", "took", report.Duration)
		metrics.SetupLoadWaitIdleTime.Observe(report.Duration.Seconds())
		return nil
	case SchedulerWaitedIdle:
		log.Trace("[prover] scheduler waited idle", "took", report.Duration)
		metrics.SchedulerWaitIdleTime.Observe(report.Duration.Seconds())
		return nil

	default:
		return fmt.Errorf("unknown job result kind %d", report.Kind)
	}
}

func (r *Reporter) handleProofGenerated(ctx context.Context, report JobResult) error {
	circuitType, err := r.circuitType(ctx, report.JobID)
	if err != nil {
		return err
	}
	log.Info("[prover] proof generated",
		"job", report.JobID, "circuit", circuitType, "index", report.Index,
		"sizeKB", len(report.Proof)>>10, "took", report.Duration)
	metrics.ObserveHistogram(metrics.ProofGenerationTime, circuitType, report.Duration)

	return r.update(ctx, func(db *hermez_db.HermezDb) error {
		return db.SaveProof(report.JobID, report.Duration, report.Proof, r.processedBy)
	})
}

// observe handles the timing-only variants: look the job's circuit type up
// and feed the tagged histogram.
func (r *Reporter) observe(ctx context.Context, report JobResult, h *prometheus.HistogramVec, what string) error {
	circuitType, err := r.circuitType(ctx, report.JobID)
	if err != nil {
		return err
	}
	log.Trace("[prover] "+what, "job", report.JobID, "circuit", circuitType, "took", report.Duration)
	metrics.ObserveHistogram(h, circuitType, report.Duration)
	return nil
}

func (r *Reporter) circuitType(ctx context.Context, jobID uint32) (string, error) {
	var circuitType string
	err := r.db.View(ctx, func(tx kv.Tx) error {
		ct, found, err := hermez_db.NewHermezDbReader(tx).GetProverJobCircuitType(jobID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("no prover job with id %d", jobID)
		}
		circuitType = ct
		return nil
	})
	return circuitType, err
}

func (r *Reporter) update(ctx context.Context, f func(db *hermez_db.HermezDb) error) error {
	err := r.db.Update(ctx, func(tx kv.RwTx) error {
		return f(hermez_db.NewHermezDb(tx))
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrProofPersistFailure, err)
	}
	return nil
}
