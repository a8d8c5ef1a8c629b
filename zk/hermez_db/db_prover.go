package hermez_db

import (
	"fmt"
	"time"

	"github.com/gateway-fm/cdk-erigon-lib/kv"
)

// Tables backing the prover reporter boundary: job metadata written when a
// job is scheduled, proofs and errors written back by prover workers.
const PROVER_JOB_META = "hermez_proverJobMeta" // jobID -> circuit type string
const PROVER_PROOFS = "hermez_proverProofs"    // jobID -> duration ns + processedBy + proof bytes
const PROVER_JOB_ERRORS = "hermez_proverJobErrors" // jobID -> attempts + error string

func CreateProverBuckets(tx kv.RwTx) error {
	for _, t := range []string{PROVER_JOB_META, PROVER_PROOFS, PROVER_JOB_ERRORS} {
		if err := tx.CreateBucket(t); err != nil {
			return err
		}
	}
	return nil
}

// WriteProverJobMeta registers a scheduled job's circuit type. The reporter
// looks this up for every timing histogram it emits.
func (db *HermezDb) WriteProverJobMeta(jobID uint32, circuitType string) error {
	return db.tx.Put(PROVER_JOB_META, Uint64ToBytes(uint64(jobID)), []byte(circuitType))
}

// GetProverJobCircuitType returns the circuit type a job was scheduled
// with, or found=false if no such job exists.
func (db *HermezDbReader) GetProverJobCircuitType(jobID uint32) (string, bool, error) {
	v, err := db.tx.GetOne(PROVER_JOB_META, Uint64ToBytes(uint64(jobID)))
	if err != nil {
		return "", false, err
	}
	if len(v) == 0 {
		return "", false, nil
	}
	return string(v), true, nil
}

// SaveProof persists a generated proof together with how long it took and
// which worker produced it. It fails if the job row does not exist: a proof
// for an unknown job means the job table and the worker have diverged.
func (db *HermezDb) SaveProof(jobID uint32, duration time.Duration, proof []byte, processedBy string) error {
	if _, found, err := db.GetProverJobCircuitType(jobID); err != nil {
		return err
	} else if !found {
		return fmt.Errorf("no prover job with id %d", jobID)
	}

	v := Uint64ToBytes(uint64(duration))
	v = append(v, Uint64ToBytes(uint64(len(processedBy)))...)
	v = append(v, processedBy...)
	v = append(v, proof...)
	return db.tx.Put(PROVER_PROOFS, Uint64ToBytes(uint64(jobID)), v)
}

// GetProof is the inverse of SaveProof.
func (db *HermezDbReader) GetProof(jobID uint32) (duration time.Duration, processedBy string, proof []byte, found bool, err error) {
	v, err := db.tx.GetOne(PROVER_PROOFS, Uint64ToBytes(uint64(jobID)))
	if err != nil {
		return 0, "", nil, false, err
	}
	if len(v) < 16 {
		return 0, "", nil, false, nil
	}
	duration = time.Duration(BytesToUint64(v[:8]))
	nameLen := BytesToUint64(v[8:16])
	if uint64(len(v)) < 16+nameLen {
		return 0, "", nil, false, fmt.Errorf("corrupt proof row for job %d", jobID)
	}
	processedBy = string(v[16 : 16+nameLen])
	proof = v[16+nameLen:]
	return duration, processedBy, proof, true, nil
}

// SaveProofError records a failed attempt. Once attempts reach maxAttempts
// the job is left failed; below that it is requeued for another worker.
func (db *HermezDb) SaveProofError(jobID uint32, reason string, maxAttempts uint32) error {
	key := Uint64ToBytes(uint64(jobID))
	prev, err := db.tx.GetOne(PROVER_JOB_ERRORS, key)
	if err != nil {
		return err
	}
	var attempts uint32
	if len(prev) >= 4 {
		attempts = uint32(BytesToUint64(prev[:4]))
	}
	attempts++

	v := Uint64ToBytes(uint64(attempts))[4:] // 4-byte big-endian attempts
	v = append(v, reason...)
	if err := db.tx.Put(PROVER_JOB_ERRORS, key, v); err != nil {
		return err
	}

	status := ProverJobQueued
	if attempts >= maxAttempts {
		status = ProverJobFailed
	}
	return db.tx.Put(PROVER_JOBS, key, append([]byte{status}, Uint64ToBytes(uint64(attempts))...))
}

// GetProofError returns the latest recorded failure for a job.
func (db *HermezDbReader) GetProofError(jobID uint32) (attempts uint32, reason string, found bool, err error) {
	v, err := db.tx.GetOne(PROVER_JOB_ERRORS, Uint64ToBytes(uint64(jobID)))
	if err != nil {
		return 0, "", false, err
	}
	if len(v) < 4 {
		return 0, "", false, nil
	}
	return uint32(BytesToUint64(v[:4])), string(v[4:]), true, nil
}
