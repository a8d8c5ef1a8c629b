// Package objectstore is the blob storage boundary: the prover reporter
// dumps debug assemblies through it when a worker fails to decode one.
package objectstore

import "context"

// Bucket names a logical blob namespace.
type Bucket string

const (
	// ProverJobs holds per-job debug artifacts uploaded by the reporter.
	ProverJobs Bucket = "prover_jobs"
)

// Store is the narrow surface the reporter needs: write one raw blob under
// a bucket-scoped key.
type Store interface {
	PutRaw(ctx context.Context, bucket Bucket, key string, value []byte) error
}
