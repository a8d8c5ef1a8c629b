package objectstore

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Store writes blobs to S3-compatible object storage. Each logical Bucket
// maps to "<prefix><bucket>" so one deployment can namespace several nodes
// in a single physical bucket set.
type S3Store struct {
	client *s3.Client
	prefix string
}

// NewS3Store builds a store from the ambient AWS configuration (env vars,
// shared credentials file, instance role).
func NewS3Store(ctx context.Context, bucketPrefix string) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Store{client: s3.NewFromConfig(cfg), prefix: bucketPrefix}, nil
}

func (s *S3Store) PutRaw(ctx context.Context, bucket Bucket, key string, value []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.prefix + string(bucket)),
		Key:    aws.String(key),
		Body:   bytes.NewReader(value),
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}
	return nil
}
