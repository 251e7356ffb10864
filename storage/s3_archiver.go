package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"

	"github.com/Ankesh-007/peft-studio-sub012/core/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// S3Archiver mirrors verified artifacts to an S3 bucket for off-machine
// retention. It runs after local verification, so the uploaded object's key
// embeds the already-checked sha256.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// NewS3Archiver builds an archiver against the default AWS credential chain.
func NewS3Archiver(ctx context.Context, bucket, prefix, region string, logger *zap.Logger) (*S3Archiver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &S3Archiver{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Archive uploads a verified artifact. Failures are reported to the caller
// but never touch the job record: the local artifact remains authoritative.
func (a *S3Archiver) Archive(ctx context.Context, jobID string, artifact models.Artifact) error {
	data, err := os.ReadFile(artifact.Path)
	if err != nil {
		return fmt.Errorf("failed to read artifact for archive: %w", err)
	}

	key := a.Key(jobID, artifact)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
		Metadata: map[string]string{
			"job-id": jobID,
			"sha256": artifact.SHA256,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload artifact: %w", err)
	}

	a.logger.Info("artifact archived",
		zap.String("job_id", jobID),
		zap.String("bucket", a.bucket),
		zap.String("key", key))
	return nil
}

// Key returns the object key for a job's artifact.
func (a *S3Archiver) Key(jobID string, artifact models.Artifact) string {
	return path.Join(a.prefix, jobID, artifact.SHA256+".bin")
}
