// Package artifacts keeps raw scanner output in an S3-compatible bucket so
// findings can be audited against what the tool actually printed.
package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/CosmoTheDev/ctrlscan-orchestrator/internal/config"
	"github.com/CosmoTheDev/ctrlscan-orchestrator/models"
)

// Store writes objects to one bucket.
type Store struct {
	client *minio.Client
	bucket string
}

// Enabled reports whether cfg names an endpoint and bucket.
func Enabled(cfg config.ArtifactsConfig) bool {
	return cfg.Endpoint != "" && cfg.Bucket != ""
}

// New connects to the endpoint in cfg and creates the bucket when missing.
func New(ctx context.Context, cfg config.ArtifactsConfig) (*Store, error) {
	if !Enabled(cfg) {
		return nil, fmt.Errorf("artifacts: endpoint and bucket are required")
	}
	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("artifacts: creating client: %w", err)
	}

	exists, err := cli.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("artifacts: checking bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("artifacts: creating bucket %s: %w", cfg.Bucket, err)
		}
		slog.Info("Created artifact bucket", "bucket", cfg.Bucket)
	}
	return &Store{client: cli, bucket: cfg.Bucket}, nil
}

// ObjectKey is where the raw output of one scanner run is stored.
func ObjectKey(jobID string, kind models.ScannerKind) string {
	return path.Join("scans", jobID, string(kind)+".json")
}

// PutRawOutput uploads raw under ObjectKey(jobID, kind).
func (s *Store) PutRawOutput(ctx context.Context, jobID string, kind models.ScannerKind, raw []byte) error {
	key := ObjectKey(jobID, kind)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(raw), int64(len(raw)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"job-id":  jobID,
			"scanner": string(kind),
		},
	})
	if err != nil {
		return fmt.Errorf("artifacts: uploading %s: %w", key, err)
	}
	slog.Debug("Stored raw scanner output", "job_id", jobID, "scanner", kind, "bytes", len(raw))
	return nil
}

// URL is the object URL of key. Private buckets need a presigned URL instead.
func (s *Store) URL(key string) string {
	return fmt.Sprintf("%s/%s/%s", s.client.EndpointURL(), s.bucket, key)
}
