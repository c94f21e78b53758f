// Package artifacts archives full script output in object storage so the
// attack log can point at it instead of carrying large blobs.
package artifacts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Output is the archived record of one execution attempt.
type Output struct {
	SimulationID string        `json:"simulationId"`
	JobID        string        `json:"jobId"`
	ScriptID     string        `json:"scriptId"`
	Attempt      int           `json:"attempt"`
	Stdout       string        `json:"stdout"`
	Stderr       string        `json:"stderr"`
	Duration     time.Duration `json:"durationNs"`
	FinishedAt   time.Time     `json:"finishedAt"`
}

// Key is the object name for an attempt.
func (o Output) Key() string {
	return fmt.Sprintf("%s/%s/attempt-%d.json", o.SimulationID, o.JobID, o.Attempt)
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type MinIOStore struct {
	client *minio.Client
	bucket string
}

// NewMinIOStore connects and makes sure the bucket exists.
func NewMinIOStore(ctx context.Context, cfg MinIOConfig) (*MinIOStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinIOStore{client: client, bucket: cfg.Bucket}, nil
}

// Put stores the output and returns its object key.
func (s *MinIOStore) Put(ctx context.Context, out Output) (string, error) {
	body, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	key := out.Key()
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return key, nil
}
