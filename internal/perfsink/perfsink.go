// Package perfsink archives per-request performance counters once an
// AsyncRequest completes with perf counting enabled (spec §4.6). Grounded
// on the teacher's uploadToMinIO artifact archival in the worker executor,
// repurposed from job-output JSON to per-request profiling data.
package perfsink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/mashoujiang/autodevice/internal/backend"
)

// Sink archives one request's performance counters and returns a URI
// identifying where they were stored.
type Sink interface {
	Archive(ctx context.Context, device, requestID string, counters map[string]backend.ProfileRecord) (string, error)
}

// MemorySink keeps archived counters in-process, for tests and for
// callers that only need the latest snapshot per request.
type MemorySink struct {
	mu    sync.Mutex
	byReq map[string]map[string]backend.ProfileRecord
}

func NewMemorySink() *MemorySink {
	return &MemorySink{byReq: map[string]map[string]backend.ProfileRecord{}}
}

func (m *MemorySink) Archive(_ context.Context, device, requestID string, counters map[string]backend.ProfileRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byReq[requestID] = counters
	return fmt.Sprintf("memory://%s/%s", device, requestID), nil
}

func (m *MemorySink) Get(requestID string) (map[string]backend.ProfileRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.byReq[requestID]
	return v, ok
}

// MinIOConfig configures the object-storage archive.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// MinIOSink uploads each request's counters as a JSON object, one object
// per request, mirroring the teacher's per-task artifact layout.
type MinIOSink struct {
	client *minio.Client
	bucket string
}

func NewMinIOSink(ctx context.Context, cfg MinIOConfig) (*MinIOSink, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("perfsink: minio endpoint is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "autodevice-perfcounters"
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, err
		}
	}
	return &MinIOSink{client: client, bucket: bucket}, nil
}

func (s *MinIOSink) Archive(ctx context.Context, device, requestID string, counters map[string]backend.ProfileRecord) (string, error) {
	b, err := json.MarshalIndent(counters, "", "  ")
	if err != nil {
		return "", err
	}
	objectName := fmt.Sprintf("%s/%s.json", device, requestID)
	_, err = s.client.PutObject(ctx, s.bucket, objectName, bytes.NewReader(b), int64(len(b)), minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("perfcounters://s3/%s/%s", s.bucket, objectName), nil
}
