// Package uploader drains a project's finished capture jobs into S3-compatible
// object storage. One Uploader serves one project: it owns a single worker
// goroutine that uploads a job's files one at a time, in the order the
// Project Supervisor enqueued them, so two jobs never race each other's
// bandwidth and a job's own files never interleave.
package uploader

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/syncflow-io/text-egress-worker/internal/events"
	"github.com/syncflow-io/text-egress-worker/internal/telemetry"
)

// Sink receives upload lifecycle events. Implemented by the Project
// Supervisor.
type Sink interface {
	OnUploadEvent(events.UploadEvent)
}

// Request is one job's worth of local files to push to a bucket, under a
// shared key prefix computed by the caller, without a trailing slash:
// {project_name}-{project_id}/{room_name}/text-egress/{topic}/{job_id}.
// Each file is stored under {prefix}/{file_basename}.
type Request struct {
	JobID  string
	Bucket string
	Prefix string
	Files  []events.ParticipantFile
}

// ObjectStore is the seam over the S3-compatible object store. Kept as an
// interface so the Uploader is testable without a live server. PutFile
// returns the number of bytes written so the caller can account for
// uploaded volume without a second stat call.
type ObjectStore interface {
	PutFile(ctx context.Context, bucket, key, path string) (int64, error)
}

// Config describes how to reach one S3-compatible endpoint.
type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Region          string
}

// MinioStore is the default ObjectStore, backed by minio-go — the same
// library reached for when talking to a custom-endpoint,
// statically-credentialed S3-compatible store.
type MinioStore struct {
	client *minio.Client
}

// NewMinioStore dials an S3-compatible endpoint with static credentials.
func NewMinioStore(cfg Config) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("uploader: failed to create object store client: %w", err)
	}
	return &MinioStore{client: client}, nil
}

// PutFile uploads the file at path under key in bucket.
func (s *MinioStore) PutFile(ctx context.Context, bucket, key, path string) (int64, error) {
	info, err := s.client.FPutObject(ctx, bucket, key, path, minio.PutObjectOptions{ContentType: "text/plain"})
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

// Uploader processes one project's upload requests sequentially.
type Uploader struct {
	store   ObjectStore
	sink    Sink
	metrics *telemetry.Metrics
	logger  *zap.Logger
	queue   chan Request
	drain   chan chan struct{}
}

// New creates an Uploader with a bounded backlog. Run must be called to
// drain it. metrics may be nil in tests that don't care about counters.
func New(store ObjectStore, sink Sink, metrics *telemetry.Metrics, logger *zap.Logger, backlog int) *Uploader {
	return &Uploader{
		store:   store,
		sink:    sink,
		metrics: metrics,
		logger:  logger.Named("uploader"),
		queue:   make(chan Request, backlog),
		drain:   make(chan chan struct{}),
	}
}

// Enqueue schedules a job's files for upload. It must never be called while
// the Project Supervisor holds its job-map lock — the channel send can block
// once the backlog fills, and blocking a mailbox goroutine on a full upload
// queue would stall every other job in the project.
func (u *Uploader) Enqueue(req Request) {
	u.queue <- req
}

// Run drains the queue until ctx is cancelled. It is meant to run for the
// lifetime of its project's supervisor, in its own goroutine.
func (u *Uploader) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-u.queue:
			u.process(ctx, req)
		case done := <-u.drain:
			for len(u.queue) > 0 {
				u.process(ctx, <-u.queue)
			}
			close(done)
		}
	}
}

// Drain blocks until every request already enqueued at the time of the call
// has been processed. Used by the Project Supervisor during Deregister to
// flush pending uploads before the process exits.
func (u *Uploader) Drain(ctx context.Context) {
	done := make(chan struct{})
	select {
	case u.drain <- done:
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (u *Uploader) process(ctx context.Context, req Request) {
	u.sink.OnUploadEvent(events.UploadEvent{Kind: events.UploadStarted, JobID: req.JobID, Bucket: req.Bucket})

	uploaded := make([]string, 0, len(req.Files))
	for _, f := range req.Files {
		key := req.Prefix + "/" + filepath.Base(f.Path)
		size, err := u.store.PutFile(ctx, req.Bucket, key, f.Path)
		if err != nil {
			u.logger.Error("upload failed",
				zap.String("job_id", req.JobID),
				zap.String("key", key),
				zap.Error(err),
			)
			u.sink.OnUploadEvent(events.UploadEvent{
				Kind:   events.UploadFailed,
				JobID:  req.JobID,
				Bucket: req.Bucket,
				Files:  uploaded,
				Err:    fmt.Errorf("uploader: failed to upload %s: %w", key, err),
			})
			return
		}
		if u.metrics != nil {
			u.metrics.BytesUploaded.Add(float64(size))
		}
		uploaded = append(uploaded, key)
	}

	u.sink.OnUploadEvent(events.UploadEvent{
		Kind:   events.UploadCompleted,
		JobID:  req.JobID,
		Bucket: req.Bucket,
		Files:  uploaded,
	})
}
