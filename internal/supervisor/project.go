// Package supervisor implements the Project Supervisor: the actor that owns
// one project's job-state map, drives the job state machine, and dispatches
// to the Broker Listener, Room Listener, and Uploader collaborators. It is
// the Go-idiom analogue of a real actor mailbox — a single goroutine reading
// off one channel — a generalization of a mutex-guarded registry pattern
// from "connected agents" to "in-flight capture jobs".
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/syncflow-io/text-egress-worker/internal/controlplane"
	"github.com/syncflow-io/text-egress-worker/internal/events"
	"github.com/syncflow-io/text-egress-worker/internal/room"
	"github.com/syncflow-io/text-egress-worker/internal/telemetry"
	"github.com/syncflow-io/text-egress-worker/internal/uploader"
)

// ErrAlreadyRegistered is returned by Register when this supervisor already
// holds a device registration.
var ErrAlreadyRegistered = errors.New("supervisor: already registered")

// botIdentity is the fixed participant identity the worker joins rooms
// under, matching the hidden/subscribe-only grant set minted by the control
// plane.
const botIdentity = "text-egress-bot"

// ProjectSupervisor owns everything scoped to one project: its device
// registration, its job map, and its Uploader. Project Supervisors are
// siblings — one per configured project — and share nothing with each
// other.
type ProjectSupervisor struct {
	projectID   string
	projectName string
	bucket      string
	deviceID    string
	brokerStop  func()

	cpClient   controlplane.Client
	roomClient room.Client
	upload     *uploader.Uploader

	// uploadCtx outlives the mailbox's ctx so that a shutdown signal doesn't
	// race the Uploader's worker goroutine out from under Deregister's
	// Drain call. uploadCancel is invoked once the drain completes.
	uploadCtx    context.Context
	uploadCancel context.CancelFunc

	logger  *zap.Logger
	metrics *telemetry.Metrics

	mailbox chan any

	mu      sync.RWMutex
	jobs    map[string]*Job
	pending map[string]pendingJob
}

// pendingJob carries a dispatched session's bookkeeping between
// handleSessionCreated and the Room Listener's first event — the job record
// itself isn't created until that Started event arrives.
type pendingJob struct {
	sessionID string
	cancel    func()
}

// Config is the static, per-project configuration a supervisor needs at
// construction time.
type Config struct {
	ProjectID   string
	ProjectName string
	Bucket      string
}

// New creates a ProjectSupervisor. Register must be called before Run to
// obtain the project's AMQP routing details from the control plane.
func New(cfg Config, cpClient controlplane.Client, roomClient room.Client, store uploader.ObjectStore, metrics *telemetry.Metrics, logger *zap.Logger) *ProjectSupervisor {
	named := logger.Named("supervisor").With(zap.String("project_id", cfg.ProjectID))
	uploadCtx, uploadCancel := context.WithCancel(context.Background())
	p := &ProjectSupervisor{
		uploadCtx:    uploadCtx,
		uploadCancel: uploadCancel,
		projectID:   cfg.ProjectID,
		projectName: cfg.ProjectName,
		bucket:      cfg.Bucket,
		cpClient:    cpClient,
		roomClient:  roomClient,
		metrics:     metrics,
		logger:      named,
		mailbox:     make(chan any, 256),
		jobs:        make(map[string]*Job),
		pending:     make(map[string]pendingJob),
	}
	p.upload = uploader.New(store, p, metrics, named, 64)
	return p
}

// SetBrokerStopper wires the Broker Listener's Stop method in, so Deregister
// can close it before tearing down the device registration. Must be called
// before Deregister; Run does not depend on it.
func (p *ProjectSupervisor) SetBrokerStopper(stop func()) {
	p.brokerStop = stop
}

// Register registers this worker as a device for the project, returning the
// AMQP exchange/binding-key details a broker.Listener needs. Idempotent
// within a process: a second call fails with ErrAlreadyRegistered rather
// than minting a second device record.
func (p *ProjectSupervisor) Register(ctx context.Context, group string) (*controlplane.DeviceResponse, error) {
	if p.deviceID != "" {
		return nil, ErrAlreadyRegistered
	}

	resp, err := p.cpClient.RegisterDevice(ctx, controlplane.DeviceRegisterRequest{
		Name:  "text-egress-" + p.projectID,
		Group: group,
	})
	if err != nil {
		return nil, fmt.Errorf("supervisor: failed to register device: %w", err)
	}
	p.deviceID = resp.ID
	return resp, nil
}

// Deregister tears down everything Register/Run started, in order: it stops
// the Broker Listener first so no new session can be dispatched, deletes the
// device record, and finally signals the Uploader to drain whatever is left
// in its backlog. A second call on the same supervisor is a no-op.
func (p *ProjectSupervisor) Deregister(ctx context.Context) error {
	if p.deviceID == "" {
		return nil
	}

	if p.brokerStop != nil {
		p.brokerStop()
	}

	if err := p.cpClient.DeleteDevice(ctx, p.deviceID); err != nil {
		return err
	}
	p.deviceID = ""

	p.upload.Drain(ctx)
	p.uploadCancel()
	return nil
}

// Run drives the mailbox loop until ctx is cancelled. It also starts the
// project's Uploader worker, on its own context — see uploadCtx — so it
// keeps running past ctx's cancellation long enough for Deregister to drain
// it.
func (p *ProjectSupervisor) Run(ctx context.Context) {
	go p.upload.Run(p.uploadCtx)

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.mailbox:
			p.handle(ctx, msg)
		}
	}
}

// OnSessionCreated implements broker.SessionSink.
func (p *ProjectSupervisor) OnSessionCreated(e events.SessionCreated) {
	p.mailbox <- e
}

// OnRoomEvent implements room.UpdateSink.
func (p *ProjectSupervisor) OnRoomEvent(e events.RoomEvent) {
	p.mailbox <- e
}

// OnUploadEvent implements uploader.Sink.
func (p *ProjectSupervisor) OnUploadEvent(e events.UploadEvent) {
	p.mailbox <- e
}

func (p *ProjectSupervisor) handle(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case events.SessionCreated:
		p.handleSessionCreated(ctx, m)
	case events.RoomEvent:
		p.handleRoomEvent(m)
	case events.UploadEvent:
		p.handleUploadEvent(m)
	default:
		p.logger.Warn("unrecognized mailbox message", zap.Any("message", msg))
	}
}

// handleSessionCreated mints a join token for the new session and spawns its
// Room Listener. The job itself does not enter the map here — only on
// receipt of that listener's Started event does it become visible to
// Jobs() — so until then the session is tracked solely in p.pending.
func (p *ProjectSupervisor) handleSessionCreated(ctx context.Context, e events.SessionCreated) {
	jobID := uuid.NewString()

	token, err := p.cpClient.MintToken(ctx, controlplane.TokenRequest{
		SessionID: e.SessionID,
		Identity:  botIdentity,
		Name:      botIdentity,
		Grants: controlplane.VideoGrants{
			Room:         e.SessionName,
			RoomJoin:     true,
			CanSubscribe: true,
			CanPublish:   false,
			Hidden:       true,
		},
	})
	if err != nil {
		p.logger.Error("failed to mint room token, dropping session", zap.String("session_id", e.SessionID), zap.Error(err))
		return
	}

	listener := room.NewListener(jobID, p.roomClient, p, p.logger)

	p.mu.Lock()
	p.pending[jobID] = pendingJob{sessionID: e.SessionID, cancel: listener.Cancel}
	p.mu.Unlock()

	listener.Start(ctx, room.StartListeningParams{
		JoinToken: token.Token,
		ServerURL: token.ServerURL,
		RoomName:  e.SessionName,
	})
}

func (p *ProjectSupervisor) handleRoomEvent(e events.RoomEvent) {
	if e.Kind == events.RoomStarted {
		p.startJob(e)
		return
	}

	p.mu.Lock()
	job, ok := p.jobs[e.JobID]
	p.mu.Unlock()
	if !ok {
		p.logger.Warn("room event for unknown job", zap.String("job_id", e.JobID))
		return
	}

	switch e.Kind {
	case events.RoomUpdated:
		p.mu.Lock()
		job.Files = e.Files
		p.mu.Unlock()
	case events.RoomStopped:
		p.mu.Lock()
		job.Status = StatusStopped
		job.Files = e.Files
		p.mu.Unlock()
		p.dispatchUpload(job, e.Files)
	case events.RoomFailed:
		p.mu.Lock()
		job.Status = StatusFailed
		job.Err = e.Err
		p.mu.Unlock()
		p.logger.Error("room listener failed", zap.String("job_id", e.JobID), zap.Error(e.Err))
		if p.metrics != nil {
			p.metrics.JobsFailed.Inc()
		}
	}
}

// startJob is the only place a Job enters the map: it consumes the
// SessionCreated bookkeeping handleSessionCreated stashed in p.pending and
// materializes the Job record as Started.
func (p *ProjectSupervisor) startJob(e events.RoomEvent) {
	p.mu.Lock()
	pj, ok := p.pending[e.JobID]
	if !ok {
		p.mu.Unlock()
		p.logger.Warn("room started for unknown session", zap.String("job_id", e.JobID))
		return
	}
	delete(p.pending, e.JobID)

	p.jobs[e.JobID] = &Job{
		ID:        e.JobID,
		SessionID: pj.sessionID,
		RoomName:  e.RoomName,
		Topic:     e.Topic,
		Status:    StatusStarted,
		cancel:    pj.cancel,
	}
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.JobsStarted.Inc()
	}
}

// dispatchUpload hands the job's files to the Uploader without blocking the
// mailbox goroutine — Enqueue can block once the Uploader's backlog fills,
// and the mailbox must keep servicing every other job in the project while
// that backpressure resolves.
func (p *ProjectSupervisor) dispatchUpload(job *Job, files []events.ParticipantFile) {
	prefix := uploadPrefix(p.projectName, p.projectID, job.RoomName, job.Topic, job.ID)
	req := uploader.Request{JobID: job.ID, Bucket: p.bucket, Prefix: prefix, Files: files}
	go p.upload.Enqueue(req)
}

func (p *ProjectSupervisor) handleUploadEvent(e events.UploadEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[e.JobID]
	if !ok {
		p.logger.Warn("upload event for unknown job", zap.String("job_id", e.JobID))
		return
	}

	switch e.Kind {
	case events.UploadCompleted:
		job.Status = StatusComplete
		job.Uploaded = e.Files
		if p.metrics != nil {
			p.metrics.JobsCompleted.Inc()
		}
	case events.UploadFailed:
		job.Status = StatusFailed
		job.Err = e.Err
		job.Uploaded = e.Files
		p.logger.Error("upload failed", zap.String("job_id", e.JobID), zap.Error(e.Err))
		if p.metrics != nil {
			p.metrics.JobsFailed.Inc()
			p.metrics.UploadFailures.Inc()
		}
	}
}

// uploadPrefix computes the deterministic S3 key prefix:
// {project_name}-{project_id}/{room_name}/text-egress/{topic|"all-topics"}/{job_id}.
func uploadPrefix(projectName, projectID, roomName, topic, jobID string) string {
	topicSegment := topic
	if topicSegment == "" {
		topicSegment = "all-topics"
	}
	return fmt.Sprintf("%s-%s/%s/text-egress/%s/%s", projectName, projectID, roomName, topicSegment, jobID)
}

// Jobs returns a point-in-time snapshot of every known job, safe to read
// concurrently with the mailbox goroutine. Used by the admin HTTP surface.
func (p *ProjectSupervisor) Jobs() []Job {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Job, 0, len(p.jobs))
	for _, j := range p.jobs {
		out = append(out, j.Snapshot())
	}
	return out
}

// ProjectID returns the project this supervisor serves.
func (p *ProjectSupervisor) ProjectID() string {
	return p.projectID
}
