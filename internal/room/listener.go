package room

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/syncflow-io/text-egress-worker/internal/events"
)

// UpdateSink receives a Room Listener's lifecycle events. Implemented by the
// Project Supervisor.
type UpdateSink interface {
	OnRoomEvent(events.RoomEvent)
}

// StartListeningParams is what a Project Supervisor hands a freshly spawned
// Listener on job dispatch.
type StartListeningParams struct {
	JoinToken string
	ServerURL string
	RoomName  string
	Topic     string // empty means no topic filter
}

// openFile is the scratch-state entry for one participant's still-open
// transcript.
type openFile struct {
	handle *os.File
	path   string
}

// metadataFile is serialized to {tempdir}/metadata.json at termination.
type metadataFile struct {
	RoomName  string `json:"room_name"`
	Topic     string `json:"topic,omitempty"`
	StartedAt int64  `json:"started_at"`
	EndedAt   int64  `json:"ended_at"`
}

// Listener is spawned once per capture job. It owns the job's join token,
// its active room session, its temp directory, and its open file handles
// until the Stopped event is dispatched.
type Listener struct {
	jobID  string
	client Client
	sink   UpdateSink
	logger *zap.Logger

	cancelOnce sync.Once
	cancel     chan struct{}
}

// NewListener creates a Listener for one job. Start must be called exactly
// once.
func NewListener(jobID string, client Client, sink UpdateSink, logger *zap.Logger) *Listener {
	return &Listener{
		jobID:  jobID,
		client: client,
		sink:   sink,
		logger: logger.Named("room").With(zap.String("job_id", jobID)),
		cancel: make(chan struct{}),
	}
}

// Start runs the event loop in its own goroutine and returns immediately.
// The event loop does not watch ctx, and file creates and writes do not use
// it: the room session ends only via Cancel, a natural Disconnected event,
// or the handle's event channel closing.
func (l *Listener) Start(ctx context.Context, params StartListeningParams) {
	go l.run(ctx, params)
}

// Cancel sends the one-shot cancellation signal. Safe to call more than
// once or after the listener has already terminated — the signal is
// send-once, consume-once.
func (l *Listener) Cancel() {
	l.cancelOnce.Do(func() { close(l.cancel) })
}

func (l *Listener) emit(ev events.RoomEvent) {
	l.sink.OnRoomEvent(ev)
}

func (l *Listener) fail(roomName string, err error) {
	l.logger.Error("room listener failed", zap.Error(err))
	l.emit(events.RoomEvent{Kind: events.RoomFailed, JobID: l.jobID, RoomName: roomName, Err: err})
}

func (l *Listener) run(ctx context.Context, params StartListeningParams) {
	// Eager announce — before the join is even attempted — so a subsequent
	// join failure lands as Failed rather than "never started".
	l.emit(events.RoomEvent{
		Kind:     events.RoomStarted,
		JobID:    l.jobID,
		RoomName: params.RoomName,
		Topic:    params.Topic,
		Files:    nil,
	})

	handle, err := l.client.Connect(params.ServerURL, params.JoinToken)
	if err != nil {
		l.fail(params.RoomName, fmt.Errorf("room: join failed: %w", err))
		return
	}

	tempDir, err := os.MkdirTemp("", sanitizeRoomName(params.RoomName)+"-*")
	if err != nil {
		l.fail(params.RoomName, fmt.Errorf("room: failed to create temp dir: %w", err))
		return
	}

	openFiles := make(map[string]openFile) // participant identity -> open file
	var closedFiles []events.ParticipantFile
	topic := params.Topic
	metadata := metadataFile{
		RoomName:  params.RoomName,
		Topic:     topic,
		StartedAt: time.Now().Unix(),
	}

eventLoop:
	for {
		select {
		case <-l.cancel:
			_ = handle.Close()
			break eventLoop
		case ev, ok := <-handle.Events():
			if !ok {
				break eventLoop
			}
			switch e := ev.(type) {
			case DataReceived:
				if terminate := l.handleDataReceived(ctx, e, topic, tempDir, openFiles, params.RoomName); terminate {
					return
				}
			case ParticipantDisconnected:
				l.handleParticipantDisconnected(e, openFiles, &closedFiles)
			case Disconnected:
				break eventLoop
			}
		}
	}

	l.terminate(params.RoomName, topic, tempDir, openFiles, closedFiles, &metadata)
}

// handleDataReceived implements the DataReceived dispatch rules. Returns true
// if the listener must terminate (a write or file-create failure emitted
// Failed already).
func (l *Listener) handleDataReceived(
	ctx context.Context,
	e DataReceived,
	topic string,
	tempDir string,
	openFiles map[string]openFile,
	roomName string,
) bool {
	if e.Participant == "" {
		return false
	}
	if topic != "" && e.Topic != "" && topic != e.Topic {
		return false
	}

	now := time.Now()
	line := fmt.Sprintf("%s|%d|%s\n", now.UTC().Format(time.RFC3339), now.UnixNano(), strings.ToValidUTF8(string(e.Payload), "�"))

	of, ok := openFiles[e.Participant]
	if !ok {
		topicLabel := topic
		if topicLabel == "" {
			topicLabel = "all-topics"
		}
		fileName := fmt.Sprintf("%s-%s-%s.txt", e.Participant, topicLabel, now.UTC().Format(time.RFC3339))
		path := filepath.Join(tempDir, fileName)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			l.fail(roomName, fmt.Errorf("room: failed to create participant file: %w", err))
			return true
		}
		of = openFile{handle: f, path: path}
		openFiles[e.Participant] = of

		l.emit(events.RoomEvent{
			Kind:     events.RoomUpdated,
			JobID:    l.jobID,
			RoomName: roomName,
			Topic:    topic,
			Files:    snapshotFiles(openFiles),
		})
	}

	if _, err := of.handle.WriteString(line); err != nil {
		l.fail(roomName, fmt.Errorf("room: failed to write participant file: %w", err))
		return true
	}
	return false
}

// handleParticipantDisconnected closes the departing participant's file if
// one is open — the only point at which a file closes before overall
// termination.
func (l *Listener) handleParticipantDisconnected(e ParticipantDisconnected, openFiles map[string]openFile, closedFiles *[]events.ParticipantFile) {
	of, ok := openFiles[e.Participant]
	if !ok {
		return
	}
	_ = of.handle.Sync()
	_ = of.handle.Close()
	delete(openFiles, e.Participant)
	*closedFiles = append(*closedFiles, events.ParticipantFile{Participant: e.Participant, Path: of.path})
}

// terminate implements the single exit path: close remaining files, write
// metadata.json, and emit Stopped — or Failed if metadata
// serialization/write fails.
func (l *Listener) terminate(
	roomName, topic, tempDir string,
	openFiles map[string]openFile,
	closedFiles []events.ParticipantFile,
	metadata *metadataFile,
) {
	metadata.EndedAt = time.Now().Unix()

	results := append([]events.ParticipantFile{}, closedFiles...)
	for participant, of := range openFiles {
		_ = of.handle.Sync()
		_ = of.handle.Close()
		results = append(results, events.ParticipantFile{Participant: participant, Path: of.path})
	}

	data, err := json.Marshal(metadata)
	if err != nil {
		l.fail(roomName, fmt.Errorf("room: failed to serialize metadata: %w", err))
		return
	}
	metadataPath := filepath.Join(tempDir, "metadata.json")
	if err := os.WriteFile(metadataPath, data, 0o644); err != nil {
		l.fail(roomName, fmt.Errorf("room: failed to write metadata: %w", err))
		return
	}
	results = append(results, events.ParticipantFile{Participant: "metadata", Path: metadataPath})

	l.emit(events.RoomEvent{
		Kind:     events.RoomStopped,
		JobID:    l.jobID,
		RoomName: roomName,
		Topic:    topic,
		Files:    results,
	})
}

func snapshotFiles(openFiles map[string]openFile) []events.ParticipantFile {
	out := make([]events.ParticipantFile, 0, len(openFiles))
	for participant, of := range openFiles {
		out = append(out, events.ParticipantFile{Participant: participant, Path: of.path})
	}
	return out
}

// sanitizeRoomName strips path separators from a room name before using it
// as a temp-directory prefix.
func sanitizeRoomName(roomName string) string {
	return strings.NewReplacer("/", "_", "\\", "_").Replace(roomName)
}
