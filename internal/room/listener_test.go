package room

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/syncflow-io/text-egress-worker/internal/events"
)

// fakeHandle is a hand-written test double for Handle — the pack's test
// style favors small fakes over a mocking framework (e.g. zjrosen-perles'
// repository tests construct a real SQLite-backed implementation rather than
// mock the interface).
type fakeHandle struct {
	events  chan any
	closed  bool
	closeCh chan struct{}
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{events: make(chan any, 16), closeCh: make(chan struct{})}
}

func (h *fakeHandle) Events() <-chan any { return h.events }

func (h *fakeHandle) Close() error {
	if !h.closed {
		h.closed = true
		close(h.closeCh)
	}
	return nil
}

type fakeClient struct {
	handle  *fakeHandle
	connErr error
}

func (c *fakeClient) Connect(serverURL, token string) (Handle, error) {
	if c.connErr != nil {
		return nil, c.connErr
	}
	return c.handle, nil
}

type sinkRecorder struct {
	ch chan events.RoomEvent
}

func newSinkRecorder() *sinkRecorder {
	return &sinkRecorder{ch: make(chan events.RoomEvent, 64)}
}

func (s *sinkRecorder) OnRoomEvent(e events.RoomEvent) { s.ch <- e }

func (s *sinkRecorder) recv(t *testing.T) events.RoomEvent {
	t.Helper()
	select {
	case e := <-s.ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for room event")
		return events.RoomEvent{}
	}
}

func testLogger() *zap.Logger {
	return zap.NewNop()
}

func TestListener_EmitsStartedBeforeJoinAttempt(t *testing.T) {
	client := &fakeClient{connErr: fmt.Errorf("connection refused")}
	sink := newSinkRecorder()
	l := NewListener("job-1", client, sink, testLogger())

	l.Start(context.Background(), StartListeningParams{RoomName: "room-a", ServerURL: "wss://x", JoinToken: "t"})

	started := sink.recv(t)
	require.Equal(t, events.RoomStarted, started.Kind)
	require.Equal(t, "room-a", started.RoomName)

	failed := sink.recv(t)
	require.Equal(t, events.RoomFailed, failed.Kind)
	require.Error(t, failed.Err)
}

func TestListener_DataReceived_WritesLineAndEmitsUpdated(t *testing.T) {
	handle := newFakeHandle()
	client := &fakeClient{handle: handle}
	sink := newSinkRecorder()
	l := NewListener("job-2", client, sink, testLogger())

	l.Start(context.Background(), StartListeningParams{RoomName: "room-b", ServerURL: "wss://x", JoinToken: "t"})
	require.Equal(t, events.RoomStarted, sink.recv(t).Kind)

	handle.events <- DataReceived{Payload: []byte("hello"), Participant: "alice", Topic: "chat"}

	updated := sink.recv(t)
	require.Equal(t, events.RoomUpdated, updated.Kind)
	require.Len(t, updated.Files, 1)
	require.Equal(t, "alice", updated.Files[0].Participant)

	handle.events <- Disconnected{Reason: "bye"}

	stopped := sink.recv(t)
	require.Equal(t, events.RoomStopped, stopped.Kind)
	// one participant file + metadata.json
	require.Len(t, stopped.Files, 2)

	var transcriptPath string
	for _, f := range stopped.Files {
		if f.Participant == "alice" {
			transcriptPath = f.Path
		}
	}
	require.NotEmpty(t, transcriptPath)

	data, err := os.ReadFile(transcriptPath)
	require.NoError(t, err)
	line := string(data)
	parts := strings.SplitN(strings.TrimSuffix(line, "\n"), "|", 3)
	require.Len(t, parts, 3)
	require.Equal(t, "hello", parts[2])
}

func TestListener_TopicFilter_DropsMismatchedTopic(t *testing.T) {
	handle := newFakeHandle()
	client := &fakeClient{handle: handle}
	sink := newSinkRecorder()
	l := NewListener("job-3", client, sink, testLogger())

	l.Start(context.Background(), StartListeningParams{RoomName: "room-c", ServerURL: "wss://x", JoinToken: "t", Topic: "chat"})
	require.Equal(t, events.RoomStarted, sink.recv(t).Kind)

	handle.events <- DataReceived{Payload: []byte("ignored"), Participant: "bob", Topic: "other"}
	handle.events <- Disconnected{Reason: "bye"}

	stopped := sink.recv(t)
	require.Equal(t, events.RoomStopped, stopped.Kind)
	// only metadata.json — the mismatched-topic event never opened a file
	require.Len(t, stopped.Files, 1)
	require.Equal(t, "metadata", stopped.Files[0].Participant)
}

func TestListener_UnknownParticipant_Dropped(t *testing.T) {
	handle := newFakeHandle()
	client := &fakeClient{handle: handle}
	sink := newSinkRecorder()
	l := NewListener("job-4", client, sink, testLogger())

	l.Start(context.Background(), StartListeningParams{RoomName: "room-d", ServerURL: "wss://x", JoinToken: "t"})
	require.Equal(t, events.RoomStarted, sink.recv(t).Kind)

	handle.events <- DataReceived{Payload: []byte("nobody sent this")}
	handle.events <- Disconnected{Reason: "bye"}

	stopped := sink.recv(t)
	require.Len(t, stopped.Files, 1)
	require.Equal(t, "metadata", stopped.Files[0].Participant)
}

func TestListener_ParticipantDisconnected_ClosesFileBeforeTermination(t *testing.T) {
	handle := newFakeHandle()
	client := &fakeClient{handle: handle}
	sink := newSinkRecorder()
	l := NewListener("job-5", client, sink, testLogger())

	l.Start(context.Background(), StartListeningParams{RoomName: "room-e", ServerURL: "wss://x", JoinToken: "t"})
	require.Equal(t, events.RoomStarted, sink.recv(t).Kind)

	handle.events <- DataReceived{Payload: []byte("hi"), Participant: "carol"}
	require.Equal(t, events.RoomUpdated, sink.recv(t).Kind)

	handle.events <- ParticipantDisconnected{Participant: "carol"}
	handle.events <- Disconnected{Reason: "bye"}

	stopped := sink.recv(t)
	require.Equal(t, events.RoomStopped, stopped.Kind)
	require.Len(t, stopped.Files, 2)
}

func TestListener_Cancel_ClosesHandleAndTerminates(t *testing.T) {
	handle := newFakeHandle()
	client := &fakeClient{handle: handle}
	sink := newSinkRecorder()
	l := NewListener("job-6", client, sink, testLogger())

	l.Start(context.Background(), StartListeningParams{RoomName: "room-f", ServerURL: "wss://x", JoinToken: "t"})
	require.Equal(t, events.RoomStarted, sink.recv(t).Kind)

	l.Cancel()
	l.Cancel() // idempotent

	stopped := sink.recv(t)
	require.Equal(t, events.RoomStopped, stopped.Kind)
	require.True(t, handle.closed)
}

func TestListener_FileNaming_UsesTopicOrAllTopics(t *testing.T) {
	handle := newFakeHandle()
	client := &fakeClient{handle: handle}
	sink := newSinkRecorder()
	l := NewListener("job-7", client, sink, testLogger())

	l.Start(context.Background(), StartListeningParams{RoomName: "room-g", ServerURL: "wss://x", JoinToken: "t"})
	require.Equal(t, events.RoomStarted, sink.recv(t).Kind)

	handle.events <- DataReceived{Payload: []byte("hi"), Participant: "dave"}
	updated := sink.recv(t)
	require.Contains(t, filepath.Base(updated.Files[0].Path), "dave-all-topics-")

	handle.events <- Disconnected{Reason: "bye"}
	sink.recv(t)
}
