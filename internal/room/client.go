// Package room owns the real-time room side of a capture job: joining the
// room, demultiplexing its data channel into per-participant files, and
// reporting lifecycle events to a Project Supervisor.
//
// Client abstracts the real-time room client library as an async stream of
// typed room events. The production Client is backed by LiveKit's own Go
// SDK (github.com/livekit/server-sdk-go/v2), the same SDK LiveKit's own
// egress service uses to join a room as a hidden bot participant.
package room

import (
	"fmt"

	lksdk "github.com/livekit/server-sdk-go/v2"
)

// DataReceived mirrors livekit.RoomEvent's DataReceived variant: a payload
// published on the room's data channel, optionally tagged with a sending
// participant identity and a topic.
type DataReceived struct {
	Payload     []byte
	Participant string // empty means "sender unknown" — the event is dropped
	Topic       string // empty means "no topic tag"
}

// ParticipantDisconnected mirrors livekit.RoomEvent's ParticipantDisconnected
// variant.
type ParticipantDisconnected struct {
	Participant string
}

// Disconnected mirrors livekit.RoomEvent's Disconnected variant: the room
// session ended on its own, not via our Cancel.
type Disconnected struct {
	Reason string
}

// Handle is a joined room session. Close leaves the room; Events yields the
// demultiplexed event stream for that session until the room disconnects or
// Close is called.
type Handle interface {
	// Events returns a channel of room events. The channel is closed when
	// the room disconnects (naturally or via Close) — callers should not
	// also rely on a Disconnected event always arriving after a Close.
	Events() <-chan any
	Close() error
}

// Client joins rooms as a hidden, subscribe-only participant.
type Client interface {
	Connect(serverURL, token string) (Handle, error)
}

// LiveKitClient is the default Client, backed by lksdk.
type LiveKitClient struct{}

// NewLiveKitClient creates a LiveKitClient.
func NewLiveKitClient() *LiveKitClient {
	return &LiveKitClient{}
}

// Connect joins the room at serverURL using the given access token and
// returns a Handle whose Events channel carries DataReceived,
// ParticipantDisconnected, and Disconnected values translated from lksdk's
// callback-based API into a pull-style channel.
func (c *LiveKitClient) Connect(serverURL, token string) (Handle, error) {
	h := &liveKitHandle{events: make(chan any, 256)}

	cb := &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnDataPacket: func(data lksdk.DataPacket, params lksdk.DataReceiveParams) {
				participant := params.SenderIdentity
				var topic string
				if up, ok := data.(*lksdk.UserDataPacket); ok {
					topic = up.Topic
					h.send(DataReceived{Payload: up.Payload, Participant: participant, Topic: topic})
					return
				}
				h.send(DataReceived{Participant: participant})
			},
		},
		OnParticipantDisconnected: func(p *lksdk.RemoteParticipant) {
			h.send(ParticipantDisconnected{Participant: p.Identity()})
		},
		OnDisconnected: func() {
			h.send(Disconnected{Reason: "room disconnected"})
			h.closeOnce()
		},
	}

	r, err := lksdk.ConnectToRoomWithToken(serverURL, token, cb, lksdk.WithAutoSubscribe(true))
	if err != nil {
		return nil, fmt.Errorf("room: failed to join: %w", err)
	}
	h.room = r
	return h, nil
}

type liveKitHandle struct {
	room   *lksdk.Room
	events chan any
	closed bool
}

// send blocks if the buffer is full rather than dropping: dropping a data
// event would break monotonic per-participant ordering as observed by the
// Room Listener.
func (h *liveKitHandle) send(ev any) {
	h.events <- ev
}

func (h *liveKitHandle) Events() <-chan any {
	return h.events
}

func (h *liveKitHandle) closeOnce() {
	if !h.closed {
		h.closed = true
		close(h.events)
	}
}

func (h *liveKitHandle) Close() error {
	if h.room != nil {
		h.room.Disconnect()
	}
	h.closeOnce()
	return nil
}
