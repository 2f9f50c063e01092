package supervisor

import "github.com/syncflow-io/text-egress-worker/internal/events"

// Status is a job's position in the state machine:
//
//	(none) -> Started -> Stopped -> Complete
//	             |          |
//	             +-> Failed <+
//
// The supervisor records a job only once its Room Listener reports Started,
// so no recorded job is ever in StatusStarting. Stopped is not terminal: it
// means capture is done and upload is pending; a failed upload moves it to
// Failed.
type Status int

const (
	StatusStarting Status = iota
	StatusStarted
	StatusStopped
	StatusFailed
	StatusComplete
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusStarted:
		return "started"
	case StatusStopped:
		return "stopped"
	case StatusFailed:
		return "failed"
	case StatusComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Job is one capture-and-upload job's full state, as the Project Supervisor
// sees it. A Job is only ever mutated by the supervisor's mailbox goroutine
// (supervisor.Run's single-writer rule) — readers (e.g. the admin surface) take
// a snapshot copy under the read lock instead of holding a pointer across
// calls.
type Job struct {
	ID        string
	SessionID string
	RoomName  string
	Topic     string
	Status    Status
	Files     []events.ParticipantFile
	Uploaded  []string
	Err       error

	cancel func()
}

// Snapshot returns a copy of the job safe to hand to a reader outside the
// mailbox goroutine.
func (j *Job) Snapshot() Job {
	cp := *j
	cp.cancel = nil
	cp.Files = append([]events.ParticipantFile(nil), j.Files...)
	cp.Uploaded = append([]string(nil), j.Uploaded...)
	return cp
}
