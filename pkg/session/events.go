package session

import "github.com/tutorwave/voicekit/pkg/transcript"

// State is the session lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateActive   State = "active"
	StateEnding   State = "ending"
)

// EndReason distinguishes how a session terminated.
type EndReason string

const (
	// EndReasonStopped is a user-initiated stop.
	EndReasonStopped EndReason = "stopped"
	// EndReasonExpired is timer exhaustion; the caller routes to a dedicated
	// session-ended outcome, not a generic error.
	EndReasonExpired EndReason = "expired"
	// EndReasonTransport is an unrecoverable socket failure.
	EndReasonTransport EndReason = "transport"
)

// Event is emitted by the Controller for the caller's UI layer.
type Event interface {
	eventType() string
}

// StateEvent reports a lifecycle transition.
type StateEvent struct {
	State State
}

func (e StateEvent) eventType() string { return "state" }

// TranscriptEvent reports that the transcript changed. Messages is a snapshot
// in arrival order.
type TranscriptEvent struct {
	Messages []transcript.Message
}

func (e TranscriptEvent) eventType() string { return "transcript" }

// SpeakingEvent reports the tutor-speaking indicator.
type SpeakingEvent struct {
	Speaking bool
}

func (e SpeakingEvent) eventType() string { return "speaking" }

// NoticeEvent is a non-blocking, non-fatal notice (server protocol errors).
type NoticeEvent struct {
	Message string
}

func (e NoticeEvent) eventType() string { return "notice" }

// TickEvent reports the advisory client-side countdown.
type TickEvent struct {
	SecondsRemaining int
}

func (e TickEvent) eventType() string { return "tick" }

// EndedEvent is the terminal outcome of one session.
type EndedEvent struct {
	Reason           EndReason
	TotalUsedSeconds int
}

func (e EndedEvent) eventType() string { return "ended" }
