package session

import (
	"time"

	"parley.chat/provision"
	"parley.chat/transcript"
)

// Recorder archives session activity as it happens, so conversations
// survive past the session that produced them. Implementations are
// called from the session's event goroutine and must not block for
// long; failures are logged by the session and never interrupt a live
// call.
type Recorder interface {
	SessionStarted(descriptor *provision.Descriptor, agentID string, startedAt time.Time) error
	EntryAppended(sessionID string, entry transcript.Entry) error
	SessionEnded(sessionID string, endedAt time.Time) error
}

// NoopRecorder drops everything, for when archiving is disabled.
type NoopRecorder struct{}

func (NoopRecorder) SessionStarted(*provision.Descriptor, string, time.Time) error { return nil }

func (NoopRecorder) EntryAppended(string, transcript.Entry) error { return nil }

func (NoopRecorder) SessionEnded(string, time.Time) error { return nil }
