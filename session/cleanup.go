package session

import (
	"context"
	"io"
	"time"

	"parley.chat/provision"
)

// cleanupPlan is everything a finished attempt still owns. Detaching
// the plan from the session invalidates the attempt id, so the
// resources can be released outside the lock without racing events or
// timer callbacks.
type cleanupPlan struct {
	descriptor *provision.Descriptor
	sinks      map[string]io.Closer
	micOn      bool
}

// detachLocked invalidates the current attempt and hands back the
// resources it owned. Callers must hold s.mu.
func (s *Session) detachLocked() cleanupPlan {
	plan := cleanupPlan{
		descriptor: s.descriptor,
		sinks:      s.sinks,
		micOn:      s.micOn,
	}
	s.attemptID = ""
	s.descriptor = nil
	s.localIdentity = ""
	s.sinks = make(map[string]io.Closer)
	if s.attemptTimer != nil {
		s.attemptTimer.Stop()
		s.attemptTimer = nil
	}
	return plan
}

// runCleanup releases everything an attempt acquired, in a fixed
// order, absorbing failures so later steps always run. Running it
// against an empty plan is harmless, which makes repeated stops safe.
func (s *Session) runCleanup(ctx context.Context, plan cleanupPlan) {
	// Tell the backend the session is over. Best effort; the backend
	// reaps abandoned sessions on its own eventually.
	if plan.descriptor != nil {
		if err := s.provisioner.EndSession(ctx, plan.descriptor.SessionID); err != nil {
			fault := newFault(FaultCleanup, "failed to end backend session", err)
			s.log.Warn("Cleanup step failed", "step", "end-session",
				"session", plan.descriptor.SessionID, "error", fault)
		}
		if err := s.recorder.SessionEnded(plan.descriptor.SessionID, time.Now()); err != nil {
			s.log.Warn("Failed to archive session end", "error", err)
		}
	}

	// Release the microphone before dropping the connection, so the
	// transport sees an orderly mute rather than a vanishing track.
	if plan.micOn {
		if err := s.adapter.SetMicrophoneEnabled(ctx, false); err != nil {
			s.log.Warn("Cleanup step failed", "step", "release-microphone", "error", err)
		}
	}

	// Drop the transport connection. The adapter treats disconnecting
	// while already disconnected as a no-op.
	if err := s.adapter.Disconnect(); err != nil {
		s.log.Warn("Cleanup step failed", "step", "disconnect", "error", err)
	}

	// Close the playback sinks opened for remote tracks; leaving them
	// behind would leak across repeated sessions.
	for trackID, sink := range plan.sinks {
		if err := sink.Close(); err != nil {
			s.log.Warn("Cleanup step failed", "step", "close-sink", "track", trackID, "error", err)
		}
	}

	// Back to idle defaults, unless a newer attempt already began while
	// the cleanup steps ran.
	s.mu.Lock()
	if s.attemptID == "" {
		s.speaking.Reset()
		s.micOn = false
		s.connected = false
		s.loading = false
	}
	s.mu.Unlock()
	s.bump()
}

// releaseOrphan ends a backend session whose provisioning outlived the
// attempt that asked for it, so the backend does not keep an agent
// parked in an empty room.
func (s *Session) releaseOrphan(sessionID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), boundaryTimeout)
		defer cancel()
		if err := s.provisioner.EndSession(ctx, sessionID); err != nil {
			s.log.Warn("Failed to end orphaned session", "session", sessionID, "error", err)
		}
		if err := s.recorder.SessionEnded(sessionID, time.Now()); err != nil {
			s.log.Warn("Failed to archive orphaned session end", "session", sessionID, "error", err)
		}
	}()
}
