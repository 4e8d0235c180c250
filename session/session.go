package session

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"parley.chat/etc"
	"parley.chat/provision"
	"parley.chat/transcript"
	"parley.chat/transport"
)

// DefaultConnectTimeout bounds a whole start attempt: provisioning,
// transport connect, and the wait for the room's connected event. An
// attempt still stuck in StateConnecting when it elapses is forced
// into StateError.
const DefaultConnectTimeout = 15 * time.Second

// boundaryTimeout caps the background calls the session makes on its
// own behalf, like releasing resources after a transport drop.
const boundaryTimeout = 10 * time.Second

// Provisioner allocates and releases sessions on the backend.
type Provisioner interface {
	CreateSession(ctx context.Context, agentID, participantName string) (*provision.Descriptor, error)
	EndSession(ctx context.Context, sessionID string) error
}

// Options configure a Session.
type Options struct {
	AgentID         string // default agent when Start is given none
	ParticipantName string
	ConnectTimeout  time.Duration // 0 means DefaultConnectTimeout
	SpeechHold      time.Duration // 0 means DefaultSpeechHold
	Recorder        Recorder      // nil means NoopRecorder
	Logger          *log.Logger
}

// Session drives one voice conversation at a time. Start provisions a
// backend session and connects the transport; from there the session
// folds the transport's event feed into lifecycle state, the speaking
// monitor, and the transcript, until Stop or a transport drop tears it
// down. All methods are safe for concurrent use.
//
// Every attempt gets a fresh attempt id. Events, timer callbacks, and
// late results from in-flight boundary calls all check the id before
// touching state, so work belonging to a finished attempt falls away
// instead of corrupting the next one.
type Session struct {
	provisioner Provisioner
	adapter     transport.Adapter
	recorder    Recorder
	log         *log.Logger

	defaultAgentID  string
	participantName string
	connectTimeout  time.Duration

	transcript *transcript.Log
	speaking   *speakingMonitor

	mu            sync.Mutex
	state         State
	loading       bool
	micOn         bool
	connected     bool
	notice        string
	agentID       string
	descriptor    *provision.Descriptor
	localIdentity string
	attemptID     string
	attemptTimer  *time.Timer
	sinks         map[string]io.Closer

	revision uint64
	changed  chan struct{}
}

// Snapshot is a point-in-time copy of everything a UI renders.
type Snapshot struct {
	State        State
	Loading      bool
	MicrophoneOn bool
	Connected    bool
	UserSpeaking bool
	Transcribing bool
	Notice       string
	AgentID      string
	SessionID    string
	RoomName     string
	Entries      []transcript.Entry

	// TranscriptRevision changes when the transcript does; Revision
	// changes on any observable mutation. Both support change
	// detection without comparing snapshots field by field.
	TranscriptRevision uint64
	Revision           uint64
}

func New(provisioner Provisioner, adapter transport.Adapter, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = NoopRecorder{}
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	s := &Session{
		provisioner:     provisioner,
		adapter:         adapter,
		recorder:        recorder,
		log:             logger,
		defaultAgentID:  opts.AgentID,
		participantName: opts.ParticipantName,
		connectTimeout:  timeout,
		transcript:      transcript.NewLog(),
		sinks:           make(map[string]io.Closer),
		changed:         make(chan struct{}, 1),
	}
	s.speaking = newSpeakingMonitor(opts.SpeechHold, s.bump)
	return s
}

// bump advances the revision counter and pokes anyone waiting on
// Changed. It takes no locks, so it is safe from timer callbacks.
func (s *Session) bump() {
	atomic.AddUint64(&s.revision, 1)
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// Changed yields a signal whenever observable state may have moved.
// Receivers should follow up with Snapshot.
func (s *Session) Changed() <-chan struct{} { return s.changed }

// Revision returns the monotonic change counter.
func (s *Session) Revision() uint64 { return atomic.LoadUint64(&s.revision) }

// Snapshot copies the observable session state for rendering.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		State:        s.state,
		Loading:      s.loading,
		MicrophoneOn: s.micOn,
		Connected:    s.connected,
		Notice:       s.notice,
		AgentID:      s.agentID,
	}
	if s.descriptor != nil {
		snap.SessionID = s.descriptor.SessionID
		snap.RoomName = s.descriptor.RoomName
	}
	s.mu.Unlock()

	snap.UserSpeaking = s.speaking.Speaking()
	snap.Transcribing = s.speaking.Transcribing()
	snap.Entries = s.transcript.Entries()
	snap.TranscriptRevision = s.transcript.Version()
	snap.Revision = atomic.LoadUint64(&s.revision)
	return snap
}

// Start provisions a session for agentID (or the configured default)
// and connects the transport. While a session is already starting or
// active, further calls are logged no-ops.
func (s *Session) Start(ctx context.Context, agentID string) error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		s.log.Info("Ignoring start, session already underway", "state", state)
		return nil
	}
	if agentID == "" {
		agentID = s.defaultAgentID
	}
	if agentID == "" {
		s.mu.Unlock()
		return newFault(FaultProvisioning, "no agent configured", nil)
	}
	attemptID := etc.NewFreshID()
	s.attemptID = attemptID
	s.agentID = agentID
	s.state = StateConnecting
	s.loading = true
	s.notice = ""
	s.armTimerLocked(attemptID)
	s.mu.Unlock()
	s.bump()

	s.log.Info("Starting voice session", "agent", agentID, "attempt", attemptID)

	descriptor, err := s.provisioner.CreateSession(ctx, agentID, s.participantName)
	if err != nil {
		fault := newFault(FaultProvisioning, "could not reach the session backend", err)
		s.failAttempt(ctx, attemptID, fault)
		return fault
	}

	s.mu.Lock()
	if s.attemptID != attemptID {
		s.mu.Unlock()
		s.log.Warn("Discarding session provisioned for a finished attempt",
			"session", descriptor.SessionID)
		s.releaseOrphan(descriptor.SessionID)
		return nil
	}
	s.descriptor = descriptor
	s.localIdentity = descriptor.ParticipantIdentity
	s.mu.Unlock()
	s.bump()

	s.log.Info("Session provisioned",
		"session", descriptor.SessionID,
		"room", descriptor.RoomName,
		"identity", descriptor.ParticipantIdentity)

	if err := s.recorder.SessionStarted(descriptor, agentID, time.Now()); err != nil {
		s.log.Warn("Failed to archive session start", "error", err)
	}

	if err := s.adapter.Connect(ctx, descriptor.TransportURL, descriptor.AccessToken); err != nil {
		fault := newFault(FaultConnect, "could not connect to the voice room", err)
		s.failAttempt(ctx, attemptID, fault)
		return fault
	}

	s.mu.Lock()
	if s.attemptID != attemptID {
		s.mu.Unlock()
		s.log.Warn("Disconnecting transport connected for a finished attempt")
		if err := s.adapter.Disconnect(); err != nil {
			s.log.Warn("Failed to disconnect stale transport", "error", err)
		}
		s.releaseOrphan(descriptor.SessionID)
		return nil
	}
	events := s.adapter.Events()
	s.mu.Unlock()

	go s.pump(attemptID, events)
	return nil
}

// Stop tears the session down. Safe from any state; from StateIdle it
// still runs the cleanup chain defensively.
func (s *Session) Stop(ctx context.Context) {
	s.mu.Lock()
	prior := s.state
	plan := s.detachLocked()
	s.mu.Unlock()

	if prior == StateIdle {
		s.log.Debug("Stop requested while idle, running defensive cleanup")
	} else {
		s.log.Info("Stopping voice session", "state", prior)
	}

	s.runCleanup(ctx, plan)

	s.mu.Lock()
	if s.attemptID == "" {
		s.state = StateIdle
		s.notice = ""
	}
	s.mu.Unlock()
	s.bump()
}

// ToggleMicrophone flips the microphone while a session is active. A
// failed toggle surfaces to the user without disturbing the session.
func (s *Session) ToggleMicrophone(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateActive {
		fault := newFault(FaultToggle, "no active session to toggle", nil)
		s.notice = fault.Message
		s.mu.Unlock()
		s.bump()
		s.log.Warn("Ignoring microphone toggle", "error", fault)
		return fault
	}
	attemptID := s.attemptID
	target := !s.micOn
	s.mu.Unlock()

	if err := s.adapter.SetMicrophoneEnabled(ctx, target); err != nil {
		fault := newFault(FaultToggle, "could not switch the microphone", err)
		s.mu.Lock()
		if s.attemptID == attemptID {
			s.notice = fault.Message
		}
		s.mu.Unlock()
		s.bump()
		s.log.Error("Failed to toggle microphone", "enabled", target, "error", err)
		return fault
	}

	s.mu.Lock()
	if s.attemptID == attemptID {
		s.micOn = target
	}
	s.mu.Unlock()
	s.bump()
	s.log.Info("Microphone toggled", "enabled", target)
	return nil
}

// ExportTranscript renders the finalized transcript with a dated
// filename for saving.
func (s *Session) ExportTranscript() ([]byte, string) {
	return s.transcript.Export()
}

// ClearTranscript wipes the transcript and its change counter. Safe in
// any lifecycle state.
func (s *Session) ClearTranscript() {
	s.transcript.Clear()
	s.bump()
	s.log.Info("Transcript cleared")
}

// armTimerLocked bounds the attempt: if it is still connecting when
// the timer fires, the attempt is failed. Callers must hold s.mu.
func (s *Session) armTimerLocked(attemptID string) {
	if s.attemptTimer != nil {
		s.attemptTimer.Stop()
	}
	s.attemptTimer = time.AfterFunc(s.connectTimeout, func() {
		s.expireAttempt(attemptID)
	})
}

func (s *Session) expireAttempt(attemptID string) {
	s.mu.Lock()
	if s.attemptID != attemptID || s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.log.Error("Session connect timed out", "attempt", attemptID, "timeout", s.connectTimeout)
	ctx, cancel := context.WithTimeout(context.Background(), boundaryTimeout)
	defer cancel()
	s.failAttempt(ctx, attemptID, newFault(FaultConnect, "timed out connecting to the voice room", nil))
}

// failAttempt moves a still-current attempt into StateError, surfaces
// the fault, and releases whatever the attempt had acquired. Attempts
// already finished are left alone.
func (s *Session) failAttempt(ctx context.Context, attemptID string, fault *Fault) {
	s.mu.Lock()
	if s.attemptID != attemptID {
		s.mu.Unlock()
		return
	}
	plan := s.detachLocked()
	s.state = StateError
	s.loading = false
	s.notice = fault.Message
	s.mu.Unlock()
	s.bump()

	s.log.Error("Voice session failed", "kind", fault.Kind, "error", fault)
	s.runCleanup(ctx, plan)
}

// pump folds transport events into session state until the feed
// closes. One pump runs per attempt; events from a previous attempt's
// pump fail the attempt id check and fall away.
func (s *Session) pump(attemptID string, events <-chan transport.Event) {
	for ev := range events {
		s.handleEvent(attemptID, ev)
	}
	s.log.Debug("Transport event feed closed", "attempt", attemptID)
}

func (s *Session) handleEvent(attemptID string, ev transport.Event) {
	if d, ok := ev.(transport.Disconnected); ok {
		s.handleDisconnected(attemptID, d)
		return
	}

	s.mu.Lock()
	if s.attemptID != attemptID {
		s.mu.Unlock()
		s.log.Debug("Dropping event from a finished attempt", "event", ev.EventType())
		return
	}

	local := s.localIdentity
	sessionID := ""
	if s.descriptor != nil {
		sessionID = s.descriptor.SessionID
	}

	var becameActive bool
	var subscribed string
	var unsubscribed io.Closer
	var appended []transcript.Entry

	switch ev := ev.(type) {
	case transport.Connected:
		if s.state != StateConnecting {
			break
		}
		s.state = StateActive
		s.connected = true
		s.loading = false
		if s.attemptTimer != nil {
			s.attemptTimer.Stop()
			s.attemptTimer = nil
		}
		becameActive = true
		s.log.Info("Voice session active", "room", ev.RoomName)

	case transport.ParticipantConnected:
		s.log.Info("Participant joined", "identity", ev.Identity, "name", ev.Name)

	case transport.TrackPublished:
		if ev.Kind == transport.KindAudio && ev.ParticipantID == local {
			s.speaking.SetSpeaking(true)
		}
		s.log.Debug("Track published",
			"participant", ev.ParticipantID, "track", ev.TrackID, "kind", ev.Kind)

	case transport.TrackUnpublished:
		if ev.ParticipantID == local {
			s.speaking.SetSpeaking(false)
		}

	case transport.TrackMuted:
		if ev.ParticipantID == local {
			s.speaking.SetSpeaking(false)
		}

	case transport.TrackUnmuted:
		// Unmuting makes speech possible again but is not itself
		// evidence of speech; the next active-speakers set decides.
		s.log.Debug("Track unmuted", "participant", ev.ParticipantID, "track", ev.TrackID)

	case transport.TrackSubscribed:
		if ev.Kind == "" || ev.Kind == transport.KindAudio {
			subscribed = ev.TrackID
		}
		s.log.Debug("Track subscribed", "participant", ev.ParticipantID, "track", ev.TrackID)

	case transport.TrackUnsubscribed:
		if sink, ok := s.sinks[ev.TrackID]; ok {
			delete(s.sinks, ev.TrackID)
			unsubscribed = sink
		}

	case transport.ActiveSpeakersChanged:
		userSpeaking := false
		for _, identity := range ev.Identities {
			if identity == local {
				userSpeaking = true
			} else {
				s.log.Debug("Remote participant speaking", "identity", identity)
			}
		}
		s.speaking.SetSpeaking(userSpeaking)

	case transport.TranscriptionReceived:
		for _, seg := range ev.Segments {
			entry := s.transcript.Append(transcript.Segment{
				Text:          seg.Text,
				Final:         seg.Final,
				Confidence:    seg.Confidence,
				ParticipantID: seg.ParticipantID,
				TrackID:       seg.TrackID,
			}, local)
			appended = append(appended, entry)
			if entry.Speaker == transcript.SpeakerUser {
				if entry.Final {
					s.speaking.MarkFinal()
				} else {
					s.speaking.MarkInterim()
				}
			} else {
				s.log.Debug("Agent transcript segment", "final", entry.Final, "text", entry.Text)
			}
		}

	default:
		s.log.Debug("Unhandled transport event", "event", ev.EventType())
	}
	s.mu.Unlock()
	s.bump()

	if becameActive {
		s.enableMicrophone(attemptID)
	}
	if subscribed != "" {
		s.attachSink(attemptID, subscribed)
	}
	if unsubscribed != nil {
		if err := unsubscribed.Close(); err != nil {
			s.log.Warn("Failed to close audio sink", "error", err)
		}
	}
	for _, entry := range appended {
		if err := s.recorder.EntryAppended(sessionID, entry); err != nil {
			s.log.Warn("Failed to archive transcript entry", "error", err)
		}
	}
}

// handleDisconnected turns a transport drop into an implicit stop
// when the session was active, or a connect failure when the room fell
// over before it ever connected.
func (s *Session) handleDisconnected(attemptID string, ev transport.Disconnected) {
	s.mu.Lock()
	if s.attemptID != attemptID {
		s.mu.Unlock()
		return
	}
	prior := s.state
	plan := s.detachLocked()
	if prior == StateConnecting {
		s.state = StateError
		s.loading = false
		s.notice = "lost the voice room while connecting"
	}
	s.mu.Unlock()
	s.bump()

	s.log.Info("Transport disconnected", "reason", ev.Reason, "state", prior)

	ctx, cancel := context.WithTimeout(context.Background(), boundaryTimeout)
	defer cancel()
	s.runCleanup(ctx, plan)

	if prior != StateConnecting {
		s.mu.Lock()
		if s.attemptID == "" {
			s.state = StateIdle
			s.notice = ""
		}
		s.mu.Unlock()
		s.bump()
	}
}

// enableMicrophone runs once the room connects. Failure leaves the
// session active with the microphone off and warns the user.
func (s *Session) enableMicrophone(attemptID string) {
	ctx, cancel := context.WithTimeout(context.Background(), boundaryTimeout)
	defer cancel()
	if err := s.adapter.SetMicrophoneEnabled(ctx, true); err != nil {
		fault := newFault(FaultMicrophone, "microphone unavailable, the agent cannot hear you", err)
		s.log.Warn("Failed to enable microphone", "error", err)
		s.mu.Lock()
		if s.attemptID == attemptID {
			s.notice = fault.Message
		}
		s.mu.Unlock()
		s.bump()
		return
	}

	s.mu.Lock()
	if s.attemptID != attemptID {
		s.mu.Unlock()
		return
	}
	s.micOn = true
	s.mu.Unlock()
	s.bump()
	s.log.Info("Microphone enabled")
}

// attachSink opens a playback sink for a newly subscribed remote
// track, so its audio has somewhere to land. Sinks are tracked per
// attempt and closed during cleanup.
func (s *Session) attachSink(attemptID, trackID string) {
	sink, err := s.adapter.OpenSink(trackID)
	if err != nil {
		s.log.Warn("Failed to open audio sink", "track", trackID, "error", err)
		return
	}

	s.mu.Lock()
	if s.attemptID != attemptID {
		s.mu.Unlock()
		sink.Close()
		return
	}
	prev := s.sinks[trackID]
	s.sinks[trackID] = sink
	s.mu.Unlock()
	s.bump()

	if prev != nil {
		prev.Close()
	}
}
