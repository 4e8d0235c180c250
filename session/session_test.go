package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"parley.chat/provision"
	"parley.chat/transcript"
	"parley.chat/transport"
)

type fakeProvisioner struct {
	mu          sync.Mutex
	descriptor  *provision.Descriptor
	createErr   error
	createGate  chan struct{}
	createCalls int
	endCalls    []string
	endErr      error
}

func (p *fakeProvisioner) CreateSession(ctx context.Context, agentID, participantName string) (*provision.Descriptor, error) {
	if p.createGate != nil {
		<-p.createGate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createCalls++
	if p.createErr != nil {
		return nil, p.createErr
	}
	descriptor := *p.descriptor
	return &descriptor, nil
}

func (p *fakeProvisioner) EndSession(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endCalls = append(p.endCalls, sessionID)
	return p.endErr
}

func (p *fakeProvisioner) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createCalls
}

func (p *fakeProvisioner) ended() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.endCalls...)
}

type fakeAdapter struct {
	mu           sync.Mutex
	events       chan transport.Event
	connectErr   error
	micErr       error
	connectCalls int
	disconnects  int
	micStates    []bool
	sinksOpened  int
	sinksClosed  atomic.Int32
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{}
}

func (a *fakeAdapter) Connect(ctx context.Context, url, token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connectCalls++
	if a.connectErr != nil {
		return a.connectErr
	}
	a.events = make(chan transport.Event, 32)
	return nil
}

func (a *fakeAdapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disconnects++
	if a.events != nil {
		close(a.events)
		a.events = nil
	}
	return nil
}

func (a *fakeAdapter) SetMicrophoneEnabled(ctx context.Context, enabled bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.micErr != nil {
		return a.micErr
	}
	a.micStates = append(a.micStates, enabled)
	return nil
}

func (a *fakeAdapter) OpenSink(trackID string) (io.Closer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sinksOpened++
	return &fakeSink{closed: &a.sinksClosed}, nil
}

func (a *fakeAdapter) Events() <-chan transport.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.events == nil {
		closed := make(chan transport.Event)
		close(closed)
		return closed
	}
	return a.events
}

func (a *fakeAdapter) emit(ev transport.Event) {
	a.mu.Lock()
	ch := a.events
	a.mu.Unlock()
	if ch != nil {
		ch <- ev
	}
}

func (a *fakeAdapter) connects() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connectCalls
}

func (a *fakeAdapter) micLog() []bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]bool(nil), a.micStates...)
}

func (a *fakeAdapter) opened() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sinksOpened
}

type fakeSink struct {
	closed *atomic.Int32
}

func (s *fakeSink) Close() error {
	s.closed.Add(1)
	return nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	started []string
	entries []transcript.Entry
	ended   []string
}

func (r *fakeRecorder) SessionStarted(descriptor *provision.Descriptor, agentID string, startedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, descriptor.SessionID)
	return nil
}

func (r *fakeRecorder) EntryAppended(sessionID string, entry transcript.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *fakeRecorder) SessionEnded(sessionID string, endedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, sessionID)
	return nil
}

func (r *fakeRecorder) counts() (started, entries, ended int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.started), len(r.entries), len(r.ended)
}

func testDescriptor() *provision.Descriptor {
	return &provision.Descriptor{
		SessionID:           "s1",
		RoomName:            "room-9",
		TransportURL:        "wss://gateway.test/room-9",
		AccessToken:         "tok",
		ParticipantIdentity: "user-1",
		Status:              "active",
	}
}

func quietLogger() *log.Logger {
	logger := log.New(io.Discard)
	logger.SetLevel(log.FatalLevel)
	return logger
}

func newTestSession(p Provisioner, a transport.Adapter, recorder Recorder) *Session {
	return New(p, a, Options{
		AgentID:         "agent-42",
		ParticipantName: "Pat",
		ConnectTimeout:  2 * time.Second,
		SpeechHold:      100 * time.Millisecond,
		Recorder:        recorder,
		Logger:          quietLogger(),
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func startActive(t *testing.T, s *Session, a *fakeAdapter) {
	t.Helper()
	if err := s.Start(context.Background(), ""); err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}
	a.emit(transport.Connected{RoomName: "room-9"})
	waitFor(t, "active state", func() bool {
		snap := s.Snapshot()
		return snap.State == StateActive && snap.MicrophoneOn
	})
}

func TestStartHappyPath(t *testing.T) {
	p := &fakeProvisioner{descriptor: testDescriptor()}
	a := newFakeAdapter()
	r := &fakeRecorder{}
	s := newTestSession(p, a, r)

	startActive(t, s, a)

	snap := s.Snapshot()
	if snap.Loading {
		t.Error("Expected loading to clear once active")
	}
	if !snap.Connected {
		t.Error("Expected connected flag once active")
	}
	if snap.SessionID != "s1" || snap.RoomName != "room-9" {
		t.Errorf("Unexpected session identity in snapshot: %q %q", snap.SessionID, snap.RoomName)
	}

	a.emit(transport.ActiveSpeakersChanged{Identities: []string{"user-1"}})
	waitFor(t, "user speaking", func() bool { return s.Snapshot().UserSpeaking })

	a.emit(transport.TranscriptionReceived{Segments: []transport.Segment{
		{Text: "hello", Final: true, ParticipantID: "user-1"},
	}})
	waitFor(t, "transcript entry", func() bool { return len(s.Snapshot().Entries) == 1 })

	entry := s.Snapshot().Entries[0]
	if entry.Speaker != transcript.SpeakerUser {
		t.Errorf("Expected a user entry, got %q", entry.Speaker)
	}
	if entry.Text != "hello" || !entry.Final {
		t.Errorf("Unexpected entry: %+v", entry)
	}

	waitFor(t, "speaking to settle", func() bool { return !s.Snapshot().UserSpeaking })

	s.Stop(context.Background())

	started, entries, ended := r.counts()
	if started != 1 || entries != 1 || ended != 1 {
		t.Errorf("Expected recorder to see 1 start, 1 entry, 1 end; got %d, %d, %d",
			started, entries, ended)
	}
}

func TestStartWhileStartingIsNoOp(t *testing.T) {
	p := &fakeProvisioner{descriptor: testDescriptor(), createGate: make(chan struct{})}
	a := newFakeAdapter()
	s := newTestSession(p, a, nil)

	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background(), "") }()

	waitFor(t, "connecting state", func() bool { return s.Snapshot().State == StateConnecting })

	if err := s.Start(context.Background(), ""); err != nil {
		t.Errorf("Expected repeated start to be a quiet no-op, got %v", err)
	}
	if err := s.Start(context.Background(), "agent-other"); err != nil {
		t.Errorf("Expected repeated start to be a quiet no-op, got %v", err)
	}

	close(p.createGate)
	if err := <-done; err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}
	a.emit(transport.Connected{})
	waitFor(t, "active state", func() bool { return s.Snapshot().State == StateActive })

	if err := s.Start(context.Background(), ""); err != nil {
		t.Errorf("Expected start while active to be a quiet no-op, got %v", err)
	}

	if got := p.calls(); got != 1 {
		t.Errorf("Expected one provisioning call, got %d", got)
	}

	s.Stop(context.Background())
}

func TestProvisioningFailureEntersError(t *testing.T) {
	p := &fakeProvisioner{createErr: errors.New("backend unreachable")}
	a := newFakeAdapter()
	s := newTestSession(p, a, nil)

	err := s.Start(context.Background(), "")
	if err == nil {
		t.Fatal("Expected a provisioning fault")
	}
	var fault *Fault
	if !errors.As(err, &fault) || fault.Kind != FaultProvisioning {
		t.Errorf("Expected a provisioning fault, got %v", err)
	}

	snap := s.Snapshot()
	if snap.State != StateError {
		t.Errorf("Expected error state, got %v", snap.State)
	}
	if snap.Loading {
		t.Error("Expected loading to clear on failure")
	}
	if snap.Notice == "" {
		t.Error("Expected a user-facing notice on failure")
	}
	if got := a.connects(); got != 0 {
		t.Errorf("Expected no connect attempt after provisioning failed, got %d", got)
	}
}

func TestConnectFailureEntersError(t *testing.T) {
	p := &fakeProvisioner{descriptor: testDescriptor()}
	a := newFakeAdapter()
	a.connectErr = errors.New("dial refused")
	s := newTestSession(p, a, nil)

	err := s.Start(context.Background(), "")
	var fault *Fault
	if !errors.As(err, &fault) || fault.Kind != FaultConnect {
		t.Errorf("Expected a connect fault, got %v", err)
	}

	snap := s.Snapshot()
	if snap.State != StateError || snap.Loading {
		t.Errorf("Expected error state with loading cleared, got %v loading=%v",
			snap.State, snap.Loading)
	}
	if ended := p.ended(); len(ended) != 1 || ended[0] != "s1" {
		t.Errorf("Expected the provisioned session to be ended, got %v", ended)
	}
}

func TestStopFromActiveReleasesEverything(t *testing.T) {
	p := &fakeProvisioner{descriptor: testDescriptor()}
	a := newFakeAdapter()
	s := newTestSession(p, a, nil)

	startActive(t, s, a)

	a.emit(transport.TrackSubscribed{ParticipantID: "agent-7", TrackID: "tr-agent", Kind: transport.KindAudio})
	waitFor(t, "sink to open", func() bool { return a.opened() == 1 })

	s.Stop(context.Background())

	snap := s.Snapshot()
	if snap.State != StateIdle {
		t.Errorf("Expected idle after stop, got %v", snap.State)
	}
	if snap.MicrophoneOn || snap.Connected || snap.UserSpeaking || snap.Loading {
		t.Errorf("Expected all flags cleared after stop: %+v", snap)
	}
	if ended := p.ended(); len(ended) != 1 || ended[0] != "s1" {
		t.Errorf("Expected backend session end, got %v", ended)
	}
	if got := a.sinksClosed.Load(); got != 1 {
		t.Errorf("Expected 1 sink closed, got %d", got)
	}
	mics := a.micLog()
	if len(mics) == 0 || mics[len(mics)-1] != false {
		t.Errorf("Expected the microphone released last, got %v", mics)
	}
}

func TestStopTwiceMatchesStopOnce(t *testing.T) {
	p := &fakeProvisioner{descriptor: testDescriptor()}
	a := newFakeAdapter()
	s := newTestSession(p, a, nil)

	startActive(t, s, a)

	s.Stop(context.Background())
	s.Stop(context.Background())

	snap := s.Snapshot()
	if snap.State != StateIdle {
		t.Errorf("Expected idle after double stop, got %v", snap.State)
	}
	if ended := p.ended(); len(ended) != 1 {
		t.Errorf("Expected a single backend end call, got %v", ended)
	}
}

func TestStopFromIdleIsDefensive(t *testing.T) {
	p := &fakeProvisioner{descriptor: testDescriptor()}
	a := newFakeAdapter()
	s := newTestSession(p, a, nil)

	s.Stop(context.Background())

	snap := s.Snapshot()
	if snap.State != StateIdle {
		t.Errorf("Expected idle, got %v", snap.State)
	}
	if ended := p.ended(); len(ended) != 0 {
		t.Errorf("Expected no backend end call from idle, got %v", ended)
	}
}

func TestTransportDropWhileActiveStopsImplicitly(t *testing.T) {
	p := &fakeProvisioner{descriptor: testDescriptor()}
	a := newFakeAdapter()
	s := newTestSession(p, a, nil)

	startActive(t, s, a)

	a.emit(transport.Disconnected{Reason: "network loss"})
	waitFor(t, "implicit stop", func() bool { return s.Snapshot().State == StateIdle })

	snap := s.Snapshot()
	if snap.MicrophoneOn || snap.Connected || snap.UserSpeaking {
		t.Errorf("Expected derived flags cleared after a transport drop: %+v", snap)
	}
	if ended := p.ended(); len(ended) != 1 || ended[0] != "s1" {
		t.Errorf("Expected backend session end after a transport drop, got %v", ended)
	}
}

func TestStaleProvisioningAfterStop(t *testing.T) {
	p := &fakeProvisioner{descriptor: testDescriptor(), createGate: make(chan struct{})}
	a := newFakeAdapter()
	s := newTestSession(p, a, nil)

	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background(), "") }()
	waitFor(t, "connecting state", func() bool { return s.Snapshot().State == StateConnecting })

	s.Stop(context.Background())
	close(p.createGate)

	if err := <-done; err != nil {
		t.Errorf("Expected the stale start to resolve quietly, got %v", err)
	}

	waitFor(t, "orphaned session end", func() bool {
		ended := p.ended()
		return len(ended) == 1 && ended[0] == "s1"
	})

	if snap := s.Snapshot(); snap.State != StateIdle || snap.SessionID != "" {
		t.Errorf("Expected the stale result to leave no trace, got %+v", snap)
	}
	if got := a.connects(); got != 0 {
		t.Errorf("Expected no connect for a stale attempt, got %d", got)
	}
}

func TestConnectTimeoutForcesError(t *testing.T) {
	p := &fakeProvisioner{descriptor: testDescriptor()}
	a := newFakeAdapter()
	s := New(p, a, Options{
		AgentID:        "agent-42",
		ConnectTimeout: 60 * time.Millisecond,
		Logger:         quietLogger(),
	})

	// The transport dials fine but the room's connected event never
	// arrives.
	if err := s.Start(context.Background(), ""); err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}

	waitFor(t, "timeout to force error", func() bool { return s.Snapshot().State == StateError })

	snap := s.Snapshot()
	if snap.Loading {
		t.Error("Expected loading cleared after timeout")
	}
	if snap.Notice == "" {
		t.Error("Expected a user-facing notice after timeout")
	}
	if ended := p.ended(); len(ended) != 1 || ended[0] != "s1" {
		t.Errorf("Expected the timed-out session to be ended, got %v", ended)
	}
}

func TestMicrophoneFailureIsNonFatal(t *testing.T) {
	p := &fakeProvisioner{descriptor: testDescriptor()}
	a := newFakeAdapter()
	a.micErr = errors.New("no capture device")
	s := newTestSession(p, a, nil)

	if err := s.Start(context.Background(), ""); err != nil {
		t.Fatalf("Failed to start session: %v", err)
	}
	a.emit(transport.Connected{})

	waitFor(t, "mic warning", func() bool { return s.Snapshot().Notice != "" })

	snap := s.Snapshot()
	if snap.State != StateActive {
		t.Errorf("Expected the session to stay active, got %v", snap.State)
	}
	if snap.MicrophoneOn {
		t.Error("Expected the microphone to stay off after the failure")
	}

	s.Stop(context.Background())
}

func TestToggleMicrophone(t *testing.T) {
	p := &fakeProvisioner{descriptor: testDescriptor()}
	a := newFakeAdapter()
	s := newTestSession(p, a, nil)

	startActive(t, s, a)

	if err := s.ToggleMicrophone(context.Background()); err != nil {
		t.Fatalf("Failed to toggle microphone: %v", err)
	}
	if s.Snapshot().MicrophoneOn {
		t.Error("Expected the microphone off after the first toggle")
	}

	if err := s.ToggleMicrophone(context.Background()); err != nil {
		t.Fatalf("Failed to toggle microphone: %v", err)
	}
	if !s.Snapshot().MicrophoneOn {
		t.Error("Expected the microphone on after the second toggle")
	}

	mics := a.micLog()
	if len(mics) != 3 || mics[0] != true || mics[1] != false || mics[2] != true {
		t.Errorf("Unexpected microphone command sequence: %v", mics)
	}

	s.Stop(context.Background())
}

func TestToggleWhileIdleIsRejected(t *testing.T) {
	p := &fakeProvisioner{descriptor: testDescriptor()}
	a := newFakeAdapter()
	s := newTestSession(p, a, nil)

	err := s.ToggleMicrophone(context.Background())
	var fault *Fault
	if !errors.As(err, &fault) || fault.Kind != FaultToggle {
		t.Errorf("Expected a toggle fault, got %v", err)
	}
	if snap := s.Snapshot(); snap.State != StateIdle {
		t.Errorf("Expected the state untouched, got %v", snap.State)
	}
}

func TestSpeakingFollowsTransportEvidence(t *testing.T) {
	p := &fakeProvisioner{descriptor: testDescriptor()}
	a := newFakeAdapter()
	s := newTestSession(p, a, nil)

	startActive(t, s, a)

	a.emit(transport.TrackPublished{ParticipantID: "user-1", TrackID: "tr-mic", Kind: transport.KindAudio})
	waitFor(t, "speaking after publish", func() bool { return s.Snapshot().UserSpeaking })

	a.emit(transport.TrackMuted{ParticipantID: "user-1", TrackID: "tr-mic"})
	waitFor(t, "not speaking after mute", func() bool { return !s.Snapshot().UserSpeaking })

	a.emit(transport.ActiveSpeakersChanged{Identities: []string{"user-1", "agent-7"}})
	waitFor(t, "speaking from speaker set", func() bool { return s.Snapshot().UserSpeaking })

	// The agent alone keeps speaking; the user flag must drop.
	a.emit(transport.ActiveSpeakersChanged{Identities: []string{"agent-7"}})
	waitFor(t, "not speaking when excluded", func() bool { return !s.Snapshot().UserSpeaking })

	s.Stop(context.Background())
}

func TestInterimSegmentMarksTranscribing(t *testing.T) {
	p := &fakeProvisioner{descriptor: testDescriptor()}
	a := newFakeAdapter()
	s := newTestSession(p, a, nil)

	startActive(t, s, a)

	a.emit(transport.TranscriptionReceived{Segments: []transport.Segment{
		{Text: "hel", Final: false, ParticipantID: "user-1"},
	}})
	waitFor(t, "transcribing flag", func() bool {
		snap := s.Snapshot()
		return snap.UserSpeaking && snap.Transcribing
	})

	// Agent segments are recorded but never gate the user flags.
	a.emit(transport.TranscriptionReceived{Segments: []transport.Segment{
		{Text: "hi there", Final: true, ParticipantID: "agent-7"},
	}})
	waitFor(t, "agent entry", func() bool { return len(s.Snapshot().Entries) == 2 })
	if !s.Snapshot().UserSpeaking {
		t.Error("Expected agent speech to leave the user flags alone")
	}

	s.Stop(context.Background())
}

func TestClearTranscriptResetsSequence(t *testing.T) {
	p := &fakeProvisioner{descriptor: testDescriptor()}
	a := newFakeAdapter()
	s := newTestSession(p, a, nil)

	startActive(t, s, a)

	a.emit(transport.TranscriptionReceived{Segments: []transport.Segment{
		{Text: "hello", Final: true, ParticipantID: "user-1"},
	}})
	waitFor(t, "transcript entry", func() bool { return len(s.Snapshot().Entries) == 1 })

	s.ClearTranscript()

	snap := s.Snapshot()
	if len(snap.Entries) != 0 {
		t.Errorf("Expected an empty transcript, got %d entries", len(snap.Entries))
	}
	if snap.TranscriptRevision != 0 {
		t.Errorf("Expected the transcript counter reset, got %d", snap.TranscriptRevision)
	}

	s.Stop(context.Background())
}
