package transport

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

// testGatewayServer accepts one websocket client, records inbound
// frames, and replays whatever the test queues on outbound.
type testGatewayServer struct {
	srv      *httptest.Server
	outbound chan interface{}

	mu       sync.Mutex
	inbound  []map[string]interface{}
	authSeen string
}

func newTestGatewayServer(t *testing.T) *testGatewayServer {
	t.Helper()

	gw := &testGatewayServer{
		outbound: make(chan interface{}, 16),
	}

	upgrader := websocket.Upgrader{}
	gw.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gw.mu.Lock()
		gw.authSeen = r.Header.Get("Authorization")
		gw.mu.Unlock()

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		go func() {
			for frame := range gw.outbound {
				if err := ws.WriteJSON(frame); err != nil {
					return
				}
			}
			ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "room ended"),
				time.Now().Add(time.Second),
			)
		}()

		for {
			var frame map[string]interface{}
			if err := ws.ReadJSON(&frame); err != nil {
				return
			}
			gw.mu.Lock()
			gw.inbound = append(gw.inbound, frame)
			gw.mu.Unlock()
		}
	}))
	t.Cleanup(gw.srv.Close)

	return gw
}

func (g *testGatewayServer) url() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func (g *testGatewayServer) frames() []map[string]interface{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]map[string]interface{}, len(g.inbound))
	copy(out, g.inbound)
	return out
}

func (g *testGatewayServer) auth() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.authSeen
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event feed closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func quietLogger() *log.Logger {
	logger := log.New(io.Discard)
	logger.SetLevel(log.FatalLevel)
	return logger
}

func TestGatewayConnectSendsBearerAndHello(t *testing.T) {
	server := newTestGatewayServer(t)
	gateway := NewGateway(quietLogger())

	if err := gateway.Connect(context.Background(), server.url(), "tok-1"); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer gateway.Disconnect()

	if got := server.auth(); got != "Bearer tok-1" {
		t.Errorf("Expected bearer auth header, got %q", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(server.frames()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	frames := server.frames()
	if len(frames) == 0 {
		t.Fatal("Expected a hello frame, got none")
	}
	if frames[0]["type"] != "hello" {
		t.Errorf("Expected first frame to be hello, got %v", frames[0]["type"])
	}
}

func TestGatewayDecodesEventEnvelopes(t *testing.T) {
	server := newTestGatewayServer(t)
	gateway := NewGateway(quietLogger())

	if err := gateway.Connect(context.Background(), server.url(), "tok-1"); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer gateway.Disconnect()

	events := gateway.Events()

	server.outbound <- map[string]interface{}{"type": "connected", "room_name": "room-9"}
	ev := nextEvent(t, events)
	connected, ok := ev.(Connected)
	if !ok {
		t.Fatalf("Expected Connected, got %T", ev)
	}
	if connected.RoomName != "room-9" {
		t.Errorf("Expected room-9, got %q", connected.RoomName)
	}

	server.outbound <- map[string]interface{}{
		"type":           "track_published",
		"participant_id": "user-1",
		"track_id":       "tr-1",
		"kind":           "audio",
	}
	ev = nextEvent(t, events)
	published, ok := ev.(TrackPublished)
	if !ok {
		t.Fatalf("Expected TrackPublished, got %T", ev)
	}
	if published.ParticipantID != "user-1" || published.TrackID != "tr-1" || published.Kind != KindAudio {
		t.Errorf("Unexpected track_published payload: %+v", published)
	}

	server.outbound <- map[string]interface{}{
		"type":       "active_speakers_changed",
		"identities": []string{"user-1", "agent-1"},
	}
	ev = nextEvent(t, events)
	speakers, ok := ev.(ActiveSpeakersChanged)
	if !ok {
		t.Fatalf("Expected ActiveSpeakersChanged, got %T", ev)
	}
	if len(speakers.Identities) != 2 {
		t.Errorf("Expected 2 identities, got %d", len(speakers.Identities))
	}

	server.outbound <- map[string]interface{}{
		"type": "transcription",
		"segments": []map[string]interface{}{
			{"text": "hello", "final": true, "participant_id": "user-1", "confidence": 0.93},
		},
	}
	ev = nextEvent(t, events)
	tr, ok := ev.(TranscriptionReceived)
	if !ok {
		t.Fatalf("Expected TranscriptionReceived, got %T", ev)
	}
	if len(tr.Segments) != 1 {
		t.Fatalf("Expected 1 segment, got %d", len(tr.Segments))
	}
	seg := tr.Segments[0]
	if seg.Text != "hello" || !seg.Final || seg.ParticipantID != "user-1" {
		t.Errorf("Unexpected segment payload: %+v", seg)
	}
}

func TestGatewaySetMicrophoneWritesCommand(t *testing.T) {
	server := newTestGatewayServer(t)
	gateway := NewGateway(quietLogger())

	if err := gateway.Connect(context.Background(), server.url(), "tok-1"); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer gateway.Disconnect()

	if err := gateway.SetMicrophoneEnabled(context.Background(), true); err != nil {
		t.Fatalf("Failed to set microphone: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(server.frames()) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	frames := server.frames()
	if len(frames) < 2 {
		t.Fatalf("Expected hello and set_microphone frames, got %d", len(frames))
	}
	if frames[1]["type"] != "set_microphone" {
		t.Errorf("Expected set_microphone frame, got %v", frames[1]["type"])
	}
	if frames[1]["enabled"] != true {
		t.Errorf("Expected enabled=true, got %v", frames[1]["enabled"])
	}
}

func TestGatewaySetMicrophoneWhenDisconnected(t *testing.T) {
	gateway := NewGateway(quietLogger())
	if err := gateway.SetMicrophoneEnabled(context.Background(), true); err == nil {
		t.Error("Expected an error when not connected")
	}
}

func TestGatewayRoutesAudioToSink(t *testing.T) {
	server := newTestGatewayServer(t)
	gateway := NewGateway(quietLogger())

	if err := gateway.Connect(context.Background(), server.url(), "tok-1"); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer gateway.Disconnect()

	sink, err := gateway.OpenSink("tr-agent")
	if err != nil {
		t.Fatalf("Failed to open sink: %v", err)
	}

	payload := base64.StdEncoding.EncodeToString([]byte{0x01, 0x02, 0x03, 0x04})
	server.outbound <- map[string]interface{}{
		"type":     "audio",
		"track_id": "tr-agent",
		"payload":  payload,
	}

	// The audio frame carries no event, so queue a marker behind it.
	server.outbound <- map[string]interface{}{"type": "connected"}
	nextEvent(t, gateway.Events())

	ts := sink.(*trackSink)
	if got := ts.bytes.Load(); got != 4 {
		t.Errorf("Expected sink to receive 4 bytes, got %d", got)
	}

	if err := sink.Close(); err != nil {
		t.Errorf("Expected sink close to succeed, got %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Errorf("Expected second close to be harmless, got %v", err)
	}
}

func TestGatewayEmitsDisconnectedWhenServerCloses(t *testing.T) {
	server := newTestGatewayServer(t)
	gateway := NewGateway(quietLogger())

	if err := gateway.Connect(context.Background(), server.url(), "tok-1"); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}

	events := gateway.Events()
	close(server.outbound)

	ev := nextEvent(t, events)
	disconnected, ok := ev.(Disconnected)
	if !ok {
		t.Fatalf("Expected Disconnected, got %T", ev)
	}
	if disconnected.Reason == "" {
		t.Error("Expected a disconnect reason")
	}

	if _, ok := <-events; ok {
		t.Error("Expected event feed to be closed after Disconnected")
	}
}

func TestGatewayDisconnectIsIdempotent(t *testing.T) {
	server := newTestGatewayServer(t)
	gateway := NewGateway(quietLogger())

	if err := gateway.Connect(context.Background(), server.url(), "tok-1"); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}

	if err := gateway.Disconnect(); err != nil {
		t.Errorf("Expected first disconnect to succeed, got %v", err)
	}
	if err := gateway.Disconnect(); err != nil {
		t.Errorf("Expected second disconnect to be a no-op, got %v", err)
	}
}

