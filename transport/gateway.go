package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

const (
	// DefaultDialTimeout bounds the websocket handshake.
	DefaultDialTimeout = 15 * time.Second

	writeWait      = 10 * time.Second
	eventQueueSize = 256
)

// Gateway is the websocket room-gateway client. It implements Adapter:
// each Connect opens a fresh connection with its own event feed, so one
// Gateway can serve successive session attempts.
type Gateway struct {
	DialTimeout time.Duration

	logger *log.Logger

	mu   sync.Mutex
	conn *gatewayConn
}

func NewGateway(logger *log.Logger) *Gateway {
	return &Gateway{
		DialTimeout: DefaultDialTimeout,
		logger:      logger,
	}
}

func (g *Gateway) Connect(ctx context.Context, url, token string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.conn != nil && !g.conn.closed.Load() {
		return fmt.Errorf("gateway already connected")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: g.DialTimeout,
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial gateway: %w (status %s)", err, resp.Status)
		}
		return fmt.Errorf("dial gateway: %w", err)
	}

	c := &gatewayConn{
		ws:     ws,
		logger: g.logger,
		events: make(chan Event, eventQueueSize),
		done:   make(chan struct{}),
		sinks:  make(map[string]*trackSink),
	}

	// The gateway answers the hello with a `connected` envelope, which
	// arrives asynchronously on the event feed.
	if err := c.writeJSON(helloFrame{Type: "hello", Client: "parley"}); err != nil {
		ws.Close()
		return fmt.Errorf("send hello: %w", err)
	}

	g.conn = c
	go c.readLoop()

	g.logger.Debug("gateway dialed", "url", url)
	return nil
}

func (g *Gateway) Disconnect() error {
	g.mu.Lock()
	c := g.conn
	g.conn = nil
	g.mu.Unlock()

	if c == nil {
		return nil
	}
	c.close()
	return nil
}

func (g *Gateway) SetMicrophoneEnabled(ctx context.Context, enabled bool) error {
	c := g.current()
	if c == nil {
		return fmt.Errorf("gateway not connected")
	}
	if err := c.writeJSON(microphoneFrame{Type: "set_microphone", Enabled: enabled}); err != nil {
		return fmt.Errorf("set microphone: %w", err)
	}
	return nil
}

// OpenSink registers a playback sink for a remote track. Audio frames
// for the track are routed to it until it is closed. Closing twice is
// harmless.
func (g *Gateway) OpenSink(trackID string) (io.Closer, error) {
	c := g.current()
	if c == nil {
		return nil, fmt.Errorf("gateway not connected")
	}
	return c.openSink(trackID), nil
}

// Events returns the feed of the current connection. The channel is
// closed after the final Disconnected event. When no connection exists
// the returned channel is already closed.
func (g *Gateway) Events() <-chan Event {
	c := g.current()
	if c == nil {
		ch := make(chan Event)
		close(ch)
		return ch
	}
	return c.events
}

func (g *Gateway) current() *gatewayConn {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conn
}

type helloFrame struct {
	Type   string `json:"type"`
	Client string `json:"client"`
}

type microphoneFrame struct {
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
}

// gatewayConn is one websocket connection's state: the read loop, the
// event feed, and the registered playback sinks.
type gatewayConn struct {
	ws     *websocket.Conn
	logger *log.Logger

	events chan Event
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	sinkMu sync.Mutex
	sinks  map[string]*trackSink
}

func (c *gatewayConn) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *gatewayConn) readLoop() {
	reason := "closed"
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.closed.Load() {
				reason = err.Error()
				if closeErr, ok := err.(*websocket.CloseError); ok {
					reason = closeErr.Text
					if reason == "" {
						reason = fmt.Sprintf("close code %d", closeErr.Code)
					}
				}
			}
			break
		}

		switch msgType {
		case websocket.TextMessage:
			c.handleTextFrame(data)
		case websocket.BinaryMessage:
			c.logger.Debug("ignoring binary frame", "bytes", len(data))
		}
	}

	c.close()
	c.emit(Disconnected{Reason: reason})
	close(c.events)
	close(c.done)
}

// handleTextFrame decodes one JSON envelope into its typed event. The
// envelope's `type` discriminator selects the payload shape; unknown
// types are logged and dropped, never fatal.
func (c *gatewayConn) handleTextFrame(data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn("undecodable gateway frame", "error", err)
		return
	}

	switch env.Type {
	case "connected":
		var ev Connected
		if c.decode(data, &ev) {
			c.emit(ev)
		}
	case "participant_connected":
		var ev ParticipantConnected
		if c.decode(data, &ev) {
			c.emit(ev)
		}
	case "track_published":
		var ev TrackPublished
		if c.decode(data, &ev) {
			c.emit(ev)
		}
	case "track_unpublished":
		var ev TrackUnpublished
		if c.decode(data, &ev) {
			c.emit(ev)
		}
	case "track_subscribed":
		var ev TrackSubscribed
		if c.decode(data, &ev) {
			c.emit(ev)
		}
	case "track_unsubscribed":
		var ev TrackUnsubscribed
		if c.decode(data, &ev) {
			c.emit(ev)
		}
	case "track_muted":
		var ev TrackMuted
		if c.decode(data, &ev) {
			c.emit(ev)
		}
	case "track_unmuted":
		var ev TrackUnmuted
		if c.decode(data, &ev) {
			c.emit(ev)
		}
	case "active_speakers_changed":
		var ev ActiveSpeakersChanged
		if c.decode(data, &ev) {
			c.emit(ev)
		}
	case "transcription":
		var ev TranscriptionReceived
		if c.decode(data, &ev) {
			c.emit(ev)
		}
	case "audio":
		c.handleAudioFrame(data)
	case "error":
		var frame struct {
			Message string `json:"message"`
		}
		if c.decode(data, &frame) {
			c.logger.Warn("gateway error frame", "message", frame.Message)
		}
	default:
		c.logger.Debug("unhandled gateway frame", "type", env.Type)
	}
}

func (c *gatewayConn) decode(data []byte, v interface{}) bool {
	if err := json.Unmarshal(data, v); err != nil {
		c.logger.Warn("undecodable gateway frame", "error", err)
		return false
	}
	return true
}

// handleAudioFrame routes a base64 audio payload to the sink registered
// for its track. Audio for tracks without a sink is dropped.
func (c *gatewayConn) handleAudioFrame(data []byte) {
	var frame struct {
		TrackID string `json:"track_id"`
		Payload string `json:"payload"`
	}
	if !c.decode(data, &frame) {
		return
	}

	c.sinkMu.Lock()
	sink := c.sinks[frame.TrackID]
	c.sinkMu.Unlock()
	if sink == nil {
		return
	}

	raw, err := base64.StdEncoding.DecodeString(frame.Payload)
	if err != nil {
		c.logger.Warn("undecodable audio payload", "track", frame.TrackID, "error", err)
		return
	}
	sink.consume(raw)
}

// emit queues an event without blocking the read loop. A slow consumer
// loses events rather than stalling the feed.
func (c *gatewayConn) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("event queue full, dropping", "type", ev.EventType())
	}
}

func (c *gatewayConn) openSink(trackID string) *trackSink {
	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()

	sink := &trackSink{trackID: trackID, conn: c, logger: c.logger}
	c.sinks[trackID] = sink
	return sink
}

func (c *gatewayConn) removeSink(trackID string) {
	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()
	delete(c.sinks, trackID)
}

func (c *gatewayConn) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		c.writeMu.Lock()
		c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		c.writeMu.Unlock()

		c.ws.Close()
	})
}

// trackSink receives the decoded audio payloads for one remote track.
// It counts bytes for diagnostics; playback itself lives behind the
// gateway boundary.
type trackSink struct {
	trackID string
	conn    *gatewayConn
	logger  *log.Logger

	bytes     atomic.Int64
	closeOnce sync.Once
}

func (s *trackSink) consume(p []byte) {
	s.bytes.Add(int64(len(p)))
}

func (s *trackSink) Close() error {
	s.closeOnce.Do(func() {
		s.conn.removeSink(s.trackID)
		s.logger.Debug("sink closed", "track", s.trackID, "bytes", s.bytes.Load())
	})
	return nil
}
