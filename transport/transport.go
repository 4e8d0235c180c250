package transport

import (
	"context"
	"io"
)

// Track kinds as reported by the room gateway.
const (
	KindAudio = "audio"
	KindVideo = "video"
)

// Event is one item in the room event feed. Events arrive in delivery
// order on the channel returned by Events; consumers must treat them as
// the only source of truth about the room ("last event wins").
type Event interface {
	EventType() string
}

// Connected is emitted once the gateway has accepted the session.
type Connected struct {
	RoomName string `json:"room_name,omitempty"`
}

func (Connected) EventType() string { return "connected" }

// Disconnected is emitted when the connection ends, whether requested
// or not. It is always the final event on the feed.
type Disconnected struct {
	Reason string `json:"reason,omitempty"`
}

func (Disconnected) EventType() string { return "disconnected" }

type ParticipantConnected struct {
	Identity string `json:"identity"`
	Name     string `json:"name,omitempty"`
}

func (ParticipantConnected) EventType() string { return "participant_connected" }

type TrackPublished struct {
	ParticipantID string `json:"participant_id"`
	TrackID       string `json:"track_id"`
	Kind          string `json:"kind,omitempty"`
}

func (TrackPublished) EventType() string { return "track_published" }

type TrackUnpublished struct {
	ParticipantID string `json:"participant_id"`
	TrackID       string `json:"track_id"`
}

func (TrackUnpublished) EventType() string { return "track_unpublished" }

type TrackSubscribed struct {
	ParticipantID string `json:"participant_id"`
	TrackID       string `json:"track_id"`
	Kind          string `json:"kind,omitempty"`
}

func (TrackSubscribed) EventType() string { return "track_subscribed" }

type TrackUnsubscribed struct {
	ParticipantID string `json:"participant_id"`
	TrackID       string `json:"track_id"`
}

func (TrackUnsubscribed) EventType() string { return "track_unsubscribed" }

type TrackMuted struct {
	ParticipantID string `json:"participant_id"`
	TrackID       string `json:"track_id"`
}

func (TrackMuted) EventType() string { return "track_muted" }

type TrackUnmuted struct {
	ParticipantID string `json:"participant_id"`
	TrackID       string `json:"track_id"`
}

func (TrackUnmuted) EventType() string { return "track_unmuted" }

// ActiveSpeakersChanged carries the complete set of identities the
// gateway currently considers to be speaking. An empty set means
// nobody is.
type ActiveSpeakersChanged struct {
	Identities []string `json:"identities"`
}

func (ActiveSpeakersChanged) EventType() string { return "active_speakers_changed" }

// Segment is one transcription fragment. Final segments will not be
// revised further by the upstream speech engine.
type Segment struct {
	Text          string  `json:"text"`
	Final         bool    `json:"final"`
	Confidence    float64 `json:"confidence,omitempty"`
	ParticipantID string  `json:"participant_id,omitempty"`
	TrackID       string  `json:"track_id,omitempty"`
}

type TranscriptionReceived struct {
	Segments []Segment `json:"segments"`
}

func (TranscriptionReceived) EventType() string { return "transcription" }

// Adapter is the room connection as the session consumes it. Connect
// establishes the feed; Events returns the feed for the current
// connection, which is closed after the final Disconnected event.
// Disconnect is safe to call when not connected. OpenSink registers a
// playback sink for a subscribed remote track; the caller owns the
// returned handle and must close it.
type Adapter interface {
	Connect(ctx context.Context, url, token string) error
	Disconnect() error
	SetMicrophoneEnabled(ctx context.Context, enabled bool) error
	OpenSink(trackID string) (io.Closer, error)
	Events() <-chan Event
}
