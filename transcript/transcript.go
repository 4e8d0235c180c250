package transcript

import (
	"sync"
	"time"
)

// Speaker identifies which side of the conversation an entry belongs to.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// Segment is one transcription fragment as delivered by the transport,
// before it has been classified and sequenced.
type Segment struct {
	Text          string
	Final         bool
	Confidence    float64
	ParticipantID string
	TrackID       string
}

// Entry is one appended transcript line. Entries are immutable once
// appended; an interim entry is never edited, a revised version of the
// utterance arrives as a later entry.
type Entry struct {
	ID            int64
	Text          string
	Speaker       Speaker
	Timestamp     time.Time
	Final         bool
	Confidence    float64
	ParticipantID string
	TrackID       string
}

// Log is the append-only, arrival-ordered transcript of one session.
// IDs are monotonically increasing and scoped to the log; Clear resets
// both the sequence and the change counter.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	nextID  int64
	version uint64
	now     func() time.Time
}

func NewLog() *Log {
	return &Log{
		nextID: 1,
		now:    time.Now,
	}
}

// Append sequences and classifies a segment and appends it. The speaker
// is the local user when the segment's participant matches the local
// identity, otherwise the agent. Returns the appended entry.
func (l *Log) Append(seg Segment, localIdentity string) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	speaker := SpeakerAgent
	if seg.ParticipantID != "" && seg.ParticipantID == localIdentity {
		speaker = SpeakerUser
	}

	entry := Entry{
		ID:            l.nextID,
		Text:          seg.Text,
		Speaker:       speaker,
		Timestamp:     l.now(),
		Final:         seg.Final,
		Confidence:    seg.Confidence,
		ParticipantID: seg.ParticipantID,
		TrackID:       seg.TrackID,
	}

	l.nextID++
	l.version++
	l.entries = append(l.entries, entry)

	return entry
}

// Entries returns a copy of the log in arrival order.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len reports the number of appended entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Version is the change counter: it increments on every append so
// consumers can detect changes without comparing the sequence itself.
func (l *Log) Version() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.version
}

// Clear empties the log and resets the sequence and the change counter.
// Safe to call in any session state.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = nil
	l.nextID = 1
	l.version = 0
}
