package session

import (
	"sync"
	"time"
)

// DefaultSpeechHold is how long the user-speaking and transcribing
// flags stay raised after a final transcription segment, absorbing the
// brief silence between utterances.
const DefaultSpeechHold = 500 * time.Millisecond

// speakingMonitor folds track activity, active-speaker sets, and
// transcription segments into two booleans: is the user audibly
// speaking, and is the speech engine still transcribing them. Positive
// evidence applies immediately and cancels any scheduled reset; a
// final segment schedules both flags to drop after the hold period,
// last schedule wins.
type speakingMonitor struct {
	mu           sync.Mutex
	speaking     bool
	transcribing bool
	hold         time.Duration
	timer        *time.Timer
	generation   uint64
	onSettle     func()
}

// newSpeakingMonitor builds a monitor with the given hold. onSettle is
// invoked, outside the monitor's lock, whenever a scheduled reset
// actually fires; it must not block.
func newSpeakingMonitor(hold time.Duration, onSettle func()) *speakingMonitor {
	if hold <= 0 {
		hold = DefaultSpeechHold
	}
	return &speakingMonitor{hold: hold, onSettle: onSettle}
}

// SetSpeaking applies immediate evidence from the transport: track
// publishes and active-speaker sets. Turning speaking on supersedes a
// pending reset; turning it off leaves the reset in place so a raised
// transcribing flag still drops on schedule.
func (m *speakingMonitor) SetSpeaking(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if on {
		m.cancelLocked()
	}
	m.speaking = on
}

// MarkInterim records a non-final user segment: the user is speaking
// and the engine is mid-utterance.
func (m *speakingMonitor) MarkInterim() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked()
	m.speaking = true
	m.transcribing = true
}

// MarkFinal schedules both flags to drop once the hold elapses. Any
// newer evidence before then replaces or cancels the schedule.
func (m *speakingMonitor) MarkFinal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked()
	gen := m.generation
	m.timer = time.AfterFunc(m.hold, func() { m.settle(gen) })
}

func (m *speakingMonitor) settle(gen uint64) {
	m.mu.Lock()
	if gen != m.generation {
		// A newer event replaced this schedule while the timer fired.
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.speaking = false
	m.transcribing = false
	onSettle := m.onSettle
	m.mu.Unlock()

	if onSettle != nil {
		onSettle()
	}
}

// Reset cancels any pending schedule and drops both flags. Used during
// session cleanup.
func (m *speakingMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked()
	m.speaking = false
	m.transcribing = false
}

func (m *speakingMonitor) cancelLocked() {
	m.generation++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *speakingMonitor) Speaking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speaking
}

func (m *speakingMonitor) Transcribing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transcribing
}
