package entities

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a session.
type State string

const (
	StateIdle      State = "idle"
	StateListening State = "listening"
	StateSpeaking  State = "speaking"
	StateClosed    State = "closed"
)

// ListenMode selects how the listening channel behaves.
type ListenMode string

const (
	ListenModeAuto     ListenMode = "auto"
	ListenModeManual   ListenMode = "manual"
	ListenModeRealtime ListenMode = "realtime"
)

// AudioParams are fixed at handshake and never renegotiated.
type AudioParams struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"`
}

// Session is the conversation context bound to one live connection. A
// connection owns at most one session; all mutation goes through the
// transition methods below so the legal-transition table stays enforced in
// one place.
type Session struct {
	ID           string
	AuthIdentity string
	AudioParams  AudioParams
	CreatedAt    time.Time

	mu             sync.RWMutex
	state          State
	listenMode     ListenMode
	lastActivityAt time.Time

	// IoT context reported by the device, relayed opaquely.
	iotDescriptors json.RawMessage
	iotStates      json.RawMessage
}

// NewSession creates a session in the idle state after a successful
// handshake.
func NewSession(authIdentity string, params AudioParams) *Session {
	now := time.Now()
	return &Session{
		ID:             uuid.NewString(),
		AuthIdentity:   authIdentity,
		AudioParams:    params,
		CreatedAt:      now,
		state:          StateIdle,
		lastActivityAt: now,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ListenMode returns the mode recorded by the last listen start.
func (s *Session) ListenMode() ListenMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listenMode
}

// LastActivityAt returns the last time the session saw any traffic.
func (s *Session) LastActivityAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivityAt
}

// Touch records activity for the idle-session reaper.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivityAt = time.Now()
	s.mu.Unlock()
}

// IdleSince reports whether the session has been inactive longer than the
// given horizon.
func (s *Session) IdleSince(horizon time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.lastActivityAt) > horizon
}

// StartListening moves the session to listening and records the mode.
// Receiving listen start while already listening is idempotent: the mode is
// refreshed and no error is raised. Starting from speaking or closed is
// rejected.
func (s *Session) StartListening(mode ListenMode) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle && s.state != StateListening {
		return false
	}
	s.state = StateListening
	s.listenMode = mode
	s.lastActivityAt = time.Now()
	return true
}

// StopListening returns the session to idle. A stop in any other state is a
// no-op so a late stop after playback started cannot corrupt the machine.
func (s *Session) StopListening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateListening {
		return false
	}
	s.state = StateIdle
	s.lastActivityAt = time.Now()
	return true
}

// BeginSpeaking moves the session to speaking when the first outbound
// playback event arrives.
func (s *Session) BeginSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.state = StateSpeaking
	s.lastActivityAt = time.Now()
	return true
}

// FinishSpeaking runs after all playback audio has been flushed. Auto and
// realtime sessions loop back to listening; manual sessions return to idle.
// The returned state is what the session landed on.
func (s *Session) FinishSpeaking() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateSpeaking {
		return s.state
	}
	if s.listenMode == ListenModeAuto || s.listenMode == ListenModeRealtime {
		s.state = StateListening
	} else {
		s.state = StateIdle
	}
	s.lastActivityAt = time.Now()
	return s.state
}

// Abort forces the session back to idle from any non-terminal state.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = StateIdle
	s.lastActivityAt = time.Now()
}

// Close is terminal. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
}

// AcceptsInboundAudio gates binary frames from the transport. Audio is
// accepted while listening; while speaking it is accepted only in realtime
// mode, which is the barge-in policy and the only legal way audio and
// speaking coexist.
func (s *Session) AcceptsInboundAudio() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch s.state {
	case StateListening:
		return true
	case StateSpeaking:
		return s.listenMode == ListenModeRealtime
	default:
		return false
	}
}

// EmitsOutboundAudio gates binary frames to the transport.
func (s *Session) EmitsOutboundAudio() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateSpeaking
}

// SetIotDescriptors stores the device capability document.
func (s *Session) SetIotDescriptors(d json.RawMessage) {
	s.mu.Lock()
	s.iotDescriptors = d
	s.lastActivityAt = time.Now()
	s.mu.Unlock()
}

// SetIotStates stores the latest device state report.
func (s *Session) SetIotStates(st json.RawMessage) {
	s.mu.Lock()
	s.iotStates = st
	s.lastActivityAt = time.Now()
	s.mu.Unlock()
}

// IotDescriptors returns the stored capability document, if any.
func (s *Session) IotDescriptors() json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.iotDescriptors
}

// IotStates returns the latest device state report, if any.
func (s *Session) IotStates() json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.iotStates
}
