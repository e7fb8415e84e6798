package repositories

import (
	"context"
	"encoding/json"

	"github.com/kayuhara/hibiki/server/domain/entities"
)

// EventKind tags an event produced by a reasoning bridge call.
type EventKind string

const (
	EventSttResult   EventKind = "stt_result"
	EventEmotion     EventKind = "emotion"
	EventTtsStart    EventKind = "tts_start"
	EventTtsSentence EventKind = "tts_sentence"
	EventTtsAudio    EventKind = "tts_audio"
	EventTtsStop     EventKind = "tts_stop"
	EventIotCommand  EventKind = "iot_command"
	EventError       EventKind = "error"
)

// BridgeEvent is one element of the output stream of a bridge call. Exactly
// the fields relevant to Kind are populated.
type BridgeEvent struct {
	Kind     EventKind
	Text     string
	Emotion  string
	Audio    []byte
	Commands json.RawMessage
	Err      error
}

// UtteranceConfig carries the session context a bridge call needs: who is
// speaking, how the audio is encoded, and whatever IoT context the device
// has reported.
type UtteranceConfig struct {
	SessionID      string
	DeviceID       string
	AudioParams    entities.AudioParams
	IotDescriptors json.RawMessage
	IotStates      json.RawMessage
}

// ReasoningBridge abstracts the reasoning and synthesis pipeline behind the
// session engine. The engine owns sequencing and transport of the returned
// stream; the bridge owns its content.
type ReasoningBridge interface {
	// StartUtterance opens one bridge call. Cancelling ctx aborts it.
	StartUtterance(ctx context.Context, cfg UtteranceConfig) (UtteranceStream, error)
}

// UtteranceStream is one in-flight bridge call. Feed and FeedText may be
// called from a different goroutine than the Events consumer. After End no
// more input is accepted; the events channel is closed once the final event
// has been delivered.
type UtteranceStream interface {
	// Feed streams one inbound audio frame into the call.
	Feed(data []byte) error
	// FeedText injects recognized or typed text, bypassing transcription.
	FeedText(text string) error
	// End signals that input is complete and reasoning should run.
	End() error
	// Events returns the ordered output stream of the call.
	Events() <-chan BridgeEvent
	// Abort cancels the call and discards pending output.
	Abort()
}
