package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the only wire protocol version this server speaks.
const Version = 1

// Transport is the only transport this server negotiates.
const Transport = "websocket"

// MessageType identifies the tagged variant of a JSON control message.
type MessageType string

// Client-originated message types.
const (
	TypeHello  MessageType = "hello"
	TypeListen MessageType = "listen"
	TypeAbort  MessageType = "abort"
	TypeIot    MessageType = "iot"
)

// Server-originated message types. These are never accepted from a client.
const (
	TypeStt MessageType = "stt"
	TypeTts MessageType = "tts"
	TypeLlm MessageType = "llm"
)

// TypeUnknown is the variant all unparseable or unrecognized messages map
// to, so the router can drop them without closing the connection.
const TypeUnknown MessageType = ""

// ListenState values carried by listen messages.
const (
	ListenStateStart  = "start"
	ListenStateStop   = "stop"
	ListenStateDetect = "detect"
)

// ListenMode values carried by listen start messages.
const (
	ListenModeAuto     = "auto"
	ListenModeManual   = "manual"
	ListenModeRealtime = "realtime"
)

// TtsState values carried by tts messages.
const (
	TtsStateStart         = "start"
	TtsStateStop          = "stop"
	TtsStateSentenceStart = "sentence_start"
)

// Abort reasons carried by abort messages.
const (
	AbortReasonNone             = "none"
	AbortReasonUserRequested    = "user_requested"
	AbortReasonWakeWordDetected = "wake_word_detected"
	AbortReasonTimeout          = "timeout"
)

// AudioParams describes the Opus stream on the wire.
type AudioParams struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"`
}

// HelloMessage is the mandatory first client message.
type HelloMessage struct {
	Type        MessageType `json:"type"`
	Version     int         `json:"version"`
	Transport   string      `json:"transport"`
	AudioParams AudioParams `json:"audio_params"`
}

// ServerHelloMessage acknowledges the handshake. SessionID is always
// omitted in this protocol version; the field exists so tests can assert
// it stays empty.
type ServerHelloMessage struct {
	Type        MessageType `json:"type"`
	Transport   string      `json:"transport"`
	SessionID   string      `json:"session_id,omitempty"`
	AudioParams AudioParams `json:"audio_params"`
}

// ListenMessage starts, stops, or signals wake-word detection on the
// listening channel. Text carries the detected wake word for detect, and
// Source is "text" when the detect originated from typed input.
type ListenMessage struct {
	SessionID string      `json:"session_id,omitempty"`
	Type      MessageType `json:"type"`
	State     string      `json:"state"`
	Mode      string      `json:"mode,omitempty"`
	Text      string      `json:"text,omitempty"`
	Source    string      `json:"source,omitempty"`
}

// AbortMessage cancels the in-flight utterance.
type AbortMessage struct {
	SessionID string      `json:"session_id,omitempty"`
	Type      MessageType `json:"type"`
	Reason    string      `json:"reason,omitempty"`
}

// IotMessage carries device descriptors or states from the client, or
// commands from the server. Exactly one of the three is populated;
// descriptor and state payloads are relayed opaquely.
type IotMessage struct {
	SessionID   string          `json:"session_id,omitempty"`
	Type        MessageType     `json:"type"`
	Descriptors json.RawMessage `json:"descriptors,omitempty"`
	States      json.RawMessage `json:"states,omitempty"`
	Commands    json.RawMessage `json:"commands,omitempty"`
}

// SttMessage delivers a recognition result to the client.
type SttMessage struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

// TtsMessage frames synthesized speech playback.
type TtsMessage struct {
	Type  MessageType `json:"type"`
	State string      `json:"state"`
	Text  string      `json:"text,omitempty"`
}

// LlmMessage delivers an emotion hint to the client display.
type LlmMessage struct {
	Type    MessageType `json:"type"`
	Emotion string      `json:"emotion"`
	Text    string      `json:"text,omitempty"`
}

// Envelope is the decoded form of an inbound control message: the tag plus
// exactly one populated variant. Unknown tags decode to an Envelope with
// Type == TypeUnknown rather than an error so the router can treat them as
// no business action.
type Envelope struct {
	Type   MessageType
	Hello  *HelloMessage
	Listen *ListenMessage
	Abort  *AbortMessage
	Iot    *IotMessage
}

type typeTag struct {
	Type MessageType `json:"type"`
}

// Decode parses an inbound text frame into its tagged variant.
// Malformed JSON or a missing/unknown type field returns an Envelope with
// Type == TypeUnknown and a nil error wrapped in ErrIgnored, letting the
// caller count the drop without closing the connection.
func Decode(data []byte) (Envelope, error) {
	var tag typeTag
	if err := json.Unmarshal(data, &tag); err != nil {
		return Envelope{Type: TypeUnknown}, fmt.Errorf("%w: invalid JSON: %v", ErrIgnored, err)
	}

	switch tag.Type {
	case TypeHello:
		var m HelloMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return Envelope{Type: TypeUnknown}, fmt.Errorf("%w: malformed hello: %v", ErrIgnored, err)
		}
		return Envelope{Type: TypeHello, Hello: &m}, nil
	case TypeListen:
		var m ListenMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return Envelope{Type: TypeUnknown}, fmt.Errorf("%w: malformed listen: %v", ErrIgnored, err)
		}
		return Envelope{Type: TypeListen, Listen: &m}, nil
	case TypeAbort:
		var m AbortMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return Envelope{Type: TypeUnknown}, fmt.Errorf("%w: malformed abort: %v", ErrIgnored, err)
		}
		return Envelope{Type: TypeAbort, Abort: &m}, nil
	case TypeIot:
		var m IotMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return Envelope{Type: TypeUnknown}, fmt.Errorf("%w: malformed iot: %v", ErrIgnored, err)
		}
		return Envelope{Type: TypeIot, Iot: &m}, nil
	case TypeStt, TypeTts, TypeLlm:
		// Server-emitted types are never accepted from a client.
		return Envelope{Type: TypeUnknown}, fmt.Errorf("%w: server-only type %q", ErrIgnored, tag.Type)
	default:
		return Envelope{Type: TypeUnknown}, fmt.Errorf("%w: unknown type %q", ErrIgnored, tag.Type)
	}
}

// ValidateHello checks the required fields of the first client message.
func ValidateHello(m *HelloMessage) error {
	if m.Type != TypeHello {
		return fmt.Errorf("first message must be hello, got %q", m.Type)
	}
	if m.Transport != Transport {
		return fmt.Errorf("unsupported transport %q", m.Transport)
	}
	if m.AudioParams.Format != "opus" {
		return fmt.Errorf("unsupported audio format %q", m.AudioParams.Format)
	}
	if m.AudioParams.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", m.AudioParams.SampleRate)
	}
	return nil
}

// NewServerHello builds the handshake acknowledgment. The server echoes its
// own playback rate, never the client's; the client resamples.
func NewServerHello(params AudioParams) ServerHelloMessage {
	return ServerHelloMessage{
		Type:        TypeHello,
		Transport:   Transport,
		AudioParams: params,
	}
}

// NewSttMessage builds an stt result message.
func NewSttMessage(text string) SttMessage {
	return SttMessage{Type: TypeStt, Text: text}
}

// NewTtsStart builds a tts start message.
func NewTtsStart() TtsMessage {
	return TtsMessage{Type: TypeTts, State: TtsStateStart}
}

// NewTtsStop builds a tts stop message.
func NewTtsStop() TtsMessage {
	return TtsMessage{Type: TypeTts, State: TtsStateStop}
}

// NewTtsSentenceStart builds a sentence_start message for one sentence.
func NewTtsSentenceStart(text string) TtsMessage {
	return TtsMessage{Type: TypeTts, State: TtsStateSentenceStart, Text: text}
}

// NewLlmEmotion builds an emotion hint message.
func NewLlmEmotion(emotion, text string) LlmMessage {
	return LlmMessage{Type: TypeLlm, Emotion: emotion, Text: text}
}

// NewIotCommands builds a server iot command relay message.
func NewIotCommands(commands json.RawMessage) IotMessage {
	return IotMessage{Type: TypeIot, Commands: commands}
}

// NewListenStart builds the listen start the server re-issues when an
// auto-mode session loops back to listening after playback.
func NewListenStart(mode string) ListenMessage {
	return ListenMessage{Type: TypeListen, State: ListenStateStart, Mode: mode}
}
