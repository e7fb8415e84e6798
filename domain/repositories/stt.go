package repositories

import "context"

// SpeechToText abstracts streaming speech recognition services. Recognition
// is utterance-scoped: one streaming session per bridge call, fed frame by
// frame and closed for the final transcript.
type SpeechToText interface {
	// InitTranscribeStreaming opens one streaming transcription session.
	InitTranscribeStreaming(ctx context.Context, config AudioConfig) (SpeechToTextStreaming, error)
}

// AudioConfig represents audio configuration for speech recognition
type AudioConfig struct {
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
	Language   string `json:"language"`
}

type SpeechToTextStreaming interface {
	Stream(data []byte) error
	End() (string, error)
}
