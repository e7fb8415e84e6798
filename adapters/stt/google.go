package stt

import (
	"context"
	"fmt"
	"io"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"

	"github.com/kayuhara/hibiki/server/domain/repositories"
)

// GoogleSpeechToText implements SpeechToText over the Google Cloud
// streaming recognizer. Each utterance gets its own client and stream;
// SingleUtterance mode matches the one-call-per-utterance bridge model, so
// the recognizer stops on its own when the device goes quiet.
type GoogleSpeechToText struct{}

func (g *GoogleSpeechToText) InitTranscribeStreaming(ctx context.Context, config repositories.AudioConfig) (repositories.SpeechToTextStreaming, error) {
	encoding, err := audioEncoding(config.Encoding)
	if err != nil {
		return nil, err
	}

	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}

	stream, err := client.StreamingRecognize(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to open streaming recognize: %w", err)
	}

	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:        encoding,
					SampleRateHertz: int32(config.SampleRate),
					LanguageCode:    config.Language,
				},
				// Final results only; the engine renders one transcript
				// per utterance.
				InterimResults:  false,
				SingleUtterance: true,
			},
		},
	}); err != nil {
		stream.CloseSend()
		client.Close()
		return nil, fmt.Errorf("failed to send streaming config: %w", err)
	}

	s := &googleStream{
		client:  client,
		stream:  stream,
		ctx:     ctx,
		results: make(chan string, 1),
		errs:    make(chan error, 1),
	}
	go s.receive()
	return s, nil
}

type googleStream struct {
	client *speech.Client
	stream speechpb.Speech_StreamingRecognizeClient
	ctx    context.Context

	fed     bool
	results chan string
	errs    chan error
}

// Stream forwards one audio frame to the recognizer. Empty frames are
// dropped rather than sent.
func (s *googleStream) Stream(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	s.fed = true
	if err := s.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: data,
		},
	}); err != nil {
		return fmt.Errorf("failed to send audio frame: %w", err)
	}
	return nil
}

// End closes the audio stream and waits for the final transcript.
func (s *googleStream) End() (string, error) {
	defer s.client.Close()

	if !s.fed {
		return "", fmt.Errorf("no audio frames received")
	}
	if err := s.stream.CloseSend(); err != nil {
		return "", fmt.Errorf("failed to close send stream: %w", err)
	}

	select {
	case <-s.ctx.Done():
		return "", fmt.Errorf("context cancelled while waiting for transcript: %w", s.ctx.Err())
	case err := <-s.errs:
		return "", err
	case transcript := <-s.results:
		if transcript == "" {
			return "", fmt.Errorf("no speech detected")
		}
		return transcript, nil
	}
}

// receive collects recognition responses until the server closes the
// stream, keeping the best alternative of the last final result.
func (s *googleStream) receive() {
	var transcript string
	for {
		resp, err := s.stream.Recv()
		if err == io.EOF {
			s.results <- transcript
			return
		}
		if err != nil {
			s.errs <- fmt.Errorf("failed to receive recognition response: %w", err)
			return
		}
		for _, result := range resp.Results {
			if result.IsFinal && len(result.Alternatives) > 0 {
				transcript = result.Alternatives[0].Transcript
			}
		}
	}
}

// audioEncoding maps the formats the engine actually negotiates to the
// recognizer's enum. The device speaks Opus; LINEAR16 covers raw PCM from
// local tooling.
func audioEncoding(encoding string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch encoding {
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS, nil
	case "LINEAR16", "WAV":
		return speechpb.RecognitionConfig_LINEAR16, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("unsupported audio encoding %q", encoding)
	}
}
