package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kayuhara/hibiki/server/domain/repositories"
)

// Pipeline implements ReasoningBridge by chaining the three provider
// adapters: streaming speech recognition, a chat model, and speech
// synthesis. Each StartUtterance call owns one recognition stream and one
// chat turn.
type Pipeline struct {
	stt      repositories.SpeechToText
	llm      repositories.LargeLanguageModel
	tts      repositories.TextToSpeech
	language string
	logger   *zap.Logger
}

// NewPipeline creates a pipeline bridge over the given providers.
func NewPipeline(stt repositories.SpeechToText, llm repositories.LargeLanguageModel, tts repositories.TextToSpeech, language string, logger *zap.Logger) *Pipeline {
	if language == "" {
		language = "en-US"
	}
	return &Pipeline{
		stt:      stt,
		llm:      llm,
		tts:      tts,
		language: language,
		logger:   logger,
	}
}

// StartUtterance opens the recognition stream immediately so the first
// audio frame can be forwarded without another round trip.
func (p *Pipeline) StartUtterance(ctx context.Context, cfg repositories.UtteranceConfig) (repositories.UtteranceStream, error) {
	ctx, cancel := context.WithCancel(ctx)

	sttStream, err := p.stt.InitTranscribeStreaming(ctx, repositories.AudioConfig{
		SampleRate: cfg.AudioParams.SampleRate,
		Encoding:   "OGG_OPUS",
		Language:   p.language,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open recognition stream: %w", err)
	}

	p.logger.Debug("Opened pipeline utterance",
		zap.String("sessionID", cfg.SessionID),
		zap.String("deviceID", cfg.DeviceID))

	return &pipelineCall{
		pipeline:  p,
		ctx:       ctx,
		cancel:    cancel,
		sttStream: sttStream,
		events:    make(chan repositories.BridgeEvent, 32),
	}, nil
}

type pipelineCall struct {
	pipeline  *Pipeline
	ctx       context.Context
	cancel    context.CancelFunc
	sttStream repositories.SpeechToTextStreaming
	events    chan repositories.BridgeEvent

	mu       sync.Mutex
	text     string
	haveText bool
	ended    bool

	closeOnce sync.Once
}

func (c *pipelineCall) Feed(data []byte) error {
	if err := c.ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	ended := c.ended
	c.mu.Unlock()
	if ended {
		return fmt.Errorf("utterance input already ended")
	}
	return c.sttStream.Stream(data)
}

// FeedText overrides transcription with already-recognized or typed text.
func (c *pipelineCall) FeedText(text string) error {
	if err := c.ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return fmt.Errorf("utterance input already ended")
	}
	c.text = text
	c.haveText = true
	return nil
}

func (c *pipelineCall) End() error {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return fmt.Errorf("utterance input already ended")
	}
	c.ended = true
	c.mu.Unlock()

	go c.run()
	return nil
}

func (c *pipelineCall) Events() <-chan repositories.BridgeEvent {
	return c.events
}

func (c *pipelineCall) Abort() {
	c.cancel()

	// If the turn never started there is no run goroutine to close the
	// events channel, so close it here. Once ended, run owns the close.
	c.mu.Lock()
	runOwnsClose := c.ended
	c.ended = true
	c.mu.Unlock()

	if !runOwnsClose {
		c.closeOnce.Do(func() { close(c.events) })
	}
}

// run executes one full turn: transcript, chat reply, then synthesis of the
// reply sentence by sentence. Every emit checks the context so an abort
// stops the turn between events.
func (c *pipelineCall) run() {
	defer c.closeOnce.Do(func() { close(c.events) })

	transcript, err := c.transcript()
	if err != nil {
		c.fail(fmt.Errorf("transcription failed: %w", err))
		return
	}
	if strings.TrimSpace(transcript) == "" {
		c.fail(fmt.Errorf("empty transcript"))
		return
	}
	if !c.emit(repositories.BridgeEvent{Kind: repositories.EventSttResult, Text: transcript}) {
		return
	}

	reply, err := c.reply(transcript)
	if err != nil {
		c.fail(fmt.Errorf("reasoning failed: %w", err))
		return
	}
	if !c.emit(repositories.BridgeEvent{Kind: repositories.EventEmotion, Emotion: "neutral", Text: reply}) {
		return
	}

	if !c.emit(repositories.BridgeEvent{Kind: repositories.EventTtsStart}) {
		return
	}
	for _, sentence := range splitSentences(reply) {
		if !c.emit(repositories.BridgeEvent{Kind: repositories.EventTtsSentence, Text: sentence}) {
			return
		}
		if err := c.synthesize(sentence); err != nil {
			c.fail(fmt.Errorf("synthesis failed: %w", err))
			return
		}
	}
	c.emit(repositories.BridgeEvent{Kind: repositories.EventTtsStop})
}

func (c *pipelineCall) transcript() (string, error) {
	c.mu.Lock()
	haveText, text := c.haveText, c.text
	c.mu.Unlock()
	if haveText {
		return text, nil
	}
	return c.sttStream.End()
}

func (c *pipelineCall) reply(transcript string) (string, error) {
	chat, err := c.pipeline.llm.GenerateChat(c.ctx, nil)
	if err != nil {
		return "", err
	}
	response, err := chat.SendMessage(c.ctx, repositories.ChatMessage{
		Role:    repositories.UserRole,
		Content: transcript,
	})
	if err != nil {
		return "", err
	}
	return response.Content, nil
}

func (c *pipelineCall) synthesize(sentence string) error {
	audioChan, err := c.pipeline.tts.ConvertTextToSpeech(c.ctx, sentence)
	if err != nil {
		return err
	}
	for chunk := range audioChan {
		if !c.emit(repositories.BridgeEvent{Kind: repositories.EventTtsAudio, Audio: chunk}) {
			return c.ctx.Err()
		}
	}
	return nil
}

// emit delivers one event unless the call was aborted. Reports whether the
// turn should continue.
func (c *pipelineCall) emit(event repositories.BridgeEvent) bool {
	select {
	case c.events <- event:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *pipelineCall) fail(err error) {
	c.pipeline.logger.Warn("Pipeline utterance failed", zap.Error(err))
	c.emit(repositories.BridgeEvent{Kind: repositories.EventError, Err: err})
}

// splitSentences breaks a reply into the units the device renders as
// sentence_start captions. Terminators stay attached to their sentence.
func splitSentences(text string) []string {
	var sentences []string
	var b strings.Builder

	flush := func() {
		if s := strings.TrimSpace(b.String()); s != "" {
			sentences = append(sentences, s)
		}
		b.Reset()
	}

	for _, r := range text {
		switch r {
		case '\n':
			flush()
		case '.', '!', '?':
			b.WriteRune(r)
			flush()
		default:
			b.WriteRune(r)
		}
	}
	flush()

	if len(sentences) == 0 {
		return nil
	}
	return sentences
}
