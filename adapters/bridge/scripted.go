package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kayuhara/hibiki/server/domain/repositories"
)

// ScriptedBridge implements ReasoningBridge with a canned conversation.
// Every utterance produces the same transcript, reply, and synthetic audio,
// which makes session behavior reproducible in tests and lets the server
// run end to end without provider credentials.
type ScriptedBridge struct {
	// Transcript returned for spoken input. FeedText input wins over it.
	Transcript string
	// Sentences of the reply; each gets a caption and FramesPerSentence
	// audio frames.
	Sentences         []string
	FramesPerSentence int
	FrameSize         int
	// IotCommands, when set, are relayed before playback starts.
	IotCommands json.RawMessage
	// StartErr, when set, fails StartUtterance.
	StartErr error

	calls    atomic.Uint64
	lastCall atomic.Pointer[scriptedCall]
}

// NewScriptedBridge returns a bridge with a small default script.
func NewScriptedBridge() *ScriptedBridge {
	return &ScriptedBridge{
		Transcript:        "what time is it",
		Sentences:         []string{"Let me check.", "It is three o'clock."},
		FramesPerSentence: 3,
		FrameSize:         120,
	}
}

// Calls reports how many utterances have been started.
func (b *ScriptedBridge) Calls() uint64 {
	return b.calls.Load()
}

// LastFedFrames reports how many audio frames reached the most recent call.
func (b *ScriptedBridge) LastFedFrames() int {
	call := b.lastCall.Load()
	if call == nil {
		return 0
	}
	return call.FedFrames()
}

func (b *ScriptedBridge) StartUtterance(ctx context.Context, cfg repositories.UtteranceConfig) (repositories.UtteranceStream, error) {
	if b.StartErr != nil {
		return nil, b.StartErr
	}
	b.calls.Add(1)

	ctx, cancel := context.WithCancel(ctx)
	call := &scriptedCall{
		bridge: b,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan repositories.BridgeEvent, 64),
	}
	b.lastCall.Store(call)
	return call, nil
}

type scriptedCall struct {
	bridge *ScriptedBridge
	ctx    context.Context
	cancel context.CancelFunc
	events chan repositories.BridgeEvent

	mu       sync.Mutex
	fed      int
	text     string
	haveText bool
	ended    bool

	closeOnce sync.Once
}

func (c *scriptedCall) Feed(data []byte) error {
	if err := c.ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return fmt.Errorf("utterance input already ended")
	}
	c.fed++
	return nil
}

func (c *scriptedCall) FeedText(text string) error {
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

// FedFrames reports how many audio frames reached this call.
func (c *scriptedCall) FedFrames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fed
}

func (c *scriptedCall) End() error {
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

func (c *scriptedCall) Events() <-chan repositories.BridgeEvent {
	return c.events
}

func (c *scriptedCall) Abort() {
	c.cancel()

	c.mu.Lock()
	runOwnsClose := c.ended
	c.ended = true
	c.mu.Unlock()

	if !runOwnsClose {
		c.closeOnce.Do(func() { close(c.events) })
	}
}

func (c *scriptedCall) run() {
	defer c.closeOnce.Do(func() { close(c.events) })

	c.mu.Lock()
	transcript := c.bridge.Transcript
	if c.haveText {
		transcript = c.text
	}
	c.mu.Unlock()

	if !c.emit(repositories.BridgeEvent{Kind: repositories.EventSttResult, Text: transcript}) {
		return
	}
	if !c.emit(repositories.BridgeEvent{Kind: repositories.EventEmotion, Emotion: "neutral"}) {
		return
	}
	if len(c.bridge.IotCommands) > 0 {
		if !c.emit(repositories.BridgeEvent{Kind: repositories.EventIotCommand, Commands: c.bridge.IotCommands}) {
			return
		}
	}
	if !c.emit(repositories.BridgeEvent{Kind: repositories.EventTtsStart}) {
		return
	}
	for i, sentence := range c.bridge.Sentences {
		if !c.emit(repositories.BridgeEvent{Kind: repositories.EventTtsSentence, Text: sentence}) {
			return
		}
		for j := 0; j < c.bridge.FramesPerSentence; j++ {
			frame := make([]byte, c.bridge.FrameSize)
			for k := range frame {
				frame[k] = byte(i + j)
			}
			if !c.emit(repositories.BridgeEvent{Kind: repositories.EventTtsAudio, Audio: frame}) {
				return
			}
		}
	}
	c.emit(repositories.BridgeEvent{Kind: repositories.EventTtsStop})
}

func (c *scriptedCall) emit(event repositories.BridgeEvent) bool {
	select {
	case c.events <- event:
		return true
	case <-c.ctx.Done():
		return false
	}
}
