package websocket

import (
	"context"
	"encoding/json"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kayuhara/hibiki/server/domain/entities"
	"github.com/kayuhara/hibiki/server/domain/repositories"
	"github.com/kayuhara/hibiki/server/internal/protocol"
)

// handleBinaryFrame gates one inbound audio frame against the session
// state and hands it to the bridge forwarder. The socket reader is never
// blocked: on queue overflow the oldest frame is dropped and counted.
func (c *Client) handleBinaryFrame(data []byte) {
	c.session.Touch()

	if !c.session.AcceptsInboundAudio() {
		// Idle, closed, or speaking without realtime barge-in: discard.
		return
	}

	select {
	case c.inbound <- data:
	default:
		select {
		case <-c.inbound:
			c.droppedFrames.Add(1)
		default:
		}
		select {
		case c.inbound <- data:
		default:
			c.droppedFrames.Add(1)
		}
	}
}

// forwardAudio drains the inbound queue into the reasoning bridge for the
// connection's lifetime. The bridge call is opened lazily on the first
// frame, so a listen start/stop with no audio never invokes the bridge.
//
// A call refuses audio once its input phase ends, which during realtime
// playback means the device is speaking over the reply. The frame is not
// dropped and the playing call is not cancelled: a fresh call collects the
// new utterance and takes over playback only when it produces output.
func (c *Client) forwardAudio() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.inbound:
			stream, err := c.ensureStream()
			if err != nil {
				continue
			}
			if err := stream.Feed(frame); err == nil {
				continue
			}
			c.logger.Debug("Bridge call no longer accepts audio, opening replacement",
				zap.String("sessionID", c.session.ID))
			stream, err = c.replaceFeedStream(stream)
			if err != nil {
				continue
			}
			if err := stream.Feed(frame); err != nil {
				c.logger.Warn("Replacement bridge call refused audio", zap.Error(err))
			}
		}
	}
}

// ensureStream returns the in-flight bridge call, opening one when none
// exists. Each call gets its own utterance id; its event consumer emits
// under that id and claims the live generation when playback begins.
func (c *Client) ensureStream() (repositories.UtteranceStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream != nil {
		return c.stream, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cfg := repositories.UtteranceConfig{
		SessionID:      c.session.ID,
		DeviceID:       c.session.AuthIdentity,
		AudioParams:    c.session.AudioParams,
		IotDescriptors: c.session.IotDescriptors(),
		IotStates:      c.session.IotStates(),
	}
	stream, err := c.hub.bridge.StartUtterance(ctx, cfg)
	if err != nil {
		cancel()
		c.logger.Error("Failed to start reasoning bridge call",
			zap.String("sessionID", c.session.ID),
			zap.Error(err))
		return nil, err
	}

	c.stream = stream
	c.cancelStream = cancel

	go c.consumeEvents(stream, cancel, c.nextUtterance.Add(1))
	return stream, nil
}

// replaceFeedStream forgets a call that stopped accepting input and opens
// the next one. The old call is not cancelled here; it keeps emitting until
// the replacement takes over playback or it finishes on its own.
func (c *Client) replaceFeedStream(old repositories.UtteranceStream) (repositories.UtteranceStream, error) {
	c.mu.Lock()
	if c.stream == old {
		// The consumer owns the old call's cancel; it fires when the call
		// is superseded, aborted, or drained.
		c.stream = nil
		c.cancelStream = nil
	}
	c.mu.Unlock()

	return c.ensureStream()
}

// endUtteranceInput signals the in-flight call that input is complete.
// Events keep flowing until the call's channel closes.
func (c *Client) endUtteranceInput() {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()

	if stream == nil {
		return
	}
	if err := stream.End(); err != nil {
		c.logger.Warn("Failed to end bridge input",
			zap.String("sessionID", c.session.ID),
			zap.Error(err))
	}
}

// releaseStream forgets the given call if it is still the current one.
func (c *Client) releaseStream(stream repositories.UtteranceStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != stream {
		return
	}
	c.stream = nil
	if c.cancelStream != nil {
		c.cancelStream()
		c.cancelStream = nil
	}
}

// abortUtterance cancels the in-flight bridge call and discards queued
// outbound audio by pointing the live generation at an id no call owns.
// The client is always answered with a terminating tts stop, matching the
// abort contract.
func (c *Client) abortUtterance() {
	c.utterance.Store(c.nextUtterance.Add(1))

	c.mu.Lock()
	stream := c.stream
	cancel := c.cancelStream
	c.stream = nil
	c.cancelStream = nil
	c.mu.Unlock()

	if stream != nil {
		stream.Abort()
	}
	if cancel != nil {
		cancel()
	}

	// Drain audio queued for the aborted utterance.
	for {
		select {
		case <-c.inbound:
		default:
			c.session.Abort()
			c.sendJSON(protocol.NewTtsStop())
			return
		}
	}
}

// consumeEvents relays one bridge call's output stream to the client in
// order. It is the single producer of playback frames for its utterance,
// so chaining through the send channel preserves the required ordering:
// sentence_start strictly before that sentence's audio, tts stop strictly
// after the last frame.
//
// The call emits under its own utterance id. Transcript and emotion events
// flow even while an earlier utterance is still playing; playback events
// first claim the live generation, which retires the earlier utterance.
// Once the live generation moves past this id the call is dead: it is
// aborted and drained without emitting.
func (c *Client) consumeEvents(stream repositories.UtteranceStream, cancel context.CancelFunc, id uint64) {
	defer cancel()

	for event := range stream.Events() {
		if c.utterance.Load() > id {
			// Superseded or aborted.
			stream.Abort()
			continue
		}
		select {
		case <-c.done:
			stream.Abort()
			continue
		default:
		}

		switch event.Kind {
		case repositories.EventSttResult:
			c.sendJSON(protocol.NewSttMessage(event.Text))

		case repositories.EventEmotion:
			c.sendJSON(protocol.NewLlmEmotion(event.Emotion, event.Text))

		case repositories.EventIotCommand:
			c.sendJSON(protocol.NewIotCommands(event.Commands))

		case repositories.EventTtsStart:
			if !c.takeOverPlayback(id) {
				continue
			}
			if c.session.BeginSpeaking() {
				c.sendJSON(protocol.NewTtsStart())
			}

		case repositories.EventTtsSentence:
			c.sendJSON(protocol.NewTtsSentenceStart(event.Text))

		case repositories.EventTtsAudio:
			c.sendAudio(event.Audio, id)

		case repositories.EventTtsStop:
			c.finishUtterance(id)

		case repositories.EventError:
			// Upstream failure: terminate the utterance toward the client
			// and return to idle. The connection survives.
			c.logger.Error("Reasoning bridge failure",
				zap.String("sessionID", c.session.ID),
				zap.Error(event.Err))
			c.sendJSON(protocol.NewTtsStop())
			c.session.Abort()
		}
	}

	c.releaseStream(stream)
}

// takeOverPlayback makes this call's utterance the live one. When an older
// utterance is still mid-playback it is retired on the spot: the generation
// switch invalidates its queued audio at write time, the client gets its
// terminating tts stop, and the older call's consumer sees itself
// superseded on its next event. Reports false when the live generation has
// already moved past this call.
func (c *Client) takeOverPlayback(id uint64) bool {
	for {
		current := c.utterance.Load()
		if current == id {
			return true
		}
		if current > id {
			return false
		}
		if c.utterance.CompareAndSwap(current, id) {
			if c.session.EmitsOutboundAudio() {
				c.sendJSON(protocol.NewTtsStop())
			}
			return true
		}
	}
}

// finishUtterance enqueues the tts stop and, once it has reached the wire
// behind the last audio frame, runs the speaking transition. Auto and
// realtime sessions loop back to listening and the server re-issues the
// listen start the device expects.
func (c *Client) finishUtterance(generation uint64) {
	payload, err := json.Marshal(protocol.NewTtsStop())
	if err != nil {
		c.logger.Error("Failed to marshal tts stop", zap.Error(err))
		return
	}
	c.enqueue(WriteData{
		Type:    websocket.TextMessage,
		Payload: payload,
		after:   func() { c.resumeAfterSpeaking(generation) },
	})
}

func (c *Client) resumeAfterSpeaking(generation uint64) {
	if c.utterance.Load() != generation {
		return
	}
	if state := c.session.FinishSpeaking(); state == entities.StateListening {
		payload, err := json.Marshal(protocol.NewListenStart(string(c.session.ListenMode())))
		if err != nil {
			return
		}
		// Runs on the writer goroutine, so the enqueue must not block.
		c.trySend(WriteData{Type: websocket.TextMessage, Payload: payload})
	}
}
