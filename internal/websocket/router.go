package websocket

import (
	"go.uber.org/zap"

	"github.com/kayuhara/hibiki/server/domain/entities"
	"github.com/kayuhara/hibiki/server/internal/protocol"
)

// handleTextMessage dispatches one inbound control message by its type tag.
// Messages that decode to the unknown variant are logged and dropped; the
// connection stays open. A session_id on an inbound message is accepted but
// never used to disambiguate, since each connection owns exactly one
// session in this protocol version.
func (c *Client) handleTextMessage(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		c.droppedMessages.Add(1)
		c.logger.Warn("Dropping message with no business action",
			zap.String("sessionID", c.session.ID),
			zap.Error(err))
		return
	}

	c.session.Touch()

	switch env.Type {
	case protocol.TypeHello:
		// One hello per connection; a post-handshake hello is dropped.
		c.droppedMessages.Add(1)
		c.logger.Warn("Dropping duplicate hello after handshake",
			zap.String("sessionID", c.session.ID))
	case protocol.TypeListen:
		c.handleListen(env.Listen)
	case protocol.TypeAbort:
		c.handleAbort(env.Abort)
	case protocol.TypeIot:
		c.handleIot(env.Iot)
	}
}

func (c *Client) handleListen(m *protocol.ListenMessage) {
	switch m.State {
	case protocol.ListenStateStart:
		mode := listenMode(m.Mode)
		if !c.session.StartListening(mode) {
			c.logger.Warn("Listen start refused in current state",
				zap.String("sessionID", c.session.ID),
				zap.String("state", string(c.session.State())))
			return
		}
		c.logger.Info("Listening started",
			zap.String("sessionID", c.session.ID),
			zap.String("mode", string(mode)))

	case protocol.ListenStateStop:
		if c.session.StopListening() {
			c.logger.Info("Listening stopped", zap.String("sessionID", c.session.ID))
			c.endUtteranceInput()
		}

	case protocol.ListenStateDetect:
		// Wake-word event: ephemeral, no state change. Typed input runs a
		// complete text-only utterance; a spoken wake word just primes the
		// in-flight call.
		c.logger.Info("Wake word detected",
			zap.String("sessionID", c.session.ID),
			zap.String("text", m.Text))
		stream, err := c.ensureStream()
		if err != nil {
			return
		}
		if err := stream.FeedText(m.Text); err != nil {
			// Input phase over: the wake word belongs to the next
			// utterance, collected on a fresh call.
			stream, err = c.replaceFeedStream(stream)
			if err != nil {
				return
			}
			if err := stream.FeedText(m.Text); err != nil {
				c.logger.Warn("Failed to forward wake word", zap.Error(err))
				return
			}
		}
		if m.Source == "text" {
			c.endUtteranceInput()
		}

	default:
		c.droppedMessages.Add(1)
		c.logger.Warn("Dropping listen message with unknown state",
			zap.String("sessionID", c.session.ID),
			zap.String("state", m.State))
	}
}

func (c *Client) handleAbort(m *protocol.AbortMessage) {
	reason := m.Reason
	if reason == "" {
		reason = protocol.AbortReasonUserRequested
	}
	c.logger.Info("Abort requested",
		zap.String("sessionID", c.session.ID),
		zap.String("reason", reason))
	c.abortUtterance()
}

func (c *Client) handleIot(m *protocol.IotMessage) {
	switch {
	case m.Descriptors != nil:
		c.session.SetIotDescriptors(m.Descriptors)
		c.logger.Info("Stored IoT descriptors", zap.String("sessionID", c.session.ID))
	case m.States != nil:
		c.session.SetIotStates(m.States)
		c.logger.Debug("Stored IoT states", zap.String("sessionID", c.session.ID))
	default:
		// Commands flow server-to-client only.
		c.droppedMessages.Add(1)
		c.logger.Warn("Dropping iot message without descriptors or states",
			zap.String("sessionID", c.session.ID))
	}
}

func listenMode(mode string) entities.ListenMode {
	switch mode {
	case protocol.ListenModeManual:
		return entities.ListenModeManual
	case protocol.ListenModeRealtime:
		return entities.ListenModeRealtime
	default:
		return entities.ListenModeAuto
	}
}
