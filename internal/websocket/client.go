package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kayuhara/hibiki/server/domain/entities"
	"github.com/kayuhara/hibiki/server/domain/repositories"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio chunks
)

// WriteData is one outbound WebSocket frame. Binary frames carry the
// utterance generation they belong to; a frame whose generation is stale by
// write time was aborted and is dropped instead of written. The after hook
// runs once the frame has actually reached the transport, which is how the
// tts stop message drives the speaking-to-idle transition in wire order.
type WriteData struct {
	// Type is websocket.TextMessage or websocket.BinaryMessage.
	Type      int
	Payload   []byte
	Utterance uint64
	after     func()
}

// Client binds one WebSocket connection to its session. One reader
// goroutine, one writer goroutine, and one bridge forwarder run per client;
// every outbound frame funnels through the send channel so concurrent
// bridge callbacks cannot interleave mid-utterance.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	logger *zap.Logger

	deviceID string
	clientID string
	session  *entities.Session

	// Ordered outbound queue drained by writePump.
	send chan WriteData

	// Bounded inbound audio queue drained by forwardAudio.
	inbound chan []byte

	// done closes when the connection is torn down; senders select on it
	// so nothing blocks on a dead writer.
	done      chan struct{}
	closeOnce sync.Once

	// utterance is the live playback generation; nextUtterance allocates
	// one id per bridge call. A call's audio reaches the wire only while
	// its id is live; abort points the live generation at an id no call
	// owns, which invalidates queued audio at write time.
	utterance     atomic.Uint64
	nextUtterance atomic.Uint64

	droppedFrames   atomic.Uint64
	droppedMessages atomic.Uint64

	mu           sync.Mutex
	stream       repositories.UtteranceStream
	cancelStream context.CancelFunc
}

func newClient(hub *Hub, conn *websocket.Conn, deviceID, clientID string, session *entities.Session, logger *zap.Logger) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		logger:   logger,
		deviceID: deviceID,
		clientID: clientID,
		session:  session,
		send:     make(chan WriteData, 256),
		inbound:  make(chan []byte, hub.config.InboundQueueSize),
		done:     make(chan struct{}),
	}
}

// Session returns the session owned by this connection.
func (c *Client) Session() *entities.Session {
	return c.session
}

// DroppedFrames reports inbound audio frames discarded on queue overflow.
func (c *Client) DroppedFrames() uint64 {
	return c.droppedFrames.Load()
}

// DroppedMessages reports control messages dropped with no business action.
func (c *Client) DroppedMessages() uint64 {
	return c.droppedMessages.Load()
}

// readPump pumps frames from the WebSocket connection into the router and
// the audio multiplexer. It never blocks on bridge processing; binary
// frames are handed off through the bounded inbound queue.
func (c *Client) readPump() {
	defer c.teardown()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			c.handleTextMessage(message)
		case websocket.BinaryMessage:
			c.handleBinaryFrame(message)
		default:
			c.logger.Warn("Received unknown frame type", zap.Int("type", messageType))
		}
	}
}

// writePump drains the ordered outbound queue onto the connection. It is
// the only goroutine that writes, which is what guarantees the
// sentence-before-frames and stop-after-last-frame ordering.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if !c.writeAllowed(message) {
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				return
			}
			if message.after != nil {
				message.after()
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// writeAllowed applies the emission invariant at the last possible moment:
// audio leaves the transport only while the session is speaking and only
// for the live utterance generation. Control messages always pass.
func (c *Client) writeAllowed(message WriteData) bool {
	if message.Type != websocket.BinaryMessage {
		return true
	}
	if message.Utterance != c.utterance.Load() {
		return false
	}
	return c.session.EmitsOutboundAudio()
}

// enqueue hands a frame to the writer, giving up if the connection died.
func (c *Client) enqueue(message WriteData) {
	select {
	case c.send <- message:
	case <-c.done:
	}
}

// trySend is the non-blocking variant used from writer-adjacent contexts
// where blocking would deadlock.
func (c *Client) trySend(message WriteData) {
	select {
	case c.send <- message:
	case <-c.done:
	default:
		c.logger.Warn("Outbound queue full, dropping control message")
	}
}

// sendJSON marshals and enqueues one control message.
func (c *Client) sendJSON(v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Failed to marshal outbound message", zap.Error(err))
		return
	}
	c.enqueue(WriteData{Type: websocket.TextMessage, Payload: payload})
}

// sendAudio enqueues one synthesized audio frame tagged with its utterance.
func (c *Client) sendAudio(frame []byte, generation uint64) {
	c.enqueue(WriteData{Type: websocket.BinaryMessage, Payload: frame, Utterance: generation})
}

// teardown releases everything this connection owns: the session goes
// terminal, any in-flight bridge call is cancelled, and the hub forgets the
// client. Safe to reach from both the reader and the reaper.
func (c *Client) teardown() {
	c.closeOnce.Do(func() {
		c.session.Close()

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

		close(c.done)
		c.hub.unregister <- c
	})
	c.conn.Close()
}

// shutdown closes the connection from outside the reader, used by the
// idle-session reaper. The reader observes the closed socket and runs the
// normal teardown path.
func (c *Client) shutdown(code int, reason string) {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	c.conn.Close()
}
