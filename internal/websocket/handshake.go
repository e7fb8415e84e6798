package websocket

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/kayuhara/hibiki/server/domain/entities"
	"github.com/kayuhara/hibiki/server/internal/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Embedded devices do not send a browser origin.
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// ServeConnection upgrades the request and runs the handshake: header
// validation, the hello exchange, session creation, and the hello ack.
// Rejections close the socket with a close code that tells auth failure,
// version mismatch, and handshake timeout apart. On success the client's
// pump goroutines take over and the call returns.
func ServeConnection(hub *Hub, c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	client, err := performHandshake(hub, conn, c.Request().Header)
	if err != nil {
		hub.logger.Warn("Handshake rejected", zap.Error(err))
		code := protocol.CloseCodeFor(err)
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, err.Error()))
		conn.Close()
		return nil
	}

	hub.register <- client

	go client.writePump()
	go client.forwardAudio()
	go client.readPump()

	return nil
}

// performHandshake validates the connection headers and the hello exchange
// and creates the session. No partial session survives a failure.
func performHandshake(hub *Hub, conn *websocket.Conn, headers http.Header) (*Client, error) {
	identity, err := verifyHeaders(hub, headers)
	if err != nil {
		return nil, err
	}

	deviceID := headers.Get("Device-Id")
	clientID := headers.Get("Client-Id")

	hello, err := awaitHello(hub, conn)
	if err != nil {
		return nil, err
	}
	if hello.Version != protocol.Version {
		return nil, fmt.Errorf("%w: hello version %d", protocol.ErrVersion, hello.Version)
	}

	// The server's playback rate wins; the client resamples. The client's
	// declared rate is accepted but never echoed back.
	session := entities.NewSession(identity, hub.config.AudioParams)

	ack := protocol.NewServerHello(protocol.AudioParams{
		Format:        hub.config.AudioParams.Format,
		SampleRate:    hub.config.AudioParams.SampleRate,
		Channels:      hub.config.AudioParams.Channels,
		FrameDuration: hub.config.AudioParams.FrameDuration,
	})
	payload, err := json.Marshal(ack)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal hello ack: %v", protocol.ErrProtocol, err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return nil, fmt.Errorf("%w: write hello ack: %v", protocol.ErrProtocol, err)
	}

	hub.logger.Info("Handshake complete",
		zap.String("deviceID", deviceID),
		zap.String("clientID", clientID),
		zap.String("identity", identity),
		zap.Int("clientSampleRate", hello.AudioParams.SampleRate),
		zap.Int("serverSampleRate", hub.config.AudioParams.SampleRate))

	return newClient(hub, conn, deviceID, clientID, session, hub.logger), nil
}

// verifyHeaders enforces the required connection headers: bearer token,
// protocol version, device and client identifiers.
func verifyHeaders(hub *Hub, headers http.Header) (string, error) {
	authz := headers.Get("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		return "", fmt.Errorf("%w: missing bearer token", protocol.ErrAuth)
	}
	identity, err := hub.verifier.Verify(strings.TrimPrefix(authz, "Bearer "))
	if err != nil {
		return "", fmt.Errorf("%w: %v", protocol.ErrAuth, err)
	}

	if v := headers.Get("Protocol-Version"); v != strconv.Itoa(protocol.Version) {
		return "", fmt.Errorf("%w: %q", protocol.ErrVersion, v)
	}

	if headers.Get("Device-Id") == "" {
		return "", fmt.Errorf("%w: missing Device-Id header", protocol.ErrProtocol)
	}
	if headers.Get("Client-Id") == "" {
		return "", fmt.Errorf("%w: missing Client-Id header", protocol.ErrProtocol)
	}
	return identity, nil
}

// awaitHello reads and validates the mandatory first text message within
// the handshake deadline.
func awaitHello(hub *Hub, conn *websocket.Conn) (*protocol.HelloMessage, error) {
	conn.SetReadDeadline(time.Now().Add(hub.config.HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	messageType, data, err := conn.ReadMessage()
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, protocol.ErrHandshakeTimeout
		}
		return nil, fmt.Errorf("%w: read hello: %v", protocol.ErrProtocol, err)
	}
	if messageType != websocket.TextMessage {
		return nil, fmt.Errorf("%w: first frame must be a text hello", protocol.ErrProtocol)
	}

	env, err := protocol.Decode(data)
	if err != nil || env.Type != protocol.TypeHello {
		return nil, fmt.Errorf("%w: first message must be hello", protocol.ErrProtocol)
	}
	if err := protocol.ValidateHello(env.Hello); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrProtocol, err)
	}
	return env.Hello, nil
}
