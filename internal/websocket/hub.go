package websocket

import (
	"time"

	"go.uber.org/zap"

	"github.com/kayuhara/hibiki/server/domain/entities"
	"github.com/kayuhara/hibiki/server/domain/repositories"
)

// Config holds the protocol engine settings the server negotiates on behalf
// of every connection.
type Config struct {
	// AudioParams is the server playback format echoed in the hello ack.
	// The client resamples to this rate; it is never renegotiated.
	AudioParams entities.AudioParams

	// HandshakeTimeout bounds the wait for the client hello after upgrade.
	HandshakeTimeout time.Duration

	// IdleTimeout is the reap horizon for sessions with no traffic.
	IdleTimeout time.Duration

	// InboundQueueSize bounds the per-session audio queue between the
	// socket reader and the bridge forwarder.
	InboundQueueSize int
}

// DefaultConfig returns the engine defaults: 16 kHz mono Opus in 60 ms
// frames, a 10 second hello deadline, and a 5 minute idle reap horizon.
func DefaultConfig() Config {
	return Config{
		AudioParams: entities.AudioParams{
			Format:        "opus",
			SampleRate:    16000,
			Channels:      1,
			FrameDuration: 60,
		},
		HandshakeTimeout: 10 * time.Second,
		IdleTimeout:      5 * time.Minute,
		InboundQueueSize: 64,
	}
}

// TokenVerifier validates a bearer token and returns the device identity it
// was issued for.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Hub tracks the set of live clients for lifecycle bookkeeping. Sessions
// themselves are exclusively owned by their connection's goroutines; the
// hub only registers, unregisters, and enumerates them.
type Hub struct {
	clients     map[string]*Client
	register    chan *Client
	unregister  chan *Client
	snapshotReq chan chan []*Client

	bridge   repositories.ReasoningBridge
	verifier TokenVerifier
	config   Config

	logger *zap.Logger
}

// NewHub creates a hub serving connections against the given bridge.
func NewHub(bridge repositories.ReasoningBridge, verifier TokenVerifier, config Config, logger *zap.Logger) *Hub {
	if config.InboundQueueSize <= 0 {
		config.InboundQueueSize = DefaultConfig().InboundQueueSize
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = DefaultConfig().HandshakeTimeout
	}
	return &Hub{
		clients:     make(map[string]*Client),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		snapshotReq: make(chan chan []*Client),
		bridge:      bridge,
		verifier:    verifier,
		config:      config,
		logger:      logger,
	}
}

// Run starts the hub's registry loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client.session.ID] = client
			h.logger.Info("Session registered",
				zap.String("sessionID", client.session.ID),
				zap.String("deviceID", client.deviceID))

		case client := <-h.unregister:
			if _, ok := h.clients[client.session.ID]; ok {
				delete(h.clients, client.session.ID)
			}
			h.logger.Info("Session unregistered",
				zap.String("sessionID", client.session.ID),
				zap.String("deviceID", client.deviceID))

		case result := <-h.snapshotReq:
			clients := make([]*Client, 0, len(h.clients))
			for _, client := range h.clients {
				clients = append(clients, client)
			}
			result <- clients
		}
	}
}

// snapshot asks the registry loop for the current client set. It is served
// through the same channels the register/unregister path uses so the
// clients map stays confined to the Run goroutine.
func (h *Hub) snapshot() []*Client {
	result := make(chan []*Client, 1)
	h.snapshotReq <- result
	return <-result
}
