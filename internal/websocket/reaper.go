package websocket

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// SessionReaper closes connections whose sessions have gone idle past the
// configured horizon. This is a resource-safety measure, not a protocol
// requirement: the client reconnects with a fresh handshake.
type SessionReaper struct {
	hub      *Hub
	interval time.Duration
	logger   *zap.Logger
	stopChan chan struct{}
}

// NewSessionReaper creates a reaper sweeping at the given interval.
func NewSessionReaper(hub *Hub, interval time.Duration, logger *zap.Logger) *SessionReaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &SessionReaper{
		hub:      hub,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start begins the background sweep loop.
func (r *SessionReaper) Start() {
	go r.sweepLoop()
	r.logger.Info("Session reaper started", zap.Duration("interval", r.interval))
}

// Stop gracefully stops the reaper.
func (r *SessionReaper) Stop() {
	close(r.stopChan)
	r.logger.Info("Session reaper stopped")
}

func (r *SessionReaper) sweepLoop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep closes every client idle beyond the hub's horizon. The closed
// socket drives the normal reader teardown path, so the session ends up
// terminal without a second cleanup mechanism.
func (r *SessionReaper) sweep() {
	horizon := r.hub.config.IdleTimeout
	if horizon <= 0 {
		return
	}

	for _, client := range r.hub.snapshot() {
		if !client.session.IdleSince(horizon) {
			continue
		}
		r.logger.Info("Reaping idle session",
			zap.String("sessionID", client.session.ID),
			zap.Time("lastActivityAt", client.session.LastActivityAt()))
		client.shutdown(websocket.CloseGoingAway, "session idle timeout")
	}
}
