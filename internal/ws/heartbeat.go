package ws

import (
	"context"
	"log"
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat begins a background goroutine that periodically sends
// WebSocket ping frames to all connections, closes those that have gone
// stale (no activity within Interval + Timeout), and refreshes the presence
// TTL for users that still hold at least one live connection. It returns
// immediately; the goroutine exits when the server's done channel is closed.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config)
			}
		}
	}()
}

// checkConnections iterates over all active connections. Connections with no
// activity within Interval + Timeout are considered dead and are torn down.
// Live connections receive a WebSocket protocol-level ping frame (opcode
// 0x9), which browsers answer automatically with a pong, and their user's
// presence record is refreshed so it outlives the next TTL window.
func checkConnections(server *Server, config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	// One presence refresh per user, not per connection.
	refreshed := make(map[string]struct{})

	for _, c := range server.Connections().All() {
		if now.Sub(c.LastPing) > deadline {
			log.Printf("ws: heartbeat timeout session=%s last_activity=%s ago",
				c.ID, now.Sub(c.LastPing).Round(time.Second))
			server.RemoveConnection(c)
			continue
		}

		// The write mutex on the connection serializes this with any
		// concurrent application writes.
		if err := c.WritePing(); err != nil {
			log.Printf("ws: heartbeat ping failed session=%s: %v", c.ID, err)
			server.RemoveConnection(c)
			continue
		}

		if server.presence != nil {
			if _, done := refreshed[c.User.ID]; !done {
				refreshed[c.User.ID] = struct{}{}
				ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				if err := server.presence.Refresh(ctx, c.User.ID); err != nil {
					log.Printf("ws: presence refresh failed user=%s: %v", c.User.ID, err)
				}
				cancel()
			}
		}
	}
}
