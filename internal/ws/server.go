// Package ws owns the socket transport: upgrading HTTP connections,
// authenticating the handshake, maintaining active connections, and
// dispatching inbound events to the application handlers. A connection is
// admitted into the room registry only after its credential resolves to a
// known user, and it is removed from every room on every exit path.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/luvio/dating-app/internal/auth"
	"github.com/luvio/dating-app/internal/metrics"
	"github.com/luvio/dating-app/internal/presence"
	"github.com/luvio/dating-app/internal/protocol"
	"github.com/luvio/dating-app/internal/room"
	"github.com/luvio/dating-app/internal/user"
)

// ServerConfig holds tunable parameters for the socket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	AuthTimeout    time.Duration // bound on the handshake identity lookup
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		AuthTimeout:    5 * time.Second,
	}
}

// Server is the realtime socket server built on gobwas/ws and Linux epoll.
// It upgrades HTTP connections, authenticates the handshake credential,
// registers admitted connections with the poller and the room registry, and
// dispatches ready connections to a bounded worker pool for frame reading.
type Server struct {
	config     ServerConfig
	poller     *Poller
	conns      *ConnectionManager
	auth       *auth.Authenticator
	registry   *room.Registry
	presence   *presence.Store // nil disables presence tracking
	onEvent    func(conn *Connection, data []byte)
	httpServer *http.Server
	done       chan struct{}
	doneOnce   sync.Once
	startedAt  time.Time
}

// NewServer creates a Server with the given configuration and collaborators.
// The onEvent function is called from a worker goroutine whenever a complete
// text frame arrives from an authenticated client.
func NewServer(config ServerConfig, authenticator *auth.Authenticator, registry *room.Registry, presenceStore *presence.Store, onEvent func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:   config,
		conns:    NewConnectionManager(),
		auth:     authenticator,
		registry: registry,
		presence: presenceStore,
		onEvent:  onEvent,
		done:     make(chan struct{}),
	}
}

// Start initializes the poller, configures the HTTP server, and begins
// accepting socket connections. It starts the poller event loop in a
// background goroutine and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.poller, err = NewPoller()
	if err != nil {
		return fmt.Errorf("ws: failed to create poller: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.startEventLoop()

	// Detect and close dead connections, refreshing presence for live ones.
	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection and runs
// the handshake state machine: extract credential, authenticate, admit. A
// failed handshake gets a socket-error event and an immediate close; nothing
// is registered for it.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	// The credential rides on the HTTP request; capture it before the
	// connection stops being one.
	token, tokenErr := auth.TokenFromRequest(r)

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	ident, authErr := func() (*user.Identity, error) {
		if tokenErr != nil {
			return nil, tokenErr
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.config.AuthTimeout)
		defer cancel()
		return s.auth.Authenticate(ctx, token)
	}()
	if authErr != nil {
		s.rejectHandshake(conn, authErr)
		return
	}

	sessionID := uuid.New().String()
	c := &Connection{
		ID:        sessionID,
		User:      ident,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: time.Now(),
		LastPing:  time.Now(),
	}

	s.conns.Add(c)
	if err := s.poller.Add(conn); err != nil {
		log.Printf("ws: poller add failed for session %s: %v", sessionID, err)
		s.conns.Remove(sessionID)
		return
	}

	// Auto-join the personal room keyed by the user's own id; it is the
	// direct-notification channel and never consults the chat store.
	if err := s.registry.Register(context.Background(), c.User.ID, c); err != nil {
		log.Printf("ws: personal room join failed session=%s user=%s: %v", sessionID, c.User.ID, err)
	}

	if s.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.presence.SetOnline(ctx, c.User.ID); err != nil {
			log.Printf("ws: failed to mark user online user=%s: %v", c.User.ID, err)
		}
		cancel()
	}

	metrics.ConnectionsActive.Inc()

	// Exactly one connected event per admitted connection.
	connectedEvent, err := protocol.NewServerEvent(protocol.TypeConnected, protocol.ConnectedEvent{})
	if err != nil {
		log.Printf("ws: failed to build connected event session=%s: %v", sessionID, err)
	} else if err := c.WriteMessage(connectedEvent); err != nil {
		log.Printf("ws: failed to send connected event session=%s: %v", sessionID, err)
	}

	log.Printf("ws: user connected session=%s user=%s (total=%d)", sessionID, c.User.ID, s.conns.Count())
}

// rejectHandshake emits socket-error with the failure reason on the freshly
// upgraded transport and closes it. The connection never touches the
// registry, the poller, or presence.
func (s *Server) rejectHandshake(conn net.Conn, cause error) {
	reason := "socket connection error"
	label := "internal"
	switch {
	case errors.Is(cause, auth.ErrMissingToken):
		reason = "unauthorized handshake: token is missing"
		label = "missing_token"
	case errors.Is(cause, auth.ErrInvalidToken):
		reason = "unauthorized handshake: invalid or expired token"
		label = "invalid_token"
	case errors.Is(cause, auth.ErrUnknownUser):
		reason = "unauthorized handshake: user not found"
		label = "unknown_user"
	}
	metrics.HandshakeFailures.WithLabelValues(label).Inc()
	log.Printf("ws: handshake rejected: %v", cause)

	data, err := protocol.NewServerEvent(protocol.TypeSocketError, protocol.SocketErrorEvent{Message: reason})
	if err == nil {
		if s.config.WriteTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		}
		_ = wsutil.WriteServerMessage(conn, ws.OpText, data)
	}
	_ = conn.Close()
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the poller wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	workerPool := make(chan struct{}, s.config.WorkerPoolSize)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: poller wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn // capture for goroutine

			// Acquire a worker slot (blocks if pool is full).
			workerPool <- struct{}{}

			go func() {
				defer func() { <-workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails the
// connection is torn down.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale poller
		// dispatch). The heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.LastPing = time.Now()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		// Pong/ping: connection is alive, nothing else to do.
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		_, err = io.ReadFull(reader, data)
		if err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onEvent != nil {
		s.onEvent(c, data)
	}
}

// RemoveConnection tears a connection down: it is removed from the poller,
// the connection manager, every room it joined (including the personal
// room), and presence. The teardown runs on every exit path — read error,
// close frame, heartbeat timeout, shutdown — and is idempotent against
// concurrent invocation for the same connection.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.poller.Remove(c.Conn)

	// Only the goroutine that actually removed the connection performs the
	// rest of the cleanup.
	if !s.conns.Remove(c.ID) {
		return
	}

	rooms := s.registry.DropMember(c)
	metrics.ConnectionsActive.Dec()

	if s.presence != nil {
		// Another connection of the same user (phone + web) keeps the user
		// online; only the last one clears the marker.
		if !s.registry.UserInRoom(c.User.ID, c.User.ID) {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := s.presence.SetOffline(ctx, c.User.ID); err != nil {
				log.Printf("ws: failed to mark user offline user=%s: %v", c.User.ID, err)
			}
			cancel()
		}
	}

	log.Printf("ws: user disconnected session=%s user=%s rooms_left=%d (total=%d)",
		c.ID, c.User.ID, len(rooms), s.conns.Count())
}

// SendToUser writes an encoded event to every live connection of a user via
// its personal room. Returns the number of connections reached.
func (s *Server) SendToUser(userID string, data []byte) int {
	return s.registry.Broadcast(userID, data, "")
}

// Connections returns the ConnectionManager for external access to
// connection state (e.g. by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Registry returns the room registry this server admits connections into.
func (s *Server) Registry() *room.Registry {
	return s.registry
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, tears down all active
// connections, and closes the poller.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	s.doneOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.poller != nil {
		_ = s.poller.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
