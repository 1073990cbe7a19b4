package ws

import (
	"log"
	"time"

	"github.com/luvio/dating-app/internal/metrics"
	"github.com/luvio/dating-app/internal/protocol"
)

// EventHandler is the callback signature for handling a parsed client event.
// The event parameter is the concrete struct returned by
// protocol.ParseClientEvent (e.g. protocol.JoinChatEvent).
type EventHandler func(conn *Connection, event interface{})

// EventDispatcher routes inbound socket events to registered handlers based
// on the event type. It handles the built-in ping/pong keepalive internally
// and sends socket-error events for malformed or unsupported input. Handler
// failures stay isolated to the originating connection; nothing dispatched
// here can crash the host process.
type EventDispatcher struct {
	handlers map[string]EventHandler
}

// NewEventDispatcher creates an empty dispatcher.
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		handlers: make(map[string]EventHandler),
	}
}

// Register associates an EventHandler with an event type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *EventDispatcher) Register(eventType string, handler EventHandler) {
	d.handlers[eventType] = handler
}

// Dispatch is the server's inbound-frame callback. It parses the raw bytes
// into a typed event, handles ping internally, and routes all other types to
// the registered handler. Parse errors and unregistered types result in a
// socket-error event sent back to the client.
func (d *EventDispatcher) Dispatch(conn *Connection, data []byte) {
	eventType, event, err := protocol.ParseClientEvent(data)
	if err != nil {
		log.Printf("ws: dispatch parse error session=%s: %v", conn.ID, err)
		d.sendError(conn, "invalid event format")
		return
	}

	metrics.EventsTotal.WithLabelValues(eventType).Inc()

	// Built-in ping handler — respond immediately without requiring registration.
	if eventType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[eventType]
	if !ok {
		log.Printf("ws: unsupported event type=%q session=%s", eventType, conn.ID)
		d.sendError(conn, "unsupported event type")
		return
	}

	handler(conn, event)
}

// sendError sends a socket-error event back to the client. Errors during
// construction or transmission are logged but not propagated.
func (d *EventDispatcher) sendError(conn *Connection, message string) {
	data, err := protocol.NewServerEvent(protocol.TypeSocketError, protocol.SocketErrorEvent{
		Message: message,
	})
	if err != nil {
		log.Printf("ws: failed to build socket-error session=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send socket-error session=%s: %v", conn.ID, err)
	}
}

// sendPong responds to a client ping with a pong event and updates the
// connection's LastPing timestamp to reflect the most recent keepalive.
func (d *EventDispatcher) sendPong(conn *Connection) {
	conn.LastPing = time.Now()

	data, err := protocol.NewServerEvent(protocol.TypePong, protocol.PongEvent{})
	if err != nil {
		log.Printf("ws: failed to build pong session=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send pong session=%s: %v", conn.ID, err)
	}
}
