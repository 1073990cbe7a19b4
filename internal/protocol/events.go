// Package protocol defines the socket event types and structures exchanged
// between chat clients and the realtime server. All events are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeJoinChat   = "join-chat"
	TypeLeaveChat  = "leave-chat"
	TypeTyping     = "typing"
	TypeStopTyping = "stop-typing"
	TypePing       = "ping"
)

// Server -> Client event types.
const (
	TypeConnected       = "connected"
	TypeSocketError     = "socket-error"
	TypeMessageReceived = "message-received"
	TypePong            = "pong"
	// typing and stop-typing are re-broadcast to the room under the same
	// event names the client sent them with.
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred parsing
// into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// JoinChatEvent is sent by the client to register its connection for live
// events in a chat room it participates in.
type JoinChatEvent struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// LeaveChatEvent is sent by the client to stop receiving live events for a
// chat room without closing the connection.
type LeaveChatEvent struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// TypingEvent signals that the client started typing in a chat room.
type TypingEvent struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// StopTypingEvent signals that the client stopped typing in a chat room.
type StopTypingEvent struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// PingEvent is a client-initiated keepalive ping.
type PingEvent struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// ConnectedEvent is sent once, immediately after a successful handshake and
// personal-room registration.
type ConnectedEvent struct {
	Type string `json:"type"`
}

// SocketErrorEvent carries a handshake or event-handling failure reason to
// the originating connection.
type SocketErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// TypingBroadcast relays a typing or stop-typing indicator to the other
// members of a chat room.
type TypingBroadcast struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

// AttachmentPayload is one media attachment on a delivered message.
type AttachmentPayload struct {
	URL       string `json:"url"`
	LocalPath string `json:"local_path,omitempty"`
}

// MessageReceivedEvent fans a freshly persisted chat message out to the
// connected members of its room.
type MessageReceivedEvent struct {
	Type        string              `json:"type"`
	MessageID   string              `json:"message_id"`
	ChatID      string              `json:"chat_id"`
	SenderID    string              `json:"sender_id"`
	Content     string              `json:"content"`
	Attachments []AttachmentPayload `json:"attachments,omitempty"`
	CreatedAt   int64               `json:"created_at"`
}

// PongEvent is the server's response to a client ping.
type PongEvent struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientEvent parses raw socket bytes into a typed client event. It
// returns the event type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only event types.
func ParseClientEvent(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinChat:
		var m JoinChatEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveChat:
		var m LeaveChatEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStopTyping:
		var m StopTypingEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client event type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerEvent creates a JSON-encoded byte slice for a server event. The
// eventType is injected into the payload under the "type" key. The payload
// should be one of the server event structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerEvent(eventType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = eventType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server event: %w", err)
	}
	return out, nil
}
