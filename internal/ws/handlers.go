package ws

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/luvio/dating-app/internal/protocol"
	"github.com/luvio/dating-app/internal/room"
)

// membershipCheckTimeout bounds the participant lookup a join triggers.
const membershipCheckTimeout = 5 * time.Second

// RegisterRoomHandlers wires the chat room events onto the dispatcher:
// join-chat and leave-chat mutate the registry, typing and stop-typing are
// re-broadcast to the room excluding the sender.
func RegisterRoomHandlers(d *EventDispatcher, registry *room.Registry) {
	d.Register(protocol.TypeJoinChat, func(conn *Connection, event interface{}) {
		join, ok := event.(protocol.JoinChatEvent)
		if !ok || join.ChatID == "" {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), membershipCheckTimeout)
		defer cancel()

		err := registry.Register(ctx, join.ChatID, conn)
		if errors.Is(err, room.ErrNotParticipant) {
			// The registry stays untouched; the client is told why.
			log.Printf("ws: join-chat denied user=%s chat=%s", conn.User.ID, join.ChatID)
			sendSocketError(conn, "not a participant of "+join.ChatID)
			return
		}
		if err != nil {
			log.Printf("ws: join-chat failed user=%s chat=%s: %v", conn.User.ID, join.ChatID, err)
			sendSocketError(conn, "could not join chat")
			return
		}

		log.Printf("ws: user joined chat user=%s chat=%s", conn.User.ID, join.ChatID)
	})

	d.Register(protocol.TypeLeaveChat, func(conn *Connection, event interface{}) {
		leave, ok := event.(protocol.LeaveChatEvent)
		if !ok || leave.ChatID == "" {
			return
		}

		registry.Unregister(leave.ChatID, conn)
		log.Printf("ws: user left chat user=%s chat=%s", conn.User.ID, leave.ChatID)
	})

	d.Register(protocol.TypeTyping, relayTyping(registry, protocol.TypeTyping))
	d.Register(protocol.TypeStopTyping, relayTyping(registry, protocol.TypeStopTyping))
}

// relayTyping returns a handler that re-broadcasts a typing indicator to the
// room under the given event type, excluding the sender. Delivery is best
// effort with no ordering guarantee relative to message events.
func relayTyping(registry *room.Registry, eventType string) EventHandler {
	return func(conn *Connection, event interface{}) {
		var chatID string
		switch e := event.(type) {
		case protocol.TypingEvent:
			chatID = e.ChatID
		case protocol.StopTypingEvent:
			chatID = e.ChatID
		default:
			return
		}
		if chatID == "" {
			return
		}

		data, err := protocol.NewServerEvent(eventType, protocol.TypingBroadcast{
			ChatID: chatID,
			UserID: conn.User.ID,
		})
		if err != nil {
			log.Printf("ws: failed to build %s broadcast session=%s: %v", eventType, conn.ID, err)
			return
		}

		registry.Broadcast(chatID, data, conn.User.ID)
	}
}

// sendSocketError emits a socket-error event to a single connection.
func sendSocketError(conn *Connection, message string) {
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
