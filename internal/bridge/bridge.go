// Package bridge fans freshly persisted chat messages out to the connected
// members of their room and requests notification records for participants
// who are not reachable live. It is invoked only after the message is durably
// stored, so nothing here can fail the write that triggered it.
package bridge

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/luvio/dating-app/internal/chat"
	"github.com/luvio/dating-app/internal/metrics"
	"github.com/luvio/dating-app/internal/protocol"
)

// Broadcaster is the slice of the room registry the bridge uses.
// Implemented by room.Registry.
type Broadcaster interface {
	Broadcast(roomID string, data []byte, excludeUserID string) int
	UserInRoom(roomID, userID string) bool
}

// ParticipantSource exposes the persisted participant set for a chat.
// Implemented by chat.Store.
type ParticipantSource interface {
	Participants(ctx context.Context, chatID string) ([]string, error)
}

// PresenceChecker reports whether a user currently has any live connection.
// Implemented by presence.Store.
type PresenceChecker interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// Notifier publishes notification creation requests. Implemented by
// messaging.NATSClient.
type Notifier interface {
	PublishNotification(data []byte) error
}

// NotificationRequest is the payload handed to the notification service for
// a participant with no live connection.
type NotificationRequest struct {
	RecipientID string `json:"recipient_id"`
	SenderID    string `json:"sender_id"`
	Type        string `json:"type"` // always "message" from this producer
	ChatID      string `json:"chat_id"`
	MessageID   string `json:"message_id"`
}

// Bridge delivers persisted messages to connected room members and triggers
// offline notification fan-out.
type Bridge struct {
	rooms    Broadcaster
	chats    ParticipantSource
	presence PresenceChecker
	notifier Notifier
}

// New creates a Bridge over the given collaborators.
func New(rooms Broadcaster, chats ParticipantSource, presence PresenceChecker, notifier Notifier) *Bridge {
	return &Bridge{rooms: rooms, chats: chats, presence: presence, notifier: notifier}
}

// HandlePersisted is the subscription callback for message.persisted events.
// Malformed payloads are logged and dropped; the message row is already
// durable and nothing downstream can roll it back.
func (b *Bridge) HandlePersisted(data []byte) {
	var msg chat.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("bridge: bad message.persisted payload: %v", err)
		return
	}
	if msg.ChatID == "" || msg.SenderID == "" {
		log.Printf("bridge: message.persisted missing chat_id or sender_id, dropping")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.Deliver(ctx, &msg)
}

// Deliver broadcasts message-received to every connected participant of the
// message's room except the sender, then requests notification records for
// participants with no live connection in that room. Notification fan-out is
// best effort: failures are logged and never propagate.
func (b *Bridge) Deliver(ctx context.Context, msg *chat.Message) {
	start := time.Now()

	event, err := protocol.NewServerEvent(protocol.TypeMessageReceived, messageEvent(msg))
	if err != nil {
		log.Printf("bridge: failed to encode message-received chat=%s msg=%s: %v", msg.ChatID, msg.ID, err)
		return
	}

	// Senders never receive their own echo.
	delivered := b.rooms.Broadcast(msg.ChatID, event, msg.SenderID)
	metrics.MessagesDelivered.Add(float64(delivered))
	metrics.BroadcastLatency.Observe(time.Since(start).Seconds())

	log.Printf("bridge: delivered chat=%s msg=%s recipients=%d", msg.ChatID, msg.ID, delivered)

	b.notifyAbsent(ctx, msg, event)
}

// notifyAbsent walks the persisted participant set and, for everyone who is
// neither the sender nor connected in the room, either relays the event to
// their personal room (connected elsewhere in the app) or requests an
// offline notification record.
func (b *Bridge) notifyAbsent(ctx context.Context, msg *chat.Message, event []byte) {
	participants, err := b.chats.Participants(ctx, msg.ChatID)
	if err != nil {
		log.Printf("bridge: participants lookup chat=%s failed: %v", msg.ChatID, err)
		return
	}

	for _, userID := range participants {
		if userID == msg.SenderID || b.rooms.UserInRoom(msg.ChatID, userID) {
			continue
		}

		online, err := b.presence.IsOnline(ctx, userID)
		if err != nil {
			log.Printf("bridge: presence check user=%s failed: %v", userID, err)
			online = false
		}

		if online {
			// Connected but not in the chat room: relay through the
			// personal room so chat lists update live.
			b.rooms.Broadcast(userID, event, "")
			continue
		}

		req, err := json.Marshal(NotificationRequest{
			RecipientID: userID,
			SenderID:    msg.SenderID,
			Type:        "message",
			ChatID:      msg.ChatID,
			MessageID:   msg.ID,
		})
		if err != nil {
			log.Printf("bridge: encode notification user=%s: %v", userID, err)
			continue
		}
		if err := b.notifier.PublishNotification(req); err != nil {
			log.Printf("bridge: publish notification user=%s chat=%s failed: %v", userID, msg.ChatID, err)
		}
	}
}

// messageEvent maps a persisted message to its wire representation.
func messageEvent(msg *chat.Message) protocol.MessageReceivedEvent {
	attachments := make([]protocol.AttachmentPayload, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		attachments = append(attachments, protocol.AttachmentPayload{
			URL:       a.URL,
			LocalPath: a.LocalPath,
		})
	}
	return protocol.MessageReceivedEvent{
		MessageID:   msg.ID,
		ChatID:      msg.ChatID,
		SenderID:    msg.SenderID,
		Content:     msg.Content,
		Attachments: attachments,
		CreatedAt:   msg.CreatedAt.Unix(),
	}
}
