// Package messaging provides a NATS client wrapper for pub/sub messaging
// between the REST tier and the realtime server. The HTTP message controller
// publishes persisted messages here; the realtime server consumes them and
// publishes offline notification requests back.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects shared with the REST tier.
const (
	// SubjectMessagePersisted carries a chat.Message encoded as JSON,
	// published by the message controller immediately after a durable
	// insert. NATS per-subject ordering preserves persisted order per room.
	SubjectMessagePersisted = "message.persisted"

	// SubjectNotificationCreate carries notification creation requests for
	// offline participants. Fire-and-forget from the realtime server's
	// perspective; the notification service owns the record lifecycle.
	SubjectNotificationCreate = "notification.create"
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "rtserver",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// SubscribeMessagePersisted subscribes to persisted-message events from the
// REST tier. Handlers for a single subscription run sequentially, so the
// per-room delivery order follows the publish order.
func (c *NATSClient) SubscribeMessagePersisted(handler func(data []byte)) error {
	return c.Subscribe(SubjectMessagePersisted, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// PublishMessagePersisted publishes a persisted message. Used by the REST
// tier's message controller and by integration tooling.
func (c *NATSClient) PublishMessagePersisted(data []byte) error {
	return c.Publish(SubjectMessagePersisted, data)
}

// PublishNotification publishes a notification creation request for an
// offline participant.
func (c *NATSClient) PublishNotification(data []byte) error {
	return c.Publish(SubjectNotificationCreate, data)
}

// SubscribeNotifications subscribes to notification creation requests. Used
// by the notification service, not by the realtime server itself.
func (c *NATSClient) SubscribeNotifications(handler func(data []byte)) error {
	return c.Subscribe(SubjectNotificationCreate, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
