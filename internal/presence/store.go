// Package presence tracks which users currently hold a live socket
// connection. Markers live in Redis with a TTL refreshed by the server
// heartbeat, so a crashed process cannot leave users permanently "online".
// The REST tier reads the same keys for last-active display.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for all presence hashes.
	KeyPrefix = "presence:"

	// TTL is the time-to-live for presence keys. The heartbeat refreshes it
	// every 30s, so a marker outliving its connection expires within 2m.
	TTL = 2 * time.Minute
)

// Presence is a user's online marker.
type Presence struct {
	UserID      string `redis:"user_id"`
	Server      string `redis:"server"`       // which realtime server instance
	ConnectedAt int64  `redis:"connected_at"` // unix timestamp
	LastActive  int64  `redis:"last_active"`  // unix timestamp
}

// Store manages presence markers in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore creates a presence store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// SetOnline marks a user online with a fresh TTL.
func (s *Store) SetOnline(ctx context.Context, userID string) error {
	key := KeyPrefix + userID
	now := time.Now().Unix()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"user_id":      userID,
		"server":       s.serverName,
		"connected_at": now,
		"last_active":  now,
	})
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Refresh updates last_active and extends the TTL. Called by the heartbeat
// for every live connection.
func (s *Store) Refresh(ctx context.Context, userID string) error {
	key := KeyPrefix + userID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// SetOffline removes a user's presence marker.
func (s *Store) SetOffline(ctx context.Context, userID string) error {
	return s.client.Del(ctx, KeyPrefix+userID).Err()
}

// IsOnline reports whether a user currently has a presence marker.
func (s *Store) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := s.client.Exists(ctx, KeyPrefix+userID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Get retrieves a user's presence marker. Returns nil if not present.
func (s *Store) Get(ctx context.Context, userID string) (*Presence, error) {
	var p Presence
	err := s.client.HGetAll(ctx, KeyPrefix+userID).Scan(&p)
	if err != nil {
		return nil, err
	}
	if p.UserID == "" {
		return nil, nil // not found
	}
	return &p, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
