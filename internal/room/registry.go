// Package room implements the in-process registry that maps chat room ids to
// the set of connections currently registered for them. It is the only
// mutable shared state in the realtime core: one instance is constructed at
// process start and handed to every connection handler.
package room

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/luvio/dating-app/internal/metrics"
)

// ErrNotParticipant is returned when a join is attempted on a room the user
// is not a persisted participant of. Registry state is never mutated in that
// case.
var ErrNotParticipant = errors.New("room: not a participant")

// Member is a live connection from the registry's point of view. Implemented
// by ws.Connection; tests supply fakes.
type Member interface {
	// SessionID uniquely identifies the transport (one per live connection).
	SessionID() string
	// UserID identifies the authenticated user behind the connection.
	UserID() string
	// Send writes an encoded server event to the transport.
	Send(data []byte) error
}

// ParticipantChecker consults the persisted participant set for a room.
// Implemented by chat.Store.
type ParticipantChecker interface {
	IsParticipant(ctx context.Context, userID, chatID string) (bool, error)
}

// Registry is a goroutine-safe mapping from room id to connected members,
// with a reverse index from session id to joined rooms so that a closing
// connection can be dropped from every room in one call.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[string]map[string]Member   // roomID -> sessionID -> member
	joined  map[string]map[string]struct{} // sessionID -> set of roomIDs
	checker ParticipantChecker
}

// NewRegistry creates an empty registry that verifies joins against the given
// participant checker.
func NewRegistry(checker ParticipantChecker) *Registry {
	return &Registry{
		rooms:   make(map[string]map[string]Member),
		joined:  make(map[string]map[string]struct{}),
		checker: checker,
	}
}

// Register adds a member to a room. Adding an already-registered member is a
// no-op. The member's identity must be a persisted participant of the room,
// except for the personal room keyed by the member's own user id, which
// always admits its owner. Returns ErrNotParticipant when the membership
// check denies the join.
func (r *Registry) Register(ctx context.Context, roomID string, m Member) error {
	if roomID == "" {
		return errors.New("room: empty room id")
	}

	// The personal room admits its own identity without a store lookup.
	if roomID != m.UserID() {
		ok, err := r.checker.IsParticipant(ctx, m.UserID(), roomID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotParticipant
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rooms[roomID] == nil {
		r.rooms[roomID] = make(map[string]Member)
	}
	r.rooms[roomID][m.SessionID()] = m

	if r.joined[m.SessionID()] == nil {
		r.joined[m.SessionID()] = make(map[string]struct{})
	}
	r.joined[m.SessionID()][roomID] = struct{}{}

	metrics.RoomsActive.Set(float64(len(r.rooms)))
	return nil
}

// Unregister removes a member from a room. Removing a non-member is a no-op.
func (r *Registry) Unregister(roomID string, m Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(roomID, m.SessionID())
}

// DropMember removes a member from every room it is registered in and returns
// the rooms it was dropped from. Safe to call more than once for the same
// member; subsequent calls return nil.
func (r *Registry) DropMember(m Member) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	sid := m.SessionID()
	joined := r.joined[sid]
	if len(joined) == 0 {
		return nil
	}

	rooms := make([]string, 0, len(joined))
	for roomID := range joined {
		rooms = append(rooms, roomID)
	}
	for _, roomID := range rooms {
		r.removeLocked(roomID, sid)
	}
	return rooms
}

// removeLocked deletes a session from a room and prunes empty sets. Caller
// holds the write lock.
func (r *Registry) removeLocked(roomID, sessionID string) {
	if members, ok := r.rooms[roomID]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}
	if joined, ok := r.joined[sessionID]; ok {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(r.joined, sessionID)
		}
	}
	metrics.RoomsActive.Set(float64(len(r.rooms)))
}

// Broadcast delivers an encoded event to every member of a room except those
// whose user id matches excludeUserID (empty string excludes nobody).
// Delivery to each member is independent: a failed write is logged and
// counted, and never blocks the remaining members. Returns the number of
// successful deliveries.
func (r *Registry) Broadcast(roomID string, data []byte, excludeUserID string) int {
	r.mu.RLock()
	set := r.rooms[roomID]
	members := make([]Member, 0, len(set))
	for _, m := range set {
		if excludeUserID != "" && m.UserID() == excludeUserID {
			continue
		}
		members = append(members, m)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, m := range members {
		if err := m.Send(data); err != nil {
			// Dead connections are evicted by the transport layer; delivery
			// here stays best effort.
			log.Printf("room: broadcast to session=%s room=%s failed: %v", m.SessionID(), roomID, err)
			metrics.DeliveryFailures.Inc()
			continue
		}
		delivered++
	}
	return delivered
}

// Members returns the user ids currently connected in a room, deduplicated
// across multiple connections of the same user. Used for presence queries.
func (r *Registry) Members(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var users []string
	for _, m := range r.rooms[roomID] {
		if _, ok := seen[m.UserID()]; ok {
			continue
		}
		seen[m.UserID()] = struct{}{}
		users = append(users, m.UserID())
	}
	return users
}

// UserInRoom reports whether the user has at least one live connection
// registered in the room.
func (r *Registry) UserInRoom(roomID, userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.rooms[roomID] {
		if m.UserID() == userID {
			return true
		}
	}
	return false
}

// Rooms returns the session's joined rooms. Used by tests and the health
// endpoint.
func (r *Registry) Rooms(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var rooms []string
	for roomID := range r.joined[sessionID] {
		rooms = append(rooms, roomID)
	}
	return rooms
}
