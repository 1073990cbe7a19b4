package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/luvio/dating-app/internal/chat"
	"github.com/luvio/dating-app/internal/protocol"
)

// broadcastCall records a single Broadcast invocation.
type broadcastCall struct {
	roomID  string
	data    []byte
	exclude string
}

// fakeBroadcaster records broadcasts and answers UserInRoom from a static set.
type fakeBroadcaster struct {
	calls  []broadcastCall
	inRoom map[string]map[string]bool // roomID -> userID -> connected
}

func (f *fakeBroadcaster) Broadcast(roomID string, data []byte, excludeUserID string) int {
	f.calls = append(f.calls, broadcastCall{roomID: roomID, data: data, exclude: excludeUserID})
	n := 0
	for _, connected := range f.inRoom[roomID] {
		if connected {
			n++
		}
	}
	return n
}

func (f *fakeBroadcaster) UserInRoom(roomID, userID string) bool {
	return f.inRoom[roomID][userID]
}

type fakeParticipants struct {
	byChat map[string][]string
	err    error
}

func (f *fakeParticipants) Participants(_ context.Context, chatID string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byChat[chatID], nil
}

type fakePresence struct {
	online map[string]bool
}

func (f *fakePresence) IsOnline(_ context.Context, userID string) (bool, error) {
	return f.online[userID], nil
}

type fakeNotifier struct {
	published [][]byte
	err       error
}

func (f *fakeNotifier) PublishNotification(data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, data)
	return nil
}

func testMessage(id, chatID, sender, content string) *chat.Message {
	return &chat.Message{
		ID:        id,
		ChatID:    chatID,
		SenderID:  sender,
		Content:   content,
		CreatedAt: time.Unix(1700000000, 0),
	}
}

func TestDeliver_BroadcastsExcludingSender(t *testing.T) {
	rooms := &fakeBroadcaster{inRoom: map[string]map[string]bool{
		"R1": {"alice": true, "bob": true},
	}}
	b := New(rooms,
		&fakeParticipants{byChat: map[string][]string{"R1": {"alice", "bob"}}},
		&fakePresence{},
		&fakeNotifier{},
	)

	b.Deliver(context.Background(), testMessage("m1", "R1", "alice", "hi"))

	if len(rooms.calls) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(rooms.calls))
	}
	call := rooms.calls[0]
	if call.roomID != "R1" {
		t.Errorf("expected broadcast to R1, got %s", call.roomID)
	}
	if call.exclude != "alice" {
		t.Errorf("expected sender alice excluded, got %q", call.exclude)
	}

	var event protocol.MessageReceivedEvent
	if err := json.Unmarshal(call.data, &event); err != nil {
		t.Fatalf("broadcast payload is not a message-received event: %v", err)
	}
	if event.Type != protocol.TypeMessageReceived {
		t.Errorf("expected type %q, got %q", protocol.TypeMessageReceived, event.Type)
	}
	if event.Content != "hi" || event.SenderID != "alice" || event.ChatID != "R1" {
		t.Errorf("payload fields wrong: %+v", event)
	}
}

func TestDeliver_OfflineParticipantGetsNotification(t *testing.T) {
	// bob has no connection in R1 and is not online at all.
	rooms := &fakeBroadcaster{inRoom: map[string]map[string]bool{
		"R1": {"alice": true},
	}}
	notifier := &fakeNotifier{}
	b := New(rooms,
		&fakeParticipants{byChat: map[string][]string{"R1": {"alice", "bob"}}},
		&fakePresence{online: map[string]bool{}},
		notifier,
	)

	b.Deliver(context.Background(), testMessage("m1", "R1", "alice", "hi"))

	if len(notifier.published) != 1 {
		t.Fatalf("expected 1 notification request, got %d", len(notifier.published))
	}
	var req NotificationRequest
	if err := json.Unmarshal(notifier.published[0], &req); err != nil {
		t.Fatalf("bad notification payload: %v", err)
	}
	if req.RecipientID != "bob" || req.SenderID != "alice" || req.Type != "message" {
		t.Errorf("unexpected notification request: %+v", req)
	}
	if req.ChatID != "R1" || req.MessageID != "m1" {
		t.Errorf("unexpected notification source ref: %+v", req)
	}
}

func TestDeliver_OnlineElsewhereGetsPersonalRoomRelay(t *testing.T) {
	// bob is connected (personal room) but has not joined R1.
	rooms := &fakeBroadcaster{inRoom: map[string]map[string]bool{
		"R1":  {"alice": true},
		"bob": {"bob": true},
	}}
	notifier := &fakeNotifier{}
	b := New(rooms,
		&fakeParticipants{byChat: map[string][]string{"R1": {"alice", "bob"}}},
		&fakePresence{online: map[string]bool{"bob": true}},
		notifier,
	)

	b.Deliver(context.Background(), testMessage("m1", "R1", "alice", "hi"))

	if len(rooms.calls) != 2 {
		t.Fatalf("expected room broadcast + personal relay, got %d calls", len(rooms.calls))
	}
	if rooms.calls[1].roomID != "bob" {
		t.Errorf("expected relay to bob's personal room, got %s", rooms.calls[1].roomID)
	}
	if len(notifier.published) != 0 {
		t.Errorf("online participant must not produce an offline notification")
	}
}

func TestDeliver_ConnectedParticipantNotNotified(t *testing.T) {
	rooms := &fakeBroadcaster{inRoom: map[string]map[string]bool{
		"R1": {"alice": true, "bob": true},
	}}
	notifier := &fakeNotifier{}
	b := New(rooms,
		&fakeParticipants{byChat: map[string][]string{"R1": {"alice", "bob"}}},
		&fakePresence{online: map[string]bool{"bob": true}},
		notifier,
	)

	b.Deliver(context.Background(), testMessage("m1", "R1", "alice", "hi"))

	if len(rooms.calls) != 1 {
		t.Fatalf("expected only the room broadcast, got %d calls", len(rooms.calls))
	}
	if len(notifier.published) != 0 {
		t.Errorf("connected participant must not produce a notification")
	}
}

func TestDeliver_NotifierFailureIsSwallowed(t *testing.T) {
	rooms := &fakeBroadcaster{inRoom: map[string]map[string]bool{"R1": {"alice": true}}}
	b := New(rooms,
		&fakeParticipants{byChat: map[string][]string{"R1": {"alice", "bob"}}},
		&fakePresence{},
		&fakeNotifier{err: errors.New("nats down")},
	)

	// Must not panic or propagate; the message is already durable.
	b.Deliver(context.Background(), testMessage("m1", "R1", "alice", "hi"))

	if len(rooms.calls) != 1 {
		t.Fatalf("broadcast must still happen when notification publish fails")
	}
}

func TestDeliver_OrderPreservedPerRoom(t *testing.T) {
	rooms := &fakeBroadcaster{inRoom: map[string]map[string]bool{
		"R1": {"alice": true, "bob": true},
	}}
	b := New(rooms,
		&fakeParticipants{byChat: map[string][]string{"R1": {"alice", "bob"}}},
		&fakePresence{},
		&fakeNotifier{},
	)

	b.Deliver(context.Background(), testMessage("m1", "R1", "alice", "first"))
	b.Deliver(context.Background(), testMessage("m2", "R1", "alice", "second"))

	if len(rooms.calls) != 2 {
		t.Fatalf("expected 2 broadcasts, got %d", len(rooms.calls))
	}
	var first, second protocol.MessageReceivedEvent
	if err := json.Unmarshal(rooms.calls[0].data, &first); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(rooms.calls[1].data, &second); err != nil {
		t.Fatal(err)
	}
	if first.Content != "first" || second.Content != "second" {
		t.Errorf("delivery order broken: got %q then %q", first.Content, second.Content)
	}
}

func TestHandlePersisted_DecodesAndDelivers(t *testing.T) {
	rooms := &fakeBroadcaster{inRoom: map[string]map[string]bool{"R1": {"bob": true}}}
	b := New(rooms,
		&fakeParticipants{byChat: map[string][]string{"R1": {"alice", "bob"}}},
		&fakePresence{online: map[string]bool{"bob": true}},
		&fakeNotifier{},
	)

	payload, err := json.Marshal(testMessage("m1", "R1", "alice", "hello"))
	if err != nil {
		t.Fatal(err)
	}
	b.HandlePersisted(payload)

	if len(rooms.calls) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(rooms.calls))
	}
	if rooms.calls[0].roomID != "R1" || rooms.calls[0].exclude != "alice" {
		t.Errorf("unexpected broadcast: %+v", rooms.calls[0])
	}
}

func TestHandlePersisted_BadPayloadDropped(t *testing.T) {
	rooms := &fakeBroadcaster{}
	b := New(rooms, &fakeParticipants{}, &fakePresence{}, &fakeNotifier{})

	b.HandlePersisted([]byte(`not json`))
	b.HandlePersisted([]byte(`{"id":"m1"}`)) // missing chat_id/sender_id

	if len(rooms.calls) != 0 {
		t.Fatalf("malformed payloads must not broadcast, got %d calls", len(rooms.calls))
	}
}
