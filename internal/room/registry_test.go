package room

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
)

// fakeMember records every payload sent to it and can be made to fail writes.
type fakeMember struct {
	session string
	user    string
	sent    [][]byte
	failErr error
}

func (f *fakeMember) SessionID() string { return f.session }
func (f *fakeMember) UserID() string    { return f.user }

func (f *fakeMember) Send(data []byte) error {
	if f.failErr != nil {
		return f.failErr
	}
	f.sent = append(f.sent, data)
	return nil
}

// fakeChecker answers membership checks from a static map of room -> users.
type fakeChecker struct {
	participants map[string][]string
	err          error
}

func (f *fakeChecker) IsParticipant(_ context.Context, userID, chatID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	for _, u := range f.participants[chatID] {
		if u == userID {
			return true, nil
		}
	}
	return false, nil
}

func newTestRegistry(t *testing.T, participants map[string][]string) *Registry {
	t.Helper()
	return NewRegistry(&fakeChecker{participants: participants})
}

func member(session, user string) *fakeMember {
	return &fakeMember{session: session, user: user}
}

// ---------- Register ----------

func TestRegister_Participant(t *testing.T) {
	r := newTestRegistry(t, map[string][]string{"R1": {"alice", "bob"}})
	a := member("s1", "alice")

	if err := r.Register(context.Background(), "R1", a); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.UserInRoom("R1", "alice") {
		t.Fatal("expected alice to be in R1")
	}
}

func TestRegister_Idempotent(t *testing.T) {
	r := newTestRegistry(t, map[string][]string{"R1": {"alice"}})
	a := member("s1", "alice")

	for i := 0; i < 3; i++ {
		if err := r.Register(context.Background(), "R1", a); err != nil {
			t.Fatalf("register %d: unexpected error: %v", i, err)
		}
	}

	r.Broadcast("R1", []byte("x"), "")
	if len(a.sent) != 1 {
		t.Fatalf("expected exactly 1 delivery after repeated register, got %d", len(a.sent))
	}
}

func TestRegister_NotAParticipant(t *testing.T) {
	r := newTestRegistry(t, map[string][]string{"R1": {"alice"}})
	mallory := member("s9", "mallory")

	err := r.Register(context.Background(), "R1", mallory)
	if !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if r.UserInRoom("R1", "mallory") {
		t.Fatal("mallory must not be in R1 after denied join")
	}
	if len(r.Rooms("s9")) != 0 {
		t.Fatal("denied join must not mutate the joined index")
	}
}

func TestRegister_PersonalRoomBypassesChecker(t *testing.T) {
	// The checker knows nothing; the personal room must still admit its owner.
	r := NewRegistry(&fakeChecker{err: errors.New("store down")})
	a := member("s1", "alice")

	if err := r.Register(context.Background(), "alice", a); err != nil {
		t.Fatalf("personal room join should not consult the store: %v", err)
	}
	if !r.UserInRoom("alice", "alice") {
		t.Fatal("expected alice in her personal room")
	}
}

func TestRegister_CheckerErrorPropagates(t *testing.T) {
	storeErr := errors.New("store down")
	r := NewRegistry(&fakeChecker{err: storeErr})
	a := member("s1", "alice")

	err := r.Register(context.Background(), "R1", a)
	if !errors.Is(err, storeErr) {
		t.Fatalf("expected store error, got %v", err)
	}
	if r.UserInRoom("R1", "alice") {
		t.Fatal("failed check must not register the member")
	}
}

// ---------- Unregister / DropMember ----------

func TestUnregister_NonMemberIsNoop(t *testing.T) {
	r := newTestRegistry(t, map[string][]string{"R1": {"alice"}})
	a := member("s1", "alice")

	r.Unregister("R1", a) // never registered
	if len(r.Members("R1")) != 0 {
		t.Fatal("expected empty room")
	}
}

func TestDropMember_RemovesFromEveryRoom(t *testing.T) {
	r := newTestRegistry(t, map[string][]string{"R1": {"alice"}, "R2": {"alice"}})
	a := member("s1", "alice")
	ctx := context.Background()

	if err := r.Register(ctx, "alice", a); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(ctx, "R1", a); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(ctx, "R2", a); err != nil {
		t.Fatal(err)
	}

	dropped := r.DropMember(a)
	sort.Strings(dropped)
	want := []string{"R1", "R2", "alice"}
	if len(dropped) != len(want) {
		t.Fatalf("expected %v dropped, got %v", want, dropped)
	}
	for i := range want {
		if dropped[i] != want[i] {
			t.Fatalf("expected %v dropped, got %v", want, dropped)
		}
	}

	for _, roomID := range want {
		if r.UserInRoom(roomID, "alice") {
			t.Errorf("alice still present in %s after drop", roomID)
		}
	}

	// Second drop is a no-op.
	if again := r.DropMember(a); again != nil {
		t.Fatalf("expected nil on second drop, got %v", again)
	}

	// A closed member never receives subsequent broadcasts.
	r.Broadcast("R1", []byte("late"), "")
	if len(a.sent) != 0 {
		t.Fatalf("dropped member received %d broadcasts", len(a.sent))
	}
}

// ---------- Broadcast ----------

func TestBroadcast_ExcludesSender(t *testing.T) {
	r := newTestRegistry(t, map[string][]string{"R1": {"alice", "bob", "carol"}})
	ctx := context.Background()

	a := member("s1", "alice")
	b := member("s2", "bob")
	c := member("s3", "carol")
	for _, m := range []*fakeMember{a, b, c} {
		if err := r.Register(ctx, "R1", m); err != nil {
			t.Fatal(err)
		}
	}

	n := r.Broadcast("R1", []byte("typing"), "alice")
	if n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
	if len(a.sent) != 0 {
		t.Errorf("sender received its own event")
	}
	if len(b.sent) != 1 || len(c.sent) != 1 {
		t.Errorf("expected bob and carol to receive the event, got %d/%d", len(b.sent), len(c.sent))
	}
}

func TestBroadcast_FailureDoesNotBlockOthers(t *testing.T) {
	r := newTestRegistry(t, map[string][]string{"R1": {"alice", "bob", "carol"}})
	ctx := context.Background()

	a := member("s1", "alice")
	b := member("s2", "bob")
	b.failErr = fmt.Errorf("broken pipe")
	c := member("s3", "carol")
	for _, m := range []*fakeMember{a, b, c} {
		if err := r.Register(ctx, "R1", m); err != nil {
			t.Fatal(err)
		}
	}

	n := r.Broadcast("R1", []byte("hello"), "")
	if n != 2 {
		t.Fatalf("expected 2 successful deliveries, got %d", n)
	}
	if len(a.sent) != 1 || len(c.sent) != 1 {
		t.Errorf("non-failing members must still receive the event")
	}
}

func TestBroadcast_EmptyRoom(t *testing.T) {
	r := newTestRegistry(t, nil)
	if n := r.Broadcast("nowhere", []byte("x"), ""); n != 0 {
		t.Fatalf("expected 0 deliveries, got %d", n)
	}
}

// ---------- Members ----------

func TestMembers_DeduplicatesUsers(t *testing.T) {
	r := newTestRegistry(t, map[string][]string{"R1": {"alice", "bob"}})
	ctx := context.Background()

	// alice connected twice (phone + web).
	if err := r.Register(ctx, "R1", member("s1", "alice")); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(ctx, "R1", member("s2", "alice")); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(ctx, "R1", member("s3", "bob")); err != nil {
		t.Fatal(err)
	}

	members := r.Members("R1")
	sort.Strings(members)
	if len(members) != 2 || members[0] != "alice" || members[1] != "bob" {
		t.Fatalf("expected [alice bob], got %v", members)
	}
}

// ---------- Concrete two-user scenario ----------

func TestScenario_TwoUsersOneRoom(t *testing.T) {
	r := newTestRegistry(t, map[string][]string{"R1": {"alice", "bob"}})
	ctx := context.Background()

	a := member("s1", "alice")
	b := member("s2", "bob")

	// Both connect: personal rooms first, then join R1.
	for _, join := range []struct {
		roomID string
		m      *fakeMember
	}{
		{"alice", a}, {"bob", b}, {"R1", a}, {"R1", b},
	} {
		if err := r.Register(ctx, join.roomID, join.m); err != nil {
			t.Fatalf("register %s in %s: %v", join.m.user, join.roomID, err)
		}
	}

	// A message from alice is fanned out excluding the sender.
	payload := []byte(`{"type":"message-received","chat_id":"R1","sender_id":"alice","content":"hi"}`)
	if n := r.Broadcast("R1", payload, "alice"); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	if len(b.sent) != 1 || string(b.sent[0]) != string(payload) {
		t.Fatalf("bob did not receive the exact payload: %q", b.sent)
	}
	if len(a.sent) != 0 {
		t.Fatal("alice must not receive her own echo")
	}
}

// ---------- Concurrency smoke ----------

func TestRegistry_ConcurrentAccess(t *testing.T) {
	users := make([]string, 16)
	for i := range users {
		users[i] = fmt.Sprintf("u%d", i)
	}
	r := newTestRegistry(t, map[string][]string{"R1": users})
	ctx := context.Background()

	done := make(chan struct{})
	for i := 0; i < 16; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			m := member(fmt.Sprintf("s%d", i), fmt.Sprintf("u%d", i))
			for j := 0; j < 50; j++ {
				_ = r.Register(ctx, "R1", m)
				r.Broadcast("R1", []byte("x"), "")
				r.Unregister("R1", m)
			}
		}(i)
	}
	for i := 0; i < 16; i++ {
		<-done
	}

	if got := len(r.Members("R1")); got != 0 {
		t.Fatalf("expected empty room after churn, got %d members", got)
	}
}
