package ws

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/daiski/backend/internal/model"
	"github.com/daiski/backend/internal/repository"
	"github.com/daiski/backend/internal/storage/memory"
)

type fakeGroups struct {
	known map[int64]bool
}

func (f *fakeGroups) Resolve(ctx context.Context, groupID int64) error {
	if f.known[groupID] {
		return nil
	}
	return repository.ErrNotFound
}

func (f *fakeGroups) GetMemberIDs(ctx context.Context, groupID int64) ([]string, error) {
	return nil, nil
}

func newTestRegistry() *Registry {
	return NewRegistry(&fakeGroups{known: map[int64]bool{7: true, 9: true}}, memory.New(), 100, nil, Tunables{})
}

func newTestClient(r *Registry, id, userID string) *Client {
	c := NewClient(r, nil, id, userID)
	r.Register(c)
	return c
}

// recv drains one pending message, or reports none.
func recv(t *testing.T, c *Client) (OutgoingMessage, bool) {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg, true
	default:
		return OutgoingMessage{}, false
	}
}

func textMessage(userID, content string) *model.ChatMessage {
	return &model.ChatMessage{
		User:    model.ChatSender{ID: userID, Name: "user " + userID},
		Type:    model.MessageTypeText,
		Content: content,
	}
}

func TestJoinMovesSessionBetweenRooms(t *testing.T) {
	r := newTestRegistry()
	c := newTestClient(r, "s1", "u1")
	other7 := newTestClient(r, "s2", "u2")
	other9 := newTestClient(r, "s3", "u3")
	r.Join(7, other7)
	r.Join(9, other9)

	r.Join(7, c)
	r.Join(9, c)

	r.Broadcast(7, OutgoingMessage{Type: EventChatMessage}, nil)
	if _, ok := recv(t, c); ok {
		t.Error("session moved to room 9 still receives room 7 broadcasts")
	}
	if _, ok := recv(t, other7); !ok {
		t.Error("remaining room 7 member missed broadcast")
	}

	r.Broadcast(9, OutgoingMessage{Type: EventChatMessage}, nil)
	if _, ok := recv(t, c); !ok {
		t.Error("session did not receive broadcast in its new room")
	}
}

// A session can reach the registry through a join event before Register has
// run (the read pump starts as soon as the connection is up). Registration
// must not wipe the membership, or the session ends up counted in two rooms.
func TestRegisterKeepsEarlierRoomMembership(t *testing.T) {
	r := newTestRegistry()
	c := NewClient(r, nil, "s1", "u1")

	r.Join(7, c)
	if !r.Register(c) {
		t.Fatal("registration rejected")
	}
	r.Join(9, c)

	r.mu.RLock()
	_, in7 := r.rooms[7][c]
	_, in9 := r.rooms[9][c]
	roomID := r.sessionRoom[c]
	r.mu.RUnlock()
	if in7 {
		t.Error("session still in room 7 after moving to room 9")
	}
	if !in9 {
		t.Error("session missing from room 9")
	}
	if roomID != 9 {
		t.Errorf("sessionRoom = %d, want 9", roomID)
	}

	r.Broadcast(7, OutgoingMessage{Type: EventChatMessage}, nil)
	if _, ok := recv(t, c); ok {
		t.Error("session received a broadcast from its previous room")
	}
}

func TestRegisterEnforcesConnectionLimit(t *testing.T) {
	r := NewRegistry(&fakeGroups{known: map[int64]bool{7: true}}, memory.New(), 1, nil, Tunables{})
	first := NewClient(r, nil, "s1", "u1")
	if !r.Register(first) {
		t.Fatal("first registration rejected under the limit")
	}
	second := NewClient(r, nil, "s2", "u2")
	if r.Register(second) {
		t.Error("registration above the connection limit accepted")
	}

	r.removeClient(first)
	third := NewClient(r, nil, "s3", "u3")
	if !r.Register(third) {
		t.Error("registration rejected after a slot freed up")
	}
}

func TestBroadcastReachesRoomMembersOnly(t *testing.T) {
	r := newTestRegistry()
	sender := newTestClient(r, "s1", "u1")
	member := newTestChatter(t, r, 7, "s2", "u2")
	outsider := newTestChatter(t, r, 9, "s3", "u3")
	r.Join(7, sender)

	r.HandleMessage(context.Background(), sender, IncomingMessage{
		Type:    EventSendMessage,
		GroupID: 7,
		Message: textMessage("u1", "hi"),
	})

	msg, ok := recv(t, member)
	if !ok {
		t.Fatal("room member did not receive the message")
	}
	if msg.Type != EventChatMessage {
		t.Errorf("type = %q, want %q", msg.Type, EventChatMessage)
	}
	got, ok := msg.Payload.(*model.ChatMessage)
	if !ok {
		t.Fatalf("payload type %T", msg.Payload)
	}
	if got.Content != "hi" {
		t.Errorf("content = %q, want %q", got.Content, "hi")
	}
	if _, ok := recv(t, outsider); ok {
		t.Error("session in room 9 received a room 7 message")
	}
	if _, ok := recv(t, sender); ok {
		t.Error("originating session received its own broadcast (local echo is client-side)")
	}
}

// newTestChatter registers a client and joins it to a room, consuming nothing.
func newTestChatter(t *testing.T, r *Registry, room int64, id, userID string) *Client {
	t.Helper()
	c := newTestClient(r, id, userID)
	r.Join(room, c)
	return c
}

func TestSameUserSecondSessionReceivesBroadcast(t *testing.T) {
	r := newTestRegistry()
	tab1 := newTestChatter(t, r, 7, "s1", "u1")
	tab2 := newTestChatter(t, r, 7, "s1b", "u1")

	r.HandleMessage(context.Background(), tab1, IncomingMessage{
		Type:    EventSendMessage,
		Message: textMessage("u1", "from tab one"),
	})

	if _, ok := recv(t, tab1); ok {
		t.Error("originating session got its own broadcast")
	}
	if _, ok := recv(t, tab2); !ok {
		t.Error("sender's second session should receive the broadcast")
	}
}

func TestSendWithoutRoomIsDropped(t *testing.T) {
	r := newTestRegistry()
	c := newTestClient(r, "s1", "u1")
	bystander := newTestChatter(t, r, 7, "s2", "u2")

	r.HandleMessage(context.Background(), c, IncomingMessage{
		Type:    EventSendMessage,
		Message: textMessage("u1", "into the void"),
	})

	if _, ok := recv(t, bystander); ok {
		t.Error("roomless send reached a room")
	}
	if _, ok := recv(t, c); ok {
		t.Error("roomless send should be dropped silently, no error event")
	}
}

func TestHandleJoin(t *testing.T) {
	tests := []struct {
		name     string
		groupID  int64
		wantType EventType
		wantMsg  string
	}{
		{"valid group", 7, EventJoinedRoomSuccess, "joined group 7 chat"},
		{"non-positive id", 0, EventJoinRoomError, "invalid group id"},
		{"negative id", -3, EventJoinRoomError, "invalid group id"},
		{"unresolvable group", 12345, EventJoinRoomError, "group not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry()
			c := newTestClient(r, "s1", "u1")
			r.HandleMessage(context.Background(), c, IncomingMessage{
				Type:    EventJoinGroupChat,
				GroupID: tt.groupID,
				UserID:  "u1",
			})
			msg, ok := recv(t, c)
			if !ok {
				t.Fatal("no reply to join request")
			}
			if msg.Type != tt.wantType {
				t.Fatalf("type = %q, want %q", msg.Type, tt.wantType)
			}
			p, ok := msg.Payload.(RoomStatusPayload)
			if !ok {
				t.Fatalf("payload type %T", msg.Payload)
			}
			if p.GroupID != tt.groupID {
				t.Errorf("groupId = %d, want %d", p.GroupID, tt.groupID)
			}
			if p.Message != tt.wantMsg {
				t.Errorf("message = %q, want %q", p.Message, tt.wantMsg)
			}
		})
	}
}

func TestLeaveDiscardsEmptyRoom(t *testing.T) {
	r := newTestRegistry()
	c := newTestChatter(t, r, 7, "s1", "u1")

	r.Leave(c)

	r.mu.RLock()
	_, roomExists := r.rooms[7]
	roomID := r.sessionRoom[c]
	r.mu.RUnlock()
	if roomExists {
		t.Error("empty room was not discarded")
	}
	if roomID != 0 {
		t.Errorf("session still mapped to room %d", roomID)
	}

	r.Broadcast(7, OutgoingMessage{Type: EventChatMessage}, nil)
	if _, ok := recv(t, c); ok {
		t.Error("left session received a broadcast")
	}
}

func TestDisconnectStopsDelivery(t *testing.T) {
	r := newTestRegistry()
	gone := newTestChatter(t, r, 7, "s1", "u1")
	stays := newTestChatter(t, r, 7, "s2", "u2")

	r.removeClient(gone)

	r.Broadcast(7, OutgoingMessage{Type: EventChatMessage}, nil)
	if _, ok := recv(t, stays); !ok {
		t.Error("remaining member missed broadcast")
	}
	if _, ok := recv(t, gone); ok {
		t.Error("disconnected session received a broadcast")
	}
}

func TestPerSenderOrderPreserved(t *testing.T) {
	r := newTestRegistry()
	sender := newTestChatter(t, r, 7, "s1", "u1")
	receiver := newTestChatter(t, r, 7, "s2", "u2")

	const n = 50
	for i := 0; i < n; i++ {
		r.HandleMessage(context.Background(), sender, IncomingMessage{
			Type:    EventSendMessage,
			Message: textMessage("u1", fmt.Sprintf("msg-%d", i)),
		})
	}
	for i := 0; i < n; i++ {
		msg, ok := recv(t, receiver)
		if !ok {
			t.Fatalf("missing message %d", i)
		}
		got := msg.Payload.(*model.ChatMessage).Content
		want := fmt.Sprintf("msg-%d", i)
		if got != want {
			t.Fatalf("message %d = %q, want %q (reordered)", i, got, want)
		}
	}
}

func TestPresenceFollowsRoomMembership(t *testing.T) {
	store := memory.New()
	r := NewRegistry(&fakeGroups{known: map[int64]bool{7: true}}, store, 100, nil, Tunables{})
	tab1 := newTestClient(r, "s1", "u1")
	tab2 := newTestClient(r, "s2", "u1")
	r.Join(7, tab1)
	r.Join(7, tab2)

	members, _ := store.OnlineMembers(context.Background(), 7)
	if len(members) != 1 || members[0] != "u1" {
		t.Fatalf("online members = %v, want [u1]", members)
	}

	// One of two sessions leaving keeps the user online.
	r.Leave(tab1)
	members, _ = store.OnlineMembers(context.Background(), 7)
	if len(members) != 1 {
		t.Fatalf("online members after one leave = %v, want [u1]", members)
	}

	r.Leave(tab2)
	members, _ = store.OnlineMembers(context.Background(), 7)
	if len(members) != 0 {
		t.Fatalf("online members after last leave = %v, want []", members)
	}
}

// Broadcast must never observe a torn membership set while sessions join and
// leave concurrently. Run with -race.
func TestConcurrentJoinLeaveBroadcast(t *testing.T) {
	r := newTestRegistry()
	const workers = 16
	const iters = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newTestClient(r, fmt.Sprintf("s%d", w), fmt.Sprintf("u%d", w))
			for i := 0; i < iters; i++ {
				switch i % 4 {
				case 0:
					r.Join(7, c)
				case 1:
					r.Broadcast(7, OutgoingMessage{Type: EventChatMessage}, c)
				case 2:
					r.Join(9, c)
				case 3:
					r.Leave(c)
				}
				// Drain so the send buffer never forces a Close.
				for {
					if _, ok := recv(t, c); !ok {
						break
					}
				}
			}
			r.removeClient(c)
		}()
	}
	wg.Wait()

	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, room := range r.rooms {
		if len(room) != 0 {
			t.Errorf("room %d still has %d members after all disconnects", id, len(room))
		}
	}
}
