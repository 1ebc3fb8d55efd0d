package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/daiski/backend/internal/model"
	"github.com/daiski/backend/internal/ws"
)

type fakeConn struct {
	mu       sync.Mutex
	written  []ws.IncomingMessage
	incoming chan ServerEvent
	closed   bool

	// rejectJoin makes the conn answer joinGroupChat with joinRoomError.
	rejectJoin string
}

func newFakeConn() *fakeConn {
	return &fakeConn{incoming: make(chan ServerEvent, 64)}
}

func (c *fakeConn) ReadEvent() (ServerEvent, error) {
	ev, ok := <-c.incoming
	if !ok {
		return ServerEvent{}, io.EOF
	}
	return ev, nil
}

func (c *fakeConn) WriteEvent(v any) error {
	msg, ok := v.(ws.IncomingMessage)
	if !ok {
		return errors.New("unexpected write type")
	}
	c.mu.Lock()
	c.written = append(c.written, msg)
	c.mu.Unlock()
	if msg.Type == ws.EventJoinGroupChat {
		if c.rejectJoin != "" {
			c.reply(ws.EventJoinRoomError, ws.RoomStatusPayload{GroupID: msg.GroupID, Message: c.rejectJoin})
		} else {
			c.reply(ws.EventJoinedRoomSuccess, ws.RoomStatusPayload{GroupID: msg.GroupID, Message: fmt.Sprintf("joined group %d chat", msg.GroupID)})
		}
	}
	return nil
}

func (c *fakeConn) reply(typ ws.EventType, payload any) {
	raw, _ := json.Marshal(payload)
	c.incoming <- ServerEvent{Type: typ, Payload: raw}
}

// deliver simulates a server broadcast reaching this connection.
func (c *fakeConn) deliver(msg model.ChatMessage) {
	c.reply(ws.EventChatMessage, msg)
}

// drop simulates the transport dying.
func (c *fakeConn) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.incoming)
	}
}

func (c *fakeConn) Close() error {
	c.drop()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) sent() []ws.IncomingMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ws.IncomingMessage, len(c.written))
	copy(out, c.written)
	return out
}

type fakeDialer struct {
	mu         sync.Mutex
	conns      []*fakeConn
	rejectJoin string
	dialErr    error
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	c := newFakeConn()
	c.rejectJoin = d.rejectJoin
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type fakeAuthorizer struct {
	paid    map[int64]bool
	unpaid  map[int64]bool
	failErr error
	// block makes Authorize hang until the context expires.
	block bool
}

func (f *fakeAuthorizer) Authorize(ctx context.Context, groupID int64) (bool, string, error) {
	if f.block {
		<-ctx.Done()
		return false, "", ctx.Err()
	}
	if f.failErr != nil {
		return false, "", f.failErr
	}
	if f.paid[groupID] {
		return true, "", nil
	}
	if f.unpaid[groupID] {
		return false, "group payment not completed", nil
	}
	return false, "not a member of this group", nil
}

func newTestWidget(auth *fakeAuthorizer, dialer *fakeDialer) *Widget {
	return New(Config{
		User:        model.ChatSender{ID: "u1", Name: "Alice"},
		Authorizer:  auth,
		Dialer:      dialer,
		ChatURL:     "ws://test/ws/chat",
		AuthTimeout: 100 * time.Millisecond,
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestGroupIDFromPath(t *testing.T) {
	tests := []struct {
		path   string
		wantID int64
		wantOK bool
	}{
		{"/groups/7", 7, true},
		{"/groups/7/", 7, true},
		{"/groups/42/members", 42, true},
		{"/groups/9/chat/settings", 9, true},
		{"/", 0, false},
		{"/products/7", 0, false},
		{"/groups", 0, false},
		{"/groups/", 0, false},
		{"/groups/abc", 0, false},
		{"/groups/0", 0, false},
		{"/groups/-3", 0, false},
		{"/account/groups/7", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			id, ok := GroupIDFromPath(tt.path)
			if id != tt.wantID || ok != tt.wantOK {
				t.Errorf("GroupIDFromPath(%q) = (%d, %v), want (%d, %v)", tt.path, id, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}

func TestDeniedNeverOpensTransport(t *testing.T) {
	dialer := &fakeDialer{}
	w := newTestWidget(&fakeAuthorizer{}, dialer)

	w.Navigate(context.Background(), "/groups/42")

	if got := w.State(); got != StateDenied {
		t.Fatalf("state = %v, want denied", got)
	}
	if got := w.DenyReason(); got != "not a member of this group" {
		t.Errorf("reason = %q", got)
	}
	if dialer.dialCount() != 0 {
		t.Error("denied widget opened a transport connection")
	}
}

func TestUnpaidMemberDenied(t *testing.T) {
	dialer := &fakeDialer{}
	w := newTestWidget(&fakeAuthorizer{unpaid: map[int64]bool{7: true}}, dialer)

	w.Navigate(context.Background(), "/groups/7")

	if w.State() != StateDenied {
		t.Fatalf("state = %v, want denied", w.State())
	}
	if got := w.DenyReason(); got != "group payment not completed" {
		t.Errorf("reason = %q", got)
	}
	if dialer.dialCount() != 0 {
		t.Error("unpaid member opened a transport connection")
	}
}

func TestAuthorizedJoinFlow(t *testing.T) {
	dialer := &fakeDialer{}
	w := newTestWidget(&fakeAuthorizer{paid: map[int64]bool{7: true}}, dialer)

	w.Navigate(context.Background(), "/groups/7")

	if w.State() != StateJoined {
		t.Fatalf("state = %v, want joined", w.State())
	}
	sent := dialer.lastConn().sent()
	if len(sent) != 1 || sent[0].Type != ws.EventJoinGroupChat {
		t.Fatalf("sent = %+v, want one joinGroupChat", sent)
	}
	if sent[0].GroupID != 7 || sent[0].UserID != "u1" {
		t.Errorf("join carried (%d, %q), want (7, u1)", sent[0].GroupID, sent[0].UserID)
	}
}

func TestAuthorizeTimeoutLandsInDenied(t *testing.T) {
	dialer := &fakeDialer{}
	w := newTestWidget(&fakeAuthorizer{block: true}, dialer)

	start := time.Now()
	w.Navigate(context.Background(), "/groups/7")

	if time.Since(start) > time.Second {
		t.Error("navigate hung past the authorize timeout")
	}
	if w.State() != StateDenied {
		t.Fatalf("state = %v, want denied", w.State())
	}
	if got := w.DenyReason(); got != "could not verify group access" {
		t.Errorf("reason = %q", got)
	}
	if dialer.dialCount() != 0 {
		t.Error("timed-out check opened a transport connection")
	}
}

func TestAuthorizeErrorFailsClosed(t *testing.T) {
	dialer := &fakeDialer{}
	w := newTestWidget(&fakeAuthorizer{failErr: errors.New("boom")}, dialer)

	w.Navigate(context.Background(), "/groups/7")

	if w.State() != StateDenied {
		t.Fatalf("state = %v, want denied", w.State())
	}
	if dialer.dialCount() != 0 {
		t.Error("failed check opened a transport connection")
	}
}

func TestJoinRoomErrorTreatedAsDenial(t *testing.T) {
	dialer := &fakeDialer{rejectJoin: "group not found"}
	w := newTestWidget(&fakeAuthorizer{paid: map[int64]bool{7: true}}, dialer)

	w.Navigate(context.Background(), "/groups/7")

	if w.State() != StateDenied {
		t.Fatalf("state = %v, want denied", w.State())
	}
	if got := w.DenyReason(); got != "group not found" {
		t.Errorf("reason = %q", got)
	}
	if err := w.SendText("hello"); !errors.Is(err, ErrNotJoined) {
		t.Errorf("send after denial = %v, want ErrNotJoined", err)
	}
}

func TestNavigationBetweenGroups(t *testing.T) {
	dialer := &fakeDialer{}
	w := newTestWidget(&fakeAuthorizer{paid: map[int64]bool{7: true, 9: true}}, dialer)

	w.Navigate(context.Background(), "/groups/7")
	conn7 := dialer.lastConn()
	conn7.deliver(model.ChatMessage{User: model.ChatSender{ID: "u2"}, Type: model.MessageTypeText, Content: "old room"})
	waitFor(t, func() bool { return len(w.Transcript()) == 1 })

	w.Navigate(context.Background(), "/groups/9")

	if w.State() != StateJoined || w.GroupID() != 9 {
		t.Fatalf("state = %v group = %d, want joined 9", w.State(), w.GroupID())
	}
	if len(w.Transcript()) != 0 {
		t.Error("transcript not cleared when the group changed")
	}
	conn7.mu.Lock()
	closed := conn7.closed
	conn7.mu.Unlock()
	if !closed {
		t.Error("room 7 connection left open after moving to group 9")
	}
	if dialer.dialCount() != 2 {
		t.Fatalf("dials = %d, want 2", dialer.dialCount())
	}
	sent := dialer.lastConn().sent()
	if sent[0].GroupID != 9 {
		t.Errorf("second join for group %d, want 9", sent[0].GroupID)
	}
}

func TestNavigateAwayResetsToIdle(t *testing.T) {
	dialer := &fakeDialer{}
	w := newTestWidget(&fakeAuthorizer{paid: map[int64]bool{7: true}}, dialer)

	w.Navigate(context.Background(), "/groups/7")
	w.Navigate(context.Background(), "/checkout")

	if w.State() != StateIdle {
		t.Fatalf("state = %v, want idle", w.State())
	}
	if w.GroupID() != 0 || len(w.Transcript()) != 0 {
		t.Error("idle widget kept group state")
	}
	if err := w.SendText("hi"); !errors.Is(err, ErrNotJoined) {
		t.Errorf("send while idle = %v, want ErrNotJoined", err)
	}
}

func TestNavigateSameGroupKeepsConnection(t *testing.T) {
	dialer := &fakeDialer{}
	w := newTestWidget(&fakeAuthorizer{paid: map[int64]bool{7: true}}, dialer)

	w.Navigate(context.Background(), "/groups/7")
	w.Navigate(context.Background(), "/groups/7/members")

	if w.State() != StateJoined {
		t.Fatalf("state = %v, want joined", w.State())
	}
	if dialer.dialCount() != 1 {
		t.Errorf("dials = %d, want 1 (same group must not rejoin)", dialer.dialCount())
	}
}

func TestUnreadCounter(t *testing.T) {
	dialer := &fakeDialer{}
	w := newTestWidget(&fakeAuthorizer{paid: map[int64]bool{7: true}}, dialer)
	w.Navigate(context.Background(), "/groups/7")
	conn := dialer.lastConn()

	if w.Unread() != 0 || w.UnreadLabel() != "" {
		t.Fatalf("fresh widget unread = %d label %q", w.Unread(), w.UnreadLabel())
	}

	// Collapsed by default: every arrival counts.
	for i := 0; i < 12; i++ {
		conn.deliver(model.ChatMessage{User: model.ChatSender{ID: "u2"}, Type: model.MessageTypeText, Content: "m"})
	}
	waitFor(t, func() bool { return w.Unread() == 12 })
	if got := w.UnreadLabel(); got != "9+" {
		t.Errorf("label = %q, want 9+", got)
	}

	w.Expand()
	if w.Unread() != 0 || w.UnreadLabel() != "" {
		t.Errorf("after expand unread = %d label %q, want 0 and empty", w.Unread(), w.UnreadLabel())
	}

	// Open panel: arrivals render but do not count.
	conn.deliver(model.ChatMessage{User: model.ChatSender{ID: "u2"}, Type: model.MessageTypeText, Content: "seen live"})
	waitFor(t, func() bool { return len(w.Transcript()) == 13 })
	if w.Unread() != 0 {
		t.Errorf("unread while expanded = %d, want 0", w.Unread())
	}

	w.Collapse()
	conn.deliver(model.ChatMessage{User: model.ChatSender{ID: "u2"}, Type: model.MessageTypeText, Content: "missed"})
	waitFor(t, func() bool { return w.Unread() == 1 })
	if got := w.UnreadLabel(); got != "1" {
		t.Errorf("label = %q, want 1", got)
	}
}

func TestSendGating(t *testing.T) {
	dialer := &fakeDialer{}
	w := newTestWidget(&fakeAuthorizer{paid: map[int64]bool{7: true}}, dialer)

	if err := w.SendText("hello"); !errors.Is(err, ErrNotJoined) {
		t.Errorf("send before join = %v, want ErrNotJoined", err)
	}

	w.Navigate(context.Background(), "/groups/7")
	if err := w.SendText("   "); !errors.Is(err, ErrEmptyDraft) {
		t.Errorf("whitespace draft = %v, want ErrEmptyDraft", err)
	}
	if err := w.SendText(" hi there "); err != nil {
		t.Fatalf("send = %v", err)
	}

	// Local echo: the sender's transcript shows the message immediately.
	transcript := w.Transcript()
	if len(transcript) != 1 || transcript[0].Content != "hi there" {
		t.Fatalf("transcript = %+v, want the trimmed local echo", transcript)
	}

	sent := dialer.lastConn().sent()
	last := sent[len(sent)-1]
	if last.Type != ws.EventSendMessage || last.GroupID != 7 {
		t.Fatalf("wire event = %+v, want sendMessage for group 7", last)
	}
	if last.Message == nil || last.Message.Content != "hi there" || last.Message.Type != model.MessageTypeText {
		t.Errorf("wire message = %+v", last.Message)
	}
}

func TestSendImageAfterUpload(t *testing.T) {
	dialer := &fakeDialer{}
	w := newTestWidget(&fakeAuthorizer{paid: map[int64]bool{7: true}}, dialer)
	w.Navigate(context.Background(), "/groups/7")

	if err := w.SendImage(""); !errors.Is(err, ErrEmptyDraft) {
		t.Errorf("empty url = %v, want ErrEmptyDraft", err)
	}
	if err := w.SendImage("/api/files/abc.png"); err != nil {
		t.Fatalf("send image = %v", err)
	}
	sent := dialer.lastConn().sent()
	last := sent[len(sent)-1]
	if last.Message == nil || last.Message.Type != model.MessageTypeImage || last.Message.ImageURL != "/api/files/abc.png" {
		t.Errorf("wire message = %+v", last.Message)
	}
}

func TestDisconnectThenReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	w := newTestWidget(&fakeAuthorizer{paid: map[int64]bool{7: true}}, dialer)
	w.Navigate(context.Background(), "/groups/7")
	conn := dialer.lastConn()
	conn.deliver(model.ChatMessage{User: model.ChatSender{ID: "u2"}, Type: model.MessageTypeText, Content: "before drop"})
	waitFor(t, func() bool { return len(w.Transcript()) == 1 })

	conn.drop()
	waitFor(t, func() bool { return w.State() == StateDisconnected })

	if err := w.SendText("hi"); !errors.Is(err, ErrNotJoined) {
		t.Errorf("send while disconnected = %v, want ErrNotJoined", err)
	}

	if err := w.Reconnect(context.Background()); err != nil {
		t.Fatalf("reconnect = %v", err)
	}
	if w.State() != StateJoined {
		t.Fatalf("state = %v, want joined", w.State())
	}
	if dialer.dialCount() != 2 {
		t.Errorf("dials = %d, want 2", dialer.dialCount())
	}
	// Same group, no navigation: the transcript survives the drop.
	if len(w.Transcript()) != 1 {
		t.Error("transcript lost across reconnect")
	}
}

// Two reconnect attempts can both pass the disconnected gate. Whichever join
// finishes last wins; the superseded transport must be closed, not leaked.
func TestConcurrentReconnectClosesSupersededConn(t *testing.T) {
	dialer := &fakeDialer{}
	w := newTestWidget(&fakeAuthorizer{paid: map[int64]bool{7: true}}, dialer)
	w.Navigate(context.Background(), "/groups/7")
	dialer.lastConn().drop()
	waitFor(t, func() bool { return w.State() == StateDisconnected })

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Reconnect(context.Background())
		}()
	}
	wg.Wait()

	if w.State() != StateJoined {
		t.Fatalf("state = %v, want joined", w.State())
	}
	w.mu.Lock()
	active := w.conn
	w.mu.Unlock()

	dialer.mu.Lock()
	conns := append([]*fakeConn(nil), dialer.conns...)
	dialer.mu.Unlock()
	for i, c := range conns {
		if Conn(c) == active {
			if c.isClosed() {
				t.Errorf("conn %d is active but closed", i)
			}
			continue
		}
		if !c.isClosed() {
			t.Errorf("conn %d was superseded but left open", i)
		}
	}
}

func TestReconnectRequiresDisconnectedState(t *testing.T) {
	dialer := &fakeDialer{}
	w := newTestWidget(&fakeAuthorizer{paid: map[int64]bool{7: true}}, dialer)

	if err := w.Reconnect(context.Background()); !errors.Is(err, ErrNotJoined) {
		t.Errorf("reconnect while idle = %v, want ErrNotJoined", err)
	}

	w.Navigate(context.Background(), "/groups/7")
	if err := w.Reconnect(context.Background()); !errors.Is(err, ErrNotJoined) {
		t.Errorf("reconnect while joined = %v, want ErrNotJoined", err)
	}
	if dialer.dialCount() != 1 {
		t.Errorf("dials = %d, want 1", dialer.dialCount())
	}
}
