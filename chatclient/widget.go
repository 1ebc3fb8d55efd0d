package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/daiski/backend/internal/model"
	"github.com/daiski/backend/internal/ws"
)

// State is the widget's connection lifecycle state. The transitions are the
// contract; nothing here depends on UI framework timing.
type State int

const (
	// StateIdle means no group page is in view.
	StateIdle State = iota
	// StateChecking means the authorize call is in flight.
	StateChecking
	// StateDenied means authorization failed; the panel auto-closed.
	StateDenied
	// StateJoined means the transport is open and the room join was acknowledged.
	StateJoined
	// StateDisconnected means the transport dropped while the group page is
	// still in view; the session is eligible for reconnect.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateChecking:
		return "checking"
	case StateDenied:
		return "denied"
	case StateJoined:
		return "joined"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

var (
	ErrNotJoined  = errors.New("chat is not joined")
	ErrEmptyDraft = errors.New("message is empty")
)

const defaultAuthTimeout = 5 * time.Second

// Config assembles a widget. Dialer and Authorizer are interfaces so tests
// can run the full state machine without a server.
type Config struct {
	User       model.ChatSender
	Authorizer Authorizer
	Dialer     Dialer
	ChatURL    string
	// AuthTimeout bounds the authorize call so the widget can never sit in
	// checking forever. Zero means 5s.
	AuthTimeout time.Duration
}

// Widget is the client-side chat state machine. All methods are safe for
// concurrent use.
type Widget struct {
	authorizer  Authorizer
	dialer      Dialer
	chatURL     string
	user        model.ChatSender
	authTimeout time.Duration

	mu         sync.Mutex
	state      State
	groupID    int64
	denyReason string
	transcript []model.ChatMessage
	unread     int
	collapsed  bool
	conn       Conn
}

func New(cfg Config) *Widget {
	timeout := cfg.AuthTimeout
	if timeout <= 0 {
		timeout = defaultAuthTimeout
	}
	return &Widget{
		authorizer:  cfg.Authorizer,
		dialer:      cfg.Dialer,
		chatURL:     cfg.ChatURL,
		user:        cfg.User,
		authTimeout: timeout,
		collapsed:   true,
	}
}

// GroupIDFromPath derives the current group id from the page location.
// Only paths of the form /groups/{id}/... carry a group.
func GroupIDFromPath(path string) (int64, bool) {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) < 2 || segs[0] != "groups" {
		return 0, false
	}
	id, err := strconv.ParseInt(segs[1], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// Navigate tells the widget the page location changed. Leaving the group's
// pages drops the room and resets to idle. Entering a different group page
// leaves the old room, clears the transcript, and runs the authorize check
// before any join event is emitted. The call returns once the widget settles
// in idle, denied, or joined.
func (w *Widget) Navigate(ctx context.Context, path string) {
	groupID, onGroupPage := GroupIDFromPath(path)

	w.mu.Lock()
	if !onGroupPage {
		conn := w.detachLocked()
		w.state = StateIdle
		w.groupID = 0
		w.denyReason = ""
		w.transcript = nil
		w.mu.Unlock()
		closeQuiet(conn)
		return
	}
	if groupID == w.groupID && (w.state == StateJoined || w.state == StateChecking) {
		w.mu.Unlock()
		return
	}
	conn := w.detachLocked()
	w.groupID = groupID
	w.state = StateChecking
	w.denyReason = ""
	w.transcript = nil
	w.unread = 0
	w.mu.Unlock()
	closeQuiet(conn)

	authCtx, cancel := context.WithTimeout(ctx, w.authTimeout)
	authorized, reason, err := w.authorizer.Authorize(authCtx, groupID)
	cancel()

	if w.staleCheck(groupID) {
		return
	}
	if err != nil {
		w.deny(groupID, "could not verify group access")
		return
	}
	if !authorized {
		if reason == "" {
			reason = "not authorized for this group chat"
		}
		w.deny(groupID, reason)
		return
	}
	if ok, failReason := w.join(ctx, groupID); !ok {
		w.deny(groupID, failReason)
	}
}

// Reconnect re-opens the transport after a drop. Authorization is not re-run:
// it already passed for this group and the page has not changed.
func (w *Widget) Reconnect(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateDisconnected {
		w.mu.Unlock()
		return ErrNotJoined
	}
	groupID := w.groupID
	w.mu.Unlock()

	if ok, _ := w.join(ctx, groupID); !ok {
		// Still disconnected; the next reconnect attempt may succeed.
		return ErrNotJoined
	}
	return nil
}

// staleCheck reports whether navigation moved on while a check was in
// flight; a stale result must not overwrite the newer state.
func (w *Widget) staleCheck(groupID int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.groupID != groupID || w.state != StateChecking
}

func (w *Widget) deny(groupID int64, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.groupID != groupID {
		return
	}
	w.state = StateDenied
	w.denyReason = reason
	// Auto-close instead of showing an empty, unusable panel.
	w.collapsed = true
}

// join dials the transport, emits joinGroupChat, and waits for the room
// acknowledgement.
func (w *Widget) join(ctx context.Context, groupID int64) (bool, string) {
	conn, err := w.dialer.Dial(ctx, w.chatURL)
	if err != nil {
		return false, "could not connect to chat"
	}
	err = conn.WriteEvent(ws.IncomingMessage{
		Type:    ws.EventJoinGroupChat,
		GroupID: groupID,
		UserID:  w.user.ID,
	})
	if err != nil {
		closeQuiet(conn)
		return false, "could not join room"
	}

	for {
		ev, err := conn.ReadEvent()
		if err != nil {
			closeQuiet(conn)
			return false, "could not join room"
		}
		switch ev.Type {
		case ws.EventJoinedRoomSuccess:
		case ws.EventJoinRoomError:
			closeQuiet(conn)
			reason := "could not join room"
			var p ws.RoomStatusPayload
			if json.Unmarshal(ev.Payload, &p) == nil && p.Message != "" {
				reason = p.Message
			}
			return false, reason
		default:
			// Not the acknowledgement; keep waiting.
			continue
		}
		break
	}

	w.mu.Lock()
	if w.groupID != groupID {
		w.mu.Unlock()
		closeQuiet(conn)
		return false, "navigation changed"
	}
	// A racing join may have installed a connection already; close it so
	// the losing transport never leaks.
	prev := w.detachLocked()
	w.conn = conn
	w.state = StateJoined
	w.mu.Unlock()
	closeQuiet(prev)
	go w.readLoop(conn)
	return true, ""
}

// readLoop consumes broadcasts until the connection dies. A dead transport
// while the group page is still in view parks the widget in disconnected so
// the reconnect path can pick it up.
func (w *Widget) readLoop(conn Conn) {
	for {
		ev, err := conn.ReadEvent()
		if err != nil {
			w.mu.Lock()
			if w.conn == conn {
				w.conn = nil
				if w.state == StateJoined {
					w.state = StateDisconnected
				}
			}
			w.mu.Unlock()
			return
		}
		if ev.Type != ws.EventChatMessage {
			continue
		}
		var msg model.ChatMessage
		if json.Unmarshal(ev.Payload, &msg) != nil {
			continue
		}
		w.mu.Lock()
		if w.conn != conn {
			w.mu.Unlock()
			return
		}
		w.transcript = append(w.transcript, msg)
		if w.collapsed {
			w.unread++
		}
		w.mu.Unlock()
	}
}

// SendText sends a text message. The sender's own transcript gets the message
// immediately (local echo); the server broadcast covers everyone else.
func (w *Widget) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyDraft
	}
	return w.send(model.ChatMessage{
		User:    w.user,
		Type:    model.MessageTypeText,
		Content: text,
		Time:    time.Now().UTC(),
	})
}

// SendImage sends an image message referencing an already uploaded URL.
// Upload and send are two separate steps: a failed upload never touches the
// transcript or the room state.
func (w *Widget) SendImage(imageURL string) error {
	if strings.TrimSpace(imageURL) == "" {
		return ErrEmptyDraft
	}
	return w.send(model.ChatMessage{
		User:     w.user,
		Type:     model.MessageTypeImage,
		ImageURL: imageURL,
		Time:     time.Now().UTC(),
	})
}

func (w *Widget) send(msg model.ChatMessage) error {
	w.mu.Lock()
	if w.state != StateJoined || w.conn == nil {
		w.mu.Unlock()
		return ErrNotJoined
	}
	conn := w.conn
	groupID := w.groupID
	w.transcript = append(w.transcript, msg)
	w.mu.Unlock()

	return conn.WriteEvent(ws.IncomingMessage{
		Type:    ws.EventSendMessage,
		GroupID: groupID,
		UserID:  msg.User.ID,
		Message: &msg,
	})
}

// Expand opens the panel and resets the unread counter.
func (w *Widget) Expand() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.collapsed = false
	w.unread = 0
}

// Collapse hides the panel; arriving messages count as unread again.
func (w *Widget) Collapse() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.collapsed = true
}

// Unread returns the exact unread count.
func (w *Widget) Unread() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.unread
}

// UnreadLabel is the badge text: exact up to 9, then "9+".
func (w *Widget) UnreadLabel() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.unread == 0 {
		return ""
	}
	if w.unread > 9 {
		return "9+"
	}
	return strconv.Itoa(w.unread)
}

func (w *Widget) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Widget) GroupID() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.groupID
}

func (w *Widget) DenyReason() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.denyReason
}

// Transcript returns a copy of the rendered message list, oldest first.
func (w *Widget) Transcript() []model.ChatMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]model.ChatMessage, len(w.transcript))
	copy(out, w.transcript)
	return out
}

// Close tears the widget down.
func (w *Widget) Close() {
	w.mu.Lock()
	conn := w.detachLocked()
	w.state = StateIdle
	w.groupID = 0
	w.transcript = nil
	w.unread = 0
	w.mu.Unlock()
	closeQuiet(conn)
}

// detachLocked takes the connection out so the caller can close it outside
// the lock. Caller holds w.mu.
func (w *Widget) detachLocked() Conn {
	conn := w.conn
	w.conn = nil
	return conn
}

func closeQuiet(conn Conn) {
	if conn != nil {
		conn.Close()
	}
}
