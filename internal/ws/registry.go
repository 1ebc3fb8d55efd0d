package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/daiski/backend/internal/logger"
	"github.com/daiski/backend/internal/repository"
	"github.com/daiski/backend/internal/storage"
)

// GroupSource is what the registry needs from the booking subsystem: join
// requests must name a resolvable group, and push fan-out needs member ids.
// *repository.GroupRepository satisfies it.
type GroupSource interface {
	Resolve(ctx context.Context, groupID int64) error
	GetMemberIDs(ctx context.Context, groupID int64) ([]string, error)
}

// PushNotifier delivers web-push notifications. nil disables pushes.
type PushNotifier interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string)
}

// Registry tracks which sessions belong to which group room and fans
// messages out to room members. It is the only shared mutable state between
// connections; construct one per process and pass it into handlers.
type Registry struct {
	mu          sync.RWMutex
	rooms       map[int64]map[*Client]struct{}
	sessionRoom map[*Client]int64
	total       int
	maxConns    int
	tunables    Tunables

	groups   GroupSource
	presence storage.Store
	notifier PushNotifier

	done chan struct{}
}

func NewRegistry(groups GroupSource, presence storage.Store, maxConns int, notifier PushNotifier, tun Tunables) *Registry {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Registry{
		rooms:       make(map[int64]map[*Client]struct{}),
		sessionRoom: make(map[*Client]int64),
		maxConns:    maxConns,
		tunables:    tun.withDefaults(),
		groups:      groups,
		presence:    presence,
		notifier:    notifier,
		done:        make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled, then closes every remaining session.
// Registration itself is synchronous (Register/Unregister take the lock
// directly), so the ordering of lifecycle events follows the caller.
func (r *Registry) Run(ctx context.Context) {
	defer close(r.done)
	<-ctx.Done()
	r.shutdown()
}

func (r *Registry) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	r.mu.Lock()
	allClients := make([]*Client, 0, r.total)
	for c := range r.sessionRoom {
		allClients = append(allClients, c)
	}
	r.rooms = make(map[int64]map[*Client]struct{})
	r.sessionRoom = make(map[*Client]int64)
	r.total = 0
	r.mu.Unlock()

	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

// Register adds the session to the registry. It must run before the pumps
// start so that every inbound event observes a registered session; a session
// that already joined a room keeps that membership. Returns false (after
// closing the client) when the registry is shut down or the connection limit
// is reached.
func (r *Registry) Register(c *Client) bool {
	select {
	case <-r.done:
		c.Close()
		return false
	default:
	}
	r.mu.Lock()
	if r.total >= r.maxConns {
		r.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", r.maxConns, c.userID)
		c.Close()
		return false
	}
	if _, ok := r.sessionRoom[c]; !ok {
		// Not in any room yet; sessionRoom 0 means "no room".
		r.sessionRoom[c] = 0
	}
	r.total++
	r.mu.Unlock()
	return true
}

// Unregister removes the session and its room membership. The read pump
// calls it on every disconnect path; repeated calls are harmless.
func (r *Registry) Unregister(c *Client) {
	r.removeClient(c)
}

func (r *Registry) removeClient(c *Client) {
	left, wentOffline := r.detach(c)
	r.mu.Lock()
	if _, ok := r.sessionRoom[c]; ok {
		delete(r.sessionRoom, c)
		r.total--
	}
	r.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()
	if wentOffline {
		r.setPresence(left, c.userID, false)
	}
}

// HandleMessage dispatches one inbound event from a session's read pump.
func (r *Registry) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	switch msg.Type {
	case EventJoinGroupChat:
		r.handleJoin(ctx, c, msg)
	case EventSendMessage:
		r.handleSend(ctx, c, msg)
	default:
		r.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "unknown event type"})
	}
}

// handleJoin registers the session in the room keyed by the group id.
// Authorization is NOT re-run here: the client already passed the
// request/response authorize check before emitting the join event. The
// server only rejects malformed (non-positive) or unresolvable group ids.
func (r *Registry) handleJoin(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleJoin", time.Now())()
	groupID := msg.GroupID
	if groupID <= 0 {
		r.sendToClient(c, OutgoingMessage{Type: EventJoinRoomError, Payload: RoomStatusPayload{
			GroupID: groupID,
			Message: "invalid group id",
		}})
		return
	}
	if r.groups != nil {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := r.groups.Resolve(ctx, groupID)
		cancel()
		if errors.Is(err, repository.ErrNotFound) {
			r.sendToClient(c, OutgoingMessage{Type: EventJoinRoomError, Payload: RoomStatusPayload{
				GroupID: groupID,
				Message: "group not found",
			}})
			return
		}
		if err != nil {
			logger.Errorf("ws resolve group=%d user=%s: %v", groupID, c.userID, err)
			r.sendToClient(c, OutgoingMessage{Type: EventJoinRoomError, Payload: RoomStatusPayload{
				GroupID: groupID,
				Message: "could not join room",
			}})
			return
		}
	}

	r.Join(groupID, c)
	r.sendToClient(c, OutgoingMessage{Type: EventJoinedRoomSuccess, Payload: RoomStatusPayload{
		GroupID: groupID,
		Message: fmt.Sprintf("joined group %d chat", groupID),
	}})
}

// handleSend forwards the message unchanged to everyone else in the
// session's current room. A send from a session that is in no room is
// dropped and logged, never propagated (client state can be stale).
func (r *Registry) handleSend(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleSend", time.Now())()
	if msg.Message == nil {
		r.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "message required"})
		return
	}

	r.mu.RLock()
	roomID := r.sessionRoom[c]
	r.mu.RUnlock()
	if roomID == 0 {
		logger.Errorf("ws send without room user=%s, dropped", c.userID)
		return
	}

	out := OutgoingMessage{Type: EventChatMessage, Payload: msg.Message}
	r.Broadcast(roomID, out, c)
	r.notifyOffline(roomID, c, msg)
}

// Join adds the session to room groupID. A session is in at most one room:
// joining a new room implicitly leaves the previous one.
func (r *Registry) Join(groupID int64, c *Client) {
	r.mu.Lock()
	prev := r.sessionRoom[c]
	if prev == groupID {
		r.mu.Unlock()
		return
	}
	var prevOffline bool
	if prev != 0 {
		prevOffline = r.removeFromRoomLocked(prev, c)
	}
	room, ok := r.rooms[groupID]
	if !ok {
		room = make(map[*Client]struct{})
		r.rooms[groupID] = room
	}
	room[c] = struct{}{}
	r.sessionRoom[c] = groupID
	online := !r.userInRoomLocked(groupID, c.userID, c)
	r.mu.Unlock()

	if prevOffline {
		r.setPresence(prev, c.userID, false)
	}
	if online {
		r.setPresence(groupID, c.userID, true)
	}
}

// Leave removes the session from whichever room it is in.
func (r *Registry) Leave(c *Client) {
	left, wentOffline := r.detach(c)
	if wentOffline {
		r.setPresence(left, c.userID, false)
	}
}

// detach removes the session from its room (if any) under the lock and
// reports which room was left and whether the user has no other session there.
func (r *Registry) detach(c *Client) (roomID int64, wentOffline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	roomID = r.sessionRoom[c]
	if roomID == 0 {
		return 0, false
	}
	wentOffline = r.removeFromRoomLocked(roomID, c)
	r.sessionRoom[c] = 0
	return roomID, wentOffline
}

// removeFromRoomLocked deletes the session from the room set and discards the
// room when it becomes empty. Returns true when no other session of the same
// user remains in the room. Caller holds r.mu.
func (r *Registry) removeFromRoomLocked(roomID int64, c *Client) bool {
	room, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	delete(room, c)
	if len(room) == 0 {
		delete(r.rooms, roomID)
		return true
	}
	return !r.userInRoomLocked(roomID, c.userID, c)
}

// userInRoomLocked reports whether the user has a session other than except
// in the room. Caller holds r.mu.
func (r *Registry) userInRoomLocked(roomID int64, userID string, except *Client) bool {
	for member := range r.rooms[roomID] {
		if member != except && member.userID == userID {
			return true
		}
	}
	return false
}

// Broadcast delivers msg to every session that is a member of room groupID
// at the moment the snapshot is taken. Concurrent joins/leaves never tear
// the membership set: the target list is copied under the read lock and
// delivery happens outside it.
func (r *Registry) Broadcast(groupID int64, msg OutgoingMessage, exclude *Client) {
	defer logger.DeferLogDuration("ws.Broadcast", time.Now())()
	r.mu.RLock()
	room := r.rooms[groupID]
	targets := make([]*Client, 0, len(room))
	for c := range room {
		if c == exclude {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		r.sendToClient(c, msg)
	}
}

// notifyOffline web-pushes group members who have no live session in the room.
func (r *Registry) notifyOffline(groupID int64, sender *Client, msg IncomingMessage) {
	if r.notifier == nil || r.groups == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	memberIDs, err := r.groups.GetMemberIDs(ctx, groupID)
	cancel()
	if err != nil {
		logger.Errorf("ws get members group=%d: %v", groupID, err)
		return
	}

	r.mu.RLock()
	connected := make(map[string]struct{}, len(r.rooms[groupID]))
	for c := range r.rooms[groupID] {
		connected[c.userID] = struct{}{}
	}
	r.mu.RUnlock()

	title := msg.Message.User.Name
	if title == "" {
		title = "New message"
	}
	body := msg.Message.Content
	if msg.Message.Type != "text" || body == "" {
		body = "Photo"
	}
	if len(body) > 120 {
		body = body[:117] + "..."
	}
	data := map[string]string{"group_id": fmt.Sprintf("%d", groupID)}
	for _, uid := range memberIDs {
		if uid == sender.userID {
			continue
		}
		if _, ok := connected[uid]; ok {
			continue
		}
		uid := uid
		go r.notifier.Notify(context.Background(), uid, title, body, data)
	}
}

func (r *Registry) setPresence(groupID int64, userID string, online bool) {
	if r.presence == nil || groupID == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var err error
	if online {
		err = r.presence.SetOnline(ctx, groupID, userID)
	} else {
		err = r.presence.SetOffline(ctx, groupID, userID)
	}
	if err != nil {
		logger.Errorf("ws presence group=%d user=%s online=%v: %v", groupID, userID, online, err)
	}
}

func (r *Registry) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}

