// Package realtime implements the live half of the server: connection
// lifecycle, presence, room fan-out, and typing signals. Durable state
// lives behind the store; everything here is process-local.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tarusinv-cloud/carrier-pigeon/internal/metrics"
	"github.com/tarusinv-cloud/carrier-pigeon/internal/store"
)

var (
	// ErrForbidden rejects an operation on a conversation the user is
	// not a member of. The connection stays alive.
	ErrForbidden = errors.New("not a member of this conversation")

	// ErrInvalidInput rejects a malformed operation before any side
	// effects happen.
	ErrInvalidInput = errors.New("invalid input")
)

// Hub coordinates every live connection. Callers hand it already
// authenticated connections; it owns the connect and disconnect state
// machine, dispatches inbound events, and guarantees exactly-once
// teardown no matter how many termination signals race.
type Hub struct {
	store    store.Store
	presence *Presence
	rooms    *Rooms
	typing   *Typing
	log      zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Connection

	// sendLocks serializes persist-then-fanout per conversation so
	// deliveries observe store insertion order.
	sendMu    sync.Mutex
	sendLocks map[int64]*sync.Mutex
}

// NewHub constructs a hub over the given store.
func NewHub(st store.Store, logger zerolog.Logger) *Hub {
	return &Hub{
		store:     st,
		presence:  NewPresence(),
		rooms:     NewRooms(logger),
		typing:    NewTyping(TypingInterval),
		log:       logger,
		sessions:  make(map[string]*Connection),
		sendLocks: make(map[int64]*sync.Mutex),
	}
}

// Run drives a connection through its full lifecycle: register presence,
// join the user's rooms, dispatch inbound events until the transport
// drops, then tear everything down exactly once. Blocks until the
// connection is closed.
func (h *Hub) Run(conn *Connection) {
	ctx := context.Background()

	if err := h.attach(ctx, conn); err != nil {
		h.log.Error().Err(err).Int64("user_id", conn.User.ID).Msg("connection setup failed")
		conn.Close(websocket.CloseInternalServerErr, "setup failed")
		return
	}
	defer h.teardown(conn)

	conn.Start()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.handleEvent(ctx, conn, data)
	}
}

// attach registers presence and joins the user's rooms. Store I/O happens
// before any in-memory registration so a failed load never leaks presence.
func (h *Hub) attach(ctx context.Context, conn *Connection) error {
	conversationIDs, err := h.store.ConversationIDsForUser(ctx, conn.User.ID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.sessions[conn.ID] = conn
	h.mu.Unlock()

	wentOnline := h.presence.Add(conn.User.ID, conn.ID)
	for _, id := range conversationIDs {
		h.rooms.Join(conn, id)
	}

	metrics.ConnectionsActive.Inc()
	h.log.Info().
		Int64("user_id", conn.User.ID).
		Str("conn_id", conn.ID).
		Int("rooms", len(conversationIDs)).
		Bool("went_online", wentOnline).
		Msg("connection attached")

	// The online set changed for everyone, not just room peers.
	h.broadcastOnlineUsers()
	return nil
}

// teardown is the single exit path for a connection. Safe to call from
// multiple racing signals; only the first runs.
func (h *Hub) teardown(conn *Connection) {
	conn.teardownOnce.Do(func() {
		h.rooms.LeaveAll(conn)
		wentOffline := h.presence.Remove(conn.User.ID, conn.ID)

		h.mu.Lock()
		delete(h.sessions, conn.ID)
		h.mu.Unlock()

		conn.Close(websocket.CloseNormalClosure, "bye")
		metrics.ConnectionsActive.Dec()

		h.log.Info().
			Int64("user_id", conn.User.ID).
			Str("conn_id", conn.ID).
			Bool("went_offline", wentOffline).
			Msg("connection detached")

		if wentOffline {
			h.typing.Forget(conn.User.ID)
		}
		h.broadcastOnlineUsers()
	})
}

func (h *Hub) handleEvent(ctx context.Context, conn *Connection, raw []byte) {
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		h.sendError(conn, "malformed event")
		return
	}

	switch event.Type {
	case EventSendMessage:
		var payload SendMessagePayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			h.sendError(conn, "malformed event")
			return
		}
		if err := h.handleSendMessage(ctx, conn, payload); err != nil {
			h.rejectEvent(conn, err)
		}

	case EventJoinConversation:
		var payload JoinConversationPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			h.sendError(conn, "malformed event")
			return
		}
		if err := h.handleJoinConversation(ctx, conn, payload.ConversationID); err != nil {
			h.rejectEvent(conn, err)
		}

	case EventTyping:
		var payload TypingPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			h.sendError(conn, "malformed event")
			return
		}
		if err := h.handleTyping(ctx, conn, payload.ConversationID); err != nil {
			h.rejectEvent(conn, err)
		}

	default:
		h.sendError(conn, "unknown event type")
	}
}

// handleSendMessage validates, persists, and fans out one message. The
// persist must succeed before anything is delivered; a storage failure
// leaves no partial state.
func (h *Hub) handleSendMessage(ctx context.Context, conn *Connection, payload SendMessagePayload) error {
	content := strings.TrimSpace(payload.Content)
	if content == "" || payload.ConversationID == 0 {
		return ErrInvalidInput
	}

	member, err := h.store.IsMember(ctx, payload.ConversationID, conn.User.ID)
	if err != nil {
		return err
	}
	if !member {
		return ErrForbidden
	}

	lock := h.sendLock(payload.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	msg, err := h.store.InsertMessage(ctx, payload.ConversationID, conn.User.ID, content)
	if err != nil {
		return err
	}
	msg.Username = conn.User.Username
	msg.AvatarColor = conn.User.AvatarColor

	data, err := encodeEvent(EventNewMessage, msg)
	if err != nil {
		return err
	}
	h.rooms.Broadcast(payload.ConversationID, data)
	metrics.MessagesSent.Inc()
	return nil
}

// handleJoinConversation subscribes the connection to one more room after
// verifying durable membership against the store.
func (h *Hub) handleJoinConversation(ctx context.Context, conn *Connection, conversationID int64) error {
	if conversationID == 0 {
		return ErrInvalidInput
	}

	member, err := h.store.IsMember(ctx, conversationID, conn.User.ID)
	if err != nil {
		return err
	}
	if !member {
		return ErrForbidden
	}

	h.rooms.Join(conn, conversationID)
	return nil
}

// handleTyping fans a throttled typing signal out to the room, excluding
// the emitting connection. Membership is checked against the store, same
// as sends: joining a room gates who receives, not who emits.
func (h *Hub) handleTyping(ctx context.Context, conn *Connection, conversationID int64) error {
	if conversationID == 0 {
		return ErrInvalidInput
	}

	member, err := h.store.IsMember(ctx, conversationID, conn.User.ID)
	if err != nil {
		return err
	}
	if !member {
		return ErrForbidden
	}

	if !h.typing.ShouldEmit(conn.User.ID, conversationID, time.Now()) {
		return nil
	}

	data, err := encodeEvent(EventUserTyping, UserTypingPayload{
		ConversationID: conversationID,
		UserID:         conn.User.ID,
		Username:       conn.User.Username,
	})
	if err != nil {
		return err
	}
	h.rooms.BroadcastExcept(conversationID, conn.ID, data)
	metrics.TypingSignals.Inc()
	return nil
}

// OnlineUsers returns a snapshot of the currently online user IDs.
func (h *Hub) OnlineUsers() []int64 {
	return h.presence.OnlineUsers()
}

// broadcastOnlineUsers pushes the full online set to every connection.
func (h *Hub) broadcastOnlineUsers() {
	online := h.presence.OnlineUsers()
	metrics.UsersOnline.Set(float64(len(online)))

	data, err := encodeEvent(EventOnlineUsers, online)
	if err != nil {
		return
	}
	h.broadcastAll(data)
}

func (h *Hub) broadcastAll(payload []byte) {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.sessions))
	for _, conn := range h.sessions {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		if err := conn.Send(payload); err != nil {
			metrics.FanoutDrops.Inc()
		}
	}
}

// rejectEvent reports a failed operation to the client. Validation and
// membership rejections carry their own message; storage and encoding
// failures stay in the log and reach the client as a generic failure.
func (h *Hub) rejectEvent(conn *Connection, err error) {
	if errors.Is(err, ErrForbidden) || errors.Is(err, ErrInvalidInput) {
		h.sendError(conn, err.Error())
		return
	}
	h.log.Error().Err(err).Int64("user_id", conn.User.ID).Msg("event handling failed")
	h.sendError(conn, "internal error")
}

func (h *Hub) sendError(conn *Connection, message string) {
	data, err := encodeEvent(EventError, ErrorPayload{Message: message})
	if err != nil {
		return
	}
	_ = conn.Send(data)
}

// sendLock returns the per-conversation mutex that orders the
// persist-then-fanout sequence. Entries are created lazily and live for
// the process; the map is bounded by the number of active conversations.
func (h *Hub) sendLock(conversationID int64) *sync.Mutex {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	lock := h.sendLocks[conversationID]
	if lock == nil {
		lock = &sync.Mutex{}
		h.sendLocks[conversationID] = lock
	}
	return lock
}

// Shutdown tears down every live connection. Called on server exit.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.sessions))
	for _, conn := range h.sessions {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		h.teardown(conn)
	}
}
