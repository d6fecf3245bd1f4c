package realtime

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/tarusinv-cloud/carrier-pigeon/internal/metrics"
)

// Rooms maintains the fan-out sets: which connections are joined to which
// conversation. Both directions of the index are mutated under one lock
// so they can never diverge. Durable-membership checks happen in the hub
// before Join; this type never touches the store.
type Rooms struct {
	mu        sync.Mutex
	rooms     map[int64]map[string]*Connection // conversationID -> connID -> conn
	connRooms map[string]map[int64]struct{}    // connID -> set of conversationIDs
	log       zerolog.Logger
}

// NewRooms constructs an empty room index.
func NewRooms(logger zerolog.Logger) *Rooms {
	return &Rooms{
		rooms:     make(map[int64]map[string]*Connection),
		connRooms: make(map[string]map[int64]struct{}),
		log:       logger,
	}
}

// Join adds the connection to the conversation's fan-out set. Idempotent.
func (r *Rooms) Join(conn *Connection, conversationID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.rooms[conversationID]
	if room == nil {
		room = make(map[string]*Connection)
		r.rooms[conversationID] = room
	}
	room[conn.ID] = conn

	joined := r.connRooms[conn.ID]
	if joined == nil {
		joined = make(map[int64]struct{})
		r.connRooms[conn.ID] = joined
	}
	joined[conversationID] = struct{}{}
}

// LeaveAll removes the connection from every room it joined.
func (r *Rooms) LeaveAll(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for conversationID := range r.connRooms[conn.ID] {
		room := r.rooms[conversationID]
		delete(room, conn.ID)
		if len(room) == 0 {
			delete(r.rooms, conversationID)
		}
	}
	delete(r.connRooms, conn.ID)
}

// Connections returns a snapshot of the connections currently joined to
// the conversation.
func (r *Rooms) Connections(conversationID int64) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.rooms[conversationID]
	conns := make([]*Connection, 0, len(room))
	for _, conn := range room {
		conns = append(conns, conn)
	}
	return conns
}

// Broadcast delivers payload to every connection joined to the
// conversation. Delivery is at-most-once and best-effort: a closed or
// slow connection is skipped and does not affect the others.
func (r *Rooms) Broadcast(conversationID int64, payload []byte) {
	r.broadcast(conversationID, "", payload)
}

// BroadcastExcept behaves like Broadcast but skips one connection,
// typically the sender of an ephemeral signal.
func (r *Rooms) BroadcastExcept(conversationID int64, exceptConnID string, payload []byte) {
	r.broadcast(conversationID, exceptConnID, payload)
}

func (r *Rooms) broadcast(conversationID int64, exceptConnID string, payload []byte) {
	// Snapshot under the lock, send outside it.
	conns := r.Connections(conversationID)

	for _, conn := range conns {
		if conn.ID == exceptConnID {
			continue
		}
		if err := conn.Send(payload); err != nil {
			metrics.FanoutDrops.Inc()
			r.log.Debug().
				Str("conn_id", conn.ID).
				Int64("user_id", conn.User.ID).
				Int64("conversation_id", conversationID).
				Err(err).
				Msg("dropped fan-out delivery")
		}
	}
}
