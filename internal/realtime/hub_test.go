package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tarusinv-cloud/carrier-pigeon/internal/models"
	"github.com/tarusinv-cloud/carrier-pigeon/internal/store"
)

func newTestHub(t *testing.T) (*Hub, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(st.Close)
	return NewHub(st, zerolog.Nop()), st
}

func createHubUser(t *testing.T, st *store.SQLiteStore, name string) *models.User {
	t.Helper()
	u, err := st.CreateUser(context.Background(), name+"@example.com", "hash", name, "#0984e3")
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func attachConn(t *testing.T, h *Hub, user *models.User) *Connection {
	t.Helper()
	conn := NewConnection(user, nil)
	if err := h.attach(context.Background(), conn); err != nil {
		t.Fatal(err)
	}
	return conn
}

// recvEvent decodes the next buffered delivery on the connection.
func recvEvent(t *testing.T, conn *Connection) Event {
	t.Helper()
	var event Event
	if err := json.Unmarshal(recvPayload(t, conn), &event); err != nil {
		t.Fatal(err)
	}
	return event
}

// drainConn discards everything buffered so far, e.g. the online_users
// churn from connection setup.
func drainConn(conn *Connection) {
	for {
		select {
		case <-conn.send:
		default:
			return
		}
	}
}

func drainAll(conns ...*Connection) {
	for _, conn := range conns {
		drainConn(conn)
	}
}

func sendRaw(h *Hub, conn *Connection, eventType string, payload interface{}) {
	data, _ := json.Marshal(payload)
	raw, _ := json.Marshal(Event{Type: eventType, Data: data})
	h.handleEvent(context.Background(), conn, raw)
}

func TestHubMessageFanout(t *testing.T) {
	h, st := newTestHub(t)
	ctx := context.Background()

	alice := createHubUser(t, st, "alice")
	bob := createHubUser(t, st, "bob")
	carol := createHubUser(t, st, "carol")

	group, err := st.CreateGroup(ctx, "Loft", alice.ID, []int64{bob.ID})
	if err != nil {
		t.Fatal(err)
	}

	phone := attachConn(t, h, alice)
	laptop := attachConn(t, h, alice)
	bobConn := attachConn(t, h, bob)
	carolConn := attachConn(t, h, carol)
	drainAll(phone, laptop, bobConn, carolConn)

	sendRaw(h, phone, EventSendMessage, SendMessagePayload{
		ConversationID: group.ID,
		Content:        "  hello loft  ",
	})

	// Every joined connection gets exactly one copy, the sender's own
	// connections included.
	for _, conn := range []*Connection{phone, laptop, bobConn} {
		event := recvEvent(t, conn)
		if event.Type != EventNewMessage {
			t.Fatalf("expected new_message, got %q", event.Type)
		}
		var msg models.Message
		if err := json.Unmarshal(event.Data, &msg); err != nil {
			t.Fatal(err)
		}
		if msg.Content != "hello loft" {
			t.Fatalf("expected trimmed content, got %q", msg.Content)
		}
		if msg.SenderID != alice.ID || msg.Username != "alice" {
			t.Fatalf("unexpected sender fields: %+v", msg)
		}
		if msg.ID == 0 {
			t.Fatal("fan-out must carry the persisted message id")
		}
		assertNoPayload(t, conn)
	}
	assertNoPayload(t, carolConn)

	messages, err := st.Messages(ctx, group.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected 1 persisted message, got %d", len(messages))
	}
}

func TestHubRejectsEmptyMessage(t *testing.T) {
	h, st := newTestHub(t)
	ctx := context.Background()

	alice := createHubUser(t, st, "alice")
	bob := createHubUser(t, st, "bob")
	dm, err := st.GetOrCreateDM(ctx, alice.ID, bob.ID)
	if err != nil {
		t.Fatal(err)
	}

	conn := attachConn(t, h, alice)
	drainConn(conn)

	sendRaw(h, conn, EventSendMessage, SendMessagePayload{
		ConversationID: dm.ID,
		Content:        "   ",
	})

	event := recvEvent(t, conn)
	if event.Type != EventError {
		t.Fatalf("expected error event, got %q", event.Type)
	}

	count, err := st.CountMessages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("rejected message must not persist, found %d rows", count)
	}
}

func TestHubRejectsNonMemberSend(t *testing.T) {
	h, st := newTestHub(t)
	ctx := context.Background()

	alice := createHubUser(t, st, "alice")
	bob := createHubUser(t, st, "bob")
	carol := createHubUser(t, st, "carol")
	dm, err := st.GetOrCreateDM(ctx, alice.ID, bob.ID)
	if err != nil {
		t.Fatal(err)
	}

	aliceConn := attachConn(t, h, alice)
	carolConn := attachConn(t, h, carol)
	drainAll(aliceConn, carolConn)

	sendRaw(h, carolConn, EventSendMessage, SendMessagePayload{
		ConversationID: dm.ID,
		Content:        "let me in",
	})

	event := recvEvent(t, carolConn)
	if event.Type != EventError {
		t.Fatalf("expected error event, got %q", event.Type)
	}
	var p ErrorPayload
	if err := json.Unmarshal(event.Data, &p); err != nil {
		t.Fatal(err)
	}
	if p.Message != ErrForbidden.Error() {
		t.Fatalf("expected forbidden message, got %q", p.Message)
	}

	assertNoPayload(t, aliceConn)

	count, err := st.CountMessages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("forbidden message must not persist, found %d rows", count)
	}
}

func TestHubJoinConversationMidSession(t *testing.T) {
	h, st := newTestHub(t)
	ctx := context.Background()

	alice := createHubUser(t, st, "alice")
	carol := createHubUser(t, st, "carol")

	group, err := st.CreateGroup(ctx, "Loft", alice.ID, nil)
	if err != nil {
		t.Fatal(err)
	}

	aliceConn := attachConn(t, h, alice)
	// Carol connects before joining the group, so her connection is not
	// in the room yet.
	carolConn := attachConn(t, h, carol)
	drainAll(aliceConn, carolConn)

	// Join before durable membership exists is forbidden.
	sendRaw(h, carolConn, EventJoinConversation, JoinConversationPayload{ConversationID: group.ID})
	if event := recvEvent(t, carolConn); event.Type != EventError {
		t.Fatalf("expected error event, got %q", event.Type)
	}

	if err := st.AddMember(ctx, group.ID, carol.ID); err != nil {
		t.Fatal(err)
	}
	sendRaw(h, carolConn, EventJoinConversation, JoinConversationPayload{ConversationID: group.ID})

	sendRaw(h, aliceConn, EventSendMessage, SendMessagePayload{
		ConversationID: group.ID,
		Content:        "welcome",
	})

	if event := recvEvent(t, carolConn); event.Type != EventNewMessage {
		t.Fatalf("expected new_message after join, got %q", event.Type)
	}
}

func TestHubTypingFanout(t *testing.T) {
	h, st := newTestHub(t)
	ctx := context.Background()

	alice := createHubUser(t, st, "alice")
	bob := createHubUser(t, st, "bob")
	dm, err := st.GetOrCreateDM(ctx, alice.ID, bob.ID)
	if err != nil {
		t.Fatal(err)
	}

	aliceConn := attachConn(t, h, alice)
	bobConn := attachConn(t, h, bob)
	drainAll(aliceConn, bobConn)

	sendRaw(h, aliceConn, EventTyping, TypingPayload{ConversationID: dm.ID})

	event := recvEvent(t, bobConn)
	if event.Type != EventUserTyping {
		t.Fatalf("expected user_typing, got %q", event.Type)
	}
	var p UserTypingPayload
	if err := json.Unmarshal(event.Data, &p); err != nil {
		t.Fatal(err)
	}
	if p.UserID != alice.ID || p.Username != "alice" || p.ConversationID != dm.ID {
		t.Fatalf("unexpected typing payload: %+v", p)
	}

	// The emitter never hears its own signal.
	assertNoPayload(t, aliceConn)

	// A second keystroke inside the throttle window is coalesced.
	sendRaw(h, aliceConn, EventTyping, TypingPayload{ConversationID: dm.ID})
	assertNoPayload(t, bobConn)
}

func TestHubTypingRejectsNonMember(t *testing.T) {
	h, st := newTestHub(t)
	ctx := context.Background()

	alice := createHubUser(t, st, "alice")
	bob := createHubUser(t, st, "bob")
	carol := createHubUser(t, st, "carol")
	dm, err := st.GetOrCreateDM(ctx, alice.ID, bob.ID)
	if err != nil {
		t.Fatal(err)
	}

	bobConn := attachConn(t, h, bob)
	carolConn := attachConn(t, h, carol)
	drainAll(bobConn, carolConn)

	sendRaw(h, carolConn, EventTyping, TypingPayload{ConversationID: dm.ID})

	event := recvEvent(t, carolConn)
	if event.Type != EventError {
		t.Fatalf("expected error event, got %q", event.Type)
	}
	var p ErrorPayload
	if err := json.Unmarshal(event.Data, &p); err != nil {
		t.Fatal(err)
	}
	if p.Message != ErrForbidden.Error() {
		t.Fatalf("expected forbidden message, got %q", p.Message)
	}

	// Nothing reached the room.
	assertNoPayload(t, bobConn)
}

func TestHubStorageFailureStaysGeneric(t *testing.T) {
	h, st := newTestHub(t)
	ctx := context.Background()

	alice := createHubUser(t, st, "alice")
	bob := createHubUser(t, st, "bob")
	dm, err := st.GetOrCreateDM(ctx, alice.ID, bob.ID)
	if err != nil {
		t.Fatal(err)
	}

	conn := attachConn(t, h, alice)
	drainConn(conn)

	// Kill the store underneath the hub; whatever the driver says must
	// not leak into the client-facing error.
	st.Close()

	sendRaw(h, conn, EventSendMessage, SendMessagePayload{
		ConversationID: dm.ID,
		Content:        "hello",
	})

	event := recvEvent(t, conn)
	if event.Type != EventError {
		t.Fatalf("expected error event, got %q", event.Type)
	}
	var p ErrorPayload
	if err := json.Unmarshal(event.Data, &p); err != nil {
		t.Fatal(err)
	}
	if p.Message != "internal error" {
		t.Fatalf("expected generic failure, got %q", p.Message)
	}
}

func TestHubTeardownExactlyOnce(t *testing.T) {
	h, st := newTestHub(t)

	alice := createHubUser(t, st, "alice")
	bob := createHubUser(t, st, "bob")

	aliceConn := attachConn(t, h, alice)
	bobConn := attachConn(t, h, bob)
	drainAll(aliceConn, bobConn)

	// Read error, idle timeout, and server shutdown can all race into
	// teardown; only one run may happen.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.teardown(aliceConn)
		}()
	}
	wg.Wait()

	online := h.OnlineUsers()
	if len(online) != 1 || online[0] != bob.ID {
		t.Fatalf("expected only bob online, got %v", online)
	}

	// Exactly one online_users broadcast reaches the survivors.
	event := recvEvent(t, bobConn)
	if event.Type != EventOnlineUsers {
		t.Fatalf("expected online_users, got %q", event.Type)
	}
	assertNoPayload(t, bobConn)
}

func TestHubMultiDevicePresence(t *testing.T) {
	h, st := newTestHub(t)

	alice := createHubUser(t, st, "alice")

	phone := attachConn(t, h, alice)
	laptop := attachConn(t, h, alice)

	h.teardown(phone)
	online := h.OnlineUsers()
	if len(online) != 1 || online[0] != alice.ID {
		t.Fatalf("alice still has a device, expected online, got %v", online)
	}

	h.teardown(laptop)
	if len(h.OnlineUsers()) != 0 {
		t.Fatal("expected no one online after the last device dropped")
	}
}

func TestHubAttachBroadcastsOnlineUsers(t *testing.T) {
	h, st := newTestHub(t)

	alice := createHubUser(t, st, "alice")
	bob := createHubUser(t, st, "bob")

	aliceConn := attachConn(t, h, alice)
	drainConn(aliceConn)

	attachConn(t, h, bob)

	event := recvEvent(t, aliceConn)
	if event.Type != EventOnlineUsers {
		t.Fatalf("expected online_users, got %q", event.Type)
	}
	var ids []int64
	if err := json.Unmarshal(event.Data, &ids); err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(ids) != fmt.Sprint([]int64{alice.ID, bob.ID}) {
		t.Fatalf("expected both users online, got %v", ids)
	}
}

func TestHubMalformedAndUnknownEvents(t *testing.T) {
	h, st := newTestHub(t)

	alice := createHubUser(t, st, "alice")
	conn := attachConn(t, h, alice)
	drainConn(conn)

	h.handleEvent(context.Background(), conn, []byte("{not json"))
	if event := recvEvent(t, conn); event.Type != EventError {
		t.Fatalf("expected error event, got %q", event.Type)
	}

	h.handleEvent(context.Background(), conn, []byte(`{"type":"warp_drive"}`))
	if event := recvEvent(t, conn); event.Type != EventError {
		t.Fatalf("expected error event, got %q", event.Type)
	}
}
