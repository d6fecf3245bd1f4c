package realtime

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tarusinv-cloud/carrier-pigeon/internal/models"
)

// testConn builds a socketless connection. The write loop never starts,
// so payloads accumulate in the send buffer for inspection.
func testConn(userID int64, username string) *Connection {
	return NewConnection(&models.User{ID: userID, Username: username}, nil)
}

func recvPayload(t *testing.T, conn *Connection) []byte {
	t.Helper()
	select {
	case data := <-conn.send:
		return data
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func assertNoPayload(t *testing.T, conn *Connection) {
	t.Helper()
	select {
	case data := <-conn.send:
		t.Fatalf("unexpected delivery: %s", data)
	default:
	}
}

func TestRoomsBroadcastDeliversToJoined(t *testing.T) {
	r := NewRooms(zerolog.Nop())

	alice := testConn(1, "Alice")
	bob := testConn(2, "Bob")
	carol := testConn(3, "Carol")

	r.Join(alice, 42)
	r.Join(bob, 42)
	r.Join(carol, 99)

	r.Broadcast(42, []byte("hello"))

	if string(recvPayload(t, alice)) != "hello" {
		t.Fatal("alice should receive the payload")
	}
	if string(recvPayload(t, bob)) != "hello" {
		t.Fatal("bob should receive the payload")
	}
	assertNoPayload(t, carol)
}

func TestRoomsJoinIdempotent(t *testing.T) {
	r := NewRooms(zerolog.Nop())

	alice := testConn(1, "Alice")
	r.Join(alice, 42)
	r.Join(alice, 42)

	r.Broadcast(42, []byte("once"))

	recvPayload(t, alice)
	assertNoPayload(t, alice)
}

func TestRoomsBroadcastExceptSkipsSender(t *testing.T) {
	r := NewRooms(zerolog.Nop())

	alice := testConn(1, "Alice")
	bob := testConn(2, "Bob")
	r.Join(alice, 42)
	r.Join(bob, 42)

	r.BroadcastExcept(42, alice.ID, []byte("typing"))

	recvPayload(t, bob)
	assertNoPayload(t, alice)
}

func TestRoomsLeaveAll(t *testing.T) {
	r := NewRooms(zerolog.Nop())

	alice := testConn(1, "Alice")
	bob := testConn(2, "Bob")
	r.Join(alice, 42)
	r.Join(alice, 43)
	r.Join(bob, 42)

	r.LeaveAll(alice)

	r.Broadcast(42, []byte("after"))
	r.Broadcast(43, []byte("after"))

	assertNoPayload(t, alice)
	recvPayload(t, bob)

	if len(r.Connections(43)) != 0 {
		t.Fatal("room 43 should be empty")
	}
}

func TestRoomsClosedConnectionDoesNotBlockOthers(t *testing.T) {
	r := NewRooms(zerolog.Nop())

	alice := testConn(1, "Alice")
	bob := testConn(2, "Bob")
	r.Join(alice, 42)
	r.Join(bob, 42)

	alice.Close(0, "gone")

	r.Broadcast(42, []byte("still delivered"))

	recvPayload(t, bob)
}

func TestRoomsMultiConnectionUser(t *testing.T) {
	r := NewRooms(zerolog.Nop())

	// Same user on two devices; each connection gets its own delivery.
	phone := testConn(1, "Alice")
	laptop := testConn(1, "Alice")
	r.Join(phone, 42)
	r.Join(laptop, 42)

	r.Broadcast(42, []byte("both"))

	recvPayload(t, phone)
	recvPayload(t, laptop)
}
