package realtime

import (
	"testing"
	"time"
)

func TestTypingThrottle(t *testing.T) {
	tr := NewTyping(time.Second)
	now := time.Now()

	if !tr.ShouldEmit(1, 42, now) {
		t.Fatal("first signal should emit")
	}
	if tr.ShouldEmit(1, 42, now.Add(500*time.Millisecond)) {
		t.Fatal("signal within the interval must be coalesced")
	}
	if !tr.ShouldEmit(1, 42, now.Add(time.Second)) {
		t.Fatal("signal at the interval boundary should emit")
	}
}

func TestTypingThrottlePerPair(t *testing.T) {
	tr := NewTyping(time.Second)
	now := time.Now()

	tr.ShouldEmit(1, 42, now)

	// Other conversations and other users are throttled independently.
	if !tr.ShouldEmit(1, 43, now) {
		t.Fatal("same user, different conversation should emit")
	}
	if !tr.ShouldEmit(2, 42, now) {
		t.Fatal("different user, same conversation should emit")
	}
}

func TestTypingSuppressedSignalDoesNotExtendWindow(t *testing.T) {
	tr := NewTyping(time.Second)
	now := time.Now()

	tr.ShouldEmit(1, 42, now)
	tr.ShouldEmit(1, 42, now.Add(900*time.Millisecond))

	// The suppressed signal at 900ms must not push the window forward.
	if !tr.ShouldEmit(1, 42, now.Add(time.Second)) {
		t.Fatal("window keys off the last emission, not the last attempt")
	}
}

func TestTypingForget(t *testing.T) {
	tr := NewTyping(time.Second)
	now := time.Now()

	tr.ShouldEmit(1, 42, now)
	tr.ShouldEmit(1, 43, now)
	tr.ShouldEmit(2, 42, now)

	tr.Forget(1)

	if !tr.ShouldEmit(1, 42, now) {
		t.Fatal("forgotten user should emit immediately")
	}
	if !tr.ShouldEmit(1, 43, now) {
		t.Fatal("forget must clear every conversation for the user")
	}
	if tr.ShouldEmit(2, 42, now) {
		t.Fatal("forget must not touch other users")
	}
}
