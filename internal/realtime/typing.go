package realtime

import (
	"sync"
	"time"
)

// TypingInterval is the minimum gap between typing emissions for one
// (user, conversation) pair. Clients clear the indicator on their own a
// few seconds after the last user_typing event, so the server keeps no
// expiring state beyond this throttle.
const TypingInterval = time.Second

type typingKey struct {
	userID         int64
	conversationID int64
}

// Typing coalesces rapid keystroke signals into a bounded emission rate
// per (user, conversation) pair.
type Typing struct {
	mu       sync.Mutex
	last     map[typingKey]time.Time
	interval time.Duration
}

// NewTyping constructs a throttle with the given minimum interval.
func NewTyping(interval time.Duration) *Typing {
	return &Typing{
		last:     make(map[typingKey]time.Time),
		interval: interval,
	}
}

// ShouldEmit reports whether a typing signal for the pair may be fanned
// out now, recording the emission when allowed. A new signal replaces the
// previous timestamp rather than stacking.
func (t *Typing) ShouldEmit(userID, conversationID int64, now time.Time) bool {
	key := typingKey{userID: userID, conversationID: conversationID}

	t.mu.Lock()
	defer t.mu.Unlock()

	if last, ok := t.last[key]; ok && now.Sub(last) < t.interval {
		return false
	}
	t.last[key] = now
	return true
}

// Forget drops all throttle entries for a user. Called when the user goes
// fully offline so the map stays bounded by the online population.
func (t *Typing) Forget(userID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key := range t.last {
		if key.userID == userID {
			delete(t.last, key)
		}
	}
}
