package notify

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// subscriberBuffer bounds how far a watcher may fall behind before it is
// dropped. Events carry no payload (watchers re-read the match), so a small
// buffer loses nothing but duplicate wakeups.
const subscriberBuffer = 8

// Subscription is one watcher of one match. C fires once per publish and is
// closed when the subscriber is dropped or unwatched.
type Subscription struct {
	ID      uuid.UUID
	MatchID int64
	C       <-chan struct{}
	ch      chan struct{}
}

// Notifier is a single-producer/multi-consumer broadcast of
// match-state-changed events. Delivery is at-most-once and in order per
// match; subscribers that stop draining are dropped, not back-pressured.
type Notifier struct {
	mu     sync.Mutex
	topics map[int64]map[uuid.UUID]chan struct{}
	log    *zap.Logger

	// forward, when set, mirrors every publish to a second surface (the
	// websocket hub rooms).
	forward func(matchID int64)
}

func New(log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{
		topics: map[int64]map[uuid.UUID]chan struct{}{},
		log:    log,
	}
}

// SetForward installs a secondary fan-out target. Called once at startup,
// before any publishes.
func (n *Notifier) SetForward(fn func(matchID int64)) {
	n.forward = fn
}

// Watch subscribes to a match. A subscriber that joins mid-match sees only
// events from this point; it must fetch the current match separately.
func (n *Notifier) Watch(matchID int64) *Subscription {
	ch := make(chan struct{}, subscriberBuffer)
	sub := &Subscription{
		ID:      uuid.New(),
		MatchID: matchID,
		C:       ch,
		ch:      ch,
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.topics[matchID] == nil {
		n.topics[matchID] = map[uuid.UUID]chan struct{}{}
	}
	n.topics[matchID][sub.ID] = ch
	return sub
}

// Unwatch removes the subscription and closes its channel. Safe to call after
// the subscriber was already dropped.
func (n *Notifier) Unwatch(sub *Subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.removeLocked(sub.MatchID, sub.ID)
}

// Publish wakes every watcher of the match. The send never blocks: a watcher
// whose buffer is full is dropped.
func (n *Notifier) Publish(matchID int64) {
	n.mu.Lock()
	for id, ch := range n.topics[matchID] {
		select {
		case ch <- struct{}{}:
		default:
			n.log.Warn("dropping slow match watcher",
				zap.Int64("match_id", matchID),
				zap.String("subscriber", id.String()))
			n.removeLocked(matchID, id)
		}
	}
	n.mu.Unlock()

	if n.forward != nil {
		n.forward(matchID)
	}
}

func (n *Notifier) removeLocked(matchID int64, id uuid.UUID) {
	subs := n.topics[matchID]
	if subs == nil {
		return
	}
	if ch, ok := subs[id]; ok {
		delete(subs, id)
		close(ch)
	}
	if len(subs) == 0 {
		delete(n.topics, matchID)
	}
}
