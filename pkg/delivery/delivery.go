package delivery

import (
	"sync"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/pkg/metrics"
)

// QueueDepth bounds each subscription's buffered backlog. A
// subscription that falls this far behind is closed; the client
// reconnects and the undelivered drain replays what it missed.
const QueueDepth = 1024

// Message is one delivered chat message as handed to a stream
type Message struct {
	ID        int64
	Sender    string
	Recipient string
	Content   string
	Timestamp float64
}

// Subscription is one open message stream for a user
type Subscription struct {
	id       uuid.UUID
	username string
	ch       chan Message
	hub      *Hub
	once     sync.Once
}

// C returns the channel messages arrive on. It is closed when the
// subscription ends, whether by Close or by overflow.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Username returns the subscribed user
func (s *Subscription) Username() string {
	return s.username
}

// Close tears down the subscription and releases its queue
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// Hub fans committed messages out to the recipient's open
// subscriptions. A user may hold several subscriptions at once; each
// gets its own bounded FIFO queue.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[uuid.UUID]*Subscription
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]map[uuid.UUID]*Subscription),
	}
}

// Subscribe opens a new subscription for username
func (h *Hub) Subscribe(username string) *Subscription {
	sub := &Subscription{
		id:       uuid.New(),
		username: username,
		ch:       make(chan Message, QueueDepth),
	}
	sub.hub = h

	h.mu.Lock()
	defer h.mu.Unlock()

	byID, ok := h.subs[username]
	if !ok {
		byID = make(map[uuid.UUID]*Subscription)
		h.subs[username] = byID
	}
	byID[sub.id] = sub
	metrics.ActiveSubscriptions.Inc()
	return sub
}

// HasSubscribers reports whether the recipient has any open stream
func (h *Hub) HasSubscribers(username string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[username]) > 0
}

// Publish enqueues the message on every open subscription of its
// recipient and returns how many queues accepted it. A full queue
// closes its subscription instead of blocking the sender.
func (h *Hub) Publish(msg Message) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for _, sub := range h.subs[msg.Recipient] {
		select {
		case sub.ch <- msg:
			delivered++
		default:
			h.dropLocked(sub)
		}
	}
	return delivered
}

// remove unregisters a subscription and closes its channel
func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(sub)
}

func (h *Hub) dropLocked(sub *Subscription) {
	byID, ok := h.subs[sub.username]
	if !ok {
		return
	}
	if _, ok := byID[sub.id]; !ok {
		return
	}
	delete(byID, sub.id)
	if len(byID) == 0 {
		delete(h.subs, sub.username)
	}
	close(sub.ch)
	metrics.ActiveSubscriptions.Dec()
}

// SubscriberCount returns the number of open subscriptions
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, byID := range h.subs {
		n += len(byID)
	}
	return n
}
