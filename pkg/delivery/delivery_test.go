package delivery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscriptions(t *testing.T) {
	h := NewHub()

	sub1 := h.Subscribe("bob")
	sub2 := h.Subscribe("bob")
	other := h.Subscribe("carol")
	defer sub1.Close()
	defer sub2.Close()
	defer other.Close()

	n := h.Publish(Message{ID: 1, Sender: "alice", Recipient: "bob", Content: "hi"})
	assert.Equal(t, 2, n)

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case msg := <-sub.C():
			assert.Equal(t, int64(1), msg.ID)
			assert.Equal(t, "hi", msg.Content)
		default:
			t.Fatal("expected a queued message")
		}
	}

	select {
	case <-other.C():
		t.Fatal("message leaked to another user's subscription")
	default:
	}
}

func TestPublishPreservesOrder(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe("bob")
	defer sub.Close()

	for i := int64(1); i <= 5; i++ {
		h.Publish(Message{ID: i, Recipient: "bob"})
	}
	for i := int64(1); i <= 5; i++ {
		msg := <-sub.C()
		assert.Equal(t, i, msg.ID)
	}
}

func TestOverflowClosesSubscription(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe("bob")

	for i := 0; i < QueueDepth; i++ {
		n := h.Publish(Message{ID: int64(i), Recipient: "bob"})
		require.Equal(t, 1, n)
	}

	// One past the bound: the queue is full, the subscription dies.
	n := h.Publish(Message{ID: QueueDepth, Recipient: "bob"})
	assert.Equal(t, 0, n)
	assert.False(t, h.HasSubscribers("bob"))

	// The buffered backlog stays readable, then the channel closes.
	for i := 0; i < QueueDepth; i++ {
		_, ok := <-sub.C()
		require.True(t, ok)
	}
	_, ok := <-sub.C()
	assert.False(t, ok)

	// Closing after an overflow close is harmless.
	sub.Close()
}

func TestCloseUnregisters(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe("bob")
	assert.True(t, h.HasSubscribers("bob"))
	assert.Equal(t, 1, h.SubscriberCount())

	sub.Close()
	assert.False(t, h.HasSubscribers("bob"))
	assert.Equal(t, 0, h.SubscriberCount())

	_, ok := <-sub.C()
	assert.False(t, ok)

	sub.Close()
}
