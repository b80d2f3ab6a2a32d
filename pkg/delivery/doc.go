/*
Package delivery fans committed messages out to connected recipients.

The Hub maps usernames to their open subscriptions. A user may hold
several at once, one per device or connection; Publish copies the
message to each. Delivery is best effort and non-blocking: a
subscription whose buffer is full gets closed instead of stalling the
publisher, and the client recovers the gap from the undelivered backlog
on reconnect.

# Usage

	hub := delivery.NewHub()

	sub := hub.Subscribe("bob")
	defer sub.Close()
	for msg := range sub.C() {
		// write msg to the websocket
	}

	delivered := hub.Publish(delivery.Message{Recipient: "bob", ...})
*/
package delivery
