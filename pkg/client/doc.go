/*
Package client implements the leader-aware Parley chat client.

The client holds a list of cluster nodes, discovers which one currently
leads, and keeps its requests pointed there. Mutations survive leader
churn: a failed attempt triggers rediscovery and a retry, so a send
issued moments after a failover still lands once a new leader exists.

# Architecture

	┌─────────────────────── CLIENT ───────────────────────┐
	│                                                        │
	│  RPC calls ──► call() ──► current leader endpoint      │
	│                  │   retry + rediscover on failure     │
	│                  ▼                                     │
	│  leaderPollLoop: re-resolves the leader every 5s       │
	│  streamLoop: websocket for incoming messages,          │
	│              reconnects and dedupes on message id      │
	└────────────────────────────────────────────────────────┘

# Request Handling

Reads (Login, ReadConversation, ListAccounts, ListChatPartners,
GetChatLimit) go to the current endpoint once; any node can answer
them.

Mutations (CreateAccount, SendMessage, DeleteMessages, DeleteAccount,
MarkRead) must reach the leader. They get three attempts with a one
second backoff; between attempts the client asks the cluster who leads
now. A NOT_LEADER response counts as a failed attempt and also triggers
rediscovery.

# Message Stream

Start launches a background websocket against the leader's stream
endpoint. The server replays undelivered backlog on every connect, so
the client may see a message twice across reconnects; a per-session set
of seen ids collapses duplicates before they reach Incoming().

# Usage

	c, err := client.New(client.Config{
		Cluster:  []string{"10.0.0.1:9101", "10.0.0.2:9101"},
		Username: "alice",
	})
	if err != nil {
		return err
	}
	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Close()

	c.Start()
	go func() {
		for msg := range c.Incoming() {
			fmt.Printf("%s: %s\n", msg.Sender, msg.Text)
		}
	}()

	err = c.SendMessage(ctx, "bob", "hello")
*/
package client
