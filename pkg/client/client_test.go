package client

import (
	"context"
	"net"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/pkg/delivery"
	"github.com/parleyhq/parley/pkg/log"
	"github.com/parleyhq/parley/pkg/replication"
	"github.com/parleyhq/parley/pkg/server"
	"github.com/parleyhq/parley/pkg/store"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// startLeaderNode runs a single-node cluster on a real TCP port so the
// node id it advertises as leader is dialable by the client.
func startLeaderNode(t *testing.T) (addr string, st *store.Store) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr = l.Addr().String()

	st, err = store.Open(filepath.Join(t.TempDir(), "node.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	repl := replication.NewManager(addr, nil, st, replication.NewHTTPTransport())
	hub := delivery.NewHub()
	srv := server.NewServer(addr, st, repl, hub)

	ts := httptest.NewUnstartedServer(srv.Routes())
	ts.Listener.Close()
	ts.Listener = l
	ts.Start()
	t.Cleanup(ts.Close)

	repl.Start()
	t.Cleanup(repl.Stop)
	require.Eventually(t, repl.IsLeader, 5*time.Second, 20*time.Millisecond)

	return addr, st
}

func newTestClient(t *testing.T, username string, cluster ...string) *Client {
	t.Helper()
	c, err := New(Config{Cluster: cluster, Username: username})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestConnectDiscoversLeader(t *testing.T) {
	addr, _ := startLeaderNode(t)

	c := newTestClient(t, "alice", addr)
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, addr, c.Endpoint())
}

func TestConnectSkipsDeadClusterNodes(t *testing.T) {
	addr, _ := startLeaderNode(t)

	// First cluster entry refuses connections; discovery falls through
	// to the live node.
	c := newTestClient(t, "alice", "127.0.0.1:1", addr)
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, addr, c.Endpoint())
}

func TestConnectFailsWithNoLiveNodes(t *testing.T) {
	c := newTestClient(t, "alice", "127.0.0.1:1")
	err := c.Connect(context.Background())
	require.ErrorIs(t, err, ErrNoLeader)
}

func TestAccountAndMessageRoundTrip(t *testing.T) {
	addr, _ := startLeaderNode(t)
	ctx := context.Background()

	alice := newTestClient(t, "alice", addr)
	require.NoError(t, alice.Connect(ctx))
	bob := newTestClient(t, "bob", addr)
	require.NoError(t, bob.Connect(ctx))

	require.NoError(t, alice.CreateAccount(ctx, "hunter22"))
	require.NoError(t, bob.CreateAccount(ctx, "swordfish"))
	require.NoError(t, alice.Login(ctx, "hunter22"))

	// Unknown account surfaces the enrollment hint as NOT_FOUND.
	ghost := newTestClient(t, "ghost", addr)
	require.NoError(t, ghost.Connect(ctx))
	var rpcErr *RPCError
	err := ghost.Login(ctx, "anything")
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "NOT_FOUND", rpcErr.Code)

	require.NoError(t, alice.SendMessage(ctx, "bob", "hello"))
	require.NoError(t, alice.SendMessage(ctx, "bob", "anyone home?"))

	conv, err := bob.ReadConversation(ctx, "alice", 0, 10)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, 2, conv.Total)
	assert.Equal(t, "anyone home?", conv.Messages[0].Content)

	partners, unread, err := bob.ListChatPartners(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, partners)
	assert.Equal(t, 2, unread["alice"])

	require.NoError(t, bob.MarkRead(ctx, nil))
	_, unread, err = bob.ListChatPartners(ctx)
	require.NoError(t, err)
	assert.Zero(t, unread["alice"])

	page, err := alice.ListAccounts(ctx, "b", 1)
	require.NoError(t, err)
	assert.Contains(t, page.Users, "bob")
}

func TestChatLimitRoundTrip(t *testing.T) {
	addr, _ := startLeaderNode(t)
	ctx := context.Background()

	alice := newTestClient(t, "alice", addr)
	require.NoError(t, alice.Connect(ctx))
	require.NoError(t, alice.CreateAccount(ctx, "pw"))

	limit, err := alice.GetChatLimit(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, store.DefaultChatLimit, limit)

	require.NoError(t, alice.SetChatLimit(ctx, "bob", 7))
	limit, err = alice.GetChatLimit(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 7, limit)
}

func TestDeleteMessagesAndAccount(t *testing.T) {
	addr, _ := startLeaderNode(t)
	ctx := context.Background()

	alice := newTestClient(t, "alice", addr)
	require.NoError(t, alice.Connect(ctx))
	bob := newTestClient(t, "bob", addr)
	require.NoError(t, bob.Connect(ctx))

	require.NoError(t, alice.CreateAccount(ctx, "pw"))
	require.NoError(t, bob.CreateAccount(ctx, "pw"))
	require.NoError(t, alice.SendMessage(ctx, "bob", "keep"))
	require.NoError(t, alice.SendMessage(ctx, "bob", "drop"))

	conv, err := bob.ReadConversation(ctx, "alice", 0, 10)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	var dropID int64
	for _, m := range conv.Messages {
		if m.Content == "drop" {
			dropID = m.ID
		}
	}

	require.NoError(t, bob.DeleteMessages(ctx, []int64{dropID}))
	conv, err = bob.ReadConversation(ctx, "alice", 0, 10)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "keep", conv.Messages[0].Content)

	require.NoError(t, bob.DeleteAccount(ctx))
	var rpcErr *RPCError
	err = bob.Login(ctx, "pw")
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "NOT_FOUND", rpcErr.Code)
}

func TestMutationRetriesExhaust(t *testing.T) {
	c := newTestClient(t, "alice", "127.0.0.1:1")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	start := time.Now()
	err := c.SendMessage(ctx, "bob", "into the void")
	require.ErrorIs(t, err, ErrRetriesExhausted)
	// Two backoffs between the three attempts.
	assert.GreaterOrEqual(t, time.Since(start), 2*RetryBackoff)
}

func TestStreamReceivesLiveMessages(t *testing.T) {
	addr, _ := startLeaderNode(t)
	ctx := context.Background()

	alice := newTestClient(t, "alice", addr)
	require.NoError(t, alice.Connect(ctx))
	bob := newTestClient(t, "bob", addr)
	require.NoError(t, bob.Connect(ctx))
	require.NoError(t, alice.CreateAccount(ctx, "pw"))
	require.NoError(t, bob.CreateAccount(ctx, "pw"))

	bob.Start()

	// Give the stream a moment to attach before sending.
	require.Eventually(t, func() bool {
		return bob.Endpoint() == addr
	}, time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, alice.SendMessage(ctx, "bob", "first"))
	require.NoError(t, alice.SendMessage(ctx, "bob", "second"))

	var got []Incoming
	deadline := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case msg := <-bob.Incoming():
			got = append(got, msg)
		case <-deadline:
			t.Fatalf("timed out with %d messages", len(got))
		}
	}
	assert.Equal(t, "first", got[0].Text)
	assert.Equal(t, "second", got[1].Text)
	assert.Equal(t, "alice", got[0].Sender)
	assert.NotEqual(t, got[0].ID, got[1].ID)
}

func TestStreamDeliversBacklogOnConnect(t *testing.T) {
	addr, _ := startLeaderNode(t)
	ctx := context.Background()

	alice := newTestClient(t, "alice", addr)
	require.NoError(t, alice.Connect(ctx))
	bob := newTestClient(t, "bob", addr)
	require.NoError(t, bob.Connect(ctx))
	require.NoError(t, alice.CreateAccount(ctx, "pw"))
	require.NoError(t, bob.CreateAccount(ctx, "pw"))

	// Sent while bob has no stream attached.
	require.NoError(t, alice.SendMessage(ctx, "bob", "while you were out"))

	bob.Start()

	select {
	case msg := <-bob.Incoming():
		assert.Equal(t, "while you were out", msg.Text)
		assert.Equal(t, "alice", msg.Sender)
	case <-time.After(5 * time.Second):
		t.Fatal("backlog message never arrived")
	}
}
