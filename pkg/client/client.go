package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/parleyhq/parley/pkg/log"
	"github.com/parleyhq/parley/pkg/types"
	"github.com/parleyhq/parley/pkg/wire"
)

// Client-side timing and retry policy
const (
	RetryAttempts      = 3
	RetryBackoff       = 1 * time.Second
	LeaderPollInterval = 5 * time.Second
	RequestTimeout     = 5 * time.Second
)

// Sentinel errors
var (
	ErrNoLeader         = errors.New("no leader reachable")
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// RPCError is a server-side failure carried in an ERROR envelope
type RPCError struct {
	Code string
	Text string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Text)
}

// LeaderLookup resolves the current leader through one cluster node.
// Swappable so tests and alternative discovery schemes can plug in.
type LeaderLookup interface {
	Leader(ctx context.Context, endpoint string) (string, error)
}

// Config configures a client
type Config struct {
	// Cluster lists every node the client may contact, host:port.
	Cluster  []string
	Username string

	// Lookup overrides leader discovery; nil uses the GetLeader RPC.
	Lookup LeaderLookup
}

// Incoming is one message received over the read stream
type Incoming struct {
	ID        int64
	Sender    string
	Text      string
	Timestamp float64
}

// Client is a leader-aware chat client. Reads go to whichever node it
// currently points at; mutations are retried with leader rediscovery
// in between. A background loop keeps the endpoint pointed at the
// leader and maintains the message stream.
type Client struct {
	cfg    Config
	http   *http.Client
	lookup LeaderLookup

	mu       sync.Mutex
	endpoint string

	incoming chan Incoming
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	logger zerolog.Logger
}

// New creates a client pointed at the first cluster node
func New(cfg Config) (*Client, error) {
	if len(cfg.Cluster) == 0 {
		return nil, fmt.Errorf("cluster list is required")
	}
	c := &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: RequestTimeout},
		lookup:   cfg.Lookup,
		endpoint: cfg.Cluster[0],
		incoming: make(chan Incoming, 256),
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("client").With().Str("username", cfg.Username).Logger(),
	}
	if c.lookup == nil {
		c.lookup = &rpcLeaderLookup{http: c.http}
	}
	return c, nil
}

// Endpoint returns the node the client currently talks to
func (c *Client) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

func (c *Client) setEndpoint(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if addr != c.endpoint {
		c.logger.Info().Str("from", c.endpoint).Str("to", addr).Msg("switching endpoint")
		c.endpoint = addr
	}
}

// Connect points the client at the current leader and verifies it is
// reachable
func (c *Client) Connect(ctx context.Context) error {
	if err := c.discoverLeader(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+c.Endpoint()+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", c.Endpoint(), err)
	}
	resp.Body.Close()
	return nil
}

// Close stops the background loops
func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// discoverLeader asks the current endpoint, then every cluster node,
// who leads
func (c *Client) discoverLeader(ctx context.Context) error {
	tried := []string{c.Endpoint()}
	tried = append(tried, c.cfg.Cluster...)

	for _, node := range tried {
		leader, err := c.lookup.Leader(ctx, node)
		if err != nil {
			continue
		}
		c.setEndpoint(leader)
		return nil
	}
	return ErrNoLeader
}

// post sends one envelope to an endpoint and decodes the response
func (c *Client) post(ctx context.Context, endpoint, op string, env wire.Envelope) (wire.Envelope, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return wire.Envelope{}, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"http://"+endpoint+"/v1/chat/"+op, bytes.NewReader(body))
	if err != nil {
		return wire.Envelope{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return wire.Envelope{}, fmt.Errorf("failed to reach %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return wire.Envelope{}, fmt.Errorf("%s returned status %d", endpoint, resp.StatusCode)
	}

	var out wire.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return wire.Envelope{}, fmt.Errorf("invalid response from %s: %w", endpoint, err)
	}
	return out, nil
}

// call runs one RPC. Mutations get RetryAttempts tries with leader
// rediscovery and a backoff in between; reads go out once.
func (c *Client) call(ctx context.Context, op string, env wire.Envelope, mutation bool) (wire.Envelope, error) {
	attempts := 1
	if mutation {
		attempts = RetryAttempts
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return wire.Envelope{}, ctx.Err()
			case <-time.After(RetryBackoff):
			}
			if err := c.discoverLeader(ctx); err != nil {
				lastErr = err
				continue
			}
		}

		out, err := c.post(ctx, c.Endpoint(), op, env)
		if err != nil {
			lastErr = err
			continue
		}
		if rpcErr := asError(out); rpcErr != nil && rpcErr.Code == wire.CodeNotLeader && mutation {
			lastErr = rpcErr
			continue
		}
		return out, nil
	}
	return wire.Envelope{}, fmt.Errorf("%s failed after %d attempts: %w: %w", op, attempts, ErrRetriesExhausted, lastErr)
}

// asError extracts the RPCError from an ERROR envelope, nil otherwise
func asError(env wire.Envelope) *RPCError {
	if env.Type != wire.TypeError {
		return nil
	}
	var res wire.ResultPayload
	if err := env.Decode(&res); err != nil {
		return &RPCError{Code: wire.CodeInternal, Text: "malformed error payload"}
	}
	return &RPCError{Code: res.Code, Text: res.Text}
}

// resultErr converts an ERROR envelope into a Go error
func resultErr(env wire.Envelope) error {
	if e := asError(env); e != nil {
		return e
	}
	return nil
}

// CreateAccount registers an account for the configured username
func (c *Client) CreateAccount(ctx context.Context, password string) error {
	env, err := wire.NewEnvelope(wire.TypeCreateAccount, c.cfg.Username, "",
		wire.CreateAccountPayload{Username: c.cfg.Username, Password: password})
	if err != nil {
		return err
	}
	out, err := c.call(ctx, "create_account", env, true)
	if err != nil {
		return err
	}
	return resultErr(out)
}

// Login checks the account exists
func (c *Client) Login(ctx context.Context, password string) error {
	env, err := wire.NewEnvelope(wire.TypeLogin, c.cfg.Username, "",
		wire.LoginPayload{Username: c.cfg.Username, Password: password})
	if err != nil {
		return err
	}
	out, err := c.call(ctx, "login", env, false)
	if err != nil {
		return err
	}
	return resultErr(out)
}

// SendMessage sends one message; retried across leader changes
func (c *Client) SendMessage(ctx context.Context, recipient, text string) error {
	env, err := wire.NewEnvelope(wire.TypeSendMessage, c.cfg.Username, recipient,
		wire.SendMessagePayload{Text: text})
	if err != nil {
		return err
	}
	out, err := c.call(ctx, "send_message", env, true)
	if err != nil {
		return err
	}
	return resultErr(out)
}

// ReadConversation fetches one page of history with a partner
func (c *Client) ReadConversation(ctx context.Context, partner string, offset, limit int) (*types.Conversation, error) {
	env, err := wire.NewEnvelope(wire.TypeReadConversation, c.cfg.Username, "",
		wire.ReadConversationPayload{Partner: partner, Offset: offset, Limit: limit})
	if err != nil {
		return nil, err
	}
	out, err := c.call(ctx, "read_conversation", env, false)
	if err != nil {
		return nil, err
	}
	if err := resultErr(out); err != nil {
		return nil, err
	}
	var conv types.Conversation
	if err := out.Decode(&conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// ListAccounts pages through usernames matching a pattern
func (c *Client) ListAccounts(ctx context.Context, pattern string, page int) (*types.AccountPage, error) {
	env, err := wire.NewEnvelope(wire.TypeListAccounts, c.cfg.Username, "",
		wire.ListAccountsPayload{Pattern: pattern, Page: page})
	if err != nil {
		return nil, err
	}
	out, err := c.call(ctx, "list_accounts", env, false)
	if err != nil {
		return nil, err
	}
	if err := resultErr(out); err != nil {
		return nil, err
	}
	var result types.AccountPage
	if err := out.Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListChatPartners returns conversation partners plus unread counts
func (c *Client) ListChatPartners(ctx context.Context) ([]string, map[string]int, error) {
	env, err := wire.NewEnvelope(wire.TypeListChatPartners, c.cfg.Username, "", nil)
	if err != nil {
		return nil, nil, err
	}
	out, err := c.call(ctx, "list_chat_partners", env, false)
	if err != nil {
		return nil, nil, err
	}
	if err := resultErr(out); err != nil {
		return nil, nil, err
	}
	var partners wire.PartnersPayload
	if err := out.Decode(&partners); err != nil {
		return nil, nil, err
	}
	return partners.ChatPartners, partners.UnreadMap, nil
}

// DeleteMessages soft-deletes messages from this user's view
func (c *Client) DeleteMessages(ctx context.Context, ids []int64) error {
	env, err := wire.NewEnvelope(wire.TypeDeleteMessages, c.cfg.Username, "",
		wire.MessageIDsPayload{MessageIDs: ids})
	if err != nil {
		return err
	}
	out, err := c.call(ctx, "delete_messages", env, true)
	if err != nil {
		return err
	}
	return resultErr(out)
}

// DeleteAccount removes this user's account and message history
func (c *Client) DeleteAccount(ctx context.Context) error {
	env, err := wire.NewEnvelope(wire.TypeDeleteAccount, c.cfg.Username, "", nil)
	if err != nil {
		return err
	}
	out, err := c.call(ctx, "delete_account", env, true)
	if err != nil {
		return err
	}
	return resultErr(out)
}

// MarkRead marks the given messages read; an empty list marks the
// whole inbox
func (c *Client) MarkRead(ctx context.Context, ids []int64) error {
	env, err := wire.NewEnvelope(wire.TypeMarkRead, c.cfg.Username, "",
		wire.MessageIDsPayload{MessageIDs: ids})
	if err != nil {
		return err
	}
	out, err := c.call(ctx, "mark_read", env, true)
	if err != nil {
		return err
	}
	return resultErr(out)
}

// GetChatLimit reads the pagination preference for a conversation
func (c *Client) GetChatLimit(ctx context.Context, partner string) (int, error) {
	env, err := wire.NewEnvelope(wire.TypeGetChatLimit, c.cfg.Username, "",
		wire.ChatLimitPayload{Partner: partner})
	if err != nil {
		return 0, err
	}
	out, err := c.call(ctx, "get_chat_limit", env, false)
	if err != nil {
		return 0, err
	}
	if err := resultErr(out); err != nil {
		return 0, err
	}
	var pref wire.ChatLimitPayload
	if err := out.Decode(&pref); err != nil {
		return 0, err
	}
	return pref.Limit, nil
}

// SetChatLimit updates the pagination preference for a conversation
func (c *Client) SetChatLimit(ctx context.Context, partner string, limit int) error {
	env, err := wire.NewEnvelope(wire.TypeSetChatLimit, c.cfg.Username, "",
		wire.ChatLimitPayload{Partner: partner, Limit: limit})
	if err != nil {
		return err
	}
	out, err := c.call(ctx, "set_chat_limit", env, false)
	if err != nil {
		return err
	}
	return resultErr(out)
}

// Leader asks the current endpoint who leads
func (c *Client) Leader(ctx context.Context) (string, error) {
	return c.lookup.Leader(ctx, c.Endpoint())
}

// rpcLeaderLookup resolves the leader with the GetLeader RPC
type rpcLeaderLookup struct {
	http *http.Client
}

func (l *rpcLeaderLookup) Leader(ctx context.Context, endpoint string) (string, error) {
	env, err := wire.NewEnvelope(wire.TypeGetLeader, "", "", nil)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"http://"+endpoint+"/v1/chat/get_leader", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to reach %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s returned status %d", endpoint, resp.StatusCode)
	}

	var out wire.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	var leader wire.LeaderPayload
	if err := out.Decode(&leader); err != nil {
		return "", err
	}
	if leader.Leader == "" || leader.Leader == "Unknown" {
		return "", ErrNoLeader
	}
	return leader.Leader, nil
}
