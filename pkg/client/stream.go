package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/pkg/wire"
)

// Start launches the background loops: a leader poll that keeps the
// endpoint pointed at the leader, and a stream loop that holds a
// websocket open for incoming messages. Call Close to stop both.
func (c *Client) Start() {
	c.wg.Add(2)
	go c.leaderPollLoop()
	go c.streamLoop()
}

// Incoming is the channel live and backlog messages arrive on. Closed
// after Close.
func (c *Client) Incoming() <-chan Incoming {
	return c.incoming
}

func (c *Client) leaderPollLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(LeaderPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), RequestTimeout)
			if err := c.discoverLeader(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("leader discovery failed")
			}
			cancel()
		}
	}
}

// streamLoop keeps one websocket open against the current endpoint,
// reconnecting on error or endpoint change. The server replays the
// undelivered backlog on every connect, so frames can repeat; the
// seen map collapses duplicates before they reach the caller.
func (c *Client) streamLoop() {
	defer c.wg.Done()
	defer close(c.incoming)

	seen := make(map[int64]struct{})

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		endpoint := c.Endpoint()
		conn, _, err := websocket.DefaultDialer.Dial(
			"ws://"+endpoint+"/v1/chat/stream?username="+c.cfg.Username, nil)
		if err != nil {
			c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("stream dial failed")
			select {
			case <-c.stopCh:
				return
			case <-time.After(RetryBackoff):
			}
			continue
		}

		c.readFrames(conn, endpoint, seen)
		conn.Close()
	}
}

// readFrames pumps one connection until it fails, the endpoint moves,
// or the client closes
func (c *Client) readFrames(conn *websocket.Conn, endpoint string, seen map[int64]struct{}) {
	frames := make(chan wire.Envelope)
	readErr := make(chan error, 1)
	go func() {
		for {
			var env wire.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- env:
			case <-c.stopCh:
				return
			}
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case err := <-readErr:
			c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("message stream dropped")
			return
		case <-ticker.C:
			if c.Endpoint() != endpoint {
				return
			}
		case env := <-frames:
			if env.Type != wire.TypeSendMessage {
				continue
			}
			var body wire.DeliveredPayload
			if err := json.Unmarshal(env.Payload, &body); err != nil {
				c.logger.Warn().Err(err).Msg("malformed stream frame")
				continue
			}
			if _, dup := seen[body.ID]; dup {
				continue
			}
			seen[body.ID] = struct{}{}
			select {
			case c.incoming <- Incoming{
				ID:        body.ID,
				Sender:    env.Sender,
				Text:      body.Text,
				Timestamp: env.Timestamp,
			}:
			case <-c.stopCh:
				return
			}
		}
	}
}
