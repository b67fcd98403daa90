// client.go implements the resilient upstream WebSocket client.
//
// One Run loop per upstream URL: dial, invoke the on-connect hook to
// enqueue subscription replay, then concurrently read inbound JSON text
// frames and drain the outbound queue into the socket. Any connect or I/O
// failure tears the session down and reconnects with exponential backoff
// plus jitter; a successful connect resets the backoff.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout   = 10 * time.Second
	heartbeatGrace = 5 * time.Second // read deadline is pingInterval + this
	maxJitter      = time.Second
)

// ConnectHook returns the control messages to enqueue immediately after a
// session is established, used to (re)issue the full subscription set.
type ConnectHook func() []any

// MessageHandler receives each decoded inbound frame.
type MessageHandler func(data []byte)

// ClientOptions configures a Client.
type ClientOptions struct {
	URL           string
	PingInterval  time.Duration
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// Client maintains one upstream WebSocket connection with auto-reconnect
// and an outbound send queue.
type Client struct {
	opts      ClientOptions
	outbound  chan any
	onConnect ConnectHook
	onMessage MessageHandler
	logger    *slog.Logger

	// retry holds a message whose write failed; it is resent at the head
	// of the next session before the queue is drained. Sessions run
	// sequentially, so no lock is needed.
	retry any
}

// NewClient creates a client. The outbound channel is owned by the caller
// and shared across sessions.
func NewClient(opts ClientOptions, outbound chan any, onConnect ConnectHook, onMessage MessageHandler, logger *slog.Logger) *Client {
	return &Client{
		opts:      opts,
		outbound:  outbound,
		onConnect: onConnect,
		onMessage: onMessage,
		logger:    logger.With("component", "ws_client"),
	}
}

// Run connects and maintains the connection until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.opts.ReconnectBase

	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = c.opts.ReconnectBase
		}

		delay := backoff
		if delay > c.opts.ReconnectMax {
			delay = c.opts.ReconnectMax
		}
		c.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", delay,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitteredDelay(delay)):
		}

		backoff *= 2
		if backoff > c.opts.ReconnectMax {
			backoff = c.opts.ReconnectMax
		}
	}
}

// jitteredDelay adds random jitter in [0, min(1s, delay/2)] so a fleet of
// clients does not reconnect in lockstep.
func jitteredDelay(delay time.Duration) time.Duration {
	limit := delay / 2
	if limit > maxJitter {
		limit = maxJitter
	}
	if limit <= 0 {
		return delay
	}
	return delay + time.Duration(rand.Int63n(int64(limit)))
}

// session runs one connection lifetime. The bool reports whether the dial
// succeeded (used to reset the backoff).
func (c *Client) session(ctx context.Context) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	c.logger.Info("websocket connected", "url", c.opts.URL)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Closing the conn unblocks the read loop on cancellation or send failure.
	go func() {
		<-sessionCtx.Done()
		conn.Close()
	}()

	readTimeout := c.opts.PingInterval + heartbeatGrace
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	// Replay the subscription set for this session.
	for _, msg := range c.onConnect() {
		select {
		case c.outbound <- msg:
		case <-sessionCtx.Done():
			return true, sessionCtx.Err()
		}
	}

	go c.pingLoop(sessionCtx, conn)
	go func() {
		if err := c.sender(sessionCtx, conn); err != nil {
			c.logger.Debug("send failed, tearing down session", "error", err)
			cancel()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		if !json.Valid(data) {
			c.logger.Debug("ignoring malformed frame", "data", string(data))
			continue
		}
		c.onMessage(data)
	}
}

// sender drains the outbound queue into the socket, serializing each value
// to JSON. A failed write is kept for head-of-line resend next session.
func (c *Client) sender(ctx context.Context, conn *websocket.Conn) error {
	for {
		var msg any
		if c.retry != nil {
			msg = c.retry
			c.retry = nil
		} else {
			select {
			case <-ctx.Done():
				return nil
			case msg = <-c.outbound:
			}
		}

		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			c.retry = msg
			return fmt.Errorf("write: %w", err)
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}
