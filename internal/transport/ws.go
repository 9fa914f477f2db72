package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"evaldb/pkg/generation"
)

// TailWS follows the database's feed over a WebSocket. It behaves like Tail.
func (c *Client) TailWS(ctx context.Context, out chan<- generation.Transaction) error {
	return c.follow(ctx, "ws", func(ctx context.Context, delivered *bool) error {
		return c.tailWSOnce(ctx, out, delivered)
	})
}

func (c *Client) wsURL() string {
	u := c.base + "/ws/" + url.PathEscape(c.db)
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

func (c *Client) tailWSOnce(ctx context.Context, out chan<- generation.Transaction, delivered *bool) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL(), nil)
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}
	defer conn.Close()
	c.log.Info("feed connected", "feed", "ws")

	// unblock ReadJSON when ctx ends
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		var tx generation.Transac
		if err := conn.ReadJSON(&tx); err != nil {
			return fmt.Errorf("read feed: %w", err)
		}
		*delivered = true
		if !c.deliver(ctx, tx, out) {
			return ctx.Err()
		}
	}
}
