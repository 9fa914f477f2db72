package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"evaldb/pkg/generation"
)

// EventName is the server-sent event type carrying a transaction.
const EventName = "transac"

// Tail follows the database's feed over server-sent events, delivering
// every transaction to out until ctx is done. The gateway replays the whole
// log on each connect, so reconnecting redelivers records; the core merge
// absorbs the duplicates.
func (c *Client) Tail(ctx context.Context, out chan<- generation.Transaction) error {
	return c.follow(ctx, "sse", func(ctx context.Context, delivered *bool) error {
		return c.tailOnce(ctx, out, delivered)
	})
}

func (c *Client) tailOnce(ctx context.Context, out chan<- generation.Transaction, delivered *bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/tail/"+url.PathEscape(c.db), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// the feed is unbounded; only the dial is covered by a timeout
	client := &http.Client{Transport: c.http.Transport}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("tail: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tail: %s", resp.Status)
	}
	c.log.Info("feed connected", "feed", "sse")

	return readEvents(resp.Body, func(event, data string) bool {
		if event != EventName && event != "" {
			return true
		}
		var tx generation.Transac
		if err := json.Unmarshal([]byte(data), &tx); err != nil {
			c.log.Warn("undecodable feed record", "error", err)
			return true
		}
		*delivered = true
		return c.deliver(ctx, tx, out)
	})
}

// readEvents parses a text/event-stream body, calling fn for each
// dispatched event until fn returns false or the stream ends.
func readEvents(r io.Reader, fn func(event, data string) bool) error {
	scan := bufio.NewScanner(r)
	scan.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var event string
	var data []string
	for scan.Scan() {
		line := scan.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				if !fn(event, strings.Join(data, "\n")) {
					return nil
				}
			}
			event, data = "", nil
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scan.Err(); err != nil {
		return err
	}
	return fmt.Errorf("feed closed")
}
