// Package transport connects a session to a gateway: submits go out as
// HTTP requests and the database's transactions come back on a
// subscription feed (server-sent events or a WebSocket).
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"evaldb/pkg/generation"
)

// ErrInvalidRecord marks a transaction whose shape the core cannot merge.
var ErrInvalidRecord = errors.New("invalid transaction record")

// Client talks to one database on a gateway.
type Client struct {
	base string
	db   string
	http *http.Client
	log  *slog.Logger

	// MaxBackoff caps the wait between feed reconnects.
	MaxBackoff time.Duration
}

// New creates a client for database db on the gateway at base.
func New(base, db string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		base:       strings.TrimRight(base, "/"),
		db:         db,
		http:       &http.Client{Timeout: 30 * time.Second},
		log:        log.With("component", "transport", "db", db),
		MaxBackoff: 30 * time.Second,
	}
}

// Validate checks a record's shape before it is handed to the core.
func Validate(tx generation.Transac) error {
	switch {
	case tx.Result.Gen <= 0:
		return fmt.Errorf("%w: gen %d", ErrInvalidRecord, tx.Result.Gen)
	case tx.Result.Parent < 0:
		return fmt.Errorf("%w: parent %d", ErrInvalidRecord, tx.Result.Parent)
	case tx.Result.Parent == tx.Result.Gen:
		return fmt.Errorf("%w: gen %d is its own parent", ErrInvalidRecord, tx.Result.Gen)
	}
	return nil
}

// Eval submits req and pairs the reply with the query that was sent.
func (c *Client) Eval(ctx context.Context, req generation.Request) (generation.Transaction, error) {
	if req.Args == nil {
		req.Args = map[string]json.RawMessage{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return generation.Transaction{}, fmt.Errorf("marshal request: %w", err)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/eval/"+url.PathEscape(c.db), bytes.NewReader(body))
	if err != nil {
		return generation.Transaction{}, err
	}
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(hreq)
	if err != nil {
		return generation.Transaction{}, fmt.Errorf("eval: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return generation.Transaction{}, fmt.Errorf("read eval response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return generation.Transaction{}, fmt.Errorf("eval: %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}

	var result generation.Response
	if err := json.Unmarshal(raw, &result); err != nil {
		return generation.Transaction{}, fmt.Errorf("decode eval response: %w", err)
	}
	tx := generation.Transac{Query: req, Result: result}
	if err := Validate(tx); err != nil {
		return generation.Transaction{}, fmt.Errorf("eval: %w (error: %s)", err, string(result.Error))
	}
	return tx.Transaction(), nil
}

// Create asks the gateway for a new database and returns its name.
func Create(ctx context.Context, base, lang string) (string, error) {
	form := url.Values{"lang": {lang}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+"/create", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("create: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("create: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	var out struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode create response: %w", err)
	}
	return out.Name, nil
}

// deliver validates a wire record and forwards it. It returns false once
// ctx is done.
func (c *Client) deliver(ctx context.Context, tx generation.Transac, out chan<- generation.Transaction) bool {
	if err := Validate(tx); err != nil {
		c.log.Warn("skipping feed record", "error", err)
		return true
	}
	select {
	case out <- tx.Transaction():
		return true
	case <-ctx.Done():
		return false
	}
}

// newBackOff is the reconnect policy: exponential from 250ms, capped at
// MaxBackoff, never giving up.
func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min(250*time.Millisecond, c.MaxBackoff)
	b.MaxInterval = c.MaxBackoff
	b.Reset()
	return b
}

// follow runs connect until ctx is done, reconnecting with exponential
// backoff. connect returns after a connection ends; the wait resets once a
// connection has delivered anything.
func (c *Client) follow(ctx context.Context, kind string, connect func(ctx context.Context, delivered *bool) error) error {
	b := c.newBackOff()
	for {
		delivered := false
		err := connect(ctx, &delivered)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if delivered {
			b.Reset()
		}
		wait := b.NextBackOff()
		c.log.Warn("feed disconnected", "feed", kind, "error", err, "retry_in", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
