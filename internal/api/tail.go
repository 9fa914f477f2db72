package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"evaldb/pkg/generation"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// follow replays the journal for db through send, then streams live
// transactions until ctx ends or send fails. Subscribing before the replay
// means a transaction appended in between may be sent twice; clients merge
// idempotently.
func (s *Server) follow(ctx context.Context, db string, send func(generation.Transac) error, keepalive func() error) error {
	ch := s.bus.Subscribe(db)
	defer s.bus.Unsubscribe(db, ch)
	tailSubscribers.Inc()
	defer tailSubscribers.Dec()

	past, err := s.bus.All(ctx, db)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	for _, tx := range past {
		if err := send(tx); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case tx, ok := <-ch:
			if !ok {
				return nil
			}
			if err := send(tx); err != nil {
				return err
			}
		case <-ticker.C:
			if err := keepalive(); err != nil {
				return err
			}
		}
	}
}

func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, 500, "streaming not supported")
		return
	}
	d, ok := s.lookup(w, r, 404)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	flusher.Flush()

	s.log.Info("tailing", "db", d.Name, "feed", "sse")
	send := func(tx generation.Transac) error {
		data, err := json.Marshal(tx)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: transac\ndata: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	keepalive := func() error {
		if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	if err := s.follow(r.Context(), d.Name, send, keepalive); err != nil {
		s.log.Info("tail ended", "db", d.Name, "error", err)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookup(w, r, 404)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("failed to upgrade the websocket", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// the feed is one-way; reading only notices the client leaving
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	s.log.Info("tailing", "db", d.Name, "feed", "ws")
	send := func(tx generation.Transac) error {
		return conn.WriteJSON(tx)
	}
	keepalive := func() error {
		return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
	}
	if err := s.follow(ctx, d.Name, send, keepalive); err != nil {
		s.log.Info("tail ended", "db", d.Name, "error", err)
	}
}
