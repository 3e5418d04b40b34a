package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const (
	wsWriteTimeout     = 10 * time.Second
	wsSubscriberBuffer = 64
)

// EventHub fans persisted events out to live websocket subscribers. Slow
// subscribers are dropped rather than allowed to stall the hub.
type EventHub struct {
	mu     sync.Mutex
	subs   map[chan StoredEvent]struct{}
	logger *slog.Logger
}

func NewEventHub(logger *slog.Logger) *EventHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHub{
		subs:   make(map[chan StoredEvent]struct{}),
		logger: logger,
	}
}

// Broadcast delivers the event to every live subscriber without blocking.
func (h *EventHub) Broadcast(evt StoredEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
			delete(h.subs, ch)
			close(ch)
			h.logger.Warn("dropping slow event subscriber")
		}
	}
}

func (h *EventHub) subscribe() chan StoredEvent {
	ch := make(chan StoredEvent, wsSubscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *EventHub) unsubscribe(ch chan StoredEvent) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// handleEventsWS streams the event feed over a websocket. A numeric cursor
// query parameter replays persisted events with a greater sequence before
// switching to live delivery.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	cursor := int64(0)
	if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		cursor = parsed
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	if err := s.streamEvents(r.Context(), conn, cursor); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, cursor int64) error {
	ch := s.hub.subscribe()
	defer s.hub.unsubscribe(ch)

	backlog, err := s.store.EventsSince(ctx, cursor, 500)
	if err != nil {
		return err
	}
	last := cursor
	for _, evt := range backlog {
		if err := writeEvent(ctx, conn, evt); err != nil {
			return err
		}
		last = evt.Sequence
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			// Skip anything already replayed from the backlog.
			if evt.Sequence <= last {
				continue
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				return err
			}
			last = evt.Sequence
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt StoredEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
