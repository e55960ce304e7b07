package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/fjbalvino/magenta/internal/pipeline"
)

const (
	clientBuffer      = 64
	backlogSize       = 512
	heartbeatInterval = 15 * time.Second
)

// SSEEvent represents a server-sent event. IDs increase by one per event
// and are what clients send back as Last-Event-ID.
type SSEEvent struct {
	ID   uint64      `json:"id"`
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type subscriber struct {
	ch chan SSEEvent
}

// SSEHub fans events out to connected clients and keeps a backlog of the
// current run so clients that connect mid-run can catch up
type SSEHub struct {
	mu      sync.Mutex
	nextID  uint64
	backlog []SSEEvent
	subs    map[*subscriber]struct{}
	closed  bool
}

// NewSSEHub creates a new SSE hub
func NewSSEHub() *SSEHub {
	return &SSEHub{subs: make(map[*subscriber]struct{})}
}

// Broadcast assigns the next ID to event and delivers it without blocking.
// A client whose buffer is full is disconnected; it can reconnect and
// resume from the backlog.
func (h *SSEHub) Broadcast(event SSEEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	h.nextID++
	event.ID = h.nextID
	h.backlog = append(h.backlog, event)
	if len(h.backlog) > backlogSize {
		h.backlog = append([]SSEEvent(nil), h.backlog[len(h.backlog)-backlogSize:]...)
	}

	for sub := range h.subs {
		select {
		case sub.ch <- event:
		default:
			log.Printf("[api] event client too slow, disconnecting at event %d", event.ID)
			close(sub.ch)
			delete(h.subs, sub)
		}
	}
}

// ResetBacklog forgets buffered events; IDs keep increasing
func (h *SSEHub) ResetBacklog() {
	h.mu.Lock()
	h.backlog = nil
	h.mu.Unlock()
}

// Subscribe registers a client and returns the buffered events newer than
// since. ok is false once the hub is closed.
func (h *SSEHub) Subscribe(since uint64) (sub *subscriber, missed []SSEEvent, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, nil, false
	}
	for _, ev := range h.backlog {
		if ev.ID > since {
			missed = append(missed, ev)
		}
	}
	sub = &subscriber{ch: make(chan SSEEvent, clientBuffer)}
	h.subs[sub] = struct{}{}
	return sub, missed, true
}

// Unsubscribe removes a client. It is safe to call after the hub dropped it.
func (h *SSEHub) Unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

// Close disconnects every client and rejects new ones
func (h *SSEHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		close(sub.ch)
		delete(h.subs, sub)
	}
}

// Clients returns the number of connected clients
func (h *SSEHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// EventResponse is the SSE payload for a pipeline event
type EventResponse struct {
	pipeline.Event
	Status   string   `json:"status,omitempty"`
	ExitCode *int     `json:"exit_code,omitempty"`
	NotRun   []string `json:"not_run,omitempty"`
}

// Observer returns a pipeline observer that streams events to SSE clients.
// The backlog restarts with every run.
func (s *Server) Observer() pipeline.Observer {
	return func(ev pipeline.Event) {
		if ev.Kind == pipeline.EventRunStarted {
			s.sseHub.ResetBacklog()
		}
		resp := EventResponse{Event: ev}
		if ev.Summary != nil {
			code := ev.Summary.ExitCode()
			resp.Status = string(ev.Summary.Status())
			resp.ExitCode = &code
			resp.NotRun = ev.Summary.NotRun
		}
		s.Broadcast(SSEEvent{Type: string(ev.Kind), Data: resp})
	}
}

// lastEventID reads the resume point from the Last-Event-ID header or the
// since query parameter
func lastEventID(r *http.Request) uint64 {
	v := r.Header.Get("Last-Event-ID")
	if v == "" {
		v = r.URL.Query().Get("since")
	}
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func writeEvent(w http.ResponseWriter, event SSEEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data)
	return err
}

func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming not supported", http.StatusInternalServerError)
			return
		}

		sub, missed, ok := s.sseHub.Subscribe(lastEventID(r))
		if !ok {
			writeError(w, http.StatusServiceUnavailable, "server shutting down")
			return
		}
		defer s.sseHub.Unsubscribe(sub)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.WriteHeader(http.StatusOK)

		for _, ev := range missed {
			if err := writeEvent(w, ev); err != nil {
				return
			}
		}
		flusher.Flush()

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case ev, open := <-sub.ch:
				if !open {
					return
				}
				if err := writeEvent(w, ev); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}
