package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/sekia-ai/calhub/pkg/protocol"
)

const maxSSEClients = 32

// ErrTooManyClients is returned by Subscribe when the SSE client limit is reached.
var ErrTooManyClients = errors.New("too many event stream clients")

// EventBus fans NATS events out to SSE clients.
type EventBus struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
}

// NewEventBus creates an empty event bus.
func NewEventBus() *EventBus {
	return &EventBus{clients: make(map[chan []byte]struct{})}
}

// Publish fans an event out to all SSE clients.
func (eb *EventBus) Publish(data []byte) {
	data = append([]byte(nil), data...)
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for ch := range eb.clients {
		select {
		case ch <- data:
		default:
			// Drop event for slow clients.
		}
	}
}

// Subscribe returns a channel that receives events and an unsubscribe function.
func (eb *EventBus) Subscribe() (chan []byte, func(), error) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if len(eb.clients) >= maxSSEClients {
		return nil, nil, ErrTooManyClients
	}
	ch := make(chan []byte, 64)
	eb.clients[ch] = struct{}{}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			eb.mu.Lock()
			delete(eb.clients, ch)
			eb.mu.Unlock()
		})
	}, nil
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch, unsub, err := s.eventBus.Subscribe()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case data := <-ch:
			html := s.renderEventRow(data)
			if html == "" {
				continue
			}
			fmt.Fprintf(w, "event: event\ndata: %s\n\n", strings.ReplaceAll(html, "\n", ""))
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) renderEventRow(data []byte) string {
	var evt protocol.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return ""
	}
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, "event_row", s.eventData(evt)); err != nil {
		s.logger.Warn().Err(err).Msg("render event row")
		return ""
	}
	return buf.String()
}
