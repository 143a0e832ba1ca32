// Package push fans out state-changed signals to per-board subscribers over
// long-lived server-to-client streams. Delivery is at-most-once and
// best-effort: a board with no subscribers loses the event, and a newly
// connected subscriber is expected to have received a full snapshot first.
package push

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Stream is one open push channel. Deliver must not block; implementations
// report a slow or closed consumer as an error so the hub can drop them.
// Close must be idempotent.
type Stream interface {
	Deliver(frame []byte) error
	Close()
}

// Event is the wire envelope: the payload plus an ISO-8601 timestamp.
type Event struct {
	Payload   any    `json:"payload"`
	Timestamp string `json:"timestamp"`
}

type Stats struct {
	Subscribers int `json:"subscribers"`
	Boards      int `json:"boards"`
}

type Hub struct {
	log *logrus.Entry

	mu   sync.Mutex
	subs map[string]map[Stream]struct{}
}

func NewHub() *Hub {
	return &Hub{
		log:  logrus.WithField("component", "push"),
		subs: make(map[string]map[Stream]struct{}),
	}
}

// Add registers the stream under boardID. The cleanup hook is attached here,
// at registration time: when ctx ends (client disconnect), the stream is
// removed and closed without any polling.
func (h *Hub) Add(ctx context.Context, boardID string, stream Stream) {
	h.mu.Lock()
	board, ok := h.subs[boardID]
	if !ok {
		board = make(map[Stream]struct{})
		h.subs[boardID] = board
	}
	board[stream] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.Remove(boardID, stream)
	}()
}

func (h *Hub) Remove(boardID string, stream Stream) {
	h.mu.Lock()
	if board, ok := h.subs[boardID]; ok {
		delete(board, stream)
		if len(board) == 0 {
			delete(h.subs, boardID)
		}
	}
	h.mu.Unlock()
	stream.Close()
}

// Broadcast serializes payload with a timestamp and writes it to every
// stream registered under boardID. A failing stream is dropped; the rest
// still receive the event. Returns immediately even with no subscribers.
func (h *Hub) Broadcast(boardID string, payload any) {
	frame, err := marshalFrame(payload)
	if err != nil {
		h.log.WithError(err).WithField("board", boardID).Error("encode push event")
		return
	}
	h.deliver(boardID, h.streamsFor(boardID), frame)
}

// Keepalive writes a no-op frame to every registered stream across all
// boards so dead connections surface promptly. Driven by an external timer.
func (h *Hub) Keepalive() {
	h.mu.Lock()
	targets := make(map[string][]Stream, len(h.subs))
	for boardID, board := range h.subs {
		for stream := range board {
			targets[boardID] = append(targets[boardID], stream)
		}
	}
	h.mu.Unlock()

	frame := []byte(": keepalive\n\n")
	for boardID, streams := range targets {
		h.deliver(boardID, streams, frame)
	}
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := Stats{Boards: len(h.subs)}
	for _, board := range h.subs {
		st.Subscribers += len(board)
	}
	return st
}

func (h *Hub) SubscriberCount(boardID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[boardID])
}

func (h *Hub) streamsFor(boardID string) []Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	board := h.subs[boardID]
	streams := make([]Stream, 0, len(board))
	for stream := range board {
		streams = append(streams, stream)
	}
	return streams
}

func (h *Hub) deliver(boardID string, streams []Stream, frame []byte) {
	for _, stream := range streams {
		if err := stream.Deliver(frame); err != nil {
			h.log.WithError(err).WithField("board", boardID).Debug("dropping push subscriber")
			h.Remove(boardID, stream)
		}
	}
}

func marshalFrame(payload any) ([]byte, error) {
	body, err := json.Marshal(Event{
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(body)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, body...)
	frame = append(frame, "\n\n"...)
	return frame, nil
}
