package stream

import (
	"context"
	"sync"
	"time"
)

const (
	TypeVerification = "gate.verification"
)

// GateEvent is what the gate dashboard renders: one verification outcome or one lifecycle notice.
type GateEvent struct {
	Type      string            `json:"type"`
	AccountID string            `json:"account_id,omitempty"`
	Name      string            `json:"name,omitempty"`
	Course    string            `json:"course,omitempty"`
	Outcome   string            `json:"outcome,omitempty"`
	Count     int               `json:"verification_count,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Stream fan-outs gate events to all active subscribers (SSE clients).
type Stream struct {
	mu     sync.RWMutex
	subs   map[int]chan GateEvent
	next   int
	buffer int
}

// New initialises an empty stream. buffer is the per-subscriber queue depth.
func New(buffer int) *Stream {
	if buffer <= 0 {
		buffer = 16
	}
	return &Stream{subs: make(map[int]chan GateEvent), buffer: buffer}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan GateEvent {
	ch := make(chan GateEvent, s.buffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt GateEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// slow subscriber
		}
	}
}

// Subscribers reports the number of live subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
