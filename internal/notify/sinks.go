package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"schoolgate.org/internal/stream"
)

// LogSink writes each event as a structured log entry.
type LogSink struct {
	Log *zap.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Deliver(_ context.Context, ev Event) error {
	l := s.Log
	if l == nil {
		l = zap.NewNop()
	}
	l.Info("notification",
		zap.String("event_id", ev.ID),
		zap.String("kind", string(ev.Kind)),
		zap.String("account_id", ev.AccountID),
		zap.Any("payload", ev.Payload),
		zap.Time("at", ev.At))
	return nil
}

// WebhookSink POSTs each event as JSON to the notification collaborator.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSink{URL: url, Client: &http.Client{Timeout: timeout}}
}

func (*WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Deliver(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", ev.ID)
	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

// StreamSink mirrors lifecycle events onto the gate live stream.
type StreamSink struct {
	Stream *stream.Stream
}

func (StreamSink) Name() string { return "stream" }

func (s StreamSink) Deliver(_ context.Context, ev Event) error {
	if s.Stream == nil {
		return nil
	}
	s.Stream.Publish(stream.GateEvent{
		Type:      string(ev.Kind),
		AccountID: ev.AccountID,
		Detail:    ev.Payload,
		Timestamp: ev.At,
	})
	return nil
}

// Recorder keeps every event it receives. It is both a Notifier and a Sink.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	signal chan struct{}
}

func NewRecorder() *Recorder {
	return &Recorder{signal: make(chan struct{}, 1)}
}

func (*Recorder) Name() string { return "recorder" }

func (r *Recorder) Deliver(_ context.Context, ev Event) error {
	r.Notify(context.Background(), ev)
	return nil
}

func (r *Recorder) Notify(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns the number of recorded events of kind.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// WaitFor blocks until at least n events are recorded or timeout elapses.
func (r *Recorder) WaitFor(n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		r.mu.Lock()
		got := len(r.events)
		r.mu.Unlock()
		if got >= n {
			return true
		}
		select {
		case <-r.signal:
		case <-deadline.C:
			return false
		}
	}
}
