package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"schoolgate.org/internal/obs"
)

// Sink delivers one event to one destination.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

// Dispatcher queues events and fans them out to sinks on a worker goroutine.
// A full queue drops the event; sink failures are logged and counted.
type Dispatcher struct {
	queue   chan Event
	sinks   []Sink
	log     *zap.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

type DispatcherOption func(*Dispatcher)

func WithDispatchLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithDeliveryTimeout bounds each sink delivery.
func WithDeliveryTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

func NewDispatcher(queueSize int, sinks []Sink, opts ...DispatcherOption) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	d := &Dispatcher{
		queue:   make(chan Event, queueSize),
		sinks:   sinks,
		log:     zap.NewNop(),
		timeout: 10 * time.Second,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	go d.run()
	return d
}

func (d *Dispatcher) Notify(_ context.Context, ev Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(ev, "dispatcher closed")
		return
	}
	select {
	case d.queue <- ev:
	default:
		d.drop(ev, "queue full")
	}
}

func (d *Dispatcher) drop(ev Event, reason string) {
	obs.NotificationsDropped.Inc()
	d.log.Warn("notification dropped",
		zap.String("reason", reason),
		zap.String("kind", string(ev.Kind)),
		zap.String("account_id", ev.AccountID))
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for ev := range d.queue {
		for _, s := range d.sinks {
			d.deliver(s, ev)
		}
	}
}

func (d *Dispatcher) deliver(s Sink, ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			obs.NotificationFailures.WithLabelValues(s.Name()).Inc()
			d.log.Error("notification sink panic", zap.String("sink", s.Name()), zap.Any("panic", r))
		}
	}()
	if err := s.Deliver(ctx, ev); err != nil {
		obs.NotificationFailures.WithLabelValues(s.Name()).Inc()
		d.log.Warn("notification delivery failed",
			zap.String("sink", s.Name()),
			zap.String("kind", string(ev.Kind)),
			zap.String("event_id", ev.ID),
			zap.Error(err))
	}
}

// Close stops accepting events and waits for queued ones to drain or ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
