package stream

import (
	"context"
	"testing"
	"time"
)

func TestPublishFanOut(t *testing.T) {
	s := New(4)
	ctx, cancel := context.WithCancel(context.Background())
	a := s.Subscribe(ctx)
	b := s.Subscribe(ctx)

	s.Publish(GateEvent{Type: TypeVerification, AccountID: "acc_1", Outcome: "granted"})
	for _, ch := range []<-chan GateEvent{a, b} {
		select {
		case evt := <-ch:
			if evt.AccountID != "acc_1" || evt.Timestamp.IsZero() {
				t.Fatalf("unexpected event %+v", evt)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for s.Subscribers() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Subscribers() != 0 {
		t.Fatal("subscribers not removed after cancel")
	}
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	s := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := s.Subscribe(ctx)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			s.Publish(GateEvent{Type: TypeVerification})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if len(ch) != 1 {
		t.Fatalf("expected one buffered event, got %d", len(ch))
	}
}
