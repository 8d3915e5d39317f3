package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func exerciseMutualExclusion(t *testing.T, l Locker) {
	t.Helper()
	var (
		wg      sync.WaitGroup
		inside  int32
		maxSeen int32
		counter int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			unlock, err := l.Lock(ctx, "acc_1:2026-10-14")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxSeen)
				if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
					break
				}
			}
			atomic.AddInt32(&counter, 1)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("expected one holder at a time, saw %d", maxSeen)
	}
	if counter != 16 {
		t.Fatalf("expected 16 critical sections, got %d", counter)
	}
}

func TestKeyedMutualExclusion(t *testing.T) {
	k := NewKeyed()
	exerciseMutualExclusion(t, k)
	if k.Len() != 0 {
		t.Fatalf("expected idle entries removed, got %d", k.Len())
	}
}

func TestKeyedContextTimeout(t *testing.T) {
	k := NewKeyed()
	unlock, err := k.Lock(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := k.Lock(ctx, "a"); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if _, err := k.Lock(context.Background(), "b"); err != nil {
		t.Fatalf("independent key blocked: %v", err)
	}
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisMutualExclusion(t *testing.T) {
	_, client := newRedis(t)
	exerciseMutualExclusion(t, NewRedis(client, WithBackoff(time.Millisecond, 5*time.Millisecond)))
}

func TestRedisReleaseKeepsForeignHold(t *testing.T) {
	mr, client := newRedis(t)
	l := NewRedis(client, WithTTL(time.Second), WithPrefix("t:"))

	unlock, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	// The hold expires and another replica takes the key.
	mr.FastForward(2 * time.Second)
	if err := mr.Set("t:k", "other-replica"); err != nil {
		t.Fatal(err)
	}
	unlock()
	got, err := mr.Get("t:k")
	if err != nil || got != "other-replica" {
		t.Fatalf("foreign hold released: %q %v", got, err)
	}
}

func TestRedisContextTimeout(t *testing.T) {
	_, client := newRedis(t)
	l := NewRedis(client, WithBackoff(time.Millisecond, 2*time.Millisecond))
	unlock, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "k"); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestDialFailsWithoutServer(t *testing.T) {
	if _, err := Dial(context.Background(), "127.0.0.1:1", "", 0); err == nil {
		t.Fatal("expected dial error")
	}
}
