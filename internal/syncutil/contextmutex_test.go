package syncutil

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"
)

func TestLockContext_SerializesSameOrder(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()

	// Mimic a check-then-act on one order's state.
	state := "ACTIVE"
	var wins int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(ctx, "42")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			if state == "ACTIVE" {
				time.Sleep(time.Microsecond)
				state = "RELEASED"
				wins++
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one transition, got %d", wins)
	}
}

func TestLockContext_DeadlineWhileWaiting(t *testing.T) {
	m := NewContextShardedMutex()

	unlock, err := m.LockContext(context.Background(), "7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := m.LockContext(ctx, "7"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestLockContext_UnlockHandsOver(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()

	unlock, err := m.LockContext(ctx, "relay")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		u, err := m.LockContext(ctx, "relay")
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second goroutine acquired lock before first released")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second goroutine did not acquire lock after first released")
	}
}

func TestLockContext_OtherShardsFree(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()

	unlock, err := m.LockContext(ctx, "1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlock()

	held := shardIndex("1")
	for i := 2; i < 1000; i++ {
		key := strconv.Itoa(i)
		if shardIndex(key) == held {
			continue
		}
		tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		u, err := m.LockContext(tctx, key)
		cancel()
		if err != nil {
			t.Fatalf("key %s on a free shard blocked: %v", key, err)
		}
		u()
		return
	}
	t.Fatal("no key on a different shard found")
}
