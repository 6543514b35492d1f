package executor

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLockTableBoundedWait(t *testing.T) {
	lt := newLockTable()

	release, err := lt.acquire(context.Background(), "s1", false, time.Second)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	start := time.Now()
	_, err = lt.acquire(context.Background(), "s1", false, 50*time.Millisecond)
	if !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("queued acquire err = %v, want ErrSessionBusy", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond || elapsed > 500*time.Millisecond {
		t.Errorf("wait bound not honored: %v", elapsed)
	}

	release()

	release2, err := lt.acquire(context.Background(), "s1", false, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release2()
}

func TestLockTableContextCancel(t *testing.T) {
	lt := newLockTable()

	release, err := lt.acquire(context.Background(), "s1", false, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = lt.acquire(ctx, "s1", false, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestLockTableEntriesReclaimed(t *testing.T) {
	lt := newLockTable()

	release, err := lt.acquire(context.Background(), "s1", true, 0)
	if err != nil {
		t.Fatal(err)
	}
	release()

	lt.mu.Lock()
	n := len(lt.locks)
	lt.mu.Unlock()
	if n != 0 {
		t.Errorf("lock table holds %d idle entries, want 0", n)
	}
}
