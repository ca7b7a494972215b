package testing

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoroutineTest(t *testing.T) {
	gt := NewGoroutineTest(t)

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		gt.Go(func() error {
			ran.Add(1)
			return nil
		})
	}
	gt.Wait()

	if ran.Load() != 5 {
		t.Fatalf("ran %d goroutines, want 5", ran.Load())
	}
}

func TestGoroutineTestWithContext(t *testing.T) {
	gt := NewGoroutineTestWithTimeout(t, 5*time.Second)
	defer gt.Wait()

	gt.GoWithContext(func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
			return nil
		}
	})
}

func TestWithTimeout(t *testing.T) {
	if err := WithTimeout(time.Second, func() error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	block := make(chan struct{})
	defer close(block)
	err := WithTimeout(10*time.Millisecond, func() error {
		<-block
		return nil
	})
	if err == nil {
		t.Fatal("expected timeout")
	}
}

func TestEventually(t *testing.T) {
	var ready atomic.Bool
	go func() {
		time.Sleep(30 * time.Millisecond)
		ready.Store(true)
	}()

	if err := Eventually(time.Second, 5*time.Millisecond, ready.Load); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Eventually(20*time.Millisecond, 5*time.Millisecond, func() bool { return false }); err == nil {
		t.Fatal("expected condition to time out")
	}
}
