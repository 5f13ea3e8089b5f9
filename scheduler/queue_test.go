package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	for _, id := range []string{"a", "b", "c"} {
		if err := q.Push(id); err != nil {
			t.Fatalf("Push(%s): %v", id, err)
		}
	}
	if got := q.Len(); got != 3 {
		t.Fatalf("Len = %d, want 3", got)
	}

	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if got != want {
			t.Errorf("Pop = %q, want %q", got, want)
		}
	}
	if got := q.Len(); got != 0 {
		t.Errorf("Len after drain = %d, want 0", got)
	}
}

func TestQueuePopHonoursContext(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Pop(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Pop on empty queue = %v, want deadline exceeded", err)
	}
}

func TestQueueCloseWakesWaiters(t *testing.T) {
	q := NewQueue()
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := q.Pop(context.Background())
			errs <- err
		}()
	}

	time.Sleep(10 * time.Millisecond)
	q.Close()

	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrQueueClosed) {
				t.Errorf("Pop after Close = %v, want ErrQueueClosed", err)
			}
		case <-time.After(time.Second):
			t.Fatal("blocked Pop was not woken by Close")
		}
	}

	if err := q.Push("late"); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Push after Close = %v, want ErrQueueClosed", err)
	}
}

func TestQueueWakesEveryWaiter(t *testing.T) {
	q := NewQueue()
	got := make(chan string, 4)
	for i := 0; i < 4; i++ {
		go func() {
			id, err := q.Pop(context.Background())
			if err == nil {
				got <- id
			}
		}()
	}
	time.Sleep(10 * time.Millisecond)

	for _, id := range []string{"1", "2", "3", "4"} {
		_ = q.Push(id)
	}

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		select {
		case id := <-got:
			seen[id] = true
		case <-time.After(time.Second):
			t.Fatalf("only %d of 4 waiters received an id", i)
		}
	}
	if len(seen) != 4 {
		t.Errorf("ids delivered = %v, want 4 distinct", seen)
	}
}
