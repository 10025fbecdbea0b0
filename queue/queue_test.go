package queue

import (
	"testing"
	"time"
)

func receive(t *testing.T, ch <-chan int) int {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a value")
		return 0
	}
}

func TestPushNeverBlocksAndKeepsOrder(t *testing.T) {
	out := make(chan int)
	q := New[int](out, 0, nil)
	defer q.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			q.Push(i)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Push blocked with no reader")
	}

	for i := 0; i < 1000; i++ {
		if got := receive(t, out); got != i {
			t.Fatalf("expected %d, got %d", i, got)
		}
	}
}

func TestOnlyDroppableValuesAreDiscarded(t *testing.T) {
	out := make(chan int)
	odd := func(v int) bool { return v%2 == 1 }
	q := New[int](out, 4, odd)
	defer q.Close()

	for i := 0; i < 20; i++ {
		q.Push(i)
	}
	// The pump may already hold the first value, so at least 4 odd values
	// beyond the limit are gone and every even value is kept.
	if q.Dropped() < 4 {
		t.Fatalf("expected droppable values to be discarded, dropped %d", q.Dropped())
	}

	var evens []int
	deadline := time.After(2 * time.Second)
	for len(evens) < 10 {
		select {
		case v := <-out:
			if v%2 == 0 {
				evens = append(evens, v)
			}
		case <-deadline:
			t.Fatalf("missing even values, got %v", evens)
		}
	}
	for i, v := range evens {
		if v != 2*i {
			t.Fatalf("even values out of order: %v", evens)
		}
	}
}

func TestCloseRejectsPushesAndDoesNotBlock(t *testing.T) {
	out := make(chan int, 2)
	q := New[int](out, 0, nil)
	for i := 0; i < 5; i++ {
		q.Push(i)
	}

	closed := make(chan struct{})
	go func() {
		q.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close blocked on a full output channel")
	}
	q.Close()

	if q.Push(9) {
		t.Fatalf("expected Push after Close to be rejected")
	}
	if len(out) != 2 {
		t.Fatalf("expected the output buffer to be filled, got %d", len(out))
	}
}
