package queue

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitUntilQ(timeout, step time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(step)
	}
	return false
}

func openGate() bool   { return true }
func closedGate() bool { return false }

func TestQueueFIFOOrdering(t *testing.T) {
	q := New(Options{Name: "aide", Gate: openGate, Pause: time.Millisecond})

	var mu sync.Mutex
	var order []int
	var replies []<-chan error
	for i := 0; i < 10; i++ {
		i := i
		replies = append(replies, q.Submit(func() error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}))
	}
	for i, r := range replies {
		select {
		case err := <-r:
			if err != nil {
				t.Fatalf("task %d: %v", i, err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("task %d never resolved", i)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("execution order = %v, want strict submission order", order)
		}
	}
}

func TestQueueRejectsWhenGateClosed(t *testing.T) {
	q := New(Options{Name: "aide", Gate: closedGate})

	var ran atomic.Bool
	reply := q.Submit(func() error {
		ran.Store(true)
		return nil
	})
	select {
	case err := <-reply:
		if !errors.Is(err, ErrServerNotReady) {
			t.Fatalf("reply = %v, want ErrServerNotReady", err)
		}
	case <-time.After(time.Second):
		t.Fatal("rejection must resolve immediately")
	}
	time.Sleep(50 * time.Millisecond)
	if ran.Load() {
		t.Fatal("rejected task must never run")
	}
	if q.Depth() != 0 {
		t.Fatalf("rejected task was enqueued, depth = %d", q.Depth())
	}
}

func TestQueueSingleTaskAtATime(t *testing.T) {
	q := New(Options{Name: "aide", Gate: openGate, Pause: time.Millisecond})

	var current atomic.Int32
	var replies []<-chan error
	for i := 0; i < 20; i++ {
		replies = append(replies, q.Submit(func() error {
			if current.Add(1) != 1 {
				t.Error("two tasks ran concurrently")
			}
			time.Sleep(2 * time.Millisecond)
			current.Add(-1)
			return nil
		}))
	}
	for _, r := range replies {
		select {
		case <-r:
		case <-time.After(5 * time.Second):
			t.Fatal("task never resolved")
		}
	}
}

func TestQueueFailureResolvesOnlyItsOwnReply(t *testing.T) {
	q := New(Options{Name: "aide", Gate: openGate, Pause: time.Millisecond})

	boom := errors.New("backend rejected intent")
	r1 := q.Submit(func() error { return nil })
	r2 := q.Submit(func() error { return boom })
	r3 := q.Submit(func() error { return nil })

	if err := <-r1; err != nil {
		t.Fatalf("task 1: %v", err)
	}
	if err := <-r2; !errors.Is(err, boom) {
		t.Fatalf("task 2 = %v, want its own failure", err)
	}
	if err := <-r3; err != nil {
		t.Fatalf("task 3 must be unaffected by task 2 failure: %v", err)
	}
}

func TestQueuePanicRecovered(t *testing.T) {
	q := New(Options{Name: "aide", Gate: openGate, Pause: time.Millisecond})

	r1 := q.Submit(func() error { panic("boom") })
	err := <-r1
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("panicking task reply = %v, want panic error", err)
	}
	// The drainer must survive and keep serving.
	r2 := q.Submit(func() error { return nil })
	select {
	case err := <-r2:
		if err != nil {
			t.Fatalf("task after panic: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("drainer died after panic")
	}
}

func TestQueueFlushRejectsQueuedEntries(t *testing.T) {
	q := New(Options{Name: "aide", Gate: openGate, Pause: time.Millisecond})

	block := make(chan struct{})
	first := q.Submit(func() error {
		<-block
		return nil
	})
	// Wait until the drainer has picked up the first task.
	if !waitUntilQ(2*time.Second, time.Millisecond, func() bool { return q.Depth() == 0 }) {
		t.Fatal("drainer never picked up the first task")
	}

	var queued []<-chan error
	for i := 0; i < 3; i++ {
		queued = append(queued, q.Submit(func() error { return nil }))
	}
	if q.Depth() != 3 {
		t.Fatalf("depth = %d, want 3", q.Depth())
	}

	q.Flush()
	for i, r := range queued {
		select {
		case err := <-r:
			if !errors.Is(err, ErrServerNotReady) {
				t.Fatalf("queued entry %d = %v, want ErrServerNotReady", i, err)
			}
		case <-time.After(time.Second):
			t.Fatalf("queued entry %d not rejected by Flush", i)
		}
	}
	if q.Depth() != 0 {
		t.Fatalf("depth after Flush = %d", q.Depth())
	}

	// The in-flight task is not interrupted and resolves its own reply.
	close(block)
	select {
	case err := <-first:
		if err != nil {
			t.Fatalf("in-flight task: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight task never resolved")
	}
}

func TestQueueDrainerRestartsAfterIdle(t *testing.T) {
	q := New(Options{Name: "aide", Gate: openGate, Pause: time.Millisecond})

	if err := <-q.Submit(func() error { return nil }); err != nil {
		t.Fatalf("first task: %v", err)
	}
	// Queue is idle now; a later submit must start a fresh drainer.
	time.Sleep(20 * time.Millisecond)
	select {
	case err := <-q.Submit(func() error { return nil }):
		if err != nil {
			t.Fatalf("second task: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("drainer did not restart after idle")
	}
}
