package runqueue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestEnqueue_SerializesWithinGroup(t *testing.T) {
	q := New()

	var inFlight int32
	var maxInFlight int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		q.Enqueue("group-a", func() {
			defer wg.Done()
			n := atomic.AddInt32(&inFlight, 1)
			for {
				m := atomic.LoadInt32(&maxInFlight)
				if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
		})
	}

	wg.Wait()
	if got := atomic.LoadInt32(&maxInFlight); got != 1 {
		t.Fatalf("max in-flight jobs in one group = %d, want 1", got)
	}
}

func TestEnqueue_PreservesFIFOOrder(t *testing.T) {
	q := New()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		q.Enqueue("group-a", func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	wg.Wait()
	for i, got := range order {
		if got != i {
			t.Fatalf("order[%d] = %d, want %d", i, got, i)
		}
	}
}

func TestEnqueue_GroupsRunConcurrently(t *testing.T) {
	q := New()

	release := make(chan struct{})
	started := make(chan string, 2)
	var wg sync.WaitGroup

	for _, key := range []string{"group-a", "group-b"} {
		key := key
		wg.Add(1)
		q.Enqueue(key, func() {
			defer wg.Done()
			started <- key
			<-release
		})
	}

	// Both groups must reach their job without either finishing.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for both groups to start")
		}
	}
	close(release)
	wg.Wait()
}

func TestEnqueue_JobFailureDoesNotHaltQueue(t *testing.T) {
	q := New()

	done := make(chan struct{})
	q.Enqueue("group-a", func() {
		// A job that fails internally still returns; the pump moves on.
	})
	q.Enqueue("group-a", func() {
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second job never ran after first job completed")
	}
}
