package lockfree

import (
	"sync"
	"testing"
)

func TestMPMCPushPopOrder(t *testing.T) {
	q := NewMPMC[int](8)
	for i := 0; i < 8; i++ {
		if !q.TryPush(i) {
			t.Fatalf("TryPush(%d) failed, queue should have room", i)
		}
	}
	if q.TryPush(99) {
		t.Fatal("TryPush on full queue succeeded, want false")
	}
	for i := 0; i < 8; i++ {
		v, ok := q.TryPop()
		if !ok {
			t.Fatalf("TryPop() failed at i=%d", i)
		}
		if v != i {
			t.Errorf("TryPop() = %d, want %d", v, i)
		}
	}
	if _, ok := q.TryPop(); ok {
		t.Fatal("TryPop on empty queue succeeded, want false")
	}
}

func TestMPMCConcurrentProducersConsumers(t *testing.T) {
	const n = 10000
	q := NewMPMC[int](1024)

	var wg sync.WaitGroup
	produced := make(chan int, n)
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(start int) {
			defer wg.Done()
			for i := start; i < n; i += 4 {
				for !q.TryPush(i) {
				}
				produced <- i
			}
		}(p)
	}

	received := make([]int, 0, n)
	var mu sync.Mutex
	var cwg sync.WaitGroup
	for c := 0; c < 4; c++ {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for {
				v, ok := q.TryPop()
				if !ok {
					continue
				}
				mu.Lock()
				received = append(received, v)
				mu.Unlock()
				if len(produced) == 0 && len(received) >= n {
					return
				}
				if v == -1 {
					return
				}
			}
		}()
	}

	wg.Wait()
	close(produced)

	deadline := n
	for len(received) < n && deadline > 0 {
		v, ok := q.TryPop()
		if ok {
			received = append(received, v)
		}
		deadline--
	}

	if len(received) != n {
		t.Fatalf("received %d items, want %d", len(received), n)
	}
}

func TestSPSCPushPop(t *testing.T) {
	q := NewSPSC[string](4)
	if !q.Push("a") || !q.Push("b") || !q.Push("c") || !q.Push("d") {
		t.Fatal("expected capacity-4 pushes to succeed")
	}
	if q.Push("e") {
		t.Fatal("Push on full ring succeeded, want false")
	}
	for _, want := range []string{"a", "b", "c", "d"} {
		got, ok := q.Pop()
		if !ok || got != want {
			t.Errorf("Pop() = (%q, %v), want (%q, true)", got, ok, want)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("Pop on empty ring succeeded, want false")
	}
}

func TestSPSCDropsOnOverflow(t *testing.T) {
	q := NewSPSC[int](2)
	q.Push(1)
	q.Push(2)
	if q.Push(3) {
		t.Fatal("Push on full ring should drop (return false)")
	}
}
