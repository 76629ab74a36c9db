package eventloop

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTimerFires(t *testing.T) {
	loop := New()
	go loop.Run()
	defer loop.Stop()

	done := make(chan struct{})
	loop.NewTimer(5*time.Millisecond, func() {
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestTimerCancelIdempotent(t *testing.T) {
	loop := New()
	go loop.Run()
	defer loop.Stop()

	var fired int32
	tm := loop.NewTimer(20*time.Millisecond, func() {
		atomic.AddInt32(&fired, 1)
	})
	tm.Cancel()
	tm.Cancel() // must not panic
	tm.Remove() // must not panic

	time.Sleep(40 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatal("cancelled timer fired")
	}
}

func TestTimerRestart(t *testing.T) {
	loop := New()
	go loop.Run()
	defer loop.Stop()

	var mu sync.Mutex
	var fireCount int
	var firstFire time.Time

	tm := loop.NewTimer(200*time.Millisecond, func() {
		mu.Lock()
		fireCount++
		firstFire = time.Now()
		mu.Unlock()
	})

	time.Sleep(10 * time.Millisecond)
	start := time.Now()
	tm.Restart(10 * time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if fireCount != 1 {
		t.Fatalf("expected exactly one fire after restart, got %d", fireCount)
	}
	if firstFire.Sub(start) > 50*time.Millisecond {
		t.Fatalf("timer fired too late after restart: %v", firstFire.Sub(start))
	}
}

func TestPostRunsOnLoopGoroutine(t *testing.T) {
	loop := New()
	go loop.Run()
	defer loop.Stop()

	results := make(chan int, 100)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			loop.Post(func() { results <- n })
		}(i)
	}
	wg.Wait()

	seen := map[int]bool{}
	for i := 0; i < 100; i++ {
		select {
		case n := <-results:
			seen[n] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for posted callbacks")
		}
	}
	if len(seen) != 100 {
		t.Fatalf("expected 100 distinct callbacks, got %d", len(seen))
	}
}

func TestOnLoopGoroutine(t *testing.T) {
	loop := New()
	go loop.Run()
	defer loop.Stop()

	if loop.OnLoopGoroutine() {
		t.Fatal("calling goroutine should not be mistaken for the loop's")
	}

	result := make(chan bool, 1)
	loop.Post(func() { result <- loop.OnLoopGoroutine() })

	select {
	case onLoop := <-result:
		if !onLoop {
			t.Fatal("Post callback should observe OnLoopGoroutine() == true")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for posted callback")
	}
}

type fakeWatchable struct {
	ch chan Mask
}

func (f *fakeWatchable) Ready(mask Mask, stop <-chan struct{}) bool {
	select {
	case m := <-f.ch:
		return m&mask != 0
	case <-stop:
		return false
	}
}

func TestWatchFiresOnReady(t *testing.T) {
	loop := New()
	go loop.Run()
	defer loop.Stop()

	src := &fakeWatchable{ch: make(chan Mask, 1)}
	fired := make(chan Mask, 1)
	w := loop.NewWatch(src, MaskRead, func(m Mask) { fired <- m })
	defer w.Remove()

	src.ch <- MaskRead
	select {
	case m := <-fired:
		if m != MaskRead {
			t.Fatalf("expected MaskRead, got %v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("watch did not fire")
	}
}

func TestWatchRemoveIdempotent(t *testing.T) {
	loop := New()
	go loop.Run()
	defer loop.Stop()

	src := &fakeWatchable{ch: make(chan Mask, 1)}
	w := loop.NewWatch(src, MaskRead, func(Mask) {})
	w.Remove()
	w.Remove() // must not panic
}
