package workpool

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	const size = 3
	p := New("test", size)
	defer p.Stop()

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	release := make(chan struct{})

	for range 20 {
		wg.Add(1)
		if err := p.Submit(func() {
			defer wg.Done()
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			<-release
			running.Add(-1)
		}); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := peak.Load(); got > size {
		t.Fatalf("peak concurrency = %d, want <= %d", got, size)
	}
}

func TestPoolSubmitDoesNotBlockWhenSaturated(t *testing.T) {
	p := New("test", 1)
	release := make(chan struct{})

	if err := p.Submit(func() { <-release }); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		_ = p.Submit(func() {})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit() blocked on a saturated pool")
	}

	close(release)
	p.Stop()
}

func TestPoolStop(t *testing.T) {
	p := New("test", 2)

	var ran atomic.Int32
	for range 5 {
		if err := p.Submit(func() { ran.Add(1) }); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	p.Stop()

	if got := ran.Load(); got != 5 {
		t.Fatalf("tasks run = %d, want 5 (Stop must drain queued tasks)", got)
	}
	if err := p.Submit(func() {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit() after Stop error = %v, want ErrStopped", err)
	}
}

func TestPoolRecoversPanics(t *testing.T) {
	p := New("test", 1)

	if err := p.Submit(func() { panic("boom") }); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	var ran atomic.Bool
	if err := p.Submit(func() { ran.Store(true) }); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	p.Stop()

	if !ran.Load() {
		t.Fatal("task after a panicking task did not run")
	}
}
