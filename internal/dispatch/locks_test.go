package dispatch

import (
	"sync"
	"testing"
)

func TestTripLockEntriesAreReclaimed(t *testing.T) {
	e := &Engine{tripLocks: make(map[string]*tripLock)}

	unlock := e.lockTrip("t1")
	unlock()
	e.mu.Lock()
	n := len(e.tripLocks)
	e.mu.Unlock()
	if n != 0 {
		t.Fatalf("lock entries after release = %d, want 0", n)
	}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u := e.lockTrip("contended")
			u()
		}()
	}
	wg.Wait()
	e.mu.Lock()
	n = len(e.tripLocks)
	e.mu.Unlock()
	if n != 0 {
		t.Fatalf("lock entries after contention = %d, want 0", n)
	}
}
