package itemregistry

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// item carries pointer fields on purpose: the runtime batch-allocates
// tiny pointer-free values, and those never become individually
// collectable, see the package comment.
type item struct {
	name string
	buf  []byte
}

func TestSetGetPeekDelete(t *testing.T) {
	r := New[item](nil)
	v := &item{name: "one"}
	r.Set(7, v)

	if got, ok := r.Get(7); !ok || got != v {
		t.Fatalf("Get(7) = %v, %v; want the stored value", got, ok)
	}
	if got, ok := r.Peek(7); !ok || got != v {
		t.Fatalf("Peek(7) = %v, %v; want the stored value", got, ok)
	}
	if _, ok := r.Get(8); ok {
		t.Fatalf("Get(8) found a value that was never stored")
	}

	r.Delete(7)
	if _, ok := r.Get(7); ok {
		t.Fatalf("Get(7) found a value after Delete")
	}
	runtime.KeepAlive(v)
}

func TestSetNilPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("Set(nil) did not panic")
		}
	}()
	New[item](nil).Set(1, nil)
}

func TestDeleteNeverNotifies(t *testing.T) {
	var losses atomic.Int64
	r := New[item](func(id int64) { losses.Add(1) })

	r.Set(1, &item{})
	r.Delete(1)
	waitForGC()
	if n := losses.Load(); n != 0 {
		t.Fatalf("loss callback fired %d times for a deleted id", n)
	}
}

func TestClearNeverNotifies(t *testing.T) {
	var losses atomic.Int64
	r := New[item](func(id int64) { losses.Add(1) })

	r.Set(1, &item{})
	r.Set(2, &item{})
	r.Clear()
	waitForGC()
	if n := losses.Load(); n != 0 {
		t.Fatalf("loss callback fired %d times after Clear", n)
	}
	if r.Len() != 0 {
		t.Fatalf("Len() = %d after Clear", r.Len())
	}
}

func TestLossNotificationOnReclaim(t *testing.T) {
	var mu sync.Mutex
	lost := make(map[int64]int)
	r := New[item](func(id int64) {
		mu.Lock()
		lost[id]++
		mu.Unlock()
	})

	r.Set(42, &item{name: "answer", buf: make([]byte, 64)})

	deadline := time.Now().Add(5 * time.Second)
	for {
		runtime.GC()
		mu.Lock()
		n := lost[42]
		mu.Unlock()
		if n > 0 {
			if n != 1 {
				t.Fatalf("loss callback fired %d times, want exactly once", n)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("loss callback never fired for a reclaimed value")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// A re-registration of the same id must never see a loss notification
// for it: Peek does not trigger one, and Set replaces silently.
func TestReRegisterSameIDNoLoss(t *testing.T) {
	var losses atomic.Int64
	r := New[item](func(id int64) { losses.Add(1) })

	v := &item{name: "one"}
	r.Set(5, v)
	if _, ok := r.Peek(5); !ok {
		t.Fatalf("Peek(5) lost the value while it is strongly held")
	}
	r.Set(5, v)
	if n := losses.Load(); n != 0 {
		t.Fatalf("loss callback fired %d times during re-registration", n)
	}
	runtime.KeepAlive(v)
}

func waitForGC() {
	for range 3 {
		runtime.GC()
	}
	time.Sleep(50 * time.Millisecond)
}
