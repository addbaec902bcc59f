package testsupport

import (
	"sync"
	"sync/atomic"
	"time"

	"testing"

	"github.com/stretchr/testify/require"
)

// Recorder is a stream consumer that remembers everything it receives. It also notices if it is
// ever called concurrently.
type Recorder[T any] struct {
	// OnItem, if set, is called from OnNext after the item has been recorded.
	OnItem func(item T)

	items         []T
	mx            sync.Mutex
	inFlight      int32
	concurrent    int32
	completeCount int32
	completed     chan struct{}
}

func NewRecorder[T any]() *Recorder[T] {
	return &Recorder[T]{
		completed: make(chan struct{}),
	}
}

func (r *Recorder[T]) OnNext(item T) {
	if atomic.AddInt32(&r.inFlight, 1) > 1 {
		atomic.StoreInt32(&r.concurrent, 1)
	}
	defer atomic.AddInt32(&r.inFlight, -1)

	r.mx.Lock()
	r.items = append(r.items, item)
	r.mx.Unlock()

	if r.OnItem != nil {
		r.OnItem(item)
	}
}

func (r *Recorder[T]) OnComplete() {
	if atomic.AddInt32(&r.completeCount, 1) == 1 {
		close(r.completed)
	}
}

// Items returns a copy of the items received so far.
func (r *Recorder[T]) Items() []T {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]T(nil), r.items...)
}

func (r *Recorder[T]) Len() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.items)
}

// WaitFor waits up to timeout for at least n items and returns all items received.
func (r *Recorder[T]) WaitFor(t *testing.T, n int, timeout time.Duration) []T {
	require.Eventually(t, func() bool {
		return r.Len() >= n
	}, timeout, 2*time.Millisecond, "expected at least %d items", n)
	return r.Items()
}

// Completed is closed once OnComplete has been called.
func (r *Recorder[T]) Completed() <-chan struct{} {
	return r.completed
}

func (r *Recorder[T]) CompleteCount() int {
	return int(atomic.LoadInt32(&r.completeCount))
}

// Concurrent tells whether OnNext was ever entered while another call was in progress.
func (r *Recorder[T]) Concurrent() bool {
	return atomic.LoadInt32(&r.concurrent) == 1
}
