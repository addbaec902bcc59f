package stream

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/getlantern/topicstream/model"
)

type channelState int

const (
	// nothing pending
	stateIdle channelState = iota
	// items pending, waiting for demand
	stateBuffering
	// terminating, delivering whatever outstanding demand allows
	stateDraining
	// terminated, pending items discarded
	stateCancelled
)

func (s channelState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateBuffering:
		return "buffering"
	case stateDraining:
		return "draining"
	case stateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// DemandChannel bridges items pushed from arbitrary goroutines to a Consumer that pulls them by
// signaling demand. Items are delivered in the order they were offered, never more items than
// have been requested, and always from the channel's single lane goroutine.
//
// The pending buffer is unbounded. A consumer that stops requesting accumulates every offered item
// until the channel is cancelled.
type DemandChannel[T any] struct {
	consumer Consumer[T]
	name     string

	mx      sync.Mutex
	demand  int64
	pending queue[T]
	state   channelState

	terminated int32
	aborted    int32
	startOnce  sync.Once
	wake       chan struct{}
	finished   chan struct{}
}

// NewDemandChannel creates a channel delivering to consumer. Offered items are buffered until the
// channel is started.
func NewDemandChannel[T any](name string, consumer Consumer[T]) *DemandChannel[T] {
	return &DemandChannel[T]{
		consumer: consumer,
		name:     name,
		wake:     make(chan struct{}, 1),
		finished: make(chan struct{}),
	}
}

// Start starts the lane goroutine. Calling it more than once has no effect.
func (c *DemandChannel[T]) Start() {
	c.startOnce.Do(func() {
		go c.run()
	})
}

// Offer hands an item to the channel, to be delivered as soon as there is demand. It returns false
// if the channel is terminating and the item was discarded.
func (c *DemandChannel[T]) Offer(item T) bool {
	c.mx.Lock()
	if c.state == stateCancelled || c.state == stateDraining {
		c.mx.Unlock()
		return false
	}
	c.pending.push(item)
	c.state = stateBuffering
	hasDemand := c.demand > 0
	c.mx.Unlock()

	if hasDemand {
		c.signal()
	}
	return true
}

// Request adds n to the outstanding demand. Delivery happens asynchronously on the lane, so
// Request never blocks on the consumer and may be called from within OnNext.
func (c *DemandChannel[T]) Request(n int64) error {
	if n <= 0 {
		return model.ErrInvalidDemand
	}

	c.mx.Lock()
	if c.state == stateCancelled {
		c.mx.Unlock()
		return nil
	}
	if c.demand > math.MaxInt64-n {
		c.demand = math.MaxInt64
	} else {
		c.demand += n
	}
	hasPending := c.pending.len() > 0
	c.mx.Unlock()

	if hasPending {
		c.signal()
	}
	return nil
}

// Cancel terminates the channel, discarding pending items. Nothing is delivered once Cancel has
// returned, apart from an OnNext that was already in progress. Only the first call to Cancel or
// Drain has an effect, and it returns true.
func (c *DemandChannel[T]) Cancel() bool {
	if !atomic.CompareAndSwapInt32(&c.terminated, 0, 1) {
		return false
	}
	atomic.StoreInt32(&c.aborted, 1)

	c.mx.Lock()
	c.state = stateCancelled
	discarded := c.pending.clear()
	c.mx.Unlock()

	if discarded > 0 {
		log.Debugf("%v: discarded %d pending items on cancel", c.name, discarded)
	}
	c.Start()
	c.signal()
	return true
}

// Drain terminates the channel gracefully: no further items are accepted, pending items are
// delivered as far as the outstanding demand allows and the rest are discarded.
func (c *DemandChannel[T]) Drain() bool {
	if !atomic.CompareAndSwapInt32(&c.terminated, 0, 1) {
		return false
	}

	c.mx.Lock()
	c.state = stateDraining
	c.mx.Unlock()

	c.Start()
	c.signal()
	return true
}

// Done is closed once the lane has delivered its last item and called OnComplete.
func (c *DemandChannel[T]) Done() <-chan struct{} {
	return c.finished
}

// Demand returns the outstanding demand.
func (c *DemandChannel[T]) Demand() int64 {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.demand
}

// Pending returns the number of buffered items.
func (c *DemandChannel[T]) Pending() int {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.pending.len()
}

func (c *DemandChannel[T]) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
		// lane already has a wakeup pending
	}
}

func (c *DemandChannel[T]) run() {
	defer close(c.finished)
	defer c.consumer.OnComplete()

	for {
		item, ok, done := c.next()
		if done {
			return
		}
		if !ok {
			<-c.wake
			continue
		}
		if atomic.LoadInt32(&c.aborted) == 1 {
			return
		}
		c.consumer.OnNext(item)
	}
}

// next takes the next deliverable item, consuming one unit of demand. done is true once the lane
// should exit.
func (c *DemandChannel[T]) next() (item T, ok bool, done bool) {
	c.mx.Lock()
	defer c.mx.Unlock()

	switch c.state {
	case stateCancelled:
		return item, false, true
	case stateDraining:
		if c.demand > 0 {
			if item, ok = c.pending.pop(); ok {
				c.demand--
				return item, true, false
			}
		}
		if discarded := c.pending.clear(); discarded > 0 {
			log.Errorf("%v: no outstanding demand, dropped %d items while draining", c.name, discarded)
		}
		return item, false, true
	default:
		if c.demand > 0 {
			if item, ok = c.pending.pop(); ok {
				c.demand--
				if c.pending.len() == 0 {
					c.state = stateIdle
				}
				return item, true, false
			}
		}
		return item, false, false
	}
}
