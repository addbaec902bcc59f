package stream

import (
	"sync"
	"time"

	"github.com/getlantern/topicstream/model"
	"github.com/getlantern/topicstream/source"
	"github.com/getlantern/topicstream/util"
)

type BatchOptions struct {
	Options

	// A batch is flushed as soon as it holds MaxCount updates. Required.
	MaxCount int
	// A batch is flushed MaxWait after its first update arrived. Required.
	MaxWait time.Duration
}

func (opts *BatchOptions) validate() error {
	if opts.MaxCount <= 0 {
		return model.ErrInvalidConfig.WithDescription("max count must be positive")
	}
	if opts.MaxWait <= 0 {
		return model.ErrInvalidConfig.WithDescription("max wait must be positive")
	}
	return nil
}

// BatchSubscription is a live stream of TopicUpdateBatches. Each batch window opens with its first
// update and closes when it holds MaxCount updates or MaxWait has passed, whichever comes first.
// Batches, not updates, are the unit of demand.
type BatchSubscription struct {
	*listener
	ch       *DemandChannel[*model.TopicUpdateBatch]
	maxCount int
	maxWait  time.Duration

	mx          sync.Mutex
	buffer      []*model.TopicUpdate
	windowStart time.Time
	timer       *time.Timer
	generation  uint64
	closed      bool
}

// OpenBatch registers a new BatchSubscription with src. Invalid window settings are rejected before
// anything is registered.
func OpenBatch(src source.MessageSource, opts *BatchOptions, consumer Consumer[*model.TopicUpdateBatch]) (*BatchSubscription, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}
	l, err := newListener(src, &opts.Options)
	if err != nil {
		return nil, err
	}

	sub := &BatchSubscription{
		listener: l,
		ch:       NewDemandChannel[*model.TopicUpdateBatch]("batch subscription "+l.id, consumer),
		maxCount: opts.MaxCount,
		maxWait:  opts.MaxWait,
	}
	l.emit = sub.add

	if err := l.register(sub); err != nil {
		return nil, err
	}
	sub.ch.Start()
	return sub, nil
}

func (sub *BatchSubscription) add(update *model.TopicUpdate) {
	sub.mx.Lock()
	defer sub.mx.Unlock()

	if sub.closed {
		return
	}
	if len(sub.buffer) == 0 {
		sub.windowStart = time.Now()
		sub.generation++
		generation := sub.generation
		sub.timer = time.AfterFunc(sub.maxWait, func() {
			sub.onTimer(generation)
		})
	}
	sub.buffer = append(sub.buffer, update)
	if len(sub.buffer) >= sub.maxCount {
		sub.flushLocked()
	}
}

func (sub *BatchSubscription) onTimer(generation uint64) {
	sub.mx.Lock()
	defer sub.mx.Unlock()

	if generation != sub.generation || len(sub.buffer) == 0 {
		// window was already flushed by size or cancellation
		return
	}
	sub.flushLocked()
}

// flushLocked hands the current window to the demand channel. The channel is offered to while
// holding mx so that batches from concurrent flushes keep their order.
func (sub *BatchSubscription) flushLocked() {
	if len(sub.buffer) == 0 {
		return
	}
	if sub.timer != nil {
		sub.timer.Stop()
		sub.timer = nil
	}
	batch := model.NewTopicUpdateBatch(sub.buffer, util.NowUnixMillis())
	sub.buffer = nil
	log.Debugf("batch subscription %v flushing %d updates after %v", sub.id, batch.Count, time.Since(sub.windowStart))
	sub.ch.Offer(batch)
}

// Request signals that the consumer is ready for n more batches.
func (sub *BatchSubscription) Request(n int64) error {
	return sub.ch.Request(n)
}

// Cancel unregisters from the source, flushes the partially filled window and then terminates the
// stream once pending batches were delivered as far as outstanding demand allows. Only the first
// call has an effect, and it returns true.
func (sub *BatchSubscription) Cancel() bool {
	if !sub.unregister() {
		return false
	}

	sub.mx.Lock()
	sub.closed = true
	sub.flushLocked()
	sub.mx.Unlock()

	sub.ch.Drain()
	return true
}

// Done is closed after the consumer's OnComplete has returned.
func (sub *BatchSubscription) Done() <-chan struct{} {
	return sub.ch.Done()
}

// Pending returns the number of batches waiting for demand.
func (sub *BatchSubscription) Pending() int {
	return sub.ch.Pending()
}

// Buffered returns the number of updates in the currently open window.
func (sub *BatchSubscription) Buffered() int {
	sub.mx.Lock()
	defer sub.mx.Unlock()
	return len(sub.buffer)
}

func (sub *BatchSubscription) hasTimer() bool {
	sub.mx.Lock()
	defer sub.mx.Unlock()
	return sub.timer != nil
}
