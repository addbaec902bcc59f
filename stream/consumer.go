package stream

// Consumer receives the items of one stream. Calls for the same stream are never concurrent, and
// OnComplete is always the last call. A failed registration is returned by Open or OpenBatch
// instead and never reaches the consumer.
type Consumer[T any] interface {
	OnNext(item T)

	// OnComplete is called once the stream has terminated, after any final items were delivered.
	OnComplete()
}

// ConsumerFuncs adapts a pair of functions to a Consumer. Either may be nil.
type ConsumerFuncs[T any] struct {
	Next     func(item T)
	Complete func()
}

func (c ConsumerFuncs[T]) OnNext(item T) {
	if c.Next != nil {
		c.Next(item)
	}
}

func (c ConsumerFuncs[T]) OnComplete() {
	if c.Complete != nil {
		c.Complete()
	}
}
