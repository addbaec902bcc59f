package stream

import (
	"context"
	"sync"

	"github.com/getlantern/errors"

	"github.com/getlantern/topicstream/model"
)

// Canceler is a live subscription as seen by the Registry.
type Canceler interface {
	ID() string

	// Cancel terminates the subscription, returning true only for the first call.
	Cancel() bool

	// Done is closed once the subscription's consumer has been completed.
	Done() <-chan struct{}
}

// Registry keeps track of live subscriptions so that all of them can be cancelled on shutdown.
type Registry struct {
	subs   map[string]Canceler
	closed bool
	mx     sync.Mutex
}

func NewRegistry() *Registry {
	return &Registry{
		subs: make(map[string]Canceler),
	}
}

// Add tracks c. It fails once the Registry has been shut down.
func (r *Registry) Add(c Canceler) error {
	r.mx.Lock()
	defer r.mx.Unlock()

	if r.closed {
		return model.ErrRegistryClosed
	}
	if _, exists := r.subs[c.ID()]; exists {
		return model.ErrDuplicateSubscription.WithDescription(c.ID())
	}
	r.subs[c.ID()] = c
	return nil
}

// Remove stops tracking the subscription with the given id.
func (r *Registry) Remove(id string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	delete(r.subs, id)
}

// Len returns the number of live subscriptions.
func (r *Registry) Len() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.subs)
}

// CancelAll shuts the Registry down, cancels every live subscription and waits until all of them
// are done or ctx expires.
func (r *Registry) CancelAll(ctx context.Context) error {
	r.mx.Lock()
	r.closed = true
	subs := make([]Canceler, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.subs = make(map[string]Canceler)
	r.mx.Unlock()

	log.Debugf("cancelling %d subscriptions", len(subs))
	for _, sub := range subs {
		sub.Cancel()
	}

	for i, sub := range subs {
		select {
		case <-sub.Done():
			// okay
		case <-ctx.Done():
			return errors.New("gave up waiting on %d of %d subscriptions: %v", len(subs)-i, len(subs), ctx.Err())
		}
	}
	return nil
}
