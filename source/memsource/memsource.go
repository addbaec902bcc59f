// memsource implements an in-memory source.MessageSource. Messages are handed to listeners on the
// publishing goroutine and nothing is retained.
package memsource

import (
	"sync"
	"time"

	"github.com/getlantern/golog"

	"github.com/getlantern/topicstream/model"
	"github.com/getlantern/topicstream/source"
	"github.com/getlantern/topicstream/topic"
)

var (
	log = golog.LoggerFor("topicstream.memsource")
)

type listener struct {
	filters []string
	handler source.Handler
}

// Source is an in-memory broker that is also a source.Publisher.
type Source struct {
	listeners map[string]*listener
	closed    bool
	mx        sync.RWMutex
}

func New() *Source {
	return &Source{
		listeners: make(map[string]*listener),
	}
}

func (s *Source) Register(id string, filters []string, handler source.Handler) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	if s.closed {
		return model.ErrSourceClosed
	}
	if _, exists := s.listeners[id]; exists {
		return model.ErrDuplicateSubscription.WithDescription(id)
	}
	s.listeners[id] = &listener{
		filters: append([]string(nil), filters...),
		handler: handler,
	}
	log.Debugf("registered %v for %v", id, filters)
	return nil
}

func (s *Source) Unregister(id string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	delete(s.listeners, id)
}

// Publish delivers msg to every listener with a matching filter. Messages without a timestamp are
// stamped with the current time.
func (s *Source) Publish(msg *source.Message) error {
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}

	s.mx.RLock()
	if s.closed {
		s.mx.RUnlock()
		return model.ErrSourceClosed
	}
	handlers := make([]source.Handler, 0, len(s.listeners))
	for _, l := range s.listeners {
		if topic.MatchesAny(msg.Topic, l.filters) {
			handlers = append(handlers, l.handler)
		}
	}
	s.mx.RUnlock()

	for _, handler := range handlers {
		handler(msg)
	}
	return nil
}

// Listeners returns the number of registered listeners.
func (s *Source) Listeners() int {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return len(s.listeners)
}

// Close drops all listeners. Later calls to Register and Publish fail with model.ErrSourceClosed.
func (s *Source) Close() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.closed = true
	s.listeners = make(map[string]*listener)
	return nil
}
