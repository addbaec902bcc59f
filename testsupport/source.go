// Package testsupport provides test doubles shared by the tests of several packages.
package testsupport

import (
	"sync"
	"time"

	"github.com/getlantern/topicstream/source"
)

// Source is a source.MessageSource that hands every message to every listener and counts
// registrations, so tests can check the registration lifecycle.
type Source struct {
	handlers      map[string]source.Handler
	filters       map[string][]string
	registerErr   error
	registrations int
	unregisters   map[string]int
	mx            sync.Mutex
}

func NewSource() *Source {
	return &Source{
		handlers:    make(map[string]source.Handler),
		filters:     make(map[string][]string),
		unregisters: make(map[string]int),
	}
}

// FailRegistrations makes all subsequent calls to Register fail with err.
func (s *Source) FailRegistrations(err error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.registerErr = err
}

func (s *Source) Register(id string, filters []string, handler source.Handler) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	if s.registerErr != nil {
		return s.registerErr
	}
	s.registrations++
	s.handlers[id] = handler
	s.filters[id] = filters
	return nil
}

func (s *Source) Unregister(id string) {
	s.mx.Lock()
	defer s.mx.Unlock()

	s.unregisters[id]++
	delete(s.handlers, id)
	delete(s.filters, id)
}

// Send hands a message for topic to all registered listeners.
func (s *Source) Send(topic string, payload string) {
	s.SendMessage(&source.Message{
		Topic:   topic,
		Payload: []byte(payload),
		Time:    time.Now(),
	})
}

func (s *Source) SendMessage(msg *source.Message) {
	s.mx.Lock()
	handlers := make([]source.Handler, 0, len(s.handlers))
	for _, handler := range s.handlers {
		handlers = append(handlers, handler)
	}
	s.mx.Unlock()

	for _, handler := range handlers {
		handler(msg)
	}
}

// Registered returns the number of currently registered listeners.
func (s *Source) Registered() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return len(s.handlers)
}

// Registrations returns the number of successful calls to Register.
func (s *Source) Registrations() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.registrations
}

// Unregisters returns how often id was unregistered.
func (s *Source) Unregisters(id string) int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.unregisters[id]
}

// FiltersFor returns the filters id registered with.
func (s *Source) FiltersFor(id string) []string {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.filters[id]
}
