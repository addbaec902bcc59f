// redissource implements source.MessageSource and source.Publisher on top of a single Redis stream.
//
// Publishers XADD messages to the stream at the configured key, "topicstream:{messages}" by default,
// as a cbor-encoded envelope in the field "data". The {} braces make the key its own shard when
// running on a Redis cluster. The stream is capped to approximately MaxLen entries on every XADD and
// can additionally be trimmed by age with TrimStreams.
//
// Each Source runs one reader goroutine, started by the first Register and stopped by Close. It
// keeps reading while no listeners are registered. The reader starts after the newest entry present
// when it started and XREADs forward from there, so entries older than the first registration are
// never delivered. Nothing is replayed and nothing is acknowledged.
package redissource

import (
	"context"
	gerrors "errors"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-redis/redis/v8"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"

	"github.com/getlantern/topicstream/model"
	"github.com/getlantern/topicstream/source"
	"github.com/getlantern/topicstream/topic"
	"github.com/getlantern/topicstream/util"
)

const (
	DefaultStreamKey = "topicstream:{messages}"

	dataField = "data"
	minID     = "0-0"
)

var (
	log = golog.LoggerFor("topicstream.redissource")
)

type Opts struct {
	// The key of the stream, defaults to DefaultStreamKey
	StreamKey string
	// Approximate maximum length of the stream, defaults to 100000
	MaxLen int64
	// How long each XREAD blocks waiting for new entries, defaults to 250ms
	BlockTime time.Duration
	// Maximum number of entries per XREAD, defaults to 10000
	ReadCount int64
	// How long to wait before reading again after an unexpected error, defaults to 2 seconds
	RetryInterval time.Duration
}

func (opts *Opts) ApplyDefaults() {
	if opts.StreamKey == "" {
		opts.StreamKey = DefaultStreamKey
		log.Debugf("Defaulted StreamKey to: %v", opts.StreamKey)
	}
	if opts.MaxLen <= 0 {
		opts.MaxLen = 100000
		log.Debugf("Defaulted MaxLen to: %d", opts.MaxLen)
	}
	if opts.BlockTime <= 0 {
		opts.BlockTime = 250 * time.Millisecond
		log.Debugf("Defaulted BlockTime to: %v", opts.BlockTime)
	}
	if opts.ReadCount <= 0 {
		opts.ReadCount = 10000
		log.Debugf("Defaulted ReadCount to: %d", opts.ReadCount)
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 2 * time.Second
		log.Debugf("Defaulted RetryInterval to: %v", opts.RetryInterval)
	}
}

// envelope is the representation of a source.Message inside the stream
type envelope struct {
	Topic    string `cbor:"1,keyasint"`
	Payload  []byte `cbor:"2,keyasint"`
	QoS      int    `cbor:"3,keyasint,omitempty"`
	Retained bool   `cbor:"4,keyasint,omitempty"`
	ClientID string `cbor:"5,keyasint,omitempty"`
	Time     int64  `cbor:"6,keyasint"`
}

func encode(msg *source.Message) ([]byte, error) {
	return cbor.Marshal(&envelope{
		Topic:    msg.Topic,
		Payload:  msg.Payload,
		QoS:      msg.QoS,
		Retained: msg.Retained,
		ClientID: msg.ClientID,
		Time:     util.UnixMillis(msg.Time),
	})
}

func decode(data []byte) (*source.Message, error) {
	env := &envelope{}
	if err := cbor.Unmarshal(data, env); err != nil {
		return nil, err
	}
	return &source.Message{
		Topic:    env.Topic,
		Payload:  env.Payload,
		QoS:      env.QoS,
		Retained: env.Retained,
		ClientID: env.ClientID,
		Time:     util.TimeFromMillis(env.Time),
	}, nil
}

type listener struct {
	filters []string
	handler source.Handler
}

type Source struct {
	client *redis.Client
	opts   Opts

	mx        sync.RWMutex
	listeners map[string]*listener
	running   bool
	closed    bool
	stopCh    chan interface{}
	stoppedCh chan interface{}
}

// New constructs a Source that reads from and publishes to Redis using the given client. No
// connection is made until the first listener registers or the first message is published.
func New(client *redis.Client, opts *Opts) *Source {
	if opts == nil {
		opts = &Opts{}
	}
	opts.ApplyDefaults()
	return &Source{
		client:    client,
		opts:      *opts,
		listeners: make(map[string]*listener),
		stopCh:    make(chan interface{}),
		stoppedCh: make(chan interface{}),
	}
}

// Register adds a listener. The first registration starts the reader, which fails if Redis can't
// be reached.
func (s *Source) Register(id string, filters []string, handler source.Handler) error {
	if err := s.checkRegistrable(id); err != nil {
		return err
	}

	s.mx.RLock()
	running := s.running
	s.mx.RUnlock()
	startID := ""
	if !running {
		var err error
		startID, err = s.latestID(context.Background())
		if err != nil {
			return errors.New("unable to reach redis: %v", err)
		}
	}

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
	if !s.running {
		s.running = true
		go s.read(startID)
	}
	log.Debugf("registered %v for %v", id, filters)
	return nil
}

func (s *Source) checkRegistrable(id string) error {
	s.mx.RLock()
	defer s.mx.RUnlock()
	if s.closed {
		return model.ErrSourceClosed
	}
	if _, exists := s.listeners[id]; exists {
		return model.ErrDuplicateSubscription.WithDescription(id)
	}
	return nil
}

func (s *Source) Unregister(id string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	delete(s.listeners, id)
}

// Listeners returns the number of registered listeners.
func (s *Source) Listeners() int {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return len(s.listeners)
}

// Publish appends msg to the stream. Messages without a timestamp are stamped with the current time.
func (s *Source) Publish(msg *source.Message) error {
	return s.PublishContext(context.Background(), msg)
}

func (s *Source) PublishContext(ctx context.Context, msg *source.Message) error {
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}
	data, err := encode(msg)
	if err != nil {
		return errors.New("unable to encode message: %v", err)
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.opts.StreamKey,
		MaxLen: s.opts.MaxLen,
		Approx: true,
		Values: map[string]interface{}{
			dataField: data,
		},
	}).Err()
}

// latestID returns the id of the newest entry in the stream, or the minimum id if it's empty.
func (s *Source) latestID(ctx context.Context) (string, error) {
	entries, err := s.client.XRevRangeN(ctx, s.opts.StreamKey, "+", "-", 1).Result()
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return minID, nil
	}
	return entries[0].ID, nil
}

// read tails the stream starting after lastID until the Source is closed.
func (s *Source) read(lastID string) {
	defer close(s.stoppedCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.opts.StreamKey, lastID},
			Block:   s.opts.BlockTime,
			Count:   s.opts.ReadCount,
		}).Result()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if !gerrors.Is(err, redis.Nil) {
				// unexpected error, log and wait a little before reconnecting
				log.Errorf("error reading from %v: %v", s.opts.StreamKey, err)
				select {
				case <-time.After(s.opts.RetryInterval):
				case <-ctx.Done():
					return
				}
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				lastID = entry.ID
				s.dispatch(entry)
			}
		}
	}
}

func (s *Source) dispatch(entry redis.XMessage) {
	data, ok := entry.Values[dataField].(string)
	if !ok {
		log.Errorf("ignoring entry %v without %v", entry.ID, dataField)
		return
	}
	msg, err := decode([]byte(data))
	if err != nil {
		log.Errorf("ignoring entry %v, unable to decode: %v", entry.ID, err)
		return
	}

	s.mx.RLock()
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
}

// Close stops the reader and drops all listeners. Later calls to Register fail with
// model.ErrSourceClosed. The redis client is left open.
func (s *Source) Close() error {
	s.mx.Lock()
	if s.closed {
		s.mx.Unlock()
		return nil
	}
	s.closed = true
	running := s.running
	s.listeners = make(map[string]*listener)
	close(s.stopCh)
	s.mx.Unlock()

	if running {
		<-s.stoppedCh
	}
	return nil
}
