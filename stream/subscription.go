// Package stream delivers broker messages to independently paced consumers.
//
// A Subscription registers with a source.MessageSource under a generated id, matches arriving
// messages against its topic filters, encodes their payloads and hands the resulting updates to a
// DemandChannel, which delivers them to the consumer only as fast as the consumer requests them.
// A BatchSubscription does the same but first groups updates into batches closed by size or time.
//
// Every subscription has its own lane goroutine that is the only caller of its consumer, so
// consumers never see concurrent calls while different subscriptions proceed in parallel.
package stream

import (
	"sync/atomic"

	"github.com/getlantern/golog"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"

	"github.com/getlantern/topicstream/model"
	"github.com/getlantern/topicstream/payload"
	"github.com/getlantern/topicstream/source"
	"github.com/getlantern/topicstream/topic"
	"github.com/getlantern/topicstream/util"
)

var (
	log = golog.LoggerFor("topicstream.stream")
)

type Options struct {
	// Topic filters to match, any of which may match. Defaults to "#".
	Filters []string
	// Preferred payload format, defaults to model.FormatJSON.
	Format model.DataFormat
	// Encoder used for payloads, defaults to payload.DefaultEncoder.
	Encoder payload.Encoder
	// How many topics to remember match results for. 0 disables caching.
	MatchCacheSize int
	// If set, the subscription is added to the Registry once registered and removed when cancelled.
	Registry *Registry
}

func (opts *Options) applyDefaults() error {
	if len(opts.Filters) == 0 {
		opts.Filters = []string{topic.MatchAll}
	}
	for _, filter := range opts.Filters {
		if err := topic.ValidateFilter(filter); err != nil {
			return err
		}
	}
	if opts.Encoder == nil {
		opts.Encoder = payload.DefaultEncoder{}
	}
	if opts.MatchCacheSize < 0 {
		return model.ErrInvalidConfig.WithDescription("match cache size must not be negative")
	}
	return nil
}

// listener is the part of a subscription that deals with the MessageSource: registration,
// matching, encoding and the one-time unregistration.
type listener struct {
	id         string
	filters    []string
	format     model.DataFormat
	encoder    payload.Encoder
	src        source.MessageSource
	registry   *Registry
	matchCache *lru.Cache
	emit       func(update *model.TopicUpdate)
	cancelled  int32
}

func newListener(src source.MessageSource, opts *Options) (*listener, error) {
	l := &listener{
		id:       uuid.NewString(),
		filters:  append([]string(nil), opts.Filters...),
		format:   opts.Format,
		encoder:  opts.Encoder,
		src:      src,
		registry: opts.Registry,
	}
	// exact filters are compared directly
	if opts.MatchCacheSize > 0 && anyWildcard(opts.Filters) {
		cache, err := lru.New(opts.MatchCacheSize)
		if err != nil {
			return nil, model.ErrInvalidConfig.WithError(err)
		}
		l.matchCache = cache
	}
	return l, nil
}

// register registers with the source and, if configured, the registry. On failure nothing remains
// registered.
func (l *listener) register(self Canceler) error {
	err := l.src.Register(l.id, l.filters, l.onMessage)
	if err != nil {
		return model.ErrRegistrationFailed.WithError(err)
	}
	if l.registry != nil {
		err = l.registry.Add(self)
		if err != nil {
			// messages already in flight must not reach emit
			atomic.StoreInt32(&l.cancelled, 1)
			l.src.Unregister(l.id)
			return err
		}
	}
	log.Debugf("subscription %v registered for %v", l.id, l.filters)
	return nil
}

// unregister returns true only for the first call.
func (l *listener) unregister() bool {
	if !atomic.CompareAndSwapInt32(&l.cancelled, 0, 1) {
		return false
	}
	l.src.Unregister(l.id)
	if l.registry != nil {
		l.registry.Remove(l.id)
	}
	log.Debugf("subscription %v unregistered", l.id)
	return true
}

func (l *listener) isCancelled() bool {
	return atomic.LoadInt32(&l.cancelled) == 1
}

func (l *listener) onMessage(msg *source.Message) {
	if l.isCancelled() || !l.matches(msg.Topic) {
		return
	}

	text, format, err := l.encoder.Encode(msg.Payload, l.format)
	if err != nil {
		log.Errorf("subscription %v dropping message on %v, unable to encode payload: %v", l.id, msg.Topic, err)
		return
	}

	timestamp := util.NowUnixMillis()
	if !msg.Time.IsZero() {
		timestamp = util.UnixMillis(msg.Time)
	}
	l.emit(&model.TopicUpdate{
		Topic:     msg.Topic,
		Payload:   text,
		Format:    format,
		Timestamp: timestamp,
		QoS:       msg.QoS,
		Retained:  msg.Retained,
		ClientID:  msg.ClientID,
	})
}

func anyWildcard(filters []string) bool {
	for _, filter := range filters {
		if topic.HasWildcard(filter) {
			return true
		}
	}
	return false
}

func (l *listener) matches(t string) bool {
	if l.matchCache == nil {
		return topic.MatchesAny(t, l.filters)
	}
	if matched, found := l.matchCache.Get(t); found {
		return matched.(bool)
	}
	matched := topic.MatchesAny(t, l.filters)
	l.matchCache.Add(t, matched)
	return matched
}

// ID returns the generated subscription id.
func (l *listener) ID() string {
	return l.id
}

// Filters returns the topic filters of the subscription.
func (l *listener) Filters() []string {
	return append([]string(nil), l.filters...)
}

// Subscription is a live stream of individual TopicUpdates.
type Subscription struct {
	*listener
	ch *DemandChannel[*model.TopicUpdate]
}

// Open registers a new Subscription with src. Updates are delivered to consumer once it requests
// them. If registration fails the error is returned and nothing stays registered.
func Open(src source.MessageSource, opts *Options, consumer Consumer[*model.TopicUpdate]) (*Subscription, error) {
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}
	l, err := newListener(src, opts)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		listener: l,
		ch:       NewDemandChannel[*model.TopicUpdate]("subscription "+l.id, consumer),
	}
	l.emit = func(update *model.TopicUpdate) {
		sub.ch.Offer(update)
	}

	if err := l.register(sub); err != nil {
		return nil, err
	}
	sub.ch.Start()
	return sub, nil
}

// Request signals that the consumer is ready for n more updates.
func (sub *Subscription) Request(n int64) error {
	return sub.ch.Request(n)
}

// Cancel unregisters from the source and discards pending updates. Only the first call has an
// effect, and it returns true.
func (sub *Subscription) Cancel() bool {
	if !sub.unregister() {
		return false
	}
	sub.ch.Cancel()
	return true
}

// Done is closed after the consumer's OnComplete has returned.
func (sub *Subscription) Done() <-chan struct{} {
	return sub.ch.Done()
}

// Pending returns the number of updates waiting for demand.
func (sub *Subscription) Pending() int {
	return sub.ch.Pending()
}
