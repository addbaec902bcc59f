package stream

import (
	"context"
	gerrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/getlantern/topicstream/model"
	"github.com/getlantern/topicstream/payload"
	"github.com/getlantern/topicstream/source"
	"github.com/getlantern/topicstream/testsupport"
	"github.com/getlantern/topicstream/util"
)

func TestSubscriptionDeliversMatchingUpdates(t *testing.T) {
	src := testsupport.NewSource()
	r := testsupport.NewRecorder[*model.TopicUpdate]()

	sub, err := Open(src, &Options{Filters: []string{"sensor/+/temp", "alarm/#"}}, r)
	require.NoError(t, err)
	defer sub.Cancel()
	require.NotEmpty(t, sub.ID())
	require.Equal(t, []string{"sensor/+/temp", "alarm/#"}, src.FiltersFor(sub.ID()))

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	src.SendMessage(&source.Message{Topic: "sensor/1/temp", Payload: []byte("21.5"), QoS: 1, ClientID: "plc01", Time: ts})
	src.Send("sensor/1/humidity", "40")
	src.SendMessage(&source.Message{Topic: "alarm", Payload: []byte{0xff, 0x00}, Retained: true, Time: ts})

	require.Equal(t, 2, sub.Pending())
	require.NoError(t, sub.Request(5))
	updates := r.WaitFor(t, 2, time.Second)

	require.Equal(t, &model.TopicUpdate{
		Topic:     "sensor/1/temp",
		Payload:   "21.5",
		Format:    model.FormatJSON,
		Timestamp: util.UnixMillis(ts),
		QoS:       1,
		ClientID:  "plc01",
	}, updates[0])
	require.Equal(t, "alarm", updates[1].Topic)
	require.Equal(t, model.FormatBinary, updates[1].Format)
	require.Equal(t, "/wA=", updates[1].Payload)
	require.True(t, updates[1].Retained)
}

func TestSubscriptionDefaults(t *testing.T) {
	src := testsupport.NewSource()
	r := testsupport.NewRecorder[*model.TopicUpdate]()

	sub, err := Open(src, &Options{Format: model.FormatBinary}, r)
	require.NoError(t, err)
	defer sub.Cancel()
	require.Equal(t, []string{"#"}, sub.Filters())

	require.NoError(t, sub.Request(1))
	src.Send("any/topic/at/all", "hi")
	update := r.WaitFor(t, 1, time.Second)[0]
	require.Equal(t, "aGk=", update.Payload)
	require.Equal(t, model.FormatBinary, update.Format)
}

func TestSubscriptionRejectsEmptyFilter(t *testing.T) {
	src := testsupport.NewSource()
	_, err := Open(src, &Options{Filters: []string{"a/b", ""}}, testsupport.NewRecorder[*model.TopicUpdate]())
	require.True(t, gerrors.Is(err, model.ErrInvalidFilter))
	require.Zero(t, src.Registrations())
}

func TestSubscriptionRegistrationFailure(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	src := testsupport.NewSource()
	src.FailRegistrations(gerrors.New("broker unavailable"))
	registry := NewRegistry()
	r := testsupport.NewRecorder[*model.TopicUpdate]()

	sub, err := Open(src, &Options{Registry: registry}, r)
	require.Nil(t, sub)
	require.True(t, gerrors.Is(err, model.ErrRegistrationFailed))
	require.Contains(t, err.Error(), "broker unavailable")
	require.Zero(t, src.Registered())
	require.Zero(t, registry.Len())
	require.Zero(t, r.CompleteCount())
}

func TestSubscriptionConcurrentCancel(t *testing.T) {
	src := testsupport.NewSource()
	r := testsupport.NewRecorder[*model.TopicUpdate]()
	sub, err := Open(src, &Options{}, r)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mx sync.Mutex
	cancelled := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sub.Cancel() {
				mx.Lock()
				cancelled++
				mx.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, cancelled)
	require.Equal(t, 1, src.Unregisters(sub.ID()))
	<-sub.Done()
	require.Equal(t, 1, r.CompleteCount())
}

func TestNoDeliveryAfterCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	src := testsupport.NewSource()
	r := testsupport.NewRecorder[*model.TopicUpdate]()
	sub, err := Open(src, &Options{}, r)
	require.NoError(t, err)

	src.Send("a", "before")
	require.Equal(t, 1, sub.Pending())
	require.True(t, sub.Cancel())
	require.Zero(t, sub.Pending())
	<-sub.Done()

	// simulate a message that was already in flight when the listener was unregistered
	sub.onMessage(&source.Message{Topic: "a", Payload: []byte("after")})
	require.NoError(t, sub.Request(10))
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, r.Len())
	require.Zero(t, sub.Pending())
}

type failingEncoder struct{}

func (failingEncoder) Encode(raw []byte, preferred model.DataFormat) (string, model.DataFormat, error) {
	if string(raw) == "poison" {
		return "", preferred, gerrors.New("unable to encode")
	}
	return string(raw), preferred, nil
}

func TestEncodingFailureDropsMessage(t *testing.T) {
	src := testsupport.NewSource()
	r := testsupport.NewRecorder[*model.TopicUpdate]()
	sub, err := Open(src, &Options{Encoder: failingEncoder{}}, r)
	require.NoError(t, err)
	defer sub.Cancel()

	require.NoError(t, sub.Request(10))
	src.Send("a", "one")
	src.Send("a", "poison")
	src.Send("a", "two")

	updates := r.WaitFor(t, 2, time.Second)
	require.Equal(t, "one", updates[0].Payload)
	require.Equal(t, "two", updates[1].Payload)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 2, r.Len())
}

func TestMatchCache(t *testing.T) {
	src := testsupport.NewSource()
	r := testsupport.NewRecorder[*model.TopicUpdate]()
	sub, err := Open(src, &Options{Filters: []string{"a/+"}, MatchCacheSize: 2}, r)
	require.NoError(t, err)
	defer sub.Cancel()

	require.NoError(t, sub.Request(100))
	for i := 0; i < 3; i++ {
		src.Send("a/b", "match")
		src.Send("x/b", "miss")
		src.Send("a/b/c", "miss")
	}
	updates := r.WaitFor(t, 3, time.Second)
	for _, update := range updates {
		require.Equal(t, "a/b", update.Topic)
	}
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 3, r.Len())
}

func TestNegativeMatchCacheSize(t *testing.T) {
	_, err := Open(testsupport.NewSource(), &Options{MatchCacheSize: -1}, testsupport.NewRecorder[*model.TopicUpdate]())
	require.True(t, gerrors.Is(err, model.ErrInvalidConfig))
}

func TestRegistryRejectionStopsEmitting(t *testing.T) {
	src := testsupport.NewSource()
	registry := NewRegistry()
	require.NoError(t, registry.CancelAll(context.Background()))

	l, err := newListener(src, &Options{Filters: []string{"#"}, Encoder: payload.DefaultEncoder{}, Registry: registry})
	require.NoError(t, err)
	emitted := 0
	l.emit = func(*model.TopicUpdate) { emitted++ }

	err = l.register(&Subscription{listener: l})
	require.True(t, gerrors.Is(err, model.ErrRegistryClosed))
	require.Equal(t, 1, src.Unregisters(l.id))

	// a message that was already on its way when the registry refused
	l.onMessage(&source.Message{Topic: "a", Payload: []byte("late")})
	require.Zero(t, emitted)
	require.False(t, l.unregister(), "listener should already count as unregistered")
}

func TestMatchCacheOnlyForWildcards(t *testing.T) {
	exact, err := newListener(testsupport.NewSource(), &Options{Filters: []string{"a/b", "c"}, MatchCacheSize: 10})
	require.NoError(t, err)
	require.Nil(t, exact.matchCache)
	require.True(t, exact.matches("a/b"))
	require.False(t, exact.matches("a/c"))

	wild, err := newListener(testsupport.NewSource(), &Options{Filters: []string{"a/b", "c/+"}, MatchCacheSize: 10})
	require.NoError(t, err)
	require.NotNil(t, wild.matchCache)
}
