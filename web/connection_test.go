package web

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/getlantern/topicstream/model"
)

type fakeStream struct {
	id        string
	requested int64
	cancels   int32
	done      chan struct{}
}

func newFakeStream(id string) *fakeStream {
	return &fakeStream{id: id, done: make(chan struct{})}
}

func (s *fakeStream) ID() string { return s.id }

func (s *fakeStream) Request(n int64) error {
	atomic.AddInt64(&s.requested, n)
	return nil
}

func (s *fakeStream) Cancel() bool {
	return atomic.AddInt32(&s.cancels, 1) == 1
}

func (s *fakeStream) Done() <-chan struct{} { return s.done }

func newTestConnection() *connection {
	h := &handler{}
	h.opts.ApplyDefaults()
	return &connection{
		handler: h,
		out:     make(chan *outbound, 10),
		streams: make(map[string]*entry),
		closeCh: make(chan interface{}),
	}
}

func TestCompletedStreamDoesNotEvictReusedID(t *testing.T) {
	conn := newTestConnection()

	first, err := conn.reserve("x")
	require.NoError(t, err)
	oldStream := newFakeStream("old")
	conn.attach(first, oldStream)
	_, err = conn.reserve("x")
	require.True(t, model.ErrDuplicateSubscription.Is(err))

	// client completes "x" and immediately subscribes again under the same id
	conn.unsubscribe("x")
	require.EqualValues(t, 1, atomic.LoadInt32(&oldStream.cancels))
	second, err := conn.reserve("x")
	require.NoError(t, err)
	newStream := newFakeStream("new")
	conn.attach(second, newStream)

	// the old lane finishes only now
	(&forwarder[*model.TopicUpdate]{conn: conn, entry: first}).OnComplete()
	require.Zero(t, len(conn.out), "no complete frame for a reused id")
	conn.mx.Lock()
	require.Same(t, second, conn.streams["x"])
	conn.mx.Unlock()

	conn.close()
	require.EqualValues(t, 1, atomic.LoadInt32(&newStream.cancels))
	require.EqualValues(t, 1, atomic.LoadInt32(&oldStream.cancels))
}

func TestCompletedStreamSendsComplete(t *testing.T) {
	conn := newTestConnection()

	e, err := conn.reserve("y")
	require.NoError(t, err)
	s := newFakeStream("y")
	conn.attach(e, s)

	(&forwarder[*model.TopicUpdateBatch]{conn: conn, entry: e}).OnComplete()
	require.Len(t, conn.out, 1)
	o := <-conn.out
	require.Equal(t, TypeComplete, o.frame.Type)
	require.Equal(t, "y", o.frame.ID)

	conn.mx.Lock()
	require.Empty(t, conn.streams)
	conn.mx.Unlock()
	conn.close()
	require.Zero(t, atomic.LoadInt32(&s.cancels))
}

func TestForwarderRequestsAfterWrite(t *testing.T) {
	conn := newTestConnection()
	e, err := conn.reserve("z")
	require.NoError(t, err)
	s := newFakeStream("z")
	conn.attach(e, s)

	(&forwarder[*model.TopicUpdate]{conn: conn, entry: e}).OnNext(&model.TopicUpdate{Topic: "a"})
	o := <-conn.out
	require.Equal(t, TypeNext, o.frame.Type)
	require.Zero(t, atomic.LoadInt64(&s.requested))
	o.onWritten()
	require.EqualValues(t, 1, atomic.LoadInt64(&s.requested))
}
