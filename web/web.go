// Package web exposes a service.Service to websocket clients.
//
// Each connection speaks a small graphql-transport-ws style protocol. A client subscribes to
// topicUpdates or topicUpdatesBulk under an id of its choice and receives next frames for that id
// until either side completes it. Every subscription is paced by the connection: the Handler
// requests Prefetch items up front and one more each time a frame has been written to the socket,
// so a slow client holds back its own streams without affecting anyone else.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/getlantern/golog"

	"github.com/getlantern/topicstream/model"
	"github.com/getlantern/topicstream/service"
	"github.com/getlantern/topicstream/stream"
)

var (
	log = golog.LoggerFor("topicstream.web")
)

type Handler interface {
	http.Handler

	// ActiveConnections tells us how many active client connections the Handler has in flight
	ActiveConnections() int
}

type Opts struct {
	// How many items each subscription may have in flight before the client caught up, defaults to 16
	Prefetch int
	// How long to wait for a frame to be written, defaults to 10 seconds
	WriteTimeout time.Duration
}

func (opts *Opts) ApplyDefaults() {
	if opts.Prefetch <= 0 {
		opts.Prefetch = 16
		log.Debugf("Defaulted Prefetch to: %d", opts.Prefetch)
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
		log.Debugf("Defaulted WriteTimeout to: %v", opts.WriteTimeout)
	}
}

type handler struct {
	srvc              service.Service
	opts              Opts
	upgrader          *websocket.Upgrader
	activeConnections int64
}

func NewHandler(srvc service.Service, opts *Opts) Handler {
	if opts == nil {
		opts = &Opts{}
	}
	opts.ApplyDefaults()
	return &handler{
		srvc: srvc,
		opts: *opts,
		upgrader: &websocket.Upgrader{
			Subprotocols: []string{Subprotocol},
		},
	}
}

func (h *handler) ActiveConnections() int {
	return int(atomic.LoadInt64(&h.activeConnections))
}

func (h *handler) ServeHTTP(resp http.ResponseWriter, req *http.Request) {
	ws, err := h.upgrader.Upgrade(resp, req, nil)
	if err != nil {
		log.Errorf("unable to upgrade to websocket: %v", err)
		return
	}
	defer ws.Close()

	atomic.AddInt64(&h.activeConnections, 1)
	defer atomic.AddInt64(&h.activeConnections, -1)

	conn := &connection{
		handler: h,
		ws:      ws,
		out:     make(chan *outbound),
		streams: make(map[string]*entry),
		closeCh: make(chan interface{}),
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		conn.write()
	}()

	conn.read(req.Context())
	conn.close()
	wg.Wait()
}

type outbound struct {
	frame *Frame
	// called once the frame has been written
	onWritten func()
}

// entry tracks one subscription under its client-chosen id. A client may reuse an id once it
// completed the subscription, so entries are compared by identity rather than by id.
type entry struct {
	id     string
	stream service.Stream
}

type connection struct {
	handler *handler
	ws      *websocket.Conn
	out     chan *outbound

	mx      sync.Mutex
	streams map[string]*entry

	closeCh   chan interface{}
	closeOnce sync.Once
}

func (conn *connection) read(ctx context.Context) {
	for {
		frame := &Frame{}
		err := conn.ws.ReadJSON(frame)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugf("error reading: %v", err)
			}
			return
		}

		switch frame.Type {
		case TypeConnectionInit:
			conn.send(&outbound{frame: &Frame{Type: TypeConnectionAck}})
		case TypePing:
			conn.send(&outbound{frame: &Frame{Type: TypePong}})
		case TypePong:
			// nothing to do
		case TypeSubscribe:
			if err := conn.subscribe(ctx, frame); err != nil {
				conn.sendError(frame.ID, err)
			}
		case TypeComplete:
			conn.unsubscribe(frame.ID)
		default:
			log.Debugf("ignoring frame of unknown type %v", frame.Type)
		}
	}
}

func (conn *connection) write() {
	for {
		select {
		case o := <-conn.out:
			conn.ws.SetWriteDeadline(time.Now().Add(conn.handler.opts.WriteTimeout))
			err := conn.ws.WriteJSON(o.frame)
			if err != nil {
				log.Debugf("error writing: %v", err)
				// unblocks the reader
				conn.ws.Close()
				return
			}
			if o.onWritten != nil {
				o.onWritten()
			}
		case <-conn.closeCh:
			return
		}
	}
}

// send queues a frame for the writer. It returns false if the connection has been closed.
func (conn *connection) send(o *outbound) bool {
	select {
	case conn.out <- o:
		return true
	case <-conn.closeCh:
		return false
	}
}

func (conn *connection) sendError(id string, err error) {
	payload, _ := json.Marshal([]ErrorMessage{{Message: err.Error()}})
	conn.send(&outbound{frame: &Frame{ID: id, Type: TypeError, Payload: payload}})
}

func (conn *connection) subscribe(ctx context.Context, frame *Frame) error {
	if frame.ID == "" {
		return model.ErrInvalidConfig.WithDescription("subscribe requires an id")
	}
	req := &SubscribePayload{}
	if err := json.Unmarshal(frame.Payload, req); err != nil {
		return model.ErrInvalidConfig.WithError(err)
	}

	if req.Operation != OperationTopicUpdates && req.Operation != OperationTopicUpdatesBulk {
		return model.ErrUnknownOperation.WithDescription(req.Operation)
	}

	e, err := conn.reserve(frame.ID)
	if err != nil {
		return err
	}

	var s service.Stream
	switch req.Operation {
	case OperationTopicUpdates:
		s, err = conn.handler.srvc.SubscribeTopicUpdates(ctx, &req.TopicUpdatesRequest, &forwarder[*model.TopicUpdate]{conn: conn, entry: e})
	case OperationTopicUpdatesBulk:
		s, err = conn.handler.srvc.SubscribeTopicUpdatesBulk(ctx, &req.BulkRequest, &forwarder[*model.TopicUpdateBatch]{conn: conn, entry: e})
	}
	if err != nil {
		conn.release(e)
		return err
	}

	conn.attach(e, s)
	return s.Request(int64(conn.handler.opts.Prefetch))
}

// reserve claims id for a new subscription whose stream is attached once it's open.
func (conn *connection) reserve(id string) (*entry, error) {
	conn.mx.Lock()
	defer conn.mx.Unlock()
	if _, exists := conn.streams[id]; exists {
		return nil, model.ErrDuplicateSubscription.WithDescription(id)
	}
	e := &entry{id: id}
	conn.streams[id] = e
	return e, nil
}

func (conn *connection) attach(e *entry, s service.Stream) {
	conn.mx.Lock()
	defer conn.mx.Unlock()
	e.stream = s
}

func (conn *connection) streamOf(e *entry) service.Stream {
	conn.mx.Lock()
	defer conn.mx.Unlock()
	return e.stream
}

// release forgets e if its id still belongs to it. It returns true if the id has meanwhile been
// claimed by another subscription.
func (conn *connection) release(e *entry) (reused bool) {
	conn.mx.Lock()
	defer conn.mx.Unlock()
	current, exists := conn.streams[e.id]
	if current == e {
		delete(conn.streams, e.id)
		return false
	}
	return exists
}

func (conn *connection) unsubscribe(id string) {
	conn.mx.Lock()
	e := conn.streams[id]
	delete(conn.streams, id)
	conn.mx.Unlock()
	if e != nil && e.stream != nil {
		e.stream.Cancel()
	}
}

// close stops the writer and cancels every stream that is still open on this connection.
func (conn *connection) close() {
	conn.closeOnce.Do(func() {
		close(conn.closeCh)

		conn.mx.Lock()
		streams := conn.streams
		conn.streams = make(map[string]*entry)
		conn.mx.Unlock()

		for _, e := range streams {
			if e.stream != nil {
				e.stream.Cancel()
			}
		}
		if len(streams) > 0 {
			log.Debugf("connection closed, cancelled %d subscriptions", len(streams))
		}
	})
}

// forwarder is the consumer of one subscription, writing what it receives to the connection.
type forwarder[T any] struct {
	conn  *connection
	entry *entry
}

var _ stream.Consumer[*model.TopicUpdate] = &forwarder[*model.TopicUpdate]{}

func (f *forwarder[T]) OnNext(item T) {
	payload, err := json.Marshal(item)
	if err != nil {
		log.Errorf("unable to marshal update for %v: %v", f.entry.id, err)
		return
	}
	f.conn.send(&outbound{
		frame: &Frame{ID: f.entry.id, Type: TypeNext, Payload: payload},
		onWritten: func() {
			if err := f.conn.streamOf(f.entry).Request(1); err != nil {
				log.Errorf("unable to request more for %v: %v", f.entry.id, err)
			}
		},
	})
}

// OnComplete tells the client that the stream has ended, whichever side ended it, unless the
// client already reused the id for a new subscription.
func (f *forwarder[T]) OnComplete() {
	if f.conn.release(f.entry) {
		log.Debugf("not completing %v, id was reused", f.entry.id)
		return
	}
	f.conn.send(&outbound{frame: &Frame{ID: f.entry.id, Type: TypeComplete}})
}
