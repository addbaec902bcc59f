// package webclient provides a client that subscribes to topic updates via the websocket front end
package webclient

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/getlantern/errors"
	"github.com/getlantern/golog"

	"github.com/getlantern/topicstream/model"
	"github.com/getlantern/topicstream/payload"
	"github.com/getlantern/topicstream/service"
	"github.com/getlantern/topicstream/web"
)

var (
	log = golog.LoggerFor("topicstream.webclient")

	// ErrClosed is returned when subscribing on a closed Client
	ErrClosed = errors.New("client closed")
)

const (
	readLimit = 16 * 1024 * 1024
)

// Client is a websocket connection to a web.Handler. It can carry any number of subscriptions.
type Client struct {
	conn        *websocket.Conn
	ctx         context.Context
	cancel      context.CancelFunc
	bufferDepth int
	nextID      int64

	mx     sync.Mutex
	subs   map[string]*Subscription
	closed bool

	finished chan interface{}
}

// Connect dials the given url and completes the connection handshake. bufferDepth specifies how
// many updates or batches to buffer per subscription.
func Connect(ctx context.Context, url string, bufferDepth int) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{web.Subprotocol},
	})
	if err != nil {
		return nil, errors.New("unable to dial %v: %v", url, err)
	}
	conn.SetReadLimit(readLimit)

	if err := wsjson.Write(ctx, conn, &web.Frame{Type: web.TypeConnectionInit}); err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, errors.New("unable to init connection: %v", err)
	}
	ack := &web.Frame{}
	if err := wsjson.Read(ctx, conn, ack); err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, errors.New("unable to read connection ack: %v", err)
	}
	if ack.Type != web.TypeConnectionAck {
		conn.Close(websocket.StatusProtocolError, "")
		return nil, errors.New("expected %v, got %v", web.TypeConnectionAck, ack.Type)
	}

	clientCtx, cancel := context.WithCancel(context.Background())
	client := &Client{
		conn:        conn,
		ctx:         clientCtx,
		cancel:      cancel,
		bufferDepth: bufferDepth,
		subs:        make(map[string]*Subscription),
		finished:    make(chan interface{}),
	}
	go client.read()
	return client, nil
}

// Subscription is one stream on a Client. Exactly one of Updates and Batches carries data,
// depending on how it was opened. Both are closed when the subscription ends.
type Subscription struct {
	client  *Client
	id      string
	updates chan *model.TopicUpdate
	batches chan *model.TopicUpdateBatch
	err     error
	done    chan interface{}
}

// SubscribeTopicUpdates opens a stream of individual updates.
func (client *Client) SubscribeTopicUpdates(ctx context.Context, req *service.TopicUpdatesRequest) (*Subscription, error) {
	sub := client.newSubscription()
	sub.updates = make(chan *model.TopicUpdate, client.bufferDepth)
	return sub, client.subscribe(ctx, sub, &web.SubscribePayload{
		Operation:   web.OperationTopicUpdates,
		BulkRequest: service.BulkRequest{TopicUpdatesRequest: *req},
	})
}

// SubscribeTopicUpdatesBulk opens a stream of batches.
func (client *Client) SubscribeTopicUpdatesBulk(ctx context.Context, req *service.BulkRequest) (*Subscription, error) {
	sub := client.newSubscription()
	sub.batches = make(chan *model.TopicUpdateBatch, client.bufferDepth)
	return sub, client.subscribe(ctx, sub, &web.SubscribePayload{
		Operation:   web.OperationTopicUpdatesBulk,
		BulkRequest: *req,
	})
}

func (client *Client) newSubscription() *Subscription {
	return &Subscription{
		client: client,
		id:     strconv.FormatInt(atomic.AddInt64(&client.nextID, 1), 10),
		done:   make(chan interface{}),
	}
}

func (client *Client) subscribe(ctx context.Context, sub *Subscription, req *web.SubscribePayload) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	client.mx.Lock()
	if client.closed {
		client.mx.Unlock()
		return ErrClosed
	}
	client.subs[sub.id] = sub
	client.mx.Unlock()

	err = wsjson.Write(ctx, client.conn, &web.Frame{ID: sub.id, Type: web.TypeSubscribe, Payload: body})
	if err != nil {
		client.finish(sub.id, err)
		return errors.New("unable to subscribe: %v", err)
	}
	return nil
}

// Ping sends a ping frame. The server's pong is consumed by the read loop.
func (client *Client) Ping(ctx context.Context) error {
	return wsjson.Write(ctx, client.conn, &web.Frame{Type: web.TypePing})
}

func (client *Client) read() {
	defer close(client.finished)
	defer client.finishAll(ErrClosed)

	for {
		frame := &web.Frame{}
		err := wsjson.Read(client.ctx, client.conn, frame)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && client.ctx.Err() == nil {
				log.Debugf("error reading: %v", err)
			}
			return
		}

		switch frame.Type {
		case web.TypeNext:
			client.onNext(frame)
		case web.TypeError:
			client.finish(frame.ID, errorFrom(frame))
		case web.TypeComplete:
			client.finish(frame.ID, nil)
		case web.TypePing:
			wsjson.Write(client.ctx, client.conn, &web.Frame{Type: web.TypePong})
		}
	}
}

func (client *Client) onNext(frame *web.Frame) {
	client.mx.Lock()
	sub := client.subs[frame.ID]
	client.mx.Unlock()
	if sub == nil {
		// already unsubscribed
		return
	}

	var err error
	if sub.updates != nil {
		update := &model.TopicUpdate{}
		if err = json.Unmarshal(frame.Payload, update); err == nil {
			select {
			case sub.updates <- update:
			case <-client.ctx.Done():
			}
		}
	} else {
		batch := &model.TopicUpdateBatch{}
		if err = json.Unmarshal(frame.Payload, batch); err == nil {
			select {
			case sub.batches <- batch:
			case <-client.ctx.Done():
			}
		}
	}
	if err != nil {
		log.Errorf("unable to unmarshal %v: %v", frame.ID, err)
	}
}

func errorFrom(frame *web.Frame) error {
	var msgs []web.ErrorMessage
	if err := json.Unmarshal(frame.Payload, &msgs); err != nil || len(msgs) == 0 {
		return errors.New("subscription %v failed", frame.ID)
	}
	return errors.New("%v", msgs[0].Message)
}

// finish ends the subscription with the given id, if it's still open. Only called from the read
// loop or before the subscribe frame was written, so nobody is sending on the channels anymore.
func (client *Client) finish(id string, err error) {
	client.mx.Lock()
	sub := client.subs[id]
	delete(client.subs, id)
	client.mx.Unlock()
	if sub != nil {
		sub.finish(err)
	}
}

func (client *Client) finishAll(err error) {
	client.mx.Lock()
	subs := client.subs
	client.subs = make(map[string]*Subscription)
	client.closed = true
	client.mx.Unlock()
	for _, sub := range subs {
		sub.finish(err)
	}
}

// Close closes the connection, which ends all of its subscriptions.
func (client *Client) Close() error {
	client.mx.Lock()
	client.closed = true
	client.mx.Unlock()

	err := client.conn.Close(websocket.StatusNormalClosure, "")
	client.cancel()
	<-client.finished
	return err
}

// Payload returns the raw payload of update, decoding BINARY payloads.
func Payload(update *model.TopicUpdate) ([]byte, error) {
	return payload.Decode(update.Payload, update.Format)
}

// ID returns the id of this subscription on its connection.
func (sub *Subscription) ID() string {
	return sub.id
}

// Updates returns the channel of updates of a topicUpdates subscription.
func (sub *Subscription) Updates() <-chan *model.TopicUpdate {
	return sub.updates
}

// Batches returns the channel of batches of a topicUpdatesBulk subscription.
func (sub *Subscription) Batches() <-chan *model.TopicUpdateBatch {
	return sub.batches
}

// Done is closed once the subscription has ended.
func (sub *Subscription) Done() <-chan interface{} {
	return sub.done
}

// Err returns the error that ended the subscription, if any. Only valid after Done is closed.
func (sub *Subscription) Err() error {
	return sub.err
}

// Unsubscribe asks the server to complete this subscription. The server answers with a complete
// frame once it has sent whatever was still in flight, at which point Done is closed.
func (sub *Subscription) Unsubscribe(ctx context.Context) error {
	client := sub.client
	client.mx.Lock()
	_, open := client.subs[sub.id]
	client.mx.Unlock()
	if !open {
		return nil
	}
	return wsjson.Write(ctx, client.conn, &web.Frame{ID: sub.id, Type: web.TypeComplete})
}

func (sub *Subscription) finish(err error) {
	sub.err = err
	if sub.updates != nil {
		close(sub.updates)
	}
	if sub.batches != nil {
		close(sub.batches)
	}
	close(sub.done)
}
