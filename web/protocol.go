package web

import (
	"encoding/json"

	"github.com/getlantern/topicstream/service"
)

// Subprotocol is the websocket subprotocol spoken by the Handler.
const Subprotocol = "graphql-transport-ws"

// Frame types
const (
	TypeConnectionInit = "connection_init"
	TypeConnectionAck  = "connection_ack"
	TypePing           = "ping"
	TypePong           = "pong"
	TypeSubscribe      = "subscribe"
	TypeNext           = "next"
	TypeError          = "error"
	TypeComplete       = "complete"
)

// Operations that can be subscribed to
const (
	OperationTopicUpdates     = "topicUpdates"
	OperationTopicUpdatesBulk = "topicUpdatesBulk"
)

// Frame is the envelope of every message exchanged on the websocket.
type Frame struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribePayload is the payload of a subscribe frame. TimeoutMs and MaxSize only apply to
// topicUpdatesBulk.
type SubscribePayload struct {
	Operation string `json:"operation"`
	service.BulkRequest
}

// ErrorMessage is one entry of the payload of an error frame.
type ErrorMessage struct {
	Message string `json:"message"`
}
