package ethsock

import (
	json "github.com/goccy/go-json"
)

const (
	// vsn is the JSON-RPC protocol version tag carried on every message.
	vsn = "2.0"

	subscribeMethod    = "eth_subscribe"
	unsubscribeMethod  = "eth_unsubscribe"
	notificationMethod = "eth_subscription"
)

// jsonrpcMessage holds any message exchanged with the backend. Whether it is
// a request, a successful response, an error response or a subscription
// notification depends on which fields are set.
type jsonrpcMessage struct {
	Version string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *BackendError   `json:"error,omitempty"`
}

// msgKind classifies an inbound message once, at the parse boundary.
// Everything downstream switches on the kind instead of re-inspecting fields.
type msgKind int

const (
	kindUnknown msgKind = iota
	kindResponse
	kindNotification
)

// kind classifies the message. A response carries an id and no method; a
// notification carries a method and no id. Anything else is unroutable.
func (msg *jsonrpcMessage) kind() msgKind {
	switch {
	case msg.ID != nil && msg.Method == "":
		return kindResponse
	case msg.ID == nil && msg.Method != "":
		return kindNotification
	default:
		return kindUnknown
	}
}

// subscriptionResult is the params payload of an eth_subscription push.
type subscriptionResult struct {
	ID     string          `json:"subscription"`
	Result json.RawMessage `json:"result"`
}

// newCallMessage builds an outgoing request. Params always encode as an
// ordered JSON array, empty rather than absent when no params are given.
func newCallMessage(id uint64, method string, params []any) (*jsonrpcMessage, error) {
	if params == nil {
		params = []any{}
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, &SendError{Op: "marshal params", Err: err}
	}
	return &jsonrpcMessage{
		Version: vsn,
		ID:      &id,
		Method:  method,
		Params:  encoded,
	}, nil
}

func (msg *jsonrpcMessage) encode() ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, &SendError{Op: "marshal", Err: err}
	}
	return data, nil
}
