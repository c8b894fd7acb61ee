package transport

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	sdkerrors "github.com/ajitpratap0/platform-client-go/pkg/errors"
)

const (
	// helloID is the correlation id reserved for the handshake.
	helloID = -1

	methodHello = "hello"
	methodPing  = "ping"

	// pongText is the raw text acknowledgment of a heartbeat.
	pongText = "pong!"
)

// RequestFrame is an outbound call. ID is omitted for heartbeats.
type RequestFrame struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// helloFrame opens the protocol on a fresh connection.
type helloFrame struct {
	ID          int64    `json:"id"`
	Method      string   `json:"method"`
	Params      []string `json:"params"`
	Token       string   `json:"token,omitempty"`
	Binary      bool     `json:"binary"`
	Compression bool     `json:"compression"`
}

// ResponseFrame is the inbound envelope. Correlated replies carry ID with
// Result or Error; push frames carry Event and Payload.
type ResponseFrame struct {
	ID     json.RawMessage   `json:"id,omitempty"`
	Result json.RawMessage   `json:"result,omitempty"`
	Error  *sdkerrors.Status `json:"error,omitempty"`

	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	Binary         bool `json:"binary,omitempty"`
	UseCompression bool `json:"useCompression,omitempty"`
}

// PushEvent is an uncorrelated server frame delivered to subscribers.
type PushEvent struct {
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
	Received time.Time       `json:"-"`
}

// TxEvent names push events built from uncorrelated result arrays, which
// the transactor uses to broadcast committed transactions.
const TxEvent = "tx"

type inboundKind int

const (
	inboundUnknown inboundKind = iota
	inboundReply
	inboundHello
	inboundPush
	inboundPing
	inboundPong
)

func (k inboundKind) String() string {
	switch k {
	case inboundReply:
		return "reply"
	case inboundHello:
		return "hello"
	case inboundPush:
		return "push"
	case inboundPing:
		return "ping"
	case inboundPong:
		return "pong"
	}
	return "unknown"
}

// inbound is a decoded and classified server frame.
type inbound struct {
	kind   inboundKind
	id     int64
	frame  ResponseFrame
	events []PushEvent
}

// newRequestFrame encodes a call. Nil params are sent as an empty array.
func newRequestFrame(id int64, method string, params interface{}) ([]byte, error) {
	raw := json.RawMessage("[]")
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, sdkerrors.InvalidArgument("params", err.Error())
		}
		raw = b
	}
	return json.Marshal(RequestFrame{ID: id, Method: method, Params: raw})
}

// newHelloFrame carries the bearer token as the first protocol frame. Frames
// are always JSON, so binary and compression are declined.
func newHelloFrame(token string) []byte {
	b, _ := json.Marshal(helloFrame{ID: helloID, Method: methodHello, Params: []string{}, Token: token})
	return b
}

func heartbeatFrame() []byte {
	b, _ := json.Marshal(RequestFrame{Method: methodPing, Params: json.RawMessage("[]")})
	return b
}

// parseID accepts numeric ids and numeric strings.
func parseID(raw json.RawMessage) (int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		n, err := strconv.ParseInt(s, 10, 64)
		return n, err == nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	return n, true
}

// decodeInbound classifies one text or binary message.
func decodeInbound(data []byte, received time.Time) (inbound, error) {
	trimmed := bytes.TrimSpace(data)
	if string(trimmed) == pongText {
		return inbound{kind: inboundPong}, nil
	}

	var f ResponseFrame
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return inbound{}, sdkerrors.MalformedFrame(err)
	}
	in := inbound{frame: f}

	if id, ok := parseID(f.ID); ok {
		in.id = id
		if id == helloID {
			in.kind = inboundHello
			return in, nil
		}
		in.kind = inboundReply
		return in, nil
	}

	switch {
	case f.Event != "":
		in.kind = inboundPush
		in.events = []PushEvent{{Event: f.Event, Payload: f.Payload, Received: received}}
	case resultString(f.Result) == methodPing:
		in.kind = inboundPing
	case resultString(f.Result) == pongText:
		in.kind = inboundPong
	case isArray(f.Result):
		var items []json.RawMessage
		if err := json.Unmarshal(f.Result, &items); err != nil {
			return inbound{}, sdkerrors.MalformedFrame(err)
		}
		in.kind = inboundPush
		in.events = make([]PushEvent, 0, len(items))
		for _, item := range items {
			in.events = append(in.events, PushEvent{Event: TxEvent, Payload: item, Received: received})
		}
	}
	return in, nil
}

func resultString(raw json.RawMessage) string {
	if len(raw) == 0 || raw[0] != '"' {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func isArray(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '['
}
