// Package protocol defines the JSON-RPC 2.0 envelopes exchanged with the
// printer host over the persistent websocket channel.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the only JSON-RPC version spoken on the channel.
const Version = "2.0"

// Request is an outbound call. Field order matches the wire form
// {"jsonrpc":"2.0","method":...,"params":{...},"id":N}.
type Request struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
	ID      int64          `json:"id"`
}

// NewRequest builds a request envelope. Nil params are sent as {}.
func NewRequest(id int64, method string, params map[string]any) Request {
	if params == nil {
		params = map[string]any{}
	}
	return Request{JSONRPC: Version, Method: method, Params: params, ID: id}
}

// Marshal encodes the request as a single text frame.
func (r Request) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// FrameKind classifies an inbound frame.
type FrameKind int

const (
	// KindResponse answers a request we sent (carries id and result or error).
	KindResponse FrameKind = iota
	// KindNotification is a host-initiated message without id.
	KindNotification
)

func (k FrameKind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return fmt.Sprintf("FrameKind(%d)", int(k))
	}
}

// Frame is a decoded inbound message.
type Frame struct {
	Kind FrameKind

	// Response fields
	Response *Response

	// Notification fields
	Method string
	Params json.RawMessage
}

// Response is the result (or error) for one request id.
type Response struct {
	ID     int64
	Result json.RawMessage
	Error  *RPCError
}

// Decode unmarshals the result into v.
func (r *Response) Decode(v any) error {
	if r.Error != nil {
		return r.Error
	}
	if len(r.Result) == 0 {
		return fmt.Errorf("response %d has no result", r.ID)
	}
	return json.Unmarshal(r.Result, v)
}

// Err returns the JSON-RPC error, or nil.
func (r *Response) Err() error {
	if r.Error == nil {
		return nil
	}
	return r.Error
}

// RPCError is the error object of a failed JSON-RPC call.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// wireFrame is the union of every inbound shape.
type wireFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// DecodeFrame parses one inbound text frame. Anything that is not a
// well-formed JSON-RPC 2.0 response or notification yields a *ProtocolError
// with Reason ReasonMalformed.
func DecodeFrame(data []byte) (*Frame, error) {
	var w wireFrame
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&w); err != nil {
		return nil, &ProtocolError{Reason: ReasonMalformed, Detail: "invalid json", Err: err}
	}
	if w.JSONRPC != Version {
		return nil, &ProtocolError{Reason: ReasonMalformed, Detail: fmt.Sprintf("unsupported jsonrpc version %q", w.JSONRPC)}
	}

	hasID := len(w.ID) > 0 && !bytes.Equal(w.ID, []byte("null"))
	hasResult := len(w.Result) > 0 || w.Error != nil

	switch {
	case hasResult:
		if !hasID {
			// An error for a request the host could not parse carries id null.
			if w.Error != nil {
				return nil, &ProtocolError{Reason: ReasonMalformed, Detail: "error response without id", Err: w.Error}
			}
			return nil, &ProtocolError{Reason: ReasonMalformed, Detail: "response without id"}
		}
		var id int64
		if err := json.Unmarshal(w.ID, &id); err != nil {
			return nil, &ProtocolError{Reason: ReasonMalformed, Detail: fmt.Sprintf("non-integer id %s", w.ID), Err: err}
		}
		return &Frame{
			Kind:     KindResponse,
			Response: &Response{ID: id, Result: w.Result, Error: w.Error},
		}, nil
	case w.Method != "":
		return &Frame{Kind: KindNotification, Method: w.Method, Params: w.Params}, nil
	default:
		return nil, &ProtocolError{Reason: ReasonMalformed, Detail: "neither response nor notification"}
	}
}
