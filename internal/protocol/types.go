package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID identifies a JSON-RPC request. The app-server accepts either a
// number or a string; ids allocated by this client are always numbers.
// RequestID is comparable and can be used as a map key.
type RequestID struct {
	Num   int64
	Str   string
	IsStr bool
}

// NumericID returns a numeric request id.
func NumericID(n int64) RequestID {
	return RequestID{Num: n}
}

// StringID returns a string request id.
func StringID(s string) RequestID {
	return RequestID{Str: s, IsStr: true}
}

func (id RequestID) String() string {
	if id.IsStr {
		return strconv.Quote(id.Str)
	}
	return strconv.FormatInt(id.Num, 10)
}

// MarshalJSON implements json.Marshaler
func (id RequestID) MarshalJSON() ([]byte, error) {
	if id.IsStr {
		return json.Marshal(id.Str)
	}
	return []byte(strconv.FormatInt(id.Num, 10)), nil
}

// UnmarshalJSON implements json.Unmarshaler
func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid request id: %w", err)
		}
		*id = StringID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid request id %s: %w", data, err)
	}
	*id = NumericID(n)
	return nil
}

// MessageKind classifies an inbound JSON-RPC line.
type MessageKind string

const (
	// MessageKindRequest is a server-initiated request (id + method).
	MessageKindRequest MessageKind = "request"
	// MessageKindNotification carries a method and no id.
	MessageKindNotification MessageKind = "notification"
	// MessageKindResponse carries an id and a result.
	MessageKindResponse MessageKind = "response"
	// MessageKindError carries an id and an error object.
	MessageKindError MessageKind = "error"
	// MessageKindInvalid matches none of the above.
	MessageKindInvalid MessageKind = "invalid"
)

// Message is the union of every JSON-RPC shape exchanged with the
// app-server. There is no "jsonrpc" version member on the wire.
type Message struct {
	ID     *RequestID      `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// Kind classifies the message by which members are present.
func (m *Message) Kind() MessageKind {
	switch {
	case m.ID != nil && m.Method != "":
		return MessageKindRequest
	case m.ID == nil && m.Method != "":
		return MessageKindNotification
	case m.ID != nil && m.Error != nil:
		return MessageKindError
	case m.ID != nil:
		return MessageKindResponse
	default:
		return MessageKindInvalid
	}
}

// Request is an outbound client request.
type Request struct {
	ID     RequestID `json:"id"`
	Method string    `json:"method"`
	Params any       `json:"params,omitempty"`
}

// Notification is an outbound client notification. Params is omitted when nil.
type Notification struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// Response answers a server-initiated request.
type Response struct {
	ID     RequestID `json:"id"`
	Result any       `json:"result"`
}

// ErrorResponse rejects a server-initiated request.
type ErrorResponse struct {
	ID    RequestID `json:"id"`
	Error RPCError  `json:"error"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("code %d: %s", e.Code, e.Message)
}

// ErrorCodeMethodNotFound is returned for server requests this client does not handle.
const ErrorCodeMethodNotFound = -32601
