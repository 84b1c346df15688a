// Package rpc implements the JSON-RPC-2.0-shaped message envelope and
// request/response correlator shared by every framed connection: the UI
// socket, the Control socket, and a long-lived plugin's persistent
// transport.
package rpc

import "encoding/json"

// Message is the wire envelope. Exactly one of the three shapes applies:
// a Request has ID and Method set; a Response has ID and one of
// Result/Error set; a Notification has Method set and ID omitted.
type Message struct {
	ID     *uint64         `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the RPC error envelope: a machine code plus a human
// message.
type ErrorObject struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IsRequest reports whether m is a Request (has an ID and a Method).
func (m *Message) IsRequest() bool { return m.ID != nil && m.Method != "" }

// IsNotification reports whether m is a Notification (no ID, has a Method).
func (m *Message) IsNotification() bool { return m.ID == nil && m.Method != "" }

// IsResponse reports whether m is a Response (has an ID, no Method).
func (m *Message) IsResponse() bool { return m.ID != nil && m.Method == "" }

// NewRequest builds a Request message.
func NewRequest(id uint64, method string, params interface{}) (*Message, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Message{ID: &id, Method: method, Params: raw}, nil
}

// NewNotification builds a Notification message.
func NewNotification(method string, params interface{}) (*Message, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Message{Method: method, Params: raw}, nil
}

// NewResult builds a successful Response.
func NewResult(id uint64, result interface{}) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Message{ID: &id, Result: raw}, nil
}

// NewError builds a failed Response.
func NewError(id uint64, code, message string) *Message {
	return &Message{ID: &id, Error: &ErrorObject{Code: code, Message: message}}
}
