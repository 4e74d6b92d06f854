// Package rpc is the duplex message transport between the control plane and
// its clients. Frames are JSON objects over a websocket:
//
//	request       {"id": "...", "method": "...", "params": {...}}
//	response      {"id": "...", "result": {...}} or {"id": "...", "error": {...}}
//	notification  {"method": "...", "params": {...}}
package rpc

import (
	"encoding/json"
	"fmt"

	appErr "autojudge/pkg/errors"
)

// Message is the envelope of every frame.
type Message struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Fault          `json:"error,omitempty"`
}

// IsRequest reports whether m expects a response.
func (m *Message) IsRequest() bool { return m.Method != "" && m.ID != "" }

// IsNotification reports whether m is a one-way message.
func (m *Message) IsNotification() bool { return m.Method != "" && m.ID == "" }

// IsResponse reports whether m answers a request.
func (m *Message) IsResponse() bool { return m.Method == "" && m.ID != "" }

// Fault is the structured error of a failed request.
type Fault struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Category string         `json:"category,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// FaultFromError renders err for the wire. Internal errors keep only their
// message; the wrapped cause stays on the server.
func FaultFromError(err error) *Fault {
	e := appErr.GetError(err)
	if e == nil {
		return nil
	}
	f := &Fault{
		Code:     e.Code.Name(),
		Message:  e.Error(),
		Category: string(e.Code.Category()),
	}
	if len(e.Details) > 0 {
		f.Details = e.Details
	}
	return f
}

// Err turns a received fault back into an *errors.Error so callers can use
// errors.Is on the code.
func (f *Fault) Err() error {
	if f == nil {
		return nil
	}
	code, ok := appErr.CodeByName(f.Code)
	if !ok {
		code = appErr.InternalServerError
	}
	e := appErr.New(code).WithMessage(f.Message)
	for k, v := range f.Details {
		e = e.WithDetail(k, v)
	}
	return e
}

// Int64Detail reads a numeric detail that went through JSON.
func Int64Detail(err error, key string) (int64, bool) {
	e := appErr.GetError(err)
	if e == nil {
		return 0, false
	}
	v, ok := e.Detail(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

// Notification methods sent by the server.
const (
	MethodSessionReady = "session.ready"
	MethodToolsList    = "tools.list"
)

// SessionInfo is the payload of session.ready and the result of tools.list.
type SessionInfo struct {
	SessionID string   `json:"session_id"`
	Role      string   `json:"role"`
	Tools     []string `json:"tools"`
}
