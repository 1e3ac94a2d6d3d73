// Package rpc is the local channel between clients and the sidecar: JSON
// messages over a websocket on a unix socket.
//
// A client request {id, method, params} is answered by one response
// {id, result|error}, or, for stream methods, by any number of
// {id, event} messages followed by {id, end}. The server may send
// notifications {method, params} with no id at any time.
package rpc

import (
	"encoding/json"

	"github.com/roach88/pear/internal/errs"
)

// CancelMethod stops a stream the client no longer reads. Its params are
// {"id": <stream id>}.
const CancelMethod = "rpc.cancel"

// message is the single frame type in both directions.
type message struct {
	ID     uint64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *errs.Error     `json:"error,omitempty"`
	Event  json.RawMessage `json:"event,omitempty"`
	End    bool            `json:"end,omitempty"`
}

type cancelParams struct {
	ID uint64 `json:"id"`
}

// Notification is a server-initiated message.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}
