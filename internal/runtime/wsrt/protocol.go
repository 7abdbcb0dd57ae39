// Package wsrt runs callback runtimes as separate programs that dial back to
// the daemon over a WebSocket.
//
// The daemon spawns the program with GEOFENCED_RUNTIME_URL pointing at the hub.
// Frames are JSON objects with a "type" field:
//
//	daemon -> runtime  hello {handle}, dispatch {id, payload}, stop, pong
//	runtime -> daemon  ready, ack {id, error?}, mode {mode}, ping
//
// The runtime is not ready until it sends "ready" after its own bootstrap.
package wsrt

import "encoding/json"

const (
	EnvRuntimeURL     = "GEOFENCED_RUNTIME_URL"
	EnvCallbackHandle = "GEOFENCED_CALLBACK_HANDLE"
)

const (
	typeHello    = "hello"
	typeReady    = "ready"
	typeDispatch = "dispatch"
	typeAck      = "ack"
	typeMode     = "mode"
	typeStop     = "stop"
	typePing     = "ping"
	typePong     = "pong"
)

type message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Handle  int64           `json:"handle,omitempty"`
	Mode    string          `json:"mode,omitempty"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
