// Package protocol implements the wire envelopes and framing shared by
// the client, supervisor, and workers.
package protocol

// Reserved handshake names. Anything else must match a registered
// module name.
const (
	PingName         = "_ping"
	HelpName         = "_help"
	ReloadPrefix     = "_reload_"
	GetModulesPrefix = "_get_modules."
)

// Handshake is the first frame sent by a client on every connection.
// A nil Name is equivalent to PingName.
type Handshake struct {
	Name *string `json:"name"`
}

// IsPing reports whether this handshake should be answered with the
// peer address rather than routed to a worker.
func (h Handshake) IsPing() bool {
	return h.Name == nil || *h.Name == PingName
}

// Call is the per-request frame a worker reads after a client has been
// handed off to it. Function == nil is the graceful-disconnect sentinel.
type Call struct {
	Function  *string `json:"function"`
	Args      []any   `json:"args"`
	KeepAlive bool    `json:"keep_alive"`
}

// Response is the single envelope shape sent back to a client, on
// either the handshake or a call.
type Response struct {
	Response  any    `json:"response"`
	Error     bool   `json:"error"`
	Traceback string `json:"traceback"`
}

// OK builds a successful response envelope.
func OK(value any) Response {
	return Response{Response: value, Error: false, Traceback: ""}
}

// Fail builds an error response envelope. message is the human-readable
// explanation; traceback is the formatted stack (may be empty).
func Fail(message, traceback string) Response {
	return Response{Response: message, Error: true, Traceback: traceback}
}
