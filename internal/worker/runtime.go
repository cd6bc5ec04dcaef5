// Package worker implements the per-worker state machine: queued
// request handling, module hot-reload, dispatch, and error isolation.
// It owns the client connection and the protocol; the actual
// loaded module instance lives across a process boundary in a
// modulehost subprocess, reached through Host.
package worker

import (
	"net"
	"time"

	"github.com/google/uuid"

	"modserv/internal/config"
	"modserv/internal/logging"
	"modserv/internal/modulehost"
	"modserv/internal/protocol"
)

// ClientHandoff is one connection transferred from the supervisor to a
// worker's inbound queue. A nil *ClientHandoff on the channel is the
// termination sentinel.
type ClientHandoff struct {
	Conn net.Conn
	Peer net.Addr
}

// Host is how a Runtime reaches its module-host subprocess: send a
// dispatch/shutdown request and read back the matching response.
// Respawn discards the current subprocess (if any) and starts a fresh
// one, returning whether the fresh load succeeded — the process-level
// analogue of "reload the source module and construct a new instance",
// necessary because a Go plugin, once opened, cannot be unloaded.
type Host interface {
	Send(req modulehost.Request) (modulehost.Response, error)
	Respawn() (ok bool, err error)
}

// Runtime is one named worker's state machine, running for the
// lifetime of the worker (across any number of module-host respawns).
type Runtime struct {
	Name       string
	Descriptor config.Descriptor
	Inbound    chan *ClientHandoff
	Host       Host
	Tracker    *config.ChangeTracker
	Logger     *logging.Logger

	instanceOK bool
}

// callDeadline bounds how long SERVING waits for one complete call
// frame.
const callDeadline = time.Second

// idleTimeout bounds how long IDLE waits on the inbound queue before
// checking for a reload.
const idleTimeout = time.Second

// Run executes the IDLE/MAYBE_RELOAD/SERVING/STOPPING loop until the
// termination sentinel arrives on Inbound, at which point it drives
// STOPPING and returns.
func (r *Runtime) Run() {
	// The worker starts in IDLE with whatever instance state the
	// initial load (performed by the supervisor before handing this
	// Runtime its first tick) established.
	r.instanceOK = true

	for {
		select {
		case handoff := <-r.Inbound:
			if handoff == nil {
				r.stopping()
				return
			}
			if !r.instanceOK {
				r.replyNoInstance(handoff)
				r.maybeReload()
				continue
			}
			r.serving(handoff)

		case <-time.After(idleTimeout):
			r.maybeReload()
		}
	}
}

func (r *Runtime) replyNoInstance(h *ClientHandoff) {
	frame, err := protocol.Encode(protocol.Fail("module instance not available (failed to load or reload)", ""))
	if err == nil {
		_, _ = h.Conn.Write(frame)
	}
	_ = h.Conn.Close()
}

// maybeReload is MAYBE_RELOAD: it respawns the module host when the
// source has changed or there currently is no usable instance, marking
// the instance unusable before the attempt. A failed reload leaves the
// instance unusable, so the next tick attempts the reload again whether
// or not the source has changed; repeated attempts are not suppressed.
func (r *Runtime) maybeReload() {
	if !r.Tracker.Changed(r.Descriptor.Source) && r.instanceOK {
		return
	}

	r.instanceOK = false
	ok, err := r.Host.Respawn()
	if err != nil {
		r.Logger.Error("%s: reload failed: %v", r.Name, err)
		return
	}
	if ok {
		r.Logger.Info("%s: module (re)loaded", r.Name)
	} else {
		r.Logger.Error("%s: module load failed, leaving instance in error state", r.Name)
	}
	r.instanceOK = ok
}

// serving is the SERVING state: hold the connection, decode/dispatch/
// reply in a loop, honoring keep_alive, until the connection closes.
func (r *Runtime) serving(h *ClientHandoff) {
	defer h.Conn.Close()

	for {
		msg, err := protocol.DecodeStream(h.Conn, callDeadline, []string{"function", "args", "keep_alive"})
		if err != nil {
			if protocol.IsPeerGone(err) {
				r.Logger.Debug("%s: client lost: %v", r.Name, err)
				return
			}
			r.replyError(h.Conn, err.Error())
			return
		}

		call, err := parseCall(msg)
		if err != nil {
			r.replyError(h.Conn, err.Error())
			return
		}

		if call.Function == nil {
			// Graceful disconnect: no reply.
			return
		}

		peerIP := ""
		if host, _, splitErr := net.SplitHostPort(h.Peer.String()); splitErr == nil {
			peerIP = host
		}

		callID := uuid.NewString()
		r.Logger.Debug("%s: call %s -> %s", r.Name, callID, *call.Function)

		result, err := r.Host.Send(modulehost.Request{
			Kind:     "dispatch",
			CallID:   callID,
			PeerIP:   peerIP,
			Function: *call.Function,
			Args:     call.Args,
		})
		if err != nil {
			r.Logger.Error("%s: call %s: module host unreachable: %v", r.Name, callID, err)
			r.instanceOK = false
			r.replyError(h.Conn, "module host did not respond")
			return
		}
		if result.Errored {
			r.replyErrorWithTraceback(h.Conn, result.ErrMsg, result.Traceback)
			return
		}

		r.replyOK(h.Conn, result.Value)

		if !call.KeepAlive {
			return
		}
	}
}

func (r *Runtime) replyOK(conn net.Conn, value any) {
	frame, err := protocol.Encode(protocol.OK(value))
	if err != nil {
		r.Logger.Error("%s: encode response: %v", r.Name, err)
		return
	}
	_, _ = conn.Write(frame)
}

func (r *Runtime) replyError(conn net.Conn, message string) {
	r.replyErrorWithTraceback(conn, message, "")
}

func (r *Runtime) replyErrorWithTraceback(conn net.Conn, message, traceback string) {
	frame, err := protocol.Encode(protocol.Fail(message, traceback))
	if err != nil {
		r.Logger.Error("%s: encode error response: %v", r.Name, err)
		return
	}
	_, _ = conn.Write(frame)
}

// stopping is the STOPPING state: ask the module host to release, then
// return so the supervisor can reap this worker's subprocess.
func (r *Runtime) stopping() {
	if _, err := r.Host.Send(modulehost.Request{Kind: "shutdown"}); err != nil {
		r.Logger.Debug("%s: shutdown request failed (host likely already gone): %v", r.Name, err)
	}
}

type typedCall struct {
	Function  *string
	Args      []any
	KeepAlive bool
}

func parseCall(msg map[string]any) (typedCall, error) {
	var call typedCall

	keepAlive, ok := msg["keep_alive"].(bool)
	if !ok {
		return call, &protocol.BadRequestError{Msg: "keep_alive must be a boolean"}
	}
	call.KeepAlive = keepAlive

	argsRaw, ok := msg["args"].([]any)
	if !ok {
		return call, &protocol.BadRequestError{Msg: "args should be a list of values"}
	}
	call.Args = argsRaw

	switch fn := msg["function"].(type) {
	case nil:
		call.Function = nil
	case string:
		call.Function = &fn
	default:
		return call, &protocol.BadRequestError{Msg: "function must be a string or null"}
	}

	return call, nil
}
