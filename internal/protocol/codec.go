package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"
)

// Delim is the single trailing frame terminator byte. Percent-encoding
// the JSON payload (space as '+') before sending guarantees this byte
// can only ever appear once per frame, as the terminator itself.
const Delim = '\n'

// ErrConnectionClosed is returned when the peer closed the connection
// before sending any bytes of a frame.
var ErrConnectionClosed = errors.New("protocol: connection closed")

// ErrTimeout is returned when a complete frame did not arrive before the
// deadline elapsed.
var ErrTimeout = errors.New("protocol: timed out waiting for frame")

// ErrPeerGone marks an I/O-class failure distinct from a plain timeout:
// the peer vanished mid-frame (reset, broken pipe, EOF after partial
// data). PeerGone gets no response attempt at all, unlike Timeout and
// BadRequest which both reply with an error envelope.
var ErrPeerGone = errors.New("protocol: peer gone")

// IsPeerGone reports whether err represents an I/O-class failure that
// should close the connection without attempting a reply.
func IsPeerGone(err error) bool {
	return errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrPeerGone)
}

// BadRequestError marks a frame that decoded but failed validation, or
// failed to decode at all (malformed encoding/JSON).
type BadRequestError struct {
	Msg string
}

func (e *BadRequestError) Error() string { return e.Msg }

// Encode serializes payload to JSON, percent-encodes it (space as '+'),
// and appends the frame delimiter.
func Encode(payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode: %w", err)
	}
	encoded := url.QueryEscape(string(raw))
	buf := make([]byte, 0, len(encoded)+1)
	buf = append(buf, encoded...)
	buf = append(buf, Delim)
	return buf, nil
}

// deadlineConn is the minimal surface DecodeStream needs: a byte stream
// with a settable read deadline, satisfied directly by net.Conn.
type deadlineConn interface {
	Read(b []byte) (int, error)
	SetReadDeadline(t time.Time) error
}

var _ deadlineConn = net.Conn(nil)

// DecodeStream reads bytes from conn until the frame delimiter arrives
// or deadline elapses, then percent-decodes and JSON-parses the result
// into a map, verifying requiredFields are all present.
//
// Each Read is bounded by the overall deadline, and a short-lived
// "would block" condition is retried rather than treated as fatal.
func DecodeStream(conn deadlineConn, deadline time.Duration, requiredFields []string) (map[string]any, error) {
	var buf bytes.Buffer
	readBuf := make([]byte, 4096)
	start := time.Now()

	for time.Since(start) < deadline {
		remaining := deadline - time.Since(start)
		if err := conn.SetReadDeadline(time.Now().Add(remaining)); err != nil {
			// A connection that no longer accepts a deadline is closed;
			// classify it the same way as a failed Read below.
			if buf.Len() == 0 {
				return nil, ErrConnectionClosed
			}
			return nil, fmt.Errorf("%w: set read deadline: %v", ErrPeerGone, err)
		}

		n, err := conn.Read(readBuf)
		if n > 0 {
			buf.Write(readBuf[:n])
			if readBuf[n-1] == Delim {
				return decodeFrame(buf.Bytes()[:buf.Len()-1], requiredFields)
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if buf.Len() == 0 {
					return nil, ErrTimeout
				}
				continue
			}
			if buf.Len() == 0 {
				return nil, ErrConnectionClosed
			}
			return nil, fmt.Errorf("%w: %v", ErrPeerGone, err)
		}
	}
	return nil, ErrTimeout
}

func decodeFrame(encoded []byte, requiredFields []string) (map[string]any, error) {
	decoded, err := url.QueryUnescape(string(encoded))
	if err != nil {
		return nil, &BadRequestError{Msg: fmt.Sprintf("malformed frame encoding: %v", err)}
	}

	var msg map[string]any
	if err := json.Unmarshal([]byte(decoded), &msg); err != nil {
		return nil, &BadRequestError{Msg: fmt.Sprintf("malformed frame JSON: %v", err)}
	}

	for _, field := range requiredFields {
		if _, ok := msg[field]; !ok {
			return nil, &BadRequestError{Msg: fmt.Sprintf("%q field missing from request", field)}
		}
	}
	return msg, nil
}
