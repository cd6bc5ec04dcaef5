// Package client is the synchronous call façade over the wire
// protocol: every method opens a fresh connection, performs exactly
// one handshake/call exchange, and closes.
package client

import (
	"fmt"
	"net"
	"time"

	"modserv/internal/protocol"
)

// DefaultTimeout is applied to both the handshake and the call frame
// unless overridden with WithTimeout.
const DefaultTimeout = 2 * time.Second

// ServerError wraps an error envelope the server sent back, the Go
// analogue of the original client library promoting any
// `{error: true, ...}` response into a local exception.
type ServerError struct {
	Message   string
	Traceback string
}

func (e *ServerError) Error() string {
	if e.Traceback == "" {
		return e.Message
	}
	return fmt.Sprintf("%s\n%s", e.Message, e.Traceback)
}

// Client opens one TCP connection per call.
type Client struct {
	Addr    string
	Timeout time.Duration
}

// New returns a Client targeting addr (host:port) with DefaultTimeout.
func New(addr string) *Client {
	return &Client{Addr: addr, Timeout: DefaultTimeout}
}

// WithTimeout returns a copy of c using the given timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	cp := *c
	cp.Timeout = d
	return &cp
}

func (c *Client) dial() (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", c.Addr, c.Timeout)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", c.Addr, err)
	}
	return conn, nil
}

// handshake sends {"name": name}, reads the response envelope, and
// returns it unpacked. The caller decides whether the connection
// should stay open afterward (only a routed module handshake does).
func (c *Client) handshake(conn net.Conn, name *string) (any, error) {
	frame, err := protocol.Encode(protocol.Handshake{Name: name})
	if err != nil {
		return nil, fmt.Errorf("client: encode handshake: %w", err)
	}
	if _, err := conn.Write(frame); err != nil {
		return nil, fmt.Errorf("client: write handshake: %w", err)
	}

	msg, err := protocol.DecodeStream(conn, c.Timeout, nil)
	if err != nil {
		return nil, fmt.Errorf("client: read handshake response: %w", err)
	}
	return unpackEnvelope(msg)
}

// oneShot performs a handshake on a fresh connection and returns its
// response, always closing afterward — the shape every meta command
// (Ping, Help, Reload, GetModules) shares.
func (c *Client) oneShot(name *string) (any, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return c.handshake(conn, name)
}

// Ping returns the (ip, port) pair the server observed for this
// connection.
func (c *Client) Ping() (string, int, error) {
	resp, err := c.oneShot(nil)
	if err != nil {
		return "", 0, err
	}
	pair, ok := resp.([]any)
	if !ok || len(pair) != 2 {
		return "", 0, fmt.Errorf("client: malformed ping response %+v", resp)
	}
	ip, _ := pair[0].(string)
	port, _ := pair[1].(float64)
	return ip, int(port), nil
}

// Help returns the server's registered-module listing and protocol
// description.
func (c *Client) Help() (string, error) {
	name := protocol.HelpName
	resp, err := c.oneShot(&name)
	if err != nil {
		return "", err
	}
	text, _ := resp.(string)
	return text, nil
}

// Reload forces the named module's worker to rebuild its instance.
func (c *Client) Reload(module string) (string, error) {
	name := protocol.ReloadPrefix + module
	resp, err := c.oneShot(&name)
	if err != nil {
		return "", err
	}
	text, _ := resp.(string)
	return text, nil
}

// GetModules lists registered module names matching prefix.
func (c *Client) GetModules(prefix string) ([]string, error) {
	name := protocol.GetModulesPrefix + prefix
	resp, err := c.oneShot(&name)
	if err != nil {
		return nil, err
	}
	raw, ok := resp.([]any)
	if !ok {
		return nil, fmt.Errorf("client: malformed get_modules response %+v", resp)
	}
	names := make([]string, len(raw))
	for i, v := range raw {
		names[i], _ = v.(string)
	}
	return names, nil
}

// Com performs a full handshake-then-call round trip against module,
// invoking function with args, and returns the single response value.
func (c *Client) Com(module, function string, args ...any) (any, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	name := module
	if _, err := c.handshake(conn, &name); err != nil {
		return nil, err
	}

	if args == nil {
		args = []any{}
	}
	call := protocol.Call{Function: &function, Args: args, KeepAlive: false}
	frame, err := protocol.Encode(call)
	if err != nil {
		return nil, fmt.Errorf("client: encode call: %w", err)
	}
	if _, err := conn.Write(frame); err != nil {
		return nil, fmt.Errorf("client: write call: %w", err)
	}

	msg, err := protocol.DecodeStream(conn, c.Timeout, nil)
	if err != nil {
		return nil, fmt.Errorf("client: read call response: %w", err)
	}
	return unpackEnvelope(msg)
}

func unpackEnvelope(msg map[string]any) (any, error) {
	if errored, _ := msg["error"].(bool); errored {
		message, _ := msg["response"].(string)
		traceback, _ := msg["traceback"].(string)
		return nil, &ServerError{Message: message, Traceback: traceback}
	}
	return msg["response"], nil
}
