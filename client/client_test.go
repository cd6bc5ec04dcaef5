package client

import (
	"net"
	"testing"
	"time"

	"modserv/internal/protocol"
)

// fakeServer accepts exactly one connection and runs handler against
// it, the way these tests stand in for a real supervisor+worker pair.
func fakeServer(t *testing.T, handler func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestPingReturnsPeerAddress(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		_, err := protocol.DecodeStream(conn, time.Second, []string{"name"})
		if err != nil {
			t.Errorf("server decode: %v", err)
			return
		}
		frame, _ := protocol.Encode(protocol.OK([]any{"127.0.0.1", 5555}))
		conn.Write(frame)
	})

	c := New(addr)
	ip, port, err := c.Ping()
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if ip != "127.0.0.1" || port != 5555 {
		t.Fatalf("unexpected ping result: %s %d", ip, port)
	}
}

func TestComReturnsValueOnSuccess(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		if _, err := protocol.DecodeStream(conn, time.Second, []string{"name"}); err != nil {
			t.Errorf("server decode handshake: %v", err)
			return
		}
		ackFrame, _ := protocol.Encode(protocol.OK("ack"))
		conn.Write(ackFrame)

		call, err := protocol.DecodeStream(conn, time.Second, []string{"function", "args", "keep_alive"})
		if err != nil {
			t.Errorf("server decode call: %v", err)
			return
		}
		if call["function"] != "add" {
			t.Errorf("expected function add, got %v", call["function"])
		}
		respFrame, _ := protocol.Encode(protocol.OK(7.0))
		conn.Write(respFrame)
	})

	c := New(addr)
	result, err := c.Com("calc", "add", 3.0, 4.0)
	if err != nil {
		t.Fatalf("com: %v", err)
	}
	if result != 7.0 {
		t.Fatalf("expected 7, got %v", result)
	}
}

func TestComPromotesErrorEnvelope(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		if _, err := protocol.DecodeStream(conn, time.Second, []string{"name"}); err != nil {
			return
		}
		ackFrame, _ := protocol.Encode(protocol.OK("ack"))
		conn.Write(ackFrame)

		if _, err := protocol.DecodeStream(conn, time.Second, []string{"function", "args", "keep_alive"}); err != nil {
			return
		}
		failFrame, _ := protocol.Encode(protocol.Fail("divide by zero", "stack trace here"))
		conn.Write(failFrame)
	})

	c := New(addr)
	_, err := c.Com("calc", "divide", 1.0, 0.0)
	if err == nil {
		t.Fatal("expected an error")
	}
	serverErr, ok := err.(*ServerError)
	if !ok {
		t.Fatalf("expected *ServerError, got %T", err)
	}
	if serverErr.Message != "divide by zero" {
		t.Fatalf("unexpected message: %s", serverErr.Message)
	}
}
