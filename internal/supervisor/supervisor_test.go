package supervisor

import (
	"net"
	"testing"
	"time"

	"modserv/internal/config"
	"modserv/internal/logging"
	"modserv/internal/protocol"
	"modserv/internal/worker"
)

func newTestSupervisor() *Supervisor {
	return &Supervisor{
		Name:     "test",
		Logger:   logging.NewLogger(logging.NewQueue(64), "test", "supervisor"),
		LogQueue: logging.NewQueue(64),
		registry: make(map[string]*entry),
	}
}

func TestHandlePingRespondsWithPeerAddress(t *testing.T) {
	s := newTestSupervisor()
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	peer := &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 4242}
	go s.handleHandshake(serverConn, peer)

	writeHandshake(t, clientConn, nil)
	resp := readEnvelope(t, clientConn)

	list, ok := resp["response"].([]any)
	if !ok || len(list) != 2 {
		t.Fatalf("expected [ip, port] response, got %+v", resp["response"])
	}
	if list[0] != "10.0.0.5" {
		t.Fatalf("expected ip 10.0.0.5, got %v", list[0])
	}
}

func TestHandleHelpListsModules(t *testing.T) {
	s := newTestSupervisor()
	s.registry["calc"] = &entry{descriptor: config.Descriptor{Source: "calc.so"}, handle: &workerHandle{}}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	go s.handleHandshake(serverConn, &net.TCPAddr{})

	help := "_help"
	writeHandshake(t, clientConn, &help)
	resp := readEnvelope(t, clientConn)

	text, ok := resp["response"].(string)
	if !ok || !contains(text, "calc") {
		t.Fatalf("expected help text to mention registered module, got %+v", resp["response"])
	}
}

func TestHandleRouteUnknownModuleReturnsError(t *testing.T) {
	s := newTestSupervisor()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	go s.handleHandshake(serverConn, &net.TCPAddr{})

	name := "nope"
	writeHandshake(t, clientConn, &name)
	resp := readEnvelope(t, clientConn)

	if resp["error"] != true {
		t.Fatalf("expected error envelope for unknown module, got %+v", resp)
	}
}

func TestHandleRouteLiveModuleAcksAndHandsOff(t *testing.T) {
	s := newTestSupervisor()
	inbound := make(chan *worker.ClientHandoff, 1)
	s.registry["calc"] = &entry{
		descriptor: config.Descriptor{Source: "calc.so"},
		handle:     &workerHandle{},
		inbound:    inbound,
	}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	go s.handleHandshake(serverConn, &net.TCPAddr{Port: 9})

	name := "calc"
	writeHandshake(t, clientConn, &name)
	resp := readEnvelope(t, clientConn)

	if resp["response"] != "ack" {
		t.Fatalf("expected ack, got %+v", resp)
	}

	select {
	case handoff := <-inbound:
		if handoff == nil || handoff.Conn == nil {
			t.Fatal("expected a populated handoff")
		}
	case <-time.After(time.Second):
		t.Fatal("handoff never arrived on inbound queue")
	}
}

func TestGetModulesFiltersByPrefix(t *testing.T) {
	s := newTestSupervisor()
	s.registry["gpio.fan"] = &entry{handle: &workerHandle{}}
	s.registry["gpio.pump"] = &entry{handle: &workerHandle{}}
	s.registry["sensor.temp"] = &entry{handle: &workerHandle{}}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	go s.handleHandshake(serverConn, &net.TCPAddr{})

	name := "_get_modules.gpio."
	writeHandshake(t, clientConn, &name)
	resp := readEnvelope(t, clientConn)

	list, ok := resp["response"].([]any)
	if !ok || len(list) != 2 {
		t.Fatalf("expected 2 gpio modules, got %+v", resp["response"])
	}
}

func writeHandshake(t *testing.T, conn net.Conn, name *string) {
	t.Helper()
	frame, err := protocol.Encode(protocol.Handshake{Name: name})
	if err != nil {
		t.Fatalf("encode handshake: %v", err)
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
}

func readEnvelope(t *testing.T, conn net.Conn) map[string]any {
	t.Helper()
	msg, err := protocol.DecodeStream(conn, time.Second, nil)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return msg
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
