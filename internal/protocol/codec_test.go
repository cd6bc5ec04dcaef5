package protocol

import (
	"net"
	"strings"
	"testing"
	"time"
)

func TestEncodeAppendsSingleDelimiter(t *testing.T) {
	out, err := Encode(map[string]any{"a": "line\nbreak"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if out[len(out)-1] != Delim {
		t.Fatalf("expected frame to end with delimiter, got %q", out)
	}
	if strings.Count(string(out), "\n") != 1 {
		t.Fatalf("expected exactly one unencoded newline, got: %q", out)
	}
}

func TestRoundTripThroughPipe(t *testing.T) {
	payload := map[string]any{
		"name":    "weird value with + % and \n newline and unicode é",
		"number":  42.0,
		"nilable": nil,
	}

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		frame, err := Encode(payload)
		if err != nil {
			t.Errorf("Encode: %v", err)
			return
		}
		_, _ = client.Write(frame)
	}()

	got, err := DecodeStream(server, time.Second, nil)
	if err != nil {
		t.Fatalf("DecodeStream: %v", err)
	}

	if got["name"] != payload["name"] {
		t.Fatalf("name mismatch: got %v want %v", got["name"], payload["name"])
	}
	if got["number"] != payload["number"] {
		t.Fatalf("number mismatch: got %v want %v", got["number"], payload["number"])
	}
	if v, ok := got["nilable"]; !ok || v != nil {
		t.Fatalf("expected nilable present and nil, got %v (present=%v)", v, ok)
	}
}

func TestDecodeStreamMissingRequiredField(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		frame, _ := Encode(map[string]any{"function": "add"})
		_, _ = client.Write(frame)
	}()

	_, err := DecodeStream(server, time.Second, []string{"function", "args", "keep_alive"})
	if err == nil {
		t.Fatal("expected error for missing required fields")
	}
	var bad *BadRequestError
	if !asBadRequest(err, &bad) {
		t.Fatalf("expected *BadRequestError, got %T: %v", err, err)
	}
}

func TestDecodeStreamTimeoutOnSilentConnection(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	_, err := DecodeStream(server, 50*time.Millisecond, nil)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestDecodeStreamClosedConnection(t *testing.T) {
	client, server := net.Pipe()
	_ = client.Close()
	defer server.Close()

	_, err := DecodeStream(server, time.Second, nil)
	if err != ErrConnectionClosed {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}

func asBadRequest(err error, target **BadRequestError) bool {
	if br, ok := err.(*BadRequestError); ok {
		*target = br
		return true
	}
	return false
}
