// Package ipc implements the length-prefixed JSON control frames the
// supervisor and each worker's module-host subprocess exchange over a
// dedicated stdin/stdout pipe pair — the process-boundary analogue of
// the in-memory queues used between supervisor and worker in the same
// process. Framing is a big-endian uint32 length header + JSON body
// (encoding/binary).
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame to guard against a corrupted or
// malicious length header wedging a reader on an enormous allocation.
const MaxFrameSize = 10 * 1024 * 1024

// WriteFrame marshals v to JSON and writes it to w as a length-prefixed
// frame.
func WriteFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ipc: marshal frame: %w", err)
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(body)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("ipc: write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("ipc: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r and unmarshals it
// into v.
func ReadFrame(r io.Reader, v any) error {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return err
	}

	size := binary.BigEndian.Uint32(header)
	if size == 0 || size > MaxFrameSize {
		return fmt.Errorf("ipc: frame size %d out of bounds", size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("ipc: read frame body: %w", err)
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("ipc: unmarshal frame: %w", err)
	}
	return nil
}
