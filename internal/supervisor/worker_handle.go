package supervisor

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"modserv/internal/config"
	"modserv/internal/ipc"
	"modserv/internal/modulehost"
)

// workerHandle is the concrete worker.Host: it owns the os/exec'd
// module-host subprocess for one named worker and speaks the ipc
// framing over its stdin/stdout, the process-isolation analogue of the
// teacher's *Worker wrapping a PHP child over length-prefixed pipes.
type workerHandle struct {
	name       string
	descriptor config.Descriptor
	selfExe    string

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	waitDone chan struct{}
}

// newWorkerHandle builds a handle without starting a subprocess yet;
// call Respawn to perform the initial load.
func newWorkerHandle(name string, descriptor config.Descriptor, selfExe string) *workerHandle {
	return &workerHandle{name: name, descriptor: descriptor, selfExe: selfExe}
}

// Send implements worker.Host by framing req to the subprocess's stdin
// and reading exactly one framed response from its stdout.
func (h *workerHandle) Send(req modulehost.Request) (modulehost.Response, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stdin == nil {
		return modulehost.Response{}, fmt.Errorf("supervisor: worker %s has no live module host", h.name)
	}

	if err := ipc.WriteFrame(h.stdin, req); err != nil {
		return modulehost.Response{}, fmt.Errorf("supervisor: write to worker %s: %w", h.name, err)
	}

	var resp modulehost.Response
	if err := ipc.ReadFrame(h.stdout, &resp); err != nil {
		return modulehost.Response{}, fmt.Errorf("supervisor: read from worker %s: %w", h.name, err)
	}
	return resp, nil
}

// Respawn implements worker.Host: it kills any existing module-host
// subprocess, starts a fresh one re-executing this same binary in
// worker mode, and waits for its initial "loaded" report. This is the
// whole of "hot reload" at the process level — see internal/module's
// Loader doc comment for why a fresh process is required rather than
// re-importing in place.
func (h *workerHandle) Respawn() (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.killLocked()

	cmd := exec.Command(h.selfExe, "-worker", h.name)
	cmd.Env = append(os.Environ(),
		"MODSERV_WORKER_SOURCE="+h.descriptor.Source,
		"MODSERV_WORKER_ENTRY="+h.descriptor.Entry,
		"MODSERV_WORKER_DISPATCHER="+h.descriptor.Dispatcher,
	)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return false, fmt.Errorf("supervisor: stdin pipe for %s: %w", h.name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return false, fmt.Errorf("supervisor: stdout pipe for %s: %w", h.name, err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return false, fmt.Errorf("supervisor: start module host for %s: %w", h.name, err)
	}

	h.cmd, h.stdin, h.stdout = cmd, stdin, stdout
	h.waitDone = make(chan struct{})
	go func(c *exec.Cmd, done chan struct{}) {
		_ = c.Wait()
		close(done)
	}(cmd, h.waitDone)

	var loaded modulehost.Response
	if err := ipc.ReadFrame(stdout, &loaded); err != nil {
		h.killLocked()
		return false, fmt.Errorf("supervisor: read load report for %s: %w", h.name, err)
	}

	return loaded.Loaded, nil
}

// Kill tears down the subprocess unconditionally, used during
// supervisor shutdown.
func (h *workerHandle) Kill() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.killLocked()
}

func (h *workerHandle) killLocked() {
	if h.stdin != nil {
		_ = h.stdin.Close()
		h.stdin = nil
	}
	if h.stdout != nil {
		_ = h.stdout.Close()
		h.stdout = nil
	}
	if h.cmd != nil && h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
	if h.waitDone != nil {
		select {
		case <-h.waitDone:
		case <-time.After(2 * time.Second):
		}
	}
	h.cmd = nil
	h.waitDone = nil
}

// IsAlive reports whether the subprocess is still running, the basis
// for the supervisor's liveness check: a worker whose process exited
// without going through the cooperative shutdown path is "expected
// alive but is not" and gets restarted.
func (h *workerHandle) IsAlive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cmd == nil || h.waitDone == nil {
		return false
	}
	select {
	case <-h.waitDone:
		return false
	default:
		return true
	}
}
