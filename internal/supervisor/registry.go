package supervisor

import (
	"modserv/internal/config"
	"modserv/internal/worker"
)

// entry is one registry row: the descriptor the supervisor last loaded
// for this name, the handle reaching its module-host subprocess, the
// inbound queue its runtime reads — recycled across restarts of the
// same named worker so nothing posted moments ago is lost — and done,
// closed once that runtime returns (or at once when the load failed
// and no runtime was started).
type entry struct {
	descriptor config.Descriptor
	handle     *workerHandle
	inbound    chan *worker.ClientHandoff
	done       chan struct{}
}

// alive reports whether this entry's module host loaded successfully
// the last time it was (re)started.
func (e *entry) alive() bool {
	return e.handle != nil
}
