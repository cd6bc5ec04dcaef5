// Package supervisor owns the listening socket, the module registry,
// and the lifetime of every worker subprocess. It is the only context
// that ever mutates the registry, preserving a single-writer invariant
// over that map.
package supervisor

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"modserv/internal/config"
	"modserv/internal/logging"
	"modserv/internal/protocol"
	"modserv/internal/worker"
)

// acceptTimeout bounds each accept() attempt so the main loop can
// service periodic reconciliation and liveness work between accepts.
const acceptTimeout = time.Second

// loadTimeout bounds how long start_worker waits for a module host's
// initial load report before declaring the attempt dead.
const loadTimeout = 5 * time.Second

// stopTimeout bounds how long start_worker/Shutdown wait for an old
// worker to join cooperatively before force-killing it.
const stopTimeout = 5 * time.Second

// handshakeTimeout bounds how long handle_handshake waits for the
// first frame on a freshly accepted connection.
const handshakeTimeout = time.Second

// Supervisor binds the listening socket, reconciles the registry
// against the config file, restarts dead workers, and routes incoming
// handshakes.
type Supervisor struct {
	Name       string
	ConfigPath string
	SelfExe    string
	Logger     *logging.Logger
	LogQueue   *logging.Queue

	listener      *net.TCPListener
	registry      map[string]*entry
	configTracker *config.ChangeTracker
	nudger        *config.Nudger
}

// New builds a Supervisor. selfExe is the path to the current binary,
// re-executed in "-worker" mode to host each module.
func New(name, configPath, selfExe string, logQueue *logging.Queue) *Supervisor {
	return &Supervisor{
		Name:          name,
		ConfigPath:    configPath,
		SelfExe:       selfExe,
		Logger:        logging.NewLogger(logQueue, name, "supervisor"),
		LogQueue:      logQueue,
		registry:      make(map[string]*entry),
		configTracker: config.NewChangeTracker(),
	}
}

// Start binds the listening socket and runs the accept/reconcile loop
// until Shutdown is called (from a signal handler) or a bind error
// occurs.
func (s *Supervisor) Start(bindAddr string, bindPort int) error {
	addr := &net.TCPAddr{IP: net.ParseIP(bindAddr), Port: bindPort}
	if addr.IP == nil {
		resolved, err := net.ResolveIPAddr("ip", bindAddr)
		if err != nil {
			return fmt.Errorf("supervisor: resolve bind address %q: %w", bindAddr, err)
		}
		addr.IP = resolved.IP
	}

	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return fmt.Errorf("supervisor: bind %s:%d: %w", bindAddr, bindPort, err)
	}
	s.listener = listener
	s.nudger = config.NewNudger(s.ConfigPath)

	s.Logger.Info("%s: listening on %s", s.Name, listener.Addr())

	// First reconciliation happens unconditionally so the registry is
	// populated before the first accept.
	s.reconcile()

	for {
		if err := s.acceptOne(); err != nil {
			if !isClosedListener(err) {
				s.Logger.Error("accept: %v", err)
				continue
			}
			return nil
		}

		if s.configTracker.Changed(s.ConfigPath) {
			s.reconcile()
		}
		s.checkLiveness()
	}
}

func isClosedListener(err error) bool {
	return strings.Contains(err.Error(), "use of closed network connection")
}

// acceptOne attempts one Accept bounded by acceptTimeout. A timeout is
// not an error: it simply gives control back to the caller to run
// periodic work. Any other failure (including listener closed) is
// returned so Start can tell the two apart.
func (s *Supervisor) acceptOne() error {
	if err := s.listener.SetDeadline(time.Now().Add(acceptTimeout)); err != nil {
		return err
	}

	conn, err := s.listener.Accept()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil
		}
		return err
	}

	// Handled synchronously: the registry is touched only from this
	// single context (handleRoute reads it, reconcile/checkLiveness
	// below write it), so nothing here may run concurrently with those
	// without a lock.
	s.handleHandshake(conn, conn.RemoteAddr())
	return nil
}

// handleHandshake decodes the first frame on a freshly accepted
// connection and routes it: ping, help, reload, get_modules, a live
// module name (handed off), or an error.
func (s *Supervisor) handleHandshake(conn net.Conn, peerAddr net.Addr) {
	msg, err := protocol.DecodeStream(conn, handshakeTimeout, []string{"name"})
	if err != nil {
		if !protocol.IsPeerGone(err) {
			s.replyAndClose(conn, protocol.Fail(err.Error(), ""))
		} else {
			_ = conn.Close()
		}
		return
	}

	switch name := msg["name"].(type) {
	case nil:
		s.replyPing(conn, peerAddr)
	case string:
		switch {
		case name == protocol.PingName:
			s.replyPing(conn, peerAddr)
		case name == protocol.HelpName:
			s.replyAndClose(conn, protocol.OK(s.helpText()))
		case strings.HasPrefix(name, protocol.ReloadPrefix):
			s.handleReload(conn, strings.TrimPrefix(name, protocol.ReloadPrefix))
		case strings.HasPrefix(name, protocol.GetModulesPrefix):
			s.handleGetModules(conn, strings.TrimPrefix(name, protocol.GetModulesPrefix))
		default:
			s.handleRoute(conn, peerAddr, name)
		}
	default:
		s.replyAndClose(conn, protocol.Fail("name must be a string or null", ""))
	}
}

func (s *Supervisor) replyPing(conn net.Conn, peerAddr net.Addr) {
	host, port := splitHostPort(peerAddr)
	s.replyAndClose(conn, protocol.OK([]any{host, port}))
}

func splitHostPort(addr net.Addr) (string, int) {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String(), tcp.Port
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	var port int
	_, _ = fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

func (s *Supervisor) helpText() string {
	names := s.moduleNames("")
	sort.Strings(names)
	return fmt.Sprintf(
		"Available modules: %s\n\nprotocol: send {\"name\": <module>} to open a session, "+
			"then {\"function\": <name>, \"args\": [...], \"keep_alive\": <bool>} per call.",
		strings.Join(names, ", "),
	)
}

func (s *Supervisor) handleReload(conn net.Conn, moduleName string) {
	e, ok := s.registry[moduleName]
	if !ok {
		s.replyAndClose(conn, protocol.Fail(fmt.Sprintf("no such module %q", moduleName), ""))
		return
	}
	ne := s.startWorker(moduleName, e.descriptor, e)
	s.registry[moduleName] = ne
	if ne.alive() {
		s.replyAndClose(conn, protocol.OK(fmt.Sprintf("reloaded %q", moduleName)))
	} else {
		s.replyAndClose(conn, protocol.Fail(fmt.Sprintf("reload of %q failed", moduleName), ""))
	}
}

func (s *Supervisor) handleGetModules(conn net.Conn, prefix string) {
	names := s.moduleNames(prefix)
	sort.Strings(names)
	values := make([]any, len(names))
	for i, n := range names {
		values[i] = n
	}
	s.replyAndClose(conn, protocol.OK(values))
}

func (s *Supervisor) moduleNames(prefix string) []string {
	names := make([]string, 0, len(s.registry))
	for name := range s.registry {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names
}

// handleRoute is the normal, hot path: a handshake naming a live
// module gets "ack" and the connection, never closed by the
// supervisor again.
func (s *Supervisor) handleRoute(conn net.Conn, peerAddr net.Addr, name string) {
	e, ok := s.registry[name]
	if !ok || !e.alive() {
		s.replyAndClose(conn, protocol.Fail(fmt.Sprintf("%s does not exist (case matters)", name), ""))
		return
	}

	frame, err := protocol.Encode(protocol.OK("ack"))
	if err != nil {
		s.replyAndClose(conn, protocol.Fail("internal encoding error", ""))
		return
	}
	if _, err := conn.Write(frame); err != nil {
		_ = conn.Close()
		return
	}

	e.inbound <- &worker.ClientHandoff{Conn: conn, Peer: peerAddr}
}

func (s *Supervisor) replyAndClose(conn net.Conn, resp protocol.Response) {
	frame, err := protocol.Encode(resp)
	if err == nil {
		_, _ = conn.Write(frame)
	}
	_ = conn.Close()
}

// reconcile loads the config file, diffs it against the registry by
// name and descriptor equality, and starts/stops workers accordingly.
// A load or parse failure is logged and leaves the registry untouched.
func (s *Supervisor) reconcile() {
	fresh, err := config.LoadAndClean(s.ConfigPath, s.Logger.Warn)
	if err != nil {
		s.Logger.Error("reconcile: %v", err)
		return
	}

	for name, d := range fresh {
		old, exists := s.registry[name]
		if exists && old.descriptor.Equal(d) {
			continue
		}
		s.registry[name] = s.startWorker(name, d, old)
	}

	for name, old := range s.registry {
		if _, stillConfigured := fresh[name]; !stillConfigured {
			stopWorker(old)
			delete(s.registry, name)
		}
	}
}

// checkLiveness restarts any worker whose subprocess died without
// going through the cooperative STOPPING path.
func (s *Supervisor) checkLiveness() {
	for name, e := range s.registry {
		if e.handle == nil || e.handle.IsAlive() {
			continue
		}
		s.Logger.Critical("worker %s: process died unexpectedly, restarting", name)
		s.registry[name] = s.startWorker(name, e.descriptor, e)
	}
}

// startWorker stops old's subprocess (if live), recycles its inbound
// queue, spawns a fresh module-host subprocess, and — on success —
// starts a new worker.Runtime driving it. On load failure the returned
// entry has a nil handle and is never posted to again until
// reconciliation retries it.
func (s *Supervisor) startWorker(name string, d config.Descriptor, old *entry) *entry {
	var inbound chan *worker.ClientHandoff
	if old != nil {
		inbound = old.inbound
		stopWorker(old)
	} else {
		inbound = make(chan *worker.ClientHandoff, 1)
	}

	handle := newWorkerHandle(name, d, s.SelfExe)

	type loadResult struct {
		ok  bool
		err error
	}
	resCh := make(chan loadResult, 1)
	go func() {
		ok, err := handle.Respawn()
		resCh <- loadResult{ok, err}
	}()

	var ok bool
	select {
	case res := <-resCh:
		ok = res.ok
		if res.err != nil {
			s.Logger.Error("worker %s: load failed: %v", name, res.err)
		}
	case <-time.After(loadTimeout):
		s.Logger.Critical("worker %s: load timed out, force-killing", name)
		handle.Kill()
		ok = false
	}

	e := &entry{descriptor: d, inbound: inbound, done: make(chan struct{})}
	if !ok {
		handle.Kill()
		close(e.done)
		return e
	}

	e.handle = handle
	rt := &worker.Runtime{
		Name:       name,
		Descriptor: d,
		Inbound:    inbound,
		Host:       handle,
		Tracker:    config.NewChangeTracker(),
		Logger:     logging.NewLogger(s.LogQueue, "worker-"+name, name),
	}
	go func() {
		rt.Run()
		close(e.done)
	}()
	s.Logger.Info("worker %s: (re)started", name)
	return e
}

// stopWorker posts the termination sentinel and waits up to
// stopTimeout for the runtime to join; a stuck worker is force-killed.
func stopWorker(e *entry) {
	if e == nil || e.handle == nil {
		return
	}

	deadline := time.Now().Add(stopTimeout)

	select {
	case e.inbound <- nil:
	case <-time.After(time.Until(deadline)):
		e.handle.Kill()
		return
	}

	select {
	case <-e.done:
	case <-time.After(time.Until(deadline)):
		e.handle.Kill()
	}
}

// Shutdown closes the listening socket, stops every worker in
// registry-iteration order, and the caller is responsible for closing
// the log queue afterward (cmd/modservd owns the sink's lifetime).
func (s *Supervisor) Shutdown() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.nudger != nil {
		_ = s.nudger.Close()
	}
	for name, e := range s.registry {
		stopWorker(e)
		delete(s.registry, name)
	}
}
