// Command modservd is the supervisor launch wrapper: it parses the
// launch parameters, wires up logging, and runs the supervisor until
// SIGINT. Invoked with -worker, it instead becomes a
// module-host subprocess hosting a single module instance — see
// internal/modulehost.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"modserv/internal/config"
	"modserv/internal/logging"
	"modserv/internal/module"
	"modserv/internal/modulehost"
	"modserv/internal/supervisor"
)

func main() {
	name := flag.String("name", "modserv", "server name, used as the log process tag")
	configPath := flag.String("config", "modules.json", "path to the module configuration file")
	bindAddr := flag.String("bind-addr", "localhost", "TCP bind address")
	bindPort := flag.Int("bind-port", 36577, "TCP bind port")
	logLevel := flag.String("log-level", "info", "minimum log level: debug, info, warn, error, critical")
	logFile := flag.String("log-file", "", "optional path to a rotated JSON log file")
	workerMode := flag.Bool("worker", false, "internal: run as a module-host subprocess instead of the supervisor")
	flag.Parse()

	if *workerMode {
		runWorker(flag.Arg(0))
		return
	}

	runSupervisor(*name, *configPath, *bindAddr, *bindPort, *logLevel, *logFile)
}

func runSupervisor(name, configPath, bindAddr string, bindPort int, logLevel, logFile string) {
	// TODO: thread logLevel into logging.NewSink as a minimum-level
	// floor once a deployment needs to suppress debug noise; the sink
	// currently forwards every record regardless of level.
	_ = logLevel

	queue := logging.NewQueue(1024)
	sink := logging.NewSink(logFile)
	sinkDone := make(chan struct{})
	go func() {
		sink.Run(queue.C())
		close(sinkDone)
	}()

	selfExe, err := os.Executable()
	if err != nil {
		fmt.Fprintln(os.Stderr, "modservd: cannot resolve own executable path:", err)
		os.Exit(1)
	}

	sup := supervisor.New(name, configPath, selfExe, queue)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		sup.Logger.Info("shutdown requested")
		sup.Shutdown()
		queue.Close()
	}()

	if err := sup.Start(bindAddr, bindPort); err != nil {
		sup.Logger.Critical("supervisor exited: %v", err)
		queue.Close()
		<-sinkDone
		os.Exit(1)
	}

	<-sinkDone
}

// runWorker hosts exactly one module instance, reading its descriptor
// from the environment (set by the supervisor's workerHandle.Respawn)
// and serving control frames on stdin/stdout until shutdown.
func runWorker(name string) {
	d := config.Descriptor{
		Source:     os.Getenv("MODSERV_WORKER_SOURCE"),
		Entry:      os.Getenv("MODSERV_WORKER_ENTRY"),
		Dispatcher: os.Getenv("MODSERV_WORKER_DISPATCHER"),
	}

	if err := modulehost.Run(os.Stdin, os.Stdout, d, module.PluginLoader{}); err != nil {
		fmt.Fprintf(os.Stderr, "modservd: worker %s: %v\n", name, err)
		os.Exit(1)
	}
}
