package modulehost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"

	"modserv/internal/config"
	"modserv/internal/ipc"
	"modserv/internal/module"
)

// ErrFunctionNotFound is returned when a direct-lookup dispatch names a
// function the instance does not implement, the typed equivalent of the
// original's "function not found in instance (case matters)".
var ErrFunctionNotFound = errors.New("function not found in instance (case matters)")

// Run is the module-host subprocess's entire life: load the module
// named by d exactly once, report success/failure on out, then serve
// dispatch/shutdown control frames from in until shutdown is requested
// or in closes unexpectedly. It returns nil only after a clean
// shutdown acknowledgement has been sent.
func Run(in io.Reader, out io.Writer, d config.Descriptor, loader module.Loader) error {
	instance, err := loader.Load(d.Source, d.Entry)
	if err != nil {
		_ = ipc.WriteFrame(out, Response{Kind: "loaded", Loaded: false})
		return fmt.Errorf("modulehost: load %s: %w", d.Source, err)
	}
	if err := ipc.WriteFrame(out, Response{Kind: "loaded", Loaded: true}); err != nil {
		return fmt.Errorf("modulehost: report load success: %w", err)
	}

	for {
		var req Request
		if err := ipc.ReadFrame(in, &req); err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("modulehost: parent pipe closed without shutdown: %w", io.ErrUnexpectedEOF)
			}
			return fmt.Errorf("modulehost: read control frame: %w", err)
		}

		switch req.Kind {
		case "dispatch":
			resp := dispatch(instance, d, req)
			if err := ipc.WriteFrame(out, resp); err != nil {
				return fmt.Errorf("modulehost: write dispatch result: %w", err)
			}

		case "shutdown":
			if closer, ok := instance.(module.Closer); ok {
				_ = closer.Close()
			}
			return ipc.WriteFrame(out, Response{Kind: "shutdown_ack"})

		default:
			if err := ipc.WriteFrame(out, Response{Kind: "result", Errored: true, ErrMsg: fmt.Sprintf("unknown control frame kind %q", req.Kind)}); err != nil {
				return err
			}
		}
	}
}

func dispatch(instance module.Module, d config.Descriptor, req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = Response{
				Kind:      "result",
				Errored:   true,
				ErrMsg:    fmt.Sprintf("panic in module dispatch: %v", r),
				Traceback: string(debug.Stack()),
			}
		}
	}()

	ctx := context.Background()

	var (
		value any
		err   error
	)

	if d.Dispatcher != "" {
		disp, ok := instance.(module.Dispatcher)
		if !ok {
			return Response{Kind: "result", Errored: true, ErrMsg: fmt.Sprintf("module has no dispatcher %q configured", d.Dispatcher)}
		}
		value, err = disp.Dispatch(ctx, req.PeerIP, req.Function, req.Args)
	} else {
		value, err = instance.Call(ctx, req.Function, req.Args)
	}

	if err != nil {
		// A module reporting ErrFunctionNotFound is a bad request, not a
		// crash: skip the traceback reserved for genuine dispatch
		// failures.
		if errors.Is(err, ErrFunctionNotFound) {
			return Response{Kind: "result", Errored: true, ErrMsg: err.Error()}
		}
		return Response{
			Kind:      "result",
			Errored:   true,
			ErrMsg:    err.Error(),
			Traceback: formatTraceback(err),
		}
	}
	return Response{Kind: "result", Value: value}
}

func formatTraceback(err error) string {
	return fmt.Sprintf("%+v\n%s", err, debug.Stack())
}
