package logging

import "time"

// Level mirrors the handful of severities this taxonomy needs: debug
// detail, routine info, a recoverable problem, and a critical one that
// usually precedes a restart.
type Level int8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Record is a single log entry as it travels the fan-in queue from any
// producer (the supervisor, any worker, or the log sink itself) to the
// sink. It carries a fixed field set.
type Record struct {
	Time      time.Time
	Process   string // process-name: the server name for the supervisor, "worker-<module>" for a worker
	Logger    string // logger-name: the Go package/component that logged
	Level     Level
	Message   string
	Exception string // formatted exception/traceback, empty if none
}
