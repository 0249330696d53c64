package botfleet

import "time"

// Runtime directory and file constants
const (
	// SocketFile is the per-worker IPC socket file name
	SocketFile = "ipc.sock"

	// StatusFile is the per-worker status record file name
	StatusFile = "status"

	// SocketEnv is the environment variable naming the IPC socket path
	// passed to every spawned worker process
	SocketEnv = "BOTFLEET_SOCKET"

	// WorkerIDEnv is the environment variable naming the worker id
	WorkerIDEnv = "BOTFLEET_WORKER_ID"

	// DefaultWatchDebounce is the default debounce time for status watching
	DefaultWatchDebounce = 25 * time.Millisecond

	// DefaultDialTimeout is the default timeout for IPC socket connections
	DefaultDialTimeout = 2 * time.Second

	// DefaultWriteTimeout is the default timeout for IPC frame writes
	DefaultWriteTimeout = 1 * time.Second

	// DefaultHeartbeatInterval is the default worker heartbeat period
	DefaultHeartbeatInterval = 1 * time.Second

	// DefaultStartupTimeout is the default deadline for a worker's first
	// heartbeat after spawn
	DefaultStartupTimeout = 10 * time.Second

	// DefaultGracePeriod is the default wait between a termination signal
	// and a forced kill
	DefaultGracePeriod = 5 * time.Second

	// DefaultRestartBackoffMin is the minimum restart backoff duration
	DefaultRestartBackoffMin = 250 * time.Millisecond

	// DefaultRestartBackoffMax is the maximum restart backoff duration
	DefaultRestartBackoffMax = 30 * time.Second

	// DefaultRestartMaxAttempts is the default restart-attempt ceiling
	DefaultRestartMaxAttempts = 5

	// DefaultProbeInterval is the default health probe period
	DefaultProbeInterval = 2 * time.Second

	// DefaultProbeTimeout is the default per-probe timeout
	DefaultProbeTimeout = 1 * time.Second

	// DefaultDispatchTimeout is the default command reply deadline
	DefaultDispatchTimeout = 10 * time.Second

	// DefaultPoolMaxConns is the default connection pool size limit
	DefaultPoolMaxConns = 16

	// DefaultPoolIdleTimeout is the default idle-handle reap threshold
	DefaultPoolIdleTimeout = 5 * time.Minute

	// DefaultDispatchConcurrency is the default fan-out width for
	// set and broadcast dispatch
	DefaultDispatchConcurrency = 10

	// probeFailureThreshold is the number of consecutive probe failures
	// that downgrades a health classification by one level
	probeFailureThreshold = 3
)

// File modes
const (
	// DirMode is the default mode for created runtime directories
	DirMode = 0o755

	// FileMode is the default mode for created status files
	FileMode = 0o644
)

// WorkerState is the lifecycle state of a supervised worker
type WorkerState int

const (
	// StatePending means the worker is registered but not yet spawned
	StatePending WorkerState = iota
	// StateStarting means spawn was issued, awaiting the first heartbeat
	StateStarting
	// StateRunning means the worker acknowledged startup and is healthy
	StateRunning
	// StateDegraded means probes are failing below the fatal threshold
	StateDegraded
	// StateRestarting means the worker is in backoff before a respawn
	StateRestarting
	// StateStopping means a graceful shutdown is in progress
	StateStopping
	// StateStopped means the worker exited on request
	StateStopped
	// StateFailed is terminal: spawn failed or the restart ceiling was hit
	StateFailed
)

// String returns the string representation of a WorkerState
func (s WorkerState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDegraded:
		return "degraded"
	case StateRestarting:
		return "restarting"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Active reports whether the worker currently has (or is about to have)
// a live process.
func (s WorkerState) Active() bool {
	switch s {
	case StateStarting, StateRunning, StateDegraded, StateRestarting, StateStopping:
		return true
	default:
		return false
	}
}

// Dispatchable reports whether the worker may receive routed commands.
func (s WorkerState) Dispatchable() bool {
	return s == StateRunning || s == StateDegraded
}

// Operation represents a control-plane operation type, used for error
// reporting.
type Operation int

const (
	// OpUnknown represents an unknown operation
	OpUnknown Operation = iota
	// OpStart is a worker start request
	OpStart
	// OpStop is a worker stop request
	OpStop
	// OpRemove is a worker removal request
	OpRemove
	// OpDispatch is a routed command dispatch
	OpDispatch
	// OpAcquire is a pool handle acquisition
	OpAcquire
	// OpRelease is a pool handle release
	OpRelease
	// OpProbe is a health probe
	OpProbe
	// OpStatus is a status read or write
	OpStatus
	// OpWatch is a status watch
	OpWatch
	// OpConfig is a configuration load or reload
	OpConfig
)

// String returns the string representation of an Operation
func (op Operation) String() string {
	switch op {
	case OpStart:
		return "start"
	case OpStop:
		return "stop"
	case OpRemove:
		return "remove"
	case OpDispatch:
		return "dispatch"
	case OpAcquire:
		return "acquire"
	case OpRelease:
		return "release"
	case OpProbe:
		return "probe"
	case OpStatus:
		return "status"
	case OpWatch:
		return "watch"
	case OpConfig:
		return "config"
	default:
		return "unknown"
	}
}
