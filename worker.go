package botfleet

import (
	"sync"
	"time"
)

// WorkerStatus is a point-in-time snapshot of one supervised worker.
// Snapshots are value copies: readers never observe a mutation in
// progress, and holding one does not pin supervisor state.
type WorkerStatus struct {
	// ID is the stable worker identity
	ID string `json:"id"`
	// State is the lifecycle state at snapshot time
	State WorkerState `json:"-"`
	// StateName is the textual state, for the status record on disk
	StateName string `json:"state"`
	// PID is the OS process id, 0 when no process is live
	PID int `json:"pid"`
	// Restarts is the number of restarts performed so far
	Restarts int `json:"restarts"`
	// LastExit describes the most recent process exit, if any
	LastExit string `json:"last_exit,omitempty"`
	// LastHeartbeat is the time of the most recent worker heartbeat
	LastHeartbeat time.Time `json:"last_heartbeat,omitzero"`
	// Since is the time of the last state transition
	Since time.Time `json:"since"`
}

// workerEntry is the supervisor-private record for one worker. The state
// field is mutated only by the worker's supervise loop and the supervisor
// mutex; everything outside the supervisor reads WorkerStatus snapshots.
type workerEntry struct {
	cfg WorkerConfig

	state     WorkerState
	pid       int
	restarts  int
	lastExit  string
	since     time.Time
	heartbeat time.Time

	channel *Channel
	proc    Process

	// helloCh is recreated per spawn and closed on the start ack
	helloCh chan struct{}
	// stop is closed to request shutdown; graceful records the mode
	stop     chan struct{}
	graceful bool
	// done is closed when the supervise loop has fully exited
	done chan struct{}
	// probeKick wakes the supervise loop on fatal health transitions
	probeKick chan struct{}

	// statusMu serializes status record writes for this worker; statusSeq
	// orders them so a stale snapshot never lands after a newer one
	statusMu  sync.Mutex
	statusSeq uint64
}

func newWorkerEntry(cfg WorkerConfig) *workerEntry {
	return &workerEntry{
		cfg:       cfg,
		state:     StatePending,
		since:     time.Now(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		probeKick: make(chan struct{}, 1),
	}
}

// snapshot must be called with the supervisor mutex held
func (w *workerEntry) snapshot() WorkerStatus {
	return WorkerStatus{
		ID:            w.cfg.ID,
		State:         w.state,
		StateName:     w.state.String(),
		PID:           w.pid,
		Restarts:      w.restarts,
		LastExit:      w.lastExit,
		LastHeartbeat: w.heartbeat,
		Since:         w.since,
	}
}
