package botfleet

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"sort"
	"sync"
	"syscall"
	"time"

	"vawter.tech/stopper"
)

// Supervisor owns the lifecycle state machine for every worker process:
// spawn, supervise, restart-on-failure, graceful shutdown. Process handles
// are owned exclusively by the Supervisor; everything else observes
// workers through WorkerStatus snapshots.
type Supervisor struct {
	// Dir is the runtime directory holding per-worker sockets and status
	Dir string
	// Restart bounds restart-on-failure behavior
	Restart RestartConfig

	runner  ProcessRunner
	pool    *Pool
	monitor *Monitor
	logger  *slog.Logger

	mu      sync.Mutex
	workers map[string]*workerEntry

	sctx *stopper.Context
}

// SupervisorOption configures a Supervisor
type SupervisorOption func(*Supervisor)

// WithRunner sets the process runner (ExecRunner by default)
func WithRunner(r ProcessRunner) SupervisorOption {
	return func(s *Supervisor) {
		s.runner = r
	}
}

// WithRestartPolicy sets the restart ceiling and backoff bounds
func WithRestartPolicy(rc RestartConfig) SupervisorOption {
	return func(s *Supervisor) {
		s.Restart = rc
	}
}

// WithPool attaches a connection pool whose references are released when
// a worker stops or fails
func WithPool(p *Pool) SupervisorOption {
	return func(s *Supervisor) {
		s.pool = p
	}
}

// WithMonitor attaches a health monitor; workers are registered for
// probing on start and deregistered on removal
func WithMonitor(m *Monitor) SupervisorOption {
	return func(s *Supervisor) {
		s.monitor = m
	}
}

// WithLogger sets the structured logger
func WithLogger(l *slog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.logger = l
	}
}

// NewSupervisor creates a Supervisor rooted at dir
func NewSupervisor(dir string, opts ...SupervisorOption) (*Supervisor, error) {
	if dir == "" {
		return nil, &OpError{Op: OpConfig, ID: "dir", Err: ErrInvalidConfig}
	}
	s := &Supervisor{
		Dir: dir,
		Restart: RestartConfig{
			MaxAttempts: DefaultRestartMaxAttempts,
			BackoffMin:  DefaultRestartBackoffMin,
			BackoffMax:  DefaultRestartBackoffMax,
		},
		runner:  ExecRunner{},
		logger:  slog.Default(),
		workers: make(map[string]*workerEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return nil, &OpError{Op: OpConfig, ID: dir, Err: err}
	}
	s.sctx = stopper.WithContext(context.Background())
	return s, nil
}

// StartWorker registers and spawns a worker. It fails with
// ErrAlreadyRunning if the id is active and ErrInvalidConfig if the config
// is bad; otherwise it returns once the worker has reached Starting. A
// spawn failure surfaces immediately, leaves the worker Failed, and is
// not retried.
func (s *Supervisor) StartWorker(ctx context.Context, cfg WorkerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}

	s.mu.Lock()
	if prev, ok := s.workers[cfg.ID]; ok && prev.state.Active() {
		s.mu.Unlock()
		return &OpError{Op: OpStart, ID: cfg.ID, Err: ErrAlreadyRunning}
	}
	w := newWorkerEntry(cfg)
	s.workers[cfg.ID] = w
	s.mu.Unlock()

	dir := workerDir(s.Dir, cfg.ID)
	if err := os.MkdirAll(dir, DirMode); err != nil {
		s.fail(w, fmt.Sprintf("runtime dir: %v", err))
		return &OpError{Op: OpStart, ID: cfg.ID, Err: err}
	}

	sock := socketPath(s.Dir, cfg.ID)
	_ = os.Remove(sock) // stale socket from a previous run
	ch, err := NewChannel(s.sctx, sock,
		WithHelloFunc(func() { s.noteHello(cfg.ID) }),
		WithHeartbeatFunc(func(t time.Time) { s.noteHeartbeat(cfg.ID, t) }),
	)
	if err != nil {
		s.fail(w, fmt.Sprintf("channel: %v", err))
		return &OpError{Op: OpStart, ID: cfg.ID, Err: fmt.Errorf("%w: %v", ErrSpawn, err)}
	}
	w.channel = ch

	if s.monitor != nil {
		s.monitor.Register(cfg.ID, s.WorkerProbe(cfg.ID))
	}

	startResult := make(chan error, 1)
	s.sctx.Go(func(_ *stopper.Context) error {
		s.superviseLoop(w, startResult)
		return nil
	})

	select {
	case err := <-startResult:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopWorker requests shutdown of a worker. Stopping a worker that is
// already stopped, failed, or never started succeeds silently.
func (s *Supervisor) StopWorker(ctx context.Context, id string, graceful bool) error {
	s.mu.Lock()
	w, ok := s.workers[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	switch w.state {
	case StateStopped, StateFailed, StatePending:
		s.mu.Unlock()
		return nil
	}
	w.graceful = graceful
	select {
	case <-w.stop:
		// stop already requested
	default:
		close(w.stop)
	}
	done := w.done
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RemoveWorker stops a worker and deletes its registration and runtime
// directory. Removal of an unknown id succeeds silently.
func (s *Supervisor) RemoveWorker(ctx context.Context, id string) error {
	if err := s.StopWorker(ctx, id, true); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.workers, id)
	s.mu.Unlock()
	if err := os.RemoveAll(workerDir(s.Dir, id)); err != nil {
		return &OpError{Op: OpRemove, ID: id, Err: err}
	}
	return nil
}

// ListWorkers returns a consistent snapshot of every registered worker,
// sorted by id.
func (s *Supervisor) ListWorkers() []WorkerStatus {
	s.mu.Lock()
	out := make([]WorkerStatus, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w.snapshot())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Status returns the snapshot for one worker
func (s *Supervisor) Status(id string) (WorkerStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return WorkerStatus{}, &OpError{Op: OpStatus, ID: id, Err: ErrUnknownWorker}
	}
	return w.snapshot(), nil
}

// WorkerStates returns the current lifecycle state of every registered
// worker. The router uses this snapshot for target resolution.
func (s *Supervisor) WorkerStates() map[string]WorkerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]WorkerState, len(s.workers))
	for id, w := range s.workers {
		out[id] = w.state
	}
	return out
}

// Call sends one envelope to one worker over its command channel and
// waits for the reply within ctx.
func (s *Supervisor) Call(ctx context.Context, id string, env *Envelope) (json.RawMessage, error) {
	s.mu.Lock()
	w, ok := s.workers[id]
	var ch *Channel
	if ok {
		ch = w.channel
	}
	s.mu.Unlock()
	if !ok {
		return nil, &OpError{Op: OpDispatch, ID: id, Err: ErrUnknownWorker}
	}
	if ch == nil {
		return nil, &OpError{Op: OpDispatch, ID: id, Err: ErrChannelClosed}
	}
	return ch.Call(ctx, env)
}

// WorkerProbe returns a probe function reporting liveness for one worker
// based on heartbeat freshness. Stale means no heartbeat for three
// heartbeat intervals.
func (s *Supervisor) WorkerProbe(id string) ProbeFunc {
	staleAfter := 3 * DefaultHeartbeatInterval
	return func(context.Context) error {
		s.mu.Lock()
		w, ok := s.workers[id]
		var hb time.Time
		var st WorkerState
		if ok {
			hb = w.heartbeat
			st = w.state
		}
		s.mu.Unlock()

		if !ok {
			return &OpError{Op: OpProbe, ID: id, Err: ErrUnknownWorker}
		}
		if !st.Active() {
			return &OpError{Op: OpProbe, ID: id, Err: fmt.Errorf("worker %s", st)}
		}
		if hb.IsZero() || time.Since(hb) > staleAfter {
			return &OpError{Op: OpProbe, ID: id, Err: fmt.Errorf("no heartbeat for %s", staleAfter)}
		}
		return nil
	}
}

// HandleHealthTransition reacts to a monitor classification change for a
// worker: degraded probes move Running→Degraded, recovery moves back, and
// unreachable triggers a restart through the supervise loop.
func (s *Supervisor) HandleHealthTransition(id string, _, to HealthClass) {
	s.mu.Lock()
	w, ok := s.workers[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	switch {
	case to == Degraded && w.state == StateRunning:
		s.transitionLocked(w, StateDegraded)
	case to == Healthy && w.state == StateDegraded:
		s.transitionLocked(w, StateRunning)
	case to == Unreachable && (w.state == StateRunning || w.state == StateDegraded):
		select {
		case w.probeKick <- struct{}{}:
		default:
		}
	}
	s.mu.Unlock()
}

// Close stops every worker gracefully and shuts the supervisor down
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	merr := &MultiError{}
	for _, id := range ids {
		merr.Add(s.StopWorker(ctx, id, true))
	}
	s.sctx.Stop(time.Second)
	merr.Add(s.sctx.Wait())
	return merr.Err()
}

// superviseLoop runs the state machine for one worker until it reaches a
// terminal state. startResult receives the outcome of the first spawn.
func (s *Supervisor) superviseLoop(w *workerEntry, startResult chan<- error) {
	id := w.cfg.ID
	defer func() {
		if w.channel != nil {
			_ = w.channel.Close()
		}
		if s.pool != nil {
			s.pool.ReleaseWorker(id)
		}
		if s.monitor != nil {
			s.monitor.Deregister(id)
		}
		close(w.done)
	}()

	first := true
	for {
		s.mu.Lock()
		hello := make(chan struct{})
		w.helloCh = hello
		s.transitionLocked(w, StateStarting)
		s.mu.Unlock()

		proc, err := s.runner.Start(s.sctx, ProcessSpec{
			ID:  id,
			Cmd: w.cfg.Cmd,
			Dir: w.cfg.Cwd,
			Env: buildEnv(w.cfg, socketPath(s.Dir, id)),
		})
		if err != nil {
			// Spawn failure is fatal for this worker: reported, never
			// auto-retried.
			s.fail(w, fmt.Sprintf("spawn: %v", err))
			if first {
				startResult <- err
			}
			return
		}
		if first {
			startResult <- nil
			first = false
		}

		s.mu.Lock()
		w.proc = proc
		w.pid = proc.PID()
		s.mu.Unlock()
		s.logger.Info("worker spawned", "worker", id, "pid", proc.PID())

		// Await the start acknowledgment
		startupOK := false
		select {
		case <-hello:
			startupOK = true
		case <-time.After(w.cfg.StartupTimeout):
			s.logger.Warn("startup deadline exceeded", "worker", id)
			s.terminate(w, proc)
		case st := <-proc.Done():
			s.recordExit(w, st)
		case <-w.stop:
			s.shutdown(w, proc)
			return
		}

		if startupOK {
			s.mu.Lock()
			s.transitionLocked(w, StateRunning)
			s.mu.Unlock()

			// Drop any kick left over from the previous process
			// generation; a verdict on a dead process must not kill the
			// fresh one.
			select {
			case <-w.probeKick:
			default:
			}

			// Supervise until exit, stop request, or fatal health
		running:
			for {
				select {
				case st := <-proc.Done():
					s.recordExit(w, st)
					s.logger.Warn("worker exited unexpectedly", "worker", id, "reason", st.Reason())
					break running
				case <-w.stop:
					s.shutdown(w, proc)
					return
				case <-w.probeKick:
					s.logger.Warn("worker unreachable, restarting", "worker", id)
					s.terminate(w, proc)
					break running
				}
			}
		}

		// Restart path: exceeding the ceiling is terminal
		s.mu.Lock()
		if w.restarts >= s.Restart.MaxAttempts {
			s.transitionLocked(w, StateFailed)
			s.mu.Unlock()
			s.logger.Error("restart ceiling reached", "worker", id, "restarts", w.restarts)
			return
		}
		w.restarts++
		attempt := w.restarts
		s.transitionLocked(w, StateRestarting)
		s.mu.Unlock()

		delay := restartBackoff(s.Restart, attempt)
		s.logger.Info("worker restarting", "worker", id, "attempt", attempt, "backoff", delay)
		select {
		case <-time.After(delay):
		case <-w.stop:
			s.mu.Lock()
			s.transitionLocked(w, StateStopped)
			s.mu.Unlock()
			return
		}
	}
}

// shutdown performs the Stopping→Stopped sequence: termination signal,
// grace period, forced kill.
func (s *Supervisor) shutdown(w *workerEntry, proc Process) {
	s.mu.Lock()
	graceful := w.graceful
	s.transitionLocked(w, StateStopping)
	s.mu.Unlock()

	if graceful {
		_ = proc.Signal(syscall.SIGTERM)
		select {
		case st := <-proc.Done():
			s.recordExit(w, st)
		case <-time.After(w.cfg.GracePeriod):
			// Grace expired; in-flight commands to this worker die with
			// the connection.
			_ = proc.Kill()
			st := <-proc.Done()
			s.recordExit(w, st)
		}
	} else {
		_ = proc.Kill()
		st := <-proc.Done()
		s.recordExit(w, st)
	}

	s.mu.Lock()
	s.transitionLocked(w, StateStopped)
	s.mu.Unlock()
	s.logger.Info("worker stopped", "worker", w.cfg.ID)
}

// terminate force-stops the process ahead of a restart
func (s *Supervisor) terminate(w *workerEntry, proc Process) {
	_ = proc.Signal(syscall.SIGTERM)
	select {
	case st := <-proc.Done():
		s.recordExit(w, st)
	case <-time.After(w.cfg.GracePeriod):
		_ = proc.Kill()
		st := <-proc.Done()
		s.recordExit(w, st)
	}
}

func (s *Supervisor) recordExit(w *workerEntry, st ExitStatus) {
	s.mu.Lock()
	w.lastExit = st.Reason()
	w.pid = 0
	w.proc = nil
	s.mu.Unlock()
}

func (s *Supervisor) fail(w *workerEntry, reason string) {
	s.mu.Lock()
	w.lastExit = reason
	s.transitionLocked(w, StateFailed)
	s.mu.Unlock()
}

func (s *Supervisor) noteHello(id string) {
	s.mu.Lock()
	w, ok := s.workers[id]
	if ok {
		w.heartbeat = time.Now()
		if w.helloCh != nil {
			select {
			case <-w.helloCh:
			default:
				close(w.helloCh)
			}
		}
	}
	s.mu.Unlock()
}

func (s *Supervisor) noteHeartbeat(id string, t time.Time) {
	s.mu.Lock()
	if w, ok := s.workers[id]; ok {
		w.heartbeat = t
	}
	s.mu.Unlock()
}

// transitionLocked mutates the worker state and persists the status
// record. Callers hold s.mu; the disk write happens on a snapshot after
// the mutation so readers never see partial state. Writes for one worker
// are serialized and sequence-checked: when transitions outpace the disk,
// stale snapshots are dropped so the final record always carries the
// latest state.
func (s *Supervisor) transitionLocked(w *workerEntry, to WorkerState) {
	w.state = to
	w.since = time.Now()
	snap := w.snapshot()
	w.statusSeq++
	seq := w.statusSeq
	go func() {
		w.statusMu.Lock()
		defer w.statusMu.Unlock()
		s.mu.Lock()
		stale := seq != w.statusSeq
		s.mu.Unlock()
		if stale {
			// A newer snapshot is already on disk or queued right behind us
			return
		}
		if err := writeStatusFile(s.Dir, snap); err != nil {
			s.logger.Debug("status write failed", "worker", snap.ID, "err", err)
		}
	}()
}

// restartBackoff computes the jittered exponential delay before restart
// attempt n (1-based). Jitter spreads simultaneous restarts so a fleet
// that failed together does not storm back together.
func restartBackoff(rc RestartConfig, attempt int) time.Duration {
	d := rc.BackoffMin
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= rc.BackoffMax {
			d = rc.BackoffMax
			break
		}
	}
	if d > rc.BackoffMax {
		d = rc.BackoffMax
	}
	// Uniform jitter in [d/2, d)
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half)
}
