package botfleet

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"syscall"
)

// ProcessSpec describes one worker process to spawn. The supervisor fills
// in the IPC socket path and worker id environment before spawning.
type ProcessSpec struct {
	// ID is the worker id, for diagnostics
	ID string
	// Cmd is the command and arguments
	Cmd []string
	// Dir is the working directory ("" = inherit)
	Dir string
	// Env is the full child environment
	Env []string
}

// ExitStatus describes how a worker process ended
type ExitStatus struct {
	// Code is the exit code, -1 when killed by a signal
	Code int
	// Signaled reports whether a signal ended the process
	Signaled bool
	// Err is the raw wait error, if any
	Err error
}

// Reason returns a short human-readable exit reason
func (e ExitStatus) Reason() string {
	switch {
	case e.Signaled:
		return fmt.Sprintf("signal: %v", e.Err)
	case e.Code == 0:
		return "exit 0"
	default:
		return fmt.Sprintf("exit %d", e.Code)
	}
}

// Process is a handle to one spawned worker process. The supervisor is the
// only owner; nothing else signals or waits on it.
type Process interface {
	// PID returns the OS process id
	PID() int
	// Signal delivers sig to the process
	Signal(sig os.Signal) error
	// Kill forcibly terminates the process
	Kill() error
	// Done is closed-with-value once the process has exited
	Done() <-chan ExitStatus
}

// ProcessRunner spawns worker processes. The exec-based implementation is
// the production one; tests substitute a scripted runner.
type ProcessRunner interface {
	Start(ctx context.Context, spec ProcessSpec) (Process, error)
}

// ExecRunner spawns workers with os/exec. Each worker gets its own OS
// process: isolation is the point, a crashing worker cannot touch
// another's memory.
type ExecRunner struct{}

type execProcess struct {
	cmd  *exec.Cmd
	done chan ExitStatus
}

// Start spawns the process described by spec. Spawn failures are
// ClassSpawn: surfaced and never auto-retried.
func (ExecRunner) Start(_ context.Context, spec ProcessSpec) (Process, error) {
	if len(spec.Cmd) == 0 {
		return nil, &OpError{Op: OpStart, ID: spec.ID, Err: ErrSpawn}
	}

	cmd := exec.Command(spec.Cmd[0], spec.Cmd[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// Own process group so a kill cannot take out the control plane
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, &OpError{Op: OpStart, ID: spec.ID, Err: fmt.Errorf("%w: %v", ErrSpawn, err)}
	}

	p := &execProcess{cmd: cmd, done: make(chan ExitStatus, 1)}
	go func() {
		err := cmd.Wait()
		st := ExitStatus{Err: err}
		if err == nil {
			st.Code = 0
		} else if ee, ok := err.(*exec.ExitError); ok {
			st.Code = ee.ExitCode()
			if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				st.Signaled = true
			}
		} else {
			st.Code = -1
		}
		p.done <- st
		close(p.done)
	}()
	return p, nil
}

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return os.ErrProcessDone
	}
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return os.ErrProcessDone
	}
	return p.cmd.Process.Kill()
}

func (p *execProcess) Done() <-chan ExitStatus {
	return p.done
}

// buildEnv assembles the child environment: inherited process env, the
// worker's configured variables (sorted for determinism), resource limit
// exports, and the control-plane variables last so they win.
func buildEnv(cfg WorkerConfig, socketPath string) []string {
	env := os.Environ()

	keys := make([]string, 0, len(cfg.Env))
	for k := range cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+cfg.Env[k])
	}

	if cfg.Limits.MaxMemMB > 0 {
		env = append(env, fmt.Sprintf("BOTFLEET_LIMIT_MEM_MB=%d", cfg.Limits.MaxMemMB))
	}
	if cfg.Limits.MaxFiles > 0 {
		env = append(env, fmt.Sprintf("BOTFLEET_LIMIT_FILES=%d", cfg.Limits.MaxFiles))
	}
	if cfg.Limits.MaxProcs > 0 {
		env = append(env, fmt.Sprintf("BOTFLEET_LIMIT_PROCS=%d", cfg.Limits.MaxProcs))
	}

	env = append(env,
		SocketEnv+"="+socketPath,
		WorkerIDEnv+"="+cfg.ID,
	)
	return env
}
