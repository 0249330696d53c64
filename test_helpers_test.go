package botfleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

// mockProcess is a scriptable stand-in for a spawned worker process
type mockProcess struct {
	pid  int
	done chan ExitStatus
	once sync.Once

	// term is closed when the process receives SIGTERM
	term     chan struct{}
	termOnce sync.Once
}

func newMockProcess(pid int) *mockProcess {
	return &mockProcess{
		pid:  pid,
		done: make(chan ExitStatus, 1),
		term: make(chan struct{}),
	}
}

func (p *mockProcess) PID() int { return p.pid }

func (p *mockProcess) Signal(sig os.Signal) error {
	if sig == syscall.SIGTERM {
		p.termOnce.Do(func() { close(p.term) })
	}
	return nil
}

func (p *mockProcess) Kill() error {
	p.exit(ExitStatus{Code: -1, Signaled: true})
	return nil
}

func (p *mockProcess) Done() <-chan ExitStatus { return p.done }

func (p *mockProcess) exit(st ExitStatus) {
	p.once.Do(func() {
		p.done <- st
		close(p.done)
	})
}

// workerScript simulates the worker side of one spawn: it receives the
// spec and the process handle and runs until the process "exits".
type workerScript func(spec ProcessSpec, proc *mockProcess)

// mockRunner spawns mockProcesses and runs a workerScript for each
type mockRunner struct {
	mu       sync.Mutex
	script   workerScript
	startErr error
	spawns   int
}

func (r *mockRunner) Start(_ context.Context, spec ProcessSpec) (Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return nil, &OpError{Op: OpStart, ID: spec.ID, Err: fmt.Errorf("%w: %v", ErrSpawn, r.startErr)}
	}
	r.spawns++
	p := newMockProcess(10000 + r.spawns)
	if r.script != nil {
		go r.script(spec, p)
	}
	return p, nil
}

func (r *mockRunner) spawnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spawns
}

// specSocket extracts the IPC socket path from a spawn spec's environment
func specSocket(spec ProcessSpec) string {
	for _, kv := range spec.Env {
		if v, ok := strings.CutPrefix(kv, SocketEnv+"="); ok {
			return v
		}
	}
	return ""
}

// obedientWorker dials the supervisor, heartbeats, echoes commands, and
// exits cleanly on SIGTERM.
func obedientWorker(t *testing.T) workerScript {
	t.Helper()
	return func(spec ProcessSpec, proc *mockProcess) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		conn, err := DialWorker(ctx, specSocket(spec), WithHeartbeatInterval(50*time.Millisecond))
		if err != nil {
			proc.exit(ExitStatus{Code: 1, Err: err})
			return
		}
		defer func() { _ = conn.Close() }()

		go func() {
			<-proc.term
			_ = conn.Goodbye()
			cancel()
			_ = conn.Close()
			proc.exit(ExitStatus{Code: 0})
		}()

		_ = conn.Serve(ctx, func(_ context.Context, name string, payload json.RawMessage) (any, error) {
			switch name {
			case "bot.fail":
				return nil, errors.New("simulated failure")
			case "bot.slow":
				time.Sleep(500 * time.Millisecond)
				return map[string]bool{"done": true}, nil
			default:
				return payload, nil
			}
		})
	}
}

// crashingWorker connects, says hello, then exits nonzero after delay
func crashingWorker(delay time.Duration) workerScript {
	return func(spec ProcessSpec, proc *mockProcess) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		conn, err := DialWorker(ctx, specSocket(spec), WithHeartbeatInterval(20*time.Millisecond))
		if err != nil {
			proc.exit(ExitStatus{Code: 1, Err: err})
			return
		}
		go func() {
			time.Sleep(delay)
			_ = conn.Close()
			proc.exit(ExitStatus{Code: 7})
		}()
		_ = conn.Serve(ctx, func(_ context.Context, _ string, payload json.RawMessage) (any, error) {
			return payload, nil
		})
	}
}

// waitForState polls the supervisor until the worker reaches want
func waitForState(t *testing.T, sup *Supervisor, id string, want WorkerState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st, err := sup.Status(id)
		if err == nil && st.State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	st, _ := sup.Status(id)
	t.Fatalf("worker %s never reached %s (currently %s)", id, want, st.StateName)
}

// fakeConn is a scriptable pooled connection
type fakeConn struct {
	mu      sync.Mutex
	pingErr error
	closed  bool
}

func (c *fakeConn) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeBackend opens fakeConns, optionally failing or blocking
type fakeBackend struct {
	mu      sync.Mutex
	conns   []*fakeConn
	openErr error
	block   chan struct{}
}

func (b *fakeBackend) Open(ctx context.Context) (Conn, error) {
	b.mu.Lock()
	openErr := b.openErr
	block := b.block
	b.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if openErr != nil {
		return nil, openErr
	}

	c := &fakeConn{}
	b.mu.Lock()
	b.conns = append(b.conns, c)
	b.mu.Unlock()
	return c, nil
}

func (b *fakeBackend) opened() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}
