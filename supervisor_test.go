package botfleet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testSupervisor(t *testing.T, script workerScript, rc RestartConfig) (*Supervisor, *mockRunner) {
	t.Helper()
	runner := &mockRunner{script: script}
	sup, err := NewSupervisor(t.TempDir(),
		WithRunner(runner),
		WithRestartPolicy(rc),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Close(ctx)
	})
	return sup, runner
}

func quickRestarts(max int) RestartConfig {
	return RestartConfig{
		MaxAttempts: max,
		BackoffMin:  10 * time.Millisecond,
		BackoffMax:  40 * time.Millisecond,
	}
}

func testWorkerConfig(id string) WorkerConfig {
	return WorkerConfig{
		ID:             id,
		Cmd:            []string{"/usr/local/bin/bot-worker"},
		StartupTimeout: 2 * time.Second,
		GracePeriod:    time.Second,
	}
}

func TestStartWorkerReachesRunning(t *testing.T) {
	sup, _ := testSupervisor(t, obedientWorker(t), quickRestarts(3))

	ctx := context.Background()
	if err := sup.StartWorker(ctx, testWorkerConfig("bot-1")); err != nil {
		t.Fatal(err)
	}

	// StartWorker returns at Starting or later, never still Pending
	st, err := sup.Status("bot-1")
	if err != nil {
		t.Fatal(err)
	}
	if st.State == StatePending {
		t.Errorf("state after StartWorker = %s, want at least starting", st.StateName)
	}

	waitForState(t, sup, "bot-1", StateRunning, 3*time.Second)

	st, _ = sup.Status("bot-1")
	if st.PID == 0 {
		t.Error("running worker has no PID")
	}
	if st.Restarts != 0 {
		t.Errorf("fresh worker restarts = %d, want 0", st.Restarts)
	}
}

func TestStartWorkerAlreadyRunning(t *testing.T) {
	sup, _ := testSupervisor(t, obedientWorker(t), quickRestarts(3))

	ctx := context.Background()
	if err := sup.StartWorker(ctx, testWorkerConfig("bot-1")); err != nil {
		t.Fatal(err)
	}
	waitForState(t, sup, "bot-1", StateRunning, 3*time.Second)

	err := sup.StartWorker(ctx, testWorkerConfig("bot-1"))
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start error = %v, want ErrAlreadyRunning", err)
	}
}

func TestStartWorkerInvalidConfig(t *testing.T) {
	sup, _ := testSupervisor(t, obedientWorker(t), quickRestarts(3))

	err := sup.StartWorker(context.Background(), WorkerConfig{ID: "bot-1"})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("error = %v, want ErrInvalidConfig", err)
	}

	err = sup.StartWorker(context.Background(), WorkerConfig{Cmd: []string{"x"}})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("error = %v, want ErrInvalidConfig", err)
	}
}

func TestSpawnFailureIsTerminal(t *testing.T) {
	runner := &mockRunner{startErr: errors.New("fork: resource exhausted")}
	sup, err := NewSupervisor(t.TempDir(), WithRunner(runner))
	if err != nil {
		t.Fatal(err)
	}

	err = sup.StartWorker(context.Background(), testWorkerConfig("bot-1"))
	if !errors.Is(err, ErrSpawn) {
		t.Fatalf("error = %v, want ErrSpawn", err)
	}
	if Classify(err) != ClassSpawn {
		t.Errorf("Classify = %s, want spawn", Classify(err))
	}

	waitForState(t, sup, "bot-1", StateFailed, time.Second)

	// Failed is terminal: no retry happens
	time.Sleep(100 * time.Millisecond)
	if n := runner.spawnCount(); n != 0 {
		t.Errorf("spawn attempts = %d, want 0 (start itself failed)", n)
	}
}

func TestStopWorkerGraceful(t *testing.T) {
	sup, _ := testSupervisor(t, obedientWorker(t), quickRestarts(3))

	ctx := context.Background()
	if err := sup.StartWorker(ctx, testWorkerConfig("bot-1")); err != nil {
		t.Fatal(err)
	}
	waitForState(t, sup, "bot-1", StateRunning, 3*time.Second)

	if err := sup.StopWorker(ctx, "bot-1", true); err != nil {
		t.Fatal(err)
	}

	st, _ := sup.Status("bot-1")
	if st.State != StateStopped {
		t.Errorf("state = %s, want stopped", st.StateName)
	}
	if st.LastExit == "" {
		t.Error("stopped worker has no exit reason")
	}
}

func TestStopWorkerIdempotent(t *testing.T) {
	sup, _ := testSupervisor(t, obedientWorker(t), quickRestarts(3))

	ctx := context.Background()

	// Unknown worker: silent success
	if err := sup.StopWorker(ctx, "ghost", true); err != nil {
		t.Fatalf("stop of unknown worker = %v, want nil", err)
	}

	if err := sup.StartWorker(ctx, testWorkerConfig("bot-1")); err != nil {
		t.Fatal(err)
	}
	waitForState(t, sup, "bot-1", StateRunning, 3*time.Second)

	if err := sup.StopWorker(ctx, "bot-1", true); err != nil {
		t.Fatal(err)
	}
	// Stopping an already-stopped worker succeeds silently
	if err := sup.StopWorker(ctx, "bot-1", true); err != nil {
		t.Fatalf("second stop = %v, want nil", err)
	}
}

func TestRestartOnCrashAndCeiling(t *testing.T) {
	sup, runner := testSupervisor(t, crashingWorker(60*time.Millisecond), quickRestarts(2))

	cfg := testWorkerConfig("bot-1")
	if err := sup.StartWorker(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}

	waitForState(t, sup, "bot-1", StateFailed, 10*time.Second)

	st, _ := sup.Status("bot-1")
	if st.Restarts != 2 {
		t.Errorf("restarts = %d, want 2 (the ceiling)", st.Restarts)
	}
	// Initial spawn + one respawn per restart
	if n := runner.spawnCount(); n != 3 {
		t.Errorf("spawns = %d, want 3", n)
	}

	// Failed is terminal: nothing respawns afterwards
	time.Sleep(200 * time.Millisecond)
	if n := runner.spawnCount(); n != 3 {
		t.Errorf("spawns after Failed = %d, want 3", n)
	}
}

func TestStartupDeadlineForcesRestart(t *testing.T) {
	// Script that never dials: the start ack never arrives
	script := func(spec ProcessSpec, proc *mockProcess) {
		<-proc.term
		proc.exit(ExitStatus{Code: 0})
	}
	sup, runner := testSupervisor(t, script, quickRestarts(1))

	cfg := testWorkerConfig("bot-1")
	cfg.StartupTimeout = 80 * time.Millisecond
	cfg.GracePeriod = 50 * time.Millisecond

	if err := sup.StartWorker(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}

	waitForState(t, sup, "bot-1", StateFailed, 5*time.Second)
	if n := runner.spawnCount(); n != 2 {
		t.Errorf("spawns = %d, want 2 (initial + one restart)", n)
	}
}

func TestListWorkersSnapshot(t *testing.T) {
	sup, _ := testSupervisor(t, obedientWorker(t), quickRestarts(3))

	ctx := context.Background()
	for _, id := range []string{"bot-a", "bot-b", "bot-c"} {
		if err := sup.StartWorker(ctx, testWorkerConfig(id)); err != nil {
			t.Fatal(err)
		}
	}
	for _, id := range []string{"bot-a", "bot-b", "bot-c"} {
		waitForState(t, sup, id, StateRunning, 3*time.Second)
	}

	list := sup.ListWorkers()
	if len(list) != 3 {
		t.Fatalf("got %d workers, want 3", len(list))
	}
	// Sorted by id
	for i, want := range []string{"bot-a", "bot-b", "bot-c"} {
		if list[i].ID != want {
			t.Errorf("list[%d] = %s, want %s", i, list[i].ID, want)
		}
	}
}

func TestHealthTransitionDrivesDegraded(t *testing.T) {
	sup, _ := testSupervisor(t, obedientWorker(t), quickRestarts(3))

	ctx := context.Background()
	if err := sup.StartWorker(ctx, testWorkerConfig("bot-1")); err != nil {
		t.Fatal(err)
	}
	waitForState(t, sup, "bot-1", StateRunning, 3*time.Second)

	sup.HandleHealthTransition("bot-1", Healthy, Degraded)
	st, _ := sup.Status("bot-1")
	if st.State != StateDegraded {
		t.Errorf("state = %s, want degraded", st.StateName)
	}

	sup.HandleHealthTransition("bot-1", Degraded, Healthy)
	st, _ = sup.Status("bot-1")
	if st.State != StateRunning {
		t.Errorf("state = %s, want running", st.StateName)
	}
}

func TestUnreachableTriggersRestart(t *testing.T) {
	sup, runner := testSupervisor(t, obedientWorker(t), quickRestarts(3))

	ctx := context.Background()
	if err := sup.StartWorker(ctx, testWorkerConfig("bot-1")); err != nil {
		t.Fatal(err)
	}
	waitForState(t, sup, "bot-1", StateRunning, 3*time.Second)

	sup.HandleHealthTransition("bot-1", Degraded, Unreachable)

	// The supervise loop terminates the process and respawns
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if runner.spawnCount() >= 2 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if n := runner.spawnCount(); n < 2 {
		t.Fatalf("spawns = %d, want respawn after unreachable", n)
	}

	st, _ := sup.Status("bot-1")
	if st.Restarts != 1 {
		t.Errorf("restarts = %d, want 1", st.Restarts)
	}
}

func TestWorkerCommandRoundTrip(t *testing.T) {
	sup, _ := testSupervisor(t, obedientWorker(t), quickRestarts(3))

	ctx := context.Background()
	if err := sup.StartWorker(ctx, testWorkerConfig("bot-1")); err != nil {
		t.Fatal(err)
	}
	waitForState(t, sup, "bot-1", StateRunning, 3*time.Second)

	callCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	env := NewEnvelope("bot.echo", []byte(`{"hello":"fleet"}`), TargetWorker("bot-1"))
	reply, err := sup.Call(callCtx, "bot-1", env)
	if err != nil {
		t.Fatal(err)
	}
	if string(reply) != `{"hello":"fleet"}` {
		t.Errorf("reply = %s, want echo of payload", reply)
	}
}

func TestStatusRecordReflectsLatestTransition(t *testing.T) {
	dir := t.TempDir()
	sup, err := NewSupervisor(dir, WithRunner(&mockRunner{}))
	if err != nil {
		t.Fatal(err)
	}

	// Back-to-back transitions race their disk writes; the final record
	// must always carry the later state.
	const n = 50
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("bot-%03d", i)
		ids = append(ids, id)
		if err := os.MkdirAll(workerDir(dir, id), DirMode); err != nil {
			t.Fatal(err)
		}
		w := newWorkerEntry(testWorkerConfig(id))
		sup.mu.Lock()
		sup.workers[id] = w
		sup.transitionLocked(w, StateStopping)
		sup.transitionLocked(w, StateStopped)
		sup.mu.Unlock()
	}

	deadline := time.Now().Add(5 * time.Second)
	for _, id := range ids {
		for {
			st, err := ReadStatusFile(dir, id)
			if err == nil && st.State == StateStopped {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("worker %s final record = %q, want stopped", id, st.StateName)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestStaleProbeKickIgnoredAfterRespawn(t *testing.T) {
	// First spawn crashes; every later spawn behaves
	var spawned atomic.Int32
	crash := crashingWorker(50 * time.Millisecond)
	obedient := obedientWorker(t)
	script := func(spec ProcessSpec, proc *mockProcess) {
		if spawned.Add(1) == 1 {
			crash(spec, proc)
			return
		}
		obedient(spec, proc)
	}
	sup, runner := testSupervisor(t, script, RestartConfig{
		MaxAttempts: 3,
		BackoffMin:  200 * time.Millisecond,
		BackoffMax:  400 * time.Millisecond,
	})

	if err := sup.StartWorker(context.Background(), testWorkerConfig("bot-1")); err != nil {
		t.Fatal(err)
	}
	waitForState(t, sup, "bot-1", StateRestarting, 3*time.Second)

	// An unreachable verdict for the dead process lands while the worker
	// sits in backoff; the respawn must not consume it.
	sup.mu.Lock()
	w := sup.workers["bot-1"]
	select {
	case w.probeKick <- struct{}{}:
	default:
	}
	sup.mu.Unlock()

	waitForState(t, sup, "bot-1", StateRunning, 3*time.Second)
	time.Sleep(300 * time.Millisecond)

	st, err := sup.Status("bot-1")
	if err != nil {
		t.Fatal(err)
	}
	if st.State != StateRunning {
		t.Fatalf("state = %s, want running (stale kick must not kill the respawn)", st.StateName)
	}
	if st.Restarts != 1 {
		t.Errorf("restarts = %d, want 1", st.Restarts)
	}
	if n := runner.spawnCount(); n != 2 {
		t.Errorf("spawns = %d, want 2", n)
	}
}

func TestStatusFileWritten(t *testing.T) {
	runner := &mockRunner{script: obedientWorker(t)}
	dir := t.TempDir()
	sup, err := NewSupervisor(dir, WithRunner(runner), WithRestartPolicy(quickRestarts(3)))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Close(ctx)
	})

	ctx := context.Background()
	if err := sup.StartWorker(ctx, testWorkerConfig("bot-1")); err != nil {
		t.Fatal(err)
	}
	waitForState(t, sup, "bot-1", StateRunning, 3*time.Second)

	// The status record is written asynchronously after each transition
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, err := ReadStatusFile(dir, "bot-1")
		if err == nil && st.State == StateRunning {
			if st.ID != "bot-1" {
				t.Errorf("record id = %s, want bot-1", st.ID)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("status record never reflected running state")
}
