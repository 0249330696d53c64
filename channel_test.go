package botfleet

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func testChannel(t *testing.T, opts ...ChannelOption) (*Channel, string) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), SocketFile)
	ch, err := NewChannel(context.Background(), sock, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	return ch, sock
}

func serveEcho(t *testing.T, ctx context.Context, sock string) *WorkerConn {
	t.Helper()
	conn, err := DialWorker(ctx, sock, WithHeartbeatInterval(50*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		_ = conn.Serve(ctx, func(_ context.Context, name string, payload json.RawMessage) (any, error) {
			switch name {
			case "bot.fail":
				return nil, errors.New("boom")
			case "bot.slow":
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
				}
				return map[string]bool{"done": true}, nil
			default:
				return payload, nil
			}
		})
	}()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestChannelHelloAndHeartbeat(t *testing.T) {
	var hellos, beats atomic.Int32
	ch, sock := testChannel(t,
		WithHelloFunc(func() { hellos.Add(1) }),
		WithHeartbeatFunc(func(time.Time) { beats.Add(1) }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveEcho(t, ctx, sock)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hellos.Load() >= 1 && beats.Load() >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if hellos.Load() < 1 {
		t.Error("hello never observed")
	}
	if beats.Load() < 2 {
		t.Errorf("heartbeats = %d, want at least 2", beats.Load())
	}
	if !ch.Connected() {
		t.Error("channel reports no connection")
	}
}

func TestChannelCallRoundTrip(t *testing.T) {
	ch, sock := testChannel(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveEcho(t, ctx, sock)
	waitConnected(t, ch)

	callCtx, cancelCall := context.WithTimeout(ctx, 2*time.Second)
	defer cancelCall()
	env := NewEnvelope("bot.echo", []byte(`{"n":42}`), TargetWorker("w"))
	reply, err := ch.Call(callCtx, env)
	if err != nil {
		t.Fatal(err)
	}
	if string(reply) != `{"n":42}` {
		t.Errorf("reply = %s, want payload echoed", reply)
	}
}

func TestChannelCallWorkerError(t *testing.T) {
	ch, sock := testChannel(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveEcho(t, ctx, sock)
	waitConnected(t, ch)

	callCtx, cancelCall := context.WithTimeout(ctx, 2*time.Second)
	defer cancelCall()
	_, err := ch.Call(callCtx, NewEnvelope("bot.fail", nil, TargetWorker("w")))
	if err == nil {
		t.Fatal("expected worker error")
	}
	var opErr *OpError
	if !errors.As(err, &opErr) {
		t.Fatalf("error type = %T, want *OpError", err)
	}
}

func TestChannelCallDeadline(t *testing.T) {
	ch, sock := testChannel(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveEcho(t, ctx, sock)
	waitConnected(t, ch)

	callCtx, cancelCall := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancelCall()
	_, err := ch.Call(callCtx, NewEnvelope("bot.slow", nil, TargetWorker("w")))
	if !errors.Is(err, ErrDeadline) {
		t.Fatalf("error = %v, want ErrDeadline", err)
	}

	// The worker may still reply after the deadline; the late reply must
	// be dropped without disturbing later calls.
	time.Sleep(100 * time.Millisecond)
	okCtx, cancelOK := context.WithTimeout(ctx, 2*time.Second)
	defer cancelOK()
	reply, err := ch.Call(okCtx, NewEnvelope("bot.echo", []byte(`"after"`), TargetWorker("w")))
	if err != nil {
		t.Fatal(err)
	}
	if string(reply) != `"after"` {
		t.Errorf("reply = %s, want \"after\"", reply)
	}
}

func TestChannelCallWithoutWorker(t *testing.T) {
	ch, _ := testChannel(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := ch.Call(ctx, NewEnvelope("bot.echo", nil, TargetWorker("w")))
	if !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("error = %v, want ErrChannelClosed", err)
	}
}

func TestChannelCloseFailsPending(t *testing.T) {
	ch, sock := testChannel(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveEcho(t, ctx, sock)
	waitConnected(t, ch)

	errCh := make(chan error, 1)
	go func() {
		callCtx, cancelCall := context.WithTimeout(ctx, 5*time.Second)
		defer cancelCall()
		_, err := ch.Call(callCtx, NewEnvelope("bot.slow", nil, TargetWorker("w")))
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	_ = ch.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrChannelClosed) {
			t.Fatalf("error = %v, want ErrChannelClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call never failed after Close")
	}
}

func waitConnected(t *testing.T, ch *Channel) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ch.Connected() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("worker never connected")
}
