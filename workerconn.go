package botfleet

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"sync"
	"time"
)

// CommandHandler executes one routed command inside a worker. The returned
// value is marshaled as the reply payload; a returned error travels back
// to the caller as the command failure.
type CommandHandler func(ctx context.Context, name string, payload json.RawMessage) (any, error)

// WorkerConn is the worker-process side of the command channel. A worker
// harness dials the socket named in its environment, announces itself with
// a hello frame, heartbeats on a fixed interval, serves command frames
// through its handler, and sends a goodbye before a graceful exit.
type WorkerConn struct {
	// DialTimeout is the timeout for one socket connection attempt
	DialTimeout time.Duration
	// HeartbeatInterval is the heartbeat period
	HeartbeatInterval time.Duration
	// BackoffMin is the minimum delay between dial attempts
	BackoffMin time.Duration
	// BackoffMax is the maximum delay between dial attempts
	BackoffMax time.Duration
	// MaxAttempts is the dial attempt ceiling
	MaxAttempts int

	conn net.Conn
	wmu  sync.Mutex
}

// WorkerConnOption configures a WorkerConn
type WorkerConnOption func(*WorkerConn)

// WithDialTimeout sets the timeout for one connection attempt
func WithDialTimeout(d time.Duration) WorkerConnOption {
	return func(w *WorkerConn) {
		w.DialTimeout = d
	}
}

// WithHeartbeatInterval sets the heartbeat period
func WithHeartbeatInterval(d time.Duration) WorkerConnOption {
	return func(w *WorkerConn) {
		w.HeartbeatInterval = d
	}
}

// WithDialBackoff sets the backoff bounds between dial attempts
func WithDialBackoff(minBackoff, maxBackoff time.Duration) WorkerConnOption {
	return func(w *WorkerConn) {
		w.BackoffMin = minBackoff
		w.BackoffMax = maxBackoff
	}
}

// WithDialAttempts sets the dial attempt ceiling
func WithDialAttempts(n int) WorkerConnOption {
	return func(w *WorkerConn) {
		w.MaxAttempts = n
	}
}

// SocketPath returns the IPC socket path from the worker environment
func SocketPath() string {
	return os.Getenv(SocketEnv)
}

// WorkerID returns the worker id from the worker environment
func WorkerID() string {
	return os.Getenv(WorkerIDEnv)
}

// DialWorker connects to the supervisor's socket for this worker and
// sends the hello (start acknowledgment) frame. Dialing retries with
// exponential backoff: the supervisor may still be binding the socket
// when the worker comes up.
func DialWorker(ctx context.Context, socketPath string, opts ...WorkerConnOption) (*WorkerConn, error) {
	w := &WorkerConn{
		DialTimeout:       DefaultDialTimeout,
		HeartbeatInterval: DefaultHeartbeatInterval,
		BackoffMin:        10 * time.Millisecond,
		BackoffMax:        1 * time.Second,
		MaxAttempts:       10,
	}
	for _, opt := range opts {
		opt(w)
	}

	var lastErr error
	backoff := w.BackoffMin
	for attempt := 0; attempt < w.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > w.BackoffMax {
				backoff = w.BackoffMax
			}
		}

		conn, err := net.DialTimeout("unix", socketPath, w.DialTimeout)
		if err != nil {
			lastErr = err
			continue
		}
		w.conn = conn
		if err := w.write(frame{Type: frameHello}); err != nil {
			_ = conn.Close()
			w.conn = nil
			lastErr = err
			continue
		}
		return w, nil
	}
	return nil, &OpError{Op: OpStart, ID: socketPath, Err: lastErr}
}

// Serve reads command frames and answers them through handler until ctx is
// canceled or the supervisor closes the channel. Heartbeats run in the
// background for the duration of the call. Commands execute concurrently;
// each produces exactly one reply frame.
func (w *WorkerConn) Serve(ctx context.Context, handler CommandHandler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go w.heartbeatLoop(ctx)

	scanner := bufio.NewScanner(w.conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	for scanner.Scan() {
		var f frame
		if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
			continue
		}
		if f.Type != frameCommand {
			continue
		}

		go func(f frame) {
			reply := frame{Type: frameReply, ID: f.ID}
			result, err := handler(ctx, f.Name, f.Payload)
			if err != nil {
				reply.Error = err.Error()
			} else if result != nil {
				payload, merr := json.Marshal(result)
				if merr != nil {
					reply.Error = merr.Error()
				} else {
					reply.Payload = payload
				}
			}
			_ = w.write(reply)
		}(f)

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrChannelClosed
}

func (w *WorkerConn) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.write(frame{Type: frameHeartbeat}); err != nil {
				return
			}
		}
	}
}

// Goodbye sends the graceful-shutdown acknowledgment
func (w *WorkerConn) Goodbye() error {
	return w.write(frame{Type: frameGoodbye})
}

// Close closes the connection
func (w *WorkerConn) Close() error {
	if w.conn == nil {
		return nil
	}
	return w.conn.Close()
}

func (w *WorkerConn) write(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	w.wmu.Lock()
	defer w.wmu.Unlock()
	_, err = w.conn.Write(data)
	return err
}
