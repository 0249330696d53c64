package botfleet

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"vawter.tech/stopper"
)

// Frame types exchanged on the worker IPC socket
const (
	frameHello     = "hello"
	frameHeartbeat = "heartbeat"
	frameCommand   = "command"
	frameReply     = "reply"
	frameGoodbye   = "goodbye"
)

// frame is one newline-delimited JSON message on the duplex channel
type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Name    string          `json:"name,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Channel is the supervisor side of one worker's duplex command channel.
// It owns a unix socket listener in the worker's runtime directory; the
// spawned worker dials it, sends a hello, then heartbeats, and answers
// command frames with reply frames carrying the same correlation id.
//
// Commands are delivered at most once: a frame is written exactly once and
// never retried. A caller whose deadline expires gets ErrDeadline, but the
// worker may still complete the command; late replies are dropped.
type Channel struct {
	// WriteTimeout is the per-frame write deadline
	WriteTimeout time.Duration

	onHello     func()
	onHeartbeat func(time.Time)

	mu      sync.Mutex
	conn    net.Conn
	pending map[string]chan frame
	closed  bool

	listener  net.Listener
	sctx      *stopper.Context
	closeOnce sync.Once
}

// ChannelOption configures a Channel
type ChannelOption func(*Channel)

// WithChannelWriteTimeout sets the per-frame write deadline
func WithChannelWriteTimeout(d time.Duration) ChannelOption {
	return func(c *Channel) {
		c.WriteTimeout = d
	}
}

// WithHelloFunc sets the callback invoked on the worker's start ack
func WithHelloFunc(fn func()) ChannelOption {
	return func(c *Channel) {
		c.onHello = fn
	}
}

// WithHeartbeatFunc sets the callback invoked on every worker heartbeat
func WithHeartbeatFunc(fn func(time.Time)) ChannelOption {
	return func(c *Channel) {
		c.onHeartbeat = fn
	}
}

// NewChannel creates a Channel listening on the unix socket at path.
// The accept loop runs until Close; only the most recent worker
// connection is live (a restarted worker reconnects to the same socket).
func NewChannel(ctx context.Context, path string, opts ...ChannelOption) (*Channel, error) {
	c := &Channel{
		WriteTimeout: DefaultWriteTimeout,
		pending:      make(map[string]chan frame),
	}
	for _, opt := range opts {
		opt(c)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, &OpError{Op: OpStart, ID: path, Err: err}
	}
	c.listener = ln

	c.sctx = stopper.WithContext(ctx)

	c.sctx.Go(func(sctx *stopper.Context) error {
		for !sctx.IsStopping() {
			conn, err := ln.Accept()
			if err != nil {
				return nil
			}
			c.attach(conn)
			sctx.Go(func(sctx *stopper.Context) error {
				c.readLoop(conn)
				return nil
			})
		}
		return nil
	})

	return c, nil
}

// Close tears the channel down. Pending calls fail with ErrChannelClosed.
// The listener and connection are closed before waiting so the accept and
// read loops unblock.
func (c *Channel) Close() error {
	c.sctx.Stop(100 * time.Millisecond)
	c.closeOnce.Do(func() {
		_ = c.listener.Close()
		c.mu.Lock()
		c.closed = true
		if c.conn != nil {
			_ = c.conn.Close()
			c.conn = nil
		}
		c.failPending()
		c.mu.Unlock()
	})
	return c.sctx.Wait()
}

// Connected reports whether a worker connection is currently attached
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Channel) attach(conn net.Conn) {
	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

// failPending must be called with mu held
func (c *Channel) failPending() {
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Channel) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	for scanner.Scan() {
		var f frame
		if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
			continue
		}

		switch f.Type {
		case frameHello:
			if c.onHello != nil {
				c.onHello()
			}
			if c.onHeartbeat != nil {
				c.onHeartbeat(time.Now())
			}
		case frameHeartbeat:
			if c.onHeartbeat != nil {
				c.onHeartbeat(time.Now())
			}
		case frameReply:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			if ok {
				delete(c.pending, f.ID)
			}
			c.mu.Unlock()
			if ok {
				// Buffered; an abandoned slot was already removed by the
				// caller's deadline path, so a late reply lands here only
				// when someone is still waiting.
				ch <- f
			}
		case frameGoodbye:
			// Graceful-shutdown ack; the supervise loop observes the
			// subsequent process exit.
		}
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.failPending()
	}
	c.mu.Unlock()
	_ = conn.Close()
}

// Call sends one command frame and waits for the matching reply. The wait
// is bounded by ctx; on expiry the caller gets ErrDeadline and the
// correlation slot is abandoned, so a late worker reply is dropped.
func (c *Channel) Call(ctx context.Context, env *Envelope) (json.RawMessage, error) {
	replyCh := make(chan frame, 1)

	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	conn := c.conn
	c.pending[env.CorrelationID] = replyCh
	c.mu.Unlock()

	abandon := func() {
		c.mu.Lock()
		delete(c.pending, env.CorrelationID)
		c.mu.Unlock()
	}

	if err := c.writeFrame(conn, frame{
		Type:    frameCommand,
		ID:      env.CorrelationID,
		Name:    env.Name,
		Payload: env.Payload,
	}); err != nil {
		abandon()
		return nil, ErrChannelClosed
	}

	select {
	case f, ok := <-replyCh:
		if !ok {
			return nil, ErrChannelClosed
		}
		if f.Error != "" {
			return nil, &OpError{Op: OpDispatch, ID: env.CorrelationID, Err: errors.New(f.Error)}
		}
		return f.Payload, nil
	case <-ctx.Done():
		abandon()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrDeadline
		}
		return nil, ctx.Err()
	}
}

func (c *Channel) writeFrame(conn net.Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
	}
	_, err = conn.Write(data)
	return err
}
