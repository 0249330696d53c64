package botfleet

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"vawter.tech/stopper"
)

// ConnRole tags a pooled connection's intended use
type ConnRole int

const (
	// RolePrimary is the main connection for a worker's traffic
	RolePrimary ConnRole = iota
	// RoleBackup is a standby connection
	RoleBackup
	// RoleShared is a connection referenced by multiple workers
	RoleShared
	// RoleIsolated is a single-worker connection, never shared
	RoleIsolated
)

// String returns the string representation of a ConnRole
func (r ConnRole) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleBackup:
		return "backup"
	case RoleShared:
		return "shared"
	case RoleIsolated:
		return "isolated"
	default:
		return "unknown"
	}
}

// Policy is the pool's load-balancing policy
type Policy int

const (
	// PolicyRoundRobin cycles fairly among healthy handles of a role
	PolicyRoundRobin Policy = iota
	// PolicyLeastActive picks the handle with the fewest assigned callers;
	// preferable when latency variance matters more than fairness
	PolicyLeastActive
)

// String returns the string representation of a Policy
func (p Policy) String() string {
	switch p {
	case PolicyLeastActive:
		return "least-active"
	default:
		return "round-robin"
	}
}

// ParsePolicy parses a policy name from configuration
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "round-robin":
		return PolicyRoundRobin, nil
	case "least-active":
		return PolicyLeastActive, nil
	default:
		return PolicyRoundRobin, fmt.Errorf("%w: unknown pool policy %q", ErrInvalidConfig, s)
	}
}

// ConnEntityPrefix namespaces pooled connections inside a Monitor shared
// with workers
const ConnEntityPrefix = "conn:"

// Conn is one external connection. The resource's own protocol is out of
// scope; the pool only needs health checking and teardown.
type Conn interface {
	Ping(ctx context.Context) error
	Close() error
}

// Backend opens connections for the pool
type Backend interface {
	Open(ctx context.Context) (Conn, error)
}

// Handle is a leasable reference to one pooled connection
type Handle struct {
	id   string
	role ConnRole
	conn Conn
	pool *Pool

	// guarded by pool.mu
	owners   map[string]int
	refs     int
	active   int
	lastUsed time.Time
	lost     bool
}

// ID returns the handle id
func (h *Handle) ID() string { return h.id }

// Role returns the handle's role tag
func (h *Handle) Role() ConnRole { return h.role }

// Do runs fn against the underlying connection, tracking it as an active
// caller for load accounting. Once the handle has been classified
// unreachable, Do fails with ErrConnectionLost and the caller must
// re-acquire.
func (h *Handle) Do(ctx context.Context, fn func(context.Context, Conn) error) error {
	h.pool.mu.Lock()
	if h.lost {
		h.pool.mu.Unlock()
		return &OpError{Op: OpAcquire, ID: h.id, Err: ErrConnectionLost}
	}
	h.active++
	h.pool.mu.Unlock()

	err := fn(ctx, h.conn)

	h.pool.mu.Lock()
	h.active--
	h.lastUsed = time.Now()
	h.pool.mu.Unlock()
	return err
}

// HandleStatus is an observability snapshot of one handle
type HandleStatus struct {
	ID       string
	Role     ConnRole
	Refs     int
	Active   int
	Lost     bool
	LastUsed time.Time
	Owners   []string
}

// Pool allocates, shares, and recycles external connections across
// workers. It is the single ownership boundary for the handle table: all
// reference counts and health marks mutate under one mutex, and callers
// only ever hold *Handle leases.
type Pool struct {
	backend Backend
	logger  *slog.Logger

	mu          sync.Mutex
	maxConns    int
	idleTimeout time.Duration
	policy      Policy
	handles     map[string]*Handle
	rr          map[ConnRole]int
	opening     int

	monitor *Monitor
	sctx    *stopper.Context
}

// PoolOption configures a Pool
type PoolOption func(*Pool)

// WithPoolLimits sets the connection ceiling and idle reap threshold
func WithPoolLimits(maxConns int, idleTimeout time.Duration) PoolOption {
	return func(p *Pool) {
		p.maxConns = maxConns
		p.idleTimeout = idleTimeout
	}
}

// WithPoolPolicy sets the load-balancing policy
func WithPoolPolicy(policy Policy) PoolOption {
	return func(p *Pool) {
		p.policy = policy
	}
}

// WithPoolMonitor attaches a health monitor; every opened connection is
// registered for pinging and deregistered on teardown
func WithPoolMonitor(m *Monitor) PoolOption {
	return func(p *Pool) {
		p.monitor = m
	}
}

// WithPoolLogger sets the structured logger
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = l
	}
}

// NewPool creates a Pool over backend
func NewPool(backend Backend, opts ...PoolOption) *Pool {
	p := &Pool{
		backend:     backend,
		logger:      slog.Default(),
		maxConns:    DefaultPoolMaxConns,
		idleTimeout: DefaultPoolIdleTimeout,
		handles:     make(map[string]*Handle),
		rr:          make(map[ConnRole]int),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the idle reaper
func (p *Pool) Start(ctx context.Context) {
	p.sctx = stopper.WithContext(ctx)
	p.sctx.Go(func(sctx *stopper.Context) error {
		interval := p.idleTimeout / 4
		if interval < time.Second {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-sctx.Stopping():
				return nil
			case <-ticker.C:
				p.reapIdle()
			}
		}
	})
}

// Stop halts the reaper and closes every connection
func (p *Pool) Stop() error {
	if p.sctx != nil {
		p.sctx.Stop(100 * time.Millisecond)
		_ = p.sctx.Wait()
	}
	p.mu.Lock()
	handles := make([]*Handle, 0, len(p.handles))
	for _, h := range p.handles {
		handles = append(handles, h)
	}
	p.handles = make(map[string]*Handle)
	p.mu.Unlock()

	merr := &MultiError{}
	for _, h := range handles {
		if p.monitor != nil {
			p.monitor.Deregister(ConnEntityPrefix + h.id)
		}
		merr.Add(h.conn.Close())
	}
	return merr.Err()
}

// Acquire leases a connection handle of the requested role for workerID.
// Healthy pooled handles are reused under the configured policy; otherwise
// a new connection is opened, failing fast with ErrPoolExhausted at the
// ceiling or ErrConnectionUnavailable when the backend cannot deliver.
// Cancelling ctx before a handle is returned never leaks a connection.
func (p *Pool) Acquire(ctx context.Context, workerID string, role ConnRole) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if h := p.selectLocked(workerID, role); h != nil {
		p.addOwnerLocked(h, workerID)
		p.mu.Unlock()
		return h, nil
	}
	if len(p.handles)+p.opening >= p.maxConns {
		p.mu.Unlock()
		return nil, &OpError{Op: OpAcquire, ID: workerID, Err: ErrPoolExhausted}
	}
	p.opening++
	p.mu.Unlock()

	conn, err := p.backend.Open(ctx)

	p.mu.Lock()
	p.opening--
	p.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &OpError{Op: OpAcquire, ID: workerID, Err: fmt.Errorf("%w: %v", ErrConnectionUnavailable, err)}
	}
	if ctx.Err() != nil {
		// Canceled between open and return; close so nothing leaks
		_ = conn.Close()
		return nil, ctx.Err()
	}

	h := &Handle{
		id:       uuid.NewString(),
		role:     role,
		conn:     conn,
		pool:     p,
		owners:   make(map[string]int),
		lastUsed: time.Now(),
	}

	p.mu.Lock()
	p.handles[h.id] = h
	p.addOwnerLocked(h, workerID)
	p.mu.Unlock()

	if p.monitor != nil {
		p.monitor.Register(ConnEntityPrefix+h.id, func(pctx context.Context) error {
			return conn.Ping(pctx)
		})
	}
	p.logger.Debug("connection opened", "handle", h.id, "role", role.String(), "worker", workerID)
	return h, nil
}

// Release returns a lease. Shared connections stay alive while any owner
// retains a reference; the underlying connection is torn down exactly
// when the count reaches zero. Non-shared handles return to the pool idle
// and are reaped after the idle timeout.
func (p *Pool) Release(h *Handle, workerID string) error {
	p.mu.Lock()
	if _, ok := p.handles[h.id]; !ok {
		p.mu.Unlock()
		return nil
	}
	p.dropOwnerLocked(h, workerID)
	teardown := h.refs == 0 && (h.role == RoleShared || h.role == RoleIsolated || h.lost)
	if teardown {
		delete(p.handles, h.id)
	}
	p.mu.Unlock()

	if teardown {
		return p.teardown(h)
	}
	return nil
}

// ReleaseWorker drops every reference held by workerID, applying the same
// teardown rules as Release. The supervisor calls this when a worker
// stops or fails.
func (p *Pool) ReleaseWorker(workerID string) {
	p.mu.Lock()
	var teardowns []*Handle
	for _, h := range p.handles {
		n, ok := h.owners[workerID]
		if !ok {
			continue
		}
		h.refs -= n
		delete(h.owners, workerID)
		h.lastUsed = time.Now()
		if h.refs == 0 && (h.role == RoleShared || h.role == RoleIsolated || h.lost) {
			delete(p.handles, h.id)
			teardowns = append(teardowns, h)
		}
	}
	p.mu.Unlock()

	for _, h := range teardowns {
		_ = p.teardown(h)
	}
}

// HandleHealthTransition reacts to a monitor classification change for a
// pooled connection. Unreachable handles are excluded from selection and
// signal ErrConnectionLost to current holders; recovery re-admits them.
func (p *Pool) HandleHealthTransition(entityID string, _, to HealthClass) {
	id := strings.TrimPrefix(entityID, ConnEntityPrefix)

	p.mu.Lock()
	h, ok := p.handles[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	var teardown bool
	switch to {
	case Unreachable:
		h.lost = true
		if h.refs == 0 {
			delete(p.handles, id)
			teardown = true
		}
	case Healthy:
		h.lost = false
	}
	p.mu.Unlock()

	if teardown {
		_ = p.teardown(h)
	}
}

// SetLimits applies new pool limits; delivered through the router's
// builtin command path for hot reload.
func (p *Pool) SetLimits(maxConns int, idleTimeout time.Duration) error {
	if maxConns < 1 {
		return &OpError{Op: OpConfig, ID: "pool", Err: fmt.Errorf("%w: max_conns must be positive", ErrInvalidConfig)}
	}
	p.mu.Lock()
	p.maxConns = maxConns
	if idleTimeout > 0 {
		p.idleTimeout = idleTimeout
	}
	p.mu.Unlock()
	return nil
}

// SetPolicy switches the load-balancing policy
func (p *Pool) SetPolicy(policy Policy) {
	p.mu.Lock()
	p.policy = policy
	p.mu.Unlock()
}

// Handles returns an observability snapshot of the handle table
func (p *Pool) Handles() []HandleStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]HandleStatus, 0, len(p.handles))
	for _, h := range p.handles {
		owners := make([]string, 0, len(h.owners))
		for id := range h.owners {
			owners = append(owners, id)
		}
		sort.Strings(owners)
		out = append(out, HandleStatus{
			ID:       h.id,
			Role:     h.role,
			Refs:     h.refs,
			Active:   h.active,
			Lost:     h.lost,
			LastUsed: h.lastUsed,
			Owners:   owners,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// selectLocked picks a reusable handle of role under the current policy,
// or nil when a new connection is needed. Shared handles are reusable
// while live; other roles only while idle. Lost handles never selected.
func (p *Pool) selectLocked(workerID string, role ConnRole) *Handle {
	if role == RoleIsolated {
		return nil
	}

	var cands []*Handle
	for _, h := range p.handles {
		if h.role != role || h.lost {
			continue
		}
		if role != RoleShared && h.refs > 0 {
			continue
		}
		cands = append(cands, h)
	}
	if len(cands) == 0 {
		return nil
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].id < cands[j].id })

	switch p.policy {
	case PolicyLeastActive:
		best := cands[0]
		for _, h := range cands[1:] {
			if h.refs < best.refs || (h.refs == best.refs && h.active < best.active) {
				best = h
			}
		}
		return best
	default:
		idx := p.rr[role] % len(cands)
		p.rr[role]++
		return cands[idx]
	}
}

func (p *Pool) addOwnerLocked(h *Handle, workerID string) {
	h.owners[workerID]++
	h.refs++
	h.lastUsed = time.Now()
}

// dropOwnerLocked removes one reference; the count never goes negative
func (p *Pool) dropOwnerLocked(h *Handle, workerID string) {
	if h.owners[workerID] > 0 {
		h.owners[workerID]--
		h.refs--
		if h.owners[workerID] == 0 {
			delete(h.owners, workerID)
		}
	}
	h.lastUsed = time.Now()
}

func (p *Pool) teardown(h *Handle) error {
	if p.monitor != nil {
		p.monitor.Deregister(ConnEntityPrefix + h.id)
	}
	p.logger.Debug("connection closed", "handle", h.id, "role", h.role.String())
	return h.conn.Close()
}

func (p *Pool) reapIdle() {
	p.mu.Lock()
	cutoff := time.Now().Add(-p.idleTimeout)
	var reaped []*Handle
	for id, h := range p.handles {
		if h.refs == 0 && h.active == 0 && h.lastUsed.Before(cutoff) {
			delete(p.handles, id)
			reaped = append(reaped, h)
		}
	}
	p.mu.Unlock()

	for _, h := range reaped {
		_ = p.teardown(h)
	}
}
