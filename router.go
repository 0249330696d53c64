package botfleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Fleet is the router's view of the supervisor: a state snapshot for
// target resolution and a way to send one envelope to one worker.
type Fleet interface {
	WorkerStates() map[string]WorkerState
	Call(ctx context.Context, id string, env *Envelope) (json.RawMessage, error)
}

// BuiltinHandler executes a control-plane command inside the router
// itself (grant reloads, pool limit changes) rather than on a worker.
type BuiltinHandler func(ctx context.Context, payload json.RawMessage) (any, error)

// Router maps an inbound operator command to a permission check, target
// resolution, and dispatch over the command channel. The permission check
// always precedes target resolution: a caller without a matching grant
// gets ErrPermissionDenied no matter what it targeted.
type Router struct {
	// Concurrency bounds parallel fan-out for set and broadcast targets
	Concurrency int
	// Timeout is the default reply deadline when the envelope carries none
	Timeout time.Duration

	fleet  Fleet
	grants *Grants
	logger *slog.Logger

	mu       sync.RWMutex
	builtins map[string]BuiltinHandler
}

// RouterOption configures a Router
type RouterOption func(*Router)

// WithDispatchConcurrency sets the fan-out width
func WithDispatchConcurrency(n int) RouterOption {
	return func(r *Router) {
		r.Concurrency = n
	}
}

// WithDispatchTimeout sets the default reply deadline
func WithDispatchTimeout(d time.Duration) RouterOption {
	return func(r *Router) {
		r.Timeout = d
	}
}

// WithRouterLogger sets the structured logger
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = l
	}
}

// NewRouter creates a Router over fleet with the given grant table
func NewRouter(fleet Fleet, grants *Grants, opts ...RouterOption) *Router {
	r := &Router{
		Concurrency: DefaultDispatchConcurrency,
		Timeout:     DefaultDispatchTimeout,
		fleet:       fleet,
		grants:      grants,
		logger:      slog.Default(),
		builtins:    make(map[string]BuiltinHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.Concurrency < 1 {
		r.Concurrency = 1
	}
	return r
}

// RegisterBuiltin installs a control-plane command handled by the router
// itself. Builtins go through the same permission check as worker
// commands.
func (r *Router) RegisterBuiltin(name string, fn BuiltinHandler) {
	r.mu.Lock()
	r.builtins[name] = fn
	r.mu.Unlock()
}

// EnableGrantReload registers the builtin that hot-reloads the permission
// table. Payload: {"grants": {"role": ["pattern", ...]}}.
func (r *Router) EnableGrantReload() {
	r.RegisterBuiltin("fleet.grants.reload", func(_ context.Context, payload json.RawMessage) (any, error) {
		var req struct {
			Grants map[string][]string `json:"grants"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, &OpError{Op: OpConfig, ID: "grants", Err: fmt.Errorf("%w: %v", ErrInvalidConfig, err)}
		}
		if err := r.grants.Reload(req.Grants); err != nil {
			return nil, err
		}
		r.logger.Info("grants reloaded", "roles", len(req.Grants))
		return map[string]int{"roles": len(req.Grants)}, nil
	})
}

// EnablePoolControls registers the builtins that adjust pool limits and
// policy at runtime. Payloads: {"max_conns": 32, "idle_timeout": "5m"}
// and {"policy": "least-active"}.
func (r *Router) EnablePoolControls(pool *Pool) {
	r.RegisterBuiltin("fleet.pool.limits", func(_ context.Context, payload json.RawMessage) (any, error) {
		var req struct {
			MaxConns    int    `json:"max_conns"`
			IdleTimeout string `json:"idle_timeout"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, &OpError{Op: OpConfig, ID: "pool", Err: fmt.Errorf("%w: %v", ErrInvalidConfig, err)}
		}
		var idle time.Duration
		if req.IdleTimeout != "" {
			d, err := time.ParseDuration(req.IdleTimeout)
			if err != nil {
				return nil, &OpError{Op: OpConfig, ID: "pool", Err: fmt.Errorf("%w: %v", ErrInvalidConfig, err)}
			}
			idle = d
		}
		if err := pool.SetLimits(req.MaxConns, idle); err != nil {
			return nil, err
		}
		r.logger.Info("pool limits updated", "max_conns", req.MaxConns)
		return map[string]int{"max_conns": req.MaxConns}, nil
	})

	r.RegisterBuiltin("fleet.pool.policy", func(_ context.Context, payload json.RawMessage) (any, error) {
		var req struct {
			Policy string `json:"policy"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, &OpError{Op: OpConfig, ID: "pool", Err: fmt.Errorf("%w: %v", ErrInvalidConfig, err)}
		}
		policy, err := ParsePolicy(req.Policy)
		if err != nil {
			return nil, &OpError{Op: OpConfig, ID: "pool", Err: err}
		}
		pool.SetPolicy(policy)
		return map[string]string{"policy": policy.String()}, nil
	})
}

// Dispatch routes one envelope on behalf of callerRole. Single targets
// must be Running or Degraded; set and broadcast targets silently skip
// unavailable workers but report them in the result. Every envelope is
// answered exactly once: success, rejection, or timeout.
//
// A timed-out command is not canceled at the worker. Delivery is at most
// once, but completion may still happen after the caller gave up; only
// idempotent commands should be retried on ErrDeadline.
func (r *Router) Dispatch(ctx context.Context, env *Envelope, callerRole string) (*DispatchResult, error) {
	pattern, ok := r.grants.Allows(callerRole, env.Name)
	if !ok {
		return nil, &OpError{Op: OpDispatch, ID: env.Name, Err: ErrPermissionDenied}
	}
	r.logger.Debug("command authorized",
		"command", env.Name, "role", callerRole, "grant", pattern, "correlation", env.CorrelationID)

	timeout := env.Timeout
	if timeout == 0 {
		timeout = r.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r.mu.RLock()
	builtin, isBuiltin := r.builtins[env.Name]
	r.mu.RUnlock()
	if isBuiltin {
		payload, err := runBuiltin(ctx, builtin, env.Payload)
		res := &DispatchResult{Results: []CommandResult{{
			WorkerID: "fleet",
			Payload:  payload,
			Err:      err,
			Error:    errString(err),
		}}}
		return res, err
	}

	states := r.fleet.WorkerStates()

	var targets []string
	var skipped []string
	switch env.Target.Kind {
	case TargetSingle:
		if len(env.Target.IDs) != 1 {
			return nil, &OpError{Op: OpDispatch, ID: env.Name, Err: ErrTargetUnavailable}
		}
		id := env.Target.IDs[0]
		st, known := states[id]
		if !known || !st.Dispatchable() {
			return nil, &OpError{Op: OpDispatch, ID: id, Err: ErrTargetUnavailable}
		}
		targets = []string{id}

	case TargetSet:
		for _, id := range env.Target.IDs {
			st, known := states[id]
			if known && st.Dispatchable() {
				targets = append(targets, id)
			} else {
				skipped = append(skipped, id)
			}
		}

	case TargetBroadcast:
		for id, st := range states {
			if st.Dispatchable() {
				targets = append(targets, id)
			} else {
				skipped = append(skipped, id)
			}
		}
	}

	sort.Strings(targets)
	sort.Strings(skipped)

	results := r.fanOut(ctx, env, targets)
	res := &DispatchResult{Results: results, Skipped: skipped}

	if env.Target.Kind == TargetSingle && len(results) == 1 && results[0].Err != nil {
		return res, results[0].Err
	}
	return res, nil
}

// fanOut sends the envelope to every target with bounded concurrency,
// collecting exactly one result per target.
func (r *Router) fanOut(ctx context.Context, env *Envelope, targets []string) []CommandResult {
	if len(targets) == 0 {
		return nil
	}

	sem := make(chan struct{}, r.Concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	results := make([]CommandResult, 0, len(targets))

	for _, target := range targets {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				// Deadline expiry is the command timeout; a canceled
				// caller is reported as such, not as a timeout.
				err := ctx.Err()
				if errors.Is(err, context.DeadlineExceeded) {
					err = ErrDeadline
				}
				mu.Lock()
				results = append(results, CommandResult{
					WorkerID: id,
					Err:      err,
					Error:    err.Error(),
				})
				mu.Unlock()
				return
			}

			payload, err := r.fleet.Call(ctx, id, env)
			mu.Lock()
			results = append(results, CommandResult{
				WorkerID: id,
				Payload:  payload,
				Err:      err,
				Error:    errString(err),
			})
			mu.Unlock()
		}(target)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].WorkerID < results[j].WorkerID })
	return results
}

func runBuiltin(ctx context.Context, fn BuiltinHandler, payload json.RawMessage) (json.RawMessage, error) {
	result, err := fn(ctx, payload)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
