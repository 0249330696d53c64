// Package botfleet supervises a fleet of isolated bot worker processes
// from a single control plane: it spawns, monitors, restarts, and cleanly
// terminates each worker, routes operator commands to the right worker(s),
// and shares a pool of external connections across the fleet.
//
// The core types map onto the control plane's responsibilities:
//
//	sup, err := botfleet.NewSupervisor("/run/botfleet")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Spawn a worker; returns once it has reached Starting
//	err = sup.StartWorker(ctx, botfleet.WorkerConfig{
//	    ID:  "bot-1",
//	    Cmd: []string{"/usr/local/bin/bot-worker"},
//	})
//
//	// Snapshot the fleet
//	for _, st := range sup.ListWorkers() {
//	    fmt.Printf("%s: %s (pid %d)\n", st.ID, st.StateName, st.PID)
//	}
//
// Workers run as separate OS processes. Isolation is a design requirement,
// not an optimization: a crashing worker cannot corrupt another worker's
// state. Each worker talks to the control plane over its own unix socket
// with newline-delimited JSON frames; the WorkerConn type is the worker
// side of that channel and is all a worker harness needs.
//
// # Command routing
//
// Operator commands enter through the Router, which checks the caller's
// role against the permission grant table, resolves the target selector
// (one worker, a set, or the whole fleet), and dispatches over the command
// channel with a deadline:
//
//	router := botfleet.NewRouter(sup, botfleet.NewGrants(map[string][]string{
//	    "admin":    {"*"},
//	    "operator": {"bot.*", "fleet.pool.limits"},
//	}))
//
//	env := botfleet.NewEnvelope("bot.restart", payload, botfleet.TargetAll())
//	res, err := router.Dispatch(ctx, env, "operator")
//
// Set and broadcast targets skip workers that cannot receive commands and
// report them in the result's Skipped list.
//
// # Connection pooling
//
// The Pool shares expensive external connections across workers. Handles
// carry a role tag (primary, backup, shared, isolated); shared handles
// are reference counted and torn down exactly when the last owner
// releases them. The pool needs only Open/Ping/Close from the pooled
// resource.
//
// # Health monitoring
//
// The Monitor probes workers and connections on a fixed interval in the
// background. Classification degrades conservatively (three consecutive
// failures per level) and recovers fast (one success). The Supervisor and
// Pool consume transitions to drive restarts and selection.
package botfleet
