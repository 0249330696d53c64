package botfleet

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"vawter.tech/stopper"
)

// HealthClass is a monitored entity's current classification
type HealthClass int

const (
	// Healthy means recent probes succeeded
	Healthy HealthClass = iota
	// Degraded means probes are failing but below the fatal threshold
	Degraded
	// Unreachable means the entity has stopped responding
	Unreachable
)

// String returns the string representation of a HealthClass
func (c HealthClass) String() string {
	switch c {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// ProbeFunc checks one entity's liveness. A non-nil error is a probe
// failure; the probe must respect ctx, which carries the probe timeout.
type ProbeFunc func(ctx context.Context) error

// HealthRecord is the rolling status of one monitored entity. Only the
// monitor mutates records; consumers read copies.
type HealthRecord struct {
	// ID is the monitored entity id
	ID string
	// Class is the current classification
	Class HealthClass
	// ConsecutiveFails counts probe failures since the last success or
	// downgrade
	ConsecutiveFails int
	// LastProbe is the time of the most recent probe
	LastProbe time.Time
	// LastErr is the most recent probe failure, nil after a success
	LastErr error
}

type healthEntry struct {
	record HealthRecord
	probe  ProbeFunc
}

// Monitor periodically probes registered entities and maintains their
// HealthRecords. Degradation is conservative: three consecutive failures
// downgrade the classification one level (healthy→degraded→unreachable),
// with the counter reset on each downgrade. Recovery is fast: one
// successful probe restores Healthy and zeroes the counter.
//
// Probing is background-only. Consumers read the latest record and never
// wait on an in-flight probe.
type Monitor struct {
	// Interval is the fixed probe period
	Interval time.Duration
	// Timeout is the per-probe deadline; timeouts count as failures
	Timeout time.Duration

	onTransition func(id string, from, to HealthClass)
	logger       *slog.Logger

	mu      sync.Mutex
	entries map[string]*healthEntry

	sctx *stopper.Context
}

// MonitorOption configures a Monitor
type MonitorOption func(*Monitor)

// WithProbeInterval sets the probe period
func WithProbeInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		m.Interval = d
	}
}

// WithProbeTimeout sets the per-probe deadline
func WithProbeTimeout(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		m.Timeout = d
	}
}

// WithTransitionFunc sets the callback invoked on classification changes.
// The callback runs on the probe goroutine and must not block.
func WithTransitionFunc(fn func(id string, from, to HealthClass)) MonitorOption {
	return func(m *Monitor) {
		m.onTransition = fn
	}
}

// WithMonitorLogger sets the structured logger
func WithMonitorLogger(l *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		m.logger = l
	}
}

// NewMonitor creates a Monitor; call Start to begin probing
func NewMonitor(opts ...MonitorOption) *Monitor {
	m := &Monitor{
		Interval: DefaultProbeInterval,
		Timeout:  DefaultProbeTimeout,
		logger:   slog.Default(),
		entries:  make(map[string]*healthEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds an entity to the probe schedule. A re-registered id
// starts over as Healthy with a zero counter.
func (m *Monitor) Register(id string, probe ProbeFunc) {
	m.mu.Lock()
	m.entries[id] = &healthEntry{
		record: HealthRecord{ID: id, Class: Healthy},
		probe:  probe,
	}
	m.mu.Unlock()
}

// Deregister removes an entity from the probe schedule
func (m *Monitor) Deregister(id string) {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
}

// Record returns a copy of one entity's health record
func (m *Monitor) Record(id string) (HealthRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return HealthRecord{}, false
	}
	return e.record, true
}

// Records returns a copy of every health record
func (m *Monitor) Records() []HealthRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]HealthRecord, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.record)
	}
	return out
}

// Start launches the probe loop. It runs until Stop.
func (m *Monitor) Start(ctx context.Context) {
	m.sctx = stopper.WithContext(ctx)
	m.sctx.Go(func(sctx *stopper.Context) error {
		ticker := time.NewTicker(m.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-sctx.Stopping():
				return nil
			case <-ticker.C:
				m.sweep(ctx)
			}
		}
	})
}

// Stop halts probing and waits for the loop to exit
func (m *Monitor) Stop() error {
	if m.sctx == nil {
		return nil
	}
	m.sctx.Stop(100 * time.Millisecond)
	return m.sctx.Wait()
}

// sweep probes every registered entity once. Probes for distinct entities
// run concurrently; record mutation is serialized per sweep by the
// monitor mutex.
func (m *Monitor) sweep(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.entries))
	probes := make([]ProbeFunc, 0, len(m.entries))
	for id, e := range m.entries {
		ids = append(ids, id)
		probes = append(probes, e.probe)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(id string, probe ProbeFunc) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, m.Timeout)
			err := probe(pctx)
			cancel()
			m.apply(id, err)
		}(ids[i], probes[i])
	}
	wg.Wait()
}

// apply folds one probe outcome into the entity's record
func (m *Monitor) apply(id string, probeErr error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		// Deregistered while the probe was in flight
		m.mu.Unlock()
		return
	}
	from := e.record.Class
	e.record.LastProbe = time.Now()
	e.record.LastErr = probeErr

	if probeErr == nil {
		// Asymmetric recovery: one success restores Healthy immediately
		e.record.ConsecutiveFails = 0
		e.record.Class = Healthy
	} else {
		e.record.ConsecutiveFails++
		if e.record.ConsecutiveFails >= probeFailureThreshold && e.record.Class != Unreachable {
			e.record.Class++
			e.record.ConsecutiveFails = 0
		}
	}
	to := e.record.Class
	m.mu.Unlock()

	if from != to {
		m.logger.Info("health transition", "entity", id, "from", from.String(), "to", to.String())
		if m.onTransition != nil {
			m.onTransition(id, from, to)
		}
	}
}
