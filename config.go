package botfleet

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level fleet configuration, loaded once at startup.
// Grant and pool-limit sections can be re-applied at runtime through the
// router's builtin commands; everything else requires a restart.
type Config struct {
	// Dir is the runtime directory holding per-worker sockets and status files
	Dir string `yaml:"dir"`
	// Workers lists the workers the fleet should run
	Workers []WorkerConfig `yaml:"workers"`
	// Restart bounds the supervisor's restart behavior
	Restart RestartConfig `yaml:"restart"`
	// Probe configures the health monitor
	Probe ProbeConfig `yaml:"probe"`
	// Pool configures the connection pool
	Pool PoolConfig `yaml:"pool"`
	// Grants maps caller roles to allowed command-name patterns
	Grants map[string][]string `yaml:"grants"`
}

// WorkerConfig describes one worker process
type WorkerConfig struct {
	// ID is the stable worker identity
	ID string `yaml:"id"`
	// Cmd is the command and arguments to execute
	Cmd []string `yaml:"cmd"`
	// Cwd is the working directory for the process
	Cwd string `yaml:"cwd"`
	// Env contains extra environment variables for the process
	Env map[string]string `yaml:"env"`
	// StartupTimeout is the deadline for the first heartbeat after spawn
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	// GracePeriod is the wait between a termination signal and a forced kill
	GracePeriod time.Duration `yaml:"grace_period"`
	// Limits are advisory resource limits exported to the worker environment
	Limits ResourceLimits `yaml:"limits"`
}

// ResourceLimits are per-worker resource bounds. They are exported to the
// child environment for the worker harness to apply; the control plane
// does not enforce them itself.
type ResourceLimits struct {
	// MaxMemMB is the memory ceiling in megabytes (0 = unlimited)
	MaxMemMB int `yaml:"max_mem_mb"`
	// MaxFiles is the open-file ceiling (0 = unlimited)
	MaxFiles int `yaml:"max_files"`
	// MaxProcs is the subprocess ceiling (0 = unlimited)
	MaxProcs int `yaml:"max_procs"`
}

// RestartConfig bounds the supervisor's restart-on-failure behavior
type RestartConfig struct {
	// MaxAttempts is the restart-attempt ceiling before the worker is Failed
	MaxAttempts int `yaml:"max_attempts"`
	// BackoffMin is the initial restart backoff
	BackoffMin time.Duration `yaml:"backoff_min"`
	// BackoffMax caps the exponential backoff growth
	BackoffMax time.Duration `yaml:"backoff_max"`
}

// ProbeConfig configures the health monitor's probe loop
type ProbeConfig struct {
	// Interval is the fixed probe period per monitored entity
	Interval time.Duration `yaml:"interval"`
	// Timeout is the per-probe deadline; a timed-out probe counts as a failure
	Timeout time.Duration `yaml:"timeout"`
}

// PoolConfig configures the connection pool manager
type PoolConfig struct {
	// MaxConns is the total connection ceiling
	MaxConns int `yaml:"max_conns"`
	// IdleTimeout is how long an unowned handle may sit before it is closed
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// Policy selects the load-balancing policy: "round-robin" or "least-active"
	Policy string `yaml:"policy"`
}

// LoadConfig reads and validates a YAML fleet configuration file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &OpError{Op: OpConfig, ID: path, Err: err}
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &OpError{Op: OpConfig, ID: path, Err: fmt.Errorf("%w: %v", ErrInvalidConfig, err)}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Restart.MaxAttempts == 0 {
		c.Restart.MaxAttempts = DefaultRestartMaxAttempts
	}
	if c.Restart.BackoffMin == 0 {
		c.Restart.BackoffMin = DefaultRestartBackoffMin
	}
	if c.Restart.BackoffMax == 0 {
		c.Restart.BackoffMax = DefaultRestartBackoffMax
	}
	if c.Probe.Interval == 0 {
		c.Probe.Interval = DefaultProbeInterval
	}
	if c.Probe.Timeout == 0 {
		c.Probe.Timeout = DefaultProbeTimeout
	}
	if c.Pool.MaxConns == 0 {
		c.Pool.MaxConns = DefaultPoolMaxConns
	}
	if c.Pool.IdleTimeout == 0 {
		c.Pool.IdleTimeout = DefaultPoolIdleTimeout
	}
	if c.Pool.Policy == "" {
		c.Pool.Policy = PolicyRoundRobin.String()
	}
	for i := range c.Workers {
		w := &c.Workers[i]
		if w.StartupTimeout == 0 {
			w.StartupTimeout = DefaultStartupTimeout
		}
		if w.GracePeriod == 0 {
			w.GracePeriod = DefaultGracePeriod
		}
	}
}

// Validate checks the configuration for fatal errors. Validation failures
// are ClassConfig: surfaced at startup and never retried.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return &OpError{Op: OpConfig, ID: "dir", Err: fmt.Errorf("%w: runtime dir required", ErrInvalidConfig)}
	}
	seen := make(map[string]bool, len(c.Workers))
	for i := range c.Workers {
		w := &c.Workers[i]
		if err := w.Validate(); err != nil {
			return err
		}
		if seen[w.ID] {
			return &OpError{Op: OpConfig, ID: w.ID, Err: fmt.Errorf("%w: duplicate worker id", ErrInvalidConfig)}
		}
		seen[w.ID] = true
	}
	if c.Restart.BackoffMin > c.Restart.BackoffMax {
		return &OpError{Op: OpConfig, ID: "restart", Err: fmt.Errorf("%w: backoff_min exceeds backoff_max", ErrInvalidConfig)}
	}
	if c.Restart.MaxAttempts < 0 {
		return &OpError{Op: OpConfig, ID: "restart", Err: fmt.Errorf("%w: negative max_attempts", ErrInvalidConfig)}
	}
	if c.Pool.MaxConns < 1 {
		return &OpError{Op: OpConfig, ID: "pool", Err: fmt.Errorf("%w: max_conns must be positive", ErrInvalidConfig)}
	}
	if _, err := ParsePolicy(c.Pool.Policy); err != nil {
		return &OpError{Op: OpConfig, ID: "pool", Err: err}
	}
	for role, patterns := range c.Grants {
		if role == "" {
			return &OpError{Op: OpConfig, ID: "grants", Err: fmt.Errorf("%w: empty role", ErrInvalidConfig)}
		}
		for _, p := range patterns {
			if p == "" {
				return &OpError{Op: OpConfig, ID: role, Err: fmt.Errorf("%w: empty grant pattern", ErrInvalidConfig)}
			}
		}
	}
	return nil
}

// Validate checks a single worker config
func (w *WorkerConfig) Validate() error {
	if w.ID == "" {
		return &OpError{Op: OpConfig, ID: w.ID, Err: fmt.Errorf("%w: worker id required", ErrInvalidConfig)}
	}
	if len(w.Cmd) == 0 || w.Cmd[0] == "" {
		return &OpError{Op: OpConfig, ID: w.ID, Err: fmt.Errorf("%w: worker cmd required", ErrInvalidConfig)}
	}
	if w.StartupTimeout < 0 || w.GracePeriod < 0 {
		return &OpError{Op: OpConfig, ID: w.ID, Err: fmt.Errorf("%w: negative timeout", ErrInvalidConfig)}
	}
	return nil
}
