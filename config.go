package foreman

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ClassConfig defines the admission and scheduling policy for one job class.
// Every submitted job names a class; unknown classes are rejected outright.
type ClassConfig struct {
	// Name is the class identifier (e.g. "heavy", "query", "background").
	Name string `yaml:"name"`

	// Slots is the maximum number of concurrently running jobs of this
	// class. Occupancy is released only on a terminal transition, never
	// on dequeue, so the count always reflects true concurrent execution.
	Slots int `yaml:"slots"`

	// QueueDepth is the maximum number of queued (not yet running) jobs.
	// Submissions beyond this depth are rejected — deliberate backpressure
	// rather than unbounded queuing under sustained overload.
	QueueDepth int `yaml:"queue_depth"`

	// DefaultPriority is assigned to submissions that don't set one.
	// Higher priorities dispatch first.
	DefaultPriority int `yaml:"default_priority"`

	// LivenessDeadline is how long a running job may go without a
	// progress callback before the watchdog fails it as timed out.
	// Zero disables the watchdog for this class.
	LivenessDeadline time.Duration `yaml:"liveness_deadline"`

	// CancelGrace is how long a cancelled running job is given to stop
	// cooperatively before it is force-marked cancelled and its slot
	// reclaimed. Zero reclaims the slot immediately on cancel.
	CancelGrace time.Duration `yaml:"cancel_grace"`

	// RateLimit is the maximum sustained dispatches per second for this
	// class. Zero disables rate limiting. Rate-limited dispatch defers,
	// it never rejects.
	RateLimit float64 `yaml:"rate_limit"`

	// RateBurst is the token-bucket burst size. Defaults to 1 when
	// RateLimit is set but RateBurst is zero.
	RateBurst int `yaml:"rate_burst"`
}

// Config holds configuration for the scheduling core.
type Config struct {
	// Classes lists every job class the core will accept.
	Classes []ClassConfig `yaml:"classes"`

	// PoolSize is the number of concurrent worker goroutines in the
	// local pool. It caps execution across all classes; per-class slot
	// limits apply on top.
	PoolSize int `yaml:"pool_size"`

	// WatchdogInterval is how often the liveness watchdog scans running
	// jobs against their class deadlines.
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`

	// SnapshotWindow bounds how far back the pull snapshot reports
	// terminal jobs. Older terminal records are the retention policy's
	// concern, not this core's.
	SnapshotWindow time.Duration `yaml:"snapshot_window"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns a Config with sensible defaults and a single
// "default" class.
func DefaultConfig() Config {
	return Config{
		Classes: []ClassConfig{
			{
				Name:             "default",
				Slots:            4,
				QueueDepth:       64,
				LivenessDeadline: 2 * time.Minute,
				CancelGrace:      10 * time.Second,
			},
		},
		PoolSize:         10,
		WatchdogInterval: 5 * time.Second,
		SnapshotWindow:   time.Hour,
		ShutdownTimeout:  30 * time.Second,
	}
}

// Class returns the configuration for the named class.
func (c Config) Class(name string) (ClassConfig, bool) {
	for _, cc := range c.Classes {
		if cc.Name == name {
			return cc, true
		}
	}
	return ClassConfig{}, false
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	if len(c.Classes) == 0 {
		return fmt.Errorf("foreman: config: at least one class is required")
	}
	seen := make(map[string]struct{}, len(c.Classes))
	for _, cc := range c.Classes {
		if cc.Name == "" {
			return fmt.Errorf("foreman: config: class with empty name")
		}
		if _, dup := seen[cc.Name]; dup {
			return fmt.Errorf("foreman: config: duplicate class %q", cc.Name)
		}
		seen[cc.Name] = struct{}{}
		if cc.Slots <= 0 {
			return fmt.Errorf("foreman: config: class %q: slots must be positive", cc.Name)
		}
		if cc.QueueDepth <= 0 {
			return fmt.Errorf("foreman: config: class %q: queue_depth must be positive", cc.Name)
		}
	}
	return nil
}

// LoadConfig reads a YAML configuration file, applies defaults for
// unset top-level fields, and validates the result.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("foreman: read config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	cfg.Classes = nil
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("foreman: parse config %s: %w", path, err)
	}

	def := DefaultConfig()
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = def.PoolSize
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = def.WatchdogInterval
	}
	if cfg.SnapshotWindow <= 0 {
		cfg.SnapshotWindow = def.SnapshotWindow
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
