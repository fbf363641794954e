package locklease

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const (
	// DefaultSweepInterval sets how often the manager looks for idle locks to collect.
	DefaultSweepInterval = 30 * time.Second
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

const (
	// DefaultBenchClients is the number of loopback sessions the bench opens.
	DefaultBenchClients = 2
	// DefaultBenchLocks is the number of distinct lock ids the bench spreads work over.
	DefaultBenchLocks = 8
	// DefaultBenchDuration bounds a bench run.
	DefaultBenchDuration = 10 * time.Second
	// DefaultBenchReadRatio is the share of acquires taken at read level.
	DefaultBenchReadRatio = 0.5
)

// DefaultBenchWorkers scales bench workers per client with the host.
func DefaultBenchWorkers() int {
	n := runtime.GOMAXPROCS(0)
	if n < 2 {
		return 2
	}
	return n
}

// Config captures the tunables of a locklease process: the lock manager's
// sweeper, telemetry endpoints, and the loopback bench workload.
type Config struct {
	SweepInterval time.Duration `yaml:"sweep-interval"`

	MetricsListen          string `yaml:"metrics-listen"`
	PprofListen            string `yaml:"pprof-listen"`
	OTLPEndpoint           string `yaml:"otlp-endpoint"`
	EnableProfilingMetrics bool   `yaml:"enable-profiling-metrics"`

	BenchClients    int           `yaml:"bench-clients"`
	BenchWorkers    int           `yaml:"bench-workers"`
	BenchLocks      int           `yaml:"bench-locks"`
	BenchDuration   time.Duration `yaml:"bench-duration"`
	BenchReadRatio  float64       `yaml:"bench-read-ratio"`
	BenchWaitRatio  float64       `yaml:"bench-wait-ratio"`
	BenchHoldTime   time.Duration `yaml:"bench-hold-time"`
	BenchTryTimeout time.Duration `yaml:"bench-try-timeout"`
	BenchFlushDelay time.Duration `yaml:"bench-flush-delay"`
	BenchRunID      string        `yaml:"bench-run-id,omitempty"`
	BenchOperations int64         `yaml:"bench-operations,omitempty"`
}

// TelemetryRequested reports whether any telemetry endpoint is configured.
func (c Config) TelemetryRequested() bool {
	return strings.TrimSpace(c.OTLPEndpoint) != "" ||
		strings.TrimSpace(c.MetricsListen) != "" ||
		strings.TrimSpace(c.PprofListen) != "" ||
		c.EnableProfilingMetrics
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("config: sweep interval must be >= 0")
	}
	c.MetricsListen = strings.TrimSpace(c.MetricsListen)
	c.PprofListen = strings.TrimSpace(c.PprofListen)
	c.OTLPEndpoint = strings.TrimSpace(c.OTLPEndpoint)
	if c.EnableProfilingMetrics && c.MetricsListen == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.OTLPEndpoint != "" {
		if _, err := resolveOTLPTarget(c.OTLPEndpoint); err != nil {
			return fmt.Errorf("config: otlp endpoint: %w", err)
		}
	}

	if c.BenchClients == 0 {
		c.BenchClients = DefaultBenchClients
	}
	if c.BenchClients < 0 {
		return fmt.Errorf("config: bench clients must be >= 1")
	}
	if c.BenchWorkers == 0 {
		c.BenchWorkers = DefaultBenchWorkers()
	}
	if c.BenchWorkers < 0 {
		return fmt.Errorf("config: bench workers must be >= 1")
	}
	if c.BenchLocks == 0 {
		c.BenchLocks = DefaultBenchLocks
	}
	if c.BenchLocks < 0 {
		return fmt.Errorf("config: bench locks must be >= 1")
	}
	if c.BenchDuration == 0 && c.BenchOperations == 0 {
		c.BenchDuration = DefaultBenchDuration
	}
	if c.BenchDuration < 0 {
		return fmt.Errorf("config: bench duration must be >= 0")
	}
	if c.BenchOperations < 0 {
		return fmt.Errorf("config: bench operations must be >= 0")
	}
	if c.BenchReadRatio < 0 || c.BenchReadRatio > 1 {
		return fmt.Errorf("config: bench read ratio must be within [0,1]")
	}
	if c.BenchWaitRatio < 0 || c.BenchWaitRatio > 1 {
		return fmt.Errorf("config: bench wait ratio must be within [0,1]")
	}
	if c.BenchHoldTime < 0 {
		return fmt.Errorf("config: bench hold time must be >= 0")
	}
	if c.BenchTryTimeout < 0 {
		return fmt.Errorf("config: bench try timeout must be >= 0")
	}
	if c.BenchFlushDelay < 0 {
		return fmt.Errorf("config: bench flush delay must be >= 0")
	}
	return nil
}

// DefaultConfigDir returns the default config directory ($HOME/.locklease).
func DefaultConfigDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv("LOCKLEASE_CONFIG_DIR")); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home dir: %w", err)
	}
	return filepath.Join(home, ".locklease"), nil
}
