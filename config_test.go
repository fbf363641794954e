package locklease

import (
	"strings"
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.SweepInterval != DefaultSweepInterval {
		t.Fatalf("expected sweep interval default %s, got %s", DefaultSweepInterval, cfg.SweepInterval)
	}
	if cfg.BenchClients != DefaultBenchClients || cfg.BenchLocks != DefaultBenchLocks {
		t.Fatalf("expected bench defaults, got clients=%d locks=%d", cfg.BenchClients, cfg.BenchLocks)
	}
	if cfg.BenchWorkers < 2 {
		t.Fatalf("expected at least two workers, got %d", cfg.BenchWorkers)
	}
	if cfg.BenchDuration != DefaultBenchDuration {
		t.Fatalf("expected bench duration default, got %s", cfg.BenchDuration)
	}
	if cfg.TelemetryRequested() {
		t.Fatal("telemetry should be off by default")
	}
}

func TestConfigOperationsReplaceDuration(t *testing.T) {
	cfg := Config{BenchOperations: 1000}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.BenchDuration != 0 {
		t.Fatalf("operation-bounded runs should not get a default duration, got %s", cfg.BenchDuration)
	}
}

func TestConfigValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"negative sweep", Config{SweepInterval: -time.Second}, "sweep interval"},
		{"profiling without metrics", Config{EnableProfilingMetrics: true}, "metrics-listen"},
		{"bad otlp scheme", Config{OTLPEndpoint: "ftp://collector"}, "otlp endpoint"},
		{"negative clients", Config{BenchClients: -1}, "bench clients"},
		{"negative workers", Config{BenchWorkers: -2}, "bench workers"},
		{"negative locks", Config{BenchLocks: -3}, "bench locks"},
		{"read ratio", Config{BenchReadRatio: 1.5}, "read ratio"},
		{"wait ratio", Config{BenchWaitRatio: -0.1}, "wait ratio"},
		{"hold time", Config{BenchHoldTime: -time.Millisecond}, "hold time"},
		{"try timeout", Config{BenchTryTimeout: -time.Millisecond}, "try timeout"},
		{"flush delay", Config{BenchFlushDelay: -time.Millisecond}, "flush delay"},
		{"operations", Config{BenchOperations: -1}, "operations"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.HasPrefix(err.Error(), "config: ") || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("unexpected error %q", err)
			}
		})
	}
}

func TestConfigTrimsListeners(t *testing.T) {
	cfg := Config{MetricsListen: "  127.0.0.1:0 ", OTLPEndpoint: " collector:4317 "}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.MetricsListen != "127.0.0.1:0" || cfg.OTLPEndpoint != "collector:4317" {
		t.Fatalf("expected trimmed endpoints, got %q %q", cfg.MetricsListen, cfg.OTLPEndpoint)
	}
	if !cfg.TelemetryRequested() {
		t.Fatal("expected telemetry to be requested")
	}
}

func TestDefaultConfigDirHonoursEnv(t *testing.T) {
	t.Setenv("LOCKLEASE_CONFIG_DIR", "/tmp/locklease-test")
	dir, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("config dir: %v", err)
	}
	if dir != "/tmp/locklease-test" {
		t.Fatalf("unexpected dir %q", dir)
	}
}
