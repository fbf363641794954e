package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/locklease"
	"pkt.systems/locklease/internal/loggingutil"
	"pkt.systems/pslog"
)

const envPrefix = "LOCKLEASE"

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix(envPrefix+"_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "locklease")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

// cli carries the state shared by every subcommand: the viper instance the
// flags are bound to and the logger, whose level follows the config file.
type cli struct {
	v          *viper.Viper
	baseLogger pslog.Logger
	logger     atomic.Pointer[pslog.Logger]
	configFile string
}

func (c *cli) currentLogger() pslog.Logger {
	if l := c.logger.Load(); l != nil {
		return *l
	}
	return c.baseLogger
}

func (c *cli) setLogLevel(raw string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "info"
	}
	level, ok := pslog.ParseLevel(raw)
	if !ok {
		loggingutil.WithSubsystem(c.currentLogger(), "cli.config").Warn("cli.config.bad_log_level", "value", raw)
		return
	}
	l := c.baseLogger.LogLevel(level)
	c.logger.Store(&l)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	c := &cli{
		v:          viper.New(),
		baseLogger: loggingutil.EnsureLogger(baseLogger),
	}
	c.v.SetEnvPrefix(envPrefix)
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "locklease",
		Short:         "locklease coordinates distributed locks from the client side with greedy leases and recall",
		SilenceErrors: true,
		Example: `
  # Two clients, eight workers each, hammering four locks for 5s
  locklease bench --clients 2 --workers 8 --locks 4 --duration 5s

  # Same run, exporting coordinator metrics to Prometheus
  LOCKLEASE_METRICS_LISTEN=127.0.0.1:9464 locklease bench

  # Show the effective configuration
  locklease config --config ~/.locklease/config.yaml
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := c.v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			path, err := loadConfigFile(c.v)
			if err != nil {
				return err
			}
			c.configFile = path
			c.setLogLevel(c.v.GetString("log-level"))
			if path != "" {
				loggingutil.WithSubsystem(c.currentLogger(), "cli.config").Info("cli.config.loaded", "path", path)
				watchConfig(c)
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.locklease/"+locklease.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	cmd.AddCommand(newBenchCommand(c))
	cmd.AddCommand(newConfigCommand(c))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// watchConfig re-applies the log level whenever the config file changes.
func watchConfig(c *cli) {
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		c.setLogLevel(c.v.GetString("log-level"))
		loggingutil.WithSubsystem(c.currentLogger(), "cli.config").Info("cli.config.reloaded",
			"path", e.Name,
			"log_level", c.v.GetString("log-level"),
		)
	})
	c.v.WatchConfig()
}

func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := locklease.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, locklease.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

// addConfigFlags registers the flags that map onto locklease.Config.
func addConfigFlags(flags *pflag.FlagSet) {
	flags.Duration("sweep-interval", locklease.DefaultSweepInterval, "how often idle locks are swept for collection")
	flags.String("metrics-listen", locklease.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", locklease.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.String("otlp-endpoint", "", "OTLP trace collector (host:port, grpc://, grpcs://, http://, https://)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")

	flags.Int("clients", locklease.DefaultBenchClients, "number of loopback clients")
	flags.Int("workers", locklease.DefaultBenchWorkers(), "workers per client")
	flags.Int("locks", locklease.DefaultBenchLocks, "distinct lock ids")
	flags.Duration("duration", locklease.DefaultBenchDuration, "run length (ignored when --operations is set)")
	flags.Int64("operations", 0, "stop after this many acquisitions in total")
	flags.Float64("read-ratio", locklease.DefaultBenchReadRatio, "share of acquires taken at read level")
	flags.Float64("wait-ratio", 0, "share of write holds that wait on the lock before releasing")
	flags.Duration("hold-time", 0, "how long each worker keeps the lock")
	flags.Duration("try-timeout", 0, "use timed try-locks with this budget instead of blocking acquires")
	flags.Duration("flush-delay", 0, "simulated flush latency at the loopback authority")
	flags.String("run-id", "", "UUIDv7 identifying this run (generated when empty)")
}

// bindConfig reads locklease.Config out of flags, environment and config file.
func bindConfig(v *viper.Viper, cfg *locklease.Config) error {
	cfg.SweepInterval = v.GetDuration("sweep-interval")
	cfg.MetricsListen = v.GetString("metrics-listen")
	cfg.PprofListen = v.GetString("pprof-listen")
	cfg.OTLPEndpoint = v.GetString("otlp-endpoint")
	cfg.EnableProfilingMetrics = v.GetBool("enable-profiling-metrics")
	cfg.BenchClients = v.GetInt("clients")
	cfg.BenchWorkers = v.GetInt("workers")
	cfg.BenchLocks = v.GetInt("locks")
	cfg.BenchDuration = v.GetDuration("duration")
	cfg.BenchOperations = v.GetInt64("operations")
	if cfg.BenchOperations > 0 && !v.IsSet("duration") {
		cfg.BenchDuration = 0
	}
	cfg.BenchReadRatio = v.GetFloat64("read-ratio")
	cfg.BenchWaitRatio = v.GetFloat64("wait-ratio")
	cfg.BenchHoldTime = v.GetDuration("hold-time")
	cfg.BenchTryTimeout = v.GetDuration("try-timeout")
	cfg.BenchFlushDelay = v.GetDuration("flush-delay")
	cfg.BenchRunID = strings.TrimSpace(v.GetString("run-id"))
	return cfg.Validate()
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
