package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/locklease"
	"pkt.systems/locklease/internal/loggingutil"
	"pkt.systems/locklease/internal/loopback"
	"pkt.systems/locklease/internal/uuidv7"
	"pkt.systems/locklease/locks"
	"pkt.systems/pslog"
)

func newBenchCommand(c *cli) *cobra.Command {
	var asYAML bool
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Drive loopback clients against an in-process authority and report how acquires were served",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			var cfg locklease.Config
			if err := bindConfig(c.v, &cfg); err != nil {
				return err
			}
			if cfg.BenchRunID == "" {
				cfg.BenchRunID = uuidv7.NewString()
			} else if _, err := uuidv7.Parse(cfg.BenchRunID); err != nil {
				return fmt.Errorf("--run-id: %w", err)
			}
			logger := c.currentLogger().With("run", cfg.BenchRunID)

			tel, err := locklease.StartTelemetry(cmd.Context(), cfg, loggingutil.WithSubsystem(logger, "telemetry"))
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = tel.Shutdown(shutdownCtx)
			}()

			report, err := runBench(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			if asYAML {
				return writeReportYAML(cmd.OutOrStdout(), report)
			}
			writeReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
	addConfigFlags(cmd.Flags())
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "print the report as YAML")
	return cmd
}

type benchStats struct {
	Ops       int           `yaml:"ops"`
	OpsPerSec float64       `yaml:"ops_per_sec"`
	Avg       time.Duration `yaml:"avg"`
	P50       time.Duration `yaml:"p50"`
	P90       time.Duration `yaml:"p90"`
	P99       time.Duration `yaml:"p99"`
	Max       time.Duration `yaml:"max"`
}

type benchReport struct {
	RunID      string        `yaml:"run_id"`
	Clients    int           `yaml:"clients"`
	Workers    int           `yaml:"workers_per_client"`
	Locks      int           `yaml:"locks"`
	Elapsed    time.Duration `yaml:"elapsed"`
	Acquire    benchStats    `yaml:"acquire"`
	Refused    int64         `yaml:"refused"`
	Waits      int64         `yaml:"waits"`
	Errors     int64         `yaml:"errors"`
	FirstError string        `yaml:"first_error,omitempty"`

	LeaseAwards  int64   `yaml:"lease_awards"`
	ThreadAwards int64   `yaml:"thread_awards"`
	Recalls      int64   `yaml:"recalls"`
	Commits      int64   `yaml:"recall_commits"`
	LocalRatio   float64 `yaml:"local_ratio"`
	Collected    int     `yaml:"gc_collected"`

	CPUPercent float64 `yaml:"cpu_percent"`
	RSSBytes   uint64  `yaml:"rss_bytes"`
}

type benchClient struct {
	session *loopback.Session
	manager *locks.Manager
}

func runBench(ctx context.Context, cfg locklease.Config, logger pslog.Logger) (benchReport, error) {
	logger = loggingutil.EnsureLogger(logger)
	benchLogger := loggingutil.WithSubsystem(logger, "cli.bench")
	authority := loopback.New(
		loopback.WithLogger(logger),
		loopback.WithFlushDelay(cfg.BenchFlushDelay),
	)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	clients := make([]benchClient, cfg.BenchClients)
	for i := range clients {
		s := authority.NewSession()
		m := locks.NewManager(s,
			locks.WithLogger(logger.With("client", string(s.ClientID()))),
			locks.WithSweepInterval(cfg.SweepInterval),
		)
		s.Start(m)
		go m.Run(runCtx)
		clients[i] = benchClient{session: s, manager: m}
	}
	defer func() {
		for _, bc := range clients {
			bc.manager.Close()
			bc.session.Close()
		}
		authority.Shutdown()
	}()

	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		benchLogger.Warn("cli.bench.process_unavailable", "error", err)
	} else {
		// The first sample only primes the CPU counter.
		_, _ = proc.PercentWithContext(ctx, 0)
	}

	benchLogger.Info("cli.bench.start",
		"clients", cfg.BenchClients,
		"workers", cfg.BenchWorkers,
		"locks", cfg.BenchLocks,
		"duration", cfg.BenchDuration,
		"operations", cfg.BenchOperations,
	)

	var deadline time.Time
	if cfg.BenchDuration > 0 {
		deadline = time.Now().Add(cfg.BenchDuration)
	}
	var (
		mu        sync.Mutex
		latencies []time.Duration
		started   atomic.Int64
		refused   atomic.Int64
		waits     atomic.Int64
		errs      atomic.Int64
		firstErr  error
		errOnce   sync.Once
		wg        sync.WaitGroup
		threadSeq atomic.Int64
	)
	next := func() bool {
		if runCtx.Err() != nil {
			return false
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return false
		}
		if cfg.BenchOperations > 0 && started.Add(1) > cfg.BenchOperations {
			return false
		}
		return true
	}
	fail := func(err error) {
		if errors.Is(err, context.Canceled) {
			return
		}
		errs.Add(1)
		errOnce.Do(func() { firstErr = err })
	}

	start := time.Now()
	for _, bc := range clients {
		for range cfg.BenchWorkers {
			wg.Add(1)
			thread := locks.ThreadID(threadSeq.Add(1))
			go func(m *locks.Manager) {
				defer wg.Done()
				rng := rand.New(rand.NewPCG(uint64(thread), uint64(start.UnixNano())))
				local := make([]time.Duration, 0, 1024)
				for next() {
					id := locks.LockID(fmt.Sprintf("bench/%d", rng.IntN(cfg.BenchLocks)))
					level := locks.LevelWrite
					if rng.Float64() < cfg.BenchReadRatio {
						level = locks.LevelRead
					}
					t0 := time.Now()
					ok := true
					var err error
					if cfg.BenchTryTimeout > 0 {
						ok, err = m.TryLockTimeout(runCtx, id, thread, level, cfg.BenchTryTimeout)
					} else {
						err = m.Lock(runCtx, id, thread, level)
					}
					if err != nil {
						fail(err)
						continue
					}
					if !ok {
						refused.Add(1)
						continue
					}
					local = append(local, time.Since(t0))
					if level == locks.LevelWrite && cfg.BenchWaitRatio > 0 && rng.Float64() < cfg.BenchWaitRatio {
						waits.Add(1)
						if _, err := m.NotifyAll(id, thread); err != nil {
							fail(err)
						}
						if err := m.Wait(runCtx, id, thread, nil, nil, waitTimeout(cfg)); err != nil {
							fail(err)
						}
					}
					if cfg.BenchHoldTime > 0 {
						time.Sleep(cfg.BenchHoldTime)
					}
					if err := m.Unlock(id, thread, level); err != nil {
						fail(err)
					}
				}
				mu.Lock()
				latencies = append(latencies, local...)
				mu.Unlock()
			}(bc.manager)
		}
	}
	wg.Wait()
	elapsed := time.Since(start)

	// Two sweeps: the first marks idle locks, the second collects them.
	collected := 0
	for range 2 {
		for _, bc := range clients {
			collected += bc.manager.Sweep(ctx)
		}
	}

	stats := authority.Stats()
	report := benchReport{
		RunID:        cfg.BenchRunID,
		Clients:      cfg.BenchClients,
		Workers:      cfg.BenchWorkers,
		Locks:        cfg.BenchLocks,
		Elapsed:      elapsed,
		Acquire:      buildStats(elapsed, latencies),
		Refused:      refused.Load(),
		Waits:        waits.Load(),
		Errors:       errs.Load(),
		LeaseAwards:  stats.GreedyAwards,
		ThreadAwards: stats.ThreadAwards,
		Recalls:      stats.Recalls,
		Commits:      stats.Commits,
		Collected:    collected,
	}
	if firstErr != nil {
		report.FirstError = firstErr.Error()
	}
	if n := report.Acquire.Ops; n > 0 {
		delegated := min(stats.ThreadAwards, int64(n))
		report.LocalRatio = float64(int64(n)-delegated) / float64(n)
	}
	if proc != nil {
		if pct, err := proc.PercentWithContext(ctx, 0); err == nil {
			report.CPUPercent = pct
		}
		if mem, err := proc.MemoryInfoWithContext(ctx); err == nil {
			report.RSSBytes = mem.RSS
		}
	}
	benchLogger.Info("cli.bench.complete",
		"elapsed", elapsed,
		"ops", report.Acquire.Ops,
		"errors", report.Errors,
		"recalls", report.Recalls,
	)
	if report.Errors > 0 {
		benchLogger.Warn("cli.bench.errors", "count", report.Errors, "first", report.FirstError)
	}
	return report, nil
}

func waitTimeout(cfg locklease.Config) time.Duration {
	if cfg.BenchHoldTime > 0 {
		return cfg.BenchHoldTime
	}
	return time.Millisecond
}

func buildStats(elapsed time.Duration, samples []time.Duration) benchStats {
	if len(samples) == 0 {
		return benchStats{}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	var total time.Duration
	for _, d := range samples {
		total += d
	}
	stats := benchStats{
		Ops: len(samples),
		Avg: total / time.Duration(len(samples)),
		P50: percentile(samples, 50),
		P90: percentile(samples, 90),
		P99: percentile(samples, 99),
		Max: samples[len(samples)-1],
	}
	if elapsed > 0 {
		stats.OpsPerSec = float64(len(samples)) / elapsed.Seconds()
	}
	return stats
}

func percentile(samples []time.Duration, pct float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if pct <= 0 {
		return samples[0]
	}
	if pct >= 100 {
		return samples[len(samples)-1]
	}
	idx := int(math.Round((pct / 100.0) * float64(len(samples)-1)))
	return samples[min(max(idx, 0), len(samples)-1)]
}

func writeReport(w io.Writer, r benchReport) {
	fmt.Fprintf(w, "bench run=%s clients=%d workers=%d locks=%d elapsed=%s\n",
		r.RunID, r.Clients, r.Workers, r.Locks, r.Elapsed.Round(time.Millisecond))
	a := r.Acquire
	fmt.Fprintf(w, "acquire: ops=%s ops/s=%s avg=%s p50=%s p90=%s p99=%s max=%s refused=%d waits=%d errors=%d\n",
		humanize.Comma(int64(a.Ops)), humanize.CommafWithDigits(a.OpsPerSec, 1),
		a.Avg, a.P50, a.P90, a.P99, a.Max, r.Refused, r.Waits, r.Errors)
	fmt.Fprintf(w, "authority: lease_awards=%s thread_awards=%s recalls=%s recall_commits=%s local=%.1f%%\n",
		humanize.Comma(r.LeaseAwards), humanize.Comma(r.ThreadAwards), humanize.Comma(r.Recalls),
		humanize.Comma(r.Commits), r.LocalRatio*100)
	fmt.Fprintf(w, "process: cpu=%.1f%% rss=%s gc_collected=%d\n",
		r.CPUPercent, strings.ReplaceAll(humanize.Bytes(r.RSSBytes), " ", ""), r.Collected)
	if r.FirstError != "" {
		fmt.Fprintf(w, "first_error=%s\n", r.FirstError)
	}
}

func writeReportYAML(w io.Writer, r benchReport) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return enc.Close()
}
