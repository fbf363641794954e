package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/locklease"
)

func newConfigCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective locklease configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg locklease.Config
			if err := bindConfig(c.v, &cfg); err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	addConfigFlags(cmd.Flags())
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.locklease/" + locklease.DefaultConfigFileName
	if dir, err := locklease.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, locklease.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default locklease configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := locklease.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, locklease.DefaultConfigFileName)
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the CLI flag names so a generated file can be read
// back by viper unchanged.
type configDefaults struct {
	LogLevel               string  `yaml:"log-level"`
	SweepInterval          string  `yaml:"sweep-interval"`
	MetricsListen          string  `yaml:"metrics-listen"`
	PprofListen            string  `yaml:"pprof-listen"`
	OTLPEndpoint           string  `yaml:"otlp-endpoint"`
	EnableProfilingMetrics bool    `yaml:"enable-profiling-metrics"`
	Clients                int     `yaml:"clients"`
	Workers                int     `yaml:"workers"`
	Locks                  int     `yaml:"locks"`
	Duration               string  `yaml:"duration"`
	ReadRatio              float64 `yaml:"read-ratio"`
	WaitRatio              float64 `yaml:"wait-ratio"`
	HoldTime               string  `yaml:"hold-time"`
	TryTimeout             string  `yaml:"try-timeout"`
	FlushDelay             string  `yaml:"flush-delay"`
}

func defaultConfigYAML() ([]byte, error) {
	defaults := configDefaults{
		LogLevel:      "info",
		SweepInterval: locklease.DefaultSweepInterval.String(),
		MetricsListen: locklease.DefaultMetricsListen,
		PprofListen:   locklease.DefaultPprofListen,
		Clients:       locklease.DefaultBenchClients,
		Workers:       locklease.DefaultBenchWorkers(),
		Locks:         locklease.DefaultBenchLocks,
		Duration:      locklease.DefaultBenchDuration.String(),
		ReadRatio:     locklease.DefaultBenchReadRatio,
		HoldTime:      "0s",
		TryTimeout:    "0s",
		FlushDelay:    "0s",
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("encode default config: %w", err)
	}
	return data, nil
}
