package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/mcpgate"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage mcpgate configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.mcpgate/" + mcpgate.DefaultConfigFileName
	if dir, err := mcpgate.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, mcpgate.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default mcpgate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := mcpgate.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, mcpgate.DefaultConfigFileName)
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				fmt.Fprint(cmd.OutOrStdout(), string(data))
				return nil
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

// configDefaults serializes durations and sizes in the operator-facing
// forms (30s, 32MB) rather than raw integers.
type configDefaults struct {
	Listen               string `yaml:"listen"`
	PathPrefix           string `yaml:"path-prefix"`
	RegistryFile         string `yaml:"registry-file"`
	SessionIdleTimeout   string `yaml:"session-idle-timeout"`
	SessionSweepInterval string `yaml:"session-sweep-interval"`
	SteadyTimeout        string `yaml:"steady-timeout"`
	ColdStartTimeout     string `yaml:"cold-start-timeout"`
	KeepAliveInterval    string `yaml:"keep-alive-interval"`
	StopGrace            string `yaml:"stop-grace"`
	StatsInterval        string `yaml:"stats-interval"`
	MaxBody              string `yaml:"max-body"`
	MetricsListen        string `yaml:"metrics-listen"`
	PprofListen          string `yaml:"pprof-listen"`
	OTLPEndpoint         string `yaml:"otlp-endpoint"`
	HTTPTracing          bool   `yaml:"http-tracing"`
	ShutdownTimeout      string `yaml:"shutdown-timeout"`
	LogLevel             string `yaml:"log-level"`
	LogFormat            string `yaml:"log-format"`
}

func defaultConfigYAML() ([]byte, error) {
	defaults := configDefaults{
		Listen:               mcpgate.DefaultListen,
		PathPrefix:           mcpgate.DefaultPathPrefix,
		RegistryFile:         "",
		SessionIdleTimeout:   mcpgate.DefaultSessionIdleTimeout.String(),
		SessionSweepInterval: mcpgate.DefaultSessionSweepInterval.String(),
		SteadyTimeout:        mcpgate.DefaultSteadyTimeout.String(),
		ColdStartTimeout:     mcpgate.DefaultColdStartTimeout.String(),
		KeepAliveInterval:    mcpgate.DefaultKeepAliveInterval.String(),
		StopGrace:            mcpgate.DefaultStopGrace.String(),
		StatsInterval:        mcpgate.DefaultStatsInterval.String(),
		MaxBody:              humanizeBytes(mcpgate.DefaultMaxBodyBytes),
		MetricsListen:        mcpgate.DefaultMetricsListen,
		PprofListen:          mcpgate.DefaultPprofListen,
		OTLPEndpoint:         "",
		HTTPTracing:          false,
		ShutdownTimeout:      mcpgate.DefaultShutdownTimeout.String(),
		LogLevel:             "info",
		LogFormat:            "json",
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
