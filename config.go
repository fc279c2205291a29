package mcpgate

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultListen is the TCP endpoint the gateway binds to.
	DefaultListen = ":9320"
	// DefaultPathPrefix is mounted in front of the per-deployment endpoint,
	// so deployments are served at {prefix}/{deploymentID}.
	DefaultPathPrefix = "/mcp"
	// DefaultMetricsListen is the Prometheus scrape endpoint. Empty disables
	// metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultSessionIdleTimeout expires sessions with no traffic.
	DefaultSessionIdleTimeout = 30 * time.Minute
	// DefaultSessionSweepInterval paces the session expiry sweeper.
	DefaultSessionSweepInterval = time.Minute
	// DefaultSteadyTimeout bounds a round trip to a warmed-up remote backend.
	DefaultSteadyTimeout = 30 * time.Second
	// DefaultColdStartTimeout bounds the first round trip to a remote
	// backend after it turns ready, covering container cold starts.
	DefaultColdStartTimeout = 120 * time.Second
	// DefaultKeepAliveInterval paces SSE keep-alive comments on GET streams.
	DefaultKeepAliveInterval = 15 * time.Second
	// DefaultStopGrace is how long a supervised child gets between the
	// interrupt signal and a hard kill.
	DefaultStopGrace = 5 * time.Second
	// DefaultStatsInterval paces resource usage sampling of supervised
	// children. Zero disables sampling.
	DefaultStatsInterval = 30 * time.Second
	// DefaultShutdownTimeout caps graceful shutdown (HTTP drain plus child
	// process teardown).
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultMaxBodyBytes caps a single POSTed message.
	DefaultMaxBodyBytes = int64(32 << 20)
	// DefaultConfigFileName is the config file searched for when --config is
	// omitted.
	DefaultConfigFileName = "mcpgate.yaml"
)

// Config carries everything a Server needs. The zero value is not usable;
// start from DefaultConfig or fill in at least Listen.
type Config struct {
	// Listen is the TCP address for the gateway endpoint.
	Listen string `mapstructure:"listen" yaml:"listen"`
	// PathPrefix is mounted in front of {deploymentID}.
	PathPrefix string `mapstructure:"path-prefix" yaml:"path-prefix"`
	// RegistryFile points at the YAML deployment registry. The file is
	// watched and hot-reloaded. Empty starts with an empty static registry
	// (deployments injected programmatically).
	RegistryFile string `mapstructure:"registry-file" yaml:"registry-file"`

	// SessionIdleTimeout expires sessions with no traffic.
	SessionIdleTimeout time.Duration `mapstructure:"session-idle-timeout" yaml:"session-idle-timeout"`
	// SessionSweepInterval paces the expiry sweeper.
	SessionSweepInterval time.Duration `mapstructure:"session-sweep-interval" yaml:"session-sweep-interval"`

	// SteadyTimeout bounds remote round trips after the first success.
	SteadyTimeout time.Duration `mapstructure:"steady-timeout" yaml:"steady-timeout"`
	// ColdStartTimeout bounds the first remote round trip per backend.
	ColdStartTimeout time.Duration `mapstructure:"cold-start-timeout" yaml:"cold-start-timeout"`
	// KeepAliveInterval paces SSE keep-alive comments.
	KeepAliveInterval time.Duration `mapstructure:"keep-alive-interval" yaml:"keep-alive-interval"`

	// StopGrace is the interrupt-to-kill window for supervised children.
	StopGrace time.Duration `mapstructure:"stop-grace" yaml:"stop-grace"`
	// StatsInterval paces child resource sampling (0 disables).
	StatsInterval time.Duration `mapstructure:"stats-interval" yaml:"stats-interval"`

	// MetricsListen exposes /metrics for Prometheus when non-empty.
	MetricsListen string `mapstructure:"metrics-listen" yaml:"metrics-listen"`
	// PprofListen exposes /debug/pprof when non-empty.
	PprofListen string `mapstructure:"pprof-listen" yaml:"pprof-listen"`
	// OTLPEndpoint enables trace export when non-empty. Accepts host:port
	// (gRPC, insecure) or grpc://, grpcs://, http://, https:// URLs.
	OTLPEndpoint string `mapstructure:"otlp-endpoint" yaml:"otlp-endpoint"`
	// HTTPTracing creates a span per bridge request.
	HTTPTracing bool `mapstructure:"http-tracing" yaml:"http-tracing"`

	// ShutdownTimeout caps graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout" yaml:"shutdown-timeout"`

	// MaxBodyBytes caps a single POSTed message. The CLI accepts humanized
	// sizes (32MB); here it is plain bytes.
	MaxBodyBytes int64 `mapstructure:"max-body" yaml:"max-body"`

	// LogLevel and LogFormat feed the structured logger when the CLI builds
	// it; library users inject their own logger via WithLogger.
	LogLevel  string `mapstructure:"log-level" yaml:"log-level"`
	LogFormat string `mapstructure:"log-format" yaml:"log-format"`
}

// DefaultConfigDir returns the directory searched for the default config
// file. MCPGATE_CONFIG_DIR overrides the $HOME/.mcpgate default.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("MCPGATE_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mcpgate"), nil
}

// DefaultConfig returns a Config with every knob at its default.
func DefaultConfig() Config {
	return Config{
		Listen:               DefaultListen,
		PathPrefix:           DefaultPathPrefix,
		SessionIdleTimeout:   DefaultSessionIdleTimeout,
		SessionSweepInterval: DefaultSessionSweepInterval,
		SteadyTimeout:        DefaultSteadyTimeout,
		ColdStartTimeout:     DefaultColdStartTimeout,
		KeepAliveInterval:    DefaultKeepAliveInterval,
		StopGrace:            DefaultStopGrace,
		StatsInterval:        DefaultStatsInterval,
		MetricsListen:        DefaultMetricsListen,
		PprofListen:          DefaultPprofListen,
		ShutdownTimeout:      DefaultShutdownTimeout,
		MaxBodyBytes:         DefaultMaxBodyBytes,
	}
}

// Validate normalizes and checks the configuration, filling zero values with
// defaults where a default exists.
func (c *Config) Validate() error {
	c.Listen = strings.TrimSpace(c.Listen)
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	c.PathPrefix = strings.TrimSpace(c.PathPrefix)
	if c.PathPrefix == "" {
		c.PathPrefix = DefaultPathPrefix
	}
	if !strings.HasPrefix(c.PathPrefix, "/") {
		return fmt.Errorf("config: path prefix %q must start with /", c.PathPrefix)
	}
	c.PathPrefix = strings.TrimSuffix(c.PathPrefix, "/")
	if c.PathPrefix == "" {
		return fmt.Errorf("config: path prefix must not be the root")
	}

	if c.SessionIdleTimeout <= 0 {
		c.SessionIdleTimeout = DefaultSessionIdleTimeout
	}
	if c.SessionSweepInterval <= 0 {
		c.SessionSweepInterval = DefaultSessionSweepInterval
	}
	if c.SessionSweepInterval > c.SessionIdleTimeout {
		return fmt.Errorf("config: session sweep interval %s exceeds idle timeout %s",
			c.SessionSweepInterval, c.SessionIdleTimeout)
	}

	if c.SteadyTimeout <= 0 {
		c.SteadyTimeout = DefaultSteadyTimeout
	}
	if c.ColdStartTimeout <= 0 {
		c.ColdStartTimeout = DefaultColdStartTimeout
	}
	if c.ColdStartTimeout < c.SteadyTimeout {
		return fmt.Errorf("config: cold start timeout %s below steady timeout %s",
			c.ColdStartTimeout, c.SteadyTimeout)
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	if c.StatsInterval < 0 {
		c.StatsInterval = 0
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return nil
}
