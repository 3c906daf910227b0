// Package config manages nyxd daemon configuration using koanf/v2.
//
// Supports defaults, YAML files, and environment variables, merged in
// that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/seleniaproject/nyxd/internal/frame"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete nyxd configuration.
type Config struct {
	Daemon    DaemonConfig    `koanf:"daemon"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Log       LogConfig       `koanf:"log"`
	Mix       MixConfig       `koanf:"mix"`
	Multipath MultipathConfig `koanf:"multipath"`
	Padding   PaddingConfig   `koanf:"padding"`
	Rekey     RekeyConfig     `koanf:"rekey"`
	Sandbox   SandboxConfig   `koanf:"sandbox"`
}

// DaemonConfig holds the daemon endpoint and transport limits.
type DaemonConfig struct {
	// Endpoint is the management HTTP listen address (e.g. ":43310").
	Endpoint string `koanf:"endpoint"`

	// RequestTimeout bounds management request handling.
	RequestTimeout time.Duration `koanf:"request_timeout"`

	// MaxFrameLenBytes is the process-wide frame length cap.
	MaxFrameLenBytes int `koanf:"max_frame_len_bytes"`

	// ListenPort is the overlay transport UDP port.
	ListenPort uint16 `koanf:"listen_port"`

	// CookiePath overrides the control cookie file location.
	CookiePath string `koanf:"cookie_path"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint.
	Addr string `koanf:"addr"`

	// Path is the URL path for the metrics endpoint.
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`

	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// MixConfig holds the cMix batcher and cover-traffic parameters.
type MixConfig struct {
	Enabled            bool          `koanf:"enabled"`
	BatchSize          int           `koanf:"batch_size"`
	VDFDelayMs         uint32        `koanf:"vdf_delay_ms"`
	BatchTimeout       time.Duration `koanf:"batch_timeout"`
	TargetUtilization  float64       `koanf:"target_utilization"`
	EnableCoverTraffic bool          `koanf:"enable_cover_traffic"`
}

// WeightMethod selects the multipath scheduling weight strategy.
const (
	// WeightEqual gives every path the same base weight.
	WeightEqual = "equal"

	// WeightInverseRTT weights paths by inverse RTT.
	WeightInverseRTT = "inverse_rtt"
)

// MultipathConfig holds the multipath plane parameters.
type MultipathConfig struct {
	Enabled        bool          `koanf:"enabled"`
	MaxPaths       int           `koanf:"max_paths"`
	MinHops        int           `koanf:"min_hops"`
	MaxHops        int           `koanf:"max_hops"`
	ReorderTimeout time.Duration `koanf:"reorder_timeout"`
	WeightMethod   string        `koanf:"weight_method"`
}

// PaddingConfig holds the padding system parameters.
type PaddingConfig struct {
	Enabled        bool          `koanf:"enabled"`
	TargetSize     int           `koanf:"target_size"`
	MinDelay       time.Duration `koanf:"min_delay"`
	MaxDelay       time.Duration `koanf:"max_delay"`
	BurstThreshold float64       `koanf:"burst_threshold"`
}

// RekeyConfig holds the session rekey policy.
type RekeyConfig struct {
	TimeInterval   time.Duration `koanf:"time_interval"`
	PacketInterval uint64        `koanf:"packet_interval"`
	GracePeriod    time.Duration `koanf:"grace_period"`
	MinCooldown    time.Duration `koanf:"min_cooldown"`
}

// SandboxConfig selects the plugin sandbox preset.
type SandboxConfig struct {
	// Policy is "permissive" or "locked_down".
	Policy string `koanf:"policy"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with production defaults.
func DefaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			Endpoint:         ":43310",
			RequestTimeout:   10 * time.Second,
			MaxFrameLenBytes: frame.DefaultFrameLen,
			ListenPort:       43300,
		},
		Metrics: MetricsConfig{
			Addr: ":9641",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Mix: MixConfig{
			Enabled:            false,
			BatchSize:          100,
			VDFDelayMs:         100,
			BatchTimeout:       time.Second,
			TargetUtilization:  0.4,
			EnableCoverTraffic: true,
		},
		Multipath: MultipathConfig{
			Enabled:        true,
			MaxPaths:       8,
			MinHops:        3,
			MaxHops:        7,
			ReorderTimeout: 500 * time.Millisecond,
			WeightMethod:   WeightInverseRTT,
		},
		Padding: PaddingConfig{
			Enabled:        true,
			TargetSize:     1280,
			MaxDelay:       20 * time.Millisecond,
			BurstThreshold: 500,
		},
		Rekey: RekeyConfig{
			TimeInterval:   15 * time.Minute,
			PacketInterval: 100_000,
			GracePeriod:    30 * time.Second,
			MinCooldown:    5 * time.Second,
		},
		Sandbox: SandboxConfig{
			Policy: "locked_down",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for nyxd configuration.
// Variables are named NYX_<section>_<key>, e.g. NYX_DAEMON_ENDPOINT.
const envPrefix = "NYX_"

// Load reads configuration from a YAML file at path, overlays
// environment variable overrides (NYX_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		if path != "" {
			return nil, fmt.Errorf("validate config from %s: %w", path, err)
		}
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms NYX_DAEMON_ENDPOINT -> daemon.endpoint.
// Strips the NYX_ prefix, lowercases, and replaces the first _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults seeds koanf with the default configuration as the base
// layer.
func loadDefaults(k *koanf.Koanf) error {
	d := DefaultConfig()
	defaultMap := map[string]any{
		"daemon.endpoint":            d.Daemon.Endpoint,
		"daemon.request_timeout":     d.Daemon.RequestTimeout.String(),
		"daemon.max_frame_len_bytes": d.Daemon.MaxFrameLenBytes,
		"daemon.listen_port":         d.Daemon.ListenPort,
		"metrics.addr":               d.Metrics.Addr,
		"metrics.path":               d.Metrics.Path,
		"log.level":                  d.Log.Level,
		"log.format":                 d.Log.Format,
		"mix.enabled":                d.Mix.Enabled,
		"mix.batch_size":             d.Mix.BatchSize,
		"mix.vdf_delay_ms":           d.Mix.VDFDelayMs,
		"mix.batch_timeout":          d.Mix.BatchTimeout.String(),
		"mix.target_utilization":     d.Mix.TargetUtilization,
		"mix.enable_cover_traffic":   d.Mix.EnableCoverTraffic,
		"multipath.enabled":          d.Multipath.Enabled,
		"multipath.max_paths":        d.Multipath.MaxPaths,
		"multipath.min_hops":         d.Multipath.MinHops,
		"multipath.max_hops":         d.Multipath.MaxHops,
		"multipath.reorder_timeout":  d.Multipath.ReorderTimeout.String(),
		"multipath.weight_method":    d.Multipath.WeightMethod,
		"padding.enabled":            d.Padding.Enabled,
		"padding.target_size":        d.Padding.TargetSize,
		"padding.min_delay":          d.Padding.MinDelay.String(),
		"padding.max_delay":          d.Padding.MaxDelay.String(),
		"padding.burst_threshold":    d.Padding.BurstThreshold,
		"rekey.time_interval":        d.Rekey.TimeInterval.String(),
		"rekey.packet_interval":      d.Rekey.PacketInterval,
		"rekey.grace_period":         d.Rekey.GracePeriod.String(),
		"rekey.min_cooldown":         d.Rekey.MinCooldown.String(),
		"sandbox.policy":             d.Sandbox.Policy,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyEndpoint indicates the daemon endpoint is empty.
	ErrEmptyEndpoint = errors.New("daemon.endpoint must not be empty")

	// ErrFrameLenOutOfRange indicates a frame cap outside 1 KiB-64 MiB.
	ErrFrameLenOutOfRange = errors.New("daemon.max_frame_len_bytes out of range")

	// ErrInvalidBatchSize indicates a non-positive mix batch size.
	ErrInvalidBatchSize = errors.New("mix.batch_size must be >= 1")

	// ErrInvalidUtilization indicates target utilization outside [0, 1].
	ErrInvalidUtilization = errors.New("mix.target_utilization must be in [0, 1]")

	// ErrInvalidHops indicates a hop range outside [3, 7] or inverted.
	ErrInvalidHops = errors.New("multipath hop range invalid")

	// ErrInvalidMaxPaths indicates max_paths outside [1, 16].
	ErrInvalidMaxPaths = errors.New("multipath.max_paths must be in [1, 16]")

	// ErrInvalidWeightMethod indicates an unrecognized weight method.
	ErrInvalidWeightMethod = errors.New("multipath.weight_method must be equal or inverse_rtt")

	// ErrInvalidPadding indicates inconsistent padding parameters.
	ErrInvalidPadding = errors.New("padding parameters invalid")

	// ErrInvalidSandboxPolicy indicates an unrecognized sandbox policy.
	ErrInvalidSandboxPolicy = errors.New("sandbox.policy must be permissive or locked_down")
)

// Validate checks the configuration for logical errors. Returns the
// first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Daemon.Endpoint == "" {
		return ErrEmptyEndpoint
	}
	if cfg.Daemon.MaxFrameLenBytes < frame.MinFrameLen || cfg.Daemon.MaxFrameLenBytes > frame.MaxFrameLen {
		return fmt.Errorf("%d bytes: %w", cfg.Daemon.MaxFrameLenBytes, ErrFrameLenOutOfRange)
	}

	if cfg.Mix.BatchSize < 1 {
		return fmt.Errorf("%d: %w", cfg.Mix.BatchSize, ErrInvalidBatchSize)
	}
	if cfg.Mix.TargetUtilization < 0 || cfg.Mix.TargetUtilization > 1 {
		return fmt.Errorf("%f: %w", cfg.Mix.TargetUtilization, ErrInvalidUtilization)
	}

	mp := cfg.Multipath
	if mp.MinHops < 3 || mp.MaxHops > 7 || mp.MinHops > mp.MaxHops {
		return fmt.Errorf("[%d, %d]: %w", mp.MinHops, mp.MaxHops, ErrInvalidHops)
	}
	if mp.MaxPaths < 1 || mp.MaxPaths > 16 {
		return fmt.Errorf("%d: %w", mp.MaxPaths, ErrInvalidMaxPaths)
	}
	if mp.WeightMethod != WeightEqual && mp.WeightMethod != WeightInverseRTT {
		return fmt.Errorf("%q: %w", mp.WeightMethod, ErrInvalidWeightMethod)
	}

	pad := cfg.Padding
	if pad.TargetSize <= 4 || pad.MinDelay < 0 || pad.MaxDelay < pad.MinDelay {
		return fmt.Errorf("target %d delays [%v, %v]: %w",
			pad.TargetSize, pad.MinDelay, pad.MaxDelay, ErrInvalidPadding)
	}

	if cfg.Sandbox.Policy != "permissive" && cfg.Sandbox.Policy != "locked_down" {
		return fmt.Errorf("%q: %w", cfg.Sandbox.Policy, ErrInvalidSandboxPolicy)
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the
// corresponding slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
