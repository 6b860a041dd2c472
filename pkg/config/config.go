// Package config provides YAML-based configuration loading for whalgebra.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. WHALGEBRA_LOG_LEVEL.
const EnvPrefix = "WHALGEBRA"

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the node/application
	AppName string `mapstructure:"app_name" yaml:"app_name"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log" yaml:"log"`

	// Unit describes how execution units are started
	Unit UnitConfig `mapstructure:"unit" yaml:"unit"`

	// Dispatch tunes the supervisor
	Dispatch DispatchConfig `mapstructure:"dispatch" yaml:"dispatch"`

	// Calc is the calculator state replayed into every unit
	Calc CalcConfig `mapstructure:"calc" yaml:"calc"`

	// Metrics controls the prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// Format: console or json
	Format string `mapstructure:"format" yaml:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs" yaml:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development" yaml:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable" yaml:"enable"`
	Filename   string `mapstructure:"filename" yaml:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// UnitConfig selects and tunes the execution unit.
type UnitConfig struct {
	// Kind: inproc or process
	Kind string `mapstructure:"kind" yaml:"kind"`
	// Command and Args start a process unit
	Command string   `mapstructure:"command" yaml:"command"`
	Args    []string `mapstructure:"args" yaml:"args"`
	// Format: cbor, json or proto
	Format         string `mapstructure:"format" yaml:"format"`
	StartTimeoutMS int    `mapstructure:"start_timeout_ms" yaml:"start_timeout_ms"`
	StopGraceMS    int    `mapstructure:"stop_grace_ms" yaml:"stop_grace_ms"`
	MaxFrameBytes  int    `mapstructure:"max_frame_bytes" yaml:"max_frame_bytes"`
	// MaxConcurrency bounds invocations running at once inside a unit, 0 = unbounded
	MaxConcurrency int64 `mapstructure:"max_concurrency" yaml:"max_concurrency"`
	// ProtocolConstraint is a semver range the unit must satisfy
	ProtocolConstraint string `mapstructure:"protocol_constraint" yaml:"protocol_constraint"`
}

// DispatchConfig tunes the supervisor.
type DispatchConfig struct {
	// DefaultTimeoutMS applies to invocations without their own timeout, 0 = none
	DefaultTimeoutMS int `mapstructure:"default_timeout_ms" yaml:"default_timeout_ms"`
	// ConfigOp is the operation that receives the configuration snapshot
	ConfigOp string `mapstructure:"config_op" yaml:"config_op"`
}

// CalcConfig is the calculator state owned by the controller.
type CalcConfig struct {
	Precision int32  `mapstructure:"precision" yaml:"precision"`
	Mode      string `mapstructure:"mode" yaml:"mode"`
}

// MetricsConfig controls the metrics endpoint; empty Listen disables it.
type MetricsConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

func (u UnitConfig) StartTimeout() time.Duration {
	return time.Duration(u.StartTimeoutMS) * time.Millisecond
}

func (u UnitConfig) StopGrace() time.Duration {
	return time.Duration(u.StopGraceMS) * time.Millisecond
}

func (d DispatchConfig) DefaultTimeout() time.Duration {
	return time.Duration(d.DefaultTimeoutMS) * time.Millisecond
}

// Snapshot returns the calculator state as the map replayed into units.
func (c CalcConfig) Snapshot() map[string]any {
	return map[string]any{"precision": int64(c.Precision), "mode": c.Mode}
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "whalgebra-node",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stderr"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/whalgebra.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Unit: UnitConfig{
			Kind:               "inproc",
			Command:            "whalgebra-worker",
			Format:             "cbor",
			StartTimeoutMS:     10000,
			StopGraceMS:        200,
			MaxFrameBytes:      16 << 20,
			ProtocolConstraint: "^1.0.0",
		},
		Dispatch: DispatchConfig{DefaultTimeoutMS: 30000, ConfigOp: "setConfig"},
		Calc:     CalcConfig{Precision: 20, Mode: "exact"},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix WHALGEBRA and `.`/`-` are replaced with `_`.
// Example: WHALGEBRA_UNIT_KIND=process
func Load(path string) (*Config, error) {
	cfg, _, err := load(path)
	return cfg, err
}

func load(path string) (*Config, *viper.Viper, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	// Choose config file
	if path == "" {
		// Allow override via env var
		if envPath := os.Getenv(EnvPrefix + "_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search common locations with base name `whalgebra`
		v.SetConfigName("whalgebra")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".whalgebra"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := decode(v, cfg); err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// seed defaults for viper so env-only configs work
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("unit.kind", cfg.Unit.Kind)
	v.SetDefault("unit.command", cfg.Unit.Command)
	v.SetDefault("unit.args", cfg.Unit.Args)
	v.SetDefault("unit.format", cfg.Unit.Format)
	v.SetDefault("unit.start_timeout_ms", cfg.Unit.StartTimeoutMS)
	v.SetDefault("unit.stop_grace_ms", cfg.Unit.StopGraceMS)
	v.SetDefault("unit.max_frame_bytes", cfg.Unit.MaxFrameBytes)
	v.SetDefault("unit.max_concurrency", cfg.Unit.MaxConcurrency)
	v.SetDefault("unit.protocol_constraint", cfg.Unit.ProtocolConstraint)
	v.SetDefault("dispatch.default_timeout_ms", cfg.Dispatch.DefaultTimeoutMS)
	v.SetDefault("dispatch.config_op", cfg.Dispatch.ConfigOp)
	v.SetDefault("calc.precision", cfg.Calc.Precision)
	v.SetDefault("calc.mode", cfg.Calc.Mode)
	v.SetDefault("metrics.listen", cfg.Metrics.Listen)
}

func decode(v *viper.Viper, cfg *Config) error {
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return cfg.validate()
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}

	c.Unit.Kind = strings.ToLower(strings.TrimSpace(c.Unit.Kind))
	switch c.Unit.Kind {
	case "inproc":
	case "process":
		if strings.TrimSpace(c.Unit.Command) == "" {
			return errors.New("unit.command is required for process units")
		}
	default:
		return fmt.Errorf("invalid unit.kind: %q", c.Unit.Kind)
	}
	switch strings.ToLower(c.Unit.Format) {
	case "", "cbor", "json", "proto", "protobuf":
	default:
		return fmt.Errorf("invalid unit.format: %q", c.Unit.Format)
	}
	if c.Unit.StartTimeoutMS < 0 || c.Unit.MaxFrameBytes < 0 || c.Unit.MaxConcurrency < 0 {
		return errors.New("unit limits must not be negative")
	}
	if c.Dispatch.DefaultTimeoutMS < 0 {
		return fmt.Errorf("invalid dispatch.default_timeout_ms: %d", c.Dispatch.DefaultTimeoutMS)
	}
	if strings.TrimSpace(c.Dispatch.ConfigOp) == "" {
		return errors.New("dispatch.config_op must not be empty")
	}
	return c.Calc.Validate()
}

// Validate checks the calculator settings.
func (c CalcConfig) Validate() error {
	if c.Precision < 0 || c.Precision > 1000 {
		return fmt.Errorf("invalid calc.precision: %d", c.Precision)
	}
	switch c.Mode {
	case "exact", "fixed", "":
	default:
		return fmt.Errorf("invalid calc.mode: %q", c.Mode)
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
