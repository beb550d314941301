// ============================================================================
// lmic-task Config - YAML configuration of the daemon
// ============================================================================
//
// Package: internal/config
// File: config.go
// Function: Loads configs/default.yaml (or any path given with --config),
//           fills defaults for every omitted key and validates the result.
//
// Layout:
//   log:       format and level of the zap logger
//   tick:      logical tick rate of the tick source
//   task:      loop and sleep/wake parameters of the orchestrator
//   lorawan:   device session (keys and EUIs as hex strings)
//   sim:       simulated MAC: join accept delay and duty cycle bands
//   session:   file keeping frame counter and join nonce across restarts
//   metrics:   Prometheus /metrics endpoint
//   server:    gRPC control endpoint
//
// Durations are Go duration strings ("10ms", "1h").
//
// ============================================================================

package config

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/lmic-task/internal/mac"
	"github.com/ChuLiYu/lmic-task/internal/orchestrator"
	"github.com/ChuLiYu/lmic-task/internal/ticksource"
)

// DefaultPath is where the CLI looks for the config file.
const DefaultPath = "configs/default.yaml"

// Config is the complete daemon configuration.
type Config struct {
	Log struct {
		JSON  bool   `yaml:"json"`
		Level string `yaml:"level"`
	} `yaml:"log"`

	Tick struct {
		TicksPerSecond uint32 `yaml:"ticks_per_second"`
	} `yaml:"tick"`

	Task Task `yaml:"task"`

	LoRaWAN mac.Config `yaml:"lorawan"`

	Sim struct {
		JoinAcceptDelay time.Duration `yaml:"join_accept_delay"`
		Bands           []mac.Band    `yaml:"bands"`
	} `yaml:"sim"`

	Session struct {
		Path          string        `yaml:"path"` // empty disables persistence
		Backups       int           `yaml:"backups"`
		FlushInterval time.Duration `yaml:"flush_interval"`
	} `yaml:"session"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
}

// Task mirrors the tunables of orchestrator.Config.
type Task struct {
	AllowOverride    bool          `yaml:"allow_override"`
	WaitMargin       time.Duration `yaml:"wait_margin"`
	SleepAckTimeout  time.Duration `yaml:"sleep_ack_timeout"`
	WakePollInterval time.Duration `yaml:"wake_poll_interval"`
	WakePollLimit    int           `yaml:"wake_poll_limit"`
	MaxCompensation  time.Duration `yaml:"max_compensation"`
}

// Default returns the configuration used when no file overrides a key.
func Default() Config {
	var c Config
	c.Log.Level = "info"
	c.Tick.TicksPerSecond = ticksource.DefaultTicksPerSecond
	c.Task = Task{
		AllowOverride:    true,
		WaitMargin:       orchestrator.DefaultWaitMargin,
		SleepAckTimeout:  orchestrator.DefaultSleepAckTimeout,
		WakePollInterval: orchestrator.DefaultWakePollInterval,
		WakePollLimit:    orchestrator.DefaultWakePollLimit,
		MaxCompensation:  orchestrator.DefaultMaxCompensation,
	}
	c.LoRaWAN = mac.Config{SpreadingFactor: mac.MinSpreadingFactor, TxPower: mac.MaxTxPower}
	c.Sim.JoinAcceptDelay = mac.DefaultJoinAcceptDelay
	c.Sim.Bands = mac.DefaultBands()
	c.Session.Backups = 2
	c.Session.FlushInterval = time.Second
	c.Metrics.Addr = ":9090"
	c.Server.Addr = "127.0.0.1:50051"
	return c
}

// Load reads and validates the file at path. Keys missing from the file
// keep their Default value.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config file")
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parse config YAML")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the runtime cannot work with. Radio parameters
// out of range are clamped later by mac.Config.Normalize, not rejected here.
func (c Config) Validate() error {
	if err := checkLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Tick.TicksPerSecond == 0 {
		return errors.New("config: tick.ticks_per_second must be positive")
	}
	if c.Task.WaitMargin < 0 || c.Task.SleepAckTimeout < 0 || c.Task.WakePollInterval < 0 ||
		c.Task.MaxCompensation < 0 || c.Task.WakePollLimit < 0 {
		return errors.New("config: task durations and limits must not be negative")
	}
	if c.Task.MaxCompensation.Seconds()*float64(c.Tick.TicksPerSecond) >= 1<<31 {
		limit := time.Duration(float64(1<<31-1) / float64(c.Tick.TicksPerSecond) * float64(time.Second))
		return errors.WithHintf(
			errors.Newf("config: task.max_compensation %s is half the tick range or more", c.Task.MaxCompensation),
			"keep it below %s at %d ticks per second", limit.Truncate(time.Second), c.Tick.TicksPerSecond)
	}
	for _, b := range c.Sim.Bands {
		if b.DutyCycle <= 0 || b.DutyCycle > 1 {
			return errors.Newf("config: band %q duty cycle %v outside (0, 1]", b.Name, b.DutyCycle)
		}
		if len(b.Channels) == 0 {
			return errors.Newf("config: band %q has no channels", b.Name)
		}
	}
	if c.Session.Backups < 0 || c.Session.FlushInterval < 0 {
		return errors.New("config: session backups and flush_interval must not be negative")
	}
	if c.Server.Addr == "" {
		return errors.New("config: server.addr is required")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return errors.New("config: metrics.addr is required when metrics are enabled")
	}
	return errors.Wrap(c.LoRaWAN.Validate(), "config: lorawan")
}

// Orchestrator converts the task section into an orchestrator.Config.
func (c Config) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		LoRaWAN:          c.LoRaWAN,
		AllowOverride:    c.Task.AllowOverride,
		WaitMargin:       c.Task.WaitMargin,
		SleepAckTimeout:  c.Task.SleepAckTimeout,
		WakePollInterval: c.Task.WakePollInterval,
		WakePollLimit:    c.Task.WakePollLimit,
		MaxCompensation:  c.Task.MaxCompensation,
	}
}

func checkLevel(level string) error {
	switch strings.ToLower(level) {
	case "", "debug", "info", "warn", "error":
		return nil
	}
	return errors.WithHint(
		errors.Newf("config: unknown log level %q", level),
		"use one of debug, info, warn, error")
}
