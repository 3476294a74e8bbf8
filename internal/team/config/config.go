// Package config provides configuration types and defaults for the team runtime.
//
// Every tunable is exposed three ways, in increasing precedence:
// built-in default, optional .omx/config.yaml, environment variable.
// Environment names match the operational contract (CLAIM_LEASE_MS etc.)
// so existing automation keeps working.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// AbsoluteMaxWorkers is the hard ceiling on workers per team.
// Compile-time constant; both bootstrap and the scaling engine consume it.
const AbsoluteMaxWorkers = 20

// TransportChoice selects how worker slots are hosted.
type TransportChoice string

const (
	// TransportAuto probes for tmux and falls back to child processes.
	TransportAuto TransportChoice = "auto"
	// TransportTmux forces the multiplexed terminal transport.
	TransportTmux TransportChoice = "tmux"
	// TransportProcess forces the child-process transport.
	TransportProcess TransportChoice = "process"
)

// Config holds all tunables for the team runtime.
type Config struct {
	// Transport selection. FORCE_TRANSPORT=1 forces tmux, =0 forces process.
	Transport TransportChoice `mapstructure:"transport"`

	// ReadyTimeout bounds the per-worker readiness wait at bootstrap.
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`

	// LeaderNudgeInterval is how long the team may be quiet before a
	// team_leader_nudge event is appended.
	LeaderNudgeInterval time.Duration `mapstructure:"leader_nudge_interval"`

	// ClaimLease is the task claim lease duration.
	ClaimLease time.Duration `mapstructure:"claim_lease"`

	// ShutdownGrace is the ack-poll budget during graceful shutdown.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`

	// PollInterval is the minimum monitor tick interval.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// Scaling policy.
	Scaling ScalingConfig `mapstructure:"scaling"`

	// TraceFile enables monitor-tick tracing when non-empty.
	TraceFile string `mapstructure:"trace_file"`
}

// ScalingConfig holds the scaling engine tunables.
type ScalingConfig struct {
	AutoApply          bool          `mapstructure:"auto_apply"`
	MaxCPUPercent      float64       `mapstructure:"max_cpu_percent"`
	MinFreeMemMB       int           `mapstructure:"min_free_mem_mb"`
	PerWorkerMemMB     int           `mapstructure:"per_worker_mem_mb"`
	Cooldown           time.Duration `mapstructure:"cooldown"`
	ScaleUpThreshold   float64       `mapstructure:"scale_up_threshold"`
	ScaleDownThreshold float64       `mapstructure:"scale_down_threshold"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	MinWorkers         int           `mapstructure:"min_workers"`
	MaxWorkers         int           `mapstructure:"max_workers"`
	DrainTimeout       time.Duration `mapstructure:"drain_timeout"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Transport:           TransportAuto,
		ReadyTimeout:        45 * time.Second,
		LeaderNudgeInterval: 120 * time.Second,
		ClaimLease:          15 * time.Minute,
		ShutdownGrace:       15 * time.Second,
		PollInterval:        time.Second,
		Scaling: ScalingConfig{
			AutoApply:          false,
			MaxCPUPercent:      80,
			MinFreeMemMB:       512,
			PerWorkerMemMB:     200,
			Cooldown:           60 * time.Second,
			ScaleUpThreshold:   3.0,
			ScaleDownThreshold: 0.5,
			IdleTimeout:        120 * time.Second,
			MinWorkers:         1,
			MaxWorkers:         AbsoluteMaxWorkers,
			DrainTimeout:       5 * time.Minute,
		},
	}
}

// envBindings maps viper keys to their environment variable and default.
// Durations are carried as milliseconds in the environment.
type envBinding struct {
	key string
	env string
}

var bindings = []envBinding{
	{"ready_timeout_ms", "READY_TIMEOUT_MS"},
	{"leader_nudge_ms", "LEADER_NUDGE_MS"},
	{"claim_lease_ms", "CLAIM_LEASE_MS"},
	{"shutdown_grace_ms", "SHUTDOWN_GRACE_MS"},
	{"scaling.auto_apply", "AUTO_SCALE"},
	{"scaling.max_cpu_percent", "SCALE_MAX_CPU_PERCENT"},
	{"scaling.min_free_mem_mb", "SCALE_MIN_FREE_MEM_MB"},
	{"scaling.per_worker_mem_mb", "SCALE_PER_WORKER_MEM_MB"},
	{"scaling.cooldown_ms", "SCALE_COOLDOWN_MS"},
	{"scaling.scale_up_threshold", "SCALE_UP_THRESHOLD"},
	{"scaling.scale_down_threshold", "SCALE_DOWN_THRESHOLD"},
	{"scaling.idle_timeout_ms", "SCALE_IDLE_TIMEOUT_MS"},
	{"scaling.min_workers", "SCALE_MIN_WORKERS"},
	{"scaling.drain_timeout_ms", "DRAIN_TIMEOUT_MS"},
	{"force_transport", "FORCE_TRANSPORT"},
}

// Load resolves the effective configuration: defaults, then the optional
// config file at .omx/config.yaml under projectDir, then environment.
func Load(projectDir string) (Config, error) {
	v := viper.New()
	cfg := Defaults()

	v.SetDefault("ready_timeout_ms", cfg.ReadyTimeout.Milliseconds())
	v.SetDefault("leader_nudge_ms", cfg.LeaderNudgeInterval.Milliseconds())
	v.SetDefault("claim_lease_ms", cfg.ClaimLease.Milliseconds())
	v.SetDefault("shutdown_grace_ms", cfg.ShutdownGrace.Milliseconds())
	v.SetDefault("poll_interval_ms", cfg.PollInterval.Milliseconds())
	v.SetDefault("scaling.auto_apply", cfg.Scaling.AutoApply)
	v.SetDefault("scaling.max_cpu_percent", cfg.Scaling.MaxCPUPercent)
	v.SetDefault("scaling.min_free_mem_mb", cfg.Scaling.MinFreeMemMB)
	v.SetDefault("scaling.per_worker_mem_mb", cfg.Scaling.PerWorkerMemMB)
	v.SetDefault("scaling.cooldown_ms", cfg.Scaling.Cooldown.Milliseconds())
	v.SetDefault("scaling.scale_up_threshold", cfg.Scaling.ScaleUpThreshold)
	v.SetDefault("scaling.scale_down_threshold", cfg.Scaling.ScaleDownThreshold)
	v.SetDefault("scaling.idle_timeout_ms", cfg.Scaling.IdleTimeout.Milliseconds())
	v.SetDefault("scaling.min_workers", cfg.Scaling.MinWorkers)
	v.SetDefault("scaling.max_workers", cfg.Scaling.MaxWorkers)
	v.SetDefault("scaling.drain_timeout_ms", cfg.Scaling.DrainTimeout.Milliseconds())
	v.SetDefault("force_transport", "")
	v.SetDefault("trace_file", "")

	for _, b := range bindings {
		_ = v.BindEnv(b.key, b.env)
	}

	// Optional config file; absence is not an error, a malformed file is.
	if projectDir != "" {
		cfgPath := filepath.Join(projectDir, ".omx", "config.yaml")
		if _, err := os.Stat(cfgPath); err == nil {
			v.SetConfigFile(cfgPath)
			if err := v.ReadInConfig(); err != nil {
				return cfg, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	cfg.ReadyTimeout = time.Duration(v.GetInt64("ready_timeout_ms")) * time.Millisecond
	cfg.LeaderNudgeInterval = time.Duration(v.GetInt64("leader_nudge_ms")) * time.Millisecond
	cfg.ClaimLease = time.Duration(v.GetInt64("claim_lease_ms")) * time.Millisecond
	cfg.ShutdownGrace = time.Duration(v.GetInt64("shutdown_grace_ms")) * time.Millisecond
	cfg.PollInterval = time.Duration(v.GetInt64("poll_interval_ms")) * time.Millisecond
	cfg.Scaling.AutoApply = v.GetBool("scaling.auto_apply")
	cfg.Scaling.MaxCPUPercent = v.GetFloat64("scaling.max_cpu_percent")
	cfg.Scaling.MinFreeMemMB = v.GetInt("scaling.min_free_mem_mb")
	cfg.Scaling.PerWorkerMemMB = v.GetInt("scaling.per_worker_mem_mb")
	cfg.Scaling.Cooldown = time.Duration(v.GetInt64("scaling.cooldown_ms")) * time.Millisecond
	cfg.Scaling.ScaleUpThreshold = v.GetFloat64("scaling.scale_up_threshold")
	cfg.Scaling.ScaleDownThreshold = v.GetFloat64("scaling.scale_down_threshold")
	cfg.Scaling.IdleTimeout = time.Duration(v.GetInt64("scaling.idle_timeout_ms")) * time.Millisecond
	cfg.Scaling.MinWorkers = v.GetInt("scaling.min_workers")
	cfg.Scaling.MaxWorkers = v.GetInt("scaling.max_workers")
	cfg.Scaling.DrainTimeout = time.Duration(v.GetInt64("scaling.drain_timeout_ms")) * time.Millisecond
	cfg.TraceFile = v.GetString("trace_file")

	if cfg.Scaling.MaxWorkers > AbsoluteMaxWorkers {
		cfg.Scaling.MaxWorkers = AbsoluteMaxWorkers
	}
	if cfg.Scaling.MinWorkers < 1 {
		cfg.Scaling.MinWorkers = 1
	}

	switch v.GetString("force_transport") {
	case "1":
		cfg.Transport = TransportTmux
	case "0":
		cfg.Transport = TransportProcess
	}

	return cfg, nil
}
