package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML shape of .omx/config.yaml.
// Millisecond fields mirror the environment variable contract.
type fileConfig struct {
	ReadyTimeoutMS  int64             `yaml:"ready_timeout_ms"`
	LeaderNudgeMS   int64             `yaml:"leader_nudge_ms"`
	ClaimLeaseMS    int64             `yaml:"claim_lease_ms"`
	ShutdownGraceMS int64             `yaml:"shutdown_grace_ms"`
	PollIntervalMS  int64             `yaml:"poll_interval_ms"`
	Scaling         fileScalingConfig `yaml:"scaling"`
	TraceFile       string            `yaml:"trace_file,omitempty"`
}

type fileScalingConfig struct {
	AutoApply          bool    `yaml:"auto_apply"`
	MaxCPUPercent      float64 `yaml:"max_cpu_percent"`
	MinFreeMemMB       int     `yaml:"min_free_mem_mb"`
	PerWorkerMemMB     int     `yaml:"per_worker_mem_mb"`
	CooldownMS         int64   `yaml:"cooldown_ms"`
	ScaleUpThreshold   float64 `yaml:"scale_up_threshold"`
	ScaleDownThreshold float64 `yaml:"scale_down_threshold"`
	IdleTimeoutMS      int64   `yaml:"idle_timeout_ms"`
	MinWorkers         int     `yaml:"min_workers"`
	MaxWorkers         int     `yaml:"max_workers"`
	DrainTimeoutMS     int64   `yaml:"drain_timeout_ms"`
}

const fileHeader = `# omx team runtime configuration.
# Environment variables (READY_TIMEOUT_MS, CLAIM_LEASE_MS, SCALE_*) take
# precedence over values in this file.
`

// WriteDefaultConfig creates a config file at the given path with default
// settings. Parent directories are created as needed. Refuses to overwrite
// an existing file.
func WriteDefaultConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file already exists: %s", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	d := Defaults()
	fc := fileConfig{
		ReadyTimeoutMS:  d.ReadyTimeout.Milliseconds(),
		LeaderNudgeMS:   d.LeaderNudgeInterval.Milliseconds(),
		ClaimLeaseMS:    d.ClaimLease.Milliseconds(),
		ShutdownGraceMS: d.ShutdownGrace.Milliseconds(),
		PollIntervalMS:  d.PollInterval.Milliseconds(),
		Scaling: fileScalingConfig{
			AutoApply:          d.Scaling.AutoApply,
			MaxCPUPercent:      d.Scaling.MaxCPUPercent,
			MinFreeMemMB:       d.Scaling.MinFreeMemMB,
			PerWorkerMemMB:     d.Scaling.PerWorkerMemMB,
			CooldownMS:         d.Scaling.Cooldown.Milliseconds(),
			ScaleUpThreshold:   d.Scaling.ScaleUpThreshold,
			ScaleDownThreshold: d.Scaling.ScaleDownThreshold,
			IdleTimeoutMS:      d.Scaling.IdleTimeout.Milliseconds(),
			MinWorkers:         d.Scaling.MinWorkers,
			MaxWorkers:         d.Scaling.MaxWorkers,
			DrainTimeoutMS:     d.Scaling.DrainTimeout.Milliseconds(),
		},
	}

	data, err := yaml.Marshal(fc)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	return os.WriteFile(configPath, append([]byte(fileHeader), data...), 0600)
}
