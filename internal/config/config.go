// Package config loads the Reconstruction Core's closed set of
// configuration options (spec §6) from a YAML file via spf13/viper, with
// RECON_*-prefixed environment variable overrides. The loader mirrors
// internal/config/config.go's viper.New + SetEnvPrefix + AutomaticEnv
// pattern from the Polymarket market-maker reference.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete, closed set of pipeline tuning knobs named in
// spec.md §6. Every field has the spec's documented default applied by
// Defaults() before a YAML file is merged in.
type Config struct {
	Symbols               []string      `mapstructure:"symbols"`
	BatchRows             int           `mapstructure:"batch_rows"`
	BatchAge              time.Duration `mapstructure:"batch_age_ms"`
	QueueCapacity         int           `mapstructure:"queue_capacity"`
	PendingDeltaCapacity  int           `mapstructure:"pending_delta_capacity"`
	DriftRMSWarn          float64       `mapstructure:"drift_rms_warn"`
	DriftRMSHardReset     float64       `mapstructure:"drift_rms_hard_reset"`
	MaxDriftUpdates       uint64        `mapstructure:"max_drift_updates"`
	MaxRepairEvents       int           `mapstructure:"max_repair_events"`
	CheckpointEvents      uint64        `mapstructure:"checkpoint_events"`
	CheckpointInterval    time.Duration `mapstructure:"checkpoint_interval_ms"`
	ShutdownGrace         time.Duration `mapstructure:"shutdown_grace_ms"`
	Compression           string        `mapstructure:"compression"`
	PriceScale             int64         `mapstructure:"price_scale"`
	OutputDecimalScale     int64         `mapstructure:"output_decimal_scale"`
	SnapshotTopN           int           `mapstructure:"snapshot_top_n"`
	DriftAlertWindow       int           `mapstructure:"drift_alert_window"`
	DriftAlertThreshold    int           `mapstructure:"drift_alert_threshold"`
}

// Defaults returns a Config populated with every spec.md §6 default value.
func Defaults() Config {
	return Config{
		BatchRows:            100_000,
		BatchAge:             5 * time.Second,
		QueueCapacity:        8192,
		PendingDeltaCapacity: 65536,
		DriftRMSWarn:         1e-3,
		DriftRMSHardReset:    1e-1,
		MaxDriftUpdates:      1_000_000,
		MaxRepairEvents:      1024,
		CheckpointEvents:     1_000_000,
		CheckpointInterval:   5 * time.Minute,
		ShutdownGrace:        2 * time.Second,
		Compression:          "snappy",
		PriceScale:           100_000_000,  // 1e8
		OutputDecimalScale:   10_000_000_000, // 1e10
		SnapshotTopN:         20,
		DriftAlertWindow:     20,
		DriftAlertThreshold:  3,
	}
}

// Load reads a YAML config file at path, falling back to Defaults() for any
// key the file omits, then applies RECON_* environment variable overrides.
// An empty path loads defaults only.
func Load(path string) (Config, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetEnvPrefix("RECON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// Validate enforces the range/consistency checks a malformed config file
// could otherwise violate silently.
func (c Config) Validate() error {
	if c.BatchRows <= 0 {
		return fmt.Errorf("config: batch_rows must be > 0")
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("config: queue_capacity must be > 0")
	}
	if c.PendingDeltaCapacity <= 0 {
		return fmt.Errorf("config: pending_delta_capacity must be > 0")
	}
	if c.DriftRMSWarn <= 0 || c.DriftRMSHardReset <= 0 {
		return fmt.Errorf("config: drift thresholds must be > 0")
	}
	if c.DriftRMSWarn >= c.DriftRMSHardReset {
		return fmt.Errorf("config: drift_rms_warn must be < drift_rms_hard_reset")
	}
	if c.MaxRepairEvents <= 0 {
		return fmt.Errorf("config: max_repair_events must be > 0")
	}
	switch c.Compression {
	case "snappy", "zstd":
	default:
		return fmt.Errorf("config: compression must be snappy or zstd, got %q", c.Compression)
	}
	if c.PriceScale != 100_000_000 {
		return fmt.Errorf("config: price_scale is fixed at 1e8")
	}
	if c.SnapshotTopN <= 0 {
		return fmt.Errorf("config: snapshot_top_n must be > 0")
	}
	return nil
}
