// Package config loads KuroDB's concurrency-core configuration through
// Viper: worker identities, the per-transaction lock budget, and the ambient
// logging/telemetry sections.
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/sorabase/kurodb/pkg/logger"
	"github.com/sorabase/kurodb/pkg/telemetry"
)

// Bench configures the lockbench workloads.
type Bench struct {
	// Keys is the number of lockable records the random workload contends on.
	Keys int `yaml:"keys"`
	// Iterations is the number of try-acquire attempts per worker.
	Iterations int `yaml:"iterations"`
	// Rate caps try-acquire attempts per second per worker; 0 means unpaced.
	Rate float64 `yaml:"rate"`
}

// Config is the engine configuration consumed at bootstrap.
type Config struct {
	// Workers is the number of worker identities (and block pools).
	Workers int `yaml:"workers"`
	// LockBudget is the maximum number of locks a single transaction may
	// hold concurrently; block pools are sized from it.
	LockBudget int `yaml:"lock_budget"`

	Log       logger.Config    `yaml:"log"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Bench     Bench            `yaml:"bench"`
}

func setDefaults() {
	viper.SetDefault("workers", 8)
	viper.SetDefault("lock-budget", 64)
	viper.SetDefault("log-level", "info")
	viper.SetDefault("log-format", "console")
	viper.SetDefault("log-output", "stdout")
	viper.SetDefault("telemetry-enabled", false)
	viper.SetDefault("telemetry-service-name", "kurodb")
	viper.SetDefault("telemetry-prometheus-port", 9464)
	viper.SetDefault("bench-keys", 100)
	viper.SetDefault("bench-iterations", 1000)
	viper.SetDefault("bench-rate", 0.0)
}

// Load reads the configuration file at path (optional; defaults apply when
// empty) and returns the assembled config.
func Load(path string) (*Config, error) {
	setDefaults()
	if path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		Workers:    viper.GetInt("workers"),
		LockBudget: viper.GetInt("lock-budget"),
		Log: logger.Config{
			Level:      viper.GetString("log-level"),
			Format:     viper.GetString("log-format"),
			OutputFile: viper.GetString("log-output"),
		},
		Telemetry: telemetry.Config{
			Enabled:        viper.GetBool("telemetry-enabled"),
			ServiceName:    viper.GetString("telemetry-service-name"),
			PrometheusPort: viper.GetInt("telemetry-prometheus-port"),
		},
		Bench: Bench{
			Keys:       viper.GetInt("bench-keys"),
			Iterations: viper.GetInt("bench-iterations"),
			Rate:       viper.GetFloat64("bench-rate"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the lock core cannot honor.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.LockBudget < 1 {
		return fmt.Errorf("lock-budget must be positive, got %d", c.LockBudget)
	}
	if c.Bench.Keys < 1 || c.Bench.Iterations < 1 {
		return fmt.Errorf("bench keys/iterations must be positive, got %d/%d", c.Bench.Keys, c.Bench.Iterations)
	}
	return nil
}
