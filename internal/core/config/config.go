// Package config loads the simulator configuration from yaml.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so yaml accepts both "50ms" style strings and
// raw nanosecond integers.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Retirement configures the stepwise process lifetime curve. Chances are
// percent per tick; zero chances disable retirement.
type Retirement struct {
	MidAge     Duration `yaml:"mid_age"`
	OldAge     Duration `yaml:"old_age"`
	AncientAge Duration `yaml:"ancient_age"`

	YoungChance   int `yaml:"young_chance"`
	MidChance     int `yaml:"mid_chance"`
	OldChance     int `yaml:"old_chance"`
	AncientChance int `yaml:"ancient_chance"`
}

// Monitor configures the optional HTTP/WebSocket monitor server.
type Monitor struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Config is the full simulator configuration.
type Config struct {
	Nodes           int      `yaml:"nodes"`
	QueueCapacity   int      `yaml:"queue_capacity"`
	TickInterval    Duration `yaml:"tick_interval"`
	Quantum         Duration `yaml:"quantum"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`

	OverloadFactor  float64 `yaml:"overload_factor"`
	UnderloadFactor float64 `yaml:"underload_factor"`
	AutoMigrate     bool    `yaml:"auto_migrate"`

	BootBarrier bool   `yaml:"boot_barrier"`
	Seed        uint64 `yaml:"seed"`
	LogLevel    string `yaml:"log_level"`

	Retirement Retirement `yaml:"retirement"`
	Monitor    Monitor    `yaml:"monitor"`
}

// Default mirrors the reference constants: 8 nodes, inbox capacity 100, a
// 50ms quantum, and the 150/300/600ms lifetime thresholds.
func Default() *Config {
	return &Config{
		Nodes:           8,
		QueueCapacity:   100,
		TickInterval:    Duration(50 * time.Millisecond),
		Quantum:         Duration(50 * time.Millisecond),
		ShutdownTimeout: Duration(5 * time.Second),
		OverloadFactor:  1.5,
		UnderloadFactor: 0.7,
		AutoMigrate:     false,
		BootBarrier:     false,
		LogLevel:        "info",
		Retirement: Retirement{
			MidAge:        Duration(150 * time.Millisecond),
			OldAge:        Duration(300 * time.Millisecond),
			AncientAge:    Duration(600 * time.Millisecond),
			YoungChance:   20,
			MidChance:     30,
			OldChance:     50,
			AncientChance: 80,
		},
		Monitor: Monitor{
			Enabled: false,
			Addr:    "127.0.0.1:8080",
		},
	}
}

// Load reads a yaml file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Nodes <= 0 {
		return fmt.Errorf("nodes must be positive, got %d", c.Nodes)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity must be positive, got %d", c.QueueCapacity)
	}
	if c.OverloadFactor <= c.UnderloadFactor {
		return fmt.Errorf("overload_factor (%v) must exceed underload_factor (%v)",
			c.OverloadFactor, c.UnderloadFactor)
	}
	if c.UnderloadFactor <= 0 {
		return fmt.Errorf("underload_factor must be positive, got %v", c.UnderloadFactor)
	}
	return nil
}
