// Package config loads the yaml configuration of the xatm binary.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"xatm/log"
)

const (
	KindBolt   = "bolt"
	KindMemory = "memory"
)

type Config struct {
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	TxLog       TxLogConfig       `yaml:"txlog"`
	Admin       AdminConfig       `yaml:"admin"`
	Logging     log.Config        `yaml:"logging"`
	Resources   []ResourceConfig  `yaml:"resources"`
}

// CoordinatorConfig maps onto the txmanager options.
type CoordinatorConfig struct {
	DataDir          string        `yaml:"data_dir"`
	EpochPath        string        `yaml:"epoch_path"`
	Timeout          time.Duration `yaml:"timeout"`
	PrepareTimeout   time.Duration `yaml:"prepare_timeout"`
	MonitorTick      time.Duration `yaml:"monitor_tick"`
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
}

type TxLogConfig struct {
	Dir       string `yaml:"dir"`
	QueueSize int    `yaml:"queue_size"`
	MaxBatch  int    `yaml:"max_batch"`
}

type AdminConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ResourceConfig declares a resource manager the coordinator opens at
// start. FactoryID is persisted in the log and must not change while
// transactions referencing it are in doubt.
type ResourceConfig struct {
	Name      string `yaml:"name"`
	Kind      string `yaml:"kind"`
	Path      string `yaml:"path"`
	FactoryID string `yaml:"factory_id"`
}

func DefaultConfig() *Config {
	return &Config{
		Coordinator: CoordinatorConfig{
			DataDir:          "data",
			Timeout:          time.Minute,
			PrepareTimeout:   30 * time.Second,
			MonitorTick:      10 * time.Second,
			RecoveryInterval: 30 * time.Second,
		},
		TxLog: TxLogConfig{
			QueueSize: 1024,
			MaxBatch:  256,
		},
		Admin: AdminConfig{
			Addr:            "127.0.0.1:7420",
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: log.Config{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration and fills paths derived from the data
// directory.
func (c *Config) Validate() error {
	if c.Coordinator.DataDir == "" {
		return errors.New("coordinator.data_dir is required")
	}
	if c.Coordinator.EpochPath == "" {
		c.Coordinator.EpochPath = filepath.Join(c.Coordinator.DataDir, "epoch.db")
	}
	if c.TxLog.Dir == "" {
		c.TxLog.Dir = filepath.Join(c.Coordinator.DataDir, "txlog")
	}
	for name, d := range map[string]time.Duration{
		"coordinator.timeout":           c.Coordinator.Timeout,
		"coordinator.prepare_timeout":   c.Coordinator.PrepareTimeout,
		"coordinator.monitor_tick":      c.Coordinator.MonitorTick,
		"coordinator.recovery_interval": c.Coordinator.RecoveryInterval,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.TxLog.QueueSize < 0 || c.TxLog.MaxBatch < 0 {
		return errors.New("txlog.queue_size and txlog.max_batch must not be negative")
	}

	names := make(map[string]struct{}, len(c.Resources))
	ids := make(map[string]struct{}, len(c.Resources))
	for i := range c.Resources {
		r := &c.Resources[i]
		if r.Name == "" {
			return fmt.Errorf("resources[%d].name is required", i)
		}
		if r.FactoryID == "" {
			r.FactoryID = r.Name
		}
		r.Kind = strings.ToLower(r.Kind)
		switch r.Kind {
		case "", KindBolt:
			r.Kind = KindBolt
			if r.Path == "" {
				r.Path = filepath.Join(c.Coordinator.DataDir, "rm", r.Name+".db")
			}
		case KindMemory:
		default:
			return fmt.Errorf("resources[%d].kind must be one of: bolt, memory", i)
		}
		if _, dup := names[r.Name]; dup {
			return fmt.Errorf("resource %s declared twice", r.Name)
		}
		if _, dup := ids[r.FactoryID]; dup {
			return fmt.Errorf("factory id %s declared twice", r.FactoryID)
		}
		names[r.Name] = struct{}{}
		ids[r.FactoryID] = struct{}{}
	}
	return nil
}
