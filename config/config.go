package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration. Values from the YAML file
// can be overridden by environment variables for container deployments.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	JWT       JWTConfig       `yaml:"jwt"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DatabaseConfig contains the PostgreSQL connection string.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// JWTConfig contains token signing settings.
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// SchedulerConfig contains cron specs for the background jobs.
type SchedulerConfig struct {
	OutboxDispatch string `yaml:"outbox_dispatch"`
	OverdueSweep   string `yaml:"overdue_sweep"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the YAML file at path (when it exists) and applies environment
// overrides. A missing file is not an error; env-only configuration is the
// container default.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{Addr: ":8080"},
		Scheduler: SchedulerConfig{
			OutboxDispatch: "@every 5s",
			OverdueSweep:   "@every 1h",
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWT.Secret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("config: database url is required (set database.url or DATABASE_URL)")
	}
	if cfg.JWT.Secret == "" {
		return nil, fmt.Errorf("config: jwt secret is required (set jwt.secret or JWT_SECRET)")
	}
	return cfg, nil
}
