// Package config loads process configuration: defaults first, then an
// optional YAML file, then ASYNX_* environment overrides.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/asynxhq/asynx/pkg/clock"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "500ms" or "2s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return errors.Wrapf(err, "config: bad duration %q", text)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the full process configuration. The same file serves the server
// and the worker.
type Config struct {
	AppName   string       `yaml:"appname"`
	QueueName string       `yaml:"queuename"`
	Localzone string       `yaml:"localzone"`
	Redis     RedisConfig  `yaml:"redis"`
	Server    ServerConfig `yaml:"server"`
	Worker    WorkerConfig `yaml:"worker"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type ServerConfig struct {
	Addr   string `yaml:"addr"`
	APIKey string `yaml:"api_key"`
}

type WorkerConfig struct {
	Concurrency  int      `yaml:"concurrency"`
	PollInterval Duration `yaml:"poll_interval"`
	MetricsAddr  string   `yaml:"metrics_addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		AppName:   "asynx",
		QueueName: "default",
		Redis:     RedisConfig{Addr: "127.0.0.1:6379"},
		Server:    ServerConfig{Addr: ":8081"},
		Worker: WorkerConfig{
			Concurrency:  10,
			PollInterval: Duration(500 * time.Millisecond),
			MetricsAddr:  ":8080",
		},
	}
}

// Load builds the configuration. path may be empty; a missing file at an
// explicit path is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "config: read %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "config: parse %s", path)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.AppName, "ASYNX_APPNAME")
	setString(&c.QueueName, "ASYNX_QUEUENAME")
	setString(&c.Localzone, "ASYNX_LOCALZONE")
	setString(&c.Redis.Addr, "ASYNX_REDIS_ADDR")
	setString(&c.Redis.Password, "ASYNX_REDIS_PASSWORD")
	setInt(&c.Redis.DB, "ASYNX_REDIS_DB")
	setString(&c.Server.Addr, "ASYNX_SERVER_ADDR")
	// API_KEY predates the ASYNX_ prefix and is still honored
	setString(&c.Server.APIKey, "API_KEY")
	setString(&c.Server.APIKey, "ASYNX_API_KEY")
	setInt(&c.Worker.Concurrency, "ASYNX_WORKER_CONCURRENCY")
	setString(&c.Worker.MetricsAddr, "ASYNX_METRICS_ADDR")
	if raw := os.Getenv("ASYNX_WORKER_POLL_INTERVAL"); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil {
			c.Worker.PollInterval = Duration(parsed)
		}
	}
}

func setString(target *string, env string) {
	if raw := os.Getenv(env); raw != "" {
		*target = raw
	}
}

func setInt(target *int, env string) {
	if raw := os.Getenv(env); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			*target = parsed
		}
	}
}

// Location resolves the configured local zone.
func (c *Config) Location() (*time.Location, error) {
	return clock.LoadZone(c.Localzone)
}
