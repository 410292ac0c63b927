package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
)

// Config is the root of the YAML configuration.
type Config struct {
	Logger LoggerConfig `yaml:"logger" validate:"required"`
	Server ServerConfig `yaml:"http-server" validate:"required"`
	DB     `yaml:"db" validate:"required"`
}

type ServerConfig struct {
	Port               int           `yaml:"port" validate:"required,min=1,max=65535"`
	ReadHeaderTimeout  time.Duration `yaml:"read_header_timeout" validate:"min=0"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout" validate:"min=0"`
	MaxSessions        int           `yaml:"max_sessions" validate:"min=0"`
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout" validate:"min=0"`
}

type DB struct {
	Slices       int               `yaml:"slices" validate:"required,min=1,max=1024"`
	BTreeDegree  int               `yaml:"btree_degree" validate:"required,min=2"`
	RingReplicas int               `yaml:"ring_replicas" validate:"required,min=1"`
	Persistence  PersistenceConfig `yaml:"persistence"`
}

type PersistenceConfig struct {
	Enabled    bool   `yaml:"enabled"`
	RootPath   string `yaml:"path" validate:"required_if=Enabled true"`
	SyncWrites bool   `yaml:"sync_writes"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:               8080,
			ReadHeaderTimeout:  time.Second,
			ShutdownTimeout:    5 * time.Second,
			MaxSessions:        10000,
			SessionIdleTimeout: 5 * time.Minute,
		},
		DB: DB{
			Slices:       8,
			BTreeDegree:  32,
			RingReplicas: 64,
			Persistence: PersistenceConfig{
				Enabled:  true,
				RootPath: "./data",
			},
		},
	}
}

var validate = validator.New()

// Validate checks the struct tags of cfg.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Parse decodes YAML on top of Default() and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Load reads the YAML file at path. A missing file yields Default() and
// os.ErrNotExist wrapped in the error so callers can decide to proceed.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Default(), fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}
