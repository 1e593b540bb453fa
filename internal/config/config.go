// Package config loads modtrack configuration.
//
// Configuration comes from a single YAML file named by the --config flag or
// the MODTRACK_CONFIG environment variable. Without a file the built-in
// defaults are used, which reproduce the clinic floor the service was first
// deployed on. Command-line flags override file values.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "MODTRACK_CONFIG"

type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// TimeZone decides where a calendar day starts. Empty means the
	// process's local zone.
	TimeZone string `yaml:"timezone"`

	// ViewerBuffer is how many events a viewer may lag behind before its
	// stream is closed.
	ViewerBuffer int `yaml:"viewer_buffer"`

	Storage StorageConfig `yaml:"storage"`
	NATS    NATSConfig    `yaml:"nats"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
	Auth    AuthConfig    `yaml:"auth"`

	// Modalities is the catalogue provisioned into the registry at startup.
	Modalities []ModalityConfig `yaml:"modalities"`
}

type StorageConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type NATSConfig struct {
	// URL enables the cross-process event relay when set.
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type AuthConfig struct {
	// RequireOperator rejects requests that carry no operator header from
	// the authenticating proxy.
	RequireOperator bool `yaml:"require_operator"`
}

type ModalityConfig struct {
	Name     string `yaml:"name"`
	Stations int    `yaml:"stations"`
	// Default durations in minutes. Zero means no default for that type.
	MaintenanceMinutes  int `yaml:"maintenance_minutes"`
	OptimizationMinutes int `yaml:"optimization_minutes"`
}

func (m ModalityConfig) Maintenance() time.Duration {
	return time.Duration(m.MaintenanceMinutes) * time.Minute
}

func (m ModalityConfig) Optimization() time.Duration {
	return time.Duration(m.OptimizationMinutes) * time.Minute
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:       ":10000",
		ViewerBuffer: 64,
		Storage: StorageConfig{
			Driver: "sqlite",
			DSN:    "modtrack.db",
		},
		NATS: NATSConfig{
			Subject: "modtrack.events",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Modalities: DefaultModalities(),
	}
}

func DefaultModalities() []ModalityConfig {
	return []ModalityConfig{
		{Name: "CIRCULATION (BACK)", Stations: 4, MaintenanceMinutes: 15, OptimizationMinutes: 25},
		{Name: "CIRCULATION (FRONT)", Stations: 3, MaintenanceMinutes: 15, OptimizationMinutes: 25},
		{Name: "BRAIN", Stations: 4, MaintenanceMinutes: 15, OptimizationMinutes: 25},
		{Name: "ENERGY", Stations: 3, MaintenanceMinutes: 15, OptimizationMinutes: 25},
		{Name: "CELL", Stations: 2, MaintenanceMinutes: 15, OptimizationMinutes: 15},
		{Name: "PHYSICAL", Stations: 3, MaintenanceMinutes: 15, OptimizationMinutes: 25},
		{Name: "GUT (EMS)", Stations: 2, MaintenanceMinutes: 20, OptimizationMinutes: 35},
		{Name: "GUT (LASER)", Stations: 2, MaintenanceMinutes: 20, OptimizationMinutes: 35},
		{Name: "STRESS", Stations: 2, MaintenanceMinutes: 15, OptimizationMinutes: 25},
		{Name: "INFRARED SAUNA", Stations: 1, MaintenanceMinutes: 25, OptimizationMinutes: 35},
		{Name: "HBOT", Stations: 1, MaintenanceMinutes: 30, OptimizationMinutes: 60},
		{Name: "CRYO", Stations: 1, MaintenanceMinutes: 3, OptimizationMinutes: 3},
	}
}

// Load reads path, or the file named by MODTRACK_CONFIG when path is empty.
// With neither, the defaults are returned.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := Parse(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}

// Parse decodes YAML into cfg, keeping values the document leaves unset.
// Unknown keys are rejected.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Location resolves TimeZone.
func (c *Config) Location() (*time.Location, error) {
	if c.TimeZone == "" || c.TimeZone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.TimeZone, err)
	}
	return loc, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}

	if c.ViewerBuffer < 0 {
		errs = append(errs, errors.New("viewer_buffer must not be negative"))
	}

	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	if c.Storage.DSN == "" {
		errs = append(errs, errors.New("storage dsn is required"))
	}

	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}

	if c.NATS.URL != "" && c.NATS.Subject == "" {
		errs = append(errs, errors.New("nats subject is required when nats url is set"))
	}

	seen := make(map[string]bool, len(c.Modalities))
	for i, m := range c.Modalities {
		switch {
		case m.Name == "":
			errs = append(errs, fmt.Errorf("modalities[%d]: name is required", i))
		case seen[m.Name]:
			errs = append(errs, fmt.Errorf("modalities[%d]: duplicate name %q", i, m.Name))
		}
		seen[m.Name] = true

		if m.Stations < 0 {
			errs = append(errs, fmt.Errorf("modality %q: negative station count", m.Name))
		}
		if m.MaintenanceMinutes < 0 || m.OptimizationMinutes < 0 {
			errs = append(errs, fmt.Errorf("modality %q: negative duration", m.Name))
		}
	}

	return errors.Join(errs...)
}
