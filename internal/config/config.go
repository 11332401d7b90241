package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/svcpanel/internal/service"
	"github.com/spf13/viper"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Services []ServiceConfig `toml:"services" mapstructure:"services"`
	Poll     PollConfig      `toml:"poll" mapstructure:"poll"`
	Timeouts TimeoutsConfig  `toml:"timeouts" mapstructure:"timeouts"`
	Commands CommandsConfig  `toml:"commands" mapstructure:"commands"`
	Server   ServerConfig    `toml:"server" mapstructure:"server"`
	Metrics  MetricsConfig   `toml:"metrics" mapstructure:"metrics"`
	Log      LogConfig       `toml:"log" mapstructure:"log"`
}

type ServiceConfig struct {
	Label   string `toml:"label" mapstructure:"label"`
	ID      string `toml:"id" mapstructure:"id"`
	Backend string `toml:"backend" mapstructure:"backend"`
}

type PollConfig struct {
	Interval time.Duration `toml:"interval" mapstructure:"interval"`
}

type TimeoutsConfig struct {
	Probe      time.Duration `toml:"probe" mapstructure:"probe"`
	Transition time.Duration `toml:"transition" mapstructure:"transition"`
	Bulk       time.Duration `toml:"bulk" mapstructure:"bulk"`
	// Settle is waited between a successful transition and its verification probe.
	Settle time.Duration `toml:"settle" mapstructure:"settle"`
}

type CommandsConfig struct {
	Systemctl string   `toml:"systemctl" mapstructure:"systemctl"`
	PM2       string   `toml:"pm2" mapstructure:"pm2"`
	Elevate   []string `toml:"elevate" mapstructure:"elevate"`
	// Env adds "K=V" entries to the command environment, e.g. PM2_HOME.
	Env []string `toml:"env" mapstructure:"env"`
}

type ServerConfig struct {
	Listen   string     `toml:"listen" mapstructure:"listen"`
	BasePath string     `toml:"base_path" mapstructure:"base_path"`
	TLS      *TLSConfig `toml:"tls" mapstructure:"tls"`
}

// TLSConfig enables HTTPS for the API. Either CertFile/KeyFile or Dir must be
// set; with AutoGenerate a self-signed pair is created in Dir when missing.
type TLSConfig struct {
	Enabled      bool     `toml:"enabled" mapstructure:"enabled"`
	CertFile     string   `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string   `toml:"key_file" mapstructure:"key_file"`
	Dir          string   `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool     `toml:"auto_generate" mapstructure:"auto_generate"`
	MinVersion   string   `toml:"min_version" mapstructure:"min_version"`
	CommonName   string   `toml:"common_name" mapstructure:"common_name"`
	DNSNames     []string `toml:"dns_names" mapstructure:"dns_names"`
	IPAddresses  []string `toml:"ip_addresses" mapstructure:"ip_addresses"`
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	File       string `toml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
	Color      bool   `toml:"color" mapstructure:"color"`
}

// Config is the validated configuration handed to constructors.
type Config struct {
	FileConfig
	Descriptors []service.Descriptor
}

// DefaultServices is the table used when no [[services]] are configured.
func DefaultServices() []ServiceConfig {
	return []ServiceConfig{
		{Label: "PostgreSQL", ID: "postgresql", Backend: "systemd"},
		{Label: "MariaDB", ID: "mariadb", Backend: "systemd"},
		{Label: "Docker Engine", ID: "docker", Backend: "systemd"},
		{Label: "Shinobi CCTV", ID: "shinobi", Backend: "pm2"},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("poll.interval", "5s")
	v.SetDefault("timeouts.probe", "5s")
	v.SetDefault("timeouts.transition", "30s")
	v.SetDefault("timeouts.bulk", "60s")
	v.SetDefault("timeouts.settle", "0s")
	v.SetDefault("commands.systemctl", "systemctl")
	v.SetDefault("commands.pm2", "pm2")
	v.SetDefault("commands.elevate", []string{"pkexec"})
	v.SetDefault("server.listen", "127.0.0.1:8085")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9095")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 7)
	v.SetDefault("log.compress", false)
	v.SetDefault("log.color", true)
}

// Default returns the configuration used when no file is given.
func Default() Config {
	cfg, err := Load("")
	if err != nil {
		// defaults are static and always valid
		panic(err)
	}
	return cfg
}

// Load reads a TOML config file. An empty path yields the defaults.
// SVCPANEL_* environment variables override file values
// (e.g. SVCPANEL_SERVER_LISTEN).
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("svcpanel")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(filepath.Clean(path))
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if len(fc.Services) == 0 {
		fc.Services = DefaultServices()
	}
	descs, err := fc.Validate()
	if err != nil {
		return Config{}, err
	}
	return Config{FileConfig: fc, Descriptors: descs}, nil
}

// Validate checks the file config and returns the service table.
func (fc FileConfig) Validate() ([]service.Descriptor, error) {
	var errs []error
	seen := make(map[string]bool, len(fc.Services))
	descs := make([]service.Descriptor, 0, len(fc.Services))
	for i, sc := range fc.Services {
		id := strings.TrimSpace(sc.ID)
		if id == "" {
			errs = append(errs, fmt.Errorf("services[%d]: id is required", i))
			continue
		}
		if seen[id] {
			errs = append(errs, fmt.Errorf("services[%d]: duplicate id %q", i, id))
			continue
		}
		seen[id] = true
		b, err := service.ParseBackend(sc.Backend)
		if err != nil {
			errs = append(errs, fmt.Errorf("services[%d] %s: %w", i, id, err))
			continue
		}
		label := strings.TrimSpace(sc.Label)
		if label == "" {
			label = id
		}
		descs = append(descs, service.Descriptor{ID: id, Label: label, Backend: b})
	}
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"poll.interval", fc.Poll.Interval},
		{"timeouts.probe", fc.Timeouts.Probe},
		{"timeouts.transition", fc.Timeouts.Transition},
		{"timeouts.bulk", fc.Timeouts.Bulk},
	}
	for _, d := range durations {
		if d.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.name, d.d))
		}
	}
	if fc.Timeouts.Settle < 0 {
		errs = append(errs, fmt.Errorf("timeouts.settle must not be negative, got %s", fc.Timeouts.Settle))
	}
	if t := fc.Server.TLS; t != nil && t.Enabled && (t.CertFile == "" || t.KeyFile == "") && t.Dir == "" {
		errs = append(errs, errors.New("server.tls: set cert_file and key_file, or dir"))
	}
	if fc.Commands.Systemctl == "" || fc.Commands.PM2 == "" {
		errs = append(errs, errors.New("commands.systemctl and commands.pm2 must not be empty"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return descs, nil
}
