// Package config loads and validates the service configuration.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/gookit/validate"
	"github.com/spf13/viper"
)

type Server struct {
	Host string `yaml:"host" validate:"required"`
	Port int    `yaml:"port" validate:"required|uint|min:1"`
}

type Database struct {
	Path string `yaml:"path" validate:"required"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required|in:trace,debug,info,warn,error"`
}

type LocationConfig struct {
	// TTL governs raw position retention for personal use.
	TTL time.Duration `yaml:"ttl" validate:"required|min:1"`
	// Freshness bounds position age for friend queries.
	Freshness time.Duration `yaml:"freshness" validate:"required|min:1"`
	// MaxTrack caps a single live-tracking subscription.
	MaxTrack time.Duration `yaml:"maxTrack" validate:"required|min:1"`
	// SweepInterval is how often expired positions are deleted.
	SweepInterval time.Duration `yaml:"sweepInterval" validate:"required|min:1"`
}

type VisitConfig struct {
	SearchRadiusMeters   float64 `yaml:"searchRadiusMeters"`
	VisitThresholdMeters float64 `yaml:"visitThresholdMeters"`
	// SeedFile optionally points at a JSON array of curated places
	// loaded at startup.
	SeedFile string `yaml:"seedFile"`
}

type PresenceConfig struct {
	Heartbeat time.Duration `yaml:"heartbeat" validate:"required|min:1"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type Config struct {
	AppName   string
	Path      string
	WebServer Server         `yaml:"webServer"`
	Database  Database       `yaml:"database"`
	Logger    LoggerConfig   `yaml:"logger"`
	Location  LocationConfig `yaml:"location"`
	Visit     VisitConfig    `yaml:"visit"`
	Presence  PresenceConfig `yaml:"presence"`
	Metrics   MetricsConfig  `yaml:"metrics"`
}

// Load reads the YAML config at path, applies env overrides and defaults,
// and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	filename := filepath.Base(path)
	v.AddConfigPath(filepath.Dir(path))
	v.SetConfigName(strings.TrimSuffix(filename, filepath.Ext(filename)))
	v.SetConfigType("yaml")

	v.SetDefault("webServer.host", "0.0.0.0")
	v.SetDefault("webServer.port", 8080)
	v.SetDefault("database.path", "quad.db")
	v.SetDefault("logger.level", "info")
	v.SetDefault("location.ttl", 30*24*time.Hour)
	v.SetDefault("location.freshness", 10*time.Minute)
	v.SetDefault("location.maxTrack", time.Hour)
	v.SetDefault("location.sweepInterval", 10*time.Minute)
	v.SetDefault("visit.searchRadiusMeters", 100)
	v.SetDefault("visit.visitThresholdMeters", 50)
	v.SetDefault("presence.heartbeat", 5*time.Minute)
	v.SetDefault("metrics.enabled", true)

	v.BindEnv("logger.level", "QUAD_LOG_LEVEL")
	v.BindEnv("webServer.port", "QUAD_PORT")
	v.BindEnv("database.path", "QUAD_DB_PATH")
	v.BindEnv("metrics.enabled", "QUAD_METRICS_ENABLED")

	if err := v.ReadInConfig(); err != nil {
		// defaults are complete; a missing file is not fatal
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var conf Config
	if err := v.Unmarshal(&conf); err != nil {
		return nil, fmt.Errorf("unable to decode into config struct: %w", err)
	}

	vd := validate.Struct(&conf)
	if !vd.Validate() {
		return nil, vd.Errors.OneError()
	}

	conf.AppName = "QuadLocationGateway"
	conf.Path = path
	return &conf, nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.WebServer.Host, c.WebServer.Port)
}
