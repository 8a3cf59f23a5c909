// Package config loads relay server settings.
//
// Values come from a .env file (godotenv) and RELAY_* environment variables
// (caarlos0/env), then command-line flags override them.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "RELAY_"

type Config struct {
	Host        string `env:"HOST" envDefault:"127.0.0.1"`
	Port        int    `env:"PORT" envDefault:"3055"`
	Debug       bool   `env:"DEBUG" envDefault:"false"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"text"`
	MetricsAddr string `env:"METRICS_ADDR"`

	PingInterval     time.Duration `env:"PING_INTERVAL" envDefault:"20s"`
	PingTimeout      time.Duration `env:"PING_TIMEOUT" envDefault:"10s"`
	WriteTimeout     time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"10s"`
}

// Load reads the configuration for the server binary. args excludes the
// program name.
func Load(args []string) (*Config, error) {
	// a missing .env file is fine
	_ = godotenv.Load()

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	fs := flag.NewFlagSet("relay-server", flag.ContinueOnError)
	fs.StringVar(&cfg.Host, "host", cfg.Host, "Host to bind the server to")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Port to listen on")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Enable debug logging")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text or json)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Address for the Prometheus endpoint (empty disables it)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", cfg.Port)
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return fmt.Errorf("log format must be text or json, got %q", cfg.LogFormat)
	}

	durations := map[string]time.Duration{
		"PING_INTERVAL":     cfg.PingInterval,
		"PING_TIMEOUT":      cfg.PingTimeout,
		"WRITE_TIMEOUT":     cfg.WriteTimeout,
		"HANDSHAKE_TIMEOUT": cfg.HandshakeTimeout,
	}
	var errs []error
	for name, d := range durations {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s%s must be positive, got %s", EnvPrefix, name, d))
		}
	}
	return errors.Join(errs...)
}

// Address returns the host:port to listen on.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Level returns the effective log level; Debug wins over LogLevel.
func (c *Config) Level() string {
	if c.Debug {
		return "debug"
	}
	return c.LogLevel
}
