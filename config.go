// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package xmppwsproxy holds the gateway configuration.
package xmppwsproxy

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/matrix-xmpp/xmpp-websocket-proxy/pkg/resolver"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable of Config.
const EnvPrefix = "XMPP_WS_"

var errInvalidConfig = errors.New("invalid configuration")

// Config is the gateway configuration. Values come from the environment and
// can be overridden by the YAML file named in CONFIG_FILE.
type Config struct {
	ConfigFile string `env:"CONFIG_FILE" yaml:"-"`

	// Listener
	Host           string   `env:"HOST"            envDefault:""                yaml:"host"`
	Port           string   `env:"PORT"            envDefault:"5280"            yaml:"port"`
	Path           string   `env:"UPGRADE_PATH"    envDefault:"/xmpp-websocket" yaml:"path"`
	CertFile       string   `env:"CERT_FILE"       envDefault:""                yaml:"cert_file"`
	KeyFile        string   `env:"KEY_FILE"        envDefault:""                yaml:"key_file"`
	ClientCAFile   string   `env:"CLIENT_CA_FILE"  envDefault:""                yaml:"client_ca_file"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","             yaml:"allowed_origins"`
	MaxMessageSize int64    `env:"MAX_MESSAGE_SIZE" envDefault:"5242880"        yaml:"max_message_size"`
	MaxSessions    int      `env:"MAX_SESSIONS"    envDefault:"10000"           yaml:"max_sessions"`

	// Upstream
	UpstreamHost               string        `env:"UPSTREAM_HOST"                 envDefault:""      yaml:"upstream_host"`
	UpstreamPort               uint16        `env:"UPSTREAM_PORT"                 envDefault:"5222"  yaml:"upstream_port"`
	UpstreamDirectTLS          bool          `env:"UPSTREAM_DIRECT_TLS"           envDefault:"false" yaml:"upstream_direct_tls"`
	UpstreamCAFile             string        `env:"UPSTREAM_CA_FILE"              envDefault:""      yaml:"upstream_ca_file"`
	UpstreamInsecureSkipVerify bool          `env:"UPSTREAM_INSECURE_SKIP_VERIFY" envDefault:"false" yaml:"upstream_insecure_skip_verify"`
	DisableStartTLS            bool          `env:"DISABLE_STARTTLS"              envDefault:"false" yaml:"disable_starttls"`
	ConnectTimeout             time.Duration `env:"CONNECT_TIMEOUT"               envDefault:"10s"   yaml:"connect_timeout"`
	WriteTimeout               time.Duration `env:"WRITE_TIMEOUT"                 envDefault:"10s"   yaml:"write_timeout"`
	CloseTimeout               time.Duration `env:"CLOSE_TIMEOUT"                 envDefault:"5s"    yaml:"close_timeout"`
	QueueSize                  int           `env:"QUEUE_SIZE"                    envDefault:"64"    yaml:"queue_size"`
	AllowedDomains             []string      `env:"ALLOWED_DOMAINS"               envSeparator:","   yaml:"allowed_domains"`

	// Rate limiting
	RateLimitCapacity   int64   `env:"RATE_LIMIT_CAPACITY"    envDefault:"20"    yaml:"rate_limit_capacity"`
	RateLimitRefill     float64 `env:"RATE_LIMIT_REFILL"      envDefault:"1"     yaml:"rate_limit_refill"`
	RateLimitMaxClients int     `env:"RATE_LIMIT_MAX_CLIENTS" envDefault:"10000" yaml:"rate_limit_max_clients"`

	// Circuit breaker
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"   yaml:"breaker_max_failures"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"30s" yaml:"breaker_reset_timeout"`

	// Observability
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090" yaml:"metrics_port"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8080" yaml:"health_port"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info" yaml:"log_level"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json" yaml:"log_format"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s" yaml:"shutdown_timeout"`

	serverTLSConfig   *tls.Config
	upstreamTLSConfig *tls.Config
}

// NewConfig parses the environment with opts, applies the optional YAML file
// and loads the TLS material.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}

	if c.ConfigFile != "" {
		data, err := os.ReadFile(c.ConfigFile)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", c.ConfigFile, err)
		}
	}

	if err := c.validate(); err != nil {
		return Config{}, err
	}

	var err error
	if c.serverTLSConfig, err = c.serverTLS(); err != nil {
		return Config{}, err
	}
	if c.upstreamTLSConfig, err = c.upstreamTLS(); err != nil {
		return Config{}, err
	}

	return c, nil
}

// TLSConfig terminates wss:// at the listener. Nil serves ws://.
func (c Config) TLSConfig() *tls.Config {
	return c.serverTLSConfig
}

// UpstreamTLSConfig is the client TLS configuration for XMPP servers.
func (c Config) UpstreamTLSConfig() *tls.Config {
	return c.upstreamTLSConfig
}

// Resolver returns the fixed upstream when UpstreamHost is set and SRV
// discovery otherwise.
func (c Config) Resolver() resolver.Resolver {
	if c.UpstreamHost != "" {
		return resolver.Static{{Host: c.UpstreamHost, Port: c.UpstreamPort, DirectTLS: c.UpstreamDirectTLS}}
	}
	return &resolver.SRV{}
}

func (c Config) validate() error {
	switch {
	case c.Port == "":
		return fmt.Errorf("%w: port is required", errInvalidConfig)
	case !strings.HasPrefix(c.Path, "/"):
		return fmt.Errorf("%w: path %q must start with /", errInvalidConfig, c.Path)
	case (c.CertFile == "") != (c.KeyFile == ""):
		return fmt.Errorf("%w: cert and key files must be set together", errInvalidConfig)
	case c.ClientCAFile != "" && c.CertFile == "":
		return fmt.Errorf("%w: client CA requires a server certificate", errInvalidConfig)
	case c.ConnectTimeout <= 0:
		return fmt.Errorf("%w: connect timeout must be positive", errInvalidConfig)
	case c.LogFormat != "json" && c.LogFormat != "text":
		return fmt.Errorf("%w: unknown log format %q", errInvalidConfig, c.LogFormat)
	}
	return nil
}

func (c Config) serverTLS() (*tls.Config, error) {
	if c.CertFile == "" {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if c.ClientCAFile != "" {
		pool, err := loadPool(c.ClientCAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return cfg, nil
}

func (c Config) upstreamTLS() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.UpstreamInsecureSkipVerify,
	}
	if c.UpstreamCAFile != "" {
		pool, err := loadPool(c.UpstreamCAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

func loadPool(file string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%w: no certificates in %s", errInvalidConfig, file)
	}
	return pool, nil
}
