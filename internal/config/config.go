// Package config loads peerlink settings from defaults, an optional YAML
// file, a .env file and PEERLINK_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golobby/config/v3"
	"github.com/golobby/config/v3/pkg/feeder"
	"github.com/joho/godotenv"
	"go.yaml.in/yaml/v3"
)

// Defaults.
const (
	DefaultRelayURL           = "ws://localhost:4444"
	DefaultName               = "aboba"
	DefaultICEServers         = "stun:stun2.1.google.com:19302"
	DefaultMaxPendingOffers   = 32
	DefaultNegotiationTimeout = "30s"
	DefaultPingInterval       = "30s"
	DefaultStatsInterval      = "10s"
	DefaultLogLevel           = "info"
	DefaultPionLogLevel       = "warn"
)

// Config holds the application configuration. Durations are Go duration
// strings ("30s"); an empty or "0" duration disables the feature.
type Config struct {
	RelayURL           string `yaml:"relay_url" env:"PEERLINK_RELAY_URL"`
	Name               string `yaml:"name" env:"PEERLINK_NAME"`
	ICEServers         string `yaml:"ice_servers" env:"PEERLINK_ICE_SERVERS"` // comma separated
	IncludeLoopback    bool   `yaml:"include_loopback" env:"PEERLINK_INCLUDE_LOOPBACK"`
	MaxPendingOffers   int    `yaml:"max_pending_offers" env:"PEERLINK_MAX_PENDING_OFFERS"`
	PendingOfferTTL    string `yaml:"pending_offer_ttl" env:"PEERLINK_PENDING_OFFER_TTL"`
	NegotiationTimeout string `yaml:"negotiation_timeout" env:"PEERLINK_NEGOTIATION_TIMEOUT"`
	PingInterval       string `yaml:"ping_interval" env:"PEERLINK_PING_INTERVAL"`
	StatsInterval      string `yaml:"stats_interval" env:"PEERLINK_STATS_INTERVAL"`
	LogLevel           string `yaml:"log_level" env:"PEERLINK_LOG_LEVEL"`
	PionLogLevel       string `yaml:"pion_log_level" env:"PEERLINK_PION_LOG_LEVEL"`
}

// Durations are the parsed duration settings.
type Durations struct {
	PendingOfferTTL    time.Duration
	NegotiationTimeout time.Duration
	PingInterval       time.Duration
	StatsInterval      time.Duration
}

// Default returns a Config with every default applied.
func Default() *Config {
	return &Config{
		RelayURL:           DefaultRelayURL,
		Name:               DefaultName,
		ICEServers:         DefaultICEServers,
		MaxPendingOffers:   DefaultMaxPendingOffers,
		NegotiationTimeout: DefaultNegotiationTimeout,
		PingInterval:       DefaultPingInterval,
		StatsInterval:      DefaultStatsInterval,
		LogLevel:           DefaultLogLevel,
		PionLogLevel:       DefaultPionLogLevel,
	}
}

// Load builds the configuration. file may be empty; a named file that does
// not exist is an error.
func Load(file string) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := Default()
	c := config.New()
	if file != "" {
		if _, err := os.Stat(file); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		c.AddFeeder(feeder.Yaml{Path: file})
	}
	c.AddFeeder(feeder.Env{})

	if err := c.AddStruct(cfg).Feed(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that every setting is usable.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.RelayURL) == "" {
		errs = append(errs, errors.New("relay_url is required"))
	}
	if c.MaxPendingOffers < 0 {
		errs = append(errs, fmt.Errorf("max_pending_offers must not be negative, got %d", c.MaxPendingOffers))
	}
	if _, err := c.Durations(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Durations parses the duration settings.
func (c *Config) Durations() (Durations, error) {
	var d Durations
	var errs []error
	for _, f := range []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"pending_offer_ttl", c.PendingOfferTTL, &d.PendingOfferTTL},
		{"negotiation_timeout", c.NegotiationTimeout, &d.NegotiationTimeout},
		{"ping_interval", c.PingInterval, &d.PingInterval},
		{"stats_interval", c.StatsInterval, &d.StatsInterval},
	} {
		v, err := parseDuration(f.value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
			continue
		}
		*f.dst = v
	}
	return d, errors.Join(errs...)
}

// ICEServerURLs splits ICEServers on commas, dropping blanks.
func (c *Config) ICEServerURLs() []string {
	var urls []string
	for _, u := range strings.Split(c.ICEServers, ",") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

// Save writes the configuration to file as YAML.
func (c *Config) Save(file string) error {
	if file == "" {
		return errors.New("config file path is not set")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(file, data, 0o644)
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}
