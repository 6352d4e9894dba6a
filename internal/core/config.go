package core

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/gookit/config/v2"
	"github.com/gookit/config/v2/yaml"
	"github.com/mitchellh/mapstructure"

	"github.com/timada-org/pikav-relay/internal/bounded"
	"github.com/timada-org/pikav-relay/pkg/topic"
)

type AuthConfig struct {
	JwksURL        string        `config:"jwks_url"`
	Secret         string        `config:"secret"`
	RequiredScopes []string      `config:"required_scopes"`
	Timeout        time.Duration `config:"timeout"`
}

type SessionConfig struct {
	Capacity       int           `config:"capacity"`
	Overflow       string        `config:"overflow"`
	MaxSessions    int           `config:"max_sessions"`
	EvictAfter     int           `config:"evict_after"`
	WriteTimeout   time.Duration `config:"write_timeout"`
	PingInterval   time.Duration `config:"ping_interval"`
	PongTimeout    time.Duration `config:"pong_timeout"`
	ReadLimit      int64         `config:"read_limit"`
	ControlRate    float64       `config:"control_rate"`
	ControlBurst   int           `config:"control_burst"`
	AllowedOrigins []string      `config:"allowed_origins"`
}

// Policy returns the parsed overflow policy. Validate must have accepted the
// configuration first.
func (s SessionConfig) Policy() bounded.Policy {
	policy, _ := bounded.ParsePolicy(s.Overflow)
	return policy
}

type UpstreamConfig struct {
	InitialInterval time.Duration `config:"initial_interval"`
	MaxInterval     time.Duration `config:"max_interval"`
	MaxRetries      int           `config:"max_retries"`
	DisableResume   bool          `config:"disable_resume"`
}

type TopicConfig struct {
	Name    string            `config:"name"`
	URL     string            `config:"url"`
	Headers map[string]string `config:"headers"`
}

type Broker struct {
	URL   string `config:"url"`
	Topic string `config:"topic"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `config:"otlp_endpoint"`
	ServiceName  string `config:"service_name"`
}

type LogConfig struct {
	Level  string `config:"level"`
	Format string `config:"format"`
}

type Config struct {
	ID        string          `config:"id"`
	Addr      string          `config:"addr"`
	Auth      AuthConfig      `config:"auth"`
	Session   SessionConfig   `config:"session"`
	Upstream  UpstreamConfig  `config:"upstream"`
	Topics    []TopicConfig   `config:"topics"`
	Broker    Broker          `config:"broker"`
	Telemetry TelemetryConfig `config:"telemetry"`
	Log       LogConfig       `config:"log"`
}

// NewConfig loads path and, when present, its ".local" sibling
// (config.yml -> config.local.yml) on top of it. Values may reference
// environment variables with ${NAME}.
func NewConfig(path string) (*Config, error) {
	var appConfig Config

	c := config.NewWithOptions("pikav-relay", func(opt *config.Options) {
		opt.ParseEnv = true
		opt.DecoderConfig.TagName = "config"
		opt.DecoderConfig.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	})

	c.AddDriver(yaml.Driver)

	if err := c.LoadFiles(path); err != nil {
		return nil, err
	}

	if err := c.LoadExists(localPath(path)); err != nil {
		return nil, err
	}

	if err := c.BindStruct("", &appConfig); err != nil {
		return nil, err
	}

	appConfig.ApplyDefaults()

	if err := appConfig.Validate(); err != nil {
		return nil, err
	}

	return &appConfig, nil
}

func localPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".local" + ext
}

func (c *Config) ApplyDefaults() {
	if c.ID == "" {
		c.ID = "pikav-relay"
	}
	if c.Addr == "" {
		c.Addr = ":6750"
	}
	if c.Auth.Timeout == 0 {
		c.Auth.Timeout = 5 * time.Second
	}

	s := &c.Session
	if s.Capacity == 0 {
		s.Capacity = 256
	}
	if s.Overflow == "" {
		s.Overflow = bounded.DropOldest.String()
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = 10 * time.Second
	}
	if s.PingInterval == 0 {
		s.PingInterval = 30 * time.Second
	}
	if s.PongTimeout == 0 {
		s.PongTimeout = 2 * s.PingInterval
	}
	if s.ReadLimit == 0 {
		s.ReadLimit = 4096
	}
	if s.ControlRate == 0 {
		s.ControlRate = 5
	}
	if s.ControlBurst == 0 {
		s.ControlBurst = 10
	}

	u := &c.Upstream
	if u.InitialInterval == 0 {
		u.InitialInterval = 500 * time.Millisecond
	}
	if u.MaxInterval == 0 {
		u.MaxInterval = 30 * time.Second
	}

	if c.Broker.Topic == "" {
		c.Broker.Topic = "pikav-relay-status"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "pikav-relay"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) Validate() error {
	var errs []error

	if c.Auth.JwksURL == "" && c.Auth.Secret == "" {
		errs = append(errs, errors.New("auth: one of jwks_url or secret is required"))
	}

	if _, err := bounded.ParsePolicy(c.Session.Overflow); err != nil {
		errs = append(errs, fmt.Errorf("session: %w", err))
	}
	if c.Session.Capacity < 1 {
		errs = append(errs, fmt.Errorf("session: capacity must be positive, got %d", c.Session.Capacity))
	}
	if c.Session.MaxSessions < 0 || c.Session.EvictAfter < 0 {
		errs = append(errs, errors.New("session: max_sessions and evict_after cannot be negative"))
	}
	if c.Session.PongTimeout <= c.Session.PingInterval {
		errs = append(errs, errors.New("session: pong_timeout must be greater than ping_interval"))
	}

	if c.Upstream.MaxInterval < c.Upstream.InitialInterval {
		errs = append(errs, errors.New("upstream: max_interval must not be lower than initial_interval"))
	}
	if c.Upstream.MaxRetries < 0 {
		errs = append(errs, errors.New("upstream: max_retries cannot be negative"))
	}

	if len(c.Topics) == 0 {
		errs = append(errs, errors.New("topics: at least one topic is required"))
	}

	seen := make(map[string]bool, len(c.Topics))
	for i, t := range c.Topics {
		if _, err := topic.NewName(t.Name); err != nil {
			errs = append(errs, fmt.Errorf("topics[%d]: %w", i, err))
		}
		if seen[t.Name] {
			errs = append(errs, fmt.Errorf("topics[%d]: duplicate name %q", i, t.Name))
		}
		seen[t.Name] = true

		u, err := url.Parse(t.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("topics[%d]: url %q must be an absolute http(s) url", i, t.URL))
		}
	}

	return errors.Join(errs...)
}
