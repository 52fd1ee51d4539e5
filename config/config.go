package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Relay           RelayConfig      `yaml:"relay"`
	Upstream        UpstreamConfig   `yaml:"upstream"`
	Normalizer      NormalizerConfig `yaml:"normalizer"`
	Forwarder       ForwarderConfig  `yaml:"forwarder"`
	Sinks           []SinkConfig     `yaml:"sinks"`
	Bus             BusConfig        `yaml:"bus"`
	Publisher       PublisherConfig  `yaml:"publisher"`
	DeadLetter      DeadLetterConfig `yaml:"dead_letter"`
	Metrics         MetricsConfig    `yaml:"metrics"`
	Status          StatusConfig     `yaml:"status"`
	Logging         LoggingConfig    `yaml:"logging"`
	ShutdownTimeout time.Duration    `yaml:"shutdown_timeout"`
}

type RelayConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type UpstreamConfig struct {
	Enabled          bool              `yaml:"enabled"`
	URL              string            `yaml:"url"`
	Headers          map[string]string `yaml:"headers"`
	Topics           []int64           `yaml:"topics"`
	TopicsFile       string            `yaml:"topics_file"`
	Tiers            []string          `yaml:"tiers"`
	SubscribeMethod  string            `yaml:"subscribe_method"`
	HandshakeTimeout time.Duration     `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration     `yaml:"write_timeout"`
	PingInterval     time.Duration     `yaml:"ping_interval"`
	PongTimeout      time.Duration     `yaml:"pong_timeout"`
	MessageBuffer    int               `yaml:"message_buffer"`
	Backoff          BackoffConfig     `yaml:"backoff"`
}

type BackoffConfig struct {
	Min         time.Duration `yaml:"min"`
	Max         time.Duration `yaml:"max"`
	Multiplier  float64       `yaml:"multiplier"`
	Jitter      bool          `yaml:"jitter"`
	StableAfter time.Duration `yaml:"stable_after"`
}

type NormalizerConfig struct {
	// Fields maps envelope keys to canonical record field names.
	Fields map[string]string `yaml:"fields"`
}

type ForwarderConfig struct {
	Mode          string        `yaml:"mode"`
	Period        time.Duration `yaml:"period"`
	Batch         bool          `yaml:"batch"`
	SkipUnchanged bool          `yaml:"skip_unchanged"`
	StreamBuffer  int           `yaml:"stream_buffer"`
}

type SinkConfig struct {
	Name       string            `yaml:"name"`
	Source     string            `yaml:"source"`
	URL        string            `yaml:"url"`
	URLEnv     string            `yaml:"url_env"`
	AuthHeader string            `yaml:"auth_header"`
	AuthToken  string            `yaml:"auth_token"`
	TokenEnv   string            `yaml:"token_env"`
	Headers    map[string]string `yaml:"headers"`
	Timeout    time.Duration     `yaml:"timeout"`
	Shape      string            `yaml:"shape"`
	Prefix     string            `yaml:"prefix"`
	FieldMap   map[string]string `yaml:"field_map"`
	Retry      RetryConfig       `yaml:"retry"`
	RateLimit  RateLimitConfig   `yaml:"rate_limit"`
}

type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type BusConfig struct {
	Enabled         bool          `yaml:"enabled"`
	URL             string        `yaml:"url"`
	Subject         string        `yaml:"subject"`
	PayloadEncoding string        `yaml:"payload_encoding"`
	ClientName      string        `yaml:"client_name"`
	ReconnectWait   time.Duration `yaml:"reconnect_wait"`
	MaxReconnects   int           `yaml:"max_reconnects"`
	Buffer          int           `yaml:"buffer"`
}

type PublisherConfig struct {
	Interval    time.Duration `yaml:"interval"`
	ThermalZone string        `yaml:"thermal_zone"`
	DiskPath    string        `yaml:"disk_path"`
}

type DeadLetterConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type MetricsConfig struct {
	ReportInterval time.Duration    `yaml:"report_interval"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	// History bounds the recent metrics and log lines kept for /api/*.
	History int `yaml:"history"`
	// MetricComponents limits which components /api/metrics retains; empty keeps all.
	MetricComponents []string `yaml:"metric_components"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

const (
	ModePolling   = "polling"
	ModeStreaming = "streaming"

	SourceMarket = "market"
	SourceBus    = "bus"

	ShapeFlat       = "flat"
	ShapeProperties = "properties"
	ShapeRaw        = "raw"

	EncodingStrict            = "strict"
	EncodingLegacySingleQuote = "legacy_single_quote"
)

// DefaultTiers are the two sampling cadences requested for every topic.
var DefaultTiers = []string{
	"main-site@crypto_price_15s@{}@normal",
	"main-site@crypto_price_5s@{}@normal",
}

// DefaultFieldMap maps upstream envelope keys to canonical record fields.
var DefaultFieldMap = map[string]string{
	"p":    "price",
	"p24h": "price_change_24h",
	"mc":   "market_cap",
	"as":   "supply",
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document, applies defaults and environment overrides
// and validates the result.
func Parse(data []byte) (*Config, error) {
	config := Config{
		Upstream: UpstreamConfig{Enabled: true},
		Status:   StatusConfig{Enabled: true},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)
	applyEnvOverrides(&config)

	if config.Upstream.TopicsFile != "" {
		topics, err := LoadTopics(config.Upstream.TopicsFile)
		if err != nil {
			return nil, err
		}
		config.Upstream.Topics = append(config.Upstream.Topics, topics.IDs()...)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Relay.Name == "" {
		cfg.Relay.Name = "pricerelay"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	up := &cfg.Upstream
	up.Tiers = uniqueTiers(up.Tiers)
	if len(up.Tiers) == 0 {
		up.Tiers = append([]string(nil), DefaultTiers...)
	}
	if up.SubscribeMethod == "" {
		up.SubscribeMethod = "RSUBSCRIPTION"
	}
	if up.HandshakeTimeout <= 0 {
		up.HandshakeTimeout = 10 * time.Second
	}
	if up.WriteTimeout <= 0 {
		up.WriteTimeout = 5 * time.Second
	}
	if up.PingInterval <= 0 {
		up.PingInterval = 20 * time.Second
	}
	if up.PongTimeout <= 0 {
		up.PongTimeout = 3 * up.PingInterval
	}
	if up.MessageBuffer <= 0 {
		up.MessageBuffer = 1024
	}
	if up.Backoff.Min <= 0 {
		up.Backoff.Min = time.Second
	}
	if up.Backoff.Max <= 0 {
		up.Backoff.Max = time.Minute
	}
	if up.Backoff.Multiplier <= 0 {
		up.Backoff.Multiplier = 2
	}
	if up.Backoff.StableAfter <= 0 {
		up.Backoff.StableAfter = 30 * time.Second
	}

	if len(cfg.Normalizer.Fields) == 0 {
		cfg.Normalizer.Fields = make(map[string]string, len(DefaultFieldMap))
		for k, v := range DefaultFieldMap {
			cfg.Normalizer.Fields[k] = v
		}
	}

	fw := &cfg.Forwarder
	if fw.Mode == "" {
		fw.Mode = ModePolling
	}
	if fw.Period <= 0 {
		fw.Period = 15 * time.Second
	}
	if fw.StreamBuffer <= 0 {
		fw.StreamBuffer = 256
	}

	for i := range cfg.Sinks {
		s := &cfg.Sinks[i]
		if s.Name == "" {
			s.Name = fmt.Sprintf("sink-%d", i+1)
		}
		if s.Source == "" {
			s.Source = SourceMarket
		}
		if s.AuthHeader == "" {
			s.AuthHeader = "Authorization"
		}
		if s.Timeout <= 0 {
			s.Timeout = 10 * time.Second
		}
		if s.Shape == "" {
			if s.Source == SourceBus {
				s.Shape = ShapeRaw
			} else {
				s.Shape = ShapeFlat
			}
		}
		if s.RateLimit.RequestsPerSecond > 0 && s.RateLimit.Burst <= 0 {
			s.RateLimit.Burst = 1
		}
	}

	bus := &cfg.Bus
	if bus.URL == "" {
		bus.URL = "nats://localhost:4222"
	}
	if bus.Subject == "" {
		bus.Subject = "raspberrypi.system_health"
	}
	if bus.PayloadEncoding == "" {
		bus.PayloadEncoding = EncodingStrict
	}
	if bus.ReconnectWait <= 0 {
		bus.ReconnectWait = 2 * time.Second
	}
	if bus.MaxReconnects == 0 {
		bus.MaxReconnects = -1
	}
	if bus.Buffer <= 0 {
		bus.Buffer = 256
	}

	if cfg.Publisher.Interval <= 0 {
		cfg.Publisher.Interval = 10 * time.Minute
	}
	if cfg.Publisher.ThermalZone == "" {
		cfg.Publisher.ThermalZone = "/sys/class/thermal/thermal_zone0/temp"
	}
	if cfg.Publisher.DiskPath == "" {
		cfg.Publisher.DiskPath = "/"
	}

	if cfg.DeadLetter.S3.Prefix == "" {
		cfg.DeadLetter.S3.Prefix = "dead-letter"
	}

	if cfg.Metrics.ReportInterval <= 0 {
		cfg.Metrics.ReportInterval = 30 * time.Second
	}
	if cfg.Metrics.CloudWatch.Namespace == "" {
		cfg.Metrics.CloudWatch.Namespace = "PriceRelay"
	}

	if cfg.Status.Address == "" {
		cfg.Status.Address = ":8080"
	}
	if cfg.Status.History <= 0 {
		cfg.Status.History = 200
	}
}

// uniqueTiers trims tier keys and drops blanks and repeats, keeping the
// first occurrence. Each tier becomes one subscription request per connect.
func uniqueTiers(tiers []string) []string {
	seen := make(map[string]struct{}, len(tiers))
	out := make([]string, 0, len(tiers))
	for _, tier := range tiers {
		tier = strings.TrimSpace(tier)
		if tier == "" {
			continue
		}
		if _, dup := seen[tier]; dup {
			continue
		}
		seen[tier] = struct{}{}
		out = append(out, tier)
	}
	return out
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("RELAY_UPSTREAM_URL")); v != "" {
		cfg.Upstream.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("NATS_URL")); v != "" {
		cfg.Bus.URL = v
	}

	for i := range cfg.Sinks {
		s := &cfg.Sinks[i]
		if s.URLEnv != "" {
			if v := strings.TrimSpace(os.Getenv(s.URLEnv)); v != "" {
				s.URL = v
			}
		}
		if s.TokenEnv != "" {
			if v := strings.TrimSpace(os.Getenv(s.TokenEnv)); v != "" {
				s.AuthToken = v
			}
		}
	}
	if len(cfg.Sinks) > 0 {
		if v := strings.TrimSpace(os.Getenv("RELAY_SINK_URL")); v != "" {
			cfg.Sinks[0].URL = v
		}
		if v := strings.TrimSpace(os.Getenv("RELAY_SINK_TOKEN")); v != "" {
			cfg.Sinks[0].AuthToken = v
		}
	}

	// Override S3 settings from environment variables if available
	if cfg.DeadLetter.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.DeadLetter.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.DeadLetter.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" && cfg.DeadLetter.S3.Region == "" {
			cfg.DeadLetter.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			cfg.DeadLetter.S3.Bucket = strings.TrimSpace(v)
		}
	}
	cfg.DeadLetter.S3.Bucket = strings.TrimSpace(cfg.DeadLetter.S3.Bucket)
}

func validateConfig(cfg *Config) error {
	if !cfg.Upstream.Enabled && !cfg.Bus.Enabled {
		return fmt.Errorf("at least one of upstream.enabled or bus.enabled must be true")
	}

	if cfg.Upstream.Enabled {
		if err := validateWSURL(cfg.Upstream.URL); err != nil {
			return fmt.Errorf("upstream.url: %w", err)
		}
		if len(cfg.Upstream.Topics) == 0 {
			return fmt.Errorf("upstream.topics must not be empty")
		}
		for _, id := range cfg.Upstream.Topics {
			if id <= 0 {
				return fmt.Errorf("upstream.topics contains invalid id %d", id)
			}
		}
		if cfg.Upstream.Backoff.Max < cfg.Upstream.Backoff.Min {
			return fmt.Errorf("upstream.backoff.max must be >= upstream.backoff.min")
		}
		if countSinks(cfg, SourceMarket) == 0 {
			return fmt.Errorf("at least one sink with source %q is required when upstream is enabled", SourceMarket)
		}
	}

	switch cfg.Forwarder.Mode {
	case ModePolling, ModeStreaming:
	default:
		return fmt.Errorf("forwarder.mode '%s' is invalid", cfg.Forwarder.Mode)
	}

	names := make(map[string]struct{}, len(cfg.Sinks))
	for _, s := range cfg.Sinks {
		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("sink name '%s' is duplicated", s.Name)
		}
		names[s.Name] = struct{}{}

		if err := validateHTTPURL(s.URL); err != nil {
			return fmt.Errorf("sinks[%s].url: %w", s.Name, err)
		}
		switch s.Source {
		case SourceMarket, SourceBus:
		default:
			return fmt.Errorf("sinks[%s].source '%s' is invalid", s.Name, s.Source)
		}
		switch s.Shape {
		case ShapeFlat, ShapeProperties, ShapeRaw:
		default:
			return fmt.Errorf("sinks[%s].shape '%s' is invalid", s.Name, s.Shape)
		}
		if s.Source == SourceBus && s.Shape != ShapeRaw {
			return fmt.Errorf("sinks[%s]: bus sinks only support shape '%s'", s.Name, ShapeRaw)
		}
		if s.Source == SourceMarket && s.Shape == ShapeRaw {
			return fmt.Errorf("sinks[%s]: market sinks need shape '%s' or '%s'", s.Name, ShapeFlat, ShapeProperties)
		}
		if s.Retry.MaxAttempts < 0 {
			return fmt.Errorf("sinks[%s].retry.max_attempts must not be negative", s.Name)
		}
	}

	if cfg.Bus.Enabled {
		if cfg.Bus.Subject == "" {
			return fmt.Errorf("bus.subject is required when bus is enabled")
		}
		switch cfg.Bus.PayloadEncoding {
		case EncodingStrict, EncodingLegacySingleQuote:
		default:
			return fmt.Errorf("bus.payload_encoding '%s' is invalid", cfg.Bus.PayloadEncoding)
		}
		if countSinks(cfg, SourceBus) == 0 {
			return fmt.Errorf("at least one sink with source %q is required when bus is enabled", SourceBus)
		}
	}

	if cfg.DeadLetter.S3.Enabled {
		if cfg.DeadLetter.S3.Bucket == "" {
			return fmt.Errorf("dead_letter.s3.bucket is required when S3 is enabled")
		}
		if cfg.DeadLetter.S3.Region == "" {
			return fmt.Errorf("dead_letter.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.DeadLetter.S3.Bucket) {
			return fmt.Errorf("dead_letter.s3.bucket '%s' is invalid", cfg.DeadLetter.S3.Bucket)
		}
	}

	return nil
}

// SinksFor returns the sinks fed by the given source, in declaration order.
func (c *Config) SinksFor(source string) []SinkConfig {
	out := make([]SinkConfig, 0, len(c.Sinks))
	for _, s := range c.Sinks {
		if s.Source == source {
			out = append(out, s)
		}
	}
	return out
}

func countSinks(cfg *Config, source string) int {
	return len(cfg.SinksFor(source))
}

func validateWSURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("scheme must be ws or wss, got '%s'", u.Scheme)
	}
	return nil
}

func validateHTTPURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got '%s'", u.Scheme)
	}
	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
