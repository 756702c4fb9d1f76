package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration of the router. Values are layered:
// built-in defaults, then the YAML file, then environment variables.
type Config struct {
	App       AppConfig       `yaml:"app"`
	HTTP      HTTPConfig      `yaml:"http"`
	Redis     RedisConfig     `yaml:"redis"`
	Frigate   FrigateConfig   `yaml:"frigate"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	VSS       VSSConfig       `yaml:"vss"`
	VLM       VLMConfig       `yaml:"vlm"`
	Rules     RulesConfig     `yaml:"rules"`
	Routing   RoutingConfig   `yaml:"routing"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Status    StatusConfig    `yaml:"status"`
	Bus       BusConfig       `yaml:"bus"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Audit     AuditConfig     `yaml:"audit"`
	Health    HealthConfig    `yaml:"health"`
}

type AppConfig struct {
	Name     string `yaml:"name" env:"APP_NAME"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`
}

type HTTPConfig struct {
	Addr           string        `yaml:"addr" env:"HTTP_ADDR"`
	ReadTimeout    time.Duration `yaml:"read_timeout" env:"HTTP_READ_TIMEOUT"`
	WriteTimeout   time.Duration `yaml:"write_timeout" env:"HTTP_WRITE_TIMEOUT"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"HTTP_REQUEST_TIMEOUT"`
	AllowedOrigins []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST"`
	Port     int    `yaml:"port" env:"REDIS_PORT"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type FrigateConfig struct {
	BaseURL          string        `yaml:"base_url" env:"FRIGATE_BASE_URL"`
	Host             string        `yaml:"host" env:"FRIGATE_IP"`
	Port             int           `yaml:"port" env:"FRIGATE_PORT"`
	RequestTimeout   time.Duration `yaml:"request_timeout" env:"FRIGATE_REQUEST_TIMEOUT"`
	PollEnabled      bool          `yaml:"poll_enabled" env:"FRIGATE_POLL_ENABLED"`
	PollInterval     time.Duration `yaml:"poll_interval" env:"FRIGATE_POLL_INTERVAL"`
	MaxEventsPerPoll int           `yaml:"max_events_per_poll" env:"FRIGATE_MAX_EVENTS_PER_POLL"`
	MaxPages         int           `yaml:"max_pages" env:"FRIGATE_MAX_PAGES"`
	Lookback         time.Duration `yaml:"lookback" env:"FRIGATE_LOOKBACK"`
	Backoff          time.Duration `yaml:"backoff" env:"FRIGATE_BACKOFF"`
	DedupSize        int           `yaml:"dedup_size" env:"FRIGATE_DEDUP_SIZE"`
	DedupTTL         time.Duration `yaml:"dedup_ttl" env:"FRIGATE_DEDUP_TTL"`
}

// URL returns the Frigate API root. An explicit base URL wins over host/port.
func (c FrigateConfig) URL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled" env:"MQTT_ENABLED"`
	Broker   string `yaml:"broker" env:"MQTT_BROKER"`
	Port     int    `yaml:"port" env:"MQTT_PORT"`
	User     string `yaml:"user" env:"MQTT_USER"`
	Password string `yaml:"password" env:"MQTT_PASSWORD"`
	Topic    string `yaml:"topic" env:"MQTT_TOPIC"`
	ClientID string `yaml:"client_id" env:"MQTT_CLIENT_ID"`
}

func (c MQTTConfig) URL() string {
	return fmt.Sprintf("tcp://%s:%d", c.Broker, c.Port)
}

type VSSConfig struct {
	SearchHost     string        `yaml:"search_host" env:"VSS_SEARCH_IP"`
	SearchPort     int           `yaml:"search_port" env:"VSS_SEARCH_PORT"`
	SummaryHost    string        `yaml:"summary_host" env:"VSS_SUMMARY_IP"`
	SummaryPort    int           `yaml:"summary_port" env:"VSS_SUMMARY_PORT"`
	ChunkDuration  int           `yaml:"chunk_duration" env:"VSS_CHUNK_DURATION"`
	SamplingFrame  int           `yaml:"sampling_frame" env:"VSS_SAMPLING_FRAME"`
	EvamPipeline   string        `yaml:"evam_pipeline" env:"VSS_EVAM_PIPELINE"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"VSS_REQUEST_TIMEOUT"`
}

func (c VSSConfig) SearchURL() string {
	return fmt.Sprintf("http://%s:%d", c.SearchHost, c.SearchPort)
}

func (c VSSConfig) SummaryURL() string {
	return fmt.Sprintf("http://%s:%d", c.SummaryHost, c.SummaryPort)
}

type VLMConfig struct {
	Host string `yaml:"host" env:"VLM_SERVING_IP"`
	Port int    `yaml:"port" env:"VLM_SERVING_PORT"`
}

func (c VLMConfig) URL() string {
	return fmt.Sprintf("http://%s:%d/v1", c.Host, c.Port)
}

type RulesConfig struct {
	SeedFile     string        `yaml:"seed_file" env:"RULES_SEED_FILE"`
	PollInterval time.Duration `yaml:"poll_interval" env:"RULES_POLL_INTERVAL"`
}

type RoutingConfig struct {
	// Location used for time-of-day windows that do not name their own zone.
	Timezone string `yaml:"timezone" env:"ROUTING_TIMEZONE"`
}

type DispatchConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" env:"DISPATCH_MAX_ATTEMPTS"`
	BaseBackoff    time.Duration `yaml:"base_backoff" env:"DISPATCH_BASE_BACKOFF"`
	MaxBackoff     time.Duration `yaml:"max_backoff" env:"DISPATCH_MAX_BACKOFF"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" env:"DISPATCH_ATTEMPT_TIMEOUT"`
	MaxInflight    int           `yaml:"max_inflight" env:"DISPATCH_MAX_INFLIGHT"`
}

type PipelineConfig struct {
	Workers        int           `yaml:"workers" env:"PIPELINE_WORKERS"`
	QueueSize      int           `yaml:"queue_size" env:"PIPELINE_QUEUE_SIZE"`
	ResumeLimit    int           `yaml:"resume_limit" env:"PIPELINE_RESUME_LIMIT"`
	EventRetention time.Duration `yaml:"event_retention" env:"PIPELINE_EVENT_RETENTION"`
}

type StatusConfig struct {
	CacheSize int           `yaml:"cache_size" env:"STATUS_CACHE_SIZE"`
	CacheTTL  time.Duration `yaml:"cache_ttl" env:"STATUS_CACHE_TTL"`
}

type BusConfig struct {
	// Kind selects the decision publisher: "nats", "kafka" or "none".
	Kind            string   `yaml:"kind" env:"BUS_KIND"`
	NATSURL         string   `yaml:"nats_url" env:"NATS_URL"`
	KafkaBrokers    []string `yaml:"kafka_brokers" env:"KAFKA_BROKERS" envSeparator:","`
	DecisionSubject string   `yaml:"decision_subject" env:"BUS_DECISION_SUBJECT"`
	AttemptSubject  string   `yaml:"attempt_subject" env:"BUS_ATTEMPT_SUBJECT"`
	MaxRetries      int      `yaml:"max_retries" env:"BUS_MAX_RETRIES"`
	Compression     string   `yaml:"compression" env:"KAFKA_COMPRESSION_CODEC"`
}

type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ARCHIVE_ENABLED"`
	Endpoint  string `yaml:"endpoint" env:"STORAGE_ENDPOINT"`
	Region    string `yaml:"region" env:"STORAGE_REGION"`
	Bucket    string `yaml:"bucket" env:"STORAGE_BUCKET"`
	AccessKey string `yaml:"access_key" env:"STORAGE_ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"STORAGE_SECRET_KEY"`
	UseSSL    bool   `yaml:"use_ssl" env:"STORAGE_USE_SSL"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure    bool    `yaml:"insecure" env:"OTEL_EXPORTER_OTLP_INSECURE"`
	SampleRatio float64 `yaml:"sample_ratio" env:"OTEL_TRACES_SAMPLER_RATIO"`
}

type AuthConfig struct {
	// SigningKey enables bearer auth on mutating routes when set.
	SigningKey string `yaml:"signing_key" env:"JWT_SIGNING_KEY"`
}

type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	Rate    int           `yaml:"rate" env:"RATE_LIMIT_RATE"`
	Window  time.Duration `yaml:"window" env:"RATE_LIMIT_WINDOW"`
	Salt    string        `yaml:"salt" env:"RATE_LIMIT_SALT"`
}

type AuditConfig struct {
	Capacity       int           `yaml:"capacity" env:"AUDIT_CAPACITY"`
	SpoolDir       string        `yaml:"spool_dir" env:"AUDIT_SPOOL_DIR"`
	SpoolMaxMB     int64         `yaml:"spool_max_mb" env:"AUDIT_SPOOL_MAX_MB"`
	ReplayInterval time.Duration `yaml:"replay_interval" env:"AUDIT_REPLAY_INTERVAL"`
}

type HealthConfig struct {
	Interval     time.Duration `yaml:"interval" env:"HEALTH_INTERVAL"`
	ProbeTimeout time.Duration `yaml:"probe_timeout" env:"HEALTH_PROBE_TIMEOUT"`
	AlertAfter   time.Duration `yaml:"alert_after" env:"HEALTH_ALERT_AFTER"`
}

// Default returns the configuration used when neither file nor environment
// override a value. Host names match the compose service names.
func Default() *Config {
	return &Config{
		App: AppConfig{Name: "nvr-router", LogLevel: "info"},
		HTTP: HTTPConfig{
			Addr:           ":8000",
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   60 * time.Second,
			RequestTimeout: 30 * time.Second,
			AllowedOrigins: []string{"*"},
		},
		Redis: RedisConfig{Host: "redis", Port: 6379},
		Frigate: FrigateConfig{
			Host:             "frigate",
			Port:             5000,
			RequestTimeout:   10 * time.Second,
			PollEnabled:      true,
			PollInterval:     10 * time.Second,
			MaxEventsPerPoll: 100,
			MaxPages:         10,
			Lookback:         time.Hour,
			Backoff:          30 * time.Second,
			DedupSize:        10000,
			DedupTTL:         10 * time.Minute,
		},
		MQTT: MQTTConfig{
			Enabled:  true,
			Broker:   "mqtt-broker",
			Port:     1884,
			Topic:    "frigate/events",
			ClientID: "nvr-router",
		},
		VSS: VSSConfig{
			SearchHost:     "vss-search",
			SearchPort:     12345,
			SummaryHost:    "vss-summary",
			SummaryPort:    12345,
			ChunkDuration:  8,
			SamplingFrame:  3,
			EvamPipeline:   "object_detection",
			RequestTimeout: 30 * time.Second,
		},
		VLM:     VLMConfig{Host: "vlm-serving", Port: 9766},
		Rules:   RulesConfig{PollInterval: 60 * time.Second},
		Routing: RoutingConfig{Timezone: "UTC"},
		Dispatch: DispatchConfig{
			MaxAttempts:    3,
			BaseBackoff:    500 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			AttemptTimeout: 30 * time.Second,
			MaxInflight:    8,
		},
		Pipeline: PipelineConfig{Workers: 4, QueueSize: 256, ResumeLimit: 1000, EventRetention: 7 * 24 * time.Hour},
		Status:   StatusConfig{CacheSize: 4096, CacheTTL: time.Second},
		Bus: BusConfig{
			Kind:            "none",
			NATSURL:         "nats://nats:4222",
			DecisionSubject: "router.decisions",
			AttemptSubject:  "router.attempts",
			MaxRetries:      3,
			Compression:     "snappy",
		},
		Archive: ArchiveConfig{Bucket: "nvr-clips", Region: "us-east-1"},
		Tracing: TracingConfig{Insecure: true, SampleRatio: 1.0},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Rate:    100,
			Window:  time.Second,
		},
		Audit: AuditConfig{
			Capacity:       10000,
			SpoolDir:       "/var/lib/nvr-router/audit_spool",
			SpoolMaxMB:     64,
			ReplayInterval: 30 * time.Second,
		},
		Health: HealthConfig{
			Interval:     30 * time.Second,
			ProbeTimeout: 5 * time.Second,
			AlertAfter:   5 * time.Minute,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at path
// and the process environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the router cannot run with.
func (c *Config) Validate() error {
	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be >= 1, got %d", c.Dispatch.MaxAttempts)
	}
	if c.Dispatch.MaxInflight < 1 {
		return fmt.Errorf("dispatch.max_inflight must be >= 1, got %d", c.Dispatch.MaxInflight)
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be >= 1, got %d", c.Pipeline.Workers)
	}
	if _, err := time.LoadLocation(c.Routing.Timezone); err != nil {
		return fmt.Errorf("routing.timezone: %w", err)
	}
	switch c.Bus.Kind {
	case "none", "nats", "kafka":
	default:
		return fmt.Errorf("bus.kind must be one of none, nats, kafka, got %q", c.Bus.Kind)
	}
	return nil
}
