package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "github.com/acme/outbound-ivr-call/pkg/errors"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Voice         VoiceConfig         `mapstructure:"voice"`
	IVR           IVRConfig           `mapstructure:"ivr"`
	Stream        StreamConfig        `mapstructure:"stream"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Lock          LockConfig          `mapstructure:"lock"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	StaticDir       string        `mapstructure:"static_dir"`
	PublicURL       string        `mapstructure:"public_url"`
	TLS             TLSConfig     `mapstructure:"tls"`
}

type TLSConfig struct {
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// Enabled reports whether both certificate and key are configured.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// VoiceConfig describes the voice provider endpoint and credentials.
type VoiceConfig struct {
	Provider       string        `mapstructure:"provider"`
	Scheme         string        `mapstructure:"scheme"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	BasePath       string        `mapstructure:"base_path"`
	AppID          string        `mapstructure:"app_id"`
	AppKey         string        `mapstructure:"app_key"`
	AppName        string        `mapstructure:"app_name"`
	OwnerRef       string        `mapstructure:"owner_ref"`
	Language       string        `mapstructure:"language"`
	EventURL       string        `mapstructure:"event_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MockLatency    time.Duration `mapstructure:"mock_latency"`
}

// IVRConfig holds the default prompts of the scripted call.
type IVRConfig struct {
	PlayText    string        `mapstructure:"play_text"`
	PlayVoice   string        `mapstructure:"play_voice"`
	MenuText    string        `mapstructure:"menu_text"`
	HangupDelay time.Duration `mapstructure:"hangup_delay"`
}

type StreamConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	KeepAlive     time.Duration `mapstructure:"keep_alive"`
	QueueCapacity int           `mapstructure:"queue_capacity"`
}

type NotificationsConfig struct {
	Backend string `mapstructure:"backend"`
	Key     string `mapstructure:"key"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

// Enabled reports whether a Redis address is configured.
func (r RedisConfig) Enabled() bool {
	return r.Address != ""
}

type KafkaConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Brokers           []string      `mapstructure:"brokers"`
	ClientID          string        `mapstructure:"client_id"`
	EventTopic        string        `mapstructure:"event_topic"`
	Partitions        int           `mapstructure:"partitions"`
	ReplicationFactor int           `mapstructure:"replication_factor"`
	ConsumerGroupID   string        `mapstructure:"consumer_group_id"`
	CommitInterval    time.Duration `mapstructure:"commit_interval"`
}

type LockConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Key     string        `mapstructure:"key"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type TelemetryConfig struct {
	Endpoint       string  `mapstructure:"endpoint"`
	ServiceVersion string  `mapstructure:"service_version"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("IVR")
	v.SetEnvKeyReplacer(NewEnvReplacer())

	// Legacy variable names still set by existing deployments.
	_ = v.BindEnv("voice.app_id", "IVR_VOICE_APP_ID", "ENABLEX_APP_ID")
	_ = v.BindEnv("voice.app_key", "IVR_VOICE_APP_KEY", "ENABLEX_APP_KEY")
	_ = v.BindEnv("http.port", "IVR_HTTP_PORT", "SERVICE_PORT")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "outbound-ivr-call")
	v.SetDefault("app.env", "development")
	v.SetDefault("http.port", 3000)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("http.static_dir", "client")
	v.SetDefault("voice.provider", "enablex")
	v.SetDefault("voice.scheme", "https")
	v.SetDefault("voice.host", "api.enablex.io")
	v.SetDefault("voice.port", 443)
	v.SetDefault("voice.base_path", "/voice/v1/call")
	v.SetDefault("voice.app_name", "TEST_APP")
	v.SetDefault("voice.owner_ref", "XYZ")
	v.SetDefault("voice.language", "en-US")
	v.SetDefault("voice.request_timeout", 10*time.Second)
	v.SetDefault("voice.mock_latency", 50*time.Millisecond)
	v.SetDefault("ivr.play_voice", "female")
	v.SetDefault("ivr.hangup_delay", 10*time.Second)
	v.SetDefault("stream.poll_interval", 100*time.Millisecond)
	v.SetDefault("stream.queue_capacity", 256)
	v.SetDefault("stream.keep_alive", 15*time.Second)
	v.SetDefault("notifications.backend", "memory")
	v.SetDefault("notifications.key", "outbound:ivr:notifications")
	v.SetDefault("lock.key", "outbound:ivr:active-call")
	v.SetDefault("lock.ttl", 5*time.Minute)
	v.SetDefault("kafka.event_topic", "ivr.call-events")
	v.SetDefault("kafka.partitions", 1)
	v.SetDefault("kafka.replication_factor", 1)
	v.SetDefault("kafka.consumer_group_id", "outbound-ivr-audit")
	v.SetDefault("kafka.commit_interval", time.Second)
}

// Validate checks required settings and fills defaults that depend on other fields.
func (c *Config) Validate() error {
	var problems []string

	if c.HTTP.Port <= 0 {
		problems = append(problems, "http.port must be positive")
	}

	switch c.Voice.Provider {
	case "", "enablex":
		c.Voice.Provider = "enablex"
		if c.Voice.AppID == "" || c.Voice.AppKey == "" {
			problems = append(problems, "voice.app_id and voice.app_key are required (ENABLEX_APP_ID, ENABLEX_APP_KEY)")
		}
		if c.Voice.Host == "" {
			problems = append(problems, "voice.host is required")
		}
	case "mock":
	default:
		problems = append(problems, fmt.Sprintf("voice.provider %q is not supported", c.Voice.Provider))
	}

	switch c.Notifications.Backend {
	case "", "memory":
		c.Notifications.Backend = "memory"
	case "redis":
		if !c.Redis.Enabled() {
			problems = append(problems, "notifications.backend redis requires redis.address")
		}
	default:
		problems = append(problems, fmt.Sprintf("notifications.backend %q is not supported", c.Notifications.Backend))
	}

	if c.Lock.Enabled && !c.Redis.Enabled() {
		problems = append(problems, "lock.enabled requires redis.address")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		problems = append(problems, "kafka.enabled requires kafka.brokers")
	}

	if c.IVR.PlayVoice == "" {
		c.IVR.PlayVoice = "female"
	}
	if c.IVR.HangupDelay <= 0 {
		c.IVR.HangupDelay = 10 * time.Second
	}
	if c.Stream.PollInterval <= 0 {
		c.Stream.PollInterval = 100 * time.Millisecond
	}
	if c.Stream.KeepAlive <= 0 {
		c.Stream.KeepAlive = 15 * time.Second
	}
	if c.Stream.QueueCapacity <= 0 {
		c.Stream.QueueCapacity = 256
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		c.HTTP.ShutdownTimeout = 10 * time.Second
	}
	if c.Voice.RequestTimeout <= 0 {
		c.Voice.RequestTimeout = 10 * time.Second
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: config: %s", apperrors.ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// EventURL returns the public webhook address handed to the provider.
func (c *Config) EventURL() string {
	if c.Voice.EventURL != "" {
		return c.Voice.EventURL
	}
	if c.HTTP.PublicURL == "" {
		return ""
	}
	return strings.TrimRight(c.HTTP.PublicURL, "/") + "/event"
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}
