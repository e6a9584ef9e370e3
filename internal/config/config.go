// Package config loads Trebuchet's runtime tunables — transport timeouts,
// stream-buffer limits, rate-limit/JWT/validation parameters, protocol
// version range — from a layered file+env source consumed by the server
// command before the fx app is constructed.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// TransportConfig tunes the framed stream transport.
type TransportConfig struct {
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	WorkerThreads int          `mapstructure:"worker_threads"`
}

// StreamBufferConfig tunes the server-side per-stream ring buffer.
type StreamBufferConfig struct {
	MaxBufferSize int           `mapstructure:"max_buffer_size"`
	TTL           time.Duration `mapstructure:"ttl"`
}

// RateLimitConfig selects and tunes one of the two limiter algorithms.
// Algorithm is "token-bucket" or "sliding-window".
type RateLimitConfig struct {
	Algorithm           string        `mapstructure:"algorithm"`
	RequestsPerSecond   float64       `mapstructure:"requests_per_second"`
	BurstSize           int           `mapstructure:"burst_size"`
	Limit               int           `mapstructure:"limit"`
	WindowSeconds        time.Duration `mapstructure:"window_seconds"`
	CleanupInterval      time.Duration `mapstructure:"cleanup_interval"`
}

// ValidationConfig tunes the Validation middleware stage.
type ValidationConfig struct {
	MaxPayloadBytes    int `mapstructure:"max_payload_bytes"`
	MaxMetadataEntries int `mapstructure:"max_metadata_entries"`
	MaxIdentifierLen   int `mapstructure:"max_identifier_length"`
}

// JWTConfig tunes the Authentication middleware stage.
// SigningKey selects {hs256, rs256, es256, none}. KeyFile names the actual
// key material: a raw secret for hs256, a PEM-encoded public key for
// rs256/es256 — supplied out of band (secret mount, env var override via
// TREBUCHET_JWT_KEY_FILE) rather than inline in this config.
type JWTConfig struct {
	Issuer                 string        `mapstructure:"issuer"`
	Audience               string        `mapstructure:"audience"`
	SigningKey             string        `mapstructure:"signing_key"`
	KeyFile                string        `mapstructure:"key_file"`
	ClockSkew              time.Duration `mapstructure:"clock_skew"`
	MaxAge                 time.Duration `mapstructure:"max_age"`
	EnableReplayProtection bool          `mapstructure:"enable_replay_protection"`
	JTICacheTTL            time.Duration `mapstructure:"jti_cache_ttl"`
}

// RBACRule is one authorization policy entry: principals holding Role may
// invoke methods matching Method on actors matching ActorType. "*" is a
// wildcard; "prefix*" and "*suffix" forms apply to both patterns.
type RBACRule struct {
	Role      string `mapstructure:"role"`
	ActorType string `mapstructure:"actor_type"`
	Method    string `mapstructure:"method"`
}

// AuthorizationConfig carries the RBAC rule set evaluated after
// authentication. An empty rule set leaves the Authorization stage unwired
// (an authenticate-only deployment); with rules present, a request no rule
// permits is rejected.
type AuthorizationConfig struct {
	Rules []RBACRule `mapstructure:"rules"`
}

// ProtocolConfig declares this node's supported envelope protocol range.
type ProtocolConfig struct {
	MinVersion uint `mapstructure:"min_version"`
	MaxVersion uint `mapstructure:"max_version"`
}

// ChangeFeedConfig selects the change-feed broker: an empty AMQPURL keeps
// the in-process pubsub, a RabbitMQ URL fans state changes out across
// instances.
type ChangeFeedConfig struct {
	AMQPURL string `mapstructure:"amqp_url"`
}

// Config is the fully loaded runtime configuration. Load decodes values
// into it without checking ranges or consistency.
type Config struct {
	ListenAddr              string             `mapstructure:"listen_addr"`
	AdminAddr               string             `mapstructure:"admin_addr"`
	LogLevel                string             `mapstructure:"log_level"`
	StatePath               string             `mapstructure:"state_path"`
	ConnectionStorageTTL    time.Duration      `mapstructure:"connection_storage_ttl"`
	DrainDeadline           time.Duration      `mapstructure:"drain_deadline"`

	Transport     TransportConfig     `mapstructure:"transport"`
	StreamBuffer  StreamBufferConfig  `mapstructure:"stream_buffer"`
	RateLimit     RateLimitConfig     `mapstructure:"rate_limit"`
	Validation    ValidationConfig    `mapstructure:"validation"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Authorization AuthorizationConfig `mapstructure:"authorization"`
	Protocol      ProtocolConfig      `mapstructure:"protocol"`
	ChangeFeed    ChangeFeedConfig    `mapstructure:"change_feed"`
}

// defaults seeds every tunable with its documented default.
func defaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":7070")
	v.SetDefault("admin_addr", ":7071")
	v.SetDefault("log_level", "info")
	v.SetDefault("state_path", ":memory:")
	v.SetDefault("connection_storage_ttl", 86400*time.Second)
	v.SetDefault("drain_deadline", 30*time.Second)

	v.SetDefault("transport.idle_timeout", 300*time.Second)
	v.SetDefault("transport.write_timeout", 30*time.Second)
	v.SetDefault("transport.worker_threads", 4)

	v.SetDefault("stream_buffer.max_buffer_size", 100)
	v.SetDefault("stream_buffer.ttl", 300*time.Second)

	v.SetDefault("rate_limit.algorithm", "token-bucket")
	v.SetDefault("rate_limit.requests_per_second", 50.0)
	v.SetDefault("rate_limit.burst_size", 100)
	v.SetDefault("rate_limit.limit", 100)
	v.SetDefault("rate_limit.window_seconds", 60*time.Second)
	v.SetDefault("rate_limit.cleanup_interval", 5*time.Minute)

	v.SetDefault("validation.max_payload_bytes", 1<<20)
	v.SetDefault("validation.max_metadata_entries", 64)
	v.SetDefault("validation.max_identifier_length", 256)

	v.SetDefault("jwt.signing_key", "none")
	v.SetDefault("jwt.key_file", "")
	v.SetDefault("jwt.clock_skew", 60*time.Second)
	v.SetDefault("jwt.enable_replay_protection", true)
	v.SetDefault("jwt.jti_cache_ttl", 3600*time.Second)

	v.SetDefault("protocol.min_version", 1)
	v.SetDefault("protocol.max_version", 1)

	v.SetDefault("change_feed.amqp_url", "")
}

// Load reads configuration from path (if non-empty) layered under
// environment variables prefixed TREBUCHET_ (e.g. TREBUCHET_LISTEN_ADDR);
// env always overrides file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("TREBUCHET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
