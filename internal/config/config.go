package config

import (
	"time"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Bus            BusConfig            `mapstructure:"bus"`
	Broadcast      BroadcastConfig      `mapstructure:"broadcast"`
	Leaderboard    LeaderboardConfig    `mapstructure:"leaderboard"`
	Auth           AuthConfig           `mapstructure:"auth"`
	Broker         BrokerConfig         `mapstructure:"broker"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Admin          AdminConfig          `mapstructure:"admin"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Tracing        TracingConfig        `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Redis RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// BusConfig tunes the stream bus. Backend "memory" keeps everything in
// process and is meant for tests and single-node development.
type BusConfig struct {
	Backend               string        `mapstructure:"backend"`
	Prefix                string        `mapstructure:"prefix"`
	InstanceID            string        `mapstructure:"instance_id"`
	BatchSize             int64         `mapstructure:"batch_size"`
	BlockTimeout          time.Duration `mapstructure:"block_timeout"`
	IdempotencyTTL        time.Duration `mapstructure:"idempotency_ttl"`
	ClaimInterval         time.Duration `mapstructure:"claim_interval"`
	ClaimMinIdle          time.Duration `mapstructure:"claim_min_idle"`
	HealthRefreshInterval time.Duration `mapstructure:"health_refresh_interval"`
	MaxLen                int64         `mapstructure:"max_len"`
	Retry                 RetryConfig   `mapstructure:"retry"`
}

type BroadcastConfig struct {
	Group           string        `mapstructure:"group"`
	Patterns        []string      `mapstructure:"patterns"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	SendTimeout     time.Duration `mapstructure:"send_timeout"`
	SnapshotSize    int           `mapstructure:"snapshot_size"`
	MaxDetailedView int           `mapstructure:"max_detailed_view"`
	DefaultRadius   int           `mapstructure:"default_radius"`
	MaxRadius       int           `mapstructure:"max_radius"`
	InboundRPS      float64       `mapstructure:"inbound_rps"`
	InboundBurst    int           `mapstructure:"inbound_burst"`
	ReadLimitBytes  int64         `mapstructure:"read_limit_bytes"`
}

type LeaderboardConfig struct {
	Group string `mapstructure:"group"`
}

type AuthConfig struct {
	JWTSecret       string `mapstructure:"jwt_secret"`
	Issuer          string `mapstructure:"issuer"`
	Audience        string `mapstructure:"audience"`
	RequireOnAccept bool   `mapstructure:"require_on_accept"`
}

type BrokerConfig struct {
	Type  string      `mapstructure:"type"`
	Kafka KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Brokers      []string    `mapstructure:"brokers"`
	GroupID      string      `mapstructure:"group_id"`
	IngressTopic string      `mapstructure:"ingress_topic"`
	DLQTopic     string      `mapstructure:"dlq_topic"`
	Retry        RetryConfig `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type AdminConfig struct {
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	RPS             float64       `mapstructure:"rps"`
	Burst           int           `mapstructure:"burst"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	MaxAge          time.Duration `mapstructure:"max_age"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
