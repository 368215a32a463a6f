package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LoadConfig reads configFile (optional) and layers environment variables on
// top of it. An empty configFile loads defaults plus environment only.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindEnvVariables(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvOverrides(v, &cfg)

	if err := ValidateStatic(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)

	v.SetDefault("database.redis.host", "localhost")
	v.SetDefault("database.redis.port", 6379)
	v.SetDefault("database.redis.pool_size", 20)

	v.SetDefault("bus.backend", "redis")
	v.SetDefault("bus.prefix", "pulse")
	v.SetDefault("bus.batch_size", 50)
	v.SetDefault("bus.block_timeout", 2*time.Second)
	v.SetDefault("bus.idempotency_ttl", time.Hour)
	v.SetDefault("bus.claim_interval", 30*time.Second)
	v.SetDefault("bus.claim_min_idle", time.Minute)
	v.SetDefault("bus.health_refresh_interval", 5*time.Second)
	v.SetDefault("bus.retry.max_attempts", 3)
	v.SetDefault("bus.retry.initial_interval", 100*time.Millisecond)
	v.SetDefault("bus.retry.max_interval", 2*time.Second)
	v.SetDefault("bus.retry.multiplier", 2.0)
	v.SetDefault("bus.retry.max_elapsed_time", 30*time.Second)

	v.SetDefault("broadcast.group", "broadcast")
	v.SetDefault("broadcast.patterns", []string{"trading.*", "gamification.*"})
	v.SetDefault("broadcast.sweep_interval", 30*time.Second)
	v.SetDefault("broadcast.stale_after", 120*time.Second)
	v.SetDefault("broadcast.send_timeout", 5*time.Second)
	v.SetDefault("broadcast.snapshot_size", 10)
	v.SetDefault("broadcast.max_detailed_view", 100)
	v.SetDefault("broadcast.default_radius", 5)
	v.SetDefault("broadcast.max_radius", 50)
	v.SetDefault("broadcast.inbound_rps", 10.0)
	v.SetDefault("broadcast.inbound_burst", 20)
	v.SetDefault("broadcast.read_limit_bytes", 4096)

	v.SetDefault("leaderboard.group", "leaderboard")

	v.SetDefault("auth.issuer", "pulse")

	v.SetDefault("broker.type", "none")
	v.SetDefault("broker.kafka.group_id", "pulse-ingress")
	v.SetDefault("broker.kafka.ingress_topic", "pulse.events")
	v.SetDefault("broker.kafka.dlq_topic", "pulse.dead-letters")
	v.SetDefault("broker.kafka.retry.max_attempts", 3)
	v.SetDefault("broker.kafka.retry.initial_interval", time.Second)
	v.SetDefault("broker.kafka.retry.max_interval", 10*time.Second)
	v.SetDefault("broker.kafka.retry.multiplier", 2.0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("admin.rate_limit.enabled", true)
	v.SetDefault("admin.rate_limit.rps", 5.0)
	v.SetDefault("admin.rate_limit.burst", 10)
	v.SetDefault("admin.rate_limit.cleanup_interval", time.Minute)
	v.SetDefault("admin.rate_limit.max_age", 10*time.Minute)

	v.SetDefault("circuit_breaker.enabled", true)
	v.SetDefault("circuit_breaker.max_requests", 3)
	v.SetDefault("circuit_breaker.interval", time.Minute)
	v.SetDefault("circuit_breaker.timeout", 10*time.Second)
	v.SetDefault("circuit_breaker.failure_ratio", 0.6)
	v.SetDefault("circuit_breaker.min_requests", 10)

	v.SetDefault("tracing.service_name", "pulse")
	v.SetDefault("tracing.sampler.type", "always")
}

func bindEnvVariables(v *viper.Viper) {
	_ = v.BindEnv("server.port", "SERVER_PORT")

	_ = v.BindEnv("database.redis.host", "DATABASE_REDIS_HOST")
	_ = v.BindEnv("database.redis.port", "DATABASE_REDIS_PORT")
	_ = v.BindEnv("database.redis.password", "DATABASE_REDIS_PASSWORD")
	_ = v.BindEnv("database.redis.db", "DATABASE_REDIS_DB")

	_ = v.BindEnv("bus.backend", "BUS_BACKEND")
	_ = v.BindEnv("bus.prefix", "BUS_PREFIX")
	_ = v.BindEnv("bus.instance_id", "BUS_INSTANCE_ID", "HOSTNAME")

	_ = v.BindEnv("auth.jwt_secret", "AUTH_JWT_SECRET")

	_ = v.BindEnv("broker.type", "BROKER_TYPE")
	_ = v.BindEnv("broker.kafka.group_id", "BROKER_KAFKA_GROUP_ID")
	_ = v.BindEnv("broker.kafka.ingress_topic", "BROKER_KAFKA_INGRESS_TOPIC")
	_ = v.BindEnv("broker.kafka.dlq_topic", "BROKER_KAFKA_DLQ_TOPIC")

	_ = v.BindEnv("logging.level", "LOGGING_LEVEL")
	_ = v.BindEnv("logging.format", "LOGGING_FORMAT")

	_ = v.BindEnv("tracing.enabled", "TRACING_ENABLED")
	_ = v.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
	_ = v.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
}

func applyEnvOverrides(v *viper.Viper, cfg *Config) {
	if brokersEnv := v.GetString("BROKER_KAFKA_BROKERS"); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		if brokers[0] != "" {
			cfg.Broker.Kafka.Brokers = brokers
		}
	}

	if patterns := v.GetString("BROADCAST_PATTERNS"); patterns != "" {
		cfg.Broadcast.Patterns = strings.Split(patterns, ",")
	}

	if otlpEndpoint := v.GetString("TRACING_OTLP_ENDPOINT"); otlpEndpoint != "" {
		cfg.Tracing.OTLP.Endpoint = otlpEndpoint
	}
}
