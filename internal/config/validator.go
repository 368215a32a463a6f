package config

import (
	"errors"
	"fmt"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateStatic(cfg *Config) error {
	var errs []error

	for _, check := range []func(*Config) error{
		validateServer,
		validateRedis,
		validateBus,
		validateBroadcast,
		validateAuth,
		validateBroker,
		validateCircuitBreaker,
	} {
		if err := check(cfg); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %w", errors.Join(errs...))
	}
	return nil
}

func validatePort(field string, port int) error {
	if port < 1 || port > 65535 {
		return &ValidationError{Field: field, Message: fmt.Sprintf("port must be between 1 and 65535, got %d", port)}
	}
	return nil
}

func validateServer(cfg *Config) error {
	if err := validatePort("server.port", cfg.Server.Port); err != nil {
		return err
	}
	if cfg.Server.ReadTimeout <= 0 {
		return &ValidationError{Field: "server.read_timeout", Message: "read timeout must be positive"}
	}
	if cfg.Server.WriteTimeout <= 0 {
		return &ValidationError{Field: "server.write_timeout", Message: "write timeout must be positive"}
	}
	return nil
}

func validateRedis(cfg *Config) error {
	if cfg.Bus.Backend != "redis" {
		return nil
	}
	if cfg.Database.Redis.Host == "" {
		return &ValidationError{Field: "database.redis.host", Message: "Redis host is required for the redis bus backend"}
	}
	return validatePort("database.redis.port", cfg.Database.Redis.Port)
}

func validateBus(cfg *Config) error {
	bus := cfg.Bus
	switch bus.Backend {
	case "redis", "memory":
	default:
		return &ValidationError{Field: "bus.backend", Message: fmt.Sprintf("unknown bus backend: %s (supported: redis, memory)", bus.Backend)}
	}
	if bus.Prefix == "" {
		return &ValidationError{Field: "bus.prefix", Message: "key prefix is required"}
	}
	if bus.BatchSize <= 0 {
		return &ValidationError{Field: "bus.batch_size", Message: "batch size must be positive"}
	}
	if bus.BlockTimeout <= 0 {
		return &ValidationError{Field: "bus.block_timeout", Message: "block timeout must be positive"}
	}
	if bus.IdempotencyTTL <= 0 {
		return &ValidationError{Field: "bus.idempotency_ttl", Message: "idempotency ttl must be positive"}
	}
	return validateRetry("bus.retry", bus.Retry)
}

func validateRetry(prefix string, cfg RetryConfig) error {
	if cfg.MaxAttempts < 1 {
		return &ValidationError{Field: prefix + ".max_attempts", Message: "max_attempts must be at least 1"}
	}
	if cfg.InitialInterval < 0 || cfg.MaxInterval < 0 {
		return &ValidationError{Field: prefix + ".initial_interval", Message: "intervals must be non-negative"}
	}
	if cfg.MaxInterval > 0 && cfg.InitialInterval > 0 && cfg.MaxInterval < cfg.InitialInterval {
		return &ValidationError{Field: prefix + ".max_interval", Message: "max_interval must be greater than or equal to initial_interval"}
	}
	if cfg.Multiplier <= 0 {
		return &ValidationError{Field: prefix + ".multiplier", Message: "multiplier must be positive"}
	}
	return nil
}

func validateBroadcast(cfg *Config) error {
	b := cfg.Broadcast
	if b.Group == "" {
		return &ValidationError{Field: "broadcast.group", Message: "consumer group is required"}
	}
	if b.SweepInterval <= 0 {
		return &ValidationError{Field: "broadcast.sweep_interval", Message: "sweep interval must be positive"}
	}
	if b.StaleAfter <= b.SweepInterval {
		return &ValidationError{Field: "broadcast.stale_after", Message: "stale threshold must exceed the sweep interval"}
	}
	if b.SendTimeout <= 0 {
		return &ValidationError{Field: "broadcast.send_timeout", Message: "send timeout must be positive"}
	}
	if b.MaxDetailedView <= 0 {
		return &ValidationError{Field: "broadcast.max_detailed_view", Message: "max detailed view must be positive"}
	}
	if b.DefaultRadius < 0 || b.MaxRadius < b.DefaultRadius {
		return &ValidationError{Field: "broadcast.max_radius", Message: "max radius must be at least the default radius"}
	}
	return nil
}

func validateAuth(cfg *Config) error {
	if cfg.Auth.RequireOnAccept && cfg.Auth.JWTSecret == "" {
		return &ValidationError{Field: "auth.jwt_secret", Message: "a signing secret is required when authentication is enforced"}
	}
	return nil
}

func validateBroker(cfg *Config) error {
	switch cfg.Broker.Type {
	case "", "none":
		return nil
	case "kafka":
	default:
		return &ValidationError{Field: "broker.type", Message: fmt.Sprintf("unknown broker type: %s (supported: none, kafka)", cfg.Broker.Type)}
	}

	k := cfg.Broker.Kafka
	if len(k.Brokers) == 0 {
		return &ValidationError{Field: "broker.kafka.brokers", Message: "at least one Kafka broker is required"}
	}
	for i, broker := range k.Brokers {
		if broker == "" {
			return &ValidationError{Field: fmt.Sprintf("broker.kafka.brokers[%d]", i), Message: "broker address cannot be empty"}
		}
	}
	if k.GroupID == "" {
		return &ValidationError{Field: "broker.kafka.group_id", Message: "Kafka consumer group ID is required"}
	}
	if k.IngressTopic == "" {
		return &ValidationError{Field: "broker.kafka.ingress_topic", Message: "ingress topic is required"}
	}
	return validateRetry("broker.kafka.retry", k.Retry)
}

func validateCircuitBreaker(cfg *Config) error {
	cb := cfg.CircuitBreaker
	if !cb.Enabled {
		return nil
	}
	if cb.FailureRatio <= 0 || cb.FailureRatio > 1 {
		return &ValidationError{Field: "circuit_breaker.failure_ratio", Message: "failure ratio must be in (0, 1]"}
	}
	if cb.Timeout <= 0 {
		return &ValidationError{Field: "circuit_breaker.timeout", Message: "timeout must be positive"}
	}
	return nil
}
