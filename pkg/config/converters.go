package config

import (
	"github.com/inferflow-go/pkg/events"
	"github.com/inferflow-go/pkg/logger"
	"github.com/inferflow-go/pkg/telemetry"
)

// ToLoggerConfig converts LoggerConfig to logger.Config
func (c LoggerConfig) ToLoggerConfig() logger.Config {
	return logger.Config{
		Level:     c.Level,
		Format:    c.Format,
		Output:    c.Output,
		AddCaller: c.AddCaller,
	}
}

// ToKafkaConfig converts KafkaConfig to events.KafkaConfig
func (c KafkaConfig) ToKafkaConfig() events.KafkaConfig {
	return events.KafkaConfig{
		Brokers:       c.Brokers,
		Topic:         c.Topic,
		ConsumerGroup: c.ConsumerGroup,
	}
}

// ToTelemetryConfig converts TelemetryConfig to telemetry.Config
func (c TelemetryConfig) ToTelemetryConfig(serviceName string) telemetry.Config {
	name := c.ServiceName
	if name == "" {
		name = serviceName
	}
	return telemetry.Config{
		Enabled:      c.Enabled,
		JaegerURL:    c.JaegerURL,
		ServiceName:  name,
		SamplingRate: c.SamplingRate,
	}
}

// Snapshot returns a copy suitable for writing to disk as a config snapshot
// used by external tooling. Nothing in the broker reads it back.
func (c *Config) Snapshot() Config {
	return *c
}
