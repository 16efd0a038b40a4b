package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Registry  RegistryConfig  `mapstructure:"registry" yaml:"registry"`
	Worker    WorkerConfig    `mapstructure:"worker" yaml:"worker"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
	Kafka     KafkaConfig     `mapstructure:"kafka" yaml:"kafka"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
}

type ServerConfig struct {
	Host            string `mapstructure:"host" yaml:"host"`
	Port            int    `mapstructure:"port" yaml:"port"`
	ReadTimeout     int    `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    int    `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type RegistryConfig struct {
	LivenessWindow int              `mapstructure:"liveness_window" yaml:"liveness_window"`
	ScanInterval   int              `mapstructure:"scan_interval" yaml:"scan_interval"`
	MinVRAMMiB     map[string]int64 `mapstructure:"min_vram_mib" yaml:"min_vram_mib"`
}

type WorkerConfig struct {
	CoordinatorURL    string            `mapstructure:"coordinator_url" yaml:"coordinator_url"`
	AdvertiseHost     string            `mapstructure:"advertise_host" yaml:"advertise_host"`
	Port              int               `mapstructure:"port" yaml:"port"`
	HeartbeatInterval int               `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	LockTimeoutMs     int               `mapstructure:"lock_timeout_ms" yaml:"lock_timeout_ms"`
	NetworkTimeout    int               `mapstructure:"network_timeout" yaml:"network_timeout"`
	SupportedModels   []string          `mapstructure:"supported_models" yaml:"supported_models"`
	ModelCIDs         map[string]string `mapstructure:"model_cids" yaml:"model_cids"`
	SnapshotPath      string            `mapstructure:"snapshot_path" yaml:"snapshot_path"`
}

type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	RPS     int  `mapstructure:"rps" yaml:"rps"`
	Burst   int  `mapstructure:"burst" yaml:"burst"`
}

type KafkaConfig struct {
	Enabled       bool     `mapstructure:"enabled" yaml:"enabled"`
	Brokers       []string `mapstructure:"brokers" yaml:"brokers"`
	ConsumerGroup string   `mapstructure:"consumer_group" yaml:"consumer_group"`
	Topic         string   `mapstructure:"topic" yaml:"topic"`
}

type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled" yaml:"enabled"`
	JaegerURL    string  `mapstructure:"jaeger_url" yaml:"jaeger_url"`
	ServiceName  string  `mapstructure:"service_name" yaml:"service_name"`
	SamplingRate float64 `mapstructure:"sampling_rate" yaml:"sampling_rate"`
}

type LoggerConfig struct {
	Level     string `mapstructure:"level" yaml:"level"`
	Format    string `mapstructure:"format" yaml:"format"`
	Output    string `mapstructure:"output" yaml:"output"`
	AddCaller bool   `mapstructure:"add_caller" yaml:"add_caller"`
}

func Load(serviceName string) (*Config, error) {
	viper.SetConfigName(serviceName)
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/inferflow")

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.SetEnvPrefix("INFERFLOW")

	if err := viper.ReadInConfig(); err != nil {
		// It's okay if config file doesn't exist, we'll use defaults and env vars
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	// Coordinator server defaults
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", 30)
	viper.SetDefault("server.write_timeout", 30)
	viper.SetDefault("server.shutdown_timeout", 30)

	// Registry defaults
	viper.SetDefault("registry.liveness_window", 30)
	viper.SetDefault("registry.scan_interval", 15)
	viper.SetDefault("registry.min_vram_mib", map[string]int64{
		"stable_diffusion": 8192,
	})

	// Worker defaults
	viper.SetDefault("worker.coordinator_url", "http://localhost:8080")
	viper.SetDefault("worker.advertise_host", "127.0.0.1")
	viper.SetDefault("worker.port", 8081)
	viper.SetDefault("worker.heartbeat_interval", 1)
	viper.SetDefault("worker.lock_timeout_ms", 100)
	viper.SetDefault("worker.network_timeout", 3)
	viper.SetDefault("worker.supported_models", []string{"covid_xray", "stable_diffusion"})

	// Rate limit defaults
	viper.SetDefault("rate_limit.enabled", false)
	viper.SetDefault("rate_limit.rps", 50)
	viper.SetDefault("rate_limit.burst", 100)

	// Kafka defaults
	viper.SetDefault("kafka.enabled", false)
	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.consumer_group", "inferflow-group")
	viper.SetDefault("kafka.topic", "inferflow.workers")

	// Telemetry defaults
	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.jaeger_url", "http://localhost:14268/api/traces")
	viper.SetDefault("telemetry.sampling_rate", 1.0)

	// Logger defaults
	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "json")
	viper.SetDefault("logger.output", "stdout")
	viper.SetDefault("logger.add_caller", true)
}

func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Endpoint is the address the worker advertises to the coordinator; it must
// be reachable from the coordinator's network.
func (c *WorkerConfig) Endpoint() string {
	return fmt.Sprintf("%s:%d", c.AdvertiseHost, c.Port)
}

func (c *RegistryConfig) LivenessWindowDuration() time.Duration {
	return time.Duration(c.LivenessWindow) * time.Second
}

func (c *RegistryConfig) ScanIntervalDuration() time.Duration {
	return time.Duration(c.ScanInterval) * time.Second
}

func (c *WorkerConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Second
}

func (c *WorkerConfig) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMs) * time.Millisecond
}

func (c *WorkerConfig) NetworkTimeoutDuration() time.Duration {
	return time.Duration(c.NetworkTimeout) * time.Second
}
