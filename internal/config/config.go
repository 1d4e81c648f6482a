// Package config loads flowmesh's process configuration from a YAML file,
// applies defaults, and overlays environment-variable overrides, grounded
// on the teacher's internal/config (LoadConfig/applyDefaults/
// applyEnvironmentOverrides, gopkg.in/yaml.v2, validation via a collecting
// ConfigValidator).
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"flowmesh/pkg/errors"
)

// AppConfig carries process identity and logging defaults.
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// ServerConfig configures the control-plane HTTP API.
type ServerConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  string `yaml:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout"`
}

// MetricsConfig configures the Prometheus exposition endpoint. internal/app
// serves /metrics only on Server's control-plane router, and only when
// Server is enabled; it does not read Enabled or Path.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig configures OpenTelemetry span export.
type TracingConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Exporter     string        `yaml:"exporter"`
	Endpoint     string        `yaml:"endpoint"`
	SampleRate   float64       `yaml:"sample_rate"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// ClusterConfig configures how many workers this process runs and how
// they exchange routed records and progress.
type ClusterConfig struct {
	WorkerCount int    `yaml:"worker_count"`
	Transport   string `yaml:"transport"` // "local" or "grpc"
	// GRPCAddrs, when Transport is "grpc", lists this cluster's worker
	// addresses by index; GRPCListen is this process's own bind address;
	// WorkerIndex says which of those addresses this process is.
	GRPCAddrs   []string `yaml:"grpc_addrs"`
	GRPCListen  string   `yaml:"grpc_listen"`
	WorkerIndex int      `yaml:"worker_index"`
}

// RecoveryConfig configures the durable recovery log backend.
type RecoveryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// SourceConfig selects and configures the dataflow's input connector.
type SourceConfig struct {
	Kind string `yaml:"kind"` // "kafka" or "generator"

	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`

	GeneratorTick string `yaml:"generator_tick"`
}

// SinkConfig selects and configures the dataflow's output connector.
type SinkConfig struct {
	Kind string `yaml:"kind"` // "stdout", "file", or "kafka"

	FileDirectory string `yaml:"file_directory"`
	FileMaxSizeMB int    `yaml:"file_max_size_mb"`
	FileMaxFiles  int    `yaml:"file_max_files"`
	FileCompress  bool   `yaml:"file_compress"`

	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
}

// Config is the root configuration object, unmarshaled from YAML and then
// overlaid with environment-variable overrides.
type Config struct {
	App      AppConfig      `yaml:"app"`
	Server   ServerConfig   `yaml:"server"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Cluster  ClusterConfig  `yaml:"cluster"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Source   SourceConfig   `yaml:"source"`
	Sink     SinkConfig     `yaml:"sink"`
}

// Load reads configFile (if non-empty), applies defaults for anything
// left unset, overlays environment overrides, and validates the result.
func Load(configFile string) (*Config, error) {
	cfg := &Config{}

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configFile, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", configFile, err)
		}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "flowmesh"
	}
	if cfg.App.Version == "" {
		cfg.App.Version = "v0.1.0"
	}
	if cfg.App.Environment == "" {
		cfg.App.Environment = "production"
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "info"
	}
	if cfg.App.LogFormat == "" {
		cfg.App.LogFormat = "json"
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8401
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Tracing.Exporter == "" {
		cfg.Tracing.Exporter = "otlp"
	}
	if cfg.Tracing.SampleRate == 0 {
		cfg.Tracing.SampleRate = 1.0
	}
	if cfg.Tracing.BatchTimeout == 0 {
		cfg.Tracing.BatchTimeout = 5 * time.Second
	}

	if cfg.Cluster.WorkerCount == 0 {
		cfg.Cluster.WorkerCount = 1
	}
	if cfg.Cluster.Transport == "" {
		cfg.Cluster.Transport = "local"
	}

	if cfg.Recovery.Path == "" {
		cfg.Recovery.Path = "/var/lib/flowmesh/recovery.db"
	}

	if cfg.Source.Kind == "" {
		cfg.Source.Kind = "generator"
	}
	if cfg.Source.GeneratorTick == "" {
		cfg.Source.GeneratorTick = "1s"
	}

	if cfg.Sink.Kind == "" {
		cfg.Sink.Kind = "stdout"
	}
	if cfg.Sink.FileDirectory == "" {
		cfg.Sink.FileDirectory = "/var/lib/flowmesh/output"
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.App.Name = getEnvString("FLOWMESH_APP_NAME", cfg.App.Name)
	cfg.App.Environment = getEnvString("FLOWMESH_ENVIRONMENT", cfg.App.Environment)
	cfg.App.LogLevel = getEnvString("FLOWMESH_LOG_LEVEL", cfg.App.LogLevel)
	cfg.App.LogFormat = getEnvString("FLOWMESH_LOG_FORMAT", cfg.App.LogFormat)

	cfg.Server.Enabled = getEnvBool("FLOWMESH_SERVER_ENABLED", cfg.Server.Enabled)
	cfg.Server.Host = getEnvString("FLOWMESH_SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("FLOWMESH_SERVER_PORT", cfg.Server.Port)

	cfg.Metrics.Enabled = getEnvBool("FLOWMESH_METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Metrics.Path = getEnvString("FLOWMESH_METRICS_PATH", cfg.Metrics.Path)

	cfg.Tracing.Enabled = getEnvBool("FLOWMESH_TRACING_ENABLED", cfg.Tracing.Enabled)
	cfg.Tracing.Endpoint = getEnvString("FLOWMESH_TRACING_ENDPOINT", cfg.Tracing.Endpoint)

	cfg.Cluster.WorkerCount = getEnvInt("FLOWMESH_WORKER_COUNT", cfg.Cluster.WorkerCount)
	cfg.Cluster.Transport = getEnvString("FLOWMESH_TRANSPORT", cfg.Cluster.Transport)
	cfg.Cluster.WorkerIndex = getEnvInt("FLOWMESH_WORKER_INDEX", cfg.Cluster.WorkerIndex)
	cfg.Cluster.GRPCListen = getEnvString("FLOWMESH_GRPC_LISTEN", cfg.Cluster.GRPCListen)

	cfg.Recovery.Enabled = getEnvBool("FLOWMESH_RECOVERY_ENABLED", cfg.Recovery.Enabled)
	cfg.Recovery.Path = getEnvString("FLOWMESH_RECOVERY_PATH", cfg.Recovery.Path)

	cfg.Source.Kind = getEnvString("FLOWMESH_SOURCE_KIND", cfg.Source.Kind)
	if brokers := getEnvString("FLOWMESH_SOURCE_KAFKA_BROKERS", ""); brokers != "" {
		cfg.Source.KafkaBrokers = strings.Split(brokers, ",")
	}
	cfg.Source.KafkaTopic = getEnvString("FLOWMESH_SOURCE_KAFKA_TOPIC", cfg.Source.KafkaTopic)

	cfg.Sink.Kind = getEnvString("FLOWMESH_SINK_KIND", cfg.Sink.Kind)
	cfg.Sink.FileDirectory = getEnvString("FLOWMESH_SINK_FILE_DIRECTORY", cfg.Sink.FileDirectory)
	if brokers := getEnvString("FLOWMESH_SINK_KAFKA_BROKERS", ""); brokers != "" {
		cfg.Sink.KafkaBrokers = strings.Split(brokers, ",")
	}
	cfg.Sink.KafkaTopic = getEnvString("FLOWMESH_SINK_KAFKA_TOPIC", cfg.Sink.KafkaTopic)
}

func getEnvString(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

// validator accumulates validation errors the way the teacher's
// ConfigValidator does, so a bad config reports every problem at once
// rather than stopping at the first.
type validator struct {
	errs []error
}

func (v *validator) addf(component, operation, format string, args ...interface{}) {
	v.errs = append(v.errs, errors.New(errors.CodeResume, component, operation, fmt.Sprintf(format, args...)))
}

// Validate checks cfg for internally-consistent, startable values.
func Validate(cfg *Config) error {
	v := &validator{}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true}
	if !validLevels[cfg.App.LogLevel] {
		v.addf("app", "validate_log_level", "invalid log level: %s", cfg.App.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.App.LogFormat] {
		v.addf("app", "validate_log_format", "invalid log format: %s", cfg.App.LogFormat)
	}

	if cfg.Server.Enabled {
		if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
			v.addf("server", "validate_port", "invalid server port: %d", cfg.Server.Port)
		}
		if cfg.Server.Host == "" {
			v.addf("server", "validate_host", "server host cannot be empty when enabled")
		}
	}

	if cfg.Cluster.WorkerCount <= 0 {
		v.addf("cluster", "validate_worker_count", "worker count must be positive")
	}
	if cfg.Cluster.Transport != "local" && cfg.Cluster.Transport != "grpc" {
		v.addf("cluster", "validate_transport", "unknown transport: %s", cfg.Cluster.Transport)
	}
	if cfg.Cluster.Transport == "grpc" {
		if len(cfg.Cluster.GRPCAddrs) != cfg.Cluster.WorkerCount {
			v.addf("cluster", "validate_grpc_addrs", "grpc transport needs one address per worker (%d workers, %d addresses)", cfg.Cluster.WorkerCount, len(cfg.Cluster.GRPCAddrs))
		}
		if cfg.Cluster.WorkerIndex < 0 || cfg.Cluster.WorkerIndex >= cfg.Cluster.WorkerCount {
			v.addf("cluster", "validate_worker_index", "worker index %d out of range for %d workers", cfg.Cluster.WorkerIndex, cfg.Cluster.WorkerCount)
		}
		if cfg.Cluster.GRPCListen == "" {
			v.addf("cluster", "validate_grpc_listen", "grpc transport requires a listen address")
		}
	}

	switch cfg.Source.Kind {
	case "generator":
		if _, err := time.ParseDuration(cfg.Source.GeneratorTick); err != nil {
			v.addf("source", "validate_generator_tick", "invalid generator tick: %s", cfg.Source.GeneratorTick)
		}
	case "kafka":
		if len(cfg.Source.KafkaBrokers) == 0 {
			v.addf("source", "validate_kafka_brokers", "kafka source requires brokers")
		}
		if cfg.Source.KafkaTopic == "" {
			v.addf("source", "validate_kafka_topic", "kafka source requires a topic")
		}
	default:
		v.addf("source", "validate_kind", "unknown source kind: %s", cfg.Source.Kind)
	}

	switch cfg.Sink.Kind {
	case "stdout":
	case "file":
		if cfg.Sink.FileDirectory == "" {
			v.addf("sink", "validate_file_directory", "file sink requires a directory")
		}
	case "kafka":
		if len(cfg.Sink.KafkaBrokers) == 0 {
			v.addf("sink", "validate_kafka_brokers", "kafka sink requires brokers")
		}
		if cfg.Sink.KafkaTopic == "" {
			v.addf("sink", "validate_kafka_topic", "kafka sink requires a topic")
		}
	default:
		v.addf("sink", "validate_kind", "unknown sink kind: %s", cfg.Sink.Kind)
	}

	if cfg.Tracing.Enabled {
		if cfg.Tracing.Endpoint == "" {
			v.addf("tracing", "validate_endpoint", "tracing endpoint cannot be empty when enabled")
		} else if _, err := url.Parse(cfg.Tracing.Endpoint); err != nil {
			v.addf("tracing", "validate_endpoint", "invalid tracing endpoint: %v", err)
		}
	}

	if len(v.errs) == 0 {
		return nil
	}
	if len(v.errs) == 1 {
		return v.errs[0]
	}
	msgs := make([]string, len(v.errs))
	for i, e := range v.errs {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("multiple validation errors: %s", strings.Join(msgs, "; "))
}
