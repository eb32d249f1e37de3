package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ServiceName string             `mapstructure:"service_name"`
	Env         string             `mapstructure:"env"`
	Port        string             `mapstructure:"port"`
	Connections []ConnectionConfig `mapstructure:"connections"`
	Coordinator Coordinator        `mapstructure:"coordinator"`
	Audit       Audit              `mapstructure:"audit"`
	AWS         AWS                `mapstructure:"aws"`
	Telemetry   Telemetry          `mapstructure:"telemetry"`
}

// ConnectionConfig names one database the coordinator may orchestrate.
type ConnectionConfig struct {
	Name   string `mapstructure:"name"`
	Driver string `mapstructure:"driver"`
	URL    string `mapstructure:"url"`
}

type Coordinator struct {
	DefaultTimeoutSeconds int `mapstructure:"default_timeout_seconds"`
	SagaRetentionSeconds  int `mapstructure:"saga_retention_seconds"`
}

// Audit configures the Postgres-backed lifecycle event trail.
type Audit struct {
	Enabled     bool   `mapstructure:"enabled"`
	DatabaseURL string `mapstructure:"database_url"`
}

type AWS struct {
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Region          string `mapstructure:"region"`
	EndpointSNS     string `mapstructure:"endpoint_sns"`
	EndpointSQS     string `mapstructure:"endpoint_sqs"`
	SNSTopicArn     string `mapstructure:"sns_topic_arn"`
	SQSQueueURL     string `mapstructure:"sqs_queue_url"`
}

type Telemetry struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func ReadConfig() (*Config, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return nil, fmt.Errorf("unable to get current file")
	}

	configDir := filepath.Join(filepath.Dir(filename))
	viper.SetConfigName(getConfigName())
	viper.SetConfigType("json")
	viper.AddConfigPath(configDir)

	// Allow environment variables to override config
	viper.AutomaticEnv()
	viper.SetEnvPrefix("ORCHESTRATOR")

	setDefaultsFromEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Defaults plus environment carry a config-file-less deployment.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

func getConfigName() string {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		return "local"
	}
	return env
}

func setDefaultsFromEnv() {
	viper.SetDefault("service_name", "orchestrator-service")
	viper.SetDefault("env", getEnv("ENV", "local"))
	viper.SetDefault("port", getEnv("PORT", "8080"))

	viper.SetDefault("coordinator.default_timeout_seconds", 30)
	viper.SetDefault("coordinator.saga_retention_seconds", 300)

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.database_url", getEnv("AUDIT_DATABASE_URL", ""))

	viper.SetDefault("aws.access_key_id", getEnv("AWS_ACCESS_KEY_ID", "test"))
	viper.SetDefault("aws.secret_access_key", getEnv("AWS_SECRET_ACCESS_KEY", "test"))
	viper.SetDefault("aws.region", getEnv("AWS_DEFAULT_REGION", "us-east-1"))
	viper.SetDefault("aws.endpoint_sns", getEnv("AWS_ENDPOINT_URL_SNS", "http://localhost:4566"))
	viper.SetDefault("aws.endpoint_sqs", getEnv("AWS_ENDPOINT_URL_SQS", "http://localhost:4566"))
	viper.SetDefault("aws.sns_topic_arn", getEnv("SNS_TOPIC_ARN", "arn:aws:sns:us-east-1:000000000000:orchestration-events"))
	viper.SetDefault("aws.sqs_queue_url", getEnv("SQS_QUEUE_URL", "http://localhost:4566/000000000000/orchestration-requests"))

	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.otlp_endpoint", getEnv("OTLP_ENDPOINT", "localhost:4318"))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// DefaultTimeout returns the coordinator default run timeout.
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.Coordinator.DefaultTimeoutSeconds) * time.Second
}

// SagaRetention returns how long finished saga runs remain queryable.
func (c *Config) SagaRetention() time.Duration {
	return time.Duration(c.Coordinator.SagaRetentionSeconds) * time.Second
}
