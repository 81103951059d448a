package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Dispatch DispatchConfig `yaml:"dispatch"`
	Storage  StorageConfig  `yaml:"storage"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Agent    AgentConfig    `yaml:"agent"`
}

// DispatchConfig points at the remote dispatch backend the agent talks to.
type DispatchConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// StorageConfig selects the local persistence driver.
// Driver is one of "sqlite" (default), "redis", "postgres".
type StorageConfig struct {
	Driver     string `yaml:"driver"`
	SQLitePath string `yaml:"sqlite_path"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type KafkaConfig struct {
	Host                      string `yaml:"host"`
	Port                      int    `yaml:"port"`
	DeliveryEventsTopicName   string `yaml:"delivery_events_topic_name"`
	StatusUpdatesTopicName    string `yaml:"status_updates_topic_name"`
	NotificationConsumerGroup string `yaml:"notification_consumer_group"`
}

type AgentConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	ProofDir string `yaml:"proof_dir"`

	// Optional redis-backed rate limit on the local API. Zero disables it.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`

	LocationIntervalSeconds    int `yaml:"location_interval_seconds"`
	LocationRateLimitPerMinute int `yaml:"location_rate_limit_per_minute"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
