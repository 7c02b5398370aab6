package config

import (
	"fmt"
	"os"
	"strings"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Custody  CustodyConfig  `yaml:"custody"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Chain    ChainConfig    `yaml:"chain"`
	Worker   WorkerConfig   `yaml:"worker"`
	Mail     MailConfig     `yaml:"mail"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
	// Driver is "postgres" (default) or "memory".
	Driver string `yaml:"driver"`
}

type KafkaConfig struct {
	Host                   string `yaml:"host"`
	Port                   int    `yaml:"port"`
	ScanAcceptedTopicName  string `yaml:"scan_accepted_topic_name"`
	ConcernRaisedTopicName string `yaml:"concern_raised_topic_name"`
	ChainCheckedTopicName  string `yaml:"chain_checked_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type CustodyConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
	// Env "production" hides internal error details from responses.
	Env       string `yaml:"env"`
	NodeID    int64  `yaml:"node_id"`
	JWTSecret string `yaml:"jwt_secret"`

	ChainTimeoutMs         int `yaml:"chain_timeout_ms"`
	ChainCacheTTLSeconds   int `yaml:"chain_cache_ttl_seconds"`
	NotifyTimeoutMs        int `yaml:"notify_timeout_ms"`
	ScanRateLimitPerMinute int `yaml:"scan_rate_limit_per_minute"`

	DeferShipmentStatusOnTransporterScan bool `yaml:"defer_shipment_status_on_transporter_scan"`
}

type LedgerConfig struct {
	PersistRejections bool `yaml:"persist_rejections"`
}

type ChainConfig struct {
	Mode    string `yaml:"mode"` // "fake" | "rpc" | "explorer"
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

type WorkerConfig struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	BatchSize           int `yaml:"batch_size"`
	Concurrency         int `yaml:"concurrency"`
	LeaseSeconds        int `yaml:"lease_seconds"`
	RateLimitPerMinute  int `yaml:"rate_limit_per_minute"`

	// Scheduling (optional). Defaults: confirmed 6h, mismatch 1m, unknown 5m, backoff 1/5/15/60 minutes.
	NextCheckConfirmedMinSeconds int `yaml:"next_check_confirmed_min_seconds"`
	NextCheckConfirmedMaxSeconds int `yaml:"next_check_confirmed_max_seconds"`
	NextCheckMismatchSeconds     int `yaml:"next_check_mismatch_seconds"`
	NextCheckUnknownSeconds      int `yaml:"next_check_unknown_seconds"`
	Backoff1Seconds              int `yaml:"backoff_1_seconds"`
	Backoff2Seconds              int `yaml:"backoff_2_seconds"`
	Backoff3Seconds              int `yaml:"backoff_3_seconds"`
	Backoff4Seconds              int `yaml:"backoff_4_seconds"`

	HTTPAddr      string `yaml:"http_addr"`
	ConsumerGroup string `yaml:"consumer_group"`
}

type MailConfig struct {
	SMTPHost     string `yaml:"smtp_host"`
	SMTPPort     int    `yaml:"smtp_port"`
	SMTPUser     string `yaml:"smtp_user"`
	SMTPPassword string `yaml:"smtp_password"`
	From         string `yaml:"from"`
	// Recipients maps a supplier wallet to its notification address.
	Recipients map[string]string `yaml:"recipients"`
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

func (d DatabaseConfig) ConnString() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.Username, d.Password, d.Host, d.Port, d.DBName, sslMode)
}

func (d DatabaseConfig) InMemory() bool {
	return strings.EqualFold(d.Driver, "memory")
}

func (k KafkaConfig) Brokers() []string {
	if k.Host == "" {
		return nil
	}
	return []string{fmt.Sprintf("%s:%d", k.Host, k.Port)}
}

func (r RedisConfig) Addr() string {
	if r.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

func (c CustodyConfig) Production() bool {
	return strings.EqualFold(c.Env, "production")
}
