package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
)

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Database DatabaseConfig `mapstructure:"database"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
	Channels ChannelsConfig `mapstructure:"channels"`
	AWS      AWSConfig      `mapstructure:"aws"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type HTTPConfig struct {
	Address         string `mapstructure:"address"`
	ReadTimeout     int    `mapstructure:"read_timeout"`     // milliseconds
	WriteTimeout    int    `mapstructure:"write_timeout"`    // milliseconds
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"` // milliseconds
}

type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Redis         RedisConfig         `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type ElasticsearchConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type RabbitMQConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`

	Queue            string `mapstructure:"queue"`
	DeadLetterQueue  string `mapstructure:"dead_letter_queue"`
	RetryQueuePrefix string `mapstructure:"retry_queue_prefix"`
	PublishTimeout   int    `mapstructure:"publish_timeout"` // milliseconds
	ConnectRetries   int    `mapstructure:"connect_retries"`
	ConnectBackoff   int    `mapstructure:"connect_backoff"` // milliseconds
}

// URL builds the AMQP connection string.
func (r RabbitMQConfig) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(r.User, r.Password),
		Host:   net.JoinHostPort(r.Host, strconv.Itoa(r.Port)),
		Path:   "/" + r.VHost,
	}
	if r.VHost == "/" || r.VHost == "" {
		u.Path = "/"
	}
	return u.String()
}

// WorkerConfig bounds a single job. SendTimeout caps the provider call
// inside JobTimeout; SettleTimeout bounds the status, retry and audit writes
// that follow it, which run even after the job context has expired.
type WorkerConfig struct {
	Concurrency   int `mapstructure:"concurrency"`
	JobTimeout    int `mapstructure:"job_timeout"`    // milliseconds
	SendTimeout   int `mapstructure:"send_timeout"`   // milliseconds
	SettleTimeout int `mapstructure:"settle_timeout"` // milliseconds
	LockTTL       int `mapstructure:"lock_ttl"`       // milliseconds
}

// RetryConfig shapes the backoff curve. The retry budget itself is fixed
// by models.MaxRetryCount.
type RetryConfig struct {
	Base int `mapstructure:"base"`
	Unit int `mapstructure:"unit"` // milliseconds
}

type RecoveryConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	Interval   int  `mapstructure:"interval"`    // milliseconds
	StaleAfter int  `mapstructure:"stale_after"` // milliseconds
	BatchSize  int  `mapstructure:"batch_size"`
}

type ChannelsConfig struct {
	Email struct {
		Enabled   bool   `mapstructure:"enabled"`
		FromEmail string `mapstructure:"from_email"`
	} `mapstructure:"email"`
	SMS struct {
		Enabled  bool   `mapstructure:"enabled"`
		SenderID string `mapstructure:"sender_id"`
	} `mapstructure:"sms"`
	InApp struct {
		Enabled   bool   `mapstructure:"enabled"`
		KeyPrefix string `mapstructure:"key_prefix"`
		MaxItems  int    `mapstructure:"max_items"`
	} `mapstructure:"in_app"`
}

type AWSConfig struct {
	Region string `mapstructure:"region"`
}

type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Index   string `mapstructure:"index"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
