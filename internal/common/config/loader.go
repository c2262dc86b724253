// internal/common/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"notification-workers/internal/models"
)

// Load reads configs/config.yaml, merges config.<APP_ENVIRONMENT>.yaml over
// it and lets environment variables override any key.
func Load() (*Config, error) {
	loadEnvFile()

	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	v.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = v.MergeInConfig() // optional

	return decode(v)
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(path string) (*Config, error) {
	loadEnvFile()

	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	expandEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	overrideEmptyConfig(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// loadEnvFile loads the first .env found walking up from the working directory.
func loadEnvFile() {
	possiblePaths := []string{
		".env",
		"../.env",
		"../../.env",
		"../../../.env",
	}

	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

// Find project root by looking for go.mod
func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// expandEnvVars resolves ${VAR} placeholders in string values.
func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		strVal, ok := v.Get(key).(string)
		if !ok {
			continue
		}
		if strings.Contains(strVal, "${") || (strings.HasPrefix(strVal, "$") && len(strVal) > 1) {
			expanded := os.ExpandEnv(strVal)
			if expanded != strVal && expanded != "" {
				v.Set(key, expanded)
			}
		}
	}
}

// overrideEmptyConfig fills credentials from conventional env names when the
// config files leave them blank.
func overrideEmptyConfig(cfg *Config) {
	overrides := []struct {
		target *string
		env    string
	}{
		{&cfg.Database.Postgres.User, "DB_USER"},
		{&cfg.Database.Postgres.Password, "DB_PASSWORD"},
		{&cfg.Database.Redis.Password, "REDIS_PASSWORD"},
		{&cfg.RabbitMQ.User, "RABBITMQ_USER"},
		{&cfg.RabbitMQ.Password, "RABBITMQ_PASSWORD"},
		{&cfg.AWS.Region, "AWS_REGION"},
		{&cfg.Channels.Email.FromEmail, "SES_FROM_EMAIL"},
	}

	for _, o := range overrides {
		if *o.target != "" {
			continue
		}
		if val := os.Getenv(o.env); val != "" {
			*o.target = val
		}
	}
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "notification-workers"
	}

	if cfg.HTTP.Address == "" {
		cfg.HTTP.Address = ":8081"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 10000
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 10000
	}
	if cfg.HTTP.ShutdownTimeout == 0 {
		cfg.HTTP.ShutdownTimeout = 15000
	}

	// Database defaults
	if cfg.Database.Postgres.Port == 0 {
		cfg.Database.Postgres.Port = 5432
	}
	if cfg.Database.Postgres.MaxConnections == 0 {
		cfg.Database.Postgres.MaxConnections = 25
	}
	if cfg.Database.Postgres.MaxIdle == 0 {
		cfg.Database.Postgres.MaxIdle = 5
	}
	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}

	// Broker defaults
	if cfg.RabbitMQ.Port == 0 {
		cfg.RabbitMQ.Port = 5672
	}
	if cfg.RabbitMQ.Queue == "" {
		cfg.RabbitMQ.Queue = "notifications"
	}
	if cfg.RabbitMQ.DeadLetterQueue == "" {
		cfg.RabbitMQ.DeadLetterQueue = cfg.RabbitMQ.Queue + ".dead"
	}
	if cfg.RabbitMQ.RetryQueuePrefix == "" {
		cfg.RabbitMQ.RetryQueuePrefix = cfg.RabbitMQ.Queue + ".retry"
	}
	if cfg.RabbitMQ.PublishTimeout == 0 {
		cfg.RabbitMQ.PublishTimeout = 5000
	}
	if cfg.RabbitMQ.ConnectRetries == 0 {
		cfg.RabbitMQ.ConnectRetries = 5
	}
	if cfg.RabbitMQ.ConnectBackoff == 0 {
		cfg.RabbitMQ.ConnectBackoff = 2000
	}

	// Worker defaults
	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = 10
	}
	if cfg.Worker.JobTimeout == 0 {
		cfg.Worker.JobTimeout = 30000
	}
	if cfg.Worker.SettleTimeout == 0 {
		cfg.Worker.SettleTimeout = 5000
	}
	if cfg.Worker.SendTimeout == 0 {
		cfg.Worker.SendTimeout = cfg.Worker.JobTimeout - cfg.Worker.SettleTimeout
		if cfg.Worker.SendTimeout <= 0 {
			cfg.Worker.SendTimeout = cfg.Worker.JobTimeout / 2
		}
	}
	if cfg.Worker.LockTTL == 0 {
		cfg.Worker.LockTTL = cfg.Worker.JobTimeout + 10000
	}

	if cfg.Retry.Base == 0 {
		cfg.Retry.Base = 5
	}
	if cfg.Retry.Unit == 0 {
		cfg.Retry.Unit = 1000
	}

	if cfg.Recovery.Interval == 0 {
		cfg.Recovery.Interval = 60000
	}
	if cfg.Recovery.StaleAfter == 0 {
		cfg.Recovery.StaleAfter = 600000
	}
	if cfg.Recovery.BatchSize == 0 {
		cfg.Recovery.BatchSize = 100
	}

	if cfg.Channels.InApp.KeyPrefix == "" {
		cfg.Channels.InApp.KeyPrefix = "inbox"
	}
	if cfg.Channels.InApp.MaxItems == 0 {
		cfg.Channels.InApp.MaxItems = 100
	}

	if cfg.Audit.Index == "" {
		cfg.Audit.Index = "notification-attempts"
	}

	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = ":8080"
	}
	if cfg.Tracing.SampleRatio == 0 {
		cfg.Tracing.SampleRatio = 1.0
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// validateConfig validates critical configuration fields
func validateConfig(cfg *Config) error {
	if cfg.Database.Postgres.Host == "" {
		return fmt.Errorf("database.postgres.host is required")
	}
	if cfg.Database.Postgres.Database == "" {
		return fmt.Errorf("database.postgres.database is required")
	}
	if cfg.Database.Postgres.User == "" {
		return fmt.Errorf("database.postgres.user is required")
	}

	if cfg.Database.Redis.Address == "" {
		return fmt.Errorf("database.redis.address is required")
	}

	if cfg.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq.host is required")
	}

	if cfg.Worker.SendTimeout >= cfg.Worker.JobTimeout {
		return fmt.Errorf("worker.send_timeout must be below worker.job_timeout (%dms), got %dms", cfg.Worker.JobTimeout, cfg.Worker.SendTimeout)
	}

	if cfg.Retry.Base < 2 {
		return fmt.Errorf("retry.base must be at least 2, got %d", cfg.Retry.Base)
	}

	if cfg.Audit.Enabled && len(cfg.Database.Elasticsearch.Addresses) == 0 {
		return fmt.Errorf("database.elasticsearch.addresses is required when audit is enabled")
	}

	if (cfg.Channels.Email.Enabled || cfg.Channels.SMS.Enabled) && cfg.AWS.Region == "" {
		return fmt.Errorf("aws.region is required when email or sms channels are enabled")
	}
	if cfg.Channels.Email.Enabled && cfg.Channels.Email.FromEmail == "" {
		return fmt.Errorf("channels.email.from_email is required when email is enabled")
	}

	// Sweeps must not republish a notification still waiting out its longest backoff.
	if cfg.Recovery.Enabled {
		longest := cfg.Retry.Unit
		for i := 0; i < models.MaxRetryCount; i++ {
			longest *= cfg.Retry.Base
		}
		if cfg.Recovery.StaleAfter <= longest+cfg.Worker.JobTimeout {
			return fmt.Errorf("recovery.stale_after must exceed %dms (longest backoff plus job timeout)", longest+cfg.Worker.JobTimeout)
		}
	}

	return nil
}

// GetDuration converts milliseconds from config to time.Duration
func GetDuration(milliseconds int) time.Duration {
	return time.Duration(milliseconds) * time.Millisecond
}
