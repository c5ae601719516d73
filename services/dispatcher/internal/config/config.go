package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location relative to the working directory.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`
	LogsDir  string `yaml:"logsDir"`

	InvoiceServiceURL string `yaml:"invoiceServiceURL"`

	RedisAddr              string `yaml:"redisAddr"`
	RedisPassword          string `yaml:"redisPassword"`
	QueueName              string `yaml:"queueName"`
	QueueGroup             string `yaml:"queueGroup"`
	QueueConcurrency       int    `yaml:"queueConcurrency"`
	QueueMaxRetries        int    `yaml:"queueMaxRetries"`
	QueueRetryDelaySeconds int    `yaml:"queueRetryDelaySeconds"`

	InternalJWTSecret        string `yaml:"internalJwtSecret"`
	InternalJWTKeyID         string `yaml:"internalJwtKeyId"`
	InternalJWTVerifySecrets string `yaml:"internalJwtVerifySecrets"`

	WebhookURL         string `yaml:"webhookURL"`
	WebhookSecret      string `yaml:"webhookSecret"`
	AMQPURL            string `yaml:"amqpURL"`
	AMQPExchange       string `yaml:"amqpExchange"`
	AMQPRoutingKey     string `yaml:"amqpRoutingKey"`
	IncludeFileContent bool   `yaml:"includeFileContent"`
	MaxContentBytes    int64  `yaml:"maxContentBytes"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&cfg.Port, "PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogsDir, "LOGS_DIR")
	setString(&cfg.InvoiceServiceURL, "INVOICE_SERVICE_URL")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setString(&cfg.InternalJWTSecret, "INTERNAL_JWT_SECRET")
	setString(&cfg.InternalJWTVerifySecrets, "INTERNAL_JWT_VERIFY_SECRETS")
	setString(&cfg.WebhookURL, "N8N_WEBHOOK_URL")
	setString(&cfg.WebhookSecret, "WEBHOOK_SECRET")
	setString(&cfg.AMQPURL, "AMQP_URL")
	if v := os.Getenv("INVOICE_INCLUDE_FILE_CONTENT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.IncludeFileContent = b
		}
	}
	if v := os.Getenv("DISPATCH_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueConcurrency = n
		}
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.QueueName == "" {
		cfg.QueueName = "invoicedesk:dispatch"
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "dispatcher"
	}
	if cfg.QueueConcurrency == 0 {
		cfg.QueueConcurrency = 2
	}
	if cfg.QueueMaxRetries == 0 {
		cfg.QueueMaxRetries = 5
	}
	if cfg.QueueRetryDelaySeconds == 0 {
		cfg.QueueRetryDelaySeconds = 5
	}
	if cfg.InternalJWTKeyID == "" {
		cfg.InternalJWTKeyID = "internal-active"
	}
	if cfg.MaxContentBytes == 0 {
		cfg.MaxContentBytes = 20 << 20
	}
	cfg.InvoiceServiceURL = strings.TrimRight(strings.TrimSpace(cfg.InvoiceServiceURL), "/")
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.InvoiceServiceURL == "" {
		return errors.New("config: invoiceServiceURL is required (set in config.yaml or INVOICE_SERVICE_URL)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if cfg.InternalJWTSecret == "" {
		return errors.New("config: internalJwtSecret is required (set in config.yaml or INTERNAL_JWT_SECRET)")
	}
	if cfg.WebhookURL == "" && cfg.AMQPURL == "" {
		return errors.New("config: webhookURL or amqpURL is required (set in config.yaml)")
	}
	if cfg.WebhookURL != "" && cfg.AMQPURL != "" {
		return errors.New("config: set only one of webhookURL and amqpURL")
	}
	if cfg.QueueConcurrency < 1 {
		return errors.New("config: queueConcurrency must be positive")
	}
	if cfg.QueueMaxRetries < 1 {
		return errors.New("config: queueMaxRetries must be positive")
	}
	if cfg.MaxContentBytes < 1 {
		return errors.New("config: maxContentBytes must be positive")
	}
	return nil
}
