package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location relative to the working directory.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"databaseURL"`
	LogLevel    string `yaml:"logLevel"`
	LogsDir     string `yaml:"logsDir"`

	StorageBackend       string `yaml:"storageBackend"`
	MinioEndpoint        string `yaml:"minioEndpoint"`
	MinioAccessKey       string `yaml:"minioAccessKey"`
	MinioSecretKey       string `yaml:"minioSecretKey"`
	MinioBucket          string `yaml:"minioBucket"`
	MinioUseSSL          bool   `yaml:"minioUseSSL"`
	SupabaseURL          string `yaml:"supabaseURL"`
	SupabaseServiceKey   string `yaml:"supabaseServiceKey"`
	SupabaseBucket       string `yaml:"supabaseBucket"`
	StoragePublicBaseURL string `yaml:"storagePublicBaseURL"`
	StoragePrefix        string `yaml:"storagePrefix"`

	PageSize       int   `yaml:"pageSize"`
	MaxUploadBytes int64 `yaml:"maxUploadBytes"`

	WebhookURL         string `yaml:"webhookURL"`
	WebhookSecret      string `yaml:"webhookSecret"`
	AMQPURL            string `yaml:"amqpURL"`
	AMQPExchange       string `yaml:"amqpExchange"`
	AMQPRoutingKey     string `yaml:"amqpRoutingKey"`
	IncludeFileContent bool   `yaml:"includeFileContent"`
	MaxContentBytes    int64  `yaml:"maxContentBytes"`
	CallbackURL        string `yaml:"callbackURL"`

	DispatcherURL     string `yaml:"dispatcherURL"`
	InternalJWTSecret string `yaml:"internalJwtSecret"`
	InternalJWTKeyID  string `yaml:"internalJwtKeyId"`
	// InternalJWTVerifySecrets lists extra "kid=secret" pairs accepted during rotation.
	InternalJWTVerifySecrets string `yaml:"internalJwtVerifySecrets"`

	UserJWTSecret   string `yaml:"userJwtSecret"`
	UserJWKSURL     string `yaml:"userJwksURL"`
	UserJWTIssuer   string `yaml:"userJwtIssuer"`
	UserJWTAudience string `yaml:"userJwtAudience"`
	JWTLeeway       string `yaml:"jwtLeeway"`
	RequireAuth     bool   `yaml:"requireAuth"`

	RedisAddr           string   `yaml:"redisAddr"`
	RedisPassword       string   `yaml:"redisPassword"`
	UploadRateLimit     int      `yaml:"uploadRateLimit"`
	WebhookRateLimit    int      `yaml:"webhookRateLimit"`
	RateLimitWindowSecs int      `yaml:"rateLimitWindowSeconds"`
	CORSOrigins         []string `yaml:"corsOrigins"`
	TrustedProxies      []string `yaml:"trustedProxies"`
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
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogsDir, "LOGS_DIR")
	setString(&cfg.StorageBackend, "STORAGE_BACKEND")
	setString(&cfg.MinioEndpoint, "MINIO_ENDPOINT")
	setString(&cfg.MinioAccessKey, "MINIO_ACCESS_KEY")
	setString(&cfg.MinioSecretKey, "MINIO_SECRET_KEY")
	setString(&cfg.MinioBucket, "MINIO_BUCKET")
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	setString(&cfg.SupabaseURL, "SUPABASE_URL")
	setString(&cfg.SupabaseServiceKey, "SUPABASE_SERVICE_ROLE_KEY")
	setString(&cfg.SupabaseBucket, "SUPABASE_BUCKET")
	setString(&cfg.StoragePublicBaseURL, "STORAGE_PUBLIC_BASE_URL")
	setString(&cfg.WebhookURL, "N8N_WEBHOOK_URL")
	setString(&cfg.WebhookSecret, "WEBHOOK_SECRET")
	setString(&cfg.AMQPURL, "AMQP_URL")
	setString(&cfg.CallbackURL, "INVOICE_CALLBACK_URL")
	setString(&cfg.DispatcherURL, "DISPATCHER_URL")
	setString(&cfg.InternalJWTSecret, "INTERNAL_JWT_SECRET")
	setString(&cfg.InternalJWTVerifySecrets, "INTERNAL_JWT_VERIFY_SECRETS")
	setString(&cfg.UserJWTSecret, "USER_JWT_SECRET")
	setString(&cfg.UserJWKSURL, "USER_JWKS_URL")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	if v := os.Getenv("INVOICE_INCLUDE_FILE_CONTENT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.IncludeFileContent = b
		}
	}
	if v := os.Getenv("INVOICE_REQUIRE_AUTH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.RequireAuth = b
		}
	}
	if v := os.Getenv("INVOICE_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PageSize = n
		}
	}
	if v := os.Getenv("INVOICE_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitCSV(v)
	}
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitCSV(v)
	}
}

func applyDefaults(cfg *FileConfig) {
	cfg.StorageBackend = strings.ToLower(strings.TrimSpace(cfg.StorageBackend))
	if cfg.StorageBackend == "" {
		cfg.StorageBackend = "minio"
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 6
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 50 << 20
	}
	if cfg.MaxContentBytes == 0 {
		cfg.MaxContentBytes = 20 << 20
	}
	if cfg.InternalJWTKeyID == "" {
		cfg.InternalJWTKeyID = "internal-active"
	}
	if cfg.RateLimitWindowSecs == 0 {
		cfg.RateLimitWindowSecs = 60
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	switch cfg.StorageBackend {
	case "minio":
		if cfg.MinioEndpoint == "" {
			return errors.New("config: minioEndpoint is required (set in config.yaml)")
		}
		if cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" {
			return errors.New("config: minioAccessKey and minioSecretKey are required (set in config.yaml)")
		}
		if cfg.MinioBucket == "" {
			return errors.New("config: minioBucket is required (set in config.yaml)")
		}
	case "supabase":
		if cfg.SupabaseURL == "" {
			return errors.New("config: supabaseURL is required (set in config.yaml or SUPABASE_URL)")
		}
		if cfg.SupabaseServiceKey == "" {
			return errors.New("config: supabaseServiceKey is required (set in config.yaml or SUPABASE_SERVICE_ROLE_KEY)")
		}
		if cfg.SupabaseBucket == "" {
			return errors.New("config: supabaseBucket is required (set in config.yaml)")
		}
	default:
		return fmt.Errorf("config: storageBackend must be minio or supabase, got %q", cfg.StorageBackend)
	}
	if cfg.PageSize < 1 {
		return errors.New("config: pageSize must be positive")
	}
	if cfg.MaxUploadBytes < 1 {
		return errors.New("config: maxUploadBytes must be positive")
	}
	if cfg.DispatcherURL != "" && cfg.InternalJWTSecret == "" {
		return errors.New("config: internalJwtSecret is required when dispatcherURL is set (set in config.yaml or INTERNAL_JWT_SECRET)")
	}
	if cfg.DispatcherURL == "" && cfg.WebhookURL != "" && cfg.AMQPURL != "" {
		return errors.New("config: set only one of webhookURL and amqpURL")
	}
	if cfg.RequireAuth && cfg.UserJWTSecret == "" && cfg.UserJWKSURL == "" {
		return errors.New("config: userJwtSecret or userJwksURL is required when requireAuth is set")
	}
	if cfg.UploadRateLimit < 0 || cfg.WebhookRateLimit < 0 {
		return errors.New("config: rate limits must not be negative")
	}
	if _, err := ParseJWTLeeway(cfg.JWTLeeway); err != nil {
		return err
	}
	return nil
}

// ParseJWTLeeway parses the leeway duration; empty means 30s.
func ParseJWTLeeway(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 30 * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("config: invalid jwtLeeway %q", raw)
	}
	return d, nil
}

// RateLimitWindow is the fixed window shared by every limiter.
func (c FileConfig) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSecs) * time.Second
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
