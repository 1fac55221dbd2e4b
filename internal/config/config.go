package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server   ServerConfig
	DynamoDB DynamoDBConfig
	Redis    RedisConfig
	JWT      JWTConfig
	OTP      OTPConfig
	SMS      SMSConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type DynamoDBConfig struct {
	Endpoint  string
	Region    string
	TableName string
}

type RedisConfig struct {
	Endpoint string
	Password string
	DB       int
}

type JWTConfig struct {
	SecretKey     string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
}

// OTPConfig carries every limit of the issuance/verification flow so
// tests and deployments can tighten or relax them without code edits.
type OTPConfig struct {
	Length          int           // digits per code
	Expiry          time.Duration // verification window per record
	MaxAttempts     int           // failed verifications before a record locks
	MaxPerWindow    int           // issuances allowed per rolling window
	Window          time.Duration // rolling issuance window
	Lockout         time.Duration // lockout measured from the locked record's creation
	SignupFreshness time.Duration // how recent a verified record must be at signup
	Retention       time.Duration // cleanup horizon for old records
}

// SMSConfig configures the delivery gateway. Mode "log" skips the
// gateway entirely and logs codes, for dev and test environments.
type SMSConfig struct {
	Mode        string
	GatewayURL  string
	FallbackURL string
	APIToken    string
	TemplateID  string
	SenderID    string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		DynamoDB: DynamoDBConfig{
			Endpoint:  getEnv("DYNAMODB_ENDPOINT", ""),
			Region:    getEnv("DYNAMODB_REGION", "ap-south-1"),
			TableName: getEnv("DYNAMODB_TABLE_NAME", "MediquoryAuth"),
		},
		Redis: RedisConfig{
			Endpoint: getEnv("REDIS_ENDPOINT", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			SecretKey:     getEnv("JWT_SECRET_KEY", ""),
			AccessExpiry:  getEnvAsDuration("JWT_ACCESS_EXPIRY", 15*time.Minute),
			RefreshExpiry: getEnvAsDuration("JWT_REFRESH_EXPIRY", 7*24*time.Hour),
		},
		OTP: OTPConfig{
			Length:          getEnvAsInt("OTP_LENGTH", 6),
			Expiry:          getEnvAsDuration("OTP_EXPIRY", 10*time.Minute),
			MaxAttempts:     getEnvAsInt("OTP_MAX_ATTEMPTS", 5),
			MaxPerWindow:    getEnvAsInt("OTP_MAX_PER_WINDOW", 3),
			Window:          getEnvAsDuration("OTP_WINDOW", time.Hour),
			Lockout:         getEnvAsDuration("OTP_LOCKOUT", 30*time.Minute),
			SignupFreshness: getEnvAsDuration("OTP_SIGNUP_FRESHNESS", 10*time.Minute),
			Retention:       getEnvAsDuration("OTP_RETENTION", 24*time.Hour),
		},
		SMS: SMSConfig{
			Mode:        getEnv("SMS_MODE", "log"),
			GatewayURL:  getEnv("SMS_GATEWAY_URL", ""),
			FallbackURL: getEnv("SMS_FALLBACK_URL", ""),
			APIToken:    getEnv("SMS_API_TOKEN", ""),
			TemplateID:  getEnv("SMS_TEMPLATE_ID", ""),
			SenderID:    getEnv("SMS_SENDER_ID", "MDQRY"),
		},
	}

	if cfg.JWT.SecretKey == "" {
		return nil, fmt.Errorf("JWT_SECRET_KEY environment variable is required")
	}

	if len(cfg.JWT.SecretKey) < 32 {
		return nil, fmt.Errorf("JWT_SECRET_KEY must be at least 32 bytes (256 bits)")
	}

	if cfg.SMS.Mode == "gateway" && cfg.SMS.GatewayURL == "" {
		return nil, fmt.Errorf("SMS_GATEWAY_URL is required when SMS_MODE=gateway")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
