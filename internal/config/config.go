package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit"`
	Auth       AuthConfig       `yaml:"auth"`
	Settlement SettlementConfig `yaml:"settlement"`
	Payment    PaymentConfig    `yaml:"payment"`
	Provider   ProviderConfig   `yaml:"provider"`
	Jobs       JobsConfig       `yaml:"jobs"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// SettlementConfig bounds the provider call.
type SettlementConfig struct {
	CallTimeout   time.Duration `yaml:"call_timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
}

// PaymentConfig holds gateway credentials and the revenue split bounds.
type PaymentConfig struct {
	SecretKey          string          `yaml:"secret_key"`
	BaseURL            string          `yaml:"base_url"`
	CallbackURL        string          `yaml:"callback_url"`
	ProviderSubaccount string          `yaml:"provider_subaccount"`
	ProcessingFee      decimal.Decimal `yaml:"processing_fee"`
	MinPlatformProfit  decimal.Decimal `yaml:"min_platform_profit"`
	MinPlatformPct     decimal.Decimal `yaml:"min_platform_pct"`
	MaxPlatformPct     decimal.Decimal `yaml:"max_platform_pct"`
	Timeout            time.Duration   `yaml:"timeout"`
}

// ProviderConfig points at the VTU vendor.
type ProviderConfig struct {
	DataURL    string        `yaml:"data_url"`
	AirtimeURL string        `yaml:"airtime_url"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`
}

type JobsConfig struct {
	Queue       string `yaml:"queue"`
	Concurrency int    `yaml:"concurrency"`
	MaxRetry    int    `yaml:"max_retry"`
}

// Default returns the values used when a key is absent from the file.
func Default() Config {
	return Config{
		Server:    ServerConfig{Port: 8080},
		RateLimit: RateLimitConfig{RPS: 20, Burst: 40},
		Kafka:     KafkaConfig{Topic: "wallet.ledger"},
		Settlement: SettlementConfig{
			CallTimeout:   20 * time.Second,
			RetryAttempts: 3,
			RetryBackoff:  2 * time.Second,
		},
		Payment: PaymentConfig{
			BaseURL:           "https://api.paystack.co",
			ProcessingFee:     decimal.NewFromInt(40),
			MinPlatformProfit: decimal.NewFromInt(150),
			MinPlatformPct:    decimal.NewFromInt(2),
			MaxPlatformPct:    decimal.NewFromInt(30),
			Timeout:           15 * time.Second,
		},
		Provider: ProviderConfig{Timeout: 20 * time.Second},
		Jobs:     JobsConfig{Queue: "purchases", Concurrency: 5, MaxRetry: 5},
	}
}

// Load reads yaml file on top of Default, then applies env overrides.
// A .env file next to the binary is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	if v := os.Getenv("PAYSTACK_SECRET_KEY"); v != "" {
		cfg.Payment.SecretKey = v
	}
	if v := os.Getenv("VTU_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	return &cfg, nil
}

// Path returns CONFIG_PATH or the bundled default.
func Path() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "internal/config/config.yaml"
}
