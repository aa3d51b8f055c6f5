package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	EnvironmentSandbox    = "sandbox"
	EnvironmentProduction = "production"

	c2bPath = "/ipg/v1x/c2bPayment/singleStage/"
)

// Config holds all configuration for the service
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Redis    RedisConfig    `mapstructure:"redis"`
	MPesa    MPesaConfig    `mapstructure:"mpesa"`
	Payment  PaymentConfig  `mapstructure:"payment"`
	Callback CallbackConfig `mapstructure:"callback"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	LogLevel string         `mapstructure:"log_level"`
	NodeID   int64          `mapstructure:"node_id"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type KafkaConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	Brokers       []string `mapstructure:"brokers"`
	EventsTopic   string   `mapstructure:"events_topic"`
	RequestsTopic string   `mapstructure:"requests_topic"`
}

type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Host      string        `mapstructure:"host"`
	Port      string        `mapstructure:"port"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	StatusTTL time.Duration `mapstructure:"status_ttl"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// MPesaConfig holds Vodacom M-Pesa Mozambique API settings
type MPesaConfig struct {
	Environment         string `mapstructure:"environment"`
	SandboxHost         string `mapstructure:"sandbox_host"`
	ProductionHost      string `mapstructure:"production_host"`
	Port                int    `mapstructure:"port"`
	APIKey              string `mapstructure:"api_key"`
	PublicKey           string `mapstructure:"public_key"`
	ServiceProviderCode string `mapstructure:"service_provider_code"`
	CallbackURL         string `mapstructure:"callback_url"`
	Origin              string `mapstructure:"origin"`
	Currency            string `mapstructure:"currency"`
	Country             string `mapstructure:"country"`
	Market              string `mapstructure:"market"`
	// BaseURL overrides the host/port derived URL. Used against local stubs.
	BaseURL string `mapstructure:"base_url"`
}

func (m MPesaConfig) IsProduction() bool {
	return strings.EqualFold(m.Environment, EnvironmentProduction)
}

func (m MPesaConfig) Host() string {
	if m.IsProduction() {
		return m.ProductionHost
	}
	return m.SandboxHost
}

func (m MPesaConfig) C2BURL() string {
	if m.BaseURL != "" {
		return strings.TrimRight(m.BaseURL, "/") + c2bPath
	}
	return fmt.Sprintf("https://%s:%d%s", m.Host(), m.Port, c2bPath)
}

type PaymentConfig struct {
	MinAmount           float64       `mapstructure:"min_amount"`
	MaxAmount           float64       `mapstructure:"max_amount"`
	ReferenceMaxLength  int           `mapstructure:"reference_max_length"`
	DescriptionMaxLen   int           `mapstructure:"description_max_length"`
	ExpiryWindow        time.Duration `mapstructure:"expiry_window"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	MaxRetries          int           `mapstructure:"max_retries"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay       time.Duration `mapstructure:"max_retry_delay"`
	BreakerMaxFailures  int           `mapstructure:"breaker_max_failures"`
	BreakerResetTimeout time.Duration `mapstructure:"breaker_reset_timeout"`
	SweepBatchSize      int           `mapstructure:"sweep_batch_size"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
}

func (p PaymentConfig) MinAmountDecimal() decimal.Decimal {
	return decimal.NewFromFloat(p.MinAmount)
}

func (p PaymentConfig) MaxAmountDecimal() decimal.Decimal {
	return decimal.NewFromFloat(p.MaxAmount)
}

type CallbackConfig struct {
	Secret           string `mapstructure:"secret"`
	RequireSignature bool   `mapstructure:"require_signature"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type TracingConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	ServiceName    string `mapstructure:"service_name"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
}

// Load reads configuration from an optional config file, a .env file and the
// environment, in increasing order of precedence.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Environment only is fine
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Every key needs a default so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8083")
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "paymentdb")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.conn_max_idle_time", time.Minute)

	v.SetDefault("kafka.enabled", true)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.events_topic", "payment_events")
	v.SetDefault("kafka.requests_topic", "payment_requests")

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.status_ttl", 24*time.Hour)

	v.SetDefault("mpesa.environment", EnvironmentSandbox)
	v.SetDefault("mpesa.sandbox_host", "api.sandbox.vm.co.mz")
	v.SetDefault("mpesa.production_host", "api.vm.co.mz")
	v.SetDefault("mpesa.port", 18352)
	v.SetDefault("mpesa.api_key", "")
	v.SetDefault("mpesa.public_key", "")
	v.SetDefault("mpesa.service_provider_code", "")
	v.SetDefault("mpesa.callback_url", "")
	v.SetDefault("mpesa.origin", "*")
	v.SetDefault("mpesa.currency", "MZN")
	v.SetDefault("mpesa.country", "MOZ")
	v.SetDefault("mpesa.market", "vodacommoz")
	v.SetDefault("mpesa.base_url", "")

	v.SetDefault("payment.min_amount", 1.0)
	v.SetDefault("payment.max_amount", 150000.0)
	v.SetDefault("payment.reference_max_length", 20)
	v.SetDefault("payment.description_max_length", 500)
	v.SetDefault("payment.expiry_window", 5*time.Minute)
	v.SetDefault("payment.request_timeout", 30*time.Second)
	v.SetDefault("payment.max_retries", 3)
	v.SetDefault("payment.retry_delay", time.Second)
	v.SetDefault("payment.max_retry_delay", 10*time.Second)
	v.SetDefault("payment.breaker_max_failures", 5)
	v.SetDefault("payment.breaker_reset_timeout", 30*time.Second)
	v.SetDefault("payment.sweep_batch_size", 100)
	v.SetDefault("payment.sweep_interval", time.Minute)

	v.SetDefault("callback.secret", "")
	v.SetDefault("callback.require_signature", false)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")

	v.SetDefault("tracing.enabled", true)
	v.SetDefault("tracing.service_name", "payment-service")
	v.SetDefault("tracing.jaeger_endpoint", "http://localhost:14268/api/traces")

	v.SetDefault("log_level", "info")
	v.SetDefault("node_id", 1)
}

// ValidateProvider checks the settings needed before any provider call.
func (c *Config) ValidateProvider() error {
	var errs []error
	if c.MPesa.ServiceProviderCode == "" {
		errs = append(errs, errors.New("mpesa.service_provider_code is required"))
	}
	if c.MPesa.APIKey == "" {
		errs = append(errs, errors.New("mpesa.api_key is required"))
	}
	if c.MPesa.IsProduction() && c.MPesa.PublicKey == "" {
		errs = append(errs, errors.New("mpesa.public_key is required in production"))
	}
	if c.Payment.MinAmount <= 0 || c.Payment.MaxAmount < c.Payment.MinAmount {
		errs = append(errs, fmt.Errorf("invalid amount range [%v, %v]", c.Payment.MinAmount, c.Payment.MaxAmount))
	}
	if c.Callback.RequireSignature && c.Callback.Secret == "" {
		errs = append(errs, errors.New("callback.secret is required when callback.require_signature is set"))
	}
	return errors.Join(errs...)
}
