package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
}

type PayPalConfig struct {
	ClientID      string
	ClientSecret  string
	BaseURL       string
	FeeMultiplier decimal.Decimal
	FeeFixed      decimal.Decimal
}

type BackendConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
}

type LoyaltyConfig struct {
	BaseURL string
	APIKey  string
}

type Config struct {
	Port           string
	DatabaseURL    string
	RedisURL       string
	KafkaBrokers   string
	NatsURL        string
	JaegerEndpoint string
	JWTSecret      string
	Currency       string

	StagingBackend     string
	StagingTTL         time.Duration
	CompletionTTL      time.Duration
	ClaimLease         time.Duration
	SweepInterval      time.Duration
	RecentOrdersWindow time.Duration

	PollMaxAttempts int
	PollRPS         float64
	PollBurst       int

	Stripe  StripeConfig
	PayPal  PayPalConfig
	Backend BackendConfig
	Loyalty LoyaltyConfig
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8082")
	v.SetDefault("CURRENCY", "eur")
	v.SetDefault("STAGING_BACKEND", "redis")
	v.SetDefault("STAGING_TTL", 30*time.Minute)
	v.SetDefault("COMPLETION_TTL", 24*time.Hour)
	v.SetDefault("CLAIM_LEASE", 2*time.Minute)
	v.SetDefault("SWEEP_INTERVAL", time.Minute)
	v.SetDefault("RECENT_ORDERS_WINDOW", 2*time.Hour)
	v.SetDefault("POLL_MAX_ATTEMPTS", 10)
	v.SetDefault("POLL_RPS", 2.0)
	v.SetDefault("POLL_BURST", 5)
	v.SetDefault("PAYPAL_BASE_URL", "https://api-m.paypal.com")
	v.SetDefault("PAYPAL_FEE_MULTIPLIER", "1.0349")
	v.SetDefault("PAYPAL_FEE_FIXED", "0.49")
}

// Load reads configuration from the environment, optionally layered over
// the YAML file named by CONFIG_PATH.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	multiplier, err := decimal.NewFromString(v.GetString("PAYPAL_FEE_MULTIPLIER"))
	if err != nil {
		return nil, fmt.Errorf("PAYPAL_FEE_MULTIPLIER: %w", err)
	}
	fixed, err := decimal.NewFromString(v.GetString("PAYPAL_FEE_FIXED"))
	if err != nil {
		return nil, fmt.Errorf("PAYPAL_FEE_FIXED: %w", err)
	}

	return &Config{
		Port:               v.GetString("PORT"),
		DatabaseURL:        v.GetString("DATABASE_URL"),
		RedisURL:           v.GetString("REDIS_URL"),
		KafkaBrokers:       v.GetString("KAFKA_BROKERS"),
		NatsURL:            v.GetString("NATS_URL"),
		JaegerEndpoint:     v.GetString("JAEGER_ENDPOINT"),
		JWTSecret:          v.GetString("JWT_SECRET"),
		Currency:           v.GetString("CURRENCY"),
		StagingBackend:     v.GetString("STAGING_BACKEND"),
		StagingTTL:         v.GetDuration("STAGING_TTL"),
		CompletionTTL:      v.GetDuration("COMPLETION_TTL"),
		ClaimLease:         v.GetDuration("CLAIM_LEASE"),
		SweepInterval:      v.GetDuration("SWEEP_INTERVAL"),
		RecentOrdersWindow: v.GetDuration("RECENT_ORDERS_WINDOW"),
		PollMaxAttempts:    v.GetInt("POLL_MAX_ATTEMPTS"),
		PollRPS:            v.GetFloat64("POLL_RPS"),
		PollBurst:          v.GetInt("POLL_BURST"),
		Stripe: StripeConfig{
			SecretKey:     v.GetString("STRIPE_SECRET_KEY"),
			WebhookSecret: v.GetString("STRIPE_WEBHOOK_SECRET"),
			SuccessURL:    v.GetString("CHECKOUT_SUCCESS_URL"),
			CancelURL:     v.GetString("CHECKOUT_CANCEL_URL"),
		},
		PayPal: PayPalConfig{
			ClientID:      v.GetString("PAYPAL_CLIENT_ID"),
			ClientSecret:  v.GetString("PAYPAL_CLIENT_SECRET"),
			BaseURL:       v.GetString("PAYPAL_BASE_URL"),
			FeeMultiplier: multiplier,
			FeeFixed:      fixed,
		},
		Backend: BackendConfig{
			BaseURL:        v.GetString("BACKEND_BASE_URL"),
			ConsumerKey:    v.GetString("BACKEND_CONSUMER_KEY"),
			ConsumerSecret: v.GetString("BACKEND_CONSUMER_SECRET"),
		},
		Loyalty: LoyaltyConfig{
			BaseURL: v.GetString("LOYALTY_BASE_URL"),
			APIKey:  v.GetString("LOYALTY_API_KEY"),
		},
	}, nil
}

// Validate checks what the API server cannot run without.
func (c *Config) Validate() error {
	var errs []error
	// the memory backend keeps the lifecycle in process as well
	if c.DatabaseURL == "" && c.StagingBackend != "memory" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.StagingBackend == "redis" && c.RedisURL == "" {
		errs = append(errs, errors.New("REDIS_URL is required for the redis staging backend"))
	}
	if c.StagingBackend != "redis" && c.StagingBackend != "memory" {
		errs = append(errs, fmt.Errorf("STAGING_BACKEND must be redis or memory, got %q", c.StagingBackend))
	}
	if c.Stripe.SecretKey == "" || c.Stripe.WebhookSecret == "" {
		errs = append(errs, errors.New("STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET are required"))
	}
	if c.Backend.BaseURL == "" {
		errs = append(errs, errors.New("BACKEND_BASE_URL is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.StagingTTL <= 0 {
		errs = append(errs, errors.New("STAGING_TTL must be positive"))
	}
	if !c.PayPal.FeeMultiplier.IsPositive() {
		errs = append(errs, errors.New("PAYPAL_FEE_MULTIPLIER must be positive"))
	}
	return errors.Join(errs...)
}

// PayPalEnabled reports whether the independent network rail is configured.
func (c *Config) PayPalEnabled() bool {
	return c.PayPal.ClientID != "" && c.PayPal.ClientSecret != ""
}
