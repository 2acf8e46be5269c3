package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string        `envconfig:"APP_NAME" default:"Bankir"`
	AppEnv         string        `envconfig:"APP_ENV" default:"development"`
	Port           string        `envconfig:"PORT" default:"8080"`
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"info"`
	DatabaseURL    string        `envconfig:"DATABASE_URL" required:"true"`
	RedisURL       string        `envconfig:"REDIS_URL" required:"true"`
	ShutdownPeriod time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	AutoMigrate    bool          `envconfig:"AUTO_MIGRATE" default:"false"`
	DBMaxConns     int32         `envconfig:"DB_MAX_CONNS" default:"20"`

	// AdminToken guards the operator endpoints. Empty disables them.
	AdminToken string `envconfig:"ADMIN_TOKEN"`

	Idempotency Idempotency
	Transfer    Transfer
	Fraud       Fraud
}

// Idempotency tunes the idempotency coordinator.
type Idempotency struct {
	// TTL is the retention window of a completed response.
	TTL time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
	// ProcessingTTL bounds how long an in-flight marker survives a crashed caller.
	ProcessingTTL time.Duration `envconfig:"IDEMPOTENCY_PROCESSING_TTL" default:"5m"`
	// Timeout bounds every round trip to the idempotency store.
	Timeout time.Duration `envconfig:"IDEMPOTENCY_TIMEOUT" default:"2s"`
}

// Transfer tunes the orchestrator retry policy and lock waits.
type Transfer struct {
	MaxAttempts int           `envconfig:"TRANSFER_MAX_ATTEMPTS" default:"3"`
	RetryDelay  time.Duration `envconfig:"TRANSFER_RETRY_DELAY" default:"1s"`
	LockTimeout time.Duration `envconfig:"TRANSFER_LOCK_TIMEOUT" default:"5s"`
}

// Fraud holds the rule thresholds of the fraud evaluator.
type Fraud struct {
	IPMaxRequests      int             `envconfig:"FRAUD_IP_MAX_REQUESTS" default:"10"`
	IPWindow           time.Duration   `envconfig:"FRAUD_IP_WINDOW" default:"60s"`
	MinAmount          decimal.Decimal `envconfig:"FRAUD_MIN_AMOUNT" default:"0.01"`
	MaxAmount          decimal.Decimal `envconfig:"FRAUD_MAX_AMOUNT" default:"1000000"`
	HourlyMaxTransfers int             `envconfig:"FRAUD_HOURLY_MAX_TRANSFERS" default:"50"`
	DailyMaxTransfers  int             `envconfig:"FRAUD_DAILY_MAX_TRANSFERS" default:"200"`
	DailyMaxVolume     decimal.Decimal `envconfig:"FRAUD_DAILY_MAX_VOLUME" default:"5000000"`
	Timeout            time.Duration   `envconfig:"FRAUD_TIMEOUT" default:"2s"`
}

// DefaultFraud returns the documented rule thresholds.
func DefaultFraud() Fraud {
	return Fraud{
		IPMaxRequests:      10,
		IPWindow:           time.Minute,
		MinAmount:          decimal.RequireFromString("0.01"),
		MaxAmount:          decimal.NewFromInt(1_000_000),
		HourlyMaxTransfers: 50,
		DailyMaxTransfers:  200,
		DailyMaxVolume:     decimal.NewFromInt(5_000_000),
		Timeout:            2 * time.Second,
	}
}

// DefaultTransfer returns the documented retry policy.
func DefaultTransfer() Transfer {
	return Transfer{MaxAttempts: 3, RetryDelay: time.Second, LockTimeout: 5 * time.Second}
}

// DefaultIdempotency returns the documented idempotency settings.
func DefaultIdempotency() Idempotency {
	return Idempotency{TTL: 24 * time.Hour, ProcessingTTL: 5 * time.Minute, Timeout: 2 * time.Second}
}

// Load reads an optional .env file, then populates a Config from the environment.
func Load(envFiles ...string) (Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load(envFiles...)

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("process env: %w", err)
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must be set")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL must be set")
	}
	if c.Transfer.MaxAttempts < 1 {
		return fmt.Errorf("TRANSFER_MAX_ATTEMPTS must be at least 1")
	}
	if c.Transfer.LockTimeout <= 0 {
		return fmt.Errorf("TRANSFER_LOCK_TIMEOUT must be positive")
	}
	if c.Idempotency.TTL <= 0 || c.Idempotency.ProcessingTTL <= 0 {
		return fmt.Errorf("idempotency TTLs must be positive")
	}
	if !c.Fraud.MinAmount.IsPositive() || c.Fraud.MaxAmount.LessThan(c.Fraud.MinAmount) {
		return fmt.Errorf("invalid fraud amount bounds %s..%s", c.Fraud.MinAmount, c.Fraud.MaxAmount)
	}
	return nil
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

// IsDev reports whether the app runs in a local development environment.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local":
		return true
	default:
		return false
	}
}
