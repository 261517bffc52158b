package config

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Ledger    LedgerConfig
	LINE      LINEConfig
	Reconcile ReconcileConfig
}

type AppConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type DBConfig struct {
	Host     string `validate:"required"`
	Port     string `validate:"required"`
	User     string `validate:"required"`
	Password string
	Name     string `validate:"required"`
	TimeZone string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Enabled reports whether a Redis host was configured. Cache invalidation,
// notification dedup and run locks are skipped without it.
func (c RedisConfig) Enabled() bool {
	return c.Host != ""
}

type JWTConfig struct {
	Secret       string
	AccessExpiry time.Duration
}

type LedgerConfig struct {
	URL           string        `validate:"required,url"`
	SigningSecret string        `validate:"required"`
	Timeout       time.Duration `validate:"gt=0"`
	MaxRetries    int           `validate:"gte=0"`
}

type LINEConfig struct {
	APIBase      string
	ChannelToken string
}

type ReconcileConfig struct {
	SlotCapacity     int    `validate:"gte=1"`
	ClinicTimezone   string `validate:"required"`
	PhoneRegion      string `validate:"required,len=2"`
	GhostGracePeriod time.Duration
	NotifyEnabled    bool
	NotifyDedupTTL   time.Duration
	RunLockTTL       time.Duration
}

func LoadConfig() (*Config, error) {
	viper.SetConfigFile(".env")
	viper.SetConfigType("env")
	viper.AutomaticEnv()

	// The .env file is optional; deployments inject the environment directly.
	if err := viper.ReadInConfig(); err != nil {
		var pathErr *fs.PathError
		if !errors.As(err, &pathErr) && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	viper.SetDefault("APP_PORT", "8080")
	viper.SetDefault("APP_ENV", "development")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("DB_TIMEZONE", "Asia/Tokyo")
	viper.SetDefault("LEDGER_MAX_RETRIES", 2)
	viper.SetDefault("LINE_API_BASE", "https://api.line.me")
	viper.SetDefault("SLOT_CAPACITY", 2)
	viper.SetDefault("CLINIC_TIMEZONE", "Asia/Tokyo")
	viper.SetDefault("PHONE_REGION", "JP")

	config := &Config{
		App: AppConfig{
			Port:     viper.GetString("APP_PORT"),
			Env:      viper.GetString("APP_ENV"),
			LogLevel: viper.GetString("LOG_LEVEL"),
		},
		DB: DBConfig{
			Host:     viper.GetString("DB_HOST"),
			Port:     viper.GetString("DB_PORT"),
			User:     viper.GetString("DB_USER"),
			Password: viper.GetString("DB_PASSWORD"),
			Name:     viper.GetString("DB_NAME"),
			TimeZone: viper.GetString("DB_TIMEZONE"),
		},
		Redis: RedisConfig{
			Host:     viper.GetString("REDIS_HOST"),
			Port:     viper.GetString("REDIS_PORT"),
			Password: viper.GetString("REDIS_PASSWORD"),
			DB:       viper.GetInt("REDIS_DB"),
		},
		JWT: JWTConfig{
			Secret:       viper.GetString("JWT_SECRET"),
			AccessExpiry: parseDuration("JWT_ACCESS_EXPIRY", 15*time.Minute),
		},
		Ledger: LedgerConfig{
			URL:           viper.GetString("LEDGER_URL"),
			SigningSecret: viper.GetString("LEDGER_SIGNING_SECRET"),
			Timeout:       parseDuration("LEDGER_TIMEOUT", 15*time.Second),
			MaxRetries:    viper.GetInt("LEDGER_MAX_RETRIES"),
		},
		LINE: LINEConfig{
			APIBase:      viper.GetString("LINE_API_BASE"),
			ChannelToken: viper.GetString("LINE_CHANNEL_TOKEN"),
		},
		Reconcile: ReconcileConfig{
			SlotCapacity:     viper.GetInt("SLOT_CAPACITY"),
			ClinicTimezone:   viper.GetString("CLINIC_TIMEZONE"),
			PhoneRegion:      viper.GetString("PHONE_REGION"),
			GhostGracePeriod: parseDuration("GHOST_GRACE_PERIOD", 10*time.Minute),
			NotifyEnabled:    viper.GetBool("NOTIFY_ENABLED"),
			NotifyDedupTTL:   parseDuration("NOTIFY_DEDUP_TTL", 30*24*time.Hour),
			RunLockTTL:       parseDuration("RUN_LOCK_TTL", 15*time.Minute),
		},
	}

	if err := validator.New().Struct(config); err != nil {
		return nil, err
	}

	return config, nil
}

func parseDuration(key string, fallback time.Duration) time.Duration {
	raw := viper.GetString(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
