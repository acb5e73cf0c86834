package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds runtime configuration for the marketplace engine.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	JWTSecret string

	Database DatabaseConfig
	Redis    RedisConfig
	Market   MarketConfig
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds the optional redis settings used for sweeper leader
// election. An empty Addr disables redis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MarketConfig holds the trading policy knobs.
type MarketConfig struct {
	PaymentWindow      time.Duration
	DailyNotionalCap   string
	StrikeThreshold    int
	SuspensionDuration time.Duration
	SweepInterval      time.Duration
}

// LoadConfig reads configuration from .env and the environment.
func LoadConfig() (*Config, error) {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()

	// Missing .env is fine; the environment still applies.
	_ = viper.ReadInConfig()

	viper.SetDefault("HTTP_ADDR", ":8080")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("DB_MAX_OPEN_CONNS", 25)
	viper.SetDefault("DB_MAX_IDLE_CONNS", 5)
	viper.SetDefault("DB_CONN_MAX_LIFETIME", "30m")
	viper.SetDefault("PAYMENT_WINDOW", "30m")
	viper.SetDefault("DAILY_NOTIONAL_CAP", "50000")
	viper.SetDefault("STRIKE_THRESHOLD", 3)
	viper.SetDefault("SUSPENSION_DURATION", "24h")
	viper.SetDefault("SWEEP_INTERVAL", "1m")

	return &Config{
		HTTPAddr:  viper.GetString("HTTP_ADDR"),
		LogLevel:  viper.GetString("LOG_LEVEL"),
		JWTSecret: viper.GetString("JWT_SECRET"),
		Database: DatabaseConfig{
			DSN:             viper.GetString("DB_DSN"),
			MaxOpenConns:    viper.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:    viper.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime: viper.GetDuration("DB_CONN_MAX_LIFETIME"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("REDIS_ADDR"),
			Password: viper.GetString("REDIS_PASSWORD"),
			DB:       viper.GetInt("REDIS_DB"),
		},
		Market: MarketConfig{
			PaymentWindow:      viper.GetDuration("PAYMENT_WINDOW"),
			DailyNotionalCap:   viper.GetString("DAILY_NOTIONAL_CAP"),
			StrikeThreshold:    viper.GetInt("STRIKE_THRESHOLD"),
			SuspensionDuration: viper.GetDuration("SUSPENSION_DURATION"),
			SweepInterval:      viper.GetDuration("SWEEP_INTERVAL"),
		},
	}, nil
}
