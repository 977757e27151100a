package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type APIConfig struct {
	DBDSN     string `envconfig:"DB_DSN" required:"true"`
	Port      string `envconfig:"PORT" default:"8080"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	MaxAttempts int `envconfig:"DEFAULT_MAX_ATTEMPTS" default:"3"`

	DBPool PoolConfig
}

type DispatcherConfig struct {
	DBDSN     string `envconfig:"DB_DSN" required:"true"`
	Port      string `envconfig:"PORT" default:"8081"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	PerRunCap      int           `envconfig:"DISPATCH_PER_RUN_CAP" default:"10"`
	FailOpenBudget int           `envconfig:"DISPATCH_FAIL_OPEN_BUDGET" default:"5"`
	StuckTimeout   time.Duration `envconfig:"DISPATCH_STUCK_TIMEOUT" default:"5m"`
	PollInterval   time.Duration `envconfig:"DISPATCH_POLL_INTERVAL" default:"1m"`
	// CronSpec overrides PollInterval in loop mode when set (robfig/cron syntax).
	CronSpec string `envconfig:"DISPATCH_CRON"`

	// TextHub
	TextHubBaseURL string `envconfig:"TEXTHUB_BASE_URL" required:"true"`
	TextHubAPIKey  string `envconfig:"TEXTHUB_API_KEY" required:"true"`
	TextHubFrom    string `envconfig:"TEXTHUB_FROM"`

	DBPool PoolConfig
}

type PoolConfig struct {
	MaxConns          int32  `envconfig:"DB_POOL_MAX_CONNS" default:"0"`
	MinConns          int32  `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	MaxConnLifetime   string `envconfig:"DB_POOL_MAX_CONN_LIFETIME"`
	MaxConnIdleTime   string `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME"`
	HealthCheckPeriod string `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD"`
}

func LoadAPI() APIConfig {
	_ = godotenv.Load()
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadDispatcher() DispatcherConfig {
	_ = godotenv.Load()
	var cfg DispatcherConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
