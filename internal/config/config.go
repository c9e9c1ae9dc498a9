package config

import (
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Sync        SyncConfig
	Health      HealthConfig
	RemoteWrite RemoteWriteConfig
}

type ServerConfig struct {
	Port string
	Mode string
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
	MaxIdleConns   int
}

type RedisConfig struct {
	URL string
}

type SyncConfig struct {
	WorkerCount    int
	SweepInterval  time.Duration
	RequestTimeout time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	RecencyWindow  time.Duration
	RetryDelay     time.Duration
	RequestsPerMin int
}

type HealthConfig struct {
	SweepInterval        time.Duration
	StaleAfter           time.Duration
	SuspendThreshold     int
	ReactivateBelow      int
	WarnFailuresAbove    int
	UsageAlertPercent    float64
	SyncedRecentlyWithin time.Duration
	NeedsSyncAfter       time.Duration
	HealthyMaxFailures   int
}

type RemoteWriteConfig struct {
	URL           string
	BatchSize     int
	FlushInterval time.Duration
	AuthToken     string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetEnvPrefix("GUARDIAN")
	viper.AutomaticEnv()

	// Set defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.mode", "debug")
	viper.SetDefault("database.maxconnections", 25)
	viper.SetDefault("database.maxidleconns", 5)
	viper.SetDefault("redis.url", "redis://localhost:6379/0")
	viper.SetDefault("sync.workercount", 5)
	viper.SetDefault("sync.sweepinterval", "5m")
	viper.SetDefault("sync.requesttimeout", "30s")
	viper.SetDefault("sync.maxattempts", 3)
	viper.SetDefault("sync.backoffbase", "1s")
	viper.SetDefault("sync.backoffmax", "30s")
	viper.SetDefault("sync.recencywindow", "5m")
	viper.SetDefault("sync.retrydelay", "2m")
	viper.SetDefault("sync.requestspermin", 30)
	viper.SetDefault("health.sweepinterval", "1h")
	viper.SetDefault("health.staleafter", "4h")
	viper.SetDefault("health.suspendthreshold", 5)
	viper.SetDefault("health.reactivatebelow", 3)
	viper.SetDefault("health.warnfailuresabove", 3)
	viper.SetDefault("health.usagealertpercent", 90)
	viper.SetDefault("health.syncedrecentlywithin", "1h")
	viper.SetDefault("health.needssyncafter", "15m")
	viper.SetDefault("health.healthymaxfailures", 2)
	viper.SetDefault("remotewrite.batchsize", 1000)
	viper.SetDefault("remotewrite.flushinterval", "30s")

	var cfg Config
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Override with environment variables
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}
	if url := os.Getenv("REMOTE_WRITE_URL"); url != "" {
		cfg.RemoteWrite.URL = url
	}
	if token := os.Getenv("REMOTE_WRITE_AUTH_TOKEN"); token != "" {
		cfg.RemoteWrite.AuthToken = token
	}

	return &cfg, nil
}
