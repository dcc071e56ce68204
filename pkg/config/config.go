package config

import (
	"context"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	_ "github.com/spf13/viper/remote"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	config       = viper.New()
	configHolder atomic.Pointer[Config]
	backend      = "consul"
	backendAddr  = "127.0.0.1:8500"
	backendPath  = "development" // e.g., app/<env>/<service_name>
	configType   = "yaml"
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	Otel       struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	OpsServer struct {
		Host string `mapstructure:"HOST"`
		Port int    `mapstructure:"PORT"`
	} `mapstructure:"OPS_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Kafka struct {
		Addrs string `mapstructure:"ADDR"`
		Topic string `mapstructure:"TOPIC"`
	} `mapstructure:"KAFKA"`
	Flagsmith struct {
		Addr   string `mapstructure:"ADDR"`
		ApiKey string `mapstructure:"API_KEY"`
	} `mapstructure:"FLAGSMITH"`
	Consul struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"CONSUL"`
	Scheduler    Scheduler     `mapstructure:"SCHEDULER"`
	Publisher    Endpoint      `mapstructure:"PUBLISHER"`
	Completion   Endpoint      `mapstructure:"COMPLETION"`
	Reward       Reward        `mapstructure:"REWARD"`
	Optimizer    Optimizer     `mapstructure:"OPTIMIZER"`
	Rules        Rules         `mapstructure:"RULES"`
	TriggerBus   TriggerBus    `mapstructure:"TRIGGER_BUS"`
	StoreTimeout time.Duration `mapstructure:"STORE_TIMEOUT"`
}

// Scheduler tunes the publish loop.
type Scheduler struct {
	PollInterval  time.Duration `mapstructure:"POLL_INTERVAL"`
	MinBackoff    time.Duration `mapstructure:"MIN_BACKOFF"`
	MaxBackoff    time.Duration `mapstructure:"MAX_BACKOFF"`
	Concurrency   int           `mapstructure:"CONCURRENCY"`
	BatchSize     int           `mapstructure:"BATCH_SIZE"`
	MaxAttempts   int           `mapstructure:"MAX_ATTEMPTS"`
	ShutdownGrace time.Duration `mapstructure:"SHUTDOWN_GRACE"`
	LeaseTTL      time.Duration `mapstructure:"LEASE_TTL"`
	ListenChannel string        `mapstructure:"LISTEN_CHANNEL"`
	MetricsSweep  int           `mapstructure:"METRICS_SWEEP"`
	PublishRate   float64       `mapstructure:"PUBLISH_RATE"`
	PublishBurst  int           `mapstructure:"PUBLISH_BURST"`
}

// Endpoint configures an HTTP adapter for an external collaborator.
type Endpoint struct {
	URL      string        `mapstructure:"URL"`
	Token    string        `mapstructure:"TOKEN"`
	Timeout  time.Duration `mapstructure:"TIMEOUT"`
	RetryMax int           `mapstructure:"RETRY_MAX"`
}

type Reward struct {
	CTRWeight        float64 `mapstructure:"CTR_WEIGHT"`
	EngagementWeight float64 `mapstructure:"ENGAGEMENT_WEIGHT"`
	ReachWeight      float64 `mapstructure:"REACH_WEIGHT"`
	ConversionWeight float64 `mapstructure:"CONVERSION_WEIGHT"`
	Baseline         float64 `mapstructure:"BASELINE"`
}

type Optimizer struct {
	Strategy    string  `mapstructure:"STRATEGY"`
	Epsilon     float64 `mapstructure:"EPSILON"`
	UCBConstant float64 `mapstructure:"UCB_CONSTANT"`
	Seed        uint64  `mapstructure:"SEED"`
}

type Rules struct {
	CacheTTL      time.Duration `mapstructure:"CACHE_TTL"`
	CacheSize     int           `mapstructure:"CACHE_SIZE"`
	MaxEventDepth int           `mapstructure:"MAX_EVENT_DEPTH"`
	// RunLease is how long a pending or running run may hold its event
	// before a redelivery treats it as abandoned.
	RunLease time.Duration `mapstructure:"RUN_LEASE"`
}

type TriggerBus struct {
	Transport string `mapstructure:"TRANSPORT"` // local | asynq
	Queue     string `mapstructure:"QUEUE"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))
var RemoteModule = fx.Module("remote.config", fx.Provide(LoadRemote))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_NAME", "autopost-worker")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("OPS_SERVER.PORT", 8081)
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("STORE_TIMEOUT", 5*time.Second)
	v.SetDefault("SCHEDULER.POLL_INTERVAL", 5*time.Second)
	v.SetDefault("SCHEDULER.MIN_BACKOFF", time.Second)
	v.SetDefault("SCHEDULER.MAX_BACKOFF", time.Minute)
	v.SetDefault("SCHEDULER.CONCURRENCY", 8)
	v.SetDefault("SCHEDULER.BATCH_SIZE", 100)
	v.SetDefault("SCHEDULER.MAX_ATTEMPTS", 5)
	v.SetDefault("SCHEDULER.SHUTDOWN_GRACE", 30*time.Second)
	v.SetDefault("SCHEDULER.LEASE_TTL", 30*time.Second)
	v.SetDefault("SCHEDULER.LISTEN_CHANNEL", "schedules_due")
	v.SetDefault("SCHEDULER.METRICS_SWEEP", 200)
	v.SetDefault("SCHEDULER.PUBLISH_RATE", 5.0)
	v.SetDefault("SCHEDULER.PUBLISH_BURST", 10)
	v.SetDefault("PUBLISHER.TIMEOUT", 15*time.Second)
	v.SetDefault("PUBLISHER.RETRY_MAX", 2)
	v.SetDefault("COMPLETION.TIMEOUT", 60*time.Second)
	v.SetDefault("COMPLETION.RETRY_MAX", 2)
	v.SetDefault("REWARD.CTR_WEIGHT", 0.4)
	v.SetDefault("REWARD.ENGAGEMENT_WEIGHT", 0.3)
	v.SetDefault("REWARD.REACH_WEIGHT", 0.1)
	v.SetDefault("REWARD.CONVERSION_WEIGHT", 0.2)
	v.SetDefault("OPTIMIZER.STRATEGY", "ucb1")
	v.SetDefault("OPTIMIZER.EPSILON", 0.1)
	v.SetDefault("OPTIMIZER.UCB_CONSTANT", 2.0)
	v.SetDefault("RULES.CACHE_TTL", time.Minute)
	v.SetDefault("RULES.CACHE_SIZE", 1024)
	v.SetDefault("RULES.MAX_EVENT_DEPTH", 3)
	v.SetDefault("RULES.RUN_LEASE", 10*time.Minute)
	v.SetDefault("TRIGGER_BUS.TRANSPORT", "local")
	v.SetDefault("TRIGGER_BUS.QUEUE", "triggers")
}

func LoadConfig(p Params) *Config {
	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()
	setDefaults(config)

	if err := config.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			zap.L().Error("failed to read config", zap.Error(err))
			os.Exit(1)
		}
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	if p.Vault != nil {
		applySecrets(p.Vault, &cfg)
	}

	configHolder.Store(&cfg)

	config.OnConfigChange(func(e fsnotify.Event) {
		var next Config
		if err := config.Unmarshal(&next); err != nil {
			zap.L().Error("failed to reload config", zap.String("file", e.Name), zap.Error(err))
			return
		}
		if p.Vault != nil {
			applySecrets(p.Vault, &next)
		}
		configHolder.Store(&next)
		zap.L().Info("config reloaded", zap.String("file", e.Name), zap.String("op", e.Op.String()))
	})
	config.WatchConfig()

	return &cfg
}

// Current returns the latest loaded config. Reward weights and optimizer
// settings are read through it so they pick up file edits without a restart.
func Current() *Config {
	return configHolder.Load()
}

// Store replaces the runtime config. Used by tests and remote watchers.
func Store(cfg *Config) {
	configHolder.Store(cfg)
}

func LoadRemote(p Params) *Config {
	if p.Vault == nil {
		zap.L().Error("vault can't provide")
		os.Exit(1)
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_PROVIDER"); ok {
		backend = v
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_ADDR"); ok {
		backendAddr = v
	}

	if v, ok := os.LookupEnv("REMOTE_CONFIG_PATH"); ok {
		backendPath = v
	}

	config.SetConfigType(configType)
	setDefaults(config)
	if err := config.AddRemoteProvider(backend, backendAddr, backendPath); err != nil {
		os.Exit(1)
	}

	if err := config.ReadRemoteConfig(); err != nil {
		os.Exit(1)
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		os.Exit(1)
	}
	applySecrets(p.Vault, &cfg)
	configHolder.Store(&cfg)

	go func() {
		for {
			time.Sleep(time.Second * 5)

			if err := config.WatchRemoteConfig(); err != nil {
				zap.L().Error("unable to read remote config", zap.Error(err))
				continue
			}

			var next Config
			if err := config.Unmarshal(&next); err != nil {
				zap.L().Error("unable to unmarshal remote config", zap.Error(err))
				continue
			}
			applySecrets(p.Vault, &next)
			configHolder.Store(&next)
		}
	}()

	return &cfg
}

func applySecrets(client *vault.Client, cfg *Config) {
	ctx := context.Background()

	zap.L().Info("Starting Get Secrets", zap.String("path", cfg.AppEnv))
	secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
	if err != nil {
		zap.L().Error("failed get secret from vault", zap.Error(err))
		os.Exit(1)
	}
	zap.L().Info("Success Get Secret")

	get := func(key string) string {
		if val, ok := secret.Data.Data[key].(string); ok {
			return val
		}
		return ""
	}

	cfg.Database.User = get("postgres_user")
	cfg.Database.Password = get("postgres_password")
	cfg.Redis.Password = get("redis_password")
	cfg.Flagsmith.ApiKey = get("flagsmith_api_key")
	cfg.Publisher.Token = get("publisher_token")
	cfg.Completion.Token = get("completion_token")
}
