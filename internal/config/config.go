package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	"github.com/sethvargo/go-envconfig"
	log "github.com/sirupsen/logrus"
)

type (
	Config struct {
		TelegramAPIToken string `env:"TOKEN,required" validate:"required"`
		LogLevel         int    `env:"LOG_LEVEL,default=4" validate:"min=0,max=6"`
		LogNoColor       bool   `env:"LOG_NO_COLOR"`
		DotPath          string `env:"DOT_PATH,default=~/.ngguard" validate:"required"`
		DBFile           string `env:"DB_FILE,default=ngguard.db" validate:"required"`
		Workers          int    `env:"WORKERS,default=8" validate:"min=1,max=256"`
		APIRate          int    `env:"API_RATE,default=25" validate:"min=1"`
		Redis            Redis
		Metrics          Metrics
		Settings         Settings
		Automation       Automation
	}

	Redis struct {
		URL string `env:"REDIS_URL"`
	}

	Metrics struct {
		Addr string `env:"METRICS_ADDR,default=:2112"`
	}

	Settings struct {
		CacheSize int           `env:"SETTINGS_CACHE_SIZE,default=4096" validate:"min=1"`
		CacheTTL  time.Duration `env:"SETTINGS_CACHE_TTL,default=1m" validate:"min=0"`
	}

	Automation struct {
		CleanupInterval time.Duration `env:"CLEANUP_INTERVAL,default=1h" validate:"min=1s"`
	}
)

var (
	once         sync.Once
	globalConfig = &Config{}
	globalErr    error
)

func Load() (Config, error) {
	once.Do(func() {
		cfg, err := load(context.Background(), envconfig.OsLookuper())
		if err != nil {
			globalErr = err
			return
		}
		log.Traceln("loaded config")
		globalConfig = cfg
	})
	return *globalConfig, globalErr
}

func Get() Config {
	cfg, err := Load()
	if err != nil {
		log.WithField("error", err.Error()).Error("cant load config")
	}
	return cfg
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}
	envcfg := envconfig.Config{
		Lookuper: envconfig.PrefixLookuper("NG_", lookuper),
		Target:   cfg,
	}
	if err := envconfig.ProcessWith(ctx, &envcfg); err != nil {
		return nil, fmt.Errorf("process env config: %w", err)
	}
	dotPath, err := homedir.Expand(cfg.DotPath)
	if err != nil {
		return nil, fmt.Errorf("expand dot path: %w", err)
	}
	cfg.DotPath = dotPath

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}
